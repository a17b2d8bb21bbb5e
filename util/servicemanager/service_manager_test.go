package servicemanager

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/ulogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	name string

	mu           sync.Mutex
	initErr      error
	startErr     error
	stopErr      error
	healthStatus int
	healthErr    error
	started      time.Time
	stopped      bool
	initialized  bool
}

func newMockService(name string) *mockService {
	return &mockService{name: name, healthStatus: http.StatusOK}
}

func (m *mockService) Init(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initialized = true

	return m.initErr
}

func (m *mockService) Start(ctx context.Context, readyCh chan<- struct{}) error {
	m.mu.Lock()
	m.started = time.Now()
	err := m.startErr
	m.mu.Unlock()

	if err != nil {
		return err
	}

	close(readyCh)

	<-ctx.Done()

	return nil
}

func (m *mockService) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true

	return m.stopErr
}

func (m *mockService) Health(context.Context, bool) (int, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.healthStatus, m.name + " ok", m.healthErr
}

func (m *mockService) state() (initialized bool, started time.Time, stopped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.initialized, m.started, m.stopped
}

func TestListenerInfos(t *testing.T) {
	mu.Lock()
	listeners = nil
	mu.Unlock()

	AddListenerInfo("p2p /ip4/0.0.0.0/tcp/27260")
	AddListenerInfo("metrics :9100")

	assert.Equal(t, []string{"metrics :9100", "p2p /ip4/0.0.0.0/tcp/27260"}, GetListenerInfos())
}

func TestAddServiceStartsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sm := NewServiceManager(ctx, ulogger.TestLogger{})

	first := newMockService("first")
	second := newMockService("second")

	require.NoError(t, sm.AddService("first", first))
	require.NoError(t, sm.AddService("second", second))

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()

	require.NoError(t, sm.WaitForServiceToBeReady(waitCtx))
	assert.Empty(t, sm.ServicesNotReady())

	initialized, startedFirst, _ := first.state()
	assert.True(t, initialized)

	_, startedSecond, _ := second.state()
	assert.False(t, startedSecond.Before(startedFirst))

	cancel()

	require.NoError(t, sm.Wait())

	_, _, stopped := first.state()
	assert.True(t, stopped)

	_, _, stopped = second.state()
	assert.True(t, stopped)
}

func TestAddServiceInitFailure(t *testing.T) {
	sm := NewServiceManager(context.Background(), ulogger.TestLogger{})
	defer sm.ForceShutdown()

	failing := newMockService("failing")
	failing.initErr = errors.NewServiceError("init failed")

	err := sm.AddService("failing", failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init failed")
}

func TestWaitReturnsServiceError(t *testing.T) {
	sm := NewServiceManager(context.Background(), ulogger.TestLogger{})

	healthy := newMockService("healthy")
	failing := newMockService("failing")
	failing.startErr = errors.NewRestartRequiredError("checkpoint deployed")

	require.NoError(t, sm.AddService("healthy", healthy))
	require.NoError(t, sm.AddService("failing", failing))

	err := sm.Wait()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRestartRequired))

	_, _, stopped := healthy.state()
	assert.True(t, stopped)

	assert.Equal(t, []string{"failing"}, sm.ServicesNotReady())
}

func TestWaitForServiceToBeReadyTimesOut(t *testing.T) {
	sm := NewServiceManager(context.Background(), ulogger.TestLogger{})
	defer sm.ForceShutdown()

	sm.services = append(sm.services, serviceWrapper{name: "stuck", readyCh: make(chan struct{})})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := sm.WaitForServiceToBeReady(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrContextCanceled))
}

func TestHealthHandler(t *testing.T) {
	t.Run("all healthy", func(t *testing.T) {
		sm := NewServiceManager(context.Background(), ulogger.TestLogger{})
		defer sm.ForceShutdown()

		require.NoError(t, sm.AddService("node", newMockService("node")))
		require.NoError(t, sm.AddService("metrics", newMockService("metrics")))

		status, body, err := sm.HealthHandler(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, status)
		assert.Contains(t, body, `"service": "node"`)
		assert.Contains(t, body, `"details": "metrics ok"`)
	})

	t.Run("one unhealthy", func(t *testing.T) {
		sm := NewServiceManager(context.Background(), ulogger.TestLogger{})
		defer sm.ForceShutdown()

		sick := newMockService("node")
		sick.healthStatus = http.StatusServiceUnavailable

		require.NoError(t, sm.AddService("node", sick))

		status, body, err := sm.HealthHandler(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, status)
		assert.Contains(t, body, `"status": "503"`)
	})

	t.Run("health error", func(t *testing.T) {
		sm := NewServiceManager(context.Background(), ulogger.TestLogger{})
		defer sm.ForceShutdown()

		broken := newMockService("node")
		broken.healthErr = errors.NewStorageError("leveldb closed")

		require.NoError(t, sm.AddService("node", broken))

		status, _, err := sm.HealthHandler(context.Background(), true)
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, status)
	})

	t.Run("no services", func(t *testing.T) {
		sm := NewServiceManager(context.Background(), ulogger.TestLogger{})
		defer sm.ForceShutdown()

		status, body, err := sm.HealthHandler(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, status)
		assert.Contains(t, body, `"services": []`)
	})
}
