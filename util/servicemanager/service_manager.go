package servicemanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/ulogger"
	"golang.org/x/sync/errgroup"
)

const (
	startTimeout = 5 * time.Second
	stopTimeout  = 5 * time.Second
)

type serviceWrapper struct {
	name     string
	instance Service
	index    int
	readyCh  chan struct{}
}

var (
	mu        sync.RWMutex
	listeners []string
)

// ServiceManager starts services in registration order, each one waiting for
// the previous one to start, and stops them in reverse order.
type ServiceManager struct {
	mu                 sync.Mutex
	services           []serviceWrapper
	dependencyChannels []chan struct{}
	logger             ulogger.Logger
	Ctx                context.Context
	cancelFunc         context.CancelFunc
	g                  *errgroup.Group
}

// NewServiceManager creates a manager whose context is cancelled on SIGINT or
// SIGTERM.
func NewServiceManager(ctx context.Context, logger ulogger.Logger) *ServiceManager {
	ctx, cancelFunc := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	sm := &ServiceManager{
		logger:     logger,
		Ctx:        ctx,
		cancelFunc: cancelFunc,
		g:          g,
	}

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)

		select {
		case <-sigs:
			sm.logger.Infof("🟠 Received shutdown signal. Stopping services...")
			sm.cancelFunc()
		case <-ctx.Done():
		}
	}()

	return sm
}

// AddListenerInfo records an address the node listens on.
func AddListenerInfo(name string) {
	mu.Lock()
	defer mu.Unlock()

	listeners = append(listeners, name)
}

// GetListenerInfos returns the recorded listeners, sorted.
func GetListenerInfos() []string {
	mu.RLock()
	defer mu.RUnlock()

	sortedListeners := make([]string, len(listeners))
	copy(sortedListeners, listeners)
	sort.Strings(sortedListeners)

	return sortedListeners
}

// AddService initialises service and starts it once the previously added
// service has started.
func (sm *ServiceManager) AddService(name string, service Service) error {
	sm.mu.Lock()

	sm.dependencyChannels = append(sm.dependencyChannels, make(chan struct{}))

	sw := serviceWrapper{
		name:     name,
		instance: service,
		index:    len(sm.dependencyChannels) - 1,
		readyCh:  make(chan struct{}),
	}

	sm.services = append(sm.services, sw)

	sm.mu.Unlock()

	sm.logger.Infof("⚪️ Initializing service %s...", name)

	if err := service.Init(sm.Ctx); err != nil {
		return err
	}

	sm.logger.Infof("🟢 Starting service %s...", name)

	sm.g.Go(func() error {
		if sw.index > 0 {
			sm.mu.Lock()
			previous := sm.dependencyChannels[sw.index-1]
			sm.mu.Unlock()

			if err := sm.waitForPreviousServiceToStart(sw, previous); err != nil {
				return err
			}
		}

		sm.mu.Lock()
		close(sm.dependencyChannels[sw.index])
		sm.mu.Unlock()

		if err := service.Start(sm.Ctx, sw.readyCh); err != nil {
			sm.logger.Errorf("Error from service start %s: %v", name, err)
			return err
		}

		return nil
	})

	return nil
}

// WaitForServiceToBeReady blocks until every service has closed its ready
// channel or ctx is done.
func (sm *ServiceManager) WaitForServiceToBeReady(ctx context.Context) error {
	for _, service := range sm.snapshot() {
		select {
		case <-service.readyCh:
			sm.logger.Infof("🟢 Service %s is ready", service.name)
		case <-ctx.Done():
			return errors.NewContextCanceledError("waiting for service %s", service.name, ctx.Err())
		}
	}

	return nil
}

// ServicesNotReady lists the services that have not signalled readiness.
func (sm *ServiceManager) ServicesNotReady() []string {
	var notReady []string

	for _, service := range sm.snapshot() {
		select {
		case <-service.readyCh:
		default:
			notReady = append(notReady, service.name)
		}
	}

	return notReady
}

func (sm *ServiceManager) snapshot() []serviceWrapper {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return append([]serviceWrapper(nil), sm.services...)
}

func (sm *ServiceManager) waitForPreviousServiceToStart(sw serviceWrapper, channel chan struct{}) error {
	timer := time.NewTimer(startTimeout)
	defer timer.Stop()

	select {
	case <-channel:
		return nil
	case <-sm.Ctx.Done():
		return sm.Ctx.Err()
	case <-timer.C:
		return errors.NewServiceError("%s (index %d) timed out waiting for previous service to start", sw.name, sw.index)
	}
}

// ForceShutdown cancels the context of every service.
func (sm *ServiceManager) ForceShutdown() {
	sm.cancelFunc()
}

// Wait blocks until every service returned, then stops them in reverse
// order. The first service error is returned, cancellation is not an error.
func (sm *ServiceManager) Wait() error {
	err := sm.g.Wait()
	if err != nil {
		sm.logger.Errorf("Received error: %v", err)
	}

	services := sm.snapshot()

	for i := len(services) - 1; i >= 0; i-- {
		service := services[i]

		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)

		sm.logger.Infof("🟠 Stopping service %s...", service.name)

		if stopErr := service.instance.Stop(stopCtx); stopErr != nil {
			sm.logger.Warnf("[%s] Failed to stop service: %v", service.name, stopErr)
		} else {
			sm.logger.Infof("[%s] Service stopped gracefully", service.name)
		}

		stopCancel()
	}

	sm.cancelFunc()

	sm.logger.Infof("🛑 All services stopped.")

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// HealthHandler aggregates the health of every service. It reports 503 when
// any service is unhealthy.
func (sm *ServiceManager) HealthHandler(ctx context.Context, checkLiveness bool) (int, string, error) {
	services := sm.snapshot()

	overallStatus := http.StatusOK
	msgs := make([]string, 0, len(services))

	for _, service := range services {
		status, details, err := service.instance.Health(ctx, checkLiveness)
		if err != nil || status != http.StatusOK {
			overallStatus = http.StatusServiceUnavailable
		}

		detailsJSON, _ := json.Marshal(details)

		msgs = append(msgs, fmt.Sprintf(`{"service": %q, "status": "%d", "details": %s}`, service.name, status, detailsJSON))
	}

	jsonStr := fmt.Sprintf(`{"status": "%d", "services": [%s]}`, overallStatus, strings.Join(msgs, ",\n"))

	var jsonFormatted bytes.Buffer

	if err := json.Indent(&jsonFormatted, []byte(jsonStr), "", "  "); err == nil {
		jsonStr = jsonFormatted.String()
	}

	return overallStatus, jsonStr, nil
}
