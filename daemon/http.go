package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/fgprof"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/ulogger"
	"github.com/hybridpos/vssnode/util/servicemanager"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type healthChecker interface {
	HealthHandler(ctx context.Context, checkLiveness bool) (int, string, error)
}

// httpService serves prometheus metrics, health checks and the listener list.
type httpService struct {
	logger    ulogger.Logger
	address   string
	health    healthChecker
	profiling bool

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func newHTTPService(logger ulogger.Logger, address string, health healthChecker, profiling bool) *httpService {
	return &httpService{
		logger:    logger.New("http"),
		address:   address,
		health:    health,
		profiling: profiling,
	}
}

func (s *httpService) Init(ctx context.Context) error {
	mux := http.NewServeMux()

	healthFunc := func(liveness bool) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			status, details, err := s.health.HealthHandler(r.Context(), liveness)
			if err != nil && status == http.StatusOK {
				status = http.StatusInternalServerError
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(details))
		}
	}

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthFunc(false))
	mux.HandleFunc("/health/readiness", healthFunc(false))
	mux.HandleFunc("/health/liveness", healthFunc(true))
	mux.HandleFunc("/services", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(servicemanager.GetListenerInfos())
	})

	if s.profiling {
		mux.Handle("/debug/fgprof", fgprof.Handler())
	}

	listener, err := new(net.ListenConfig).Listen(ctx, "tcp", s.address)
	if err != nil {
		return errors.NewServiceError("[HTTP] failed to listen on %s", s.address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Unlock()

	servicemanager.AddListenerInfo("http " + listener.Addr().String())

	return nil
}

// Addr is the address the server listens on.
func (s *httpService) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

func (s *httpService) Start(ctx context.Context, readyCh chan<- struct{}) error {
	s.mu.Lock()
	server, listener := s.server, s.listener
	s.mu.Unlock()

	errCh := make(chan error, 1)

	go func() {
		errCh <- server.Serve(listener)
	}()

	s.logger.Infof("[HTTP] metrics and health checks on http://%s", listener.Addr())

	if s.profiling {
		s.logger.Infof("[HTTP] FGProf available at http://%s/debug/fgprof", listener.Addr())
	}

	close(readyCh)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return errors.NewServiceError("[HTTP] server failed", err)
	}
}

func (s *httpService) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	return server.Shutdown(ctx)
}

func (s *httpService) Health(context.Context, bool) (int, string, error) {
	return http.StatusOK, "OK", nil
}
