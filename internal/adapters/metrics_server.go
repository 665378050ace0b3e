package adapters

import (
	"bytes"
	"context"
	"fmt"
	nethttp "net/http"
	"sort"
	"sync"
	"time"

	"github.com/Marketen/proposals-indexer/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck reports nil when the named component is healthy.
type HealthCheck func() error

// MetricsServer serves /metrics from a gatherer and /healthz from the registered checks.
type MetricsServer struct {
	server *nethttp.Server
	checks map[string]HealthCheck

	mu         sync.Mutex
	failStatus error
}

// metricsServerCheck is the health check name under which a listen failure is reported.
const metricsServerCheck = "metrics-server"

// NewMetricsServer sets up a new instance for a given address host:port.
// An empty host will match with any IP so an address like ":7999" is perfectly acceptable.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer, checks map[string]HealthCheck) *MetricsServer {
	s := &MetricsServer{checks: make(map[string]HealthCheck, len(checks)+1)}
	for name, check := range checks {
		s.checks[name] = check
	}
	s.checks[metricsServerCheck] = s.Status

	mux := nethttp.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.healthzHandler)

	s.server = &nethttp.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler is the mux served on the configured address.
func (s *MetricsServer) Handler() nethttp.Handler {
	return s.server.Handler
}

func (s *MetricsServer) healthzHandler(w nethttp.ResponseWriter, _ *nethttp.Request) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	hasError := false
	var buf bytes.Buffer
	for _, name := range names {
		status := "OK"
		if err := s.checks[name](); err != nil {
			hasError = true
			status = "ERROR " + err.Error()
		}
		fmt.Fprintf(&buf, "%s: %s\n", name, status)
	}

	if hasError {
		w.WriteHeader(nethttp.StatusInternalServerError)
	} else {
		w.WriteHeader(nethttp.StatusOK)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		logger.Error("Could not write healthz body: %v", err)
	}
}

// Start serves in the background.
func (s *MetricsServer) Start() {
	logger.Info("Serving metrics on %s", s.server.Addr)
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && err != nethttp.ErrServerClosed {
			logger.Error("Could not listen to host:port %s: %v", s.server.Addr, err)
			s.mu.Lock()
			s.failStatus = err
			s.mu.Unlock()
		}
	}()
}

// Stop the server gracefully.
func (s *MetricsServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status reports a listen failure, if any.
func (s *MetricsServer) Status() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failStatus
}
