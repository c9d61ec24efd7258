// Package monitoring serves the Prometheus scrape endpoint and a health
// probe for the consumer process.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Check reports the health of one dependency. A nil error means healthy.
type Check func() error

// ReadyCheck turns a readiness flag into a Check.
func ReadyCheck(name string, ready func() bool) Check {
	return func() error {
		if ready() {
			return nil
		}
		return fmt.Errorf("%s is not ready", name)
	}
}

// Server exposes /metrics and /health.
type Server struct {
	logger zerolog.Logger
	checks []Check
	srv    *http.Server
}

// NewServer builds a server listening on addr. gatherer defaults to the
// Prometheus default gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer, logger zerolog.Logger, checks ...Check) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	s := &Server{
		logger: logger.With().Str("component", "monitoring").Logger(),
		checks: checks,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Handler returns the routing handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("monitoring server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("monitoring: listen on %s: %w", s.srv.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var problems []string
	for _, check := range s.checks {
		if err := check(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if len(problems) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string][]string{"errors": problems})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
