package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shawkym/mxview/pkg/log"
)

// DefaultAddr is where the endpoint listens when no address is configured.
const DefaultAddr = "127.0.0.1:9464"

// HealthCheck reports why the session is unhealthy, or nil.
type HealthCheck func() error

// Server serves /metrics for one mxview session, plus /health backed by an
// optional HealthCheck.
type Server struct {
	addr     string
	http     *http.Server
	registry *prometheus.Registry
	metrics  *Metrics

	mu    sync.RWMutex
	check HealthCheck
}

// ServerConfig configures the metrics endpoint.
type ServerConfig struct {
	// Addr defaults to DefaultAddr.
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Registry is created when nil. Go runtime and process collectors are
	// only added to registries created here.
	Registry *prometheus.Registry
}

// NewServer builds the endpoint and registers a fresh Metrics with it.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	s := &Server{
		addr:     cfg.Addr,
		registry: reg,
		metrics:  NewMetrics(reg),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", s.serveHealth)
	mux.HandleFunc("/", serveIndex)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// SetHealthCheck installs the function /health consults.
func (s *Server) SetHealthCheck(check HealthCheck) {
	s.mu.Lock()
	s.check = check
	s.mu.Unlock()
}

// Start listens until Stop is called.
func (s *Server) Start() error {
	log.WithField("addr", s.addr).Info("metrics endpoint listening")
	err := s.http.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	log.WithError(err).WithField("addr", s.addr).Error("metrics endpoint failed")
	return fmt.Errorf("metrics endpoint on %s: %w", s.addr, err)
}

// Stop shuts the endpoint down, waiting for in-flight scrapes.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop metrics endpoint: %w", err)
	}
	log.Debug("metrics endpoint stopped")
	return nil
}

// GetMetrics returns the collectors registered with this server.
func (s *Server) GetMetrics() *Metrics {
	return s.metrics
}

func (s *Server) GetRegistry() *prometheus.Registry {
	return s.registry
}

// Handler returns the routes without a listener, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

type healthReport struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	check := s.check
	s.mu.RUnlock()

	report := healthReport{Status: "ok"}
	code := http.StatusOK
	if check != nil {
		if err := check(); err != nil {
			report = healthReport{Status: "degraded", Reason: err.Error()}
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		log.WithError(err).Debug("failed to write health report")
	}
}

const indexText = `mxview

/metrics  Prometheus metrics (OpenMetrics)
/health   sync loop health; 503 while degraded
`

func serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, indexText)
}
