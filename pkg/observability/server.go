package observability

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"
)

// Server provides HTTP endpoints for health, metrics and any handlers
// mounted with Handle.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new observability server listening on addr.
func NewServer(addr string, hc *HealthChecker) *Server {
	if hc == nil {
		hc = NewHealthChecker()
	}
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", hc.HealthHandler())
	mux.HandleFunc("GET /health/live", LivenessHandler())
	mux.HandleFunc("GET /health/ready", hc.ReadinessHandler())

	// Metrics endpoint
	mux.Handle("GET /metrics", MetricsHandler())

	return &Server{
		mux: mux,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 5 * time.Minute, // manual triggers run synchronously
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handle mounts an additional handler. Patterns use http.ServeMux syntax.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, instrument(pattern, h))
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the observability server. It blocks until the server stops
// and returns nil after Shutdown, including a Shutdown that ran before Start.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server. Start called afterwards
// returns immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request metrics under the route pattern rather than the
// raw path to keep label cardinality bounded.
func instrument(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		RecordHTTPRequest(r.Method, pattern, rec.status, time.Since(start))
		SetGoroutines(runtime.NumGoroutine())
	})
}
