package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the state of one check or of the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	storeTimeout     = 5 * time.Second
	componentTimeout = 2 * time.Second
)

// CheckFunc reports whether a dependency works. It should honour ctx.
type CheckFunc func(ctx context.Context) error

type check struct {
	name     string
	critical bool
	timeout  time.Duration
	fn       CheckFunc
}

// HealthChecker evaluates the stores and components aide depends on. A
// failing store makes the service unhealthy; a failing component only
// degrades it.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []check
	details map[string]func() any
	started time.Time
}

// Result is the outcome of one check.
type Result struct {
	Name     string `json:"name"`
	Critical bool   `json:"critical"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
	Latency  string `json:"latency"`
}

// Report is the body of /health.
type Report struct {
	Status  Status         `json:"status"`
	Version string         `json:"version"`
	Uptime  string         `json:"uptime"`
	Checks  []Result       `json:"checks"`
	Details map[string]any `json:"details,omitempty"`
}

// Result returns the named check result.
func (r Report) Result(name string) (Result, bool) {
	for _, res := range r.Checks {
		if res.Name == name {
			return res, true
		}
	}
	return Result{}, false
}

var version = "dev"

// SetVersion sets the version reported by health responses.
func SetVersion(v string) {
	if v != "" {
		version = v
	}
}

// NewHealthChecker creates a health checker with no checks.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{details: make(map[string]func() any), started: time.Now()}
}

// AddStore registers a critical check for a persistence backend.
func (hc *HealthChecker) AddStore(name string, fn CheckFunc) {
	hc.add(check{name: name, critical: true, timeout: storeTimeout, fn: fn})
}

// AddComponent registers a non-critical check for an internal component.
func (hc *HealthChecker) AddComponent(name string, fn CheckFunc) {
	hc.add(check{name: name, timeout: componentTimeout, fn: fn})
}

// AddDetail adds a named section to health reports, such as job state.
func (hc *HealthChecker) AddDetail(name string, fn func() any) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.details[name] = fn
}

// add replaces a check with the same name in place.
func (hc *HealthChecker) add(c check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for i := range hc.checks {
		if hc.checks[i].name == c.name {
			hc.checks[i] = c
			return
		}
	}
	hc.checks = append(hc.checks, c)
}

// Check runs every check concurrently, each under its own timeout, and
// returns the results in registration order.
func (hc *HealthChecker) Check(ctx context.Context) Report {
	hc.mu.RLock()
	checks := append([]check(nil), hc.checks...)
	details := make(map[string]any, len(hc.details))
	for name, fn := range hc.details {
		details[name] = fn()
	}
	hc.mu.RUnlock()

	results := make([]Result, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			results[i] = runCheck(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	status := StatusHealthy
	for _, res := range results {
		switch {
		case res.Status == StatusUnhealthy:
			status = StatusUnhealthy
		case res.Status == StatusDegraded && status == StatusHealthy:
			status = StatusDegraded
		}
	}
	if len(details) == 0 {
		details = nil
	}
	return Report{
		Status:  status,
		Version: version,
		Uptime:  time.Since(hc.started).Round(time.Second).String(),
		Checks:  results,
		Details: details,
	}
}

func runCheck(ctx context.Context, c check) Result {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Buffered so a check ignoring ctx does not leak blocked.
	done := make(chan error, 1)
	go func() { done <- c.fn(pctx) }()

	var err error
	select {
	case err = <-done:
	case <-pctx.Done():
		err = pctx.Err()
	}

	res := Result{Name: c.name, Critical: c.critical, Status: StatusHealthy, Latency: time.Since(start).String()}
	if err != nil {
		res.Error = err.Error()
		res.Status = StatusDegraded
		if c.critical {
			res.Status = StatusUnhealthy
		}
	}
	return res
}

// HealthHandler serves the full report; unhealthy answers 503.
func (hc *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hc.Check(r.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

// ReadinessHandler answers 200 only while every check passes. The body
// names the failing checks and carries the report details.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hc.Check(r.Context())
		body := struct {
			Ready   bool           `json:"ready"`
			Failing []string       `json:"failing,omitempty"`
			Details map[string]any `json:"details,omitempty"`
		}{Ready: report.Status == StatusHealthy, Details: report.Details}
		for _, res := range report.Checks {
			if res.Status != StatusHealthy {
				body.Failing = append(body.Failing, res.Name)
			}
		}

		code := http.StatusOK
		if !body.Ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, body)
	}
}

// LivenessHandler answers 200 while the process serves HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
