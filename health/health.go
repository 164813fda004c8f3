// Package health reports whether the publisher can reach its broker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is the outcome of a check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse reports whether s is more severe than other
func (s Status) worse(other Status) bool {
	return severity(s) > severity(other)
}

func severity(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is the outcome of a single checker
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// Report aggregates every registered check
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker is a single health check
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Registry runs a set of checkers
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds or replaces a checker by name
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[c.Name()] = c
}

// Unregister removes a checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// Names lists the registered checkers in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every checker concurrently. Checkers still running when ctx is
// done are reported unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	results := make(chan CheckResult, len(checkers))
	for _, c := range checkers {
		go func(c Checker) {
			res := c.Check(ctx)
			res.Name = c.Name()
			results <- res
		}(c)
	}

	report := Report{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(checkers))}
	for range checkers {
		select {
		case res := <-results:
			report.add(res)
		case <-ctx.Done():
			for _, c := range checkers {
				if _, ok := report.Checks[c.Name()]; ok {
					continue
				}
				report.add(CheckResult{
					Name:      c.Name(),
					Status:    StatusUnhealthy,
					Message:   "check timed out",
					Duration:  time.Since(start),
					Timestamp: time.Now(),
					Error:     ctx.Err().Error(),
				})
			}
			report.finish(start)
			return report
		}
	}

	report.finish(start)
	return report
}

func (r *Report) add(res CheckResult) {
	r.Checks[res.Name] = res
	if res.Status.worse(r.Status) {
		r.Status = res.Status
	}
}

func (r *Report) finish(start time.Time) {
	r.Timestamp = time.Now()
	r.Duration = time.Since(start)
}

// Handler serves the full report as JSON. Degraded is still 200.
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a handler bounding each request by timeout
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{registry: registry, timeout: timeout}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report := h.registry.Check(ctx)

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
}

// ReadinessHandler answers "ready" unless a check is unhealthy
func ReadinessHandler(registry *Registry, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if registry.Check(ctx).Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// LivenessHandler always answers "alive"
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}
