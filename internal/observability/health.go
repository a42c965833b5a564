package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc checks one dependency; nil means healthy.
type CheckFunc func(ctx context.Context) error

// HealthChecker tracks liveness and readiness. The service is ready once
// recovery has settled the current race and every registered dependency
// check passes.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	timeout   time.Duration

	mu        sync.Mutex
	checks    map[string]CheckFunc
	listeners []func(ready bool)
}

// NewHealthChecker creates a checker that is alive but not yet ready.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		timeout:   2 * time.Second,
		checks:    make(map[string]CheckFunc),
	}
}

// AddCheck registers a dependency check run on every readiness request.
func (h *HealthChecker) AddCheck(name string, fn CheckFunc) {
	h.mu.Lock()
	h.checks[name] = fn
	h.mu.Unlock()
}

// OnChange registers fn to be called whenever readiness is set.
// The gRPC health service uses this to mirror HTTP readiness.
func (h *HealthChecker) OnChange(fn func(ready bool)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// SetReady flips readiness and notifies listeners.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)

	h.mu.Lock()
	listeners := append([]func(bool){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(ready)
	}
}

// IsReady reports the flag set by SetReady; dependency checks are not run.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// Check runs every registered check and returns the failures by name.
func (h *HealthChecker) Check(ctx context.Context) map[string]string {
	h.mu.Lock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	failed := make(map[string]string)
	for name, fn := range checks {
		if err := fn(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}

// LivenessHandler answers 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler answers 200 when ready and every check passes, 503
// otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeHealth(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not_ready"})
		return
	}
	if failed := h.Check(r.Context()); len(failed) > 0 {
		writeHealth(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"failed": failed,
		})
		return
	}
	writeHealth(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

func writeHealth(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
