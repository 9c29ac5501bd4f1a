package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Probe reports a dependency as unhealthy by returning an error.
type Probe func(ctx context.Context) error

type HealthStatus struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks"`
	Errors  []string          `json:"errors"`
	Details map[string]any    `json:"details,omitempty"`
}

// HealthChecker runs named probes and serves the aggregate as JSON.
type HealthChecker struct {
	mu      sync.RWMutex
	names   []string
	probes  map[string]Probe
	details map[string]func() any
	timeout time.Duration
}

func NewHealthChecker(timeout time.Duration) *HealthChecker {
	return &HealthChecker{
		probes:  make(map[string]Probe),
		details: make(map[string]func() any),
		timeout: timeout,
	}
}

func (h *HealthChecker) AddProbe(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.probes[name]; !ok {
		h.names = append(h.names, name)
	}
	h.probes[name] = p
}

// AddDetail attaches an informational value that never affects health.
func (h *HealthChecker) AddDetail(name string, fn func() any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.details[name] = fn
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Healthy: true,
		Checks:  make(map[string]string, len(h.names)),
		Errors:  []string{},
	}

	for _, name := range h.names {
		if err := h.probes[name](ctx); err != nil {
			status.Healthy = false
			status.Checks[name] = "failing"
			status.Errors = append(status.Errors, name+": "+err.Error())
			continue
		}
		status.Checks[name] = "ok"
	}

	if len(h.details) > 0 {
		status.Details = make(map[string]any, len(h.details))
		for name, fn := range h.details {
			status.Details[name] = fn()
		}
	}
	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
