package observability

import (
	"sync"
	"time"
)

// HealthStatus classifies a component's health.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is a point-in-time health report for one component.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Detail    string       `json:"detail,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// HealthTracker aggregates component health reports. Components push status
// updates; the API surface reads the latest snapshot.
type HealthTracker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{components: make(map[string]ComponentHealth)}
}

// Set records the status for a component.
func (h *HealthTracker) Set(component string, status HealthStatus, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[component] = ComponentHealth{
		Status:    status,
		Detail:    detail,
		CheckedAt: time.Now().UTC(),
	}
}

// Snapshot returns a copy of all component reports.
func (h *HealthTracker) Snapshot() map[string]ComponentHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]ComponentHealth, len(h.components))
	for k, v := range h.components {
		out[k] = v
	}
	return out
}

// Overall reduces the component reports to a single status: unhealthy wins
// over degraded, degraded over healthy. No components means unhealthy.
func (h *HealthTracker) Overall() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.components) == 0 {
		return StatusUnhealthy
	}
	overall := StatusHealthy
	for _, c := range h.components {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}
