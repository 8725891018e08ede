package provider

import (
	"sync"
	"time"

	"github.com/nidhogg/agentmesh/internal/metrics"
)

// DefaultHealthCooldown is how long an unhealthy mark is trusted before the
// backend is given another chance.
const DefaultHealthCooldown = 5 * time.Minute

// Health is the observed state of one backend.
type Health struct {
	Healthy   bool          `json:"healthy"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// HealthTracker holds per-backend health. Unknown backends are healthy.
type HealthTracker struct {
	mu       sync.Mutex
	entries  map[string]*Health
	cooldown time.Duration
	now      func() time.Time
}

// NewHealthTracker creates a tracker with the given cooldown.
func NewHealthTracker(cooldown time.Duration) *HealthTracker {
	if cooldown <= 0 {
		cooldown = DefaultHealthCooldown
	}
	return &HealthTracker{
		entries:  make(map[string]*Health),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// MarkHealthy records a successful call and its latency.
func (h *HealthTracker) MarkHealthy(id string, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[id] = &Health{Healthy: true, LastCheck: h.now(), Latency: latency}
	metrics.ProviderHealthy.WithLabelValues(id).Set(metrics.HealthValue(true))
}

// MarkUnhealthy records a failed backend. Latency from the last success is kept.
func (h *HealthTracker) MarkUnhealthy(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[id]
	if !ok {
		e = &Health{}
		h.entries[id] = e
	}
	e.Healthy = false
	e.LastCheck = h.now()
	metrics.ProviderHealthy.WithLabelValues(id).Set(metrics.HealthValue(false))
}

// IsHealthy reports the backend state, resetting stale failures to healthy.
func (h *HealthTracker) IsHealthy(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[id]
	if !ok {
		return true
	}
	if !e.Healthy && h.now().Sub(e.LastCheck) > h.cooldown {
		e.Healthy = true
		metrics.ProviderHealthy.WithLabelValues(id).Set(metrics.HealthValue(true))
	}
	return e.Healthy
}

// Snapshot returns a copy of every known entry with stale failures shown as healthy.
func (h *HealthTracker) Snapshot() map[string]Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	out := make(map[string]Health, len(h.entries))
	for id, e := range h.entries {
		c := *e
		if !c.Healthy && now.Sub(c.LastCheck) > h.cooldown {
			c.Healthy = true
		}
		out[id] = c
	}
	return out
}
