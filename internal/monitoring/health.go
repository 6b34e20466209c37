package monitoring

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/claimbridge/backend/internal/events"
)

// ============================================================================
// COMPONENT HEALTH TRACKING
// ============================================================================

// ComponentStatus is the last known state of one platform dependency
// (a portal connection, the audit database, Redis, Vault).
type ComponentStatus struct {
	Name        string    `json:"name"`
	Healthy     bool      `json:"healthy"`
	Detail      string    `json:"detail,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	LastChecked time.Time `json:"lastChecked"`
	Failures    int64     `json:"failures"`
}

// StatusReport is the aggregate view served by the status endpoint.
type StatusReport struct {
	Healthy    bool              `json:"healthy"`
	Components []ComponentStatus `json:"components"`
	CheckedAt  time.Time         `json:"checkedAt"`
}

// Health tracks per-component liveness and publishes a degradation
// event the moment a component flips from healthy to unhealthy.
type Health struct {
	mu         sync.RWMutex
	components map[string]*ComponentStatus

	bus    *events.Bus
	logger *log.Logger
}

// NewHealth creates a tracker. bus may be nil in tests.
func NewHealth(bus *events.Bus) *Health {
	return &Health{
		components: make(map[string]*ComponentStatus),
		bus:        bus,
		logger:     log.New(log.Writer(), "[HEALTH] ", log.LstdFlags),
	}
}

// SetHealthy marks a component up. Recovery is logged but not published.
func (h *Health) SetHealthy(name, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cs := h.componentUnsafe(name)
	wasDown := !cs.Healthy && !cs.LastChecked.IsZero()
	cs.Healthy = true
	cs.Detail = detail
	cs.LastError = ""
	cs.LastChecked = time.Now().UTC()

	if wasDown {
		h.logger.Printf("✅ %s recovered", name)
	}
}

// SetUnhealthy marks a component down and, on a healthy-to-unhealthy
// transition, emits a system.health.degraded event.
func (h *Health) SetUnhealthy(name string, err error) {
	h.mu.Lock()

	cs := h.componentUnsafe(name)
	wasUp := cs.Healthy || cs.LastChecked.IsZero()
	cs.Healthy = false
	cs.Failures++
	if err != nil {
		cs.LastError = err.Error()
	}
	cs.LastChecked = time.Now().UTC()
	failures := cs.Failures
	lastError := cs.LastError

	h.mu.Unlock()

	if !wasUp {
		return
	}
	h.logger.Printf("⚠️ %s degraded: %s", name, lastError)
	if h.bus != nil {
		h.bus.Emit(events.SystemHealthDegraded, "health-"+name,
			map[string]interface{}{
				"component": name,
				"error":     lastError,
				"failures":  failures,
			},
			[]string{string(events.StakeholderIntegration), string(events.StakeholderOperations)},
			events.PriorityHigh,
		)
	}
}

// Snapshot returns a copy of every component, sorted by name.
func (h *Health) Snapshot() StatusReport {
	h.mu.RLock()
	defer h.mu.RUnlock()

	report := StatusReport{
		Healthy:   true,
		CheckedAt: time.Now().UTC(),
	}
	for _, cs := range h.components {
		report.Components = append(report.Components, *cs)
		if !cs.Healthy {
			report.Healthy = false
		}
	}
	sort.Slice(report.Components, func(i, j int) bool {
		return report.Components[i].Name < report.Components[j].Name
	})
	return report
}

// Healthy reports whether every registered component is up.
func (h *Health) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, cs := range h.components {
		if !cs.Healthy {
			return false
		}
	}
	return true
}

func (h *Health) componentUnsafe(name string) *ComponentStatus {
	cs, ok := h.components[name]
	if !ok {
		cs = &ComponentStatus{Name: name}
		h.components[name] = cs
	}
	return cs
}
