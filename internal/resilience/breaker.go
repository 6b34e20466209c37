package resilience

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker rejects a call outright.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	Threshold int           // consecutive failures before tripping
	Timeout   time.Duration // open hold time before a half-open probe
}

// DefaultBreakerConfig trips after five consecutive failures and holds
// the circuit open for sixty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Timeout: 60 * time.Second}
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// StateChangeFunc observes breaker transitions, e.g. to update a gauge
// or raise a portal.circuit.open event.
type StateChangeFunc func(name, from, to string)

// Breaker guards one named operation. While open, calls fail fast with
// ErrCircuitOpen; after the hold time a single probe is let through.
// Client rejections (4xx other than 429) do not count as failures.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker builds a breaker for the named operation.
func NewBreaker(name string, cfg BreakerConfig, onChange StateChangeFunc) *Breaker {
	cfg = cfg.normalized()

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one half-open probe
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Threshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsClientRejection(err)
		},
	}
	if onChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			onChange(name, from.String(), to.String())
		}
	}

	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs op under the breaker. Open-circuit rejections are mapped
// to ErrCircuitOpen; op errors pass through unchanged.
func (b *Breaker) Execute(op func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// Name returns the operation name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state as a string (closed, half-open, open).
func (b *Breaker) State() string { return b.cb.State().String() }

// Counts exposes the underlying request counters.
func (b *Breaker) Counts() gobreaker.Counts { return b.cb.Counts() }

// ============================================================================
// MANAGER
// ============================================================================

// BreakerStats is a snapshot of one breaker for ops endpoints.
type BreakerStats struct {
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"totalFailures"`
	ConsecutiveFailures uint32 `json:"consecutiveFailures"`
}

// Manager holds the process-wide set of named breakers, one per portal
// operation, created lazily on first use.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
	onChange StateChangeFunc
	logger   *log.Logger
}

// NewManager creates a breaker manager. onChange, when non-nil, observes
// every transition of every managed breaker.
func NewManager(cfg BreakerConfig, onChange StateChangeFunc) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      cfg.normalized(),
		onChange: onChange,
		logger:   log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

// Get returns the named breaker if it exists.
func (m *Manager) Get(name string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	return b, ok
}

// GetOrCreate returns the named breaker, creating it on first use.
func (m *Manager) GetOrCreate(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check: another goroutine may have created it.
	if b, ok := m.breakers[name]; ok {
		return b
	}

	b = NewBreaker(name, m.cfg, m.wrappedOnChange())
	m.breakers[name] = b
	return b
}

func (m *Manager) wrappedOnChange() StateChangeFunc {
	return func(name, from, to string) {
		m.logger.Printf("⚡ Circuit %s: %s -> %s", name, from, to)
		if m.onChange != nil {
			m.onChange(name, from, to)
		}
	}
}

// Stats snapshots every managed breaker.
func (m *Manager) Stats() map[string]BreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(m.breakers))
	for name, b := range m.breakers {
		counts := b.Counts()
		stats[name] = BreakerStats{
			State:               b.State(),
			Requests:            counts.Requests,
			TotalFailures:       counts.TotalFailures,
			ConsecutiveFailures: counts.ConsecutiveFailures,
		}
	}
	return stats
}
