package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// Overrides are the per-portal tunables that may diverge from the
// global record: slower legacy portals get longer timeouts and gentler
// retry schedules than NPHIES.
type Overrides struct {
	Retry          *RetryConfig          `yaml:"retry"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`
	TimeoutSeconds int                   `yaml:"timeout_seconds"`
}

// OverridesFile is the on-disk shape of the per-portal overrides.
type OverridesFile struct {
	Portals map[string]Overrides `yaml:"portals"`
}

// Manager resolves the effective configuration for a portal by merging
// portal overrides onto the global record.
type Manager struct {
	mu        sync.RWMutex
	global    *Config
	overrides map[string]Overrides
}

// NewManager loads the global config and, when present, the per-portal
// overrides file. A missing overrides file is not an error.
func NewManager(globalPath, overridesPath string) (*Manager, error) {
	global, err := Load(globalPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{global: global, overrides: make(map[string]Overrides)}

	if overridesPath == "" {
		return m, nil
	}
	f, err := os.Open(overridesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("open portal overrides: %w", err)
	}
	defer f.Close()

	var of OverridesFile
	if err := yaml.NewDecoder(f).Decode(&of); err != nil {
		return nil, fmt.Errorf("parse portal overrides: %w", err)
	}
	if of.Portals != nil {
		m.overrides = of.Portals
	}
	return m, nil
}

// NewManagerFromConfig wraps an already-loaded config, for tests and
// embedded composition.
func NewManagerFromConfig(global *Config) *Manager {
	return &Manager{global: global, overrides: make(map[string]Overrides)}
}

// SetOverrides replaces the overrides for one portal.
func (m *Manager) SetOverrides(portal string, o Overrides) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[portal] = o
}

// Global returns the unmerged global configuration.
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// Effective returns a copy of the global config with the portal's
// overrides applied.
func (m *Manager) Effective(portal string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.global

	if o, ok := m.overrides[portal]; ok {
		if o.Retry != nil {
			effective.Retry = *o.Retry
		}
		if o.CircuitBreaker != nil {
			effective.CircuitBreaker = *o.CircuitBreaker
		}
		if o.TimeoutSeconds != 0 {
			if portal == "nphies" {
				effective.NPHIES.TimeoutSeconds = o.TimeoutSeconds
			} else if p, ok := effective.Portals[portal]; ok {
				p.TimeoutSeconds = o.TimeoutSeconds
				portals := make(map[string]PortalConfig, len(effective.Portals))
				for k, v := range effective.Portals {
					portals[k] = v
				}
				portals[portal] = p
				effective.Portals = portals
			}
		}
	}

	return &effective
}
