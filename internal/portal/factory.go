package portal

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/claimbridge/backend/internal/config"
)

// Factory hands out connectors keyed by (portal, branch) and caches
// them so sessions and breaker state survive across calls.
type Factory struct {
	cfg  *config.Config
	deps Deps

	mu     sync.RWMutex
	conns  map[string]Connector
	logger *log.Logger
}

func NewFactory(cfg *config.Config, deps Deps) *Factory {
	return &Factory{
		cfg:    cfg,
		deps:   deps,
		conns:  make(map[string]Connector),
		logger: log.New(log.Writer(), "[FACTORY] ", log.LstdFlags),
	}
}

// Get returns the cached connector for the pair, constructing it on
// first use. For legacy portals an empty branch resolves to the only
// configured branch; with several branches it must be explicit.
func (f *Factory) Get(portal, branch string) (Connector, error) {
	if portal == PortalNPHIES {
		branch = ""
	} else {
		resolved, err := f.resolveBranch(portal, branch)
		if err != nil {
			return nil, err
		}
		branch = resolved
	}

	key := portal + "|" + branch

	f.mu.RLock()
	conn, ok := f.conns[key]
	f.mu.RUnlock()
	if ok {
		return conn, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if conn, ok := f.conns[key]; ok {
		return conn, nil
	}

	conn, err := f.build(portal, branch)
	if err != nil {
		return nil, err
	}
	f.conns[key] = conn
	f.logger.Printf("connector ready for %s", key)
	return conn, nil
}

func (f *Factory) build(portal, branch string) (Connector, error) {
	if portal == PortalNPHIES {
		return NewNPHIESConnector(f.cfg.NPHIES, f.deps), nil
	}
	portalCfg, ok := f.cfg.Portals[portal]
	if !ok {
		return nil, fmt.Errorf("unknown portal %q", portal)
	}
	return NewLegacyConnector(portal, branch, portalCfg, f.deps)
}

func (f *Factory) resolveBranch(portal, branch string) (string, error) {
	if branch != "" {
		return branch, nil
	}
	portalCfg, ok := f.cfg.Portals[portal]
	if !ok {
		return "", fmt.Errorf("unknown portal %q", portal)
	}
	if len(portalCfg.Branches) == 1 {
		for name := range portalCfg.Branches {
			return name, nil
		}
	}
	return "", fmt.Errorf("portal %s has %d branches, one must be named", portal, len(portalCfg.Branches))
}

// Known lists every portal the configuration can reach, the national
// gateway first.
func (f *Factory) Known() []string {
	names := make([]string, 0, len(f.cfg.Portals)+1)
	names = append(names, PortalNPHIES)
	for name := range f.cfg.Portals {
		names = append(names, name)
	}
	sort.Strings(names[1:])
	return names
}

// Active snapshots the connectors built so far.
func (f *Factory) Active() []Connector {
	f.mu.RLock()
	defer f.mu.RUnlock()

	keys := make([]string, 0, len(f.conns))
	for key := range f.conns {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	conns := make([]Connector, 0, len(keys))
	for _, key := range keys {
		conns = append(conns, f.conns[key])
	}
	return conns
}

// CloseAll tears down every cached connector and empties the cache.
func (f *Factory) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, conn := range f.conns {
		conn.Close()
		delete(f.conns, key)
	}
	f.logger.Println("🧹 all connectors closed")
}
