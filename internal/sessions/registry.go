// Package sessions provides the in-process registry of authenticated
// portal sessions. A session's payload is opaque to the registry: NPHIES
// stores a bearer token, legacy connectors store cookies. Ownership of
// records belongs exclusively to the registry; callers receive copies.
package sessions

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"
)

// Session is one authenticated portal session.
type Session struct {
	ID           string                 `json:"id"`
	Portal       string                 `json:"portal"`
	Branch       string                 `json:"branch,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Created      time.Time              `json:"created"`
	LastAccessed time.Time              `json:"lastAccessed"`
	ExpiresAt    time.Time              `json:"expiresAt"`
}

func (s *Session) expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// copyPayload shallow-copies the payload map so callers cannot mutate
// registry state outside the lock.
func copyPayload(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

func (s *Session) snapshot() Session {
	copied := *s
	copied.Payload = copyPayload(s.Payload)
	return copied
}

// ============================================================================
// REGISTRY
// ============================================================================

// Registry tracks sessions by id. A single mutex covers every operation
// so read-modify-write pairs (lookup then refresh, lookup then eager
// expire) are atomic.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
	logger        *log.Logger
}

// NewRegistry creates a registry. A positive sweepInterval starts a
// background loop that removes expired sessions; eager expiry on Get
// happens regardless.
func NewRegistry(sweepInterval time.Duration) *Registry {
	r := &Registry{
		sessions:      make(map[string]*Session),
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
		logger:        log.New(log.Writer(), "[SESSIONS] ", log.LstdFlags),
	}
	if sweepInterval > 0 {
		go r.sweepLoop()
	}
	return r
}

// Create registers a session and returns its id. The id encodes portal,
// branch, and the creation instant.
func (r *Registry) Create(portal, branch string, payload map[string]interface{}, ttl time.Duration) string {
	now := time.Now()
	id := fmt.Sprintf("%s:%s:%d:%s", portal, branch, now.UnixNano(), randomSuffix())

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[id] = &Session{
		ID:           id,
		Portal:       portal,
		Branch:       branch,
		Payload:      copyPayload(payload),
		Created:      now,
		LastAccessed: now,
		ExpiresAt:    now.Add(ttl),
	}
	return id
}

// Get returns a copy of the session, refreshing its last-accessed stamp.
// Expired sessions are removed eagerly and reported as absent.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	if s.expired(time.Now()) {
		delete(r.sessions, id)
		return Session{}, false
	}
	s.LastAccessed = time.Now()
	return s.snapshot(), true
}

// Update merges patch into the session payload. Absent or expired ids
// are a no-op.
func (r *Registry) Update(id string, patch map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.expired(time.Now()) {
		return
	}
	if s.Payload == nil {
		s.Payload = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		s.Payload[k] = v
	}
	s.LastAccessed = time.Now()
}

// Delete removes a session.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns copies of live sessions, optionally filtered by portal.
func (r *Registry) List(portalFilter string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.expired(now) {
			continue
		}
		if portalFilter != "" && s.Portal != portalFilter {
			continue
		}
		out = append(out, s.snapshot())
	}
	return out
}

// Sweep removes every expired session and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, s := range r.sessions {
		if s.expired(now) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of registered sessions, expired included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stats summarizes live sessions per portal.
type Stats struct {
	Total    int            `json:"total"`
	ByPortal map[string]int `json:"byPortal"`
}

// Stats counts live sessions grouped by portal.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	stats := Stats{ByPortal: make(map[string]int)}
	for _, s := range r.sessions {
		if s.expired(now) {
			continue
		}
		stats.Total++
		stats.ByPortal[s.Portal]++
	}
	return stats
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := r.Sweep(); removed > 0 {
				r.logger.Printf("🧹 Swept %d expired sessions", removed)
			}
		case <-r.stopSweep:
			return
		}
	}
}

// Stop terminates the background sweep loop. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopSweep) })
}

func randomSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fall back to a clock-derived suffix; uniqueness still holds
		// through the nanosecond component of the id.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}
