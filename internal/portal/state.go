package portal

import (
	"sync"
	"time"
)

// ============================================================================
// AUTHENTICATION STATE MACHINE
// ============================================================================

// AuthState is the connector's authentication state.
type AuthState int

const (
	StateUnauthenticated AuthState = iota
	StateAuthenticated
)

func (s AuthState) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

// AuthTransition is one recorded state change.
type AuthTransition struct {
	From   AuthState
	To     AuthState
	Reason string // "login", "expired", "logout"
	At     time.Time
}

const maxTransitionHistory = 32

// AuthMachine tracks the token lifecycle. Expiry transitions happen
// lazily: reading the state while the token is past its expiry flips
// the machine back to unauthenticated.
type AuthMachine struct {
	mu        sync.Mutex
	state     AuthState
	token     string
	expiresAt time.Time
	history   []AuthTransition
}

// NewAuthMachine starts unauthenticated.
func NewAuthMachine() *AuthMachine {
	return &AuthMachine{state: StateUnauthenticated}
}

// SetAuthenticated records a successful login.
func (m *AuthMachine) SetAuthenticated(token string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transition(StateAuthenticated, "login")
	m.token = token
	m.expiresAt = expiresAt
}

// Logout explicitly drops the token.
func (m *AuthMachine) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateAuthenticated {
		m.transition(StateUnauthenticated, "logout")
	}
	m.token = ""
	m.expiresAt = time.Time{}
}

// State returns the effective state, expiring the token if needed.
func (m *AuthMachine) State() AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(time.Now())
	return m.state
}

// Token returns the live token, or false when missing or expired.
func (m *AuthMachine) Token() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(time.Now())
	if m.state != StateAuthenticated {
		return "", false
	}
	return m.token, true
}

// ExpiresAt returns the current token's absolute expiry.
func (m *AuthMachine) ExpiresAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiresAt
}

// Transitions returns a copy of the recorded history, oldest first.
func (m *AuthMachine) Transitions() []AuthTransition {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AuthTransition, len(m.history))
	copy(out, m.history)
	return out
}

func (m *AuthMachine) expireLocked(now time.Time) {
	if m.state == StateAuthenticated && !m.expiresAt.IsZero() && now.After(m.expiresAt) {
		m.transition(StateUnauthenticated, "expired")
		m.token = ""
	}
}

func (m *AuthMachine) transition(to AuthState, reason string) {
	m.history = append(m.history, AuthTransition{
		From:   m.state,
		To:     to,
		Reason: reason,
		At:     time.Now(),
	})
	if len(m.history) > maxTransitionHistory {
		m.history = m.history[len(m.history)-maxTransitionHistory:]
	}
	m.state = to
}
