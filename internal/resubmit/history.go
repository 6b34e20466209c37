package resubmit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claimbridge/backend/internal/claims"
)

// Attempt statuses. Accepted means at least one portal took the
// corrected claim; pending means the engine parked it for manual
// review without portal traffic.
const (
	StatusAccepted = "accepted"
	StatusFailed   = "failed"
	StatusPending  = "pending"
)

// Attempt is one recorded resubmission of a claim. AttemptNumber is
// strictly increasing per claim; the engine serializes attempts so two
// resubmissions of the same claim can never share a number.
type Attempt struct {
	ID                 string                   `json:"id"`
	ClaimID            string                   `json:"claimId"`
	AttemptNumber      int                      `json:"attemptNumber"`
	RejectionCode      string                   `json:"rejectionCode"`
	Status             string                   `json:"status"`
	Correction         string                   `json:"correction,omitempty"`
	Corrections        []Correction             `json:"corrections,omitempty"`
	CorrectionsApplied int                      `json:"correctionsApplied"`
	RecoveredAmount    float64                  `json:"recoveredAmount"`
	Outcome            *claims.CompositeOutcome `json:"outcome,omitempty"`
	SubmittedAt        time.Time                `json:"submittedAt"`
}

// HistoryStore persists resubmission attempts per claim.
type HistoryStore interface {
	Append(ctx context.Context, attempt *Attempt) error
	Attempts(ctx context.Context, claimID string) ([]Attempt, error)
	Count(ctx context.Context, claimID string) (int, error)
}

// MemoryHistory keeps attempts in process memory. It is the default
// backend and the one integration tests run against.
type MemoryHistory struct {
	mu       sync.RWMutex
	attempts map[string][]Attempt
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{attempts: make(map[string][]Attempt)}
}

func (m *MemoryHistory) Append(_ context.Context, attempt *Attempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[attempt.ClaimID] = append(m.attempts[attempt.ClaimID], *attempt)
	return nil
}

func (m *MemoryHistory) Attempts(_ context.Context, claimID string) ([]Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.attempts[claimID]
	out := make([]Attempt, len(stored))
	copy(out, stored)
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (m *MemoryHistory) Count(_ context.Context, claimID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.attempts[claimID]), nil
}

var _ HistoryStore = (*MemoryHistory)(nil)
