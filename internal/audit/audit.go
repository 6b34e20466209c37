// Package audit persists one row per Teams webhook delivery so
// operations can trace and acknowledge every notification.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	// ErrNotFound means no audit row matches the id.
	ErrNotFound = errors.New("audit: record not found")
	// ErrAlreadyAcknowledged means the row was acknowledged earlier.
	ErrAlreadyAcknowledged = errors.New("audit: record already acknowledged")
)

// Record is one webhook delivery. StatusCode is nil when the request
// never reached the channel.
type Record struct {
	ID             string          `db:"id" json:"id"`
	CorrelationID  string          `db:"correlation_id" json:"correlationId"`
	EventType      string          `db:"event_type" json:"eventType"`
	Stakeholders   pq.StringArray  `db:"stakeholders" json:"stakeholders"`
	Priority       string          `db:"priority" json:"priority"`
	WebhookURL     string          `db:"webhook_url" json:"webhookUrl"`
	CardPayload    json.RawMessage `db:"card_payload" json:"cardPayload,omitempty"`
	SentAt         time.Time       `db:"sent_at" json:"sentAt"`
	StatusCode     *int            `db:"status_code" json:"statusCode,omitempty"`
	RetryCount     int             `db:"retry_count" json:"retryCount"`
	AcknowledgedBy *string         `db:"acknowledged_by" json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time      `db:"acknowledged_at" json:"acknowledgedAt,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
}

// Store is the persistence surface the aggregator writes through.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id string) (*Record, error)
	GetByCorrelationID(ctx context.Context, correlationID string) ([]*Record, error)
	Acknowledge(ctx context.Context, id, by string) error
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

// MemoryStore keeps audit rows in process memory. Used in tests and
// when no audit DSN is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Save assigns an id and created-at when missing, then stores a copy.
func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// GetByCorrelationID returns matching rows ordered oldest first.
func (s *MemoryStore) GetByCorrelationID(_ context.Context, correlationID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.records {
		if rec.CorrelationID == correlationID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Acknowledge records who closed out the notification. A second
// acknowledgement is rejected.
func (s *MemoryStore) Acknowledge(_ context.Context, id, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.AcknowledgedAt != nil {
		return ErrAlreadyAcknowledged
	}
	now := time.Now().UTC()
	rec.AcknowledgedBy = &by
	rec.AcknowledgedAt = &now
	return nil
}

// Len reports the number of stored rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
