package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(correlationID string) *Record {
	code := 200
	return &Record{
		CorrelationID: correlationID,
		EventType:     "claim.submission.failed",
		Stakeholders:  pq.StringArray{"integration_team", "pmo"},
		Priority:      "high",
		WebhookURL:    "https://example.webhook.office.com/abc",
		CardPayload:   json.RawMessage(`{"type":"message"}`),
		SentAt:        time.Now().UTC(),
		StatusCode:    &code,
		RetryCount:    1,
	}
}

func TestMemoryStoreSaveAssignsIdentity(t *testing.T) {
	store := NewMemoryStore()
	rec := sampleRecord("corr-1")

	require.NoError(t, store.Save(context.Background(), rec))
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreGetByIDReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	rec := sampleRecord("corr-1")
	require.NoError(t, store.Save(context.Background(), rec))

	got, err := store.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)

	got.Priority = "mutated"
	again, err := store.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "high", again.Priority)
}

func TestMemoryStoreGetByIDMissing(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetByID(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStoreGetByCorrelationIDOrdered(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := sampleRecord("corr-batch")
	first.CreatedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	second := sampleRecord("corr-batch")
	second.CreatedAt = time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	other := sampleRecord("corr-other")

	require.NoError(t, store.Save(ctx, second))
	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, other))

	got, err := store.GetByCorrelationID(ctx, "corr-batch")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
}

func TestMemoryStoreAcknowledge(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	rec := sampleRecord("corr-1")
	require.NoError(t, store.Save(ctx, rec))

	require.NoError(t, store.Acknowledge(ctx, rec.ID, "ops@claimbridge"))

	got, err := store.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AcknowledgedBy)
	assert.Equal(t, "ops@claimbridge", *got.AcknowledgedBy)
	assert.NotNil(t, got.AcknowledgedAt)

	err = store.Acknowledge(ctx, rec.ID, "someone-else")
	assert.True(t, errors.Is(err, ErrAlreadyAcknowledged))

	err = store.Acknowledge(ctx, "missing", "x")
	assert.True(t, errors.Is(err, ErrNotFound))
}
