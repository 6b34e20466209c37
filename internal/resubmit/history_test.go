package resubmit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHistoryAppendAndQuery(t *testing.T) {
	store := NewMemoryHistory()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &Attempt{ClaimID: "CLM-A", AttemptNumber: 2, Status: StatusFailed}))
	require.NoError(t, store.Append(ctx, &Attempt{ClaimID: "CLM-A", AttemptNumber: 1, Status: StatusFailed}))
	require.NoError(t, store.Append(ctx, &Attempt{ClaimID: "CLM-B", AttemptNumber: 1, Status: StatusAccepted}))

	attempts, err := store.Attempts(ctx, "CLM-A")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, 2, attempts[1].AttemptNumber)

	n, err := store.Count(ctx, "CLM-A")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	none, err := store.Attempts(ctx, "CLM-MISSING")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryHistoryAssignsIDs(t *testing.T) {
	store := NewMemoryHistory()
	a := &Attempt{ClaimID: "CLM-A", AttemptNumber: 1}
	require.NoError(t, store.Append(context.Background(), a))
	assert.NotEmpty(t, a.ID)

	b := &Attempt{ID: "fixed-id", ClaimID: "CLM-A", AttemptNumber: 2}
	require.NoError(t, store.Append(context.Background(), b))
	assert.Equal(t, "fixed-id", b.ID)
}

func TestMemoryHistoryIsolatesReads(t *testing.T) {
	store := NewMemoryHistory()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &Attempt{ClaimID: "CLM-A", AttemptNumber: 1, Status: StatusFailed}))

	attempts, err := store.Attempts(ctx, "CLM-A")
	require.NoError(t, err)
	attempts[0].Status = "mutated"

	again, err := store.Attempts(ctx, "CLM-A")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, again[0].Status)
}
