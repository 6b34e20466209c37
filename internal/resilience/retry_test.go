package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimeoutError struct{}

func (fakeTimeoutError) Error() string   { return "dial tcp: i/o timeout" }
func (fakeTimeoutError) Timeout() bool   { return true }
func (fakeTimeoutError) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewStatusError(500, "")))
	assert.True(t, IsTransient(NewStatusError(503, "unavailable")))
	assert.True(t, IsTransient(NewStatusError(429, "slow down")))
	assert.True(t, IsTransient(fakeTimeoutError{}))
	assert.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(NewStatusError(400, "bad claim")))
	assert.False(t, IsTransient(NewStatusError(404, "")))
	assert.False(t, IsTransient(errors.New("some business error")))
}

func TestIsClientRejection(t *testing.T) {
	assert.True(t, IsClientRejection(NewStatusError(400, "")))
	assert.True(t, IsClientRejection(NewStatusError(422, "")))
	assert.False(t, IsClientRejection(NewStatusError(429, "")))
	assert.False(t, IsClientRejection(NewStatusError(500, "")))
	assert.False(t, IsClientRejection(errors.New("plain")))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Backoff: 2.0}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewStatusError(502, "bad gateway")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnClientError(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Backoff: 2.0}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return NewStatusError(400, "missing memberId")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 400, se.Code)
}

func TestRetryPropagatesFinalError(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Backoff: 2.0}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return NewStatusError(500, "still broken")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "still broken")
}

func TestRetryBackoffDelays(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: 20 * time.Millisecond, Backoff: 2.0}

	start := time.Now()
	_ = p.Do(context.Background(), func(ctx context.Context) error {
		return NewStatusError(500, "")
	})

	// Sleeps: 20ms then 40ms.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Minute, Backoff: 2.0}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func(ctx context.Context) error {
		return NewStatusError(500, "")
	})

	assert.ErrorIs(t, err, context.Canceled)
}
