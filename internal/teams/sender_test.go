package teams

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimbridge/backend/internal/config"
	"github.com/claimbridge/backend/internal/events"
)

// recordedSender swaps the sleep hook so backoff is observable
// without real waiting.
func recordedSender(cfg config.TeamsConfig) (*Sender, *[]time.Duration) {
	s := NewSender(cfg)
	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return s, &slept
}

func TestSendSetsHeadersAndSigns(t *testing.T) {
	payload := []byte(`{"type":"message"}`)
	key := "shared-secret"

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	wantSig := hex.EncodeToString(mac.Sum(nil))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "corr-9", r.Header.Get("X-Correlation-ID"))
		assert.Equal(t, "high", r.Header.Get("X-Priority"))
		assert.Equal(t, wantSig, r.Header.Get("X-HMAC-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(config.TeamsConfig{HMACKey: key})
	res := s.Send(context.Background(), srv.URL, payload, "corr-9", events.PriorityHigh)

	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Zero(t, res.RetryCount)
	assert.False(t, res.SentAt.IsZero())
}

func TestSendOmitsSignatureWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present := r.Header["X-Hmac-Signature"]
		assert.False(t, present, "unsigned sender must not set the signature header")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(config.TeamsConfig{})
	res := s.Send(context.Background(), srv.URL, []byte(`{}`), "corr-9", events.PriorityInfo)
	require.NoError(t, res.Err)
}

func TestSend429HonorsRetryAfterWithoutConsumingRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, slept := recordedSender(config.TeamsConfig{})
	res := s.Send(context.Background(), srv.URL, []byte(`{}`), "corr-9", events.PriorityMedium)

	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Zero(t, res.RetryCount, "429 hops must not consume backoff retries")
	assert.Equal(t, []time.Duration{2 * time.Second}, *slept)
	assert.EqualValues(t, 2, calls.Load())
}

func TestSendGivesUpWhenThrottledForever(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s, slept := recordedSender(config.TeamsConfig{})
	res := s.Send(context.Background(), srv.URL, []byte(`{}`), "corr-9", events.PriorityMedium)

	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "rate limited")
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Len(t, *slept, maxRateLimitHops)
}

func TestSendRetries5xxWithExponentialBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, slept := recordedSender(config.TeamsConfig{MaxRetries: 3, BackoffBase: 2.0})
	res := s.Send(context.Background(), srv.URL, []byte(`{}`), "corr-9", events.PriorityHigh)

	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 2, res.RetryCount)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *slept)
}

func TestSendExhaustsRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, _ := recordedSender(config.TeamsConfig{MaxRetries: 2})
	res := s.Send(context.Background(), srv.URL, []byte(`{}`), "corr-9", events.PriorityHigh)

	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "gave up after 2 retries")
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, 2, res.RetryCount)
	assert.EqualValues(t, 3, calls.Load(), "initial request plus two retries")
}

func TestSendBackoffCappedAtSixtySeconds(t *testing.T) {
	s := NewSender(config.TeamsConfig{BackoffBase: 10})
	assert.Equal(t, 10*time.Second, s.backoffDelay(1))
	assert.Equal(t, maxBackoff, s.backoffDelay(2))
	assert.Equal(t, maxBackoff, s.backoffDelay(9))
}

func TestSendRetriesTransientNetworkError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, _ := recordedSender(config.TeamsConfig{})
	res := s.Send(context.Background(), srv.URL, []byte(`{}`), "corr-9", events.PriorityHigh)

	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 1, res.RetryCount)
}

func TestSend4xxFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s, slept := recordedSender(config.TeamsConfig{})
	res := s.Send(context.Background(), srv.URL, []byte(`{}`), "corr-9", events.PriorityLow)

	require.Error(t, res.Err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Zero(t, res.RetryCount)
	assert.Empty(t, *slept)
	assert.EqualValues(t, 1, calls.Load())
}

func TestSendStopsWhenContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSender(config.TeamsConfig{})
	res := s.Send(ctx, "http://127.0.0.1:1/webhook", []byte(`{}`), "corr-9", events.PriorityInfo)
	require.Error(t, res.Err)
	assert.Zero(t, res.StatusCode)
}

func TestSenderBucketConfiguration(t *testing.T) {
	s := NewSender(config.TeamsConfig{MaxPerMinute: 120, MaxBurst: 7})
	assert.Equal(t, 7, s.limiter.Burst())
	assert.InDelta(t, 2.0, float64(s.limiter.Limit()), 1e-9)

	defaults := NewSender(config.TeamsConfig{})
	assert.Equal(t, defaultMaxBurst, defaults.limiter.Burst())
	assert.InDelta(t, 1.0, float64(defaults.limiter.Limit()), 1e-9)
}

func TestSendBatchFansOutPerPair(t *testing.T) {
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer badSrv.Close()

	s := NewSender(config.TeamsConfig{MaxBurst: 10})
	results := s.SendBatch(context.Background(), []Notification{
		{CorrelationID: "corr-a", Priority: events.PriorityHigh, Payload: []byte(`{}`), URLs: []string{okSrv.URL, badSrv.URL}},
		{CorrelationID: "corr-b", Priority: events.PriorityInfo, Payload: []byte(`{}`), URLs: []string{okSrv.URL}},
	})

	require.Len(t, results, 3)
	byURL := map[string]int{}
	var failures int
	for _, res := range results {
		byURL[res.URL]++
		if res.Err != nil {
			failures++
			assert.Equal(t, http.StatusNotFound, res.StatusCode)
		}
	}
	assert.Equal(t, 2, byURL[okSrv.URL])
	assert.Equal(t, 1, byURL[badSrv.URL])
	assert.Equal(t, 1, failures)
}
