package teams

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/claimbridge/backend/internal/config"
	"github.com/claimbridge/backend/internal/events"
	"github.com/claimbridge/backend/internal/resilience"
)

const (
	defaultMaxPerMinute = 60
	defaultMaxBurst     = 10
	defaultMaxRetries   = 3
	defaultBackoffBase  = 2.0
	defaultSendTimeout  = 10 * time.Second
	maxBackoff          = 60 * time.Second

	// maxRateLimitHops bounds how often a single send will honor 429
	// responses; Retry-After waits do not consume backoff attempts.
	maxRateLimitHops = 5
)

// Result is the outcome of delivering one payload to one webhook.
// StatusCode is zero when no response ever arrived.
type Result struct {
	URL        string    `json:"url"`
	StatusCode int       `json:"statusCode,omitempty"`
	RetryCount int       `json:"retryCount"`
	SentAt     time.Time `json:"sentAt"`
	Err        error     `json:"-"`
}

// Notification is one card due for delivery, used by SendBatch.
type Notification struct {
	CorrelationID string
	Priority      events.Priority
	Payload       []byte
	URLs          []string
}

// Sender posts cards to Teams webhooks behind a shared token bucket.
// The bucket holds at most maxBurst tokens and refills at
// maxPerMinute/60 tokens per second; every request, including retries,
// debits one token.
type Sender struct {
	client  *http.Client
	limiter *rate.Limiter
	hmacKey []byte
	retries int
	backoff float64
	logger  *log.Logger

	// sleep is swapped in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSender(cfg config.TeamsConfig) *Sender {
	perMinute := cfg.MaxPerMinute
	if perMinute <= 0 {
		perMinute = defaultMaxPerMinute
	}
	burst := cfg.MaxBurst
	if burst <= 0 {
		burst = defaultMaxBurst
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	backoff := cfg.BackoffBase
	if backoff <= 0 {
		backoff = defaultBackoffBase
	}
	timeout := defaultSendTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	return &Sender{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		hmacKey: []byte(cfg.HMACKey),
		retries: retries,
		backoff: backoff,
		logger:  log.New(log.Writer(), "[SENDER] ", log.LstdFlags),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Send delivers one payload to one webhook. 429 responses honor
// Retry-After without consuming a backoff attempt; 5xx and transient
// network errors retry with exponential backoff capped at 60s; other
// 4xx responses fail immediately.
func (s *Sender) Send(ctx context.Context, url string, payload []byte, correlationID string, priority events.Priority) Result {
	res := Result{URL: url}

	attempt := 0
	rateHops := 0
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			res.Err = fmt.Errorf("teams send %s: %w", correlationID, err)
			return res
		}

		status, retryAfter, err := s.post(ctx, url, payload, correlationID, priority)
		res.SentAt = time.Now().UTC()
		res.StatusCode = status

		switch {
		case err == nil && status == http.StatusOK:
			return res

		case status == http.StatusTooManyRequests:
			rateHops++
			if rateHops > maxRateLimitHops {
				res.Err = fmt.Errorf("teams send %s: webhook still rate limited after %d hops", correlationID, maxRateLimitHops)
				return res
			}
			s.logger.Printf("⚠️ webhook throttled (%s), waiting %s", correlationID, retryAfter)
			if serr := s.sleep(ctx, retryAfter); serr != nil {
				res.Err = serr
				return res
			}
			continue

		case status >= 500 || (err != nil && resilience.IsTransient(err)):
			if attempt >= s.retries {
				if err == nil {
					err = resilience.NewStatusError(status, "")
				}
				res.Err = fmt.Errorf("teams send %s: gave up after %d retries: %w", correlationID, attempt, err)
				return res
			}
			attempt++
			res.RetryCount = attempt
			delay := s.backoffDelay(attempt)
			s.logger.Printf("⚠️ webhook delivery retry %d/%d (%s) in %s", attempt, s.retries, correlationID, delay)
			if serr := s.sleep(ctx, delay); serr != nil {
				res.Err = serr
				return res
			}
			continue

		case err != nil:
			res.Err = fmt.Errorf("teams send %s: %w", correlationID, err)
			return res

		default:
			// Non-retryable status, 4xx or an unexpected 2xx/3xx.
			res.Err = fmt.Errorf("teams send %s: %w", correlationID, resilience.NewStatusError(status, ""))
			return res
		}
	}
}

func (s *Sender) post(ctx context.Context, url string, payload []byte, correlationID string, priority events.Priority) (status int, retryAfter time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", correlationID)
	req.Header.Set("X-Priority", string(priority))
	if len(s.hmacKey) > 0 {
		req.Header.Set("X-HMAC-Signature", s.signature(payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")), nil
}

func (s *Sender) signature(payload []byte) string {
	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Sender) backoffDelay(attempt int) time.Duration {
	d := time.Duration(math.Pow(s.backoff, float64(attempt)) * float64(time.Second))
	if d > maxBackoff {
		return maxBackoff
	}
	if d < 0 {
		return 0
	}
	return d
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return time.Second
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return time.Second
	}
	return time.Duration(secs) * time.Second
}

// SendBatch fans out across every (notification, url) pair. Failures
// surface as error results, never as panics or early returns.
func (s *Sender) SendBatch(ctx context.Context, notifications []Notification) []Result {
	type pair struct {
		n   Notification
		url string
	}
	var pairs []pair
	for _, n := range notifications {
		for _, url := range n.URLs {
			pairs = append(pairs, pair{n, url})
		}
	}

	results := make([]Result, len(pairs))
	g := new(errgroup.Group)
	for i, p := range pairs {
		i, p := i, p
		g.Go(func() error {
			results[i] = s.Send(ctx, p.url, p.n.Payload, p.n.CorrelationID, p.n.Priority)
			return nil
		})
	}
	g.Wait()
	return results
}
