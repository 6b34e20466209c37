package portal

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/claimbridge/backend/internal/events"
	"github.com/claimbridge/backend/internal/resilience"
	"github.com/claimbridge/backend/internal/sessions"
)

const maxResponseBytes = 1 << 20

// Deps carries the shared collaborators every connector needs.
type Deps struct {
	Sessions   *sessions.Registry
	Bus        *events.Bus
	Retry      resilience.RetryPolicy
	Breakers   *resilience.Manager
	SessionTTL time.Duration
}

// BaseConnector is the HTTP plumbing shared by all portal variants:
// pooled client, optional rate limiter, and the breaker-around-retry
// execution path.
type BaseConnector struct {
	portal string
	branch string

	client  *http.Client
	retry   resilience.RetryPolicy
	breaker *resilience.Manager
	limiter *rate.Limiter
	bus     *events.Bus
	logger  *log.Logger
}

func newBase(portal, branch string, timeout time.Duration, rps float64, tlsCfg *tls.Config, deps Deps) *BaseConnector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     tlsCfg,
	}

	var limiter *rate.Limiter
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	breakers := deps.Breakers
	if breakers == nil {
		breakers = resilience.NewManager(resilience.DefaultBreakerConfig(), nil)
	}

	prefix := fmt.Sprintf("[PORTAL:%s] ", portal)
	if branch != "" {
		prefix = fmt.Sprintf("[PORTAL:%s/%s] ", portal, branch)
	}

	return &BaseConnector{
		portal:  portal,
		branch:  branch,
		client:  &http.Client{Timeout: timeout, Transport: transport},
		retry:   deps.Retry,
		breaker: breakers,
		limiter: limiter,
		bus:     deps.Bus,
		logger:  log.New(log.Writer(), prefix, log.LstdFlags),
	}
}

// execute runs op through the rate limiter, the named circuit breaker,
// and the retry policy (retry inside the breaker). Transport failures
// are announced on the event bus.
func (b *BaseConnector) execute(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	name := b.portal + ":" + operation
	if b.branch != "" {
		name = b.portal + "_" + b.branch + ":" + operation
	}

	err := b.breaker.GetOrCreate(name).Execute(func() error {
		return b.retry.Do(ctx, op)
	})
	if err != nil && !resilience.IsClientRejection(err) {
		b.publishConnectionError(operation, err)
	}
	return err
}

func (b *BaseConnector) publishConnectionError(operation string, err error) {
	if b.bus == nil {
		return
	}
	b.bus.Emit(events.PortalConnectionError,
		fmt.Sprintf("%s-%s-%d", b.portal, operation, time.Now().Unix()),
		map[string]interface{}{
			"portal":    b.portal,
			"branch":    b.branch,
			"operation": operation,
			"error":     err.Error(),
		},
		[]string{string(events.StakeholderIntegration)},
		events.PriorityMedium,
	)
}

// doJSON sends one request and decodes the response body. Non-2xx
// responses become StatusErrors so the retry policy can classify them.
func (b *BaseConnector) doJSON(ctx context.Context, method, url string, headers map[string]string, body interface{}) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resilience.NewStatusError(resp.StatusCode, string(raw))
	}

	parsed := make(map[string]interface{})
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			// Some legacy portals answer 200 with plain text.
			parsed["body"] = string(raw)
		}
	}
	return parsed, nil
}

// reachable reports whether the portal answers HTTP at all. Any status
// code counts; only transport failures are errors. Health probes skip
// the breaker so a probe cannot hold it open.
func (b *BaseConnector) reachable(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s unreachable: %w", b.portal, err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	return nil
}

// Close releases idle connections in the pool.
func (b *BaseConnector) Close() {
	b.client.CloseIdleConnections()
}

// stringField plucks the first non-empty string among keys.
func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
