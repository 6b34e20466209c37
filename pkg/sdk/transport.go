package sdk

import (
	"net/http"
	"strconv"
	"time"
)

// Transport injects the API key and cooperates with the platform's
// rate limiter: a 429 with Retry-After is waited out and retried, up
// to MaxRetries429 times. Wrap it around any http.Client to talk to
// ClaimBridge from code that does not use this package's Client.
type Transport struct {
	// Base performs the actual round trips. nil uses
	// http.DefaultTransport.
	Base http.RoundTripper

	// APIKey, when set, is sent as X-API-Key on every request.
	APIKey string

	// MaxRetries429 is the number of rate-limit retries. 0 disables.
	MaxRetries429 int
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	for attempt := 0; ; attempt++ {
		r := req.Clone(req.Context())
		if t.APIKey != "" {
			r.Header.Set("X-API-Key", t.APIKey)
		}
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r.Body = body
		}

		resp, err := base.RoundTrip(r)
		if err != nil {
			return nil, err
		}
		// Only retry when the body can be replayed.
		canRetry := req.Body == nil || req.GetBody != nil
		if resp.StatusCode != http.StatusTooManyRequests || attempt >= t.MaxRetries429 || !canRetry {
			return resp, nil
		}

		wait := retryAfter(resp)
		resp.Body.Close()

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(wait):
		}
	}
}

// retryAfter reads the Retry-After header, defaulting to one second.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}
