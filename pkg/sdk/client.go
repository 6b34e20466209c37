// Package sdk is the Go client for the ClaimBridge API. Hospital
// billing systems embed it to submit claims, check eligibility, trigger
// resubmissions, and push notifications without hand-rolling HTTP.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL: "https://claimbridge.hospital.internal",
//	    APIKey:  os.Getenv("CLAIMBRIDGE_API_KEY"),
//	})
//
//	result, err := client.SubmitClaim(ctx, claim, sdk.StrategyNPHIESFirst, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Success && result.Stage == "validation" {
//	    // The claim never left the platform. Fix and resubmit.
//	    log.Printf("validation errors: %v", result.Validation.Errors)
//	}
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the ClaimBridge endpoint (required).
	// Examples: "https://claimbridge.hospital.internal", "http://localhost:8080"
	BaseURL string

	// APIKey authenticates requests. Sent as X-API-Key.
	APIKey string

	// Timeout per request (default 30s).
	Timeout time.Duration

	// MaxRetries429 caps automatic Retry-After waits on rate limiting
	// (default 2, 0 disables).
	MaxRetries429 int

	// HTTPClient overrides the default client. Its transport is wrapped
	// with the key-injecting round tripper.
	HTTPClient *http.Client
}

// Client talks to one ClaimBridge deployment. Safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a client.
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL: "https://claimbridge.hospital.internal",
//	    APIKey:  os.Getenv("CLAIMBRIDGE_API_KEY"),
//	})
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries429 == 0 {
		cfg.MaxRetries429 = 2
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	base := hc.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *hc
	wrapped.Transport = &Transport{
		Base:          base,
		APIKey:        cfg.APIKey,
		MaxRetries429: cfg.MaxRetries429,
	}

	return &Client{config: cfg, httpClient: &wrapped}
}

type submitPayload struct {
	Claim    *Claim   `json:"claim"`
	Strategy string   `json:"strategy,omitempty"`
	Portals  []string `json:"portals,omitempty"`
}

// SubmitClaim pushes a claim through the platform. strategy "" uses the
// server default; portals narrows legacy fan-out to the named portals.
//
// A SubmitResult is returned for accepted, validation-failed, and
// portal-failed submissions alike; inspect Success and Stage. The error
// is non-nil only when the platform itself could not be reached or
// answered outside the submission contract.
func (c *Client) SubmitClaim(ctx context.Context, claim *Claim, strategy string, portals []string) (*SubmitResult, error) {
	resp, body, err := c.post(ctx, "/api/v1/claims/submit", submitPayload{Claim: claim, Strategy: strategy, Portals: portals})
	if err != nil {
		return nil, err
	}

	// 200, 422, and 502 all carry a SubmitResult body.
	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnprocessableEntity, http.StatusBadGateway:
		var result SubmitResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("claimbridge: parse submit response: %w", err)
		}
		return &result, nil
	}
	return nil, apiError(resp.StatusCode, body)
}

// CheckEligibility verifies coverage for the patient and services on a
// claim without submitting it.
func (c *Client) CheckEligibility(ctx context.Context, claim *Claim) (*PortalOutcome, error) {
	resp, body, err := c.post(ctx, "/api/v1/eligibility/check", claim)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, body)
	}
	var outcome PortalOutcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		return nil, fmt.Errorf("claimbridge: parse eligibility response: %w", err)
	}
	return &outcome, nil
}

type resubmitPayload struct {
	ClaimID       string                 `json:"claimId"`
	RejectionCode string                 `json:"rejectionCode"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Claim         *Claim                 `json:"claim"`
	ClaimAmount   float64                `json:"claimAmount"`
}

// Resubmit asks the platform to correct and resubmit a rejected claim.
// details carries rejection specifics (corrected member id, authorization
// number) that some corrections consume.
func (c *Client) Resubmit(ctx context.Context, claimID, rejectionCode string, details map[string]interface{}, claim *Claim, claimAmount float64) (*ResubmissionAttempt, error) {
	resp, body, err := c.post(ctx, "/api/v1/resubmissions", resubmitPayload{
		ClaimID:       claimID,
		RejectionCode: rejectionCode,
		Details:       details,
		Claim:         claim,
		ClaimAmount:   claimAmount,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, body)
	}
	var attempt ResubmissionAttempt
	if err := json.Unmarshal(body, &attempt); err != nil {
		return nil, fmt.Errorf("claimbridge: parse resubmission response: %w", err)
	}
	return &attempt, nil
}

type notifyPayload struct {
	EventType     string                 `json:"eventType"`
	CorrelationID string                 `json:"correlationId"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Stakeholders  []string               `json:"stakeholders"`
	Priority      string                 `json:"priority"`
}

// Notify pushes an operational event to the named stakeholder groups
// through the platform's Teams pipeline.
func (c *Client) Notify(ctx context.Context, eventType, correlationID string, data map[string]interface{}, stakeholders []string, priority string) (*NotifyResult, error) {
	resp, body, err := c.post(ctx, "/api/v1/notifications", notifyPayload{
		EventType:     eventType,
		CorrelationID: correlationID,
		Data:          data,
		Stakeholders:  stakeholders,
		Priority:      priority,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, body)
	}
	var result NotifyResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("claimbridge: parse notify response: %w", err)
	}
	return &result, nil
}

// ClaimStatus fetches the current portal-side status of a claim. branch
// is required for multi-branch legacy portals.
func (c *Client) ClaimStatus(ctx context.Context, portal, claimID, branch string) (*PortalOutcome, error) {
	path := fmt.Sprintf("/api/v1/claims/%s/%s/status", url.PathEscape(portal), url.PathEscape(claimID))
	if branch != "" {
		path += "?branch=" + url.QueryEscape(branch)
	}
	resp, body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, body)
	}
	var outcome PortalOutcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		return nil, fmt.Errorf("claimbridge: parse status response: %w", err)
	}
	return &outcome, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (*http.Response, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("claimbridge: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("claimbridge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("claimbridge: build request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("claimbridge: request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("claimbridge: read response: %w", err)
	}
	return resp, body, nil
}

func apiError(status int, body []byte) error {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return &APIError{StatusCode: status, Message: envelope.Error}
	}
	return &APIError{StatusCode: status, Message: http.StatusText(status)}
}
