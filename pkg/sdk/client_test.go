package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClaim() *Claim {
	return &Claim{
		PatientID:   "PAT-1",
		MemberID:    "MBR-1",
		ServiceDate: "2025-05-01",
		TotalAmount: 450,
		Items:       []ClaimItem{{Code: "99213", Quantity: 1, UnitPrice: 450}},
	}
}

func TestSubmitClaimSendsKeyAndBody(t *testing.T) {
	var gotKey string
	var gotBody submitPayload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/claims/submit", r.URL.Path)
		gotKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(SubmitResult{Success: true, Stage: "submission", Strategy: StrategyNPHIESFirst})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "sk-test"})
	result, err := client.SubmitClaim(context.Background(), testClaim(), StrategyNPHIESFirst, []string{"medgulf"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "sk-test", gotKey)
	assert.Equal(t, "PAT-1", gotBody.Claim.PatientID)
	assert.Equal(t, StrategyNPHIESFirst, gotBody.Strategy)
	assert.Equal(t, []string{"medgulf"}, gotBody.Portals)
}

func TestSubmitClaimValidationFailureIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(SubmitResult{
			Success:    false,
			Stage:      "validation",
			Validation: &ValidationResult{IsValid: false, Errors: []string{"memberId is required"}},
		})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{BaseURL: srv.URL})
	result, err := client.SubmitClaim(context.Background(), testClaim(), "", nil)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "validation", result.Stage)
	require.NotNil(t, result.Validation)
	assert.Contains(t, result.Validation.Errors, "memberId is required")
}

func TestSubmitClaimUnexpectedStatusIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "boom"})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{BaseURL: srv.URL})
	_, err := client.SubmitClaim(context.Background(), testClaim(), "", nil)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "boom")
}

func TestCheckEligibility(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/eligibility/check", r.URL.Path)
		json.NewEncoder(w).Encode(PortalOutcome{Portal: "nphies", Success: true, Status: "eligible"})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{BaseURL: srv.URL})
	outcome, err := client.CheckEligibility(context.Background(), testClaim())
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "eligible", outcome.Status)
}

func TestResubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/resubmissions", r.URL.Path)
		var payload resubmitPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "PR01", payload.RejectionCode)

		json.NewEncoder(w).Encode(ResubmissionAttempt{
			ClaimID:       payload.ClaimID,
			AttemptNumber: 1,
			RejectionCode: payload.RejectionCode,
			Status:        AttemptAccepted,
		})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{BaseURL: srv.URL})
	attempt, err := client.Resubmit(context.Background(), "CLM-9", "PR01", nil, testClaim(), 450)
	require.NoError(t, err)
	assert.Equal(t, "CLM-9", attempt.ClaimID)
	assert.Equal(t, AttemptAccepted, attempt.Status)
}

func TestNotify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(NotifyResult{CorrelationID: "corr-3", Delivered: true})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{BaseURL: srv.URL})
	res, err := client.Notify(context.Background(), "portal.connection.error", "corr-3", nil, []string{"integration_team"}, "high")
	require.NoError(t, err)
	assert.True(t, res.Delivered)
}

func TestClaimStatusBuildsPath(t *testing.T) {
	var gotPath, gotBranch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBranch = r.URL.Query().Get("branch")
		json.NewEncoder(w).Encode(PortalOutcome{Portal: "medgulf", Success: true, ClaimID: "CLM-7"})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{BaseURL: srv.URL})
	outcome, err := client.ClaimStatus(context.Background(), "medgulf", "CLM-7", "riyadh")
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "/api/v1/claims/medgulf/CLM-7/status", gotPath)
	assert.Equal(t, "riyadh", gotBranch)
}

func TestTransportRetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(NotifyResult{CorrelationID: "corr-1", Delivered: true})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{BaseURL: srv.URL, MaxRetries429: 1})
	res, err := client.Notify(context.Background(), "system.health.degraded", "corr-1", nil, []string{"sre"}, "info")
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestTransportStopsAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{BaseURL: srv.URL, MaxRetries429: 1})
	_, err := client.Notify(context.Background(), "system.health.degraded", "corr-2", nil, []string{"sre"}, "info")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}
