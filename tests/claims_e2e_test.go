// Package tests assembles the platform the way cmd/server does and
// drives it end to end: a fake NPHIES gateway and a fake legacy payer
// portal stand in for the real endpoints, and everything else is the
// production wiring. Requests enter through the authenticated REST
// surface and the assertions read back through the same surface, the
// audit trail, and the live event stream.
package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xuri/excelize/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/claimbridge/backend/internal/api"
	"github.com/claimbridge/backend/internal/audit"
	"github.com/claimbridge/backend/internal/claims"
	"github.com/claimbridge/backend/internal/config"
	"github.com/claimbridge/backend/internal/events"
	"github.com/claimbridge/backend/internal/followup"
	"github.com/claimbridge/backend/internal/monitoring"
	"github.com/claimbridge/backend/internal/orchestrator"
	"github.com/claimbridge/backend/internal/portal"
	"github.com/claimbridge/backend/internal/rejections"
	"github.com/claimbridge/backend/internal/resilience"
	"github.com/claimbridge/backend/internal/resubmit"
	"github.com/claimbridge/backend/internal/sessions"
	"github.com/claimbridge/backend/internal/teams"
)

// =============================================================================
// 1. PLATFORM HARNESS — fake gateway, fake payer portal, real everything else
// =============================================================================

const platformKey = "sk-e2e-platform"

// gateway fakes the NPHIES sandbox: one token realm and the FHIR
// operation endpoints, with switches to turn rejections and outages on.
type gateway struct {
	srv          *httptest.Server
	tokenCalls   atomic.Int32
	submitCalls  atomic.Int32
	rejectSubmit atomic.Bool
	failSubmit   atomic.Bool
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{}
	mux := http.NewServeMux()

	mux.HandleFunc("/auth/realms/nphies/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		n := g.tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":3600}`, n)
	})
	mux.HandleFunc("/claim/v1/submit", func(w http.ResponseWriter, r *http.Request) {
		if g.failSubmit.Load() {
			http.Error(w, "gateway unavailable", http.StatusInternalServerError)
			return
		}
		n := g.submitCalls.Add(1)
		w.Header().Set("Content-Type", "application/fhir+json")
		if g.rejectSubmit.Load() {
			fmt.Fprint(w, `{"outcome":"error","errorCode":"BX-217","error":"Invalid authorization number"}`)
			return
		}
		fmt.Fprintf(w, `{"outcome":"complete","claimResponseId":"CR-%d"}`, n)
	})
	mux.HandleFunc("/eligibility/v1/check", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		fmt.Fprint(w, `{"outcome":"complete","claimResponseId":"ELG-1","eligible":true}`)
	})
	mux.HandleFunc("/claim/v1/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		fmt.Fprint(w, `{"outcome":"complete","status":"adjudicated"}`)
	})

	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

// payerPortal fakes a username/password legacy portal with one branch.
type payerPortal struct {
	srv         *httptest.Server
	loginCalls  atomic.Int32
	submitCalls atomic.Int32
}

func newPayerPortal(t *testing.T) *payerPortal {
	t.Helper()
	p := &payerPortal{}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		n := p.loginCalls.Add(1)
		fmt.Fprintf(w, `{"token":"sess-%d","expiresIn":600}`, n)
	})
	mux.HandleFunc("/api/claims", func(w http.ResponseWriter, r *http.Request) {
		n := p.submitCalls.Add(1)
		fmt.Fprintf(w, `{"success":true,"claimId":"TAW-%d"}`, n)
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

// webhookSink records every Teams card the aggregator posts, keyed by
// channel path, and always answers 200.
type webhookSink struct {
	srv  *httptest.Server
	mu   sync.Mutex
	hits map[string][][]byte
}

func newWebhookSink(t *testing.T) *webhookSink {
	t.Helper()
	s := &webhookSink{hits: make(map[string][][]byte)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		s.mu.Lock()
		s.hits[r.URL.Path] = append(s.hits[r.URL.Path], buf.Bytes())
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *webhookSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, bodies := range s.hits {
		n += len(bodies)
	}
	return n
}

func (s *webhookSink) channelCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hits[path])
}

// platform is the assembled system under test.
type platform struct {
	gw     *gateway
	legacy *payerPortal
	sink   *webhookSink

	cfg      *config.Config
	bus      *events.Bus
	registry *sessions.Registry
	agg      *teams.Aggregator
	audit    audit.Store
	engine   *resubmit.Engine

	api *httptest.Server
}

func newPlatform(t *testing.T) *platform {
	t.Helper()

	p := &platform{
		gw:     newGateway(t),
		legacy: newPayerPortal(t),
		sink:   newWebhookSink(t),
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(platformKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash api key: %v", err)
	}

	cfg := &config.Config{}
	cfg.NPHIES = config.NPHIESConfig{
		Environment:    "sandbox",
		BaseURL:        p.gw.srv.URL,
		AuthBaseURL:    p.gw.srv.URL,
		Realm:          "nphies",
		GrantType:      "client_credentials",
		ClientID:       "claimbridge",
		ClientSecret:   "s3cr3t",
		OrganizationID: "ORG-9",
		TimeoutSeconds: 5,
	}
	cfg.Portals = map[string]config.PortalConfig{
		"tawuniya": {
			BaseURL:        p.legacy.srv.URL,
			TimeoutSeconds: 5,
			Branches: map[string]config.BranchCredentials{
				"riyadh": {Username: "riyadh-user", Password: "pw", AccountID: "ACC-100"},
			},
		},
	}
	cfg.Orchestrator = config.OrchestratorConfig{
		DefaultStrategy:      "NPHIES_FIRST",
		DefaultLegacyPortals: []string{"tawuniya"},
	}
	cfg.Resubmission = config.ResubmissionConfig{MaxAttempts: 3, RetryDelayHours: 24, EscalateAfterAttempts: 2, HistoryBackend: "memory"}
	cfg.Teams = config.TeamsConfig{
		Webhooks: map[string]string{
			"integration": p.sink.srv.URL + "/integration",
			"pmo":         p.sink.srv.URL + "/pmo",
			"finance":     p.sink.srv.URL + "/finance",
		},
		StakeholderChannels: map[string]string{
			"integration_team": "integration",
			"pmo":              "pmo",
			"finance":          "finance",
		},
		MaxPerMinute:   6000,
		MaxBurst:       100,
		TimeoutSeconds: 5,
	}
	cfg.API = config.APIConfig{APIKeys: []string{string(hash)}, RateLimitPerMinute: 1000}
	p.cfg = cfg

	p.bus = events.NewBus()
	reg := prometheus.NewRegistry()
	metrics := monitoring.New(reg)

	p.registry = sessions.NewRegistry(time.Minute)
	t.Cleanup(p.registry.Stop)

	breakers := resilience.NewManager(resilience.BreakerConfig{Threshold: 5, Timeout: time.Second}, nil)
	factory := portal.NewFactory(cfg, portal.Deps{
		Sessions:   p.registry,
		Bus:        p.bus,
		Retry:      resilience.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Backoff: 1.5},
		Breakers:   breakers,
		SessionTTL: time.Hour,
	})

	p.audit = audit.NewMemoryStore()
	p.agg = teams.NewAggregator(cfg.Teams, "claimbridge.", teams.NewBuilder(cfg.Teams), teams.NewSender(cfg.Teams), teams.AggregatorOptions{
		Bus:     p.bus,
		Audit:   p.audit,
		Metrics: metrics,
	})

	orch := orchestrator.New(factory, cfg, orchestrator.Options{Notifier: p.agg, Metrics: metrics})

	resolver := &resubmit.StaticResolver{
		Authorizations: map[string]string{"PAT-001|2025-03-10": "AUTH-2025-0042"},
	}
	p.engine = resubmit.New(cfg.Resubmission, orch, resubmit.Options{
		History:  resubmit.NewMemoryHistory(),
		Resolver: resolver,
		Notifier: p.agg,
		Metrics:  metrics,
	})

	server := api.NewServer(cfg.API, orch, api.Options{
		Engine:   p.engine,
		Notifier: p.agg,
		Sessions: p.registry,
		Audit:    p.audit,
		Bus:      p.bus,
		Gatherer: reg,
	})
	p.api = httptest.NewServer(server.Router())
	t.Cleanup(p.api.Close)
	t.Cleanup(func() { _ = server.Shutdown(context.Background()) })

	return p
}

func (p *platform) request(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal %s %s body: %v", method, path, err)
		}
	}
	req, err := http.NewRequest(method, p.api.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build %s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", platformKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read %s %s response: %v", method, path, err)
	}
	return resp.StatusCode, buf.Bytes()
}

func decodeInto(t *testing.T, raw []byte, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode response %s: %v", raw, err)
	}
}

func sampleClaim() *claims.Request {
	return &claims.Request{
		PatientID:   "PAT-001",
		MemberID:    "MBR-777",
		PayerID:     "PAYER-BUPA",
		ServiceDate: "2025-03-10",
		ClaimType:   claims.TypeProfessional,
		TotalAmount: 450,
		Items: []claims.Item{
			{Code: "83036", Description: "HbA1c", Quantity: 1, UnitPrice: 150},
			{Code: "99213", Description: "Office visit", Quantity: 2, UnitPrice: 150},
		},
	}
}

// submitEnvelope mirrors the composite outcome shape the submit
// endpoint returns.
type submitEnvelope struct {
	Success   bool   `json:"success"`
	Stage     string `json:"stage"`
	Strategy  string `json:"strategy"`
	PerPortal map[string]struct {
		Portal  string `json:"portal"`
		Branch  string `json:"branch"`
		Success bool   `json:"success"`
		ClaimID string `json:"claimId"`
		Status  string `json:"status"`
		Error   string `json:"error"`
	} `json:"perPortal"`
	NPHIESResult *struct {
		Success bool   `json:"success"`
		ClaimID string `json:"claimId"`
		Status  string `json:"status"`
		Error   string `json:"error"`
	} `json:"nphies_result"`
	Validation *struct {
		IsValid bool     `json:"isValid"`
		Errors  []string `json:"errors"`
	} `json:"validation"`
	Error string `json:"error"`
}

// =============================================================================
// 2. API GATE — key auth in front, health and metrics outside it
// =============================================================================

func TestGate_RejectsMissingAndBadKeys(t *testing.T) {
	p := newPlatform(t)

	req, _ := http.NewRequest(http.MethodGet, p.api.URL+"/api/v1/sessions", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unauthenticated request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, p.api.URL+"/api/v1/sessions", nil)
	req.Header.Set("X-API-Key", "not-the-key")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("bad-key request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", resp.StatusCode)
	}
}

func TestGate_HealthAndMetricsAreOpen(t *testing.T) {
	p := newPlatform(t)

	resp, err := http.Get(p.api.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(p.api.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(buf.String(), "claimbridge_") {
		t.Errorf("metrics exposition is missing the claimbridge_ namespace")
	}
}

// =============================================================================
// 3. CLAIM SUBMISSION — gateway path, validation gate, multi-portal fan-out
// =============================================================================

func TestSubmit_GatewayAcceptsAndNotifies(t *testing.T) {
	p := newPlatform(t)

	status, raw := p.request(t, http.MethodPost, "/api/v1/claims/submit", map[string]interface{}{
		"claim": sampleClaim(),
	})
	if status != http.StatusOK {
		t.Fatalf("submit status = %d, body %s", status, raw)
	}

	var out submitEnvelope
	decodeInto(t, raw, &out)
	if !out.Success {
		t.Fatalf("submit success = false, body %s", raw)
	}
	if out.Strategy != "NPHIES_FIRST" {
		t.Errorf("strategy = %q, want NPHIES_FIRST from config default", out.Strategy)
	}
	if out.NPHIESResult == nil || out.NPHIESResult.ClaimID != "CR-1" {
		t.Fatalf("nphies result = %+v, want claim id CR-1", out.NPHIESResult)
	}
	if got := p.gw.tokenCalls.Load(); got != 1 {
		t.Errorf("token endpoint called %d times, want 1 (auto-login once)", got)
	}

	// The orchestrator raises claim.submission.success and the
	// aggregator leaves an audited delivery behind it.
	records, err := p.audit.GetByCorrelationID(context.Background(), "CR-1")
	if err != nil {
		t.Fatalf("audit lookup: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("no audit records for correlation CR-1")
	}
	if records[0].EventType != string(events.ClaimSubmissionSuccess) {
		t.Errorf("audited event = %q, want %q", records[0].EventType, events.ClaimSubmissionSuccess)
	}
	if p.sink.channelCount("/integration") == 0 {
		t.Error("integration channel received no card for the accepted claim")
	}
}

func TestSubmit_ValidationStopsBadClaims(t *testing.T) {
	p := newPlatform(t)

	bad := sampleClaim()
	bad.MemberID = ""
	bad.Items = nil
	bad.TotalAmount = 0

	status, raw := p.request(t, http.MethodPost, "/api/v1/claims/submit", map[string]interface{}{
		"claim": bad,
	})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("submit status = %d, want 422, body %s", status, raw)
	}

	var out submitEnvelope
	decodeInto(t, raw, &out)
	if out.Stage != claims.StageValidation {
		t.Errorf("stage = %q, want %q", out.Stage, claims.StageValidation)
	}
	if out.Validation == nil || len(out.Validation.Errors) == 0 {
		t.Error("validation errors missing from the 422 body")
	}
	if got := p.gw.submitCalls.Load(); got != 0 {
		t.Errorf("gateway saw %d submits, want 0 for a claim that never validated", got)
	}
}

func TestSubmit_AllPortalsFansOut(t *testing.T) {
	p := newPlatform(t)

	status, raw := p.request(t, http.MethodPost, "/api/v1/claims/submit", map[string]interface{}{
		"claim":    sampleClaim(),
		"strategy": "ALL_PORTALS",
	})
	if status != http.StatusOK {
		t.Fatalf("submit status = %d, body %s", status, raw)
	}

	var out submitEnvelope
	decodeInto(t, raw, &out)
	nphies, ok := out.PerPortal["nphies"]
	if !ok || !nphies.Success {
		t.Errorf("nphies outcome = %+v, want success", out.PerPortal["nphies"])
	}
	legacy, ok := out.PerPortal["tawuniya_riyadh"]
	if !ok || !legacy.Success {
		t.Errorf("tawuniya outcome = %+v, want success", out.PerPortal["tawuniya_riyadh"])
	}
	if legacy.ClaimID != "TAW-1" {
		t.Errorf("legacy claim id = %q, want TAW-1", legacy.ClaimID)
	}
	if got := p.legacy.loginCalls.Load(); got != 1 {
		t.Errorf("legacy login called %d times, want 1", got)
	}
}

func TestSubmit_GatewayRejectionSurfacesAsBadGateway(t *testing.T) {
	p := newPlatform(t)
	p.gw.rejectSubmit.Store(true)

	status, raw := p.request(t, http.MethodPost, "/api/v1/claims/submit", map[string]interface{}{
		"claim": sampleClaim(),
	})
	if status != http.StatusBadGateway {
		t.Fatalf("submit status = %d, want 502, body %s", status, raw)
	}

	var out submitEnvelope
	decodeInto(t, raw, &out)
	if out.Success {
		t.Fatal("rejected claim reported success")
	}
	if out.NPHIESResult == nil || !strings.Contains(out.NPHIESResult.Error, "Invalid authorization number") {
		t.Errorf("nphies error = %+v, want the payer rejection text", out.NPHIESResult)
	}
	if out.Stage != claims.StageSubmission {
		t.Errorf("stage = %q, want %q", out.Stage, claims.StageSubmission)
	}
}

// =============================================================================
// 4. REJECTION RECOVERY — payer code mapping, auto-correction, escalation, attempt cap
// =============================================================================

func TestRecovery_PayerCodeMapsIntoCatalog(t *testing.T) {
	std, ok := rejections.MapPayerCode("bupa", "", "BX-217")
	if !ok || std != "PA03" {
		t.Fatalf("MapPayerCode(bupa, BX-217) = %q, %v; want PA03, true", std, ok)
	}
	entry, ok := rejections.Get(std)
	if !ok {
		t.Fatalf("catalog has no entry for %s", std)
	}
	if !entry.AutoResubmit {
		t.Error("PA03 should be auto-resubmittable")
	}
	if entry.Description != "Invalid authorization number" {
		t.Errorf("PA03 description = %q", entry.Description)
	}
}

func TestRecovery_AutoCorrectionRecoversClaim(t *testing.T) {
	p := newPlatform(t)

	status, raw := p.request(t, http.MethodPost, "/api/v1/resubmissions", map[string]interface{}{
		"claimId":       "CLM-E2E-1",
		"rejectionCode": "PA03",
		"claim":         sampleClaim(),
		"claimAmount":   450,
	})
	if status != http.StatusOK {
		t.Fatalf("resubmit status = %d, body %s", status, raw)
	}

	var attempt struct {
		Status             string  `json:"status"`
		AttemptNumber      int     `json:"attemptNumber"`
		CorrectionsApplied int     `json:"correctionsApplied"`
		RecoveredAmount    float64 `json:"recoveredAmount"`
		Corrections        []struct {
			FieldPath string      `json:"fieldPath"`
			NewValue  interface{} `json:"newValue"`
		} `json:"corrections"`
	}
	decodeInto(t, raw, &attempt)

	if attempt.Status != resubmit.StatusAccepted {
		t.Fatalf("attempt status = %q, want accepted, body %s", attempt.Status, raw)
	}
	if attempt.CorrectionsApplied != 1 || len(attempt.Corrections) != 1 {
		t.Fatalf("corrections applied = %d (%d proposed), want 1", attempt.CorrectionsApplied, len(attempt.Corrections))
	}
	if attempt.Corrections[0].FieldPath != "priorAuthRef" || attempt.Corrections[0].NewValue != "AUTH-2025-0042" {
		t.Errorf("correction = %+v, want priorAuthRef -> AUTH-2025-0042", attempt.Corrections[0])
	}
	if attempt.RecoveredAmount != 450 {
		t.Errorf("recovered amount = %v, want 450", attempt.RecoveredAmount)
	}
	if got := p.gw.submitCalls.Load(); got != 1 {
		t.Errorf("gateway saw %d submits, want 1 for the corrected claim", got)
	}

	// History and metrics both reflect the recovery.
	status, raw = p.request(t, http.MethodGet, "/api/v1/resubmissions/CLM-E2E-1", nil)
	if status != http.StatusOK {
		t.Fatalf("history status = %d", status)
	}
	var history struct {
		Count    int `json:"count"`
		Attempts []struct {
			Status string `json:"status"`
		} `json:"attempts"`
	}
	decodeInto(t, raw, &history)
	if history.Count != 1 || len(history.Attempts) != 1 || history.Attempts[0].Status != resubmit.StatusAccepted {
		t.Errorf("history = %s, want one accepted attempt", raw)
	}

	status, raw = p.request(t, http.MethodGet, "/api/v1/resubmissions/metrics", nil)
	if status != http.StatusOK {
		t.Fatalf("metrics status = %d", status)
	}
	var stats resubmit.Stats
	decodeInto(t, raw, &stats)
	if stats.SuccessfulResubmissions != 1 {
		t.Errorf("successful resubmissions = %d, want 1", stats.SuccessfulResubmissions)
	}
	if stats.TotalRecoveredAmount != 450 {
		t.Errorf("recovered total = %v, want 450", stats.TotalRecoveredAmount)
	}

	records, err := p.audit.GetByCorrelationID(context.Background(), "CLM-E2E-1")
	if err != nil {
		t.Fatalf("audit lookup: %v", err)
	}
	found := false
	for _, rec := range records {
		if rec.EventType == string(events.ResubmissionSucceeded) {
			found = true
		}
	}
	if !found {
		t.Errorf("no resubmission.succeeded audit record, got %d records", len(records))
	}
}

func TestRecovery_ManualReviewEscalates(t *testing.T) {
	p := newPlatform(t)

	status, raw := p.request(t, http.MethodPost, "/api/v1/resubmissions", map[string]interface{}{
		"claimId":       "CLM-E2E-2",
		"rejectionCode": "DOC01",
		"claim":         sampleClaim(),
		"claimAmount":   900,
	})
	if status != http.StatusOK {
		t.Fatalf("resubmit status = %d, body %s", status, raw)
	}

	var attempt struct {
		Status     string `json:"status"`
		Correction string `json:"correction"`
	}
	decodeInto(t, raw, &attempt)
	if attempt.Status != resubmit.StatusPending {
		t.Fatalf("attempt status = %q, want pending", attempt.Status)
	}
	if attempt.Correction != "Manual review required" {
		t.Errorf("correction = %q", attempt.Correction)
	}
	if got := p.gw.submitCalls.Load(); got != 0 {
		t.Errorf("gateway saw %d submits, want 0 when a human has to look first", got)
	}

	records, err := p.audit.GetByCorrelationID(context.Background(), "CLM-E2E-2")
	if err != nil {
		t.Fatalf("audit lookup: %v", err)
	}
	found := false
	for _, rec := range records {
		if rec.EventType == string(events.ResubmissionEscalated) {
			found = true
		}
	}
	if !found {
		t.Error("manual-review attempt did not leave an escalation in the audit trail")
	}
}

func TestRecovery_AttemptCapEscalates(t *testing.T) {
	p := newPlatform(t)

	for i := 0; i < 3; i++ {
		status, raw := p.request(t, http.MethodPost, "/api/v1/resubmissions", map[string]interface{}{
			"claimId":       "CLM-E2E-3",
			"rejectionCode": "PA03",
			"claim":         sampleClaim(),
			"claimAmount":   450,
		})
		if status != http.StatusOK {
			t.Fatalf("resubmit %d status = %d, body %s", i+1, status, raw)
		}
	}

	status, raw := p.request(t, http.MethodPost, "/api/v1/resubmissions", map[string]interface{}{
		"claimId":       "CLM-E2E-3",
		"rejectionCode": "PA03",
		"claim":         sampleClaim(),
		"claimAmount":   450,
	})
	if status != http.StatusOK {
		t.Fatalf("capped resubmit status = %d, body %s", status, raw)
	}
	var attempt struct {
		Status        string `json:"status"`
		AttemptNumber int    `json:"attemptNumber"`
		Correction    string `json:"correction"`
	}
	decodeInto(t, raw, &attempt)
	if attempt.Status != resubmit.StatusFailed || attempt.AttemptNumber != 4 {
		t.Fatalf("attempt = %+v, want failed attempt 4", attempt)
	}
	if attempt.Correction != "Max attempts reached" {
		t.Errorf("correction = %q", attempt.Correction)
	}
	if got := p.gw.submitCalls.Load(); got != 3 {
		t.Errorf("gateway saw %d submits, want 3 (the cap keeps the fourth local)", got)
	}
}

// =============================================================================
// 5. STAKEHOLDER NOTIFICATIONS — delivery, audit trail, acknowledgement
// =============================================================================

func TestNotifications_DeliverAuditAcknowledge(t *testing.T) {
	p := newPlatform(t)

	status, raw := p.request(t, http.MethodPost, "/api/v1/notifications", map[string]interface{}{
		"eventType":     string(events.PortalConnectionError),
		"correlationId": "corr-e2e-1",
		"data":          map[string]interface{}{"portal": "tawuniya", "error": "timeout"},
		"stakeholders":  []string{"integration_team"},
		"priority":      "high",
	})
	if status != http.StatusOK {
		t.Fatalf("notify status = %d, body %s", status, raw)
	}
	var sent struct {
		Delivered bool `json:"delivered"`
	}
	decodeInto(t, raw, &sent)
	if !sent.Delivered {
		t.Fatal("notification not delivered")
	}
	if p.sink.channelCount("/integration") != 1 {
		t.Errorf("integration channel hits = %d, want 1", p.sink.channelCount("/integration"))
	}

	status, raw = p.request(t, http.MethodGet, "/api/v1/notifications/corr-e2e-1", nil)
	if status != http.StatusOK {
		t.Fatalf("trail status = %d", status)
	}
	var trail struct {
		Records []audit.Record `json:"records"`
	}
	decodeInto(t, raw, &trail)
	if len(trail.Records) != 1 {
		t.Fatalf("trail records = %d, want 1, body %s", len(trail.Records), raw)
	}
	rec := trail.Records[0]
	if rec.EventType != string(events.PortalConnectionError) {
		t.Errorf("trail event = %q", rec.EventType)
	}
	if rec.StatusCode == nil || *rec.StatusCode != http.StatusOK {
		t.Errorf("trail status code = %v, want 200", rec.StatusCode)
	}

	status, _ = p.request(t, http.MethodPost, "/api/v1/notifications/"+rec.ID+"/ack", map[string]interface{}{
		"acknowledgedBy": "ops-duty",
	})
	if status != http.StatusOK {
		t.Fatalf("ack status = %d", status)
	}
	status, raw = p.request(t, http.MethodGet, "/api/v1/notifications/corr-e2e-1", nil)
	if status != http.StatusOK {
		t.Fatalf("trail re-read status = %d", status)
	}
	decodeInto(t, raw, &trail)
	if trail.Records[0].AcknowledgedBy == nil || *trail.Records[0].AcknowledgedBy != "ops-duty" {
		t.Errorf("acknowledgedBy = %v, want ops-duty", trail.Records[0].AcknowledgedBy)
	}
	if trail.Records[0].AcknowledgedAt == nil {
		t.Error("acknowledgedAt not set")
	}
}

func TestNotifications_UnmappedStakeholderIsRefused(t *testing.T) {
	p := newPlatform(t)

	status, raw := p.request(t, http.MethodPost, "/api/v1/notifications", map[string]interface{}{
		"eventType":     string(events.SystemHealthDegraded),
		"correlationId": "corr-e2e-2",
		"stakeholders":  []string{"compliance"},
		"priority":      "medium",
	})
	if status != http.StatusOK {
		t.Fatalf("notify status = %d, body %s", status, raw)
	}
	var sent struct {
		Delivered bool `json:"delivered"`
	}
	decodeInto(t, raw, &sent)
	if sent.Delivered {
		t.Error("delivery reported for a stakeholder with no channel mapping")
	}
	if p.sink.count() != 0 {
		t.Errorf("sink hits = %d, want 0", p.sink.count())
	}
}

// =============================================================================
// 6. LIVE EVENT STREAM — websocket fan-out of platform traffic
// =============================================================================

func TestStream_BroadcastsSubmissionFailures(t *testing.T) {
	p := newPlatform(t)

	wsURL := "ws" + strings.TrimPrefix(p.api.URL, "http") + "/api/v1/events/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	if err := conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}

	// Probe until the hub has registered this client, then stop; the
	// per-subscriber buffer keeps anything emitted in between.
	stop := make(chan struct{})
	go func() {
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
				p.bus.Emit(events.SystemHealthDegraded, fmt.Sprintf("probe-%d", i),
					map[string]interface{}{"component": "probe"},
					[]string{"integration_team"}, events.PriorityInfo)
			}
		}
	}()

	var first events.Event
	if err := conn.ReadJSON(&first); err != nil {
		close(stop)
		t.Fatalf("first stream read: %v", err)
	}
	close(stop)

	p.gw.rejectSubmit.Store(true)
	status, _ := p.request(t, http.MethodPost, "/api/v1/claims/submit", map[string]interface{}{
		"claim": sampleClaim(),
	})
	if status != http.StatusBadGateway {
		t.Fatalf("submit status = %d, want 502", status)
	}

	for i := 0; i < 50; i++ {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("stream read %d: %v", i, err)
		}
		if ev.Type != events.ClaimSubmissionFailed {
			continue
		}
		if ev.Priority != events.PriorityHigh {
			t.Errorf("failure event priority = %q, want high", ev.Priority)
		}
		if ev.Data["stage"] != claims.StageSubmission {
			t.Errorf("failure event stage = %v, want submission", ev.Data["stage"])
		}
		return
	}
	t.Fatal("claim.submission.failed never reached the stream")
}

// =============================================================================
// 7. FOLLOW-UP SWEEP — workbook rows become stakeholder alerts
// =============================================================================

func TestFollowUp_WorkbookAlertsReachStakeholders(t *testing.T) {
	p := newPlatform(t)

	path := filepath.Join(t.TempDir(), "followup.xlsx")
	overdue := time.Now().UTC().AddDate(0, 0, -5).Format("2006-01-02")
	healthy := time.Now().UTC().AddDate(0, 0, 30).Format("2006-01-02")

	book := excelize.NewFile()
	rows := [][]interface{}{
		{"Branch", "Insurance Company", "Status", "Due Date", "Received Date",
			"Resubmission Date", "Billing Amount", "Approved to Pay",
			"Final Rejection Amount", "Final Rejection %", "Recovery Amount",
			"Batch No", "Processor", "Rework Type", "Batch Type", "Month", "Year"},
		{"RUH", "Bupa Arabia", "Passed Due", overdue, "2025-04-20", "-",
			"12,500.00", "-", "250,000", "6%", "-",
			"B-E2E-041", "Huda", "", "", "April", "2025"},
		{"JED", "MedGulf", "Submitted", healthy, "2025-05-01", "-",
			"8,000", "7,500", "-", "-", "-",
			"B-E2E-042", "Omar", "", "", "April", "2025"},
	}
	for i, row := range rows {
		r := row
		if err := book.SetSheetRow("Sheet1", fmt.Sprintf("A%d", i+1), &r); err != nil {
			t.Fatalf("build workbook row %d: %v", i+1, err)
		}
	}
	if err := book.SaveAs(path); err != nil {
		t.Fatalf("save workbook: %v", err)
	}
	book.Close()

	processor := followup.NewProcessor(config.FollowUpConfig{WorkbookPath: path, SheetName: "Sheet1"}, followup.ProcessorOptions{
		Notifier: p.agg,
	})
	sum, err := processor.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if sum.Rows != 2 {
		t.Errorf("rows scanned = %d, want 2", sum.Rows)
	}
	if sum.Events != 1 || sum.Delivered != 1 {
		t.Errorf("events = %d delivered = %d, want 1 and 1", sum.Events, sum.Delivered)
	}

	records, err := p.audit.GetByCorrelationID(context.Background(), "B-E2E-041")
	if err != nil {
		t.Fatalf("audit lookup: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("no audit trail for the overdue batch alert")
	}
	if records[0].EventType != string(events.FollowUpBatchAlert) {
		t.Errorf("audited event = %q, want %q", records[0].EventType, events.FollowUpBatchAlert)
	}
	if records[0].Priority != string(events.PriorityCritical) {
		t.Errorf("alert priority = %q, want critical", records[0].Priority)
	}
	if p.sink.channelCount("/pmo") == 0 {
		t.Error("pmo channel received no batch alert card")
	}
}

// =============================================================================
// 8. SESSIONS AND CIRCUIT PROTECTION — connector hygiene under load and outage
// =============================================================================

func TestSessions_TrackedAcrossSubmissions(t *testing.T) {
	p := newPlatform(t)

	status, _ := p.request(t, http.MethodPost, "/api/v1/claims/submit", map[string]interface{}{
		"claim": sampleClaim(),
	})
	if status != http.StatusOK {
		t.Fatalf("submit status = %d", status)
	}

	status, raw := p.request(t, http.MethodGet, "/api/v1/sessions?portal=nphies", nil)
	if status != http.StatusOK {
		t.Fatalf("sessions status = %d", status)
	}
	var out struct {
		Count    int `json:"count"`
		Sessions []struct {
			Portal string `json:"portal"`
		} `json:"sessions"`
	}
	decodeInto(t, raw, &out)
	if out.Count != 1 || len(out.Sessions) != 1 {
		t.Fatalf("sessions = %s, want exactly the gateway login session", raw)
	}
	if out.Sessions[0].Portal != "nphies" {
		t.Errorf("session portal = %q, want nphies", out.Sessions[0].Portal)
	}
}

func TestBreaker_OpensAfterRepeatedGatewayFaults(t *testing.T) {
	p := newPlatform(t)
	p.gw.failSubmit.Store(true)

	opened := false
	for i := 0; i < 10 && !opened; i++ {
		status, raw := p.request(t, http.MethodPost, "/api/v1/claims/submit", map[string]interface{}{
			"claim": sampleClaim(),
		})
		if status != http.StatusBadGateway {
			t.Fatalf("submit %d status = %d, want 502, body %s", i+1, status, raw)
		}
		var out submitEnvelope
		decodeInto(t, raw, &out)
		if out.NPHIESResult != nil && strings.Contains(out.NPHIESResult.Error, "circuit breaker is open") {
			opened = true
		}
	}
	if !opened {
		t.Fatal("breaker never opened after ten consecutive gateway faults")
	}
}

// =============================================================================
// 9. CONFIG BASELINE — file loading, defaults, strategy validation
// =============================================================================

func TestConfig_LoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := strings.Join([]string{
		"nphies:",
		"  base_url: https://sandbox.example.test",
		"  client_id: claimbridge",
	}, "\n")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("default port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.NPHIES.Environment != "sandbox" {
		t.Errorf("default environment = %q, want sandbox", cfg.NPHIES.Environment)
	}
	if cfg.Orchestrator.DefaultStrategy != "NPHIES_FIRST" {
		t.Errorf("default strategy = %q, want NPHIES_FIRST", cfg.Orchestrator.DefaultStrategy)
	}
	if cfg.Resubmission.MaxAttempts != 3 {
		t.Errorf("default resubmission cap = %d, want 3", cfg.Resubmission.MaxAttempts)
	}
	if cfg.Sessions.TTLMinutes != 30 {
		t.Errorf("default session ttl = %d, want 30", cfg.Sessions.TTLMinutes)
	}
	if cfg.Teams.MaxPerMinute != 60 {
		t.Errorf("default teams rate = %d, want 60", cfg.Teams.MaxPerMinute)
	}
}

func TestConfig_RejectsUnknownStrategy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := strings.Join([]string{
		"nphies:",
		"  base_url: https://sandbox.example.test",
		"  client_id: claimbridge",
		"orchestrator:",
		"  default_strategy: FASTEST_WINS",
	}, "\n")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := config.Load(path); err == nil {
		t.Fatal("unknown strategy accepted")
	} else if !strings.Contains(err.Error(), "default_strategy") {
		t.Errorf("error = %v, want a default_strategy complaint", err)
	}
}
