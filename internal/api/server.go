// Package api exposes the platform over REST/JSON: claim submission
// and status, eligibility, prior authorization, communications,
// resubmissions, notifications with acknowledgement, session
// inspection, the rejection catalog, and a WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/claimbridge/backend/internal/audit"
	"github.com/claimbridge/backend/internal/claims"
	"github.com/claimbridge/backend/internal/config"
	"github.com/claimbridge/backend/internal/events"
	"github.com/claimbridge/backend/internal/rejections"
	"github.com/claimbridge/backend/internal/resubmit"
	"github.com/claimbridge/backend/internal/sessions"
)

// ClaimService is the orchestrator surface the API depends on.
type ClaimService interface {
	SubmitClaim(ctx context.Context, claim *claims.Request, strategy claims.Strategy, portals []string) *claims.CompositeOutcome
	ClaimStatus(ctx context.Context, portalName, branch, claimID string) (*claims.Outcome, error)
	CheckEligibility(ctx context.Context, claim *claims.Request) (*claims.Outcome, error)
	CreatePriorAuthorization(ctx context.Context, claim *claims.Request) (*claims.Outcome, error)
	SendCommunication(ctx context.Context, claimID string, message map[string]interface{}) (*claims.Outcome, error)
	PollStatus(ctx context.Context, bundleID string) (*claims.Outcome, error)
}

// Resubmitter is the recovery-engine surface the API depends on.
type Resubmitter interface {
	Resubmit(ctx context.Context, claimID, rejectionCode string, details map[string]interface{}, claim *claims.Request, claimAmount float64) (*resubmit.Attempt, error)
	Stats() resubmit.Stats
	History() resubmit.HistoryStore
}

// NotificationSender pushes one event through the Teams pipeline.
type NotificationSender interface {
	SendNotification(ctx context.Context, eventType events.EventType, correlationID string, data map[string]interface{}, stakeholders []string, priority events.Priority) bool
}

// Server wires the REST surface to the platform services.
type Server struct {
	cfg      config.APIConfig
	claims   ClaimService
	engine   Resubmitter
	notifier NotificationSender
	sessions *sessions.Registry
	auditor  audit.Store
	stream   *Stream
	gatherer prometheus.Gatherer
	auth     *apiKeyAuth
	limiter  *RateLimiter
	logger   *log.Logger
	started  time.Time

	httpServer *http.Server
}

// Options carries the optional collaborators; nil fields disable the
// corresponding endpoints with 503 responses rather than panics.
type Options struct {
	Engine   Resubmitter
	Notifier NotificationSender
	Sessions *sessions.Registry
	Audit    audit.Store
	Bus      *events.Bus
	Gatherer prometheus.Gatherer
}

func NewServer(cfg config.APIConfig, claimSvc ClaimService, opts Options) *Server {
	s := &Server{
		cfg:      cfg,
		claims:   claimSvc,
		engine:   opts.Engine,
		notifier: opts.Notifier,
		sessions: opts.Sessions,
		auditor:  opts.Audit,
		gatherer: opts.Gatherer,
		auth:     newAPIKeyAuth(cfg.APIKeys),
		limiter:  NewRateLimiter(cfg.RateLimitPerMinute),
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
		started:  time.Now(),
	}
	if opts.Bus != nil {
		s.stream = NewStream(opts.Bus)
	}
	return s
}

// Router assembles all routes. Health, metrics, and the event stream
// sit outside the authenticated subrouter.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(CORS())
	r.Use(RequestLogger(s.logger))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.stream != nil {
		r.HandleFunc("/api/v1/events/stream", s.stream.HandleWebSocket).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.auth.Middleware)
	v1.Use(s.limiter.Middleware)

	v1.HandleFunc("/claims/submit", s.handleSubmitClaim).Methods(http.MethodPost)
	v1.HandleFunc("/claims/{portal}/{id}/status", s.handleClaimStatus).Methods(http.MethodGet)
	v1.HandleFunc("/eligibility/check", s.handleCheckEligibility).Methods(http.MethodPost)
	v1.HandleFunc("/priorauth", s.handlePriorAuth).Methods(http.MethodPost)
	v1.HandleFunc("/communications", s.handleCommunication).Methods(http.MethodPost)
	v1.HandleFunc("/poll/{bundleId}", s.handlePollStatus).Methods(http.MethodGet)

	v1.HandleFunc("/resubmissions", s.handleResubmit).Methods(http.MethodPost)
	v1.HandleFunc("/resubmissions/metrics", s.handleResubmitMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/resubmissions/{claimId}", s.handleResubmitHistory).Methods(http.MethodGet)

	v1.HandleFunc("/rejections", s.handleRejectionCatalog).Methods(http.MethodGet)
	v1.HandleFunc("/rejections/{code}", s.handleRejectionEntry).Methods(http.MethodGet)

	v1.HandleFunc("/notifications", s.handleNotify).Methods(http.MethodPost)
	v1.HandleFunc("/notifications/{correlationId}", s.handleNotificationTrail).Methods(http.MethodGet)
	v1.HandleFunc("/notifications/{id}/ack", s.handleAcknowledge).Methods(http.MethodPost)

	v1.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)

	return r
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start(addr string, readTimeout, writeTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Printf("🚀 API listening on %s", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the event stream.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stream != nil {
		s.stream.Stop()
	}
	s.limiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ============================================================
// Claim handlers
// ============================================================

type submitRequest struct {
	Claim    *claims.Request `json:"claim"`
	Strategy string          `json:"strategy,omitempty"`
	Portals  []string        `json:"portals,omitempty"`
}

func (s *Server) handleSubmitClaim(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Claim == nil {
		writeError(w, http.StatusBadRequest, "claim is required")
		return
	}

	outcome := s.claims.SubmitClaim(r.Context(), req.Claim, claims.Strategy(req.Strategy), req.Portals)
	switch {
	case outcome.Success:
		writeJSON(w, http.StatusOK, outcome)
	case outcome.Stage == claims.StageValidation:
		writeJSON(w, http.StatusUnprocessableEntity, outcome)
	default:
		writeJSON(w, http.StatusBadGateway, outcome)
	}
}

func (s *Server) handleClaimStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	outcome, err := s.claims.ClaimStatus(r.Context(), vars["portal"], r.URL.Query().Get("branch"), vars["id"])
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleCheckEligibility(w http.ResponseWriter, r *http.Request) {
	claim, ok := decodeClaim(w, r)
	if !ok {
		return
	}
	outcome, err := s.claims.CheckEligibility(r.Context(), claim)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handlePriorAuth(w http.ResponseWriter, r *http.Request) {
	claim, ok := decodeClaim(w, r)
	if !ok {
		return
	}
	outcome, err := s.claims.CreatePriorAuthorization(r.Context(), claim)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

type communicationRequest struct {
	ClaimID string                 `json:"claimId"`
	Message map[string]interface{} `json:"message"`
}

func (s *Server) handleCommunication(w http.ResponseWriter, r *http.Request) {
	var req communicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ClaimID == "" {
		writeError(w, http.StatusBadRequest, "claimId is required")
		return
	}
	outcome, err := s.claims.SendCommunication(r.Context(), req.ClaimID, req.Message)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handlePollStatus(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.claims.PollStatus(r.Context(), mux.Vars(r)["bundleId"])
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func decodeClaim(w http.ResponseWriter, r *http.Request) (*claims.Request, bool) {
	var claim claims.Request
	if err := json.NewDecoder(r.Body).Decode(&claim); err != nil {
		writeError(w, http.StatusBadRequest, "invalid claim body: "+err.Error())
		return nil, false
	}
	return &claim, true
}

// ============================================================
// Resubmission handlers
// ============================================================

type resubmitRequest struct {
	ClaimID       string                 `json:"claimId"`
	RejectionCode string                 `json:"rejectionCode"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Claim         *claims.Request        `json:"claim"`
	ClaimAmount   float64                `json:"claimAmount"`
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "resubmission engine not configured")
		return
	}
	var req resubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ClaimID == "" || req.RejectionCode == "" || req.Claim == nil {
		writeError(w, http.StatusBadRequest, "claimId, rejectionCode, and claim are required")
		return
	}

	attempt, err := s.engine.Resubmit(r.Context(), req.ClaimID, req.RejectionCode, req.Details, req.Claim, req.ClaimAmount)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (s *Server) handleResubmitHistory(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "resubmission engine not configured")
		return
	}
	claimID := mux.Vars(r)["claimId"]
	attempts, err := s.engine.History().Attempts(r.Context(), claimID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"claimId":  claimID,
		"count":    len(attempts),
		"attempts": attempts,
	})
}

func (s *Server) handleResubmitMetrics(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "resubmission engine not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

// ============================================================
// Rejection catalog handlers
// ============================================================

func (s *Server) handleRejectionCatalog(w http.ResponseWriter, r *http.Request) {
	if cat := r.URL.Query().Get("category"); cat != "" {
		writeJSON(w, http.StatusOK, rejections.CodesByCategory(rejections.Category(cat)))
		return
	}
	writeJSON(w, http.StatusOK, rejections.All())
}

func (s *Server) handleRejectionEntry(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(mux.Vars(r)["code"])
	entry, ok := rejections.Get(code)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown rejection code %q", code))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ============================================================
// Notification handlers
// ============================================================

type notifyRequest struct {
	EventType     string                 `json:"eventType"`
	CorrelationID string                 `json:"correlationId"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Stakeholders  []string               `json:"stakeholders"`
	Priority      string                 `json:"priority"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if s.notifier == nil {
		writeError(w, http.StatusServiceUnavailable, "notification pipeline not configured")
		return
	}
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.EventType == "" || req.CorrelationID == "" || len(req.Stakeholders) == 0 {
		writeError(w, http.StatusBadRequest, "eventType, correlationId, and stakeholders are required")
		return
	}

	delivered := s.notifier.SendNotification(r.Context(),
		events.EventType(req.EventType), req.CorrelationID, req.Data,
		req.Stakeholders, events.Priority(strings.ToLower(req.Priority)))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"correlationId": req.CorrelationID,
		"delivered":     delivered,
	})
}

func (s *Server) handleNotificationTrail(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	correlationID := mux.Vars(r)["correlationId"]
	records, err := s.auditor.GetByCorrelationID(r.Context(), correlationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"correlationId": correlationID,
		"count":         len(records),
		"records":       records,
	})
}

type ackRequest struct {
	AcknowledgedBy string `json:"acknowledgedBy"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AcknowledgedBy == "" {
		writeError(w, http.StatusBadRequest, "acknowledgedBy is required")
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.auditor.Acknowledge(r.Context(), id, req.AcknowledgedBy); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "acknowledged"})
}

// ============================================================
// Sessions and health
// ============================================================

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session registry not configured")
		return
	}
	list := s.sessions.List(r.URL.Query().Get("portal"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(list),
		"sessions": list,
		"stats":    s.sessions.Stats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.started).Seconds()),
		"time":          time.Now().UTC().Format(time.RFC3339),
	}
	if s.sessions != nil {
		health["activeSessions"] = s.sessions.Len()
	}
	if s.stream != nil {
		health["streamClients"] = s.stream.ClientCount()
	}
	writeJSON(w, http.StatusOK, health)
}

// ============================================================
// JSON helpers
// ============================================================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("JSON encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
