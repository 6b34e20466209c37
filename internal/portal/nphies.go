package portal

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/claimbridge/backend/internal/claims"
	"github.com/claimbridge/backend/internal/config"
	"github.com/claimbridge/backend/internal/events"
	"github.com/claimbridge/backend/internal/resilience"
)

// NPHIES gateway endpoints.
const (
	pathClaimSubmit      = "/claim/v1/submit"
	pathClaimStatus      = "/claim/v1/status"
	pathEligibilityCheck = "/eligibility/v1/check"
	pathPriorAuthCreate  = "/priorauth/v1/create"
	pathPollStatus       = "/poll/v1/status"
	pathCommunication    = "/communication/v1/send"
)

// NPHIESConnector talks FHIR to the national gateway. It authenticates
// with the platform's OAuth realm, carries the bearer token on every
// request, and renews it when expired (unless auto-login is disabled).
type NPHIESConnector struct {
	*BaseConnector

	cfg  config.NPHIESConfig
	auth *AuthMachine
	deps Deps

	sessionID string
}

// NewNPHIESConnector builds the connector without touching the network;
// credentials are only exercised on the first authenticated call.
func NewNPHIESConnector(cfg config.NPHIESConfig, deps Deps) *NPHIESConnector {
	logger := log.New(log.Writer(), "[PORTAL:nphies] ", log.LstdFlags)
	tlsCfg := buildNPHIESTLS(cfg, deps.Bus, logger)

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	return &NPHIESConnector{
		BaseConnector: newBase(PortalNPHIES, "", timeout, cfg.RequestsPerSec, tlsCfg, deps),
		cfg:           cfg,
		auth:          NewAuthMachine(),
		deps:          deps,
	}
}

// buildNPHIESTLS loads the mutual-TLS material. Any TLS-only fallback
// is announced with a portal.cert.fallback event; a missing
// configuration falls back quietly at medium priority, a broken one at
// high.
func buildNPHIESTLS(cfg config.NPHIESConfig, bus *events.Bus, logger *log.Logger) *tls.Config {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CAFile != "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil || !pool.AppendCertsFromPEM(pem) {
			logger.Printf("⚠️ could not load CA bundle %s: %v", cfg.CAFile, err)
		} else {
			tlsCfg.RootCAs = pool
		}
	}

	if cfg.CertFile == "" && cfg.KeyFile == "" {
		emitCertFallback(bus, events.PriorityMedium, "mTLS not configured, using TLS only", "")
		return tlsCfg
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		logger.Printf("⚠️ client certificate unusable, falling back to TLS only: %v", err)
		emitCertFallback(bus, events.PriorityHigh, "client certificate unusable, using TLS only", err.Error())
		return tlsCfg
	}

	tlsCfg.Certificates = []tls.Certificate{cert}
	return tlsCfg
}

func emitCertFallback(bus *events.Bus, priority events.Priority, reason, detail string) {
	if bus == nil {
		return
	}
	data := map[string]interface{}{"portal": PortalNPHIES, "reason": reason}
	if detail != "" {
		data["error"] = detail
	}
	bus.Emit(events.PortalCertFallback,
		fmt.Sprintf("nphies-cert-%d", time.Now().Unix()),
		data,
		[]string{string(events.StakeholderIntegration), string(events.StakeholderSecurity)},
		priority,
	)
}

func (c *NPHIESConnector) Portal() string { return PortalNPHIES }
func (c *NPHIESConnector) Branch() string { return "" }

// AuthState exposes the effective authentication state.
func (c *NPHIESConnector) AuthState() AuthState { return c.auth.State() }

// Login exchanges credentials for a bearer token using the configured
// grant and records a registry session for it.
func (c *NPHIESConnector) Login(ctx context.Context) error {
	return c.execute(ctx, "login", func(ctx context.Context) error {
		tok, err := c.fetchToken(ctx)
		if err != nil {
			return err
		}

		expiry := tok.Expiry
		if expiry.IsZero() {
			expiry = time.Now().Add(30 * time.Minute)
		}
		c.auth.SetAuthenticated(tok.AccessToken, expiry)
		c.refreshSession(expiry)
		c.logger.Printf("authenticated (grant=%s, expires %s)", c.cfg.GrantType, expiry.Format(time.RFC3339))
		return nil
	})
}

func (c *NPHIESConnector) fetchToken(ctx context.Context) (*oauth2.Token, error) {
	// Route the token exchange through the connector's TLS client.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)

	var tok *oauth2.Token
	var err error
	switch c.cfg.GrantType {
	case "password":
		conf := &oauth2.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: c.cfg.TokenURL()},
		}
		tok, err = conf.PasswordCredentialsToken(ctx, c.cfg.Username, c.cfg.Password)
	default:
		conf := &clientcredentials.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			TokenURL:     c.cfg.TokenURL(),
		}
		tok, err = conf.Token(ctx)
	}
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, resilience.NewStatusError(re.Response.StatusCode, string(re.Body))
		}
		return nil, err
	}
	return tok, nil
}

func (c *NPHIESConnector) refreshSession(expiry time.Time) {
	if c.deps.Sessions == nil {
		return
	}
	if c.sessionID != "" {
		c.deps.Sessions.Delete(c.sessionID)
	}
	ttl := time.Until(expiry)
	if c.deps.SessionTTL > 0 && (ttl <= 0 || c.deps.SessionTTL < ttl) {
		ttl = c.deps.SessionTTL
	}
	c.sessionID = c.deps.Sessions.Create(PortalNPHIES, "", map[string]interface{}{
		"grant":          c.cfg.GrantType,
		"tokenExpiresAt": expiry.UTC().Format(time.RFC3339),
	}, ttl)
}

// Logout drops the token and its registry session. The realm has no
// revocation call; the token simply ages out server-side.
func (c *NPHIESConnector) Logout(context.Context) error {
	c.auth.Logout()
	if c.sessionID != "" && c.deps.Sessions != nil {
		c.deps.Sessions.Delete(c.sessionID)
		c.sessionID = ""
	}
	return nil
}

// ensureAuthenticated refreshes the token when missing or expired, or
// fails with ErrNotAuthenticated when auto-login is off.
func (c *NPHIESConnector) ensureAuthenticated(ctx context.Context) error {
	if _, ok := c.auth.Token(); ok {
		return nil
	}
	if !c.cfg.AutoLoginEnabled() {
		return ErrNotAuthenticated
	}
	return c.Login(ctx)
}

func (c *NPHIESConnector) fhirHeaders() map[string]string {
	token, _ := c.auth.Token()
	return map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/fhir+json",
		"Accept":        "application/fhir+json",
	}
}

// SubmitClaim posts the claim bundle to the gateway.
func (c *NPHIESConnector) SubmitClaim(ctx context.Context, claim *claims.Request) (*claims.Outcome, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	body := BuildClaimBundle(claim, c.cfg.OrganizationID)
	var parsed map[string]interface{}
	err := c.execute(ctx, "submit", func(ctx context.Context) error {
		var opErr error
		parsed, opErr = c.doJSON(ctx, http.MethodPost, c.baseURL()+pathClaimSubmit, c.fhirHeaders(), body)
		return opErr
	})
	if err != nil {
		return c.rejectionOutcome(err)
	}
	return c.parseOutcome(parsed), nil
}

// ClaimStatus queries the adjudication status of a submitted claim.
func (c *NPHIESConnector) ClaimStatus(ctx context.Context, claimID string) (*claims.Outcome, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	statusURL := fmt.Sprintf("%s%s?claim=%s", c.baseURL(), pathClaimStatus, url.QueryEscape(claimID))
	var parsed map[string]interface{}
	err := c.execute(ctx, "status", func(ctx context.Context) error {
		var opErr error
		parsed, opErr = c.doJSON(ctx, http.MethodGet, statusURL, c.fhirHeaders(), nil)
		return opErr
	})
	if err != nil {
		return c.rejectionOutcome(err)
	}
	outcome := c.parseOutcome(parsed)
	if outcome.ClaimID == "" {
		outcome.ClaimID = claimID
	}
	return outcome, nil
}

// CheckEligibility verifies coverage before submission.
func (c *NPHIESConnector) CheckEligibility(ctx context.Context, claim *claims.Request) (*claims.Outcome, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	body := BuildEligibilityRequest(claim, c.cfg.OrganizationID)
	var parsed map[string]interface{}
	err := c.execute(ctx, "eligibility", func(ctx context.Context) error {
		var opErr error
		parsed, opErr = c.doJSON(ctx, http.MethodPost, c.baseURL()+pathEligibilityCheck, c.fhirHeaders(), body)
		return opErr
	})
	if err != nil {
		outcome, rejErr := c.rejectionOutcome(err)
		c.emitEligibilityFailure(claim, err)
		return outcome, rejErr
	}

	outcome := c.parseOutcome(parsed)
	if !outcome.Success {
		c.emitEligibilityFailure(claim, errors.New(outcome.Error))
	}
	return outcome, nil
}

func (c *NPHIESConnector) emitEligibilityFailure(claim *claims.Request, cause error) {
	if c.bus == nil || cause == nil {
		return
	}
	c.bus.Emit(events.EligibilityCheckFailed,
		fmt.Sprintf("eligibility-%s-%d", claim.MemberID, time.Now().Unix()),
		map[string]interface{}{
			"patientId": claim.PatientID,
			"memberId":  claim.MemberID,
			"payerId":   claim.PayerID,
			"error":     cause.Error(),
		},
		[]string{string(events.StakeholderIntegration)},
		events.PriorityMedium,
	)
}

// CreatePriorAuthorization requests pre-approval for the claim.
func (c *NPHIESConnector) CreatePriorAuthorization(ctx context.Context, claim *claims.Request) (*claims.Outcome, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	body := BuildPriorAuthRequest(claim, c.cfg.OrganizationID)
	var parsed map[string]interface{}
	err := c.execute(ctx, "priorauth", func(ctx context.Context) error {
		var opErr error
		parsed, opErr = c.doJSON(ctx, http.MethodPost, c.baseURL()+pathPriorAuthCreate, c.fhirHeaders(), body)
		return opErr
	})
	if err != nil {
		return c.rejectionOutcome(err)
	}

	outcome := c.parseOutcome(parsed)
	if outcome.Success && c.bus != nil {
		c.bus.Emit(events.PriorAuthCreated,
			fmt.Sprintf("priorauth-%s", outcome.ClaimID),
			map[string]interface{}{
				"authorizationRef": outcome.ClaimID,
				"patientId":        claim.PatientID,
				"memberId":         claim.MemberID,
			},
			[]string{string(events.StakeholderIntegration)},
			events.PriorityInfo,
		)
	}
	return outcome, nil
}

// SendCommunication attaches supporting information to a claim.
func (c *NPHIESConnector) SendCommunication(ctx context.Context, claimID string, message map[string]interface{}) (*claims.Outcome, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	body := BuildCommunication(claimID, message)
	var parsed map[string]interface{}
	err := c.execute(ctx, "communication", func(ctx context.Context) error {
		var opErr error
		parsed, opErr = c.doJSON(ctx, http.MethodPost, c.baseURL()+pathCommunication, c.fhirHeaders(), body)
		return opErr
	})
	if err != nil {
		return c.rejectionOutcome(err)
	}
	outcome := c.parseOutcome(parsed)
	if outcome.ClaimID == "" {
		outcome.ClaimID = claimID
	}
	return outcome, nil
}

// PollStatus drains queued gateway responses for a submitted bundle.
func (c *NPHIESConnector) PollStatus(ctx context.Context, bundleID string) (*claims.Outcome, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	pollURL := fmt.Sprintf("%s%s?bundle=%s", c.baseURL(), pathPollStatus, url.QueryEscape(bundleID))
	var parsed map[string]interface{}
	err := c.execute(ctx, "poll", func(ctx context.Context) error {
		var opErr error
		parsed, opErr = c.doJSON(ctx, http.MethodGet, pollURL, c.fhirHeaders(), nil)
		return opErr
	})
	if err != nil {
		return c.rejectionOutcome(err)
	}
	return c.parseOutcome(parsed), nil
}

// HealthCheck verifies the gateway answers HTTP at all. It runs outside
// the breaker and without authentication.
func (c *NPHIESConnector) HealthCheck(ctx context.Context) error {
	return c.reachable(ctx, c.baseURL())
}

func (c *NPHIESConnector) baseURL() string {
	return strings.TrimSuffix(c.cfg.ResolvedBaseURL(), "/")
}

// rejectionOutcome converts business rejections into failed outcomes,
// and propagates everything else as an error. A 401 also drops the
// cached token so the next call re-authenticates.
func (c *NPHIESConnector) rejectionOutcome(err error) (*claims.Outcome, error) {
	var se *resilience.StatusError
	if errors.As(err, &se) && resilience.IsClientRejection(err) {
		if se.Code == http.StatusUnauthorized {
			c.auth.Logout()
		}
		return &claims.Outcome{
			Portal:  PortalNPHIES,
			Success: false,
			Status:  "rejected",
			Error:   se.Error(),
		}, nil
	}
	return nil, err
}

// parseOutcome reads the gateway's response leniently: any 2xx body is
// a success unless it carries an error outcome marker.
func (c *NPHIESConnector) parseOutcome(parsed map[string]interface{}) *claims.Outcome {
	outcome := &claims.Outcome{
		Portal:  PortalNPHIES,
		Success: true,
		Status:  "accepted",
		ClaimID: stringField(parsed, "claimResponseId", "claimId", "bundleId", "id"),
		Raw:     parsed,
	}

	if status := stringField(parsed, "outcome", "status"); status != "" {
		outcome.Status = status
		if strings.EqualFold(status, "error") || strings.EqualFold(status, "fatal") {
			outcome.Success = false
			outcome.Error = stringField(parsed, "error", "message")
			if outcome.Error == "" {
				outcome.Error = "gateway returned outcome=" + status
			}
		}
	}
	return outcome
}
