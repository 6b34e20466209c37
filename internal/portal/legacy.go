package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/claimbridge/backend/internal/claims"
	"github.com/claimbridge/backend/internal/config"
	"github.com/claimbridge/backend/internal/resilience"
)

// Default endpoint paths for payer portals that follow the common
// bridge layout. Portals that deviate configure explicit paths.
const (
	defaultLoginPath  = "/api/login"
	defaultSubmitPath = "/api/claims"
	defaultStatusPath = "/api/claims/status"
)

// LegacyConnector drives a payer-specific portal (Bupa, Tawuniya,
// MedGulf and friends) over its JSON bridge API. Each branch logs in
// with its own credentials and replays the issued session token until
// the portal expires it.
type LegacyConnector struct {
	*BaseConnector

	cfg   config.PortalConfig
	creds config.BranchCredentials
	auth  *AuthMachine
	deps  Deps

	portalName string
	branchName string
	sessionID  string
}

// NewLegacyConnector builds a connector for one (portal, branch) pair.
// The branch must exist in the portal's configuration.
func NewLegacyConnector(portalName, branch string, cfg config.PortalConfig, deps Deps) (*LegacyConnector, error) {
	creds, ok := cfg.Branches[branch]
	if !ok {
		return nil, fmt.Errorf("portal %s has no branch %q", portalName, branch)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("portal %s has no base_url", portalName)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	return &LegacyConnector{
		BaseConnector: newBase(portalName, branch, timeout, cfg.RequestsPerSec, nil, deps),
		cfg:           cfg,
		creds:         creds,
		auth:          NewAuthMachine(),
		deps:          deps,
		portalName:    portalName,
		branchName:    branch,
	}, nil
}

func (c *LegacyConnector) Portal() string { return c.portalName }
func (c *LegacyConnector) Branch() string { return c.branchName }

// AuthState exposes the effective authentication state.
func (c *LegacyConnector) AuthState() AuthState { return c.auth.State() }

// Login posts the branch credentials and caches the returned session
// token. Portals answer either {"token": ...} or {"sessionId": ...};
// both are accepted.
func (c *LegacyConnector) Login(ctx context.Context) error {
	return c.execute(ctx, "login", func(ctx context.Context) error {
		body := map[string]interface{}{
			"username": c.creds.Username,
			"password": c.creds.Password,
		}
		if c.creds.AccountID != "" {
			body["accountId"] = c.creds.AccountID
		}

		parsed, err := c.doJSON(ctx, http.MethodPost, c.endpoint(c.cfg.LoginPath, defaultLoginPath), nil, body)
		if err != nil {
			return err
		}

		token := stringField(parsed, "token", "sessionToken", "access_token", "sessionId")
		if token == "" {
			return fmt.Errorf("login response for %s/%s carried no session token", c.portalName, c.branchName)
		}

		expiry := time.Now().Add(c.sessionLifetime(parsed))
		c.auth.SetAuthenticated(token, expiry)
		c.refreshSession(expiry)
		c.logger.Printf("authenticated branch %s (expires %s)", c.branchName, expiry.Format(time.RFC3339))
		return nil
	})
}

func (c *LegacyConnector) sessionLifetime(parsed map[string]interface{}) time.Duration {
	if v, ok := parsed["expiresIn"].(float64); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	if c.deps.SessionTTL > 0 {
		return c.deps.SessionTTL
	}
	return 30 * time.Minute
}

func (c *LegacyConnector) refreshSession(expiry time.Time) {
	if c.deps.Sessions == nil {
		return
	}
	if c.sessionID != "" {
		c.deps.Sessions.Delete(c.sessionID)
	}
	c.sessionID = c.deps.Sessions.Create(c.portalName, c.branchName, map[string]interface{}{
		"accountId":      c.creds.AccountID,
		"tokenExpiresAt": expiry.UTC().Format(time.RFC3339),
	}, time.Until(expiry))
}

// Logout forgets the session locally. Legacy portals have no reliable
// logout endpoint; their sessions idle out on the far side.
func (c *LegacyConnector) Logout(context.Context) error {
	c.auth.Logout()
	if c.sessionID != "" && c.deps.Sessions != nil {
		c.deps.Sessions.Delete(c.sessionID)
		c.sessionID = ""
	}
	return nil
}

// ensureSession logs in when no live token is held. Branch credentials
// come from configuration, so auto-login is always available.
func (c *LegacyConnector) ensureSession(ctx context.Context) error {
	if _, ok := c.auth.Token(); ok {
		return nil
	}
	return c.Login(ctx)
}

func (c *LegacyConnector) sessionHeaders() map[string]string {
	token, _ := c.auth.Token()
	return map[string]string{
		"Authorization":   "Bearer " + token,
		"X-Session-Token": token,
	}
}

// SubmitClaim posts the claim as the flat JSON document the bridge
// APIs expect, tagged with the branch account.
func (c *LegacyConnector) SubmitClaim(ctx context.Context, claim *claims.Request) (*claims.Outcome, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	body, err := claim.ToMap()
	if err != nil {
		return nil, fmt.Errorf("encode claim: %w", err)
	}
	if c.creds.AccountID != "" {
		body["accountId"] = c.creds.AccountID
	}

	var parsed map[string]interface{}
	err = c.execute(ctx, "submit", func(ctx context.Context) error {
		var opErr error
		parsed, opErr = c.doJSON(ctx, http.MethodPost, c.endpoint(c.cfg.SubmitPath, defaultSubmitPath), c.sessionHeaders(), body)
		return opErr
	})
	if err != nil {
		return c.rejectionOutcome(err)
	}
	return c.parseOutcome(parsed), nil
}

// ClaimStatus queries the portal for a previously submitted claim.
func (c *LegacyConnector) ClaimStatus(ctx context.Context, claimID string) (*claims.Outcome, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	statusURL := fmt.Sprintf("%s?claim=%s", c.endpoint(c.cfg.StatusPath, defaultStatusPath), url.QueryEscape(claimID))
	var parsed map[string]interface{}
	err := c.execute(ctx, "status", func(ctx context.Context) error {
		var opErr error
		parsed, opErr = c.doJSON(ctx, http.MethodGet, statusURL, c.sessionHeaders(), nil)
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

// HealthCheck verifies the portal answers HTTP at all.
func (c *LegacyConnector) HealthCheck(ctx context.Context) error {
	return c.reachable(ctx, strings.TrimSuffix(c.cfg.BaseURL, "/"))
}

func (c *LegacyConnector) endpoint(path, fallback string) string {
	if path == "" {
		path = fallback
	}
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + path
}

// rejectionOutcome converts business rejections into failed outcomes,
// and propagates everything else as an error. A 401 drops the cached
// token so the next call logs in again.
func (c *LegacyConnector) rejectionOutcome(err error) (*claims.Outcome, error) {
	var se *resilience.StatusError
	if errors.As(err, &se) && resilience.IsClientRejection(err) {
		if se.Code == http.StatusUnauthorized {
			c.auth.Logout()
		}
		return &claims.Outcome{
			Portal:  c.portalName,
			Branch:  c.branchName,
			Success: false,
			Status:  "rejected",
			Error:   se.Error(),
		}, nil
	}
	return nil, err
}

// parseOutcome reads the bridge response leniently. A 2xx body counts
// as accepted unless it explicitly reports failure.
func (c *LegacyConnector) parseOutcome(parsed map[string]interface{}) *claims.Outcome {
	outcome := &claims.Outcome{
		Portal:  c.portalName,
		Branch:  c.branchName,
		Success: true,
		Status:  "accepted",
		ClaimID: stringField(parsed, "claimId", "referenceNo", "reference", "id"),
		Raw:     parsed,
	}

	if v, ok := parsed["success"].(bool); ok {
		outcome.Success = v
	}
	if status := stringField(parsed, "status", "result"); status != "" {
		outcome.Status = status
		switch strings.ToLower(status) {
		case "error", "failed", "rejected", "denied":
			outcome.Success = false
		}
	}
	if !outcome.Success {
		outcome.Error = stringField(parsed, "error", "message", "reason")
		if outcome.Error == "" {
			outcome.Error = "portal reported " + outcome.Status
		}
		if outcome.Status == "accepted" {
			outcome.Status = "rejected"
		}
	}
	return outcome
}

var _ Connector = (*LegacyConnector)(nil)
var _ Extended = (*NPHIESConnector)(nil)
