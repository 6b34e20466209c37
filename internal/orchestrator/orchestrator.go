// Package orchestrator routes validated claims across the national
// gateway and the legacy payer portals according to a submission
// strategy, and aggregates the per-portal results into one composite
// outcome. Failures on one portal never cancel the others.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/claimbridge/backend/internal/claims"
	"github.com/claimbridge/backend/internal/config"
	"github.com/claimbridge/backend/internal/events"
	"github.com/claimbridge/backend/internal/monitoring"
	"github.com/claimbridge/backend/internal/portal"
)

// Validator is the external validation capability invoked before any
// portal traffic.
type Validator interface {
	Validate(ctx context.Context, claim *claims.Request) (*claims.ValidationResult, error)
}

// Optimizer is the external optimization capability. It may return a
// replacement claim; it never fails a submission.
type Optimizer interface {
	Optimize(ctx context.Context, claim *claims.Request) (*claims.OptimizationResult, error)
}

// ConnectorSource hands out connectors per (portal, branch) pair.
type ConnectorSource interface {
	Get(portalName, branch string) (portal.Connector, error)
}

// Notifier delivers lifecycle notifications to stakeholders.
type Notifier interface {
	SendNotification(ctx context.Context, eventType events.EventType, correlationID string, data map[string]interface{}, stakeholders []string, priority events.Priority) bool
}

// Options are the optional collaborators; missing ones get built-in
// defaults (nil Notifier and Metrics stay nil).
type Options struct {
	Validator Validator
	Optimizer Optimizer
	Notifier  Notifier
	Metrics   *monitoring.Metrics
}

// Orchestrator is the submission pipeline: validate, optimize, route,
// dispatch, aggregate.
type Orchestrator struct {
	factory   ConnectorSource
	cfg       *config.Config
	validator Validator
	optimizer Optimizer
	notifier  Notifier
	metrics   *monitoring.Metrics
	logger    *log.Logger
}

// New builds the orchestrator. When opts leaves the validator or
// optimizer unset, the built-in implementations are used.
func New(factory ConnectorSource, cfg *config.Config, opts Options) *Orchestrator {
	validator := opts.Validator
	if validator == nil {
		validator = claims.NewRequestValidator()
	}
	optimizer := opts.Optimizer
	if optimizer == nil {
		optimizer = NewBasicOptimizer()
	}
	return &Orchestrator{
		factory:   factory,
		cfg:       cfg,
		validator: validator,
		optimizer: optimizer,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		logger:    log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
	}
}

// SubmitClaim runs the full pipeline. strategy "" uses the configured
// default; portals, when given, restricts the legacy fan-out set.
func (o *Orchestrator) SubmitClaim(ctx context.Context, claim *claims.Request, strategy claims.Strategy, portals []string) *claims.CompositeOutcome {
	started := time.Now()
	composite := &claims.CompositeOutcome{Stage: claims.StageValidation}

	validation, err := o.validator.Validate(ctx, claim)
	if err != nil {
		composite.Error = fmt.Sprintf("validator unavailable: %v", err)
		composite.Validation = &claims.ValidationResult{IsValid: false, Errors: []string{composite.Error}}
		o.finish(ctx, claim, composite, time.Since(started))
		return composite
	}
	composite.Validation = validation
	if !validation.IsValid {
		o.logger.Printf("❌ claim rejected by validation: %s", strings.Join(validation.Errors, "; "))
		o.finish(ctx, claim, composite, time.Since(started))
		return composite
	}

	working := claim
	optimization, err := o.optimizer.Optimize(ctx, claim)
	if err != nil {
		o.logger.Printf("⚠️ optimizer unavailable, submitting claim as-is: %v", err)
	} else if optimization != nil {
		composite.Optimization = optimization
		if optimization.Claim != nil {
			working = optimization.Claim
		}
	}

	composite.Strategy = o.resolveStrategy(strategy, working)
	composite.Stage = claims.StageSubmission

	switch composite.Strategy {
	case claims.StrategyNPHIESOnly:
		o.submitNPHIES(ctx, working, composite)
		composite.Success = composite.AnySuccess()

	case claims.StrategyLegacyOnly:
		legacy := o.submitLegacy(ctx, working, portals)
		mergeLegacy(composite, legacy)
		composite.Success = legacy.Success

	case claims.StrategyNPHIESFirst:
		o.submitNPHIES(ctx, working, composite)
		if composite.NPHIESResult.Success {
			composite.Success = true
			break
		}
		o.logger.Printf("⚠️ gateway declined, falling back to legacy portals")
		legacy := o.submitLegacy(ctx, working, portals)
		mergeLegacy(composite, legacy)
		composite.Success = legacy.Success

	case claims.StrategyAllPortals, claims.StrategyAllRequired:
		var legacy *claims.CompositeOutcome
		g := new(errgroup.Group)
		g.Go(func() error {
			o.submitNPHIES(ctx, working, composite)
			return nil
		})
		g.Go(func() error {
			legacy = o.submitLegacy(ctx, working, portals)
			return nil
		})
		g.Wait()
		mergeLegacy(composite, legacy)
		if composite.Strategy == claims.StrategyAllRequired {
			composite.Success = composite.AllSuccess()
		} else {
			composite.Success = composite.AnySuccess()
		}

	default:
		composite.Error = fmt.Sprintf("unknown strategy %q", composite.Strategy)
	}

	o.finish(ctx, claim, composite, time.Since(started))
	return composite
}

// submitNPHIES attempts the gateway and records the outcome on the
// composite, including its dedicated nphies_result slot.
func (o *Orchestrator) submitNPHIES(ctx context.Context, claim *claims.Request, composite *claims.CompositeOutcome) {
	outcome := o.submitTo(ctx, portal.PortalNPHIES, "", claim)
	composite.NPHIESResult = outcome
	composite.Add(outcome)
}

// submitLegacy fans out across every (portal, branch) target
// concurrently and aggregates a nested composite.
func (o *Orchestrator) submitLegacy(ctx context.Context, claim *claims.Request, portals []string) *claims.CompositeOutcome {
	if len(portals) == 0 {
		portals = o.cfg.Orchestrator.DefaultLegacyPortals
	}

	legacy := &claims.CompositeOutcome{Stage: claims.StageSubmission, Strategy: claims.StrategyLegacyOnly}
	targets := o.legacyTargets(portals)
	if len(targets) == 0 {
		legacy.Error = "no legacy portals configured"
		return legacy
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	for _, tgt := range targets {
		tgt := tgt
		g.Go(func() error {
			outcome := o.submitTo(ctx, tgt.portal, tgt.branch, claim)
			mu.Lock()
			legacy.Add(outcome)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	legacy.Success = legacy.AnySuccess()
	return legacy
}

type submitTarget struct {
	portal string
	branch string
}

// legacyTargets expands portal names into (portal, branch) pairs; a
// portal with several branches is attempted on all of them.
func (o *Orchestrator) legacyTargets(names []string) []submitTarget {
	var out []submitTarget
	for _, name := range names {
		if name == portal.PortalNPHIES {
			continue
		}
		pcfg, ok := o.cfg.Portals[name]
		if !ok || len(pcfg.Branches) == 0 {
			// Unknown portals stay in the fan-out so they surface as
			// per-portal failures instead of vanishing silently.
			out = append(out, submitTarget{portal: name})
			continue
		}
		branches := make([]string, 0, len(pcfg.Branches))
		for branch := range pcfg.Branches {
			branches = append(branches, branch)
		}
		sort.Strings(branches)
		for _, branch := range branches {
			out = append(out, submitTarget{portal: name, branch: branch})
		}
	}
	return out
}

// submitTo performs one portal attempt. Connector construction and
// transport errors become failed outcomes, never propagated errors.
func (o *Orchestrator) submitTo(ctx context.Context, portalName, branch string, claim *claims.Request) *claims.Outcome {
	conn, err := o.factory.Get(portalName, branch)
	if err != nil {
		return &claims.Outcome{Portal: portalName, Branch: branch, Success: false, Status: "error", Error: err.Error()}
	}

	outcome, err := conn.SubmitClaim(ctx, claim)
	if err != nil {
		return &claims.Outcome{Portal: conn.Portal(), Branch: conn.Branch(), Success: false, Status: "error", Error: err.Error()}
	}
	return outcome
}

func mergeLegacy(composite, legacy *claims.CompositeOutcome) {
	composite.LegacyResult = legacy
	for _, outcome := range legacy.PerPortal {
		composite.Add(outcome)
	}
	if legacy.Error != "" && composite.Error == "" {
		composite.Error = legacy.Error
	}
}

// resolveStrategy applies the configured default and the smart-route
// rule table.
func (o *Orchestrator) resolveStrategy(requested claims.Strategy, claim *claims.Request) claims.Strategy {
	strategy := requested
	if strategy == "" {
		parsed, err := claims.ParseStrategy(o.cfg.Orchestrator.DefaultStrategy)
		if err != nil {
			parsed = claims.StrategyNPHIESFirst
		}
		strategy = parsed
	}
	if strategy != claims.StrategySmartRoute {
		return strategy
	}
	return o.smartRoute(claim)
}

// smartRoute picks a concrete strategy from the claim's attributes.
// First matching rule wins; no match falls through to NPHIES_FIRST.
func (o *Orchestrator) smartRoute(claim *claims.Request) claims.Strategy {
	fields := routableFields(claim)
	for _, route := range o.cfg.Orchestrator.SmartRoutes {
		if route.Contains == "" {
			continue
		}
		value, ok := fields[normalizeFieldName(route.Field)]
		if !ok {
			continue
		}
		if strings.Contains(strings.ToUpper(value), strings.ToUpper(route.Contains)) {
			resolved, err := claims.ParseStrategy(route.Strategy)
			if err != nil || resolved == claims.StrategySmartRoute {
				continue
			}
			o.logger.Printf("smart route: %s contains %q, using %s", route.Field, route.Contains, resolved)
			return resolved
		}
	}
	return claims.StrategyNPHIESFirst
}

func routableFields(claim *claims.Request) map[string]string {
	return map[string]string{
		"insuranceid": claim.InsuranceID,
		"payerid":     claim.PayerID,
		"memberid":    claim.MemberID,
		"patientid":   claim.PatientID,
		"claimtype":   claim.ClaimType,
	}
}

func normalizeFieldName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "_", "")
	return strings.ReplaceAll(name, "-", "")
}

// finish records metrics and raises the lifecycle notification for a
// completed pipeline run.
func (o *Orchestrator) finish(ctx context.Context, claim *claims.Request, composite *claims.CompositeOutcome, elapsed time.Duration) {
	if o.metrics != nil {
		for _, outcome := range composite.PerPortal {
			o.metrics.RecordSubmission(outcome.Portal, string(composite.Strategy), outcome.Success, elapsed)
		}
	}

	eventType := events.ClaimSubmissionSuccess
	priority := events.PriorityInfo
	stakeholders := []string{string(events.StakeholderIntegration)}
	switch {
	case composite.Success && composite.AllSuccess():
		o.logger.Printf("✅ claim accepted on all %d portal(s)", len(composite.PerPortal))
	case composite.Success:
		eventType = events.ClaimSubmissionPartial
		priority = events.PriorityMedium
		stakeholders = append(stakeholders, string(events.StakeholderPMO))
		o.logger.Printf("⚠️ claim accepted partially (%d portal(s) attempted)", len(composite.PerPortal))
	default:
		eventType = events.ClaimSubmissionFailed
		priority = events.PriorityHigh
		stakeholders = append(stakeholders, string(events.StakeholderPMO))
		o.logger.Printf("🚨 claim submission failed at stage %s", composite.Stage)
	}

	if o.notifier == nil {
		return
	}

	data := map[string]interface{}{
		"patientId":   claim.PatientID,
		"memberId":    claim.MemberID,
		"stage":       composite.Stage,
		"strategy":    string(composite.Strategy),
		"totalAmount": claim.TotalAmount,
		"durationMs":  elapsed.Milliseconds(),
	}
	if summary := portalSummary(composite); len(summary) > 0 {
		data["portals"] = summary
	}
	if composite.Validation != nil && len(composite.Validation.Errors) > 0 {
		data["validationErrors"] = composite.Validation.Errors
	}
	if composite.Error != "" {
		data["error"] = composite.Error
	}

	o.notifier.SendNotification(ctx, eventType, correlationFor(composite, claim), data, stakeholders, priority)
}

func portalSummary(composite *claims.CompositeOutcome) map[string]interface{} {
	if len(composite.PerPortal) == 0 {
		return nil
	}
	summary := make(map[string]interface{}, len(composite.PerPortal))
	for key, outcome := range composite.PerPortal {
		state := "accepted"
		if !outcome.Success {
			state = "failed"
			if outcome.Status != "" {
				state = outcome.Status
			}
		}
		summary[key] = state
	}
	return summary
}

// correlationFor prefers the first portal-issued claim id, gateway
// first, so downstream notifications thread by claim.
func correlationFor(composite *claims.CompositeOutcome, claim *claims.Request) string {
	if composite.NPHIESResult != nil && composite.NPHIESResult.ClaimID != "" {
		return composite.NPHIESResult.ClaimID
	}
	keys := make([]string, 0, len(composite.PerPortal))
	for key := range composite.PerPortal {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if id := composite.PerPortal[key].ClaimID; id != "" {
			return id
		}
	}
	return fmt.Sprintf("claim-%s-%d", claim.MemberID, time.Now().Unix())
}

// ============================================================================
// GATEWAY PASSTHROUGH OPERATIONS
// ============================================================================

// ClaimStatus queries one portal for a submitted claim.
func (o *Orchestrator) ClaimStatus(ctx context.Context, portalName, branch, claimID string) (*claims.Outcome, error) {
	conn, err := o.factory.Get(portalName, branch)
	if err != nil {
		return nil, err
	}
	return conn.ClaimStatus(ctx, claimID)
}

// CheckEligibility verifies coverage through the gateway.
func (o *Orchestrator) CheckEligibility(ctx context.Context, claim *claims.Request) (*claims.Outcome, error) {
	ext, err := o.gateway()
	if err != nil {
		return nil, err
	}
	return ext.CheckEligibility(ctx, claim)
}

// CreatePriorAuthorization requests pre-approval through the gateway.
func (o *Orchestrator) CreatePriorAuthorization(ctx context.Context, claim *claims.Request) (*claims.Outcome, error) {
	ext, err := o.gateway()
	if err != nil {
		return nil, err
	}
	return ext.CreatePriorAuthorization(ctx, claim)
}

// SendCommunication attaches supporting information to a gateway claim.
func (o *Orchestrator) SendCommunication(ctx context.Context, claimID string, message map[string]interface{}) (*claims.Outcome, error) {
	ext, err := o.gateway()
	if err != nil {
		return nil, err
	}
	return ext.SendCommunication(ctx, claimID, message)
}

// PollStatus drains queued gateway responses for a bundle.
func (o *Orchestrator) PollStatus(ctx context.Context, bundleID string) (*claims.Outcome, error) {
	ext, err := o.gateway()
	if err != nil {
		return nil, err
	}
	return ext.PollStatus(ctx, bundleID)
}

func (o *Orchestrator) gateway() (portal.Extended, error) {
	conn, err := o.factory.Get(portal.PortalNPHIES, "")
	if err != nil {
		return nil, err
	}
	ext, ok := conn.(portal.Extended)
	if !ok {
		return nil, fmt.Errorf("portal %s does not support gateway operations", conn.Portal())
	}
	return ext, nil
}
