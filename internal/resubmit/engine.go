package resubmit

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/claimbridge/backend/internal/claims"
	"github.com/claimbridge/backend/internal/config"
	"github.com/claimbridge/backend/internal/events"
	"github.com/claimbridge/backend/internal/monitoring"
	"github.com/claimbridge/backend/internal/rejections"
)

// Submitter re-dispatches a corrected claim. The orchestrator
// satisfies this; passing an empty strategy lets it pick the
// configured default.
type Submitter interface {
	SubmitClaim(ctx context.Context, claim *claims.Request, strategy claims.Strategy, portals []string) *claims.CompositeOutcome
}

// Notifier delivers resubmission lifecycle notifications.
type Notifier interface {
	SendNotification(ctx context.Context, eventType events.EventType, correlationID string, data map[string]interface{}, stakeholders []string, priority events.Priority) bool
}

// Stats is a point-in-time snapshot of the engine's counters.
// SuccessRate and AverageRecoveredPerClaim are derived at read time.
type Stats struct {
	TotalResubmissions       int64   `json:"totalResubmissions"`
	SuccessfulResubmissions  int64   `json:"successfulResubmissions"`
	FailedResubmissions      int64   `json:"failedResubmissions"`
	AutoCorrected            int64   `json:"autoCorrected"`
	ManualReviewRequired     int64   `json:"manualReviewRequired"`
	TotalRecoveredAmount     float64 `json:"totalRecoveredAmount"`
	SuccessRate              float64 `json:"successRate"`
	AverageRecoveredPerClaim float64 `json:"averageRecoveredPerClaim"`
}

// Options carries the optional collaborators; zero values get safe
// defaults in New.
type Options struct {
	History  HistoryStore
	Resolver ReferenceResolver
	Notifier Notifier
	Metrics  *monitoring.Metrics
}

// Engine analyzes a rejection, derives and applies corrections, and
// pushes the corrected claim back through the submitter. Attempts for
// one claim run strictly sequentially; different claims proceed in
// parallel.
type Engine struct {
	cfg       config.ResubmissionConfig
	submitter Submitter
	history   HistoryStore
	resolver  ReferenceResolver
	notifier  Notifier
	metrics   *monitoring.Metrics
	logger    *log.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	counts Stats
}

func New(cfg config.ResubmissionConfig, submitter Submitter, opts Options) *Engine {
	e := &Engine{
		cfg:       cfg,
		submitter: submitter,
		history:   opts.History,
		resolver:  opts.Resolver,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		logger:    log.New(log.Writer(), "[RESUBMIT] ", log.LstdFlags),
		locks:     make(map[string]*sync.Mutex),
	}
	if e.history == nil {
		e.history = NewMemoryHistory()
	}
	if e.resolver == nil {
		e.resolver = &StaticResolver{}
	}
	return e
}

// History exposes the attempt store for API handlers.
func (e *Engine) History() HistoryStore { return e.history }

// Resubmit runs one correction-and-retry cycle for a rejected claim.
// The returned attempt is already recorded in history; an error means
// the engine itself failed (history store unavailable), not that the
// resubmission was declined.
func (e *Engine) Resubmit(ctx context.Context, claimID, rejectionCode string, details map[string]interface{}, claim *claims.Request, claimAmount float64) (*Attempt, error) {
	if claimID == "" {
		return nil, fmt.Errorf("resubmit: claim id is required")
	}
	if claim == nil {
		return nil, fmt.Errorf("resubmit: claim payload is required")
	}

	lock := e.claimLock(claimID)
	lock.Lock()
	defer lock.Unlock()

	prior, err := e.history.Count(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("resubmit %s: count attempts: %w", claimID, err)
	}

	code := strings.ToUpper(strings.TrimSpace(rejectionCode))
	attempt := &Attempt{
		ClaimID:       claimID,
		AttemptNumber: prior + 1,
		RejectionCode: code,
		SubmittedAt:   time.Now().UTC(),
	}

	// Attempt cap. Nothing goes to the portals beyond this point.
	if attempt.AttemptNumber > e.cfg.MaxAttempts {
		attempt.Status = StatusFailed
		attempt.Correction = "Max attempts reached"
		e.bump(func(s *Stats) { s.ManualReviewRequired++ })
		if e.metrics != nil {
			e.metrics.RecordResubmission("max_attempts", 0)
		}
		if err := e.history.Append(ctx, attempt); err != nil {
			return nil, fmt.Errorf("resubmit %s: record attempt: %w", claimID, err)
		}
		e.logger.Printf("🚨 claim %s exhausted %d attempts, escalating", claimID, e.cfg.MaxAttempts)
		e.escalate(ctx, claimID, attempt, "max attempts reached")
		return attempt, nil
	}

	var corrections []Correction
	if e.cfg.AutoCorrect() {
		corrections = deriveCorrections(ctx, e.resolver, code, claim, details)
	}
	attempt.Corrections = corrections

	// No corrections and the catalog says a human has to look at it.
	if len(corrections) == 0 && !rejections.AutoResubmittable(code) {
		attempt.Status = StatusPending
		attempt.Correction = "Manual review required"
		e.bump(func(s *Stats) { s.ManualReviewRequired++ })
		if e.metrics != nil {
			e.metrics.RecordResubmission(StatusPending, 0)
		}
		if err := e.history.Append(ctx, attempt); err != nil {
			return nil, fmt.Errorf("resubmit %s: record attempt: %w", claimID, err)
		}
		e.logger.Printf("⚠️ claim %s (%s) has no auto-correction, pending manual review", claimID, code)
		e.escalate(ctx, claimID, attempt, "no automatic correction available")
		return attempt, nil
	}

	working := claim
	if len(corrections) > 0 {
		corrected, applied, applyErr := applyCorrections(claim, corrections)
		if applyErr != nil {
			// Submission-path faults become failed attempts, they
			// do not propagate.
			attempt.Status = StatusFailed
			attempt.Correction = fmt.Sprintf("correction apply failed: %v", applyErr)
			e.recordFailure(ctx, attempt, claimID)
			return attempt, nil
		}
		working = corrected
		attempt.CorrectionsApplied = applied
		attempt.Correction = summarize(corrections)
		if applied > 0 {
			e.bump(func(s *Stats) { s.AutoCorrected++ })
			e.logger.Printf("🔧 claim %s attempt %d: applied %d correction(s): %s",
				claimID, attempt.AttemptNumber, applied, attempt.Correction)
		}
	} else {
		e.logger.Printf("claim %s (%s) resubmitted unchanged", claimID, code)
	}

	outcome := e.submitter.SubmitClaim(ctx, working, "", nil)
	attempt.Outcome = outcome

	if outcome != nil && outcome.Success {
		attempt.Status = StatusAccepted
		attempt.RecoveredAmount = claimAmount
		e.bump(func(s *Stats) {
			s.TotalResubmissions++
			s.SuccessfulResubmissions++
			s.TotalRecoveredAmount += claimAmount
		})
		if e.metrics != nil {
			e.metrics.RecordResubmission(StatusAccepted, claimAmount)
		}
		if err := e.history.Append(ctx, attempt); err != nil {
			return nil, fmt.Errorf("resubmit %s: record attempt: %w", claimID, err)
		}
		e.logger.Printf("✅ claim %s recovered on attempt %d (%.2f SAR)", claimID, attempt.AttemptNumber, claimAmount)
		e.notify(ctx, events.ResubmissionSucceeded, claimID, attempt, events.PriorityInfo,
			[]string{string(events.StakeholderIntegration), string(events.StakeholderFinance)})
		return attempt, nil
	}

	attempt.Status = StatusFailed
	if outcome != nil && outcome.Error != "" {
		attempt.Correction = strings.TrimSpace(strings.Join([]string{attempt.Correction, outcome.Error}, "; "))
		attempt.Correction = strings.TrimPrefix(attempt.Correction, "; ")
	}
	e.recordFailure(ctx, attempt, claimID)
	return attempt, nil
}

// recordFailure books a failed attempt, persists it, and raises the
// failure or escalation notification.
func (e *Engine) recordFailure(ctx context.Context, attempt *Attempt, claimID string) {
	e.bump(func(s *Stats) {
		s.TotalResubmissions++
		s.FailedResubmissions++
	})
	if e.metrics != nil {
		e.metrics.RecordResubmission(StatusFailed, 0)
	}
	if err := e.history.Append(ctx, attempt); err != nil {
		e.logger.Printf("❌ claim %s: attempt %d not persisted: %v", claimID, attempt.AttemptNumber, err)
	}
	e.logger.Printf("❌ claim %s attempt %d failed", claimID, attempt.AttemptNumber)

	if attempt.AttemptNumber >= e.cfg.EscalateAfterAttempts {
		e.escalate(ctx, claimID, attempt, fmt.Sprintf("%d failed attempts", attempt.AttemptNumber))
		return
	}
	if e.cfg.Notify() {
		e.notify(ctx, events.ResubmissionFailed, claimID, attempt, events.PriorityHigh,
			[]string{string(events.StakeholderIntegration)})
	}
}

func (e *Engine) escalate(ctx context.Context, claimID string, attempt *Attempt, reason string) {
	if !e.cfg.Notify() {
		return
	}
	data := attemptData(attempt)
	data["reason"] = reason
	if e.notifier != nil {
		e.notifier.SendNotification(ctx, events.ResubmissionEscalated, claimID, data, []string{
			string(events.StakeholderIntegration),
			string(events.StakeholderPMO),
		}, events.PriorityCritical)
	}
}

func (e *Engine) notify(ctx context.Context, eventType events.EventType, claimID string, attempt *Attempt, priority events.Priority, stakeholders []string) {
	if e.notifier == nil {
		return
	}
	e.notifier.SendNotification(ctx, eventType, claimID, attemptData(attempt), stakeholders, priority)
}

func attemptData(attempt *Attempt) map[string]interface{} {
	data := map[string]interface{}{
		"claimId":       attempt.ClaimID,
		"attemptNumber": attempt.AttemptNumber,
		"rejectionCode": attempt.RejectionCode,
		"status":        attempt.Status,
	}
	if attempt.Correction != "" {
		data["correction"] = attempt.Correction
	}
	if attempt.CorrectionsApplied > 0 {
		data["correctionsApplied"] = attempt.CorrectionsApplied
	}
	if attempt.RecoveredAmount > 0 {
		data["recoveredAmount"] = attempt.RecoveredAmount
	}
	return data
}

// Stats returns a consistent snapshot with the derived ratios filled.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.counts
	if s.TotalResubmissions > 0 {
		s.SuccessRate = float64(s.SuccessfulResubmissions) / float64(s.TotalResubmissions)
	}
	if s.SuccessfulResubmissions > 0 {
		s.AverageRecoveredPerClaim = s.TotalRecoveredAmount / float64(s.SuccessfulResubmissions)
	}
	return s
}

func (e *Engine) bump(fn func(*Stats)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.counts)
}

// claimLock hands out the per-claim mutex, creating it on first use.
// Locks are never removed; the set of in-flight claim ids stays small.
func (e *Engine) claimLock(claimID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[claimID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[claimID] = lock
	}
	return lock
}
