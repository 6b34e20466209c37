package followup

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/claimbridge/backend/internal/config"
	"github.com/claimbridge/backend/internal/events"
	"github.com/claimbridge/backend/internal/monitoring"
)

// Escalation thresholds. Amounts are SAR.
const (
	criticalOverdueDays       = 3
	criticalRejectionAmount   = 250_000
	elevatedRejectionAmount   = 100_000
	rejectionPercentThreshold = 0.05
	dueSoonWindowDays         = 2
)

// Notifier delivers one event through the notification pipeline.
type Notifier interface {
	SendNotification(ctx context.Context, eventType events.EventType, correlationID string, data map[string]interface{}, stakeholders []string, priority events.Priority) bool
}

// Processor scores worksheet rows and emits followup.batch.alert
// events for every row that needs human attention.
type Processor struct {
	cfg       config.FollowUpConfig
	notifier  Notifier
	metrics   *monitoring.Metrics
	logger    *log.Logger
	now       func() time.Time
	directory map[string]BranchPointer
}

// ProcessorOptions carries the optional collaborators.
type ProcessorOptions struct {
	Notifier Notifier
	Metrics  *monitoring.Metrics

	// Now overrides the clock; zero means time.Now.
	Now func() time.Time
}

func NewProcessor(cfg config.FollowUpConfig, opts ProcessorOptions) *Processor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		cfg:      cfg,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   log.New(log.Writer(), "[FOLLOWUP] ", log.LstdFlags),
		now:      now,
	}
}

// ScanSummary reports one pass over the workbook.
type ScanSummary struct {
	Rows      int       `json:"rows"`
	Events    int       `json:"events"`
	Delivered int       `json:"delivered"`
	ScannedAt time.Time `json:"scannedAt"`
}

// Scan loads the configured workbook, generates events, and pushes
// each one through the notifier. Rows without alerts are silent.
func (p *Processor) Scan(ctx context.Context) (ScanSummary, error) {
	ws, err := LoadWorkbook(p.cfg.WorkbookPath, p.cfg.SheetName)
	if err != nil {
		return ScanSummary{}, err
	}

	if p.cfg.BranchDirectoryPath != "" {
		dir, err := LoadBranchDirectory(p.cfg.BranchDirectoryPath)
		if err != nil {
			p.logger.Printf("⚠️ Branch directory unavailable: %v", err)
		} else {
			p.directory = dir
		}
	}

	evs := p.GenerateEvents(ws.Rows)
	summary := ScanSummary{Rows: len(ws.Rows), Events: len(evs), ScannedAt: p.now().UTC()}

	for _, ev := range evs {
		if p.notifier == nil {
			continue
		}
		if p.notifier.SendNotification(ctx, ev.Type, ev.CorrelationID, ev.Data, ev.StakeholderKeys(), ev.Priority) {
			summary.Delivered++
		}
	}

	p.logger.Printf("✅ Scan complete: %d rows, %d alerts, %d delivered", summary.Rows, summary.Events, summary.Delivered)
	return summary, nil
}

// GenerateEvents evaluates every row and returns one event per row
// that accumulated at least one alert.
func (p *Processor) GenerateEvents(rows []Row) []*events.Event {
	today := p.now()
	var out []*events.Event

	for _, row := range rows {
		if p.metrics != nil {
			p.metrics.RecordFollowUpRow()
		}

		a := assess(row, today)
		if len(a.Alerts) == 0 {
			continue
		}

		ev := events.New(events.FollowUpBatchAlert, p.correlationID(row), p.eventData(row, a), stakeholderKeys(a.Stakeholders), a.Priority)
		out = append(out, ev)

		if p.metrics != nil {
			p.metrics.RecordFollowUpAlert(string(a.Priority))
		}
		p.logger.Printf("🔔 %s/%s row %d: %s [%s]", row.Branch, row.InsuranceCompany, row.Line, strings.Join(a.Alerts, "; "), a.Priority)
	}
	return out
}

// assessment is the scored view of one row.
type assessment struct {
	Alerts       []string
	Priority     events.Priority
	Stakeholders []events.StakeholderGroup
	DaysUntilDue int
	HasDueDate   bool
}

func (a *assessment) add(format string, args ...interface{}) {
	a.Alerts = append(a.Alerts, fmt.Sprintf(format, args...))
}

func assess(row Row, today time.Time) assessment {
	var a assessment
	if !row.DueDate.IsZero() {
		a.HasDueDate = true
		a.DaysUntilDue = daysBetween(today, row.DueDate)
	}

	overdue := a.HasDueDate && a.DaysUntilDue < 0
	overdueDays := 0
	if overdue {
		overdueDays = -a.DaysUntilDue
	}
	dueSoon := a.HasDueDate && a.DaysUntilDue >= 0 && a.DaysUntilDue <= dueSoonWindowDays

	// The passed-due alert carries the overdue count itself, so the
	// plain overdue alert only fires for rows not already marked.
	switch {
	case row.Status == StatusPassedDue && overdue:
		a.add("Batch marked passed due (overdue by %d days)", overdueDays)
	case row.Status == StatusPassedDue:
		a.add("Batch marked passed due")
	case overdue:
		a.add("Due date missed (overdue by %d days)", overdueDays)
	}

	if dueSoon {
		if a.DaysUntilDue == 0 {
			a.add("Due today")
		} else {
			a.add("Due in %d day(s)", a.DaysUntilDue)
		}
	}

	switch row.Status {
	case StatusNotSubmitted:
		a.add("Batch not submitted to the portal")
	case StatusReadyToWork:
		a.add("Batch ready to work")
	}

	if row.Processor == "" {
		a.add("No processor assigned")
	}
	if row.FinalRejectionAmount > 0 {
		a.add("Final rejection total %s SAR", formatAmount(row.FinalRejectionAmount))
	}
	if row.FinalRejectionPercent >= rejectionPercentThreshold {
		a.add("Final rejection rate %.1f%%", row.FinalRejectionPercent*100)
	}
	if row.RecoveryAmount > 0 {
		a.add("Recovery of %s SAR pending", formatAmount(row.RecoveryAmount))
	}

	// Priority ladder, first match wins.
	switch {
	case overdue && (overdueDays >= criticalOverdueDays || row.FinalRejectionAmount >= criticalRejectionAmount):
		a.Priority = events.PriorityCritical
	case overdue:
		a.Priority = events.PriorityHigh
	case row.Status == StatusNotSubmitted:
		a.Priority = events.PriorityHigh
	case row.Status == StatusReadyToWork:
		a.Priority = events.PriorityMedium
	case row.FinalRejectionAmount >= criticalRejectionAmount:
		a.Priority = events.PriorityHigh
	case row.FinalRejectionAmount >= elevatedRejectionAmount || dueSoon:
		a.Priority = events.PriorityMedium
	default:
		a.Priority = events.PriorityInfo
	}

	a.Stakeholders = append(a.Stakeholders, events.StakeholderIntegration)
	if a.Priority == events.PriorityCritical || a.Priority == events.PriorityHigh {
		a.Stakeholders = append(a.Stakeholders, events.StakeholderPMO)
	}
	if row.FinalRejectionPercent >= rejectionPercentThreshold || row.FinalRejectionAmount >= criticalRejectionAmount {
		a.Stakeholders = append(a.Stakeholders, events.StakeholderCompliance)
	}

	return a
}

// correlationID prefers the batch number; rows without one get a
// synthesized id so repeated scans of the same sheet remain traceable
// per branch and period.
func (p *Processor) correlationID(row Row) string {
	if row.BatchNo != "" {
		return row.BatchNo
	}
	return fmt.Sprintf("followup-%s-%s-%s-%s-%s",
		slugOr(row.Branch, "unknown"),
		slugOr(row.InsuranceCompany, "unknown"),
		slugOr(row.Year, "0"),
		slugOr(row.Month, "0"),
		uuid.NewString()[:8])
}

func (p *Processor) eventData(row Row, a assessment) map[string]interface{} {
	data := map[string]interface{}{
		"branch":           row.Branch,
		"insuranceCompany": row.InsuranceCompany,
		"status":           row.Status,
		"alerts":           a.Alerts,
	}
	if a.HasDueDate {
		data["dueDate"] = row.DueDate.Format("2006-01-02")
		data["daysUntilDue"] = a.DaysUntilDue
	}
	if row.BatchNo != "" {
		data["batchNo"] = row.BatchNo
	}
	if row.Processor != "" {
		data["processor"] = row.Processor
	}
	if row.BillingAmount > 0 {
		data["billingAmount"] = row.BillingAmount
	}
	if row.ApprovedToPay > 0 {
		data["approvedToPay"] = row.ApprovedToPay
	}
	if row.FinalRejectionAmount > 0 {
		data["finalRejectionAmount"] = row.FinalRejectionAmount
	}
	if row.FinalRejectionPercent > 0 {
		data["finalRejectionPercent"] = row.FinalRejectionPercent
	}
	if row.RecoveryAmount > 0 {
		data["recoveryAmount"] = row.RecoveryAmount
	}
	if row.Month != "" {
		data["month"] = row.Month
	}
	if row.Year != "" {
		data["year"] = row.Year
	}
	if ptr, ok := p.directory[row.Branch]; ok && ptr.Portal != "" {
		data["portal"] = ptr.Portal
	}
	return data
}

func stakeholderKeys(groups []events.StakeholderGroup) []string {
	keys := make([]string, len(groups))
	for i, g := range groups {
		keys[i] = string(g)
	}
	return keys
}

// daysBetween counts whole calendar days from one date to another,
// ignoring the time of day on both sides.
func daysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}

// formatAmount renders an SAR amount with thousands separators and
// two decimals, the way the finance sheets print money.
func formatAmount(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	dot := strings.IndexByte(s, '.')
	intPart, frac := s[:dot], s[dot:]

	neg := strings.HasPrefix(intPart, "-")
	if neg {
		intPart = intPart[1:]
	}

	var b strings.Builder
	for i, d := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}

	out := b.String() + frac
	if neg {
		out = "-" + out
	}
	return out
}

func slugOr(s, fallback string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(s)), "-")
	if norm == "" {
		return fallback
	}
	return norm
}
