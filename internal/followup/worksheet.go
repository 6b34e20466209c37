// Package followup turns the operations follow-up workbook into
// prioritized platform events.
//
// The workbook is maintained by hand, so every cell is treated as
// hostile input: headers drift between exports, statuses are free
// text, dates arrive as Excel serials or half a dozen string layouts,
// and amount columns mix thousands separators, placeholders and stray
// formulas. The parser normalizes all of that into typed rows; the
// processor scores each row and emits followup.batch.alert events.
package followup

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// Canonical statuses after alias resolution. Unrecognized statuses
// pass through as their slugified raw text.
const (
	StatusPassedDue       = "passed_due"
	StatusReadyToWork     = "ready_to_work"
	StatusNotSubmitted    = "not_submitted"
	StatusUnderProcessing = "under_processing"
	StatusNoRejection     = "no_rejection"
	StatusSubmitted       = "submitted"
)

// Row is one normalized worksheet line.
type Row struct {
	Branch           string
	InsuranceCompany string

	// Status is the canonical slug; RawStatus preserves the cell text
	// for audit trails and log messages.
	Status    string
	RawStatus string

	DueDate          time.Time
	ReceivedDate     time.Time
	ResubmissionDate time.Time

	BillingAmount         float64
	ApprovedToPay         float64
	FinalRejectionAmount  float64
	FinalRejectionPercent float64
	RecoveryAmount        float64

	BatchNo    string
	Processor  string
	ReworkType string
	BatchType  string
	Month      string
	Year       string

	// Line is the 1-based sheet row, kept for log messages.
	Line int
}

// Worksheet holds the sanitized header set and every parsed row.
type Worksheet struct {
	Headers []string
	Rows    []Row
}

// BranchPointer is one line of the branch directory sheet: which
// portal a branch submits through and where its credentials live in
// the secret store.
type BranchPointer struct {
	Branch        string
	Portal        string
	CredentialRef string
}

// LoadWorkbook opens an xlsx file and parses the named sheet. An
// empty sheet name selects the first sheet in the workbook.
func LoadWorkbook(path, sheet string) (*Worksheet, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", path, err)
	}
	defer f.Close()

	name := sheet
	if name == "" {
		name = f.GetSheetName(0)
	}
	rows, err := f.GetRows(name)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", name, err)
	}
	return ParseRows(rows), nil
}

// LoadBranchDirectory reads the per-branch portal/credential sheet
// and returns pointers keyed by canonical branch name.
func LoadBranchDirectory(path string) (map[string]BranchPointer, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open branch directory %s: %w", path, err)
	}
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return nil, fmt.Errorf("read branch directory: %w", err)
	}
	if len(rows) == 0 {
		return map[string]BranchPointer{}, nil
	}

	headers := sanitizeHeaders(rows[0])
	idx := headerIndex(headers)
	out := make(map[string]BranchPointer, len(rows)-1)
	for _, rec := range rows[1:] {
		branch := canonicalBranch(cellAt(rec, idx, "branch"))
		if branch == "" {
			continue
		}
		out[branch] = BranchPointer{
			Branch:        branch,
			Portal:        cellAt(rec, idx, "portal"),
			CredentialRef: cellAt(rec, idx, "credential_ref"),
		}
	}
	return out, nil
}

// ParseRows converts raw sheet cells (first record is the header row)
// into typed rows. Blank lines and total lines are skipped.
func ParseRows(cells [][]string) *Worksheet {
	if len(cells) == 0 {
		return &Worksheet{}
	}

	headers := sanitizeHeaders(cells[0])
	idx := headerIndex(headers)
	ws := &Worksheet{Headers: headers}

	for n, rec := range cells[1:] {
		if blankRecord(rec) {
			continue
		}
		branchRaw := cellAt(rec, idx, "branch")
		if isTotalLine(branchRaw) {
			continue
		}

		rawStatus := cellAt(rec, idx, "status")
		row := Row{
			Branch:           canonicalBranch(branchRaw),
			InsuranceCompany: cellAt(rec, idx, "insurance_company"),
			Status:           canonicalStatus(rawStatus),
			RawStatus:        rawStatus,
			BatchNo:          cellAt(rec, idx, "batch_no"),
			Processor:        cellAt(rec, idx, "processor"),
			ReworkType:       cellAt(rec, idx, "rework_type"),
			BatchType:        cellAt(rec, idx, "batch_type"),
			Month:            cellAt(rec, idx, "month"),
			Year:             cellAt(rec, idx, "year"),
			Line:             n + 2,
		}
		row.DueDate, _ = parseDate(cellAt(rec, idx, "due_date"))
		row.ReceivedDate, _ = parseDate(cellAt(rec, idx, "received_date"))
		row.ResubmissionDate, _ = parseDate(cellAt(rec, idx, "resubmission_date"))
		row.BillingAmount, _ = parseAmount(cellAt(rec, idx, "billing_amount"))
		row.ApprovedToPay, _ = parseAmount(cellAt(rec, idx, "approved_to_pay"))
		row.FinalRejectionAmount, _ = parseAmount(cellAt(rec, idx, "final_rejection_amount"))
		row.FinalRejectionPercent, _ = parseAmount(cellAt(rec, idx, "final_rejection_percent"))
		row.RecoveryAmount, _ = parseAmount(cellAt(rec, idx, "recovery_amount"))

		ws.Rows = append(ws.Rows, row)
	}
	return ws
}

// ============================================================
// Header sanitization
// ============================================================

// headerAliases maps normalized header text to canonical column slugs.
var headerAliases = map[string]string{
	"branch":      "branch",
	"branch name": "branch",
	"clinic":      "branch",
	"facility":    "branch",

	"insurance company": "insurance_company",
	"insurance":         "insurance_company",
	"payer":             "insurance_company",
	"payer name":        "insurance_company",
	"company":           "insurance_company",

	"status":       "status",
	"batch status": "status",
	"claim status": "status",

	"due date": "due_date",
	"due":      "due_date",
	"deadline": "due_date",

	"received date": "received_date",
	"date received": "received_date",
	"received":      "received_date",

	"resubmission date": "resubmission_date",
	"resubmitted on":    "resubmission_date",
	"resubmission":      "resubmission_date",

	"billing amount": "billing_amount",
	"billed amount":  "billing_amount",
	"total billed":   "billing_amount",

	"approved to pay": "approved_to_pay",
	"approved amount": "approved_to_pay",
	"approved":        "approved_to_pay",

	"final rejection amount": "final_rejection_amount",
	"final rejection":        "final_rejection_amount",
	"rejection amount":       "final_rejection_amount",

	"final rejection percent": "final_rejection_percent",
	"rejection percent":       "final_rejection_percent",
	"final rejection rate":    "final_rejection_percent",

	"recovery amount":  "recovery_amount",
	"recovered amount": "recovery_amount",
	"recovery":         "recovery_amount",

	"batch no":     "batch_no",
	"batch number": "batch_no",
	"batch":        "batch_no",

	"processor":   "processor",
	"assigned to": "processor",
	"owner":       "processor",

	"rework type": "rework_type",
	"batch type":  "batch_type",
	"month":       "month",
	"year":        "year",

	"portal":          "portal",
	"portal key":      "portal",
	"system":          "portal",
	"credential ref":  "credential_ref",
	"credential path": "credential_ref",
	"secret path":     "credential_ref",
	"credentials":     "credential_ref",
}

// sanitizeHeaders maps recognized header variants to canonical slugs
// and deduplicates collisions with numeric suffixes.
func sanitizeHeaders(raw []string) []string {
	out := make([]string, len(raw))
	taken := make(map[string]bool, len(raw))
	for i, h := range raw {
		name := canonicalHeader(h)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if taken[name] {
			base := name
			for n := 2; ; n++ {
				name = fmt.Sprintf("%s_%d", base, n)
				if !taken[name] {
					break
				}
			}
		}
		taken[name] = true
		out[i] = name
	}
	return out
}

func canonicalHeader(h string) string {
	norm := normalizeHeader(h)
	if canon, ok := headerAliases[norm]; ok {
		return canon
	}
	return strings.ReplaceAll(norm, " ", "_")
}

// normalizeHeader lowercases, spells out %, and collapses everything
// that is not a letter or digit into single spaces.
func normalizeHeader(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(h) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '%':
			b.WriteString(" percent ")
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func headerIndex(headers []string) map[string]int {
	idx := make(map[string]int, len(headers))
	for i, h := range headers {
		idx[h] = i
	}
	return idx
}

// cellAt is tolerant of short records: excelize trims trailing empty
// cells, so a column index past the record end reads as blank.
func cellAt(rec []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func blankRecord(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func isTotalLine(branch string) bool {
	switch strings.ToLower(strings.TrimSpace(branch)) {
	case "total", "totals", "grand total", "sum":
		return true
	}
	return false
}

// ============================================================
// Status and branch canonicalization
// ============================================================

// canonicalStatus resolves free-text statuses by ordered substring
// checks. "not submitted" must be tested before "submitted".
func canonicalStatus(raw string) string {
	s := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	switch {
	case s == "":
		return ""
	case strings.Contains(s, "passed due"), strings.Contains(s, "past due"), strings.Contains(s, "overdue"):
		return StatusPassedDue
	case strings.Contains(s, "ready"):
		return StatusReadyToWork
	case strings.Contains(s, "not submitted"), strings.Contains(s, "pending submission"):
		return StatusNotSubmitted
	case strings.Contains(s, "under processing"), strings.Contains(s, "in progress"), strings.Contains(s, "processing"):
		return StatusUnderProcessing
	case strings.Contains(s, "no rejection"), strings.Contains(s, "fully approved"):
		return StatusNoRejection
	case strings.Contains(s, "submitted"):
		return StatusSubmitted
	default:
		return strings.ReplaceAll(s, " ", "_")
	}
}

// branchAliases maps normalized branch spellings (including IATA-style
// shorthands the operations team uses) to canonical names.
var branchAliases = map[string]string{
	"riyadh": "Riyadh",
	"riyad":  "Riyadh",
	"ruh":    "Riyadh",

	"jeddah": "Jeddah",
	"jiddah": "Jeddah",
	"jed":    "Jeddah",

	"dammam": "Dammam",
	"dmm":    "Dammam",

	"makkah": "Makkah",
	"mecca":  "Makkah",

	"madinah": "Madinah",
	"medina":  "Madinah",
	"med":     "Madinah",

	"khobar":    "Khobar",
	"al khobar": "Khobar",
	"alkhobar":  "Khobar",

	"taif":    "Taif",
	"al taif": "Taif",

	"hofuf":    "Hofuf",
	"al hofuf": "Hofuf",
}

// canonicalBranch resolves known aliases; unknown branches are kept
// but title-cased so downstream grouping stays stable.
func canonicalBranch(raw string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	if norm == "" {
		return ""
	}
	if canon, ok := branchAliases[norm]; ok {
		return canon
	}
	return titleCase(norm)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// ============================================================
// Lenient cell parsing
// ============================================================

// excelEpoch is the zero day of Excel's 1900 date system. Using
// December 30 absorbs the fictitious 1900 leap day for every serial
// after it, which is all this workbook ever holds.
var excelEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"02-Jan-2006",
	"2-Jan-06",
	"January 2, 2006",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04",
}

// parseDate accepts Excel serials and the string layouts the
// operations exports have been seen to use. Day/month order follows
// the regional dd/mm convention.
func parseDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || isPlaceholder(s) {
		return time.Time{}, false
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil {
		// Serials outside this window are ids or years, not dates.
		if serial < 20000 || serial > 80000 {
			return time.Time{}, false
		}
		return fromExcelSerial(serial), true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func fromExcelSerial(serial float64) time.Time {
	days := int(serial)
	frac := serial - float64(days)
	return excelEpoch.AddDate(0, 0, days).Add(time.Duration(frac * 24 * float64(time.Hour)))
}

// parseAmount strips thousands separators and currency markers,
// converts a trailing % to a fraction, and ignores placeholders and
// anything starting with = (a formula that did not evaluate).
func parseAmount(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || isPlaceholder(s) || strings.HasPrefix(s, "=") {
		return 0, false
	}

	percent := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSpace(strings.TrimPrefix(s, "SAR"))
	s = strings.TrimSpace(strings.TrimSuffix(s, "SAR"))

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if percent {
		v /= 100
	}
	return v, true
}

func isPlaceholder(s string) bool {
	switch strings.ToLower(s) {
	case "-", "--", "n/a", "na", "tbd":
		return true
	}
	return false
}
