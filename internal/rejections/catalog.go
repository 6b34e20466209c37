// Package rejections holds the static catalog of standardized claim
// rejection codes and the payer-specific code maps that normalize payer
// responses onto it. The catalog is immutable after process start.
package rejections

import (
	"sort"
	"strings"
)

// Category classifies the business area a rejection belongs to.
type Category string

const (
	CategoryEligibility   Category = "eligibility"
	CategoryAuthorization Category = "authorization"
	CategoryDocumentation Category = "documentation"
	CategoryCoding        Category = "coding"
	CategoryPricing       Category = "pricing"
	CategoryDuplicate     Category = "duplicate"
	CategoryPolicy        Category = "policy"
	CategoryTechnical     Category = "technical"
	CategoryIncomplete    Category = "incomplete"
)

// Severity ranks the business impact of a rejection.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Entry is the catalog metadata for one standardized rejection code.
type Entry struct {
	Code                string   `json:"code"`
	Description         string   `json:"description"`
	Category            Category `json:"category"`
	Severity            Severity `json:"severity"`
	AutoResubmit        bool     `json:"autoResubmit"`
	RequiredAction      string   `json:"requiredAction"`
	EstResolutionTime   string   `json:"estResolutionTime"`
	ExpectedSuccessRate float64  `json:"expectedSuccessRate"`
}

var catalog = map[string]Entry{
	"ELG01": {
		Code: "ELG01", Description: "Patient not eligible on service date",
		Category: CategoryEligibility, Severity: SeverityHigh, AutoResubmit: false,
		RequiredAction: "Verify coverage window with the payer and re-bill under the active policy",
		EstResolutionTime: "48h", ExpectedSuccessRate: 0.25,
	},
	"ELG02": {
		Code: "ELG02", Description: "Coverage terminated before service date",
		Category: CategoryEligibility, Severity: SeverityCritical, AutoResubmit: false,
		RequiredAction: "Confirm termination with the payer; bill patient or secondary coverage",
		EstResolutionTime: "72h", ExpectedSuccessRate: 0.10,
	},
	"PA01": {
		Code: "PA01", Description: "Prior authorization required",
		Category: CategoryAuthorization, Severity: SeverityHigh, AutoResubmit: false,
		RequiredAction: "Obtain prior authorization before resubmission",
		EstResolutionTime: "72h", ExpectedSuccessRate: 0.60,
	},
	"PA02": {
		Code: "PA02", Description: "Prior authorization expired",
		Category: CategoryAuthorization, Severity: SeverityHigh, AutoResubmit: false,
		RequiredAction: "Request authorization renewal from the payer",
		EstResolutionTime: "48h", ExpectedSuccessRate: 0.55,
	},
	"PA03": {
		Code: "PA03", Description: "Invalid authorization number",
		Category: CategoryAuthorization, Severity: SeverityMedium, AutoResubmit: true,
		RequiredAction: "Look up the correct authorization for the patient and service date",
		EstResolutionTime: "24h", ExpectedSuccessRate: 0.95,
	},
	"DOC01": {
		Code: "DOC01", Description: "Missing supporting documentation",
		Category: CategoryDocumentation, Severity: SeverityMedium, AutoResubmit: false,
		RequiredAction: "Attach the operative/clinical notes requested by the payer",
		EstResolutionTime: "72h", ExpectedSuccessRate: 0.70,
	},
	"CD01": {
		Code: "CD01", Description: "Invalid diagnosis code",
		Category: CategoryCoding, Severity: SeverityMedium, AutoResubmit: true,
		RequiredAction: "Map to a valid ICD-10 code",
		EstResolutionTime: "24h", ExpectedSuccessRate: 0.85,
	},
	"CD02": {
		Code: "CD02", Description: "Invalid procedure code",
		Category: CategoryCoding, Severity: SeverityMedium, AutoResubmit: true,
		RequiredAction: "Map to a valid CPT code",
		EstResolutionTime: "24h", ExpectedSuccessRate: 0.85,
	},
	"CD03": {
		Code: "CD03", Description: "Diagnosis does not support procedure",
		Category: CategoryCoding, Severity: SeverityHigh, AutoResubmit: false,
		RequiredAction: "Clinical coder review of the diagnosis/procedure pairing",
		EstResolutionTime: "48h", ExpectedSuccessRate: 0.50,
	},
	"PR01": {
		Code: "PR01", Description: "Billed amount exceeds contracted rate",
		Category: CategoryPricing, Severity: SeverityMedium, AutoResubmit: true,
		RequiredAction: "Clamp the claim total to the contracted rate",
		EstResolutionTime: "24h", ExpectedSuccessRate: 0.98,
	},
	"PR02": {
		Code: "PR02", Description: "Bundled service billed separately",
		Category: CategoryPricing, Severity: SeverityMedium, AutoResubmit: false,
		RequiredAction: "Re-bill under the bundled service code",
		EstResolutionTime: "48h", ExpectedSuccessRate: 0.65,
	},
	"DUP01": {
		Code: "DUP01", Description: "Duplicate claim",
		Category: CategoryDuplicate, Severity: SeverityLow, AutoResubmit: false,
		RequiredAction: "Reconcile against the earlier submission; void one copy",
		EstResolutionTime: "24h", ExpectedSuccessRate: 0.15,
	},
	"POL01": {
		Code: "POL01", Description: "Service not covered by policy",
		Category: CategoryPolicy, Severity: SeverityHigh, AutoResubmit: false,
		RequiredAction: "Confirm policy exclusions; bill patient if excluded",
		EstResolutionTime: "72h", ExpectedSuccessRate: 0.20,
	},
	"TECH01": {
		Code: "TECH01", Description: "Malformed submission payload",
		Category: CategoryTechnical, Severity: SeverityHigh, AutoResubmit: true,
		RequiredAction: "Regenerate the submission payload and resend",
		EstResolutionTime: "4h", ExpectedSuccessRate: 0.90,
	},
	"TECH02": {
		Code: "TECH02", Description: "Missing required field",
		Category: CategoryTechnical, Severity: SeverityMedium, AutoResubmit: true,
		RequiredAction: "Populate the missing fields from the source system",
		EstResolutionTime: "4h", ExpectedSuccessRate: 0.90,
	},
	"INC01": {
		Code: "INC01", Description: "Incomplete patient information",
		Category: CategoryIncomplete, Severity: SeverityMedium, AutoResubmit: true,
		RequiredAction: "Populate patient demographics from the patient master",
		EstResolutionTime: "24h", ExpectedSuccessRate: 0.93,
	},
	"INC02": {
		Code: "INC02", Description: "Incomplete provider information",
		Category: CategoryIncomplete, Severity: SeverityMedium, AutoResubmit: true,
		RequiredAction: "Populate provider identifiers from the provider master",
		EstResolutionTime: "24h", ExpectedSuccessRate: 0.95,
	},
}

// Get returns the catalog entry for a standardized code.
func Get(code string) (Entry, bool) {
	e, ok := catalog[strings.ToUpper(strings.TrimSpace(code))]
	return e, ok
}

// AutoResubmittable reports whether the code both exists and is flagged
// for automatic resubmission.
func AutoResubmittable(code string) bool {
	e, ok := Get(code)
	return ok && e.AutoResubmit
}

// CodesByCategory lists entries in a category, sorted by code.
func CodesByCategory(cat Category) []Entry {
	var out []Entry
	for _, e := range catalog {
		if e.Category == cat {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// CodesBySeverity lists entries at a severity, sorted by code.
func CodesBySeverity(sev Severity) []Entry {
	var out []Entry
	for _, e := range catalog {
		if e.Severity == sev {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// CodesWithSuccessRate lists entries whose expected success rate is at
// least the threshold, sorted by code.
func CodesWithSuccessRate(threshold float64) []Entry {
	var out []Entry
	for _, e := range catalog {
		if e.ExpectedSuccessRate >= threshold {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// All returns every catalog entry, sorted by code.
func All() []Entry {
	out := make([]Entry, 0, len(catalog))
	for _, e := range catalog {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Code < entries[j].Code })
}

// ============================================================================
// PAYER CODE MAPS
// ============================================================================

type payerKey struct {
	payer   string
	account string
}

// payerCodeMaps translate payer-proprietary rejection codes onto the
// standardized catalog. The "*" account is the payer-wide default.
var payerCodeMaps = map[payerKey]map[string]string{
	{payer: "bupa", account: "*"}: {
		"BX-101": "ELG01",
		"BX-102": "ELG02",
		"BX-210": "PA01",
		"BX-217": "PA03",
		"BX-340": "CD01",
		"BX-341": "CD02",
		"BX-401": "PR01",
		"BX-500": "TECH02",
	},
	{payer: "bupa", account: "corp-9001"}: {
		"BX-401": "PR02", // corporate contract bills bundles differently
	},
	{payer: "tawuniya", account: "*"}: {
		"TW-E1":  "ELG01",
		"TW-A4":  "PA01",
		"TW-A5":  "PA02",
		"TW-C12": "CD01",
		"TW-C13": "CD03",
		"TW-P7":  "PR01",
		"TW-D2":  "DUP01",
		"TW-M9":  "INC01",
	},
	{payer: "medgulf", account: "*"}: {
		"MG-004": "ELG02",
		"MG-118": "DOC01",
		"MG-220": "CD02",
		"MG-301": "POL01",
		"MG-415": "TECH01",
		"MG-416": "TECH02",
		"MG-509": "INC02",
	},
}

// MapPayerCode translates a payer-proprietary code to a standardized
// one. Account-specific maps take precedence over the payer default.
func MapPayerCode(payer, payerAccount, payerCode string) (string, bool) {
	p := strings.ToLower(strings.TrimSpace(payer))
	code := strings.ToUpper(strings.TrimSpace(payerCode))

	if acct := strings.ToLower(strings.TrimSpace(payerAccount)); acct != "" {
		if m, ok := payerCodeMaps[payerKey{payer: p, account: acct}]; ok {
			if std, ok := m[code]; ok {
				return std, true
			}
		}
	}
	if m, ok := payerCodeMaps[payerKey{payer: p, account: "*"}]; ok {
		if std, ok := m[code]; ok {
			return std, true
		}
	}
	return "", false
}
