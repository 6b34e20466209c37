// Package claims holds the claim domain model shared by the orchestrator,
// the portal connectors, and the resubmission engine: the claim request,
// per-portal submission outcomes, and the composite outcome of a
// multi-portal submission.
package claims

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ClaimType values accepted at the boundary.
const (
	TypeInstitutional = "institutional"
	TypeProfessional  = "professional"
	TypePharmacy      = "pharmacy"
)

// Item is a single billable line on a claim.
type Item struct {
	Code        string  `json:"code" validate:"required"`
	Description string  `json:"description,omitempty"`
	Quantity    float64 `json:"quantity" validate:"gt=0"`
	UnitPrice   float64 `json:"unitPrice" validate:"gte=0"`
}

// Net returns the line total.
func (i Item) Net() float64 { return i.Quantity * i.UnitPrice }

// Request is a claim as received from the caller. Requests are immutable
// once submitted; optimization and corrections operate on copies. Extra
// carries fields outside the schema (optimizer enrichment, correction
// targets like patient.* sub-fields) and round-trips through JSON.
type Request struct {
	PatientID    string  `json:"patientId" validate:"required"`
	MemberID     string  `json:"memberId" validate:"required"`
	PayerID      string  `json:"payerId,omitempty"`
	ServiceDate  string  `json:"serviceDate,omitempty"`
	Items        []Item  `json:"items" validate:"required,min=1,dive"`
	ClaimType    string  `json:"claimType,omitempty" validate:"omitempty,oneof=institutional professional pharmacy"`
	TotalAmount  float64 `json:"totalAmount" validate:"gte=0"`
	InsuranceID  string  `json:"insuranceId,omitempty"`
	PriorAuthRef string  `json:"priorAuthRef,omitempty"`

	Extra map[string]interface{} `json:"-"`
}

// schemaKeys are the JSON names owned by the typed fields; everything
// else lands in Extra on unmarshal.
var schemaKeys = map[string]bool{
	"patientId":    true,
	"memberId":     true,
	"payerId":      true,
	"serviceDate":  true,
	"items":        true,
	"claimType":    true,
	"totalAmount":  true,
	"insuranceId":  true,
	"priorAuthRef": true,
}

type requestAlias Request

// MarshalJSON inlines Extra next to the schema fields. Schema fields win
// on key collisions.
func (r Request) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(requestAlias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}
	merged := make(map[string]interface{}, len(r.Extra)+len(schemaKeys))
	for k, v := range r.Extra {
		if !schemaKeys[k] {
			merged[k] = v
		}
	}
	var typed map[string]interface{}
	if err := json.Unmarshal(base, &typed); err != nil {
		return nil, err
	}
	for k, v := range typed {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON splits incoming keys between the schema fields and Extra.
func (r *Request) UnmarshalJSON(data []byte) error {
	var alias requestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if schemaKeys[k] {
			delete(raw, k)
		}
	}
	*r = Request(alias)
	if len(raw) > 0 {
		r.Extra = raw
	}
	return nil
}

// ItemsTotal sums quantity times unit price across all items.
func (r *Request) ItemsTotal() float64 {
	var total float64
	for _, item := range r.Items {
		total += item.Net()
	}
	return total
}

// Clone deep-copies the request via a JSON round trip.
func (r *Request) Clone() (*Request, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("clone claim: %w", err)
	}
	var out Request
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone claim: %w", err)
	}
	return &out, nil
}

// ToMap renders the request as a generic attribute map, the shape the
// resubmission corrections operate on.
func (r *Request) ToMap() (map[string]interface{}, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("claim to map: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("claim to map: %w", err)
	}
	return m, nil
}

// FromMap parses a generic attribute map back into a Request. Unknown
// keys are preserved in Extra.
func FromMap(m map[string]interface{}) (*Request, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("claim from map: %w", err)
	}
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("claim from map: %w", err)
	}
	return &r, nil
}

// ============================================================================
// SUBMISSION STRATEGIES
// ============================================================================

// Strategy selects how the orchestrator routes a claim across portals.
type Strategy string

const (
	StrategyNPHIESOnly  Strategy = "NPHIES_ONLY"
	StrategyLegacyOnly  Strategy = "LEGACY_ONLY"
	StrategyNPHIESFirst Strategy = "NPHIES_FIRST"
	StrategyAllPortals  Strategy = "ALL_PORTALS"
	StrategySmartRoute  Strategy = "SMART_ROUTE"
	StrategyAllRequired Strategy = "ALL_REQUIRED"
)

// ParseStrategy validates a strategy name, accepting any case.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToUpper(strings.TrimSpace(s))) {
	case StrategyNPHIESOnly:
		return StrategyNPHIESOnly, nil
	case StrategyLegacyOnly:
		return StrategyLegacyOnly, nil
	case StrategyNPHIESFirst:
		return StrategyNPHIESFirst, nil
	case StrategyAllPortals:
		return StrategyAllPortals, nil
	case StrategySmartRoute:
		return StrategySmartRoute, nil
	case StrategyAllRequired:
		return StrategyAllRequired, nil
	}
	return "", fmt.Errorf("unknown submission strategy %q", s)
}

// ============================================================================
// OUTCOMES
// ============================================================================

// Submission stages reported on composite outcomes.
const (
	StageValidation = "validation"
	StageSubmission = "submission"
)

// Outcome is the result of one portal attempt.
type Outcome struct {
	Portal  string                 `json:"portal"`
	Branch  string                 `json:"branch,omitempty"`
	Success bool                   `json:"success"`
	ClaimID string                 `json:"claimId,omitempty"`
	Status  string                 `json:"status,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Raw     map[string]interface{} `json:"raw,omitempty"`
}

// Key returns the per-portal map key: the portal name, suffixed with the
// branch (portal_branch) when one is set.
func (o *Outcome) Key() string {
	if o.Branch != "" {
		return o.Portal + "_" + o.Branch
	}
	return o.Portal
}

// ValidationResult is produced by the validator capability.
type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// OptimizationResult is produced by the optimizer capability. Claim, when
// non-nil, replaces the working claim for submission.
type OptimizationResult struct {
	Applied bool     `json:"applied"`
	Notes   []string `json:"notes,omitempty"`

	Claim *Request `json:"-"`
}

// CompositeOutcome aggregates the per-portal outcomes of one submission.
// Success is the disjunction of per-portal successes except under
// ALL_REQUIRED, where every portal must succeed.
type CompositeOutcome struct {
	Success      bool                `json:"success"`
	Stage        string              `json:"stage"`
	Strategy     Strategy            `json:"strategy,omitempty"`
	PerPortal    map[string]*Outcome `json:"perPortal,omitempty"`
	NPHIESResult *Outcome            `json:"nphies_result,omitempty"`
	LegacyResult *CompositeOutcome   `json:"legacy_result,omitempty"`
	Validation   *ValidationResult   `json:"validation,omitempty"`
	Optimization *OptimizationResult `json:"optimization,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// Add records a per-portal outcome under its key.
func (c *CompositeOutcome) Add(o *Outcome) {
	if c.PerPortal == nil {
		c.PerPortal = make(map[string]*Outcome)
	}
	c.PerPortal[o.Key()] = o
}

// AnySuccess reports whether at least one portal accepted the claim.
func (c *CompositeOutcome) AnySuccess() bool {
	for _, o := range c.PerPortal {
		if o.Success {
			return true
		}
	}
	return false
}

// AllSuccess reports whether every attempted portal accepted the claim.
func (c *CompositeOutcome) AllSuccess() bool {
	if len(c.PerPortal) == 0 {
		return false
	}
	for _, o := range c.PerPortal {
		if !o.Success {
			return false
		}
	}
	return true
}
