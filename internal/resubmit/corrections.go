package resubmit

import (
	"context"
	"fmt"
	"strings"

	"github.com/claimbridge/backend/internal/claims"
)

// minConfidence is the floor below which a derived correction is not
// applied to the claim.
const minConfidence = 0.70

// Correction is one proposed fix to a rejected claim. FieldPath is a
// dotted path into the claim's attribute map; intermediate maps are
// created while applying. OldValue is nil when the field was absent.
type Correction struct {
	FieldPath  string      `json:"fieldPath"`
	OldValue   interface{} `json:"oldValue,omitempty"`
	NewValue   interface{} `json:"newValue"`
	Confidence float64     `json:"confidence"`
	Reason     string      `json:"reason"`
}

// ReferenceResolver answers the external lookups the correction
// strategies need: master data, code maps, contracted rates, and
// authorizations. The static implementation below serves tests and
// single-tenant deployments; production wires a service-backed one.
type ReferenceResolver interface {
	FieldValue(ctx context.Context, claim *claims.Request, field string) (interface{}, bool)
	ValidDiagnosis(ctx context.Context, invalid string) (string, bool)
	ValidProcedure(ctx context.Context, invalid string) (string, bool)
	ContractedRate(ctx context.Context, payerID, itemCode string) (float64, bool)
	Authorization(ctx context.Context, patientID, serviceDate string) (string, bool)
	PatientField(ctx context.Context, patientID, field string) (interface{}, bool)
	ProviderField(ctx context.Context, providerID, field string) (interface{}, bool)
}

// StaticResolver serves reference lookups from in-memory maps. Keys:
// Rates is "payerID|itemCode", Authorizations is "patientID|serviceDate".
type StaticResolver struct {
	Fields         map[string]interface{}
	DiagnosisCodes map[string]string
	ProcedureCodes map[string]string
	Rates          map[string]float64
	Authorizations map[string]string
	Patients       map[string]map[string]interface{}
	Providers      map[string]map[string]interface{}
}

func (s *StaticResolver) FieldValue(_ context.Context, _ *claims.Request, field string) (interface{}, bool) {
	v, ok := s.Fields[field]
	return v, ok
}

func (s *StaticResolver) ValidDiagnosis(_ context.Context, invalid string) (string, bool) {
	v, ok := s.DiagnosisCodes[strings.ToUpper(strings.TrimSpace(invalid))]
	return v, ok && v != ""
}

func (s *StaticResolver) ValidProcedure(_ context.Context, invalid string) (string, bool) {
	v, ok := s.ProcedureCodes[strings.ToUpper(strings.TrimSpace(invalid))]
	return v, ok && v != ""
}

func (s *StaticResolver) ContractedRate(_ context.Context, payerID, itemCode string) (float64, bool) {
	v, ok := s.Rates[payerID+"|"+itemCode]
	return v, ok
}

func (s *StaticResolver) Authorization(_ context.Context, patientID, serviceDate string) (string, bool) {
	v, ok := s.Authorizations[patientID+"|"+serviceDate]
	return v, ok && v != ""
}

func (s *StaticResolver) PatientField(_ context.Context, patientID, field string) (interface{}, bool) {
	v, ok := s.Patients[patientID][field]
	return v, ok
}

func (s *StaticResolver) ProviderField(_ context.Context, providerID, field string) (interface{}, bool) {
	v, ok := s.Providers[providerID][field]
	return v, ok
}

var _ ReferenceResolver = (*StaticResolver)(nil)

// correctionFunc derives corrections for one rejection code.
type correctionFunc func(ctx context.Context, r ReferenceResolver, claim *claims.Request, details map[string]interface{}) []Correction

// correctionTable maps standardized rejection codes to their built-in
// derivation strategies.
var correctionTable = map[string]correctionFunc{
	"TECH02": correctMissingFields,
	"CD01":   correctDiagnosisCode,
	"CD02":   correctProcedureCode,
	"PR01":   correctPricing,
	"PA03":   correctAuthorization,
	"INC01":  correctPatientInfo,
	"INC02":  correctProviderInfo,
}

func deriveCorrections(ctx context.Context, r ReferenceResolver, code string, claim *claims.Request, details map[string]interface{}) []Correction {
	fn, ok := correctionTable[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil
	}
	return fn(ctx, r, claim, details)
}

// correctMissingFields populates each field the payer listed as missing
// from the reference lookup.
func correctMissingFields(ctx context.Context, r ReferenceResolver, claim *claims.Request, details map[string]interface{}) []Correction {
	var out []Correction
	for _, field := range detailStrings(details, "missingFields", "fields") {
		value, ok := r.FieldValue(ctx, claim, field)
		if !ok {
			continue
		}
		out = append(out, Correction{
			FieldPath:  field,
			NewValue:   value,
			Confidence: 0.90,
			Reason:     "missing required field populated from reference data",
		})
	}
	return out
}

func correctDiagnosisCode(ctx context.Context, r ReferenceResolver, claim *claims.Request, details map[string]interface{}) []Correction {
	invalid := detailString(details, "diagnosisCode", "invalidCode")
	if invalid == "" {
		invalid = extraString(claim, "diagnosisCode")
	}
	valid, ok := r.ValidDiagnosis(ctx, invalid)
	if !ok {
		return nil
	}
	return []Correction{{
		FieldPath:  "diagnosisCode",
		OldValue:   invalid,
		NewValue:   valid,
		Confidence: 0.85,
		Reason:     fmt.Sprintf("diagnosis %s mapped to valid ICD-10 code", invalid),
	}}
}

func correctProcedureCode(ctx context.Context, r ReferenceResolver, claim *claims.Request, details map[string]interface{}) []Correction {
	invalid := detailString(details, "procedureCode", "invalidCode")
	if invalid == "" {
		invalid = extraString(claim, "procedureCode")
	}
	valid, ok := r.ValidProcedure(ctx, invalid)
	if !ok {
		return nil
	}
	return []Correction{{
		FieldPath:  "procedureCode",
		OldValue:   invalid,
		NewValue:   valid,
		Confidence: 0.85,
		Reason:     fmt.Sprintf("procedure %s mapped to valid CPT code", invalid),
	}}
}

// correctPricing clamps the billed total to the contracted rate. The
// rate preferably arrives in the rejection details; otherwise the
// reference lookup answers by payer and leading item code.
func correctPricing(ctx context.Context, r ReferenceResolver, claim *claims.Request, details map[string]interface{}) []Correction {
	rate, ok := detailFloat(details, "contractedRate")
	if !ok {
		itemCode := ""
		if len(claim.Items) > 0 {
			itemCode = claim.Items[0].Code
		}
		rate, ok = r.ContractedRate(ctx, claim.PayerID, itemCode)
	}
	if !ok || rate <= 0 || claim.TotalAmount <= rate {
		return nil
	}
	return []Correction{{
		FieldPath:  "totalAmount",
		OldValue:   claim.TotalAmount,
		NewValue:   rate,
		Confidence: 0.98,
		Reason:     fmt.Sprintf("billed %.2f exceeds contracted rate %.2f", claim.TotalAmount, rate),
	}}
}

func correctAuthorization(ctx context.Context, r ReferenceResolver, claim *claims.Request, _ map[string]interface{}) []Correction {
	ref, ok := r.Authorization(ctx, claim.PatientID, claim.ServiceDate)
	if !ok {
		return nil
	}
	var old interface{}
	if claim.PriorAuthRef != "" {
		old = claim.PriorAuthRef
	}
	return []Correction{{
		FieldPath:  "priorAuthRef",
		OldValue:   old,
		NewValue:   ref,
		Confidence: 0.95,
		Reason:     "authorization recovered by patient and service date",
	}}
}

func correctPatientInfo(ctx context.Context, r ReferenceResolver, claim *claims.Request, details map[string]interface{}) []Correction {
	var out []Correction
	for _, field := range detailStrings(details, "missingFields", "fields") {
		value, ok := r.PatientField(ctx, claim.PatientID, field)
		if !ok {
			continue
		}
		out = append(out, Correction{
			FieldPath:  "patient." + field,
			NewValue:   value,
			Confidence: 0.93,
			Reason:     "patient detail populated from patient master",
		})
	}
	return out
}

func correctProviderInfo(ctx context.Context, r ReferenceResolver, claim *claims.Request, details map[string]interface{}) []Correction {
	providerID := extraString(claim, "providerId")
	var out []Correction
	for _, field := range detailStrings(details, "missingFields", "fields") {
		value, ok := r.ProviderField(ctx, providerID, field)
		if !ok {
			continue
		}
		out = append(out, Correction{
			FieldPath:  "provider." + field,
			NewValue:   value,
			Confidence: 0.95,
			Reason:     "provider detail populated from provider master",
		})
	}
	return out
}

// ============================================================================
// APPLY
// ============================================================================

// applyCorrections deep-copies the claim and sets every correction at
// or above the confidence floor along its dotted path. The original
// claim is never touched.
func applyCorrections(claim *claims.Request, corrections []Correction) (*claims.Request, int, error) {
	m, err := claim.ToMap()
	if err != nil {
		return nil, 0, err
	}

	applied := 0
	for _, c := range corrections {
		if c.Confidence < minConfidence {
			continue
		}
		setDottedPath(m, c.FieldPath, c.NewValue)
		applied++
	}

	corrected, err := claims.FromMap(m)
	if err != nil {
		return nil, 0, err
	}
	return corrected, applied, nil
}

// setDottedPath walks path segments, creating intermediate maps as
// needed, and sets the final key.
func setDottedPath(m map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// summarize renders the human-readable correction line stored on the
// attempt record.
func summarize(corrections []Correction) string {
	if len(corrections) == 0 {
		return ""
	}
	parts := make([]string, 0, len(corrections))
	for _, c := range corrections {
		parts = append(parts, fmt.Sprintf("%s → %v", c.FieldPath, c.NewValue))
	}
	return strings.Join(parts, "; ")
}

// ============================================================================
// DETAILS HELPERS
// ============================================================================

func detailString(details map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := details[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func detailFloat(details map[string]interface{}, key string) (float64, bool) {
	switch v := details[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.ReplaceAll(v, ",", ""), "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// detailStrings accepts both []string and JSON-decoded []interface{}.
func detailStrings(details map[string]interface{}, keys ...string) []string {
	for _, k := range keys {
		switch v := details[k].(type) {
		case []string:
			return v
		case []interface{}:
			var out []string
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

func extraString(claim *claims.Request, key string) string {
	if claim.Extra == nil {
		return ""
	}
	if v, ok := claim.Extra[key].(string); ok {
		return v
	}
	return ""
}
