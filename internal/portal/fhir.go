package portal

import (
	"time"

	"github.com/claimbridge/backend/internal/claims"
)

// FHIR boundary assembly. The orchestrator treats these bodies as
// opaque; only the fields NPHIES validates at the gateway are shaped
// here. All monetary values are SAR.

const currencySAR = "SAR"

// BuildClaimBundle renders a claim as a FHIR message bundle around a
// Claim resource.
func BuildClaimBundle(claim *claims.Request, organizationID string) map[string]interface{} {
	return wrapBundle(buildClaimResource(claim, organizationID, "claim"))
}

// BuildPriorAuthRequest renders the prior-authorization variant of the
// Claim resource (use=preauthorization).
func BuildPriorAuthRequest(claim *claims.Request, organizationID string) map[string]interface{} {
	return wrapBundle(buildClaimResource(claim, organizationID, "preauthorization"))
}

// BuildEligibilityRequest renders a CoverageEligibilityRequest for the
// claim's patient and coverage.
func BuildEligibilityRequest(claim *claims.Request, organizationID string) map[string]interface{} {
	resource := map[string]interface{}{
		"resourceType": "CoverageEligibilityRequest",
		"status":       "active",
		"purpose":      []string{"validation", "benefits"},
		"patient":      reference("Patient", claim.PatientID),
		"provider":     reference("Organization", organizationID),
		"created":      time.Now().UTC().Format(time.RFC3339),
		"insurance": []map[string]interface{}{
			{"coverage": reference("Coverage", claim.MemberID)},
		},
	}
	if claim.ServiceDate != "" {
		resource["servicedDate"] = claim.ServiceDate
	}
	return wrapBundle(resource)
}

// BuildCommunication renders a Communication resource about a claim.
func BuildCommunication(claimID string, message map[string]interface{}) map[string]interface{} {
	payload := []map[string]interface{}{}
	if text, ok := message["text"].(string); ok && text != "" {
		payload = append(payload, map[string]interface{}{"contentString": text})
	}
	for _, att := range attachments(message) {
		payload = append(payload, map[string]interface{}{"contentAttachment": att})
	}

	resource := map[string]interface{}{
		"resourceType": "Communication",
		"status":       "completed",
		"about":        []map[string]interface{}{reference("Claim", claimID)},
		"sent":         time.Now().UTC().Format(time.RFC3339),
		"payload":      payload,
	}
	return wrapBundle(resource)
}

func buildClaimResource(claim *claims.Request, organizationID, use string) map[string]interface{} {
	items := make([]map[string]interface{}, 0, len(claim.Items))
	for i, item := range claim.Items {
		entry := map[string]interface{}{
			"sequence": i + 1,
			"productOrService": map[string]interface{}{
				"coding": []map[string]interface{}{{"code": item.Code}},
			},
			"quantity":  map[string]interface{}{"value": item.Quantity},
			"unitPrice": map[string]interface{}{"value": item.UnitPrice, "currency": currencySAR},
			"net":       map[string]interface{}{"value": item.Net(), "currency": currencySAR},
		}
		if claim.ServiceDate != "" {
			entry["servicedDate"] = claim.ServiceDate
		}
		items = append(items, entry)
	}

	claimType := claim.ClaimType
	if claimType == "" {
		claimType = claims.TypeInstitutional
	}

	insurance := map[string]interface{}{
		"sequence": 1,
		"focal":    true,
		"coverage": reference("Coverage", claim.MemberID),
	}
	if claim.PriorAuthRef != "" {
		insurance["preAuthRef"] = []string{claim.PriorAuthRef}
	}

	total := claim.TotalAmount
	if total == 0 {
		total = claim.ItemsTotal()
	}

	resource := map[string]interface{}{
		"resourceType": "Claim",
		"status":       "active",
		"use":          use,
		"type": map[string]interface{}{
			"coding": []map[string]interface{}{{"code": claimType}},
		},
		"patient":   reference("Patient", claim.PatientID),
		"provider":  reference("Organization", organizationID),
		"created":   time.Now().UTC().Format(time.RFC3339),
		"insurance": []map[string]interface{}{insurance},
		"item":      items,
		"total":     map[string]interface{}{"value": total, "currency": currencySAR},
	}

	// Corrected codes arrive through the open attribute set.
	if code, ok := claim.Extra["diagnosisCode"].(string); ok && code != "" {
		resource["diagnosis"] = []map[string]interface{}{{
			"sequence": 1,
			"diagnosisCodeableConcept": map[string]interface{}{
				"coding": []map[string]interface{}{{
					"system": "http://hl7.org/fhir/sid/icd-10",
					"code":   code,
				}},
			},
		}}
	}
	if code, ok := claim.Extra["procedureCode"].(string); ok && code != "" {
		resource["procedure"] = []map[string]interface{}{{
			"sequence": 1,
			"procedureCodeableConcept": map[string]interface{}{
				"coding": []map[string]interface{}{{"code": code}},
			},
		}}
	}

	return resource
}

func wrapBundle(resource map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "message",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"entry": []map[string]interface{}{
			{"resource": resource},
		},
	}
}

func reference(resourceType, id string) map[string]interface{} {
	return map[string]interface{}{"reference": resourceType + "/" + id}
}

func attachments(message map[string]interface{}) []map[string]interface{} {
	raw, ok := message["attachments"].([]interface{})
	if !ok {
		return nil
	}
	var out []map[string]interface{}
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}
