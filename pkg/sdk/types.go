package sdk

import (
	"fmt"
	"time"
)

// Claim is a claim submission as the API accepts it. Field names match
// the wire format; hospital systems typically populate these straight
// from their HIS export.
type Claim struct {
	PatientID    string      `json:"patientId"`
	MemberID     string      `json:"memberId"`
	PayerID      string      `json:"payerId,omitempty"`
	ServiceDate  string      `json:"serviceDate,omitempty"`
	Items        []ClaimItem `json:"items"`
	ClaimType    string      `json:"claimType,omitempty"`
	TotalAmount  float64     `json:"totalAmount"`
	InsuranceID  string      `json:"insuranceId,omitempty"`
	PriorAuthRef string      `json:"priorAuthRef,omitempty"`
}

// ClaimItem is one service line.
type ClaimItem struct {
	Code        string  `json:"code"`
	Description string  `json:"description,omitempty"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
}

// Submission strategies accepted by SubmitClaim. Empty uses the
// server-side default.
const (
	StrategyNPHIESOnly  = "NPHIES_ONLY"
	StrategyLegacyOnly  = "LEGACY_ONLY"
	StrategyNPHIESFirst = "NPHIES_FIRST"
	StrategyAllPortals  = "ALL_PORTALS"
	StrategySmartRoute  = "SMART_ROUTE"
	StrategyAllRequired = "ALL_REQUIRED"
)

// PortalOutcome is the result of one portal attempt.
type PortalOutcome struct {
	Portal  string                 `json:"portal"`
	Branch  string                 `json:"branch,omitempty"`
	Success bool                   `json:"success"`
	ClaimID string                 `json:"claimId,omitempty"`
	Status  string                 `json:"status,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Raw     map[string]interface{} `json:"raw,omitempty"`
}

// ValidationResult reports pre-submission validation.
type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// SubmitResult aggregates the per-portal outcomes of one submission.
// Success false with Stage "validation" means the claim never left the
// platform; fix the listed validation errors and submit again.
type SubmitResult struct {
	Success      bool                      `json:"success"`
	Stage        string                    `json:"stage"`
	Strategy     string                    `json:"strategy,omitempty"`
	PerPortal    map[string]*PortalOutcome `json:"perPortal,omitempty"`
	NPHIESResult *PortalOutcome            `json:"nphies_result,omitempty"`
	Validation   *ValidationResult         `json:"validation,omitempty"`
	Error        string                    `json:"error,omitempty"`
}

// ResubmissionAttempt is one recorded correction-and-retry cycle.
type ResubmissionAttempt struct {
	ID              string        `json:"id"`
	ClaimID         string        `json:"claimId"`
	AttemptNumber   int           `json:"attemptNumber"`
	RejectionCode   string        `json:"rejectionCode"`
	Status          string        `json:"status"`
	Correction      string        `json:"correction,omitempty"`
	RecoveredAmount float64       `json:"recoveredAmount"`
	Outcome         *SubmitResult `json:"outcome,omitempty"`
	SubmittedAt     time.Time     `json:"submittedAt"`
}

// Resubmission attempt statuses.
const (
	AttemptAccepted = "accepted"
	AttemptFailed   = "failed"
	AttemptPending  = "pending"
)

// NotifyResult reports a manual notification push.
type NotifyResult struct {
	CorrelationID string `json:"correlationId"`
	Delivered     bool   `json:"delivered"`
}

// APIError is a non-2xx response from the platform.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("claimbridge: %d %s", e.StatusCode, e.Message)
}
