// Package events defines the typed operational event taxonomy and the
// in-process bus that fans events out to local subscribers (live stream,
// tests). Delivery to Teams channels is handled by internal/teams.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed enum of operational events ClaimBridge emits.
type EventType string

const (
	ClaimSubmissionSuccess  EventType = "claim.submission.success"
	ClaimSubmissionPartial  EventType = "claim.submission.partial"
	ClaimSubmissionFailed   EventType = "claim.submission.failed"
	ClaimRejectionReceived  EventType = "claim.rejection.received"
	ResubmissionSucceeded   EventType = "resubmission.succeeded"
	ResubmissionFailed      EventType = "resubmission.failed"
	ResubmissionEscalated   EventType = "resubmission.escalated"
	EligibilityCheckFailed  EventType = "eligibility.check.failed"
	PriorAuthCreated        EventType = "priorauth.created"
	PortalConnectionError   EventType = "portal.connection.error"
	PortalCircuitOpen       EventType = "portal.circuit.open"
	PortalCertFallback      EventType = "portal.cert.fallback"
	VaultSealDetected       EventType = "vault.seal.detected"
	FollowUpBatchAlert      EventType = "followup.batch.alert"
	SystemHealthDegraded    EventType = "system.health.degraded"
)

// knownTypes is the closed set; unknown types still render (via the
// generic card) but are flagged by Known().
var knownTypes = map[EventType]bool{
	ClaimSubmissionSuccess: true,
	ClaimSubmissionPartial: true,
	ClaimSubmissionFailed:  true,
	ClaimRejectionReceived: true,
	ResubmissionSucceeded:  true,
	ResubmissionFailed:     true,
	ResubmissionEscalated:  true,
	EligibilityCheckFailed: true,
	PriorAuthCreated:       true,
	PortalConnectionError:  true,
	PortalCircuitOpen:      true,
	PortalCertFallback:     true,
	VaultSealDetected:      true,
	FollowUpBatchAlert:     true,
	SystemHealthDegraded:   true,
}

// Known reports whether t is part of the closed taxonomy.
func (t EventType) Known() bool { return knownTypes[t] }

// ============================================================================
// PRIORITY
// ============================================================================

// Priority is the notification urgency carried on every event.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityInfo     Priority = "info"
)

// Valid reports whether p is one of the five defined levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityInfo:
		return true
	}
	return false
}

// Color maps the priority to an Adaptive Card container style.
func (p Priority) Color() string {
	switch p {
	case PriorityCritical:
		return "attention"
	case PriorityHigh:
		return "warning"
	case PriorityMedium:
		return "accent"
	case PriorityLow:
		return "good"
	default:
		return "default"
	}
}

// Icon returns the emoji used in card headers and log lines.
func (p Priority) Icon() string {
	switch p {
	case PriorityCritical:
		return "🚨"
	case PriorityHigh:
		return "⚠️"
	case PriorityMedium:
		return "🔶"
	case PriorityLow:
		return "✅"
	default:
		return "ℹ️"
	}
}

// Label returns the icon plus upper-cased level, e.g. "🚨 CRITICAL".
func (p Priority) Label() string {
	return p.Icon() + " " + strings.ToUpper(string(p))
}

// ============================================================================
// STAKEHOLDERS
// ============================================================================

// StakeholderGroup is a named audience for notifications. Groups are
// resolved to Teams channels through configuration.
type StakeholderGroup string

const (
	StakeholderIntegration StakeholderGroup = "integration_team"
	StakeholderPMO         StakeholderGroup = "pmo"
	StakeholderCompliance  StakeholderGroup = "compliance"
	StakeholderFinance     StakeholderGroup = "finance"
	StakeholderSecurity    StakeholderGroup = "security_engineering"
	StakeholderSRE         StakeholderGroup = "sre"
	StakeholderCloudOps    StakeholderGroup = "cloudops"
	StakeholderDevOps      StakeholderGroup = "devops"
	StakeholderOperations  StakeholderGroup = "operations"
)

var friendlyNames = map[StakeholderGroup]string{
	StakeholderIntegration: "Integration Team",
	StakeholderPMO:         "PMO",
	StakeholderCompliance:  "Compliance",
	StakeholderFinance:     "Finance",
	StakeholderSecurity:    "Security Engineering",
	StakeholderSRE:         "SRE",
	StakeholderCloudOps:    "CloudOps",
	StakeholderDevOps:      "DevOps",
	StakeholderOperations:  "Operations",
}

// stakeholderAliases maps human spellings seen in events and worksheets
// to canonical group keys.
var stakeholderAliases = map[string]StakeholderGroup{
	"integration":          StakeholderIntegration,
	"integration team":     StakeholderIntegration,
	"pmo":                  StakeholderPMO,
	"compliance":           StakeholderCompliance,
	"finance":              StakeholderFinance,
	"security":             StakeholderSecurity,
	"security eng.":        StakeholderSecurity,
	"security eng":         StakeholderSecurity,
	"security engineering": StakeholderSecurity,
	"sre":                  StakeholderSRE,
	"cloudops":             StakeholderCloudOps,
	"cloud ops":            StakeholderCloudOps,
	"devops":               StakeholderDevOps,
	"dev ops":              StakeholderDevOps,
	"operations":           StakeholderOperations,
	"ops":                  StakeholderOperations,
}

// ParseStakeholder canonicalizes a stakeholder spelling. Unknown values
// are slugified (lower case, spaces to underscores) so channel lookup
// can still be attempted against configuration.
func ParseStakeholder(s string) StakeholderGroup {
	key := strings.ToLower(strings.TrimSpace(s))
	if g, ok := stakeholderAliases[strings.TrimSuffix(key, ".")]; ok {
		return g
	}
	if g, ok := stakeholderAliases[key]; ok {
		return g
	}
	if _, ok := friendlyNames[StakeholderGroup(key)]; ok {
		return StakeholderGroup(key)
	}
	return StakeholderGroup(strings.ReplaceAll(key, " ", "_"))
}

// FriendlyName returns the display name for a group; unknown groups are
// title-cased from their key.
func (g StakeholderGroup) FriendlyName() string {
	if n, ok := friendlyNames[g]; ok {
		return n
	}
	parts := strings.Split(string(g), "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// FriendlyNames joins the display names of the given groups with commas.
func FriendlyNames(groups []StakeholderGroup) string {
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.FriendlyName())
	}
	return strings.Join(names, ", ")
}

// ============================================================================
// EVENT
// ============================================================================

// Event is the envelope for every operational notification. CorrelationID
// threads a business transaction through submission, audit, and delivery.
type Event struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"eventType"`
	CorrelationID string                 `json:"correlationId"`
	Timestamp     time.Time              `json:"timestamp"`
	Priority      Priority               `json:"priority"`
	Stakeholders  []StakeholderGroup     `json:"stakeholders"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Source        string                 `json:"source,omitempty"`
}

// New builds an event with a fresh id and timestamp. Stakeholder
// spellings are canonicalized and deduplicated, preserving order.
func New(eventType EventType, correlationID string, data map[string]interface{}, stakeholders []string, priority Priority) *Event {
	groups := make([]StakeholderGroup, 0, len(stakeholders))
	seen := make(map[StakeholderGroup]bool, len(stakeholders))
	for _, s := range stakeholders {
		g := ParseStakeholder(s)
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		groups = append(groups, g)
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	if !priority.Valid() {
		priority = PriorityInfo
	}
	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Priority:      priority,
		Stakeholders:  groups,
		Data:          data,
	}
}

// Validate enforces the envelope invariants: a type, a non-empty
// correlation id, and at least one stakeholder.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("event is nil")
	}
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if strings.TrimSpace(e.CorrelationID) == "" {
		return fmt.Errorf("correlationId is required")
	}
	if len(e.Stakeholders) == 0 {
		return fmt.Errorf("at least one stakeholder is required")
	}
	return nil
}

// StakeholderKeys returns the stakeholder groups as plain strings.
func (e *Event) StakeholderKeys() []string {
	keys := make([]string, len(e.Stakeholders))
	for i, g := range e.Stakeholders {
		keys[i] = string(g)
	}
	return keys
}
