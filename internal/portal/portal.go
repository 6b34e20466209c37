// Package portal implements the connectors that carry claims to the
// NPHIES gateway and to the legacy payer portals. Connectors are
// polymorphic over a shared capability set; NPHIES adds the extended
// FHIR operations. All outbound traffic runs through the shared
// resilience policies: retry inside circuit breaker, pooled HTTP.
package portal

import (
	"context"
	"errors"

	"github.com/claimbridge/backend/internal/claims"
)

// PortalNPHIES is the reserved portal name for the national gateway.
const PortalNPHIES = "nphies"

// ErrNotAuthenticated is returned by claim operations when the
// connector holds no live token and automatic login is disabled.
var ErrNotAuthenticated = errors.New("portal: not authenticated")

// Connector is the capability set every portal variant provides.
// Business rejections (4xx from the portal) surface as an Outcome with
// Success=false and a nil error; only transport-level failures return
// an error.
type Connector interface {
	Portal() string
	Branch() string

	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	SubmitClaim(ctx context.Context, claim *claims.Request) (*claims.Outcome, error)
	ClaimStatus(ctx context.Context, claimID string) (*claims.Outcome, error)
	HealthCheck(ctx context.Context) error

	// Close releases the connector's HTTP pool.
	Close()
}

// Extended is the NPHIES-only capability set.
type Extended interface {
	Connector

	CheckEligibility(ctx context.Context, claim *claims.Request) (*claims.Outcome, error)
	CreatePriorAuthorization(ctx context.Context, claim *claims.Request) (*claims.Outcome, error)
	SendCommunication(ctx context.Context, claimID string, message map[string]interface{}) (*claims.Outcome, error)
	PollStatus(ctx context.Context, bundleID string) (*claims.Outcome, error)
}
