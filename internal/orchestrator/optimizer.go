package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/claimbridge/backend/internal/claims"
)

// BasicOptimizer is the built-in optimizer capability: conservative
// normalizations that raise acceptance rates without changing what is
// billed. Deployments with a coding-optimization service swap this out
// at the composition root.
type BasicOptimizer struct{}

func NewBasicOptimizer() *BasicOptimizer { return &BasicOptimizer{} }

// Optimize returns a normalized copy of the claim when anything needed
// fixing, with a note per adjustment.
func (BasicOptimizer) Optimize(_ context.Context, claim *claims.Request) (*claims.OptimizationResult, error) {
	result := &claims.OptimizationResult{}
	work, err := claim.Clone()
	if err != nil {
		return nil, err
	}

	if trimmed := strings.TrimSpace(work.PatientID); trimmed != work.PatientID {
		work.PatientID = trimmed
		result.Notes = append(result.Notes, "patientId trimmed")
	}
	if trimmed := strings.TrimSpace(work.MemberID); trimmed != work.MemberID {
		work.MemberID = trimmed
		result.Notes = append(result.Notes, "memberId trimmed")
	}

	if normalized := strings.ToLower(strings.TrimSpace(work.ClaimType)); normalized != work.ClaimType {
		work.ClaimType = normalized
		result.Notes = append(result.Notes, "claimType normalized to "+normalized)
	}

	if work.TotalAmount == 0 && len(work.Items) > 0 {
		work.TotalAmount = work.ItemsTotal()
		result.Notes = append(result.Notes, fmt.Sprintf("totalAmount filled from items: %.2f", work.TotalAmount))
	}

	for i, item := range work.Items {
		if upper := strings.ToUpper(strings.TrimSpace(item.Code)); upper != item.Code {
			work.Items[i].Code = upper
			result.Notes = append(result.Notes, fmt.Sprintf("item %d code normalized to %s", i+1, upper))
		}
	}

	if len(result.Notes) > 0 {
		result.Applied = true
		result.Claim = work
	}
	return result, nil
}
