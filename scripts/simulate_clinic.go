// simulate_clinic walks one claim through a local ClaimBridge the way
// a clinic integration would: eligibility first, then submission, then
// recovery if the payer rejects. Run a server on :8080 and
// `go run scripts/simulate_clinic.go -key <api-key>`.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/claimbridge/backend/pkg/sdk"
)

func main() {
	target := flag.String("target", "http://localhost:8080", "ClaimBridge base URL")
	apiKey := flag.String("key", "", "API key (X-API-Key)")
	flag.Parse()

	client := sdk.NewClient(sdk.Config{BaseURL: *target, APIKey: *apiKey})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	claim := &sdk.Claim{
		PatientID:   "PAT-DEMO-01",
		MemberID:    "MBR-445566",
		PayerID:     "PAYER-BUPA",
		InsuranceID: "BUPA-CORP-1",
		ServiceDate: time.Now().AddDate(0, 0, -3).Format("2006-01-02"),
		ClaimType:   "professional",
		TotalAmount: 450,
		Items: []sdk.ClaimItem{
			{Code: "83036", Description: "HbA1c", Quantity: 1, UnitPrice: 150},
			{Code: "99213", Description: "Office visit", Quantity: 2, UnitPrice: 150},
		},
	}

	fmt.Println("🏥 Clinic integration walkthrough")
	fmt.Printf("📡 Target: %s\n\n", *target)

	fmt.Println("1️⃣  Checking member eligibility...")
	elig, err := client.CheckEligibility(ctx, claim)
	if err != nil {
		log.Fatalf("❌ Eligibility check failed: %v", err)
	}
	fmt.Printf("   ✅ Eligibility response via %s: %s\n\n", elig.Portal, elig.Status)

	fmt.Println("2️⃣  Submitting the claim...")
	result, err := client.SubmitClaim(ctx, claim, "", nil)
	if err != nil {
		log.Fatalf("❌ Submission failed before reaching a portal: %v", err)
	}

	if result.Success {
		id := ""
		if result.NPHIESResult != nil {
			id = result.NPHIESResult.ClaimID
		}
		fmt.Printf("   ✅ Accepted (strategy %s, claim id %s)\n\n", result.Strategy, id)

		fmt.Println("3️⃣  Polling claim status...")
		status, err := client.ClaimStatus(ctx, "nphies", id, "")
		if err != nil {
			log.Fatalf("❌ Status poll failed: %v", err)
		}
		fmt.Printf("   ✅ Status: %s\n", status.Status)
		return
	}

	if result.Stage == "validation" {
		fmt.Println("   ❌ Claim failed local validation:")
		if result.Validation != nil {
			for _, e := range result.Validation.Errors {
				fmt.Printf("      - %s\n", e)
			}
		}
		return
	}

	fmt.Printf("   ⚠️ Rejected by the portal(s): %s\n\n", result.Error)

	fmt.Println("3️⃣  Attempting automatic recovery (PA03, invalid authorization)...")
	attempt, err := client.Resubmit(ctx, "CLM-DEMO-01", "PA03", nil, claim, claim.TotalAmount)
	if err != nil {
		log.Fatalf("❌ Resubmission failed: %v", err)
	}
	fmt.Printf("   Attempt %d: %s", attempt.AttemptNumber, attempt.Status)
	if attempt.Correction != "" {
		fmt.Printf(" (%s)", attempt.Correction)
	}
	fmt.Println()
	if attempt.Status == sdk.AttemptAccepted {
		fmt.Printf("   ✅ Recovered %.2f SAR\n", attempt.RecoveredAmount)
	} else {
		fmt.Println("   ⏳ Escalated to the integration team for manual review")
	}
}
