package claims

import (
	"context"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// amountTolerance absorbs float rounding when checking the items total
// against totalAmount.
const amountTolerance = 0.01

// RequestValidator is the built-in validator capability: structural rules
// via struct tags plus the amount-consistency invariant. Deployments with
// an external validation service swap this out at the composition root.
type RequestValidator struct {
	validate *validator.Validate
}

// NewRequestValidator builds the default validator.
func NewRequestValidator() *RequestValidator {
	return &RequestValidator{validate: validator.New()}
}

// Validate checks a claim request. It returns a result rather than an
// error for business rule violations; the error return is reserved for
// internal faults.
func (rv *RequestValidator) Validate(ctx context.Context, req *Request) (*ValidationResult, error) {
	result := &ValidationResult{IsValid: true}

	if req == nil {
		result.IsValid = false
		result.Errors = append(result.Errors, "claim request is required")
		return result, nil
	}

	if err := rv.validate.StructCtx(ctx, req); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return nil, fmt.Errorf("validate claim: %w", err)
		}
		result.IsValid = false
		for _, fe := range verrs {
			result.Errors = append(result.Errors, describeFieldError(fe))
		}
	}

	if len(req.Items) > 0 {
		itemsTotal := req.ItemsTotal()
		if math.Abs(itemsTotal-req.TotalAmount) > amountTolerance {
			result.IsValid = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("totalAmount %.2f does not match items total %.2f", req.TotalAmount, itemsTotal))
		}
	}

	if req.PayerID == "" && req.InsuranceID == "" {
		result.Warnings = append(result.Warnings, "neither payerId nor insuranceId set; routing falls back to defaults")
	}
	if req.ServiceDate == "" {
		result.Warnings = append(result.Warnings, "serviceDate not set")
	}

	return result, nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
