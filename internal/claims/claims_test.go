package claims

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRequest() *Request {
	return &Request{
		PatientID:   "p1",
		MemberID:    "m1",
		InsuranceID: "NPHIES-X",
		ClaimType:   TypeProfessional,
		Items: []Item{
			{Code: "99213", Quantity: 1, UnitPrice: 150.0},
		},
		TotalAmount: 150.0,
	}
}

func TestRequestExtraRoundTrip(t *testing.T) {
	req := sampleRequest()
	req.Extra = map[string]interface{}{
		"diagnosisCode": "J45.909",
		"patient":       map[string]interface{}{"firstName": "Sara"},
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "p1", decoded.PatientID)
	assert.Equal(t, 150.0, decoded.TotalAmount)
	assert.Equal(t, "J45.909", decoded.Extra["diagnosisCode"])
	patient, ok := decoded.Extra["patient"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Sara", patient["firstName"])
}

func TestRequestMapConversion(t *testing.T) {
	req := sampleRequest()
	m, err := req.ToMap()
	require.NoError(t, err)
	assert.Equal(t, "p1", m["patientId"])
	assert.Equal(t, 150.0, m["totalAmount"])

	m["procedureCode"] = "99214"
	back, err := FromMap(m)
	require.NoError(t, err)
	assert.Equal(t, "p1", back.PatientID)
	assert.Equal(t, "99214", back.Extra["procedureCode"])
}

func TestCloneIsIndependent(t *testing.T) {
	req := sampleRequest()
	clone, err := req.Clone()
	require.NoError(t, err)

	clone.TotalAmount = 999
	clone.Items[0].Code = "00000"

	assert.Equal(t, 150.0, req.TotalAmount)
	assert.Equal(t, "99213", req.Items[0].Code)
}

func TestOutcomeKey(t *testing.T) {
	assert.Equal(t, "nphies", (&Outcome{Portal: "nphies"}).Key())
	assert.Equal(t, "oases_A", (&Outcome{Portal: "oases", Branch: "A"}).Key())
}

func TestCompositeOutcomeAggregation(t *testing.T) {
	c := &CompositeOutcome{Stage: StageSubmission}
	c.Add(&Outcome{Portal: "oases", Branch: "A", Success: true})
	c.Add(&Outcome{Portal: "oases", Branch: "B", Success: false, Error: "duplicate claim"})

	assert.True(t, c.AnySuccess())
	assert.False(t, c.AllSuccess())
	assert.Equal(t, 2, len(c.PerPortal))
	assert.True(t, c.PerPortal["oases_A"].Success)
	assert.False(t, c.PerPortal["oases_B"].Success)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("nphies_first")
	require.NoError(t, err)
	assert.Equal(t, StrategyNPHIESFirst, s)

	_, err = ParseStrategy("ROUND_ROBIN")
	assert.Error(t, err)
}

func TestValidatorHappyPath(t *testing.T) {
	v := NewRequestValidator()
	res, err := v.Validate(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Errors)
}

func TestValidatorEmptyItems(t *testing.T) {
	v := NewRequestValidator()
	req := sampleRequest()
	req.Items = nil

	res, err := v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.NotEmpty(t, res.Errors)
}

func TestValidatorAmountMismatch(t *testing.T) {
	v := NewRequestValidator()
	req := sampleRequest()
	req.TotalAmount = 500

	res, err := v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "does not match items total")
}

func TestValidatorBadClaimType(t *testing.T) {
	v := NewRequestValidator()
	req := sampleRequest()
	req.ClaimType = "dental"

	res, err := v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
}
