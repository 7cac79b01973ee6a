package classifier

import "math"

// Classification is the structured verdict about one cookstove image. It is
// produced either by Extract (from model output) or by Fallback, never both
// for the same attempt.
type Classification struct {
	Detected      bool
	CookstoveType string
	Confidence    int
	InUse         bool
}

// CreditResult is the priced outcome derived from a Classification. It is
// immutable once computed.
type CreditResult struct {
	CO2Prevented  float64
	CreditsEarned int
	Verified      bool
}

// CO2Factors maps a cookstove type to kg of CO2 prevented per day. The
// values are fixed policy constants for the Pakistan deployment; this table
// is the single place they live.
var CO2Factors = map[string]float64{
	"improved biomass": 2.3,
	"LPG":              1.5,
	"electric":         0.8,
	"traditional":      0.5,
}

// DefaultCO2Factor prices cookstove types outside the known vocabulary.
// The external classifier's wording cannot be fully controlled, so unknown
// types price at the LPG baseline rather than erroring.
const DefaultCO2Factor = 1.5

// Calculator converts classifications into credit results. It performs no
// I/O and is safe for concurrent use.
type Calculator struct {
	VerifyThreshold  int
	CreditMultiplier float64
}

// NewCalculator builds a Calculator with the given policy constants.
func NewCalculator(verifyThreshold int, creditMultiplier float64) Calculator {
	return Calculator{VerifyThreshold: verifyThreshold, CreditMultiplier: creditMultiplier}
}

// Compute prices a classification. Total over all inputs.
func (c Calculator) Compute(cl Classification) CreditResult {
	factor, ok := CO2Factors[cl.CookstoveType]
	if !ok {
		factor = DefaultCO2Factor
	}
	return CreditResult{
		CO2Prevented:  factor,
		CreditsEarned: int(math.Round(factor * c.CreditMultiplier)),
		Verified:      cl.Detected && cl.Confidence >= c.VerifyThreshold,
	}
}

// Fallback returns the fixed classification substituted whenever the
// external service cannot produce a trusted result. Deterministic: every
// call returns the same value. Records built from it must carry the
// fallback flag so downstream consumers can tell assumed from trusted.
func Fallback() Classification {
	return Classification{
		Detected:      true,
		CookstoveType: "improved biomass",
		Confidence:    88,
		InUse:         true,
	}
}
