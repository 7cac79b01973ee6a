package usecase

import "context"

// ImpactSummary aggregates service-wide issuance totals for dashboards.
type ImpactSummary struct {
	TotalSubmissions    int64   `json:"total_submissions"`
	VerifiedSubmissions int64   `json:"verified_submissions"`
	FallbackSubmissions int64   `json:"fallback_submissions"`
	VerifiedRate        float64 `json:"verified_rate"`
	TotalCreditsEarned  int64   `json:"total_credits_earned"`
	TotalCO2Prevented   float64 `json:"total_co2_prevented_kg"`
}

// GetImpactSummary aggregates issuance totals from persisted submissions.
func (p *VerificationPipeline) GetImpactSummary(ctx context.Context) (*ImpactSummary, error) {
	aggregation, err := p.store.AggregateImpact(ctx)
	if err != nil {
		return nil, err
	}

	summary := &ImpactSummary{
		TotalSubmissions:    aggregation.TotalSubmissions,
		VerifiedSubmissions: aggregation.VerifiedCount,
		FallbackSubmissions: aggregation.FallbackCount,
		TotalCreditsEarned:  aggregation.TotalCredits,
		TotalCO2Prevented:   aggregation.TotalCO2,
	}

	if aggregation.TotalSubmissions > 0 {
		summary.VerifiedRate = float64(aggregation.VerifiedCount) / float64(aggregation.TotalSubmissions)
	}

	return summary, nil
}
