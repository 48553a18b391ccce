package risk

import "context"

// Gin context keys set by the gate.
const (
	FraudScoreKey        = "fraud_score"
	RiskTierKey          = "risk_tier"
	RecommendedActionKey = "recommended_action"
)

type assessmentKey struct{}

// WithAssessment attaches a to ctx.
func WithAssessment(ctx context.Context, a *Assessment) context.Context {
	if a == nil {
		return ctx
	}
	return context.WithValue(ctx, assessmentKey{}, a)
}

// FromContext returns the assessment attached to ctx, if the request was
// scored.
func FromContext(ctx context.Context) (*Assessment, bool) {
	a, ok := ctx.Value(assessmentKey{}).(*Assessment)
	return a, ok && a != nil
}
