package compliance

import "tradegate/internal/domain"

// RiskEstimator projects the adverse P&L impact of a proposed trade for
// daily-loss evaluation. The estimate is a heuristic, not a true risk
// computation, so it stays pluggable.
type RiskEstimator interface {
	EstimateImpact(signal domain.TradeSignal) float64
}

// FixedFractionEstimator assumes a fixed fraction of notional value is at
// risk. With no price on the signal the estimate is zero.
type FixedFractionEstimator struct {
	Fraction float64
}

func (e FixedFractionEstimator) EstimateImpact(signal domain.TradeSignal) float64 {
	return signal.NotionalValue() * e.Fraction
}
