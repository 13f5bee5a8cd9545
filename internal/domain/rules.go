package domain

type RuleType string

const (
	RuleDailyLoss    RuleType = "daily_loss"
	RuleMaxDrawdown  RuleType = "max_drawdown"
	RulePositionSize RuleType = "position_size"
	RuleMaxContracts RuleType = "max_contracts"
	RuleTradingHours RuleType = "trading_hours"

	// RuleSystem tags the synthetic violation emitted when evaluation
	// itself fails and the trade is blocked.
	RuleSystem RuleType = "system"
)

// Rule is the sum type for account-tier rule definitions. Each variant
// carries only the fields its evaluation needs; the engine switches on the
// concrete type.
type Rule interface {
	RuleType() RuleType
	RulePhase() Phase
}

// RuleMeta is the part shared by every variant.
type RuleMeta struct {
	ID      string
	Enabled bool
	Phase   Phase
}

func (m RuleMeta) RulePhase() Phase { return m.Phase }

// AppliesTo reports whether a rule configured for the given phase binds an
// account currently in phase p. PhaseAny rules bind every phase.
func (m RuleMeta) AppliesTo(p Phase) bool {
	return m.Enabled && (m.Phase == PhaseAny || m.Phase == p)
}

// DailyLossRule caps the projected daily realized loss in account currency.
type DailyLossRule struct {
	RuleMeta
	LimitAmount float64
}

func (DailyLossRule) RuleType() RuleType { return RuleDailyLoss }

// MaxDrawdownRule caps (starting - current) / starting as a percentage.
type MaxDrawdownRule struct {
	RuleMeta
	LimitPct float64
}

func (MaxDrawdownRule) RuleType() RuleType { return RuleMaxDrawdown }

// PositionSizeRule caps one trade's notional value as a percentage of the
// current balance.
type PositionSizeRule struct {
	RuleMeta
	LimitPct float64
}

func (PositionSizeRule) RuleType() RuleType { return RulePositionSize }

// MaxContractsRule caps open quantity plus the proposed quantity per symbol.
type MaxContractsRule struct {
	RuleMeta
	MaxContracts float64
}

func (MaxContractsRule) RuleType() RuleType { return RuleMaxContracts }

// TradingHoursRule restricts trading to a wall-clock window. Start and End
// are "HH:MM" in the firm's timezone.
type TradingHoursRule struct {
	RuleMeta
	Start string
	End   string
}

func (TradingHoursRule) RuleType() RuleType { return RuleTradingHours }
