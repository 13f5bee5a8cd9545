// Package compliance evaluates canonical trade signals against a user's
// active rule set, producing severity-graded violations and an allow/block
// decision.
package compliance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"tradegate/internal/cache"
	"tradegate/internal/domain"
	"tradegate/internal/metrics"
	"tradegate/internal/resilience"
	"tradegate/internal/store"
)

// Engine loads account state and rules (cache-first, store-fallback) and
// runs every applicable rule independently. Any internal failure blocks the
// trade rather than letting it through unchecked.
type Engine struct {
	store     store.Store
	cache     *cache.RuleCache
	breaker   *resilience.Breaker
	estimator RiskEstimator
	logger    *zap.Logger

	// now is a test seam for trading-hours evaluation.
	now func() time.Time
}

func NewEngine(st store.Store, c *cache.RuleCache, breaker *resilience.Breaker, estimator RiskEstimator, logger *zap.Logger) *Engine {
	return &Engine{
		store:     st,
		cache:     c,
		breaker:   breaker,
		estimator: estimator,
		logger:    logger,
		now:       time.Now,
	}
}

// Validate evaluates one signal. Violations accumulate across rules;
// AllowTrade flips false if any violation blocks.
func (e *Engine) Validate(ctx context.Context, userID string, signal domain.TradeSignal) domain.ValidationResult {
	hash := SignalHash(userID, signal)
	if cached, ok := e.cache.GetResult(hash); ok {
		metrics.CacheHits.WithLabelValues("result").Inc()
		return cached
	}
	metrics.CacheMisses.WithLabelValues("result").Inc()

	result, err := e.validate(ctx, userID, signal)
	if err != nil {
		e.logger.Error("compliance evaluation failed, blocking trade",
			zap.String("user_id", userID),
			zap.String("symbol", signal.Symbol),
			zap.Error(err),
		)
		return failClosed(err)
	}

	for _, v := range result.Violations {
		metrics.ViolationsDetected.WithLabelValues(string(v.RuleType), string(v.Severity)).Inc()
	}
	if !result.AllowTrade {
		metrics.TradesBlocked.Inc()
	}

	e.cache.SetResult(hash, result)
	return result
}

func (e *Engine) validate(ctx context.Context, userID string, signal domain.TradeSignal) (domain.ValidationResult, error) {
	account, err := e.loadAccount(ctx, userID)
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("load account: %w", err)
	}
	rules, err := e.loadRules(ctx, userID)
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("load rules: %w", err)
	}

	result := domain.ValidationResult{AllowTrade: true}
	for _, rule := range rules {
		violation, err := e.evaluateRule(ctx, rule, account, signal)
		if err != nil {
			return domain.ValidationResult{}, fmt.Errorf("evaluate %s: %w", rule.RuleType(), err)
		}
		if violation == nil {
			continue
		}
		result.IsViolation = true
		result.Violations = append(result.Violations, *violation)
		if violation.ShouldBlock {
			result.AllowTrade = false
		} else {
			result.Warnings = append(result.Warnings, violation.Message)
		}
	}
	return result, nil
}

// evaluateRule returns nil when the rule passes or does not bind the
// account's phase.
func (e *Engine) evaluateRule(ctx context.Context, rule domain.Rule, account domain.Account, signal domain.TradeSignal) (*domain.ComplianceViolation, error) {
	switch r := rule.(type) {
	case domain.DailyLossRule:
		if !r.AppliesTo(account.Phase) {
			return nil, nil
		}
		return e.evaluateDailyLoss(ctx, r, account, signal)
	case domain.MaxDrawdownRule:
		if !r.AppliesTo(account.Phase) {
			return nil, nil
		}
		return evaluateMaxDrawdown(r, account), nil
	case domain.PositionSizeRule:
		if !r.AppliesTo(account.Phase) {
			return nil, nil
		}
		return evaluatePositionSize(r, account, signal), nil
	case domain.MaxContractsRule:
		if !r.AppliesTo(account.Phase) {
			return nil, nil
		}
		return e.evaluateMaxContracts(ctx, r, account, signal)
	case domain.TradingHoursRule:
		if !r.AppliesTo(account.Phase) {
			return nil, nil
		}
		return e.evaluateTradingHours(ctx, r, account)
	default:
		e.logger.Warn("skipping rule with no evaluator", zap.String("rule_type", string(rule.RuleType())))
		return nil, nil
	}
}

func (e *Engine) evaluateDailyLoss(ctx context.Context, rule domain.DailyLossRule, account domain.Account, signal domain.TradeSignal) (*domain.ComplianceViolation, error) {
	if rule.LimitAmount <= 0 {
		return nil, nil
	}

	var pnl float64
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		pnl, err = e.store.DailyRealizedPnL(ctx, account.UserID, e.now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}

	projected := pnl - e.estimator.EstimateImpact(signal)
	if projected >= 0 {
		return nil, nil
	}
	projectedLoss := math.Abs(projected)
	if projectedLoss <= rule.LimitAmount {
		return nil, nil
	}

	ratio := projectedLoss / rule.LimitAmount
	severity := severityForRatio(ratio)
	return &domain.ComplianceViolation{
		RuleType:    domain.RuleDailyLoss,
		Current:     projectedLoss,
		Limit:       rule.LimitAmount,
		Severity:    severity,
		Message:     fmt.Sprintf("projected daily loss $%.2f exceeds limit $%.2f", projectedLoss, rule.LimitAmount),
		ShouldBlock: severity == domain.SeverityMajor || severity == domain.SeverityCritical,
	}, nil
}

func severityForRatio(ratio float64) domain.Severity {
	switch {
	case ratio >= 1.5:
		return domain.SeverityCritical
	case ratio >= 1.2:
		return domain.SeverityMajor
	case ratio >= 1.1:
		return domain.SeverityMinor
	default:
		return domain.SeverityWarning
	}
}

func evaluateMaxDrawdown(rule domain.MaxDrawdownRule, account domain.Account) *domain.ComplianceViolation {
	if rule.LimitPct <= 0 || account.StartingBalance <= 0 {
		return nil
	}
	drawdownPct := (account.StartingBalance - account.CurrentBalance) / account.StartingBalance * 100
	if drawdownPct <= rule.LimitPct {
		return nil
	}
	return &domain.ComplianceViolation{
		RuleType:    domain.RuleMaxDrawdown,
		Current:     drawdownPct,
		Limit:       rule.LimitPct,
		Severity:    domain.SeverityCritical,
		Message:     fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", drawdownPct, rule.LimitPct),
		ShouldBlock: true,
	}
}

func evaluatePositionSize(rule domain.PositionSizeRule, account domain.Account, signal domain.TradeSignal) *domain.ComplianceViolation {
	if rule.LimitPct <= 0 || account.CurrentBalance <= 0 {
		return nil
	}
	sizePct := signal.NotionalValue() / account.CurrentBalance * 100
	if sizePct <= rule.LimitPct {
		return nil
	}
	return &domain.ComplianceViolation{
		RuleType:    domain.RulePositionSize,
		Current:     sizePct,
		Limit:       rule.LimitPct,
		Severity:    domain.SeverityMajor,
		Message:     fmt.Sprintf("position size %.2f%% of balance exceeds limit %.2f%%", sizePct, rule.LimitPct),
		ShouldBlock: true,
	}
}

func (e *Engine) evaluateMaxContracts(ctx context.Context, rule domain.MaxContractsRule, account domain.Account, signal domain.TradeSignal) (*domain.ComplianceViolation, error) {
	if rule.MaxContracts <= 0 {
		return nil, nil
	}

	var open float64
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		open, err = e.store.OpenQuantity(ctx, account.UserID, signal.Symbol)
		return err
	})
	if err != nil {
		return nil, err
	}

	total := open + signal.Quantity
	if total <= rule.MaxContracts {
		return nil, nil
	}
	return &domain.ComplianceViolation{
		RuleType:    domain.RuleMaxContracts,
		Current:     total,
		Limit:       rule.MaxContracts,
		Severity:    domain.SeverityMajor,
		Message:     fmt.Sprintf("%s position of %.0f contracts exceeds limit %.0f", signal.Symbol, total, rule.MaxContracts),
		ShouldBlock: true,
	}, nil
}

func (e *Engine) evaluateTradingHours(ctx context.Context, rule domain.TradingHoursRule, account domain.Account) (*domain.ComplianceViolation, error) {
	start, err := parseClock(rule.Start)
	if err != nil {
		return nil, fmt.Errorf("trading hours start: %w", err)
	}
	end, err := parseClock(rule.End)
	if err != nil {
		return nil, fmt.Errorf("trading hours end: %w", err)
	}

	loc := time.UTC
	if account.FirmID != "" {
		if firm, err := e.loadFirm(ctx, account.FirmID); err == nil && firm.Timezone != "" {
			if parsed, err := time.LoadLocation(firm.Timezone); err == nil {
				loc = parsed
			}
		}
	}

	now := e.now().In(loc)
	minute := now.Hour()*60 + now.Minute()
	inside := false
	if start <= end {
		inside = minute >= start && minute < end
	} else {
		// Window wraps midnight.
		inside = minute >= start || minute < end
	}
	if inside {
		return nil, nil
	}
	return &domain.ComplianceViolation{
		RuleType:    domain.RuleTradingHours,
		Current:     float64(minute),
		Limit:       float64(end),
		Severity:    domain.SeverityMajor,
		Message:     fmt.Sprintf("outside trading window %s-%s", rule.Start, rule.End),
		ShouldBlock: true,
	}, nil
}

func parseClock(raw string) (int, error) {
	t, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (e *Engine) loadAccount(ctx context.Context, userID string) (domain.Account, error) {
	var account domain.Account
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		account, err = e.store.GetAccount(ctx, userID)
		return err
	})
	return account, err
}

func (e *Engine) loadRules(ctx context.Context, userID string) ([]domain.Rule, error) {
	if rules, ok := e.cache.GetRules(userID); ok {
		metrics.CacheHits.WithLabelValues("rules").Inc()
		return rules, nil
	}
	metrics.CacheMisses.WithLabelValues("rules").Inc()

	var rules []domain.Rule
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		rules, err = e.store.ListActiveRules(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.cache.SetRules(userID, rules)
	return rules, nil
}

func (e *Engine) loadFirm(ctx context.Context, firmID string) (domain.Firm, error) {
	if firm, ok := e.cache.GetFirm(firmID); ok {
		metrics.CacheHits.WithLabelValues("firms").Inc()
		return firm, nil
	}
	metrics.CacheMisses.WithLabelValues("firms").Inc()

	var firm domain.Firm
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		firm, err = e.store.GetFirm(ctx, firmID)
		return err
	})
	if err != nil {
		return domain.Firm{}, err
	}
	e.cache.SetFirm(firm)
	return firm, nil
}

// failClosed converts an internal failure into a blocking critical
// violation. Allowing an unvalidated trade is the worse outcome.
func failClosed(err error) domain.ValidationResult {
	return domain.ValidationResult{
		IsViolation: true,
		AllowTrade:  false,
		Violations: []domain.ComplianceViolation{{
			RuleType:    domain.RuleSystem,
			Severity:    domain.SeverityCritical,
			Message:     "compliance check unavailable, trade blocked: " + err.Error(),
			ShouldBlock: true,
		}},
	}
}

// SignalHash fingerprints an evaluated signal for the short-TTL result
// cache.
func SignalHash(userID string, signal domain.TradeSignal) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%g|%g",
		userID, signal.Symbol, signal.Action, signal.Quantity, signal.Price)))
	return hex.EncodeToString(sum[:])
}
