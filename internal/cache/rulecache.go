package cache

import (
	"time"

	"tradegate/internal/domain"
)

// Options sizes the three tiers. Zero values fall back to defaults suited
// to a single-process deployment.
type Options struct {
	RuleTTL   time.Duration
	FirmTTL   time.Duration
	ResultTTL time.Duration
	Capacity  int
}

// RuleCache bundles the three cache tiers the compliance path reads:
// per-user rule sets (medium TTL), firm metadata (long TTL), and computed
// validation results keyed by signal hash (short TTL).
type RuleCache struct {
	rules   *Tier[[]domain.Rule]
	firms   *Tier[domain.Firm]
	results *Tier[domain.ValidationResult]

	sweepStop chan struct{}
}

func NewRuleCache(opts Options) *RuleCache {
	if opts.RuleTTL <= 0 {
		opts.RuleTTL = 5 * time.Minute
	}
	if opts.FirmTTL <= 0 {
		opts.FirmTTL = time.Hour
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 10 * time.Second
	}
	return &RuleCache{
		rules:     NewTier[[]domain.Rule](opts.Capacity, opts.RuleTTL),
		firms:     NewTier[domain.Firm](opts.Capacity, opts.FirmTTL),
		results:   NewTier[domain.ValidationResult](opts.Capacity, opts.ResultTTL),
		sweepStop: make(chan struct{}),
	}
}

func (c *RuleCache) GetRules(userID string) ([]domain.Rule, bool) { return c.rules.Get(userID) }
func (c *RuleCache) SetRules(userID string, rules []domain.Rule)  { c.rules.Set(userID, rules) }

// InvalidateRules drops a user's cached rule set, called when rules are
// edited through account configuration.
func (c *RuleCache) InvalidateRules(userID string) { c.rules.Invalidate(userID) }

func (c *RuleCache) GetFirm(firmID string) (domain.Firm, bool) { return c.firms.Get(firmID) }
func (c *RuleCache) SetFirm(firm domain.Firm)                  { c.firms.Set(firm.ID, firm) }

func (c *RuleCache) GetResult(signalHash string) (domain.ValidationResult, bool) {
	return c.results.Get(signalHash)
}

func (c *RuleCache) SetResult(signalHash string, r domain.ValidationResult) {
	c.results.Set(signalHash, r)
}

// StartSweeper runs a background expiry sweep across all tiers every
// interval until Stop is called.
func (c *RuleCache) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.rules.Sweep()
				c.firms.Sweep()
				c.results.Sweep()
			case <-c.sweepStop:
				return
			}
		}
	}()
}

func (c *RuleCache) Stop() {
	close(c.sweepStop)
}
