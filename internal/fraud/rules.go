package fraud

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Default rule parameters.
const (
	DefaultFrequencyWindow = time.Minute
	DefaultMaxTransactions = 5
	DefaultLocationWindow  = 2 * time.Minute
)

// DefaultDailyLimit is the per-user daily spend above which a transaction is flagged.
var DefaultDailyLimit = decimal.NewFromInt(10000)

// RuleConfig holds the tunable parameters of the built-in rules.
type RuleConfig struct {
	FrequencyWindow time.Duration
	MaxTransactions int
	DailyLimit      decimal.Decimal
	LocationWindow  time.Duration
}

// DefaultRuleConfig returns the standard thresholds.
func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		FrequencyWindow: DefaultFrequencyWindow,
		MaxTransactions: DefaultMaxTransactions,
		DailyLimit:      DefaultDailyLimit,
		LocationWindow:  DefaultLocationWindow,
	}
}

// EvalContext carries what the rules need for one transaction.
type EvalContext struct {
	Transaction *Transaction
	WindowCount int             // Observe result, includes the current transaction
	DailyTotal  decimal.Decimal // AccumulateDaily result
	Store       Store
}

// Rule is a single behavioral check. Evaluate returns the fraud label when the
// rule fires and "" otherwise.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, ec *EvalContext) (string, error)
}

// DefaultRules returns the built-in rules in evaluation order.
func DefaultRules(cfg RuleConfig) []Rule {
	return []Rule{
		&FrequencyRule{Max: cfg.MaxTransactions},
		&AmountRule{Limit: cfg.DailyLimit},
		&LocationRule{Window: cfg.LocationWindow},
	}
}

// ---------------------------------------------------------------------------
// FrequencyRule: more than Max transactions inside the frequency window
// ---------------------------------------------------------------------------

type FrequencyRule struct {
	Max int
}

func (r *FrequencyRule) Name() string { return "high_frequency" }

func (r *FrequencyRule) Evaluate(_ context.Context, ec *EvalContext) (string, error) {
	if ec.WindowCount > r.Max {
		return LabelHighFrequency, nil
	}
	return "", nil
}

// ---------------------------------------------------------------------------
// AmountRule: running daily total above Limit
// ---------------------------------------------------------------------------

type AmountRule struct {
	Limit decimal.Decimal
}

func (r *AmountRule) Name() string { return "high_amount" }

func (r *AmountRule) Evaluate(_ context.Context, ec *EvalContext) (string, error) {
	if ec.DailyTotal.GreaterThan(r.Limit) {
		return LabelHighAmount, nil
	}
	return "", nil
}

// ---------------------------------------------------------------------------
// LocationRule: a new location shows up within Window of earlier transactions
// ---------------------------------------------------------------------------

// LocationRule reads location history from the store so the check survives a
// process restart inside the window.
type LocationRule struct {
	Window time.Duration
}

func (r *LocationRule) Name() string { return "rapid_location" }

func (r *LocationRule) Evaluate(ctx context.Context, ec *EvalContext) (string, error) {
	tx := ec.Transaction
	recent, err := ec.Store.ListUserTransactions(ctx, tx.UserID, tx.Timestamp.Add(-r.Window), tx.Timestamp)
	if err != nil {
		return "", storeErr("list recent transactions", err)
	}

	seen := make(map[string]struct{}, len(recent))
	for _, prior := range recent {
		if prior.TransactionID == tx.TransactionID {
			continue
		}
		seen[prior.Location] = struct{}{}
	}
	if len(seen) == 0 {
		return "", nil
	}
	if _, ok := seen[tx.Location]; ok {
		return "", nil
	}
	return LabelRapidLocation, nil
}
