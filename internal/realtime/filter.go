package realtime

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudwatch/internal/fraud"
)

// Filter narrows the flags a client receives. The zero Filter matches every
// flag; each non-empty field must match.
type Filter struct {
	UserIDs    []string        `json:"user_ids,omitempty"`
	FraudTypes []string        `json:"fraud_types,omitempty"` // substring of the label, case-insensitive
	MinAmount  decimal.Decimal `json:"min_amount"`
}

// Matches reports whether flag passes the filter.
func (f Filter) Matches(flag *fraud.FlaggedTransaction) bool {
	if len(f.UserIDs) > 0 && !containsExact(f.UserIDs, flag.UserID) {
		return false
	}
	if len(f.FraudTypes) > 0 {
		label := strings.ToLower(flag.FraudType)
		found := false
		for _, ft := range f.FraudTypes {
			if strings.Contains(label, strings.ToLower(ft)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return !f.MinAmount.IsPositive() || !flag.Amount.LessThan(f.MinAmount)
}

func (f Filter) valid() bool {
	return !f.MinAmount.IsNegative()
}

func containsExact(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
