/*
config.go - Engine-wide earning configuration

PURPOSE:
  The four knobs of the earning model. These are engine-wide, never
  per-transaction: changing a percentage affects future purchases only,
  already-recorded splits keep the percentage they were computed with.
*/
package engine

import "github.com/shopspring/decimal"

// Config holds the engine-wide referral/earning parameters.
type Config struct {
	// MaxDirectReferrals bounds the fan-out of every account.
	MaxDirectReferrals int

	// DirectEarningPercentage is the level-1 share of profit, in percent.
	DirectEarningPercentage decimal.Decimal

	// IndirectEarningPercentage is the level-2 share of profit, in percent.
	IndirectEarningPercentage decimal.Decimal

	// MinPurchaseAmount gates earning validity: purchases below it complete
	// with no splits.
	MinPurchaseAmount Money
}

// DefaultConfig returns the stock parameters: fan-out 8, 5% direct,
// 1% indirect, 1000-unit threshold.
func DefaultConfig() Config {
	return Config{
		MaxDirectReferrals:        8,
		DirectEarningPercentage:   decimal.NewFromInt(5),
		IndirectEarningPercentage: decimal.NewFromInt(1),
		MinPurchaseAmount:         NewMoney(1000),
	}
}

// Validate rejects configs that would corrupt the earning model.
func (c Config) Validate() error {
	if c.MaxDirectReferrals < 1 {
		return &ValidationError{Field: "maxDirectReferrals", Message: "must be at least 1"}
	}
	if c.DirectEarningPercentage.IsNegative() || c.IndirectEarningPercentage.IsNegative() {
		return &ValidationError{Field: "earningPercentage", Message: "must not be negative"}
	}
	if c.MinPurchaseAmount.IsNegative() {
		return &ValidationError{Field: "minPurchaseAmount", Message: "must not be negative"}
	}
	return nil
}
