/*
calculator.go - Purchase-to-splits computation

PURPOSE:
  The pure core of the earning model. Given a purchase and the purchaser's
  (up to two) ancestors, produce the ordered split list. No store access,
  no mutation - the Distributor owns applying the result.

RULES:
  1. purchaseAmount below the configured minimum -> not valid for earnings,
     empty chain, zero total. The chain is never walked.
  2. Level 1: the purchaser's direct referrer earns directPct of PROFIT.
  3. Level 2: that referrer's own referrer earns indirectPct of PROFIT.
  4. Nothing beyond level 2, ever.

  Amounts derive from profitAmount, never purchaseAmount, and all math is
  decimal - no binary floating point anywhere near currency.
*/
package engine

// SplitResult is the outcome of ComputeSplits.
type SplitResult struct {
	Splits []Split
	Valid  bool
	Total  Money
}

// ComputeSplits maps a purchase to its referral splits. r1 is the
// purchaser's direct referrer, r2 is r1's referrer; either may be nil.
func ComputeSplits(purchaseAmount, profitAmount Money, r1, r2 *Account, cfg Config) SplitResult {
	if !purchaseAmount.GreaterThanOrEqual(cfg.MinPurchaseAmount) {
		return SplitResult{Valid: false, Total: ZeroMoney()}
	}

	res := SplitResult{Valid: true, Total: ZeroMoney()}

	if r1 == nil {
		return res
	}

	direct := profitAmount.Percent(cfg.DirectEarningPercentage)
	res.Splits = append(res.Splits, Split{
		Beneficiary: r1.ID,
		Level:       LevelDirect,
		Percentage:  cfg.DirectEarningPercentage,
		Amount:      direct,
		IsDirect:    true,
	})
	res.Total = res.Total.Add(direct)

	if r2 != nil {
		indirect := profitAmount.Percent(cfg.IndirectEarningPercentage)
		res.Splits = append(res.Splits, Split{
			Beneficiary: r2.ID,
			Level:       LevelIndirect,
			Percentage:  cfg.IndirectEarningPercentage,
			Amount:      indirect,
			IsDirect:    false,
		})
		res.Total = res.Total.Add(indirect)
	}

	return res
}
