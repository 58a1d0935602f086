/*
report.go - Read-only rollups over the two stores

PURPOSE:
  Answers "how much did X earn, from whom, and when" without taking any
  write locks. Every query here tolerates concurrent writers: reads are
  point-in-time snapshots of whatever the stores return, which is exactly
  the consistency the account counters and the ledger already guarantee.

QUERIES:
  UserEarningsReport - per-account totals with per-transaction and
                       per-month breakdowns
  ReferralStats      - referral lists plus earnings aggregated by level
  SystemAnalytics    - engine-wide counters, recent activity, top earners
  Leaderboard        - active accounts by total earnings

Earnings aggregate only splits that actually landed: completed
transactions, skipped splits excluded.
*/
package engine

import (
	"context"
	"sort"
	"time"
)

// =============================================================================
// REPORTER
// =============================================================================

type Reporter struct {
	store Store
}

func NewReporter(store Store) *Reporter {
	return &Reporter{store: store}
}

// =============================================================================
// USER EARNINGS REPORT
// =============================================================================

// EarningRow is one transaction's contribution to an account's earnings.
type EarningRow struct {
	TransactionID  TransactionID `json:"transactionId"`
	PurchaseAmount Money         `json:"purchaseAmount"`
	ProfitAmount   Money         `json:"profitAmount"`
	Amount         Money         `json:"amount"`
	Percentage     string        `json:"percentage"`
	Level          ReferralLevel `json:"level"`
	IsDirect       bool          `json:"isDirect"`
	Purchaser      AccountID     `json:"purchaser"`
	Date           time.Time     `json:"date"`
}

// MonthlyEarnings is the per-month rollup, keyed YYYY-MM.
type MonthlyEarnings struct {
	Month            string `json:"month"`
	TotalEarnings    Money  `json:"totalEarnings"`
	DirectEarnings   Money  `json:"directEarnings"`
	IndirectEarnings Money  `json:"indirectEarnings"`
	Transactions     int    `json:"transactions"`
}

type EarningsReport struct {
	Account          PublicView        `json:"account"`
	TotalEarnings    Money             `json:"totalEarnings"`
	DirectEarnings   Money             `json:"directEarnings"`
	IndirectEarnings Money             `json:"indirectEarnings"`
	TransactionCount int               `json:"transactionCount"`
	Breakdown        []EarningRow      `json:"breakdown"`
	Monthly          []MonthlyEarnings `json:"monthly"`
}

// UserEarningsReport scans the ledger for entries whose referral chain
// contains the account, optionally bounded to [from, to].
func (r *Reporter) UserEarningsReport(ctx context.Context, id AccountID, from, to *time.Time) (*EarningsReport, error) {
	account, err := r.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	txs, err := r.store.ListByBeneficiary(ctx, id, from, to)
	if err != nil {
		return nil, err
	}

	report := &EarningsReport{
		Account:          account.Public(),
		TotalEarnings:    ZeroMoney(),
		DirectEarnings:   ZeroMoney(),
		IndirectEarnings: ZeroMoney(),
		Breakdown:        []EarningRow{},
	}
	months := map[string]*MonthlyEarnings{}

	for _, t := range txs {
		sp, ok := creditedSplit(t, id)
		if !ok {
			continue
		}

		report.TotalEarnings = report.TotalEarnings.Add(sp.Amount)
		report.TransactionCount++
		if sp.IsDirect {
			report.DirectEarnings = report.DirectEarnings.Add(sp.Amount)
		} else {
			report.IndirectEarnings = report.IndirectEarnings.Add(sp.Amount)
		}

		report.Breakdown = append(report.Breakdown, EarningRow{
			TransactionID:  t.ID,
			PurchaseAmount: t.PurchaseAmount,
			ProfitAmount:   t.ProfitAmount,
			Amount:         sp.Amount,
			Percentage:     sp.Percentage.String(),
			Level:          sp.Level,
			IsDirect:       sp.IsDirect,
			Purchaser:      t.Purchaser,
			Date:           t.CreatedAt,
		})

		month := t.CreatedAt.Format("2006-01")
		m, ok := months[month]
		if !ok {
			m = &MonthlyEarnings{
				Month:            month,
				TotalEarnings:    ZeroMoney(),
				DirectEarnings:   ZeroMoney(),
				IndirectEarnings: ZeroMoney(),
			}
			months[month] = m
		}
		m.TotalEarnings = m.TotalEarnings.Add(sp.Amount)
		m.Transactions++
		if sp.IsDirect {
			m.DirectEarnings = m.DirectEarnings.Add(sp.Amount)
		} else {
			m.IndirectEarnings = m.IndirectEarnings.Add(sp.Amount)
		}
	}

	report.Monthly = make([]MonthlyEarnings, 0, len(months))
	for _, m := range months {
		report.Monthly = append(report.Monthly, *m)
	}
	sort.Slice(report.Monthly, func(i, j int) bool {
		return report.Monthly[i].Month < report.Monthly[j].Month
	})

	return report, nil
}

// creditedSplit returns the account's split in t when it actually landed.
func creditedSplit(t *Transaction, id AccountID) (Split, bool) {
	if t.Status != StatusCompleted {
		return Split{}, false
	}
	sp, ok := t.SplitFor(id)
	if !ok || sp.Skipped {
		return Split{}, false
	}
	return sp, true
}

// =============================================================================
// REFERRAL STATS
// =============================================================================

type ReferralStats struct {
	Account           PublicView   `json:"account"`
	MaxReferrals      int          `json:"maxReferrals"`
	DirectReferrals   []TreeMember `json:"directReferrals"`
	IndirectReferrals []TreeMember `json:"indirectReferrals"`
	DirectEarnings    Money        `json:"directEarnings"`
	IndirectEarnings  Money        `json:"indirectEarnings"`
	TotalEarnings     Money        `json:"totalEarnings"`
}

// ReferralStats aggregates an account's referral lists with its earnings
// split by level, recomputed from the ledger rather than trusted from the
// balance counters - the two must agree, and reports read the audit trail.
func (r *Reporter) ReferralStats(ctx context.Context, id AccountID, maxReferrals int) (*ReferralStats, error) {
	account, err := r.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	direct, err := r.store.ListDirectReferrals(ctx, id)
	if err != nil {
		return nil, err
	}
	indirect, err := r.store.ListIndirectReferrals(ctx, id)
	if err != nil {
		return nil, err
	}

	stats := &ReferralStats{
		Account:           account.Public(),
		MaxReferrals:      maxReferrals,
		DirectReferrals:   []TreeMember{},
		IndirectReferrals: []TreeMember{},
		DirectEarnings:    ZeroMoney(),
		IndirectEarnings:  ZeroMoney(),
		TotalEarnings:     ZeroMoney(),
	}
	for _, a := range direct {
		stats.DirectReferrals = append(stats.DirectReferrals, treeMember(a, 1))
	}
	for _, a := range indirect {
		stats.IndirectReferrals = append(stats.IndirectReferrals, treeMember(a, 2))
	}

	txs, err := r.store.ListByBeneficiary(ctx, id, nil, nil)
	if err != nil {
		return nil, err
	}
	for _, t := range txs {
		sp, ok := creditedSplit(t, id)
		if !ok {
			continue
		}
		stats.TotalEarnings = stats.TotalEarnings.Add(sp.Amount)
		if sp.IsDirect {
			stats.DirectEarnings = stats.DirectEarnings.Add(sp.Amount)
		} else {
			stats.IndirectEarnings = stats.IndirectEarnings.Add(sp.Amount)
		}
	}

	return stats, nil
}

// =============================================================================
// SYSTEM ANALYTICS
// =============================================================================

type TransactionSummary struct {
	ID             TransactionID `json:"id"`
	Purchaser      AccountID     `json:"purchaser"`
	PurchaseAmount Money         `json:"purchaseAmount"`
	Distributed    Money         `json:"distributed"`
	CreatedAt      time.Time     `json:"createdAt"`
}

type SystemAnalytics struct {
	TotalUsers               int                  `json:"totalUsers"`
	ActiveUsers              int                  `json:"activeUsers"`
	TotalEarningsDistributed Money                `json:"totalEarningsDistributed"`
	RecentTransactions       []TransactionSummary `json:"recentTransactions"`
	TopEarners               []LeaderboardEntry   `json:"topEarners"`
}

const analyticsLimit = 10

func (r *Reporter) SystemAnalytics(ctx context.Context) (*SystemAnalytics, error) {
	total, active, err := r.store.CountAccounts(ctx)
	if err != nil {
		return nil, err
	}

	distributed, err := r.store.TotalDistributed(ctx)
	if err != nil {
		return nil, err
	}

	recent, err := r.store.RecentCompleted(ctx, analyticsLimit)
	if err != nil {
		return nil, err
	}

	top, err := r.Leaderboard(ctx, analyticsLimit)
	if err != nil {
		return nil, err
	}

	analytics := &SystemAnalytics{
		TotalUsers:               total,
		ActiveUsers:              active,
		TotalEarningsDistributed: distributed,
		RecentTransactions:       []TransactionSummary{},
		TopEarners:               top,
	}
	for _, t := range recent {
		analytics.RecentTransactions = append(analytics.RecentTransactions, TransactionSummary{
			ID:             t.ID,
			Purchaser:      t.Purchaser,
			PurchaseAmount: t.PurchaseAmount,
			Distributed:    t.TotalEarningsDistributed,
			CreatedAt:      t.CreatedAt,
		})
	}

	return analytics, nil
}

// =============================================================================
// LEADERBOARD
// =============================================================================

type LeaderboardEntry struct {
	Rank             int        `json:"rank"`
	Account          PublicView `json:"account"`
	TotalEarnings    Money      `json:"totalEarnings"`
	DirectEarnings   Money      `json:"directEarnings"`
	IndirectEarnings Money      `json:"indirectEarnings"`
}

// Leaderboard returns active accounts ordered by total earnings.
func (r *Reporter) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = analyticsLimit
	}
	accounts, err := r.store.TopEarners(ctx, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]LeaderboardEntry, 0, len(accounts))
	for i, a := range accounts {
		entries = append(entries, LeaderboardEntry{
			Rank:             i + 1,
			Account:          a.Public(),
			TotalEarnings:    a.TotalEarnings,
			DirectEarnings:   a.DirectEarnings,
			IndirectEarnings: a.IndirectEarnings,
		})
	}
	return entries, nil
}
