package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refnet/referral-engine/engine"
	"github.com/refnet/referral-engine/engine/store"
)

// reportFixture registers A -> B -> C and runs two qualifying purchases by C
// plus one below-threshold one, using a fixed clock so the monthly rollup is
// deterministic.
func reportFixture(t *testing.T) (*store.TxMemory, *engine.Reporter, *engine.Account, *engine.Account, *engine.Account) {
	t.Helper()
	ctx := context.Background()

	s := store.NewTxMemory()
	cfg := engine.DefaultConfig()
	g := engine.NewGraph(s, cfg, nil, nil)

	a, err := g.Register(ctx, newAccountData(1), "")
	require.NoError(t, err)
	b, err := g.Register(ctx, newAccountData(2), a.ReferralCode)
	require.NoError(t, err)
	c, err := g.Register(ctx, newAccountData(3), b.ReferralCode)
	require.NoError(t, err)

	clock := fixedClock{at: time.Date(2026, time.April, 5, 9, 0, 0, 0, time.UTC)}
	d := engine.NewDistributor(s, cfg, nil, clock)

	for _, amounts := range [][2]int64{{2000, 300}, {4000, 600}, {500, 100}} {
		_, err := d.ProcessPurchase(ctx, engine.PurchaseInput{
			Purchaser:      c.ID,
			PurchaseAmount: engine.NewMoney(amounts[0]),
			ProfitAmount:   engine.NewMoney(amounts[1]),
		})
		require.NoError(t, err)
	}

	return s, engine.NewReporter(s), a, b, c
}

func TestUserEarningsReport(t *testing.T) {
	// GIVEN: C bought for 2000/300 and 4000/600 (plus one below-threshold)
	// WHEN: B's report is built
	// THEN: two direct rows (15 + 30), one monthly bucket, totals 45

	ctx := context.Background()
	_, r, a, b, _ := reportFixture(t)

	rep, err := r.UserEarningsReport(ctx, b.ID, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, b.ID, rep.Account.ID)
	assert.Equal(t, 2, rep.TransactionCount)
	assert.True(t, rep.TotalEarnings.Equal(engine.NewMoney(45)), "got %s", rep.TotalEarnings)
	assert.True(t, rep.DirectEarnings.Equal(engine.NewMoney(45)))
	assert.True(t, rep.IndirectEarnings.IsZero())
	require.Len(t, rep.Breakdown, 2)
	for _, row := range rep.Breakdown {
		assert.True(t, row.IsDirect)
		assert.Equal(t, engine.LevelDirect, row.Level)
	}

	require.Len(t, rep.Monthly, 1)
	assert.Equal(t, "2026-04", rep.Monthly[0].Month)
	assert.Equal(t, 2, rep.Monthly[0].Transactions)
	assert.True(t, rep.Monthly[0].TotalEarnings.Equal(engine.NewMoney(45)))

	// A sits one level further up: same transactions, indirect amounts.
	repA, err := r.UserEarningsReport(ctx, a.ID, nil, nil)
	require.NoError(t, err)
	assert.True(t, repA.TotalEarnings.Equal(engine.NewMoney(9)))
	assert.True(t, repA.IndirectEarnings.Equal(engine.NewMoney(9)))
	assert.True(t, repA.DirectEarnings.IsZero())
}

func TestUserEarningsReport_DateBounds(t *testing.T) {
	// GIVEN: all activity happened in April 2026
	// WHEN: the window excludes it
	// THEN: empty report, zero totals

	ctx := context.Background()
	_, r, _, b, _ := reportFixture(t)

	from := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)
	rep, err := r.UserEarningsReport(ctx, b.ID, &from, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, rep.TransactionCount)
	assert.True(t, rep.TotalEarnings.IsZero())
	assert.Empty(t, rep.Breakdown)
	assert.Empty(t, rep.Monthly)
}

func TestUserEarningsReport_UnknownAccount(t *testing.T) {
	ctx := context.Background()
	_, r, _, _, _ := reportFixture(t)

	_, err := r.UserEarningsReport(ctx, "missing", nil, nil)
	assert.ErrorIs(t, err, engine.ErrAccountNotFound)
}

func TestReferralStats(t *testing.T) {
	// GIVEN: the A -> B -> C chain with purchases by C
	// WHEN: A's stats are built
	// THEN: one direct referral (B), one indirect (C), earnings recomputed
	//       from the ledger match the balance counters

	ctx := context.Background()
	s, r, a, b, c := reportFixture(t)

	stats, err := r.ReferralStats(ctx, a.ID, 8)
	require.NoError(t, err)

	assert.Equal(t, 8, stats.MaxReferrals)
	require.Len(t, stats.DirectReferrals, 1)
	assert.Equal(t, b.ID, stats.DirectReferrals[0].Account.ID)
	require.Len(t, stats.IndirectReferrals, 1)
	assert.Equal(t, c.ID, stats.IndirectReferrals[0].Account.ID)

	assert.True(t, stats.TotalEarnings.Equal(engine.NewMoney(9)))
	assert.True(t, stats.IndirectEarnings.Equal(engine.NewMoney(9)))
	assert.True(t, stats.DirectEarnings.IsZero())

	aStored, _ := s.GetAccount(ctx, a.ID)
	assert.True(t, stats.TotalEarnings.Equal(aStored.TotalEarnings), "ledger rollup must agree with balance counters")
}

func TestLeaderboard(t *testing.T) {
	// GIVEN: B earned 45, A earned 9, C earned nothing
	// WHEN: the leaderboard is built
	// THEN: ranks follow total earnings descending

	ctx := context.Background()
	_, r, a, b, _ := reportFixture(t)

	entries, err := r.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, b.ID, entries[0].Account.ID)
	assert.True(t, entries[0].TotalEarnings.Equal(engine.NewMoney(45)))

	assert.Equal(t, 2, entries[1].Rank)
	assert.Equal(t, a.ID, entries[1].Account.ID)

	// Limit is honored.
	top, err := r.Leaderboard(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, b.ID, top[0].Account.ID)
}

func TestSystemAnalytics(t *testing.T) {
	// GIVEN: three accounts and three completed purchases (one earning-less)
	// WHEN: system analytics are built
	// THEN: counters, total distributed, recent activity, and top earners line up

	ctx := context.Background()
	s, r, _, b, c := reportFixture(t)
	require.NoError(t, s.SetActive(ctx, c.ID, false))

	an, err := r.SystemAnalytics(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, an.TotalUsers)
	assert.Equal(t, 2, an.ActiveUsers)
	assert.True(t, an.TotalEarningsDistributed.Equal(engine.NewMoney(54)), "got %s", an.TotalEarningsDistributed)
	assert.Len(t, an.RecentTransactions, 3)
	require.NotEmpty(t, an.TopEarners)
	assert.Equal(t, b.ID, an.TopEarners[0].Account.ID)
}
