package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refnet/referral-engine/engine"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testAccount(n int) *engine.Account {
	return &engine.Account{
		ID:               engine.AccountID(fmt.Sprintf("acct-%d", n)),
		Username:         fmt.Sprintf("user%d", n),
		Email:            fmt.Sprintf("user%d@example.com", n),
		Phone:            fmt.Sprintf("9%09d", n),
		FullName:         fmt.Sprintf("User Number %d", n),
		PasswordHash:     "$2a$10$notarealhashbutopaque",
		ReferralCode:     fmt.Sprintf("CODE%04d", n),
		TotalEarnings:    engine.ZeroMoney(),
		DirectEarnings:   engine.ZeroMoney(),
		IndirectEarnings: engine.ZeroMoney(),
		IsActive:         true,
		CreatedAt:        time.Date(2026, time.April, 1, 10, 0, 0, 0, time.UTC),
	}
}

func testTransaction(n int, purchaser engine.AccountID) *engine.Transaction {
	return &engine.Transaction{
		ID:                       engine.TransactionID(fmt.Sprintf("TXN1712345678%03dABCDE%d", n, n%10)),
		Purchaser:                purchaser,
		PurchaseAmount:           engine.NewMoney(2000),
		ProfitAmount:             engine.NewMoney(300),
		Status:                   engine.StatusPending,
		TotalEarningsDistributed: engine.ZeroMoney(),
		CreatedAt:                time.Date(2026, time.April, 2, 10, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

func TestAccountRoundTrip(t *testing.T) {
	// GIVEN: an account with a referral edge and non-zero balances
	// WHEN: created and read back
	// THEN: every field survives, including the decimal strings

	ctx := context.Background()
	s := newTestStore(t)

	sponsor := testAccount(1)
	require.NoError(t, s.CreateAccount(ctx, sponsor))

	a := testAccount(2)
	a.ReferredBy = &sponsor.ID
	a.ReferralLevel = 1
	a.TotalEarnings = engine.MustMoney("12.5")
	a.DirectEarnings = engine.MustMoney("12.5")
	require.NoError(t, s.CreateAccount(ctx, a))

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Username, got.Username)
	assert.Equal(t, a.Email, got.Email)
	assert.Equal(t, a.ReferralCode, got.ReferralCode)
	require.NotNil(t, got.ReferredBy)
	assert.Equal(t, sponsor.ID, *got.ReferredBy)
	assert.Equal(t, 1, got.ReferralLevel)
	assert.True(t, got.TotalEarnings.Equal(engine.MustMoney("12.5")))
	assert.True(t, got.CreatedAt.Equal(a.CreatedAt))

	// Lookups by code and username (case-insensitive).
	byCode, err := s.GetByReferralCode(ctx, a.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, a.ID, byCode.ID)

	byUser, err := s.GetByUsername(ctx, "USER2")
	require.NoError(t, err)
	assert.Equal(t, a.ID, byUser.ID)

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrAccountNotFound)
}

func TestCreateAccount_UniqueConstraints(t *testing.T) {
	// GIVEN: an existing account
	// WHEN: inserting colliding rows
	// THEN: identity collisions map to ErrDuplicateIdentity, code collisions
	//       to ErrDuplicateReferralCode

	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateAccount(ctx, testAccount(1)))

	dup := testAccount(2)
	dup.Username = "USER1" // differs only in case
	assert.ErrorIs(t, s.CreateAccount(ctx, dup), engine.ErrDuplicateIdentity)

	dup = testAccount(3)
	dup.Email = "User1@Example.com"
	assert.ErrorIs(t, s.CreateAccount(ctx, dup), engine.ErrDuplicateIdentity)

	dup = testAccount(4)
	dup.Phone = testAccount(1).Phone
	assert.ErrorIs(t, s.CreateAccount(ctx, dup), engine.ErrDuplicateIdentity)

	dup = testAccount(5)
	dup.ReferralCode = testAccount(1).ReferralCode
	assert.ErrorIs(t, s.CreateAccount(ctx, dup), engine.ErrDuplicateReferralCode)
}

func TestAddDirectReferral_Conditions(t *testing.T) {
	// GIVEN: an active sponsor with max 2
	// WHEN: slots are reserved past the bound, or the sponsor is inactive/missing
	// THEN: each failed condition maps to its own sentinel

	ctx := context.Background()
	s := newTestStore(t)
	a := testAccount(1)
	require.NoError(t, s.CreateAccount(ctx, a))

	require.NoError(t, s.AddDirectReferral(ctx, a.ID, 2))
	require.NoError(t, s.AddDirectReferral(ctx, a.ID, 2))
	assert.ErrorIs(t, s.AddDirectReferral(ctx, a.ID, 2), engine.ErrReferralLimitExceeded)

	got, _ := s.GetAccount(ctx, a.ID)
	assert.Equal(t, 2, got.DirectReferralCount)

	require.NoError(t, s.SetActive(ctx, a.ID, false))
	assert.ErrorIs(t, s.AddDirectReferral(ctx, a.ID, 8), engine.ErrInactiveReferrer)

	assert.ErrorIs(t, s.AddDirectReferral(ctx, "missing", 8), engine.ErrAccountNotFound)
}

func TestReleaseDirectReferral(t *testing.T) {
	// GIVEN: a sponsor with two reserved slots
	// WHEN: slots are released past zero
	// THEN: the counter decrements but never goes negative, and a missing
	//       account is reported

	ctx := context.Background()
	s := newTestStore(t)
	a := testAccount(1)
	require.NoError(t, s.CreateAccount(ctx, a))

	require.NoError(t, s.AddDirectReferral(ctx, a.ID, 8))
	require.NoError(t, s.AddDirectReferral(ctx, a.ID, 8))

	require.NoError(t, s.ReleaseDirectReferral(ctx, a.ID))
	got, _ := s.GetAccount(ctx, a.ID)
	assert.Equal(t, 1, got.DirectReferralCount)

	require.NoError(t, s.ReleaseDirectReferral(ctx, a.ID))
	// Releasing with nothing reserved is a no-op, not an underflow.
	require.NoError(t, s.ReleaseDirectReferral(ctx, a.ID))
	got, _ = s.GetAccount(ctx, a.ID)
	assert.Equal(t, 0, got.DirectReferralCount)

	assert.ErrorIs(t, s.ReleaseDirectReferral(ctx, "missing"), engine.ErrAccountNotFound)
}

func TestApplyEarning_Tombstone(t *testing.T) {
	// GIVEN: an active beneficiary
	// WHEN: the same (transaction, beneficiary) credit is applied twice
	// THEN: the second application returns ErrAlreadyCredited and the balance
	//       moved exactly once

	ctx := context.Background()
	s := newTestStore(t)
	a := testAccount(1)
	require.NoError(t, s.CreateAccount(ctx, a))

	txID := engine.TransactionID("TXN1712345678901ABCDEF")
	require.NoError(t, s.ApplyEarning(ctx, txID, a.ID, engine.NewMoney(15), true))

	err := s.ApplyEarning(ctx, txID, a.ID, engine.NewMoney(15), true)
	assert.ErrorIs(t, err, engine.ErrAlreadyCredited)

	got, _ := s.GetAccount(ctx, a.ID)
	assert.True(t, got.TotalEarnings.Equal(engine.NewMoney(15)), "got %s", got.TotalEarnings)
	assert.True(t, got.DirectEarnings.Equal(engine.NewMoney(15)))

	// A different transaction credits fine.
	require.NoError(t, s.ApplyEarning(ctx, "TXN1712345678902ABCDEF", a.ID, engine.NewMoney(3), false))
	got, _ = s.GetAccount(ctx, a.ID)
	assert.True(t, got.TotalEarnings.Equal(engine.NewMoney(18)))
	assert.True(t, got.IndirectEarnings.Equal(engine.NewMoney(3)))
}

func TestApplyEarning_BeneficiaryGates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := testAccount(1)
	require.NoError(t, s.CreateAccount(ctx, a))
	require.NoError(t, s.SetActive(ctx, a.ID, false))

	err := s.ApplyEarning(ctx, "TXN1712345678901ABCDEF", a.ID, engine.NewMoney(15), true)
	assert.ErrorIs(t, err, engine.ErrAccountInactive)

	err = s.ApplyEarning(ctx, "TXN1712345678901ABCDEF", "missing", engine.NewMoney(15), true)
	assert.ErrorIs(t, err, engine.ErrAccountNotFound)

	// Neither rejection left a tombstone behind: activating and retrying works.
	require.NoError(t, s.SetActive(ctx, a.ID, true))
	require.NoError(t, s.ApplyEarning(ctx, "TXN1712345678901ABCDEF", a.ID, engine.NewMoney(15), true))
}

func TestReferralListsAndCounts(t *testing.T) {
	// GIVEN: A sponsors B and C; B sponsors D
	// WHEN: A's referral lists are queried
	// THEN: direct = [B, C] in registration order, indirect = [D]

	ctx := context.Background()
	s := newTestStore(t)

	a := testAccount(1)
	require.NoError(t, s.CreateAccount(ctx, a))
	b := testAccount(2)
	b.ReferredBy = &a.ID
	require.NoError(t, s.CreateAccount(ctx, b))
	c := testAccount(3)
	c.ReferredBy = &a.ID
	require.NoError(t, s.CreateAccount(ctx, c))
	d := testAccount(4)
	d.ReferredBy = &b.ID
	require.NoError(t, s.CreateAccount(ctx, d))

	direct, err := s.ListDirectReferrals(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, direct, 2)
	assert.Equal(t, b.ID, direct[0].ID)
	assert.Equal(t, c.ID, direct[1].ID)

	indirect, err := s.ListIndirectReferrals(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, indirect, 1)
	assert.Equal(t, d.ID, indirect[0].ID)

	require.NoError(t, s.SetActive(ctx, d.ID, false))
	total, active, err := s.CountAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, 3, active)
}

func TestTopEarners(t *testing.T) {
	// GIVEN: three accounts with different balances, one inactive
	// WHEN: top earners are queried
	// THEN: active accounts only, highest total first

	ctx := context.Background()
	s := newTestStore(t)

	for n, total := range map[int]string{1: "50", 2: "120.5", 3: "999"} {
		a := testAccount(n)
		a.TotalEarnings = engine.MustMoney(total)
		require.NoError(t, s.CreateAccount(ctx, a))
	}
	require.NoError(t, s.SetActive(ctx, "acct-3", false))

	top, err := s.TopEarners(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, engine.AccountID("acct-2"), top[0].ID)
	assert.Equal(t, engine.AccountID("acct-1"), top[1].ID)
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func TestTransactionRoundTrip(t *testing.T) {
	// GIVEN: a pending transaction with a two-split chain
	// WHEN: created, completed, and read back
	// THEN: splits come back in order with skip markers intact

	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateAccount(ctx, testAccount(1)))

	tx := testTransaction(1, "acct-1")
	require.NoError(t, s.CreateTransaction(ctx, tx))

	assert.ErrorIs(t, s.CreateTransaction(ctx, tx), engine.ErrDuplicateTransactionID)

	chain := []engine.Split{
		{Beneficiary: "acct-9", Level: engine.LevelDirect, Percentage: engine.NewMoney(5).Value, Amount: engine.NewMoney(15), IsDirect: true},
		{Beneficiary: "acct-8", Level: engine.LevelIndirect, Percentage: engine.NewMoney(1).Value, Amount: engine.NewMoney(3), Skipped: true, SkipReason: "account is inactive"},
	}
	require.NoError(t, s.SetSplits(ctx, tx.ID, chain, true, engine.NewMoney(18)))

	at := time.Date(2026, time.April, 2, 11, 0, 0, 0, time.UTC)
	require.NoError(t, s.CompleteTransaction(ctx, tx.ID, chain, at))

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, got.Status)
	assert.True(t, got.IsValidForEarnings)
	assert.True(t, got.TotalEarningsDistributed.Equal(engine.NewMoney(18)))
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(at))

	require.Len(t, got.ReferralChain, 2)
	assert.Equal(t, engine.AccountID("acct-9"), got.ReferralChain[0].Beneficiary)
	assert.True(t, got.ReferralChain[0].Amount.Equal(engine.NewMoney(15)))
	assert.True(t, got.ReferralChain[1].Skipped)
	assert.Equal(t, "account is inactive", got.ReferralChain[1].SkipReason)
}

func TestReopenForRetry_Rules(t *testing.T) {
	// GIVEN: one failed and one completed transaction
	// WHEN: reopened
	// THEN: failed -> pending; completed is refused; missing id is not found

	ctx := context.Background()
	s := newTestStore(t)

	failed := testTransaction(1, "acct-1")
	require.NoError(t, s.CreateTransaction(ctx, failed))
	require.NoError(t, s.FailTransaction(ctx, failed.ID, nil, "boom", time.Now().UTC()))

	require.NoError(t, s.ReopenForRetry(ctx, failed.ID))
	got, _ := s.GetTransaction(ctx, failed.ID)
	assert.Equal(t, engine.StatusPending, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Nil(t, got.ProcessedAt)

	done := testTransaction(2, "acct-1")
	require.NoError(t, s.CreateTransaction(ctx, done))
	require.NoError(t, s.CompleteTransaction(ctx, done.ID, nil, time.Now().UTC()))
	assert.ErrorIs(t, s.ReopenForRetry(ctx, done.ID), engine.ErrValidation)

	assert.ErrorIs(t, s.ReopenForRetry(ctx, "TXN1712345678999ZZZZZZ"), engine.ErrTransactionNotFound)
}

func TestLedgerQueries(t *testing.T) {
	// GIVEN: two completed purchases by acct-1 paying acct-2, one failed
	// WHEN: the ledger is queried by purchaser, beneficiary, and recency
	// THEN: newest-first ordering, date bounds honored, totals exact

	ctx := context.Background()
	s := newTestStore(t)

	mkChain := func(amount int64) []engine.Split {
		return []engine.Split{{
			Beneficiary: "acct-2", Level: engine.LevelDirect,
			Percentage: engine.NewMoney(5).Value,
			Amount:     engine.NewMoney(amount), IsDirect: true,
		}}
	}

	for n, day := range map[int]int{1: 2, 2: 5} {
		tx := testTransaction(n, "acct-1")
		tx.CreatedAt = time.Date(2026, time.April, day, 10, 0, 0, 0, time.UTC)
		require.NoError(t, s.CreateTransaction(ctx, tx))
		require.NoError(t, s.SetSplits(ctx, tx.ID, mkChain(15), true, engine.NewMoney(15)))
		require.NoError(t, s.CompleteTransaction(ctx, tx.ID, mkChain(15), tx.CreatedAt))
	}
	bad := testTransaction(3, "acct-1")
	require.NoError(t, s.CreateTransaction(ctx, bad))
	require.NoError(t, s.FailTransaction(ctx, bad.ID, mkChain(15), "boom", time.Now().UTC()))

	byPurchaser, err := s.ListByPurchaser(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, byPurchaser, 3)
	assert.Equal(t, bad.ID, byPurchaser[0].ID, "newest first")

	byBeneficiary, err := s.ListByBeneficiary(ctx, "acct-2", nil, nil)
	require.NoError(t, err)
	assert.Len(t, byBeneficiary, 3)

	from := time.Date(2026, time.April, 4, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, time.April, 6, 0, 0, 0, 0, time.UTC)
	bounded, err := s.ListByBeneficiary(ctx, "acct-2", &from, &to)
	require.NoError(t, err)
	assert.Len(t, bounded, 1)

	recent, err := s.RecentCompleted(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2, "failed transactions stay out of recent activity")

	total, err := s.TotalDistributed(ctx)
	require.NoError(t, err)
	assert.True(t, total.Equal(engine.NewMoney(30)), "got %s", total)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: a unit of work that credits an account then fails
	// WHEN: WithTx returns the error
	// THEN: neither the tombstone nor the balance update survives

	ctx := context.Background()
	s := newTestStore(t)
	a := testAccount(1)
	require.NoError(t, s.CreateAccount(ctx, a))

	txID := engine.TransactionID("TXN1712345678901ABCDEF")
	boom := fmt.Errorf("boom")
	err := s.WithTx(ctx, func(st engine.Store) error {
		if err := st.ApplyEarning(ctx, txID, a.ID, engine.NewMoney(15), true); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := s.GetAccount(ctx, a.ID)
	assert.True(t, got.TotalEarnings.IsZero(), "rolled-back credit must not land")

	// The tombstone was rolled back too: the same credit applies cleanly.
	require.NoError(t, s.ApplyEarning(ctx, txID, a.ID, engine.NewMoney(15), true))
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := testAccount(1)
	require.NoError(t, s.CreateAccount(ctx, a))

	tx := testTransaction(1, a.ID)
	require.NoError(t, s.CreateTransaction(ctx, tx))

	err := s.WithTx(ctx, func(st engine.Store) error {
		if err := st.ApplyEarning(ctx, tx.ID, a.ID, engine.NewMoney(15), true); err != nil {
			return err
		}
		return st.CompleteTransaction(ctx, tx.ID, nil, time.Now().UTC())
	})
	require.NoError(t, err)

	got, _ := s.GetAccount(ctx, a.ID)
	assert.True(t, got.TotalEarnings.Equal(engine.NewMoney(15)))

	gotTx, _ := s.GetTransaction(ctx, tx.ID)
	assert.Equal(t, engine.StatusCompleted, gotTx.Status)
}
