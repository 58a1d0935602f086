/*
store.go - Persistence interfaces for accounts and the earning ledger

PURPOSE:
  Defines the contract between the engine and the database. Two stores:
  AccountStore (accounts, referral edges, balance counters) and LedgerStore
  (purchase transactions and their splits). Implementations exist in
  store/sqlite (production) and engine/store (in-memory, for tests).

ATOMIC CONDITIONAL OPERATIONS:
  The two classic check-then-act races of this domain are pushed INTO the
  store as single conditional operations:

  - AddDirectReferral: "count, then append" becomes one conditional
    increment that fails with ErrReferralLimitExceeded when the fan-out
    bound is already met. Two racing registrations cannot both pass.

  - ApplyEarning: "read balance, add, write" becomes one operation that
    writes a credit tombstone keyed (transaction, beneficiary) and updates
    the balance counters together. A second application of the same split
    returns ErrAlreadyCredited instead of double-crediting.

UNIQUENESS AS COMPARE-AND-SET:
  CreateAccount relies on unique indexes for username/email/phone
  (ErrDuplicateIdentity) and for the referral code
  (ErrDuplicateReferralCode - the caller regenerates and retries).
  CreateTransaction does the same for transaction ids.

SEE ALSO:
  - engine/store/memory.go: In-memory implementation
  - store/sqlite/sqlite.go: SQLite implementation
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// ACCOUNT STORE
// =============================================================================

type AccountStore interface {
	// CreateAccount persists a new account. Fails with ErrDuplicateIdentity
	// when username/email/phone is taken, ErrDuplicateReferralCode when the
	// generated code collides.
	CreateAccount(ctx context.Context, a *Account) error

	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, id AccountID) (*Account, error)

	// GetByReferralCode resolves a referral code to its owner, or
	// ErrAccountNotFound.
	GetByReferralCode(ctx context.Context, code string) (*Account, error)

	// GetByUsername resolves a username (case-insensitive) to its account, or
	// ErrAccountNotFound. Used by login.
	GetByUsername(ctx context.Context, username string) (*Account, error)

	// AddDirectReferral atomically increments the referrer's direct-referral
	// count iff the referrer is active and the count is below max. Returns
	// ErrReferralLimitExceeded, ErrInactiveReferrer, or ErrAccountNotFound
	// on the respective failed condition.
	AddDirectReferral(ctx context.Context, referrer AccountID, max int) error

	// ReleaseDirectReferral backs out one AddDirectReferral reservation.
	// Used on stores without WithTx, when the paired account creation fails
	// after the slot was reserved. Never decrements below zero.
	ReleaseDirectReferral(ctx context.Context, referrer AccountID) error

	// ApplyEarning credits amount to the beneficiary's total and
	// direct/indirect counter, recording a credit tombstone for
	// (tx, beneficiary) in the same unit of work. Returns ErrAlreadyCredited
	// when the tombstone exists, ErrAccountNotFound / ErrAccountInactive when
	// the beneficiary cannot receive.
	ApplyEarning(ctx context.Context, tx TransactionID, beneficiary AccountID, amount Money, isDirect bool) error

	// ListDirectReferrals returns accounts whose ReferredBy is id, in
	// registration order.
	ListDirectReferrals(ctx context.Context, id AccountID) ([]*Account, error)

	// ListIndirectReferrals returns accounts referred by any of id's direct
	// referrals.
	ListIndirectReferrals(ctx context.Context, id AccountID) ([]*Account, error)

	// TopEarners returns active accounts ordered by TotalEarnings descending.
	TopEarners(ctx context.Context, limit int) ([]*Account, error)

	// CountAccounts returns total and active account counts.
	CountAccounts(ctx context.Context) (total int, active int, err error)

	// SetActive toggles the eligibility gate.
	SetActive(ctx context.Context, id AccountID, active bool) error
}

// =============================================================================
// LEDGER STORE
// =============================================================================

type LedgerStore interface {
	// CreateTransaction persists a fresh pending record. Fails with
	// ErrDuplicateTransactionID on id collision; the caller regenerates.
	CreateTransaction(ctx context.Context, t *Transaction) error

	// SetSplits persists the computed chain and validity flag while the
	// transaction is still pending.
	SetSplits(ctx context.Context, id TransactionID, chain []Split, valid bool, total Money) error

	// CompleteTransaction transitions pending -> completed, persisting the
	// final chain (including skip markers) and the processing time.
	CompleteTransaction(ctx context.Context, id TransactionID, chain []Split, at time.Time) error

	// FailTransaction transitions pending -> failed with the first error
	// encountered. The record is retained for inspection and retry.
	FailTransaction(ctx context.Context, id TransactionID, chain []Split, errMsg string, at time.Time) error

	// ReopenForRetry moves a failed transaction back to pending so a retry
	// can re-attempt distribution. Completed transactions are never reopened.
	ReopenForRetry(ctx context.Context, id TransactionID) error

	// GetTransaction returns the record or ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// ListByPurchaser returns an account's own purchases, newest first.
	ListByPurchaser(ctx context.Context, id AccountID) ([]*Transaction, error)

	// ListByBeneficiary returns transactions whose referral chain contains
	// the account, newest first, optionally bounded to [from, to].
	ListByBeneficiary(ctx context.Context, id AccountID, from, to *time.Time) ([]*Transaction, error)

	// RecentCompleted returns the latest completed transactions.
	RecentCompleted(ctx context.Context, limit int) ([]*Transaction, error)

	// TotalDistributed sums TotalEarningsDistributed over completed
	// transactions.
	TotalDistributed(ctx context.Context) (Money, error)
}

// =============================================================================
// COMBINED / TRANSACTIONAL STORES
// =============================================================================

// Store is the full persistence surface the engine needs.
type Store interface {
	AccountStore
	LedgerStore
}

// TxStore wraps Store with a unit-of-work. The distributor uses it, when
// available, to make the per-split credits and the final status transition a
// single atomic operation. Stores without it still give a safe retry path
// through the ApplyEarning tombstones.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction: rolled back if fn errors,
	// committed otherwise.
	WithTx(ctx context.Context, fn func(Store) error) error
}
