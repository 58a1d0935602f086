/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements engine.Store and engine.TxStore using SQLite. In production,
  the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

KEY TABLES:
  accounts:           Identity, referral edge, and balance counters
  transactions:       Purchase ledger (one row per processed purchase)
  transaction_splits: The computed referral chain of each transaction
  earning_credits:    Credit tombstones, one per (transaction, beneficiary)

CONDITIONAL OPERATIONS:
  The engine's two race-prone mutations are single conditional statements:
  - AddDirectReferral: UPDATE ... WHERE is_active AND count < max, with
    RowsAffected deciding success.
  - ApplyEarning: tombstone INSERT (unique index is the idempotency gate)
    plus the balance UPDATE in one database transaction.

UNIQUENESS:
  Unique indexes back every compare-and-set the engine relies on:
  username/email (case-insensitive), phone, referral_code, transaction id,
  and (transaction_id, beneficiary) on the tombstones. Constraint failures
  map to the engine's sentinel errors by inspecting the violated column.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety plus WAL mode. In production with
  PostgreSQL, database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/refnet.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go:        Interface contracts
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/refnet/referral-engine/engine"
)

// Store implements engine.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Accounts (identity + referral edge + balance counters)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		email TEXT NOT NULL,
		phone TEXT NOT NULL UNIQUE,
		full_name TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		referral_code TEXT NOT NULL UNIQUE,
		referred_by TEXT,
		referral_level INTEGER NOT NULL DEFAULT 0,
		direct_referral_count INTEGER NOT NULL DEFAULT 0,
		total_earnings TEXT NOT NULL,
		direct_earnings TEXT NOT NULL,
		indirect_earnings TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_username
		ON accounts(LOWER(username));
	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_email
		ON accounts(LOWER(email));
	CREATE INDEX IF NOT EXISTS idx_accounts_referred_by
		ON accounts(referred_by) WHERE referred_by IS NOT NULL;

	-- Transactions (purchase ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		purchaser TEXT NOT NULL,
		purchase_amount TEXT NOT NULL,
		profit_amount TEXT NOT NULL,
		is_valid_for_earnings BOOLEAN NOT NULL DEFAULT FALSE,
		total_distributed TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		processed_at TEXT,
		error_message TEXT,
		product_label TEXT,
		category TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_purchaser
		ON transactions(purchaser);
	CREATE INDEX IF NOT EXISTS idx_transactions_status
		ON transactions(status);
	CREATE INDEX IF NOT EXISTS idx_transactions_created_at
		ON transactions(created_at DESC);

	-- Referral chain of each transaction, one row per split
	CREATE TABLE IF NOT EXISTS transaction_splits (
		transaction_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		beneficiary TEXT NOT NULL,
		level INTEGER NOT NULL,
		percentage TEXT NOT NULL,
		amount TEXT NOT NULL,
		is_direct BOOLEAN NOT NULL,
		skipped BOOLEAN NOT NULL DEFAULT FALSE,
		skip_reason TEXT,
		PRIMARY KEY (transaction_id, position)
	);

	-- Hot path: "which transactions paid this account"
	CREATE INDEX IF NOT EXISTS idx_splits_beneficiary
		ON transaction_splits(beneficiary);

	-- Credit tombstones: the idempotency gate for balance mutations.
	-- The unique index IS the "was this split already applied" check.
	CREATE TABLE IF NOT EXISTS earning_credits (
		transaction_id TEXT NOT NULL,
		beneficiary TEXT NOT NULL,
		amount TEXT NOT NULL,
		is_direct BOOLEAN NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (transaction_id, beneficiary)
	);

	CREATE INDEX IF NOT EXISTS idx_credits_beneficiary
		ON earning_credits(beneficiary);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so the statement helpers
// run inside or outside WithTx unchanged.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNT STORE (engine.AccountStore interface)
// =============================================================================

// CreateAccount inserts a new account row.
func (s *Store) CreateAccount(ctx context.Context, a *engine.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createAccount(ctx, s.db, a)
}

func (s *Store) createAccount(ctx context.Context, db dbtx, a *engine.Account) error {
	query := `
		INSERT INTO accounts
		(id, username, email, phone, full_name, password_hash, referral_code,
		 referred_by, referral_level, direct_referral_count,
		 total_earnings, direct_earnings, indirect_earnings,
		 is_active, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var referredBy sql.NullString
	if a.ReferredBy != nil {
		referredBy = sql.NullString{String: string(*a.ReferredBy), Valid: true}
	}

	_, err := db.ExecContext(ctx, query,
		a.ID,
		a.Username,
		a.Email,
		a.Phone,
		a.FullName,
		a.PasswordHash,
		a.ReferralCode,
		referredBy,
		a.ReferralLevel,
		a.DirectReferralCount,
		a.TotalEarnings.String(),
		a.DirectEarnings.String(),
		a.IndirectEarnings.String(),
		a.IsActive,
		a.Version,
		a.CreatedAt.Format(time.RFC3339),
	)

	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "referral_code") {
				return engine.ErrDuplicateReferralCode
			}
			return engine.ErrDuplicateIdentity
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

const accountColumns = `id, username, email, phone, full_name, password_hash, referral_code,
	referred_by, referral_level, direct_referral_count,
	total_earnings, direct_earnings, indirect_earnings,
	is_active, version, created_at`

// GetAccount returns the account or engine.ErrAccountNotFound.
func (s *Store) GetAccount(ctx context.Context, id engine.AccountID) (*engine.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getAccount(ctx, s.db, id)
}

func getAccount(ctx context.Context, db dbtx, id engine.AccountID) (*engine.Account, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	return scanAccount(row)
}

// GetByReferralCode resolves a referral code to its owner.
func (s *Store) GetByReferralCode(ctx context.Context, code string) (*engine.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE referral_code = ?", code)
	return scanAccount(row)
}

// GetByUsername resolves a username case-insensitively.
func (s *Store) GetByUsername(ctx context.Context, username string) (*engine.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE LOWER(username) = LOWER(?)", username)
	return scanAccount(row)
}

// AddDirectReferral reserves a fan-out slot with a single conditional UPDATE.
func (s *Store) AddDirectReferral(ctx context.Context, referrer engine.AccountID, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return addDirectReferral(ctx, s.db, referrer, max)
}

func addDirectReferral(ctx context.Context, db dbtx, referrer engine.AccountID, max int) error {
	res, err := db.ExecContext(ctx, `
		UPDATE accounts
		SET direct_referral_count = direct_referral_count + 1,
		    version = version + 1
		WHERE id = ? AND is_active AND direct_referral_count < ?
	`, referrer, max)
	if err != nil {
		return fmt.Errorf("failed to add direct referral: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	// Condition failed: distinguish which one for the caller.
	var isActive bool
	err = db.QueryRowContext(ctx,
		"SELECT is_active FROM accounts WHERE id = ?", referrer).Scan(&isActive)
	if err == sql.ErrNoRows {
		return engine.ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	if !isActive {
		return engine.ErrInactiveReferrer
	}
	return engine.ErrReferralLimitExceeded
}

// ReleaseDirectReferral backs out a reserved fan-out slot. Counts never go
// below zero; releasing an unreserved slot is a no-op.
func (s *Store) ReleaseDirectReferral(ctx context.Context, referrer engine.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return releaseDirectReferral(ctx, s.db, referrer)
}

func releaseDirectReferral(ctx context.Context, db dbtx, referrer engine.AccountID) error {
	res, err := db.ExecContext(ctx, `
		UPDATE accounts
		SET direct_referral_count = direct_referral_count - 1,
		    version = version + 1
		WHERE id = ? AND direct_referral_count > 0
	`, referrer)
	if err != nil {
		return fmt.Errorf("failed to release direct referral: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	err = db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM accounts WHERE id = ?)", referrer).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return engine.ErrAccountNotFound
	}
	return nil
}

// ApplyEarning writes the credit tombstone and balance update together.
func (s *Store) ApplyEarning(ctx context.Context, tx engine.TransactionID, beneficiary engine.AccountID, amount engine.Money, isDirect bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := applyEarning(ctx, sqlTx, tx, beneficiary, amount, isDirect); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func applyEarning(ctx context.Context, db dbtx, tx engine.TransactionID, beneficiary engine.AccountID, amount engine.Money, isDirect bool) error {
	// The beneficiary must exist and be active before anything is written.
	var isActive bool
	err := db.QueryRowContext(ctx,
		"SELECT is_active FROM accounts WHERE id = ?", beneficiary).Scan(&isActive)
	if err == sql.ErrNoRows {
		return engine.ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	if !isActive {
		return engine.ErrAccountInactive
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO earning_credits (transaction_id, beneficiary, amount, is_direct, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, tx, beneficiary, amount.String(), isDirect, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrAlreadyCredited
		}
		return fmt.Errorf("failed to record credit: %w", err)
	}

	// Decimal string arithmetic has to round-trip through Go; read, add,
	// write under the store lock / database transaction.
	a, err := getAccount(ctx, db, beneficiary)
	if err != nil {
		return err
	}
	total := a.TotalEarnings.Add(amount)
	direct := a.DirectEarnings
	indirect := a.IndirectEarnings
	if isDirect {
		direct = direct.Add(amount)
	} else {
		indirect = indirect.Add(amount)
	}

	_, err = db.ExecContext(ctx, `
		UPDATE accounts
		SET total_earnings = ?, direct_earnings = ?, indirect_earnings = ?,
		    version = version + 1
		WHERE id = ?
	`, total.String(), direct.String(), indirect.String(), beneficiary)
	if err != nil {
		return fmt.Errorf("failed to apply earning: %w", err)
	}
	return nil
}

// ListDirectReferrals returns accounts referred by id, in registration order.
func (s *Store) ListDirectReferrals(ctx context.Context, id engine.AccountID) ([]*engine.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryAccounts(ctx, s.db,
		"SELECT "+accountColumns+" FROM accounts WHERE referred_by = ? ORDER BY rowid ASC", id)
}

// ListIndirectReferrals returns accounts referred by id's direct referrals.
func (s *Store) ListIndirectReferrals(ctx context.Context, id engine.AccountID) ([]*engine.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + accountColumns + ` FROM accounts
		WHERE referred_by IN (SELECT id FROM accounts WHERE referred_by = ?)
		ORDER BY rowid ASC
	`
	return queryAccounts(ctx, s.db, query, id)
}

// TopEarners returns active accounts by total earnings, highest first.
// Ranking casts the decimal string to REAL; fine for ordering, never used
// for arithmetic.
func (s *Store) TopEarners(ctx context.Context, limit int) ([]*engine.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + accountColumns + ` FROM accounts
		WHERE is_active
		ORDER BY CAST(total_earnings AS REAL) DESC, rowid ASC
		LIMIT ?
	`
	return queryAccounts(ctx, s.db, query, limit)
}

// CountAccounts returns total and active account counts.
func (s *Store) CountAccounts(ctx context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total, active int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(is_active), 0) FROM accounts").Scan(&total, &active)
	return total, active, err
}

// SetActive toggles the eligibility gate.
func (s *Store) SetActive(ctx context.Context, id engine.AccountID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET is_active = ?, version = version + 1 WHERE id = ?", active, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return engine.ErrAccountNotFound
	}
	return nil
}

func queryAccounts(ctx context.Context, db dbtx, query string, args ...any) ([]*engine.Account, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*engine.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*engine.Account, error) {
	var (
		a          engine.Account
		referredBy sql.NullString
		total      string
		direct     string
		indirect   string
		createdAt  string
	)

	err := row.Scan(
		&a.ID, &a.Username, &a.Email, &a.Phone, &a.FullName, &a.PasswordHash,
		&a.ReferralCode, &referredBy, &a.ReferralLevel, &a.DirectReferralCount,
		&total, &direct, &indirect,
		&a.IsActive, &a.Version, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, engine.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	if referredBy.Valid {
		id := engine.AccountID(referredBy.String)
		a.ReferredBy = &id
	}
	a.TotalEarnings = engine.MustMoney(total)
	a.DirectEarnings = engine.MustMoney(direct)
	a.IndirectEarnings = engine.MustMoney(indirect)
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &a, nil
}

// =============================================================================
// LEDGER STORE (engine.LedgerStore interface)
// =============================================================================

// CreateTransaction inserts a fresh pending record.
func (s *Store) CreateTransaction(ctx context.Context, t *engine.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return createTransaction(ctx, s.db, t)
}

func createTransaction(ctx context.Context, db dbtx, t *engine.Transaction) error {
	query := `
		INSERT INTO transactions
		(id, purchaser, purchase_amount, profit_amount, is_valid_for_earnings,
		 total_distributed, status, processed_at, error_message,
		 product_label, category, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		t.ID,
		t.Purchaser,
		t.PurchaseAmount.String(),
		t.ProfitAmount.String(),
		t.IsValidForEarnings,
		t.TotalEarningsDistributed.String(),
		t.Status,
		nullTime(t.ProcessedAt),
		t.ErrorMessage,
		t.ProductLabel,
		t.Category,
		t.CreatedAt.Format(time.RFC3339),
	)

	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateTransactionID
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	if len(t.ReferralChain) > 0 {
		return replaceSplits(ctx, db, t.ID, t.ReferralChain)
	}
	return nil
}

// SetSplits persists the computed chain while the transaction is pending.
func (s *Store) SetSplits(ctx context.Context, id engine.TransactionID, chain []engine.Split, valid bool, total engine.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := setSplits(ctx, sqlTx, id, chain, valid, total); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func setSplits(ctx context.Context, db dbtx, id engine.TransactionID, chain []engine.Split, valid bool, total engine.Money) error {
	res, err := db.ExecContext(ctx, `
		UPDATE transactions
		SET is_valid_for_earnings = ?, total_distributed = ?
		WHERE id = ?
	`, valid, total.String(), id)
	if err != nil {
		return fmt.Errorf("failed to set splits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return engine.ErrTransactionNotFound
	}
	return replaceSplits(ctx, db, id, chain)
}

func replaceSplits(ctx context.Context, db dbtx, id engine.TransactionID, chain []engine.Split) error {
	if _, err := db.ExecContext(ctx,
		"DELETE FROM transaction_splits WHERE transaction_id = ?", id); err != nil {
		return fmt.Errorf("failed to replace splits: %w", err)
	}

	query := `
		INSERT INTO transaction_splits
		(transaction_id, position, beneficiary, level, percentage, amount,
		 is_direct, skipped, skip_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i, sp := range chain {
		_, err := db.ExecContext(ctx, query,
			id, i, sp.Beneficiary, sp.Level,
			sp.Percentage.String(), sp.Amount.String(),
			sp.IsDirect, sp.Skipped, sp.SkipReason,
		)
		if err != nil {
			return fmt.Errorf("failed to insert split: %w", err)
		}
	}
	return nil
}

// CompleteTransaction transitions pending -> completed.
func (s *Store) CompleteTransaction(ctx context.Context, id engine.TransactionID, chain []engine.Split, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := finishTransaction(ctx, sqlTx, id, chain, engine.StatusCompleted, "", at); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// FailTransaction transitions pending -> failed.
func (s *Store) FailTransaction(ctx context.Context, id engine.TransactionID, chain []engine.Split, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := finishTransaction(ctx, sqlTx, id, chain, engine.StatusFailed, errMsg, at); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func finishTransaction(ctx context.Context, db dbtx, id engine.TransactionID, chain []engine.Split, status engine.TransactionStatus, errMsg string, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE transactions
		SET status = ?, error_message = ?, processed_at = ?
		WHERE id = ?
	`, status, errMsg, at.Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to finish transaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return engine.ErrTransactionNotFound
	}
	return replaceSplits(ctx, db, id, chain)
}

// ReopenForRetry moves a failed transaction back to pending.
func (s *Store) ReopenForRetry(ctx context.Context, id engine.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return reopenForRetry(ctx, s.db, id)
}

func reopenForRetry(ctx context.Context, db dbtx, id engine.TransactionID) error {
	res, err := db.ExecContext(ctx, `
		UPDATE transactions
		SET status = 'pending', error_message = '', processed_at = NULL
		WHERE id = ? AND status = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to reopen transaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = db.QueryRowContext(ctx,
		"SELECT status FROM transactions WHERE id = ?", id).Scan(&status)
	if err == sql.ErrNoRows {
		return engine.ErrTransactionNotFound
	}
	if err != nil {
		return err
	}
	return &engine.ValidationError{Field: "status", Message: "only failed transactions can be reopened"}
}

const transactionColumns = `id, purchaser, purchase_amount, profit_amount,
	is_valid_for_earnings, total_distributed, status, processed_at,
	error_message, product_label, category, created_at`

// GetTransaction returns the record with its referral chain.
func (s *Store) GetTransaction(ctx context.Context, id engine.TransactionID) (*engine.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getTransaction(ctx, s.db, id)
}

func getTransaction(ctx context.Context, db dbtx, id engine.TransactionID) (*engine.Transaction, error) {
	txs, err := queryTransactions(ctx, db,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, engine.ErrTransactionNotFound
	}
	return txs[0], nil
}

// ListByPurchaser returns an account's own purchases, newest first.
func (s *Store) ListByPurchaser(ctx context.Context, id engine.AccountID) ([]*engine.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryTransactions(ctx, s.db,
		"SELECT "+transactionColumns+" FROM transactions WHERE purchaser = ? ORDER BY rowid DESC", id)
}

// ListByBeneficiary returns transactions whose chain contains the account.
func (s *Store) ListByBeneficiary(ctx context.Context, id engine.AccountID, from, to *time.Time) ([]*engine.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE id IN (SELECT transaction_id FROM transaction_splits WHERE beneficiary = ?)
	`
	args := []any{id}
	if from != nil {
		query += " AND created_at >= ?"
		args = append(args, from.Format(time.RFC3339))
	}
	if to != nil {
		query += " AND created_at <= ?"
		args = append(args, to.Format(time.RFC3339))
	}
	query += " ORDER BY rowid DESC"

	return queryTransactions(ctx, s.db, query, args...)
}

// RecentCompleted returns the latest completed transactions.
func (s *Store) RecentCompleted(ctx context.Context, limit int) ([]*engine.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE status = 'completed'
		ORDER BY rowid DESC
		LIMIT ?
	`
	return queryTransactions(ctx, s.db, query, limit)
}

// TotalDistributed sums completed transactions' distributed totals. Summed
// in Go to keep decimal precision.
func (s *Store) TotalDistributed(ctx context.Context) (engine.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT total_distributed FROM transactions WHERE status = 'completed'")
	if err != nil {
		return engine.ZeroMoney(), err
	}
	defer rows.Close()

	total := engine.ZeroMoney()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return engine.ZeroMoney(), err
		}
		total = total.Add(engine.MustMoney(v))
	}
	return total, rows.Err()
}

func queryTransactions(ctx context.Context, db dbtx, query string, args ...any) ([]*engine.Transaction, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*engine.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range txs {
		if err := loadSplits(ctx, db, t); err != nil {
			return nil, err
		}
	}
	return txs, nil
}

func scanTransaction(rows *sql.Rows) (*engine.Transaction, error) {
	var (
		t            engine.Transaction
		purchase     string
		profit       string
		total        string
		processedAt  sql.NullString
		errorMessage sql.NullString
		productLabel sql.NullString
		category     sql.NullString
		createdAt    string
	)

	err := rows.Scan(
		&t.ID, &t.Purchaser, &purchase, &profit,
		&t.IsValidForEarnings, &total, &t.Status, &processedAt,
		&errorMessage, &productLabel, &category, &createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	t.PurchaseAmount = engine.MustMoney(purchase)
	t.ProfitAmount = engine.MustMoney(profit)
	t.TotalEarningsDistributed = engine.MustMoney(total)
	t.ErrorMessage = errorMessage.String
	t.ProductLabel = productLabel.String
	t.Category = category.String
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if processedAt.Valid {
		at, _ := time.Parse(time.RFC3339, processedAt.String)
		t.ProcessedAt = &at
	}

	return &t, nil
}

func loadSplits(ctx context.Context, db dbtx, t *engine.Transaction) error {
	rows, err := db.QueryContext(ctx, `
		SELECT beneficiary, level, percentage, amount, is_direct, skipped, skip_reason
		FROM transaction_splits
		WHERE transaction_id = ?
		ORDER BY position ASC
	`, t.ID)
	if err != nil {
		return fmt.Errorf("failed to load splits: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sp         engine.Split
			percentage string
			amount     string
			skipReason sql.NullString
		)
		if err := rows.Scan(&sp.Beneficiary, &sp.Level, &percentage, &amount,
			&sp.IsDirect, &sp.Skipped, &skipReason); err != nil {
			return fmt.Errorf("failed to scan split: %w", err)
		}
		sp.Percentage = engine.MustMoney(percentage).Value
		sp.Amount = engine.MustMoney(amount)
		sp.SkipReason = skipReason.String
		t.ReferralChain = append(t.ReferralChain, sp)
	}
	return rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txStore := &txStore{tx: sqlTx, parent: s}
	if err := fn(txStore); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore routes every statement through the open *sql.Tx. The parent's
// mutex is already held by WithTx.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) CreateAccount(ctx context.Context, a *engine.Account) error {
	return ts.parent.createAccount(ctx, ts.tx, a)
}

func (ts *txStore) GetAccount(ctx context.Context, id engine.AccountID) (*engine.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) GetByReferralCode(ctx context.Context, code string) (*engine.Account, error) {
	row := ts.tx.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE referral_code = ?", code)
	return scanAccount(row)
}

func (ts *txStore) GetByUsername(ctx context.Context, username string) (*engine.Account, error) {
	row := ts.tx.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE LOWER(username) = LOWER(?)", username)
	return scanAccount(row)
}

func (ts *txStore) AddDirectReferral(ctx context.Context, referrer engine.AccountID, max int) error {
	return addDirectReferral(ctx, ts.tx, referrer, max)
}

func (ts *txStore) ReleaseDirectReferral(ctx context.Context, referrer engine.AccountID) error {
	return releaseDirectReferral(ctx, ts.tx, referrer)
}

func (ts *txStore) ApplyEarning(ctx context.Context, tx engine.TransactionID, beneficiary engine.AccountID, amount engine.Money, isDirect bool) error {
	return applyEarning(ctx, ts.tx, tx, beneficiary, amount, isDirect)
}

func (ts *txStore) ListDirectReferrals(ctx context.Context, id engine.AccountID) ([]*engine.Account, error) {
	return queryAccounts(ctx, ts.tx,
		"SELECT "+accountColumns+" FROM accounts WHERE referred_by = ? ORDER BY rowid ASC", id)
}

func (ts *txStore) ListIndirectReferrals(ctx context.Context, id engine.AccountID) ([]*engine.Account, error) {
	query := `
		SELECT ` + accountColumns + ` FROM accounts
		WHERE referred_by IN (SELECT id FROM accounts WHERE referred_by = ?)
		ORDER BY rowid ASC
	`
	return queryAccounts(ctx, ts.tx, query, id)
}

func (ts *txStore) TopEarners(ctx context.Context, limit int) ([]*engine.Account, error) {
	query := `
		SELECT ` + accountColumns + ` FROM accounts
		WHERE is_active
		ORDER BY CAST(total_earnings AS REAL) DESC, rowid ASC
		LIMIT ?
	`
	return queryAccounts(ctx, ts.tx, query, limit)
}

func (ts *txStore) CountAccounts(ctx context.Context) (int, int, error) {
	var total, active int
	err := ts.tx.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(is_active), 0) FROM accounts").Scan(&total, &active)
	return total, active, err
}

func (ts *txStore) SetActive(ctx context.Context, id engine.AccountID, active bool) error {
	res, err := ts.tx.ExecContext(ctx,
		"UPDATE accounts SET is_active = ?, version = version + 1 WHERE id = ?", active, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return engine.ErrAccountNotFound
	}
	return nil
}

func (ts *txStore) CreateTransaction(ctx context.Context, t *engine.Transaction) error {
	return createTransaction(ctx, ts.tx, t)
}

func (ts *txStore) SetSplits(ctx context.Context, id engine.TransactionID, chain []engine.Split, valid bool, total engine.Money) error {
	return setSplits(ctx, ts.tx, id, chain, valid, total)
}

func (ts *txStore) CompleteTransaction(ctx context.Context, id engine.TransactionID, chain []engine.Split, at time.Time) error {
	return finishTransaction(ctx, ts.tx, id, chain, engine.StatusCompleted, "", at)
}

func (ts *txStore) FailTransaction(ctx context.Context, id engine.TransactionID, chain []engine.Split, errMsg string, at time.Time) error {
	return finishTransaction(ctx, ts.tx, id, chain, engine.StatusFailed, errMsg, at)
}

func (ts *txStore) ReopenForRetry(ctx context.Context, id engine.TransactionID) error {
	return reopenForRetry(ctx, ts.tx, id)
}

func (ts *txStore) GetTransaction(ctx context.Context, id engine.TransactionID) (*engine.Transaction, error) {
	return getTransaction(ctx, ts.tx, id)
}

func (ts *txStore) ListByPurchaser(ctx context.Context, id engine.AccountID) ([]*engine.Transaction, error) {
	return queryTransactions(ctx, ts.tx,
		"SELECT "+transactionColumns+" FROM transactions WHERE purchaser = ? ORDER BY rowid DESC", id)
}

func (ts *txStore) ListByBeneficiary(ctx context.Context, id engine.AccountID, from, to *time.Time) ([]*engine.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE id IN (SELECT transaction_id FROM transaction_splits WHERE beneficiary = ?)
	`
	args := []any{id}
	if from != nil {
		query += " AND created_at >= ?"
		args = append(args, from.Format(time.RFC3339))
	}
	if to != nil {
		query += " AND created_at <= ?"
		args = append(args, to.Format(time.RFC3339))
	}
	query += " ORDER BY rowid DESC"

	return queryTransactions(ctx, ts.tx, query, args...)
}

func (ts *txStore) RecentCompleted(ctx context.Context, limit int) ([]*engine.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE status = 'completed'
		ORDER BY rowid DESC
		LIMIT ?
	`
	return queryTransactions(ctx, ts.tx, query, limit)
}

func (ts *txStore) TotalDistributed(ctx context.Context) (engine.Money, error) {
	rows, err := ts.tx.QueryContext(ctx,
		"SELECT total_distributed FROM transactions WHERE status = 'completed'")
	if err != nil {
		return engine.ZeroMoney(), err
	}
	defer rows.Close()

	total := engine.ZeroMoney()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return engine.ZeroMoney(), err
		}
		total = total.Add(engine.MustMoney(v))
	}
	return total, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"earning_credits", "transaction_splits", "transactions", "accounts"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
