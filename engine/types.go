/*
Package engine provides the core referral earnings engine.

PURPOSE:
  This package contains the types and algorithms for tracking a two-level
  referral graph and distributing purchase earnings up that graph. It is
  specified against abstract transactional stores (see store.go), so the
  same engine runs on SQLite in production and an in-memory store in tests.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A currency amount backed by decimal.Decimal (no float drift)
  - Split: One beneficiary's share of a purchase's profit, per referral level
  - Transaction: The ledger record for a purchase and its computed splits
  - AccountID/TransactionID: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Precision: All currency math uses decimal.Decimal, never float64
  2. Single writer: Only the Distributor mutates balances, only the Graph
     mutates referral edges, always through conditional store operations
  3. Terminal states: A transaction leaves pending exactly once
  4. Auditability: Every credited split leaves a tombstone in the store

SEE ALSO:
  - account.go:     Account record and referral-graph fields
  - calculator.go:  Purchase-to-splits computation
  - distributor.go: Balance/ledger mutation state machine
  - store.go:       Persistence interfaces
*/
package engine

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Currency amount (single currency, decimal precision)
// =============================================================================

type Money struct {
	Value decimal.Decimal
}

func NewMoney(value int64) Money {
	return Money{Value: decimal.NewFromInt(value)}
}

func NewMoneyFromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d}, nil
}

func MustMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}
	}
	return Money{Value: d}
}

func ZeroMoney() Money { return Money{Value: decimal.Zero} }

func (m Money) Add(o Money) Money            { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) IsZero() bool                 { return m.Value.IsZero() }
func (m Money) IsNegative() bool             { return m.Value.IsNegative() }
func (m Money) Equal(o Money) bool           { return m.Value.Equal(o.Value) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.Value.GreaterThanOrEqual(o.Value) }
func (m Money) LessThan(o Money) bool        { return m.Value.LessThan(o.Value) }
func (m Money) String() string               { return m.Value.String() }

// Percent applies pct/100 to the amount, e.g. Percent(5) of 300 is 15.
func (m Money) Percent(pct decimal.Decimal) Money {
	return Money{Value: m.Value.Mul(pct).Div(decimal.NewFromInt(100))}
}

// Money serializes as a plain JSON string ("16.5"), matching how amounts are
// stored and reported everywhere else.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Value.String())
}

func (m *Money) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	m.Value = d
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string

// =============================================================================
// SPLIT - One beneficiary's share of a purchase
// =============================================================================

// ReferralLevel is the distance from the purchaser: 1 = direct referrer,
// 2 = the direct referrer's own referrer. Nothing beyond level 2 earns.
type ReferralLevel int

const (
	LevelDirect   ReferralLevel = 1
	LevelIndirect ReferralLevel = 2
)

type Split struct {
	Beneficiary AccountID
	Level       ReferralLevel
	Percentage  decimal.Decimal
	Amount      Money
	IsDirect    bool

	// Skipped is set by the distributor when the beneficiary was inactive or
	// missing at distribution time. A skipped split never credits a balance.
	Skipped    bool
	SkipReason string
}

// =============================================================================
// TRANSACTION - Purchase/earning ledger record
// =============================================================================

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
)

// Terminal reports whether the status is final. A transaction transitions out
// of pending exactly once and is never re-opened; retries re-attempt the
// distribution against the same record.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Transaction struct {
	ID             TransactionID
	Purchaser      AccountID
	PurchaseAmount Money
	ProfitAmount   Money

	// ReferralChain holds the computed splits, ordered level 1 then level 2.
	// Empty iff IsValidForEarnings is false or the purchaser has no referrer.
	ReferralChain []Split

	IsValidForEarnings        bool
	TotalEarningsDistributed  Money

	Status       TransactionStatus
	ProcessedAt  *time.Time
	ErrorMessage string

	ProductLabel string
	Category     string

	CreatedAt time.Time
}

// SplitFor returns the split belonging to the given beneficiary, if any.
func (t *Transaction) SplitFor(id AccountID) (Split, bool) {
	for _, s := range t.ReferralChain {
		if s.Beneficiary == id {
			return s, true
		}
	}
	return Split{}, false
}
