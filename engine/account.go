/*
account.go - Account record and referral-graph fields

PURPOSE:
  Defines the Account: identity fields, the referral edge (ReferredBy), the
  derived referral level, and the running balance counters that only the
  Distributor may mutate.

INVARIANTS:
  - ReferralLevel is 0 iff ReferredBy is nil, otherwise 1 or 2
  - DirectReferralCount never exceeds the configured fan-out limit; the
    store enforces this with a conditional increment (see store.go)
  - Balance counters are monotonically non-decreasing

SEE ALSO:
  - graph.go: Registration and level assignment
  - store.go: AccountStore conditional operations
*/
package engine

import (
	"crypto/rand"
	"time"
)

// =============================================================================
// ACCOUNT
// =============================================================================

type Account struct {
	ID       AccountID
	Username string
	Email    string
	Phone    string
	FullName string

	// PasswordHash is opaque to the engine; the auth package produces and
	// verifies it.
	PasswordHash string

	ReferralCode  string
	ReferredBy    *AccountID
	ReferralLevel int

	DirectReferralCount int

	TotalEarnings    Money
	DirectEarnings   Money
	IndirectEarnings Money

	IsActive bool

	// Version increments on every balance/edge mutation, as a change-audit
	// aid. Serialization comes from the stores' conditional operations, not
	// from version checks.
	Version   int64
	CreatedAt time.Time
}

// PublicView is the identity shape shared with other users and carried on
// ReferralAdded events. No credential or balance data.
type PublicView struct {
	ID           AccountID `json:"id"`
	Username     string    `json:"username"`
	FullName     string    `json:"fullName"`
	ReferralCode string    `json:"referralCode"`
}

func (a *Account) Public() PublicView {
	return PublicView{
		ID:           a.ID,
		Username:     a.Username,
		FullName:     a.FullName,
		ReferralCode: a.ReferralCode,
	}
}

// NewAccount carries the caller-supplied fields of a registration. The engine
// fills in id, referral code, level, and edge.
type NewAccount struct {
	Username     string
	Email        string
	Phone        string
	FullName     string
	PasswordHash string
}

// =============================================================================
// REFERRAL CODES
// =============================================================================

const (
	referralCodeLength   = 8
	referralCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// newReferralCode draws an 8-character code from the uppercase-alphanumeric
// alphabet. Uniqueness is NOT guaranteed here; the store's UNIQUE index is the
// compare-and-set, and callers retry on collision.
func newReferralCode() string {
	buf := make([]byte, referralCodeLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; fall back to a
		// constant that will collide and force the caller's retry path.
		return "AAAAAAAA"
	}
	for i, b := range buf {
		buf[i] = referralCodeAlphabet[int(b)%len(referralCodeAlphabet)]
	}
	return string(buf)
}

// ValidReferralCodeFormat reports whether s is shaped like a referral code.
// Format-only; existence is checked against the store.
func ValidReferralCodeFormat(s string) bool {
	if len(s) != referralCodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
