/*
graph.go - Referral Graph Manager

PURPOSE:
  Owns the referral graph: registration with level assignment, fan-out
  enforcement, referral-code validation, and tree/ancestor queries. The
  graph's edges (ReferredBy, DirectReferralCount) are mutated here and
  nowhere else.

FAN-OUT ENFORCEMENT:
  The naive "count directReferrals, then append" is a check-then-act race:
  two concurrent registrations against the same code could both pass the
  count. Registration therefore reserves the slot with the store's single
  conditional AddDirectReferral, inside the same unit of work that creates
  the account. Either both happen or neither does.

LEVEL ASSIGNMENT:
  Roots are level 0. A referred account's level is its referrer's level
  plus one, capped at 2 - beyond two hops the graph still exists but has no
  earning significance.

SEE ALSO:
  - store.go:      AddDirectReferral contract
  - calculator.go: How levels translate to splits
*/
package engine

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// maxCodeAttempts bounds referral-code regeneration. The 36^8 code space
// makes even one collision unlikely.
const maxCodeAttempts = 10

// =============================================================================
// GRAPH MANAGER
// =============================================================================

type Graph struct {
	store    Store
	cfg      Config
	notifier Notifier
	clock    Clock
}

func NewGraph(store Store, cfg Config, notifier Notifier, clock Clock) *Graph {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Graph{store: store, cfg: cfg, notifier: notifier, clock: clock}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Register creates an account, optionally under a sponsor's referral code.
// All rejections happen before any account exists; on success with a code,
// the sponsor's slot reservation and the account creation are one unit of
// work and a ReferralAdded event is emitted.
func (g *Graph) Register(ctx context.Context, data NewAccount, referralCode string) (*Account, error) {
	if err := validateNewAccount(data); err != nil {
		return nil, err
	}

	var referrer *Account
	if referralCode != "" {
		var err error
		referrer, err = g.lookupReferrer(ctx, referralCode)
		if err != nil {
			return nil, err
		}
	}

	account := &Account{
		ID:               AccountID(uuid.NewString()),
		Username:         data.Username,
		Email:            strings.ToLower(data.Email),
		Phone:            data.Phone,
		FullName:         data.FullName,
		PasswordHash:     data.PasswordHash,
		ReferralCode:     newReferralCode(),
		TotalEarnings:    ZeroMoney(),
		DirectEarnings:   ZeroMoney(),
		IndirectEarnings: ZeroMoney(),
		IsActive:         true,
		CreatedAt:        g.clock.Now(),
	}
	if referrer != nil {
		id := referrer.ID
		account.ReferredBy = &id
		account.ReferralLevel = referralLevelUnder(referrer)
	}

	if err := g.createLinked(ctx, account, referrer); err != nil {
		return nil, err
	}

	if referrer != nil {
		g.notifier.ReferralAdded(ctx, ReferralAdded{
			SponsorID:  referrer.ID,
			NewAccount: account.Public(),
		})
	}
	return account, nil
}

// createLinked creates the account and, when sponsored, reserves the
// sponsor's fan-out slot. With a TxStore both run in one unit of work.
// Without one, the slot is reserved FIRST - a limit rejection then happens
// before any account exists - and a failed create releases the reservation.
func (g *Graph) createLinked(ctx context.Context, account *Account, referrer *Account) error {
	if tx, ok := g.store.(TxStore); ok {
		return tx.WithTx(ctx, func(s Store) error {
			if err := g.createWithFreshCode(ctx, s, account); err != nil {
				return err
			}
			return g.reserveSlot(ctx, s, referrer)
		})
	}

	if err := g.reserveSlot(ctx, g.store, referrer); err != nil {
		return err
	}
	if err := g.createWithFreshCode(ctx, g.store, account); err != nil {
		if referrer != nil {
			// Best effort; an unreleased slot only under-fills the sponsor.
			_ = g.store.ReleaseDirectReferral(ctx, referrer.ID)
		}
		return err
	}
	return nil
}

func (g *Graph) reserveSlot(ctx context.Context, s Store, referrer *Account) error {
	if referrer == nil {
		return nil
	}
	if err := s.AddDirectReferral(ctx, referrer.ID, g.cfg.MaxDirectReferrals); err != nil {
		if errors.Is(err, ErrReferralLimitExceeded) {
			return &ReferralLimitError{
				Referrer: referrer.ID,
				Current:  g.cfg.MaxDirectReferrals,
				Max:      g.cfg.MaxDirectReferrals,
			}
		}
		return err
	}
	return nil
}

// createWithFreshCode retries CreateAccount under referral-code collisions.
// The store's unique index is the compare-and-set; there is no separate
// "check if code exists" read that a concurrent registration could race.
func (g *Graph) createWithFreshCode(ctx context.Context, s Store, account *Account) error {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		err := s.CreateAccount(ctx, account)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrDuplicateReferralCode) {
			account.ReferralCode = newReferralCode()
			continue
		}
		return err
	}
	return ErrDuplicateReferralCode
}

func (g *Graph) lookupReferrer(ctx context.Context, code string) (*Account, error) {
	if !ValidReferralCodeFormat(code) {
		return nil, ErrInvalidReferralCode
	}
	referrer, err := g.store.GetByReferralCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrInvalidReferralCode
		}
		return nil, err
	}
	if !referrer.IsActive {
		return nil, ErrInactiveReferrer
	}
	// Early rejection for the common case. The authoritative check is the
	// conditional AddDirectReferral during creation.
	if referrer.DirectReferralCount >= g.cfg.MaxDirectReferrals {
		return nil, &ReferralLimitError{
			Referrer: referrer.ID,
			Current:  referrer.DirectReferralCount,
			Max:      g.cfg.MaxDirectReferrals,
		}
	}
	return referrer, nil
}

func referralLevelUnder(referrer *Account) int {
	level := referrer.ReferralLevel + 1
	if level > 2 {
		level = 2
	}
	return level
}

// =============================================================================
// CODE VALIDATION (read-only pre-flight)
// =============================================================================

// ReferrerSummary is the public info returned by a successful validation.
type ReferrerSummary struct {
	ID               AccountID `json:"id"`
	Username         string    `json:"username"`
	FullName         string    `json:"fullName"`
	CurrentReferrals int       `json:"currentReferrals"`
	MaxReferrals     int       `json:"maxReferrals"`
}

type CodeValidation struct {
	Valid    bool             `json:"valid"`
	Reason   string           `json:"reason,omitempty"`
	Referrer *ReferrerSummary `json:"referrer,omitempty"`
}

// ValidateCode runs the registration checks without creating anything.
func (g *Graph) ValidateCode(ctx context.Context, code string) (CodeValidation, error) {
	referrer, err := g.lookupReferrer(ctx, code)
	if err == nil {
		return CodeValidation{
			Valid: true,
			Referrer: &ReferrerSummary{
				ID:               referrer.ID,
				Username:         referrer.Username,
				FullName:         referrer.FullName,
				CurrentReferrals: referrer.DirectReferralCount,
				MaxReferrals:     g.cfg.MaxDirectReferrals,
			},
		}, nil
	}
	if IsRegistrationRejection(err) {
		return CodeValidation{Valid: false, Reason: err.Error()}, nil
	}
	return CodeValidation{}, err
}

// =============================================================================
// TREE QUERIES
// =============================================================================

// TreeMember is a referral with its earning counters attached.
type TreeMember struct {
	Account  PublicView `json:"account"`
	Level    int        `json:"level"`
	IsActive bool       `json:"isActive"`
	Earnings Money      `json:"totalEarnings"`
}

type Tree struct {
	Self              PublicView   `json:"self"`
	DirectReferrals   []TreeMember `json:"directReferrals"`
	IndirectReferrals []TreeMember `json:"indirectReferrals"`
}

// Tree returns the account's referral tree. depth 1 returns direct
// referrals only; depth 2 adds the indirect level. Deeper levels are out of
// scope of the earning model and never returned.
func (g *Graph) Tree(ctx context.Context, id AccountID, depth int) (*Tree, error) {
	if depth < 1 || depth > 2 {
		return nil, &ValidationError{Field: "depth", Message: "must be 1 or 2"}
	}

	self, err := g.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	tree := &Tree{Self: self.Public(), DirectReferrals: []TreeMember{}, IndirectReferrals: []TreeMember{}}

	direct, err := g.store.ListDirectReferrals(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, a := range direct {
		tree.DirectReferrals = append(tree.DirectReferrals, treeMember(a, 1))
	}

	if depth == 2 {
		indirect, err := g.store.ListIndirectReferrals(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, a := range indirect {
			tree.IndirectReferrals = append(tree.IndirectReferrals, treeMember(a, 2))
		}
	}

	return tree, nil
}

func treeMember(a *Account, level int) TreeMember {
	return TreeMember{
		Account:  a.Public(),
		Level:    level,
		IsActive: a.IsActive,
		Earnings: a.TotalEarnings,
	}
}

// =============================================================================
// INPUT VALIDATION
// =============================================================================

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,30}$`)
	phonePattern    = regexp.MustCompile(`^[0-9]{10}$`)
)

func validateNewAccount(data NewAccount) error {
	if !usernamePattern.MatchString(data.Username) {
		return &ValidationError{Field: "username", Message: "must be 3-30 letters, digits, or underscores"}
	}
	if !strings.Contains(data.Email, "@") || len(data.Email) < 3 {
		return &ValidationError{Field: "email", Message: "must be a valid email address"}
	}
	if !phonePattern.MatchString(data.Phone) {
		return &ValidationError{Field: "phone", Message: "must be a 10-digit phone number"}
	}
	if l := len(strings.TrimSpace(data.FullName)); l < 2 || l > 100 {
		return &ValidationError{Field: "fullName", Message: "must be 2-100 characters"}
	}
	if data.PasswordHash == "" {
		return &ValidationError{Field: "password", Message: "credential is required"}
	}
	return nil
}
