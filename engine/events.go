/*
events.go - Events emitted to the notification collaborator

PURPOSE:
  The engine does not deliver notifications. It emits three event shapes,
  each exactly once per underlying state transition, and a notification
  subsystem (see the notify package) consumes them. The Notifier handle is
  explicitly owned: created at process start, passed in, closed at shutdown.

EVENT SHAPES:
  ReferralAdded    - a new account registered under a sponsor's code
  EarningComputed  - a split was credited to a beneficiary's balance
  PurchaseCompleted - a purchase finished processing (with or without splits)

SEE ALSO:
  - graph.go:       emits ReferralAdded
  - distributor.go: emits EarningComputed and PurchaseCompleted
*/
package engine

import "context"

// =============================================================================
// EVENT SHAPES
// =============================================================================

type ReferralAdded struct {
	SponsorID  AccountID
	NewAccount PublicView
}

type EarningComputed struct {
	BeneficiaryID AccountID
	Amount        Money
	TransactionID TransactionID
	IsDirect      bool
	Level         ReferralLevel
}

type PurchaseCompleted struct {
	PurchaserID   AccountID
	Amount        Money
	ProductLabel  string
	TransactionID TransactionID
}

// =============================================================================
// NOTIFIER - Consumed by the notification/delivery collaborator
// =============================================================================

// Notifier receives engine events. Implementations must not block the
// distribution path for long; delivery failures are the collaborator's
// problem, never the engine's.
type Notifier interface {
	ReferralAdded(ctx context.Context, ev ReferralAdded)
	EarningComputed(ctx context.Context, ev EarningComputed)
	PurchaseCompleted(ctx context.Context, ev PurchaseCompleted)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) ReferralAdded(context.Context, ReferralAdded)         {}
func (NopNotifier) EarningComputed(context.Context, EarningComputed)     {}
func (NopNotifier) PurchaseCompleted(context.Context, PurchaseCompleted) {}

// MultiNotifier fans events out to several consumers in order.
type MultiNotifier []Notifier

func (m MultiNotifier) ReferralAdded(ctx context.Context, ev ReferralAdded) {
	for _, n := range m {
		n.ReferralAdded(ctx, ev)
	}
}

func (m MultiNotifier) EarningComputed(ctx context.Context, ev EarningComputed) {
	for _, n := range m {
		n.EarningComputed(ctx, ev)
	}
}

func (m MultiNotifier) PurchaseCompleted(ctx context.Context, ev PurchaseCompleted) {
	for _, n := range m {
		n.PurchaseCompleted(ctx, ev)
	}
}
