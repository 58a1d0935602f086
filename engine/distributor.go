/*
distributor.go - Distribution Coordinator

PURPOSE:
  Owns the purchase state machine: pending -> completed | failed. Creates
  the ledger record, runs the calculator, credits each beneficiary, and
  transitions the record to its terminal state. Account balances are
  mutated here and nowhere else.

PARTIAL-FAILURE DESIGN:
  The original sin of this domain is looping over splits, saving each
  beneficiary, and marking the whole transaction failed on any error -
  leaving applied credits behind and double-crediting on retry. Two
  defenses here, layered:

  1. Every ApplyEarning writes a credit tombstone with the balance update.
     A retry of an already-applied split gets ErrAlreadyCredited and adds
     nothing. A failed transaction is therefore always safely retryable.
  2. When the store is a TxStore, the whole distribution (every credit plus
     the completed-status write) runs inside one WithTx, so a mid-flight
     store error rolls everything back.

  Inactive or vanished beneficiaries are skipped and recorded, never fatal.

EVENTS:
  EarningComputed fires once per credit that actually landed (after commit
  when transactional). PurchaseCompleted fires once per processed purchase,
  earnings or not.

SEE ALSO:
  - calculator.go: Split computation
  - store.go:      ApplyEarning / WithTx contracts
*/
package engine

import (
	"context"
	"errors"
	"fmt"
)

// maxTxIDAttempts bounds transaction-id regeneration on collision.
// Collisions require two purchases in the same millisecond drawing the
// same 6-character suffix; one retry is already paranoia.
const maxTxIDAttempts = 5

// =============================================================================
// DISTRIBUTOR
// =============================================================================

type Distributor struct {
	store    Store
	cfg      Config
	notifier Notifier
	clock    Clock
}

func NewDistributor(store Store, cfg Config, notifier Notifier, clock Clock) *Distributor {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Distributor{store: store, cfg: cfg, notifier: notifier, clock: clock}
}

// PurchaseInput carries a purchase request into the engine.
type PurchaseInput struct {
	Purchaser      AccountID
	PurchaseAmount Money
	ProfitAmount   Money
	ProductLabel   string
	Category       string
}

// =============================================================================
// PROCESS PURCHASE
// =============================================================================

// ProcessPurchase runs a purchase through the full pipeline. Malformed
// input and missing/inactive purchasers are rejected synchronously with no
// record created. Once the pending record exists, failures are recorded on
// it (status=failed, errorMessage) and returned as a non-nil Transaction
// with a nil error - the purchase was accepted, not fully processed.
func (d *Distributor) ProcessPurchase(ctx context.Context, in PurchaseInput) (*Transaction, error) {
	if err := validatePurchase(in); err != nil {
		return nil, err
	}

	purchaser, err := d.store.GetAccount(ctx, in.Purchaser)
	if err != nil {
		return nil, err
	}
	if !purchaser.IsActive {
		return nil, ErrAccountInactive
	}

	t, err := d.createPending(ctx, in)
	if err != nil {
		return nil, err
	}

	// Compute and persist splits while still pending. The chain is only
	// walked for valid purchases.
	result := SplitResult{Valid: false, Total: ZeroMoney()}
	if in.PurchaseAmount.GreaterThanOrEqual(d.cfg.MinPurchaseAmount) {
		r1, r2 := d.resolveAncestors(ctx, purchaser)
		result = ComputeSplits(in.PurchaseAmount, in.ProfitAmount, r1, r2, d.cfg)
	}
	t.ReferralChain = result.Splits
	t.IsValidForEarnings = result.Valid
	t.TotalEarningsDistributed = result.Total

	if err := d.store.SetSplits(ctx, t.ID, t.ReferralChain, t.IsValidForEarnings, t.TotalEarningsDistributed); err != nil {
		d.recordFailure(ctx, t, err)
		d.emitPurchase(ctx, t, in)
		return t, nil
	}

	d.distribute(ctx, t)
	d.emitPurchase(ctx, t, in)
	return t, nil
}

// Retry re-attempts distribution of a failed transaction. Re-running a
// completed transaction is a no-op: the credit tombstones guarantee no
// beneficiary balance changes.
func (d *Distributor) Retry(ctx context.Context, id TransactionID) (*Transaction, error) {
	t, err := d.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case StatusCompleted:
		return t, nil
	case StatusCancelled:
		return nil, &ValidationError{Field: "status", Message: "cancelled transactions are not retryable"}
	case StatusFailed:
		if err := d.store.ReopenForRetry(ctx, id); err != nil {
			return nil, err
		}
		t.Status = StatusPending
		t.ErrorMessage = ""
	}

	d.distribute(ctx, t)
	return t, nil
}

// =============================================================================
// DISTRIBUTION CORE
// =============================================================================

// distribute applies every split and moves t to a terminal state. All
// outcomes are recorded on t; distribute never returns an error because
// post-creation failures are data, not control flow.
func (d *Distributor) distribute(ctx context.Context, t *Transaction) {
	now := d.clock.Now()

	// No splits (below threshold, or no referrers): a normal, successful
	// outcome with nothing distributed.
	if len(t.ReferralChain) == 0 {
		if err := d.store.CompleteTransaction(ctx, t.ID, t.ReferralChain, now); err != nil {
			d.recordFailure(ctx, t, err)
			return
		}
		t.Status = StatusCompleted
		t.ProcessedAt = &now
		return
	}

	var applied []Split
	apply := func(s Store) error {
		applied = applied[:0]
		for i := range t.ReferralChain {
			sp := &t.ReferralChain[i]
			err := s.ApplyEarning(ctx, t.ID, sp.Beneficiary, sp.Amount, sp.IsDirect)
			switch {
			case err == nil:
				// A split skipped in an earlier attempt can land on retry
				// (beneficiary reactivated); the persisted chain must agree
				// with the credit.
				sp.Skipped = false
				sp.SkipReason = ""
				applied = append(applied, *sp)
			case errors.Is(err, ErrAlreadyCredited):
				// Landed in a previous attempt; event already emitted then.
			case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrAccountInactive):
				sp.Skipped = true
				sp.SkipReason = err.Error()
			default:
				return fmt.Errorf("%w: crediting %s: %v", ErrStoreUnavailable, sp.Beneficiary, err)
			}
		}
		return s.CompleteTransaction(ctx, t.ID, t.ReferralChain, now)
	}

	var err error
	if tx, ok := d.store.(TxStore); ok {
		err = tx.WithTx(ctx, apply)
	} else {
		err = apply(d.store)
	}
	if err != nil {
		d.recordFailure(ctx, t, err)
		return
	}

	t.Status = StatusCompleted
	t.ProcessedAt = &now
	for _, sp := range applied {
		d.notifier.EarningComputed(ctx, EarningComputed{
			BeneficiaryID: sp.Beneficiary,
			Amount:        sp.Amount,
			TransactionID: t.ID,
			IsDirect:      sp.IsDirect,
			Level:         sp.Level,
		})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (d *Distributor) createPending(ctx context.Context, in PurchaseInput) (*Transaction, error) {
	t := &Transaction{
		Purchaser:                in.Purchaser,
		PurchaseAmount:           in.PurchaseAmount,
		ProfitAmount:             in.ProfitAmount,
		Status:                   StatusPending,
		TotalEarningsDistributed: ZeroMoney(),
		ProductLabel:             in.ProductLabel,
		Category:                 in.Category,
		CreatedAt:                d.clock.Now(),
	}

	for attempt := 0; attempt < maxTxIDAttempts; attempt++ {
		t.ID = NewTransactionID()
		err := d.store.CreateTransaction(ctx, t)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrDuplicateTransactionID) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: exhausted transaction id attempts", ErrStoreUnavailable)
}

// resolveAncestors walks at most two hops up the referral chain. Missing
// ancestors resolve to nil; they simply earn nothing.
func (d *Distributor) resolveAncestors(ctx context.Context, purchaser *Account) (r1, r2 *Account) {
	if purchaser.ReferredBy == nil {
		return nil, nil
	}
	r1, err := d.store.GetAccount(ctx, *purchaser.ReferredBy)
	if err != nil {
		return nil, nil
	}
	if r1.ReferredBy == nil {
		return r1, nil
	}
	r2, err = d.store.GetAccount(ctx, *r1.ReferredBy)
	if err != nil {
		return r1, nil
	}
	return r1, r2
}

func (d *Distributor) recordFailure(ctx context.Context, t *Transaction, cause error) {
	now := d.clock.Now()
	t.Status = StatusFailed
	t.ErrorMessage = cause.Error()
	t.ProcessedAt = &now
	// Best effort: if even the failure write is refused, the record stays
	// pending and remains retryable.
	if err := d.store.FailTransaction(ctx, t.ID, t.ReferralChain, t.ErrorMessage, now); err != nil {
		t.Status = StatusPending
		t.ProcessedAt = nil
	}
}

func (d *Distributor) emitPurchase(ctx context.Context, t *Transaction, in PurchaseInput) {
	d.notifier.PurchaseCompleted(ctx, PurchaseCompleted{
		PurchaserID:   in.Purchaser,
		Amount:        in.PurchaseAmount,
		ProductLabel:  in.ProductLabel,
		TransactionID: t.ID,
	})
}

func validatePurchase(in PurchaseInput) error {
	if in.Purchaser == "" {
		return &ValidationError{Field: "purchaser", Message: "is required"}
	}
	if in.PurchaseAmount.IsNegative() {
		return &ValidationError{Field: "purchaseAmount", Message: "must not be negative"}
	}
	if in.ProfitAmount.IsNegative() {
		return &ValidationError{Field: "profitAmount", Message: "must not be negative"}
	}
	return nil
}
