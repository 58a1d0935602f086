/*
Package notify turns engine events into stored, per-account notifications.

PURPOSE:
  Implements engine.Notifier by writing a notification record per event
  (earning, referral, purchase) into its own store, and exposes the
  read/mark-read surface the HTTP layer serves. Delivery adapters (see the
  telegram subpackage) can fan the same events out to external channels.

TAGGED UNION:
  Kind selects which Data payload is populated; exactly one of
  EarningData/ReferralData/PurchaseData is non-nil for the matching kind,
  all are nil for KindSystem.
*/
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/refnet/referral-engine/engine"
)

// =============================================================================
// NOTIFICATION RECORD
// =============================================================================

type Kind string

const (
	KindEarning  Kind = "earning"
	KindReferral Kind = "referral"
	KindPurchase Kind = "purchase"
	KindSystem   Kind = "system"
)

type EarningData struct {
	Amount        engine.Money         `json:"amount"`
	TransactionID engine.TransactionID `json:"transactionId"`
	Level         engine.ReferralLevel `json:"level"`
	IsDirect      bool                 `json:"isDirect"`
}

type ReferralData struct {
	NewAccount   engine.AccountID `json:"newAccount"`
	Username     string           `json:"username"`
	ReferralCode string           `json:"referralCode"`
}

type PurchaseData struct {
	Amount        engine.Money         `json:"amount"`
	ProductLabel  string               `json:"productLabel"`
	TransactionID engine.TransactionID `json:"transactionId"`
}

type Notification struct {
	ID        string           `json:"id"`
	Recipient engine.AccountID `json:"recipient"`
	Kind      Kind             `json:"kind"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`

	Earning  *EarningData  `json:"earning,omitempty"`
	Referral *ReferralData `json:"referral,omitempty"`
	Purchase *PurchaseData `json:"purchase,omitempty"`

	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// =============================================================================
// CENTER - stored notifications + engine.Notifier implementation
// =============================================================================

// Center records notifications in memory, newest retrievable first. The
// records are advisory; losing them never affects balances or the ledger,
// which is why this store is deliberately simpler than the engine's.
type Center struct {
	mu      sync.RWMutex
	byOwner map[engine.AccountID][]*Notification
}

func NewCenter() *Center {
	return &Center{byOwner: make(map[engine.AccountID][]*Notification)}
}

// EarningComputed implements engine.Notifier.
func (c *Center) EarningComputed(_ context.Context, e engine.EarningComputed) {
	title := "Direct Referral Earnings!"
	kindWord := "direct"
	if !e.IsDirect {
		title = "Indirect Referral Earnings!"
		kindWord = "indirect"
	}
	c.add(&Notification{
		Recipient: e.BeneficiaryID,
		Kind:      KindEarning,
		Title:     title,
		Message: fmt.Sprintf("You earned %s from your %s referral's purchase (Transaction: %s)",
			e.Amount, kindWord, e.TransactionID),
		Earning: &EarningData{
			Amount:        e.Amount,
			TransactionID: e.TransactionID,
			Level:         e.Level,
			IsDirect:      e.IsDirect,
		},
	})
}

// ReferralAdded implements engine.Notifier.
func (c *Center) ReferralAdded(_ context.Context, e engine.ReferralAdded) {
	c.add(&Notification{
		Recipient: e.SponsorID,
		Kind:      KindReferral,
		Title:     "New Referral Added!",
		Message: fmt.Sprintf("Congratulations! You have a new direct referral: %s",
			e.NewAccount.Username),
		Referral: &ReferralData{
			NewAccount:   e.NewAccount.ID,
			Username:     e.NewAccount.Username,
			ReferralCode: e.NewAccount.ReferralCode,
		},
	})
}

// PurchaseCompleted implements engine.Notifier.
func (c *Center) PurchaseCompleted(_ context.Context, e engine.PurchaseCompleted) {
	label := e.ProductLabel
	if label == "" {
		label = "your order"
	}
	c.add(&Notification{
		Recipient: e.PurchaserID,
		Kind:      KindPurchase,
		Title:     "Purchase Completed!",
		Message: fmt.Sprintf("Your purchase of %s for %s has been processed.",
			label, e.Amount),
		Purchase: &PurchaseData{
			Amount:        e.Amount,
			ProductLabel:  e.ProductLabel,
			TransactionID: e.TransactionID,
		},
	})
}

// System records an operator-originated notification.
func (c *Center) System(recipient engine.AccountID, title, message string) {
	c.add(&Notification{
		Recipient: recipient,
		Kind:      KindSystem,
		Title:     title,
		Message:   message,
	})
}

func (c *Center) add(n *Notification) {
	n.ID = uuid.NewString()
	n.CreatedAt = time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byOwner[n.Recipient] = append(c.byOwner[n.Recipient], n)
}

// =============================================================================
// READ SURFACE
// =============================================================================

// List returns an account's notifications, newest first.
func (c *Center) List(id engine.AccountID, limit int) []*Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()

	owned := c.byOwner[id]
	out := make([]*Notification, 0, len(owned))
	for _, n := range owned {
		cp := *n
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// UnreadCount returns the number of unread notifications.
func (c *Center) UnreadCount(id engine.AccountID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, n := range c.byOwner[id] {
		if !n.Read {
			count++
		}
	}
	return count
}

// MarkRead marks one notification read. Returns false if it does not exist
// or belongs to someone else.
func (c *Center) MarkRead(id engine.AccountID, notificationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.byOwner[id] {
		if n.ID == notificationID {
			n.Read = true
			return true
		}
	}
	return false
}

// MarkAllRead marks every notification of the account read.
func (c *Center) MarkAllRead(id engine.AccountID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, n := range c.byOwner[id] {
		if !n.Read {
			n.Read = true
			count++
		}
	}
	return count
}
