// Package telegram forwards engine events to a Telegram chat. Used as an
// operator feed: one channel sees every earning, referral, and purchase.
package telegram

import (
	"context"
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/refnet/referral-engine/engine"
)

// Notifier implements engine.Notifier over a Telegram bot. Send failures
// are logged and dropped; delivery is best effort and never blocks the
// engine.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func New(token string, chatID int64) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Notifier{bot: bot, chatID: chatID}, nil
}

func (n *Notifier) EarningComputed(_ context.Context, e engine.EarningComputed) {
	kind := "direct"
	if !e.IsDirect {
		kind = "indirect"
	}
	n.send(fmt.Sprintf("💰 %s earned %s (%s, level %d) on %s",
		e.BeneficiaryID, e.Amount, kind, e.Level, e.TransactionID))
}

func (n *Notifier) ReferralAdded(_ context.Context, e engine.ReferralAdded) {
	n.send(fmt.Sprintf("🔗 %s referred %s", e.SponsorID, e.NewAccount.Username))
}

func (n *Notifier) PurchaseCompleted(_ context.Context, e engine.PurchaseCompleted) {
	n.send(fmt.Sprintf("🛒 %s purchased for %s (%s)", e.PurchaserID, e.Amount, e.TransactionID))
}

func (n *Notifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		log.Printf("telegram: send failed: %v", err)
	}
}
