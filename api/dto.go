/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/refnet/referral-engine/engine"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// RegisterRequest is the request to create an account.
type RegisterRequest struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	FullName     string `json:"fullName"`
	Password     string `json:"password"`
	ReferralCode string `json:"referralCode,omitempty"`
}

// LoginRequest is the request to authenticate.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AccountDTO represents the caller's own account in API responses.
type AccountDTO struct {
	ID                  string  `json:"id"`
	Username            string  `json:"username"`
	Email               string  `json:"email"`
	Phone               string  `json:"phone"`
	FullName            string  `json:"fullName"`
	ReferralCode        string  `json:"referralCode"`
	ReferredBy          *string `json:"referredBy,omitempty"`
	ReferralLevel       int     `json:"referralLevel"`
	DirectReferralCount int     `json:"directReferralCount"`
	TotalEarnings       string  `json:"totalEarnings"`
	DirectEarnings      string  `json:"directEarnings"`
	IndirectEarnings    string  `json:"indirectEarnings"`
	IsActive            bool    `json:"isActive"`
	CreatedAt           string  `json:"createdAt"`
}

// AuthResponse carries the account and its bearer token.
type AuthResponse struct {
	Account AccountDTO `json:"account"`
	Token   string     `json:"token"`
}

// PurchaseRequest is the request to process a purchase.
type PurchaseRequest struct {
	PurchaseAmount string `json:"purchaseAmount"`
	ProfitAmount   string `json:"profitAmount"`
	ProductLabel   string `json:"productLabel,omitempty"`
	Category       string `json:"category,omitempty"`
}

// SplitDTO is one beneficiary's share in a transaction response.
type SplitDTO struct {
	Beneficiary string `json:"beneficiary"`
	Level       int    `json:"level"`
	Percentage  string `json:"percentage"`
	Amount      string `json:"amount"`
	IsDirect    bool   `json:"isDirect"`
	Skipped     bool   `json:"skipped,omitempty"`
	SkipReason  string `json:"skipReason,omitempty"`
}

// TransactionDTO represents a purchase transaction.
type TransactionDTO struct {
	ID                       string     `json:"id"`
	Purchaser                string     `json:"purchaser"`
	PurchaseAmount           string     `json:"purchaseAmount"`
	ProfitAmount             string     `json:"profitAmount"`
	ReferralChain            []SplitDTO `json:"referralChain"`
	IsValidForEarnings       bool       `json:"isValidForEarnings"`
	TotalEarningsDistributed string     `json:"totalEarningsDistributed"`
	Status                   string     `json:"status"`
	ProcessedAt              *string    `json:"processedAt,omitempty"`
	ErrorMessage             string     `json:"errorMessage,omitempty"`
	ProductLabel             string     `json:"productLabel,omitempty"`
	Category                 string     `json:"category,omitempty"`
	CreatedAt                string     `json:"createdAt"`
}

// MarkReadRequest marks one or all notifications read.
type MarkReadRequest struct {
	NotificationID string `json:"notificationId,omitempty"`
	All            bool   `json:"all,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toAccountDTO(a *engine.Account) AccountDTO {
	dto := AccountDTO{
		ID:                  string(a.ID),
		Username:            a.Username,
		Email:               a.Email,
		Phone:               a.Phone,
		FullName:            a.FullName,
		ReferralCode:        a.ReferralCode,
		ReferralLevel:       a.ReferralLevel,
		DirectReferralCount: a.DirectReferralCount,
		TotalEarnings:       a.TotalEarnings.String(),
		DirectEarnings:      a.DirectEarnings.String(),
		IndirectEarnings:    a.IndirectEarnings.String(),
		IsActive:            a.IsActive,
		CreatedAt:           a.CreatedAt.Format(time.RFC3339),
	}
	if a.ReferredBy != nil {
		s := string(*a.ReferredBy)
		dto.ReferredBy = &s
	}
	return dto
}

func toTransactionDTO(t *engine.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:                       string(t.ID),
		Purchaser:                string(t.Purchaser),
		PurchaseAmount:           t.PurchaseAmount.String(),
		ProfitAmount:             t.ProfitAmount.String(),
		ReferralChain:            []SplitDTO{},
		IsValidForEarnings:       t.IsValidForEarnings,
		TotalEarningsDistributed: t.TotalEarningsDistributed.String(),
		Status:                   string(t.Status),
		ErrorMessage:             t.ErrorMessage,
		ProductLabel:             t.ProductLabel,
		Category:                 t.Category,
		CreatedAt:                t.CreatedAt.Format(time.RFC3339),
	}
	if t.ProcessedAt != nil {
		s := t.ProcessedAt.Format(time.RFC3339)
		dto.ProcessedAt = &s
	}
	for _, sp := range t.ReferralChain {
		dto.ReferralChain = append(dto.ReferralChain, SplitDTO{
			Beneficiary: string(sp.Beneficiary),
			Level:       int(sp.Level),
			Percentage:  sp.Percentage.String(),
			Amount:      sp.Amount.String(),
			IsDirect:    sp.IsDirect,
			Skipped:     sp.Skipped,
			SkipReason:  sp.SkipReason,
		})
	}
	return dto
}
