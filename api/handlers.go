/*
handlers.go - HTTP API handlers for the referral earnings engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Auth:
    POST   /api/auth/register           Create account (optional referral code)
    POST   /api/auth/login              Authenticate, get bearer token

  Referrals:
    GET    /api/referrals/validate/{code}  Pre-flight code validation (public)
    GET    /api/referrals/tree             Caller's referral tree
    GET    /api/referrals/stats            Caller's referral stats

  Purchases:
    POST   /api/purchases               Process a purchase
    GET    /api/purchases               Caller's purchase history
    GET    /api/transactions/{id}       Transaction detail
    POST   /api/transactions/{id}/retry Retry a failed distribution

  Earnings:
    GET    /api/earnings/report         Caller's earnings report

  Notifications:
    GET    /api/notifications           Caller's notifications
    POST   /api/notifications/read      Mark read

  System:
    GET    /api/analytics               Engine-wide analytics
    GET    /api/leaderboard             Top earners

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401: Missing/invalid credentials
  - 403: Inactive account
  - 404: Resource not found
  - 409: Conflict (duplicates, fan-out limit)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/refnet/referral-engine/auth"
	"github.com/refnet/referral-engine/engine"
	"github.com/refnet/referral-engine/monitoring"
	"github.com/refnet/referral-engine/notify"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store         engine.Store
	Graph         *engine.Graph
	Distributor   *engine.Distributor
	Reporter      *engine.Reporter
	Auth          *auth.Authenticator
	Notifications *notify.Center
	Cfg           engine.Config
}

// NewHandler wires the handler with its dependencies.
func NewHandler(store engine.Store, cfg engine.Config, graph *engine.Graph, distributor *engine.Distributor, reporter *engine.Reporter, authn *auth.Authenticator, center *notify.Center) *Handler {
	return &Handler{
		Store:         store,
		Graph:         graph,
		Distributor:   distributor,
		Reporter:      reporter,
		Auth:          authn,
		Notifications: center,
		Cfg:           cfg,
	}
}

// =============================================================================
// AUTH HANDLERS
// =============================================================================

// Register creates an account.
// POST /api/auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	account, err := h.Graph.Register(r.Context(), engine.NewAccount{
		Username:     req.Username,
		Email:        req.Email,
		Phone:        req.Phone,
		FullName:     req.FullName,
		PasswordHash: hash,
	}, req.ReferralCode)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	monitoring.RegistrationsTotal.WithLabelValues(strconv.FormatBool(req.ReferralCode != "")).Inc()

	token, err := h.Auth.IssueToken(account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token", err)
		return
	}

	writeJSON(w, http.StatusCreated, AuthResponse{Account: toAccountDTO(account), Token: token})
}

// Login authenticates by username and password.
// POST /api/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	account, err := h.Store.GetByUsername(r.Context(), req.Username)
	if err != nil {
		// Same response for unknown user and bad password.
		writeError(w, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	}
	if err := auth.CheckPassword(account.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	}
	if !account.IsActive {
		writeError(w, http.StatusForbidden, "Account is deactivated", nil)
		return
	}

	token, err := h.Auth.IssueToken(account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token", err)
		return
	}

	writeJSON(w, http.StatusOK, AuthResponse{Account: toAccountDTO(account), Token: token})
}

// =============================================================================
// REFERRAL HANDLERS
// =============================================================================

// ValidateCode runs the registration pre-flight for a referral code.
// GET /api/referrals/validate/{code}
func (h *Handler) ValidateCode(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	validation, err := h.Graph.ValidateCode(r.Context(), code)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validation)
}

// Tree returns the caller's referral tree.
// GET /api/referrals/tree?depth=2
func (h *Handler) Tree(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil)
		return
	}

	depth := 2
	if raw := r.URL.Query().Get("depth"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid depth", err)
			return
		}
		depth = parsed
	}

	tree, err := h.Graph.Tree(r.Context(), id, depth)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

// Stats returns the caller's referral statistics.
// GET /api/referrals/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil)
		return
	}

	stats, err := h.Reporter.ReferralStats(r.Context(), id, h.Cfg.MaxDirectReferrals)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// PURCHASE HANDLERS
// =============================================================================

// CreatePurchase processes a purchase for the caller.
// POST /api/purchases
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil)
		return
	}

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	purchase, err := engine.NewMoneyFromString(req.PurchaseAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid purchaseAmount", err)
		return
	}
	profit, err := engine.NewMoneyFromString(req.ProfitAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid profitAmount", err)
		return
	}

	t, err := h.Distributor.ProcessPurchase(r.Context(), engine.PurchaseInput{
		Purchaser:      id,
		PurchaseAmount: purchase,
		ProfitAmount:   profit,
		ProductLabel:   req.ProductLabel,
		Category:       req.Category,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	recordPurchaseMetrics(t)
	writeJSON(w, http.StatusCreated, toTransactionDTO(t))
}

// ListPurchases returns the caller's own purchases, newest first.
// GET /api/purchases
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil)
		return
	}

	txs, err := h.Store.ListByPurchaser(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]TransactionDTO, 0, len(txs))
	for _, t := range txs {
		dtos = append(dtos, toTransactionDTO(t))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTransaction returns a transaction the caller is involved in.
// GET /api/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil)
		return
	}

	id := chi.URLParam(r, "id")
	if !engine.ValidTransactionID(id) {
		writeError(w, http.StatusBadRequest, "Invalid transaction id", nil)
		return
	}

	t, err := h.Store.GetTransaction(r.Context(), engine.TransactionID(id))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if !involved(t, caller) {
		writeError(w, http.StatusForbidden, "Not a participant of this transaction", nil)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(t))
}

// RetryTransaction re-attempts distribution of a failed transaction.
// POST /api/transactions/{id}/retry
func (h *Handler) RetryTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil)
		return
	}

	id := chi.URLParam(r, "id")
	if !engine.ValidTransactionID(id) {
		writeError(w, http.StatusBadRequest, "Invalid transaction id", nil)
		return
	}

	existing, err := h.Store.GetTransaction(r.Context(), engine.TransactionID(id))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if existing.Purchaser != caller {
		writeError(w, http.StatusForbidden, "Only the purchaser can retry", nil)
		return
	}

	t, err := h.Distributor.Retry(r.Context(), engine.TransactionID(id))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	recordPurchaseMetrics(t)
	writeJSON(w, http.StatusOK, toTransactionDTO(t))
}

func involved(t *engine.Transaction, id engine.AccountID) bool {
	if t.Purchaser == id {
		return true
	}
	_, ok := t.SplitFor(id)
	return ok
}

// =============================================================================
// EARNINGS / REPORTING HANDLERS
// =============================================================================

// EarningsReport returns the caller's earnings report.
// GET /api/earnings/report?from=RFC3339&to=RFC3339
func (h *Handler) EarningsReport(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil)
		return
	}

	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from", err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to", err)
		return
	}

	report, err := h.Reporter.UserEarningsReport(r.Context(), id, from, to)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Analytics returns engine-wide counters.
// GET /api/analytics
func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	analytics, err := h.Reporter.SystemAnalytics(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

// Leaderboard returns top earners.
// GET /api/leaderboard?limit=10
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = parsed
	}

	entries, err := h.Reporter.Leaderboard(r.Context(), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// NOTIFICATION HANDLERS
// =============================================================================

// ListNotifications returns the caller's notifications plus unread count.
// GET /api/notifications?limit=50
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": h.Notifications.List(id, limit),
		"unreadCount":   h.Notifications.UnreadCount(id),
	})
}

// MarkNotificationsRead marks one or all notifications read.
// POST /api/notifications/read
func (h *Handler) MarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil)
		return
	}

	var req MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.All {
		count := h.Notifications.MarkAllRead(id)
		writeJSON(w, http.StatusOK, map[string]int{"marked": count})
		return
	}
	if req.NotificationID == "" {
		writeError(w, http.StatusBadRequest, "notificationId or all is required", nil)
		return
	}
	if !h.Notifications.MarkRead(id, req.NotificationID) {
		writeError(w, http.StatusNotFound, "Notification not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": 1})
}

// =============================================================================
// HELPERS
// =============================================================================

func recordPurchaseMetrics(t *engine.Transaction) {
	monitoring.PurchasesTotal.WithLabelValues(string(t.Status)).Inc()
	if t.Status != engine.StatusCompleted {
		return
	}
	for _, sp := range t.ReferralChain {
		if sp.Skipped {
			continue
		}
		kind := "indirect"
		if sp.IsDirect {
			kind = "direct"
		}
		monitoring.SplitsAppliedTotal.WithLabelValues(kind).Inc()
	}
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation),
		errors.Is(err, engine.ErrInvalidReferralCode):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	case errors.Is(err, engine.ErrDuplicateIdentity),
		errors.Is(err, engine.ErrReferralLimitExceeded),
		errors.Is(err, engine.ErrDuplicateTransactionID):
		writeError(w, http.StatusConflict, "Conflict", err)
	case errors.Is(err, engine.ErrAccountNotFound),
		errors.Is(err, engine.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, engine.ErrAccountInactive),
		errors.Is(err, engine.ErrInactiveReferrer):
		writeError(w, http.StatusForbidden, "Account inactive", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
