// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/refnet/referral-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	accounts  map[engine.AccountID]*engine.Account
	byCode    map[string]engine.AccountID
	byUser    map[string]engine.AccountID
	byEmail   map[string]engine.AccountID
	byPhone   map[string]engine.AccountID
	joinOrder []engine.AccountID

	txs     map[engine.TransactionID]*engine.Transaction
	txOrder []engine.TransactionID

	credits map[creditKey]bool
}

type creditKey struct {
	Tx          engine.TransactionID
	Beneficiary engine.AccountID
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[engine.AccountID]*engine.Account),
		byCode:   make(map[string]engine.AccountID),
		byUser:   make(map[string]engine.AccountID),
		byEmail:  make(map[string]engine.AccountID),
		byPhone:  make(map[string]engine.AccountID),
		txs:      make(map[engine.TransactionID]*engine.Transaction),
		credits:  make(map[creditKey]bool),
	}
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, a *engine.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAccountLocked(a)
}

func (m *Memory) createAccountLocked(a *engine.Account) error {
	user := strings.ToLower(a.Username)
	email := strings.ToLower(a.Email)
	if _, taken := m.byUser[user]; taken {
		return engine.ErrDuplicateIdentity
	}
	if _, taken := m.byEmail[email]; taken {
		return engine.ErrDuplicateIdentity
	}
	if _, taken := m.byPhone[a.Phone]; taken {
		return engine.ErrDuplicateIdentity
	}
	if _, taken := m.byCode[a.ReferralCode]; taken {
		return engine.ErrDuplicateReferralCode
	}

	cp := cloneAccount(a)
	m.accounts[a.ID] = cp
	m.byCode[a.ReferralCode] = a.ID
	m.byUser[user] = a.ID
	m.byEmail[email] = a.ID
	m.byPhone[a.Phone] = a.ID
	m.joinOrder = append(m.joinOrder, a.ID)
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id engine.AccountID) (*engine.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountLocked(id)
}

func (m *Memory) getAccountLocked(id engine.AccountID) (*engine.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, engine.ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

func (m *Memory) GetByReferralCode(_ context.Context, code string) (*engine.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byCode[code]
	if !ok {
		return nil, engine.ErrAccountNotFound
	}
	return cloneAccount(m.accounts[id]), nil
}

func (m *Memory) GetByUsername(_ context.Context, username string) (*engine.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getByUsernameLocked(username)
}

func (m *Memory) getByUsernameLocked(username string) (*engine.Account, error) {
	id, ok := m.byUser[strings.ToLower(username)]
	if !ok {
		return nil, engine.ErrAccountNotFound
	}
	return cloneAccount(m.accounts[id]), nil
}

func (m *Memory) AddDirectReferral(_ context.Context, referrer engine.AccountID, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addDirectReferralLocked(referrer, max)
}

func (m *Memory) addDirectReferralLocked(referrer engine.AccountID, max int) error {
	a, ok := m.accounts[referrer]
	if !ok {
		return engine.ErrAccountNotFound
	}
	if !a.IsActive {
		return engine.ErrInactiveReferrer
	}
	// Single conditional increment under the store lock: the check and the
	// append cannot interleave with a concurrent registration.
	if a.DirectReferralCount >= max {
		return engine.ErrReferralLimitExceeded
	}
	a.DirectReferralCount++
	a.Version++
	return nil
}

func (m *Memory) ReleaseDirectReferral(_ context.Context, referrer engine.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseDirectReferralLocked(referrer)
}

func (m *Memory) releaseDirectReferralLocked(referrer engine.AccountID) error {
	a, ok := m.accounts[referrer]
	if !ok {
		return engine.ErrAccountNotFound
	}
	if a.DirectReferralCount > 0 {
		a.DirectReferralCount--
		a.Version++
	}
	return nil
}

func (m *Memory) ApplyEarning(_ context.Context, tx engine.TransactionID, beneficiary engine.AccountID, amount engine.Money, isDirect bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyEarningLocked(tx, beneficiary, amount, isDirect)
}

func (m *Memory) applyEarningLocked(tx engine.TransactionID, beneficiary engine.AccountID, amount engine.Money, isDirect bool) error {
	key := creditKey{Tx: tx, Beneficiary: beneficiary}
	if m.credits[key] {
		return engine.ErrAlreadyCredited
	}
	a, ok := m.accounts[beneficiary]
	if !ok {
		return engine.ErrAccountNotFound
	}
	if !a.IsActive {
		return engine.ErrAccountInactive
	}

	m.credits[key] = true
	a.TotalEarnings = a.TotalEarnings.Add(amount)
	if isDirect {
		a.DirectEarnings = a.DirectEarnings.Add(amount)
	} else {
		a.IndirectEarnings = a.IndirectEarnings.Add(amount)
	}
	a.Version++
	return nil
}

func (m *Memory) ListDirectReferrals(_ context.Context, id engine.AccountID) ([]*engine.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDirectLocked(id), nil
}

func (m *Memory) listDirectLocked(id engine.AccountID) []*engine.Account {
	var out []*engine.Account
	for _, aid := range m.joinOrder {
		a := m.accounts[aid]
		if a.ReferredBy != nil && *a.ReferredBy == id {
			out = append(out, cloneAccount(a))
		}
	}
	return out
}

func (m *Memory) ListIndirectReferrals(_ context.Context, id engine.AccountID) ([]*engine.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	direct := make(map[engine.AccountID]bool)
	for _, a := range m.accounts {
		if a.ReferredBy != nil && *a.ReferredBy == id {
			direct[a.ID] = true
		}
	}

	var out []*engine.Account
	for _, aid := range m.joinOrder {
		a := m.accounts[aid]
		if a.ReferredBy != nil && direct[*a.ReferredBy] {
			out = append(out, cloneAccount(a))
		}
	}
	return out, nil
}

func (m *Memory) TopEarners(_ context.Context, limit int) ([]*engine.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*engine.Account
	for _, aid := range m.joinOrder {
		if a := m.accounts[aid]; a.IsActive {
			out = append(out, cloneAccount(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TotalEarnings.Value.GreaterThan(out[j].TotalEarnings.Value)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountAccounts(_ context.Context) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := 0
	for _, a := range m.accounts {
		if a.IsActive {
			active++
		}
	}
	return len(m.accounts), active, nil
}

func (m *Memory) SetActive(_ context.Context, id engine.AccountID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return engine.ErrAccountNotFound
	}
	a.IsActive = active
	a.Version++
	return nil
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (m *Memory) CreateTransaction(_ context.Context, t *engine.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.txs[t.ID]; taken {
		return engine.ErrDuplicateTransactionID
	}
	m.txs[t.ID] = cloneTransaction(t)
	m.txOrder = append(m.txOrder, t.ID)
	return nil
}

func (m *Memory) SetSplits(_ context.Context, id engine.TransactionID, chain []engine.Split, valid bool, total engine.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[id]
	if !ok {
		return engine.ErrTransactionNotFound
	}
	t.ReferralChain = append([]engine.Split(nil), chain...)
	t.IsValidForEarnings = valid
	t.TotalEarningsDistributed = total
	return nil
}

func (m *Memory) CompleteTransaction(_ context.Context, id engine.TransactionID, chain []engine.Split, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishLocked(id, chain, engine.StatusCompleted, "", at)
}

func (m *Memory) FailTransaction(_ context.Context, id engine.TransactionID, chain []engine.Split, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishLocked(id, chain, engine.StatusFailed, errMsg, at)
}

func (m *Memory) finishLocked(id engine.TransactionID, chain []engine.Split, status engine.TransactionStatus, errMsg string, at time.Time) error {
	t, ok := m.txs[id]
	if !ok {
		return engine.ErrTransactionNotFound
	}
	t.ReferralChain = append([]engine.Split(nil), chain...)
	t.Status = status
	t.ErrorMessage = errMsg
	t.ProcessedAt = &at
	return nil
}

func (m *Memory) ReopenForRetry(_ context.Context, id engine.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[id]
	if !ok {
		return engine.ErrTransactionNotFound
	}
	if t.Status != engine.StatusFailed {
		return &engine.ValidationError{Field: "status", Message: "only failed transactions can be reopened"}
	}
	t.Status = engine.StatusPending
	t.ErrorMessage = ""
	t.ProcessedAt = nil
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id engine.TransactionID) (*engine.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txs[id]
	if !ok {
		return nil, engine.ErrTransactionNotFound
	}
	return cloneTransaction(t), nil
}

func (m *Memory) ListByPurchaser(_ context.Context, id engine.AccountID) ([]*engine.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*engine.Transaction
	for i := len(m.txOrder) - 1; i >= 0; i-- {
		t := m.txs[m.txOrder[i]]
		if t.Purchaser == id {
			out = append(out, cloneTransaction(t))
		}
	}
	return out, nil
}

func (m *Memory) ListByBeneficiary(_ context.Context, id engine.AccountID, from, to *time.Time) ([]*engine.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*engine.Transaction
	for i := len(m.txOrder) - 1; i >= 0; i-- {
		t := m.txs[m.txOrder[i]]
		if _, ok := t.SplitFor(id); !ok {
			continue
		}
		if from != nil && t.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && t.CreatedAt.After(*to) {
			continue
		}
		out = append(out, cloneTransaction(t))
	}
	return out, nil
}

func (m *Memory) RecentCompleted(_ context.Context, limit int) ([]*engine.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*engine.Transaction
	for i := len(m.txOrder) - 1; i >= 0 && len(out) < limit; i-- {
		t := m.txs[m.txOrder[i]]
		if t.Status == engine.StatusCompleted {
			out = append(out, cloneTransaction(t))
		}
	}
	return out, nil
}

func (m *Memory) TotalDistributed(_ context.Context) (engine.Money, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := engine.ZeroMoney()
	for _, t := range m.txs {
		if t.Status == engine.StatusCompleted {
			total = total.Add(t.TotalEarningsDistributed)
		}
	}
	return total, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with unit-of-work support, simulated with a
// snapshot + rollback on error.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

func (tm *TxMemory) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm.Memory}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts  map[engine.AccountID]*engine.Account
	byCode    map[string]engine.AccountID
	byUser    map[string]engine.AccountID
	byEmail   map[string]engine.AccountID
	byPhone   map[string]engine.AccountID
	joinOrder []engine.AccountID
	txs       map[engine.TransactionID]*engine.Transaction
	txOrder   []engine.TransactionID
	credits   map[creditKey]bool
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		accounts:  make(map[engine.AccountID]*engine.Account, len(tm.accounts)),
		byCode:    make(map[string]engine.AccountID, len(tm.byCode)),
		byUser:    make(map[string]engine.AccountID, len(tm.byUser)),
		byEmail:   make(map[string]engine.AccountID, len(tm.byEmail)),
		byPhone:   make(map[string]engine.AccountID, len(tm.byPhone)),
		joinOrder: append([]engine.AccountID(nil), tm.joinOrder...),
		txs:       make(map[engine.TransactionID]*engine.Transaction, len(tm.txs)),
		txOrder:   append([]engine.TransactionID(nil), tm.txOrder...),
		credits:   make(map[creditKey]bool, len(tm.credits)),
	}
	for k, v := range tm.accounts {
		s.accounts[k] = cloneAccount(v)
	}
	for k, v := range tm.byCode {
		s.byCode[k] = v
	}
	for k, v := range tm.byUser {
		s.byUser[k] = v
	}
	for k, v := range tm.byEmail {
		s.byEmail[k] = v
	}
	for k, v := range tm.byPhone {
		s.byPhone[k] = v
	}
	for k, v := range tm.txs {
		s.txs[k] = cloneTransaction(v)
	}
	for k, v := range tm.credits {
		s.credits[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.accounts = s.accounts
	tm.byCode = s.byCode
	tm.byUser = s.byUser
	tm.byEmail = s.byEmail
	tm.byPhone = s.byPhone
	tm.joinOrder = s.joinOrder
	tm.txs = s.txs
	tm.txOrder = s.txOrder
	tm.credits = s.credits
}

// txMemoryView runs against the already-locked parent.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) CreateAccount(_ context.Context, a *engine.Account) error {
	return tv.parent.createAccountLocked(a)
}

func (tv *txMemoryView) GetAccount(_ context.Context, id engine.AccountID) (*engine.Account, error) {
	return tv.parent.getAccountLocked(id)
}

func (tv *txMemoryView) GetByReferralCode(_ context.Context, code string) (*engine.Account, error) {
	id, ok := tv.parent.byCode[code]
	if !ok {
		return nil, engine.ErrAccountNotFound
	}
	return cloneAccount(tv.parent.accounts[id]), nil
}

func (tv *txMemoryView) GetByUsername(_ context.Context, username string) (*engine.Account, error) {
	return tv.parent.getByUsernameLocked(username)
}

func (tv *txMemoryView) AddDirectReferral(_ context.Context, referrer engine.AccountID, max int) error {
	return tv.parent.addDirectReferralLocked(referrer, max)
}

func (tv *txMemoryView) ReleaseDirectReferral(_ context.Context, referrer engine.AccountID) error {
	return tv.parent.releaseDirectReferralLocked(referrer)
}

func (tv *txMemoryView) ApplyEarning(_ context.Context, tx engine.TransactionID, beneficiary engine.AccountID, amount engine.Money, isDirect bool) error {
	return tv.parent.applyEarningLocked(tx, beneficiary, amount, isDirect)
}

func (tv *txMemoryView) ListDirectReferrals(_ context.Context, id engine.AccountID) ([]*engine.Account, error) {
	return tv.parent.listDirectLocked(id), nil
}

func (tv *txMemoryView) ListIndirectReferrals(ctx context.Context, id engine.AccountID) ([]*engine.Account, error) {
	direct := make(map[engine.AccountID]bool)
	for _, a := range tv.parent.accounts {
		if a.ReferredBy != nil && *a.ReferredBy == id {
			direct[a.ID] = true
		}
	}
	var out []*engine.Account
	for _, aid := range tv.parent.joinOrder {
		a := tv.parent.accounts[aid]
		if a.ReferredBy != nil && direct[*a.ReferredBy] {
			out = append(out, cloneAccount(a))
		}
	}
	return out, nil
}

func (tv *txMemoryView) TopEarners(ctx context.Context, limit int) ([]*engine.Account, error) {
	var out []*engine.Account
	for _, aid := range tv.parent.joinOrder {
		if a := tv.parent.accounts[aid]; a.IsActive {
			out = append(out, cloneAccount(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TotalEarnings.Value.GreaterThan(out[j].TotalEarnings.Value)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (tv *txMemoryView) CountAccounts(_ context.Context) (int, int, error) {
	active := 0
	for _, a := range tv.parent.accounts {
		if a.IsActive {
			active++
		}
	}
	return len(tv.parent.accounts), active, nil
}

func (tv *txMemoryView) SetActive(_ context.Context, id engine.AccountID, active bool) error {
	a, ok := tv.parent.accounts[id]
	if !ok {
		return engine.ErrAccountNotFound
	}
	a.IsActive = active
	a.Version++
	return nil
}

func (tv *txMemoryView) CreateTransaction(_ context.Context, t *engine.Transaction) error {
	if _, taken := tv.parent.txs[t.ID]; taken {
		return engine.ErrDuplicateTransactionID
	}
	tv.parent.txs[t.ID] = cloneTransaction(t)
	tv.parent.txOrder = append(tv.parent.txOrder, t.ID)
	return nil
}

func (tv *txMemoryView) SetSplits(_ context.Context, id engine.TransactionID, chain []engine.Split, valid bool, total engine.Money) error {
	t, ok := tv.parent.txs[id]
	if !ok {
		return engine.ErrTransactionNotFound
	}
	t.ReferralChain = append([]engine.Split(nil), chain...)
	t.IsValidForEarnings = valid
	t.TotalEarningsDistributed = total
	return nil
}

func (tv *txMemoryView) CompleteTransaction(_ context.Context, id engine.TransactionID, chain []engine.Split, at time.Time) error {
	return tv.parent.finishLocked(id, chain, engine.StatusCompleted, "", at)
}

func (tv *txMemoryView) FailTransaction(_ context.Context, id engine.TransactionID, chain []engine.Split, errMsg string, at time.Time) error {
	return tv.parent.finishLocked(id, chain, engine.StatusFailed, errMsg, at)
}

func (tv *txMemoryView) ReopenForRetry(_ context.Context, id engine.TransactionID) error {
	t, ok := tv.parent.txs[id]
	if !ok {
		return engine.ErrTransactionNotFound
	}
	if t.Status != engine.StatusFailed {
		return &engine.ValidationError{Field: "status", Message: "only failed transactions can be reopened"}
	}
	t.Status = engine.StatusPending
	t.ErrorMessage = ""
	t.ProcessedAt = nil
	return nil
}

func (tv *txMemoryView) GetTransaction(_ context.Context, id engine.TransactionID) (*engine.Transaction, error) {
	t, ok := tv.parent.txs[id]
	if !ok {
		return nil, engine.ErrTransactionNotFound
	}
	return cloneTransaction(t), nil
}

func (tv *txMemoryView) ListByPurchaser(_ context.Context, id engine.AccountID) ([]*engine.Transaction, error) {
	var out []*engine.Transaction
	for i := len(tv.parent.txOrder) - 1; i >= 0; i-- {
		t := tv.parent.txs[tv.parent.txOrder[i]]
		if t.Purchaser == id {
			out = append(out, cloneTransaction(t))
		}
	}
	return out, nil
}

func (tv *txMemoryView) ListByBeneficiary(_ context.Context, id engine.AccountID, from, to *time.Time) ([]*engine.Transaction, error) {
	var out []*engine.Transaction
	for i := len(tv.parent.txOrder) - 1; i >= 0; i-- {
		t := tv.parent.txs[tv.parent.txOrder[i]]
		if _, ok := t.SplitFor(id); !ok {
			continue
		}
		if from != nil && t.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && t.CreatedAt.After(*to) {
			continue
		}
		out = append(out, cloneTransaction(t))
	}
	return out, nil
}

func (tv *txMemoryView) RecentCompleted(_ context.Context, limit int) ([]*engine.Transaction, error) {
	var out []*engine.Transaction
	for i := len(tv.parent.txOrder) - 1; i >= 0 && len(out) < limit; i-- {
		t := tv.parent.txs[tv.parent.txOrder[i]]
		if t.Status == engine.StatusCompleted {
			out = append(out, cloneTransaction(t))
		}
	}
	return out, nil
}

func (tv *txMemoryView) TotalDistributed(_ context.Context) (engine.Money, error) {
	total := engine.ZeroMoney()
	for _, t := range tv.parent.txs {
		if t.Status == engine.StatusCompleted {
			total = total.Add(t.TotalEarningsDistributed)
		}
	}
	return total, nil
}

// =============================================================================
// CLONE HELPERS
// =============================================================================

func cloneAccount(a *engine.Account) *engine.Account {
	cp := *a
	if a.ReferredBy != nil {
		id := *a.ReferredBy
		cp.ReferredBy = &id
	}
	return &cp
}

func cloneTransaction(t *engine.Transaction) *engine.Transaction {
	cp := *t
	cp.ReferralChain = append([]engine.Split(nil), t.ReferralChain...)
	if t.ProcessedAt != nil {
		at := *t.ProcessedAt
		cp.ProcessedAt = &at
	}
	return &cp
}
