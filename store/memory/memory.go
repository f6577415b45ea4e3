// Package memory provides an in-memory implementation of every store
// interface in the engine (for testing/dev).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/compliance-engine/enforcement"
	"github.com/warp/compliance-engine/fund"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory implements enforcement.StateStore, enforcement.DecisionLog,
// enforcement.SignalStore, and fund.Store behind one RWMutex.
type Memory struct {
	mu sync.RWMutex

	states    map[string]*enforcement.ComplianceState
	decisions []enforcement.Decision
	claims    map[claimKey]bool
	signals   []enforcement.Signal

	transactions map[string][]fund.Transaction
	accounts     map[string]*fund.Account
	idempotency  map[string]bool
}

// claimKey identifies an escalation crossing: at most one escalation
// decision may exist per (user, tier).
type claimKey struct {
	UserID string
	Tier   int
}

func NewMemory() *Memory {
	return &Memory{
		states:       make(map[string]*enforcement.ComplianceState),
		claims:       make(map[claimKey]bool),
		transactions: make(map[string][]fund.Transaction),
		accounts:     make(map[string]*fund.Account),
		idempotency:  make(map[string]bool),
	}
}

// =============================================================================
// STATE STORE
// =============================================================================

// ListUserIDs returns every user with a compliance state, sorted.
func (m *Memory) ListUserIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) GetState(_ context.Context, userID string) (*enforcement.ComplianceState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[userID]
	if !ok {
		return nil, nil
	}
	return copyState(st), nil
}

func (m *Memory) PutState(_ context.Context, st *enforcement.ComplianceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := copyState(st)
	stored.UpdatedAt = time.Now().UTC()
	m.states[st.UserID] = stored
	return nil
}

// UpdateState applies the compare-and-swap write: the stored row must
// still carry the expected tier and bleeding window start.
func (m *Memory) UpdateState(_ context.Context, st *enforcement.ComplianceState, expectTier int, expectBleedingStartedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.states[st.UserID]
	if !ok {
		return enforcement.ErrStateNotFound
	}
	if current.EscalationTier != expectTier || !sameInstant(current.BleedingStartedAt, expectBleedingStartedAt) {
		return &enforcement.TierConflictError{UserID: st.UserID, ExpectedTier: expectTier}
	}

	stored := copyState(st)
	stored.UpdatedAt = time.Now().UTC()
	m.states[st.UserID] = stored
	return nil
}

func copyState(st *enforcement.ComplianceState) *enforcement.ComplianceState {
	cp := *st
	if st.BleedingStartedAt != nil {
		t := *st.BleedingStartedAt
		cp.BleedingStartedAt = &t
	}
	return &cp
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// =============================================================================
// DECISION LOG
// =============================================================================

func (m *Memory) AppendDecision(_ context.Context, d enforcement.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.Type == enforcement.DecisionEscalation {
		k := claimKey{UserID: d.UserID, Tier: d.Tier}
		if m.claims[k] {
			return enforcement.ErrDuplicateCrossing
		}
		m.claims[k] = true
	}
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *Memory) DecisionsInRange(_ context.Context, userID string, from, to time.Time) ([]enforcement.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []enforcement.Decision
	for _, d := range m.decisions {
		if d.UserID == userID && !d.ExecutedAt.Before(from) && !d.ExecutedAt.After(to) {
			result = append(result, d)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ExecutedAt.Before(result[j].ExecutedAt)
	})
	return result, nil
}

func (m *Memory) DecisionsByUser(_ context.Context, userID string, limit int) ([]enforcement.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []enforcement.Decision
	for _, d := range m.decisions {
		if d.UserID == userID {
			result = append(result, d)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ExecutedAt.After(result[j].ExecutedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// =============================================================================
// SIGNAL STORE
// =============================================================================

func (m *Memory) AppendSignal(_ context.Context, s enforcement.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, s)
	return nil
}

func (m *Memory) UpdateSignalDelivery(_ context.Context, id string, status enforcement.SignalStatus, attempts int, lastError string, deliveredAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.signals {
		if m.signals[i].ID == id {
			m.signals[i].Status = status
			m.signals[i].Attempts = attempts
			m.signals[i].LastError = lastError
			m.signals[i].DeliveredAt = deliveredAt
			return nil
		}
	}
	return fmt.Errorf("signal %s not found", id)
}

func (m *Memory) PendingSignals(_ context.Context, limit int) ([]enforcement.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []enforcement.Signal
	for _, s := range m.signals {
		if s.Status == enforcement.SignalPending {
			result = append(result, s)
		}
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) SignalsByUser(_ context.Context, userID string, from, to time.Time) ([]enforcement.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []enforcement.Signal
	for _, s := range m.signals {
		if s.UserID == userID && !s.CreatedAt.Before(from) && !s.CreatedAt.After(to) {
			result = append(result, s)
		}
	}
	return result, nil
}

// =============================================================================
// FUND STORE
// =============================================================================

func (m *Memory) AppendTransaction(_ context.Context, tx fund.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendTransactionLocked(tx)
}

func (m *Memory) appendTransactionLocked(tx fund.Transaction) error {
	if tx.IdempotencyKey != "" && m.idempotency[tx.IdempotencyKey] {
		return fund.ErrDuplicateIdempotencyKey
	}

	txs := m.transactions[tx.UserID]
	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].CreatedAt.After(tx.CreatedAt)
	})
	txs = append(txs, fund.Transaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = tx
	m.transactions[tx.UserID] = txs

	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) Transactions(_ context.Context, userID string) ([]fund.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transactionsLocked(userID), nil
}

func (m *Memory) transactionsLocked(userID string) []fund.Transaction {
	result := make([]fund.Transaction, len(m.transactions[userID]))
	copy(result, m.transactions[userID])
	return result
}

func (m *Memory) TransactionsInRange(_ context.Context, userID string, from, to time.Time) ([]fund.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transactionsInRangeLocked(userID, from, to), nil
}

func (m *Memory) transactionsInRangeLocked(userID string, from, to time.Time) []fund.Transaction {
	var result []fund.Transaction
	for _, tx := range m.transactions[userID] {
		if !tx.CreatedAt.Before(from) && !tx.CreatedAt.After(to) {
			result = append(result, tx)
		}
	}
	return result
}

func (m *Memory) HasIdempotencyKey(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[key], nil
}

func (m *Memory) GetAccount(_ context.Context, userID string) (*fund.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountLocked(userID), nil
}

func (m *Memory) getAccountLocked(userID string) *fund.Account {
	acct, ok := m.accounts[userID]
	if !ok {
		return nil
	}
	cp := *acct
	return &cp
}

func (m *Memory) PutAccount(_ context.Context, a *fund.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putAccountLocked(a)
	return nil
}

func (m *Memory) putAccountLocked(a *fund.Account) {
	cp := *a
	m.accounts[a.UserID] = &cp
}

// WithTx executes fn atomically, simulated with a snapshot + rollback
// on error.
func (m *Memory) WithTx(ctx context.Context, fn func(fund.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshotFunds()
	if err := fn(&txFundView{parent: m}); err != nil {
		m.restoreFunds(snapshot)
		return err
	}
	return nil
}

type fundSnapshot struct {
	transactions map[string][]fund.Transaction
	accounts     map[string]*fund.Account
	idempotency  map[string]bool
}

func (m *Memory) snapshotFunds() fundSnapshot {
	txsCopy := make(map[string][]fund.Transaction)
	for k, v := range m.transactions {
		txsCopy[k] = append([]fund.Transaction{}, v...)
	}
	acctCopy := make(map[string]*fund.Account)
	for k, v := range m.accounts {
		cp := *v
		acctCopy[k] = &cp
	}
	idempCopy := make(map[string]bool)
	for k, v := range m.idempotency {
		idempCopy[k] = v
	}
	return fundSnapshot{transactions: txsCopy, accounts: acctCopy, idempotency: idempCopy}
}

func (m *Memory) restoreFunds(s fundSnapshot) {
	m.transactions = s.transactions
	m.accounts = s.accounts
	m.idempotency = s.idempotency
}

// txFundView is the fund.Store handed to WithTx callbacks. The parent
// already holds the write lock, so it calls the locked helpers directly.
type txFundView struct {
	parent *Memory
}

func (tv *txFundView) AppendTransaction(_ context.Context, tx fund.Transaction) error {
	return tv.parent.appendTransactionLocked(tx)
}

func (tv *txFundView) Transactions(_ context.Context, userID string) ([]fund.Transaction, error) {
	return tv.parent.transactionsLocked(userID), nil
}

func (tv *txFundView) TransactionsInRange(_ context.Context, userID string, from, to time.Time) ([]fund.Transaction, error) {
	return tv.parent.transactionsInRangeLocked(userID, from, to), nil
}

func (tv *txFundView) HasIdempotencyKey(_ context.Context, key string) (bool, error) {
	return tv.parent.idempotency[key], nil
}

func (tv *txFundView) GetAccount(_ context.Context, userID string) (*fund.Account, error) {
	return tv.parent.getAccountLocked(userID), nil
}

func (tv *txFundView) PutAccount(_ context.Context, a *fund.Account) error {
	tv.parent.putAccountLocked(a)
	return nil
}

func (tv *txFundView) WithTx(ctx context.Context, fn func(fund.Store) error) error {
	return fn(tv)
}
