// Package store provides the in-memory TxStore implementation, used by
// tests and development setups.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/clubtab/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type memoryState struct {
	accounts     map[ledger.AccountID]ledger.Account
	products     map[ledger.ProductID]ledger.Product
	transactions []ledger.Transaction // append order, Seq ascending
	txIndex      map[ledger.TransactionID]int
	snapshots    map[ledger.AccountID][]ledger.AccountBalance
	seq          int64
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

func newMemoryState() memoryState {
	return memoryState{
		accounts:  make(map[ledger.AccountID]ledger.Account),
		products:  make(map[ledger.ProductID]ledger.Product),
		txIndex:   make(map[ledger.TransactionID]int),
		snapshots: make(map[ledger.AccountID][]ledger.AccountBalance),
	}
}

func (s *memoryState) clone() memoryState {
	c := memoryState{
		accounts:     make(map[ledger.AccountID]ledger.Account, len(s.accounts)),
		products:     make(map[ledger.ProductID]ledger.Product, len(s.products)),
		transactions: append([]ledger.Transaction(nil), s.transactions...),
		txIndex:      make(map[ledger.TransactionID]int, len(s.txIndex)),
		snapshots:    make(map[ledger.AccountID][]ledger.AccountBalance, len(s.snapshots)),
		seq:          s.seq,
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.txIndex {
		c.txIndex[k] = v
	}
	for k, v := range s.snapshots {
		c.snapshots[k] = append([]ledger.AccountBalance(nil), v...)
	}
	return c
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) SaveAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.accounts[a.ID] = a
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getAccount(id), nil
}

func (m *Memory) ListAccounts(_ context.Context, includeInactive bool) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listAccounts(includeInactive), nil
}

func (s *memoryState) getAccount(id ledger.AccountID) *ledger.Account {
	if a, ok := s.accounts[id]; ok {
		copy := a
		return &copy
	}
	return nil
}

func (s *memoryState) listAccounts(includeInactive bool) []ledger.Account {
	var out []ledger.Account
	for _, a := range s.accounts {
		if a.Active || includeInactive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (m *Memory) SaveProduct(_ context.Context, p ledger.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.products[p.ID] = p
	return nil
}

func (m *Memory) GetProduct(_ context.Context, id ledger.ProductID) (*ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.state.products[id]; ok {
		copy := p
		return &copy, nil
	}
	return nil, nil
}

func (m *Memory) ListProducts(_ context.Context) ([]ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Product, 0, len(m.state.products))
	for _, p := range m.state.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Order < out[j].Order
	})
	return out, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) AppendTransaction(_ context.Context, tx *ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.appendTransaction(tx)
}

func (s *memoryState) appendTransaction(tx *ledger.Transaction) error {
	s.seq++
	tx.Seq = s.seq
	s.txIndex[tx.ID] = len(s.transactions)
	s.transactions = append(s.transactions, *tx)
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getTransaction(id), nil
}

func (s *memoryState) getTransaction(id ledger.TransactionID) *ledger.Transaction {
	if i, ok := s.txIndex[id]; ok {
		copy := s.transactions[i]
		return &copy
	}
	return nil
}

func (m *Memory) SetRelatedTransaction(_ context.Context, id, related ledger.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.setRelated(id, related)
}

func (s *memoryState) setRelated(id, related ledger.TransactionID) error {
	i, ok := s.txIndex[id]
	if !ok {
		return ledger.ErrNotFound
	}
	if s.transactions[i].RelatedTransactionID != nil {
		return ledger.ErrAlreadyReverted
	}
	s.transactions[i].RelatedTransactionID = &related
	return nil
}

func (m *Memory) UnsettledTransactions(_ context.Context, account ledger.AccountID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.unsettled(account), nil
}

func (s *memoryState) unsettled(account ledger.AccountID) []ledger.Transaction {
	var out []ledger.Transaction
	for _, tx := range s.transactions {
		if tx.AccountID == account && tx.ClosingBalanceID == nil {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (m *Memory) UnsettledSum(_ context.Context, account ledger.AccountID) (ledger.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.unsettledSum(account), nil
}

func (s *memoryState) unsettledSum(account ledger.AccountID) ledger.Amount {
	var sum ledger.Amount
	for i := range s.transactions {
		tx := &s.transactions[i]
		if tx.AccountID == account && tx.ClosingBalanceID == nil {
			sum += tx.SignedAmount()
		}
	}
	return sum
}

func (m *Memory) TransactionsAfter(_ context.Context, seq int64, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Transaction
	for _, tx := range m.state.transactions {
		if tx.Seq > seq {
			out = append(out, tx)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) LatestTransaction(_ context.Context) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.latestTransaction(), nil
}

func (s *memoryState) latestTransaction() *ledger.Transaction {
	if len(s.transactions) == 0 {
		return nil
	}
	copy := s.transactions[len(s.transactions)-1]
	return &copy
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (m *Memory) SaveSnapshot(_ context.Context, b ledger.AccountBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.snapshots[b.AccountID] = append(m.state.snapshots[b.AccountID], b)
	return nil
}

func (m *Memory) LastSnapshot(_ context.Context, account ledger.AccountID) (*ledger.AccountBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.lastSnapshot(account), nil
}

func (s *memoryState) lastSnapshot(account ledger.AccountID) *ledger.AccountBalance {
	snaps := s.snapshots[account]
	if len(snaps) == 0 {
		return nil
	}
	best := snaps[0]
	for _, b := range snaps[1:] {
		if b.Timestamp.After(best.Timestamp) {
			best = b
		}
	}
	return &best
}

func (m *Memory) SettleTransactions(_ context.Context, account ledger.AccountID, balance ledger.BalanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.settle(account, balance)
	return nil
}

func (s *memoryState) settle(account ledger.AccountID, balance ledger.BalanceID) {
	for i := range s.transactions {
		if s.transactions[i].AccountID == account && s.transactions[i].ClosingBalanceID == nil {
			id := balance
			s.transactions[i].ClosingBalanceID = &id
		}
	}
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn atomically: the store lock is held for the duration,
// and the state is restored from a snapshot if fn fails.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txView{state: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// txView operates on the parent state without locking; the parent holds the
// lock for the whole unit.
type txView struct {
	state *memoryState
}

func (v *txView) SaveAccount(_ context.Context, a ledger.Account) error {
	v.state.accounts[a.ID] = a
	return nil
}

func (v *txView) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return v.state.getAccount(id), nil
}

func (v *txView) ListAccounts(_ context.Context, includeInactive bool) ([]ledger.Account, error) {
	return v.state.listAccounts(includeInactive), nil
}

func (v *txView) SaveProduct(_ context.Context, p ledger.Product) error {
	v.state.products[p.ID] = p
	return nil
}

func (v *txView) GetProduct(_ context.Context, id ledger.ProductID) (*ledger.Product, error) {
	if p, ok := v.state.products[id]; ok {
		copy := p
		return &copy, nil
	}
	return nil, nil
}

func (v *txView) ListProducts(_ context.Context) ([]ledger.Product, error) {
	out := make([]ledger.Product, 0, len(v.state.products))
	for _, p := range v.state.products {
		out = append(out, p)
	}
	return out, nil
}

func (v *txView) AppendTransaction(_ context.Context, tx *ledger.Transaction) error {
	return v.state.appendTransaction(tx)
}

func (v *txView) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return v.state.getTransaction(id), nil
}

func (v *txView) SetRelatedTransaction(_ context.Context, id, related ledger.TransactionID) error {
	return v.state.setRelated(id, related)
}

func (v *txView) UnsettledTransactions(_ context.Context, account ledger.AccountID) ([]ledger.Transaction, error) {
	return v.state.unsettled(account), nil
}

func (v *txView) UnsettledSum(_ context.Context, account ledger.AccountID) (ledger.Amount, error) {
	return v.state.unsettledSum(account), nil
}

func (v *txView) TransactionsAfter(_ context.Context, seq int64, limit int) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, tx := range v.state.transactions {
		if tx.Seq > seq {
			out = append(out, tx)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (v *txView) LatestTransaction(_ context.Context) (*ledger.Transaction, error) {
	return v.state.latestTransaction(), nil
}

func (v *txView) SaveSnapshot(_ context.Context, b ledger.AccountBalance) error {
	v.state.snapshots[b.AccountID] = append(v.state.snapshots[b.AccountID], b)
	return nil
}

func (v *txView) LastSnapshot(_ context.Context, account ledger.AccountID) (*ledger.AccountBalance, error) {
	return v.state.lastSnapshot(account), nil
}

func (v *txView) SettleTransactions(_ context.Context, account ledger.AccountID, balance ledger.BalanceID) error {
	v.state.settle(account, balance)
	return nil
}
