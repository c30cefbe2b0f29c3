// Package store provides in-process ledger.TxStore implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/token-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	balances     map[ledger.UserID]ledger.Balance
	transactions map[ledger.UserID][]ledger.Transaction
	keys         map[userKey]ledger.Transaction
}

type userKey struct {
	UserID ledger.UserID
	Key    string
}

func NewMemory() *Memory {
	return &Memory{
		balances:     make(map[ledger.UserID]ledger.Balance),
		transactions: make(map[ledger.UserID][]ledger.Transaction),
		keys:         make(map[userKey]ledger.Transaction),
	}
}

func (m *Memory) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Balance{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[userID]
	if !ok {
		return ledger.Balance{}, ledger.ErrBalanceNotFound
	}
	return b, nil
}

func (m *Memory) CreateBalance(ctx context.Context, b ledger.Balance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(b)
}

func (m *Memory) UpdateBalance(ctx context.Context, b ledger.Balance, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(b, expectedVersion)
}

func (m *Memory) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

// Transactions returns a copy of the user's journal in Seq order.
func (m *Memory) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Transaction, len(m.transactions[userID]))
	copy(result, m.transactions[userID])
	return result, nil
}

func (m *Memory) TransactionByKey(ctx context.Context, userID ledger.UserID, key string) (*ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tx, ok := m.keys[userKey{userID, key}]; ok {
		return &tx, nil
	}
	return nil, nil
}

// Users returns every user with a balance record, in id order.
func (m *Memory) Users(ctx context.Context) ([]ledger.UserID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]ledger.UserID, 0, len(m.balances))
	for id := range m.balances {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

func (m *Memory) createLocked(b ledger.Balance) error {
	if _, ok := m.balances[b.UserID]; ok {
		return ledger.ErrAlreadyInitialized
	}
	m.balances[b.UserID] = b
	return nil
}

func (m *Memory) updateLocked(b ledger.Balance, expectedVersion int64) error {
	cur, ok := m.balances[b.UserID]
	if !ok {
		return ledger.ErrBalanceNotFound
	}
	if cur.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}
	m.balances[b.UserID] = b
	return nil
}

func (m *Memory) appendLocked(tx ledger.Transaction) error {
	if tx.IdempotencyKey != "" {
		if _, ok := m.keys[userKey{tx.UserID, tx.IdempotencyKey}]; ok {
			return ledger.ErrDuplicateRequest
		}
		m.keys[userKey{tx.UserID, tx.IdempotencyKey}] = tx
	}
	m.transactions[tx.UserID] = append(m.transactions[tx.UserID], tx)
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
//
// Writes made through the view are staged and applied in one critical
// section when fn returns nil. Commit re-checks every staged write against
// the live maps, so two units that raced on the same user cannot both land.
// Nothing is locked while fn runs.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	view := &txMemoryView{
		parent:   tm.Memory,
		balances: make(map[ledger.UserID]stagedBalance),
	}
	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tm.commit(view)
}

func (tm *TxMemory) commit(v *txMemoryView) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	// Validate everything before touching the maps.
	for id, sb := range v.balances {
		cur, exists := tm.balances[id]
		switch {
		case sb.created && exists:
			return ledger.ErrAlreadyInitialized
		case !sb.created && !exists:
			return ledger.ErrBalanceNotFound
		case !sb.created && cur.Version != sb.baseVersion:
			return ledger.ErrConcurrentModification
		}
	}
	seen := make(map[userKey]bool)
	for _, tx := range v.appended {
		if tx.IdempotencyKey == "" {
			continue
		}
		k := userKey{tx.UserID, tx.IdempotencyKey}
		if _, ok := tm.keys[k]; ok || seen[k] {
			return ledger.ErrDuplicateRequest
		}
		seen[k] = true
	}

	for id, sb := range v.balances {
		tm.balances[id] = sb.balance
	}
	for _, tx := range v.appended {
		_ = tm.appendLocked(tx)
	}
	return nil
}

// stagedBalance is a balance written inside a unit of work. baseVersion
// is the live Version the write was made against.
type stagedBalance struct {
	balance     ledger.Balance
	baseVersion int64
	created     bool
}

type txMemoryView struct {
	parent   *Memory
	balances map[ledger.UserID]stagedBalance
	appended []ledger.Transaction
}

func (tv *txMemoryView) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	if sb, ok := tv.balances[userID]; ok {
		return sb.balance, nil
	}
	return tv.parent.GetBalance(ctx, userID)
}

func (tv *txMemoryView) CreateBalance(ctx context.Context, b ledger.Balance) error {
	if _, ok := tv.balances[b.UserID]; ok {
		return ledger.ErrAlreadyInitialized
	}
	if _, err := tv.parent.GetBalance(ctx, b.UserID); err == nil {
		return ledger.ErrAlreadyInitialized
	} else if err != ledger.ErrBalanceNotFound {
		return err
	}
	tv.balances[b.UserID] = stagedBalance{balance: b, created: true}
	return nil
}

func (tv *txMemoryView) UpdateBalance(ctx context.Context, b ledger.Balance, expectedVersion int64) error {
	sb, ok := tv.balances[b.UserID]
	if !ok {
		cur, err := tv.parent.GetBalance(ctx, b.UserID)
		if err != nil {
			return err
		}
		sb = stagedBalance{balance: cur, baseVersion: cur.Version}
	}
	if sb.balance.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}
	sb.balance = b
	tv.balances[b.UserID] = sb
	return nil
}

func (tv *txMemoryView) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	if tx.IdempotencyKey != "" {
		existing, err := tv.TransactionByKey(ctx, tx.UserID, tx.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			return ledger.ErrDuplicateRequest
		}
	}
	tv.appended = append(tv.appended, tx)
	return nil
}

func (tv *txMemoryView) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	result, err := tv.parent.Transactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, tx := range tv.appended {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (tv *txMemoryView) TransactionByKey(ctx context.Context, userID ledger.UserID, key string) (*ledger.Transaction, error) {
	for i := range tv.appended {
		if tv.appended[i].UserID == userID && tv.appended[i].IdempotencyKey == key {
			tx := tv.appended[i]
			return &tx, nil
		}
	}
	return tv.parent.TransactionByKey(ctx, userID, key)
}
