/*
store.go - Persistence interfaces for balances and the journal

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  owns every write; stores only provide the primitives below.

KEY INTERFACES:
  BalanceStore: One mutable record per user, updated by compare-and-swap
  Journal:      Append-only transaction log
  Store:        Both of the above
  TxStore:      Store + WithTx for atomic units of work

APPEND-ONLY CONTRACT:
  The Journal has no Update or Delete. A transaction, once appended and
  committed, is permanent.

ATOMIC UNITS:
  WithTx runs fn against a transactional view. If fn returns an error, or
  the context is done before commit, nothing fn wrote becomes visible.
  The engine relies on this to pair every balance write with exactly one
  journal entry.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, staged writes applied at commit
  - store/sqlite: database/sql + mattn/go-sqlite3
  - store/postgres: pgx with SELECT ... FOR UPDATE
*/
package ledger

import "context"

// BalanceStore persists Balance records.
type BalanceStore interface {
	// GetBalance returns ErrBalanceNotFound if the user has no record.
	GetBalance(ctx context.Context, userID UserID) (Balance, error)

	// CreateBalance inserts a new record. Returns ErrAlreadyInitialized
	// if one exists.
	CreateBalance(ctx context.Context, b Balance) error

	// UpdateBalance replaces the record only if its stored Version equals
	// expectedVersion. Returns ErrConcurrentModification otherwise.
	UpdateBalance(ctx context.Context, b Balance, expectedVersion int64) error
}

// Journal persists Transactions. Append-only.
type Journal interface {
	// AppendTransaction adds a transaction. Returns ErrDuplicateRequest if
	// the user already has a transaction with the same non-empty
	// IdempotencyKey.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// Transactions returns all of a user's transactions ordered by Seq
	// ascending. Returns an empty slice for unknown users.
	Transactions(ctx context.Context, userID UserID) ([]Transaction, error)

	// TransactionByKey looks up a transaction by idempotency key.
	// Returns (nil, nil) if the key is unused.
	TransactionByKey(ctx context.Context, userID UserID, key string) (*Transaction, error)
}

// Store combines balance and journal persistence.
type Store interface {
	BalanceStore
	Journal
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// UserLister is implemented by stores that can enumerate known users.
type UserLister interface {
	// Users returns every user with a balance record, in id order.
	Users(ctx context.Context) ([]UserID, error)
}
