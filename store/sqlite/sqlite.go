/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists balances and the transaction journal in a single SQLite file
  (or ":memory:" for tests). The same schema is used by store/postgres,
  with minor dialect differences.

INTERFACES IMPLEMENTED:
  ledger.TxStore:    Balances + journal + atomic units of work
  ledger.UserLister: Enumerates users for bulk verification

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the transactions table
  - No DELETE statements on the transactions table
  - The balances row is the only thing that is ever updated, and only
    through a version-checked UPDATE

KEY TABLES:
  balances:     One row per user, with a version column for compare-and-swap
  transactions: Immutable journal, unique on (user_id, seq) and on
                (user_id, idempotency_key) when a key is present

CONCURRENCY:
  WithTx holds a process-wide mutex and opens the SQL transaction with
  BEGIN IMMEDIATE (_txlock=immediate), so writers from other processes
  sharing the file wait on busy_timeout instead of failing mid-unit.
  Every read made inside a unit goes through the *sql.Tx.

  ":memory:" is for tests. It is limited to one connection (each
  connection would see its own database), so GetBalance and
  Transactions wait for any open unit of work to finish. File-backed
  stores read through separate WAL connections and never wait on a
  writer.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/token-ledger/ledger"
)

// timeLayout keeps microseconds and sorts lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Balances (one mutable row per user)
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		total_earned INTEGER NOT NULL DEFAULT 0 CHECK (total_earned >= 0),
		total_spent INTEGER NOT NULL DEFAULT 0 CHECK (total_spent >= 0),
		last_updated TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);

	-- Transactions (append-only journal)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		amount INTEGER NOT NULL CHECK (amount <> 0),
		description TEXT NOT NULL,
		service_type TEXT,
		idempotency_key TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (user_id, seq)
	);

	-- History queries (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_user_created
		ON transactions(user_id, created_at DESC);

	-- Idempotency keys are unique per user
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_user_idempotency
		ON transactions(user_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// BALANCES
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	return getBalance(ctx, s.db, userID)
}

func (s *Store) CreateBalance(ctx context.Context, b ledger.Balance) error {
	return createBalance(ctx, s.db, b)
}

func (s *Store) UpdateBalance(ctx context.Context, b ledger.Balance, expectedVersion int64) error {
	return updateBalance(ctx, s.db, b, expectedVersion)
}

func getBalance(ctx context.Context, q querier, userID ledger.UserID) (ledger.Balance, error) {
	var (
		b           ledger.Balance
		lastUpdated string
	)
	err := q.QueryRowContext(ctx, `
		SELECT user_id, balance, total_earned, total_spent, last_updated, version
		FROM balances WHERE user_id = ?
	`, userID).Scan(&b.UserID, &b.Balance, &b.TotalEarned, &b.TotalSpent, &lastUpdated, &b.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, ledger.ErrBalanceNotFound
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	b.LastUpdated, err = parseTime(lastUpdated)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to parse last_updated: %w", err)
	}
	return b, nil
}

func createBalance(ctx context.Context, q querier, b ledger.Balance) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO balances (user_id, balance, total_earned, total_spent, last_updated, version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, b.UserID, b.Balance, b.TotalEarned, b.TotalSpent, formatTime(b.LastUpdated), b.Version)
	if err != nil {
		return fmt.Errorf("failed to create balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create balance: %w", err)
	}
	if n == 0 {
		return ledger.ErrAlreadyInitialized
	}
	return nil
}

func updateBalance(ctx context.Context, q querier, b ledger.Balance, expectedVersion int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE balances
		SET balance = ?, total_earned = ?, total_spent = ?, last_updated = ?, version = ?
		WHERE user_id = ? AND version = ?
	`, b.Balance, b.TotalEarned, b.TotalSpent, formatTime(b.LastUpdated), b.Version,
		b.UserID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if n == 0 {
		if _, err := getBalance(ctx, q, b.UserID); err != nil {
			return err
		}
		return ledger.ErrConcurrentModification
	}
	return nil
}

// =============================================================================
// JOURNAL
// =============================================================================

// AppendTransaction adds a transaction to the journal.
func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return appendTx(ctx, s.db, tx)
}

func (s *Store) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, s.db, `
		SELECT id, user_id, seq, amount, description, service_type, idempotency_key, created_at
		FROM transactions
		WHERE user_id = ?
		ORDER BY seq ASC
	`, userID)
}

func (s *Store) TransactionByKey(ctx context.Context, userID ledger.UserID, key string) (*ledger.Transaction, error) {
	return transactionByKey(ctx, s.db, userID, key)
}

// Users returns every user with a balance record, in id order.
func (s *Store) Users(ctx context.Context) ([]ledger.UserID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM balances ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []ledger.UserID
	for rows.Next() {
		var id ledger.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func appendTx(ctx context.Context, q querier, tx ledger.Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, user_id, seq, amount, description, service_type, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID,
		tx.UserID,
		tx.Seq,
		tx.Amount,
		tx.Description,
		nullString(tx.ServiceType),
		nullString(tx.IdempotencyKey),
		formatTime(tx.Timestamp),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "idempotency_key") {
				return ledger.ErrDuplicateRequest
			}
			// (user_id, seq) taken: another writer got there first.
			return ledger.ErrConcurrentModification
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func transactionByKey(ctx context.Context, q querier, userID ledger.UserID, key string) (*ledger.Transaction, error) {
	txs, err := queryTransactions(ctx, q, `
		SELECT id, user_id, seq, amount, description, service_type, idempotency_key, created_at
		FROM transactions
		WHERE user_id = ? AND idempotency_key = ?
	`, userID, key)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	result := []ledger.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx             ledger.Transaction
		serviceType    sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
	)
	err := rows.Scan(&tx.ID, &tx.UserID, &tx.Seq, &tx.Amount, &tx.Description,
		&serviceType, &idempotencyKey, &createdAt)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.ServiceType = serviceType.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.Timestamp, err = parseTime(createdAt)
	if err != nil {
		return tx, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return tx, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	return getBalance(ctx, ts.tx, userID)
}

func (ts *txStore) CreateBalance(ctx context.Context, b ledger.Balance) error {
	return createBalance(ctx, ts.tx, b)
}

func (ts *txStore) UpdateBalance(ctx context.Context, b ledger.Balance, expectedVersion int64) error {
	return updateBalance(ctx, ts.tx, b, expectedVersion)
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return appendTx(ctx, ts.tx, tx)
}

func (ts *txStore) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, ts.tx, `
		SELECT id, user_id, seq, amount, description, service_type, idempotency_key, created_at
		FROM transactions
		WHERE user_id = ?
		ORDER BY seq ASC
	`, userID)
}

func (ts *txStore) TransactionByKey(ctx context.Context, userID ledger.UserID, key string) (*ledger.Transaction, error) {
	return transactionByKey(ctx, ts.tx, userID, key)
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
