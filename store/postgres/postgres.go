/*
Package postgres provides a PostgreSQL implementation of ledger.TxStore
on top of jackc/pgx/v5 and pgxpool.

SCHEMA:
  Same logical layout as store/sqlite: a balances table with a version
  column and an append-only transactions table, unique on (user_id, seq)
  and on (user_id, idempotency_key) where a key is present.

CONCURRENCY:
  Several service instances may share one database, so the in-process
  keyed lock in the engine is not enough on its own:
  - Inside WithTx, GetBalance takes SELECT ... FOR UPDATE, holding the row
    until commit.
  - CreateBalance uses INSERT ... ON CONFLICT DO NOTHING; losing a
    first-use race surfaces as ErrAlreadyInitialized.
  - UpdateBalance is guarded by WHERE version = $n.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/warp/token-ledger/ledger"
)

const uniqueViolation = "23505"

const (
	constraintSeq         = "transactions_user_seq_key"
	constraintIdempotency = "idx_transactions_user_idempotency"
)

// Options tune the connection pool.
type Options struct {
	MaxConns        int32
	MinConns        int32
	ConnectAttempts int
	RetryDelay      time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConns == 0 {
		o.MaxConns = 20
	}
	if o.ConnectAttempts == 0 {
		o.ConnectAttempts = 5
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 2 * time.Second
	}
	return o
}

// Store implements ledger.TxStore using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, retrying while the database comes up, and
// migrates the schema.
func Open(ctx context.Context, dsn string, opts Options, log logrus.FieldLogger) (*Store, error) {
	opts = opts.withDefaults()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = opts.MinConns
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= opts.ConnectAttempts; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
			pool = nil
		}
		log.WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": opts.ConnectAttempts,
		}).WithError(err).Warn("postgres connection failed")

		if attempt == opts.ConnectAttempts {
			return nil, fmt.Errorf("failed to connect to postgres after %d attempts: %w", attempt, err)
		}
		select {
		case <-time.After(opts.RetryDelay * time.Duration(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		total_earned BIGINT NOT NULL DEFAULT 0 CHECK (total_earned >= 0),
		total_spent BIGINT NOT NULL DEFAULT 0 CHECK (total_spent >= 0),
		last_updated TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount <> 0),
		description TEXT NOT NULL,
		service_type TEXT,
		idempotency_key TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT transactions_user_seq_key UNIQUE (user_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user_created
		ON transactions(user_id, created_at DESC);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_user_idempotency
		ON transactions(user_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// BALANCES
// =============================================================================

const selectBalance = `
	SELECT user_id, balance, total_earned, total_spent, last_updated, version
	FROM balances WHERE user_id = $1`

func (s *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	return getBalance(ctx, s.pool, selectBalance, userID)
}

func (s *Store) CreateBalance(ctx context.Context, b ledger.Balance) error {
	return createBalance(ctx, s.pool, b)
}

func (s *Store) UpdateBalance(ctx context.Context, b ledger.Balance, expectedVersion int64) error {
	return updateBalance(ctx, s.pool, b, expectedVersion)
}

func getBalance(ctx context.Context, q dbtx, query string, userID ledger.UserID) (ledger.Balance, error) {
	var b ledger.Balance
	err := q.QueryRow(ctx, query, userID).Scan(
		&b.UserID,
		&b.Balance,
		&b.TotalEarned,
		&b.TotalSpent,
		&b.LastUpdated,
		&b.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, ledger.ErrBalanceNotFound
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	b.LastUpdated = b.LastUpdated.UTC()
	return b, nil
}

func createBalance(ctx context.Context, q dbtx, b ledger.Balance) error {
	tag, err := q.Exec(ctx, `
		INSERT INTO balances (user_id, balance, total_earned, total_spent, last_updated, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO NOTHING
	`, b.UserID, b.Balance, b.TotalEarned, b.TotalSpent, b.LastUpdated, b.Version)
	if err != nil {
		return fmt.Errorf("failed to create balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAlreadyInitialized
	}
	return nil
}

func updateBalance(ctx context.Context, q dbtx, b ledger.Balance, expectedVersion int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE balances
		SET balance = $1, total_earned = $2, total_spent = $3, last_updated = $4, version = $5
		WHERE user_id = $6 AND version = $7
	`, b.Balance, b.TotalEarned, b.TotalSpent, b.LastUpdated, b.Version, b.UserID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := getBalance(ctx, q, selectBalance, b.UserID); err != nil {
			return err
		}
		return ledger.ErrConcurrentModification
	}
	return nil
}

// =============================================================================
// JOURNAL
// =============================================================================

const selectTransactions = `
	SELECT id, user_id, seq, amount, description, service_type, idempotency_key, created_at
	FROM transactions`

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return appendTx(ctx, s.pool, tx)
}

func (s *Store) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, s.pool, selectTransactions+` WHERE user_id = $1 ORDER BY seq ASC`, userID)
}

func (s *Store) TransactionByKey(ctx context.Context, userID ledger.UserID, key string) (*ledger.Transaction, error) {
	return transactionByKey(ctx, s.pool, userID, key)
}

// Users returns every user with a balance record, in id order.
func (s *Store) Users(ctx context.Context) ([]ledger.UserID, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM balances ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	users := make([]ledger.UserID, len(ids))
	for i, id := range ids {
		users[i] = ledger.UserID(id)
	}
	return users, nil
}

func appendTx(ctx context.Context, q dbtx, tx ledger.Transaction) error {
	_, err := q.Exec(ctx, `
		INSERT INTO transactions
		(id, user_id, seq, amount, description, service_type, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		tx.ID,
		tx.UserID,
		tx.Seq,
		tx.Amount,
		tx.Description,
		nullable(tx.ServiceType),
		nullable(tx.IdempotencyKey),
		tx.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			switch pgErr.ConstraintName {
			case constraintIdempotency:
				return ledger.ErrDuplicateRequest
			case constraintSeq:
				return ledger.ErrConcurrentModification
			}
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func transactionByKey(ctx context.Context, q dbtx, userID ledger.UserID, key string) (*ledger.Transaction, error) {
	txs, err := queryTransactions(ctx, q, selectTransactions+` WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func queryTransactions(ctx context.Context, q dbtx, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	result := []ledger.Transaction{}
	for rows.Next() {
		var (
			tx             ledger.Transaction
			serviceType    *string
			idempotencyKey *string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Seq, &tx.Amount, &tx.Description,
			&serviceType, &idempotencyKey, &tx.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if serviceType != nil {
			tx.ServiceType = *serviceType
		}
		if idempotencyKey != nil {
			tx.IdempotencyKey = *idempotencyKey
		}
		tx.Timestamp = tx.Timestamp.UTC()
		result = append(result, tx)
	}
	return result, rows.Err()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	return getBalance(ctx, ts.tx, selectBalance+` FOR UPDATE`, userID)
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
	return queryTransactions(ctx, ts.tx, selectTransactions+` WHERE user_id = $1 ORDER BY seq ASC`, userID)
}

func (ts *txStore) TransactionByKey(ctx context.Context, userID ledger.UserID, key string) (*ledger.Transaction, error) {
	return transactionByKey(ctx, ts.tx, userID, key)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
