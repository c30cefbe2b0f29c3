package sqlite_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newFileStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// STORE PRIMITIVES
// =============================================================================

func TestStore_BalanceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	at := time.Date(2025, time.March, 10, 9, 30, 0, 123456000, time.UTC)
	require.NoError(t, store.CreateBalance(ctx, ledger.Balance{UserID: "u1", LastUpdated: at}))
	assert.ErrorIs(t, store.CreateBalance(ctx, ledger.Balance{UserID: "u1"}), ledger.ErrAlreadyInitialized)

	b, err := store.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ledger.UserID("u1"), b.UserID)
	assert.True(t, at.Equal(b.LastUpdated), "microseconds must survive the round trip")

	next := b
	next.Balance, next.TotalEarned, next.Version = 5, 5, 1
	require.NoError(t, store.UpdateBalance(ctx, next, 0))
	assert.ErrorIs(t, store.UpdateBalance(ctx, next, 0), ledger.ErrConcurrentModification)
	assert.ErrorIs(t, store.UpdateBalance(ctx, ledger.Balance{UserID: "ghost"}, 0), ledger.ErrBalanceNotFound)

	_, err = store.GetBalance(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)
}

func TestStore_JournalKeysAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendTransaction(ctx, ledger.Transaction{
		ID: "t2", UserID: "u1", Seq: 2, Amount: -3, Description: "spend", Timestamp: at.Add(time.Microsecond),
	}))
	require.NoError(t, store.AppendTransaction(ctx, ledger.Transaction{
		ID: "t1", UserID: "u1", Seq: 1, Amount: 5, Description: "earn", ServiceType: "report",
		IdempotencyKey: "evt-1", Timestamp: at,
	}))

	err := store.AppendTransaction(ctx, ledger.Transaction{
		ID: "t3", UserID: "u1", Seq: 3, Amount: 1, Description: "dup", IdempotencyKey: "evt-1", Timestamp: at,
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateRequest)

	err = store.AppendTransaction(ctx, ledger.Transaction{
		ID: "t4", UserID: "u1", Seq: 2, Amount: 1, Description: "same seq", Timestamp: at,
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	// Same key for another user is fine.
	require.NoError(t, store.AppendTransaction(ctx, ledger.Transaction{
		ID: "t5", UserID: "u2", Seq: 1, Amount: 1, Description: "other", IdempotencyKey: "evt-1", Timestamp: at,
	}))

	txs, err := store.Transactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.TransactionID("t1"), txs[0].ID)
	assert.Equal(t, "report", txs[0].ServiceType)
	assert.Equal(t, "evt-1", txs[0].IdempotencyKey)
	assert.True(t, at.Equal(txs[0].Timestamp))
	assert.Equal(t, ledger.TransactionID("t2"), txs[1].ID)
	assert.Empty(t, txs[1].IdempotencyKey)

	found, err := store.TransactionByKey(ctx, "u1", "evt-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, ledger.TransactionID("t1"), found.ID)

	missing, err := store.TransactionByKey(ctx, "u1", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	empty, err := store.Transactions(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestStore_WithTxRollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx ledger.Store) error {
		require.NoError(t, tx.CreateBalance(ctx, ledger.Balance{UserID: "u1"}))
		_, err := tx.GetBalance(ctx, "u1")
		require.NoError(t, err, "reads inside the unit see its writes")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetBalance(ctx, "u1")
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)
}

func TestStore_Users(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, id := range []ledger.UserID{"c", "a", "b"} {
		require.NoError(t, store.CreateBalance(ctx, ledger.Balance{UserID: id}))
	}

	users, err := store.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.UserID{"a", "b", "c"}, users)
	assert.NoError(t, store.Ping(ctx))
}

// =============================================================================
// ENGINE OVER SQLITE
// =============================================================================

func TestEngine_SQLite_Walkthrough(t *testing.T) {
	e := ledger.NewEngine(newTestStore(t))
	ctx := context.Background()

	_, err := e.Initialize(ctx, "u1")
	require.NoError(t, err)
	_, err = e.Initialize(ctx, "u1")
	assert.ErrorIs(t, err, ledger.ErrAlreadyInitialized)

	_, err = e.Credit(ctx, ledger.CreditRequest{UserID: "u1", Amount: 10, Description: "signup bonus"})
	require.NoError(t, err)
	_, err = e.Debit(ctx, ledger.DebitRequest{UserID: "u1", Amount: 15})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	res, err := e.Debit(ctx, ledger.DebitRequest{UserID: "u1", Amount: 4, Description: "redeem"})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Balance.Balance)

	history, err := e.GetHistory(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(-4), history[0].Amount)
	assert.Equal(t, int64(10), history[1].Amount)

	totals, err := e.Verify(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), totals.Balance)
	assert.Equal(t, int64(2), totals.Count)
}

func TestEngine_SQLite_MutualExclusion(t *testing.T) {
	// GIVEN: A file-backed database with a real connection pool
	// WHEN: N concurrent debits of A against k*A
	// THEN: Exactly k succeed and the journal still replays

	e := ledger.NewEngine(newFileStore(t))
	ctx := context.Background()

	const (
		n = 20
		k = 6
		a = 5
	)
	_, err := e.Credit(ctx, ledger.CreditRequest{UserID: "u1", Amount: k * a})
	require.NoError(t, err)

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Debit(ctx, ledger.DebitRequest{UserID: "u1", Amount: a})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrInsufficientBalance):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(k), ok.Load())
	assert.Equal(t, int32(n-k), rejected.Load())
	_, err = e.Verify(ctx, "u1")
	require.NoError(t, err)
}

func TestEngine_SQLite_TwoEnginesSameFile(t *testing.T) {
	// GIVEN: Two engines (no shared lock) over two handles to one file
	// THEN: Version checks keep the journal consistent

	path := filepath.Join(t.TempDir(), "shared.db")
	s1, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s1.Close() })
	s2, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })

	e1 := ledger.NewEngine(s1)
	e2 := ledger.NewEngine(s2)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := e1.Credit(ctx, ledger.CreditRequest{UserID: "u1", Amount: 1})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := e2.Credit(ctx, ledger.CreditRequest{UserID: "u1", Amount: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	b, err := e1.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), b.Balance)
	_, err = e2.Verify(ctx, "u1")
	require.NoError(t, err)
}

func TestEngine_SQLite_IdempotencyKey(t *testing.T) {
	e := ledger.NewEngine(newTestStore(t))
	ctx := context.Background()

	first, err := e.Credit(ctx, ledger.CreditRequest{UserID: "u1", Amount: 5, IdempotencyKey: "evt-9"})
	require.NoError(t, err)
	again, err := e.Credit(ctx, ledger.CreditRequest{UserID: "u1", Amount: 5, IdempotencyKey: "evt-9"})
	assert.ErrorIs(t, err, ledger.ErrDuplicateRequest)
	assert.Equal(t, first.TransactionID, again.TransactionID)
	assert.Equal(t, int64(5), again.Balance.Balance)
}

func TestEngine_SQLite_OverflowIsClientError(t *testing.T) {
	// GIVEN a stored balance at the int64 ceiling
	e := ledger.NewEngine(newTestStore(t))
	ctx := context.Background()
	_, err := e.Credit(ctx, ledger.CreditRequest{UserID: "u1", Amount: math.MaxInt64})
	require.NoError(t, err)

	// WHEN crediting past it
	_, err = e.Credit(ctx, ledger.CreditRequest{UserID: "u1", Amount: 1})

	// THEN the engine rejects it before the CHECK constraint is reached
	assert.ErrorIs(t, err, ledger.ErrBalanceOverflow)
	assert.True(t, ledger.IsLedgerError(err))

	_, err = e.Verify(ctx, "u1")
	assert.NoError(t, err)
}
