package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/ledger/store"
)

func TestTxMemory_RollbackOnError(t *testing.T) {
	// GIVEN: A unit of work that writes a balance and then fails
	// THEN: Nothing it wrote is visible

	s := store.NewTxMemory()
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		require.NoError(t, tx.CreateBalance(ctx, ledger.Balance{UserID: "u1"}))
		require.NoError(t, tx.AppendTransaction(ctx, ledger.Transaction{ID: "t1", UserID: "u1", Seq: 1, Amount: 5}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetBalance(ctx, "u1")
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)
	txs, err := s.Transactions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestTxMemory_ViewSeesOwnWrites(t *testing.T) {
	s := store.NewTxMemory()
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		require.NoError(t, tx.CreateBalance(ctx, ledger.Balance{UserID: "u1"}))
		b, err := tx.GetBalance(ctx, "u1")
		require.NoError(t, err)
		b.Balance, b.TotalEarned, b.Version = 5, 5, 1
		require.NoError(t, tx.UpdateBalance(ctx, b, 0))
		require.NoError(t, tx.AppendTransaction(ctx, ledger.Transaction{ID: "t1", UserID: "u1", Seq: 1, Amount: 5, IdempotencyKey: "k"}))

		found, err := tx.TransactionByKey(ctx, "u1", "k")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, ledger.TransactionID("t1"), found.ID)

		txs, err := tx.Transactions(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, txs, 1)

		// Not visible outside the unit yet.
		_, err = s.GetBalance(ctx, "u1")
		assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)
		return nil
	})
	require.NoError(t, err)

	b, err := s.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Balance)
}

func TestTxMemory_CommitDetectsLostUpdate(t *testing.T) {
	// GIVEN: Two units read the same version
	// WHEN: Both commit
	// THEN: The second gets ErrConcurrentModification

	s := store.NewTxMemory()
	ctx := context.Background()
	require.NoError(t, s.CreateBalance(ctx, ledger.Balance{UserID: "u1"}))

	err := s.WithTx(ctx, func(outer ledger.Store) error {
		b, err := outer.GetBalance(ctx, "u1")
		require.NoError(t, err)
		b.Version = 1
		require.NoError(t, outer.UpdateBalance(ctx, b, 0))

		inner := s.WithTx(ctx, func(tx ledger.Store) error {
			ib, err := tx.GetBalance(ctx, "u1")
			require.NoError(t, err)
			ib.Version = 1
			return tx.UpdateBalance(ctx, ib, 0)
		})
		require.NoError(t, inner)
		return nil
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
}

func TestTxMemory_CancelledBeforeCommit(t *testing.T) {
	s := store.NewTxMemory()
	ctx, cancel := context.WithCancel(context.Background())

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		require.NoError(t, tx.CreateBalance(context.Background(), ledger.Balance{UserID: "u1"}))
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.GetBalance(context.Background(), "u1")
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)
}

func TestMemory_Basics(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateBalance(ctx, ledger.Balance{UserID: "b"}))
	require.NoError(t, m.CreateBalance(ctx, ledger.Balance{UserID: "a"}))
	assert.ErrorIs(t, m.CreateBalance(ctx, ledger.Balance{UserID: "a"}), ledger.ErrAlreadyInitialized)

	assert.ErrorIs(t, m.UpdateBalance(ctx, ledger.Balance{UserID: "a", Version: 2}, 1), ledger.ErrConcurrentModification)
	assert.ErrorIs(t, m.UpdateBalance(ctx, ledger.Balance{UserID: "zz"}, 0), ledger.ErrBalanceNotFound)

	require.NoError(t, m.AppendTransaction(ctx, ledger.Transaction{ID: "1", UserID: "a", IdempotencyKey: "k"}))
	assert.ErrorIs(t, m.AppendTransaction(ctx, ledger.Transaction{ID: "2", UserID: "a", IdempotencyKey: "k"}), ledger.ErrDuplicateRequest)

	missing, err := m.TransactionByKey(ctx, "a", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	users, err := m.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.UserID{"a", "b"}, users)
}
