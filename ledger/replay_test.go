package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/token-ledger/ledger"
)

func TestReplay(t *testing.T) {
	txs := []ledger.Transaction{
		{Seq: 1, Amount: 10},
		{Seq: 2, Amount: -4},
		{Seq: 3, Amount: 5},
	}

	totals := ledger.Replay(txs)
	assert.Equal(t, ledger.Totals{Balance: 11, TotalEarned: 15, TotalSpent: 4, Count: 3}, totals)

	assert.True(t, totals.Matches(ledger.Balance{Balance: 11, TotalEarned: 15, TotalSpent: 4, Version: 3}))
	assert.False(t, totals.Matches(ledger.Balance{Balance: 11, TotalEarned: 15, TotalSpent: 4, Version: 2}),
		"a missing journal entry must be detected")
	assert.False(t, totals.Matches(ledger.Balance{Balance: 12, TotalEarned: 16, TotalSpent: 4, Version: 3}))
}

func TestReplay_Empty(t *testing.T) {
	totals := ledger.Replay(nil)
	assert.True(t, totals.Matches(ledger.Balance{UserID: "u1"}))
}

func TestBalance_Consistent(t *testing.T) {
	assert.True(t, ledger.Balance{Balance: 6, TotalEarned: 10, TotalSpent: 4}.Consistent())
	assert.False(t, ledger.Balance{Balance: -1, TotalEarned: 0, TotalSpent: 1}.Consistent())
	assert.False(t, ledger.Balance{Balance: 5, TotalEarned: 10, TotalSpent: 4}.Consistent())
}
