package ledger

// =============================================================================
// REPLAY - Derive balance totals from the journal
// =============================================================================

// Totals is the result of replaying a user's journal from zero.
type Totals struct {
	Balance     int64
	TotalEarned int64
	TotalSpent  int64
	Count       int64
}

// Replay folds transactions in the order given. Callers pass them in Seq
// order; the sums are order-independent but Count is compared to Version.
func Replay(txs []Transaction) Totals {
	var t Totals
	for _, tx := range txs {
		t.Balance += tx.Amount
		if tx.Amount > 0 {
			t.TotalEarned += tx.Amount
		} else {
			t.TotalSpent += -tx.Amount
		}
		t.Count++
	}
	return t
}

// Matches reports whether the totals reproduce the stored balance.
func (t Totals) Matches(b Balance) bool {
	return t.Balance == b.Balance &&
		t.TotalEarned == b.TotalEarned &&
		t.TotalSpent == b.TotalSpent &&
		t.Count == b.Version
}
