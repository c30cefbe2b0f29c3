/*
Package ledger provides the token ledger engine.

PURPOSE:
  Tracks a bounded, per-user integer point balance ("tokens") together with
  an immutable audit trail of every change. Users earn tokens through
  rewards and credits, and spend them through debits.

KEY CONCEPTS IN THIS FILE (types.go):
  - UserID: Opaque identity supplied by the authentication collaborator
  - Balance: The one mutable record per user (balance + lifetime counters)
  - Transaction: An immutable, signed journal entry for one mutation
  - Result: What a successful credit/debit hands back to the caller

INVARIANTS:
  1. Balance == TotalEarned - TotalSpent, and Balance >= 0
  2. TotalEarned and TotalSpent never decrease
  3. Version == number of journal entries for the user
  4. Replaying the journal in Seq order reproduces the Balance record

USAGE:
  engine := ledger.NewEngine(store.NewMemory())
  res, err := engine.Credit(ctx, ledger.CreditRequest{
      UserID: "u1",
      Amount: 10,
      Description: "signup bonus",
  })

SEE ALSO:
  - engine.go: Credit, Debit, Initialize, GetBalance, GetHistory
  - store.go: Persistence interfaces
  - replay.go: Journal replay and verification
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string

// =============================================================================
// BALANCE - One mutable record per user
// =============================================================================

// Balance is the current state of a user's tokens.
// Only the Engine writes it.
type Balance struct {
	UserID      UserID
	Balance     int64
	TotalEarned int64
	TotalSpent  int64
	LastUpdated time.Time

	// Version is bumped by every mutation and is used for compare-and-swap
	// in the store. It equals the Seq of the user's latest transaction.
	Version int64
}

// Consistent reports whether the record satisfies the balance invariants.
func (b Balance) Consistent() bool {
	return b.Balance >= 0 &&
		b.TotalEarned >= 0 &&
		b.TotalSpent >= 0 &&
		b.Balance == b.TotalEarned-b.TotalSpent
}

func newBalance(userID UserID, at time.Time) Balance {
	return Balance{UserID: userID, LastUpdated: at}
}

// =============================================================================
// TRANSACTION - Immutable journal entry
// =============================================================================

// Transaction records a single balance mutation. Amount is positive for a
// credit and negative for a debit; it is never zero.
type Transaction struct {
	ID             TransactionID
	UserID         UserID
	Seq            int64
	Amount         int64
	Description    string
	ServiceType    string // optional, not validated by the ledger
	IdempotencyKey string // optional, unique per user
	Timestamp      time.Time
}

// IsCredit reports whether the transaction increased the balance.
func (t Transaction) IsCredit() bool { return t.Amount > 0 }

// =============================================================================
// REQUESTS / RESULTS
// =============================================================================

const (
	DefaultCreditDescription = "Token reward"
	DefaultDebitDescription  = "Token spend"
)

// CreditRequest adds tokens to a user's balance.
type CreditRequest struct {
	UserID         UserID
	Amount         int64
	Description    string
	ServiceType    string
	IdempotencyKey string
}

// DebitRequest removes tokens from a user's balance.
type DebitRequest struct {
	UserID         UserID
	Amount         int64
	Description    string
	ServiceType    string
	IdempotencyKey string
}

// Result is returned by a successful credit or debit.
// Amount is always the positive magnitude that was moved.
type Result struct {
	Balance       Balance
	Amount        int64
	TransactionID TransactionID
	Transaction   Transaction
}
