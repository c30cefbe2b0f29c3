/*
errors.go - Error taxonomy for the ledger

PURPOSE:
  All ledger error kinds in one place. Every business rejection is a
  sentinel (use errors.Is) and most carry a structured error with context
  that unwraps to its sentinel (use errors.As).

ERROR CATEGORIES:
  1. Client errors - InvalidUser, InvalidAmount, InsufficientBalance, UnknownReward
  2. Lookup errors - BalanceNotFound
  3. Benign outcomes - AlreadyInitialized, DuplicateRequest
  4. Concurrency - ConcurrentModification (store level, retried
     internally) and ConcurrencyConflict (retry budget exhausted)

STORAGE FAILURES:
  Anything that is not one of the errors below comes from the store
  (I/O, unavailable database, cancelled context) and is returned by the
  engine unchanged. It is never translated into a business error.
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidUser is returned when the caller supplies an empty user id.
	ErrInvalidUser = errors.New("invalid user id")

	// ErrInvalidAmount is returned when a credit or debit amount is not
	// strictly positive.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrBalanceNotFound is returned when no balance record exists for the user.
	ErrBalanceNotFound = errors.New("balance not found")

	// ErrInsufficientBalance is returned when a debit would make the balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAlreadyInitialized is returned by Initialize for an existing user.
	// Callers should treat it as success.
	ErrAlreadyInitialized = errors.New("balance already initialized")

	// ErrUnknownReward is returned when a reward name is not in the policy table.
	ErrUnknownReward = errors.New("unknown reward")

	// ErrDuplicateRequest is returned when an idempotency key was already used
	// by the same user. The original transaction is attached.
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrIdempotencyMismatch is returned when an idempotency key is reused
	// for a different operation or amount.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with different parameters")

	// ErrBalanceOverflow is returned when a credit would exceed the largest
	// representable balance.
	ErrBalanceOverflow = errors.New("balance overflow")

	// ErrConcurrentModification is returned by stores when a versioned
	// balance update loses a race. The engine retries on it.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrConcurrencyConflict is surfaced by the engine after its retry budget
	// for ErrConcurrentModification is exhausted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrReplayMismatch is returned by Verify when the journal does not
	// reproduce the stored balance.
	ErrReplayMismatch = errors.New("journal replay does not match balance")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidAmountError reports the rejected amount.
type InvalidAmountError struct {
	Amount int64
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %d: must be greater than zero", e.Amount)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// UnknownRewardError names the reward that was not found.
type UnknownRewardError struct {
	Name string
}

func (e *UnknownRewardError) Error() string {
	return fmt.Sprintf("unknown reward %q", e.Name)
}

func (e *UnknownRewardError) Unwrap() error { return ErrUnknownReward }

// DuplicateRequestError carries the transaction that already used the key.
type DuplicateRequestError struct {
	Key      string
	Original Transaction
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("duplicate request: idempotency key %q already used by %s", e.Key, e.Original.ID)
}

func (e *DuplicateRequestError) Unwrap() error { return ErrDuplicateRequest }

// IdempotencyMismatchError shows the journaled amount next to the
// requested one. Amounts are signed: credits positive, debits negative.
type IdempotencyMismatchError struct {
	Key       string
	Original  Transaction
	Requested int64
}

func (e *IdempotencyMismatchError) Error() string {
	return fmt.Sprintf("idempotency key %q was used by %s with amount %d, request has amount %d",
		e.Key, e.Original.ID, e.Original.Amount, e.Requested)
}

func (e *IdempotencyMismatchError) Unwrap() error { return ErrIdempotencyMismatch }

// BalanceOverflowError reports a credit that would not fit in an int64.
type BalanceOverflowError struct {
	UserID  UserID
	Balance int64
	Amount  int64
}

func (e *BalanceOverflowError) Error() string {
	return fmt.Sprintf("crediting %d to %s would overflow balance %d", e.Amount, e.UserID, e.Balance)
}

func (e *BalanceOverflowError) Unwrap() error { return ErrBalanceOverflow }

// ConcurrencyConflictError reports how many attempts were made.
type ConcurrencyConflictError struct {
	UserID   UserID
	Attempts int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict for %s after %d attempts", e.UserID, e.Attempts)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

// ReplayMismatchError shows the stored balance next to the replayed totals.
type ReplayMismatchError struct {
	Stored   Balance
	Replayed Totals
}

func (e *ReplayMismatchError) Error() string {
	return fmt.Sprintf("replay mismatch for %s: stored balance=%d earned=%d spent=%d version=%d, replayed balance=%d earned=%d spent=%d count=%d",
		e.Stored.UserID,
		e.Stored.Balance, e.Stored.TotalEarned, e.Stored.TotalSpent, e.Stored.Version,
		e.Replayed.Balance, e.Replayed.TotalEarned, e.Replayed.TotalSpent, e.Replayed.Count)
}

func (e *ReplayMismatchError) Unwrap() error { return ErrReplayMismatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error was caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidUser) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrUnknownReward) ||
		errors.Is(err, ErrBalanceOverflow) ||
		errors.Is(err, ErrIdempotencyMismatch)
}

// IsNotFound returns true if the user has no balance record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBalanceNotFound)
}

// IsRetryable returns true if the same call might succeed later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrConcurrencyConflict)
}

// IsBenign returns true for outcomes that calling workflows should not
// treat as failures.
func IsBenign(err error) bool {
	return errors.Is(err, ErrAlreadyInitialized) ||
		errors.Is(err, ErrDuplicateRequest)
}

// IsLedgerError returns true for every error kind defined by this package.
// Anything else is a storage failure.
func IsLedgerError(err error) bool {
	return IsClientError(err) || IsNotFound(err) || IsRetryable(err) || IsBenign(err) ||
		errors.Is(err, ErrReplayMismatch)
}
