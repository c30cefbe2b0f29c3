/*
engine.go - The ledger engine

PURPOSE:
  The only writer of balances and transactions. Every mutation runs as a
  single unit of work: read (or create) the balance, validate, write the
  new balance, append the journal entry, commit. If any step fails the
  unit is rolled back and the replay invariant still holds.

CONCURRENCY:
  1. Per-user serialization: a KeyedMutex entry is held for the whole
     unit. Two debits for the same user never interleave; debits for
     different users run in parallel.
  2. Cross-process safety: UpdateBalance is a compare-and-swap on
     Version. A lost race returns ErrConcurrentModification and the unit
     is re-run (re-read, re-validate, re-apply) up to maxRetries times.
  3. Reads (GetBalance, GetHistory) take no lock.

TIMESTAMPS:
  Each transaction gets clock() truncated to microseconds, bumped to
  LastUpdated+1µs when the clock has not advanced. History is therefore
  strictly ordered per user.

IDEMPOTENCY:
  A non-empty IdempotencyKey is checked inside the unit. A reused key
  performs no write and returns *DuplicateRequestError alongside a Result
  describing the original transaction. Reusing a key with a different
  operation or amount returns *IdempotencyMismatchError instead.

OVERFLOW:
  A credit that would push Balance or TotalEarned past math.MaxInt64 is
  rejected with *BalanceOverflowError before anything is written.
*/
package ledger

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxRetries   = 5
	DefaultRetryBackoff = 2 * time.Millisecond
)

// Engine enforces the balance invariants on top of a TxStore.
type Engine struct {
	store      TxStore
	locks      *KeyedMutex
	clock      func() time.Time
	newID      func() TransactionID
	log        logrus.FieldLogger
	observer   Observer
	maxRetries int
	backoff    time.Duration
}

// NewEngine creates an engine over the given store.
func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		locks:      NewKeyedMutex(),
		clock:      time.Now,
		newID:      newULID,
		log:        discardLogger(),
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Initialize creates an empty balance for the user. For an existing user it
// returns the stored balance together with ErrAlreadyInitialized.
func (e *Engine) Initialize(ctx context.Context, userID UserID) (Balance, error) {
	start := time.Now()
	out, err := e.initialize(ctx, userID)
	e.finish(Operation{Op: OpInitialize, UserID: userID}, start, err)
	return out, err
}

func (e *Engine) initialize(ctx context.Context, userID UserID) (Balance, error) {
	if userID == "" {
		return Balance{}, ErrInvalidUser
	}
	release, err := e.locks.Lock(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	defer release()

	var (
		out   Balance
		found bool
	)
	err = e.store.WithTx(ctx, func(s Store) error {
		existing, err := s.GetBalance(ctx, userID)
		if err == nil {
			out, found = existing, true
			return ErrAlreadyInitialized
		}
		if !errors.Is(err, ErrBalanceNotFound) {
			return err
		}
		out = newBalance(userID, e.now())
		return s.CreateBalance(ctx, out)
	})
	if errors.Is(err, ErrAlreadyInitialized) && !found {
		// Another process created the record between our read and insert.
		if existing, gerr := e.store.GetBalance(ctx, userID); gerr == nil {
			out = existing
		}
	}
	return out, err
}

// Credit adds tokens, creating the balance record on first use.
func (e *Engine) Credit(ctx context.Context, req CreditRequest) (Result, error) {
	start := time.Now()
	res, retries, err := e.credit(ctx, req)
	e.finish(Operation{Op: OpCredit, UserID: req.UserID, Amount: req.Amount, Retries: retries}, start, err)
	return res, err
}

func (e *Engine) credit(ctx context.Context, req CreditRequest) (Result, int, error) {
	if req.UserID == "" {
		return Result{}, 0, ErrInvalidUser
	}
	if req.Amount <= 0 {
		return Result{}, 0, &InvalidAmountError{Amount: req.Amount}
	}
	desc := req.Description
	if desc == "" {
		desc = DefaultCreditDescription
	}
	return e.mutate(ctx, mutation{
		userID:         req.UserID,
		key:            req.IdempotencyKey,
		description:    desc,
		serviceType:    req.ServiceType,
		createIfAbsent: true,
		amount:         req.Amount,
		delta: func(Balance) (int64, error) {
			return req.Amount, nil
		},
	})
}

// Debit removes tokens. The balance must exist and cover the amount.
func (e *Engine) Debit(ctx context.Context, req DebitRequest) (Result, error) {
	start := time.Now()
	res, retries, err := e.debit(ctx, req)
	e.finish(Operation{Op: OpDebit, UserID: req.UserID, Amount: req.Amount, Retries: retries}, start, err)
	return res, err
}

func (e *Engine) debit(ctx context.Context, req DebitRequest) (Result, int, error) {
	if req.UserID == "" {
		return Result{}, 0, ErrInvalidUser
	}
	if req.Amount <= 0 {
		return Result{}, 0, &InvalidAmountError{Amount: req.Amount}
	}
	desc := req.Description
	if desc == "" {
		desc = DefaultDebitDescription
	}
	return e.mutate(ctx, mutation{
		userID:      req.UserID,
		key:         req.IdempotencyKey,
		description: desc,
		serviceType: req.ServiceType,
		amount:      -req.Amount,
		delta: func(b Balance) (int64, error) {
			if b.Balance < req.Amount {
				return 0, &InsufficientBalanceError{
					UserID:    req.UserID,
					Available: b.Balance,
					Requested: req.Amount,
				}
			}
			return -req.Amount, nil
		},
	})
}

// mutation describes one credit or debit. delta returns the signed amount
// to apply given the current balance, or a rejection.
type mutation struct {
	userID         UserID
	key            string
	description    string
	serviceType    string
	createIfAbsent bool
	amount         int64 // signed, as it would be journaled
	delta          func(Balance) (int64, error)
}

// mutate runs m under the user's lock, retrying the unit of work on
// version conflicts.
func (e *Engine) mutate(ctx context.Context, m mutation) (Result, int, error) {
	release, err := e.locks.Lock(ctx, m.userID)
	if err != nil {
		return Result{}, 0, err
	}
	defer release()

	for attempt := 1; ; attempt++ {
		var res Result
		err := e.store.WithTx(ctx, func(s Store) error {
			var err error
			res, err = e.apply(ctx, s, m)
			return err
		})
		retries := attempt - 1
		if !errors.Is(err, ErrConcurrentModification) {
			return res, retries, err
		}
		if attempt > e.maxRetries {
			return Result{}, retries, &ConcurrencyConflictError{UserID: m.userID, Attempts: attempt}
		}
		e.log.WithFields(logrus.Fields{
			"user_id": m.userID,
			"attempt": attempt,
		}).Warn("balance version conflict, retrying")

		select {
		case <-time.After(e.backoff * time.Duration(attempt)):
		case <-ctx.Done():
			return Result{}, retries, ctx.Err()
		}
	}
}

// apply is one attempt of the unit of work against the transactional view.
func (e *Engine) apply(ctx context.Context, s Store, m mutation) (Result, error) {
	if m.key != "" {
		orig, err := s.TransactionByKey(ctx, m.userID, m.key)
		if err != nil {
			return Result{}, err
		}
		if orig != nil {
			if orig.Amount != m.amount {
				return Result{}, &IdempotencyMismatchError{Key: m.key, Original: *orig, Requested: m.amount}
			}
			current, err := s.GetBalance(ctx, m.userID)
			if err != nil {
				return Result{}, err
			}
			return resultFor(current, *orig), &DuplicateRequestError{Key: m.key, Original: *orig}
		}
	}

	current, err := s.GetBalance(ctx, m.userID)
	switch {
	case errors.Is(err, ErrBalanceNotFound) && m.createIfAbsent:
		current = newBalance(m.userID, time.Time{})
		if err := s.CreateBalance(ctx, current); err != nil {
			if errors.Is(err, ErrAlreadyInitialized) {
				return Result{}, ErrConcurrentModification
			}
			return Result{}, err
		}
	case err != nil:
		return Result{}, err
	}

	delta, err := m.delta(current)
	if err != nil {
		return Result{}, err
	}
	if delta > 0 && (current.Balance > math.MaxInt64-delta || current.TotalEarned > math.MaxInt64-delta) {
		return Result{}, &BalanceOverflowError{UserID: m.userID, Balance: current.Balance, Amount: delta}
	}

	ts := e.nextTimestamp(current)
	next := current
	next.Balance += delta
	if delta > 0 {
		next.TotalEarned += delta
	} else {
		next.TotalSpent -= delta
	}
	next.LastUpdated = ts
	next.Version++

	if err := s.UpdateBalance(ctx, next, current.Version); err != nil {
		return Result{}, err
	}

	tx := Transaction{
		ID:             e.newID(),
		UserID:         m.userID,
		Seq:            next.Version,
		Amount:         delta,
		Description:    m.description,
		ServiceType:    m.serviceType,
		IdempotencyKey: m.key,
		Timestamp:      ts,
	}
	if err := s.AppendTransaction(ctx, tx); err != nil {
		// A key we did not see above was taken by another process; rerun
		// so the lookup finds it.
		if errors.Is(err, ErrDuplicateRequest) {
			return Result{}, ErrConcurrentModification
		}
		return Result{}, err
	}
	return resultFor(next, tx), nil
}

func resultFor(b Balance, tx Transaction) Result {
	amount := tx.Amount
	if amount < 0 {
		amount = -amount
	}
	return Result{Balance: b, Amount: amount, TransactionID: tx.ID, Transaction: tx}
}

func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Microsecond)
}

func (e *Engine) nextTimestamp(b Balance) time.Time {
	ts := e.now()
	if !ts.After(b.LastUpdated) {
		ts = b.LastUpdated.Add(time.Microsecond)
	}
	return ts
}

// =============================================================================
// READS
// =============================================================================

// GetBalance returns the user's current balance without locking.
func (e *Engine) GetBalance(ctx context.Context, userID UserID) (Balance, error) {
	if userID == "" {
		return Balance{}, ErrInvalidUser
	}
	return e.store.GetBalance(ctx, userID)
}

// GetHistory returns the user's transactions, most recent first.
func (e *Engine) GetHistory(ctx context.Context, userID UserID) ([]Transaction, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	txs, err := e.store.Transactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Transaction, len(txs))
	copy(out, txs)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Seq > out[j].Seq
	})
	return out, nil
}

// Verify replays the user's journal and compares it with the stored
// balance. Both are read in one unit of work under the user's lock.
func (e *Engine) Verify(ctx context.Context, userID UserID) (Totals, error) {
	if userID == "" {
		return Totals{}, ErrInvalidUser
	}
	release, err := e.locks.Lock(ctx, userID)
	if err != nil {
		return Totals{}, err
	}
	defer release()

	var (
		stored Balance
		totals Totals
	)
	err = e.store.WithTx(ctx, func(s Store) error {
		var err error
		stored, err = s.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		txs, err := s.Transactions(ctx, userID)
		if err != nil {
			return err
		}
		totals = Replay(txs)
		return nil
	})
	if err != nil {
		return Totals{}, err
	}
	if !totals.Matches(stored) || !stored.Consistent() {
		return totals, &ReplayMismatchError{Stored: stored, Replayed: totals}
	}
	return totals, nil
}

// =============================================================================
// OBSERVATION
// =============================================================================

func (e *Engine) finish(op Operation, start time.Time, err error) {
	op.Err = err
	op.Outcome = OutcomeOf(err)
	op.Duration = time.Since(start)

	fields := logrus.Fields{
		"op":      op.Op,
		"user_id": op.UserID,
		"outcome": op.Outcome,
	}
	if op.Amount != 0 {
		fields["amount"] = op.Amount
	}
	if op.Retries > 0 {
		fields["retries"] = op.Retries
	}
	switch op.Outcome {
	case OutcomeOK:
		e.log.WithFields(fields).Debug("ledger mutation committed")
	case OutcomeBenign, OutcomeRejected:
		e.log.WithFields(fields).WithError(err).Info("ledger mutation rejected")
	default:
		e.log.WithFields(fields).WithError(err).Error("ledger mutation failed")
	}

	if e.observer != nil {
		e.observer.ObserveOperation(op)
	}
}
