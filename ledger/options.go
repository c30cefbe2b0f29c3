package ledger

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// OPTIONS
// =============================================================================

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now. Timestamps are still forced to be strictly
// increasing per user.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the logger used for mutation outcomes.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithObserver registers a callback that receives every operation.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithMaxRetries sets how many times a unit of work is re-run after a
// version conflict before ErrConcurrencyConflict is returned.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base delay between conflict retries. The n-th
// retry waits n*d.
func WithRetryBackoff(d time.Duration) Option {
	return func(e *Engine) { e.backoff = d }
}

// WithIDGenerator replaces the ULID transaction id generator.
func WithIDGenerator(gen func() TransactionID) Option {
	return func(e *Engine) { e.newID = gen }
}

func newULID() TransactionID {
	return TransactionID(ulid.Make().String())
}

// =============================================================================
// OBSERVER - Hook for metrics
// =============================================================================

type Op string

const (
	OpInitialize Op = "initialize"
	OpCredit     Op = "credit"
	OpDebit      Op = "debit"
)

type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeBenign   Outcome = "benign"   // already initialized, duplicate request
	OutcomeRejected Outcome = "rejected" // invalid amount, insufficient balance, not found
	OutcomeConflict Outcome = "conflict" // retry budget exhausted
	OutcomeError    Outcome = "error"    // storage failure or cancelled context
)

// Operation describes one completed engine mutation call.
type Operation struct {
	Op       Op
	UserID   UserID
	Amount   int64
	Outcome  Outcome
	Err      error
	Retries  int
	Duration time.Duration
}

// Observer receives operation events. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveOperation(Operation)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Operation)

func (f ObserverFunc) ObserveOperation(op Operation) { f(op) }

// OutcomeOf classifies an engine error.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case IsBenign(err):
		return OutcomeBenign
	case errors.Is(err, ErrConcurrencyConflict):
		return OutcomeConflict
	case IsClientError(err), IsNotFound(err):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}
