package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-ledger/events"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/ledger/store"
	"github.com/warp/token-ledger/rewards"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

type ackCall struct {
	method  string
	requeue bool
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	calls []ackCall
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.record(ackCall{method: "ack"})
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.record(ackCall{method: "nack", requeue: requeue})
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.record(ackCall{method: "reject", requeue: requeue})
	return nil
}

func (f *fakeAcknowledger) record(c ackCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeAcknowledger) last(t *testing.T) ackCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveDelivery(d string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[d]++
}

type failingRewarder struct{ err error }

func (f failingRewarder) Apply(context.Context, ledger.UserID, string, string) (ledger.Result, rewards.Reward, error) {
	return ledger.Result{}, rewards.Reward{}, f.err
}

func newHandler(t *testing.T) (*events.Handler, *ledger.Engine, *countingObserver) {
	t.Helper()
	engine := ledger.NewEngine(store.NewTxMemory())
	log, _ := test.NewNullLogger()
	obs := &countingObserver{}
	return events.NewHandler(rewards.NewService(engine, nil, log), log, obs), engine, obs
}

func delivery(ack amqp.Acknowledger, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(body)}
}

// =============================================================================
// TESTS
// =============================================================================

func TestHandle_CreditsAndAcks(t *testing.T) {
	// GIVEN a fresh ledger
	h, engine, obs := newHandler(t)
	ack := &fakeAcknowledger{}

	// WHEN a daily reward event arrives
	disp := h.Handle(context.Background(), delivery(ack, `{"event_id":"e1","user_id":"u1","reward":"daily"}`))

	// THEN it is acked and the user is credited
	assert.Equal(t, events.Ack, disp)
	assert.Equal(t, "ack", ack.last(t).method)

	b, err := engine.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Balance)
	assert.Equal(t, 1, obs.counts["ack"])
}

func TestHandle_RedeliveryCreditsOnce(t *testing.T) {
	// GIVEN an event that was already applied
	h, engine, _ := newHandler(t)
	ack := &fakeAcknowledger{}
	body := `{"event_id":"e1","user_id":"u1","reward":"report"}`
	require.Equal(t, events.Ack, h.Handle(context.Background(), delivery(ack, body)))

	// WHEN the broker redelivers it
	d := delivery(ack, body)
	d.Redelivered = true
	disp := h.Handle(context.Background(), d)

	// THEN it is acked without a second credit
	assert.Equal(t, events.Ack, disp)
	b, err := engine.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Balance)

	history, err := engine.GetHistory(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestHandle_MessageIDFallback(t *testing.T) {
	h, engine, _ := newHandler(t)
	ack := &fakeAcknowledger{}

	d := delivery(ack, `{"user_id":"u1","reward":"daily"}`)
	d.MessageId = "m-1"
	assert.Equal(t, events.Ack, h.Handle(context.Background(), d))
	assert.Equal(t, events.Ack, h.Handle(context.Background(), d))

	b, err := engine.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Balance)
}

func TestHandle_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"event_id":`},
		{"missing event id", `{"user_id":"u1","reward":"daily"}`},
		{"missing user", `{"event_id":"e1","reward":"daily"}`},
		{"missing reward", `{"event_id":"e1","user_id":"u1"}`},
		{"unknown reward", `{"event_id":"e1","user_id":"u1","reward":"jackpot"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, engine, obs := newHandler(t)
			ack := &fakeAcknowledger{}

			disp := h.Handle(context.Background(), delivery(ack, tt.body))

			assert.Equal(t, events.Reject, disp)
			assert.Equal(t, ackCall{method: "nack", requeue: false}, ack.last(t))
			assert.Equal(t, 1, obs.counts["reject"])

			_, err := engine.GetBalance(context.Background(), "u1")
			assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)
		})
	}
}

func TestHandle_Requeues(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"storage failure", errors.New("connection reset")},
		{"retry budget exhausted", &ledger.ConcurrencyConflictError{UserID: "u1", Attempts: 6}},
		{"shutdown", context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, hook := test.NewNullLogger()
			h := events.NewHandler(failingRewarder{err: tt.err}, log, nil)
			ack := &fakeAcknowledger{}

			disp := h.Handle(context.Background(), delivery(ack, `{"event_id":"e1","user_id":"u1","reward":"daily"}`))

			assert.Equal(t, events.Requeue, disp)
			assert.Equal(t, ackCall{method: "nack", requeue: true}, ack.last(t))
			require.NotNil(t, hook.LastEntry())
			assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
		})
	}
}

func TestHandle_AckFailureIsLogged(t *testing.T) {
	// GIVEN a delivery with no acknowledger (channel already gone)
	log, hook := test.NewNullLogger()
	h := events.NewHandler(failingRewarder{}, log, nil)

	// WHEN handling it
	disp := h.Handle(context.Background(), amqp.Delivery{Body: []byte(`{"event_id":"e1","user_id":"u1","reward":"daily"}`)})

	// THEN the disposition stands and the ack error is logged
	assert.Equal(t, events.Ack, disp)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "failed to acknowledge delivery", hook.LastEntry().Message)
}
