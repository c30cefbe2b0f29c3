/*
Package events consumes reward trigger events from RabbitMQ.

MESSAGE FORMAT (JSON, one per delivery):
  {"event_id": "01J...", "user_id": "u-42", "reward": "daily"}

  event_id falls back to the AMQP message-id property. A delivery with
  neither is rejected: without an id a redelivery could credit twice.

DISPOSITION:
  ack      credited, or already credited for this event_id
  reject   malformed body, unknown reward, invalid user or amount
  requeue  version conflict, storage failure, shutdown mid-flight

  The event id becomes the ledger idempotency key "event:<id>", so
  at-least-once delivery yields exactly-once credits.

SEE ALSO:
  - consumer.go: connection, workers, reconnect
  - rewards/service.go: Apply
*/
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/rewards"
)

// RewardEvent is the body of one delivery.
type RewardEvent struct {
	EventID string `json:"event_id"`
	UserID  string `json:"user_id"`
	Reward  string `json:"reward"`
}

// IdempotencyKey namespaces the event id so it cannot collide with keys
// sent by HTTP clients.
func (e RewardEvent) IdempotencyKey() string {
	return "event:" + e.EventID
}

type Disposition string

const (
	Ack     Disposition = "ack"
	Reject  Disposition = "reject"
	Requeue Disposition = "requeue"
)

var ErrMalformedEvent = errors.New("malformed reward event")

// Rewarder is the part of rewards.Service the handler needs.
type Rewarder interface {
	Apply(ctx context.Context, userID ledger.UserID, name, idempotencyKey string) (ledger.Result, rewards.Reward, error)
}

// DeliveryObserver counts dispositions. *metrics.Collector implements it.
type DeliveryObserver interface {
	ObserveDelivery(disposition string)
}

// Handler turns deliveries into reward credits.
type Handler struct {
	rewards  Rewarder
	log      logrus.FieldLogger
	observer DeliveryObserver
}

// NewHandler creates a handler. observer may be nil.
func NewHandler(r Rewarder, log logrus.FieldLogger, observer DeliveryObserver) *Handler {
	return &Handler{rewards: r, log: log, observer: observer}
}

// Handle processes one delivery and acknowledges it.
func (h *Handler) Handle(ctx context.Context, d amqp.Delivery) Disposition {
	disp, event, err := h.process(ctx, d)

	fields := logrus.Fields{
		"delivery_tag": d.DeliveryTag,
		"redelivered":  d.Redelivered,
		"event_id":     event.EventID,
		"user_id":      event.UserID,
		"reward":       event.Reward,
		"disposition":  disp,
	}
	switch {
	case err == nil:
		h.log.WithFields(fields).Debug("reward event processed")
	case disp == Requeue:
		h.log.WithFields(fields).WithError(err).Warn("reward event requeued")
	case disp == Ack:
		h.log.WithFields(fields).Info("reward event already applied")
	default:
		h.log.WithFields(fields).WithError(err).Error("reward event rejected")
	}

	var ackErr error
	switch disp {
	case Ack:
		ackErr = d.Ack(false)
	case Reject:
		ackErr = d.Nack(false, false)
	default:
		ackErr = d.Nack(false, true)
	}
	if ackErr != nil {
		h.log.WithFields(fields).WithError(ackErr).Error("failed to acknowledge delivery")
	}

	if h.observer != nil {
		h.observer.ObserveDelivery(string(disp))
	}
	return disp
}

func (h *Handler) process(ctx context.Context, d amqp.Delivery) (Disposition, RewardEvent, error) {
	event, err := decode(d)
	if err != nil {
		return Reject, event, err
	}

	_, _, err = h.rewards.Apply(ctx, ledger.UserID(event.UserID), event.Reward, event.IdempotencyKey())
	return classify(err), event, err
}

func decode(d amqp.Delivery) (RewardEvent, error) {
	var event RewardEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		return event, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.EventID == "" {
		event.EventID = d.MessageId
	}
	switch {
	case event.EventID == "":
		return event, fmt.Errorf("%w: missing event_id", ErrMalformedEvent)
	case event.UserID == "":
		return event, fmt.Errorf("%w: missing user_id", ErrMalformedEvent)
	case event.Reward == "":
		return event, fmt.Errorf("%w: missing reward", ErrMalformedEvent)
	}
	return event, nil
}

func classify(err error) Disposition {
	switch {
	case err == nil, ledger.IsBenign(err):
		return Ack
	case ledger.IsClientError(err):
		return Reject
	default:
		// conflicts, storage errors, cancelled context
		return Requeue
	}
}
