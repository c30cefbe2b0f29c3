package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	reconnectDelay       = 2 * time.Second
	maxReconnectAttempts = 10
	deliveryTimeout      = 30 * time.Second
)

var ErrReconnectExhausted = errors.New("rabbitmq: max reconnection attempts reached")

// Config describes the queue to consume.
type Config struct {
	URL      string
	Queue    string
	Workers  int
	Prefetch int
}

// Consumer runs a pool of workers over one queue and reconnects when the
// broker connection drops.
type Consumer struct {
	cfg     Config
	handler *Handler
	log     logrus.FieldLogger
}

func NewConsumer(cfg Config, h *Handler, log logrus.FieldLogger) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Workers
	}
	return &Consumer{cfg: cfg, handler: h, log: log}
}

// Run consumes until ctx is cancelled. It returns nil on shutdown and
// ErrReconnectExhausted when the broker stays unreachable.
func (c *Consumer) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		attempt++
		if attempt > maxReconnectAttempts {
			return fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
		}

		delay := reconnectDelay * time.Duration(attempt)
		c.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).WithError(err).Warn("rabbitmq session ended, reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// session runs one connection until it closes or ctx is done. connected
// reports whether consuming actually started.
func (c *Consumer) session(ctx context.Context) (connected bool, err error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return false, fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := declare(ch, c.cfg.Queue); err != nil {
		return false, err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return false, fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		c.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return false, fmt.Errorf("failed to start consuming: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"queue":   c.cfg.Queue,
		"workers": c.cfg.Workers,
	}).Info("connected to RabbitMQ")

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(ctx, msgs, id)
		}(i)
	}
	wg.Wait()

	select {
	case amqpErr := <-closed:
		if amqpErr != nil {
			return true, amqpErr
		}
	default:
	}
	return true, errors.New("delivery channel closed")
}

func (c *Consumer) worker(ctx context.Context, msgs <-chan amqp.Delivery, id int) {
	log := c.log.WithField("worker_id", id)
	log.Debug("worker started")
	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopped")
			return
		case d, ok := <-msgs:
			if !ok {
				log.Debug("delivery channel closed")
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	c.handler.Handle(ctx, d)
}

func declare(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	return nil
}
