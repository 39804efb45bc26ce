// Package events consumes domain-event queues. Each queue carries one event
// kind; messages are acked only after the handler succeeds so processing is
// at-least-once, and prefetch bounds give natural back-pressure.
package events

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// HandlerFunc processes one raw message body. Returning an error rejects the
// delivery; transient errors are requeued, permanent ones are dropped.
type HandlerFunc func(ctx context.Context, body []byte) error

// transient is implemented by errors that should be retried by redelivery.
type transient interface {
	IsTransient() bool
}

func shouldRequeue(err error) bool {
	var t transient
	if errors.As(err, &t) {
		return t.IsTransient()
	}
	return false
}

type binding struct {
	queue   string
	handler HandlerFunc
}

// Consumer runs one consume loop per bound queue.
type Consumer struct {
	conn     *amqp.Connection
	logger   zerolog.Logger
	prefetch int
	bindings []binding

	mu       sync.Mutex
	channels []*amqp.Channel
	wg       sync.WaitGroup
}

func NewConsumer(conn *amqp.Connection, prefetch int, logger zerolog.Logger) *Consumer {
	if prefetch < 1 {
		prefetch = 1
	}
	return &Consumer{conn: conn, prefetch: prefetch, logger: logger}
}

// Handle binds a handler to a queue. An empty queue name disables the
// binding, which is how unconfigured event kinds are skipped.
func (c *Consumer) Handle(queue string, fn HandlerFunc) {
	if queue == "" {
		return
	}
	c.bindings = append(c.bindings, binding{queue: queue, handler: fn})
}

// Start declares each bound queue and launches its consume loop. The loops
// run until the context is cancelled or Close is called.
func (c *Consumer) Start(ctx context.Context) error {
	if c.conn == nil || len(c.bindings) == 0 {
		return nil
	}

	for _, b := range c.bindings {
		ch, err := c.conn.Channel()
		if err != nil {
			c.Close()
			return err
		}
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			ch.Close()
			c.Close()
			return err
		}
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
			ch.Close()
			c.Close()
			return err
		}
		deliveries, err := ch.Consume(b.queue, "", false, false, false, false, nil)
		if err != nil {
			ch.Close()
			c.Close()
			return err
		}

		c.mu.Lock()
		c.channels = append(c.channels, ch)
		c.mu.Unlock()

		c.wg.Add(1)
		go c.loop(ctx, b, deliveries)
	}
	return nil
}

func (c *Consumer) loop(ctx context.Context, b binding, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.dispatch(ctx, b, d)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, b binding, d amqp.Delivery) {
	err := b.handler(ctx, d.Body)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error().Err(ackErr).Str("queue", b.queue).Msg("ack failed")
		}
		return
	}

	requeue := shouldRequeue(err)
	c.logger.Error().Err(err).
		Str("queue", b.queue).
		Bool("requeue", requeue).
		Msg("event handler failed")
	if nackErr := d.Nack(false, requeue); nackErr != nil {
		c.logger.Error().Err(nackErr).Str("queue", b.queue).Msg("nack failed")
	}
}

// Close shuts the channels and waits for the consume loops to drain.
func (c *Consumer) Close() {
	c.mu.Lock()
	for _, ch := range c.channels {
		ch.Close()
	}
	c.channels = nil
	c.mu.Unlock()
	c.wg.Wait()
}
