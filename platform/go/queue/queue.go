// Package queue provides durable AMQP work queues for jobs that must survive
// process restarts: recognition of uploaded frames and SMS dispatch.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Queue names shared by publishers and the worker.
const (
	RecognitionQueue = "gate.recognition"
	MessageQueue     = "messaging.dispatch"
)

// Publisher holds a connection/channel pair for publishing jobs.
type Publisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher dials the broker and declares the given queues as durable.
func NewPublisher(url string, queues ...string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	return &Publisher{conn: conn, ch: ch}, nil
}

// Publish enqueues a JSON-encoded job as a persistent message.
func (p *Publisher) Publish(ctx context.Context, queueName string, job any) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	err = p.ch.PublishWithContext(ctx,
		"",        // default exchange
		queueName, // routing key = queue name
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queueName, err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// Handler processes one delivery. Handled outcomes, including business
// failures the handler has recorded, return nil and ack the message.
// Returning an error means transient infrastructure trouble: the message is
// nacked back onto the queue for redelivery.
type Handler func(ctx context.Context, body []byte) error

// Consume runs a reconnecting consume loop until ctx is cancelled. Grounded
// state lives in the databases, so crash-and-redeliver is safe: every job is
// idempotent via its key.
func Consume(ctx context.Context, url, queueName string, prefetch int, handler Handler, logger *zap.Logger) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := amqp.Dial(url)
		if err != nil {
			logger.Warn("amqp dial failed, retrying", zap.String("queue", queueName), zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if err := consumeLoop(ctx, conn, queueName, prefetch, handler, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("amqp consume loop ended, reconnecting", zap.String("queue", queueName), zap.Error(err))
		}
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, queueName string, prefetch int, handler Handler, logger *zap.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if requeued := settle(ctx, &d, queueName, handler, logger); requeued {
				// Pause before the next delivery so a persistently failing
				// job does not spin through redeliveries.
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Second):
				}
			}
		}
	}
}

// settle runs the handler for one delivery and acks or requeues it,
// reporting whether the message went back onto the queue.
func settle(ctx context.Context, d *amqp.Delivery, queueName string, handler Handler, logger *zap.Logger) bool {
	if err := handler(ctx, d.Body); err != nil {
		logger.Error("job failed, requeueing",
			zap.String("queue", queueName),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(err))
		_ = d.Nack(false, true)
		return true
	}
	_ = d.Ack(false)
	return false
}
