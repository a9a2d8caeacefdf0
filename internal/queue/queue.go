// Package queue adapts RabbitMQ for durable at-least-once job delivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// VideoProcessing is the transcode job queue.
const VideoProcessing = "video_processing"

const (
	// heartbeat keeps the broker link alive through long FFmpeg runs.
	heartbeat = 60 * time.Second

	connectMaxRetries   = 10
	connectInitialDelay = 500 * time.Millisecond
	connectMaxDelay     = 10 * time.Second
	consumeRetryDelay   = 5 * time.Second
)

// Client owns one connection and one channel to the broker. The channel is
// owned by a single consumer; reconnect replaces both atomically under the
// mutex.
type Client struct {
	url string
	log *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Connect dials the broker with bounded exponential backoff and declares the
// durable job queue. It fails after connectMaxRetries attempts; callers treat
// that as an irrecoverable startup failure.
func Connect(ctx context.Context, url string, log *slog.Logger) (*Client, error) {
	c := &Client{url: url, log: log}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = connectInitialDelay
	bo.MaxInterval = connectMaxDelay
	bo.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		if err := c.connect(); err != nil {
			log.WarnContext(ctx, "Queue connection failed",
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, connectMaxRetries), ctx)); err != nil {
		return nil, fmt.Errorf("queue unreachable after %d attempts: %w", attempt, err)
	}

	log.InfoContext(ctx, "Connected to message queue")
	return c, nil
}

// connect (re)establishes the connection, channel and queue declaration.
// Callers must not hold the mutex.
func (c *Client) connect() error {
	conn, err := amqp.DialConfig(c.url, amqp.Config{Heartbeat: heartbeat})
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		VideoProcessing,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	c.mu.Lock()
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()
	return nil
}

// Ping reports whether the broker connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}

// Close shuts down the channel and connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) channel() *amqp.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

// Publish JSON-encodes msg and publishes it persistently to the named queue.
// On failure it reconnects once and retries before giving up.
func (c *Client) Publish(ctx context.Context, queueName string, msg any) error {
	pub, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	publish := func() error {
		ch := c.channel()
		if ch == nil {
			return amqp.ErrClosed
		}
		return ch.PublishWithContext(ctx, "", queueName, false, false, pub)
	}

	if err := publish(); err != nil {
		c.log.WarnContext(ctx, "Publish failed, reconnecting", "queue", queueName, "error", err)
		if rcErr := c.connect(); rcErr != nil {
			return fmt.Errorf("failed to republish to %s: %w", queueName, rcErr)
		}
		if err := publish(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", queueName, err)
		}
	}
	return nil
}

// Consume delivers messages from the named queue to handler with prefetch 1,
// so at most one unacknowledged message is in flight. The handler owns
// acknowledgment. Consume blocks until ctx is cancelled, re-establishing the
// channel whenever the broker drops it.
func (c *Client) Consume(ctx context.Context, queueName string, handler func(context.Context, amqp.Delivery)) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		deliveries, err := c.startConsumer(queueName)
		if err != nil {
			c.log.ErrorContext(ctx, "Failed to start consumer, retrying",
				"queue", queueName,
				"error", err,
			)
			select {
			case <-time.After(consumeRetryDelay):
				if err := c.connect(); err != nil {
					c.log.ErrorContext(ctx, "Queue reconnect failed", "error", err)
				}
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if done := c.drain(ctx, deliveries, handler); done {
			return nil
		}

		c.log.WarnContext(ctx, "Delivery channel closed, reconnecting", "queue", queueName)
		if err := c.connect(); err != nil {
			c.log.ErrorContext(ctx, "Queue reconnect failed", "error", err)
			select {
			case <-time.After(consumeRetryDelay):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (c *Client) startConsumer(queueName string) (<-chan amqp.Delivery, error) {
	ch := c.channel()
	if ch == nil {
		return nil, amqp.ErrClosed
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(
		queueName,
		"",    // consumer tag
		false, // autoAck: the handler acks explicitly
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}
	return deliveries, nil
}

// drain pumps deliveries into the handler. It returns true when ctx ended,
// false when the delivery channel closed underneath us.
func (c *Client) drain(ctx context.Context, deliveries <-chan amqp.Delivery, handler func(context.Context, amqp.Delivery)) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-deliveries:
			if !ok {
				return false
			}
			handler(ctx, d)
		}
	}
}

func encodeMessage(msg any) (amqp.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}, nil
}
