// ABOUTME: Queue consumer that renders mail requests and hands them to a Sender
// ABOUTME: Reconnects with exponential backoff until its context is cancelled

package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
	prefetch   = 20
)

// Sender delivers a rendered mail to a recipient.
type Sender interface {
	Deliver(ctx context.Context, to string, msg *Rendered) error
}

// Consumer drains the mail queue.
type Consumer struct {
	url      string
	queue    string
	renderer *Renderer
	sender   Sender
	logger   *slog.Logger
}

// NewConsumer creates a consumer. Pass nil logger for default.
func NewConsumer(url, queue string, renderer *Renderer, sender Sender, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		url:      url,
		queue:    queue,
		renderer: renderer,
		sender:   sender,
		logger:   logger.With("component", "mail-consumer"),
	}
}

// Run consumes until ctx is cancelled. Broker failures trigger a reconnect.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.logger.Warn("failed to dial broker", "error", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("consume loop ended, reconnecting", "error", err)
		if !sleepCtx(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		c.logger.Warn("failed to set qos", "error", err)
	}
	if _, err := declareQueue(ch, c.queue); err != nil {
		return err
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consume: %w", err)
	}
	c.logger.Info("consuming mail queue", "queue", c.queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.Handle(ctx, d.Body); err != nil {
				c.logger.Error("mail delivery failed", "message_id", d.MessageId, "error", err)
				// reject without requeue to avoid a hot loop on poison messages
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Handle renders and delivers one queued mail body.
func (c *Consumer) Handle(ctx context.Context, body []byte) error {
	var m Mail
	if err := json.Unmarshal(body, &m); err != nil {
		return fmt.Errorf("decoding mail: %w", err)
	}
	if m.To == "" {
		return fmt.Errorf("mail %s has no recipient", m.ID)
	}

	rendered, err := c.renderer.Render(m)
	if err != nil {
		return err
	}
	if err := c.sender.Deliver(ctx, m.To, rendered); err != nil {
		return fmt.Errorf("delivering mail %s: %w", m.ID, err)
	}

	c.logger.Info("mail delivered", "mail_id", m.ID, "kind", m.Kind, "tenant_id", m.TenantID)
	return nil
}

// sleepCtx waits for d or ctx. Returns false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
