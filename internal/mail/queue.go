// ABOUTME: RabbitMQ-backed Mailer that publishes durable JSON mail requests
// ABOUTME: Keeps one connection and channel open, redialing within the caller's deadline after a failure

package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// maxDialWait bounds a broker dial when the caller's context has no deadline.
const maxDialWait = 10 * time.Second

// QueueMailer publishes mail to a durable queue consumed by hearth-mailer.
type QueueMailer struct {
	url    string
	queue  string
	logger *slog.Logger

	// lock is a one-slot semaphore guarding conn and ch. Unlike a mutex,
	// waiters give up when their context ends.
	lock chan struct{}
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewQueueMailer creates a publisher. The broker is dialed on first Send.
func NewQueueMailer(url, queue string, logger *slog.Logger) *QueueMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueMailer{
		url:    url,
		queue:  queue,
		logger: logger.With("component", "mail-queue"),
		lock:   make(chan struct{}, 1),
	}
}

func (q *QueueMailer) acquire(ctx context.Context) error {
	select {
	case q.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for broker connection: %w", ctx.Err())
	}
}

func (q *QueueMailer) release() { <-q.lock }

// Send publishes m as a persistent message routed to the mail queue.
func (q *QueueMailer) Send(ctx context.Context, m Mail) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding mail: %w", err)
	}

	if err := q.acquire(ctx); err != nil {
		return err
	}
	defer q.release()

	ch, err := q.channelLocked(ctx)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx,
		"",      // default exchange
		q.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    m.ID,
			Type:         string(m.Kind),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	if err != nil {
		q.resetLocked()
		return fmt.Errorf("publishing mail: %w", err)
	}

	q.logger.Debug("mail queued", "mail_id", m.ID, "kind", m.Kind)
	return nil
}

// channelLocked returns an open channel, dialing and declaring the queue if
// needed. Caller holds q.lock.
func (q *QueueMailer) channelLocked(ctx context.Context) (*amqp.Channel, error) {
	if q.ch != nil && !q.ch.IsClosed() {
		return q.ch, nil
	}
	if q.conn == nil || q.conn.IsClosed() {
		conn, err := amqp.DialConfig(q.url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Dial:      contextDialer(ctx),
		})
		if err != nil {
			return nil, fmt.Errorf("dialing broker: %w", err)
		}
		q.conn = conn
	}

	ch, err := q.conn.Channel()
	if err != nil {
		q.resetLocked()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if _, err := declareQueue(ch, q.queue); err != nil {
		_ = ch.Close()
		q.resetLocked()
		return nil, err
	}
	q.ch = ch
	return ch, nil
}

// contextDialer connects within ctx and keeps its deadline on the socket for
// the AMQP handshake; the library clears it once the connection is open.
func contextDialer(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(maxDialWait)
		}
		dialCtx, cancel := context.WithDeadline(ctx, deadline)
		defer cancel()

		var d net.Dialer
		conn, err := d.DialContext(dialCtx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

func (q *QueueMailer) resetLocked() {
	if q.ch != nil {
		_ = q.ch.Close()
		q.ch = nil
	}
	if q.conn != nil {
		_ = q.conn.Close()
		q.conn = nil
	}
}

// Close releases the broker connection.
func (q *QueueMailer) Close() error {
	q.lock <- struct{}{}
	defer q.release()
	q.resetLocked()
	return nil
}

// declareQueue makes sure the durable mail queue exists. Both the publisher
// and the consumer declare it, so either may start first.
func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	queue, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return queue, fmt.Errorf("declaring queue %s: %w", name, err)
	}
	return queue, nil
}
