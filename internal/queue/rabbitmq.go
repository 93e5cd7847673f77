package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dlxExchangeName  = "cardmail.dlx"
	connectionName   = "cardmail-engine"
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
	connectTimeout   = 15 * time.Second
	heartbeat        = 10 * time.Second
)

var errRabbitMQClosed = errors.New("rabbitmq client is closed")

// RabbitMQ owns the broker connection and redials it on demand.
type RabbitMQ struct {
	url string

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// NewRabbitMQ connects and declares the card event topology once so a
// misconfigured broker fails at startup instead of on the first event.
func NewRabbitMQ(ctx context.Context, url string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	ch, err := r.openChannel(ctx)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	if err := declareTopology(ch); err != nil {
		_ = r.Close()
		return nil, err
	}

	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.closed = true
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// Ping reports whether the broker connection is up. It never dials and
// reports a connection that is being redialed as down.
func (r *RabbitMQ) Ping(context.Context) error {
	if !r.mu.TryLock() {
		return fmt.Errorf("rabbitmq reconnect in progress")
	}
	conn, closed := r.conn, r.closed
	r.mu.Unlock()

	if closed {
		return errRabbitMQClosed
	}
	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is down")
	}
	return nil
}

// openChannel returns a new channel, redialing once if the connection was
// dropped between the check and the channel open.
func (r *RabbitMQ) openChannel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err == nil {
		return ch, nil
	}

	r.drop(conn)
	conn, err = r.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err = conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open rabbitmq channel after reconnect: %w", err)
	}
	return ch, nil
}

func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errRabbitMQClosed
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}

	wait := reconnectBackoff
	for attempt := 1; ; attempt++ {
		conn, err := amqp.DialConfig(r.url, amqp.Config{
			Heartbeat:  heartbeat,
			Locale:     "en_US",
			Properties: amqp.Table{"connection_name": connectionName},
		})
		if err == nil {
			r.conn = conn
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq connect failed after %d attempts: %w", attempt, errors.Join(ctx.Err(), err))
		case <-time.After(wait):
		}

		wait *= 2
		if wait > maxBackoff {
			wait = maxBackoff
		}
	}
}

func (r *RabbitMQ) drop(conn *amqp.Connection) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		_ = conn.Close()
	}
}

// declareTopology declares the events exchange, the card events queue and
// its dead-letter queue.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(dlxExchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare events exchange: %w", err)
	}

	dlqName := DLQName(EventsQueue)
	if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlq %q: %w", dlqName, err)
	}
	if err := ch.QueueBind(dlqName, EventsQueue, dlxExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind dlq %q: %w", dlqName, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    dlxExchangeName,
		"x-dead-letter-routing-key": EventsQueue,
	}
	if _, err := ch.QueueDeclare(EventsQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", EventsQueue, err)
	}
	if err := ch.QueueBind(EventsQueue, eventsBindingKey, EventsExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %q: %w", EventsQueue, err)
	}

	return nil
}
