package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultForwarderBuffer = 256
	defaultPublishTimeout  = 5 * time.Second
)

// EventForwarder hands registry events to a Publisher on its own goroutine so
// a slow broker never blocks a card transition. Events are dropped when the
// buffer is full.
type EventForwarder struct {
	publisher Publisher
	timeout   time.Duration
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	events chan CardEventMessage
	done   chan struct{}
}

func NewEventForwarder(publisher Publisher, buffer int, logger *zap.Logger) (*EventForwarder, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if buffer <= 0 {
		buffer = defaultForwarderBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &EventForwarder{
		publisher: publisher,
		timeout:   defaultPublishTimeout,
		logger:    logger,
		events:    make(chan CardEventMessage, buffer),
		done:      make(chan struct{}),
	}
	go f.run()
	return f, nil
}

// Handle is a registry listener.
func (f *EventForwarder) Handle(event domain.CardEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}

	msg := NewCardEventMessage(event)
	select {
	case f.events <- msg:
	default:
		f.logger.Warn("dropping card event: buffer full",
			zap.String("cardId", event.CardID),
			zap.String("to", event.To.String()),
		)
	}
}

// Close stops accepting events and waits for buffered ones to be published.
func (f *EventForwarder) Close(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	f.mu.Unlock()

	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *EventForwarder) run() {
	defer close(f.done)

	for msg := range f.events {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err := f.publisher.Publish(ctx, msg)
		cancel()
		if err != nil {
			f.logger.Warn("failed to publish card event",
				zap.String("cardId", msg.CardID),
				zap.String("routingKey", RoutingKey(msg.Event())),
				zap.Error(err),
			)
		}
	}
}
