package queue

import (
	"context"

	"github.com/kursadbilgin/cardmail-engine/internal/domain"
)

// Publisher publishes card lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, msg CardEventMessage) error
	Close() error
}

const (
	// EventsExchange is the topic exchange card events are published to.
	EventsExchange = "cardmail.events"
	// EventsQueue receives every card event; bound with card.#.
	EventsQueue = "cardmail.card-events"

	eventsBindingKey = "card.#"
	removedKey       = "removed"
)

// DLQName returns the dead-letter queue for a queue, e.g. dlq.cardmail.card-events.
func DLQName(queue string) string {
	return "dlq." + queue
}

// RoutingKey returns the topic key for an event, e.g. card.ready or card.removed.
func RoutingKey(event domain.CardEvent) string {
	if event.Removed {
		return "card." + removedKey
	}
	return "card." + event.To.String()
}
