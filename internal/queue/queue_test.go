package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRoutingKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event domain.CardEvent
		want  string
	}{
		{name: "transition", event: domain.CardEvent{From: domain.StatusReviewing, To: domain.StatusReady}, want: "card.ready"},
		{name: "failure", event: domain.CardEvent{From: domain.StatusSending, To: domain.StatusFailed}, want: "card.failed"},
		{name: "removed", event: domain.CardEvent{From: domain.StatusReady, To: domain.StatusReady, Removed: true}, want: "card.removed"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := RoutingKey(tt.event); got != tt.want {
				t.Fatalf("RoutingKey() = %q, want %q", got, tt.want)
			}
		})
	}

	if got := DLQName(EventsQueue); got != "dlq.cardmail.card-events" {
		t.Fatalf("DLQName() = %q", got)
	}
}

func TestCardEventMessage(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	msg := NewCardEventMessage(domain.CardEvent{
		CardID: "c1",
		JobID:  "j1",
		From:   domain.StatusProcessing,
		To:     domain.StatusReviewing,
		At:     at,
	})
	if msg.EventID == "" {
		t.Fatal("event id should be generated")
	}
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("json marshal error = %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if fields["cardId"] != "c1" || fields["to"] != "reviewing" {
		t.Fatalf("payload = %s", payload)
	}
	if _, ok := fields["removed"]; ok {
		t.Fatalf("removed should be omitted: %s", payload)
	}

	invalid := msg
	invalid.CardID = ""
	if err := invalid.Validate(); err == nil {
		t.Fatal("expected error for empty card id")
	}
	invalid = msg
	invalid.To = domain.Status("unknown")
	if err := invalid.Validate(); err == nil {
		t.Fatal("expected error for invalid status")
	}
}

type fakePublisher struct {
	mu        sync.Mutex
	published []CardEventMessage
	publishFn func(ctx context.Context, msg CardEventMessage) error
}

func (f *fakePublisher) Publish(ctx context.Context, msg CardEventMessage) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) Published() []CardEventMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CardEventMessage(nil), f.published...)
}

func TestEventForwarderPublishesInOrder(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	fwd, err := NewEventForwarder(pub, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEventForwarder() error = %v", err)
	}

	fwd.Handle(domain.CardEvent{CardID: "c1", From: domain.StatusProcessing, To: domain.StatusReviewing})
	fwd.Handle(domain.CardEvent{CardID: "c1", From: domain.StatusReviewing, To: domain.StatusReady})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fwd.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got := pub.Published()
	if len(got) != 2 {
		t.Fatalf("published = %d, want 2", len(got))
	}
	if got[0].To != domain.StatusReviewing || got[1].To != domain.StatusReady {
		t.Fatalf("order = %s, %s", got[0].To, got[1].To)
	}

	fwd.Handle(domain.CardEvent{CardID: "c2", To: domain.StatusReviewing})
	if len(pub.Published()) != 2 {
		t.Fatal("events after Close must be ignored")
	}
}

func TestEventForwarderLogsPublishFailure(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	pub := &fakePublisher{
		publishFn: func(ctx context.Context, msg CardEventMessage) error {
			return errors.New("broker down")
		},
	}
	fwd, err := NewEventForwarder(pub, 1, zap.New(core))
	if err != nil {
		t.Fatalf("NewEventForwarder() error = %v", err)
	}

	fwd.Handle(domain.CardEvent{CardID: "c1", To: domain.StatusFailed})
	if err := fwd.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries := logs.FilterMessage("failed to publish card event").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0].ContextMap()["routingKey"] != "card.failed" {
		t.Fatalf("routingKey = %v", entries[0].ContextMap()["routingKey"])
	}
}

func TestEventForwarderDropsWhenFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	pub := &fakePublisher{
		publishFn: func(ctx context.Context, msg CardEventMessage) error {
			<-block
			return nil
		},
	}
	core, logs := observer.New(zap.WarnLevel)
	fwd, err := NewEventForwarder(pub, 1, zap.New(core))
	if err != nil {
		t.Fatalf("NewEventForwarder() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		fwd.Handle(domain.CardEvent{CardID: "c1", To: domain.StatusReviewing})
	}
	close(block)
	if err := fwd.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	dropped := logs.FilterMessage("dropping card event: buffer full").Len()
	published := len(pub.Published())
	if published+dropped != 5 || dropped == 0 {
		t.Fatalf("published = %d dropped = %d, want a total of 5 with drops", published, dropped)
	}
}

func TestNewEventForwarderRequiresPublisher(t *testing.T) {
	t.Parallel()

	if _, err := NewEventForwarder(nil, 1, nil); err == nil {
		t.Fatal("expected error for nil publisher")
	}
}
