package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/cardmail-engine/internal/domain"
)

// CardEventMessage is the broker payload for one committed card transition.
type CardEventMessage struct {
	EventID       string        `json:"eventId"`
	CorrelationID string        `json:"correlationId,omitempty"`
	CardID        string        `json:"cardId"`
	JobID         string        `json:"jobId,omitempty"`
	From          domain.Status `json:"from"`
	To            domain.Status `json:"to"`
	At            time.Time     `json:"at"`
	Error         string        `json:"error,omitempty"`
	Removed       bool          `json:"removed,omitempty"`
}

func NewCardEventMessage(event domain.CardEvent) CardEventMessage {
	return CardEventMessage{
		EventID: uuid.NewString(),
		CardID:  event.CardID,
		JobID:   event.JobID,
		From:    event.From,
		To:      event.To,
		At:      event.At.UTC(),
		Error:   event.Error,
		Removed: event.Removed,
	}
}

func (m CardEventMessage) Event() domain.CardEvent {
	return domain.CardEvent{
		CardID:  m.CardID,
		JobID:   m.JobID,
		From:    m.From,
		To:      m.To,
		At:      m.At,
		Error:   m.Error,
		Removed: m.Removed,
	}
}

func (m CardEventMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return fmt.Errorf("eventId is required")
	}
	if strings.TrimSpace(m.CardID) == "" {
		return fmt.Errorf("cardId is required")
	}
	if !m.To.IsValid() {
		return fmt.Errorf("invalid status %q", m.To)
	}
	if m.From != "" && !m.From.IsValid() {
		return fmt.Errorf("invalid status %q", m.From)
	}
	return nil
}
