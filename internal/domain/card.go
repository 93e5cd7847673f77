package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a card.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusReviewing  Status = "reviewing"
	StatusReady      Status = "ready"
	StatusSending    Status = "sending"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusProcessing, StatusReviewing, StatusReady, StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no pipeline stage will move the card further
// without a user action.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

var transitions = map[Status][]Status{
	StatusProcessing: {StatusReviewing, StatusFailed},
	StatusReviewing:  {StatusReady, StatusFailed},
	StatusReady:      {StatusSending},
	StatusSending:    {StatusSent, StatusFailed},
	StatusFailed:     {StatusProcessing},
}

// CanTransition reports whether from -> to is an edge of the card state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition for edges outside the state machine.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Tone is the register of a generated email.
type Tone string

const (
	ToneProfessional Tone = "professional"
	ToneFriendly     Tone = "friendly"
	ToneCasual       Tone = "casual"
)

func (t Tone) String() string { return string(t) }

func (t Tone) IsValid() bool {
	switch t {
	case ToneProfessional, ToneFriendly, ToneCasual:
		return true
	}
	return false
}

func ParseToneFromString(s string) (Tone, error) {
	t := Tone(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid tone %q", ErrValidation, s)
	}
	return t, nil
}

// Language is the language of a generated email.
type Language string

const (
	LanguageJA Language = "ja"
	LanguageEN Language = "en"
)

func (l Language) String() string { return string(l) }

func (l Language) IsValid() bool {
	return l == LanguageJA || l == LanguageEN
}

func ParseLanguageFromString(s string) (Language, error) {
	l := Language(strings.ToLower(strings.TrimSpace(s)))
	if !l.IsValid() {
		return "", fmt.Errorf("%w: invalid language %q", ErrValidation, s)
	}
	return l, nil
}

// Stage names one step of the card pipeline.
type Stage string

const (
	StageUpload      Stage = "upload"
	StageRecognition Stage = "recognition"
	StageExtraction  Stage = "extraction"
	StageGeneration  Stage = "generation"
	StageSend        Stage = "send"
)

// ExtractedData holds the contact fields read from a card.
type ExtractedData struct {
	Name       string  `json:"name,omitempty"`
	Company    string  `json:"company,omitempty"`
	Role       string  `json:"role,omitempty"`
	Email      string  `json:"email,omitempty"`
	Phone      string  `json:"phone,omitempty"`
	Address    string  `json:"address,omitempty"`
	Website    string  `json:"website,omitempty"`
	Confidence float64 `json:"confidence"`
}

// EmailContent is the drafted introduction email for a card.
type EmailContent struct {
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	Tone     Tone     `json:"tone"`
	Language Language `json:"language"`
}

// CardError is the structured failure reason attached to a card.
type CardError struct {
	Stage     Stage     `json:"stage"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Transient bool      `json:"transient"`
	At        time.Time `json:"at"`
}

func (e *CardError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

// Card is one business card's lifecycle record.
type Card struct {
	ID                string
	JobID             string
	OwnerID           string
	FileName          string
	ContentType       string
	SourceImageRef    string
	RawText           string
	ExtractedData     *ExtractedData
	EmailContent      *EmailContent
	Status            Status
	LastError         *CardError
	ProviderMessageID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	SentAt            *time.Time
}

// Clone returns a deep copy so callers never share pointers with the registry.
func (c Card) Clone() Card {
	out := c
	if c.ExtractedData != nil {
		v := *c.ExtractedData
		out.ExtractedData = &v
	}
	if c.EmailContent != nil {
		v := *c.EmailContent
		out.EmailContent = &v
	}
	if c.LastError != nil {
		v := *c.LastError
		out.LastError = &v
	}
	if c.SentAt != nil {
		v := *c.SentAt
		out.SentAt = &v
	}
	return out
}

// Recipient returns the extracted email address, if any.
func (c Card) Recipient() string {
	if c.ExtractedData == nil {
		return ""
	}
	return strings.TrimSpace(c.ExtractedData.Email)
}

// CardEvent describes one committed state transition.
type CardEvent struct {
	CardID  string    `json:"cardId"`
	JobID   string    `json:"jobId,omitempty"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
	Removed bool      `json:"removed,omitempty"`
}

// Email is an outbound message handed to the transmission provider.
// CardID identifies the source card so providers can deduplicate retries.
type Email struct {
	CardID  string
	To      string
	Subject string
	Body    string
}

func (e Email) Validate() error {
	if strings.TrimSpace(e.To) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if !strings.Contains(e.To, "@") {
		return fmt.Errorf("%w: invalid recipient %q", ErrValidation, e.To)
	}
	if strings.TrimSpace(e.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	return nil
}
