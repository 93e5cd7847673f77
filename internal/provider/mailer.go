package provider

import (
	"context"

	"github.com/kursadbilgin/cardmail-engine/internal/domain"
)

// SendReceipt is what a mail transport reports after accepting a message.
type SendReceipt struct {
	StatusCode int
	Body       string
	MessageID  string
}

// Mailer transmits one outbound email. Implementations never retry.
type Mailer interface {
	Send(ctx context.Context, email domain.Email) (*SendReceipt, error)
}

// Recognizer turns a card image into raw text.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// DraftGenerator writes an introduction email from extracted contact data.
type DraftGenerator interface {
	Generate(ctx context.Context, req DraftRequest) (domain.EmailContent, error)
}

// DraftRequest carries everything a generator needs to write one email.
type DraftRequest struct {
	Contact     domain.ExtractedData
	Tone        domain.Tone
	Language    domain.Language
	Signature   string
	SubjectHint string
}
