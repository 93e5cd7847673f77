package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"github.com/kursadbilgin/cardmail-engine/internal/observability"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	webhookProviderName   = "webhook"

	headerIdempotencyKey = "Idempotency-Key"
	headerCorrelationID  = "X-Correlation-ID"
)

type webhookRequest struct {
	CardID  string `json:"cardId,omitempty"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type webhookResponse struct {
	MessageID string `json:"messageId"`
	ID        string `json:"id"`
}

// WebhookMailer relays emails as JSON to an HTTP endpoint that performs
// delivery. Each request carries the card id as an Idempotency-Key so the
// relay can drop a retried send it already accepted.
type WebhookMailer struct {
	client   *resty.Client
	endpoint string
}

func NewWebhookMailer(endpoint string) (*WebhookMailer, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)

	return NewWebhookMailerWithClient(endpoint, client)
}

func NewWebhookMailerWithClient(endpoint string, client *resty.Client) (*WebhookMailer, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookMailer{client: client, endpoint: trimmedEndpoint}, nil
}

func (m *WebhookMailer) Send(ctx context.Context, email domain.Email) (*SendReceipt, error) {
	if m == nil || m.client == nil {
		return nil, fmt.Errorf("mailer is not initialized")
	}
	if err := email.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSendFailed, err)
	}

	req := m.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookRequest{
			CardID:  email.CardID,
			To:      email.To,
			Subject: email.Subject,
			Body:    email.Body,
		})
	if email.CardID != "" {
		req.SetHeader(headerIdempotencyKey, email.CardID)
	}
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		req.SetHeader(headerCorrelationID, correlationID)
	}

	response, err := req.Post(m.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSendFailed, requestError(webhookProviderName, err))
	}
	if response == nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSendFailed, &ProviderError{
			Provider:  webhookProviderName,
			Message:   "empty response",
			Transient: true,
		})
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())
	if !isSuccessStatus(statusCode) {
		return nil, fmt.Errorf("%w: %w", domain.ErrSendFailed, statusError(webhookProviderName, statusCode, responseBody))
	}

	return &SendReceipt{
		StatusCode: statusCode,
		Body:       responseBody,
		MessageID:  webhookMessageID(response),
	}, nil
}

// webhookMessageID prefers an id in a JSON body and falls back to the usual
// request id headers.
func webhookMessageID(response *resty.Response) string {
	var body webhookResponse
	if err := json.Unmarshal(response.Body(), &body); err == nil {
		for _, id := range []string{body.MessageID, body.ID} {
			if id = strings.TrimSpace(id); id != "" {
				return id
			}
		}
	}

	for _, key := range []string{"X-Message-ID", "X-Request-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}
	return ""
}
