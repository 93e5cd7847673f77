package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/cardmail-engine/internal/domain"
)

const (
	DefaultGmailEndpoint = "https://gmail.googleapis.com"
	gmailSendPath        = "/gmail/v1/users/me/messages/send"
	gmailProviderName    = "gmail"
	defaultGmailTimeout  = 15 * time.Second
)

type gmailSendRequest struct {
	Raw string `json:"raw"`
}

type gmailSendResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// GmailMailer sends through the Gmail API on behalf of the caller whose OAuth
// access token is carried in the request credentials.
type GmailMailer struct {
	client   *resty.Client
	endpoint string
	from     string
}

func NewGmailMailer(endpoint string, from string) (*GmailMailer, error) {
	client := resty.New()
	client.SetTimeout(defaultGmailTimeout)
	client.SetRetryCount(0)

	return NewGmailMailerWithClient(endpoint, from, client)
}

func NewGmailMailerWithClient(endpoint string, from string, client *resty.Client) (*GmailMailer, error) {
	trimmedEndpoint := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmedEndpoint == "" {
		trimmedEndpoint = DefaultGmailEndpoint
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid gmail endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	client.SetRetryCount(0)

	return &GmailMailer{
		client:   client,
		endpoint: trimmedEndpoint,
		from:     strings.TrimSpace(from),
	}, nil
}

func (m *GmailMailer) Send(ctx context.Context, email domain.Email) (*SendReceipt, error) {
	if m == nil || m.client == nil {
		return nil, fmt.Errorf("mailer is not initialized")
	}
	if err := email.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSendFailed, err)
	}

	creds, _ := CredentialsFromContext(ctx)
	if creds.GoogleAccessToken == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrSendFailed,
			permanentError(gmailProviderName, "google access token is required"))
	}

	raw := base64.RawURLEncoding.EncodeToString(buildRFC822(m.from, email))

	response, err := m.client.R().
		SetContext(ctx).
		SetAuthToken(creds.GoogleAccessToken).
		SetHeader("Content-Type", "application/json").
		SetBody(gmailSendRequest{Raw: raw}).
		Post(m.endpoint + gmailSendPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSendFailed, requestError(gmailProviderName, err))
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())
	if !isSuccessStatus(statusCode) {
		return nil, fmt.Errorf("%w: %w", domain.ErrSendFailed, statusError(gmailProviderName, statusCode, responseBody))
	}

	var decoded gmailSendResponse
	if err := json.Unmarshal(response.Body(), &decoded); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSendFailed, &ProviderError{
			Provider:   gmailProviderName,
			StatusCode: statusCode,
			Message:    "malformed response",
			Cause:      err,
		})
	}

	return &SendReceipt{
		StatusCode: statusCode,
		Body:       responseBody,
		MessageID:  decoded.ID,
	}, nil
}

func buildRFC822(from string, email domain.Email) []byte {
	var buf bytes.Buffer
	if from != "" {
		fmt.Fprintf(&buf, "From: %s\r\n", from)
	}
	fmt.Fprintf(&buf, "To: %s\r\n", email.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.BEncoding.Encode("UTF-8", email.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")

	encoded := base64.StdEncoding.EncodeToString([]byte(email.Body))
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	buf.WriteString(encoded)
	buf.WriteString("\r\n")

	return buf.Bytes()
}
