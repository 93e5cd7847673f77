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
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "gpt-4o-mini"
	openAIProviderName   = "openai"
	defaultOpenAITimeout = 30 * time.Second
	draftSchemaURL       = "draft.json"
)

const draftSchema = `{
  "type": "object",
  "required": ["subject", "body"],
  "properties": {
    "subject": {"type": "string", "minLength": 1, "pattern": "\\S"},
    "body": {"type": "string", "minLength": 1, "pattern": "\\S"}
  }
}`

type chatCompletionRequest struct {
	Model          string            `json:"model"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
	Messages       []chatMessage     `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type draftPayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// OpenAIGenerator drafts emails with an OpenAI-compatible chat/completions API.
type OpenAIGenerator struct {
	client      *resty.Client
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	schema      *jsonschema.Schema
}

func NewOpenAIGenerator(baseURL string, apiKey string, model string) (*OpenAIGenerator, error) {
	client := resty.New()
	client.SetTimeout(defaultOpenAITimeout)
	client.SetRetryCount(0)

	return NewOpenAIGeneratorWithClient(baseURL, apiKey, model, client)
}

func NewOpenAIGeneratorWithClient(baseURL string, apiKey string, model string, client *resty.Client) (*OpenAIGenerator, error) {
	trimmedBaseURL := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedBaseURL == "" {
		trimmedBaseURL = DefaultOpenAIBaseURL
	}
	if _, err := url.ParseRequestURI(trimmedBaseURL); err != nil {
		return nil, fmt.Errorf("invalid openai base url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	client.SetRetryCount(0)

	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultOpenAIModel
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(draftSchemaURL, strings.NewReader(draftSchema)); err != nil {
		return nil, fmt.Errorf("add draft schema: %w", err)
	}
	schema, err := compiler.Compile(draftSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile draft schema: %w", err)
	}

	return &OpenAIGenerator{
		client:      client,
		baseURL:     trimmedBaseURL,
		apiKey:      strings.TrimSpace(apiKey),
		model:       model,
		temperature: 0.7,
		schema:      schema,
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req DraftRequest) (domain.EmailContent, error) {
	if g == nil || g.client == nil {
		return domain.EmailContent{}, fmt.Errorf("generator is not initialized")
	}
	if !req.Tone.IsValid() {
		req.Tone = domain.ToneProfessional
	}
	if !req.Language.IsValid() {
		req.Language = domain.LanguageJA
	}

	creds, _ := CredentialsFromContext(ctx)
	apiKey := pick(creds.OpenAIAPIKey, g.apiKey)
	if apiKey == "" {
		return domain.EmailContent{}, g.fail(permanentError(openAIProviderName, "openai api key is not configured"))
	}

	body := chatCompletionRequest{
		Model:          g.model,
		Temperature:    g.temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req.Tone, req.Language)},
			{Role: "user", Content: userPrompt(req)},
		},
	}

	response, err := g.client.R().
		SetContext(ctx).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(g.baseURL + "/chat/completions")
	if err != nil {
		return domain.EmailContent{}, g.fail(requestError(openAIProviderName, err))
	}

	statusCode := response.StatusCode()
	if !isSuccessStatus(statusCode) {
		return domain.EmailContent{}, g.fail(statusError(openAIProviderName, statusCode, response.String()))
	}

	var decoded chatCompletionResponse
	if err := json.Unmarshal(response.Body(), &decoded); err != nil {
		return domain.EmailContent{}, g.fail(&ProviderError{
			Provider:   openAIProviderName,
			StatusCode: statusCode,
			Message:    "malformed response",
			Cause:      err,
		})
	}
	if len(decoded.Choices) == 0 {
		return domain.EmailContent{}, g.fail(permanentError(openAIProviderName, "no choices in response"))
	}

	draft, err := g.parseDraft(strings.TrimSpace(decoded.Choices[0].Message.Content))
	if err != nil {
		return domain.EmailContent{}, g.fail(&ProviderError{
			Provider: openAIProviderName,
			Message:  "malformed draft payload",
			Cause:    err,
		})
	}

	return domain.EmailContent{
		Subject:  strings.TrimSpace(draft.Subject),
		Body:     appendSignature(strings.TrimSpace(draft.Body), req.Signature),
		Tone:     req.Tone,
		Language: req.Language,
	}, nil
}

func (g *OpenAIGenerator) parseDraft(content string) (draftPayload, error) {
	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return draftPayload{}, fmt.Errorf("unmarshal content: %w", err)
	}
	if err := g.schema.Validate(v); err != nil {
		return draftPayload{}, fmt.Errorf("json does not match schema: %w", err)
	}

	var out draftPayload
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return draftPayload{}, fmt.Errorf("unmarshal draft: %w", err)
	}
	return out, nil
}

func (g *OpenAIGenerator) fail(err *ProviderError) error {
	return fmt.Errorf("%w: %w", domain.ErrGenerationFailed, err)
}

func systemPrompt(tone domain.Tone, language domain.Language) string {
	if language == domain.LanguageJA {
		return "あなたは名刺交換後のお礼メールを書くアシスタントです。" +
			japaneseTone(tone) +
			`件名と本文を日本語で作成し、{"subject": "...", "body": "..."} 形式のJSONのみを返してください。`
	}
	return "You write follow-up emails after a business card exchange. " +
		englishTone(tone) +
		` Write the subject and body in English and return only JSON shaped as {"subject": "...", "body": "..."}.`
}

func japaneseTone(tone domain.Tone) string {
	switch tone {
	case domain.ToneFriendly:
		return "丁寧さを保ちつつ親しみやすい文体で書いてください。"
	case domain.ToneCasual:
		return "くだけすぎない気軽な文体で書いてください。"
	default:
		return "ビジネスにふさわしい丁寧な敬語で書いてください。"
	}
}

func englishTone(tone domain.Tone) string {
	switch tone {
	case domain.ToneFriendly:
		return "Keep it warm and friendly while staying polite."
	case domain.ToneCasual:
		return "Keep it relaxed and conversational."
	default:
		return "Keep it formal and professional."
	}
}

func userPrompt(req DraftRequest) string {
	c := req.Contact
	var b strings.Builder
	b.WriteString("Contact details from the business card:\n")
	writeField(&b, "Name", c.Name)
	writeField(&b, "Company", c.Company)
	writeField(&b, "Role", c.Role)
	writeField(&b, "Email", c.Email)
	writeField(&b, "Phone", c.Phone)
	writeField(&b, "Address", c.Address)
	writeField(&b, "Website", c.Website)
	if hint := strings.TrimSpace(req.SubjectHint); hint != "" {
		writeField(&b, "Subject hint", hint)
	}
	b.WriteString("Do not include a signature; it is appended separately.")
	return b.String()
}

func writeField(b *strings.Builder, label, value string) {
	if value = strings.TrimSpace(value); value != "" {
		fmt.Fprintf(b, "- %s: %s\n", label, value)
	}
}

func appendSignature(body, signature string) string {
	signature = strings.TrimSpace(signature)
	if signature == "" || strings.Contains(body, signature) {
		return body
	}
	return body + "\n\n" + signature
}
