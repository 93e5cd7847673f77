package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/cardmail-engine/internal/domain"
)

const (
	DefaultVisionEndpoint = "https://vision.googleapis.com"
	visionAnnotatePath    = "/v1/images:annotate"
	visionProviderName    = "vision"
	defaultVisionTimeout  = 30 * time.Second
)

// gRPC status codes the Vision API reports per image.
var transientVisionCodes = map[int]bool{
	4:  true, // DEADLINE_EXCEEDED
	8:  true, // RESOURCE_EXHAUSTED
	13: true, // INTERNAL
	14: true, // UNAVAILABLE
}

type visionRequest struct {
	Requests []visionImageRequest `json:"requests"`
}

type visionImageRequest struct {
	Image        visionImage        `json:"image"`
	Features     []visionFeature    `json:"features"`
	ImageContext visionImageContext `json:"imageContext"`
}

type visionImage struct {
	Content string `json:"content"`
}

type visionFeature struct {
	Type string `json:"type"`
}

type visionImageContext struct {
	LanguageHints []string `json:"languageHints,omitempty"`
}

type visionResponse struct {
	Responses []struct {
		FullTextAnnotation *struct {
			Text string `json:"text"`
		} `json:"fullTextAnnotation"`
		TextAnnotations []struct {
			Description string `json:"description"`
		} `json:"textAnnotations"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"responses"`
}

// VisionRecognizer reads card text with the Google Cloud Vision REST API.
type VisionRecognizer struct {
	client        *resty.Client
	endpoint      string
	apiKey        string
	languageHints []string
}

func NewVisionRecognizer(endpoint string, apiKey string) (*VisionRecognizer, error) {
	client := resty.New()
	client.SetTimeout(defaultVisionTimeout)
	client.SetRetryCount(0)

	return NewVisionRecognizerWithClient(endpoint, apiKey, client)
}

func NewVisionRecognizerWithClient(endpoint string, apiKey string, client *resty.Client) (*VisionRecognizer, error) {
	trimmedEndpoint := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmedEndpoint == "" {
		trimmedEndpoint = DefaultVisionEndpoint
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid vision endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	client.SetRetryCount(0)

	return &VisionRecognizer{
		client:        client,
		endpoint:      trimmedEndpoint,
		apiKey:        strings.TrimSpace(apiKey),
		languageHints: []string{"ja", "en"},
	}, nil
}

func (r *VisionRecognizer) Recognize(ctx context.Context, image []byte) (string, error) {
	if r == nil || r.client == nil {
		return "", fmt.Errorf("recognizer is not initialized")
	}
	if len(image) == 0 {
		return "", r.fail(permanentError(visionProviderName, "image is empty"))
	}

	creds, _ := CredentialsFromContext(ctx)
	apiKey := pick(creds.VisionAPIKey, r.apiKey)
	if apiKey == "" {
		return "", r.fail(permanentError(visionProviderName, "vision api key is not configured"))
	}

	reqBody := visionRequest{
		Requests: []visionImageRequest{{
			Image:        visionImage{Content: base64.StdEncoding.EncodeToString(image)},
			Features:     []visionFeature{{Type: "TEXT_DETECTION"}},
			ImageContext: visionImageContext{LanguageHints: r.languageHints},
		}},
	}

	response, err := r.client.R().
		SetContext(ctx).
		SetQueryParam("key", apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(r.endpoint + visionAnnotatePath)
	if err != nil {
		return "", r.fail(requestError(visionProviderName, err))
	}

	statusCode := response.StatusCode()
	if !isSuccessStatus(statusCode) {
		return "", r.fail(statusError(visionProviderName, statusCode, response.String()))
	}

	var decoded visionResponse
	if err := json.Unmarshal(response.Body(), &decoded); err != nil {
		return "", r.fail(&ProviderError{
			Provider:   visionProviderName,
			StatusCode: statusCode,
			Message:    "malformed response",
			Cause:      err,
		})
	}
	if len(decoded.Responses) == 0 {
		return "", r.fail(permanentError(visionProviderName, "no annotation returned"))
	}

	first := decoded.Responses[0]
	if first.Error != nil && first.Error.Code != 0 {
		return "", r.fail(&ProviderError{
			Provider:  visionProviderName,
			Message:   fmt.Sprintf("annotate error %d: %s", first.Error.Code, first.Error.Message),
			Transient: transientVisionCodes[first.Error.Code],
		})
	}

	text := ""
	if first.FullTextAnnotation != nil {
		text = first.FullTextAnnotation.Text
	}
	if strings.TrimSpace(text) == "" && len(first.TextAnnotations) > 0 {
		text = first.TextAnnotations[0].Description
	}
	if strings.TrimSpace(text) == "" {
		return "", r.fail(permanentError(visionProviderName, "no text detected"))
	}

	return text, nil
}

func (r *VisionRecognizer) fail(err *ProviderError) error {
	return fmt.Errorf("%w: %w", domain.ErrRecognitionFailed, err)
}
