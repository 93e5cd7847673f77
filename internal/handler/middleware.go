package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"github.com/kursadbilgin/cardmail-engine/internal/observability"
	"github.com/kursadbilgin/cardmail-engine/internal/provider"
)

const (
	HeaderCallerID          = "X-Caller-ID"
	HeaderOpenAIKey         = "X-OpenAI-Key"
	HeaderVisionKey         = "X-Vision-Key"
	HeaderGoogleAccessToken = "X-Google-Access-Token"
)

// RequestContext puts the correlation id and the caller's provider
// credentials into the request's user context. Header values are copied
// because background pipelines keep them after the request is recycled.
func RequestContext() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()

		correlationID := requestCorrelationID(c)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		ctx = observability.WithCorrelationID(ctx, correlationID)

		creds := provider.Credentials{
			CallerID:          headerValue(c, HeaderCallerID),
			OpenAIAPIKey:      headerValue(c, HeaderOpenAIKey),
			VisionAPIKey:      headerValue(c, HeaderVisionKey),
			GoogleAccessToken: bearerToken(headerValue(c, HeaderGoogleAccessToken)),
		}
		if creds.CallerID != "" {
			ctx = observability.WithCallerID(ctx, creds.CallerID)
		}
		ctx = provider.WithCredentials(ctx, creds)

		c.SetUserContext(ctx)
		c.Set(fiber.HeaderXRequestID, correlationID)
		return c.Next()
	}
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := headerValue(c, fiber.HeaderXRequestID); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return utils.CopyString(strings.TrimSpace(value))
	}
	return ""
}

func headerValue(c *fiber.Ctx, name string) string {
	return utils.CopyString(strings.TrimSpace(c.Get(name)))
}

func bearerToken(value string) string {
	if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
		return strings.TrimSpace(value[7:])
	}
	return value
}
