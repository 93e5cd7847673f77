package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/cardmail-engine/internal/domain"
)

const (
	EmailProviderWebhook = "webhook"
	EmailProviderGmail   = "gmail"
)

type Config struct {
	APIPort            int    `env:"API_PORT,default=8080"`
	LogLevel           string `env:"LOG_LEVEL,default=info"`
	HTTPBodyLimitBytes int    `env:"HTTP_BODY_LIMIT_BYTES,default=104857600"`
	ShutdownTimeoutSec int    `env:"SHUTDOWN_TIMEOUT_SEC,default=30"`

	DatabaseDSN string `env:"DATABASE_DSN"`
	RedisURL    string `env:"REDIS_URL"`
	RabbitMQURL string `env:"RABBITMQ_URL"`

	// Empty endpoints and models fall back to each provider's public default.
	VisionAPIKey   string `env:"VISION_API_KEY"`
	VisionEndpoint string `env:"VISION_ENDPOINT"`
	OpenAIAPIKey   string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL  string `env:"OPENAI_BASE_URL"`
	OpenAIModel    string `env:"OPENAI_MODEL"`

	EmailProvider   string `env:"EMAIL_PROVIDER,default=webhook"`
	EmailWebhookURL string `env:"EMAIL_WEBHOOK_URL"`
	GmailEndpoint   string `env:"GMAIL_ENDPOINT"`
	GmailFrom       string `env:"GMAIL_FROM"`

	SendConcurrency       int `env:"SEND_CONCURRENCY,default=5"`
	SendRateLimitPerSec   int `env:"SEND_RATE_LIMIT_PER_SEC,default=10"`
	PipelineMaxRetries    int `env:"PIPELINE_MAX_RETRIES,default=2"`
	PipelineBackoffMS     int `env:"PIPELINE_BACKOFF_MS,default=500"`
	RecognitionTimeoutSec int `env:"RECOGNITION_TIMEOUT_SEC,default=30"`
	GenerationTimeoutSec  int `env:"GENERATION_TIMEOUT_SEC,default=30"`
	SendTimeoutSec        int `env:"SEND_TIMEOUT_SEC,default=15"`

	DefaultTone      string `env:"DEFAULT_TONE,default=professional"`
	DefaultLanguage  string `env:"DEFAULT_LANGUAGE,default=ja"`
	EmailSignature   string `env:"EMAIL_SIGNATURE"`
	SentHistoryLimit int    `env:"SENT_HISTORY_LIMIT,default=50"`
	MaxUploadBytes   int64  `env:"MAX_UPLOAD_BYTES,default=10485760"`
	BlobTTLMinutes   int    `env:"BLOB_TTL_MINUTES,default=1440"`
	EventBufferSize  int    `env:"EVENT_BUFFER_SIZE,default=256"`
	AutoDraft        bool   `env:"AUTO_DRAFT,default=false"`
	AutoSend         bool   `env:"AUTO_SEND,default=false"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.EmailProvider = strings.ToLower(strings.TrimSpace(cfg.EmailProvider))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.EmailProvider {
	case EmailProviderWebhook:
		if strings.TrimSpace(c.EmailWebhookURL) == "" {
			return fmt.Errorf("EMAIL_WEBHOOK_URL is required when EMAIL_PROVIDER=%s", EmailProviderWebhook)
		}
	case EmailProviderGmail:
	default:
		return fmt.Errorf("EMAIL_PROVIDER must be %q or %q, got %q", EmailProviderWebhook, EmailProviderGmail, c.EmailProvider)
	}

	if _, err := domain.ParseToneFromString(c.DefaultTone); err != nil {
		return fmt.Errorf("DEFAULT_TONE: %w", err)
	}
	if _, err := domain.ParseLanguageFromString(c.DefaultLanguage); err != nil {
		return fmt.Errorf("DEFAULT_LANGUAGE: %w", err)
	}

	positive := map[string]int{
		"API_PORT":                c.APIPort,
		"SEND_CONCURRENCY":        c.SendConcurrency,
		"SEND_RATE_LIMIT_PER_SEC": c.SendRateLimitPerSec,
		"RECOGNITION_TIMEOUT_SEC": c.RecognitionTimeoutSec,
		"GENERATION_TIMEOUT_SEC":  c.GenerationTimeoutSec,
		"SEND_TIMEOUT_SEC":        c.SendTimeoutSec,
		"SENT_HISTORY_LIMIT":      c.SentHistoryLimit,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, value)
		}
	}
	if c.PipelineMaxRetries < 0 {
		return fmt.Errorf("PIPELINE_MAX_RETRIES must not be negative, got %d", c.PipelineMaxRetries)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.AutoSend && !c.AutoDraft {
		return fmt.Errorf("AUTO_SEND requires AUTO_DRAFT")
	}

	return nil
}

func (c *Config) Tone() domain.Tone {
	tone, _ := domain.ParseToneFromString(c.DefaultTone)
	return tone
}

func (c *Config) Language() domain.Language {
	language, _ := domain.ParseLanguageFromString(c.DefaultLanguage)
	return language
}

func (c *Config) PipelineBackoff() time.Duration {
	return time.Duration(c.PipelineBackoffMS) * time.Millisecond
}

func (c *Config) RecognitionTimeout() time.Duration {
	return time.Duration(c.RecognitionTimeoutSec) * time.Second
}

func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.GenerationTimeoutSec) * time.Second
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSec) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

func (c *Config) BlobTTL() time.Duration {
	return time.Duration(c.BlobTTLMinutes) * time.Minute
}
