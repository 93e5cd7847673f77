package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type correlationIDKey struct{}

type callerIDKey struct{}

func NewLogger(level string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}

	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return parsed, nil
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	correlationID, ok := ctx.Value(correlationIDKey{}).(string)
	if !ok || correlationID == "" {
		return "", false
	}

	return correlationID, true
}

// WithCallerID tags the context with the authenticated caller so pipeline
// logs can be traced back to whoever uploaded the card.
func WithCallerID(ctx context.Context, callerID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, callerIDKey{}, callerID)
}

func CallerIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	callerID, ok := ctx.Value(callerIDKey{}).(string)
	if !ok || callerID == "" {
		return "", false
	}

	return callerID, true
}

func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	fields := make([]zap.Field, 0, 2)
	if correlationID, ok := CorrelationIDFromContext(ctx); ok {
		fields = append(fields, zap.String("correlationId", correlationID))
	}
	if callerID, ok := CallerIDFromContext(ctx); ok {
		fields = append(fields, zap.String("callerId", callerID))
	}
	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}

// CardLogger returns a context logger scoped to one card.
func CardLogger(logger *zap.Logger, ctx context.Context, cardID string, jobID string) *zap.Logger {
	logger = WithContextLogger(logger, ctx)
	if logger == nil {
		return nil
	}

	fields := []zap.Field{zap.String("cardId", cardID)}
	if jobID != "" {
		fields = append(fields, zap.String("jobId", jobID))
	}
	return logger.With(fields...)
}
