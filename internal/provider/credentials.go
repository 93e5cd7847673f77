package provider

import "context"

type credentialsKey struct{}

// Credentials are the per-caller provider secrets supplied by the auth layer.
// Empty fields fall back to the server-wide keys each adapter was built with.
type Credentials struct {
	CallerID          string
	OpenAIAPIKey      string
	VisionAPIKey      string
	GoogleAccessToken string
}

func WithCredentials(ctx context.Context, creds Credentials) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, credentialsKey{}, creds)
}

func CredentialsFromContext(ctx context.Context) (Credentials, bool) {
	if ctx == nil {
		return Credentials{}, false
	}
	creds, ok := ctx.Value(credentialsKey{}).(Credentials)
	return creds, ok
}

func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}
