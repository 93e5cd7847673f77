package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kursadbilgin/cardmail-engine/internal/domain"
)

func newVisionServer(t *testing.T, status int, body string, gotKey *string, gotReq *visionRequest) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != visionAnnotatePath {
			t.Errorf("path = %q, want %q", r.URL.Path, visionAnnotatePath)
		}
		if gotKey != nil {
			*gotKey = r.URL.Query().Get("key")
		}
		if gotReq != nil {
			if err := json.NewDecoder(r.Body).Decode(gotReq); err != nil {
				t.Errorf("failed to decode request body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestVisionRecognizerRecognize(t *testing.T) {
	t.Parallel()

	var (
		gotKey string
		gotReq visionRequest
	)
	server := newVisionServer(t, http.StatusOK,
		`{"responses":[{"fullTextAnnotation":{"text":"山田 太郎\nyamada@example.jp"}}]}`, &gotKey, &gotReq)
	defer server.Close()

	r, err := NewVisionRecognizer(server.URL, "server-key")
	if err != nil {
		t.Fatalf("NewVisionRecognizer() error = %v", err)
	}

	text, err := r.Recognize(context.Background(), []byte("image-bytes"))
	if err != nil {
		t.Fatalf("Recognize() unexpected error: %v", err)
	}
	if text != "山田 太郎\nyamada@example.jp" {
		t.Fatalf("Recognize() = %q", text)
	}
	if gotKey != "server-key" {
		t.Fatalf("key = %q, want server-key", gotKey)
	}
	if len(gotReq.Requests) != 1 || gotReq.Requests[0].Features[0].Type != "TEXT_DETECTION" {
		t.Fatalf("request = %+v", gotReq)
	}
	if gotReq.Requests[0].Image.Content != "aW1hZ2UtYnl0ZXM=" {
		t.Fatalf("image content = %q", gotReq.Requests[0].Image.Content)
	}
}

func TestVisionRecognizerUsesCallerKey(t *testing.T) {
	t.Parallel()

	var gotKey string
	server := newVisionServer(t, http.StatusOK,
		`{"responses":[{"textAnnotations":[{"description":"Jane Smith"}]}]}`, &gotKey, nil)
	defer server.Close()

	r, err := NewVisionRecognizer(server.URL, "server-key")
	if err != nil {
		t.Fatalf("NewVisionRecognizer() error = %v", err)
	}

	ctx := WithCredentials(context.Background(), Credentials{VisionAPIKey: "caller-key"})
	text, err := r.Recognize(ctx, []byte("img"))
	if err != nil {
		t.Fatalf("Recognize() unexpected error: %v", err)
	}
	if text != "Jane Smith" {
		t.Fatalf("Recognize() = %q, want fallback to textAnnotations", text)
	}
	if gotKey != "caller-key" {
		t.Fatalf("key = %q, want caller-key", gotKey)
	}
}

func TestVisionRecognizerFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
	}{
		{name: "empty result is permanent", status: http.StatusOK, body: `{"responses":[{}]}`},
		{name: "no responses is permanent", status: http.StatusOK, body: `{"responses":[]}`},
		{name: "annotate invalid argument is permanent", status: http.StatusOK, body: `{"responses":[{"error":{"code":3,"message":"bad image"}}]}`},
		{name: "annotate unavailable is transient", status: http.StatusOK, body: `{"responses":[{"error":{"code":14,"message":"try later"}}]}`, wantTransient: true},
		{name: "forbidden is permanent", status: http.StatusForbidden, body: `{}`},
		{name: "service unavailable is transient", status: http.StatusServiceUnavailable, body: `{}`, wantTransient: true},
		{name: "malformed body is permanent", status: http.StatusOK, body: `not-json`},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := newVisionServer(t, tc.status, tc.body, nil, nil)
			defer server.Close()

			r, err := NewVisionRecognizer(server.URL, "k")
			if err != nil {
				t.Fatalf("NewVisionRecognizer() error = %v", err)
			}

			_, err = r.Recognize(context.Background(), []byte("img"))
			if !errors.Is(err, domain.ErrRecognitionFailed) {
				t.Fatalf("Recognize() error = %v, want ErrRecognitionFailed", err)
			}
			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v (err=%v)", got, tc.wantTransient, err)
			}
		})
	}
}

func TestVisionRecognizerRejectsEmptyImageAndMissingKey(t *testing.T) {
	t.Parallel()

	r, err := NewVisionRecognizer("http://127.0.0.1:1", "")
	if err != nil {
		t.Fatalf("NewVisionRecognizer() error = %v", err)
	}

	if _, err := r.Recognize(context.Background(), nil); !errors.Is(err, domain.ErrRecognitionFailed) {
		t.Fatalf("Recognize(nil) error = %v, want ErrRecognitionFailed", err)
	}
	if _, err := r.Recognize(context.Background(), []byte("img")); !errors.Is(err, domain.ErrRecognitionFailed) || IsTransient(err) {
		t.Fatalf("Recognize() without key error = %v, want permanent ErrRecognitionFailed", err)
	}
}
