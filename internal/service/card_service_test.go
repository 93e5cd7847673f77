package service

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"github.com/kursadbilgin/cardmail-engine/internal/provider"
	"github.com/kursadbilgin/cardmail-engine/internal/registry"
	"go.uber.org/zap"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type cardServiceFixture struct {
	*runnerFixture
	mailer  *fakeMailer
	jobs    *JobTracker
	service *CardService
}

func newCardServiceFixture(t *testing.T, cfg CardServiceConfig) *cardServiceFixture {
	t.Helper()

	rf := newRunnerFixture(t)
	mailer := &fakeMailer{}
	sender, _ := newTestSender(t, rf.registry, mailer, &fakeRateLimiter{}, SenderConfig{})

	jobs, err := NewJobTracker(rf.registry, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewJobTracker() error = %v", err)
	}

	svc, err := NewCardService(rf.registry, jobs, rf.runner, sender, rf.blobs, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCardService() error = %v", err)
	}

	return &cardServiceFixture{runnerFixture: rf, mailer: mailer, jobs: jobs, service: svc}
}

func TestCardServiceEndToEnd(t *testing.T) {
	t.Parallel()

	f := newCardServiceFixture(t, CardServiceConfig{})
	ctx := context.Background()

	jobID, err := f.service.SubmitUpload(ctx, []Upload{
		{FileName: "a.png", ContentType: "image/png", Data: pngHeader},
		{FileName: "b.png", Data: pngHeader},
	})
	if err != nil {
		t.Fatalf("SubmitUpload() error = %v", err)
	}
	f.service.Wait()

	status, err := f.service.JobStatus(ctx, jobID)
	if err != nil {
		t.Fatalf("JobStatus() error = %v", err)
	}
	if status.Status != domain.JobStatusCompleted || status.Total != 2 || status.CompletedCount != 2 {
		t.Fatalf("job status = %+v", status)
	}

	cards := f.service.ListCards(ctx, registry.Filter{JobID: jobID})
	if len(cards) != 2 {
		t.Fatalf("cards = %d, want 2", len(cards))
	}
	for _, c := range cards {
		if c.Status != domain.StatusReviewing {
			t.Fatalf("card %s status = %s, want reviewing", c.ID, c.Status)
		}
		if c.ContentType != "image/png" {
			t.Fatalf("content type = %q, want image/png", c.ContentType)
		}
	}

	ids := []string{cards[0].ID, cards[1].ID}
	for _, id := range ids {
		if _, err := f.service.RequestDraft(ctx, id, DraftOptions{Tone: domain.ToneCasual}); err != nil {
			t.Fatalf("RequestDraft(%s) error = %v", id, err)
		}
	}

	result, err := f.service.SendBatch(ctx, ids, nil)
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if result.SentCount != 2 {
		t.Fatalf("sent = %d, want 2: %+v", result.SentCount, result.PerCard)
	}

	history := f.service.SentHistory(ctx)
	if len(history) != 2 {
		t.Fatalf("history = %d, want 2", len(history))
	}
	if len(f.service.ListCards(ctx, registry.Filter{})) != 0 {
		t.Fatal("sent cards should leave the pending list")
	}

	data, err := f.service.ExportSentXLSX(ctx)
	if err != nil {
		t.Fatalf("ExportSentXLSX() error = %v", err)
	}
	if !bytes.HasPrefix(data, []byte("PK")) {
		t.Fatal("export should be a zip container")
	}

	if err := f.service.DiscardCard(ctx, ids[0]); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("DiscardCard(sent) error = %v, want ErrInvalidTransition", err)
	}
}

func TestCardServiceSubmitUploadValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		uploads []Upload
	}{
		{name: "no files", uploads: nil},
		{name: "empty file", uploads: []Upload{{FileName: "a.png", ContentType: "image/png"}}},
		{name: "unsupported type", uploads: []Upload{{FileName: "a.txt", ContentType: "text/plain", Data: []byte("hello")}}},
		{name: "sniffed unsupported type", uploads: []Upload{{FileName: "a.bin", Data: []byte("plain text")}}},
		{name: "too large", uploads: []Upload{{FileName: "a.png", ContentType: "image/png", Data: make([]byte, 33)}}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newCardServiceFixture(t, CardServiceConfig{MaxUploadBytes: 32})
			if _, err := f.service.SubmitUpload(context.Background(), tt.uploads); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("SubmitUpload() error = %v, want ErrValidation", err)
			}
			if f.blobs.Len() != 0 {
				t.Fatalf("blobs = %d, want 0", f.blobs.Len())
			}
			if f.recognizer.Calls() != 0 {
				t.Fatal("recognizer should not be called for a rejected upload")
			}
		})
	}
}

func TestCardServiceAutoDraftAndSend(t *testing.T) {
	t.Parallel()

	f := newCardServiceFixture(t, CardServiceConfig{AutoDraft: true, AutoSend: true})

	var gotCreds provider.Credentials
	f.generator.generateFn = func(ctx context.Context, req provider.DraftRequest) (domain.EmailContent, error) {
		gotCreds, _ = provider.CredentialsFromContext(ctx)
		return domain.EmailContent{Subject: "Hi", Body: "Body"}, nil
	}

	reqCtx, cancel := context.WithCancel(provider.WithCredentials(context.Background(), provider.Credentials{
		CallerID:     "caller-1",
		OpenAIAPIKey: "sk-caller",
	}))
	if _, err := f.service.SubmitUpload(reqCtx, []Upload{{FileName: "a.png", ContentType: "image/png", Data: pngHeader}}); err != nil {
		t.Fatalf("SubmitUpload() error = %v", err)
	}
	cancel()
	f.service.Wait()

	history := f.service.SentHistory(context.Background())
	if len(history) != 1 {
		t.Fatalf("history = %d, want 1", len(history))
	}
	if history[0].OwnerID != "caller-1" {
		t.Fatalf("owner = %q, want caller-1", history[0].OwnerID)
	}
	if gotCreds.OpenAIAPIKey != "sk-caller" {
		t.Fatalf("generator credentials = %+v, want caller key", gotCreds)
	}
	if len(f.mailer.Sent()) != 1 {
		t.Fatalf("mailer sent %d, want 1", len(f.mailer.Sent()))
	}
}

func TestCardServiceRetryCard(t *testing.T) {
	t.Parallel()

	f := newCardServiceFixture(t, CardServiceConfig{})
	fail := true
	f.recognizer.recognizeFn = func(ctx context.Context, image []byte) (string, error) {
		if fail {
			return "", permanentErr(domain.ErrRecognitionFailed)
		}
		return "text", nil
	}
	ctx := context.Background()

	jobID, err := f.service.SubmitUpload(ctx, []Upload{{FileName: "a.png", ContentType: "image/png", Data: pngHeader}})
	if err != nil {
		t.Fatalf("SubmitUpload() error = %v", err)
	}
	f.service.Wait()

	status, _ := f.service.JobStatus(ctx, jobID)
	if status.Status != domain.JobStatusCompletedWithErrors {
		t.Fatalf("job status = %s, want completed_with_errors", status.Status)
	}
	cardID := status.Cards[0].CardID

	fail = false
	card, err := f.service.RetryCard(ctx, cardID)
	if err != nil {
		t.Fatalf("RetryCard() error = %v", err)
	}
	if card.Status != domain.StatusProcessing {
		t.Fatalf("status = %s, want processing", card.Status)
	}
	f.service.Wait()

	got, _ := f.service.GetCard(ctx, cardID)
	if got.Status != domain.StatusReviewing || got.LastError != nil {
		t.Fatalf("card = %s %+v, want reviewing without error", got.Status, got.LastError)
	}

	if _, err := f.service.RetryCard(ctx, cardID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("RetryCard(reviewing) error = %v, want ErrInvalidTransition", err)
	}
}

func TestCardServiceRetryKeepsManualCorrection(t *testing.T) {
	t.Parallel()

	f := newCardServiceFixture(t, CardServiceConfig{})
	f.mailer.sendFn = func(ctx context.Context, email domain.Email) (*provider.SendReceipt, error) {
		if email.To != "right@example.com" {
			return nil, permanentErr(domain.ErrSendFailed)
		}
		return &provider.SendReceipt{StatusCode: 202, MessageID: "msg-1"}, nil
	}
	ctx := context.Background()

	jobID, err := f.service.SubmitUpload(ctx, []Upload{{FileName: "a.png", ContentType: "image/png", Data: pngHeader}})
	if err != nil {
		t.Fatalf("SubmitUpload() error = %v", err)
	}
	f.service.Wait()
	status, _ := f.service.JobStatus(ctx, jobID)
	cardID := status.Cards[0].CardID

	if _, err := f.service.RequestDraft(ctx, cardID, DraftOptions{}); err != nil {
		t.Fatalf("RequestDraft() error = %v", err)
	}
	result, err := f.service.SendBatch(ctx, []string{cardID}, nil)
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if result.FailedCount != 1 {
		t.Fatalf("failed = %d, want 1", result.FailedCount)
	}
	if f.blobs.Len() != 1 {
		t.Fatalf("blobs = %d, want the image kept for a failed card", f.blobs.Len())
	}

	email := "right@example.com"
	if _, err := f.service.EditCard(ctx, cardID, CardPatch{Email: &email}); err != nil {
		t.Fatalf("EditCard() error = %v", err)
	}
	if _, err := f.service.RetryCard(ctx, cardID); err != nil {
		t.Fatalf("RetryCard() error = %v", err)
	}
	f.service.Wait()

	got, _ := f.service.GetCard(ctx, cardID)
	if got.Status != domain.StatusReviewing || got.ExtractedData.Email != email {
		t.Fatalf("card = %s %+v, want reviewing with the corrected email", got.Status, got.ExtractedData)
	}
	if f.recognizer.Calls() != 1 {
		t.Fatalf("recognizer calls = %d, want 1", f.recognizer.Calls())
	}

	if _, err := f.service.RequestDraft(ctx, cardID, DraftOptions{}); err != nil {
		t.Fatalf("second RequestDraft() error = %v", err)
	}
	result, err = f.service.SendBatch(ctx, []string{cardID}, nil)
	if err != nil {
		t.Fatalf("second SendBatch() error = %v", err)
	}
	if result.SentCount != 1 {
		t.Fatalf("sent = %d, want 1: %+v", result.SentCount, result.PerCard)
	}
	if sent := f.mailer.Sent(); len(sent) != 1 || sent[0].To != email {
		t.Fatalf("mailer sent = %+v, want one email to %s", sent, email)
	}
}

func TestCardServiceSentCardsReleaseImages(t *testing.T) {
	t.Parallel()

	f := newCardServiceFixture(t, CardServiceConfig{AutoDraft: true, AutoSend: true})
	ctx := context.Background()

	uploads := []Upload{
		{FileName: "a.png", ContentType: "image/png", Data: pngHeader},
		{FileName: "b.png", ContentType: "image/png", Data: pngHeader},
		{FileName: "c.png", ContentType: "image/png", Data: pngHeader},
	}
	if _, err := f.service.SubmitUpload(ctx, uploads); err != nil {
		t.Fatalf("SubmitUpload() error = %v", err)
	}
	f.service.Wait()

	history := f.service.SentHistory(ctx)
	if len(history) != 3 {
		t.Fatalf("history = %d, want 3", len(history))
	}
	if f.blobs.Len() != 0 {
		t.Fatalf("blobs = %d, want 0 after every card was sent", f.blobs.Len())
	}
	for _, c := range history {
		if c.SourceImageRef != "" {
			t.Fatalf("sent card %s still references image %q", c.ID, c.SourceImageRef)
		}
	}
}

func TestCardServiceRejectsWorkAfterShutdown(t *testing.T) {
	t.Parallel()

	f := newCardServiceFixture(t, CardServiceConfig{})
	f.recognizer.recognizeFn = func(ctx context.Context, image []byte) (string, error) {
		return "", permanentErr(domain.ErrRecognitionFailed)
	}
	ctx := context.Background()

	jobID, err := f.service.SubmitUpload(ctx, []Upload{{FileName: "a.png", ContentType: "image/png", Data: pngHeader}})
	if err != nil {
		t.Fatalf("SubmitUpload() error = %v", err)
	}
	f.service.Wait()
	status, _ := f.service.JobStatus(ctx, jobID)
	failedID := status.Cards[0].CardID

	pending, err := f.registry.Create(ctx, registry.NewCard{JobID: "job-x", FileName: "b.png"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := f.service.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if _, err := f.service.SubmitUpload(ctx, []Upload{{FileName: "b.png", ContentType: "image/png", Data: pngHeader}}); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("SubmitUpload() error = %v, want ErrUnavailable", err)
	}
	if f.blobs.Len() != 1 {
		t.Fatalf("blobs = %d, want 1", f.blobs.Len())
	}

	if _, err := f.service.RetryCard(ctx, failedID); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("RetryCard() error = %v, want ErrUnavailable", err)
	}
	if got, _ := f.service.GetCard(ctx, failedID); got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}

	err = f.service.launchPipeline(ctx, pending.ID)
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("launchPipeline() error = %v, want ErrUnavailable", err)
	}
	f.service.strand(ctx, pending.ID, err)

	got, _ := f.service.GetCard(ctx, pending.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LastError == nil || got.LastError.Code != "interrupted" || !got.LastError.Transient {
		t.Fatalf("last error = %+v, want transient interrupted", got.LastError)
	}
}

func TestCardServiceEditCard(t *testing.T) {
	t.Parallel()

	f := newCardServiceFixture(t, CardServiceConfig{})
	ctx := context.Background()

	jobID, err := f.service.SubmitUpload(ctx, []Upload{{FileName: "a.png", ContentType: "image/png", Data: pngHeader}})
	if err != nil {
		t.Fatalf("SubmitUpload() error = %v", err)
	}
	f.service.Wait()
	status, _ := f.service.JobStatus(ctx, jobID)
	cardID := status.Cards[0].CardID

	name := "  Jiro Suzuki "
	email := "jiro@example.com"
	got, err := f.service.EditCard(ctx, cardID, CardPatch{Name: &name, Email: &email})
	if err != nil {
		t.Fatalf("EditCard() error = %v", err)
	}
	if got.ExtractedData.Name != "Jiro Suzuki" || got.ExtractedData.Email != email {
		t.Fatalf("extracted = %+v", got.ExtractedData)
	}
	if got.Status != domain.StatusReviewing {
		t.Fatalf("status = %s, want reviewing", got.Status)
	}

	bad := "nope"
	if _, err := f.service.EditCard(ctx, cardID, CardPatch{Email: &bad}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("EditCard(bad email) error = %v, want ErrValidation", err)
	}
	if _, err := f.service.EditCard(ctx, cardID, CardPatch{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("EditCard(empty) error = %v, want ErrValidation", err)
	}
	subject := "New subject"
	if _, err := f.service.EditCard(ctx, cardID, CardPatch{Subject: &subject}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("EditCard(subject without draft) error = %v, want ErrValidation", err)
	}

	if _, err := f.service.RequestDraft(ctx, cardID, DraftOptions{}); err != nil {
		t.Fatalf("RequestDraft() error = %v", err)
	}
	got, err = f.service.EditCard(ctx, cardID, CardPatch{Subject: &subject})
	if err != nil {
		t.Fatalf("EditCard(subject) error = %v", err)
	}
	if got.EmailContent.Subject != subject || got.Status != domain.StatusReady {
		t.Fatalf("card = %s %+v", got.Status, got.EmailContent)
	}
}

func TestCardServiceDiscardCardDeletesImage(t *testing.T) {
	t.Parallel()

	f := newCardServiceFixture(t, CardServiceConfig{})
	ctx := context.Background()

	jobID, err := f.service.SubmitUpload(ctx, []Upload{{FileName: "a.png", ContentType: "image/png", Data: pngHeader}})
	if err != nil {
		t.Fatalf("SubmitUpload() error = %v", err)
	}
	f.service.Wait()
	status, _ := f.service.JobStatus(ctx, jobID)
	cardID := status.Cards[0].CardID

	if f.blobs.Len() != 1 {
		t.Fatalf("blobs = %d, want 1", f.blobs.Len())
	}
	if err := f.service.DiscardCard(ctx, cardID); err != nil {
		t.Fatalf("DiscardCard() error = %v", err)
	}
	if f.blobs.Len() != 0 {
		t.Fatalf("blobs = %d, want 0", f.blobs.Len())
	}
	if _, err := f.service.GetCard(ctx, cardID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetCard() error = %v, want ErrNotFound", err)
	}
	if err := f.service.DiscardCard(ctx, cardID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second DiscardCard() error = %v, want ErrNotFound", err)
	}

	status, _ = f.service.JobStatus(ctx, jobID)
	if !status.Cards[0].Removed || status.Status != domain.JobStatusCompleted {
		t.Fatalf("job status = %+v", status)
	}
}

func TestCardServiceShutdownWaitsForPipelines(t *testing.T) {
	t.Parallel()

	f := newCardServiceFixture(t, CardServiceConfig{})
	unblock := make(chan struct{})
	f.recognizer.recognizeFn = func(ctx context.Context, image []byte) (string, error) {
		<-unblock
		return "text", nil
	}
	ctx := context.Background()

	if _, err := f.service.SubmitUpload(ctx, []Upload{{FileName: "a.png", ContentType: "image/png", Data: pngHeader}}); err != nil {
		t.Fatalf("SubmitUpload() error = %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := f.service.Shutdown(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown() error = %v, want DeadlineExceeded", err)
	}

	close(unblock)
	if err := f.service.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	cards := f.service.ListCards(ctx, registry.Filter{Status: domain.StatusReviewing})
	if len(cards) != 1 {
		t.Fatalf("reviewing cards = %d, want 1", len(cards))
	}
}
