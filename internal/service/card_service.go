package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/cardmail-engine/internal/blob"
	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"github.com/kursadbilgin/cardmail-engine/internal/export"
	"github.com/kursadbilgin/cardmail-engine/internal/observability"
	"github.com/kursadbilgin/cardmail-engine/internal/provider"
	"github.com/kursadbilgin/cardmail-engine/internal/registry"
	"go.uber.org/zap"
)

const (
	DefaultMaxUploadBytes = 10 << 20
	maxUploadFiles        = 50
)

var errShuttingDown = fmt.Errorf("%w: card service is shutting down", domain.ErrUnavailable)

var defaultContentTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

type CardServiceConfig struct {
	MaxUploadBytes      int64
	AllowedContentTypes []string
	AutoDraft           bool
	AutoSend            bool
	Location            *time.Location
}

// Upload is one image received from a caller.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// CardPatch is a manual correction. Nil fields are left unchanged.
type CardPatch struct {
	Name    *string
	Company *string
	Role    *string
	Email   *string
	Phone   *string
	Address *string
	Website *string
	Subject *string
	Body    *string
}

func (p CardPatch) empty() bool {
	return p.Name == nil && p.Company == nil && p.Role == nil && p.Email == nil &&
		p.Phone == nil && p.Address == nil && p.Website == nil && p.Subject == nil && p.Body == nil
}

// CardService is the surface the HTTP layer talks to.
type CardService struct {
	registry *registry.Registry
	jobs     *JobTracker
	runner   *Runner
	sender   *Sender
	blobs    blob.Store
	cfg      CardServiceConfig
	allowed  map[string]bool
	logger   *zap.Logger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func NewCardService(
	reg *registry.Registry,
	jobs *JobTracker,
	runner *Runner,
	sender *Sender,
	blobs blob.Store,
	cfg CardServiceConfig,
	logger *zap.Logger,
) (*CardService, error) {
	if reg == nil || jobs == nil || runner == nil || sender == nil || blobs == nil {
		return nil, fmt.Errorf("registry, job tracker, runner, sender and blob store are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = defaultContentTypes
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	// Images are only needed until a card is sent.
	sender.ReleaseImagesFrom(blobs)

	allowed := make(map[string]bool, len(cfg.AllowedContentTypes))
	for _, ct := range cfg.AllowedContentTypes {
		allowed[strings.ToLower(strings.TrimSpace(ct))] = true
	}

	return &CardService{
		registry: reg,
		jobs:     jobs,
		runner:   runner,
		sender:   sender,
		blobs:    blobs,
		cfg:      cfg,
		allowed:  allowed,
		logger:   logger,
	}, nil
}

// SubmitUpload creates one card per image under a new job and starts their
// pipelines in the background. The pipelines outlive the request but keep its
// credentials and correlation id.
func (s *CardService) SubmitUpload(ctx context.Context, uploads []Upload) (string, error) {
	if len(uploads) == 0 {
		return "", fmt.Errorf("%w: at least one image is required", domain.ErrValidation)
	}
	if len(uploads) > maxUploadFiles {
		return "", fmt.Errorf("%w: at most %d images per upload", domain.ErrValidation, maxUploadFiles)
	}
	for i := range uploads {
		if err := s.validateUpload(&uploads[i]); err != nil {
			return "", err
		}
	}
	if s.isClosed() {
		return "", errShuttingDown
	}

	ownerID := ""
	if creds, ok := provider.CredentialsFromContext(ctx); ok {
		ownerID = creds.CallerID
	}

	jobID := s.jobs.NewJobID()
	cardIDs := make([]string, 0, len(uploads))
	for _, upload := range uploads {
		ref, err := s.blobs.Put(ctx, upload.Data)
		if err != nil {
			s.abandon(ctx, cardIDs)
			return "", fmt.Errorf("failed to store image %q: %w", upload.FileName, err)
		}

		card, err := s.registry.Create(ctx, registry.NewCard{
			JobID:          jobID,
			OwnerID:        ownerID,
			FileName:       upload.FileName,
			ContentType:    upload.ContentType,
			SourceImageRef: ref,
		})
		if err != nil {
			_ = s.blobs.Delete(ctx, ref)
			s.abandon(ctx, cardIDs)
			return "", fmt.Errorf("failed to create card: %w", err)
		}
		cardIDs = append(cardIDs, card.ID)
	}

	if err := s.jobs.Register(ctx, domain.Job{ID: jobID, CardIDs: cardIDs}); err != nil {
		s.abandon(ctx, cardIDs)
		return "", err
	}

	for _, id := range cardIDs {
		if err := s.launchPipeline(ctx, id); err != nil {
			s.strand(ctx, id, err)
		}
	}

	observability.WithContextLogger(s.logger, ctx).Info("upload accepted",
		zap.String("jobId", jobID),
		zap.Int("cards", len(cardIDs)),
	)
	return jobID, nil
}

func (s *CardService) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	return s.jobs.Status(ctx, jobID)
}

func (s *CardService) ListCards(_ context.Context, filter registry.Filter) []domain.Card {
	return s.registry.List(filter)
}

func (s *CardService) GetCard(_ context.Context, cardID string) (domain.Card, error) {
	return s.registry.Get(cardID)
}

// RequestDraft generates the email for a reviewing card and waits for it.
func (s *CardService) RequestDraft(ctx context.Context, cardID string, opts DraftOptions) (domain.Card, error) {
	return s.runner.Draft(ctx, cardID, opts)
}

func (s *CardService) SendBatch(ctx context.Context, cardIDs []string, overrides map[string]domain.EmailOverride) (*domain.BatchSendResult, error) {
	return s.sender.SendBatch(ctx, cardIDs, overrides)
}

// DiscardCard removes a card, cancelling any in-flight work, and drops its image.
func (s *CardService) DiscardCard(ctx context.Context, cardID string) error {
	card, err := s.registry.Get(cardID)
	if err != nil {
		return err
	}
	if card.Status == domain.StatusSent {
		return fmt.Errorf("%w: sent cards cannot be discarded", domain.ErrInvalidTransition)
	}
	if err := s.registry.Discard(ctx, cardID); err != nil {
		return err
	}
	if card.SourceImageRef != "" {
		if err := s.blobs.Delete(context.WithoutCancel(ctx), card.SourceImageRef); err != nil {
			s.logger.Warn("failed to delete card image", zap.String("cardId", cardID), zap.Error(err))
		}
	}
	return nil
}

// RetryCard moves a failed card back to processing and reruns its pipeline.
func (s *CardService) RetryCard(ctx context.Context, cardID string) (domain.Card, error) {
	if s.isClosed() {
		return domain.Card{}, errShuttingDown
	}
	card, err := s.registry.Requeue(ctx, cardID)
	if err != nil {
		return domain.Card{}, err
	}
	if err := s.launchPipeline(ctx, cardID); err != nil {
		s.strand(ctx, cardID, err)
		return domain.Card{}, err
	}
	return card, nil
}

// EditCard applies a manual correction to extracted fields or the draft.
func (s *CardService) EditCard(ctx context.Context, cardID string, patch CardPatch) (domain.Card, error) {
	if patch.empty() {
		return domain.Card{}, fmt.Errorf("%w: nothing to update", domain.ErrValidation)
	}
	if patch.Email != nil {
		if email := strings.TrimSpace(*patch.Email); email != "" && !strings.Contains(email, "@") {
			return domain.Card{}, fmt.Errorf("%w: invalid email %q", domain.ErrValidation, email)
		}
	}

	return s.registry.Edit(ctx, cardID, func(c *domain.Card) error {
		if patch.Name != nil || patch.Company != nil || patch.Role != nil || patch.Email != nil ||
			patch.Phone != nil || patch.Address != nil || patch.Website != nil {
			if c.ExtractedData == nil {
				c.ExtractedData = &domain.ExtractedData{}
			}
			setString(&c.ExtractedData.Name, patch.Name)
			setString(&c.ExtractedData.Company, patch.Company)
			setString(&c.ExtractedData.Role, patch.Role)
			setString(&c.ExtractedData.Email, patch.Email)
			setString(&c.ExtractedData.Phone, patch.Phone)
			setString(&c.ExtractedData.Address, patch.Address)
			setString(&c.ExtractedData.Website, patch.Website)
		}
		if patch.Subject != nil || patch.Body != nil {
			if c.EmailContent == nil {
				return fmt.Errorf("%w: card has no draft to edit", domain.ErrValidation)
			}
			setString(&c.EmailContent.Subject, patch.Subject)
			setString(&c.EmailContent.Body, patch.Body)
		}
		return nil
	})
}

func (s *CardService) SentHistory(_ context.Context) []domain.Card {
	return s.registry.SentHistory()
}

func (s *CardService) ExportSentXLSX(_ context.Context) ([]byte, error) {
	return export.SentContactsXLSX(s.registry.SentHistory(), s.cfg.Location)
}

// Shutdown stops accepting pipeline work and waits for running pipelines.
func (s *CardService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every pipeline started so far has finished.
func (s *CardService) Wait() {
	s.inflight.Wait()
}

func (s *CardService) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *CardService) launchPipeline(ctx context.Context, cardID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errShuttingDown
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer s.inflight.Done()
		s.runPipeline(detached, cardID)
	}()
	return nil
}

// strand fails a processing card whose pipeline could not be started so it
// can be retried later instead of staying in processing.
func (s *CardService) strand(ctx context.Context, cardID string, cause error) {
	cardErr := cardError(domain.StageRecognition, cause, time.Now())
	cardErr.Code = "interrupted"
	cardErr.Transient = true

	if _, err := s.registry.Transition(ctx, cardID, domain.StatusFailed, func(c *domain.Card) {
		c.LastError = cardErr
	}); err != nil {
		s.logger.Warn("failed to mark card as interrupted", zap.String("cardId", cardID), zap.Error(err))
		return
	}
	s.logger.Warn("pipeline not started", zap.String("cardId", cardID), zap.Error(cause))
}

func (s *CardService) runPipeline(ctx context.Context, cardID string) {
	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("cardId", cardID))

	if err := s.runner.Run(ctx, cardID); err != nil {
		logger.Debug("pipeline stopped", zap.Error(err))
		return
	}
	if !s.cfg.AutoDraft {
		return
	}

	if _, err := s.runner.Draft(ctx, cardID, DraftOptions{}); err != nil {
		logger.Debug("auto draft stopped", zap.Error(err))
		return
	}
	if !s.cfg.AutoSend {
		return
	}

	result, err := s.sender.SendBatch(ctx, []string{cardID}, nil)
	if err != nil {
		logger.Warn("auto send failed", zap.Error(err))
		return
	}
	if outcome, ok := result.Outcome(cardID); ok && !outcome.Sent() {
		logger.Info("auto send did not deliver", zap.String("reason", outcome.Reason))
	}
}

func (s *CardService) validateUpload(u *Upload) error {
	if len(u.Data) == 0 {
		return fmt.Errorf("%w: image %q is empty", domain.ErrValidation, u.FileName)
	}
	if int64(len(u.Data)) > s.cfg.MaxUploadBytes {
		return fmt.Errorf("%w: image %q exceeds %d bytes", domain.ErrValidation, u.FileName, s.cfg.MaxUploadBytes)
	}

	contentType := strings.ToLower(strings.TrimSpace(u.ContentType))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(u.Data)
	}
	if !s.allowed[contentType] {
		return fmt.Errorf("%w: unsupported content type %q for %q", domain.ErrValidation, contentType, u.FileName)
	}
	u.ContentType = contentType
	return nil
}

func (s *CardService) abandon(ctx context.Context, cardIDs []string) {
	for _, id := range cardIDs {
		if err := s.DiscardCard(ctx, id); err != nil {
			s.logger.Warn("failed to discard card of rejected upload", zap.String("cardId", id), zap.Error(err))
		}
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}
