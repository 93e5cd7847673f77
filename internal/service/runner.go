package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/cardmail-engine/internal/blob"
	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"github.com/kursadbilgin/cardmail-engine/internal/observability"
	"github.com/kursadbilgin/cardmail-engine/internal/provider"
	"github.com/kursadbilgin/cardmail-engine/internal/registry"
	"go.uber.org/zap"
)

const (
	defaultRecognitionTimeout = 30 * time.Second
	defaultGenerationTimeout  = 30 * time.Second
)

// FieldExtractor turns raw card text into contact fields.
type FieldExtractor interface {
	Extract(rawText string) domain.ExtractedData
}

type RunnerConfig struct {
	Retry              RetryPolicy
	RecognitionTimeout time.Duration
	GenerationTimeout  time.Duration
	DefaultTone        domain.Tone
	DefaultLanguage    domain.Language
	Signature          string
}

// DraftOptions selects the register and language of a generated email.
// Empty fields fall back to the configured defaults.
type DraftOptions struct {
	Tone        domain.Tone
	Language    domain.Language
	SubjectHint string
}

// Runner drives a single card through recognition, extraction and drafting.
type Runner struct {
	registry   *registry.Registry
	blobs      blob.Store
	recognizer provider.Recognizer
	extractor  FieldExtractor
	generator  provider.DraftGenerator
	retrier    *retrier
	cfg        RunnerConfig
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

func NewRunner(
	reg *registry.Registry,
	blobs blob.Store,
	recognizer provider.Recognizer,
	extractor FieldExtractor,
	generator provider.DraftGenerator,
	cfg RunnerConfig,
	logger *zap.Logger,
) (*Runner, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if recognizer == nil {
		return nil, fmt.Errorf("recognizer is required")
	}
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if generator == nil {
		return nil, fmt.Errorf("draft generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RecognitionTimeout <= 0 {
		cfg.RecognitionTimeout = defaultRecognitionTimeout
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	if !cfg.DefaultTone.IsValid() {
		cfg.DefaultTone = domain.ToneProfessional
	}
	if !cfg.DefaultLanguage.IsValid() {
		cfg.DefaultLanguage = domain.LanguageJA
	}

	return &Runner{
		registry:   reg,
		blobs:      blobs,
		recognizer: recognizer,
		extractor:  extractor,
		generator:  generator,
		retrier:    newRetrier(cfg.Retry, logger),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (r *Runner) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
	r.retrier.metrics = metrics
}

// Run recognizes and extracts a processing card and leaves it in reviewing.
// Text captured by an earlier attempt is reused instead of calling the
// recognizer again, and contact fields that already went through review are
// kept as they are.
func (r *Runner) Run(ctx context.Context, cardID string) error {
	runCtx, card, release, err := r.registry.BeginRun(ctx, cardID, domain.StatusProcessing)
	if err != nil {
		return err
	}
	defer release()

	logger := observability.CardLogger(r.logger, ctx, card.ID, card.JobID)

	rawText := card.RawText
	recognized := strings.TrimSpace(rawText) != ""
	if !recognized {
		var image []byte
		err = r.retrier.do(runCtx, domain.StageRecognition, r.cfg.RecognitionTimeout, func(callCtx context.Context) error {
			if image == nil {
				data, err := r.blobs.Get(callCtx, card.SourceImageRef)
				if err != nil {
					return fmt.Errorf("%w: load image: %w", domain.ErrRecognitionFailed, err)
				}
				image = data
			}

			text, err := r.recognizer.Recognize(callCtx, image)
			if err != nil {
				return err
			}
			rawText = text
			return nil
		})
		if err != nil {
			return r.fail(runCtx, logger, card.ID, domain.StageRecognition, err)
		}
	} else {
		logger.Debug("reusing recognized text from previous attempt")
	}

	var data domain.ExtractedData
	switch {
	case recognized && card.ExtractedData != nil:
		data = *card.ExtractedData
		logger.Debug("keeping reviewed contact fields")
	case card.ExtractedData != nil:
		data = fillMissing(*card.ExtractedData, r.extractor.Extract(rawText))
	default:
		data = r.extractor.Extract(rawText)
	}
	r.metrics.ObserveConfidence(data.Confidence)

	if _, err := r.registry.Transition(runCtx, card.ID, domain.StatusReviewing, func(c *domain.Card) {
		c.RawText = rawText
		c.ExtractedData = &data
	}); err != nil {
		logger.Info("dropping pipeline result", zap.Error(err))
		return err
	}

	logger.Info("card ready for review", zap.Float64("confidence", data.Confidence))
	return nil
}

// fillMissing keeps every field a caller entered by hand and takes the rest
// from a fresh extraction.
func fillMissing(edited, extracted domain.ExtractedData) domain.ExtractedData {
	pick := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = v
		}
	}
	pick(&edited.Name, extracted.Name)
	pick(&edited.Company, extracted.Company)
	pick(&edited.Role, extracted.Role)
	pick(&edited.Email, extracted.Email)
	pick(&edited.Phone, extracted.Phone)
	pick(&edited.Address, extracted.Address)
	pick(&edited.Website, extracted.Website)
	edited.Confidence = max(edited.Confidence, extracted.Confidence)
	return edited
}

// Draft generates the email for a reviewing card and leaves it in ready.
func (r *Runner) Draft(ctx context.Context, cardID string, opts DraftOptions) (domain.Card, error) {
	runCtx, card, release, err := r.registry.BeginRun(ctx, cardID, domain.StatusReviewing)
	if err != nil {
		return domain.Card{}, err
	}
	defer release()

	logger := observability.CardLogger(r.logger, ctx, card.ID, card.JobID)

	req := provider.DraftRequest{
		Tone:        opts.Tone,
		Language:    opts.Language,
		Signature:   r.cfg.Signature,
		SubjectHint: opts.SubjectHint,
	}
	if !req.Tone.IsValid() {
		req.Tone = r.cfg.DefaultTone
	}
	if !req.Language.IsValid() {
		req.Language = r.cfg.DefaultLanguage
	}
	if card.ExtractedData != nil {
		req.Contact = *card.ExtractedData
	}

	var content domain.EmailContent
	err = r.retrier.do(runCtx, domain.StageGeneration, r.cfg.GenerationTimeout, func(callCtx context.Context) error {
		generated, err := r.generator.Generate(callCtx, req)
		if err != nil {
			return err
		}
		content = generated
		return nil
	})
	if err != nil {
		return domain.Card{}, r.fail(runCtx, logger, card.ID, domain.StageGeneration, err)
	}

	updated, err := r.registry.Transition(runCtx, card.ID, domain.StatusReady, func(c *domain.Card) {
		c.EmailContent = &content
	})
	if err != nil {
		logger.Info("dropping draft result", zap.Error(err))
		return domain.Card{}, err
	}

	logger.Info("draft ready", zap.String("tone", string(content.Tone)), zap.String("language", string(content.Language)))
	return updated, nil
}

// fail commits the card to failed, keeping anything gathered so far. If the
// card was discarded meanwhile, the registry error is returned instead.
func (r *Runner) fail(ctx context.Context, logger *zap.Logger, cardID string, stage domain.Stage, cause error) error {
	cardErr := cardError(stage, cause, r.now())

	if _, err := r.registry.Transition(ctx, cardID, domain.StatusFailed, func(c *domain.Card) {
		c.LastError = cardErr
	}); err != nil {
		logger.Info("dropping pipeline failure", zap.String("stage", string(stage)), zap.Error(err))
		return err
	}

	r.metrics.IncStageFailure(string(stage), cardErr.Code)
	logger.Warn("card failed",
		zap.String("stage", string(stage)),
		zap.String("code", cardErr.Code),
		zap.Bool("transient", cardErr.Transient),
		zap.Error(cause),
	)
	return cause
}
