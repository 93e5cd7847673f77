package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/cardmail-engine/internal/blob"
	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"github.com/kursadbilgin/cardmail-engine/internal/observability"
	"github.com/kursadbilgin/cardmail-engine/internal/provider"
	"github.com/kursadbilgin/cardmail-engine/internal/ratelimit"
	"github.com/kursadbilgin/cardmail-engine/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSendConcurrency = 5
	defaultSendTimeout     = 15 * time.Second
	emailRateLimitChannel  = "email"
)

type SenderConfig struct {
	Concurrency  int
	Retry        RetryPolicy
	SendTimeout  time.Duration
	ProviderName string
}

// Sender dispatches ready cards. One card's failure never aborts the batch.
type Sender struct {
	registry    *registry.Registry
	mailer      provider.Mailer
	rateLimiter ratelimit.RateLimiter
	retrier     *retrier
	images      blob.Store
	cfg         SenderConfig
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func NewSender(
	reg *registry.Registry,
	mailer provider.Mailer,
	rateLimiter ratelimit.RateLimiter,
	cfg SenderConfig,
	logger *zap.Logger,
) (*Sender, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if mailer == nil {
		return nil, fmt.Errorf("mailer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultSendConcurrency
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if strings.TrimSpace(cfg.ProviderName) == "" {
		cfg.ProviderName = "email"
	}

	return &Sender{
		registry:    reg,
		mailer:      mailer,
		rateLimiter: rateLimiter,
		retrier:     newRetrier(cfg.Retry, logger),
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (s *Sender) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
	s.retrier.metrics = metrics
}

// ReleaseImagesFrom makes the sender delete a card's source image from images
// once the card is committed as sent.
func (s *Sender) ReleaseImagesFrom(images blob.Store) {
	if s == nil {
		return
	}
	s.images = images
}

// SendBatch sends every listed card that is ready. PerCard follows the order
// of cardIDs; a repeated id is reported as already in progress.
func (s *Sender) SendBatch(ctx context.Context, cardIDs []string, overrides map[string]domain.EmailOverride) (*domain.BatchSendResult, error) {
	if len(cardIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one card id is required", domain.ErrValidation)
	}

	outcomes := make([]domain.SendOutcome, len(cardIDs))
	seen := make(map[string]bool, len(cardIDs))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)

	for i, id := range cardIDs {
		id = strings.TrimSpace(id)
		if seen[id] {
			outcomes[i] = rejected(id, fmt.Errorf("%w: card %s listed more than once", domain.ErrAlreadyInProgress, id))
			continue
		}
		seen[id] = true

		var override *domain.EmailOverride
		if o, ok := overrides[id]; ok {
			o := o
			override = &o
		}

		i := i
		g.Go(func() error {
			outcomes[i] = s.sendOne(ctx, id, override)
			return nil
		})
	}
	_ = g.Wait()

	result := &domain.BatchSendResult{Total: len(cardIDs), PerCard: outcomes}
	for _, o := range outcomes {
		if o.Sent() {
			result.SentCount++
		} else {
			result.FailedCount++
		}
	}

	observability.WithContextLogger(s.logger, ctx).Info("batch send finished",
		zap.Int("total", result.Total),
		zap.Int("sent", result.SentCount),
		zap.Int("failed", result.FailedCount),
	)
	return result, nil
}

func (s *Sender) sendOne(ctx context.Context, cardID string, override *domain.EmailOverride) domain.SendOutcome {
	sendCtx, card, release, err := s.registry.BeginSend(ctx, cardID, override)
	if err != nil {
		return rejected(cardID, err)
	}
	defer release()

	logger := observability.CardLogger(s.logger, ctx, card.ID, card.JobID)

	s.metrics.IncSendInFlight()
	defer s.metrics.DecSendInFlight()

	email := domain.Email{CardID: card.ID, To: card.Recipient()}
	if card.EmailContent != nil {
		email.Subject = card.EmailContent.Subject
		email.Body = card.EmailContent.Body
	}
	if err := email.Validate(); err != nil {
		return s.fail(sendCtx, logger, card.ID, err)
	}

	if s.rateLimiter != nil {
		if err := s.rateLimiter.Wait(sendCtx, emailRateLimitChannel); err != nil {
			return s.fail(sendCtx, logger, card.ID, fmt.Errorf("%w: rate limiter: %w", domain.ErrSendFailed, err))
		}
	}

	var receipt *provider.SendReceipt
	err = s.retrier.do(sendCtx, domain.StageSend, s.cfg.SendTimeout, func(callCtx context.Context) error {
		r, err := s.mailer.Send(callCtx, email)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return s.fail(sendCtx, logger, card.ID, err)
	}

	messageID := ""
	if receipt != nil {
		messageID = strings.TrimSpace(receipt.MessageID)
	}

	if _, err := s.registry.Transition(sendCtx, card.ID, domain.StatusSent, func(c *domain.Card) {
		c.ProviderMessageID = messageID
		if s.images != nil {
			c.SourceImageRef = ""
		}
	}); err != nil {
		// The provider accepted the message; the card was discarded meanwhile.
		logger.Warn("email sent but card state could not be committed", zap.Error(err))
	} else {
		s.releaseImage(sendCtx, logger, card.SourceImageRef)
	}

	s.metrics.IncEmailSent(s.cfg.ProviderName)
	logger.Info("email sent", zap.String("messageId", messageID))
	return domain.SendOutcome{CardID: card.ID, Status: domain.StatusSent, MessageID: messageID}
}

func (s *Sender) fail(ctx context.Context, logger *zap.Logger, cardID string, cause error) domain.SendOutcome {
	cardErr := cardError(domain.StageSend, cause, s.now())

	if _, err := s.registry.Transition(ctx, cardID, domain.StatusFailed, func(c *domain.Card) {
		c.LastError = cardErr
	}); err != nil {
		logger.Info("dropping send failure", zap.Error(err))
		if errors.Is(err, domain.ErrNotFound) {
			return rejected(cardID, err)
		}
	}

	s.metrics.IncStageFailure(string(domain.StageSend), cardErr.Code)
	logger.Warn("email send failed", zap.String("code", cardErr.Code), zap.Error(cause))
	return domain.SendOutcome{
		CardID: cardID,
		Status: domain.StatusFailed,
		Reason: cardErr.Code,
		Error:  cause.Error(),
	}
}

func (s *Sender) releaseImage(ctx context.Context, logger *zap.Logger, ref string) {
	if s.images == nil || ref == "" {
		return
	}
	if err := s.images.Delete(context.WithoutCancel(ctx), ref); err != nil && !errors.Is(err, blob.ErrNotFound) {
		logger.Warn("failed to delete image of sent card", zap.Error(err))
	}
}

// rejected reports a card that was never dispatched; its state is unchanged.
func rejected(cardID string, err error) domain.SendOutcome {
	return domain.SendOutcome{
		CardID: cardID,
		Status: domain.StatusFailed,
		Reason: domain.ErrorCode(err),
		Error:  err.Error(),
	}
}
