package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"github.com/kursadbilgin/cardmail-engine/internal/registry"
	"go.uber.org/zap"
)

// JobRepository mirrors job records so job ids survive a restart.
type JobRepository interface {
	CreateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
}

// CardProgress is one card's entry in a job status report.
type CardProgress struct {
	CardID    string
	Status    domain.Status
	Removed   bool
	LastError *domain.CardError
}

// JobStatus is derived on every read from the registry.
type JobStatus struct {
	JobID          string
	Status         domain.JobStatus
	Total          int
	CompletedCount int
	Progress       float64
	CreatedAt      time.Time
	Cards          []CardProgress
}

type JobTracker struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job

	registry *registry.Registry
	repo     JobRepository
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

func NewJobTracker(reg *registry.Registry, repo JobRepository, logger *zap.Logger) (*JobTracker, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &JobTracker{
		jobs:     make(map[string]domain.Job),
		registry: reg,
		repo:     repo,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

func (t *JobTracker) NewJobID() string {
	return t.newID()
}

// CreateJob records a new job over already-created cards.
func (t *JobTracker) CreateJob(ctx context.Context, cardIDs []string) (string, error) {
	job := domain.Job{ID: t.newID(), CardIDs: cardIDs}
	if err := t.Register(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Register stores a job whose id was reserved with NewJobID.
func (t *JobTracker) Register(ctx context.Context, job domain.Job) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is required", domain.ErrValidation)
	}
	if len(job.CardIDs) == 0 {
		return fmt.Errorf("%w: job must contain at least one card", domain.ErrValidation)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = t.now().UTC()
	}
	job.CardIDs = append([]string(nil), job.CardIDs...)

	t.mu.Lock()
	if _, exists := t.jobs[job.ID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: job %s already exists", domain.ErrConflict, job.ID)
	}
	t.jobs[job.ID] = job
	t.mu.Unlock()

	if t.repo != nil {
		if err := t.repo.CreateJob(context.WithoutCancel(ctx), job); err != nil {
			t.logger.Warn("failed to persist job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return nil
}

func (t *JobTracker) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := t.job(ctx, jobID)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{
		JobID:     job.ID,
		Total:     len(job.CardIDs),
		CreatedAt: job.CreatedAt,
		Cards:     make([]CardProgress, 0, len(job.CardIDs)),
	}

	processing, failed := 0, 0
	for _, id := range job.CardIDs {
		progress := CardProgress{CardID: id}

		card, err := t.registry.Get(id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			progress.Removed = true
		case err != nil:
			return nil, err
		default:
			progress.Status = card.Status
			progress.LastError = card.LastError
		}

		switch progress.Status {
		case domain.StatusProcessing:
			processing++
		case domain.StatusFailed:
			failed++
		}
		status.Cards = append(status.Cards, progress)
	}

	status.CompletedCount = status.Total - processing
	status.Progress = 1
	if status.Total > 0 {
		status.Progress = float64(status.CompletedCount) / float64(status.Total)
	}

	switch {
	case processing > 0:
		status.Status = domain.JobStatusRunning
	case failed > 0:
		status.Status = domain.JobStatusCompletedWithErrors
	default:
		status.Status = domain.JobStatusCompleted
	}

	return status, nil
}

func (t *JobTracker) job(ctx context.Context, jobID string) (domain.Job, error) {
	t.mu.RLock()
	job, ok := t.jobs[jobID]
	t.mu.RUnlock()
	if ok {
		return job, nil
	}

	if t.repo != nil {
		stored, err := t.repo.GetJob(ctx, jobID)
		if err == nil && stored != nil {
			t.mu.Lock()
			t.jobs[stored.ID] = *stored
			t.mu.Unlock()
			return *stored, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, fmt.Errorf("failed to load job: %w", err)
		}
	}

	return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
}
