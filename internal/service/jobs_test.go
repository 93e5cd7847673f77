package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"github.com/kursadbilgin/cardmail-engine/internal/registry"
	"go.uber.org/zap"
)

func TestJobTrackerRegisterValidation(t *testing.T) {
	t.Parallel()

	tracker, err := NewJobTracker(newTestRegistry(), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewJobTracker() error = %v", err)
	}

	tests := []struct {
		name string
		job  domain.Job
		want error
	}{
		{name: "missing id", job: domain.Job{CardIDs: []string{"c1"}}, want: domain.ErrValidation},
		{name: "no cards", job: domain.Job{ID: "job-1"}, want: domain.ErrValidation},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if err := tracker.Register(context.Background(), tt.job); !errors.Is(err, tt.want) {
				t.Fatalf("Register() error = %v, want %v", err, tt.want)
			}
		})
	}

	if err := tracker.Register(context.Background(), domain.Job{ID: "job-dup", CardIDs: []string{"c1"}}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := tracker.Register(context.Background(), domain.Job{ID: "job-dup", CardIDs: []string{"c1"}}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Register() duplicate error = %v, want ErrConflict", err)
	}
}

func TestJobTrackerStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newTestRegistry()
	tracker, err := NewJobTracker(reg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewJobTracker() error = %v", err)
	}

	create := func() domain.Card {
		card, err := reg.Create(ctx, registry.NewCard{JobID: "job-1"})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		return card
	}
	c1, c2, c3 := create(), create(), create()

	jobID, err := tracker.CreateJob(ctx, []string{c1.ID, c2.ID, c3.ID})
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	status, err := tracker.Status(ctx, jobID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Status != domain.JobStatusRunning || status.CompletedCount != 0 || status.Progress != 0 {
		t.Fatalf("initial status = %+v", status)
	}

	if _, err := reg.Transition(ctx, c1.ID, domain.StatusReviewing, nil); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if _, err := reg.Transition(ctx, c2.ID, domain.StatusFailed, nil); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	status, _ = tracker.Status(ctx, jobID)
	if status.Status != domain.JobStatusRunning || status.CompletedCount != 2 || status.Total != 3 {
		t.Fatalf("mid status = %+v", status)
	}

	if err := reg.Discard(ctx, c3.ID); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}

	status, _ = tracker.Status(ctx, jobID)
	if status.Status != domain.JobStatusCompletedWithErrors {
		t.Fatalf("status = %s, want completed_with_errors", status.Status)
	}
	if status.CompletedCount != 3 || status.Progress != 1 {
		t.Fatalf("completed = %d progress = %v, want 3 and 1", status.CompletedCount, status.Progress)
	}
	if !status.Cards[2].Removed {
		t.Fatalf("discarded card should be reported as removed: %+v", status.Cards[2])
	}

	if _, err := reg.Transition(ctx, c2.ID, domain.StatusProcessing, nil); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if _, err := reg.Transition(ctx, c2.ID, domain.StatusReviewing, nil); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	status, _ = tracker.Status(ctx, jobID)
	if status.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", status.Status)
	}
}

func TestJobTrackerStatusFallsBackToRepository(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo := &fakeJobRepo{
		getFn: func(ctx context.Context, id string) (*domain.Job, error) {
			if id != "job-restored" {
				return nil, domain.ErrNotFound
			}
			return &domain.Job{ID: id, CardIDs: []string{"gone"}, CreatedAt: created}, nil
		},
	}
	tracker, err := NewJobTracker(newTestRegistry(), repo, zap.NewNop())
	if err != nil {
		t.Fatalf("NewJobTracker() error = %v", err)
	}

	status, err := tracker.Status(context.Background(), "job-restored")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.CreatedAt.Equal(created) || status.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %+v", status)
	}

	if _, err := tracker.Status(context.Background(), "job-unknown"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Status() error = %v, want ErrNotFound", err)
	}
}

func TestJobTrackerRepositoryFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	repo := &fakeJobRepo{
		createFn: func(ctx context.Context, job domain.Job) error {
			return errors.New("db down")
		},
	}
	tracker, err := NewJobTracker(newTestRegistry(), repo, zap.NewNop())
	if err != nil {
		t.Fatalf("NewJobTracker() error = %v", err)
	}

	if _, err := tracker.CreateJob(context.Background(), []string{"c1"}); err != nil {
		t.Fatalf("CreateJob() error = %v, want nil", err)
	}
}
