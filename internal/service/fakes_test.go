package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/cardmail-engine/internal/blob"
	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"github.com/kursadbilgin/cardmail-engine/internal/provider"
	"github.com/kursadbilgin/cardmail-engine/internal/ratelimit"
	"github.com/kursadbilgin/cardmail-engine/internal/registry"
	"go.uber.org/zap"
)

type fakeRecognizer struct {
	mu          sync.Mutex
	calls       int
	recognizeFn func(ctx context.Context, image []byte) (string, error)
}

func (f *fakeRecognizer) Recognize(ctx context.Context, image []byte) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.recognizeFn != nil {
		return f.recognizeFn(ctx, image)
	}
	return "Taro Yamada\ntaro@example.com", nil
}

func (f *fakeRecognizer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var _ provider.Recognizer = (*fakeRecognizer)(nil)

// slowOnceBlobStore stalls the first Get until its deadline passes.
type slowOnceBlobStore struct {
	blob.Store
	mu   sync.Mutex
	gets int
}

func (s *slowOnceBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	s.gets++
	first := s.gets == 1
	s.mu.Unlock()

	if first {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.Store.Get(ctx, ref)
}

func (s *slowOnceBlobStore) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

type fakeExtractor struct {
	extractFn func(rawText string) domain.ExtractedData
}

func (f *fakeExtractor) Extract(rawText string) domain.ExtractedData {
	if f.extractFn != nil {
		return f.extractFn(rawText)
	}
	return domain.ExtractedData{Name: "Taro Yamada", Email: "taro@example.com", Confidence: 0.5}
}

type fakeGenerator struct {
	mu         sync.Mutex
	calls      int
	generateFn func(ctx context.Context, req provider.DraftRequest) (domain.EmailContent, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, req provider.DraftRequest) (domain.EmailContent, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.generateFn != nil {
		return f.generateFn(ctx, req)
	}
	return domain.EmailContent{Subject: "Hello", Body: "Nice to meet you", Tone: req.Tone, Language: req.Language}, nil
}

func (f *fakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var _ provider.DraftGenerator = (*fakeGenerator)(nil)

type fakeMailer struct {
	mu     sync.Mutex
	sent   []domain.Email
	sendFn func(ctx context.Context, email domain.Email) (*provider.SendReceipt, error)
}

func (f *fakeMailer) Send(ctx context.Context, email domain.Email) (*provider.SendReceipt, error) {
	if f.sendFn != nil {
		receipt, err := f.sendFn(ctx, email)
		if err == nil {
			f.record(email)
		}
		return receipt, err
	}
	f.record(email)
	return &provider.SendReceipt{StatusCode: 202, MessageID: "msg-" + email.To}, nil
}

func (f *fakeMailer) record(email domain.Email) {
	f.mu.Lock()
	f.sent = append(f.sent, email)
	f.mu.Unlock()
}

func (f *fakeMailer) Sent() []domain.Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Email(nil), f.sent...)
}

var _ provider.Mailer = (*fakeMailer)(nil)

type fakeRateLimiter struct {
	allowFn func(ctx context.Context, channel string) (bool, error)
	waitFn  func(ctx context.Context, channel string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, channel string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, channel)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, channel string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, channel)
	}
	return nil
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

type fakeJobRepo struct {
	createFn func(ctx context.Context, job domain.Job) error
	getFn    func(ctx context.Context, id string) (*domain.Job, error)
}

func (f *fakeJobRepo) CreateJob(ctx context.Context, job domain.Job) error {
	if f.createFn != nil {
		return f.createFn(ctx, job)
	}
	return nil
}

func (f *fakeJobRepo) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	if f.getFn != nil {
		return f.getFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

var _ JobRepository = (*fakeJobRepo)(nil)

func newTestRegistry() *registry.Registry {
	var mu sync.Mutex
	seq := 0
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	return registry.New(registry.Options{
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("card-%03d", seq)
		},
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return base.Add(time.Duration(seq) * time.Second)
		},
	})
}

// noSleep records retry delays without waiting.
type noSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (n *noSleep) sleep(ctx context.Context, d time.Duration) error {
	n.mu.Lock()
	n.delays = append(n.delays, d)
	n.mu.Unlock()
	return ctx.Err()
}

func (n *noSleep) Delays() []time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]time.Duration(nil), n.delays...)
}

func quietRetrier(r *retrier, s *noSleep) {
	r.sleep = s.sleep
	r.randIntn = func(int) int { return 0 }
}

type runnerFixture struct {
	registry   *registry.Registry
	blobs      *blob.MemoryStore
	recognizer *fakeRecognizer
	generator  *fakeGenerator
	extractor  *fakeExtractor
	sleeper    *noSleep
	runner     *Runner
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()

	f := &runnerFixture{
		registry:   newTestRegistry(),
		blobs:      blob.NewMemoryStore(),
		recognizer: &fakeRecognizer{},
		generator:  &fakeGenerator{},
		extractor:  &fakeExtractor{},
		sleeper:    &noSleep{},
	}

	runner, err := NewRunner(f.registry, f.blobs, f.recognizer, f.extractor, f.generator, RunnerConfig{
		Retry: RetryPolicy{MaxRetries: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	quietRetrier(runner.retrier, f.sleeper)
	f.runner = runner
	return f
}

// createCard stores an image and creates a processing card for it.
func (f *runnerFixture) createCard(t *testing.T) domain.Card {
	t.Helper()

	ref, err := f.blobs.Put(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	card, err := f.registry.Create(context.Background(), registry.NewCard{
		JobID:          "job-1",
		FileName:       "card.png",
		ContentType:    "image/png",
		SourceImageRef: ref,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return card
}

// readyCard drives a new card to ready with the given recipient.
func readyCard(t *testing.T, reg *registry.Registry, email string) domain.Card {
	t.Helper()

	ctx := context.Background()
	card, err := reg.Create(ctx, registry.NewCard{JobID: "job-1", FileName: "card.png"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := reg.Transition(ctx, card.ID, domain.StatusReviewing, func(c *domain.Card) {
		c.ExtractedData = &domain.ExtractedData{Name: "Contact", Email: email}
	}); err != nil {
		t.Fatalf("Transition(reviewing) error = %v", err)
	}
	ready, err := reg.Transition(ctx, card.ID, domain.StatusReady, func(c *domain.Card) {
		c.EmailContent = &domain.EmailContent{Subject: "Hello", Body: "Nice to meet you"}
	})
	if err != nil {
		t.Fatalf("Transition(ready) error = %v", err)
	}
	return ready
}
