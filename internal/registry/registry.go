package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"go.uber.org/zap"
)

const DefaultSentHistoryLimit = 50

// Store mirrors committed registry state somewhere durable. Failures are
// logged by the registry and never undo an in-memory commit.
type Store interface {
	SaveCard(ctx context.Context, card domain.Card) error
	DeleteCard(ctx context.Context, id string) error
	AppendSent(ctx context.Context, card domain.Card, limit int) error
	LoadPending(ctx context.Context) ([]domain.Card, error)
	// LoadSent returns at most limit of the most recently sent cards, oldest first.
	LoadSent(ctx context.Context, limit int) ([]domain.Card, error)
}

// Listener observes committed transitions. It runs after the card lock is
// released and must not block for long.
type Listener func(domain.CardEvent)

type Options struct {
	SentHistoryLimit int
	Store            Store
	Logger           *zap.Logger
	Now              func() time.Time
	NewID            func() string
}

// NewCard describes a card being created from one uploaded image.
type NewCard struct {
	JobID          string
	OwnerID        string
	FileName       string
	ContentType    string
	SourceImageRef string
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status domain.Status
	JobID  string
}

// entry holds at most one in-flight run or send. A committed transition ends
// the slot, so a listener reacting to the new status can claim it again.
type entry struct {
	mu         sync.Mutex
	card       domain.Card
	runCancel  context.CancelFunc
	sendCancel context.CancelFunc
	slot       uint64
	removed    bool
	archived   bool
}

func (e *entry) claim(cancel context.CancelFunc, send bool) uint64 {
	e.slot++
	if send {
		e.sendCancel = cancel
	} else {
		e.runCancel = cancel
	}
	return e.slot
}

// releaseLocked frees the slot if it is still the one identified by token.
func (e *entry) releaseLocked(token uint64) {
	if token != 0 && token != e.slot {
		return
	}
	if e.runCancel != nil {
		e.runCancel()
		e.runCancel = nil
	}
	if e.sendCancel != nil {
		e.sendCancel()
		e.sendCancel = nil
	}
}

func (e *entry) inFlight() bool {
	return e.runCancel != nil || e.sendCancel != nil
}

// Registry owns every in-flight card and the card state machine. The map lock
// is held only to find, insert or remove entries; each card is mutated under
// its own lock so unrelated cards progress in parallel.
type Registry struct {
	mu    sync.RWMutex
	cards map[string]*entry

	histMu    sync.RWMutex
	sent      []domain.Card
	sentIndex map[string]int
	sentLimit int

	lisMu     sync.RWMutex
	listeners []Listener

	store  Store
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func New(opts Options) *Registry {
	if opts.SentHistoryLimit <= 0 {
		opts.SentHistoryLimit = DefaultSentHistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	return &Registry{
		cards:     make(map[string]*entry),
		sentIndex: make(map[string]int),
		sentLimit: opts.SentHistoryLimit,
		store:     opts.Store,
		logger:    opts.Logger,
		now:       opts.Now,
		newID:     opts.NewID,
	}
}

// Subscribe registers a listener for every later committed transition.
func (r *Registry) Subscribe(l Listener) {
	if l == nil {
		return
	}
	r.lisMu.Lock()
	r.listeners = append(r.listeners, l)
	r.lisMu.Unlock()
}

func (r *Registry) Create(ctx context.Context, in NewCard) (domain.Card, error) {
	now := r.now().UTC()
	card := domain.Card{
		ID:             r.newID(),
		JobID:          in.JobID,
		OwnerID:        in.OwnerID,
		FileName:       in.FileName,
		ContentType:    in.ContentType,
		SourceImageRef: in.SourceImageRef,
		Status:         domain.StatusProcessing,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	e := &entry{card: card}
	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	if _, exists := r.cards[card.ID]; exists {
		r.mu.Unlock()
		return domain.Card{}, fmt.Errorf("%w: card %s already exists", domain.ErrConflict, card.ID)
	}
	r.cards[card.ID] = e
	r.mu.Unlock()

	r.persist(ctx, card, false)
	return card.Clone(), nil
}

// Get returns a pending card or, failing that, one from the sent history.
func (r *Registry) Get(id string) (domain.Card, error) {
	if e, ok := r.lookup(id); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.removed && !e.archived {
			return e.card.Clone(), nil
		}
	}

	r.histMu.RLock()
	defer r.histMu.RUnlock()
	if idx, ok := r.sentIndex[id]; ok {
		return r.sent[idx].Clone(), nil
	}
	return domain.Card{}, fmt.Errorf("%w: card %s", domain.ErrNotFound, id)
}

// List returns pending cards ordered by creation time, then id.
func (r *Registry) List(filter Filter) []domain.Card {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.cards))
	for _, e := range r.cards {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Card, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		card, live := e.card, !e.removed && !e.archived
		if live {
			card = card.Clone()
		}
		e.mu.Unlock()

		if !live {
			continue
		}
		if filter.Status != "" && card.Status != filter.Status {
			continue
		}
		if filter.JobID != "" && card.JobID != filter.JobID {
			continue
		}
		out = append(out, card)
	}

	sortCards(out)
	return out
}

// Transition applies one state-machine edge. mutate runs on a copy of the
// card before the new status is set; the copy replaces the stored card only
// if the edge is valid.
func (r *Registry) Transition(ctx context.Context, id string, to domain.Status, mutate func(*domain.Card)) (domain.Card, error) {
	e, err := r.find(id)
	if err != nil {
		return domain.Card{}, err
	}

	e.mu.Lock()
	if err := r.checkLive(e, id); err != nil {
		e.mu.Unlock()
		return domain.Card{}, err
	}
	event, err := r.commitLocked(ctx, e, to, mutate)
	card := e.card.Clone()
	e.mu.Unlock()

	if err != nil {
		return domain.Card{}, err
	}
	r.notify(event)
	return card, nil
}

// BeginRun claims the single pipeline slot of a card whose status is want.
// The returned context is cancelled by Discard; release must always be called.
func (r *Registry) BeginRun(ctx context.Context, id string, want domain.Status) (context.Context, domain.Card, func(), error) {
	e, err := r.find(id)
	if err != nil {
		return nil, domain.Card{}, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := r.checkLive(e, id); err != nil {
		return nil, domain.Card{}, nil, err
	}
	if e.inFlight() {
		return nil, domain.Card{}, nil, fmt.Errorf("%w: card %s", domain.ErrAlreadyInProgress, id)
	}
	if e.card.Status != want {
		return nil, domain.Card{}, nil, fmt.Errorf("%w: card %s is %s, want %s", domain.ErrInvalidTransition, id, e.card.Status, want)
	}

	runCtx, cancel := context.WithCancel(ctx)
	token := e.claim(cancel, false)

	release := func() {
		cancel()
		e.mu.Lock()
		e.releaseLocked(token)
		e.mu.Unlock()
	}
	return runCtx, e.card.Clone(), release, nil
}

// BeginSend moves a ready card to sending, applying any override, and claims
// its send slot.
func (r *Registry) BeginSend(ctx context.Context, id string, override *domain.EmailOverride) (context.Context, domain.Card, func(), error) {
	e, err := r.find(id)
	if err != nil {
		return nil, domain.Card{}, nil, err
	}

	e.mu.Lock()
	if err := r.checkLive(e, id); err != nil {
		e.mu.Unlock()
		return nil, domain.Card{}, nil, err
	}
	if e.inFlight() || e.card.Status == domain.StatusSending {
		e.mu.Unlock()
		return nil, domain.Card{}, nil, fmt.Errorf("%w: card %s", domain.ErrAlreadyInProgress, id)
	}
	if e.card.Status != domain.StatusReady {
		status := e.card.Status
		e.mu.Unlock()
		return nil, domain.Card{}, nil, fmt.Errorf("%w: card %s is %s", domain.ErrNotReady, id, status)
	}

	event, err := r.commitLocked(ctx, e, domain.StatusSending, func(c *domain.Card) {
		applyOverride(c, override)
	})
	if err != nil {
		e.mu.Unlock()
		return nil, domain.Card{}, nil, err
	}

	sendCtx, cancel := context.WithCancel(ctx)
	token := e.claim(cancel, true)
	card := e.card.Clone()
	e.mu.Unlock()

	r.notify(event)

	release := func() {
		cancel()
		e.mu.Lock()
		e.releaseLocked(token)
		e.mu.Unlock()
	}
	return sendCtx, card, release, nil
}

// Requeue moves a failed card back to processing so the pipeline can run again.
func (r *Registry) Requeue(ctx context.Context, id string) (domain.Card, error) {
	return r.Transition(ctx, id, domain.StatusProcessing, nil)
}

// Edit applies a manual correction without changing the card's status. Cards
// that are mid-pipeline or mid-send cannot be edited.
func (r *Registry) Edit(ctx context.Context, id string, mutate func(*domain.Card) error) (domain.Card, error) {
	e, err := r.find(id)
	if err != nil {
		return domain.Card{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := r.checkLive(e, id); err != nil {
		return domain.Card{}, err
	}
	if e.inFlight() {
		return domain.Card{}, fmt.Errorf("%w: card %s", domain.ErrAlreadyInProgress, id)
	}
	switch e.card.Status {
	case domain.StatusReviewing, domain.StatusReady, domain.StatusFailed:
	default:
		return domain.Card{}, fmt.Errorf("%w: card %s cannot be edited while %s", domain.ErrInvalidTransition, id, e.card.Status)
	}

	next := e.card.Clone()
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return domain.Card{}, err
		}
	}
	next.ID, next.Status, next.JobID = e.card.ID, e.card.Status, e.card.JobID
	next.UpdatedAt = r.now().UTC()
	e.card = next

	r.persist(ctx, next, false)
	return next.Clone(), nil
}

// Discard cancels any in-flight work for the card and removes it. Every later
// operation on the id fails with ErrNotFound.
func (r *Registry) Discard(ctx context.Context, id string) error {
	e, err := r.find(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if err := r.checkLive(e, id); err != nil {
		e.mu.Unlock()
		return err
	}
	e.releaseLocked(0)
	e.removed = true
	from := e.card.Status
	jobID := e.card.JobID
	e.mu.Unlock()

	r.mu.Lock()
	if current, ok := r.cards[id]; ok && current == e {
		delete(r.cards, id)
	}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteCard(context.WithoutCancel(ctx), id); err != nil {
			r.logger.Warn("failed to delete card from store", zap.String("card_id", id), zap.Error(err))
		}
	}

	r.notify(domain.CardEvent{CardID: id, JobID: jobID, From: from, To: from, At: r.now().UTC(), Removed: true})
	return nil
}

// SentHistory returns sent cards, newest first.
func (r *Registry) SentHistory() []domain.Card {
	r.histMu.RLock()
	defer r.histMu.RUnlock()

	out := make([]domain.Card, 0, len(r.sent))
	for i := len(r.sent) - 1; i >= 0; i-- {
		out = append(out, r.sent[i].Clone())
	}
	return out
}

// Restore loads state from the store. Cards that were mid-pipeline or
// mid-send when the process stopped are marked failed so they can be retried.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}

	pending, err := r.store.LoadPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending cards: %w", err)
	}
	sent, err := r.store.LoadSent(ctx, r.sentLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to load sent history: %w", err)
	}

	now := r.now().UTC()
	restored := 0
	for _, card := range pending {
		card := card.Clone()
		if card.Status == domain.StatusProcessing || card.Status == domain.StatusSending {
			stage := domain.StageRecognition
			if card.Status == domain.StatusSending {
				stage = domain.StageSend
			}
			card.Status = domain.StatusFailed
			card.LastError = &domain.CardError{
				Stage:     stage,
				Code:      "interrupted",
				Message:   "interrupted by restart",
				Transient: true,
				At:        now,
			}
			card.UpdatedAt = now
			r.persist(ctx, card, false)
		}

		r.mu.Lock()
		if _, exists := r.cards[card.ID]; !exists {
			r.cards[card.ID] = &entry{card: card}
			restored++
		}
		r.mu.Unlock()
	}

	r.histMu.Lock()
	for _, card := range sent {
		r.appendHistoryLocked(card.Clone())
	}
	r.histMu.Unlock()

	return restored, nil
}

func (r *Registry) commitLocked(ctx context.Context, e *entry, to domain.Status, mutate func(*domain.Card)) (domain.CardEvent, error) {
	from := e.card.Status
	if err := domain.ValidateTransition(from, to); err != nil {
		return domain.CardEvent{}, fmt.Errorf("card %s: %w", e.card.ID, err)
	}

	now := r.now().UTC()
	next := e.card.Clone()
	if to != domain.StatusFailed {
		next.LastError = nil
	}
	if mutate != nil {
		mutate(&next)
	}
	next.ID, next.JobID = e.card.ID, e.card.JobID
	next.Status = to
	next.UpdatedAt = now
	if to == domain.StatusSent && next.SentAt == nil {
		sentAt := now
		next.SentAt = &sentAt
	}
	e.card = next
	if to != domain.StatusSending {
		e.releaseLocked(0)
	}

	event := domain.CardEvent{CardID: next.ID, JobID: next.JobID, From: from, To: to, At: now}
	if next.LastError != nil && to == domain.StatusFailed {
		event.Error = next.LastError.Message
	}

	if to == domain.StatusSent {
		e.archived = true
		r.mu.Lock()
		if current, ok := r.cards[next.ID]; ok && current == e {
			delete(r.cards, next.ID)
		}
		r.mu.Unlock()

		r.histMu.Lock()
		r.appendHistoryLocked(next.Clone())
		r.histMu.Unlock()
	}

	r.persist(ctx, next, to == domain.StatusSent)
	return event, nil
}

func (r *Registry) appendHistoryLocked(card domain.Card) {
	if _, exists := r.sentIndex[card.ID]; exists {
		return
	}
	r.sent = append(r.sent, card)
	if overflow := len(r.sent) - r.sentLimit; overflow > 0 {
		r.sent = append([]domain.Card(nil), r.sent[overflow:]...)
	}
	r.sentIndex = make(map[string]int, len(r.sent))
	for i, c := range r.sent {
		r.sentIndex[c.ID] = i
	}
}

func (r *Registry) persist(ctx context.Context, card domain.Card, sent bool) {
	if r.store == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	var err error
	if sent {
		err = r.store.AppendSent(ctx, card, r.sentLimit)
	} else {
		err = r.store.SaveCard(ctx, card)
	}
	if err != nil {
		r.logger.Warn("failed to persist card",
			zap.String("card_id", card.ID),
			zap.String("status", card.Status.String()),
			zap.Error(err),
		)
	}
}

func (r *Registry) notify(event domain.CardEvent) {
	r.lisMu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.lisMu.RUnlock()

	for _, l := range listeners {
		l(event)
	}
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cards[id]
	return e, ok
}

func (r *Registry) find(id string) (*entry, error) {
	if e, ok := r.lookup(id); ok {
		return e, nil
	}
	return nil, r.missing(id)
}

func (r *Registry) checkLive(e *entry, id string) error {
	if e.removed {
		return fmt.Errorf("%w: card %s", domain.ErrNotFound, id)
	}
	if e.archived {
		return fmt.Errorf("%w: card %s was already sent", domain.ErrInvalidTransition, id)
	}
	return nil
}

// missing distinguishes ids that were sent (final) from ids that never
// existed or were discarded.
func (r *Registry) missing(id string) error {
	r.histMu.RLock()
	_, sent := r.sentIndex[id]
	r.histMu.RUnlock()

	if sent {
		return fmt.Errorf("%w: card %s was already sent", domain.ErrInvalidTransition, id)
	}
	return fmt.Errorf("%w: card %s", domain.ErrNotFound, id)
}

func applyOverride(c *domain.Card, o *domain.EmailOverride) {
	if o == nil {
		return
	}
	if o.To != nil {
		if c.ExtractedData == nil {
			c.ExtractedData = &domain.ExtractedData{}
		}
		c.ExtractedData.Email = *o.To
	}
	if o.Subject != nil || o.Body != nil {
		if c.EmailContent == nil {
			c.EmailContent = &domain.EmailContent{}
		}
		if o.Subject != nil {
			c.EmailContent.Subject = *o.Subject
		}
		if o.Body != nil {
			c.EmailContent.Body = *o.Body
		}
	}
}

func sortCards(cards []domain.Card) {
	sort.Slice(cards, func(i, j int) bool {
		if !cards[i].CreatedAt.Equal(cards[j].CreatedAt) {
			return cards[i].CreatedAt.Before(cards[j].CreatedAt)
		}
		return cards[i].ID < cards[j].ID
	})
}
