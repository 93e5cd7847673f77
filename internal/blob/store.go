package blob

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a reference has no stored image.
var ErrNotFound = errors.New("blob not found")

// Store keeps uploaded card images until the pipeline has read them.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

var _ Store = (*MemoryStore)(nil)

type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	newID func() string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
		newID: func() string { return uuid.NewString() },
	}
}

func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("blob is empty")
	}

	ref := s.newID()
	stored := append([]byte(nil), data...)

	s.mu.Lock()
	s.blobs[ref] = stored
	s.mu.Unlock()

	return ref, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[ref]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	delete(s.blobs, ref)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
