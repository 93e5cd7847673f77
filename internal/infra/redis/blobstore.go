package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/cardmail-engine/internal/blob"
	goredis "github.com/redis/go-redis/v9"
)

const (
	blobKeyPrefix  = "cardmail:blob"
	defaultBlobTTL = 24 * time.Hour
)

var _ blob.Store = (*RedisBlobStore)(nil)

// RedisBlobStore keeps card images in Redis with a TTL so restarts and other
// replicas can still read an upload.
type RedisBlobStore struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewRedisBlobStore(client *goredis.Client, ttl time.Duration) (*RedisBlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultBlobTTL
	}
	return &RedisBlobStore{client: client, ttl: ttl}, nil
}

func (s *RedisBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("blob is empty")
	}

	ref := uuid.NewString()
	if err := s.client.Set(ctx, blobKey(ref), data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}
	return ref, nil
}

func (s *RedisBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.client.Get(ctx, blobKey(ref)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load blob: %w", err)
	}
	return data, nil
}

func (s *RedisBlobStore) Delete(ctx context.Context, ref string) error {
	if err := s.client.Del(ctx, blobKey(ref)).Err(); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

func blobKey(ref string) string {
	return blobKeyPrefix + ":" + ref
}
