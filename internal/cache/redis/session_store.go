package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

// SessionStore keeps wallet session state in one Redis hash so every
// replica of the service sees the same connection.
//
// Key schema:
//
//	sbmarket:session:{namespace} - hash of session key -> value
type SessionStore struct {
	rdb  *redis.Client
	hash string
}

// NewSessionStore creates a SessionStore scoped to namespace.
func NewSessionStore(c *Client, namespace string) *SessionStore {
	if namespace == "" {
		namespace = "default"
	}
	return &SessionStore{rdb: c.Underlying(), hash: key("session", namespace)}
}

// Get returns domain.ErrNotFound for absent keys.
func (s *SessionStore) Get(ctx context.Context, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, s.hash, field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("redis: session get %s: %w", field, err)
	}
	return v, nil
}

func (s *SessionStore) Set(ctx context.Context, field, value string) error {
	if err := s.rdb.HSet(ctx, s.hash, field, value).Err(); err != nil {
		return fmt.Errorf("redis: session set %s: %w", field, err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, field string) error {
	if err := s.rdb.HDel(ctx, s.hash, field).Err(); err != nil {
		return fmt.Errorf("redis: session delete %s: %w", field, err)
	}
	return nil
}

var _ domain.SessionStore = (*SessionStore)(nil)
