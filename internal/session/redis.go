package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisManager stores sessions in Redis so that several processes can serve
// the same context. Keys expire after the idle TTL and are refreshed on
// lookup.
type RedisManager struct {
	client  *redis.Client
	context string
	prefix  string
	ttl     time.Duration
}

// NewRedisManager creates a manager for the named context.
func NewRedisManager(client *redis.Client, contextName string, ttl time.Duration) *RedisManager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisManager{
		client:  client,
		context: contextName,
		prefix:  "admission:session:" + contextName + ":",
		ttl:     ttl,
	}
}

func (m *RedisManager) key(id string) string {
	return m.prefix + id
}

// FindSession loads the session with id and refreshes its expiry.
func (m *RedisManager) FindSession(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}
	data, err := m.client.GetEx(ctx, m.key(id), m.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis session lookup: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	s.LastAccessed = time.Now()
	return &s, nil
}

// CreateSession stores a new session.
func (m *RedisManager) CreateSession(ctx context.Context) (*Session, error) {
	now := time.Now()
	s := &Session{
		ID:           newID(),
		Context:      m.context,
		CreatedAt:    now,
		LastAccessed: now,
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	if err := m.client.Set(ctx, m.key(s.ID), data, m.ttl).Err(); err != nil {
		return nil, fmt.Errorf("redis session create: %w", err)
	}
	return s, nil
}

// Invalidate deletes the session with id.
func (m *RedisManager) Invalidate(ctx context.Context, id string) error {
	return m.client.Del(ctx, m.key(id)).Err()
}
