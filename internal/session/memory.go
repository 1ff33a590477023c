package session

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

const memoryShards = 16

// MemoryManager keeps sessions in process memory. Sessions are spread over
// LRU shards selected by a hash of the id and expire after the idle TTL.
type MemoryManager struct {
	context string
	shards  [memoryShards]*expirable.LRU[string, *Session]
	expired atomic.Int64
}

// NewMemoryManager creates a manager for the named context holding at most
// maxActive sessions.
func NewMemoryManager(contextName string, maxActive int, ttl time.Duration) *MemoryManager {
	if maxActive <= 0 {
		maxActive = 10000
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	perShard := maxActive / memoryShards
	if perShard < 1 {
		perShard = 1
	}
	m := &MemoryManager{context: contextName}
	for i := range m.shards {
		m.shards[i] = expirable.NewLRU[string, *Session](perShard, func(string, *Session) {
			m.expired.Add(1)
		}, ttl)
	}
	return m
}

func (m *MemoryManager) shard(id string) *expirable.LRU[string, *Session] {
	return m.shards[xxhash.Sum64String(id)%memoryShards]
}

// FindSession returns the session with id, refreshing its idle timer.
func (m *MemoryManager) FindSession(_ context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}
	lru := m.shard(id)
	s, ok := lru.Get(id)
	if !ok {
		return nil, nil
	}
	touched := *s
	touched.LastAccessed = time.Now()
	lru.Add(id, &touched)
	return &touched, nil
}

// CreateSession starts a new session with a random id.
func (m *MemoryManager) CreateSession(_ context.Context) (*Session, error) {
	now := time.Now()
	s := &Session{
		ID:           newID(),
		Context:      m.context,
		CreatedAt:    now,
		LastAccessed: now,
	}
	m.shard(s.ID).Add(s.ID, s)
	return s, nil
}

// Invalidate removes the session with id.
func (m *MemoryManager) Invalidate(_ context.Context, id string) error {
	m.shard(id).Remove(id)
	return nil
}

// Active returns the number of live sessions.
func (m *MemoryManager) Active() int {
	n := 0
	for _, s := range m.shards {
		n += s.Len()
	}
	return n
}

// Expired returns the number of sessions evicted by expiry or capacity.
func (m *MemoryManager) Expired() int64 {
	return m.expired.Load()
}

// newID returns a session id in the usual upper-case hex form.
func newID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}
