package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps the latest snapshot of every task for polling.
type Store interface {
	Save(ctx context.Context, t Task) error
	Load(ctx context.Context, id string) (Task, error)
}

// MemoryStore is used when Redis is not configured and in tests. Entries are
// dropped ttl after they reach a terminal state.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]memEntry
	ttl   time.Duration
}

type memEntry struct {
	task    Task
	expires time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{tasks: map[string]memEntry{}, ttl: ttl}
}

func (s *MemoryStore) Save(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memEntry{task: t}
	if t.State.Terminal() && s.ttl > 0 {
		e.expires = time.Now().Add(s.ttl)
	}
	s.tasks[t.ID] = e
	s.sweep()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[id]
	if !ok || (!e.expires.IsZero() && time.Now().After(e.expires)) {
		return Task{}, ErrNotFound
	}
	return e.task, nil
}

// caller holds mu
func (s *MemoryStore) sweep() {
	now := time.Now()
	for id, e := range s.tasks {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(s.tasks, id)
		}
	}
}

// RedisStore keeps task snapshots as JSON strings under "task:<id>". Running
// tasks are refreshed on every progress report, so the TTL only needs to
// outlive the gap between reports.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, prefix: "task:"}
}

// OpenRedis returns nil when addr is empty.
func OpenRedis(addr, pass string, db int) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: pass, DB: db})
}

func (s *RedisStore) Save(ctx context.Context, t Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := s.rdb.Set(ctx, s.prefix+t.ID, b, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set task %s: %w", t.ID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (Task, error) {
	b, err := s.rdb.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("redis get task %s: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return t, nil
}
