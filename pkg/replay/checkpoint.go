package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Checkpoint marks how far a replay run has folded the canonical log.
type Checkpoint struct {
	RunID    string    `json:"run_id"`
	Position int       `json:"position"`
	SavedAt  time.Time `json:"saved_at"`
}

// CheckpointStore persists replay progress so an interrupted rebuild
// resumes instead of starting over. Resuming is safe because folds are
// idempotent at the store boundary.
type CheckpointStore interface {
	Load(ctx context.Context, runID string) (*Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
}

// MemoryCheckpoints keeps checkpoints for the process lifetime.
type MemoryCheckpoints struct {
	mu  sync.RWMutex
	cps map[string]Checkpoint
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{cps: make(map[string]Checkpoint)}
}

func (m *MemoryCheckpoints) Load(_ context.Context, runID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.cps[runID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (m *MemoryCheckpoints) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[cp.RunID] = cp
	return nil
}

// RedisCheckpoints shares replay progress across processes.
type RedisCheckpoints struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCheckpoints wraps a Redis client. Checkpoints expire after
// ttl; zero keeps them forever.
func NewRedisCheckpoints(client redis.UniversalClient, ttl time.Duration) *RedisCheckpoints {
	return &RedisCheckpoints{client: client, ttl: ttl}
}

func checkpointKey(runID string) string {
	return "crowsnest:replay:checkpoint:" + runID
}

func (r *RedisCheckpoints) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	raw, err := r.client.Get(ctx, checkpointKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis checkpoint load: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("redis checkpoint decode: %w", err)
	}
	return &cp, nil
}

func (r *RedisCheckpoints) Save(ctx context.Context, cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("redis checkpoint encode: %w", err)
	}
	if err := r.client.Set(ctx, checkpointKey(cp.RunID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis checkpoint save: %w", err)
	}
	return nil
}
