package halt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Latch records halted execution contexts so that every process sharing a
// context observes the halt.
type Latch interface {
	// Set marks contextID halted with seal. It reports false when the context
	// was already halted, leaving the existing seal in place.
	Set(ctx context.Context, contextID, seal string) (bool, error)
	// Get returns the seal of a halted context.
	Get(ctx context.Context, contextID string) (seal string, halted bool, err error)
	// Clear removes the halt. Only an authorized reset calls it.
	Clear(ctx context.Context, contextID string) error
}

// MemoryLatch is a process-local Latch.
type MemoryLatch struct {
	mu    sync.Mutex
	seals map[string]string
}

// NewMemoryLatch returns an empty latch.
func NewMemoryLatch() *MemoryLatch {
	return &MemoryLatch{seals: make(map[string]string)}
}

func (l *MemoryLatch) Set(_ context.Context, contextID, seal string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seals[contextID]; ok {
		return false, nil
	}
	l.seals[contextID] = seal
	return true, nil
}

func (l *MemoryLatch) Get(_ context.Context, contextID string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.seals[contextID]
	return s, ok, nil
}

func (l *MemoryLatch) Clear(_ context.Context, contextID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seals, contextID)
	return nil
}

// RedisLatch implements Latch with SETNX keys that never expire.
type RedisLatch struct {
	client *redis.Client
	prefix string
}

// NewRedisLatch creates a latch backed by Redis.
func NewRedisLatch(addr string, password string, db int) *RedisLatch {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLatchFromClient(rdb)
}

// NewRedisLatchFromClient wraps an existing client.
func NewRedisLatchFromClient(client *redis.Client) *RedisLatch {
	return &RedisLatch{client: client, prefix: "certledger:halt:"}
}

// Ping checks connectivity.
func (l *RedisLatch) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the client.
func (l *RedisLatch) Close() error {
	return l.client.Close()
}

func (l *RedisLatch) key(contextID string) string {
	return l.prefix + contextID
}

func (l *RedisLatch) Set(ctx context.Context, contextID, seal string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(contextID), seal, 0).Result()
	if err != nil {
		return false, fmt.Errorf("halt latch set: %w", err)
	}
	return ok, nil
}

func (l *RedisLatch) Get(ctx context.Context, contextID string) (string, bool, error) {
	s, err := l.client.Get(ctx, l.key(contextID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("halt latch get: %w", err)
	}
	return s, true, nil
}

func (l *RedisLatch) Clear(ctx context.Context, contextID string) error {
	if err := l.client.Del(ctx, l.key(contextID)).Err(); err != nil {
		return fmt.Errorf("halt latch clear: %w", err)
	}
	return nil
}
