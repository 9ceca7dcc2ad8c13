package committer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease serializes commit work per blockable. Only one worker may hold the
// lease for a given blockable at a time; a holder that dies is released by
// TTL expiry.
type Lease interface {
	Acquire(ctx context.Context, blockableID string) (bool, error)
	Release(ctx context.Context, blockableID string) error
}

// RedisLease implements Lease with SET NX EX on a shared Redis.
type RedisLease struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

func NewRedisLease(addr, password string, db int, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	l := &RedisLease{
		client: client,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[CommitLease] ", log.LstdFlags),
	}
	l.logger.Printf("Connected to Redis at %s", addr)
	return l
}

func (l *RedisLease) key(blockableID string) string {
	return "ballotbox:commit-lease:" + blockableID
}

func (l *RedisLease) Acquire(ctx context.Context, blockableID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(blockableID), "held", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire %s: %w", blockableID, err)
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context, blockableID string) error {
	if err := l.client.Del(ctx, l.key(blockableID)).Err(); err != nil {
		return fmt.Errorf("lease release %s: %w", blockableID, err)
	}
	return nil
}

// Close shuts down the Redis client.
func (l *RedisLease) Close() error {
	return l.client.Close()
}

// MemLease is a process-local Lease for tests and single-node deployments.
type MemLease struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemLease() *MemLease {
	return &MemLease{held: make(map[string]bool)}
}

func (l *MemLease) Acquire(ctx context.Context, blockableID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[blockableID] {
		return false, nil
	}
	l.held[blockableID] = true
	return true, nil
}

func (l *MemLease) Release(ctx context.Context, blockableID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, blockableID)
	return nil
}

var (
	_ Lease = (*RedisLease)(nil)
	_ Lease = (*MemLease)(nil)
)
