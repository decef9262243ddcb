package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collections-dialer/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// ErrLineBusy means another process holds the agent line.
var ErrLineBusy = errors.New("calls: line held by another session")

// LineLock caps live sessions on one agent line across processes.
type LineLock interface {
	Acquire(ctx context.Context, owner string) error
	Release(ctx context.Context, owner string) error
}

// RedisLineLock is a single-holder lease on dialer:line:<id>. The TTL bounds
// how long a crashed process can keep the line.
type RedisLineLock struct {
	rdb redis.Scripter
	key string
	ttl time.Duration
}

func NewRedisLineLock(rdb redis.Scripter, lineID string, ttl time.Duration) (*RedisLineLock, error) {
	if rdb == nil {
		return nil, errors.New("calls: redis client is nil")
	}
	if lineID == "" {
		return nil, errors.New("calls: line id is required")
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisLineLock{rdb: rdb, key: "dialer:line:" + lineID, ttl: ttl}, nil
}

func (l *RedisLineLock) Acquire(ctx context.Context, owner string) error {
	ok, err := utils.AcquireLease(ctx, l.rdb, l.key, owner, l.ttl)
	if err != nil {
		return fmt.Errorf("calls: acquire line: %w", err)
	}
	if !ok {
		return ErrLineBusy
	}
	return nil
}

// Release is a no-op when the lease already expired or moved on.
func (l *RedisLineLock) Release(ctx context.Context, owner string) error {
	err := utils.ReleaseLease(ctx, l.rdb, l.key, owner)
	if err == nil || errors.Is(err, utils.ErrLeaseNotHeld) {
		return nil
	}
	return fmt.Errorf("calls: release line: %w", err)
}

// MemoryLineLock is the single-process LineLock.
type MemoryLineLock struct {
	mu    sync.Mutex
	owner string
}

func NewMemoryLineLock() *MemoryLineLock { return &MemoryLineLock{} }

func (l *MemoryLineLock) Acquire(ctx context.Context, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != "" && l.owner != owner {
		return ErrLineBusy
	}
	l.owner = owner
	return nil
}

func (l *MemoryLineLock) Release(ctx context.Context, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == owner {
		l.owner = ""
	}
	return nil
}

// Holder returns the current owner, or "".
func (l *MemoryLineLock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}
