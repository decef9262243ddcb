package credential

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists the credential across restarts.
// Load must discard an entry whose expiry has passed without reading its token.
type Store interface {
	Save(ctx context.Context, c Credential) error
	Load(ctx context.Context, now time.Time) (Credential, bool, error)
	Delete(ctx context.Context) error
}

/* ===================== MEMORY ===================== */

type MemoryStore struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	has       bool
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Save(_ context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = c.token
	s.expiresAt = c.expiresAt
	s.has = true
	return nil
}

func (s *MemoryStore) Load(_ context.Context, now time.Time) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has {
		return Credential{}, false, nil
	}
	if !now.Before(s.expiresAt) {
		s.token, s.expiresAt, s.has = "", time.Time{}, false
		return Credential{}, false, nil
	}
	return newCredential(s.token, s.expiresAt, now), true, nil
}

func (s *MemoryStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.expiresAt, s.has = "", time.Time{}, false
	return nil
}

/* ===================== REDIS ===================== */

// redisKV is the subset of redis.Cmdable the store uses.
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

var _ redisKV = (*redis.Client)(nil)

// RedisStore keeps the token and its absolute expiry (unix millis) under
// two keys: <prefix>:token and <prefix>:expires_at.
type RedisStore struct {
	rdb    redisKV
	prefix string
}

func NewRedisStore(rdb redisKV, prefix string) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("credential: redis client is nil")
	}
	if prefix == "" {
		return nil, errors.New("credential: redis key prefix is required")
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) tokenKey() string  { return s.prefix + ":token" }
func (s *RedisStore) expiryKey() string { return s.prefix + ":expires_at" }

func (s *RedisStore) Save(ctx context.Context, c Credential) error {
	ttl := c.expiresAt.Sub(c.obtainedAt)
	if ttl <= 0 {
		return s.Delete(ctx)
	}
	if err := s.rdb.Set(ctx, s.tokenKey(), c.token, ttl).Err(); err != nil {
		return fmt.Errorf("credential: save token: %w", err)
	}
	exp := strconv.FormatInt(c.expiresAt.UnixMilli(), 10)
	if err := s.rdb.Set(ctx, s.expiryKey(), exp, ttl).Err(); err != nil {
		return fmt.Errorf("credential: save expiry: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, now time.Time) (Credential, bool, error) {
	raw, err := s.rdb.Get(ctx, s.expiryKey()).Result()
	if errors.Is(err, redis.Nil) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("credential: load expiry: %w", err)
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		_ = s.Delete(ctx)
		return Credential{}, false, nil
	}
	expiresAt := time.UnixMilli(ms)
	if !now.Before(expiresAt) {
		if err := s.Delete(ctx); err != nil {
			return Credential{}, false, err
		}
		return Credential{}, false, nil
	}

	token, err := s.rdb.Get(ctx, s.tokenKey()).Result()
	if errors.Is(err, redis.Nil) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("credential: load token: %w", err)
	}
	return newCredential(token, expiresAt, now), true, nil
}

func (s *RedisStore) Delete(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.tokenKey(), s.expiryKey()).Err(); err != nil {
		return fmt.Errorf("credential: delete: %w", err)
	}
	return nil
}
