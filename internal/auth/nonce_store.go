package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "Oracle-Relay/internal/errors"
)

// NonceStore 记录已经接受过的请求 nonce。
type NonceStore interface {
	// Remember 在 key 首次出现时记录 ttl 时长并返回 true，key 仍在有效期内时返回 false。
	Remember(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryNonceStore 在进程内记录 nonce，只适用于单实例部署。
type MemoryNonceStore struct {
	mu        sync.Mutex
	now       func() time.Time
	expires   map[string]time.Time
	lastPrune time.Time
}

// NewMemoryNonceStore 创建内存 nonce 记录，now 为空时使用 time.Now。
func NewMemoryNonceStore(now func() time.Time) *MemoryNonceStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryNonceStore{now: now, expires: make(map[string]time.Time)}
}

// Remember 实现 NonceStore 接口。
func (m *MemoryNonceStore) Remember(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if now.Sub(m.lastPrune) >= time.Minute {
		for k, exp := range m.expires {
			if !now.Before(exp) {
				delete(m.expires, k)
			}
		}
		m.lastPrune = now
	}
	if exp, ok := m.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.expires[key] = now.Add(ttl)
	return true, nil
}

// Len 返回仍在记录中的 nonce 数量。
func (m *MemoryNonceStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.expires)
}

type setNXer interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisNonceStore 通过 SET NX 在多个实例之间共享 nonce 记录。
type RedisNonceStore struct {
	client setNXer
	prefix string
}

// NewRedisNonceStore 使用已有的 Redis 客户端，prefix 为空时使用 "oracle-relay:nonce:"。
func NewRedisNonceStore(client setNXer, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "oracle-relay:nonce:"
	}
	return &RedisNonceStore{client: client, prefix: prefix}
}

// Remember 实现 NonceStore 接口。
func (r *RedisNonceStore) Remember(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录请求 nonce 失败")
	}
	return ok, nil
}

var (
	_ NonceStore = (*MemoryNonceStore)(nil)
	_ NonceStore = (*RedisNonceStore)(nil)
)
