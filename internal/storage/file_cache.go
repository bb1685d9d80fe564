// internal/storage/file_cache.go
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedStore 在任意 KV 前加一层带过期时间的 LRU 读缓存。
// 每个键有写入代次，读取期间发生过写入或删除时不回填缓存
type CachedStore struct {
	KV
	cache *expirable.LRU[string, []byte]

	mu   sync.Mutex
	gens map[string]uint64
}

// NewCachedStore 包装存储，size<=0 时使用默认 256 条，ttl<=0 时默认 5 分钟
func NewCachedStore(inner KV, size int, ttl time.Duration) *CachedStore {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{
		KV:    inner,
		cache: expirable.NewLRU[string, []byte](size, nil, ttl),
		gens:  make(map[string]uint64),
	}
}

// Get 命中缓存直接返回副本
func (c *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := c.cache.Get(key); ok {
		return append([]byte(nil), v...), nil
	}
	c.mu.Lock()
	gen := c.gens[key]
	c.mu.Unlock()

	v, err := c.KV.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.cache.Remove(key)
		}
		return nil, err
	}

	c.mu.Lock()
	if c.gens[key] == gen {
		c.cache.Add(key, append([]byte(nil), v...))
	}
	c.mu.Unlock()
	return v, nil
}

// Set 写入成功后刷新缓存，失败时丢弃旧缓存
func (c *CachedStore) Set(ctx context.Context, key string, value []byte) error {
	err := c.KV.Set(ctx, key, value)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[key]++
	if err != nil {
		c.cache.Remove(key)
		return err
	}
	c.cache.Add(key, append([]byte(nil), value...))
	return nil
}

// Delete 同时清除缓存
func (c *CachedStore) Delete(ctx context.Context, key string) error {
	err := c.KV.Delete(ctx, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[key]++
	c.cache.Remove(key)
	return err
}

// Len 当前缓存条目数
func (c *CachedStore) Len() int {
	return c.cache.Len()
}

// Purge 清空缓存
func (c *CachedStore) Purge() {
	c.cache.Purge()
}
