// Package cache 提供以 URL 等长字符串为键的 Redis JSON 缓存。
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "marketspy:cache:"

// Cache 是带命名空间的 TTL 缓存，nil 或未配置 Redis 时所有操作都是空操作。
type Cache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// New 创建缓存，键为 marketspy:cache:<namespace>:<sha256(key)>。
func New(rdb *redis.Client, namespace string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		rdb:    rdb,
		prefix: keyPrefix + namespace + ":",
		ttl:    ttl,
	}
}

// GetJSON 读取缓存并解码到 dst，未命中返回 false。
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	if c == nil || c.rdb == nil || key == "" {
		return false, nil
	}
	data, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("cache get: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		// 旧格式或损坏的数据按未命中处理
		_ = c.rdb.Del(ctx, c.key(key)).Err()
		return false, nil
	}
	return true, nil
}

// SetJSON 以 JSON 写入缓存。
func (c *Cache) SetJSON(ctx context.Context, key string, v any) error {
	if c == nil || c.rdb == nil || key == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Delete 删除缓存项。
func (c *Cache) Delete(ctx context.Context, key string) error {
	if c == nil || c.rdb == nil || key == "" {
		return nil
	}
	if err := c.rdb.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cache del: %w", err)
	}
	return nil
}

func (c *Cache) key(raw string) string {
	return c.prefix + hashKey(raw)
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
