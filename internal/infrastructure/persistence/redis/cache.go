// Package redis 提供 Redis 缓存实现
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"style-studio-api/internal/domain/entity"
	"style-studio-api/pkg/metrics"
)

var cacheTracer = otel.Tracer("redis.cache")

// RecentKey 用户最近产物列表的缓存键
func RecentKey(userID string, limit int) string {
	return fmt.Sprintf("generations:recent:%s:%d", userID, limit)
}

// RecentPattern 用户全部最近列表缓存键的匹配模式
func RecentPattern(userID string) string {
	return fmt.Sprintf("generations:recent:%s:*", userID)
}

// RecentVersionKey 用户最近列表的版本号，每次失效递增
// 不在 RecentPattern 的匹配范围内，失效时不会被删除
func RecentVersionKey(userID string) string {
	return fmt.Sprintf("generations:recent_version:%s", userID)
}

// errStaleLoad 回源期间版本号已变化，结果不再回写
var errStaleLoad = errors.New("cache version changed during load")

// Cache 缓存服务
type Cache struct {
	client *Client
	group  singleflight.Group
}

// NewCache 创建缓存服务
func NewCache(client *Client) *Cache {
	return &Cache{client: client}
}

// GetOrLoad Read-Through 缓存，singleflight 合并同一键的并发回源
// versionKey 非空时，仅当回源前后版本号一致才回写，避免把失效前读到的旧数据写回
func (c *Cache) GetOrLoad(ctx context.Context, key, versionKey string, ttl time.Duration, loader func() (any, error)) ([]byte, error) {
	ctx, span := cacheTracer.Start(ctx, "cache.GetOrLoad",
		trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	val, err := c.client.rdb.Get(ctx, key).Bytes()
	if err == nil {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		metrics.CacheRequests.WithLabelValues("hit").Inc()
		return val, nil
	}
	if !IsNil(err) {
		span.RecordError(err)
		metrics.CacheRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	span.SetAttributes(attribute.Bool("cache.hit", false))
	metrics.CacheRequests.WithLabelValues("miss").Inc()

	result, err, shared := c.group.Do(key, func() (any, error) {
		version, err := c.version(ctx, versionKey)
		if err != nil {
			return nil, err
		}

		data, err := loader()
		if err != nil {
			return nil, err
		}

		bytes, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}

		// 回写失败不影响本次结果
		if err := c.storeIfCurrent(ctx, key, versionKey, version, bytes, ttl); err != nil {
			if errors.Is(err, errStaleLoad) || errors.Is(err, redis.TxFailedErr) {
				span.SetAttributes(attribute.Bool("cache.stale", true))
			} else {
				span.RecordError(err)
			}
		}
		return bytes, nil
	})

	span.SetAttributes(attribute.Bool("cache.shared", shared))

	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result.([]byte), nil
}

// version 读取版本号，不存在时为空串
func (c *Cache) version(ctx context.Context, versionKey string) (string, error) {
	if versionKey == "" {
		return "", nil
	}
	v, err := c.client.rdb.Get(ctx, versionKey).Result()
	if IsNil(err) {
		return "", nil
	}
	return v, err
}

// storeIfCurrent 在 WATCH 事务中确认版本号未变后回写
func (c *Cache) storeIfCurrent(ctx context.Context, key, versionKey, version string, value []byte, ttl time.Duration) error {
	if versionKey == "" {
		return c.client.rdb.Set(ctx, key, value, ttl).Err()
	}

	return c.client.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, versionKey).Result()
		if err != nil && !IsNil(err) {
			return err
		}
		if current != version {
			return errStaleLoad
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, value, ttl)
			return nil
		})
		return err
	}, versionKey)
}

// InvalidatePattern 按模式使缓存失效
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) error {
	ctx, span := cacheTracer.Start(ctx, "cache.InvalidatePattern",
		trace.WithAttributes(attribute.String("cache.pattern", pattern)))
	defer span.End()

	iter := c.client.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return err
	}

	if len(keys) == 0 {
		return nil
	}
	span.SetAttributes(attribute.Int("cache.invalidated_count", len(keys)))
	return c.client.rdb.Del(ctx, keys...).Err()
}

// InvalidateRecent 使用户的最近列表缓存失效
// 先递增版本号，进行中的回源因此放弃回写，再删除已有的列表
func (c *Cache) InvalidateRecent(ctx context.Context, userID string) error {
	if err := c.client.rdb.Incr(ctx, RecentVersionKey(userID)).Err(); err != nil {
		return err
	}
	return c.InvalidatePattern(ctx, RecentPattern(userID))
}

// RecentGenerations 读取用户最近列表，未命中时回源并回写
func (c *Cache) RecentGenerations(ctx context.Context, userID string, limit int, ttl time.Duration, load func() ([]*entity.Generation, error)) ([]*entity.Generation, error) {
	raw, err := c.GetOrLoad(ctx, RecentKey(userID, limit), RecentVersionKey(userID), ttl, func() (any, error) {
		return load()
	})
	if err != nil {
		return nil, err
	}

	var items []*entity.Generation
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to decode cached generations: %w", err)
	}
	return items, nil
}
