package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"ChainPulse/internal/cache"
	xerrors "ChainPulse/internal/errors"
)

// Config 描述 Redis 缓存的连接参数。
type Config struct {
	Address    string
	Password   string
	DB         int
	Prefix     string
	DefaultTTL time.Duration
}

// Cache 以 JSON 编码把值写入 Redis，过期由 Redis 的 EX 负责。
type Cache[T any] struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
	owned      bool
}

var _ cache.Cache[int] = (*Cache[int])(nil)

// New 连接 Redis 并返回缓存实例。
func New[T any](ctx context.Context, cfg Config) (*Cache[T], error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	c := NewWithClient[T](client, cfg.Prefix, cfg.DefaultTTL)
	c.owned = true
	return c, nil
}

// NewWithClient 复用已有连接，多个类型化缓存可以共享同一个客户端。
func NewWithClient[T any](client *redis.Client, prefix string, defaultTTL time.Duration) *Cache[T] {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Cache[T]{client: client, prefix: prefix, defaultTTL: defaultTTL}
}

// Client 返回底层连接。
func (c *Cache[T]) Client() *redis.Client { return c.client }

func (c *Cache[T]) key(k string) string { return c.prefix + k }

// Get 读取并解码缓存值。
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 缓存失败")
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return zero, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码缓存值失败", xerrors.WithRetryable(false))
	}
	return value, true, nil
}

// Set 编码并写入缓存值。
func (c *Cache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码缓存值失败")
	}
	if err := c.client.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 缓存失败")
	}
	return nil
}

// Delete 删除缓存值。
func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 Redis 缓存失败")
	}
	return nil
}

// Len 通过 SCAN 统计前缀下的键数量，失败时返回 0。
func (c *Cache[T]) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	count := 0
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if iter.Err() != nil {
		return 0
	}
	return count
}

// Close 仅在连接由本实例创建时关闭它。
func (c *Cache[T]) Close() error {
	if !c.owned {
		return nil
	}
	return c.client.Close()
}
