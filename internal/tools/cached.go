package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"ChainPulse/internal/cache"
	"ChainPulse/pkg/logger"
)

// KeyFunc 由工具参数生成缓存键。
type KeyFunc func(args map[string]any) string

// DefaultKey 返回 tool:<name>:<参数的规范 JSON>，map 的键在编码时已排序。
func DefaultKey(name string) KeyFunc {
	return func(args map[string]any) string {
		if len(args) == 0 {
			return "tool:" + name + ":{}"
		}
		encoded, err := json.Marshal(args)
		if err != nil {
			return ""
		}
		return "tool:" + name + ":" + string(encoded)
	}
}

// Cached 为处理函数加上结果缓存，只缓存成功的结果。
// 缓存读写失败不影响调用本身；keyFn 返回空字符串时跳过缓存。
func Cached(handler Handler, store cache.Cache[any], ttl time.Duration, keyFn KeyFunc) Handler {
	if store == nil || keyFn == nil {
		return handler
	}
	log := logger.Named("tools")
	return func(ctx context.Context, args map[string]any) (any, error) {
		key := keyFn(args)
		if key == "" {
			return handler(ctx, args)
		}
		if value, ok, err := store.Get(ctx, key); err == nil && ok {
			return value, nil
		} else if err != nil {
			log.Debug("tool cache read failed", slog.String("key", key), slog.Any("error", err))
		}

		value, err := handler(ctx, args)
		if err != nil {
			return nil, err
		}
		if err := store.Set(ctx, key, value, ttl); err != nil {
			log.Debug("tool cache write failed", slog.String("key", key), slog.Any("error", err))
		}
		return value, nil
	}
}
