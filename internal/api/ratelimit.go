package api

import (
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	xerrors "ChainPulse/internal/errors"
)

// RateLimiter 为每个客户端 IP 维护一个令牌桶。
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*visitor
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewRateLimiter 创建限流器，rps 不大于 0 时不限流。
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{
		limiters: make(map[string]*visitor),
		limit:    limit,
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

// Allow 判断 key 是否还有可用令牌。
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) > 1024 {
			l.pruneLocked(now)
		}
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = v
	}
	v.seen = now
	return v.limiter.AllowN(now, 1)
}

func (l *RateLimiter) pruneLocked(now time.Time) {
	for key, v := range l.limiters {
		if now.Sub(v.seen) > l.idle {
			delete(l.limiters, key)
		}
	}
}

// Middleware 在超出配额时返回 429 RATE_LIMITED。
func (l *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !l.Allow(c.RealIP()) {
				return writeError(c, xerrors.New(xerrors.CodeRateLimited, "too many requests"))
			}
			return next(c)
		}
	}
}
