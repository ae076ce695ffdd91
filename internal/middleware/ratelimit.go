package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers whether a keyed caller is within its request budget.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// RateLimit applies a limiter per authenticated merchant (falling back to
// the remote address before auth ran).
func RateLimit(l Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if m, ok := MerchantFrom(r.Context()); ok {
				key = m.ID
			}
			if !l.Allow(r.Context(), key) {
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MemoryLimiter is a per-key sliding one-minute window, for single-process
// deployments. Expired windows are garbage-collected in the background.
type MemoryLimiter struct {
	mu        sync.Mutex
	windows   map[string]*window
	perMinute int
}

type window struct {
	count int
	start time.Time
}

// NewMemoryLimiter builds an in-process limiter.
func NewMemoryLimiter(perMinute int) *MemoryLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	l := &MemoryLimiter{windows: make(map[string]*window), perMinute: perMinute}
	go l.cleanup()
	return l
}

// Allow counts a request against the key's current window.
func (l *MemoryLimiter) Allow(_ context.Context, key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		l.windows[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= l.perMinute
}

func (l *MemoryLimiter) cleanup() {
	for range time.Tick(time.Minute) {
		cutoff := time.Now().Add(-2 * time.Minute)
		l.mu.Lock()
		for k, w := range l.windows {
			if w.start.Before(cutoff) {
				delete(l.windows, k)
			}
		}
		l.mu.Unlock()
	}
}

// RedisLimiter shares one budget across gateway replicas: INCR with a
// one-minute expiry per key. Used when REDIS_URL is configured.
type RedisLimiter struct {
	client    *redis.Client
	perMinute int64
	logger    *slog.Logger
}

// NewRedisLimiter builds a limiter over an existing redis client.
func NewRedisLimiter(client *redis.Client, perMinute int) *RedisLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	return &RedisLimiter{
		client:    client,
		perMinute: int64(perMinute),
		logger:    slog.With("component", "ratelimit"),
	}
}

// Allow fails open on redis errors: losing rate limiting briefly beats
// rejecting all traffic.
func (l *RedisLimiter) Allow(ctx context.Context, key string) bool {
	redisKey := "kasgate:rl:" + key + ":" + time.Now().Format("200601021504")
	n, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		l.logger.Warn("redis limiter unavailable", "error", err)
		return true
	}
	if n == 1 {
		l.client.Expire(ctx, redisKey, 90*time.Second)
	}
	return n <= l.perMinute
}
