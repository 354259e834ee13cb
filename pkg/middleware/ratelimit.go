package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/waveflow-go/pkg/config"
)

const (
	// Idle buckets are pruned once the map grows past this.
	bucketPruneThreshold = 4096
	bucketIdleTimeout    = 10 * time.Minute
)

// Limiter admits or rejects a request for a client key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	// Limit reports the admitted requests per second, for response
	// headers.
	Limit() int
}

// NewLimiter picks the limiter the config asks for: a shared Redis
// window when rate limiting must hold across instances, otherwise
// per-process token buckets.
func NewLimiter(cfg *config.RateLimitConfig, redisClient *redis.Client) Limiter {
	if cfg.Distributed && redisClient != nil {
		return NewRedisLimiter(redisClient, cfg.RatePerSecond, time.Second)
	}
	return NewBucketLimiter(cfg.RatePerSecond, cfg.Burst)
}

// BucketLimiter keeps one token bucket per client key.
type BucketLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	lastSeen map[string]time.Time
	rps      rate.Limit
	burst    int
}

func NewBucketLimiter(rps, burst int) *BucketLimiter {
	if burst <= 0 {
		burst = rps
	}
	return &BucketLimiter{
		buckets:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *BucketLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= bucketPruneThreshold {
			l.pruneLocked()
		}
		bucket = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = bucket
	}
	l.lastSeen[key] = time.Now()

	return bucket.Allow(), nil
}

func (l *BucketLimiter) Limit() int {
	return int(l.rps)
}

func (l *BucketLimiter) pruneLocked() {
	cutoff := time.Now().Add(-bucketIdleTimeout)
	for key, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			delete(l.buckets, key)
			delete(l.lastSeen, key)
		}
	}
}

// RedisLimiter counts requests in a sliding window shared by all
// instances. Each request is logged as a sorted-set member scored by
// its timestamp; members older than the window are dropped before
// counting.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	setKey := "ratelimit:" + key
	windowStart := now.Add(-l.window).UnixNano()

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, setKey, "0", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to count requests: %w", err)
	}

	if countCmd.Val() >= int64(l.limit) {
		return false, nil
	}

	// Nanosecond members keep concurrent requests distinct.
	member := strconv.FormatInt(now.UnixNano(), 10)
	pipe = l.client.Pipeline()
	pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, setKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to record request: %w", err)
	}
	return true, nil
}

func (l *RedisLimiter) Limit() int {
	return l.limit
}

// RateLimit rejects requests over the limit with 429. The key function
// picks what the limit is scoped to; an empty key falls back to the
// client IP.
func RateLimit(limiter Limiter, keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFn(c)
		if key == "" {
			key = c.ClientIP()
		}

		allowed, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limiting error"})
			c.Abort()
			return
		}

		if !allowed {
			c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			c.Header("X-RateLimit-Remaining", "0")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// IPKey scopes the limit to the client address.
func IPKey(c *gin.Context) string {
	return c.ClientIP()
}

// UserKey scopes the limit to the authenticated user, falling back to
// the client address for anonymous requests.
func UserKey(c *gin.Context) string {
	if userID, ok := UserID(c); ok {
		return "user:" + userID
	}
	return c.ClientIP()
}
