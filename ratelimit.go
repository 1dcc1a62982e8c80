package sio

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tokmz/sio/pkg/errors"
)

// ErrRateLimited 握手过于频繁
var ErrRateLimited = errors.New(6005, "too many handshakes", 429)

// RateLimitConfig 握手限流配置，按客户端 IP 使用令牌桶
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// RequestsPerSecond 每秒补充的令牌数
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`
	// Burst 桶容量
	Burst int `mapstructure:"burst" json:"burst"`
	// BucketExpiry 桶在无访问后被清理的时间
	BucketExpiry time.Duration `mapstructure:"bucket_expiry" json:"bucket_expiry"`
}

func defaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		Burst:             20,
		BucketExpiry:      10 * time.Minute,
	}
}

// tokenBucket 令牌桶
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

func (t *tokenBucket) allow(now time.Time) bool {
	elapsed := now.Sub(t.lastRefill).Seconds()
	t.tokens += elapsed * t.refillRate
	if t.tokens > t.maxTokens {
		t.tokens = t.maxTokens
	}
	t.lastRefill = now

	if t.tokens >= 1 {
		t.tokens--
		return true
	}
	return false
}

// handshakeLimiter 桶存放在 go-cache 中，长时间无访问的桶自动过期
type handshakeLimiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	buckets *cache.Cache
}

func newHandshakeLimiter(cfg RateLimitConfig) *handshakeLimiter {
	return &handshakeLimiter{
		cfg:     cfg,
		buckets: cache.New(cfg.BucketExpiry, cfg.BucketExpiry),
	}
}

func (l *handshakeLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b *tokenBucket
	if v, ok := l.buckets.Get(key); ok {
		b = v.(*tokenBucket)
	} else {
		b = newTokenBucket(l.cfg.RequestsPerSecond, l.cfg.Burst)
	}
	// 每次访问都刷新过期时间
	l.buckets.SetDefault(key, b)
	return b.allow(time.Now())
}
