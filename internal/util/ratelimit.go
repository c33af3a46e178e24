package util

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// RateLimiter implements a token-bucket rate limiter that replenishes tokens
// at a fixed rate.
type RateLimiter struct {
	rate     float64 // tokens per second
	tokens   float64
	lastTime time.Time
	mu       sync.Mutex
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		rate:     float64(perMinute) / 60.0,
		tokens:   1, // start with one token available
		lastTime: time.Now(),
	}
}

// Wait blocks until a rate-limit token is available or the context is
// cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(rl.lastTime).Seconds()
		rl.tokens += elapsed * rl.rate
		if rl.tokens > 1 {
			rl.tokens = 1
		}
		rl.lastTime = now

		if rl.tokens >= 1 {
			rl.tokens -= 1
			rl.mu.Unlock()
			return nil
		}
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// ProviderLimiter caps concurrent calls per provider and, when configured,
// paces them with a per-provider token bucket. Counters are process-local.
type ProviderLimiter struct {
	perProvider int64
	rates       map[string]int

	mu      sync.Mutex
	sems    map[string]*semaphore.Weighted
	buckets map[string]*RateLimiter
}

// NewProviderLimiter allows perProvider concurrent calls for each provider.
// ratePerMinute optionally limits call starts per provider.
func NewProviderLimiter(perProvider int, ratePerMinute map[string]int) *ProviderLimiter {
	if perProvider <= 0 {
		perProvider = 4
	}
	return &ProviderLimiter{
		perProvider: int64(perProvider),
		rates:       ratePerMinute,
		sems:        make(map[string]*semaphore.Weighted),
		buckets:     make(map[string]*RateLimiter),
	}
}

// Acquire blocks until provider has a free slot. The returned release must be
// called exactly once.
func (l *ProviderLimiter) Acquire(ctx context.Context, provider string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.sems[provider]
	if !ok {
		sem = semaphore.NewWeighted(l.perProvider)
		l.sems[provider] = sem
	}
	bucket, ok := l.buckets[provider]
	if !ok && l.rates[provider] > 0 {
		bucket = NewRateLimiter(l.rates[provider])
		l.buckets[provider] = bucket
	}
	l.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if bucket != nil {
		if err := bucket.Wait(ctx); err != nil {
			sem.Release(1)
			return nil, err
		}
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}
