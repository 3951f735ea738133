package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend performs a single token bucket check against a bucket keyed by
// key, returning whether the request is allowed and the tokens remaining
// afterward.
type Backend interface {
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error)
}

// TierConfig holds rate limit configuration for a tier. The two tiers this
// repository uses are "enqueue" (per-recipient, producer-side) and
// "transport" (fleet-wide, outbound-send shaping).
type TierConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// Limiter implements token bucket rate limiting against a Backend. New
// wires it to a Redis-backed bucket with an in-memory fallback, so a
// Redis outage degrades to local, per-process limiting instead of
// failing every Allow call.
type Limiter struct {
	backend  Backend
	tiers    map[string]TierConfig
	default_ TierConfig
}

// New creates a new rate limiter backed by Redis, falling back to local
// in-memory buckets when Redis is unreachable.
func New(redis *redis.Client, tiers map[string]TierConfig, defaultTier TierConfig) *Limiter {
	if tiers == nil {
		tiers = make(map[string]TierConfig)
	}
	return &Limiter{
		backend:  NewFallbackBackend(NewRedisBackend(redis)),
		tiers:    tiers,
		default_: defaultTier,
	}
}

// Result contains the result of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow checks if a request is allowed for the given key and tier.
func (l *Limiter) Allow(ctx context.Context, key, tier string) (Result, error) {
	return l.AllowN(ctx, key, tier, 1)
}

// AllowN checks if N requests are allowed.
func (l *Limiter) AllowN(ctx context.Context, key, tier string, n int) (Result, error) {
	cfg := l.getTierConfig(tier)
	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize <= 0 {
		return Result{Allowed: true, Remaining: cfg.BurstSize}, nil
	}

	allowed, remaining, err := l.backend.CheckRateLimit(ctx, key, cfg.BurstSize, cfg.RequestsPerSecond, n)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}

	tokensNeeded := float64(cfg.BurstSize) - float64(remaining)
	refillSeconds := tokensNeeded / cfg.RequestsPerSecond
	resetAt := time.Now().Add(time.Duration(refillSeconds) * time.Second)

	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// getTierConfig returns the config for a tier, falling back to default.
func (l *Limiter) getTierConfig(tier string) TierConfig {
	if cfg, ok := l.tiers[tier]; ok {
		return cfg
	}
	return l.default_
}

// KeyForRecipient returns the rate limit key for a recipient's producer-side
// enqueue bucket.
func KeyForRecipient(recipientID string) string {
	return "relay:rl:enqueue:" + recipientID
}

// KeyForTransport returns the single fleet-wide rate limit key shared by
// every dispatcher worker's outbound sends.
func KeyForTransport() string {
	return "relay:rl:transport"
}
