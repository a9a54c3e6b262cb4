// Package ratelimit implements a fixed-window request counter per user and
// route over an external key/value store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/haasonsaas/agentloop/internal/observability"
)

// ErrRateLimited is matched by every *ExceededError.
var ErrRateLimited = errors.New("rate limit exceeded")

// KV is the store the counters live in. Implementations must make Incr atomic
// across processes.
type KV interface {
	// Get returns the counter and whether the key exists.
	Get(ctx context.Context, key string) (int64, bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	SetEX(ctx context.Context, key string, value int64, ttl time.Duration) error
	// Expire sets the lifetime of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining lifetime, or a non-positive duration when the
	// key is missing or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Status describes the window after a check. All fields are -1 when the
// limit is unknown; callers must not read -1 as zero.
type Status struct {
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
	ResetIn   int `json:"reset_in"`
}

// Unknown is returned when limiting is disabled or the store is unavailable.
var Unknown = Status{Limit: -1, Remaining: -1, ResetIn: -1}

// IsUnknown reports whether s carries no information.
func (s Status) IsUnknown() bool {
	return s == Unknown
}

// ExceededError rejects a request over the limit.
type ExceededError struct {
	Key        string
	Limit      int
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit of %d exceeded, retry after %ds", e.Limit, seconds(e.RetryAfter))
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (e *ExceededError) RetryAfterSeconds() int {
	return seconds(e.RetryAfter)
}

// Rule is the limit for one route.
type Rule struct {
	Limit  int           `yaml:"limit" json:"limit"`
	Window time.Duration `yaml:"window" json:"window"`
}

// Config configures a Limiter.
type Config struct {
	Enabled bool
	Rules   map[string]Rule
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Limiter checks fixed-window counters. A nil Limiter is disabled.
type Limiter struct {
	kv      KV
	enabled bool
	rules   map[string]Rule
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a limiter over kv. A nil kv disables limiting.
func New(kv KV, config Config) *Limiter {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rules := make(map[string]Rule, len(config.Rules))
	for route, rule := range config.Rules {
		rules[route] = rule
	}
	return &Limiter{
		kv:      kv,
		enabled: config.Enabled && kv != nil,
		rules:   rules,
		logger:  logger.With("component", "ratelimit"),
		metrics: config.Metrics,
	}
}

// Enabled reports whether checks touch the store.
func (l *Limiter) Enabled() bool {
	return l != nil && l.enabled
}

// Key builds the counter key for a user and route.
func Key(userID, route string) string {
	return "ratelimit:" + userID + ":" + route
}

// CheckRoute applies the configured rule for route. Routes without a rule
// are unlimited.
func (l *Limiter) CheckRoute(ctx context.Context, userID, route string) (Status, error) {
	if !l.Enabled() {
		return Unknown, nil
	}
	rule, ok := l.rules[route]
	if !ok {
		return Unknown, nil
	}
	status, err := l.Check(ctx, Key(userID, route), rule.Limit, rule.Window)
	decision := "allowed"
	switch {
	case errors.Is(err, ErrRateLimited):
		decision = "rejected"
	case status.IsUnknown():
		decision = "unknown"
	}
	l.metrics.RecordRateLimit(route, decision)
	return status, err
}

// Check counts one request against key. The first request in a window
// starts the counter with a TTL of window. A request that would exceed limit
// is rejected with the remaining TTL and does not change the counter.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) (Status, error) {
	if !l.Enabled() || limit <= 0 || window <= 0 {
		return Unknown, nil
	}

	current, found, err := l.kv.Get(ctx, key)
	if err != nil {
		return l.degraded("get", key, err), nil
	}

	if !found {
		if err := l.kv.SetEX(ctx, key, 1, window); err != nil {
			return l.degraded("set", key, err), nil
		}
		return Status{Limit: limit, Remaining: limit - 1, ResetIn: seconds(window)}, nil
	}

	if current >= int64(limit) {
		ttl := l.windowTTL(ctx, key, window)
		return Status{Limit: limit, Remaining: 0, ResetIn: seconds(ttl)},
			&ExceededError{Key: key, Limit: limit, RetryAfter: ttl}
	}

	count, err := l.kv.Incr(ctx, key)
	if err != nil {
		return l.degraded("incr", key, err), nil
	}
	// The window can lapse between Get and Incr, in which case Incr creates
	// the key without an expiry.
	var ttl time.Duration
	if count == 1 {
		ttl = l.expire(ctx, key, window)
	} else {
		ttl = l.windowTTL(ctx, key, window)
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Status{Limit: limit, Remaining: remaining, ResetIn: seconds(ttl)}, nil
}

// windowTTL returns the time left in the key's window. A key that lost its
// expiry gets a fresh one so the counter cannot outlive its window.
func (l *Limiter) windowTTL(ctx context.Context, key string, window time.Duration) time.Duration {
	ttl, err := l.kv.TTL(ctx, key)
	if err != nil {
		return window
	}
	if ttl <= 0 {
		return l.expire(ctx, key, window)
	}
	return ttl
}

func (l *Limiter) expire(ctx context.Context, key string, window time.Duration) time.Duration {
	if err := l.kv.Expire(ctx, key, window); err != nil {
		l.logger.Warn("failed to set rate limit window", "key", key, "error", err)
	}
	return window
}

func (l *Limiter) degraded(op, key string, err error) Status {
	l.logger.Warn("rate limit store unavailable, allowing request",
		"op", op,
		"key", key,
		"error", err,
	)
	return Unknown
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
