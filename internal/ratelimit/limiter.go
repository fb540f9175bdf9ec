package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Config holds the token bucket parameters. Use NewConfig and the With*
// setters, or call Normalize after filling the struct by hand.
type Config struct {
	RateLimitPerPeriod int           // tokens granted per period, also bucket capacity
	Period             time.Duration // window the rate applies over
	BlockDuration      time.Duration
	GracePeriod        time.Duration
	CacheRefundRatio   float64 // tokens returned per 304, in [0,1]
	ErrorPenaltyTokens float64 // tokens taken per 4xx/5xx, >= 0
}

const (
	DefaultRateLimitPerPeriod = 50
	DefaultPeriod             = time.Minute
	DefaultBlockDuration      = 15 * time.Minute
	DefaultGracePeriod        = time.Second
	DefaultCacheRefundRatio   = 0.5
	DefaultErrorPenaltyTokens = 2.0
)

func DefaultConfig() Config {
	return Config{
		RateLimitPerPeriod: DefaultRateLimitPerPeriod,
		Period:             DefaultPeriod,
		BlockDuration:      DefaultBlockDuration,
		GracePeriod:        DefaultGracePeriod,
		CacheRefundRatio:   DefaultCacheRefundRatio,
		ErrorPenaltyTokens: DefaultErrorPenaltyTokens,
	}
}

// NewConfig returns the default config with the given rate and block duration.
func NewConfig(ratePerPeriod int, blockDuration time.Duration) Config {
	c := DefaultConfig()
	c.RateLimitPerPeriod = ratePerPeriod
	c.BlockDuration = blockDuration
	return c.Normalize()
}

func (c Config) WithPeriod(d time.Duration) Config {
	c.Period = d
	return c.Normalize()
}

func (c Config) WithGracePeriod(d time.Duration) Config {
	if d < 0 {
		d = 0
	}
	c.GracePeriod = d
	return c
}

func (c Config) WithCacheRefundRatio(ratio float64) Config {
	c.CacheRefundRatio = clamp(ratio, 0, 1)
	return c
}

func (c Config) WithErrorPenalty(tokens float64) Config {
	if tokens < 0 {
		tokens = 0
	}
	c.ErrorPenaltyTokens = tokens
	return c
}

// Normalize puts every field back into its valid range. Out of range ratios
// and penalties are clamped; non-positive rates and durations take defaults.
func (c Config) Normalize() Config {
	if c.RateLimitPerPeriod <= 0 {
		c.RateLimitPerPeriod = DefaultRateLimitPerPeriod
	}
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = DefaultBlockDuration
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	c.CacheRefundRatio = clamp(c.CacheRefundRatio, 0, 1)
	if c.ErrorPenaltyTokens < 0 {
		c.ErrorPenaltyTokens = 0
	}
	return c
}

func (c Config) MaxTokens() float64 { return float64(c.RateLimitPerPeriod) }

func (c Config) RefillRatePerSecond() float64 {
	return float64(c.RateLimitPerPeriod) / c.Period.Seconds()
}

// RetentionWindow is how long an idle, unblocked entry is kept.
func (c Config) RetentionWindow() time.Duration { return 2 * c.BlockDuration }

// Subject identifies the request being checked.
type Subject struct {
	Key       string // client identity, usually the normalized IP
	Path      string
	UserAgent string
}

type Decision struct {
	Allowed      bool
	NewlyBlocked bool    // this check moved the key into a block
	Remaining    float64 // tokens left after this check
}

// BlockEvent describes a key entering a new block.
type BlockEvent struct {
	ID           uuid.UUID `json:"id"`
	Key          string    `json:"key"`
	Path         string    `json:"path"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Reason       string    `json:"reason"`
	At           time.Time `json:"at"`
	BlockedUntil time.Time `json:"blocked_until"`
}

const (
	ReasonRateLimit = "rate_limit"
	ReasonScreened  = "screened"
)

func NewBlockEvent(s Subject, reason string, at, until time.Time) BlockEvent {
	return BlockEvent{
		ID:           uuid.New(),
		Key:          s.Key,
		Path:         s.Path,
		UserAgent:    s.UserAgent,
		Reason:       reason,
		At:           at,
		BlockedUntil: until,
	}
}

// BlockObserver is told about keys transitioning into a block. It may be
// called from a detached goroutine and its result is never consumed.
type BlockObserver interface {
	OnBlocked(ctx context.Context, ev BlockEvent)
}

// BlockObserverFunc adapts a plain function to BlockObserver.
type BlockObserverFunc func(ctx context.Context, ev BlockEvent)

func (f BlockObserverFunc) OnBlocked(ctx context.Context, ev BlockEvent) { f(ctx, ev) }

type NoOpObserver struct{}

func (NoOpObserver) OnBlocked(context.Context, BlockEvent) {}

// ActionChecker answers whether key performed action within the given window,
// for callers that gate requests on earlier activity (a login, a captcha).
type ActionChecker interface {
	CheckRecentAction(ctx context.Context, key, action string, within time.Duration) (bool, error)
}

// ActionCheckerFunc adapts a plain function to ActionChecker.
type ActionCheckerFunc func(ctx context.Context, key, action string, within time.Duration) (bool, error)

func (f ActionCheckerFunc) CheckRecentAction(ctx context.Context, key, action string, within time.Duration) (bool, error) {
	return f(ctx, key, action, within)
}

// NoOpActionChecker reports that no action was seen.
type NoOpActionChecker struct{}

func (NoOpActionChecker) CheckRecentAction(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

// Limiter is the token bucket engine used by the admission layer.
type Limiter interface {
	Check(s Subject, now time.Time) Decision
	Refund(key string, amount float64)
	Penalize(key string, amount float64)
	BlockImmediately(key string, now time.Time) time.Time
	Suspend(s Subject, reason string, now time.Time) time.Time
	Config() Config
	Close() error
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
