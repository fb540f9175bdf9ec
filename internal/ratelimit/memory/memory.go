package memory

import (
	"context"
	"math"
	"time"

	"github.com/AlexKimmel/GateGuard/internal/notify"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
	"github.com/rs/zerolog"
)

// Limiter is an in-process token bucket keyed by client identity.
type Limiter struct {
	cfg   ratelimit.Config
	now   func() time.Time
	store *Store
	log   zerolog.Logger

	observer ratelimit.BlockObserver
	queue    *notify.Queue // owned, closed by Close
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// WithObserver registers the observer told about new rate-limit blocks.
// Anything other than a *notify.Queue is wrapped in one so that a slow
// observer never delays a check.
func WithObserver(o ratelimit.BlockObserver) Option {
	return func(l *Limiter) { l.observer = o }
}

// WithStore injects the entry store, mostly for tests.
func WithStore(s *Store) Option {
	return func(l *Limiter) { l.store = s }
}

func New(cfg ratelimit.Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg: cfg.Normalize(),
		now: time.Now,
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = NewStore()
	}
	switch o := l.observer.(type) {
	case nil:
		l.observer = ratelimit.NoOpObserver{}
	case ratelimit.NoOpObserver, *notify.Queue:
	default:
		l.queue = notify.NewQueue(o, notify.WithLogger(l.log))
		l.observer = l.queue
	}
	return l
}

func (l *Limiter) Config() ratelimit.Config { return l.cfg }

func (l *Limiter) Close() error {
	if l.queue != nil {
		return l.queue.Close()
	}
	return nil
}

// Check spends one token for s.Key. A key that runs dry is blocked for the
// configured block duration and the observer is notified once.
func (l *Limiter) Check(s ratelimit.Subject, now time.Time) ratelimit.Decision {
	maxTokens := l.cfg.MaxTokens()

	e := l.store.acquire(s.Key, now, maxTokens)

	if e.blockedAt(now) {
		e.mu.Unlock()
		l.log.Debug().Str("key", s.Key).Msg("blocked client attempted access")
		return ratelimit.Decision{}
	}

	if now.Sub(e.createdAt) < l.cfg.GracePeriod {
		e.mu.Unlock()
		return ratelimit.Decision{Allowed: true, Remaining: maxTokens}
	}

	elapsed := math.Max(0, now.Sub(e.lastRefill).Seconds())
	e.tokens = math.Min(maxTokens, e.tokens+elapsed*l.cfg.RefillRatePerSecond())
	e.lastRefill = now

	if e.tokens >= 1.0 {
		e.tokens -= 1.0
		remaining := e.tokens
		e.mu.Unlock()
		return ratelimit.Decision{Allowed: true, Remaining: remaining}
	}

	tokens := e.tokens
	until := now.Add(l.cfg.BlockDuration)
	e.blockedUntil = until
	e.mu.Unlock()

	l.log.Warn().
		Str("key", s.Key).
		Str("path", s.Path).
		Float64("tokens", tokens).
		Time("blocked_until", until).
		Msg("client exceeded rate limit")

	l.observer.OnBlocked(context.Background(), ratelimit.NewBlockEvent(s, ratelimit.ReasonRateLimit, now, until))

	return ratelimit.Decision{NewlyBlocked: true}
}

// Refund returns tokens to a known key, capped at the bucket size.
func (l *Limiter) Refund(key string, amount float64) {
	e := l.store.lookup(key)
	if e == nil {
		return
	}
	e.tokens = math.Min(l.cfg.MaxTokens(), e.tokens+amount)
	balance := e.tokens
	e.mu.Unlock()

	l.log.Debug().Str("key", key).Float64("amount", amount).Float64("balance", balance).Msg("refunded tokens")
}

// Penalize takes tokens from a known key. The balance may go negative,
// which lengthens the time until the bucket is usable again.
func (l *Limiter) Penalize(key string, amount float64) {
	e := l.store.lookup(key)
	if e == nil {
		return
	}
	e.tokens -= amount
	balance := e.tokens
	e.mu.Unlock()

	l.log.Debug().Str("key", key).Float64("amount", amount).Float64("balance", balance).Msg("penalized tokens")
}

// BlockImmediately drains key and blocks it from now, creating the entry if
// needed. It returns the new block expiry.
func (l *Limiter) BlockImmediately(key string, now time.Time) time.Time {
	e := l.store.acquire(key, now, l.cfg.MaxTokens())
	e.tokens = 0
	e.blockedUntil = now.Add(l.cfg.BlockDuration)
	until := e.blockedUntil
	e.mu.Unlock()
	return until
}

// Suspend blocks s.Key like BlockImmediately and tells the observer why.
func (l *Limiter) Suspend(s ratelimit.Subject, reason string, now time.Time) time.Time {
	until := l.BlockImmediately(s.Key, now)
	l.observer.OnBlocked(context.Background(), ratelimit.NewBlockEvent(s, reason, now, until))
	return until
}

// Tokens reports the stored balance for key without refilling it.
func (l *Limiter) Tokens(key string) (float64, bool) {
	e := l.store.lookup(key)
	if e == nil {
		return 0, false
	}
	defer e.mu.Unlock()
	return e.tokens, true
}

// CacheStats returns the number of tracked keys and how many of them are
// blocked at now.
func (l *Limiter) CacheStats(now time.Time) (size, blocked int) {
	return l.store.Len(), l.store.count(func(e *entry) bool { return e.blockedAt(now) })
}

func (l *Limiter) CacheSize() int { return l.store.Len() }

func (l *Limiter) BlockedCount() int {
	_, blocked := l.CacheStats(l.now())
	return blocked
}
