package admission

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
	"github.com/AlexKimmel/GateGuard/internal/screen"
	"github.com/rs/zerolog"
)

type Outcome int

const (
	Allowed Outcome = iota
	RateLimited
	Screened
	PreconditionMissing // the caller supplied no client identity
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case RateLimited:
		return "rate_limited"
	case Screened:
		return "screened"
	case PreconditionMissing:
		return "precondition_missing"
	default:
		return "unknown"
	}
}

type Request struct {
	Key       string
	Path      string
	UserAgent string
	Now       time.Time // zero means the coordinator's clock
}

type Verdict struct {
	Outcome      Outcome
	NewlyBlocked bool    // RateLimited only: this request started the block
	Remaining    float64 // tokens left, zero unless Allowed
	Reason       screen.Reason
	BlockedUntil time.Time // Screened only
}

type Adjustment int

const (
	NoAdjustment Adjustment = iota
	Refund
	Penalty
)

type Screener interface {
	Check(path, userAgent string) (screen.Reason, bool)
}

// Recorder receives admission events, typically to update metrics.
type Recorder interface {
	RateLimited(newlyBlocked bool)
	Screened(reason screen.Reason)
	Refunded()
	Penalized(status int)
}

type NopRecorder struct{}

func (NopRecorder) RateLimited(bool) {}
func (NopRecorder) Screened(screen.Reason) {}
func (NopRecorder) Refunded() {}
func (NopRecorder) Penalized(int) {}

// Coordinator runs the token bucket and the screener for each request and
// feeds the response status back into the bucket.
type Coordinator struct {
	lim ratelimit.Limiter
	scr Screener
	rec Recorder
	act ratelimit.ActionChecker
	log zerolog.Logger
	now func() time.Time
}

type Option func(*Coordinator)

func WithScreener(s Screener) Option {
	return func(c *Coordinator) { c.scr = s }
}

func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.rec = r
		}
	}
}

// WithActionChecker sets the collaborator behind RecentAction. The default
// reports no recent actions.
func WithActionChecker(a ratelimit.ActionChecker) Option {
	return func(c *Coordinator) {
		if a != nil {
			c.act = a
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(lim ratelimit.Limiter, opts ...Option) *Coordinator {
	c := &Coordinator{
		lim: lim,
		rec: NopRecorder{},
		act: ratelimit.NoOpActionChecker{},
		log: zerolog.Nop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Limiter() ratelimit.Limiter { return c.lim }

// Admit decides whether req may proceed. A flagged request suspends the
// client for the full block duration.
func (c *Coordinator) Admit(req Request) Verdict {
	if req.Key == "" {
		return Verdict{Outcome: PreconditionMissing}
	}
	now := req.Now
	if now.IsZero() {
		now = c.now()
	}
	subj := ratelimit.Subject{Key: req.Key, Path: req.Path, UserAgent: req.UserAgent}

	dec := c.lim.Check(subj, now)
	if !dec.Allowed {
		c.rec.RateLimited(dec.NewlyBlocked)
		return Verdict{Outcome: RateLimited, NewlyBlocked: dec.NewlyBlocked}
	}

	if c.scr != nil {
		if reason, flagged := c.scr.Check(req.Path, req.UserAgent); flagged {
			until := c.lim.Suspend(subj, ratelimit.ReasonScreened, now)
			c.log.Warn().
				Str("key", req.Key).
				Str("path", req.Path).
				Str("ua", req.UserAgent).
				Str("reason", reason.String()).
				Msg("malicious request screened")
			c.rec.Screened(reason)
			return Verdict{Outcome: Screened, Reason: reason, BlockedUntil: until}
		}
	}

	return Verdict{Outcome: Allowed, Remaining: dec.Remaining}
}

// RecentAction asks the action checker whether key performed action within
// the window. An empty key never has recent actions.
func (c *Coordinator) RecentAction(ctx context.Context, key, action string, within time.Duration) (bool, error) {
	if key == "" {
		return false, nil
	}
	ok, err := c.act.CheckRecentAction(ctx, key, action, within)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Str("action", action).Msg("recent action check failed")
		return false, fmt.Errorf("check recent action %q: %w", action, err)
	}
	return ok, nil
}

// Settle applies at most one adjustment for the response status: a refund
// for 304 Not Modified, a penalty for any 4xx or 5xx.
func (c *Coordinator) Settle(key string, status int) Adjustment {
	if key == "" {
		return NoAdjustment
	}
	cfg := c.lim.Config()
	switch {
	case status == http.StatusNotModified:
		c.lim.Refund(key, cfg.CacheRefundRatio)
		c.rec.Refunded()
		return Refund
	case status >= 400 && status <= 599:
		c.lim.Penalize(key, cfg.ErrorPenaltyTokens)
		c.rec.Penalized(status)
		return Penalty
	default:
		return NoAdjustment
	}
}
