package admission

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit/memory"
	"github.com/AlexKimmel/GateGuard/internal/screen"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type countingRecorder struct {
	newlyBlocked int
	stillBlocked int
	screened     []screen.Reason
	refunds      int
	penalties    []int
}

func (r *countingRecorder) RateLimited(newly bool) {
	if newly {
		r.newlyBlocked++
		return
	}
	r.stillBlocked++
}
func (r *countingRecorder) Screened(reason screen.Reason) { r.screened = append(r.screened, reason) }
func (r *countingRecorder) Refunded() { r.refunds++ }
func (r *countingRecorder) Penalized(status int) { r.penalties = append(r.penalties, status) }

func newTestCoordinator(t *testing.T, cfg ratelimit.Config) (*Coordinator, *memory.Limiter, *countingRecorder) {
	t.Helper()
	lim := memory.New(cfg, memory.WithClock(func() time.Time { return t0 }))
	t.Cleanup(func() { _ = lim.Close() })

	scr, err := screen.New(screen.Config{
		PathPatterns:      []string{`\.php\d?$`, `/\.git/`, `/\.env`},
		UserAgentPatterns: []string{"zgrab", "nuclei"},
	})
	if err != nil {
		t.Fatalf("screener: %v", err)
	}
	rec := &countingRecorder{}
	c := New(lim, WithScreener(scr), WithRecorder(rec), WithClock(func() time.Time { return t0 }))
	return c, lim, rec
}

func req(key, path, ua string) Request {
	return Request{Key: key, Path: path, UserAgent: ua, Now: t0}
}

func TestAdmit_AllowsThenRateLimits(t *testing.T) {
	c, _, rec := newTestCoordinator(t, ratelimit.NewConfig(3, time.Minute).WithGracePeriod(0))

	for i := 1; i <= 3; i++ {
		v := c.Admit(req("10.0.0.1", "/", "Mozilla/5.0"))
		if v.Outcome != Allowed {
			t.Fatalf("request %d: expected allowed, got %s", i, v.Outcome)
		}
		if v.Remaining != float64(3-i) {
			t.Fatalf("request %d: remaining=%v", i, v.Remaining)
		}
	}

	v := c.Admit(req("10.0.0.1", "/", "Mozilla/5.0"))
	if v.Outcome != RateLimited || !v.NewlyBlocked {
		t.Fatalf("expected new rate limit block, got %+v", v)
	}
	v = c.Admit(req("10.0.0.1", "/", "Mozilla/5.0"))
	if v.Outcome != RateLimited || v.NewlyBlocked {
		t.Fatalf("expected already blocked, got %+v", v)
	}
	if rec.newlyBlocked != 1 || rec.stillBlocked != 1 {
		t.Fatalf("unexpected recorder counts %+v", rec)
	}
}

func TestAdmit_ScreenedRequestSuspendsClient(t *testing.T) {
	c, lim, rec := newTestCoordinator(t, ratelimit.NewConfig(10, time.Minute).WithGracePeriod(0))

	v := c.Admit(req("198.51.100.7", "/wp-login.php", "Mozilla/5.0"))
	if v.Outcome != Screened {
		t.Fatalf("expected screened, got %s", v.Outcome)
	}
	if v.Reason.Kind != screen.MaliciousPath || v.Reason.Pattern != `\.php\d?$` {
		t.Fatalf("unexpected reason %+v", v.Reason)
	}
	if !v.BlockedUntil.Equal(t0.Add(time.Minute)) {
		t.Fatalf("unexpected block expiry %s", v.BlockedUntil)
	}
	if tokens, _ := lim.Tokens("198.51.100.7"); tokens != 0 {
		t.Fatalf("expected drained bucket, got %v", tokens)
	}

	// a clean follow-up is still rejected, now by the rate limiter
	v = c.Admit(req("198.51.100.7", "/", "Mozilla/5.0"))
	if v.Outcome != RateLimited || v.NewlyBlocked {
		t.Fatalf("expected blocked follow-up, got %+v", v)
	}
	if len(rec.screened) != 1 {
		t.Fatalf("expected one screening record, got %d", len(rec.screened))
	}
}

func TestAdmit_ScreensUserAgent(t *testing.T) {
	c, _, _ := newTestCoordinator(t, ratelimit.NewConfig(10, time.Minute))

	v := c.Admit(req("198.51.100.8", "/", "Mozilla/5.0 zgrab/0.x"))
	if v.Outcome != Screened || v.Reason.Kind != screen.MaliciousUserAgent {
		t.Fatalf("expected user agent screen, got %+v", v)
	}
}

func TestAdmit_MissingIdentity(t *testing.T) {
	c, lim, _ := newTestCoordinator(t, ratelimit.NewConfig(10, time.Minute))

	v := c.Admit(Request{Path: "/.git/config"})
	if v.Outcome != PreconditionMissing {
		t.Fatalf("expected precondition missing, got %s", v.Outcome)
	}
	if lim.CacheSize() != 0 {
		t.Fatalf("missing identity must not touch the store")
	}
}

func TestAdmit_WithoutScreener(t *testing.T) {
	lim := memory.New(ratelimit.NewConfig(10, time.Minute))
	defer lim.Close()
	c := New(lim)

	if v := c.Admit(Request{Key: "k", Path: "/.git/config"}); v.Outcome != Allowed {
		t.Fatalf("expected allowed without screener, got %s", v.Outcome)
	}
}

func TestSettle(t *testing.T) {
	cfg := ratelimit.NewConfig(10, time.Minute).WithGracePeriod(0).WithCacheRefundRatio(0.5).WithErrorPenalty(2)

	tests := []struct {
		status int
		want   Adjustment
		tokens float64
	}{
		{http.StatusOK, NoAdjustment, 9},
		{http.StatusNotModified, Refund, 9.5},
		{http.StatusNotFound, Penalty, 7},
		{http.StatusInternalServerError, Penalty, 7},
		{http.StatusMovedPermanently, NoAdjustment, 9},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c, lim, rec := newTestCoordinator(t, cfg)
			c.Admit(req("k", "/", "ua"))

			if got := c.Settle("k", tt.status); got != tt.want {
				t.Fatalf("adjustment=%v, want %v", got, tt.want)
			}
			if tokens, _ := lim.Tokens("k"); tokens != tt.tokens {
				t.Fatalf("tokens=%v, want %v", tokens, tt.tokens)
			}
			if rec.refunds+len(rec.penalties) > 1 {
				t.Fatalf("more than one adjustment applied")
			}
		})
	}
}

func TestSettle_PenaltyLeadsToDenial(t *testing.T) {
	c, _, _ := newTestCoordinator(t, ratelimit.NewConfig(4, time.Minute).WithGracePeriod(0).WithErrorPenalty(2))

	c.Admit(req("k", "/missing", "ua"))
	c.Settle("k", http.StatusNotFound)
	if v := c.Admit(req("k", "/", "ua")); v.Outcome != Allowed {
		t.Fatalf("expected one more allowed request, got %s", v.Outcome)
	}
	if v := c.Admit(req("k", "/", "ua")); v.Outcome != RateLimited {
		t.Fatalf("expected the penalty to exhaust the bucket, got %s", v.Outcome)
	}
}

func TestOutcome_String(t *testing.T) {
	for o, want := range map[Outcome]string{
		Allowed:             "allowed",
		RateLimited:         "rate_limited",
		Screened:            "screened",
		PreconditionMissing: "precondition_missing",
	} {
		if o.String() != want {
			t.Fatalf("%d: got %q", o, o.String())
		}
	}
}

func TestRecentAction_DefaultsToNone(t *testing.T) {
	c, _, _ := newTestCoordinator(t, ratelimit.NewConfig(10, time.Minute))

	ok, err := c.RecentAction(context.Background(), "10.0.0.1", "login", time.Minute)
	if ok || err != nil {
		t.Fatalf("expected no recent action, got %v, %v", ok, err)
	}
}

func TestRecentAction_DelegatesToChecker(t *testing.T) {
	lim := memory.New(ratelimit.NewConfig(10, time.Minute))
	defer lim.Close()

	var gotKey, gotAction string
	var gotWithin time.Duration
	checker := ratelimit.ActionCheckerFunc(func(_ context.Context, key, action string, within time.Duration) (bool, error) {
		gotKey, gotAction, gotWithin = key, action, within
		return action == "login", nil
	})
	c := New(lim, WithActionChecker(checker))

	ok, err := c.RecentAction(context.Background(), "10.0.0.2", "login", 5*time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected recent login, got %v, %v", ok, err)
	}
	if gotKey != "10.0.0.2" || gotAction != "login" || gotWithin != 5*time.Minute {
		t.Fatalf("unexpected call key=%q action=%q within=%s", gotKey, gotAction, gotWithin)
	}
	if ok, _ := c.RecentAction(context.Background(), "", "login", time.Minute); ok {
		t.Fatalf("empty key must report no action")
	}
}

func TestRecentAction_WrapsCheckerError(t *testing.T) {
	lim := memory.New(ratelimit.NewConfig(10, time.Minute))
	defer lim.Close()

	errDown := errors.New("store unavailable")
	c := New(lim, WithActionChecker(ratelimit.ActionCheckerFunc(func(context.Context, string, string, time.Duration) (bool, error) {
		return true, errDown
	})))

	ok, err := c.RecentAction(context.Background(), "10.0.0.3", "captcha", time.Minute)
	if ok || !errors.Is(err, errDown) {
		t.Fatalf("expected wrapped error and false, got %v, %v", ok, err)
	}
}
