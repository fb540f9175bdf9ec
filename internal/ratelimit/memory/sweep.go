package memory

import (
	"context"
	"time"
)

// Sweep drops entries that are neither blocked at now nor active within the
// retention window (twice the block duration). It returns how many were
// removed.
func (l *Limiter) Sweep(now time.Time) int {
	retention := l.cfg.RetentionWindow()
	before := l.store.Len()

	removed := l.store.evict(func(e *entry) bool {
		if e.blockedAt(now) {
			return false
		}
		return now.Sub(e.lastRefill) >= retention
	})

	if removed > 0 {
		l.log.Info().
			Int("removed", removed).
			Int("before", before).
			Int("after", l.store.Len()).
			Msg("swept rate limit entries")
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (l *Limiter) StartSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Sweep(l.now())
			}
		}
	}()
}
