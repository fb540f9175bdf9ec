package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LogObserver writes every block event as a warning.
type LogObserver struct {
	Log zerolog.Logger
}

func (o LogObserver) OnBlocked(_ context.Context, ev ratelimit.BlockEvent) {
	o.Log.Warn().
		Str("event_id", ev.ID.String()).
		Str("key", ev.Key).
		Str("path", ev.Path).
		Str("reason", ev.Reason).
		Time("blocked_until", ev.BlockedUntil).
		Msg("client blocked")
}

// Multi fans an event out to every observer in order.
type Multi []ratelimit.BlockObserver

func (m Multi) OnBlocked(ctx context.Context, ev ratelimit.BlockEvent) {
	for _, o := range m {
		if o != nil {
			o.OnBlocked(ctx, ev)
		}
	}
}

// Publisher is the part of a redis client RedisObserver needs.
// *redis.Client and *redis.ClusterClient satisfy it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisObserver publishes block events as JSON on a redis channel so that
// other processes (firewall updaters, alerting) can subscribe.
type RedisObserver struct {
	rdb     Publisher
	channel string
	timeout time.Duration
	log     zerolog.Logger
}

func NewRedisObserver(rdb Publisher, channel string, timeout time.Duration, log zerolog.Logger) *RedisObserver {
	if channel == "" {
		channel = "gateguard:blocks"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisObserver{rdb: rdb, channel: channel, timeout: timeout, log: log}
}

func (o *RedisObserver) OnBlocked(ctx context.Context, ev ratelimit.BlockEvent) {
	if o == nil || o.rdb == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		o.log.Error().Err(err).Str("key", ev.Key).Msg("encode block event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if err := o.rdb.Publish(ctx, o.channel, b).Err(); err != nil {
		o.log.Warn().Err(err).Str("channel", o.channel).Str("key", ev.Key).Msg("publish block event")
	}
}
