package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
	"github.com/AlexKimmel/GateGuard/internal/screen"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type Identity struct {
	TrustForwardedFor bool   `yaml:"trust_forwarded_for"`
	Header            string `yaml:"header"`
}

type Limits struct {
	RateLimitPerPeriod int      `yaml:"rate_limit_per_period"`
	PeriodSec          int      `yaml:"period_sec"`
	BlockDurationSec   int      `yaml:"block_duration_sec"`
	GracePeriodSec     *int     `yaml:"grace_period_sec"` // nil means default, 0 disables
	CacheRefundRatio   *float64 `yaml:"cache_refund_ratio"`
	ErrorPenaltyTokens *float64 `yaml:"error_penalty_tokens"`
	SweepIntervalSec   int      `yaml:"sweep_interval_sec"`
}

type Notify struct {
	QueueSize        int    `yaml:"queue_size"`
	Workers          int    `yaml:"workers"`
	RedisAddr        string `yaml:"redis_addr"` // empty disables redis publishing
	RedisPassword    string `yaml:"redis_password"`
	RedisDB          int    `yaml:"redis_db"`
	RedisChannel     string `yaml:"redis_channel"`
	PublishTimeoutMS int    `yaml:"publish_timeout_ms"`
}

type Routes struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Identity      Identity      `yaml:"identity"`
	Limits        Limits        `yaml:"limits"`
	Screening     screen.Config `yaml:"screening"`
	Notify        Notify        `yaml:"notify"`
	Routes        []Routes      `yaml:"routes"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

// RateLimit converts the limits section. Unset fields keep their defaults;
// ratios and penalties out of range are clamped.
func (l Limits) RateLimit() ratelimit.Config {
	c := ratelimit.DefaultConfig()
	c.RateLimitPerPeriod = l.RateLimitPerPeriod
	c.Period = time.Duration(l.PeriodSec) * time.Second
	c.BlockDuration = time.Duration(l.BlockDurationSec) * time.Second
	if l.GracePeriodSec != nil {
		c = c.WithGracePeriod(time.Duration(*l.GracePeriodSec) * time.Second)
	}
	if l.CacheRefundRatio != nil {
		c = c.WithCacheRefundRatio(*l.CacheRefundRatio)
	}
	if l.ErrorPenaltyTokens != nil {
		c = c.WithErrorPenalty(*l.ErrorPenaltyTokens)
	}
	return c.Normalize()
}

func (l Limits) SweepInterval() time.Duration {
	if l.SweepIntervalSec <= 0 {
		return time.Minute
	}
	return time.Duration(l.SweepIntervalSec) * time.Second
}

func (n Notify) PublishTimeout() time.Duration {
	if n.PublishTimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(n.PublishTimeoutMS) * time.Millisecond
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for i := range cfg.Routes {
		if cfg.Routes[i].Upstream.TimeoutMS <= 0 {
			cfg.Routes[i].Upstream.TimeoutMS = 3000
		}
		if cfg.Routes[i].Upstream.URL == "" {
			return nil, fmt.Errorf("route %d (%q): upstream url is required", i, cfg.Routes[i].ID)
		}
		if cfg.Routes[i].ID == "" {
			cfg.Routes[i].ID = fmt.Sprintf("route-%d", i)
		}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = 256
	}
	if cfg.Notify.Workers <= 0 {
		cfg.Notify.Workers = 1
	}
	if cfg.Notify.RedisChannel == "" {
		cfg.Notify.RedisChannel = "gateguard:blocks"
	}
	if len(cfg.Routes) == 0 {
		return nil, errors.New("config: at least one route is required")
	}

	return &cfg, nil
}
