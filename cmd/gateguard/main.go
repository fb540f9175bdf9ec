package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlexKimmel/GateGuard/internal/admission"
	"github.com/AlexKimmel/GateGuard/internal/config"
	"github.com/AlexKimmel/GateGuard/internal/gateway"
	"github.com/AlexKimmel/GateGuard/internal/identity"
	"github.com/AlexKimmel/GateGuard/internal/notify"
	"github.com/AlexKimmel/GateGuard/internal/obs"
	"github.com/AlexKimmel/GateGuard/internal/proxy"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit/memory"
	"github.com/AlexKimmel/GateGuard/internal/routing"
	"github.com/AlexKimmel/GateGuard/internal/screen"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := obs.SetupLogger("info")
		boot.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Msg("Setup logger")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// block notifications
	observers := notify.Multi{notify.LogObserver{Log: logger}}
	var rdb *redis.Client
	if cfg.Notify.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Notify.RedisAddr,
			Password: cfg.Notify.RedisPassword,
			DB:       cfg.Notify.RedisDB,
		})
		observers = append(observers, notify.NewRedisObserver(rdb, cfg.Notify.RedisChannel, cfg.Notify.PublishTimeout(), logger))
		logger.Info().Str("addr", cfg.Notify.RedisAddr).Str("channel", cfg.Notify.RedisChannel).Msg("publishing block events to redis")
	}
	queue := notify.NewQueue(observers,
		notify.WithSize(cfg.Notify.QueueSize),
		notify.WithWorkers(cfg.Notify.Workers),
		notify.WithLogger(logger),
	)

	// limiter + screening
	rlCfg := cfg.Limits.RateLimit()
	limiter := memory.New(rlCfg, memory.WithLogger(logger), memory.WithObserver(queue))
	limiter.StartSweeper(ctx, cfg.Limits.SweepInterval())

	screener, err := screen.New(cfg.Screening)
	if err != nil {
		logger.Fatal().Err(err).Msg("compile screening patterns")
	}
	paths, uas := screener.Len()
	logger.Info().
		Int("rate_limit_per_period", rlCfg.RateLimitPerPeriod).
		Dur("period", rlCfg.Period).
		Dur("block_duration", rlCfg.BlockDuration).
		Int("path_patterns", paths).
		Int("user_agent_patterns", uas).
		Msg("admission configured")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)
	metrics.WatchCache(limiter)
	metrics.WatchDropped(queue.Dropped)

	coord := admission.New(limiter,
		admission.WithScreener(screener),
		admission.WithRecorder(metrics),
		admission.WithLogger(logger),
	)

	router, err := buildRouter(cfg.Routes)
	if err != nil {
		logger.Fatal().Err(err).Msg("build routes")
	}

	skip := map[string]struct{}{
		"/health":                        {},
		"/version":                       {},
		cfg.Observability.PrometheusPath: {},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("v.0.1.0"))
	})
	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", gateway.Chain(
		proxy.Handler(proxy.NewHTTPTransport(), logger),
		gateway.RouteMatcher(router, skip, logger),
	))

	resolver := identity.Resolver{
		TrustForwardedFor: cfg.Identity.TrustForwardedFor,
		Header:            cfg.Identity.Header,
	}

	handler := gateway.Chain(
		mux,
		obs.Logger(logger),
		metrics.Middleware(skip),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		resolver.Middleware(),
		gateway.Admission(coord, skip, logger),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	// start
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	shutdown(logger, srv, limiter, queue, rdb)
}

func buildRouter(routes []config.Routes) (*routing.Router, error) {
	rr := routing.New()
	for _, r := range routes {
		rt, err := routing.NewRoute(r.ID, r.Match.PathPrefix, r.Match.Methods, r.Upstream.URL,
			time.Duration(r.Upstream.TimeoutMS)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		rr.Add(rt)
	}
	return rr, nil
}

func shutdown(logger zerolog.Logger, srv *http.Server, limiter ratelimit.Limiter, queue *notify.Queue, rdb *redis.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	_ = limiter.Close()
	_ = queue.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
	if n := queue.Dropped(); n > 0 {
		logger.Warn().Uint64("dropped", n).Msg("block notifications dropped during run")
	}
	logger.Info().Msg("bye")
}
