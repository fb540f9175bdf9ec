package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/AlexKimmel/GateGuard/internal/gateway"
	"github.com/AlexKimmel/GateGuard/internal/screen"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements admission.Recorder on top of prometheus collectors.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RateLimitedTotal *prometheus.CounterVec
	Blocks           prometheus.Counter
	ScreeningBlocks  *prometheus.CounterVec
	CacheRefunds     prometheus.Counter
	ErrorPenalties   *prometheus.CounterVec

	reg prometheus.Registerer
}

// CacheStats is polled on every scrape.
type CacheStats interface {
	CacheSize() int
	BlockedCount() int
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateguard_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateguard_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "code"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateguard_rate_limited_total",
				Help: "Total requests rejected due to rate limiting",
			},
			[]string{"state"},
		),
		Blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateguard_rate_limit_blocks_total",
			Help: "Total number of clients newly blocked by the rate limiter",
		}),
		ScreeningBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateguard_screening_blocks_total",
				Help: "Total requests blocked by malicious pattern screening",
			},
			[]string{"reason"},
		),
		CacheRefunds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateguard_cache_refunds_total",
			Help: "Total token refunds for 304 responses",
		}),
		ErrorPenalties: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateguard_error_penalties_total",
				Help: "Total token penalties for error responses",
			},
			[]string{"status"},
		),
		reg: reg,
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.RateLimitedTotal, m.Blocks,
		m.ScreeningBlocks, m.CacheRefunds, m.ErrorPenalties,
	)
	return m
}

// WatchCache registers gauges that read the limiter's store on scrape.
func (m *Metrics) WatchCache(src CacheStats) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateguard_rate_limit_cache_size",
			Help: "Current number of clients in the rate limit cache",
		}, func() float64 { return float64(src.CacheSize()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateguard_rate_limit_blocked_clients",
			Help: "Current number of blocked clients",
		}, func() float64 { return float64(src.BlockedCount()) }),
	)
}

// WatchDropped exposes a running count of discarded block notifications.
func (m *Metrics) WatchDropped(dropped func() uint64) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "gateguard_block_notifications_dropped_total",
		Help: "Block notifications discarded because the queue was full",
	}, func() float64 { return float64(dropped()) }))
}

// RateLimited counts a rejected request, and a new block when newlyBlocked.
func (m *Metrics) RateLimited(newlyBlocked bool) {
	if newlyBlocked {
		m.Blocks.Inc()
		m.RateLimitedTotal.WithLabelValues("new").Inc()
		return
	}
	m.RateLimitedTotal.WithLabelValues("blocked").Inc()
}

// Screened counts a screening block by reason kind.
func (m *Metrics) Screened(reason screen.Reason) {
	m.ScreeningBlocks.WithLabelValues(reason.Kind.String()).Inc()
}

// Refunded counts a 304 refund.
func (m *Metrics) Refunded() { m.CacheRefunds.Inc() }

// Penalized counts an error penalty by response status.
func (m *Metrics) Penalized(status int) {
	m.ErrorPenalties.WithLabelValues(strconv.Itoa(status)).Inc()
}

// Middleware records per-request metrics.
func (m *Metrics) Middleware(skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := gateway.NewStatusRecorder(w)

			next.ServeHTTP(rec, r)

			code := strconv.Itoa(rec.Status())
			m.RequestDuration.WithLabelValues(r.Method, code).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(r.Method, code).Inc()
		})
	}
}
