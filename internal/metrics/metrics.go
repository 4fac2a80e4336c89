package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the zen engine.
type Metrics struct {
	BarsTotal        *prometheus.CounterVec // labels: freq
	RevisionsTotal   prometheus.Counter
	StrokesConfirmed prometheus.Counter
	StrokesRetracted prometheus.Counter
	DivergencesTotal *prometheus.CounterVec // labels: kind
	InvariantErrors  prometheus.Counter
	RejectedBars     prometheus.Counter
	IngestDur        prometheus.Histogram

	// Subscription lifecycle
	Resubscriptions *prometheus.CounterVec // labels: reason
	BackfillDur     prometheus.Histogram
	BackfillBars    prometheus.Counter
	FeedErrors      prometheus.Counter
	StaleStreams    prometheus.Gauge

	// Publishing
	RedisWriteDur            prometheus.Histogram
	SQLiteCommitDur          prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
	AlertsSent               *prometheus.CounterVec // labels: channel
	AlertsSuppressed         prometheus.Counter

	// Gateway
	WSClients     prometheus.Gauge
	WSDropsTotal  prometheus.Counter
	APIRequestDur *prometheus.HistogramVec // labels: route
}

// NewMetrics creates every metric and registers it with reg.
// A nil reg registers with the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		BarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zen_bars_total",
			Help: "Bars ingested by the engine (by frequency)",
		}, []string{"freq"}),
		RevisionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zen_revisions_total",
			Help: "Bars that revised the still-forming period",
		}),
		StrokesConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zen_strokes_confirmed_total",
			Help: "Strokes confirmed",
		}),
		StrokesRetracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zen_strokes_retracted_total",
			Help: "Strokes retracted by a later extreme",
		}),
		DivergencesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zen_divergences_total",
			Help: "Divergence records logged (by kind)",
		}, []string{"kind"}),
		InvariantErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zen_invariant_errors_total",
			Help: "Fractal alternation violations detected",
		}),
		RejectedBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zen_rejected_bars_total",
			Help: "Bars rejected as invalid or out of order",
		}),
		IngestDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zen_ingest_duration_seconds",
			Help:    "Engine ingest latency per bar",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}),

		Resubscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zen_resubscriptions_total",
			Help: "Stream resubscriptions (by reason)",
		}, []string{"reason"}),
		BackfillDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zen_backfill_duration_seconds",
			Help:    "History fetch plus replay latency",
			Buckets: prometheus.DefBuckets,
		}),
		BackfillBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zen_backfill_bars_total",
			Help: "Bars replayed from history",
		}),
		FeedErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zen_feed_errors_total",
			Help: "Live feed read errors",
		}),
		StaleStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zen_stale_streams",
			Help: "Streams waiting for a resubscription",
		}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zen_redis_write_duration_seconds",
			Help:    "Redis publish latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zen_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zen_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zen_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zen_redis_buffered_writes_total",
			Help: "Writes buffered locally during Redis circuit breaker open state",
		}),
		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zen_alerts_sent_total",
			Help: "Divergence alerts delivered (by channel)",
		}, []string{"channel"}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zen_alerts_suppressed_total",
			Help: "Alerts dropped by the dedup/realtime policy",
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zen_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		WSDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zen_ws_drops_total",
			Help: "Messages dropped for slow WebSocket clients",
		}),
		APIRequestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zen_api_request_duration_seconds",
			Help:    "HTTP API latency (by route)",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.BarsTotal,
		m.RevisionsTotal,
		m.StrokesConfirmed,
		m.StrokesRetracted,
		m.DivergencesTotal,
		m.InvariantErrors,
		m.RejectedBars,
		m.IngestDur,
		m.Resubscriptions,
		m.BackfillDur,
		m.BackfillBars,
		m.FeedErrors,
		m.StaleStreams,
		m.RedisWriteDur,
		m.SQLiteCommitDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.AlertsSent,
		m.AlertsSuppressed,
		m.WSClients,
		m.WSDropsTotal,
		m.APIRequestDur,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastBarTime    time.Time `json:"last_bar_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	Streams        int       `json:"streams"`
	StaleStreams   []string  `json:"stale_streams"`

	// Liveness check results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastBarTime(t time.Time) {
	h.mu.Lock()
	if t.After(h.LastBarTime) {
		h.LastBarTime = t
	}
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// SetStreams records the subscribed stream count and which of them are stale.
func (h *HealthStatus) SetStreams(total int, stale []string) {
	h.mu.Lock()
	h.Streams = total
	h.StaleStreams = stale
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either client may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(checkCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(checkCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.FeedConnected || !h.SQLiteOK || len(h.StaleStreams) > 0 {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.FeedConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	barAge := ""
	if !h.LastBarTime.IsZero() {
		barAge = time.Since(h.LastBarTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		FeedConnected   bool     `json:"feed_connected"`
		LastBarTime     string   `json:"last_bar_time"`
		BarAge          string   `json:"bar_age"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		Streams         int      `json:"streams"`
		StaleStreams    []string `json:"stale_streams"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastBarTime:     h.LastBarTime.Format(time.RFC3339),
		BarAge:          barAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Streams:         h.Streams,
		StaleStreams:    h.StaleStreams,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
