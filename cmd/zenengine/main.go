// cmd/zenengine runs the live analysis service: per-stream backfill and live
// Redis bar feeds, snapshot and divergence publishing, alerts, and the
// HTTP/WebSocket query API.
//
// Usage:
//
//	go run ./cmd/zenengine --config=config.yaml
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"zen-engine/config"
	"zen-engine/internal/gateway"
	"zen-engine/internal/history"
	"zen-engine/internal/logger"
	"zen-engine/internal/metrics"
	"zen-engine/internal/model"
	"zen-engine/internal/notification"
	redisstore "zen-engine/internal/store/redis"
	sqlitestore "zen-engine/internal/store/sqlite"
	"zen-engine/internal/stream"
	"zen-engine/internal/zenengine"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfgPath := flag.String("config", "config.yaml", "Path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("[zenengine] config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[zenengine] invalid config: %v", err)
	}
	settings, err := cfg.Settings()
	if err != nil {
		log.Fatalf("[zenengine] analysis settings: %v", err)
	}
	slogger := logger.Init("zenengine", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[zenengine] shutdown signal received")
		cancel()
	}()

	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()

	// ---- SQLite: bar history + divergence audit trail ----
	store, err := sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[zenengine] sqlite: %v", err)
	}
	defer store.Close()
	store.OnCommit = func(_ int, seconds float64) { prom.SQLiteCommitDur.Observe(seconds) }
	health.SetSQLiteOK(true)

	barCh := make(chan model.Bar, 5000)
	go store.Run(ctx, barCh)

	// ---- Redis: live feed + downstream publishing (optional) ----
	var (
		rdb       *goredis.Client
		feed      zenengine.LiveFeed
		reader    *redisstore.Reader
		redisSink model.SignalPublisher
	)
	writer, err := redisstore.New(redisstore.WriterConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		BarPrefix: cfg.Redis.BarStreamPrefix,
	})
	if err != nil {
		log.Printf("[zenengine] WARNING: redis unavailable (%v), running without live feed", err)
	} else {
		defer writer.Close()
		rdb = writer.Client()
		reader = redisstore.NewReaderFromClient(rdb, cfg.Redis.BarStreamPrefix)
		feed = reader
		health.SetRedisConnected(true)

		cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.RedisCircuitBreakerTrips.Inc()
			}
			log.Printf("[zenengine] redis circuit breaker %s -> %s", from, to)
		}
		bw := redisstore.NewBufferedWriter(ctx, writer, cb, 0)
		bw.OnBuffer = prom.RedisBufferedWrites.Inc
		redisSink = bw
	}

	// ---- History source for backfill ----
	fetcher, closeFetcher, err := buildFetcher(cfg, store, reader)
	if err != nil {
		log.Fatalf("[zenengine] backfill source: %v", err)
	}
	defer closeFetcher()

	// ---- Alerts ----
	notifier := notification.NewMulti(notification.NewLogNotifier())
	if cfg.Notification.WebhookURL != "" {
		notifier.Add(notification.NewWebhookNotifier(cfg.Notification.WebhookURL))
	}
	if cfg.Notification.TelegramToken != "" {
		notifier.Add(notification.NewTelegramNotifier(cfg.Notification.TelegramToken, cfg.Notification.TelegramChatID))
	}
	notifier.OnSent = func(channel string) { prom.AlertsSent.WithLabelValues(channel).Inc() }
	log.Printf("[zenengine] alerts fan out to %d notifiers", notifier.Len())
	policy := notification.NewPolicy(cfg.Notification.RealtimeWindow, cfg.Notification.IncludeTentative, notification.DefaultDedupSize)
	policy.OnSuppressed = prom.AlertsSuppressed.Inc

	// ---- Streams, hub and publishing ----
	registry, err := stream.NewRegistry(stream.Options{
		Settings:   settings,
		SMAPeriods: cfg.Analysis.SMAPeriods,
		Logger:     slogger,
	})
	if err != nil {
		log.Fatalf("[zenengine] registry: %v", err)
	}

	hub := gateway.NewHub()
	hub.OnClientsChanged = func(n int) { prom.WSClients.Set(float64(n)) }
	hub.OnDrop = prom.WSDropsTotal.Inc

	targets := []zenengine.Target{{Name: "hub", Publisher: gateway.NewHubPublisher(hub)}}
	if redisSink != nil {
		targets = append(targets, zenengine.Target{Name: "redis", Publisher: redisSink})
	}
	publisher := zenengine.NewFanout(targets...)
	publisher.OnPublish = func(name string, seconds float64) {
		if name == "redis" {
			prom.RedisWriteDur.Observe(seconds)
		}
	}

	svc, err := zenengine.New(zenengine.Config{
		Streams:         cfg.StreamKeys(),
		BackfillBars:    cfg.Backfill.Bars,
		BackfillTimeout: cfg.Backfill.Timeout,
		ResyncCron:      cfg.ResyncCron,
	}, zenengine.Deps{
		Registry:    registry,
		Feed:        feed,
		History:     fetcher,
		Publisher:   publisher,
		Divergences: store,
		BarSink:     barCh,
		Notifier:    notifier,
		Policy:      policy,
		Metrics:     prom,
		Health:      health,
		Logger:      slogger,
	})
	if err != nil {
		log.Fatalf("[zenengine] init failed: %v", err)
	}

	// ---- Metrics / health server ----
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()
	health.StartLivenessChecker(ctx, rdb, store.DB(), 10*time.Second)

	// ---- API + WebSocket server ----
	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, gateway.API{
		Hub:          hub,
		Streams:      registry,
		Divergences:  store,
		Resubscriber: svc,
		OnRequest: func(route string, seconds float64) {
			prom.APIRequestDur.WithLabelValues(route).Observe(seconds)
		},
	})
	apiSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("[zenengine] API listening on %s", cfg.HTTPAddr)
		if err := apiSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[zenengine] API server error: %v", err)
		}
	}()

	log.Printf("[zenengine] streams=%d backfill=%s/%d resync=%q", len(cfg.StreamKeys()), cfg.Backfill.Source, cfg.Backfill.Bars, cfg.ResyncCron)
	if err := svc.Run(ctx); err != nil {
		log.Printf("[zenengine] fatal: %v", err)
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	apiSrv.Shutdown(shutCtx)
	metricsSrv.Stop(shutCtx)
	log.Println("[zenengine] shutdown complete.")
}

// buildFetcher returns the configured backfill source and its cleanup.
// Broker and public sources are recorded into SQLite as they are fetched.
func buildFetcher(cfg *config.Config, store *sqlitestore.Store, reader *redisstore.Reader) (history.Fetcher, func(), error) {
	noop := func() {}
	switch cfg.Backfill.Source {
	case "sqlite":
		return history.NewStoreFetcher("sqlite", store), noop, nil
	case "redis":
		if reader == nil {
			log.Println("[zenengine] WARNING: redis backfill requested but redis is unavailable")
			return nil, noop, nil
		}
		return history.NewStoreFetcher("redis", reader), noop, nil
	case "longport":
		lp, err := history.NewLongportFetcher(cfg.Longport.AppKey, cfg.Longport.AppSecret, cfg.Longport.AccessToken)
		if err != nil {
			return nil, noop, err
		}
		return history.NewRecording(lp, store), lp.Close, nil
	case "yahoo":
		return history.NewRecording(history.NewYahooFetcher(), store), noop, nil
	}
	return nil, noop, nil
}
