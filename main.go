package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/bemcculley/auto-merge/admin"
	"github.com/bemcculley/auto-merge/audit"
	"github.com/bemcculley/auto-merge/config"
	"github.com/bemcculley/auto-merge/githubapi"
	"github.com/bemcculley/auto-merge/opsstream"
	"github.com/bemcculley/auto-merge/pipeline"
	"github.com/bemcculley/auto-merge/queue"
	"github.com/bemcculley/auto-merge/scheduler"
	"github.com/bemcculley/auto-merge/webhook"
)

// redisBackend adapts a raw *redis.Client to webhook.Backend, so delivery
// idempotency shares the same Redis instance as the DQS without the queue
// package having to expose its internal client.
type redisBackend struct {
	client *redis.Client
}

func (b redisBackend) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, "1", ttl).Result()
}

// storeReadiness reports the service ready when a ListReposWithWork call
// against the DQS succeeds within two seconds; every Ready call probes
// afresh, and the API facade is not probed. Good enough for GET /readyz: a webhook
// accepted before the store is reachable would just enqueue-fail and still
// 202, but routing traffic before then wastes the attempt.
type storeReadiness struct {
	store queue.Store
}

func (r *storeReadiness) Ready() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.store.ListReposWithWork(ctx)
	return err == nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := queue.NewRedisStore(ctx, cfg.RedisAddr, "", 0, cfg.RedisNS)
	if err != nil {
		log.Fatalf("queue: connecting to redis: %v", err)
	}
	log.Printf("connected to durable queue store at %s (namespace=%s)", cfg.RedisAddr, cfg.RedisNS)

	backpressureCfg := scheduler.BackpressureConfig{
		MinRemaining:    cfg.RateLimitMinRemaining,
		CooldownSeconds: cfg.RateLimitCooldownSecs,
		JitterSeconds:   cfg.RateLimitJitterSecs,
		MaxBackoff:      time.Duration(cfg.MaxBackoffSeconds) * time.Second,
	}
	rateObserver := &scheduler.RateLimitObserver{Store: store, Config: backpressureCfg}

	auth, err := githubapi.NewAppAuthenticator(cfg.AppID, cfg.PrivateKeyPath, cfg.APIBaseURL)
	if err != nil {
		log.Fatalf("githubapi: building app authenticator: %v", err)
	}
	apiClient := githubapi.NewClient(auth, cfg.APIBaseURL, rateObserver.Observe)

	var auditWriter pipeline.AuditWriter
	if cfg.PostgresDSN != "" {
		w, err := audit.NewWriter(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("audit: connecting to postgres: %v", err)
		}
		defer w.Close()
		auditWriter = w
	} else {
		log.Printf("audit: POSTGRES_DSN unset, merge attempts will not be durably recorded")
	}

	runner := &pipeline.Runner{
		API:   apiClient,
		Store: store,
		Audit: auditWriter,
		Config: pipeline.Config{
			LeaseTTL:          cfg.LeaseTTL,
			HeartbeatInterval: cfg.HeartbeatInterval,
		},
	}

	hub := opsstream.NewHub()
	go hub.Run(ctx)

	sched := &scheduler.Scheduler{
		Store:  store,
		Runner: runner,
		Gate:   scheduler.NewInstallationGate(cfg.InstallationRatePerSec, cfg.InstallationBurst),
		Events: hub,
		Config: scheduler.Config{
			Workers:           cfg.Workers,
			LeaseTTL:          cfg.LeaseTTL,
			HeartbeatInterval: cfg.HeartbeatInterval,
			MaxRetries:        cfg.MaxRetries,
			StarvationWindow:  cfg.StarvationWindow,
			IdleSleep:         cfg.IdleSleep,
			IdleJitter:        cfg.IdleJitter,
			Backpressure:      backpressureCfg,
		},
	}
	go sched.Run(ctx)

	monitor := scheduler.NewQueueMonitor(store, 15*time.Second)
	monitor.Start(ctx)

	deliveryBackend := redisBackend{client: redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})}
	webhookHandler := &webhook.Handler{
		Secret:     []byte(cfg.WebhookSecret),
		Store:      store,
		Deliveries: webhook.NewRedisDeliveryStore(deliveryBackend, cfg.RedisNS),
		Readiness:  &storeReadiness{store: store},
	}
	adminHandler := &admin.Handler{Store: store}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", webhookHandler.ServeWebhook)
	mux.HandleFunc("GET /healthz", webhookHandler.ServeHealthz)
	mux.HandleFunc("GET /readyz", webhookHandler.ServeReadyz)
	mux.HandleFunc("GET /ws/events", hub.ServeEvents)
	mux.HandleFunc("GET /admin/dlq", adminHandler.ServeList)
	mux.HandleFunc("POST /admin/dlq/replay", adminHandler.ServeReplay)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http: shutdown: %v", err)
	}
}
