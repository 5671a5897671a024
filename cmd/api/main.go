package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "drawing-mesh-pipeline/internal/api"
	"drawing-mesh-pipeline/internal/artifacts"
	"drawing-mesh-pipeline/internal/clock"
	"drawing-mesh-pipeline/internal/config"
	"drawing-mesh-pipeline/internal/imageproc"
	"drawing-mesh-pipeline/internal/logger"
	"drawing-mesh-pipeline/internal/pipeline"
	"drawing-mesh-pipeline/internal/poller"
	"drawing-mesh-pipeline/internal/queue"
	"drawing-mesh-pipeline/internal/ratelimit"
	"drawing-mesh-pipeline/internal/registry"
	"drawing-mesh-pipeline/internal/store"
	"drawing-mesh-pipeline/internal/telemetry"
	"drawing-mesh-pipeline/internal/tripo"
	"drawing-mesh-pipeline/internal/vision"
)

// drainTimeout bounds how long shutdown waits for in-flight pipelines.
const drainTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pipelines outlive the request that started them and are only cancelled
	// when draining at shutdown takes too long.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
	}

	var delivery queue.DeliveryQueue = queue.NewMemoryQueue()
	if cfg.DeliveryBackend == "redis" {
		delivery = queue.NewRedisQueueWithClient(redisClient, cfg.DeliveryQueueKey)
	}

	var auditStore *store.Store
	if cfg.PostgresDSN != "" {
		auditStore, err = store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer auditStore.Close()
		if _, err := auditStore.ApplySchema(ctx, log); err != nil {
			log.Error("apply audit schema", "error", err)
			os.Exit(1)
		}
	}

	var extractor pipeline.Extractor = vision.StaticExtractor{}
	if cfg.GeminiAPIKey != "" {
		gemini, err := vision.NewGeminiExtractor(ctx, log, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			log.Error("init vision extractor", "error", err)
			os.Exit(1)
		}
		extractor = gemini
	} else {
		log.Warn("GEMINI_API_KEY not set, design and name labels will be Unknown")
	}

	if cfg.TripoAPIKey == "" {
		log.Warn("TRIPO_API_KEY not set, mesh generation requests will be rejected upstream")
	}
	mesh := tripo.NewClient(cfg)
	jobPoller := poller.New(mesh,
		poller.WithLogger(log),
		poller.WithInterval(cfg.PollInterval),
		poller.WithMaxWait(cfg.PollMaxWait),
	)

	artifactStore, err := artifacts.NewStore(ctx, cfg)
	if err != nil {
		log.Error("init artifact store", "error", err)
		os.Exit(1)
	}

	reg := registry.New(clock.Real{})
	go reg.RunJanitor(ctx, cfg.SweepInterval, cfg.TaskTTL, func(n int) {
		if n > 0 {
			telemetry.TasksEvicted.Add(float64(n))
			log.Info("evicted finished tasks", "count", n)
		}
	})

	deps := pipeline.Deps{
		Tasks:       reg,
		Delivery:    delivery,
		Transformer: imageproc.New(imageproc.OptionsFromConfig(cfg)),
		Extractor:   extractor,
		Mesh:        mesh,
		Waiter:      jobPoller,
		Artifacts:   artifactStore,
		Logger:      log,
	}
	apiDeps := api.Deps{
		Tasks:          reg,
		Delivery:       delivery,
		Logger:         log,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}
	if auditStore != nil {
		deps.Audit = auditStore
		apiDeps.Audit = auditStore
	}
	if cfg.RateLimitEnabled {
		apiDeps.Limiter = ratelimit.NewSubmissionLimiter(redisClient, clock.Real{}, cfg.RateLimitCapacity, cfg.RateLimitRefill)
	}

	orchestrator, err := pipeline.New(runCtx, deps, pipeline.WithMaxWait(cfg.PollMaxWait))
	if err != nil {
		log.Error("init orchestrator", "error", err)
		os.Exit(1)
	}
	apiDeps.Submitter = orchestrator

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(apiDeps).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening",
		"port", cfg.HTTPPort,
		"delivery_backend", cfg.DeliveryBackend,
		"audit", auditStore != nil,
		"rate_limit", cfg.RateLimitEnabled)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	orchestrator.Close()

	drained := make(chan struct{})
	go func() {
		orchestrator.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		log.Warn("pipelines still running after drain timeout, cancelling")
		cancelRuns()
		<-drained
	}
}
