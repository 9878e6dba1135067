// Command server runs the support broker: webhook ingress, the message
// coordinator worker pool, and the operator admin/dashboard surface.
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/supportbroker/internal/admin"
	"github.com/ashureev/supportbroker/internal/botapi"
	"github.com/ashureev/supportbroker/internal/cache"
	"github.com/ashureev/supportbroker/internal/circuitbreaker"
	"github.com/ashureev/supportbroker/internal/config"
	"github.com/ashureev/supportbroker/internal/conversation"
	"github.com/ashureev/supportbroker/internal/coordinator"
	"github.com/ashureev/supportbroker/internal/domain"
	"github.com/ashureev/supportbroker/internal/failover"
	"github.com/ashureev/supportbroker/internal/fleet"
	"github.com/ashureev/supportbroker/internal/kv"
	"github.com/ashureev/supportbroker/internal/middleware"
	"github.com/ashureev/supportbroker/internal/notify"
	"github.com/ashureev/supportbroker/internal/queue"
	"github.com/ashureev/supportbroker/internal/ratelimit"
	"github.com/ashureev/supportbroker/internal/store"
	"github.com/ashureev/supportbroker/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("starting support broker", "listen_addr", cfg.ListenAddr, "admin_addr", cfg.AdminAddr, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected", "path", cfg.DBPath)

	var kvStore kv.Store
	localKV := true
	if cfg.RedisURL != "" {
		redisStore, err := kv.NewRedis(cfg.RedisURL)
		if err == nil {
			err = redisStore.Ping(context.Background())
		}
		if err != nil {
			slog.Warn("redis unreachable, falling back to in-process kv store", "error", err)
		} else {
			kvStore = redisStore
			localKV = false
			slog.Info("redis-backed kv store connected")
		}
	}
	if kvStore == nil {
		kvStore = kv.NewLocal()
		slog.Info("using in-process kv store (set REDIS_URL to share state across replicas)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	convCache := cache.New(4096, 5*time.Minute, logger)
	go convCache.RunSweeper(ctx, time.Minute)

	// BOT_FAILURE_THRESHOLD feeds both the circuit breaker's (C2) independent
	// trip point and the failover manager's (C5) consecutive-failure
	// threshold below — they are distinct concepts that happen to share one
	// operator-tunable default, each wired into its own config explicitly.
	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.FailureThreshold = cfg.Failover.FailureThreshold
	breakers := circuitbreaker.NewRegistry(breakerCfg, logger)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	apiClient := botapi.New(cfg.BotAPIBaseURL, httpClient, logger)

	botSpecs := make([]domain.BotConfig, 0, len(cfg.Bots))
	for _, b := range cfg.Bots {
		botSpecs = append(botSpecs, domain.BotConfig{
			ID:                b.ID,
			Token:             b.Token,
			Name:              b.Name,
			Priority:          b.Priority,
			MaxRequestsPerMin: b.MaxRequestsPerMin,
			Enabled:           b.Enabled,
		})
	}
	fl := fleet.New(botSpecs, apiClient, breakers, logger)
	go fl.RunHealthChecks(ctx, cfg.Failover.RecoveryCheckInterval)

	fo := failover.New(fl, failover.Config{
		SuppressionWindow: 60 * time.Second,
		RecoveryInterval:  cfg.Failover.RecoveryCheckInterval,
		FailureThreshold:  cfg.Failover.FailureThreshold,
	}, logger)

	limiter := ratelimit.New(kvStore, localKV, ratelimit.DefaultRules(), logger)
	notifier := notify.New(kvStore, time.Minute)

	q := queue.New(kvStore, logger)
	go q.RunStaleSweep(ctx, cfg.StaleSweepInterval)

	convMgr := conversation.New(repo, conversation.DefaultConfig(), logger).WithCache(convCache)

	adminUserIDs := make(map[string]struct{}, len(cfg.AdminUserIDs))
	for _, id := range cfg.AdminUserIDs {
		adminUserIDs[id] = struct{}{}
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		// Bots are not probed yet at startup, so enabled bots stand in for
		// healthy ones: two workers per enabled bot.
		workers = 0
		for _, b := range botSpecs {
			if b.Enabled {
				workers += 2
			}
		}
		if workers == 0 {
			workers = 1
		}
	}
	dispatcher := coordinator.NewHTTPDispatcher(apiClient, "forwardMessage")
	coord := coordinator.New(coordinator.Config{
		Workers:             workers,
		ProcessingDeadline:  cfg.ProcessingDeadline,
		StaleSweepInterval:  cfg.StaleSweepInterval,
		AdminUserIDs:        adminUserIDs,
		SupportGroupChatID:  cfg.SupportGroupID,
		AutoFailoverEnabled: cfg.Failover.AutoFailoverEnabled,
	}, q, fl, fo, kvStore, dispatcher, limiter, apiClient, logger)
	go coord.Run(ctx)

	webhookHandler := webhook.New(convMgr, coord, limiter, notifier, cfg.SupportGroupID, logger)
	adminService := admin.NewService(fl, q, breakers, fo, logger)
	dashboard := admin.NewDashboardHub(firstOrigin(cfg.AllowedOrigins), cfg.IsDevelopment(), logger)
	go dashboard.RunPush(ctx, cfg.DashboardPushInterval, func(ctx context.Context) (any, error) {
		return adminService.Snapshot(ctx)
	})

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	webhookHandler.Routes(r)
	adminService.Routes(r)
	r.Get("/admin/dashboard/ws", dashboard.ServeHTTP)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // dashboard websocket needs no write deadline
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped successfully")
}

func firstOrigin(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	return origins[0]
}
