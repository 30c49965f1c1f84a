package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notecollab/internal/core/ports"
	"notecollab/internal/core/services"
	httphandlers "notecollab/internal/handlers/http"
	"notecollab/internal/infrastructure/distributed"
	"notecollab/internal/infrastructure/middleware"
	"notecollab/internal/infrastructure/monitoring"
	"notecollab/internal/infrastructure/repositories"
	redisrepo "notecollab/internal/infrastructure/repositories/redis"
	wsserver "notecollab/internal/infrastructure/signal"
	"notecollab/pkg/circuitbreaker"
	"notecollab/pkg/config"
	dlock "notecollab/pkg/distributed"
	"notecollab/pkg/logger"
	"notecollab/pkg/retry"
	"notecollab/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("COLLAB_CONFIG"), "path to the YAML configuration file (default "+config.DefaultPath+", optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "notecollab: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, log); err != nil {
		log.Errorw("Server exited with error", "error", err)
		_ = zapLogger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "notecollab",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Server.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	store, err := repositories.NewStore(startupCtx, cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	var (
		redisClient *goredis.Client
		locks       *dlock.LockManager
	)
	if cfg.Redis.Enabled {
		redisClient, err = redisrepo.NewRedisClient(startupCtx, cfg, log)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisrepo.CloseRedisClient(redisClient)
		locks = dlock.NewLockManager(redisClient, "labnote:persist:", cfg.Persistence.LockTTL)
	} else {
		log.Warn("Redis disabled; concurrent instances may overwrite each other's saves")
	}

	collector := monitoring.NewPrometheusCollector()
	hub := services.NewRevocationHub()

	permissions := services.NewPermissionService(store.Access, hub, services.PermissionServiceConfig{
		CacheTTL:      cfg.Permissions.CacheTTL,
		LookupTimeout: cfg.Persistence.OperationLimit,
		Breaker:       circuitbreaker.DefaultConfig(),
	}, collector, log)
	defer permissions.Stop()

	durability := services.NewDurabilityService(store.States, store.Documents, locks, services.DurabilityConfig{
		OperationTimeout: cfg.Persistence.OperationLimit,
		Breaker:          circuitbreaker.DefaultConfig(),
	}, collector, log)

	flushRetry := retry.DefaultConfig()
	flushRetry.MaxAttempts = cfg.Persistence.FlushAttempts
	flushRetry.Enabled = cfg.Persistence.FlushAttempts > 0

	sessionCfg := services.DefaultSessionManagerConfig()
	sessionCfg.PersistInterval = cfg.Persistence.Interval
	sessionCfg.IdleTimeout = cfg.Persistence.IdleTimeout
	sessionCfg.MaxConnectionsPerUser = cfg.Limits.MaxConnectionsPerUser
	sessionCfg.MaxDocumentsPerUser = cfg.Limits.MaxDocumentsPerUser
	sessionCfg.MaxDocumentSizeBytes = cfg.Limits.MaxDocumentSizeBytes
	sessionCfg.FlushRetry = flushRetry
	sessions := services.NewSessionManager(durability, hub, sessionCfg, collector, log)

	dispatcher := services.NewChangeDispatcher(permissions, sessions, collector, log)
	changes, err := changeSource(cfg, redisClient, log)
	if err != nil {
		return err
	}

	validator := services.NewTokenValidator(services.TokenValidatorConfig{
		Secret:         cfg.Auth.JWTSecret,
		Audience:       cfg.Auth.Audience,
		MinTokenLength: cfg.Auth.MinTokenLength,
	})
	sockets := wsserver.NewWebSocketServer(wsserver.NewConfig(cfg), validator, permissions, sessions, collector, log)

	checker := monitoring.NewHealthChecker()
	checker.AddStoreCheck(store, 2*time.Second)
	if redisClient != nil {
		checker.AddRedisCheck(redisClient, 2*time.Second)
	}

	instanceID := uuid.NewString()
	router := newRouter(cfg, log, sockets, httphandlers.NewHealthHandler(sessions, sockets, permissions, durability, checker, instanceID), collector)

	background, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	go sessions.Run(background)
	if changes != nil {
		go func() {
			if err := changes.Run(background, dispatcher); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("Change notifications stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting notecollab server",
			"address", cfg.Server.Address,
			"environment", cfg.Server.Environment,
			"storage", store.Kind,
			"notifications", cfg.Notifications.Source,
			"instance_id", instanceID,
			"version", version,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := sockets.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Sockets did not close within the grace period", "error", err)
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Final flush failed", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	stopBackground()

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Tracer shutdown failed", "error", err)
	}
	log.Info("notecollab server stopped")
	return nil
}

func changeSource(cfg *config.Config, client *goredis.Client, log *zap.SugaredLogger) (ports.ChangeSource, error) {
	reconnect := retry.Config{
		Enabled:      true,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	switch cfg.Notifications.Source {
	case config.NotificationsRedis:
		return distributed.NewRedisChangeSubscriber(client, cfg.Notifications.RedisChannel, reconnect, log), nil
	case config.NotificationsPostgres:
		return distributed.NewPostgresChangeListener(cfg.Database.URL, cfg.Notifications.PostgresChannel, reconnect, log), nil
	case config.NotificationsNone:
		log.Warn("No change notifications; revocations take effect within the permission cache TTL")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown notifications source %q", cfg.Notifications.Source)
	}
}

func newRouter(
	cfg *config.Config,
	log *zap.SugaredLogger,
	sockets *wsserver.WebSocketServer,
	health *httphandlers.HealthHandler,
	collector *monitoring.PrometheusCollector,
) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log), middleware.ErrorHandlerMiddleware(log))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware("/health", "/ready", "/metrics"))
	}

	router.GET("/ws", middleware.NewUpgradeRateLimitMiddleware(cfg), gin.WrapF(sockets.HandleWebSocket))
	health.SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(collector.Handler()))
	}
	return router
}
