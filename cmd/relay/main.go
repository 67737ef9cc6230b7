package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meetline/internal/core/domain"
	"meetline/internal/core/services"
	"meetline/internal/infrastructure/monitoring"
	repositories "meetline/internal/infrastructure/repositories"
	relaysignal "meetline/internal/infrastructure/signal"
	"meetline/pkg/config"
	"meetline/pkg/logger"
	"meetline/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to the YAML config")
	issueToken := flag.Bool("issue-token", false, "print an access token for -user and exit")
	userID := flag.String("user", "", "user id for -issue-token")
	displayName := flag.String("name", "", "display name for -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load config, using defaults: %v\n", err)
		cfg = config.DefaultConfig()
	}

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if *issueToken {
		if *userID == "" {
			fmt.Fprintln(os.Stderr, "-issue-token requires -user")
			os.Exit(2)
		}
		token, err := authService.GenerateToken(domain.UserID(*userID), *displayName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.ServiceName = "meetline-relay"
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.Environment = cfg.Tracing.Environment
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Initialize repository factory
	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	meetingRepo := repoFactory.CreateMeetingRepository()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	relayMetrics := monitoring.NewRelayCollector(registry)

	health := monitoring.NewHealthChecker()
	health.AddRepositoryCheck(meetingRepo, 30*time.Second, 2*time.Second)
	if repoFactory.UsesRedis() {
		health.AddPingCheck("redis", repoFactory.HealthCheck, 30*time.Second, 2*time.Second)
	}

	relay := relaysignal.NewRelay(meetingRepo, authService, relayMetrics, relaysignal.RelayConfigFrom(cfg), log.Named("relay"))

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := relaysignal.NewRouter(relay, relaysignal.RouterOptions{
		Config:   cfg,
		Auth:     authService,
		Health:   health,
		Gatherer: registry,
		Logger:   log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	health.StartBackgroundChecks(ctx, log.Named("health"))

	// Create HTTP server with timeouts. WriteTimeout is left to the websocket
	// layer because /ws connections are long lived.
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting meetline relay",
			"address", cfg.Server.Address,
			"redis", repoFactory.UsesRedis(),
			"auth_required", cfg.Auth.Required,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Infow("shutting down meetline relay", "connections", relay.ConnectionCount())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Shutdown does not wait for hijacked websocket connections.
	relay.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("meetline relay stopped")
}
