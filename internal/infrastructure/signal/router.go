package signal

import (
	"meetline/internal/core/services"
	"meetline/internal/infrastructure/middleware"
	"meetline/internal/infrastructure/monitoring"
	"meetline/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterOptions struct {
	Config *config.Config
	// Auth validates relay tokens. Nil disables token checks.
	Auth   services.AuthService
	Health *monitoring.HealthChecker
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.SugaredLogger
}

// NewRouter exposes the relay over HTTP: /ws for signaling clients plus health,
// readiness and metrics endpoints.
func NewRouter(relay *Relay, opts RouterOptions) *gin.Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log), middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	ws := []gin.HandlerFunc{}
	if opts.Auth != nil {
		if cfg.Auth.Required {
			ws = append(ws, middleware.AuthMiddleware(opts.Auth))
		} else {
			ws = append(ws, middleware.OptionalAuthMiddleware(opts.Auth))
		}
	}
	ws = append(ws, gin.WrapF(relay.HandleWebSocket))
	router.GET("/ws", ws...)

	api := router.Group("/")
	if cfg.Tracing.Enabled {
		api.Use(middleware.TracingMiddleware())
	}
	api.GET("/health", gin.WrapF(relay.HealthCheck))
	if opts.Health != nil {
		api.GET("/ready", opts.Health.Handler())
	}

	if cfg.Monitoring.PrometheusEnabled {
		gatherer := opts.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		api.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	return router
}
