package http

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jsamuelsen/quotesync/internal/adapters/http/handlers"
	"github.com/jsamuelsen/quotesync/internal/adapters/http/middleware"
	"github.com/jsamuelsen/quotesync/internal/platform/config"
	"github.com/jsamuelsen/quotesync/internal/platform/telemetry"
)

// DefaultRequestTimeout bounds collection and conflict requests.
const DefaultRequestTimeout = 30 * time.Second

// RouterConfig is everything SetupRouter wires. A nil handler leaves its
// routes unregistered.
type RouterConfig struct {
	Logger        *slog.Logger
	AppConfig     *config.AppConfig
	HealthHandler *handlers.HealthHandler
	QuoteHandler  *handlers.QuoteHandler

	// Timeout applies to /api/v1 except POST /sync, which is bounded by the
	// cycle timeout instead. Zero disables it.
	Timeout time.Duration
}

// SetupRouter installs the middleware chain and the routes:
//
//	/-/live, /-/ready, /-/build, /-/metrics   probes and metrics
//	POST /api/v1/sync                         manual cycle
//	everything else under /api/v1             request timeout applies
//
// Recovery runs outermost. The request and correlation ids are assigned next,
// so traces and request logs carry them.
func SetupRouter(engine *gin.Engine, cfg RouterConfig) {
	engine.Use(
		middleware.Recovery(cfg.Logger),
		middleware.RequestID(),
		middleware.CorrelationID(),
		telemetry.TracingMiddleware(cfg.AppConfig.Name),
		telemetry.Middleware(),
		middleware.Logging(),
	)

	if cfg.HealthHandler != nil {
		cfg.HealthHandler.RegisterHealthRoutesOnEngine(engine)
	}

	if cfg.QuoteHandler == nil {
		return
	}

	api := engine.Group("/api/v1")
	cfg.QuoteHandler.RegisterSyncRoutes(api)

	collection := api.Group("")
	if cfg.Timeout > 0 {
		collection.Use(middleware.Timeout(cfg.Timeout))
	}

	cfg.QuoteHandler.RegisterQuoteRoutes(collection)
}

// NewDefaultRouterConfig returns a RouterConfig with DefaultRequestTimeout.
func NewDefaultRouterConfig(
	logger *slog.Logger,
	appCfg *config.AppConfig,
	healthHandler *handlers.HealthHandler,
	quoteHandler *handlers.QuoteHandler,
) RouterConfig {
	return RouterConfig{
		Logger:        logger,
		AppConfig:     appCfg,
		HealthHandler: healthHandler,
		QuoteHandler:  quoteHandler,
		Timeout:       DefaultRequestTimeout,
	}
}
