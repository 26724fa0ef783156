package http

import (
	"ratepilot/internal/infrastructure/middleware"
	"ratepilot/pkg/config"
	"ratepilot/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Routable is implemented by every handler group.
type Routable interface {
	SetupRoutes(router gin.IRouter)
}

// NewRouter builds the gin engine with the common middleware chain. The
// websocket hub is mounted outside the rate limiter since its connections
// are long-lived.
func NewRouter(cfg *config.Config, log *zap.Logger, gatherer prometheus.Gatherer, hub *Hub, handlers ...Routable) *gin.Engine {
	router := gin.New()
	sugar := log.Sugar()

	router.Use(
		middleware.RecoveryMiddleware(sugar),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(log)),
		middleware.ErrorHandlerMiddleware(sugar),
	)
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	if cfg.Monitoring.PrometheusEnabled && gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	if hub != nil {
		hub.SetupRoutes(router)
	}

	limited := router.Group("/", middleware.NewHTTPRateLimitMiddleware(cfg))
	for _, h := range handlers {
		h.SetupRoutes(limited)
	}
	return router
}
