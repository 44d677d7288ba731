// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"comm-service/internal/config"
	"comm-service/internal/discovery"
	"comm-service/internal/events"
	"comm-service/internal/handler"
	"comm-service/internal/manager"
	"comm-service/internal/metrics"
	"comm-service/internal/middleware"
	"comm-service/internal/utils"
)

// Dependencies are the components the HTTP layer serves
type Dependencies struct {
	Registry *manager.Registry
	Bus      *events.Bus
	Scanners *discovery.ScannerManager
	// Metrics is nil when metrics are disabled
	Metrics *metrics.Collector
	// Journal and Database are nil when the journal is disabled
	Journal  handler.JournalReader
	Database handler.DatabaseChecker
}

// Router holds all dependencies for routing
type Router struct {
	config    *config.Config
	logger    *zap.Logger
	deps      Dependencies
	wsHandler *handler.WebSocketHandler
}

// NewRouter creates a new router instance
func NewRouter(config *config.Config, logger *zap.Logger, deps Dependencies) *Router {
	return &Router{
		config: config,
		logger: logger,
		deps:   deps,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else if r.config.App.Environment == "test" {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// Close disconnects the event-stream clients
func (r *Router) Close() {
	if r.wsHandler != nil {
		r.wsHandler.Close()
	}
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	if r.deps.Metrics != nil {
		router.Use(middleware.MetricsMiddleware(r.deps.Metrics))
	}

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.deps.Registry, r.deps.Database, r.config, r.logger)
	healthHandler.RegisterRoutes(router)

	if r.deps.Metrics != nil {
		router.GET(r.config.Metrics.Path, gin.WrapH(r.deps.Metrics.Handler()))
	}

	apiV1 := router.Group("/api/v1")
	handler.NewAdapterHandler(r.deps.Registry, r.logger).RegisterRoutes(apiV1)
	handler.NewModbusHandler(r.deps.Registry, r.logger).RegisterRoutes(apiV1)

	if r.deps.Scanners != nil {
		handler.NewDiscoveryHandler(r.deps.Scanners, r.deps.Registry, r.logger).RegisterRoutes(apiV1)
	}

	if r.deps.Journal != nil {
		handler.NewJournalHandler(r.deps.Journal, r.logger).RegisterRoutes(apiV1)
	}

	if r.deps.Bus != nil {
		r.wsHandler = handler.NewWebSocketHandler(r.deps.Bus, r.config.Security.AllowedOrigins, r.logger)
		r.wsHandler.RegisterRoutes(router.Group("/ws"))
	}

	r.logger.Info("All routes configured successfully")
}
