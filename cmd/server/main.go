// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"comm-service/internal/config"
	"comm-service/internal/database"
	"comm-service/internal/discovery"
	"comm-service/internal/events"
	"comm-service/internal/journal"
	"comm-service/internal/manager"
	"comm-service/internal/metrics"
	"comm-service/internal/protocol"
	"comm-service/internal/routes"
	"comm-service/internal/utils"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server
	router *routes.Router

	ctx    context.Context
	cancel context.CancelFunc

	collector *metrics.Collector
	bus       *events.Bus
	database  *database.DB
	recorder  *journal.Recorder
	registry  *manager.Registry
	scanners  *discovery.ScannerManager
}

// @title Comm Service API
// @version 1.0.0
// @description Protocol adapters for TCP, serial, WebSocket, HTTP and Modbus TCP endpoints
// @host localhost:8084
// @BasePath /api/v1
func main() {
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, cfg.App.Name)
	serviceLogger.LogServiceStart(cfg.App.Version, cfg.App)

	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"metrics", app.initializeMetrics},
		{"event bus", app.initializeEventBus},
		{"journal", app.initializeJournal},
		{"registry", app.initializeRegistry},
		{"adapters", app.initializeAdapters},
		{"discovery", app.initializeDiscovery},
		{"server", app.initializeServer},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			app.shutdown()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	return app, nil
}

// initializeMetrics creates the Prometheus collector
func (app *Application) initializeMetrics() error {
	if !app.config.Metrics.Enabled {
		return nil
	}

	collector, err := metrics.NewCollector()
	if err != nil {
		return err
	}
	app.collector = collector

	app.logger.Info("Metrics initialized successfully", zap.String("path", app.config.Metrics.Path))
	return nil
}

// initializeEventBus starts the in-process event bus
func (app *Application) initializeEventBus() error {
	app.bus = events.NewBus(app.logger, app.config.Events.Capacity)
	app.bus.Start(app.ctx)

	app.logger.Info("Event bus initialized successfully", zap.Int("capacity", app.config.Events.Capacity))
	return nil
}

// initializeJournal connects the database, runs migrations and starts the recorder
func (app *Application) initializeJournal() error {
	if !app.config.Journal.Enabled {
		app.logger.Info("Journal disabled")
		return nil
	}

	db, err := database.NewConnection(app.ctx, app.config, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	app.database = db

	migrator := database.NewMigrator(db, app.logger)
	if err := migrator.Up(app.ctx); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}

	repo := journal.NewPostgresRepository(db, app.logger)
	app.recorder = journal.NewRecorder(repo, app.bus, app.logger,
		app.config.Journal.Retention, app.config.Journal.CleanupInterval)
	app.recorder.Start(app.ctx)

	app.logger.Info("Journal initialized successfully", zap.Duration("retention", app.config.Journal.Retention))
	return nil
}

// initializeRegistry creates the adapter registry with its observers
func (app *Application) initializeRegistry() error {
	observers := []manager.Observer{app.bus}
	if app.collector != nil {
		observers = append(observers, app.collector)
	}

	app.registry = manager.NewRegistry(manager.Options{
		Logger:    app.logger,
		Defaults:  app.config.AdapterDefaults(),
		Observers: observers,
	})

	app.logger.Info("Registry initialized successfully")
	return nil
}

// initializeAdapters registers the configured adapters and connects the auto-connect ones.
// A failed connect is logged; the adapter stays registered.
func (app *Application) initializeAdapters() error {
	for _, a := range app.config.Adapters {
		protocolType, err := protocol.ParseProtocolType(a.Type)
		if err != nil {
			return fmt.Errorf("adapter %s: %w", a.Name, err)
		}

		name, _, err := app.registry.Register(protocolType, a.Name)
		if err != nil {
			return fmt.Errorf("adapter %s: %w", a.Name, err)
		}
		if err := app.registry.Configure(name, protocol.Config(a.Config)); err != nil {
			return fmt.Errorf("adapter %s: %w", a.Name, err)
		}

		if !a.AutoConnect {
			continue
		}

		ctx, cancel := context.WithTimeout(app.ctx, 30*time.Second)
		err = app.registry.Connect(ctx, name, nil)
		cancel()
		if err != nil {
			app.logger.Warn("Auto-connect failed", zap.String("adapter", name), zap.Error(err))
		}
	}

	app.logger.Info("Adapters initialized successfully", zap.Int("count", len(app.config.Adapters)))
	return nil
}

// initializeDiscovery registers the port scanners
func (app *Application) initializeDiscovery() error {
	app.scanners = discovery.NewScannerManager(app.logger)

	if app.config.Discovery.SerialEnabled {
		app.scanners.RegisterScanner(discovery.NewSerialScanner(app.logger, nil))
	}
	app.scanners.RegisterScanner(discovery.NewTCPScanner(app.logger, discovery.TCPScannerConfig{
		Targets:     app.config.Discovery.TCPTargets,
		ConnTimeout: app.config.Discovery.TCPTimeout,
	}))

	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	deps := routes.Dependencies{
		Registry: app.registry,
		Bus:      app.bus,
		Scanners: app.scanners,
		Metrics:  app.collector,
	}
	if app.recorder != nil {
		deps.Journal = app.recorder
		deps.Database = app.database
	}

	app.router = routes.NewRouter(app.config, app.logger, deps)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      app.router.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized", zap.String("address", app.config.GetServerAddr()))
	return nil
}

// Start serves HTTP until a shutdown signal arrives
func (app *Application) Start() error {
	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		app.shutdown()
		return nil
	case err := <-errCh:
		app.shutdown()
		return fmt.Errorf("http server: %w", err)
	}
}

// shutdown stops components in reverse start order
func (app *Application) shutdown() {
	utils.NewServiceLogger(app.logger, app.config.App.Name).LogServiceStop("shutdown")

	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("HTTP server shutdown error", zap.Error(err))
		} else {
			app.logger.Info("HTTP server stopped")
		}
		cancel()
	}
	if app.router != nil {
		app.router.Close()
	}

	if app.registry != nil {
		app.registry.RemoveAll()
		app.logger.Info("Adapters removed")
	}

	if app.recorder != nil {
		app.recorder.Stop()
	}
	if app.bus != nil {
		app.bus.Close()
	}
	app.cancel()

	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		} else {
			app.logger.Info("Database connection closed")
		}
	}

	app.logger.Info("Application shutdown completed")
	_ = app.logger.Sync()
}
