package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"licensekit/internal/config"
	"licensekit/internal/engine"
	"licensekit/internal/errors"
	"licensekit/internal/infrastructure"
	customMiddleware "licensekit/internal/middleware"
	"licensekit/internal/presentation"
	"licensekit/internal/security"
	"licensekit/internal/services"
	"licensekit/internal/store"
	"licensekit/internal/telemetry"
	handlers "licensekit/internal/transport/http"
	"licensekit/internal/vendor"
	ws "licensekit/internal/websocket"
	"licensekit/pkg/contracts"
)

// Application represents the host process: engine, event hub and bridge
type Application struct {
	Config         *config.Config
	Logger         *slog.Logger
	OTelProviders  *infrastructure.OTelProviders
	Metrics        *telemetry.Metrics
	Engine         *engine.Engine
	EventHub       *ws.Hub
	LicenseService services.LicenseService
	HealthService  *services.HealthService
	Router         *chi.Mux
	Server         *http.Server
}

// Overrides replaces collaborators NewApplication would otherwise build
// from configuration. Zero fields keep the configured implementation.
type Overrides struct {
	Logger      *slog.Logger
	Store       store.Store
	Vendor      vendor.Client
	Fingerprint security.Fingerprinter
	Renderer    presentation.Renderer
}

// NewApplication builds the application from configuration
func NewApplication(cfg *config.Config) (*Application, error) {
	return New(cfg, Overrides{})
}

// New builds the application, taking collaborators from o where set
func New(cfg *config.Config, o Overrides) (*Application, error) {
	logger := o.Logger
	if logger == nil {
		var err error
		logger, err = infrastructure.InitializeLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	logger.Info("application starting",
		slog.String("version", contracts.GetVersionString()),
		slog.String("store_backend", cfg.Store.Backend),
		slog.Int("configured_products", len(cfg.Products)))

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeServices(o); err != nil {
		_ = otelProviders.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices wires metrics, the license store, the vendor client,
// the engine and the services in dependency order
func (a *Application) initializeServices(o Overrides) error {
	ctx := context.Background()

	metrics, err := telemetry.NewMetrics(a.OTelProviders.Meter, a.OTelProviders.Tracer)
	if err != nil {
		return fmt.Errorf("failed to create engine metrics: %w", err)
	}
	a.Metrics = metrics

	fingerprinter := o.Fingerprint
	if fingerprinter == nil {
		fingerprinter = security.NewFingerprintManager(a.Logger)
	}

	licenseStore := o.Store
	if licenseStore == nil {
		fp, err := fingerprinter.Fingerprint(ctx)
		if err != nil {
			return fmt.Errorf("failed to compute device fingerprint: %w", err)
		}
		licenseStore, err = store.Open(a.Config.Store, fp, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to open license store: %w", err)
		}
	}

	vendorClient := o.Vendor
	if vendorClient == nil {
		client, err := vendor.NewHTTPClient(a.Config.Vendor, metrics, a.Logger)
		if err != nil {
			_ = licenseStore.Close()
			return fmt.Errorf("failed to create vendor client: %w", err)
		}
		vendorClient = client
	}

	a.EventHub = ws.NewHub(a.Logger)

	eng, err := engine.New(engine.OptionsFromConfig(a.Config), engine.Deps{
		Store:       licenseStore,
		Vendor:      vendorClient,
		Fingerprint: fingerprinter,
		Delegate:    newEventDelegate(a.EventHub, a.Logger),
		Renderer:    o.Renderer,
		Metrics:     metrics,
		Logger:      a.Logger,
	})
	if err != nil {
		_ = licenseStore.Close()
		return fmt.Errorf("failed to create engine: %w", err)
	}
	a.Engine = eng

	a.LicenseService = services.NewLicenseService(eng, a.EventHub, a.Logger)
	a.HealthService = services.NewHealthService(eng, a.EventHub, a.Logger)

	a.Logger.Info("services initialized")
	return nil
}

// setupRouter builds the bridge router.
// Middleware order: RequestID → RealIP → OTel → Logger → Recoverer → headers → rate limit
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		a.Logger.Error("failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
	} else {
		r.Use(otelMiddleware.Handler)
	}

	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Logger))
	r.Use(customMiddleware.SecurityHeaders)

	if a.Config.Server.RateLimitRPS > 0 {
		r.Use(customMiddleware.NewRateLimiter(
			a.Config.Server.RateLimitRPS,
			a.Config.Server.RateLimitBurst,
			a.Logger,
		).Handler)
	}

	healthHandler := handlers.NewHealthHandler(a.HealthService, a.Logger)
	r.Get("/healthz", healthHandler.LivenessCheck)
	r.Get("/readyz", healthHandler.ReadinessCheck)

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.setupAPIRoutes(r, healthHandler)

	a.Router = r
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router, healthHandler *handlers.HealthHandler) {
	errorHandler := errors.NewErrorHandler(a.Logger, a.Config.Debug)

	licenseHandler := handlers.NewLicenseHandler(a.LicenseService, errorHandler, a.Logger)
	licenseHandler.SetEventStream(ws.NewHandler(a.EventHub, a.Config.Server.AllowedOrigins, a.Logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.APIKeyAuth(a.Logger, a.Config.Server.APIKey))

		r.Get("/version", healthHandler.Version)
		r.Mount("/license", licenseHandler.Routes())
	})
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         a.Config.Server.Addr(),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
}

// Start restores stored licenses, starts the event hub and, when enabled,
// serves the bridge. A server failure cancels ctx through cancel.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "starting application",
		slog.String("address", a.Server.Addr),
		slog.Bool("bridge_enabled", a.Config.Server.Enabled),
		slog.String("level", a.Config.Logging.Level))

	a.EventHub.Start()

	if err := a.Engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if !a.Config.Server.Enabled {
		return nil
	}

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.Logger.InfoContext(ctx, "application started",
		slog.String("address", fmt.Sprintf("http://%s", a.Server.Addr)))
	return nil
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if a.Config.Server.Enabled {
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}

	a.EventHub.Stop()

	if err := a.Engine.Close(); err != nil {
		a.Logger.ErrorContext(ctx, "error closing engine", slog.String("error", err.Error()))
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "application shutdown complete")
	return shutdownErr
}

// Run runs the application until interrupted or the server fails
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case sig := <-sigChan:
		a.Logger.InfoContext(ctx, "received signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		a.Logger.WarnContext(ctx, "server stopped unexpectedly")
	}

	return a.Stop(context.WithoutCancel(ctx))
}
