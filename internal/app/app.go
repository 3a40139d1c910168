package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	gorillaws "github.com/gorilla/websocket"

	"tradepulse/internal/artifact"
	"tradepulse/internal/chat"
	"tradepulse/internal/config"
	apierrors "tradepulse/internal/errors"
	"tradepulse/internal/exporter"
	"tradepulse/internal/infrastructure"
	"tradepulse/internal/middleware"
	"tradepulse/internal/pipeline"
	"tradepulse/internal/services"
	"tradepulse/internal/task"
	transporthttp "tradepulse/internal/transport/http"
	"tradepulse/internal/websocket"
)

// Version is set at build time via ldflags.
var Version = "dev"

// gcInterval controls how often expired tasks are collected.
const gcInterval = 10 * time.Minute

// apiRequestTimeout bounds non-streaming API requests.
const apiRequestTimeout = 60 * time.Second

// Application holds every long-lived component of the server and
// manages their lifecycle.
type Application struct {
	config *config.Config
	logger *slog.Logger

	otel        *infrastructure.OTelProviders
	otelMW      *middleware.OTelMiddleware
	hub         *websocket.Hub
	broadcaster *pipeline.ProgressBroadcaster
	registry    *task.Registry
	archive     *artifact.Archive
	store       *artifact.Store
	analysis    *services.AnalysisService
	chatEngine  *chat.Engine
	health      *services.HealthService

	errs     *apierrors.ErrorHandler
	upgrader gorillaws.Upgrader
	router   chi.Router
	server   *http.Server

	gcCancel context.CancelFunc
}

// NewApplication loads configuration, initializes logging and wires
// every service. It does not start listening; call Run or Start.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app := &Application{
		config: cfg,
		logger: logger,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

func (a *Application) initializeServices() error {
	providers, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(Version), a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize opentelemetry: %w", err)
	}
	a.otel = providers

	a.otelMW, err = middleware.NewOTelMiddleware(providers)
	if err != nil {
		return fmt.Errorf("failed to create otel middleware: %w", err)
	}

	a.hub = websocket.NewHub(a.logger)
	a.broadcaster = pipeline.NewProgressBroadcaster(a.hub, a.logger)

	a.archive = artifact.NewArchive(a.config.Paths.ResultsDir, a.logger)
	a.store = artifact.NewStore(a.archive, a.logger)
	a.registry = task.NewRegistry(a.config.Pipeline.MaxRunningTasks, a.logger)

	scheduler := pipeline.NewScheduler(pipeline.Config{
		Workers:     a.config.Pipeline.Workers,
		StepTimeout: a.config.Pipeline.StepTimeout,
	}, a.logger)

	a.analysis = services.NewAnalysisService(
		a.registry,
		scheduler,
		a.store,
		a.archive,
		a.broadcaster,
		services.BuildExecutors(),
		a.logger,
	)

	responder := services.NewReportResponder(a.archive, a.logger)
	a.chatEngine = chat.NewEngine(responder, chat.Options{
		MaxTurns:         a.config.Chat.MaxTurns,
		MaxConversations: a.config.Chat.MaxConversations,
		AskTimeout:       a.config.Chat.AskTimeout,
	}, a.logger)

	a.health = services.NewHealthService(Version, a.analysis, a.chatEngine, a.hub.ClientCount, a.logger)

	a.errs = apierrors.NewErrorHandler(a.logger, a.config.Logging.Level == "debug")

	a.upgrader = gorillaws.Upgrader{
		ReadBufferSize:  a.config.WebSocket.ReadBufferSize,
		WriteBufferSize: a.config.WebSocket.WriteBufferSize,
		CheckOrigin:     a.checkOrigin,
	}

	return nil
}

func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// WebSocket endpoint stays outside the API middleware stack so the
	// upgrade handshake is not wrapped by timeouts or compression.
	r.HandleFunc("/ws", a.handleWebSocket)

	if a.otel.PrometheusHTTP != nil {
		r.Method(http.MethodGet, "/metrics", a.otel.PrometheusHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.otelMW.Handler)
		r.Use(middleware.StructuredLogger(a.logger))
		r.Use(middleware.Recoverer(a.logger))
		r.Use(middleware.SecurityHeaders)

		if a.config.Security.EnableCORS {
			r.Use(middleware.CORS(middleware.CORSConfig{
				AllowedOrigins: a.config.Security.AllowedOrigins,
				Logger:         a.logger,
			}))
		}

		if a.config.Security.RateLimit.Enabled {
			limiter := middleware.NewRateLimiter(
				a.config.Security.RateLimit.RPS,
				a.config.Security.RateLimit.Burst,
				a.logger,
			)
			r.Use(limiter.Handler)
		}

		r.NotFound(a.errs.NotFound)
		r.MethodNotAllowed(a.errs.MethodNotAllowed)

		apiTimeout := middleware.Timeout(apiRequestTimeout, a.logger)
		r.With(apiTimeout).Mount("/api/health", transporthttp.NewHealthHandler(a.health, a.logger).Routes())
		r.With(apiTimeout).Mount("/api/analysis", transporthttp.NewAnalysisHandler(a.analysis, a.errs, a.logger).Routes())
		csvExporter := exporter.NewCSVExporter(a.archive, a.logger)
		r.With(apiTimeout).Mount("/api/history", transporthttp.NewHistoryHandler(a.analysis, csvExporter, a.errs, a.logger).Routes())

		// Chat asks stream SSE and may outlive a request timeout.
		r.Mount("/api/chat", transporthttp.NewChatHandler(a.chatEngine, a.errs, a.logger).Routes())
	})

	a.router = r
}

func (a *Application) createServer() {
	a.server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:        a.router,
		ReadTimeout:    a.config.Server.ReadTimeout,
		WriteTimeout:   a.config.Server.WriteTimeout,
		IdleTimeout:    a.config.Server.IdleTimeout,
		MaxHeaderBytes: a.config.Server.MaxHeaderBytes,
	}
}

// Start brings up the hub, the GC loop and the HTTP listener. The
// listener runs in a goroutine; a listen failure cancels ctx through
// the provided cancel func.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	go a.hub.Start()

	gcCtx, gcCancel := context.WithCancel(context.Background())
	a.gcCancel = gcCancel
	a.analysis.StartGC(gcCtx, gcInterval, a.config.Pipeline.TaskRetention)

	a.logger.InfoContext(ctx, "server starting",
		slog.String("addr", a.server.Addr),
		slog.String("version", Version),
	)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	return nil
}

// Stop shuts the server down gracefully, waits for running pipelines
// to finish and releases subsystem resources.
func (a *Application) Stop(ctx context.Context) error {
	a.logger.InfoContext(ctx, "server stopping")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("server shutdown failed: %w", err)
	}

	if a.gcCancel != nil {
		a.gcCancel()
	}

	// Running pipelines keep their own context; cancel them so the
	// wait below does not block for the full step budget.
	for _, info := range a.analysis.List("") {
		if !info.Progress.Status.Terminal() {
			_, _ = a.analysis.Cancel(info.ID)
		}
	}
	a.analysis.Wait()

	a.broadcaster.Close()
	a.hub.Stop()

	if a.otel != nil {
		if err := a.otel.Shutdown(shutdownCtx); err != nil && shutdownErr == nil {
			shutdownErr = fmt.Errorf("otel shutdown failed: %w", err)
		}
	}

	if err := infrastructure.CloseLogFile(); err != nil && shutdownErr == nil {
		shutdownErr = fmt.Errorf("failed to close log file: %w", err)
	}

	a.logger.InfoContext(ctx, "server stopped")
	return shutdownErr
}

// Run starts the application and blocks until an interrupt or
// termination signal arrives, then performs a graceful shutdown.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	}

	return a.Stop(context.Background())
}

// Router exposes the HTTP handler, primarily for tests.
func (a *Application) Router() http.Handler {
	return a.router
}

func (a *Application) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	traceID := r.Header.Get("X-Request-ID")
	if traceID == "" {
		traceID = fmt.Sprintf("ws-%d", time.Now().UnixNano())
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed",
			slog.String("trace_id", traceID),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	websocket.ServeWS(a.hub, conn, traceID)
}

func (a *Application) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range a.config.Security.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	a.logger.Warn("websocket origin rejected", slog.String("origin", origin))
	return false
}
