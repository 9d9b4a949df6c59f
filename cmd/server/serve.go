package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"gxp-workflow/backend/internal/api"
	"gxp-workflow/backend/internal/auth"
	"gxp-workflow/backend/internal/config"
	"gxp-workflow/backend/internal/logging"
	"gxp-workflow/backend/internal/mcp"
	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/internal/scheduler"
	"gxp-workflow/backend/internal/services"
	"gxp-workflow/backend/internal/tls"
	"gxp-workflow/backend/internal/workflow"
)

const serviceName = "gxp-workflow"

func serve(ctx context.Context, configFile string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withStore(ctx, configFile, func(ctx context.Context, cfg *config.Config, store *repository.PostgresStore, pool *pgxpool.Pool, logger *logging.Logger) error {
		logger.Info("Starting workflow service",
			"version", api.Version,
			"environment", cfg.Environment,
			"dispatch_mode", cfg.Workflow.DispatchMode,
		)
		if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
			logger.Warn("Swagger client id matches the backend client id; PKCE login from /docs will fail if the backend app requires a secret")
		}

		directory := repository.NewPostgresDirectory(pool)

		var deviations workflow.DeviationChecker = services.NoDeviations{}
		if cfg.Deviations.URL != "" {
			deviations = services.NewHTTPDeviationClient(cfg.Deviations.URL, cfg.Deviations.Timeout)
		}
		var notifier services.Notifier
		if cfg.Messaging.URL != "" {
			notifier = services.NewHTTPMessagingClient(cfg.Messaging.URL, cfg.Messaging.Timeout)
		} else {
			logger.Warn("No messaging service configured; notifications are only logged")
		}
		messenger := services.NewMessenger(notifier, directory, logger)

		engine, err := workflow.NewEngine(store, workflow.Dependencies{
			Identity:   directory,
			Deviations: deviations,
			Messenger:  messenger,
		}, workflow.Options{
			DispatchMode:    workflow.DispatchMode(cfg.Workflow.DispatchMode),
			ActionTimeout:   cfg.Workflow.ActionTimeout,
			ApprovalRetries: cfg.Workflow.ApprovalRetries,
		}, logger)
		if err != nil {
			return err
		}

		// Background workers
		relay, err := services.NewOutboxRelay(store, messenger, services.RelayConfig{
			PollInterval: cfg.Workflow.Outbox.PollInterval,
			Workers:      cfg.Workflow.Outbox.Workers,
			BatchSize:    cfg.Workflow.Outbox.BatchSize,
			MaxAttempts:  cfg.Workflow.Outbox.MaxAttempts,
			Retries:      3,
		}, logger)
		if err != nil {
			return err
		}
		relayDone := make(chan struct{})
		go func() {
			defer close(relayDone)
			_ = relay.Run(ctx)
		}()

		sched, err := scheduler.New(engine, cfg.Workflow.SLASweepCron, cfg.Workflow.SLASweepBatch, cfg.Workflow.ActionTimeout*3, logger)
		if err != nil {
			return err
		}
		sched.Start()

		// HTTP surface
		authz, err := auth.New(ctx, cfg, store, directory, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize auth: %w", err)
		}

		e := echo.New()
		e.HideBanner = true
		e.HTTPErrorHandler = api.ErrorHandler(logger)
		e.Use(middleware.Recover())
		e.Use(otelecho.Middleware(serviceName))
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogMethod:  true,
			LogURI:     true,
			LogStatus:  true,
			LogLatency: true,
			LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
				logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency.String())
				return nil
			},
		}))

		handler := api.NewHandler(engine, store, directory, logger)
		e.GET("/health", handler.HandleHealth)

		e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
		e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
		e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

		apiGroup := e.Group("/api/v1")
		apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
		api.RegisterRoutes(apiGroup, handler)

		mcpServer := mcp.NewServer(engine, api.Version)
		mcpHandlers := http.NewServeMux()
		mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
		e.Any("/mcp/*", echo.WrapHandler(authz.RequireAuth(mcpHandlers)))

		e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
		e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.SwaggerClientID)))
		e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(api.OAuth2RedirectHandler()))

		server := &http.Server{
			Addr:         ":" + strconv.Itoa(cfg.Server.Port),
			Handler:      e,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
			if !cfg.TLS.Enable {
				serverErrors <- server.ListenAndServe()
				return
			}
			created, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames, 365*24*time.Hour)
			if err != nil {
				serverErrors <- err
				return
			}
			if created {
				logger.Info("Generated self-signed certificate", "cert_file", cfg.TLS.CertFile)
			}
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		}()

		var runErr error
		select {
		case err := <-serverErrors:
			if !errors.Is(err, http.ErrServerClosed) {
				runErr = fmt.Errorf("server error: %w", err)
			}
		case <-ctx.Done():
			logger.Info("Shutdown signal received")
		}
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			_ = server.Close()
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Error("Scheduler shutdown error", "error", err)
		}
		select {
		case <-relayDone:
		case <-shutdownCtx.Done():
			logger.Warn("Outbox relay did not stop in time")
		}

		logger.Info("Server stopped")
		return runErr
	})
}
