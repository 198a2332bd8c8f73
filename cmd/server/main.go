package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"erp-workflow/internal/api"
	"erp-workflow/internal/auth"
	"erp-workflow/internal/bootstrap"
	"erp-workflow/internal/config"
	"erp-workflow/internal/mcp"
	"erp-workflow/internal/tls"
)

const version = "1.0.0"

func main() {
	ctx := context.Background()

	// Parse command line flags
	envFile := flag.String("env", "", "Path to .env file")
	memory := flag.Bool("memory", false, "Keep workflow state in memory instead of PostgreSQL")
	migrate := flag.Bool("migrate", true, "Apply pending database migrations on startup")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		log.Fatalf("Configuration loading failed: %v", err)
	}
	logger := bootstrap.Logger(cfg)
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"okta_client_id", cfg.Auth.ClientID,
		"okta_domain", cfg.Auth.OktaDomain,
		"config_file", viper.ConfigFileUsed(),
	)

	logger.Info("Starting ERP Workflow Service", "version", version)

	rt, err := bootstrap.Open(ctx, cfg, logger, bootstrap.Options{Memory: *memory, Migrate: *migrate})
	if err != nil {
		logger.Error("Failed to initialize workflow runtime", "error", err)
		log.Fatalf("Runtime initialization failed: %v", err)
	}
	defer rt.Close()

	logger.Info("Workflow service initialized", "memory", *memory)

	// Create Echo server
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	// Middleware
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(otelecho.Middleware("erp-workflow"))
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Unauthenticated operational endpoints
	e.GET("/health", echo.WrapHandler(http.HandlerFunc(api.NewHandler(rt.Actors, version).HandleHealth)))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Initialize authentication
	authz, err := auth.New(ctx, cfg, rt.Actors, logger.With("component", "auth"))
	if err != nil {
		logger.Error("failed to initialize auth", "error", err)
		log.Fatalf("auth initialization failed: %v", err)
	}

	// Register auth handlers
	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	// Mount REST API handlers
	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.NewServer(rt.Workflow, rt.Sink, logger.With("component", "api")).Register(apiGroup)

	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(rt.Workflow, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpRoute := echo.WrapHandler(authz.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpRoute)
	e.Any("/mcp/*", mcpRoute)

	logger.Info("MCP protocol handlers mounted")

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		tlsCfg := cfg.Server.TLS
		logger.Info("Server starting", "address", server.Addr, "tls", tlsCfg.Enable)
		if !tlsCfg.Enable {
			serverErrors <- server.ListenAndServe()
			return
		}
		if cfg.IsDev() {
			generated, err := tls.EnsureCertificate(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.Hostnames)
			if err != nil {
				serverErrors <- err
				return
			}
			if generated {
				logger.Warn("generated self-signed certificate", "cert_file", tlsCfg.CertFile, "hostnames", tlsCfg.Hostnames)
			}
		}
		serverErrors <- server.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
	}()

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			rt.Close()
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		// Create shutdown context with timeout
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
}
