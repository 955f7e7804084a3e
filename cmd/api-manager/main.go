// Package main is the entry point for the Pupero API manager. It loads
// configuration from a YAML file or from environment variables, assembles the
// middleware stack around the routing forwarder, starts the HTTP server, and
// handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/pupero/api-manager/internal/admin"
	"github.com/pupero/api-manager/internal/config"
	"github.com/pupero/api-manager/internal/health"
	"github.com/pupero/api-manager/internal/logging"
	"github.com/pupero/api-manager/internal/metrics"
	"github.com/pupero/api-manager/internal/middleware"
	"github.com/pupero/api-manager/internal/openapi"
	"github.com/pupero/api-manager/internal/proxy"
	"github.com/pupero/api-manager/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (optional; env-only mode when omitted)")
	flag.Parse()

	// A .env file next to the binary seeds the environment the same way the
	// deployment's compose files do. Missing files are fine.
	_ = godotenv.Load()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to open log output", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"routes", len(cfg.Routes),
		"admin_enabled", cfg.Admin.Enabled,
		"openapi_enabled", cfg.OpenAPI.IsEnabled(),
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"metrics_path", cfg.Metrics.Path,
		"trusted_proxies", len(cfg.Server.TrustedProxies),
		"max_body_bytes", cfg.Server.MaxBodyBytes,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// The forwarder and its route table are fixed for the process lifetime.
	forwarder, err := proxy.New(cfg.Routes, logger)
	if err != nil {
		logger.Error("failed to create forwarder", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(cfg.RateLimit, cfg.Routes, cfg.Server.TrustedProxies, logger)
	defer limiter.Stop()

	routeLogLevel := func(path string) slog.Level {
		route, ok := forwarder.Match(path)
		if !ok {
			return slog.LevelInfo
		}
		return middleware.ParseLogLevel(route.LogLevel)
	}

	// Assemble middleware stack:
	// Recovery → RequestID → SecurityHeaders → Logging → CORS → BodyLimit → Deadline → RateLimit → Forwarder
	var handler http.Handler = forwarder
	handler = limiter.Middleware()(handler)
	handler = middleware.Deadline(cfg.Server.GlobalTimeout())(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Logging(logger, routeLogLevel, &middleware.LoggingConfig{
		BodyLogging:     cfg.Logging.BodyLogging,
		MaxBodyLogBytes: cfg.Logging.MaxBodyLogBytes,
	})(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Manager-local endpoints live on their own mux and bypass the
	// forwarding middleware stack.
	mux := http.NewServeMux()
	localPaths := map[string]bool{
		"/health":  true,
		"/healthz": true,
		"/ready":   true,
	}

	healthHandler := health.New(cfg.Routes, logger)
	healthHandler.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		localPaths[metricsPath] = true
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	if cfg.OpenAPI.IsEnabled() {
		openapiHandler := openapi.New(cfg.Routes, cfg.OpenAPI, logger)
		openapiHandler.RegisterRoutes(mux)
		localPaths[cfg.OpenAPI.CombinedPath] = true
		localPaths[cfg.OpenAPI.DocsPath] = true
		for _, route := range cfg.Routes {
			if route.OpenAPIPath != "" {
				localPaths[route.PathPrefix+"/openapi.json"] = true
			}
		}
		logger.Info("openapi endpoints registered",
			"combined", cfg.OpenAPI.CombinedPath, "docs", cfg.OpenAPI.DocsPath)
	}

	// Reload watches the config file for rate limit changes; route changes
	// on disk only log a restart hint. Env-only mode has nothing to watch.
	var reloader *config.Reloader
	if *configPath != "" {
		reloader = config.NewReloader(*configPath, cfg, logger)
		reloader.Start()
		defer reloader.Stop()

		reloader.OnReload(func(newCfg *config.Config) {
			limiter.UpdateConfig(newCfg.RateLimit, newCfg.Routes)
		})
	}

	if cfg.Admin.Enabled {
		provider := admin.ConfigProvider(staticConfig{cfg})
		if reloader != nil {
			provider = reloader
		}
		adminHandler := admin.New(provider, limiter, cfg.Routes, cfg.Admin, logger)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin endpoints registered",
			"allowlist_cidrs", len(cfg.Admin.IPAllowlist),
			"bearer", cfg.Admin.BearerSecret != "")
	}

	descriptor := serviceDescriptor(cfg)

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(descriptor) //nolint:errcheck
		case localPaths[r.URL.Path] || (cfg.Admin.Enabled && strings.HasPrefix(r.URL.Path, "/admin/")):
			mux.ServeHTTP(w, r)
		default:
			handler.ServeHTTP(w, r)
		}
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting api manager", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("api manager stopped gracefully")
}

// staticConfig adapts a fixed config to the admin.ConfigProvider interface
// for env-only mode, where there is no reloader.
type staticConfig struct {
	cfg *config.Config
}

func (s staticConfig) Current() *config.Config { return s.cfg }

// serviceDescriptor pre-serializes the root endpoint body: the manager's
// identity and its route map, so a client can discover where each prefix goes.
func serviceDescriptor(cfg *config.Config) []byte {
	routes := make(map[string]string, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes[r.PathPrefix] = r.Upstream
	}
	body, _ := json.Marshal(map[string]interface{}{
		"service": "pupero-api-manager",
		"routes":  routes,
	})
	return append(body, '\n')
}
