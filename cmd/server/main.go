// Package main is the entry point for the keymux gateway server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	keymux "github.com/blueberrycongee/keymux"
	"github.com/blueberrycongee/keymux/internal/api"
	"github.com/blueberrycongee/keymux/internal/config"
	"github.com/blueberrycongee/keymux/internal/dispatch"
	"github.com/blueberrycongee/keymux/internal/gateway"
	"github.com/blueberrycongee/keymux/internal/health"
	"github.com/blueberrycongee/keymux/internal/metrics"
	"github.com/blueberrycongee/keymux/internal/notify"
	"github.com/blueberrycongee/keymux/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfgManager, err := config.NewManager(*configPath, logger)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	logger.Info("starting keymux gateway", "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect to store", "error", err)
		os.Exit(1)
	}

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		logger.Error("failed to build upstream gateway", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(
		dispatch.WithLogger(logger),
		dispatch.WithMaxOutstanding(cfg.Dispatch.MaxOutstanding),
		dispatch.WithDefaultTimeout(cfg.Dispatch.DefaultTimeout),
	)
	metrics.RegisterQueueDepth(func() float64 {
		return float64(dispatcher.Outstanding())
	})

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notify.LarkWebhookKey != "" {
		notifier = notify.NewLark(cfg.Notify.LarkWebhookKey, st, notify.WithLogger(logger))
	}

	client := keymux.New(
		keymux.WithLogger(logger),
		keymux.WithStore(st),
		keymux.WithGateway(gw),
		keymux.WithDispatcher(dispatcher),
		keymux.WithNotifier(notifier),
		keymux.WithModels(cfg.Models),
	)

	monitor := health.New(client.Pool(), notifier,
		health.WithLogger(logger),
		health.WithAPIMode(cfg.Upstream.APIMode),
	)
	go monitor.Run(ctx)

	mux := http.NewServeMux()
	api.NewServer(client, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	var limiter *rate.Limiter
	if cfg.Server.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst)
		// Hot-reload adjusts the limiter in place; a reload that disables
		// rate limiting opens the limiter rather than blocking everything.
		cfgManager.OnChange(func(next *config.Config) {
			limit := rate.Inf
			if next.Server.RateLimitRPS > 0 {
				limit = rate.Limit(next.Server.RateLimitRPS)
				limiter.SetBurst(next.Server.RateLimitBurst)
			}
			limiter.SetLimit(limit)
		})
	}
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}
	handler := api.Chain(mux,
		api.LoggingMiddleware(logger),
		metrics.Middleware,
		api.RateLimitMiddleware(limiter),
	)

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	cfgManager.Close()
	logger.Info("server stopped")
}

// buildStore selects redis when configured, memory otherwise.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Redis.Addr == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewRedisStoreFromAddr(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
}

func buildGateway(cfg *config.Config, logger *slog.Logger) (*gateway.HTTPGateway, error) {
	opts := []gateway.Option{gateway.WithLogger(logger)}
	if cfg.Upstream.OpenAIBaseURL != "" {
		opts = append(opts, gateway.WithOpenAIBaseURL(cfg.Upstream.OpenAIBaseURL))
	}
	if cfg.Upstream.AzureAPIVersion != "" {
		opts = append(opts, gateway.WithAzureAPIVersion(cfg.Upstream.AzureAPIVersion))
	}
	if cfg.Upstream.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.Upstream.ProxyURL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, gateway.WithProxy(proxyURL))
	}
	return gateway.New(opts...), nil
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
