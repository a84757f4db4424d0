// Command keyrelay runs the key-rotation reverse proxy: it loads
// configuration, builds the key state store, key manager, circuit breaker
// registry, and retry loop, then serves the catch-all proxy plus the
// health, metrics, and admin endpoints.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stranmor/keyrelay/internal/adminapi"
	"github.com/stranmor/keyrelay/internal/apperrors"
	"github.com/stranmor/keyrelay/internal/breaker"
	"github.com/stranmor/keyrelay/internal/config"
	"github.com/stranmor/keyrelay/internal/health"
	"github.com/stranmor/keyrelay/internal/httpmiddleware"
	"github.com/stranmor/keyrelay/internal/keymanager"
	"github.com/stranmor/keyrelay/internal/keystate"
	"github.com/stranmor/keyrelay/internal/logging"
	"github.com/stranmor/keyrelay/internal/metrics"
	"github.com/stranmor/keyrelay/internal/proxy"
	"github.com/stranmor/keyrelay/internal/ratelimit"
	"github.com/stranmor/keyrelay/internal/retryloop"
)

// version is stamped at build time; left as a default for local runs.
var version = "dev"

// Exit codes, per the proxy's documented startup contract: 0 normal exit,
// 1 configuration/startup error, 2 listener bind failure.
const (
	exitOK           = 0
	exitStartupError = 1
	exitBindError    = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := logging.New()

	configPath := os.Getenv("KEYRELAY_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load configuration", map[string]interface{}{"error": err.Error(), "path": configPath})
		return exitStartupError
	}
	cfgStore := config.NewStore(cfg)

	store, err := buildKeyStore(cfg, logger)
	if err != nil {
		logger.Error("failed to build key state store", map[string]interface{}{"error": err.Error()})
		return exitStartupError
	}

	km, err := keymanager.New(cfg, store, logger.WithComponent("keymanager"))
	if err != nil {
		logger.Error("failed to build key manager", map[string]interface{}{"error": err.Error()})
		return exitStartupError
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.CircuitBreaker.RecoveryTimeoutSecs) * time.Second,
		HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
	}, logger.WithComponent("breaker"))

	dialer := &net.Dialer{Timeout: time.Duration(cfg.Server.ConnectTimeoutSecs) * time.Second}
	httpClient := &http.Client{
		Timeout: time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second,
		Transport: &http.Transport{
			DialContext: dialer.DialContext,
		},
	}

	loop := retryloop.New(km, breakers, store, httpClient, cfgStore, logger.WithComponent("retryloop"))

	metricsReg := metrics.New()
	healthChecker := health.New(version, cfgStore)
	proxyHandler := proxy.New(loop, cfgStore, logger.WithComponent("proxy"))
	limiter := ratelimit.New(cfg.RateLimit)
	admin := adminapi.New(store, breakers, cfgStore, logger.WithComponent("admin"))

	router := chi.NewRouter()
	router.Use(httpmiddleware.TraceID)
	router.Use(httpmiddleware.AccessLog(logger, cfg.Server.TestMode))

	router.Get("/health", healthChecker.ServeHTTP)
	router.Handle("/metrics", metricsReg.Handler())
	router.Route("/admin", func(r chi.Router) {
		r.Use(httpmiddleware.CORS(cfg.AdminCORS))
		r.Use(admin.Auth)
		admin.Routes(r)
	})
	router.Handle("/*", limiter.Middleware(proxyHandler))

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		logger.Error("http server failed to start", map[string]interface{}{"error": err.Error()})
		return exitBindError
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		_ = closer.Close()
	}

	return exitOK
}

// buildKeyStore selects the Redis-backed store, wrapped in a fallback to
// in-memory on error, when redis_url is configured; otherwise a plain
// in-memory store.
func buildKeyStore(cfg *config.Config, logger *logging.StdLogger) (keystate.Store, error) {
	if cfg.RedisURL == "" {
		mem := keystate.NewMemoryStore()
		mem.SetLogger(logger.WithComponent("keystate/memory"))
		return mem, nil
	}

	redisStore, err := keystate.NewRedisStore(cfg.RedisURL, cfg.RedisKeyPrefix)
	if err != nil {
		return nil, apperrors.New("main.buildKeyStore", apperrors.RedisConnection, err)
	}
	redisStore.SetLogger(logger.WithComponent("keystate/redis"))

	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := keystate.WaitReady(connectCtx, redisStore, keystate.DefaultConnectRetryConfig()); err != nil {
		logger.Warn("redis unreachable at startup, degrading to in-memory fallback", map[string]interface{}{"error": err.Error()})
	}

	return keystate.NewFallbackStore(redisStore, logger.WithComponent("keystate/fallback")), nil
}
