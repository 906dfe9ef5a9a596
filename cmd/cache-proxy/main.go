// Command cache-proxy serves GET requests to arbitrary origins through the caching
// HTTP client and exposes cache maintenance endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/httpcache-client/pkg/cache"
	"github.com/Sternrassler/httpcache-client/pkg/client"
	"github.com/Sternrassler/httpcache-client/pkg/logging"
	"github.com/Sternrassler/httpcache-client/pkg/metrics"
	"github.com/Sternrassler/httpcache-client/pkg/warmup"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type config struct {
	port          string
	userAgent     string
	backend       string
	cacheDir      string
	sqlitePath    string
	redisURL      string
	redisPrefix   string
	memoryCap     int
	defaultTTL    time.Duration
	staleIfError  time.Duration
	sharedCache   bool
	cacheEnabled  bool
	pruneInterval time.Duration
	warmupURLs    []string
}

func loadConfig() (config, error) {
	cfg := config{
		port:        getEnv("PORT", "8080"),
		userAgent:   getEnv("USER_AGENT", "httpcache-client/0.1.0"),
		backend:     getEnv("CACHE_BACKEND", "memory"),
		cacheDir:    getEnv("CACHE_DIR", "./cache-data"),
		sqlitePath:  getEnv("SQLITE_PATH", "httpcache.db"),
		redisURL:    getEnv("REDIS_URL", "localhost:6379"),
		redisPrefix: getEnv("REDIS_PREFIX", cache.DefaultRedisPrefix),
	}

	var err error
	if cfg.memoryCap, err = strconv.Atoi(getEnv("MEMORY_CAPACITY", strconv.Itoa(cache.DefaultMemoryCapacity))); err != nil {
		return cfg, fmt.Errorf("MEMORY_CAPACITY: %w", err)
	}
	if cfg.defaultTTL, err = time.ParseDuration(getEnv("CACHE_DEFAULT_TTL", "0s")); err != nil {
		return cfg, fmt.Errorf("CACHE_DEFAULT_TTL: %w", err)
	}
	if cfg.staleIfError, err = time.ParseDuration(getEnv("CACHE_STALE_IF_ERROR", "0s")); err != nil {
		return cfg, fmt.Errorf("CACHE_STALE_IF_ERROR: %w", err)
	}
	if cfg.pruneInterval, err = time.ParseDuration(getEnv("PRUNE_INTERVAL", "10m")); err != nil {
		return cfg, fmt.Errorf("PRUNE_INTERVAL: %w", err)
	}
	if cfg.sharedCache, err = strconv.ParseBool(getEnv("CACHE_SHARED", "false")); err != nil {
		return cfg, fmt.Errorf("CACHE_SHARED: %w", err)
	}
	if cfg.cacheEnabled, err = strconv.ParseBool(getEnv("CACHE_ENABLED", "true")); err != nil {
		return cfg, fmt.Errorf("CACHE_ENABLED: %w", err)
	}
	for _, u := range strings.Split(os.Getenv("WARMUP_URLS"), ",") {
		if u = strings.TrimSpace(u); u != "" {
			cfg.warmupURLs = append(cfg.warmupURLs, u)
		}
	}
	return cfg, nil
}

func (cfg config) cacheSettings() cache.Settings {
	if !cfg.cacheEnabled {
		return cache.Disabled()
	}
	opts := cache.DefaultOptions()
	opts.DefaultTTL = cfg.defaultTTL
	opts.StaleIfError = cfg.staleIfError
	opts.SharedCache = cfg.sharedCache
	return cache.Enabled(opts)
}

// openStore builds the configured backend. The returned cleanup releases resources
// the store does not own.
func openStore(ctx context.Context, cfg config) (cache.Store, func(), error) {
	noop := func() {}

	switch cfg.backend {
	case "memory":
		return cache.NewMemoryStore(cfg.memoryCap), noop, nil
	case "file":
		store, err := cache.NewFileStore(cfg.cacheDir)
		return store, noop, err
	case "sqlite":
		store, err := cache.NewSQLiteStore(cfg.sqlitePath)
		return store, noop, err
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.redisURL,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, noop, fmt.Errorf("connect to redis at %s: %w", cfg.redisURL, err)
		}
		return cache.NewRedisStore(redisClient, cfg.redisPrefix), func() { redisClient.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown CACHE_BACKEND %q (want memory, file, redis or sqlite)", cfg.backend)
	}
}

func main() {
	logging.Setup(logging.ConfigFromEnv())
	logger := logging.NewLogger("proxy")

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache store")
	}
	defer cleanup()
	logger.Info().Str("backend", store.Name()).Msg("Cache store ready")

	clientCfg := client.DefaultConfig(cfg.userAgent)
	clientCfg.Cache = cfg.cacheSettings()
	clientCfg.Store = store
	httpClient, err := client.New(clientCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer httpClient.Close()

	if len(cfg.warmupURLs) > 0 {
		go func() {
			if _, err := warmup.New(httpClient, warmup.DefaultConfig()).Warm(ctx, cfg.warmupURLs); err != nil {
				logger.Warn().Err(err).Msg("Cache warm-up incomplete")
			}
		}()
	}

	if cfg.pruneInterval > 0 {
		go pruneLoop(ctx, httpClient, cfg.pruneInterval)
	}

	server := &http.Server{
		Addr:    ":" + cfg.port,
		Handler: newRouter(httpClient),
	}

	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("user_agent", cfg.userAgent).
			Bool("cache_enabled", cfg.cacheEnabled).
			Msg("Starting cache proxy server")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down server")
	}
	logger.Info().Msg("Shutdown complete")
}

func pruneLoop(ctx context.Context, c *client.Client, interval time.Duration) {
	logger := logging.NewLogger("proxy")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Prune(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("Scheduled prune failed")
				continue
			}
			logger.Debug().Int("removed", n).Msg("Scheduled prune")
		}
	}
}

func newRouter(c *client.Client) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/fetch", fetchHandler(c))

	r.Route("/cache", func(r chi.Router) {
		r.Get("/stats", statsHandler(c))
		r.Post("/prune", pruneHandler(c))
		r.Post("/clear", clearHandler(c))
	})
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// fetchHandler proxies GET ?url=... through the client. refresh=true skips the
// cache lookup.
func fetchHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("url")
		if target == "" {
			http.Error(w, "missing url parameter", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
			ctx = client.WithForceRefresh(ctx)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid url: %v", err), http.StatusBadRequest)
			return
		}
		for _, name := range []string{"Accept", "Accept-Language", "Authorization", "Cache-Control"} {
			if v := r.Header.Get(name); v != "" {
				req.Header.Set(name, v)
			}
		}

		resp, err := c.Do(req)
		if err != nil {
			http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		for key, values := range resp.Header {
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}
		w.WriteHeader(resp.StatusCode)

		if _, err := io.Copy(w, resp.Body); err != nil {
			log.Warn().Err(err).Str("url", target).Msg("Failed to write response")
		}
	}
}

func statsHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := c.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func pruneHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := c.Prune(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})
	}
}

func clearHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := c.Clear(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
