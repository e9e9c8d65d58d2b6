package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/popfuse/popfuse/internal/api"
	"github.com/popfuse/popfuse/internal/catalog"
	"github.com/popfuse/popfuse/internal/challenge"
	"github.com/popfuse/popfuse/internal/config"
	"github.com/popfuse/popfuse/internal/decision"
	"github.com/popfuse/popfuse/internal/kv"
	"github.com/popfuse/popfuse/internal/metrics"
	"github.com/popfuse/popfuse/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	port := flag.Int("port", 0, "Server port (overrides config)")
	flag.Parse()

	// A local .env is optional; environment overrides are read during
	// config defaulting.
	godotenv.Load()

	logger := newLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("could not load config file, using defaults", "path", *configPath, "error", err)
		cfg = config.Default()
	}

	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			cfg.Server.Port = p
		}
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	m := metrics.New()

	cache, err := catalog.NewCache(cfg.Engine.CacheTTL, m.CacheHits, m.CacheMisses)
	if err != nil {
		logger.Error("failed to initialize catalog cache", "error", err)
		os.Exit(1)
	}

	store, err := catalog.NewStore(cfg.Database, cache)
	if err != nil {
		logger.Error("failed to initialize catalog database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ttlStore, err := kv.NewRedisStore(redisClient,
		kv.WithPrefix(cfg.Redis.KeyPrefix),
		kv.WithTimeout(cfg.Redis.Timeout),
		kv.WithErrorCounter(m.KVErrors),
	)
	if err != nil {
		logger.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}

	frequency := decision.NewFrequencyEvaluator(ttlStore, cfg.Engine.SessionTTL, logger)
	allocator := decision.NewAllocator(ttlStore, logger)
	filter := decision.NewFilter(store, allocator, frequency, logger, m.CampaignsCapped)
	limiter := ratelimit.New(ttlStore, logger, m.RateLimitDenied)
	tokens := challenge.NewService(ttlStore, logger, m.ChallengeConsumed)

	apiServer := api.New(cfg, store, filter, frequency, limiter, tokens, m, logger)

	errChan := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		logger.Info("popfuse engine starting", "addr", addr)
		if err := apiServer.Start(addr); err != nil {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down")
	case err := <-errChan:
		logger.Error("server error", "error", err)
	}

	apiServer.Shutdown()
	logger.Info("server stopped")
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToUpper(os.Getenv("LOG_TYPE")) == "JSON" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
