package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/speakcoach/speakcoach-server/internal/config"
	"github.com/speakcoach/speakcoach-server/internal/feedback"
	"github.com/speakcoach/speakcoach-server/internal/metrics"
	"github.com/speakcoach/speakcoach-server/internal/scenario"
	"github.com/speakcoach/speakcoach-server/internal/sentiment"
	"github.com/speakcoach/speakcoach-server/internal/server"
	"github.com/speakcoach/speakcoach-server/internal/transcriber"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config.yaml", "Configuration file path")
	flag.Parse()

	// Secrets come from the environment; .env is a local convenience.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file", "error", err)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	catalog, err := scenario.LoadCatalog(cfg.Scenarios.CatalogPath)
	if err != nil {
		logger.Error("failed to load scenario catalog", "error", err)
		os.Exit(1)
	}
	logger.Info("scenario catalog loaded", "path", cfg.Scenarios.CatalogPath, "count", len(catalog.All()))

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, job registry degraded", "address", cfg.Redis.Address, "error", err)
	}
	cancel()

	m := metrics.New()

	srv := server.New(cfg, server.Deps{
		Scenarios: catalog,
		Provider:  transcriber.NewProvider(cfg.Speech.TokenURL, cfg.Speech.EndURL, cfg.Speech.APIKey),
		Feedback:  feedback.NewClient(cfg.Feedback.APIKey, cfg.Feedback.Model, cfg.Feedback.Timeout.Std(), logger),
		Sentiment: sentiment.NewClient(sentiment.Config{
			Endpoint:     cfg.Sentiment.Endpoint,
			Threshold:    cfg.Sentiment.Threshold,
			PollInterval: cfg.Sentiment.PollInterval.Std(),
			Timeout:      cfg.Sentiment.Timeout.Std(),
		}, logger),
		Jobs:    sentiment.NewStore(redisClient, cfg.Redis.KeyPrefix, cfg.Sentiment.JobTTL.Std()),
		Metrics: m,
		Logger:  logger,
	})

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			logger.Info("metrics listener started", "address", cfg.Metrics.Address)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	go func() {
		if err := srv.Listen(); err != nil {
			logger.Error("api server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown failed", "error", err)
		}
	}
	if err := redisClient.Close(); err != nil {
		logger.Error("redis close failed", "error", err)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
