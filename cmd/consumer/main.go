package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/oku-ride/internal/config"
	"github.com/example/oku-ride/internal/ingest"
	"github.com/example/oku-ride/internal/logging"
	"github.com/example/oku-ride/internal/storage"
)

func main() {
	config.LoadDotEnv()
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger("oku-consumer", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	pings := storage.NewRedisPingStore(rc, cfg.RedisKeyPrefix, cfg.PingRetention)

	var archive *storage.MongoArchive
	if cfg.MongoURL != "" {
		archive, err = storage.NewMongoArchive(ctx, cfg.MongoURL, cfg.MongoDB)
		if err != nil {
			logger.Error("mongo connect failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = archive.Close(closeCtx)
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		if archive != nil {
			if err := archive.Ping(r.Context()); err != nil {
				http.Error(w, "mongo not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	reader := ingest.NewPingReader(cfg.KafkaBrokers, cfg.KafkaPingTopic, cfg.KafkaGroup)
	defer reader.Close()

	c := &consumer{
		src:      reader,
		pings:    pings,
		attempts: cfg.WriteAttempts,
		delay:    cfg.RetryDelay,
		logger:   logger,
	}
	if archive != nil {
		c.archive = archive
	}

	logger.Info("consumer listening", "topic", cfg.KafkaPingTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	if err := c.run(ctx); err != nil {
		logger.Error("consumer stopped", "error", err)
	}
	logger.Info("shutting down consumer")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
