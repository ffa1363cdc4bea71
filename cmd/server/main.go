package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/oku-ride/internal/auth"
	"github.com/example/oku-ride/internal/booking"
	"github.com/example/oku-ride/internal/config"
	"github.com/example/oku-ride/internal/dispatch"
	"github.com/example/oku-ride/internal/eta"
	"github.com/example/oku-ride/internal/events"
	httpapi "github.com/example/oku-ride/internal/http"
	"github.com/example/oku-ride/internal/ingest"
	"github.com/example/oku-ride/internal/logging"
	"github.com/example/oku-ride/internal/matcher"
	"github.com/example/oku-ride/internal/models"
	"github.com/example/oku-ride/internal/observability"
	"github.com/example/oku-ride/internal/payments"
	"github.com/example/oku-ride/internal/relay"
	"github.com/example/oku-ride/internal/storage"
)

func main() {
	config.LoadDotEnv()
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("oku-api", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, "oku-api", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	var closers []func(context.Context) error
	closers = append(closers, shutdownTracer)

	var checks []httpapi.Check

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, func(context.Context) error { return ps.Close() })
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		checks = append(checks, httpapi.Check{Name: "postgres", Fn: ps.Ping})
		store = ps
	} else {
		logger.Warn("PG_DSN not set, bookings are kept in memory")
		store = storage.NewMemoryStore()
	}

	var pings storage.PingStore
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, func(context.Context) error { return rc.Close() })
		checks = append(checks, httpapi.Check{Name: "redis", Fn: func(ctx context.Context) error { return rc.Ping(ctx).Err() }})
		pings = storage.NewRedisPingStore(rc, cfg.RedisKeyPrefix, cfg.PingRetention)
	} else {
		mem := storage.NewMemoryPingStore(cfg.PingRetention)
		go mem.RunPruner(ctx, time.Minute)
		pings = mem
	}

	var sinks []events.Sink
	var stream relay.PingStream
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPingTopic, cfg.KafkaEventTopic)
		closers = append(closers, func(context.Context) error { return kp.Close() })
		stream = kp
		sinks = append(sinks, events.Sink{Name: "kafka", Publisher: kp})
	}
	if cfg.RabbitURL != "" {
		rp, err := dispatch.NewRabbitPublisher(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			return err
		}
		closers = append(closers, func(context.Context) error { return rp.Close() })
		sinks = append(sinks, events.Sink{Name: "rabbitmq", Publisher: rp, Accept: dispatch.NotifiableEvent})
	}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, events.Sink{
			Name:      "webhook",
			Publisher: dispatch.NewWebhook(cfg.NotifyWebhookURL, cfg.NotifyWebhookToken),
			Accept:    dispatch.NotifiableEvent,
		})
	}
	if cfg.StripeAPIKey != "" {
		settler := payments.NewSettler(payments.NewStripeClient(cfg.StripeAPIKey), cfg.FareAmountCents, cfg.FareCurrency, logger)
		sinks = append(sinks, events.Sink{
			Name:      "payments",
			Publisher: settler,
			Accept:    func(e models.Event) bool { return e.Type == models.EventBookingStatusChanged },
		})
	}

	hub := relay.NewHub(cfg.SubscriberBuffer, logger)
	bus := events.NewBus(logger, hub, sinks...)
	est := eta.New(cfg.ETAFallbackKmh)

	rl := relay.New(pings, store, bus, hub, est, logger)
	if stream != nil {
		rl.Stream = stream
	}

	authn := auth.New(cfg.JWTSecret)
	if authn.DevMode() {
		logger.Warn("JWT_SECRET not set, trusting X-User-ID and X-User-Role headers")
	}

	api := httpapi.NewServer(httpapi.Deps{
		Bookings: booking.NewService(store, store, bus, logger),
		Relay:    rl,
		Matcher:  &matcher.Service{Geo: pings, Drivers: store, Bookings: store, ETA: est, TopN: cfg.MatcherTopN},
		Auth:     authn,
		Logger:   logger,
		Checks:   checks,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		// Websocket handlers outlive Shutdown; the signal context ends them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("oku-api listening", "addr", cfg.HTTPAddr, "sinks", len(sinks))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := bus.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
