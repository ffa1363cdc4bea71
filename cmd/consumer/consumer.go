package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	"github.com/example/oku-ride/internal/ingest"
	"github.com/example/oku-ride/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oku_consumer_messages_consumed_total",
		Help: "Total location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oku_consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	pingWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oku_consumer_ping_writes_total",
		Help: "Total pings written to the ping store",
	})
	pingWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oku_consumer_ping_write_errors_total",
		Help: "Total pings dropped after exhausting retries",
	})
	archiveErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oku_consumer_archive_errors_total",
		Help: "Total pings that could not be archived",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, pingWrites, pingWriteErrors, archiveErrors)
}

type messageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// PingWriter is the subset of the ping store the consumer needs.
type PingWriter interface {
	SavePing(ctx context.Context, p models.LocationPing) error
}

type Archiver interface {
	Archive(ctx context.Context, p models.LocationPing) error
}

type consumer struct {
	src      messageSource
	pings    PingWriter
	archive  Archiver // optional
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// run consumes until ctx is cancelled. Fetch errors back off exponentially.
func (c *consumer) run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		m, err := c.src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka fetch failed", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff
		c.handle(ctx, m)
		if err := c.src.Commit(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("kafka commit failed", "offset", m.Offset, "error", err)
		}
	}
}

// handle stores one message. Invalid and undeliverable pings are counted and
// skipped; a ping is worthless once the next one from the driver arrives.
func (c *consumer) handle(ctx context.Context, m kafka.Message) {
	msgsConsumed.Inc()
	p, err := ingest.DecodePing(m.Value)
	if err != nil {
		msgsInvalid.Inc()
		c.logger.Warn("invalid message", "partition", m.Partition, "offset", m.Offset, "error", err)
		return
	}
	if err := saveWithRetry(ctx, c.pings, p, c.attempts, c.delay); err != nil {
		pingWriteErrors.Inc()
		c.logger.Error("ping write failed", "driver_id", p.DriverID, "error", err)
		return
	}
	pingWrites.Inc()
	if c.archive != nil {
		if err := c.archive.Archive(ctx, p); err != nil {
			archiveErrors.Inc()
			c.logger.Warn("ping archive failed", "driver_id", p.DriverID, "error", err)
		}
	}
}

// saveWithRetry writes p, doubling delay between attempts.
func saveWithRetry(ctx context.Context, w PingWriter, p models.LocationPing, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = w.SavePing(ctx, p); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if !sleep(ctx, delay) {
			return errors.Join(err, ctx.Err())
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
