// Package events fans committed domain events out to the realtime hub and to
// outbound sinks.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/oku-ride/internal/models"
	"github.com/example/oku-ride/internal/observability"
)

type Publisher interface {
	Publish(ctx context.Context, evt models.Event) error
}

type PublisherFunc func(ctx context.Context, evt models.Event) error

func (f PublisherFunc) Publish(ctx context.Context, evt models.Event) error { return f(ctx, evt) }

// Sink is an outbound publisher that runs off the request path.
type Sink struct {
	Name      string
	Publisher Publisher
	// Buffer is the queue length before events are dropped. Defaults to 256.
	Buffer int
	// Timeout bounds a single Publish call. Defaults to 5s.
	Timeout time.Duration
	// Accept, when set, skips events it returns false for.
	Accept func(models.Event) bool
}

type sinkWorker struct {
	Sink
	queue chan models.Event
}

// Bus delivers each event synchronously to the primary publisher, so callers
// that publish in commit order keep that order for subscribers, then queues
// it for every sink. Each sink has one worker and sees events in FIFO order.
// A full sink queue drops the event and counts it.
type Bus struct {
	primary Publisher
	sinks   []*sinkWorker
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewBus(logger *slog.Logger, primary Publisher, sinks ...Sink) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{primary: primary, logger: logger}
	for _, s := range sinks {
		if s.Publisher == nil {
			continue
		}
		if s.Buffer <= 0 {
			s.Buffer = 256
		}
		if s.Timeout <= 0 {
			s.Timeout = 5 * time.Second
		}
		w := &sinkWorker{Sink: s, queue: make(chan models.Event, s.Buffer)}
		b.sinks = append(b.sinks, w)
		b.wg.Add(1)
		go b.run(w)
	}
	return b
}

func (b *Bus) Publish(ctx context.Context, evt models.Event) error {
	if b.primary != nil {
		if err := b.primary.Publish(ctx, evt); err != nil {
			b.logger.Warn("primary publish failed", "type", evt.Type, "booking_id", evt.BookingID, "error", err)
		}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, w := range b.sinks {
		if w.Accept != nil && !w.Accept(evt) {
			continue
		}
		select {
		case w.queue <- evt:
		default:
			observability.EventsDropped.WithLabelValues(w.Name).Inc()
			b.logger.Warn("sink queue full, dropping event", "sink", w.Name, "type", evt.Type, "booking_id", evt.BookingID)
		}
	}
	return nil
}

func (b *Bus) run(w *sinkWorker) {
	defer b.wg.Done()
	for evt := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.Timeout)
		err := w.Publisher.Publish(ctx, evt)
		cancel()
		if err != nil {
			observability.EventsDropped.WithLabelValues(w.Name).Inc()
			b.logger.Error("sink publish failed", "sink", w.Name, "type", evt.Type, "booking_id", evt.BookingID, "error", err)
			continue
		}
		observability.EventsPublished.WithLabelValues(w.Name).Inc()
	}
}

// Close stops accepting events and waits for the sink queues to drain or ctx
// to expire.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, w := range b.sinks {
			close(w.queue)
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
