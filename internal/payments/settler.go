// Package payments holds the fare for a booking once it is approved and
// settles it when the ride ends.
package payments

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/oku-ride/internal/models"
	"github.com/example/oku-ride/internal/observability"
)

type Gateway interface {
	Hold(ctx context.Context, bookingID string, version int64, amount int64, currency string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Settler reacts to booking status events:
//
//	-> approved              hold the fare
//	-> completed             capture the hold
//	-> cancelled / rejected  cancel the hold
//	approved -> pending      cancel the hold (driver released)
//
// It runs as an event bus sink, so it sees each booking's events in order.
type Settler struct {
	Gateway  Gateway
	Amount   int64
	Currency string
	logger   *slog.Logger

	mu    sync.Mutex
	holds map[string]string // booking id -> payment intent id
}

func NewSettler(gw Gateway, amount int64, currency string, logger *slog.Logger) *Settler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{Gateway: gw, Amount: amount, Currency: currency, logger: logger, holds: make(map[string]string)}
}

func (s *Settler) Publish(ctx context.Context, evt models.Event) error {
	if evt.Type != models.EventBookingStatusChanged {
		return nil
	}
	switch evt.NewStatus {
	case models.StatusApproved:
		return s.hold(ctx, evt.BookingID, evt.Version)
	case models.StatusCompleted:
		return s.settle(ctx, "capture", evt.BookingID, s.Gateway.Capture)
	case models.StatusCancelled, models.StatusRejected:
		return s.settle(ctx, "cancel", evt.BookingID, s.Gateway.Cancel)
	case models.StatusPending:
		if evt.OldStatus == models.StatusApproved {
			return s.settle(ctx, "cancel", evt.BookingID, s.Gateway.Cancel)
		}
	}
	return nil
}

// HoldFor reports the payment intent currently holding the booking's fare.
func (s *Settler) HoldFor(bookingID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.holds[bookingID]
	return id, ok
}

func (s *Settler) hold(ctx context.Context, bookingID string, version int64) error {
	if _, ok := s.HoldFor(bookingID); ok {
		return nil
	}
	id, err := s.Gateway.Hold(ctx, bookingID, version, s.Amount, s.Currency)
	observability.PaymentOps.WithLabelValues("hold", observability.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("hold fare for %s: %w", bookingID, err)
	}
	s.mu.Lock()
	s.holds[bookingID] = id
	s.mu.Unlock()
	s.logger.Info("fare held", "booking_id", bookingID, "payment_intent", id)
	return nil
}

func (s *Settler) settle(ctx context.Context, op, bookingID string, fn func(context.Context, string) error) error {
	s.mu.Lock()
	id, ok := s.holds[bookingID]
	delete(s.holds, bookingID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	err := fn(ctx, id)
	observability.PaymentOps.WithLabelValues(op, observability.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("%s fare for %s: %w", op, bookingID, err)
	}
	s.logger.Info("fare settled", "op", op, "booking_id", bookingID, "payment_intent", id)
	return nil
}
