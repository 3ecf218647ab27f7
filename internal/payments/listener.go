// Package payments settles card rides: the fare is held when a driver is
// assigned, captured on completion and released on cancellation.
package payments

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

type Gateway interface {
	Hold(ctx context.Context, rideID string, amount int64, currency string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Rides is the slice of the engine the listener reads and writes through.
type Rides interface {
	GetRide(ctx context.Context, id string) (models.Ride, error)
	SetPaymentStatus(ctx context.Context, id string, status models.PaymentStatus) (models.Ride, error)
}

type Listener struct {
	gateway  Gateway
	rides    Rides
	currency string
	logger   *slog.Logger

	mu    sync.Mutex
	holds map[string]string // ride id -> payment intent id
}

func NewListener(g Gateway, rides Rides, currency string, logger *slog.Logger) *Listener {
	if currency == "" {
		currency = "usd"
	}
	return &Listener{
		gateway:  g,
		rides:    rides,
		currency: currency,
		logger:   logger.With("component", "payments"),
		holds:    make(map[string]string),
	}
}

// Run handles events until ctx ends or the stream closes.
func (l *Listener) Run(ctx context.Context, events <-chan models.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("payments: event stream closed")
			}
			if err := l.Handle(ctx, ev); err != nil {
				l.logger.Error("payment step failed", "ride_id", ev.RideID, "event", ev.Type, "status", ev.NewStatus, "error", err)
			}
		}
	}
}

func (l *Listener) Handle(ctx context.Context, ev models.Event) error {
	switch {
	case ev.Type == models.EventAssigned:
		ride, ok, err := l.cardRide(ctx, ev.RideID)
		if err != nil || !ok {
			return err
		}
		_, err = l.hold(ctx, ride)
		return err
	case ev.Type == models.EventTransition && ev.NewStatus == models.StatusCompleted:
		ride, ok, err := l.cardRide(ctx, ev.RideID)
		if err != nil || !ok {
			return err
		}
		return l.capture(ctx, ride)
	case ev.Type == models.EventTransition && ev.NewStatus == models.StatusCancelled:
		return l.release(ctx, ev.RideID)
	}
	return nil
}

// cardRide loads the ride and reports whether it is a card ride with a fare.
func (l *Listener) cardRide(ctx context.Context, id string) (models.Ride, bool, error) {
	ride, err := l.rides.GetRide(ctx, id)
	if err != nil {
		return models.Ride{}, false, err
	}
	return ride, ride.PaymentMethod == models.PaymentCard && ride.FareAmount != nil && *ride.FareAmount > 0, nil
}

func (l *Listener) hold(ctx context.Context, ride models.Ride) (string, error) {
	l.mu.Lock()
	id, ok := l.holds[ride.ID]
	l.mu.Unlock()
	if ok {
		return id, nil
	}
	id, err := l.gateway.Hold(ctx, ride.ID, cents(*ride.FareAmount), l.currency)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	l.holds[ride.ID] = id
	l.mu.Unlock()
	l.logger.Info("fare held", "ride_id", ride.ID, "payment_intent", id)
	return id, nil
}

func (l *Listener) capture(ctx context.Context, ride models.Ride) error {
	// Hold is idempotent per ride, so a hold lost to a restart is recovered here.
	id, err := l.hold(ctx, ride)
	if err == nil {
		err = l.gateway.Capture(ctx, id)
	}
	status := models.PaymentCompleted
	if err != nil {
		status = models.PaymentFailed
	}
	if _, serr := l.rides.SetPaymentStatus(ctx, ride.ID, status); serr != nil {
		return errors.Join(err, serr)
	}
	if err != nil {
		return err
	}
	l.forget(ride.ID)
	l.logger.Info("fare captured", "ride_id", ride.ID, "payment_intent", id)
	return nil
}

// release cancels the ride's hold. A hold this process does not remember,
// say after a restart, is looked up again through the idempotent Hold, but
// only for card rides that were assigned and so were held.
func (l *Listener) release(ctx context.Context, rideID string) error {
	l.mu.Lock()
	id, ok := l.holds[rideID]
	l.mu.Unlock()
	if !ok {
		ride, card, err := l.cardRide(ctx, rideID)
		if err != nil || !card || ride.AcceptedAt == nil {
			return err
		}
		if id, err = l.hold(ctx, ride); err != nil {
			return err
		}
	}
	if err := l.gateway.Cancel(ctx, id); err != nil {
		return err
	}
	l.forget(rideID)
	l.logger.Info("fare hold released", "ride_id", rideID, "payment_intent", id)
	return nil
}

func (l *Listener) forget(rideID string) {
	l.mu.Lock()
	delete(l.holds, rideID)
	l.mu.Unlock()
}

func cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
