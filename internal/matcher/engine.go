// Package matcher owns the ride lifecycle. Every ride mutation goes through
// Engine, which serializes work per ride, reserves drivers in the registry
// before committing, and publishes an event only after the store commit.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

// Publisher receives committed ride events.
type Publisher interface {
	Publish(models.Event)
}

// LocationMirror is a secondary geo index of matchable drivers. It is
// written after the registry changes and never read by matching, so it can
// briefly disagree with the registry. Writes are best effort; a failed one
// is logged and repaired by the driver's next update.
type LocationMirror interface {
	Put(ctx context.Context, driverID string, c models.Coord) error
	Drop(ctx context.Context, driverID string) error
}

// Estimator answers pickup ETAs. It must honour ctx and return a fallback
// estimate once ctx is done; assignment allows it etaTimeout.
type Estimator interface {
	Seconds(ctx context.Context, from, to models.Coord) float64
}

// Deps wires an Engine. Mirror and ETA are optional.
type Deps struct {
	Store    storage.Store
	Queue    *queue.Queue
	Registry *registry.Registry
	Events   Publisher
	Mirror   LocationMirror
	ETA      Estimator
	Logger   *slog.Logger

	Match             config.MatchConfig
	LocationRetention time.Duration
	PruneInterval     time.Duration
}

type Engine struct {
	store    storage.Store
	queue    *queue.Queue
	registry *registry.Registry
	events   Publisher
	mirror   LocationMirror
	eta      Estimator
	logger   *slog.Logger

	cfg           config.MatchConfig
	retention     time.Duration
	pruneInterval time.Duration

	locks *keyedMutex
	turn  sync.Mutex
	now   func() time.Time
	newID func() string

	mu sync.Mutex
	// notified holds rides that already got a no_driver event.
	notified map[string]struct{}
}

func New(d Deps) *Engine {
	cfg := d.Match
	def := config.DefaultMatchConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxReserveAttempts <= 0 {
		cfg.MaxReserveAttempts = def.MaxReserveAttempts
	}
	if cfg.CommitAttempts <= 0 {
		cfg.CommitAttempts = def.CommitAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:         d.Store,
		queue:         d.Queue,
		registry:      d.Registry,
		events:        d.Events,
		mirror:        d.Mirror,
		eta:           d.ETA,
		logger:        logger.With("component", "matcher"),
		cfg:           cfg,
		retention:     d.LocationRetention,
		pruneInterval: d.PruneInterval,
		locks:         newKeyedMutex(),
		now:           time.Now,
		newID:         uuid.NewString,
		notified:      make(map[string]struct{}),
	}
}

// withRetry runs fn until it succeeds, fails permanently, or uses up
// CommitAttempts. Exhaustion is reported as ErrDispatchUnavailable.
func (e *Engine) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := e.cfg.CommitBackoff
	var err error
	for attempt := 1; attempt <= e.cfg.CommitAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if storage.Permanent(err) {
			return err
		}
		if attempt == e.cfg.CommitAttempts {
			break
		}
		observability.CommitRetries.Inc()
		e.logger.Warn("store write failed, retrying", "op", op, "attempt", attempt, "error", err)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	observability.CommitFailures.Inc()
	e.logger.Error("store write failed", "op", op, "attempts", e.cfg.CommitAttempts, "error", err)
	return fmt.Errorf("%s: %w: %w", op, models.ErrDispatchUnavailable, err)
}

func (e *Engine) loadRide(ctx context.Context, id string) (models.Ride, error) {
	var r models.Ride
	err := e.withRetry(ctx, "get ride", func(ctx context.Context) error {
		var err error
		r, err = e.store.GetRide(ctx, id)
		return err
	})
	return r, err
}

// conflictAsState maps a lost compare-and-set to ErrInvalidState.
func conflictAsState(err error, rideID string) error {
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("ride %s changed concurrently: %w", rideID, models.ErrInvalidState)
	}
	return err
}

func (e *Engine) event(typ models.EventType, from models.RideStatus, r models.Ride, at time.Time) models.Event {
	return models.Event{
		Type:      typ,
		RideID:    r.ID,
		RiderID:   r.RiderID,
		DriverID:  r.DriverID,
		OldStatus: from,
		NewStatus: r.Status,
		At:        at,
	}
}

func (e *Engine) publish(ev models.Event) {
	if e.events == nil {
		return
	}
	e.events.Publish(ev)
}

// mirrorDriver copies the driver's current registry state to the geo index.
// Writes for one driver are serialized and each reads the registry afresh,
// so the last write always reflects the newest state.
func (e *Engine) mirrorDriver(ctx context.Context, driverID string) {
	if e.mirror == nil {
		return
	}
	unlock := e.locks.Lock(mirrorKey(driverID))
	defer unlock()
	d, ok := e.registry.Get(driverID)
	if !ok {
		d = models.Driver{ID: driverID}
	}
	var err error
	if d.Matchable() {
		err = e.mirror.Put(ctx, d.ID, d.LastLocation.Coord)
	} else {
		err = e.mirror.Drop(ctx, d.ID)
	}
	if err != nil {
		e.logger.Warn("geo mirror update failed", "driver_id", d.ID, "error", err)
	}
}

func (e *Engine) refreshGauges() {
	observability.QueueDepth.Set(float64(e.queue.Len()))
	observability.DriversOnline.Set(float64(e.registry.MatchableCount()))
}

// later keeps lifecycle timestamps monotonic when the wall clock steps back.
func later(now time.Time, prev *time.Time) time.Time {
	if prev != nil && now.Before(*prev) {
		return *prev
	}
	return now
}
