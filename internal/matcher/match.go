package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// etaTimeout bounds the routing call made while the ride lock is held.
const etaTimeout = 500 * time.Millisecond

// Match assigns the nearest matchable driver to a REQUESTED ride. A lost
// reservation excludes that driver and tries the next one. When nobody can
// be reserved the ride is parked in the queue and ErrNoDriverAvailable is
// returned.
func (e *Engine) Match(ctx context.Context, rideID string) (models.Ride, error) {
	return e.match(ctx, rideID, nil)
}

// match runs Match and calls searched once the driver search is over,
// before the commit. Workers use it to hand the dispatch turn on.
func (e *Engine) match(ctx context.Context, rideID string, searched func()) (models.Ride, error) {
	unlock := e.locks.Lock(rideKey(rideID))
	defer unlock()
	endSearch := func() {
		if searched != nil {
			searched()
			searched = nil
		}
	}
	defer endSearch()

	cur, err := e.loadRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if cur.Status != models.StatusRequested {
		e.queue.Remove(rideID)
		e.forget(rideID)
		return cur, fmt.Errorf("match ride %s in status %s: %w", rideID, cur.Status, models.ErrInvalidState)
	}

	excluded := make(map[string]struct{})
	for attempt := 0; attempt < e.cfg.MaxReserveAttempts; attempt++ {
		driverID, ok := e.registry.FindNearestAvailable(cur.Pickup.Coord, excluded)
		if !ok {
			break
		}
		if !e.registry.Reserve(driverID, rideID) {
			observability.LostReserves.Inc()
			excluded[driverID] = struct{}{}
			continue
		}
		endSearch()
		next, err := e.commitAssignment(ctx, cur, driverID)
		if err != nil && !errors.Is(err, models.ErrInvalidState) {
			e.park(cur)
		}
		return next, err
	}

	e.park(cur)
	e.notifyTimeout(cur)
	return cur, fmt.Errorf("ride %s: %w", rideID, models.ErrNoDriverAvailable)
}

// commitAssignment writes ride and driver in one transaction. On failure the
// reservation is undone so the driver is matchable again.
func (e *Engine) commitAssignment(ctx context.Context, cur models.Ride, driverID string) (models.Ride, error) {
	now := later(e.now(), &cur.RequestedAt)
	next := cur
	next.Status = models.StatusAccepted
	next.DriverID = driverID
	next.AcceptedAt = &now

	err := e.withRetry(ctx, "commit assignment", func(ctx context.Context) error {
		return e.store.InTx(ctx, func(tx storage.Tx) error {
			if err := tx.UpdateRide(ctx, next, models.StatusRequested); err != nil {
				return err
			}
			return tx.SetDriverRide(ctx, driverID, cur.ID, now)
		})
	})
	if err != nil {
		e.registry.Unreserve(driverID, cur.ID)
		e.mirrorDriver(ctx, driverID)
		e.logger.Warn("assignment rolled back", "ride_id", cur.ID, "driver_id", driverID, "error", err)
		return cur, conflictAsState(err, cur.ID)
	}

	e.queue.Remove(cur.ID)
	e.forget(cur.ID)
	observability.MatchesTotal.Inc()
	observability.MatchLatency.Observe(now.Sub(cur.RequestedAt).Seconds())
	observability.Transitions.WithLabelValues(string(cur.Status), string(next.Status)).Inc()

	ev := e.event(models.EventAssigned, cur.Status, next, now)
	if secs, ok := e.pickupETA(ctx, driverID, cur.Pickup.Coord); ok {
		ev.ETASeconds = &secs
	}
	e.publish(ev)
	e.mirrorDriver(ctx, driverID)
	e.refreshGauges()
	e.logger.Info("ride assigned", "ride_id", cur.ID, "driver_id", driverID, "rider_id", cur.RiderID)
	return next, nil
}

// pickupETA asks the estimator for the driver's time to pickup, bounded by
// etaTimeout so a slow routing backend cannot hold the ride lock.
func (e *Engine) pickupETA(ctx context.Context, driverID string, pickup models.Coord) (float64, bool) {
	if e.eta == nil {
		return 0, false
	}
	drv, ok := e.registry.Get(driverID)
	if !ok || drv.LastLocation == nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(ctx, etaTimeout)
	defer cancel()
	return e.eta.Seconds(ctx, drv.LastLocation.Coord, pickup), true
}

// park puts the ride back in line until the next wake. A ride that is still
// queued keeps its place.
func (e *Engine) park(r models.Ride) {
	e.queue.Remove(r.ID)
	if err := e.queue.Requeue(r); err != nil {
		e.logger.Error("requeue failed", "ride_id", r.ID, "error", err)
	}
}

// notifyTimeout tells the rider once that no driver was found in time.
func (e *Engine) notifyTimeout(r models.Ride) {
	if e.cfg.Timeout <= 0 {
		return
	}
	now := e.now()
	if now.Sub(r.RequestedAt) < e.cfg.Timeout {
		return
	}
	e.mu.Lock()
	_, done := e.notified[r.ID]
	e.notified[r.ID] = struct{}{}
	e.mu.Unlock()
	if done {
		return
	}
	observability.MatchTimeouts.Inc()
	ev := e.event(models.EventNoDriver, r.Status, r, now)
	ev.Message = "no drivers nearby"
	e.publish(ev)
	e.logger.Info("match timeout", "ride_id", r.ID, "waited", now.Sub(r.RequestedAt).String())
}

func (e *Engine) forget(rideID string) {
	e.mu.Lock()
	delete(e.notified, rideID)
	e.mu.Unlock()
}
