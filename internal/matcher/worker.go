package matcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Run starts the match workers and the housekeeping loop and blocks until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.worker(ctx, id)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.housekeeping(ctx)
	}()
	e.logger.Info("match workers started", "workers", e.cfg.Workers)
	wg.Wait()
	return ctx.Err()
}

// worker holds the dispatch turn from dequeue until its driver search ends,
// so rides that become eligible together search in queue order and the
// oldest gets the first free driver. Commits still run in parallel.
func (e *Engine) worker(ctx context.Context, id int) {
	log := e.logger.With("worker", id)
	for {
		e.turn.Lock()
		ride, err := e.queue.Dequeue(ctx)
		if err != nil {
			e.turn.Unlock()
			return
		}
		e.process(ctx, ride, e.turn.Unlock)
		if ctx.Err() != nil {
			log.Debug("worker stopping")
			return
		}
	}
}

func (e *Engine) process(ctx context.Context, ride models.Ride, searched func()) {
	_, err := e.match(ctx, ride.ID, searched)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNoDriverAvailable):
		// parked by Match
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrNotFound):
		e.logger.Debug("ride left the queue", "ride_id", ride.ID, "reason", err)
	default:
		e.logger.Error("match failed", "ride_id", ride.ID, "error", err)
		// Store reads failed before Match could park it; keep it in line.
		if !e.queue.Contains(ride.ID) {
			if err := e.queue.Requeue(ride); err != nil {
				e.logger.Error("requeue failed", "ride_id", ride.ID, "error", err)
			}
		}
	}
	e.refreshGauges()
}

// housekeeping retries parked rides on RetryInterval and prunes old
// breadcrumbs on PruneInterval.
func (e *Engine) housekeeping(ctx context.Context) {
	retry := time.NewTicker(e.cfg.RetryInterval)
	defer retry.Stop()

	var prune <-chan time.Time
	if e.pruneInterval > 0 && e.retention > 0 {
		t := time.NewTicker(e.pruneInterval)
		defer t.Stop()
		prune = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-retry.C:
			e.queue.Wake()
			e.refreshGauges()
		case <-prune:
			e.PruneLocations(ctx)
		}
	}
}

// PruneLocations deletes breadcrumbs older than the retention window.
func (e *Engine) PruneLocations(ctx context.Context) {
	before := e.now().Add(-e.retention)
	n, err := e.store.PruneRideLocations(ctx, before)
	if err != nil {
		e.logger.Error("prune ride locations failed", "error", err)
		return
	}
	if n > 0 {
		e.logger.Info("pruned ride locations", "deleted", n, "before", before)
	}
}

// Restore rebuilds in-memory state from the store: drivers are loaded into
// the registry with their ride links reconciled against live rides, and
// every REQUESTED ride is queued again.
func (e *Engine) Restore(ctx context.Context) error {
	drivers, err := e.store.ListDrivers(ctx)
	if err != nil {
		return err
	}
	active, err := e.store.ListRides(ctx, storage.RideFilter{
		Statuses: []models.RideStatus{models.StatusAccepted, models.StatusInProgress},
	})
	if err != nil {
		return err
	}

	holder := make(map[string]string, len(active))
	for _, r := range active {
		if r.DriverID != "" {
			holder[r.DriverID] = r.ID
		}
	}
	seen := make(map[string]struct{}, len(drivers))
	var fixed []models.Driver
	for i := range drivers {
		d := &drivers[i]
		seen[d.ID] = struct{}{}
		if want := holder[d.ID]; d.CurrentRideID != want {
			e.logger.Warn("reconciled driver ride link", "driver_id", d.ID, "had", d.CurrentRideID, "want", want)
			d.CurrentRideID = want
			fixed = append(fixed, *d)
		}
	}
	for driverID, rideID := range holder {
		if _, ok := seen[driverID]; !ok {
			d := models.Driver{ID: driverID, CurrentRideID: rideID, UpdatedAt: e.now()}
			drivers = append(drivers, d)
			fixed = append(fixed, d)
		}
	}
	e.registry.Load(drivers)
	if len(fixed) > 0 {
		at := e.now()
		if err := e.store.InTx(ctx, func(tx storage.Tx) error {
			for _, d := range fixed {
				if err := tx.SetDriverRide(ctx, d.ID, d.CurrentRideID, at); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	for _, d := range drivers {
		e.mirrorDriver(ctx, d.ID)
	}

	requested, err := e.store.ListRides(ctx, storage.RideFilter{Statuses: []models.RideStatus{models.StatusRequested}})
	if err != nil {
		return err
	}
	queued := 0
	for _, r := range requested {
		if err := e.queue.Enqueue(r); err == nil {
			queued++
		}
	}
	e.refreshGauges()
	e.logger.Info("state restored", "drivers", len(drivers), "active_rides", len(active), "queued_rides", queued)
	return nil
}
