package matcher

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func (e *Engine) GetRide(ctx context.Context, id string) (models.Ride, error) {
	return e.loadRide(ctx, id)
}

func (e *Engine) ListRides(ctx context.Context, f storage.RideFilter) ([]models.Ride, error) {
	var out []models.Ride
	err := e.withRetry(ctx, "list rides", func(ctx context.Context) error {
		var err error
		out, err = e.store.ListRides(ctx, f)
		return err
	})
	return out, err
}

// ActiveRide returns the rider's live ride, if any.
func (e *Engine) ActiveRide(ctx context.Context, riderID string) (models.Ride, error) {
	rides, err := e.ListRides(ctx, storage.RideFilter{RiderID: riderID, Statuses: liveStatuses, Limit: 1})
	if err != nil {
		return models.Ride{}, err
	}
	if len(rides) == 0 {
		return models.Ride{}, fmt.Errorf("active ride for rider %s: %w", riderID, models.ErrNotFound)
	}
	return rides[0], nil
}

// AvailableRides lists rides still waiting for a driver, oldest first.
func (e *Engine) AvailableRides() []models.Ride {
	return e.queue.Snapshot()
}

func (e *Engine) RideLocations(ctx context.Context, rideID string) ([]models.RideLocation, error) {
	if _, err := e.loadRide(ctx, rideID); err != nil {
		return nil, err
	}
	var out []models.RideLocation
	err := e.withRetry(ctx, "list ride locations", func(ctx context.Context) error {
		var err error
		out, err = e.store.ListRideLocations(ctx, rideID)
		return err
	})
	return out, err
}

func (e *Engine) DriverStats(ctx context.Context, driverID string) (models.DriverStats, error) {
	var st models.DriverStats
	err := e.withRetry(ctx, "driver stats", func(ctx context.Context) error {
		var err error
		st, err = e.store.DriverStats(ctx, driverID)
		return err
	})
	return st, err
}

// Driver returns the registry's view of a driver.
func (e *Engine) Driver(driverID string) (models.Driver, error) {
	d, ok := e.registry.Get(driverID)
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	return d, nil
}

// Drivers returns every known driver sorted by id.
func (e *Engine) Drivers() []models.Driver {
	return e.registry.Snapshot()
}
