package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrConflict is returned by Tx.UpdateRide when the stored status no longer
// matches the status the caller read.
var ErrConflict = errors.New("storage: conflicting ride update")

// RideFilter narrows ListRides. Empty fields match everything.
type RideFilter struct {
	RiderID  string
	DriverID string
	Statuses []models.RideStatus
	Limit    int
}

// Tx is the write surface available inside InTx. Both writes commit together
// or not at all.
type Tx interface {
	UpdateRide(ctx context.Context, r models.Ride, from models.RideStatus) error
	// SetDriverRide writes only the driver's current ride link. An empty
	// rideID clears it.
	SetDriverRide(ctx context.Context, driverID, rideID string, at time.Time) error
}

// Store is the durable boundary for rides, drivers and breadcrumbs.
type Store interface {
	CreateRide(ctx context.Context, r models.Ride) error
	GetRide(ctx context.Context, id string) (models.Ride, error)
	// ListRides returns matches newest first.
	ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error)
	InTx(ctx context.Context, fn func(Tx) error) error

	// Driver rows are written one column group at a time so concurrent
	// writers of different columns never overwrite each other.
	// SaveDriverLocation ignores a location older than the stored one.
	// Other columns, the ride link included, are left alone.
	SaveDriverLocation(ctx context.Context, driverID string, loc models.Location) error
	SaveDriverAvailability(ctx context.Context, driverID string, available bool, at time.Time) error
	ListDrivers(ctx context.Context) ([]models.Driver, error)

	AppendRideLocation(ctx context.Context, l models.RideLocation) error
	ListRideLocations(ctx context.Context, rideID string) ([]models.RideLocation, error)
	PruneRideLocations(ctx context.Context, before time.Time) (int64, error)

	DriverStats(ctx context.Context, driverID string) (models.DriverStats, error)
}

// Permanent reports whether retrying err cannot help.
func Permanent(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
