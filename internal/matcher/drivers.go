package matcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// SetDriverAvailable flips the driver's opt-in flag and persists it. A driver
// holding a ride cannot opt in.
func (e *Engine) SetDriverAvailable(ctx context.Context, driverID string, available bool) (models.Driver, error) {
	if strings.TrimSpace(driverID) == "" {
		return models.Driver{}, fmt.Errorf("%w: driver id is required", models.ErrValidation)
	}
	unlock := e.locks.Lock(driverKey(driverID))
	defer unlock()

	prev, known := e.registry.Get(driverID)
	d, err := e.registry.SetAvailable(driverID, available)
	if err != nil {
		return d, err
	}
	if err := e.withRetry(ctx, "save driver availability", func(ctx context.Context) error {
		return e.store.SaveDriverAvailability(ctx, driverID, available, d.UpdatedAt)
	}); err != nil {
		if known {
			// Only the flag is put back; a reserve since then keeps its ride.
			_, _ = e.registry.SetAvailable(driverID, prev.Available)
		} else {
			_, _ = e.registry.SetAvailable(driverID, false)
		}
		e.mirrorDriver(ctx, driverID)
		return prev, err
	}
	e.mirrorDriver(ctx, driverID)
	if d.Matchable() {
		e.queue.Wake()
	}
	e.refreshGauges()
	e.logger.Info("driver availability changed", "driver_id", driverID, "available", available)
	return d, nil
}

// ReportDriverLocation applies a position report. Reports older than the
// driver's last known location are ignored and return false. While the
// driver is on a ride the report is also kept as a breadcrumb.
func (e *Engine) ReportDriverLocation(ctx context.Context, rep models.LocationReport) (bool, error) {
	c := models.Coord{Lat: rep.Lat, Lon: rep.Lon}
	if strings.TrimSpace(rep.DriverID) == "" || !c.Valid() {
		observability.LocationsIngested.WithLabelValues("invalid").Inc()
		return false, fmt.Errorf("%w: driver id and a valid coordinate are required", models.ErrValidation)
	}
	at := rep.At
	if at.IsZero() {
		at = e.now()
	}
	d, ok := e.registry.ReportLocation(rep.DriverID, c, at)
	if !ok {
		observability.LocationsIngested.WithLabelValues("stale").Inc()
		return false, nil
	}
	observability.LocationsIngested.WithLabelValues("applied").Inc()

	if err := e.withRetry(ctx, "save driver location", func(ctx context.Context) error {
		return e.store.SaveDriverLocation(ctx, rep.DriverID, models.Location{Coord: c, At: at})
	}); err != nil {
		return true, err
	}
	if d.CurrentRideID != "" {
		crumb := models.RideLocation{
			RideID:    d.CurrentRideID,
			Lat:       c.Lat,
			Lon:       c.Lon,
			Heading:   rep.Heading,
			Speed:     rep.Speed,
			Timestamp: at,
		}
		if err := e.appendBreadcrumb(ctx, rep.DriverID, crumb); err != nil {
			return true, err
		}
	}
	e.mirrorDriver(ctx, rep.DriverID)
	if cur, ok := e.registry.Get(rep.DriverID); ok && cur.Matchable() {
		e.queue.Wake()
	}
	return true, nil
}

// appendBreadcrumb stores crumb under the ride lock, and only while the
// driver still holds that ride. A ride that completed or rolled back since
// the report was taken gets no breadcrumb.
func (e *Engine) appendBreadcrumb(ctx context.Context, driverID string, crumb models.RideLocation) error {
	unlock := e.locks.Lock(rideKey(crumb.RideID))
	defer unlock()
	if d, ok := e.registry.Get(driverID); !ok || d.CurrentRideID != crumb.RideID {
		return nil
	}
	crumb.ID = e.newID()
	return e.withRetry(ctx, "append ride location", func(ctx context.Context) error {
		return e.store.AppendRideLocation(ctx, crumb)
	})
}
