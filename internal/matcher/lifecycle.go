package matcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var liveStatuses = []models.RideStatus{models.StatusRequested, models.StatusAccepted, models.StatusInProgress}

// CancelRequest describes a cancellation. ExpectedStatus, when set, makes the
// cancel fail with ErrInvalidState if the ride has moved on.
type CancelRequest struct {
	RideID         string
	Actor          models.Actor
	ExpectedStatus models.RideStatus
	Reason         string
}

func validateRequest(req models.RideRequest) error {
	var problems []string
	if strings.TrimSpace(req.RiderID) == "" {
		problems = append(problems, "rider_id is required")
	}
	if !req.Pickup.Valid() {
		problems = append(problems, "pickup is out of range")
	}
	if !req.Dropoff.Valid() {
		problems = append(problems, "dropoff is out of range")
	}
	switch req.PaymentMethod {
	case "", models.PaymentCard, models.PaymentCash, models.PaymentWallet:
	default:
		problems = append(problems, fmt.Sprintf("unknown payment_method %q", req.PaymentMethod))
	}
	if req.FareAmount != nil && *req.FareAmount < 0 {
		problems = append(problems, "fare_amount must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", models.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// RequestRide records a new REQUESTED ride and queues it for matching. A rider
// may hold at most one live ride.
func (e *Engine) RequestRide(ctx context.Context, req models.RideRequest) (models.Ride, error) {
	if err := validateRequest(req); err != nil {
		return models.Ride{}, err
	}
	unlockRider := e.locks.Lock(riderKey(req.RiderID))
	defer unlockRider()

	var live []models.Ride
	err := e.withRetry(ctx, "list rider rides", func(ctx context.Context) error {
		var err error
		live, err = e.store.ListRides(ctx, storage.RideFilter{RiderID: req.RiderID, Statuses: liveStatuses, Limit: 1})
		return err
	})
	if err != nil {
		return models.Ride{}, err
	}
	if len(live) > 0 {
		return models.Ride{}, fmt.Errorf("rider %s already has ride %s: %w", req.RiderID, live[0].ID, models.ErrInvalidState)
	}

	method := req.PaymentMethod
	if method == "" {
		method = models.PaymentCard
	}
	ride := models.Ride{
		ID:              e.newID(),
		RiderID:         req.RiderID,
		Status:          models.StatusRequested,
		Pickup:          req.Pickup,
		Dropoff:         req.Dropoff,
		FareAmount:      req.FareAmount,
		DistanceKm:      req.DistanceKm,
		DurationMinutes: req.DurationMinutes,
		PaymentMethod:   method,
		PaymentStatus:   models.PaymentPending,
		RequestedAt:     e.now(),
	}
	if err := e.withRetry(ctx, "create ride", func(ctx context.Context) error {
		return e.store.CreateRide(ctx, ride)
	}); err != nil {
		return models.Ride{}, err
	}

	// Hold the ride lock so a worker cannot publish assigned before requested.
	unlock := e.locks.Lock(rideKey(ride.ID))
	defer unlock()
	if err := e.queue.Enqueue(ride); err != nil {
		return models.Ride{}, err
	}
	e.publish(e.event(models.EventRequested, "", ride, ride.RequestedAt))
	e.refreshGauges()
	e.logger.Info("ride requested", "ride_id", ride.ID, "rider_id", ride.RiderID)
	return ride, nil
}

// CancelRide moves a live ride to CANCELLED and frees its driver. Riders may
// cancel their own REQUESTED or ACCEPTED ride, the assigned driver may cancel
// an ACCEPTED ride, and only an admin may cancel one IN_PROGRESS.
func (e *Engine) CancelRide(ctx context.Context, req CancelRequest) (models.Ride, error) {
	unlock := e.locks.Lock(rideKey(req.RideID))
	defer unlock()

	cur, err := e.loadRide(ctx, req.RideID)
	if err != nil {
		return models.Ride{}, err
	}
	if req.ExpectedStatus != "" && cur.Status != req.ExpectedStatus {
		return cur, fmt.Errorf("ride %s is %s, expected %s: %w", cur.ID, cur.Status, req.ExpectedStatus, models.ErrInvalidState)
	}
	if !CanTransition(cur.Status, models.StatusCancelled) {
		return cur, fmt.Errorf("cancel ride %s in status %s: %w", cur.ID, cur.Status, models.ErrInvalidState)
	}
	if err := authorizeCancel(cur, req.Actor); err != nil {
		return cur, err
	}

	now := later(e.now(), latestStamp(cur))
	next := cur
	next.Status = models.StatusCancelled
	next.DriverID = ""
	next.CancelledAt = &now
	next.CancelReason = req.Reason

	if err := e.commitTransition(ctx, cur, next, cur.DriverID); err != nil {
		return cur, err
	}
	e.queue.Remove(cur.ID)
	e.forget(cur.ID)
	e.refreshGauges()
	e.logger.Info("ride cancelled", "ride_id", cur.ID, "from", cur.Status, "actor", req.Actor.ID, "role", req.Actor.Role)
	return next, nil
}

func authorizeCancel(r models.Ride, a models.Actor) error {
	if a.Role == models.RoleAdmin {
		return nil
	}
	switch {
	case r.Status == models.StatusInProgress:
		return fmt.Errorf("ride %s is in progress, only an admin may cancel it: %w", r.ID, models.ErrForbidden)
	case a.Role == models.RoleRider && a.ID == r.RiderID:
		return nil
	case a.Role == models.RoleDriver && r.Status == models.StatusAccepted && a.ID == r.DriverID:
		return nil
	}
	return fmt.Errorf("%s %s may not cancel ride %s: %w", a.Role, a.ID, r.ID, models.ErrForbidden)
}

// StartRide moves an ACCEPTED ride to IN_PROGRESS for its assigned driver.
func (e *Engine) StartRide(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	unlock := e.locks.Lock(rideKey(rideID))
	defer unlock()

	cur, err := e.loadRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if cur.Status != models.StatusAccepted {
		return cur, fmt.Errorf("start ride %s in status %s: %w", rideID, cur.Status, models.ErrInvalidState)
	}
	if cur.DriverID != driverID {
		return cur, fmt.Errorf("driver %s is not assigned to ride %s: %w", driverID, rideID, models.ErrForbidden)
	}
	now := later(e.now(), cur.AcceptedAt)
	next := cur
	next.Status = models.StatusInProgress
	next.StartedAt = &now
	if err := e.commitTransition(ctx, cur, next, ""); err != nil {
		return cur, err
	}
	e.logger.Info("ride started", "ride_id", rideID, "driver_id", driverID)
	return next, nil
}

// CompleteRide finishes an IN_PROGRESS ride and frees the driver. Cash and
// wallet rides are settled on the spot; card rides wait for capture.
func (e *Engine) CompleteRide(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	unlock := e.locks.Lock(rideKey(rideID))
	defer unlock()

	cur, err := e.loadRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if cur.Status != models.StatusInProgress {
		return cur, fmt.Errorf("complete ride %s in status %s: %w", rideID, cur.Status, models.ErrInvalidState)
	}
	if cur.DriverID != driverID {
		return cur, fmt.Errorf("driver %s is not assigned to ride %s: %w", driverID, rideID, models.ErrForbidden)
	}
	now := later(e.now(), cur.StartedAt)
	next := cur
	next.Status = models.StatusCompleted
	next.CompletedAt = &now
	if cur.PaymentMethod != models.PaymentCard {
		next.PaymentStatus = models.PaymentCompleted
	}
	if err := e.commitTransition(ctx, cur, next, driverID); err != nil {
		return cur, err
	}
	e.refreshGauges()
	e.logger.Info("ride completed", "ride_id", rideID, "driver_id", driverID)
	return next, nil
}

// commitTransition persists cur -> next, and when releaseID is the ride's
// driver, frees that driver in the same transaction. The event names the
// driver the ride had before the move, so a cancel still reaches them.
func (e *Engine) commitTransition(ctx context.Context, cur, next models.Ride, releaseID string) error {
	release := false
	if releaseID != "" {
		if d, ok := e.registry.Get(releaseID); ok && d.CurrentRideID == cur.ID {
			release = true
		}
	}
	at := stampFor(next)

	err := e.withRetry(ctx, "commit transition", func(ctx context.Context) error {
		return e.store.InTx(ctx, func(tx storage.Tx) error {
			if err := tx.UpdateRide(ctx, next, cur.Status); err != nil {
				return err
			}
			if release {
				return tx.SetDriverRide(ctx, releaseID, "", at)
			}
			return nil
		})
	})
	if err != nil {
		return conflictAsState(err, cur.ID)
	}

	if release {
		if d, ok := e.registry.Release(releaseID); ok {
			e.mirrorDriver(ctx, releaseID)
			if d.Matchable() {
				e.queue.Wake()
			}
		}
	}
	observability.Transitions.WithLabelValues(string(cur.Status), string(next.Status)).Inc()
	ev := e.event(models.EventTransition, cur.Status, next, at)
	if ev.DriverID == "" {
		ev.DriverID = cur.DriverID
	}
	e.publish(ev)
	return nil
}

// RateRide records a 1-5 rating on a COMPLETED ride. The rider rates the
// driver and the driver rates the rider; each side rates once.
func (e *Engine) RateRide(ctx context.Context, rideID string, actor models.Actor, rating int) (models.Ride, error) {
	if rating < 1 || rating > 5 {
		return models.Ride{}, fmt.Errorf("%w: rating must be between 1 and 5", models.ErrValidation)
	}
	unlock := e.locks.Lock(rideKey(rideID))
	defer unlock()

	cur, err := e.loadRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if cur.Status != models.StatusCompleted {
		return cur, fmt.Errorf("rate ride %s in status %s: %w", rideID, cur.Status, models.ErrInvalidState)
	}
	next := cur
	switch {
	case actor.Role == models.RoleRider && actor.ID == cur.RiderID:
		if cur.DriverRating != nil {
			return cur, fmt.Errorf("ride %s already rated by rider: %w", rideID, models.ErrInvalidState)
		}
		next.DriverRating = &rating
	case actor.Role == models.RoleDriver && actor.ID == cur.DriverID:
		if cur.UserRating != nil {
			return cur, fmt.Errorf("ride %s already rated by driver: %w", rideID, models.ErrInvalidState)
		}
		next.UserRating = &rating
	default:
		return cur, fmt.Errorf("%s %s did not take part in ride %s: %w", actor.Role, actor.ID, rideID, models.ErrForbidden)
	}
	if err := e.updateInPlace(ctx, cur, next); err != nil {
		return cur, err
	}
	return next, nil
}

// SetPaymentStatus records the outcome of settling a ride.
func (e *Engine) SetPaymentStatus(ctx context.Context, rideID string, status models.PaymentStatus) (models.Ride, error) {
	unlock := e.locks.Lock(rideKey(rideID))
	defer unlock()

	cur, err := e.loadRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if cur.PaymentStatus == status {
		return cur, nil
	}
	next := cur
	next.PaymentStatus = status
	if err := e.updateInPlace(ctx, cur, next); err != nil {
		return cur, err
	}
	e.logger.Info("payment status updated", "ride_id", rideID, "payment_status", status)
	return next, nil
}

// updateInPlace writes a change that keeps the ride's status.
func (e *Engine) updateInPlace(ctx context.Context, cur, next models.Ride) error {
	err := e.withRetry(ctx, "update ride", func(ctx context.Context) error {
		return e.store.InTx(ctx, func(tx storage.Tx) error {
			return tx.UpdateRide(ctx, next, cur.Status)
		})
	})
	return conflictAsState(err, cur.ID)
}

// latestStamp is the newest lifecycle timestamp already on the ride.
func latestStamp(r models.Ride) *time.Time {
	t := r.RequestedAt
	for _, p := range []*time.Time{r.AcceptedAt, r.StartedAt} {
		if p != nil && p.After(t) {
			t = *p
		}
	}
	return &t
}

// stampFor returns the timestamp that entering r.Status recorded.
func stampFor(r models.Ride) time.Time {
	var p *time.Time
	switch r.Status {
	case models.StatusAccepted:
		p = r.AcceptedAt
	case models.StatusInProgress:
		p = r.StartedAt
	case models.StatusCompleted:
		p = r.CompletedAt
	case models.StatusCancelled:
		p = r.CancelledAt
	}
	if p == nil {
		return r.RequestedAt
	}
	return *p
}
