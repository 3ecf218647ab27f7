package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func fare(v float64) *float64 { return &v }
func rating(v int) *int       { return &v }

func TestInTxCommitsBothWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, models.Ride{ID: "r1", Status: models.StatusRequested, RequestedAt: t0})

	err := m.InTx(ctx, func(tx Tx) error {
		if err := tx.UpdateRide(ctx, models.Ride{ID: "r1", Status: models.StatusAccepted, DriverID: "d1"}, models.StatusRequested); err != nil {
			return err
		}
		return tx.SetDriverRide(ctx, "d1", "r1", t0)
	})
	if err != nil {
		t.Fatal(err)
	}
	r, _ := m.GetRide(ctx, "r1")
	d, _ := m.Driver("d1")
	if r.Status != models.StatusAccepted || d.CurrentRideID != "r1" {
		t.Fatalf("tx not applied: ride=%+v driver=%+v", r, d)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, models.Ride{ID: "r1", Status: models.StatusRequested, RequestedAt: t0})
	boom := errors.New("boom")
	err := m.InTx(ctx, func(tx Tx) error {
		_ = tx.SetDriverRide(ctx, "d1", "r1", t0)
		_ = tx.UpdateRide(ctx, models.Ride{ID: "r1", Status: models.StatusAccepted}, models.StatusRequested)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, ok := m.Driver("d1"); ok {
		t.Fatal("driver write leaked out of failed tx")
	}
	if r, _ := m.GetRide(ctx, "r1"); r.Status != models.StatusRequested {
		t.Fatalf("ride write leaked out of failed tx: %s", r.Status)
	}
}

func TestDriverWritesOnlyTouchTheirColumns(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, models.Ride{ID: "r1", Status: models.StatusRequested, RequestedAt: t0})
	_ = m.SaveDriverAvailability(ctx, "d1", true, t0)
	_ = m.SaveDriverLocation(ctx, "d1", models.Location{Coord: models.Coord{Lat: 1, Lon: 1}, At: t0.Add(time.Second)})

	if err := m.InTx(ctx, func(tx Tx) error { return tx.SetDriverRide(ctx, "d1", "r1", t0.Add(2*time.Second)) }); err != nil {
		t.Fatal(err)
	}
	// A location write after the link must not clear it.
	_ = m.SaveDriverLocation(ctx, "d1", models.Location{Coord: models.Coord{Lat: 2, Lon: 2}, At: t0.Add(3 * time.Second)})
	// An older location is ignored.
	_ = m.SaveDriverLocation(ctx, "d1", models.Location{Coord: models.Coord{Lat: 9, Lon: 9}, At: t0})

	d, _ := m.Driver("d1")
	if !d.Available || d.CurrentRideID != "r1" {
		t.Fatalf("column write clobbered another column: %+v", d)
	}
	if d.LastLocation == nil || d.LastLocation.Lat != 2 {
		t.Fatalf("expected latest location kept, got %+v", d.LastLocation)
	}

	_ = m.InTx(ctx, func(tx Tx) error { return tx.SetDriverRide(ctx, "d1", "", t0.Add(4*time.Second)) })
	_ = m.SaveDriverAvailability(ctx, "d1", false, t0.Add(5*time.Second))
	d, _ = m.Driver("d1")
	if d.CurrentRideID != "" || d.Available || d.LastLocation.Lat != 2 {
		t.Fatalf("unexpected row after release: %+v", d)
	}
}

func TestUpdateRideConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, models.Ride{ID: "r1", Status: models.StatusCancelled, RequestedAt: t0})
	err := m.InTx(ctx, func(tx Tx) error {
		return tx.UpdateRide(ctx, models.Ride{ID: "r1", Status: models.StatusAccepted}, models.StatusRequested)
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if !Permanent(err) {
		t.Fatal("conflict must be permanent")
	}
}

func TestGetRideNotFound(t *testing.T) {
	if _, err := NewMemoryStore().GetRide(context.Background(), "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRidesFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, models.Ride{ID: "a", RiderID: "u1", Status: models.StatusCompleted, RequestedAt: t0})
	_ = m.CreateRide(ctx, models.Ride{ID: "b", RiderID: "u1", Status: models.StatusRequested, RequestedAt: t0.Add(time.Minute)})
	_ = m.CreateRide(ctx, models.Ride{ID: "c", RiderID: "u2", DriverID: "d1", Status: models.StatusAccepted, RequestedAt: t0})

	got, _ := m.ListRides(ctx, RideFilter{RiderID: "u1"})
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("unexpected rider history %+v", got)
	}
	got, _ = m.ListRides(ctx, RideFilter{Statuses: []models.RideStatus{models.StatusAccepted, models.StatusInProgress}})
	if len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("unexpected status filter result %+v", got)
	}
	got, _ = m.ListRides(ctx, RideFilter{RiderID: "u1", Limit: 1})
	if len(got) != 1 {
		t.Fatalf("limit not applied: %d", len(got))
	}
}

func TestPruneRideLocations(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, models.Ride{ID: "r1", RequestedAt: t0})
	_ = m.AppendRideLocation(ctx, models.RideLocation{ID: "1", RideID: "r1", Timestamp: t0})
	_ = m.AppendRideLocation(ctx, models.RideLocation{ID: "2", RideID: "r1", Timestamp: t0.Add(time.Hour)})
	n, _ := m.PruneRideLocations(ctx, t0.Add(time.Minute))
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	left, _ := m.ListRideLocations(ctx, "r1")
	if len(left) != 1 || left[0].ID != "2" {
		t.Fatalf("unexpected remaining breadcrumbs %+v", left)
	}
	if err := m.AppendRideLocation(ctx, models.RideLocation{RideID: "missing"}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown ride, got %v", err)
	}
}

func TestDriverStats(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, models.Ride{ID: "a", DriverID: "d1", Status: models.StatusCompleted, FareAmount: fare(12.5), DriverRating: rating(5)})
	_ = m.CreateRide(ctx, models.Ride{ID: "b", DriverID: "d1", Status: models.StatusCompleted, FareAmount: fare(7.5), DriverRating: rating(4)})
	_ = m.CreateRide(ctx, models.Ride{ID: "c", DriverID: "d1", Status: models.StatusCompleted})
	_ = m.CreateRide(ctx, models.Ride{ID: "d", DriverID: "d1", Status: models.StatusCancelled, FareAmount: fare(100)})
	st, _ := m.DriverStats(ctx, "d1")
	if st.CompletedRides != 3 || st.TotalEarnings != 20 || st.RatedRides != 2 || st.AverageRating != 4.5 {
		t.Fatalf("unexpected stats %+v", st)
	}
}
