package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func online(r *Registry, id string, lat, lon float64) {
	r.ReportLocation(id, models.Coord{Lat: lat, Lon: lon}, t0)
	if _, err := r.SetAvailable(id, true); err != nil {
		panic(err)
	}
}

func TestSetAvailableBusyDriver(t *testing.T) {
	r := New(0)
	online(r, "d1", 1, 1)
	if !r.Reserve("d1", "ride1") {
		t.Fatal("reserve failed")
	}
	if _, err := r.SetAvailable("d1", true); !errors.Is(err, models.ErrDriverBusy) {
		t.Fatalf("expected ErrDriverBusy, got %v", err)
	}
	if _, err := r.SetAvailable("d1", false); err != nil {
		t.Fatalf("going offline while busy should be allowed: %v", err)
	}
}

func TestReportLocationDropsStale(t *testing.T) {
	r := New(0)
	if _, ok := r.ReportLocation("d1", models.Coord{Lat: 1, Lon: 1}, t0.Add(time.Minute)); !ok {
		t.Fatal("first report should apply")
	}
	d, ok := r.ReportLocation("d1", models.Coord{Lat: 2, Lon: 2}, t0)
	if ok {
		t.Fatal("stale report should be discarded")
	}
	if d.LastLocation.Lat != 1 {
		t.Fatalf("stale report overwrote location: %+v", d.LastLocation)
	}
}

func TestFindNearestAvailable(t *testing.T) {
	r := New(0)
	online(r, "A", 40.7130, -74.0058)
	online(r, "B", 41.0, -75.0)
	pickup := models.Coord{Lat: 40.7128, Lon: -74.0060}

	id, ok := r.FindNearestAvailable(pickup, nil)
	if !ok || id != "A" {
		t.Fatalf("expected A, got %q", id)
	}
	id, ok = r.FindNearestAvailable(pickup, map[string]struct{}{"A": {}})
	if !ok || id != "B" {
		t.Fatalf("expected B when A excluded, got %q", id)
	}
	if _, ok := r.FindNearestAvailable(pickup, map[string]struct{}{"A": {}, "B": {}}); ok {
		t.Fatal("expected no driver when all excluded")
	}
}

func TestFindNearestSkipsUnmatchable(t *testing.T) {
	r := New(0)
	r.ReportLocation("offline", models.Coord{Lat: 1, Lon: 1}, t0)
	_, _ = r.SetAvailable("nolocation", true)
	online(r, "busy", 1, 1)
	r.Reserve("busy", "x")
	if id, ok := r.FindNearestAvailable(models.Coord{Lat: 1, Lon: 1}, nil); ok {
		t.Fatalf("expected none, got %s", id)
	}
}

func TestFindNearestTieBreaksByID(t *testing.T) {
	r := New(0)
	online(r, "zed", 10, 10)
	online(r, "amy", 10, 10)
	online(r, "max", 10, 10)
	id, _ := r.FindNearestAvailable(models.Coord{Lat: 10, Lon: 10}, nil)
	if id != "amy" {
		t.Fatalf("expected lexical winner amy, got %s", id)
	}
}

func TestFindNearestRespectsMaxDistance(t *testing.T) {
	r := New(1000)
	online(r, "far", 41.0, -75.0)
	if _, ok := r.FindNearestAvailable(models.Coord{Lat: 40.7128, Lon: -74.0060}, nil); ok {
		t.Fatal("driver beyond max pickup distance should not match")
	}
}

func TestReserveAndRelease(t *testing.T) {
	r := New(0)
	online(r, "d1", 1, 1)
	if !r.Reserve("d1", "ride1") {
		t.Fatal("reserve failed")
	}
	if r.Reserve("d1", "ride2") {
		t.Fatal("second reserve must fail")
	}
	d, _ := r.Get("d1")
	if d.CurrentRideID != "ride1" || !d.Available {
		t.Fatalf("unexpected driver state %+v", d)
	}
	d, ok := r.Release("d1")
	if !ok || d.CurrentRideID != "" {
		t.Fatalf("release did not clear ride: %+v", d)
	}
	if !d.Available {
		t.Fatal("release must not touch the availability flag")
	}
}

func TestReleaseKeepsDriverOfflineIfOptedOut(t *testing.T) {
	r := New(0)
	online(r, "d1", 1, 1)
	r.Reserve("d1", "ride1")
	_, _ = r.SetAvailable("d1", false)
	d, _ := r.Release("d1")
	if d.Available || d.Matchable() {
		t.Fatalf("driver should stay offline until re-opt-in: %+v", d)
	}
}

func TestUnreserveOnlyMatchingRide(t *testing.T) {
	r := New(0)
	online(r, "d1", 1, 1)
	r.Reserve("d1", "ride1")
	if r.Unreserve("d1", "other") {
		t.Fatal("unreserve for another ride must be a no-op")
	}
	if !r.Unreserve("d1", "ride1") {
		t.Fatal("unreserve should succeed")
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	r := New(0)
	online(r, "d1", 1, 1)
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.Reserve("d1", fmt.Sprintf("ride%d", i)) {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one reservation, got %d", wins)
	}
}

func TestLoadAndSnapshot(t *testing.T) {
	r := New(0)
	r.Load([]models.Driver{
		{ID: "b", Available: true, LastLocation: &models.Location{Coord: models.Coord{Lat: 1, Lon: 1}, At: t0}},
		{ID: "a", CurrentRideID: "ride1"},
	})
	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].ID != "a" || snap[1].ID != "b" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if r.MatchableCount() != 1 {
		t.Fatalf("expected 1 matchable driver, got %d", r.MatchableCount())
	}
	snap[1].LastLocation.Lat = 99
	d, _ := r.Get("b")
	if d.LastLocation.Lat != 1 {
		t.Fatal("snapshot must not alias registry state")
	}
}
