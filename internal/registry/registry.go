// Package registry is the authoritative view of which drivers can take
// work. Every method runs under one mutex, so reserve and release calls for
// a driver are linearized.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type Registry struct {
	mu      sync.Mutex
	drivers map[string]*models.Driver
	// maxPickupM bounds FindNearestAvailable; zero means unbounded.
	maxPickupM float64
	now        func() time.Time
}

func New(maxPickupM float64) *Registry {
	return &Registry{drivers: make(map[string]*models.Driver), maxPickupM: maxPickupM, now: time.Now}
}

// getOrCreate registers a driver on first contact.
func (r *Registry) getOrCreate(id string) *models.Driver {
	d, ok := r.drivers[id]
	if !ok {
		d = &models.Driver{ID: id, UpdatedAt: r.now()}
		r.drivers[id] = d
	}
	return d
}

// SetAvailable toggles the driver's opt-in flag. Opting in while holding a
// ride fails with ErrDriverBusy.
func (r *Registry) SetAvailable(driverID string, available bool) (models.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.getOrCreate(driverID)
	if available && d.CurrentRideID != "" {
		return clone(d), fmt.Errorf("driver %s holds ride %s: %w", driverID, d.CurrentRideID, models.ErrDriverBusy)
	}
	d.Available = available
	d.UpdatedAt = r.now()
	return clone(d), nil
}

// ReportLocation stores a position. Reports older than the stored one are
// dropped and reported as not applied.
func (r *Registry) ReportLocation(driverID string, c models.Coord, at time.Time) (models.Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.getOrCreate(driverID)
	if d.LastLocation != nil && at.Before(d.LastLocation.At) {
		return clone(d), false
	}
	d.LastLocation = &models.Location{Coord: c, At: at}
	d.UpdatedAt = r.now()
	return clone(d), true
}

// FindNearestAvailable returns the matchable driver closest to pickup,
// skipping ids in excluding. Equal distances resolve to the smaller id.
func (r *Registry) FindNearestAvailable(pickup models.Coord, excluding map[string]struct{}) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	best, bestDist := "", 0.0
	for id, d := range r.drivers {
		if !d.Matchable() {
			continue
		}
		if _, skip := excluding[id]; skip {
			continue
		}
		dist := geo.Distance(pickup, d.LastLocation.Coord)
		if r.maxPickupM > 0 && dist > r.maxPickupM {
			continue
		}
		if best == "" || dist < bestDist || (dist == bestDist && id < best) {
			best, bestDist = id, dist
		}
	}
	return best, best != ""
}

// Reserve moves a matchable driver onto rideID. It returns false when the
// driver was claimed or went unavailable in the meantime.
func (r *Registry) Reserve(driverID, rideID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok || !d.Matchable() {
		return false
	}
	d.CurrentRideID = rideID
	d.UpdatedAt = r.now()
	return true
}

// Release clears the driver's ride. The availability flag is left as the
// driver set it.
func (r *Registry) Release(driverID string) (models.Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return models.Driver{}, false
	}
	d.CurrentRideID = ""
	d.UpdatedAt = r.now()
	return clone(d), true
}

// Unreserve undoes a Reserve for rideID only; it is a no-op if the driver has
// since moved on.
func (r *Registry) Unreserve(driverID, rideID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok || d.CurrentRideID != rideID {
		return false
	}
	d.CurrentRideID = ""
	d.UpdatedAt = r.now()
	return true
}

func (r *Registry) Get(driverID string) (models.Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return models.Driver{}, false
	}
	return clone(d), true
}

// Load replaces registry state, typically from the store at startup.
func (r *Registry) Load(drivers []models.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers = make(map[string]*models.Driver, len(drivers))
	for i := range drivers {
		d := clone(&drivers[i])
		r.drivers[d.ID] = &d
	}
}

// Snapshot returns every driver sorted by id.
func (r *Registry) Snapshot() []models.Driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, clone(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MatchableCount is the number of drivers FindNearestAvailable could return.
func (r *Registry) MatchableCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.drivers {
		if d.Matchable() {
			n++
		}
	}
	return n
}

func clone(d *models.Driver) models.Driver {
	c := *d
	if d.LastLocation != nil {
		loc := *d.LastLocation
		c.LastLocation = &loc
	}
	return c
}
