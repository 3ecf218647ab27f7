package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything in process. InTx holds the store lock for the
// whole callback, so the callback must only use the Tx it is given.
type MemoryStore struct {
	mu        sync.RWMutex
	rides     map[string]models.Ride
	drivers   map[string]models.Driver
	locations map[string][]models.RideLocation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:     make(map[string]models.Ride),
		drivers:   make(map[string]models.Driver),
		locations: make(map[string][]models.RideLocation),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("ride %s exists: %w", r.ID, ErrConflict)
	}
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if f.RiderID != "" && r.RiderID != f.RiderID {
			continue
		}
		if f.DriverID != "" && r.DriverID != f.DriverID {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, r.Status) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func hasStatus(list []models.RideStatus, s models.RideStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type rideLink struct {
	rideID string
	at     time.Time
}

type memTx struct {
	m     *MemoryStore
	rides map[string]models.Ride
	links map[string]rideLink
}

func (t *memTx) UpdateRide(ctx context.Context, r models.Ride, from models.RideStatus) error {
	cur, ok := t.rides[r.ID]
	if !ok {
		cur, ok = t.m.rides[r.ID]
	}
	if !ok {
		return fmt.Errorf("ride %s: %w", r.ID, models.ErrNotFound)
	}
	if cur.Status != from {
		return fmt.Errorf("ride %s is %s, expected %s: %w", r.ID, cur.Status, from, ErrConflict)
	}
	t.rides[r.ID] = r
	return nil
}

func (t *memTx) SetDriverRide(ctx context.Context, driverID, rideID string, at time.Time) error {
	t.links[driverID] = rideLink{rideID: rideID, at: at}
	return nil
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m, rides: make(map[string]models.Ride), links: make(map[string]rideLink)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for id, r := range tx.rides {
		m.rides[id] = r
	}
	for id, l := range tx.links {
		d := m.driverRow(id)
		d.CurrentRideID = l.rideID
		d.UpdatedAt = l.at
		m.drivers[id] = d
	}
	return nil
}

// driverRow returns the stored row or a fresh one. Callers hold m.mu.
func (m *MemoryStore) driverRow(id string) models.Driver {
	d, ok := m.drivers[id]
	if !ok {
		d = models.Driver{ID: id}
	}
	return d
}

// SaveDriver replaces the whole row. Tests use it to seed state.
func (m *MemoryStore) SaveDriver(ctx context.Context, d models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
	return nil
}

func (m *MemoryStore) SaveDriverLocation(ctx context.Context, driverID string, loc models.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.driverRow(driverID)
	if d.LastLocation != nil && loc.At.Before(d.LastLocation.At) {
		return nil
	}
	d.LastLocation = &loc
	d.UpdatedAt = loc.At
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryStore) SaveDriverAvailability(ctx context.Context, driverID string, available bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.driverRow(driverID)
	d.Available = available
	d.UpdatedAt = at
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryStore) ListDrivers(ctx context.Context) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Driver returns the stored driver row; tests use it to compare against the registry.
func (m *MemoryStore) Driver(id string) (models.Driver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	return d, ok
}

func (m *MemoryStore) AppendRideLocation(ctx context.Context, l models.RideLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[l.RideID]; !ok {
		return fmt.Errorf("ride %s: %w", l.RideID, models.ErrNotFound)
	}
	m.locations[l.RideID] = append(m.locations[l.RideID], l)
	return nil
}

func (m *MemoryStore) ListRideLocations(ctx context.Context, rideID string) ([]models.RideLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.locations[rideID]
	out := make([]models.RideLocation, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) PruneRideLocations(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, locs := range m.locations {
		kept := locs[:0]
		for _, l := range locs {
			if l.Timestamp.Before(before) {
				n++
				continue
			}
			kept = append(kept, l)
		}
		if len(kept) == 0 {
			delete(m.locations, id)
			continue
		}
		m.locations[id] = kept
	}
	return n, nil
}

func (m *MemoryStore) DriverStats(ctx context.Context, driverID string) (models.DriverStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := models.DriverStats{DriverID: driverID}
	ratingSum := 0
	for _, r := range m.rides {
		if r.DriverID != driverID || r.Status != models.StatusCompleted {
			continue
		}
		st.CompletedRides++
		if r.FareAmount != nil {
			st.TotalEarnings += *r.FareAmount
		}
		if r.DriverRating != nil {
			st.RatedRides++
			ratingSum += *r.DriverRating
		}
	}
	if st.RatedRides > 0 {
		st.AverageRating = float64(ratingSum) / float64(st.RatedRides)
	}
	return st, nil
}
