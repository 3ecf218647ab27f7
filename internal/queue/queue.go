// Package queue buffers REQUESTED rides until the matcher assigns them a
// driver. Entries are served oldest requestedAt first.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

type entry struct {
	ride models.Ride
	seq  uint64
	// parked entries are skipped until the generation moves past parkedGen.
	parked    bool
	parkedGen uint64
}

func (e *entry) before(o *entry) bool {
	if !e.ride.RequestedAt.Equal(o.ride.RequestedAt) {
		return e.ride.RequestedAt.Before(o.ride.RequestedAt)
	}
	return e.seq < o.seq
}

// Queue is safe for concurrent use. Two callers never receive the same ride.
type Queue struct {
	mu      sync.Mutex
	entries []*entry
	index   map[string]*entry
	seq     uint64
	gen     uint64
	signal  chan struct{}
}

func New() *Queue {
	return &Queue{index: make(map[string]*entry), signal: make(chan struct{}, 1)}
}

// Enqueue adds a REQUESTED ride that is not already queued.
func (q *Queue) Enqueue(r models.Ride) error {
	return q.add(r, false)
}

// Requeue puts back a ride that found no driver. It keeps its place in line
// but is not handed out again until the next Wake.
func (q *Queue) Requeue(r models.Ride) error {
	return q.add(r, true)
}

func (q *Queue) add(r models.Ride, parked bool) error {
	if r.Status != models.StatusRequested {
		return fmt.Errorf("queue ride %s in status %s: %w", r.ID, r.Status, models.ErrInvalidState)
	}
	q.mu.Lock()
	if _, ok := q.index[r.ID]; ok {
		q.mu.Unlock()
		return fmt.Errorf("ride %s already queued: %w", r.ID, models.ErrInvalidState)
	}
	q.seq++
	e := &entry{ride: r, seq: q.seq, parked: parked, parkedGen: q.gen}
	i := sort.Search(len(q.entries), func(i int) bool { return e.before(q.entries[i]) })
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	q.index[r.ID] = e
	q.mu.Unlock()
	if !parked {
		q.notify()
	}
	return nil
}

// DequeueNext removes and returns the oldest eligible ride without blocking.
func (q *Queue) DequeueNext() (models.Ride, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.parked && e.parkedGen == q.gen {
			continue
		}
		q.removeAt(i)
		if q.hasEligibleLocked() {
			q.notify()
		}
		return e.ride, true
	}
	return models.Ride{}, false
}

// Dequeue blocks until a ride is eligible or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (models.Ride, error) {
	for {
		if r, ok := q.DequeueNext(); ok {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return models.Ride{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Wake makes every parked ride eligible again. Call it when driver supply
// changes or on a retry tick.
func (q *Queue) Wake() {
	q.mu.Lock()
	q.gen++
	pending := len(q.entries) > 0
	q.mu.Unlock()
	if pending {
		q.notify()
	}
}

// Remove drops a ride from the queue. It reports whether the ride was queued.
func (q *Queue) Remove(rideID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[rideID]
	if !ok {
		return false
	}
	for i := range q.entries {
		if q.entries[i] == e {
			q.removeAt(i)
			break
		}
	}
	return true
}

func (q *Queue) Contains(rideID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[rideID]
	return ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns queued rides, parked or not, in FIFO order.
func (q *Queue) Snapshot() []models.Ride {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.Ride, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.ride)
	}
	return out
}

func (q *Queue) removeAt(i int) {
	e := q.entries[i]
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
	delete(q.index, e.ride.ID)
}

func (q *Queue) hasEligibleLocked() bool {
	for _, e := range q.entries {
		if !e.parked || e.parkedGen != q.gen {
			return true
		}
	}
	return false
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
