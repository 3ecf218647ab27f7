package dispatch

import (
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Filter selects the events a subscription receives.
type Filter func(models.Event) bool

func All() Filter { return func(models.Event) bool { return true } }

// ForRide is what a rider app watching one trip subscribes to.
func ForRide(rideID string) Filter {
	return func(ev models.Event) bool { return ev.RideID == rideID }
}

func ForRider(riderID string) Filter {
	return func(ev models.Event) bool { return ev.RiderID == riderID }
}

func ForDriver(driverID string) Filter {
	return func(ev models.Event) bool { return ev.DriverID != "" && ev.DriverID == driverID }
}

// DriverFeed delivers rides entering or leaving REQUESTED, so a driver app
// can keep its open-requests list current, plus the driver's own events.
func DriverFeed(driverID string) Filter {
	own := ForDriver(driverID)
	return func(ev models.Event) bool {
		return ev.NewStatus == models.StatusRequested || ev.OldStatus == models.StatusRequested || own(ev)
	}
}

// Subscription is a buffered event stream. When its buffer overflows the
// broker closes it; the consumer sees the channel close and should resync.
type Subscription struct {
	id     uint64
	filter Filter
	ch     chan models.Event
	broker *Broker
}

func (s *Subscription) Events() <-chan models.Event { return s.ch }

func (s *Subscription) Close() { s.broker.unsubscribe(s.id) }

// Broker fans committed ride events out to subscribers. Publish never blocks.
type Broker struct {
	mu            sync.Mutex
	subs          map[uint64]*Subscription
	nextID        uint64
	defaultBuffer int
	logger        *slog.Logger
}

func NewBroker(defaultBuffer int, logger *slog.Logger) *Broker {
	if defaultBuffer <= 0 {
		defaultBuffer = 64
	}
	return &Broker{subs: make(map[uint64]*Subscription), defaultBuffer: defaultBuffer, logger: logger}
}

// Subscribe registers f. A buffer of zero uses the broker default.
func (b *Broker) Subscribe(f Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = b.defaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{id: b.nextID, filter: f, ch: make(chan models.Event, buffer), broker: b}
	b.subs[s.id] = s
	observability.Subscribers.Inc()
	return s
}

func (b *Broker) Publish(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	observability.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	for id, s := range b.subs {
		if !s.filter(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.logger.Warn("dropping slow subscriber", "subscription", id, "ride_id", ev.RideID)
			observability.SubscriberDrops.Inc()
			b.removeLocked(id)
		}
	}
}

func (b *Broker) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Broker) removeLocked(id uint64) {
	s, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(s.ch)
	observability.Subscribers.Dec()
}

// Len is the number of live subscriptions.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
