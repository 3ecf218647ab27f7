package dispatch

import (
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestBrokerFiltersByRide(t *testing.T) {
	b := NewBroker(4, testLogger())
	sub := b.Subscribe(ForRide("r1"), 0)
	defer sub.Close()

	b.Publish(models.Event{Type: models.EventRequested, RideID: "r2", NewStatus: models.StatusRequested})
	b.Publish(models.Event{Type: models.EventRequested, RideID: "r1", NewStatus: models.StatusRequested})

	select {
	case ev := <-sub.Events():
		if ev.RideID != "r1" {
			t.Fatalf("expected r1, got %s", ev.RideID)
		}
	default:
		t.Fatal("expected an event")
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
}

func TestDriverFeed(t *testing.T) {
	f := DriverFeed("d1")
	cases := []struct {
		name string
		ev   models.Event
		want bool
	}{
		{"new request", models.Event{NewStatus: models.StatusRequested}, true},
		{"request taken by other driver", models.Event{OldStatus: models.StatusRequested, NewStatus: models.StatusAccepted, DriverID: "d2"}, true},
		{"own ride started", models.Event{OldStatus: models.StatusAccepted, NewStatus: models.StatusInProgress, DriverID: "d1"}, true},
		{"other driver's ride started", models.Event{OldStatus: models.StatusAccepted, NewStatus: models.StatusInProgress, DriverID: "d2"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := f(tc.ev); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestBrokerDropsSlowSubscriber(t *testing.T) {
	b := NewBroker(1, testLogger())
	slow := b.Subscribe(All(), 1)
	fast := b.Subscribe(All(), 8)
	defer fast.Close()
	drops := testutil.ToFloat64(observability.SubscriberDrops)

	b.Publish(models.Event{RideID: "r1"})
	b.Publish(models.Event{RideID: "r2"})

	if got := testutil.ToFloat64(observability.SubscriberDrops) - drops; got != 1 {
		t.Fatalf("expected one recorded drop, got %v", got)
	}

	if b.Len() != 1 {
		t.Fatalf("expected slow subscriber removed, have %d", b.Len())
	}
	<-slow.Events()
	if _, ok := <-slow.Events(); ok {
		t.Fatal("slow subscription should be closed")
	}
	slow.Close()
	if len(fast.Events()) != 2 {
		t.Fatalf("fast subscriber should have both events, has %d", len(fast.Events()))
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	b := NewBroker(1, testLogger())
	s := b.Subscribe(All(), 0)
	s.Close()
	s.Close()
	if b.Len() != 0 {
		t.Fatal("subscription not removed")
	}
	b.Publish(models.Event{RideID: "r1"})
}
