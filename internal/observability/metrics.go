package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	MatchesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total number of committed assignments"})
	MatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from request to assignment"})
	LostReserves  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reservations_lost_total", Help: "Reserve calls that lost a race to another match"})
	NoDriver      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "no_driver_requeues_total", Help: "Match attempts that found no driver and parked the ride"})
	MatchTimeouts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "match_timeouts_total", Help: "Rides that passed the match timeout without a driver"})
	QueueDepth    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "queue_depth", Help: "Rides waiting for a driver"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_matchable", Help: "Drivers that can take a ride now"})

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Committed ride status transitions"},
		[]string{"from", "to"},
	)
	CommitRetries  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "commit_retries_total", Help: "Store writes retried after a transient error"})
	CommitFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "commit_failures_total", Help: "Store writes that exhausted their retries"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Events handed to the broker"},
		[]string{"type"},
	)
	Subscribers     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "subscribers", Help: "Live event subscriptions"})
	SubscriberDrops = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "subscriber_drops_total", Help: "Subscriptions closed because they fell behind"})

	LocationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "driver_locations_total", Help: "Driver location reports by outcome"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
