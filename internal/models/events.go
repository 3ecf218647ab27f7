package models

import "time"

type EventType string

const (
	EventRequested  EventType = "requested"
	EventAssigned   EventType = "assigned"
	EventTransition EventType = "transition"
	// EventNoDriver tells the rider that the match timeout elapsed with no
	// driver found. The ride itself stays REQUESTED.
	EventNoDriver EventType = "no_driver"
)

// Event is published for every committed ride change.
type Event struct {
	Type       EventType  `json:"type"`
	RideID     string     `json:"ride_id"`
	RiderID    string     `json:"rider_id"`
	DriverID   string     `json:"driver_id,omitempty"`
	OldStatus  RideStatus `json:"old_status,omitempty"`
	NewStatus  RideStatus `json:"new_status"`
	At         time.Time  `json:"at"`
	ETASeconds *float64   `json:"eta_seconds,omitempty"`
	Message    string     `json:"message,omitempty"`
}
