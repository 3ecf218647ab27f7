package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies within WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Place is a pickup or dropoff point as supplied by the client after geocoding.
type Place struct {
	Coord
	Address   string    `json:"address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type RideStatus string

const (
	StatusRequested  RideStatus = "REQUESTED"
	StatusAccepted   RideStatus = "ACCEPTED"
	StatusInProgress RideStatus = "IN_PROGRESS"
	StatusCompleted  RideStatus = "COMPLETED"
	StatusCancelled  RideStatus = "CANCELLED"
)

// Terminal reports whether no transition may leave the status.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether a driver is attached to a live ride in this status.
func (s RideStatus) Active() bool {
	return s == StatusAccepted || s == StatusInProgress
}

type PaymentMethod string

const (
	PaymentCard   PaymentMethod = "card"
	PaymentCash   PaymentMethod = "cash"
	PaymentWallet PaymentMethod = "wallet"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// RideRequest is the inbound payload for a new ride. Fare, distance and
// duration come from the mapping collaborator and are stored as given.
type RideRequest struct {
	RiderID         string        `json:"rider_id"`
	Pickup          Place         `json:"pickup"`
	Dropoff         Place         `json:"dropoff"`
	FareAmount      *float64      `json:"fare_amount,omitempty"`
	DistanceKm      *float64      `json:"distance_km,omitempty"`
	DurationMinutes *int          `json:"duration_minutes,omitempty"`
	PaymentMethod   PaymentMethod `json:"payment_method,omitempty"`
}

type Ride struct {
	ID              string        `json:"id"`
	RiderID         string        `json:"rider_id"`
	DriverID        string        `json:"driver_id,omitempty"`
	Status          RideStatus    `json:"status"`
	Pickup          Place         `json:"pickup"`
	Dropoff         Place         `json:"dropoff"`
	FareAmount      *float64      `json:"fare_amount,omitempty"`
	DistanceKm      *float64      `json:"distance_km,omitempty"`
	DurationMinutes *int          `json:"duration_minutes,omitempty"`
	PaymentMethod   PaymentMethod `json:"payment_method"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	DriverRating    *int          `json:"driver_rating,omitempty"`
	UserRating      *int          `json:"user_rating,omitempty"`
	CancelReason    string        `json:"cancel_reason,omitempty"`
	RequestedAt     time.Time     `json:"requested_at"`
	AcceptedAt      *time.Time    `json:"accepted_at,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	CancelledAt     *time.Time    `json:"cancelled_at,omitempty"`
}

// Location is a timestamped position report.
type Location struct {
	Coord
	At time.Time `json:"at"`
}

type Driver struct {
	ID            string    `json:"id"`
	Available     bool      `json:"is_available"`
	CurrentRideID string    `json:"current_ride_id,omitempty"`
	LastLocation  *Location `json:"last_location,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Matchable reports whether the driver can be offered a new ride.
func (d Driver) Matchable() bool {
	return d.Available && d.CurrentRideID == "" && d.LastLocation != nil
}

// RideLocation is an append-only tracking breadcrumb.
type RideLocation struct {
	ID        string    `json:"id" db:"id"`
	RideID    string    `json:"ride_id" db:"ride_id"`
	Lat       float64   `json:"latitude" db:"latitude"`
	Lon       float64   `json:"longitude" db:"longitude"`
	Heading   *float64  `json:"heading,omitempty" db:"heading"`
	Speed     *float64  `json:"speed,omitempty" db:"speed"`
	Timestamp time.Time `json:"timestamp" db:"recorded_at"`
}

type DriverStats struct {
	DriverID       string  `json:"driver_id" db:"driver_id"`
	CompletedRides int     `json:"completed_rides" db:"completed_rides"`
	TotalEarnings  float64 `json:"total_earnings" db:"total_earnings"`
	AverageRating  float64 `json:"average_rating" db:"average_rating"`
	RatedRides     int     `json:"rated_rides" db:"rated_rides"`
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

// Actor identifies who asked for an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// LocationReport is a driver position sample from the driver app or the
// location stream.
type LocationReport struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Heading  *float64  `json:"heading,omitempty"`
	Speed    *float64  `json:"speed,omitempty"`
	At       time.Time `json:"at"`
}
