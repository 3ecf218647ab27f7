package models

import "errors"

var (
	// ErrInvalidState means the ride or driver is not in the state the
	// operation requires. It is never retried automatically.
	ErrInvalidState = errors.New("invalid state")
	// ErrDriverBusy is returned when a driver holding a ride tries to opt in.
	ErrDriverBusy = errors.New("driver busy")
	// ErrNoDriverAvailable is transient; the ride stays queued.
	ErrNoDriverAvailable = errors.New("no driver available")
	// ErrDispatchUnavailable wraps a store failure that outlived its retries.
	ErrDispatchUnavailable = errors.New("dispatch unavailable")

	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("validation failed")
)
