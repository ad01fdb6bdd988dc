package fan

import "errors"

var (
	// ErrSensorUnavailable is returned by the feedback reader when an LED
	// sensor is not bound or its read failed. Callers treat it as speed 0.
	ErrSensorUnavailable = errors.New("led sensor unavailable")

	// ErrQueueFull is returned when accepting an intent would exceed the
	// configured number of pending operations.
	ErrQueueFull = errors.New("operation queue full")

	// ErrInvalidSpeed is returned for a requested speed above MaxSpeed.
	ErrInvalidSpeed = errors.New("invalid speed")

	// ErrNotIdle is returned by Resync while an operation is queued or in flight.
	ErrNotIdle = errors.New("controller busy")
)
