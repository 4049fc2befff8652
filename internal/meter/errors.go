package meter

import "errors"

// Domain-specific errors for the meter service.
var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("meter: service already started")

	// ErrMissingTransport is returned when no transport is supplied.
	ErrMissingTransport = errors.New("meter: transport is required")

	// ErrMissingTopic is returned when the data or control topic is empty.
	ErrMissingTopic = errors.New("meter: data and control topics are required")
)
