package influxdb

import "errors"

var (
	// ErrNotConnected is returned when the client is closed or never connected.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed wraps a failed initial ping.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled is returned by Connect when telemetry is turned off.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
