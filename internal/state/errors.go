package state

import "errors"

// ErrStale is returned when telemetry has not been updated within the liveness window.
var ErrStale = errors.New("state: telemetry is stale")
