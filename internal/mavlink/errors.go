package mavlink

import "errors"

var (
	ErrNotConnected     = errors.New("mavlink: not connected")
	ErrHeartbeatTimeout = errors.New("mavlink: heartbeat timeout")
	ErrUnknownMode      = errors.New("mavlink: unknown flight mode")
	ErrLinkClosed       = errors.New("mavlink: link closed")
)
