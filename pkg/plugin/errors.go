package plugin

import "errors"

var (
	ErrWorkerStopped = errors.New("channel worker stopped")
	ErrNotOpen       = errors.New("plugin channel not open")
	ErrNilHandler    = errors.New("channel handler cannot be nil")
)
