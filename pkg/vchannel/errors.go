package vchannel

import "errors"

var (
	ErrNotConnected     = errors.New("virtual channel manager not connected")
	ErrAlreadyConnected = errors.New("virtual channel manager already connected")
	ErrAlreadyRunning   = errors.New("virtual channel manager already running")
	ErrUnknownHandle    = errors.New("unknown channel handle")
	ErrWrongRole        = errors.New("operation not available for this role")
	ErrDynamicDisabled  = errors.New("dynamic channels disabled")
)
