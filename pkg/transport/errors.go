package transport

import "errors"

var (
	ErrFrameTooLarge = errors.New("transport frame too large")
	ErrChannelRange  = errors.New("channel id out of frame range")
	ErrClosed        = errors.New("transport closed")
)
