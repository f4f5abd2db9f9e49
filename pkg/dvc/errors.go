package dvc

import "errors"

var (
	ErrShortPDU            = errors.New("drdynvc pdu too short")
	ErrUnknownCommand      = errors.New("unknown drdynvc command")
	ErrNotReady            = errors.New("dynamic channel manager not ready")
	ErrAlreadyStarted      = errors.New("dynamic channel manager already started")
	ErrManagerClosed       = errors.New("dynamic channel manager closed")
	ErrNoSender            = errors.New("drdynvc channel not attached")
	ErrUnknownChannel      = errors.New("unknown dynamic channel")
	ErrInvalidChannelState = errors.New("invalid dynamic channel state")
	ErrChannelClosed       = errors.New("dynamic channel closed")
)

// ErrCreateRefused 对端拒绝创建动态通道
var ErrCreateRefused = errors.New("dynamic channel creation refused")
