package svc

import "errors"

var (
	// 注册相关错误
	ErrBadInitHandle     = errors.New("bad init handle")
	ErrNotInInitPhase    = errors.New("not in plugin entry")
	ErrTooManyChannels   = errors.New("too many channels")
	ErrBadChannel        = errors.New("bad channel definition")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrPluginEntryFailed = errors.New("plugin entry failed")

	// 通道操作错误
	ErrNotConnected       = errors.New("not connected")
	ErrUnknownChannelName = errors.New("unknown channel name")
	ErrUnknownChannelID   = errors.New("unknown channel id")
	ErrAlreadyOpen        = errors.New("channel already open")
	ErrNotOpen            = errors.New("channel not open")
	ErrBadChannelHandle   = errors.New("bad channel handle")
	ErrBadProc            = errors.New("bad event handler")
	ErrNullData           = errors.New("null data")
	ErrZeroLength         = errors.New("zero length data")

	// 写队列错误
	ErrWriteFailed = errors.New("write failed")
)
