package svc

import "github.com/junbin-yang/vchannel-go/pkg/fragment"

// InitEvent 连接生命周期事件
type InitEvent int

const (
	InitEventInitialized InitEvent = iota + 1
	InitEventConnected
	InitEventTerminated
)

func (e InitEvent) String() string {
	switch e {
	case InitEventInitialized:
		return "INITIALIZED"
	case InitEventConnected:
		return "CONNECTED"
	case InitEventTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// InitEventHandler 接收插件所属连接的生命周期事件
type InitEventHandler interface {
	OnInitEvent(ih *InitHandle, ev InitEvent) error
}

// OpenEvent 已打开通道上的事件：DataReceived、WriteComplete 或 WriteCancelled
type OpenEvent interface {
	openEvent()
}

// DataReceived 收到一个入站分片；在传输读协程上回调
type DataReceived struct {
	Fragment fragment.Fragment
}

// WriteComplete 排队的写已发送到传输层
type WriteComplete struct {
	UserData any
}

// WriteCancelled 排队的写未能发送
type WriteCancelled struct {
	UserData any
	Err      error
}

func (DataReceived) openEvent()   {}
func (WriteComplete) openEvent()  {}
func (WriteCancelled) openEvent() {}

// OpenEventHandler 接收已打开通道上的事件
type OpenEventHandler interface {
	OnOpenEvent(handle uint32, ev OpenEvent)
}

// UserEvent 插件推送给应用层的事件
type UserEvent struct {
	Handle  uint32
	Channel string
	Payload any
}
