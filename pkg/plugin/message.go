package plugin

import "fmt"

// MessageKind 工作协程队列中的消息类型
type MessageKind int

const (
	MessageData MessageKind = iota + 1
	MessageEvent
	MessageQuit
)

// Message 工作协程队列中的一条消息
type Message struct {
	Kind  MessageKind
	Data  []byte
	Event Event
}

// DataMessage 构造数据消息
func DataMessage(data []byte) Message {
	return Message{Kind: MessageData, Data: data}
}

// EventMessage 构造事件消息
func EventMessage(ev Event) Message {
	return Message{Kind: MessageEvent, Event: ev}
}

// Event 投递给通道处理器的事件
type Event interface {
	fmt.Stringer
	pluginEvent()
}

// EventOpened 对端确认通道可用
type EventOpened struct{}

// EventOpenFailed 对端拒绝打开通道
type EventOpenFailed struct {
	Err error
}

// EventWriteComplete 一次Send已写到传输层，UserData原样带回
type EventWriteComplete struct {
	UserData any
}

// EventWriteCancelled 一次Send未能写出
type EventWriteCancelled struct {
	UserData any
	Err      error
}

// EventSuspend 暂停所有通道流量
type EventSuspend struct{}

// EventResume 恢复通道流量
type EventResume struct{}

// EventUser 应用自定义事件
type EventUser struct {
	Payload any
}

// EventError 通道出错，之后工作协程退出
type EventError struct {
	Err error
}

func (EventOpened) pluginEvent()         {}
func (EventOpenFailed) pluginEvent()     {}
func (EventWriteComplete) pluginEvent()  {}
func (EventWriteCancelled) pluginEvent() {}
func (EventSuspend) pluginEvent()        {}
func (EventResume) pluginEvent()         {}
func (EventUser) pluginEvent()           {}
func (EventError) pluginEvent()          {}

func (EventOpened) String() string { return "opened" }
func (e EventOpenFailed) String() string {
	return fmt.Sprintf("open failed: %v", e.Err)
}
func (EventWriteComplete) String() string { return "write complete" }
func (e EventWriteCancelled) String() string {
	return fmt.Sprintf("write cancelled: %v", e.Err)
}
func (EventSuspend) String() string { return "suspend" }
func (EventResume) String() string  { return "resume" }
func (EventUser) String() string    { return "user" }
func (e EventError) String() string { return fmt.Sprintf("error: %v", e.Err) }
