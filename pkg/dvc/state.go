package dvc

import "fmt"

// ControlState drdynvc控制通道状态
type ControlState int

const (
	ControlNone        ControlState = iota // 尚未发送能力请求
	ControlInitialized                     // 已发送能力请求，等待响应
	ControlReady                           // 收到能力响应，可以创建通道
)

func (s ControlState) String() string {
	switch s {
	case ControlNone:
		return "NONE"
	case ControlInitialized:
		return "INITIALIZED"
	case ControlReady:
		return "READY"
	default:
		return fmt.Sprintf("ControlState(%d)", int(s))
	}
}

// State 动态通道状态：NONE → SUCCEEDED|FAILED → CLOSED，CLOSED为终态
type State int

const (
	StateNone State = iota
	StateSucceeded
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
