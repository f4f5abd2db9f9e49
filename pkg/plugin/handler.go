package plugin

// Channel 通道处理器可用的通道操作
type Channel interface {
	Name() string
	Handle() uint32
	// Send 异步发送，完成后收到 EventWriteComplete 或 EventWriteCancelled
	Send(data []byte, userData any) error
}

// ChannelHandler 通道协议逻辑，所有方法都在通道自己的工作协程上调用
type ChannelHandler interface {
	// OnOpen 工作协程启动，返回错误时通道失败
	OnOpen(ch Channel) error
	// OnData 收到一条完整消息，返回错误时通道失败
	OnData(data []byte) error
	OnEvent(ev Event)
	// OnClose 工作协程退出前最后调用
	OnClose()
}

// FuncHandler 只关心入站数据的处理器
type FuncHandler func(data []byte)

func (f FuncHandler) OnOpen(Channel) error { return nil }

func (f FuncHandler) OnData(data []byte) error {
	if f != nil {
		f(data)
	}
	return nil
}

func (f FuncHandler) OnEvent(Event) {}

func (f FuncHandler) OnClose() {}
