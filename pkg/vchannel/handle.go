package vchannel

import (
	"fmt"
	"sync/atomic"

	"github.com/junbin-yang/vchannel-go/pkg/plugin"
)

// ChannelHandle 应用层通道句柄
type ChannelHandle struct {
	Name    string
	Dynamic bool
	ID      uint32 // 动态通道ID，静态通道为0
}

func (h ChannelHandle) String() string {
	if h.Dynamic {
		return fmt.Sprintf("dvc:%s(%d)", h.Name, h.ID)
	}
	return "svc:" + h.Name
}

// dynReceiver 包装动态通道处理器，设置接收回调后由回调取代 OnData
type dynReceiver struct {
	h    plugin.ChannelHandler
	recv atomic.Pointer[func([]byte)]
}

func (r *dynReceiver) OnOpen(ch plugin.Channel) error { return r.h.OnOpen(ch) }

func (r *dynReceiver) OnData(data []byte) error {
	if fn := r.recv.Load(); fn != nil {
		(*fn)(data)
		return nil
	}
	return r.h.OnData(data)
}

func (r *dynReceiver) OnEvent(ev plugin.Event) { r.h.OnEvent(ev) }

func (r *dynReceiver) OnClose() { r.h.OnClose() }

func (r *dynReceiver) set(fn func([]byte)) {
	if fn == nil {
		r.recv.Store(nil)
		return
	}
	r.recv.Store(&fn)
}
