package svc

import (
	"context"
	"fmt"

	"github.com/junbin-yang/vchannel-go/pkg/fragment"
	"github.com/junbin-yang/vchannel-go/pkg/utils/metrics"
)

type writeItem struct {
	handle    uint32
	channelID uint16
	name      string
	data      []byte
	userData  any
	handler   OpenEventHandler
}

// Open 打开已注册的通道
// 参数：
//   - ih：调用方插件的初始化上下文
//   - name：通道名
//   - h：通道事件处理器
//
// 返回：
//   - 通道句柄
func (r *Registry) Open(ih *InitHandle, name string, h OpenEventHandler) (uint32, error) {
	if ih == nil || ih.reg != r {
		return 0, ErrBadInitHandle
	}
	if h == nil {
		return 0, ErrBadProc
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return 0, ErrNotConnected
	}
	if len(name) > ChannelNameLen {
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannelName, name)
	}
	e, ok := r.byName[NameField(name)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannelName, name)
	}
	if e.Open {
		return 0, fmt.Errorf("%w: %q", ErrAlreadyOpen, name)
	}
	e.Open = true
	e.handler = h
	r.log.Infof("[SVC] channel %s opened, handle=%d", e.Name, e.Handle)
	return e.Handle, nil
}

// Close 关闭通道；该通道已排队未发送的写在返回前同步收到 WriteCancelled
func (r *Registry) Close(handle uint32) error {
	r.mu.Lock()
	e, ok := r.byHandle[handle]
	if !ok {
		r.mu.Unlock()
		return ErrBadChannelHandle
	}
	if !e.Open {
		r.mu.Unlock()
		return ErrNotOpen
	}
	e.Open = false
	e.handler = nil

	var dropped []*writeItem
	kept := make([]*writeItem, 0, len(r.writes))
	for _, item := range r.writes {
		if item.handle == handle {
			dropped = append(dropped, item)
			continue
		}
		kept = append(kept, item)
	}
	r.writes = kept
	r.mu.Unlock()

	for _, item := range dropped {
		r.cancel(item, ErrNotOpen)
	}
	r.log.Infof("[SVC] channel %s closed, %d queued writes cancelled", e.Name, len(dropped))
	return nil
}

// Write 把数据加入写队列并唤醒写协程；完成通过 WriteComplete/WriteCancelled 异步通知
func (r *Registry) Write(handle uint32, data []byte, userData any) error {
	var buf []byte
	if len(data) > 0 {
		buf = make([]byte, len(data))
		copy(buf, data)
	}

	r.mu.Lock()
	e, ok := r.byHandle[handle]
	switch {
	case !ok:
		r.mu.Unlock()
		return ErrBadChannelHandle
	case !r.connected:
		r.mu.Unlock()
		return ErrNotConnected
	case data == nil:
		r.mu.Unlock()
		return ErrNullData
	case len(data) == 0:
		r.mu.Unlock()
		return ErrZeroLength
	case !e.Open:
		r.mu.Unlock()
		return ErrNotOpen
	}
	item := &writeItem{
		handle:    e.Handle,
		channelID: e.ChannelID,
		name:      e.Name,
		data:      buf,
		userData:  userData,
		handler:   e.handler,
	}
	r.writes = append(r.writes, item)
	r.mu.Unlock()

	r.wake()
	return nil
}

func (r *Registry) wake() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// WriteSignal 有新写入时触发
func (r *Registry) WriteSignal() <-chan struct{} {
	return r.signal
}

// Pending 写队列长度
func (r *Registry) Pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.writes)
}

func (r *Registry) popWrite() (item *writeItem, open bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.writes) == 0 {
		return nil, false, false
	}
	item = r.writes[0]
	r.writes[0] = nil
	r.writes = r.writes[1:]
	if e, found := r.byHandle[item.handle]; found {
		open = e.Open
	}
	return item, open, true
}

// ProcessWrites 按FIFO顺序发送写队列中的全部数据
// 参数：
//   - send：把一条完整消息写到传输层（由调用方负责分片）
//
// 返回：
//   - send失败时返回包装了 ErrWriteFailed 的错误，失败项收到 WriteCancelled
func (r *Registry) ProcessWrites(ctx context.Context, send func(channelID uint16, data []byte) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, open, ok := r.popWrite()
		if !ok {
			return nil
		}
		if !open {
			r.log.Warnf("[SVC] channel %s closed before write was sent", item.name)
			r.cancel(item, ErrNotOpen)
			continue
		}

		if err := send(item.channelID, item.data); err != nil {
			werr := fmt.Errorf("%w: channel %s: %w", ErrWriteFailed, item.name, err)
			r.cancel(item, werr)
			return werr
		}
		r.metrics.RecordMessage(metrics.DirectionOut, item.name, len(item.data))
		r.metrics.RecordWrite(metrics.WriteComplete)
		item.handler.OnOpenEvent(item.handle, WriteComplete{UserData: item.userData})
	}
}

func (r *Registry) cancel(item *writeItem, err error) {
	r.metrics.RecordWrite(metrics.WriteCancelled)
	if item.handler != nil {
		item.handler.OnOpenEvent(item.handle, WriteCancelled{UserData: item.userData, Err: err})
	}
}

// Dispatch 把入站分片按通道ID分发给通道的事件处理器（在传输读协程上调用）
func (r *Registry) Dispatch(f fragment.Fragment) error {
	r.metrics.RecordFragment(metrics.DirectionIn, len(f.Data))
	if f.ChannelID > 0xFFFF {
		r.metrics.RecordDropped("unknown_channel")
		return fmt.Errorf("%w: %d", ErrUnknownChannelID, f.ChannelID)
	}

	r.mu.RLock()
	e, ok := r.byID[uint16(f.ChannelID)]
	var (
		handle  uint32
		name    string
		open    bool
		handler OpenEventHandler
	)
	if ok {
		handle, name, open, handler = e.Handle, e.Name, e.Open, e.handler
	}
	r.mu.RUnlock()

	if !ok {
		r.log.Warnf("[SVC] fragment for unknown channel id %d dropped", f.ChannelID)
		r.metrics.RecordDropped("unknown_channel")
		return fmt.Errorf("%w: %d", ErrUnknownChannelID, f.ChannelID)
	}
	if !open {
		r.log.Warnf("[SVC] fragment for channel %s dropped, channel not open", name)
		r.metrics.RecordDropped("not_open")
		return fmt.Errorf("%w: %s", ErrNotOpen, name)
	}
	handler.OnOpenEvent(handle, DataReceived{Fragment: f})
	return nil
}

// EventPush 插件向应用层推送事件
func (r *Registry) EventPush(handle uint32, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byHandle[handle]
	if !ok {
		return ErrBadChannelHandle
	}
	if payload == nil {
		return ErrNullData
	}
	if !r.connected {
		return ErrNotConnected
	}
	if !e.Open {
		return ErrNotOpen
	}
	r.events = append(r.events, UserEvent{Handle: handle, Channel: e.Name, Payload: payload})
	return nil
}

// PopEvent 取出最早推送的事件
func (r *Registry) PopEvent() (UserEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return UserEvent{}, false
	}
	ev := r.events[0]
	r.events = r.events[1:]
	return ev, true
}
