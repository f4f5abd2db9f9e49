package dvc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/junbin-yang/vchannel-go/pkg/fragment"
	"github.com/junbin-yang/vchannel-go/pkg/plugin"
	"github.com/junbin-yang/vchannel-go/pkg/utils/logger"
	"github.com/junbin-yang/vchannel-go/pkg/utils/metrics"
	"go.uber.org/multierr"
)

// Sender drdynvc静态通道的写入端，通常是 plugin.Plugin
type Sender interface {
	Send(data []byte, userData any) error
}

// Option 动态通道管理器选项
type Option func(*table)

// WithContext 会话级中止信号，传给每个动态通道的工作协程
func WithContext(ctx context.Context) Option {
	return func(t *table) { t.abort = ctx }
}

// WithQueueDepth 动态通道工作协程队列容量
func WithQueueDepth(n int) Option {
	return func(t *table) { t.queueDepth = n }
}

// WithMaxPDUSize 出站PDU上限，默认 MaxPDUSize
func WithMaxPDUSize(n int) Option {
	return func(t *table) { t.maxPDU = n }
}

// WithMaxMessageSize 入站重组消息上限
func WithMaxMessageSize(n int) Option {
	return func(t *table) { t.maxMessageSize = n }
}

// WithLogger 指定日志实例
func WithLogger(l *logger.Logger) Option {
	return func(t *table) { t.log = l }
}

// WithMetrics 指定指标实例
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *table) { t.metrics = m }
}

// table 动态通道表，服务端与客户端共用
type table struct {
	tag string

	mu       sync.RWMutex
	channels map[uint32]*Channel
	sender   Sender
	closed   bool

	// 重组器同时被读协程和 Close 使用
	rmu         sync.Mutex
	reassembler *fragment.Reassembler

	abort          context.Context
	queueDepth     int
	maxPDU         int
	maxMessageSize int
	log            *logger.Logger
	metrics        *metrics.Metrics
}

func newTable(tag string, sender Sender, opts []Option) *table {
	t := &table{
		tag:      tag,
		channels: make(map[uint32]*Channel),
		sender:   sender,
		abort:    context.Background(),
		maxPDU:   MaxPDUSize,
		log:      logger.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.maxPDU <= 0 {
		t.maxPDU = MaxPDUSize
	}
	t.reassembler = fragment.NewReassembler(
		fragment.WithMaxMessageSize(t.maxMessageSize),
		fragment.WithLogger(t.log),
	)
	return t
}

// OnOpen drdynvc静态通道打开，未指定写入端时使用该通道
func (t *table) OnOpen(ch plugin.Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sender == nil {
		t.sender = ch
	}
	return nil
}

// OnClose drdynvc静态通道关闭：本地关闭全部动态通道，不再发送关闭PDU
func (t *table) OnClose() {
	for _, ch := range t.takeAll() {
		_ = t.closeChannel(ch, false)
	}
}

// Shutdown 关闭全部动态通道：已建立的通道发送关闭PDU，等待各工作协程处理完已排队的消息
func (t *table) Shutdown() error {
	var err error
	for _, ch := range t.takeAll() {
		err = multierr.Append(err, t.closeChannel(ch, true))
	}
	return err
}

// Send 向动态通道发送一条消息
func (t *table) Send(id uint32, data []byte, userData any) error {
	ch := t.lookup(id)
	if ch == nil {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	return t.send(ch, data, userData)
}

// Close 关闭动态通道；已建立的通道发送关闭PDU。
// 等待通道工作协程退出，不能在该通道自己的处理器中调用。
func (t *table) Close(id uint32) error {
	ch := t.lookup(id)
	if ch == nil {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	return t.closeChannel(ch, true)
}

// State 查询动态通道状态
func (t *table) State(id uint32) (State, bool) {
	ch := t.lookup(id)
	if ch == nil {
		return StateNone, false
	}
	return ch.State(), true
}

// Count 通道表中的通道数（含已关闭的通道）
func (t *table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.channels)
}

func (t *table) lookup(id uint32) *Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.channels[id]
}

func (t *table) currentSender() Sender {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sender
}

// addLocked 创建通道并启动工作协程，调用方持有 t.mu
func (t *table) addLocked(id uint32, name string, state State, h plugin.ChannelHandler) *Channel {
	ch := &Channel{id: id, name: name, tab: t, state: state}
	ch.worker = plugin.NewWorker(t.abort, ch, h, t.queueDepth, t.log)
	t.channels[id] = ch
	t.metrics.SetDynamicChannels(len(t.channels))
	return ch
}

func (t *table) takeAll() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	all := make([]*Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		all = append(all, ch)
	}
	t.channels = make(map[uint32]*Channel)
	t.metrics.SetDynamicChannels(0)
	return all
}

func (t *table) closeChannel(ch *Channel, notify bool) error {
	prev, writes := ch.markClosed()
	if prev == StateClosed {
		return nil
	}

	// 未写完的消息在工作协程退出前收到取消通知
	for _, w := range writes {
		if w.cancel() {
			t.post(ch, plugin.EventMessage(plugin.EventWriteCancelled{UserData: w.userData, Err: ErrChannelClosed}))
		}
	}
	ch.inflight.Wait()

	var err error
	if notify && prev == StateSucceeded {
		if s := t.currentSender(); s != nil {
			if serr := s.Send(EncodeClose(ch.id), nil); serr != nil {
				err = fmt.Errorf("close dynamic channel %d: %w", ch.id, serr)
			}
		}
	}
	ch.worker.Quit()

	t.rmu.Lock()
	t.reassembler.Discard(ch.id)
	t.rmu.Unlock()

	t.log.Infof("[%s] channel %s(%d) closed, was %s, %d writes cancelled", t.tag, ch.name, ch.id, prev, len(writes))
	return err
}

func (t *table) send(ch *Channel, data []byte, userData any) error {
	ch.wmu.Lock()
	defer ch.wmu.Unlock()

	if st := ch.State(); st != StateSucceeded {
		return fmt.Errorf("%w: channel %d is %s", ErrInvalidChannelState, ch.id, st)
	}
	sender := t.currentSender()
	if sender == nil {
		return ErrNoSender
	}

	pdus := EncodeData(ch.id, data, t.maxPDU)
	w := &pendingWrite{id: ch.id, userData: userData, remaining: len(pdus)}
	if !ch.track(w) {
		return fmt.Errorf("%w: channel %d is %s", ErrInvalidChannelState, ch.id, ch.State())
	}
	for i, pdu := range pdus {
		if err := sender.Send(pdu, w); err != nil {
			if w.cancel() {
				ch.untrack(w)
			}
			return fmt.Errorf("dynamic channel %d pdu %d/%d: %w", ch.id, i+1, len(pdus), err)
		}
	}
	t.metrics.RecordMessage(metrics.DirectionOut, ch.name, len(data))
	return nil
}

// receive 处理DATA_FIRST/DATA：按通道累积，达到声明长度后交付。
// 没有DATA_FIRST在前的DATA是一条完整消息；超出声明长度的缓冲被整体丢弃。
func (t *table) receive(p PDU) error {
	id := p.ChannelID
	if t.lookup(id) == nil {
		t.log.Debugf("[%s] channel %d not found, %d bytes dropped", t.tag, id, len(p.Data))
		t.metrics.RecordDropped("dvc_unknown")
		return nil
	}

	f := fragment.Fragment{ChannelID: id, Data: p.Data}
	t.rmu.Lock()
	if p.Cmd == CmdDataFirst {
		if uint64(len(p.Data)) > uint64(p.Length) {
			t.rmu.Unlock()
			t.log.Warnf("[%s] channel %d: DATA_FIRST carries %d bytes, more than total %d, discarded",
				t.tag, id, len(p.Data), p.Length)
			t.metrics.RecordDropped("dvc_fragment")
			return nil
		}
		f.Flags = fragment.FlagFirst
		f.TotalLength = p.Length
		if uint64(len(p.Data)) == uint64(p.Length) {
			f.Flags |= fragment.FlagLast
		}
	} else {
		have, total, ok := t.reassembler.Pending(id)
		switch {
		case !ok:
			f.Flags = fragment.FlagOnly
			f.TotalLength = uint32(len(p.Data))
		case have+len(p.Data) > total:
			t.reassembler.Discard(id)
			t.rmu.Unlock()
			t.log.Warnf("[%s] channel %d: incorrect fragment data, discarded", t.tag, id)
			t.metrics.RecordDropped("dvc_fragment")
			return nil
		case have+len(p.Data) == total:
			f.Flags = fragment.FlagLast
		}
	}
	res, err := t.reassembler.Feed(f)
	t.rmu.Unlock()

	if err != nil {
		t.log.Warnf("[%s] channel %d: %v", t.tag, id, err)
		t.metrics.RecordDropped("dvc_fragment")
		return err
	}
	if res.Kind != fragment.KindMessage {
		return nil
	}
	return t.deliver(id, res.Data)
}

// deliver 把完整消息交给通道工作协程
func (t *table) deliver(id uint32, data []byte) error {
	ch := t.lookup(id)
	if ch == nil {
		t.log.Warnf("[%s] channel %d not found, %d bytes discarded", t.tag, id, len(data))
		t.metrics.RecordDropped("dvc_unknown")
		return nil
	}
	switch st := ch.State(); st {
	case StateSucceeded:
	case StateClosed:
		t.log.Warnf("[%s] channel %d closed, %d bytes discarded", t.tag, id, len(data))
		t.metrics.RecordDropped("dvc_closed")
		return nil
	default:
		err := fmt.Errorf("%w: channel %d is %s", ErrInvalidChannelState, id, st)
		t.log.Errorf("[%s] %v, %d bytes dropped", t.tag, err, len(data))
		t.metrics.RecordDropped("dvc_state")
		return err
	}
	t.metrics.RecordMessage(metrics.DirectionIn, ch.name, len(data))
	t.post(ch, plugin.DataMessage(data))
	return nil
}

func (t *table) post(ch *Channel, msg plugin.Message) {
	if err := ch.worker.Post(t.abort, msg); err != nil {
		if !errors.Is(err, plugin.ErrWorkerStopped) {
			t.log.Warnf("[%s] channel %d post failed: %v", t.tag, ch.id, err)
		}
		t.metrics.RecordDropped("worker_stopped")
	}
}

// handleEvent 处理drdynvc工作协程上的事件：把写完成转给对应的动态通道，
// 暂停/恢复广播给所有已建立的通道
func (t *table) handleEvent(ev plugin.Event) {
	var w *pendingWrite
	var cancelled bool
	var cancelErr error
	switch e := ev.(type) {
	case plugin.EventWriteComplete:
		w, _ = e.UserData.(*pendingWrite)
	case plugin.EventWriteCancelled:
		w, _ = e.UserData.(*pendingWrite)
		cancelled, cancelErr = true, e.Err
	case plugin.EventSuspend, plugin.EventResume:
		t.broadcast(ev)
		return
	case plugin.EventError:
		t.log.Errorf("[%s] drdynvc channel error: %v", t.tag, e.Err)
		return
	default:
		return
	}
	if w == nil {
		return
	}

	// 通道已关闭时写已在关闭过程中取消
	ch := t.lookup(w.id)
	if ch == nil || !ch.beginDelivery() {
		return
	}
	defer ch.inflight.Done()

	var out plugin.Event
	if cancelled {
		if !w.cancel() {
			return
		}
		out = plugin.EventWriteCancelled{UserData: w.userData, Err: cancelErr}
	} else {
		if !w.complete() {
			return
		}
		out = plugin.EventWriteComplete{UserData: w.userData}
	}
	ch.untrack(w)
	t.post(ch, plugin.EventMessage(out))
}

func (t *table) broadcast(ev plugin.Event) {
	t.mu.RLock()
	targets := make([]*Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		if ch.State() == StateSucceeded {
			targets = append(targets, ch)
		}
	}
	t.mu.RUnlock()
	for _, ch := range targets {
		t.post(ch, plugin.EventMessage(ev))
	}
}
