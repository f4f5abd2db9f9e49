// Package dvc 实现drdynvc动态虚拟通道。
//
// 所有动态通道复用一个名为 drdynvc 的静态通道。Manager 是服务端：发送能力请求，
// 创建和关闭通道，把拆分后的DATA_FIRST/DATA重组为完整消息交给每个通道的工作协程。
// Client 是对端实现，应答能力请求和创建请求。
//
// Manager 和 Client 都实现 plugin.ChannelHandler，作为drdynvc插件的处理器运行在
// 该插件的工作协程上。
package dvc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/junbin-yang/vchannel-go/pkg/plugin"
)

// Manager 服务端动态通道管理器
type Manager struct {
	*table

	// 以下字段由 table.mu 保护
	control ControlState
	nextID  uint32

	ready     chan struct{}
	readyOnce sync.Once
}

// NewManager 创建动态通道管理器
// 参数：
//   - sender：drdynvc静态通道写入端；为nil时在 OnOpen 中取drdynvc插件的通道
func NewManager(sender Sender, opts ...Option) *Manager {
	return &Manager{
		table:  newTable("DVC", sender, opts),
		nextID: 1,
		ready:  make(chan struct{}),
	}
}

// Start 发送能力请求：NONE → INITIALIZED，只能成功一次
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.control != ControlNone {
		st := m.control
		m.mu.Unlock()
		return fmt.Errorf("%w: control state %s", ErrAlreadyStarted, st)
	}
	sender := m.sender
	if sender == nil {
		m.mu.Unlock()
		return ErrNoSender
	}
	m.control = ControlInitialized
	m.mu.Unlock()

	if err := sender.Send(EncodeCapsRequest(), nil); err != nil {
		return fmt.Errorf("send capability request: %w", err)
	}
	m.log.Infof("[DVC] capability request sent")
	return nil
}

// Ready 收到能力响应后关闭
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// ControlState 控制通道状态
func (m *Manager) ControlState() ControlState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.control
}

// HandleMessage 处理一条完整的drdynvc消息。READY之前只接受能力响应。
func (m *Manager) HandleMessage(pdu []byte) error {
	p, err := Decode(pdu)
	if err != nil {
		m.log.Warnf("[DVC] malformed pdu (%d bytes): %v", len(pdu), err)
		m.metrics.RecordDropped("dvc_decode")
		return err
	}
	if p.Cmd == CmdCapability {
		m.onCapability(p)
		return nil
	}

	if st := m.ControlState(); st != ControlReady {
		m.log.Warnf("[DVC] cmd 0x%x for channel %d received in control state %s, dropped", p.Cmd, p.ChannelID, st)
		m.metrics.RecordDropped("dvc_not_ready")
		return fmt.Errorf("%w: control state %s", ErrNotReady, st)
	}

	switch p.Cmd {
	case CmdCreate:
		status, err := p.CreationStatus()
		if err != nil {
			m.log.Warnf("[DVC] channel %d: %v", p.ChannelID, err)
			return err
		}
		m.log.Debugf("[DVC] channel %d create response status 0x%08x", p.ChannelID, uint32(status))
		m.OnOpenResult(p.ChannelID, status >= 0)
	case CmdDataFirst, CmdData:
		return m.receive(p)
	case CmdClose:
		ch := m.lookup(p.ChannelID)
		if ch == nil {
			m.log.Debugf("[DVC] close for unknown channel %d", p.ChannelID)
			return nil
		}
		return m.closeChannel(ch, false)
	}
	return nil
}

func (m *Manager) onCapability(p PDU) {
	m.mu.Lock()
	prev := m.control
	m.control = ControlReady
	m.mu.Unlock()

	if prev == ControlReady {
		m.log.Debugf("[DVC] duplicate capability response version %d", p.Version)
		return
	}
	m.readyOnce.Do(func() { close(m.ready) })
	m.log.Infof("[DVC] capability response version %d, ready", p.Version)
}

// Open 创建动态通道
// 参数：
//   - name：动态通道名
//   - h：通道处理器，立即在新的工作协程上收到 OnOpen；对端确认后收到 EventOpened，
//     在此之前 Channel.Send 返回 ErrInvalidChannelState
//
// 返回：
//   - uint32：动态通道ID，从1开始递增
//   - error：控制通道未就绪返回 ErrNotReady
func (m *Manager) Open(name string, h plugin.ChannelHandler) (uint32, error) {
	if h == nil {
		return 0, plugin.ErrNilHandler
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return 0, ErrManagerClosed
	case m.control != ControlReady:
		st := m.control
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: control state %s", ErrNotReady, st)
	case m.sender == nil:
		m.mu.Unlock()
		return 0, ErrNoSender
	}
	id := m.nextID
	m.nextID++
	ch := m.addLocked(id, name, StateNone, h)
	sender := m.sender
	m.mu.Unlock()

	if err := sender.Send(EncodeCreateRequest(id, name), nil); err != nil {
		_ = m.closeChannel(ch, false)
		return 0, fmt.Errorf("create request for %s: %w", name, err)
	}
	m.log.Infof("[DVC] channel %s create request sent, id %d", name, id)
	return id, nil
}

// OnOpenResult 处理创建响应：NONE → SUCCEEDED|FAILED，其他状态下忽略
func (m *Manager) OnOpenResult(id uint32, success bool) {
	ch := m.lookup(id)
	if ch == nil {
		m.log.Warnf("[DVC] create response for unknown channel %d", id)
		return
	}

	to := StateFailed
	if success {
		to = StateSucceeded
	}
	if !ch.resolve(to) {
		m.log.Debugf("[DVC] channel %d create response ignored in state %s", id, ch.State())
		return
	}

	if success {
		m.log.Infof("[DVC] channel %s(%d) opened", ch.name, id)
		m.post(ch, plugin.EventMessage(plugin.EventOpened{}))
		return
	}
	m.log.Warnf("[DVC] channel %s(%d) refused by peer", ch.name, id)
	m.post(ch, plugin.EventMessage(plugin.EventOpenFailed{
		Err: fmt.Errorf("%w: %s", ErrCreateRefused, ch.name),
	}))
	ch.worker.Quit()
}

// Deliver 把一条完整消息交给动态通道。
// 未建立的通道返回 ErrInvalidChannelState；已关闭或不存在的通道记录警告后丢弃。
func (m *Manager) Deliver(id uint32, data []byte) error {
	return m.deliver(id, data)
}

// OnData drdynvc工作协程上的一条消息；协议错误只记录，不终止drdynvc通道
func (m *Manager) OnData(data []byte) error {
	if err := m.HandleMessage(data); err != nil {
		m.log.Debugf("[DVC] %v", err)
	}
	return nil
}

// OnEvent drdynvc工作协程上的事件。drdynvc打开后自动发送能力请求。
func (m *Manager) OnEvent(ev plugin.Event) {
	if _, ok := ev.(plugin.EventOpened); ok {
		if err := m.Start(); err != nil && !errors.Is(err, ErrAlreadyStarted) {
			m.log.Errorf("[DVC] start failed: %v", err)
		}
		return
	}
	m.handleEvent(ev)
}
