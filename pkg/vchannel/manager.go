// Package vchannel 组装一个连接上的虚拟通道栈：静态通道注册表、通道插件、
// drdynvc动态通道以及传输层读写协程。
//
// 两端各自创建一个 Manager，并按相同顺序注册静态通道，使双方分配到相同的通道ID。
// drdynvc总是第一个注册的通道。
package vchannel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/junbin-yang/vchannel-go/pkg/dvc"
	"github.com/junbin-yang/vchannel-go/pkg/fragment"
	"github.com/junbin-yang/vchannel-go/pkg/plugin"
	"github.com/junbin-yang/vchannel-go/pkg/svc"
	"github.com/junbin-yang/vchannel-go/pkg/transport"
	"github.com/junbin-yang/vchannel-go/pkg/utils/logger"
	"github.com/junbin-yang/vchannel-go/pkg/utils/metrics"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// DefaultFlushTimeout 断开时等待写队列发送完毕的时间
const DefaultFlushTimeout = 2 * time.Second

var errStopped = errors.New("connection stopped")

// Role 连接中的角色
type Role int

const (
	RoleServer Role = iota // 发起动态通道
	RoleClient             // 应答动态通道
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// dynamicTable dvc.Manager 与 dvc.Client 的公共部分
type dynamicTable interface {
	plugin.ChannelHandler
	Send(id uint32, data []byte, userData any) error
	Close(id uint32) error
	State(id uint32) (dvc.State, bool)
	Shutdown() error
	Ready() <-chan struct{}
}

// Manager 一个连接的虚拟通道管理器
type Manager struct {
	id   string
	role Role

	reg     *svc.Registry
	dvcs    *dvc.Manager
	dvcc    *dvc.Client
	dyn     dynamicTable
	drdynvc *plugin.Plugin

	mu        sync.Mutex
	statics   map[string]*plugin.Plugin
	receivers map[uint32]*dynReceiver
	transport transport.Transport
	running   bool
	runDone   chan struct{}

	stopping chan struct{}
	stopOnce sync.Once

	abort  context.Context
	cancel context.CancelFunc

	dynamic        bool
	chunkLength    int
	queueDepth     int
	maxMessageSize int
	flushTimeout   time.Duration
	log            *logger.Logger
	metrics        *metrics.Metrics
}

// Option 管理器选项
type Option func(*Manager)

// WithRole 指定角色，默认 RoleServer
func WithRole(r Role) Option {
	return func(m *Manager) { m.role = r }
}

// WithoutDynamicChannels 不注册drdynvc通道
func WithoutDynamicChannels() Option {
	return func(m *Manager) { m.dynamic = false }
}

// WithChunkLength 出站静态通道分片大小
func WithChunkLength(n int) Option {
	return func(m *Manager) { m.chunkLength = n }
}

// WithQueueDepth 每个通道工作协程的队列容量
func WithQueueDepth(n int) Option {
	return func(m *Manager) { m.queueDepth = n }
}

// WithMaxMessageSize 入站重组消息上限
func WithMaxMessageSize(n int) Option {
	return func(m *Manager) { m.maxMessageSize = n }
}

// WithFlushTimeout 断开时等待写队列发送完毕的时间
func WithFlushTimeout(d time.Duration) Option {
	return func(m *Manager) { m.flushTimeout = d }
}

// WithLogger 指定日志实例，管理器会附加连接ID字段
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics 指定指标实例
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New 创建虚拟通道管理器；启用动态通道时先注册drdynvc
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		id:           uuid.NewString(),
		statics:      make(map[string]*plugin.Plugin),
		receivers:    make(map[uint32]*dynReceiver),
		stopping:     make(chan struct{}),
		dynamic:      true,
		chunkLength:  fragment.ChunkLength,
		flushTimeout: DefaultFlushTimeout,
		log:          logger.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("conn", m.id)
	m.abort, m.cancel = context.WithCancel(context.Background())
	m.reg = svc.NewRegistry(svc.WithLogger(m.log), svc.WithMetrics(m.metrics))

	if !m.dynamic {
		return m, nil
	}

	dvcOpts := []dvc.Option{
		dvc.WithContext(m.abort),
		dvc.WithQueueDepth(m.queueDepth),
		dvc.WithMaxMessageSize(m.maxMessageSize),
		dvc.WithLogger(m.log),
		dvc.WithMetrics(m.metrics),
	}
	if m.role == RoleClient {
		m.dvcc = dvc.NewClient(nil, dvcOpts...)
		m.dyn = m.dvcc
	} else {
		m.dvcs = dvc.NewManager(nil, dvcOpts...)
		m.dyn = m.dvcs
	}

	m.drdynvc = plugin.New(svc.ChannelDRDYNVC, svc.OptionInitialized|svc.OptionCompressRDP, m.dyn, m.pluginOpts()...)
	if err := m.reg.LoadPlugin(svc.ChannelDRDYNVC, m.drdynvc.Entry(), nil); err != nil {
		m.cancel()
		return nil, fmt.Errorf("load %s: %w", svc.ChannelDRDYNVC, err)
	}
	m.metrics.SetStaticChannels(m.reg.Count())
	return m, nil
}

func (m *Manager) pluginOpts() []plugin.Option {
	return []plugin.Option{
		plugin.WithContext(m.abort),
		plugin.WithQueueDepth(m.queueDepth),
		plugin.WithMaxMessageSize(m.maxMessageSize),
		plugin.WithLogger(m.log),
		plugin.WithMetrics(m.metrics),
	}
}

// ID 连接ID
func (m *Manager) ID() string { return m.id }

// Role 连接角色
func (m *Manager) Role() Role { return m.role }

// Registry 静态通道注册表
func (m *Manager) Registry() *svc.Registry { return m.reg }

// RegisterStaticChannel 注册静态通道，必须在 Connect 之前调用。
// 启用动态通道时drdynvc占用 svc.MaxChannelCount 中的一个名额，只剩29个可用；
// 使用 WithoutDynamicChannels 时30个名额全部可用。
// 参数：
//   - name：通道名，最长7个ASCII字符
//   - options：svc.Option* 组合
//   - h：通道处理器，为nil时入站数据交给 SetReceiveCallback 设置的回调
func (m *Manager) RegisterStaticChannel(name string, options uint32, h plugin.ChannelHandler) (ChannelHandle, error) {
	p := plugin.New(name, options, h, m.pluginOpts()...)
	if err := m.reg.LoadPlugin(name, p.Entry(), nil); err != nil {
		if ierr := p.InitErr(); ierr != nil {
			err = ierr
		}
		return ChannelHandle{}, fmt.Errorf("register %s: %w", name, err)
	}

	m.mu.Lock()
	m.statics[name] = p
	m.mu.Unlock()
	m.metrics.SetStaticChannels(m.reg.Count())
	return ChannelHandle{Name: name}, nil
}

// OpenDynamicChannel 创建动态通道，要求drdynvc已就绪（见 WaitReady）
func (m *Manager) OpenDynamicChannel(name string, h plugin.ChannelHandler) (ChannelHandle, error) {
	if m.dyn == nil {
		return ChannelHandle{}, ErrDynamicDisabled
	}
	if m.dvcs == nil {
		return ChannelHandle{}, fmt.Errorf("%w: open dynamic channel as %s", ErrWrongRole, m.role)
	}
	if h == nil {
		h = plugin.FuncHandler(nil)
	}

	r := &dynReceiver{h: h}
	id, err := m.dvcs.Open(name, r)
	if err != nil {
		return ChannelHandle{}, err
	}
	m.mu.Lock()
	m.receivers[id] = r
	m.mu.Unlock()
	return ChannelHandle{Name: name, Dynamic: true, ID: id}, nil
}

// ListenDynamicChannel 登记对端可创建的动态通道（RoleClient）
func (m *Manager) ListenDynamicChannel(name string, factory dvc.HandlerFactory) error {
	if m.dyn == nil {
		return ErrDynamicDisabled
	}
	if m.dvcc == nil {
		return fmt.Errorf("%w: listen as %s", ErrWrongRole, m.role)
	}
	m.dvcc.Listen(name, factory)
	return nil
}

// SetReceiveCallback 设置通道的入站数据回调，取代处理器的 OnData
func (m *Manager) SetReceiveCallback(handle ChannelHandle, fn func([]byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if handle.Dynamic {
		r, ok := m.receivers[handle.ID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
		}
		r.set(fn)
		return nil
	}
	p, ok := m.statics[handle.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	p.SetReceiveFunc(fn)
	return nil
}

// Send 异步发送，完成后通道处理器收到 EventWriteComplete 或 EventWriteCancelled
func (m *Manager) Send(handle ChannelHandle, data []byte, userData any) error {
	if handle.Dynamic {
		if m.dyn == nil {
			return ErrDynamicDisabled
		}
		return m.dyn.Send(handle.ID, data, userData)
	}
	p, err := m.static(handle)
	if err != nil {
		return err
	}
	return p.Send(data, userData)
}

// Close 关闭通道，等待其工作协程处理完已排队的消息
func (m *Manager) Close(handle ChannelHandle) error {
	if handle.Dynamic {
		if m.dyn == nil {
			return ErrDynamicDisabled
		}
		err := m.dyn.Close(handle.ID)
		m.mu.Lock()
		delete(m.receivers, handle.ID)
		m.mu.Unlock()
		return err
	}
	p, err := m.static(handle)
	if err != nil {
		return err
	}
	p.Stop()
	return nil
}

// DynamicState 动态通道状态
func (m *Manager) DynamicState(handle ChannelHandle) (dvc.State, bool) {
	if m.dyn == nil || !handle.Dynamic {
		return dvc.StateNone, false
	}
	return m.dyn.State(handle.ID)
}

// PopEvent 取出插件推送的应用层事件
func (m *Manager) PopEvent() (svc.UserEvent, bool) {
	return m.reg.PopEvent()
}

func (m *Manager) static(handle ChannelHandle) (*plugin.Plugin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.statics[handle.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return p, nil
}

// Connect 绑定传输并完成连接序列：INITIALIZED、CONNECTED，所有通道随之打开。
// 数据在 Run 启动后才开始收发。
func (m *Manager) Connect(ctx context.Context, t transport.Transport, hostname string) error {
	if t == nil {
		return fmt.Errorf("%w: nil transport", ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.transport != nil {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.transport = t
	m.mu.Unlock()

	if err := m.reg.PreConnect(); err != nil {
		return fmt.Errorf("pre-connect: %w", err)
	}
	if err := m.reg.PostConnect(hostname); err != nil {
		return fmt.Errorf("post-connect: %w", err)
	}
	m.log.Infof("[VCM] connected to %s as %s, %d static channels", hostname, m.role, m.reg.Count())
	return nil
}

// WaitReady 等待drdynvc能力交换完成
func (m *Manager) WaitReady(ctx context.Context) error {
	if m.dyn == nil {
		return ErrDynamicDisabled
	}
	select {
	case <-m.dyn.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 运行传输读写协程，直到传输出错、ctx结束或 Disconnect
// 返回：
//   - ctx结束或 Disconnect 时返回nil，否则返回传输错误
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	t := m.transport
	switch {
	case t == nil:
		m.mu.Unlock()
		return ErrNotConnected
	case m.running:
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	done := make(chan struct{})
	m.runDone = done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(done)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.readLoop(gctx, t) })
	g.Go(func() error { return m.writeLoop(gctx, t) })

	err := g.Wait()
	if errors.Is(err, errStopped) || ctx.Err() != nil {
		m.log.Infof("[VCM] connection stopped")
		return nil
	}
	m.log.Errorf("[VCM] connection failed: %v", err)
	return err
}

func (m *Manager) readLoop(ctx context.Context, t transport.Transport) error {
	for {
		f, err := t.ReadFragment(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := m.reg.Dispatch(f); err != nil {
			m.log.Debugf("[VCM] %v", err)
		}
	}
}

func (m *Manager) writeLoop(ctx context.Context, t transport.Transport) error {
	send := func(id uint16, data []byte) error {
		return m.writeMessage(ctx, t, id, data)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopping:
			if err := m.reg.ProcessWrites(ctx, send); err != nil {
				return err
			}
			return errStopped
		case <-m.reg.WriteSignal():
			if err := m.reg.ProcessWrites(ctx, send); err != nil {
				return err
			}
		}
	}
}

// writeMessage 把一条静态通道消息切成分片写到传输层
func (m *Manager) writeMessage(ctx context.Context, t transport.Transport, id uint16, data []byte) error {
	var extra uint32
	if ch, ok := m.reg.FindByID(id); ok && ch.Options&svc.OptionShowProtocol != 0 {
		extra = fragment.FlagShowProtocol
	}

	c := fragment.NewChunker(uint32(id), data, m.chunkLength)
	for {
		f, ok := c.Next()
		if !ok {
			return nil
		}
		f.Flags |= extra
		if err := t.WriteFragment(ctx, f); err != nil {
			return err
		}
		m.metrics.RecordFragment(metrics.DirectionOut, len(f.Data))
	}
}

// Disconnect 断开连接：关闭动态通道，发送写队列，关闭所有静态通道并关闭传输。
// 每个通道的工作协程都处理完已排队的消息后才返回。
func (m *Manager) Disconnect() error {
	var err error
	if m.dyn != nil {
		err = multierr.Append(err, m.dyn.Shutdown())
	}

	m.stopOnce.Do(func() { close(m.stopping) })
	m.mu.Lock()
	running, done := m.running, m.runDone
	m.mu.Unlock()
	if running {
		select {
		case <-done:
		case <-time.After(m.flushTimeout):
			m.log.Warnf("[VCM] write queue not flushed within %s", m.flushTimeout)
		}
	}

	err = multierr.Append(err, m.reg.Terminate())
	m.cancel()

	m.mu.Lock()
	t := m.transport
	m.transport = nil
	m.mu.Unlock()
	if t != nil {
		if cerr := t.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	m.log.Infof("[VCM] disconnected")
	return err
}
