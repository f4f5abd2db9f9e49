// Package plugin 实现通道插件运行时。
//
// 每个打开的通道拥有一个工作协程和一个有界消息队列。传输读协程只负责重组分片
// 并投递 Data 消息，通道协议逻辑在工作协程上执行，互不阻塞。
package plugin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/junbin-yang/vchannel-go/pkg/fragment"
	"github.com/junbin-yang/vchannel-go/pkg/svc"
	"github.com/junbin-yang/vchannel-go/pkg/utils/logger"
	"github.com/junbin-yang/vchannel-go/pkg/utils/metrics"
)

// Plugin 把一个静态通道绑定到一个工作协程
type Plugin struct {
	name    string
	options uint32
	handler ChannelHandler

	ep      svc.EntryPoints
	ih      *svc.InitHandle
	initErr error
	handle  atomic.Uint32

	// 仅由传输读协程使用
	reassembler *fragment.Reassembler

	mu      sync.Mutex
	worker  *Worker
	stopped bool
	recv    atomic.Pointer[func([]byte)]

	abort          context.Context
	queueDepth     int
	maxMessageSize int
	log            *logger.Logger
	metrics        *metrics.Metrics
}

// Option 插件选项
type Option func(*Plugin)

// WithContext 会话级中止信号
func WithContext(ctx context.Context) Option {
	return func(p *Plugin) { p.abort = ctx }
}

// WithQueueDepth 工作协程队列容量
func WithQueueDepth(n int) Option {
	return func(p *Plugin) { p.queueDepth = n }
}

// WithLogger 指定日志实例
func WithLogger(l *logger.Logger) Option {
	return func(p *Plugin) { p.log = l }
}

// WithMetrics 指定指标实例
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Plugin) { p.metrics = m }
}

// WithMaxMessageSize 入站重组消息上限
func WithMaxMessageSize(n int) Option {
	return func(p *Plugin) { p.maxMessageSize = n }
}

// New 创建静态通道插件，handler为nil时入站数据交给 SetReceiveFunc 设置的回调
func New(name string, options uint32, handler ChannelHandler, opts ...Option) *Plugin {
	p := &Plugin{
		name:    name,
		options: options,
		handler: handler,
		abort:   context.Background(),
		log:     logger.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.handler == nil {
		p.handler = FuncHandler(nil)
	}
	p.reassembler = fragment.NewReassembler(
		fragment.WithMaxMessageSize(p.maxMessageSize),
		fragment.WithLogger(p.log),
	)
	return p
}

// Entry 返回交给 svc.Registry.LoadPlugin 的插件入口
func (p *Plugin) Entry() svc.PluginEntry {
	return func(ep svc.EntryPoints) bool {
		p.ep = ep
		ih, _, err := ep.Init([]svc.ChannelDef{{Name: p.name, Options: p.options}}, p)
		if err != nil {
			p.initErr = err
			p.log.Errorf("[PLUGIN] channel %s init failed: %v", p.name, err)
			return false
		}
		p.ih = ih
		return true
	}
}

// InitErr 插件入口中通道注册失败的原因
func (p *Plugin) InitErr() error {
	return p.initErr
}

// Name 通道名
func (p *Plugin) Name() string { return p.name }

// Handle 打开后的通道句柄，未打开时为0
func (p *Plugin) Handle() uint32 { return p.handle.Load() }

// Send 把数据加入写队列
func (p *Plugin) Send(data []byte, userData any) error {
	handle := p.handle.Load()
	if handle == 0 || p.ep == nil {
		return ErrNotOpen
	}
	return p.ep.Write(handle, data, userData)
}

// PushEvent 向应用层推送事件
func (p *Plugin) PushEvent(payload any) error {
	handle := p.handle.Load()
	if handle == 0 || p.ep == nil {
		return ErrNotOpen
	}
	return p.ep.EventPush(handle, payload)
}

// SetReceiveFunc 设置入站数据回调，设置后取代处理器的 OnData
func (p *Plugin) SetReceiveFunc(fn func([]byte)) {
	if fn == nil {
		p.recv.Store(nil)
		return
	}
	p.recv.Store(&fn)
}

// Post 向工作协程投递消息
func (p *Plugin) Post(msg Message) error {
	p.mu.Lock()
	w := p.worker
	p.mu.Unlock()
	if w == nil {
		return ErrWorkerStopped
	}
	return w.Post(p.abort, msg)
}

// OnInitEvent 连接生命周期事件
func (p *Plugin) OnInitEvent(ih *svc.InitHandle, ev svc.InitEvent) error {
	switch ev {
	case svc.InitEventInitialized:
		p.log.Debugf("[PLUGIN] channel %s initialized", p.name)
	case svc.InitEventConnected:
		return p.open(ih)
	case svc.InitEventTerminated:
		p.Stop()
	}
	return nil
}

func (p *Plugin) open(ih *svc.InitHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.worker != nil {
		return nil
	}

	handle, err := p.ep.Open(ih, p.name, p)
	if err != nil {
		p.log.Errorf("[PLUGIN] open channel %s failed: %v", p.name, err)
		return err
	}
	p.handle.Store(handle)
	p.worker = NewWorker(p.abort, p, receiver{p}, p.queueDepth, p.log)
	if err := p.worker.Post(p.abort, EventMessage(EventOpened{})); err != nil {
		p.log.Warnf("[PLUGIN] channel %s: %v", p.name, err)
	}
	return nil
}

// OnOpenEvent 传输读写协程上的通道事件：重组入站分片，转发写完成
func (p *Plugin) OnOpenEvent(handle uint32, ev svc.OpenEvent) {
	switch e := ev.(type) {
	case svc.DataReceived:
		p.receive(e.Fragment)
	case svc.WriteComplete:
		p.post(EventMessage(EventWriteComplete{UserData: e.UserData}))
	case svc.WriteCancelled:
		p.post(EventMessage(EventWriteCancelled{UserData: e.UserData, Err: e.Err}))
	}
}

func (p *Plugin) receive(f fragment.Fragment) {
	res, err := p.reassembler.Feed(f)
	if err != nil {
		p.log.Warnf("[PLUGIN] channel %s dropped fragment: %v", p.name, err)
		p.metrics.RecordDropped("reassembly")
		return
	}
	switch res.Kind {
	case fragment.KindMessage:
		p.metrics.RecordMessage(metrics.DirectionIn, p.name, len(res.Data))
		p.post(DataMessage(res.Data))
	case fragment.KindSuspend:
		p.post(EventMessage(EventSuspend{}))
	case fragment.KindResume:
		p.post(EventMessage(EventResume{}))
	}
}

func (p *Plugin) post(msg Message) {
	if err := p.Post(msg); err != nil {
		if !errors.Is(err, ErrWorkerStopped) {
			p.log.Warnf("[PLUGIN] channel %s post failed: %v", p.name, err)
		}
		p.metrics.RecordDropped("worker_stopped")
	}
}

// Stop 关闭通道：等待工作协程处理完已排队的消息后退出；可重复调用
func (p *Plugin) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	w := p.worker
	p.mu.Unlock()

	// 先关闭通道，排队中的写在工作协程退出前收到取消通知
	if handle := p.handle.Swap(0); handle != 0 && p.ep != nil {
		if err := p.ep.Close(handle); err != nil && !errors.Is(err, svc.ErrNotOpen) {
			p.log.Warnf("[PLUGIN] close channel %s: %v", p.name, err)
		}
	}
	if w != nil {
		w.Quit()
	}
	p.log.Infof("[PLUGIN] channel %s stopped", p.name)
}

// Done 工作协程退出后关闭；通道未打开时返回nil
func (p *Plugin) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.worker == nil {
		return nil
	}
	return p.worker.Done()
}

// receiver 在工作协程上把消息交给处理器或接收回调
type receiver struct {
	p *Plugin
}

func (r receiver) OnOpen(ch Channel) error { return r.p.handler.OnOpen(ch) }

func (r receiver) OnData(data []byte) error {
	if fn := r.p.recv.Load(); fn != nil {
		(*fn)(data)
		return nil
	}
	return r.p.handler.OnData(data)
}

func (r receiver) OnEvent(ev Event) { r.p.handler.OnEvent(ev) }

func (r receiver) OnClose() { r.p.handler.OnClose() }
