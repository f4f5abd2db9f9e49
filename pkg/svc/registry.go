// Package svc 实现静态虚拟通道注册表。
//
// 插件只能在 LoadPlugin 打开的初始化窗口内注册通道；注册表为每个通道分配
// 顺序递增的MCS通道ID与永不复用的打开句柄，并负责入站分发与出站写队列。
package svc

import (
	"fmt"
	"sync"

	"github.com/junbin-yang/vchannel-go/pkg/utils/logger"
	"github.com/junbin-yang/vchannel-go/pkg/utils/metrics"
	"go.uber.org/multierr"
)

// ChannelDef 通道定义
type ChannelDef struct {
	Name    string
	Options uint32
}

// Channel 已注册通道的快照
type Channel struct {
	ChannelDef
	ChannelID uint16
	Handle    uint32
	Open      bool
}

// OpenHandle 通道句柄
type OpenHandle struct {
	Handle    uint32
	Name      string
	ChannelID uint16
	Open      bool
}

// InitHandle 一次插件初始化调用的上下文
type InitHandle struct {
	reg     *Registry
	plugin  string
	handler InitEventHandler
	data    any
	names   []string
}

// Plugin 返回所属插件名
func (ih *InitHandle) Plugin() string { return ih.plugin }

// Channels 返回该初始化上下文注册的通道名
func (ih *InitHandle) Channels() []string {
	ih.reg.mu.RLock()
	defer ih.reg.mu.RUnlock()
	return append([]string(nil), ih.names...)
}

type channelEntry struct {
	Channel
	init    *InitHandle
	handler OpenEventHandler
}

// Registry 一个连接的静态通道注册表
type Registry struct {
	mu sync.RWMutex

	channels   []*channelEntry
	byName     map[[ChannelNameLen]byte]*channelEntry
	byID       map[uint16]*channelEntry
	byHandle   map[uint32]*channelEntry
	negotiated []ChannelDef
	inits      []*InitHandle

	// 初始化窗口
	initWindow  bool
	pluginCount int

	connected bool
	hostname  string

	nextHandle    uint32
	nextChannelID uint16

	writes []*writeItem
	signal chan struct{}
	events []UserEvent

	log     *logger.Logger
	metrics *metrics.Metrics
}

// Option 注册表选项
type Option func(*Registry)

// WithLogger 指定日志实例
func WithLogger(l *logger.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithMetrics 指定指标实例
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry 创建注册表
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byName:        make(map[[ChannelNameLen]byte]*channelEntry),
		byID:          make(map[uint16]*channelEntry),
		byHandle:      make(map[uint32]*channelEntry),
		nextHandle:    1,
		nextChannelID: FirstChannelID,
		signal:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Default()
	}
	return r
}

// PluginEntry 插件入口，返回false表示加载失败
type PluginEntry func(ep EntryPoints) bool

// LoadPlugin 加载插件：打开初始化窗口，调用插件入口，然后关闭窗口
// 参数：
//   - name：插件名，仅用于日志
//   - entry：插件入口
//   - data：通过 EntryPoints.ExtendedData 交给插件的数据
func (r *Registry) LoadPlugin(name string, entry PluginEntry, data any) error {
	r.mu.Lock()
	if r.pluginCount >= MaxChannelCount {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot load plugin %s", ErrTooManyChannels, name)
	}
	if r.initWindow {
		r.mu.Unlock()
		return fmt.Errorf("%w: nested plugin load %s", ErrNotInInitPhase, name)
	}
	r.initWindow = true
	r.pluginCount++
	r.mu.Unlock()

	ok := entry(&entryPoints{reg: r, plugin: name, data: data})

	r.mu.Lock()
	r.initWindow = false
	r.mu.Unlock()

	if !ok {
		r.log.Errorf("[SVC] plugin %s entry failed", name)
		return fmt.Errorf("%w: %s", ErrPluginEntryFailed, name)
	}
	r.log.Debugf("[SVC] plugin %s loaded", name)
	return nil
}

// Register 为已有的初始化上下文注册更多通道，全部成功或全部失败
func (r *Registry) Register(ih *InitHandle, defs []ChannelDef) ([]OpenHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(ih, defs)
}

func (r *Registry) registerLocked(ih *InitHandle, defs []ChannelDef) ([]OpenHandle, error) {
	if !r.initWindow {
		return nil, ErrNotInInitPhase
	}
	if ih == nil || ih.reg != r {
		return nil, ErrBadInitHandle
	}
	if len(r.channels)+len(defs) > MaxChannelCount {
		return nil, fmt.Errorf("%w: %d registered, %d requested", ErrTooManyChannels, len(r.channels), len(defs))
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no channel definitions", ErrBadChannel)
	}
	seen := make(map[[ChannelNameLen]byte]struct{}, len(defs))
	for _, def := range defs {
		if def.Name == "" || len(def.Name) > ChannelNameLen {
			return nil, fmt.Errorf("%w: invalid name %q", ErrBadChannel, def.Name)
		}
		key := NameField(def.Name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrBadChannel, def.Name)
		}
		if _, dup := r.byName[key]; dup {
			return nil, fmt.Errorf("%w: name %q already registered", ErrBadChannel, def.Name)
		}
		seen[key] = struct{}{}
	}
	if r.connected {
		return nil, ErrAlreadyConnected
	}

	handles := make([]OpenHandle, 0, len(defs))
	for _, def := range defs {
		e := r.addChannelLocked(def, ih)
		ih.names = append(ih.names, def.Name)
		handles = append(handles, OpenHandle{Handle: e.Handle, Name: e.Name, ChannelID: e.ChannelID})
	}
	return handles, nil
}

func (r *Registry) addChannelLocked(def ChannelDef, ih *InitHandle) *channelEntry {
	e := &channelEntry{
		Channel: Channel{
			ChannelDef: def,
			ChannelID:  r.nextChannelID,
			Handle:     r.nextHandle,
		},
		init: ih,
	}
	r.nextChannelID++
	r.nextHandle++

	r.channels = append(r.channels, e)
	r.byName[NameField(def.Name)] = e
	r.byID[e.ChannelID] = e
	r.byHandle[e.Handle] = e

	if len(r.negotiated) < MaxNegotiatedChannels {
		r.negotiated = append(r.negotiated, def)
	} else {
		r.log.Warnf("[SVC] negotiated channel list full, %s not advertised", def.Name)
	}
	r.metrics.SetStaticChannels(len(r.channels))
	r.log.Infof("[SVC] registered channel %s id=%d handle=%d", def.Name, e.ChannelID, e.Handle)
	return e
}

// FindByName 按8字节名字段精确匹配查找通道
func (r *Registry) FindByName(name string) (Channel, bool) {
	if len(name) > ChannelNameLen {
		return Channel{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[NameField(name)]
	if !ok {
		return Channel{}, false
	}
	return e.Channel, true
}

// FindByHandle 按句柄查找
func (r *Registry) FindByHandle(handle uint32) (OpenHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byHandle[handle]
	if !ok {
		return OpenHandle{}, false
	}
	return OpenHandle{Handle: e.Handle, Name: e.Name, ChannelID: e.ChannelID, Open: e.Open}, true
}

// FindByID 按MCS通道ID查找
func (r *Registry) FindByID(id uint16) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return Channel{}, false
	}
	return e.Channel, true
}

// Count 已注册的通道数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Channels 按注册顺序返回所有通道
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.channels))
	for _, e := range r.channels {
		out = append(out, e.Channel)
	}
	return out
}

// Negotiated 返回交给能力交换的协商通道列表
func (r *Registry) Negotiated() []ChannelDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ChannelDef(nil), r.negotiated...)
}

// Connected 连接序列是否已完成
func (r *Registry) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// Hostname 连接的对端主机名
func (r *Registry) Hostname() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostname
}

// PreConnect 连接前调用：补充rdpdr并通知INITIALIZED
func (r *Registry) PreConnect() error {
	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return ErrAlreadyConnected
	}
	_, hasSnd := r.byName[NameField(ChannelRDPSND)]
	_, hasDr := r.byName[NameField(ChannelRDPDR)]
	if hasSnd && !hasDr {
		// rdpsnd依赖rdpdr通道存在
		if len(r.channels) < MaxChannelCount {
			r.addChannelLocked(ChannelDef{Name: ChannelRDPDR, Options: OptionInitialized | OptionEncryptRDP}, nil)
		} else {
			r.log.Warnf("[SVC] no room for %s required by %s", ChannelRDPDR, ChannelRDPSND)
		}
	}
	inits := append([]*InitHandle(nil), r.inits...)
	r.mu.Unlock()

	return r.notify(inits, InitEventInitialized)
}

// PostConnect 连接序列完成：此后不能再注册通道，可以打开通道
func (r *Registry) PostConnect(hostname string) error {
	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return ErrAlreadyConnected
	}
	r.connected = true
	r.hostname = hostname
	inits := append([]*InitHandle(nil), r.inits...)
	r.mu.Unlock()

	r.log.Infof("[SVC] connected to %s with %d channels", hostname, r.Count())
	return r.notify(inits, InitEventConnected)
}

// Terminate 断开连接：取消所有未发送的写，关闭所有通道，通知TERMINATED
func (r *Registry) Terminate() error {
	r.mu.Lock()
	r.connected = false
	pending := r.writes
	r.writes = nil
	for _, e := range r.channels {
		e.Open = false
		e.handler = nil
	}
	inits := append([]*InitHandle(nil), r.inits...)
	r.mu.Unlock()

	for _, item := range pending {
		r.cancel(item, ErrNotConnected)
	}
	err := r.notify(inits, InitEventTerminated)
	r.log.Infof("[SVC] terminated, %d pending writes cancelled", len(pending))
	return err
}

func (r *Registry) notify(inits []*InitHandle, ev InitEvent) error {
	var err error
	for _, ih := range inits {
		if ih.handler == nil {
			continue
		}
		if herr := ih.handler.OnInitEvent(ih, ev); herr != nil {
			r.log.Warnf("[SVC] plugin %s failed on %s: %v", ih.plugin, ev, herr)
			err = multierr.Append(err, fmt.Errorf("%s: %w", ih.plugin, herr))
		}
	}
	return err
}
