package dvc

import (
	"fmt"
	"sync"

	"github.com/junbin-yang/vchannel-go/pkg/plugin"
)

// HandlerFactory 为对端创建的每个动态通道生成处理器
type HandlerFactory func() plugin.ChannelHandler

// Client 对端动态通道实现：应答能力请求和创建请求
type Client struct {
	*table

	listeners map[string]HandlerFactory // 由 table.mu 保护
	version   uint16

	ready     chan struct{}
	readyOnce sync.Once
}

// NewClient 创建对端实现，sender 为nil时在 OnOpen 中取drdynvc插件的通道
func NewClient(sender Sender, opts ...Option) *Client {
	return &Client{
		table:     newTable("DVC-CLIENT", sender, opts),
		listeners: make(map[string]HandlerFactory),
		version:   CapsVersion1,
		ready:     make(chan struct{}),
	}
}

// Listen 登记动态通道名；factory为nil时取消登记
func (c *Client) Listen(name string, factory HandlerFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if factory == nil {
		delete(c.listeners, name)
		return
	}
	c.listeners[name] = factory
}

// Ready 应答能力请求后关闭
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// HandleMessage 处理一条来自服务端的完整drdynvc消息
func (c *Client) HandleMessage(pdu []byte) error {
	p, err := Decode(pdu)
	if err != nil {
		c.log.Warnf("[DVC-CLIENT] malformed pdu (%d bytes): %v", len(pdu), err)
		c.metrics.RecordDropped("dvc_decode")
		return err
	}

	switch p.Cmd {
	case CmdCapability:
		return c.onCapability(p)
	case CmdCreate:
		return c.onCreate(p)
	case CmdDataFirst, CmdData:
		return c.receive(p)
	case CmdClose:
		ch := c.lookup(p.ChannelID)
		if ch == nil {
			c.log.Debugf("[DVC-CLIENT] close for unknown channel %d", p.ChannelID)
			return nil
		}
		// 已建立的通道回一个关闭PDU
		return c.closeChannel(ch, true)
	}
	return nil
}

func (c *Client) onCapability(p PDU) error {
	sender := c.currentSender()
	if sender == nil {
		return ErrNoSender
	}
	if err := sender.Send(EncodeCapsResponse(c.version), nil); err != nil {
		return fmt.Errorf("send capability response: %w", err)
	}
	c.readyOnce.Do(func() { close(c.ready) })
	c.log.Infof("[DVC-CLIENT] capability request version %d answered", p.Version)
	return nil
}

func (c *Client) onCreate(p PDU) error {
	name, err := p.ChannelName()
	if err != nil {
		return err
	}
	id := p.ChannelID

	c.mu.RLock()
	sender := c.sender
	factory := c.listeners[name]
	c.mu.RUnlock()
	if sender == nil {
		return ErrNoSender
	}

	var h plugin.ChannelHandler
	if factory != nil {
		h = factory()
	}

	c.mu.Lock()
	_, exists := c.channels[id]
	if c.closed || h == nil || exists {
		c.mu.Unlock()
		c.log.Warnf("[DVC-CLIENT] no listener for channel %s(%d)", name, id)
		return sender.Send(EncodeCreateResponse(id, CreateResultNoListener), nil)
	}
	ch := c.addLocked(id, name, StateSucceeded, h)
	c.mu.Unlock()

	if err := sender.Send(EncodeCreateResponse(id, CreateResultOK), nil); err != nil {
		_ = c.closeChannel(ch, false)
		return fmt.Errorf("create response for %s: %w", name, err)
	}
	c.log.Infof("[DVC-CLIENT] channel %s(%d) accepted", name, id)
	c.post(ch, plugin.EventMessage(plugin.EventOpened{}))
	return nil
}

// OnData drdynvc工作协程上的一条消息
func (c *Client) OnData(data []byte) error {
	if err := c.HandleMessage(data); err != nil {
		c.log.Debugf("[DVC-CLIENT] %v", err)
	}
	return nil
}

// OnEvent drdynvc工作协程上的事件
func (c *Client) OnEvent(ev plugin.Event) {
	c.handleEvent(ev)
}
