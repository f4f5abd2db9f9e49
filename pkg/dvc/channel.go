package dvc

import (
	"sync"

	"github.com/junbin-yang/vchannel-go/pkg/plugin"
)

// Channel 一个动态通道，作为 plugin.Channel 交给通道处理器
type Channel struct {
	id     uint32
	name   string
	tab    *table
	worker *plugin.Worker

	// wmu 串行化Send，一条消息的PDU在drdynvc写队列中连续排列
	wmu sync.Mutex

	mu       sync.Mutex
	state    State
	pending  map[*pendingWrite]struct{}
	inflight sync.WaitGroup
}

// Name 通道名
func (c *Channel) Name() string { return c.name }

// Handle 动态通道ID
func (c *Channel) Handle() uint32 { return c.id }

// Send 异步发送一条消息，完成后通道处理器收到写完成事件
func (c *Channel) Send(data []byte, userData any) error {
	return c.tab.send(c, data, userData)
}

// State 当前状态
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// resolve NONE → to，其他状态下不生效
func (c *Channel) resolve(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateNone {
		return false
	}
	c.state = to
	return true
}

// markClosed 置为CLOSED，返回原状态和尚未结束的写
func (c *Channel) markClosed() (State, []*pendingWrite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = StateClosed
	writes := make([]*pendingWrite, 0, len(c.pending))
	for w := range c.pending {
		writes = append(writes, w)
	}
	c.pending = nil
	return prev, writes
}

// track 登记一次写，通道不在SUCCEEDED时失败
func (c *Channel) track(w *pendingWrite) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSucceeded {
		return false
	}
	if c.pending == nil {
		c.pending = make(map[*pendingWrite]struct{})
	}
	c.pending[w] = struct{}{}
	return true
}

func (c *Channel) untrack(w *pendingWrite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, w)
}

// beginDelivery 通道未关闭时登记一次写结果投递，关闭会等到投递结束再退出工作协程
func (c *Channel) beginDelivery() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.inflight.Add(1)
	return true
}

// pendingWrite 一次Send拆成的全部PDU共享同一个写记录，最后一个PDU写出后才算完成
type pendingWrite struct {
	id       uint32
	userData any

	mu        sync.Mutex
	remaining int
	done      bool
}

func (w *pendingWrite) complete() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return false
	}
	w.remaining--
	if w.remaining > 0 {
		return false
	}
	w.done = true
	return true
}

func (w *pendingWrite) cancel() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	return true
}
