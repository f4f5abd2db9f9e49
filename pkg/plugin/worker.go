package plugin

import (
	"context"
	"errors"
	"sync"

	"github.com/junbin-yang/vchannel-go/pkg/svc"
	"github.com/junbin-yang/vchannel-go/pkg/utils/logger"
)

// DefaultQueueDepth 工作协程队列默认容量
const DefaultQueueDepth = 64

// Worker 通道工作协程：按FIFO顺序把队列中的消息交给处理器
//
// 队列满时 Post 阻塞（背压）。Quit 投递哨兵消息并等待协程退出，哨兵之前的消息全部处理完。
// 处理器返回错误或写失败时，协程投递 EventError，丢弃剩余数据消息，
// 仍然投递剩余事件消息，然后退出。
type Worker struct {
	ch      Channel
	handler ChannelHandler
	queue   chan Message
	abort   context.Context
	log     *logger.Logger

	mu     sync.RWMutex
	closed bool

	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWorker 创建并启动工作协程
// 参数：
//   - abort：会话级中止信号，触发后协程处理完已排队的消息即退出
//   - ch：交给 OnOpen 的通道
//   - depth：队列容量，<=0 时使用 DefaultQueueDepth
func NewWorker(abort context.Context, ch Channel, handler ChannelHandler, depth int, log *logger.Logger) *Worker {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if log == nil {
		log = logger.Default()
	}
	if abort == nil {
		abort = context.Background()
	}
	w := &Worker{
		ch:       ch,
		handler:  handler,
		queue:    make(chan Message, depth),
		abort:    abort,
		log:      log,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Post 投递消息，队列满时阻塞直到有空位、ctx结束或协程停止
func (w *Worker) Post(ctx context.Context, msg Message) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return ErrWorkerStopped
	}
	select {
	case w.queue <- msg:
		return nil
	case <-w.stopping:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Quit 投递退出哨兵并等待协程处理完之前的消息后退出；可重复调用
func (w *Worker) Quit() {
	w.mu.Lock()
	already := w.closed
	w.closed = true
	w.mu.Unlock()

	if !already {
		select {
		case w.queue <- Message{Kind: MessageQuit}:
		case <-w.stopping:
		}
	}
	<-w.done
}

// Done 协程退出后关闭
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Pending 队列中等待处理的消息数
func (w *Worker) Pending() int {
	return len(w.queue)
}

func (w *Worker) run() {
	defer close(w.done)
	defer w.handler.OnClose()

	if err := w.handler.OnOpen(w.ch); err != nil {
		w.fail(err)
		return
	}

	for {
		select {
		case msg := <-w.queue:
			if msg.Kind == MessageQuit {
				w.log.Debugf("[PLUGIN] channel %s worker quit", w.ch.Name())
				return
			}
			if err := w.dispatch(msg); err != nil {
				w.fail(err)
				return
			}
		case <-w.abort.Done():
			w.log.Infof("[PLUGIN] channel %s worker aborted", w.ch.Name())
			w.stop()
			w.drain(true)
			return
		}
	}
}

func (w *Worker) dispatch(msg Message) error {
	switch msg.Kind {
	case MessageData:
		return w.handler.OnData(msg.Data)
	case MessageEvent:
		w.handler.OnEvent(msg.Event)
		if wc, ok := msg.Event.(EventWriteCancelled); ok && errors.Is(wc.Err, svc.ErrWriteFailed) {
			return wc.Err
		}
	}
	return nil
}

func (w *Worker) fail(err error) {
	w.log.Errorf("[PLUGIN] channel %s failed: %v", w.ch.Name(), err)
	w.handler.OnEvent(EventError{Err: err})
	w.stop()
	w.drain(false)
}

// stop 停止接收新消息；返回后不会再有消息入队
func (w *Worker) stop() {
	w.stopOnce.Do(func() { close(w.stopping) })
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// drain 处理队列中剩余的消息
func (w *Worker) drain(deliverData bool) {
	dropped := 0
	for {
		select {
		case msg := <-w.queue:
			switch msg.Kind {
			case MessageData:
				if !deliverData {
					dropped++
					continue
				}
				if err := w.handler.OnData(msg.Data); err != nil {
					w.log.Warnf("[PLUGIN] channel %s: %v", w.ch.Name(), err)
					deliverData = false
				}
			case MessageEvent:
				w.handler.OnEvent(msg.Event)
			}
		default:
			if dropped > 0 {
				w.log.Warnf("[PLUGIN] channel %s dropped %d queued messages", w.ch.Name(), dropped)
			}
			return
		}
	}
}
