package fragment

import (
	"fmt"

	"github.com/junbin-yang/vchannel-go/pkg/utils/logger"
	"github.com/junbin-yang/vchannel-go/pkg/utils/ringbuffer"
)

// 暂存缓冲的初始容量范围；声明长度只作提示，超出部分随数据到达增长
const (
	minStageSize = 64
	maxStageSize = 64 * 1024
)

// Kind 重组结果类型
type Kind int

const (
	KindNone    Kind = iota // 消息尚未完整
	KindMessage             // 得到一条完整消息
	KindSuspend             // 暂停所有通道流量
	KindResume              // 恢复所有通道流量
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindMessage:
		return "message"
	case KindSuspend:
		return "suspend"
	case KindResume:
		return "resume"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result 一次Feed的结果
type Result struct {
	Kind      Kind
	ChannelID uint32
	Data      []byte
}

type partial struct {
	stage *ringbuffer.RingBuffer
	total int
}

// Reassembler 按通道ID累积分片，遇到LAST分片时交付完整消息。
// 非并发安全，由传输读协程独占使用。
type Reassembler struct {
	partials       map[uint32]*partial
	maxMessageSize int
	log            *logger.Logger
}

// Option 重组器选项
type Option func(*Reassembler)

// WithMaxMessageSize 设置单条消息上限
func WithMaxMessageSize(n int) Option {
	return func(r *Reassembler) {
		if n > 0 {
			r.maxMessageSize = n
		}
	}
}

// WithLogger 指定日志实例（默认使用全局日志）
func WithLogger(l *logger.Logger) Option {
	return func(r *Reassembler) {
		r.log = l
	}
}

// NewReassembler 创建重组器
func NewReassembler(opts ...Option) *Reassembler {
	r := &Reassembler{
		partials:       make(map[uint32]*partial),
		maxMessageSize: DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Default()
	}
	return r
}

// Feed 处理一个分片
//
// FIRST分片开始新的缓冲；若同一通道已有未完成的缓冲，旧缓冲被静默丢弃（仅记录警告）。
// LAST分片交付累积的数据，即使长度与TotalLength不一致也照常交付。
func (r *Reassembler) Feed(f Fragment) (Result, error) {
	id := f.ChannelID
	if f.Flags&FlagSuspend != 0 {
		return Result{Kind: KindSuspend, ChannelID: id}, nil
	}
	if f.Flags&FlagResume != 0 {
		return Result{Kind: KindResume, ChannelID: id}, nil
	}

	p := r.partials[id]
	if f.IsFirst() {
		if p != nil {
			r.log.Warnf("[FRAGMENT] channel %d: FIRST fragment discards %d buffered bytes of an incomplete message",
				id, p.stage.Used())
			delete(r.partials, id)
		}
		if int64(f.TotalLength) > int64(r.maxMessageSize) || len(f.Data) > r.maxMessageSize {
			return Result{}, fmt.Errorf("%w: channel %d announces %d bytes", ErrMessageTooLarge, id, f.TotalLength)
		}
		if f.IsLast() {
			data := make([]byte, len(f.Data))
			copy(data, f.Data)
			return r.complete(id, int(f.TotalLength), data), nil
		}

		size := int(f.TotalLength)
		if size < minStageSize {
			size = minStageSize
		}
		if size > maxStageSize {
			size = maxStageSize
		}
		if size > r.maxMessageSize {
			size = r.maxMessageSize
		}
		stage, err := ringbuffer.New(size, ringbuffer.WithMaxSize(r.maxMessageSize))
		if err != nil {
			return Result{}, fmt.Errorf("channel %d: %w", id, err)
		}
		p = &partial{stage: stage, total: int(f.TotalLength)}
		r.partials[id] = p
	} else if p == nil {
		return Result{}, fmt.Errorf("%w: channel %d flags 0x%x", ErrNoReassembly, id, f.Flags)
	}

	if err := p.stage.Write(f.Data); err != nil {
		delete(r.partials, id)
		return Result{}, fmt.Errorf("%w: channel %d: %w", ErrMessageTooLarge, id, err)
	}
	if !f.IsLast() {
		return Result{Kind: KindNone, ChannelID: id}, nil
	}

	delete(r.partials, id)
	data := make([]byte, p.stage.Used())
	p.stage.Read(data)
	return r.complete(id, p.total, data), nil
}

func (r *Reassembler) complete(id uint32, total int, data []byte) Result {
	if total != len(data) {
		r.log.Warnf("[FRAGMENT] channel %d: reassembled %d bytes, header announced %d", id, len(data), total)
	}
	return Result{Kind: KindMessage, ChannelID: id, Data: data}
}

// Pending 查询通道未完成的重组状态
// 返回：
//   - have：已累积字节数
//   - total：FIRST分片声明的总长度
//   - ok：是否存在未完成的缓冲
func (r *Reassembler) Pending(id uint32) (have, total int, ok bool) {
	p, ok := r.partials[id]
	if !ok {
		return 0, 0, false
	}
	return p.stage.Used(), p.total, true
}

// Discard 丢弃通道未完成的缓冲（通道关闭时调用）
func (r *Reassembler) Discard(id uint32) {
	delete(r.partials, id)
}

// Reset 丢弃全部未完成的缓冲
func (r *Reassembler) Reset() {
	r.partials = make(map[uint32]*partial)
}

// Len 未完成缓冲的数量
func (r *Reassembler) Len() int {
	return len(r.partials)
}
