// Package transport 在字节流连接上承载静态通道分片。
//
// 每个分片编码为一个14字节小端帧头加数据。入站字节先暂存在环形缓冲区中，
// 凑齐一个完整帧后再交给读协程。
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/junbin-yang/vchannel-go/pkg/fragment"
	"github.com/junbin-yang/vchannel-go/pkg/utils/logger"
	"github.com/junbin-yang/vchannel-go/pkg/utils/ringbuffer"
)

// Transport 外部传输：读写静态通道分片
type Transport interface {
	ReadFragment(ctx context.Context) (fragment.Fragment, error)
	WriteFragment(ctx context.Context, f fragment.Fragment) error
	Close() error
}

// Conn 基于 net.Conn 的分帧传输
// ReadFragment 和 WriteFragment 可以在不同协程上并发调用。
type Conn struct {
	nc net.Conn

	rmu     sync.Mutex
	rb      *ringbuffer.RingBuffer
	readErr error

	wmu sync.Mutex

	maxData    int
	bufferSize int
	log        *logger.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// ConnOption 连接选项
type ConnOption func(*Conn)

// WithMaxFragmentData 单帧数据上限
func WithMaxFragmentData(n int) ConnOption {
	return func(c *Conn) {
		if n > 0 {
			c.maxData = n
		}
	}
}

// WithBufferSize 接收缓冲初始大小
func WithBufferSize(n int) ConnOption {
	return func(c *Conn) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// WithLogger 指定日志实例
func WithLogger(l *logger.Logger) ConnOption {
	return func(c *Conn) { c.log = l }
}

// NewConn 包装一个已建立的连接
func NewConn(nc net.Conn, opts ...ConnOption) (*Conn, error) {
	c := &Conn{
		nc:         nc,
		maxData:    DefaultMaxFragmentData,
		bufferSize: DefaultBufferSize,
		log:        logger.Default(),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	// 最多缓存一个完整帧加一次读取
	maxSize := HeaderSize + c.maxData + readChunk
	if maxSize < c.bufferSize {
		maxSize = c.bufferSize
	}
	rb, err := ringbuffer.New(c.bufferSize, ringbuffer.WithMaxSize(maxSize))
	if err != nil {
		return nil, fmt.Errorf("transport buffer: %w", err)
	}
	c.rb = rb
	return c, nil
}

// Pipe 创建一对内存连接，用于测试和进程内对接
func Pipe(opts ...ConnOption) (*Conn, *Conn) {
	a, b := net.Pipe()
	ca, _ := NewConn(a, opts...)
	cb, _ := NewConn(b, opts...)
	return ca, cb
}

// ReadFragment 读取下一个完整帧
// 返回：
//   - fragment.Fragment：数据为独立拷贝
//   - error：连接关闭返回 io.EOF 或 net.ErrClosed；帧过大返回 ErrFrameTooLarge
func (c *Conn) ReadFragment(ctx context.Context) (fragment.Fragment, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		f, ok, err := c.parse()
		if err != nil {
			return fragment.Fragment{}, err
		}
		if ok {
			return f, nil
		}
		if c.readErr != nil {
			return fragment.Fragment{}, c.readErr
		}
		if err := c.fill(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fragment.Fragment{}, ctxErr
			}
			c.readErr = err
		}
	}
}

// parse 从缓冲区取出一个完整帧
func (c *Conn) parse() (fragment.Fragment, bool, error) {
	if c.rb.Used() < HeaderSize {
		return fragment.Fragment{}, false, nil
	}

	var hdr [HeaderSize]byte
	off := 0
	for _, seg := range c.rb.Peek(HeaderSize) {
		off += copy(hdr[off:], seg)
	}
	h := decodeHeader(hdr[:])
	if int64(h.DataLen) > int64(c.maxData) {
		return fragment.Fragment{}, false, fmt.Errorf("%w: channel %d carries %d bytes, limit %d",
			ErrFrameTooLarge, h.ChannelID, h.DataLen, c.maxData)
	}
	if c.rb.Used() < HeaderSize+int(h.DataLen) {
		return fragment.Fragment{}, false, nil
	}

	c.rb.CommitRead(HeaderSize)
	data := make([]byte, h.DataLen)
	c.rb.Read(data)
	return fragment.Fragment{
		ChannelID:   uint32(h.ChannelID),
		Flags:       h.Flags,
		TotalLength: h.TotalLength,
		Data:        data,
	}, true, nil
}

// fill 从连接读取一次到缓冲区
func (c *Conn) fill(ctx context.Context) error {
	buf, err := c.rb.EnsureLinearWrite(readChunk)
	if err != nil {
		return err
	}

	if d, ok := ctx.Deadline(); ok {
		c.nc.SetReadDeadline(d)
	} else {
		c.nc.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		c.nc.SetReadDeadline(time.Now())
	})
	n, err := c.nc.Read(buf)
	stop()

	if n > 0 {
		c.rb.CommitWritten(n)
	}
	return err
}

// WriteFragment 写出一个帧
func (c *Conn) WriteFragment(ctx context.Context, f fragment.Fragment) error {
	if f.ChannelID > 0xFFFF {
		return fmt.Errorf("%w: %d", ErrChannelRange, f.ChannelID)
	}
	if len(f.Data) > c.maxData {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(f.Data), c.maxData)
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if d, ok := ctx.Deadline(); ok {
		c.nc.SetWriteDeadline(d)
	} else {
		c.nc.SetWriteDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		c.nc.SetWriteDeadline(time.Now())
	})
	defer stop()

	bufs := net.Buffers{encodeHeader(f), f.Data}
	if _, err := bufs.WriteTo(c.nc); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// Close 关闭底层连接；可重复调用
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			c.log.Warnf("[TRANSPORT] close %s: %v", c.RemoteAddr(), err)
		}
	})
	return err
}

// LocalAddr 本端地址
func (c *Conn) LocalAddr() net.Addr { return c.nc.LocalAddr() }

// RemoteAddr 对端地址
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }
