// Package ringbuffer 实现可增长的环形字节缓冲区，用于在生产者和消费者之间暂存数据。
//
// RingBuffer 不是并发安全的：每个实例只属于一对生产者/消费者，由调用方保证串行访问。
package ringbuffer

import "errors"

// DefaultMaxSize 默认的最大容量（64MB）
const DefaultMaxSize = 64 * 1024 * 1024

var (
	ErrOutOfMemory   = errors.New("ring buffer: out of memory")
	ErrInvalidLength = errors.New("ring buffer: invalid length")
	ErrInvalidSize   = errors.New("ring buffer: invalid initial size")
)

// RingBuffer 环形缓冲区
// 不变式：Used() + Free() == Capacity()
type RingBuffer struct {
	initialSize int
	maxSize     int
	buf         []byte
	readPtr     int
	writePtr    int
	freeSize    int
}

// Option 缓冲区选项
type Option func(*RingBuffer)

// WithMaxSize 限制缓冲区可增长到的最大容量
func WithMaxSize(n int) Option {
	return func(rb *RingBuffer) {
		rb.maxSize = n
	}
}

// New 创建环形缓冲区
// 参数：
//   - initialSize：初始容量，读空后会收缩回该容量
func New(initialSize int, opts ...Option) (*RingBuffer, error) {
	if initialSize <= 0 {
		return nil, ErrInvalidSize
	}
	rb := &RingBuffer{
		initialSize: initialSize,
		maxSize:     DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(rb)
	}
	if rb.maxSize < initialSize {
		return nil, ErrInvalidSize
	}
	rb.buf = make([]byte, initialSize)
	rb.freeSize = initialSize
	return rb, nil
}

// Capacity 当前容量
func (rb *RingBuffer) Capacity() int { return len(rb.buf) }

// Used 未读字节数
func (rb *RingBuffer) Used() int { return len(rb.buf) - rb.freeSize }

// Free 空闲字节数
func (rb *RingBuffer) Free() int { return rb.freeSize }

// Reset 丢弃所有未读数据并恢复初始容量
func (rb *RingBuffer) Reset() {
	if len(rb.buf) != rb.initialSize {
		rb.buf = make([]byte, rb.initialSize)
	}
	rb.readPtr = 0
	rb.writePtr = 0
	rb.freeSize = len(rb.buf)
}

// Write 写入数据，空间不足时扩容；扩容保留全部未读数据的原有顺序
func (rb *RingBuffer) Write(p []byte) error {
	n := len(p)
	if n == 0 {
		return nil
	}
	if rb.freeSize < n {
		if err := rb.grow(n); err != nil {
			return err
		}
	}

	size := len(rb.buf)
	first := size - rb.writePtr
	if first > n {
		first = n
	}
	copy(rb.buf[rb.writePtr:], p[:first])
	copy(rb.buf, p[first:])

	rb.writePtr = (rb.writePtr + n) % size
	rb.freeSize -= n
	return nil
}

// EnsureLinearWrite 返回至少n字节的连续可写区域，必要时扩容或将未读数据搬移到起始位置。
// 写入后需调用CommitWritten提交。
func (rb *RingBuffer) EnsureLinearWrite(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrInvalidLength
	}
	if rb.freeSize < n {
		if err := rb.grow(n); err != nil {
			return nil, err
		}
	}
	if rb.Used() == 0 {
		rb.readPtr = 0
		rb.writePtr = 0
	}

	size := len(rb.buf)
	if rb.writePtr < rb.readPtr {
		// 已回绕，空闲区间[writePtr, readPtr)本身连续
		return rb.buf[rb.writePtr : rb.writePtr+n], nil
	}
	if rb.writePtr+n <= size {
		return rb.buf[rb.writePtr : rb.writePtr+n], nil
	}

	// 空间足够但不连续：整理到起始位置
	used := rb.Used()
	copy(rb.buf, rb.buf[rb.readPtr:rb.readPtr+used])
	rb.readPtr = 0
	rb.writePtr = used
	return rb.buf[rb.writePtr : rb.writePtr+n], nil
}

// CommitWritten 提交通过EnsureLinearWrite写入的n字节
func (rb *RingBuffer) CommitWritten(n int) error {
	if n == 0 {
		return nil
	}
	if n < 0 || n > rb.freeSize || rb.writePtr+n > len(rb.buf) {
		return ErrInvalidLength
	}
	rb.writePtr = (rb.writePtr + n) % len(rb.buf)
	rb.freeSize -= n
	return nil
}

// Peek 零拷贝查看接下来最多n字节，数据回绕时分成两段返回；不移动读写位置
func (rb *RingBuffer) Peek(n int) [][]byte {
	used := rb.Used()
	if n > used {
		n = used
	}
	if n <= 0 {
		return nil
	}

	first := len(rb.buf) - rb.readPtr
	if first >= n {
		return [][]byte{rb.buf[rb.readPtr : rb.readPtr+n]}
	}
	return [][]byte{rb.buf[rb.readPtr:], rb.buf[:n-first]}
}

// CommitRead 丢弃已读取的n字节；使用量降到初始容量一半以下时收缩回初始容量
func (rb *RingBuffer) CommitRead(n int) error {
	if n == 0 {
		return nil
	}
	if n < 0 || n > rb.Used() {
		return ErrInvalidLength
	}

	rb.readPtr = (rb.readPtr + n) % len(rb.buf)
	rb.freeSize += n

	if rb.Used() == 0 {
		rb.readPtr = 0
		rb.writePtr = 0
	}
	if len(rb.buf) != rb.initialSize && rb.Used() < rb.initialSize/2 {
		rb.realloc(rb.initialSize)
	}
	return nil
}

// Read 复制并消费最多len(p)字节，返回实际字节数
func (rb *RingBuffer) Read(p []byte) int {
	n := 0
	for _, chunk := range rb.Peek(len(p)) {
		n += copy(p[n:], chunk)
	}
	rb.CommitRead(n)
	return n
}

// grow 扩容以容纳额外n字节（按倍数增长，不超过maxSize）
func (rb *RingBuffer) grow(n int) error {
	used := rb.Used()
	need := used + n
	if need > rb.maxSize || need < used {
		return ErrOutOfMemory
	}

	target := len(rb.buf)
	for target < need {
		target *= 2
	}
	if target > rb.maxSize {
		target = rb.maxSize
	}
	rb.realloc(target)
	return nil
}

// realloc 按顺序把未读数据复制到新缓冲区起始位置
func (rb *RingBuffer) realloc(target int) {
	used := rb.Used()
	nb := make([]byte, target)

	off := 0
	for _, chunk := range rb.Peek(used) {
		off += copy(nb[off:], chunk)
	}

	rb.buf = nb
	rb.readPtr = 0
	rb.writePtr = used % target
	rb.freeSize = target - used
}
