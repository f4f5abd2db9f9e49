package ringbuffer

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(start, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(start + i)
	}
	return b
}

func readAll(t *testing.T, rb *RingBuffer, n int) []byte {
	t.Helper()
	var out []byte
	for _, chunk := range rb.Peek(n) {
		out = append(out, chunk...)
	}
	require.NoError(t, rb.CommitRead(len(out)))
	return out
}

func checkInvariant(t *testing.T, rb *RingBuffer) {
	t.Helper()
	require.Equal(t, rb.Capacity(), rb.Used()+rb.Free())
}

// 写10字节，读4字节，再写20字节触发扩容，剩余26字节按写入顺序读出
func TestRingBuffer_GrowPreservesOrder(t *testing.T) {
	rb, err := New(16)
	require.NoError(t, err)

	first := seq(0, 10)
	second := seq(100, 20)

	require.NoError(t, rb.Write(first))
	assert.Equal(t, first[:4], readAll(t, rb, 4))
	require.NoError(t, rb.Write(second))
	checkInvariant(t, rb)
	assert.Greater(t, rb.Capacity(), 16)
	assert.Equal(t, 26, rb.Used())

	want := append(append([]byte{}, first[4:]...), second...)
	assert.Equal(t, want, readAll(t, rb, 26))
	assert.Equal(t, 0, rb.Used())
	// 读空后收缩回初始容量
	assert.Equal(t, 16, rb.Capacity())
	checkInvariant(t, rb)
}

func TestRingBuffer_GrowWhileWrapped(t *testing.T) {
	rb, err := New(8)
	require.NoError(t, err)

	require.NoError(t, rb.Write(seq(0, 6)))
	readAll(t, rb, 5)
	// 写指针回绕到缓冲区头部
	require.NoError(t, rb.Write(seq(6, 6)))
	chunks := rb.Peek(7)
	require.Len(t, chunks, 2)

	require.NoError(t, rb.Write(seq(12, 10)))
	checkInvariant(t, rb)
	assert.Equal(t, seq(5, 17), readAll(t, rb, 17))
}

func TestRingBuffer_PeekDoesNotConsume(t *testing.T) {
	rb, err := New(8)
	require.NoError(t, err)
	require.NoError(t, rb.Write([]byte("abc")))

	p := rb.Peek(10)
	require.Len(t, p, 1)
	assert.Equal(t, []byte("abc"), p[0])
	assert.Equal(t, 3, rb.Used())
	assert.Nil(t, rb.Peek(0))
}

func TestRingBuffer_EnsureLinearWriteCompacts(t *testing.T) {
	rb, err := New(16)
	require.NoError(t, err)

	require.NoError(t, rb.Write(seq(0, 12)))
	readAll(t, rb, 8)

	// 尾部只有4字节，总空闲12字节：需要搬移数据
	region, err := rb.EnsureLinearWrite(10)
	require.NoError(t, err)
	require.Len(t, region, 10)
	copy(region, seq(12, 10))
	require.NoError(t, rb.CommitWritten(10))
	checkInvariant(t, rb)
	assert.Equal(t, 16, rb.Capacity())

	assert.Equal(t, seq(8, 14), readAll(t, rb, 14))
}

func TestRingBuffer_EnsureLinearWriteGrows(t *testing.T) {
	rb, err := New(4)
	require.NoError(t, err)
	require.NoError(t, rb.Write([]byte{1, 2}))

	region, err := rb.EnsureLinearWrite(10)
	require.NoError(t, err)
	copy(region, seq(3, 10))
	require.NoError(t, rb.CommitWritten(10))
	assert.Equal(t, append([]byte{1, 2}, seq(3, 10)...), readAll(t, rb, 12))
}

func TestRingBuffer_CommitErrors(t *testing.T) {
	rb, err := New(8)
	require.NoError(t, err)
	require.NoError(t, rb.Write([]byte{1}))

	assert.ErrorIs(t, rb.CommitRead(2), ErrInvalidLength)
	assert.ErrorIs(t, rb.CommitWritten(100), ErrInvalidLength)
	assert.NoError(t, rb.CommitRead(0))

	_, err = New(0)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestRingBuffer_OutOfMemory(t *testing.T) {
	rb, err := New(8, WithMaxSize(32))
	require.NoError(t, err)

	require.NoError(t, rb.Write(seq(0, 30)))
	err = rb.Write(seq(0, 3))
	assert.ErrorIs(t, err, ErrOutOfMemory)
	// 失败的写入不影响已有数据
	assert.Equal(t, 30, rb.Used())

	_, err = rb.EnsureLinearWrite(10)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

// 任意写/读序列下FIFO顺序保持不变
func TestRingBuffer_RandomFIFO(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	rb, err := New(32)
	require.NoError(t, err)

	var model bytes.Buffer
	counter := 0
	for i := 0; i < 2000; i++ {
		switch rng.Intn(3) {
		case 0:
			n := rng.Intn(100)
			data := seq(counter, n)
			counter += n
			require.NoError(t, rb.Write(data))
			model.Write(data)
		case 1:
			n := rng.Intn(60)
			region, err := rb.EnsureLinearWrite(n)
			require.NoError(t, err)
			data := seq(counter, n)
			counter += n
			copy(region, data)
			require.NoError(t, rb.CommitWritten(n))
			model.Write(data)
		default:
			n := rng.Intn(120)
			got := readAll(t, rb, n)
			want := model.Next(len(got))
			require.True(t, bytes.Equal(want, got), "FIFO order broken at step %d", i)
		}
		checkInvariant(t, rb)
		require.Equal(t, model.Len(), rb.Used())
	}
	assert.True(t, bytes.Equal(model.Bytes(), readAll(t, rb, rb.Used())))
}

func TestRingBuffer_Read(t *testing.T) {
	rb, err := New(4)
	require.NoError(t, err)
	require.NoError(t, rb.Write([]byte("hello world")))

	p := make([]byte, 5)
	assert.Equal(t, 5, rb.Read(p))
	assert.Equal(t, "hello", string(p))
	assert.Equal(t, 6, rb.Used())

	rb.Reset()
	assert.Equal(t, 0, rb.Used())
	assert.Equal(t, 4, rb.Capacity())
}
