package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/junbin-yang/vchannel-go/pkg/fragment"
	"github.com/junbin-yang/vchannel-go/pkg/utils/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var quietLog = logger.New(&bytes.Buffer{}, logger.ErrorLevel)

func TestHeaderLayout(t *testing.T) {
	f := fragment.Fragment{ChannelID: 1004, Flags: fragment.FlagFirst, TotalLength: 5000, Data: []byte("abc")}
	b := encodeHeader(f)
	require.Len(t, b, HeaderSize)
	assert.Equal(t, []byte{0xEC, 0x03}, b[0:2])
	assert.Equal(t, []byte{0x01, 0, 0, 0}, b[2:6])
	assert.Equal(t, []byte{0x88, 0x13, 0, 0}, b[6:10])
	assert.Equal(t, []byte{0x03, 0, 0, 0}, b[10:14])

	h := decodeHeader(b)
	assert.Equal(t, FrameHeader{ChannelID: 1004, Flags: 1, TotalLength: 5000, DataLen: 3}, h)
}

func TestPipe_RoundTrip(t *testing.T) {
	a, b := Pipe(WithLogger(quietLog), WithBufferSize(64))
	defer a.Close()
	defer b.Close()

	msg := make([]byte, 10000)
	for i := range msg {
		msg[i] = byte(i)
	}
	frags := fragment.Split(1004, msg, fragment.ChunkLength)
	frags = append(frags, fragment.Fragment{ChannelID: 1005, Flags: fragment.FlagOnly, TotalLength: 0})

	ctx := context.Background()
	go func() {
		for _, f := range frags {
			if err := a.WriteFragment(ctx, f); err != nil {
				return
			}
		}
	}()

	for _, want := range frags {
		got, err := b.ReadFragment(ctx)
		require.NoError(t, err)
		assert.Equal(t, want.ChannelID, got.ChannelID)
		assert.Equal(t, want.Flags, got.Flags)
		assert.Equal(t, want.TotalLength, got.TotalLength)
		assert.Equal(t, len(want.Data), len(got.Data))
		if len(want.Data) > 0 {
			assert.Equal(t, want.Data, got.Data)
		}
	}
}

func TestConn_FrameTooLarge(t *testing.T) {
	raw, peer := net.Pipe()
	c, err := NewConn(peer, WithLogger(quietLog), WithMaxFragmentData(16))
	require.NoError(t, err)
	defer c.Close()
	defer raw.Close()

	go func() {
		hdr := make([]byte, HeaderSize)
		binary.LittleEndian.PutUint16(hdr[0:], 1004)
		binary.LittleEndian.PutUint32(hdr[10:], 17)
		raw.Write(hdr)
	}()
	_, err = c.ReadFragment(context.Background())
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	err = c.WriteFragment(context.Background(), fragment.Fragment{ChannelID: 1, Data: make([]byte, 17)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	err = c.WriteFragment(context.Background(), fragment.Fragment{ChannelID: 0x10000, Data: []byte("x")})
	assert.ErrorIs(t, err, ErrChannelRange)
}

func TestConn_ReadCancelled(t *testing.T) {
	a, b := Pipe(WithLogger(quietLog))
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := b.ReadFragment(ctx)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("read not interrupted")
	}

	// 取消后连接仍可用
	go a.WriteFragment(context.Background(), fragment.Fragment{ChannelID: 7, Flags: fragment.FlagOnly, TotalLength: 2, Data: []byte("ok")})
	f, err := b.ReadFragment(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", string(f.Data))
}

func TestConn_PeerClose(t *testing.T) {
	a, b := Pipe(WithLogger(quietLog))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err := b.ReadFragment(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	// 读错误是粘滞的
	_, err = b.ReadFragment(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, a.WriteFragment(context.Background(), fragment.Fragment{ChannelID: 1}), ErrClosed)
	b.Close()
}

func TestServer_DialEcho(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", 4, func(ctx context.Context, c *Conn) {
		for {
			f, err := c.ReadFragment(ctx)
			if err != nil {
				return
			}
			if err := c.WriteFragment(ctx, f); err != nil {
				return
			}
		}
	}, WithLogger(quietLog))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.Addr().String(), WithLogger(quietLog))
	require.NoError(t, err)

	want := fragment.Fragment{ChannelID: 1004, Flags: fragment.FlagOnly, TotalLength: 5, Data: []byte("hello")}
	require.NoError(t, c.WriteFragment(ctx, want))
	got, err := c.ReadFragment(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, c.Close())
	require.NoError(t, srv.Close())
}

func TestServer_ConnectionLimit(t *testing.T) {
	accepted := make(chan *Conn, 2)
	release := make(chan struct{})
	srv, err := Listen("127.0.0.1:0", 1, func(ctx context.Context, c *Conn) {
		accepted <- c
		select {
		case <-release:
		case <-ctx.Done():
		}
	}, WithLogger(quietLog))
	require.NoError(t, err)

	ctx := context.Background()
	c1, err := Dial(ctx, srv.Addr().String(), WithLogger(quietLog))
	require.NoError(t, err)
	c2, err := Dial(ctx, srv.Addr().String(), WithLogger(quietLog))
	require.NoError(t, err)

	<-accepted
	select {
	case <-accepted:
		t.Fatal("second connection served above the limit")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("second connection never served")
	}

	c1.Close()
	c2.Close()
	require.NoError(t, srv.Close())
}

func TestListen_Errors(t *testing.T) {
	_, err := Listen("127.0.0.1:0", 0, nil)
	assert.Error(t, err)

	_, err = Listen("256.0.0.1:0", 0, func(context.Context, *Conn) {})
	assert.Error(t, err)

	_, err = Dial(context.Background(), "127.0.0.1:1")
	assert.True(t, err != nil && !errors.Is(err, ErrClosed))
}
