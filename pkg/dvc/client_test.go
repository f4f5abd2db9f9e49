package dvc

import (
	"testing"

	"github.com/junbin-yang/vchannel-go/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopSender 把PDU同步交给对端的 HandleMessage
type loopSender struct {
	peer func([]byte) error
}

func (s *loopSender) Send(data []byte, _ any) error {
	return s.peer(append([]byte(nil), data...))
}

func TestClient_AnswersCapsAndCreate(t *testing.T) {
	s := &captureSender{}
	c := NewClient(s, WithLogger(quietLog))
	h := &recorder{}
	c.Listen("echo", func() plugin.ChannelHandler { return h })

	require.NoError(t, c.HandleMessage(EncodeCapsRequest()))
	assert.Equal(t, EncodeCapsResponse(CapsVersion1), s.Last())
	select {
	case <-c.Ready():
	default:
		t.Fatal("client not ready")
	}

	require.NoError(t, c.HandleMessage(EncodeCreateRequest(3, "echo")))
	assert.Equal(t, EncodeCreateResponse(3, CreateResultOK), s.Last())
	st, ok := c.State(3)
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, st)
	waitFor(t, func() bool { return len(h.Events()) == 1 })

	// 没有登记的通道名被拒绝
	require.NoError(t, c.HandleMessage(EncodeCreateRequest(4, "nope")))
	assert.Equal(t, EncodeCreateResponse(4, CreateResultNoListener), s.Last())
	// 重复的通道ID被拒绝
	require.NoError(t, c.HandleMessage(EncodeCreateRequest(3, "echo")))
	assert.Equal(t, EncodeCreateResponse(3, CreateResultNoListener), s.Last())
	assert.Equal(t, 1, c.Count())

	// 服务端关闭时回一个关闭PDU
	require.NoError(t, c.HandleMessage(EncodeClose(3)))
	assert.Equal(t, EncodeClose(3), s.Last())
	assert.True(t, h.Closed())

	c.Listen("echo", nil)
	require.NoError(t, c.HandleMessage(EncodeCreateRequest(5, "echo")))
	assert.Equal(t, EncodeCreateResponse(5, CreateResultNoListener), s.Last())
	require.NoError(t, c.Shutdown())
}

func TestClient_NilHandlerRefused(t *testing.T) {
	s := &captureSender{}
	c := NewClient(s, WithLogger(quietLog))
	c.Listen("echo", func() plugin.ChannelHandler { return nil })

	require.NoError(t, c.HandleMessage(EncodeCreateRequest(1, "echo")))
	assert.Equal(t, EncodeCreateResponse(1, CreateResultNoListener), s.Last())
	assert.Equal(t, 0, c.Count())
}

func TestManagerClient_EndToEnd(t *testing.T) {
	var m *Manager
	var c *Client
	c = NewClient(&loopSender{peer: func(b []byte) error { return m.HandleMessage(b) }}, WithLogger(quietLog))
	m = NewManager(&loopSender{peer: func(b []byte) error { return c.HandleMessage(b) }}, WithLogger(quietLog))

	// 对端把收到的数据原样发回
	peer := &recorder{onData: func(ch plugin.Channel, data []byte) {
		assert.NoError(t, ch.Send(data, nil))
	}}
	c.Listen("echo", func() plugin.ChannelHandler { return peer })

	require.NoError(t, m.Start())
	<-m.Ready()
	<-c.Ready()

	h := &recorder{}
	id, err := m.Open("echo", h)
	require.NoError(t, err)
	st, _ := m.State(id)
	require.Equal(t, StateSucceeded, st)

	big := make([]byte, 10000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	waitFor(t, func() bool { return len(h.Events()) == 1 })
	require.NoError(t, m.Send(id, []byte("hello"), nil))
	require.NoError(t, m.Send(id, big, nil))

	waitFor(t, func() bool { return len(h.Data()) == 2 })
	assert.Equal(t, "hello", string(h.Data()[0]))
	assert.Equal(t, big, h.Data()[1])

	// 服务端关闭，对端应答关闭
	require.NoError(t, m.Close(id))
	assert.True(t, peer.Closed())
	st, _ = c.State(id)
	assert.Equal(t, StateClosed, st)

	require.NoError(t, m.Shutdown())
	require.NoError(t, c.Shutdown())
}
