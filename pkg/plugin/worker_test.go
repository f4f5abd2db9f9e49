package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/junbin-yang/vchannel-go/pkg/svc"
	"github.com/junbin-yang/vchannel-go/pkg/utils/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var quietLog = logger.New(&bytes.Buffer{}, logger.ErrorLevel)

// stubChannel 测试用通道
type stubChannel struct {
	name string
}

func (c stubChannel) Name() string { return c.name }

func (c stubChannel) Handle() uint32 { return 1 }

func (c stubChannel) Send(data []byte, _ any) error { return nil }

// recordingHandler 记录工作协程上的所有回调
type recordingHandler struct {
	mu      sync.Mutex
	opened  bool
	data    [][]byte
	events  []Event
	closed  bool
	openErr error
	onData  func([]byte) error
}

func (h *recordingHandler) OnOpen(Channel) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = true
	return h.openErr
}

func (h *recordingHandler) OnData(data []byte) error {
	h.mu.Lock()
	h.data = append(h.data, data)
	fn := h.onData
	h.mu.Unlock()
	if fn != nil {
		return fn(data)
	}
	return nil
}

func (h *recordingHandler) OnEvent(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) OnClose() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *recordingHandler) Data() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.data...)
}

func (h *recordingHandler) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

func (h *recordingHandler) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func TestWorker_OrderAndDrainOnQuit(t *testing.T) {
	h := &recordingHandler{}
	w := NewWorker(context.Background(), stubChannel{"test"}, h, 8, quietLog)

	ctx := context.Background()
	for i := 0; i < 500; i++ {
		require.NoError(t, w.Post(ctx, DataMessage([]byte(fmt.Sprint(i)))))
	}
	require.NoError(t, w.Post(ctx, EventMessage(EventWriteComplete{UserData: "last"})))
	w.Quit()

	data := h.Data()
	require.Len(t, data, 500)
	for i, d := range data {
		assert.Equal(t, fmt.Sprint(i), string(d))
	}
	assert.Equal(t, []Event{EventWriteComplete{UserData: "last"}}, h.Events())
	assert.True(t, h.Closed())

	assert.ErrorIs(t, w.Post(ctx, DataMessage([]byte("late"))), ErrWorkerStopped)
	// 重复Quit立即返回
	w.Quit()
}

func TestWorker_Backpressure(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h := &recordingHandler{onData: func([]byte) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}}
	w := NewWorker(context.Background(), stubChannel{"slow"}, h, 1, quietLog)

	ctx := context.Background()
	require.NoError(t, w.Post(ctx, DataMessage([]byte("1"))))
	<-started
	require.NoError(t, w.Post(ctx, DataMessage([]byte("2"))))

	// 队列已满，Post阻塞直到超时
	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Post(tctx, DataMessage([]byte("3"))), context.DeadlineExceeded)

	close(release)
	w.Quit()
	assert.Len(t, h.Data(), 2)
}

func TestWorker_HandlerErrorUnwinds(t *testing.T) {
	boom := errors.New("bad pdu")
	block := make(chan struct{})
	h := &recordingHandler{onData: func(d []byte) error {
		if string(d) == "bad" {
			<-block
			return boom
		}
		return nil
	}}
	w := NewWorker(context.Background(), stubChannel{"c"}, h, 8, quietLog)
	ctx := context.Background()

	require.NoError(t, w.Post(ctx, DataMessage([]byte("ok"))))
	require.NoError(t, w.Post(ctx, DataMessage([]byte("bad"))))
	require.NoError(t, w.Post(ctx, DataMessage([]byte("dropped"))))
	require.NoError(t, w.Post(ctx, EventMessage(EventWriteComplete{UserData: 7})))
	close(block)

	<-w.Done()
	assert.Equal(t, [][]byte{[]byte("ok"), []byte("bad")}, h.Data())
	events := h.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventError{Err: boom}, events[0])
	// 排队的写完成仍然送达
	assert.Equal(t, EventWriteComplete{UserData: 7}, events[1])
	assert.True(t, h.Closed())

	assert.ErrorIs(t, w.Post(ctx, DataMessage(nil)), ErrWorkerStopped)
	w.Quit()
}

func TestWorker_WriteFailedIsFatal(t *testing.T) {
	h := &recordingHandler{}
	w := NewWorker(context.Background(), stubChannel{"c"}, h, 8, quietLog)

	werr := fmt.Errorf("%w: socket closed", svc.ErrWriteFailed)
	require.NoError(t, w.Post(context.Background(), EventMessage(EventWriteCancelled{UserData: 1, Err: werr})))
	<-w.Done()

	events := h.Events()
	require.Len(t, events, 2)
	assert.IsType(t, EventWriteCancelled{}, events[0])
	assert.Equal(t, EventError{Err: werr}, events[1])
	w.Quit()
}

func TestWorker_CancelledWithoutFailureKeepsRunning(t *testing.T) {
	h := &recordingHandler{}
	w := NewWorker(context.Background(), stubChannel{"c"}, h, 8, quietLog)
	ctx := context.Background()

	require.NoError(t, w.Post(ctx, EventMessage(EventWriteCancelled{UserData: 1, Err: svc.ErrNotOpen})))
	require.NoError(t, w.Post(ctx, DataMessage([]byte("still alive"))))
	w.Quit()

	assert.Len(t, h.Data(), 1)
	assert.Len(t, h.Events(), 1)
}

func TestWorker_OpenError(t *testing.T) {
	boom := errors.New("refused")
	h := &recordingHandler{openErr: boom}
	w := NewWorker(context.Background(), stubChannel{"c"}, h, 8, quietLog)
	<-w.Done()

	assert.Equal(t, []Event{EventError{Err: boom}}, h.Events())
	assert.True(t, h.Closed())
	w.Quit()
}

func TestWorker_Abort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	h := &recordingHandler{onData: func([]byte) error {
		<-release
		return nil
	}}
	w := NewWorker(ctx, stubChannel{"c"}, h, 4, quietLog)

	require.NoError(t, w.Post(context.Background(), DataMessage([]byte("a"))))
	require.NoError(t, w.Post(context.Background(), DataMessage([]byte("b"))))
	cancel()
	close(release)

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not unwind after abort")
	}
	// 中止时已排队的消息仍被处理
	assert.Len(t, h.Data(), 2)
	assert.True(t, h.Closed())
	w.Quit()
}

func TestFuncHandler(t *testing.T) {
	var got []byte
	h := FuncHandler(func(d []byte) { got = d })
	require.NoError(t, h.OnOpen(nil))
	require.NoError(t, h.OnData([]byte("x")))
	assert.Equal(t, []byte("x"), got)

	var nilFn FuncHandler
	assert.NoError(t, nilFn.OnData([]byte("y")))
}
