package channel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeConn is a minimal in-memory stand-in for *websocket.Conn, grounded on
// the teacher's wsConnection test doubles.
type fakeConn struct {
	mu       sync.Mutex
	inbound  chan []byte
	outbound [][]byte
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	if messageType == websocket.TextMessage {
		cp := append([]byte(nil), data...)
		f.outbound = append(f.outbound, cp)
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeConn) SetReadLimit(int64)               {}
func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.outbound...)
}

func newTestChannel(conn *fakeConn) *WSChannel {
	return &WSChannel{conn: conn, send: make(chan []byte, sendBufferSize)}
}

func TestWSChannel_DeliversInboundFrames(t *testing.T) {
	conn := newFakeConn()
	ch := newTestChannel(conn)

	received := make(chan []byte, 1)
	ch.OnMessage(func(frame []byte) { received <- frame })
	ch.Start()

	conn.inbound <- []byte(`{"hello":"world"}`)

	select {
	case frame := <-received:
		assert.Equal(t, `{"hello":"world"}`, string(frame))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}

	ch.Close()
}

func TestWSChannel_SendWritesFrame(t *testing.T) {
	conn := newFakeConn()
	ch := newTestChannel(conn)
	ch.Start()

	ch.Send([]byte(`{"kind":"notification"}`))

	require.Eventually(t, func() bool {
		return len(conn.written()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, `{"kind":"notification"}`, string(conn.written()[0]))

	ch.Close()
}

func TestWSChannel_OnCloseFiresOnRemoteClose(t *testing.T) {
	conn := newFakeConn()
	ch := newTestChannel(conn)

	closed := make(chan struct{})
	ch.OnClose(func() { close(closed) })
	ch.Start()

	conn.Close()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("onClose never fired")
	}
}

func TestWSChannel_SendAfterCloseIsNoop(t *testing.T) {
	conn := newFakeConn()
	ch := newTestChannel(conn)
	ch.Start()
	ch.Close()

	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.closed
	}, time.Second, 10*time.Millisecond)

	assert.NotPanics(t, func() { ch.Send([]byte("x")) })
}
