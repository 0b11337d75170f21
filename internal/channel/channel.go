// Package channel wraps a single peer's transport connection: a buffered
// send queue plus a readPump/writePump goroutine pair, grounded on the
// teacher's transport.Client.
package channel

import (
	"sync"
	"time"

	"github.com/coedit-dev/collab-broker/internal/logging"
	"github.com/coedit-dev/collab-broker/internal/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	sendBufferSize = 64
	maxFrameBytes  = 1 << 20 // 1 MiB, generous for JSON control-plane payloads
)

// wsConn is the subset of *websocket.Conn the channel needs, narrowed for
// testability the way the teacher narrows its wsConnection interface.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Channel is a bidirectional byte-frame transport for a single peer
// connection. Implementations deliver inbound frames to the OnMessage
// callback and accept outbound frames via Send.
type Channel interface {
	// Send enqueues a frame for delivery. It never blocks the caller for
	// long: a full send buffer drops the frame and logs a warning, mirroring
	// the teacher's non-blocking select-with-default send path.
	Send(frame []byte)
	// OnMessage registers the callback invoked for every inbound frame.
	// Must be called once, before Start.
	OnMessage(fn func(frame []byte))
	// OnClose registers the callback invoked exactly once when the channel
	// tears down, for any reason (remote close, write failure, Close call).
	OnClose(fn func())
	// Start begins the read/write pumps. Non-blocking; returns immediately.
	Start()
	// Close tears the channel down. Idempotent.
	Close()
}

// WSChannel is a Channel backed by a gorilla/websocket connection.
type WSChannel struct {
	conn wsConn

	send chan []byte

	onMessage func(frame []byte)
	onClose   func()

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewWSChannel wraps conn. conn must not be used directly by the caller
// after this call.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

func (c *WSChannel) OnMessage(fn func(frame []byte)) { c.onMessage = fn }
func (c *WSChannel) OnClose(fn func())               { c.onClose = fn }

func (c *WSChannel) Send(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.send <- frame:
	default:
		logging.GetLogger().Warn("channel send buffer full, dropping frame")
	}
}

func (c *WSChannel) Start() {
	metrics.ActiveChannels.Inc()
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()
}

func (c *WSChannel) readPump() {
	defer c.teardown()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

func (c *WSChannel) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logging.GetLogger().Warn("channel write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSChannel) teardown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()

		metrics.ActiveChannels.Dec()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// Close tears the channel down from outside the read/write pumps.
func (c *WSChannel) Close() {
	c.conn.Close()
}
