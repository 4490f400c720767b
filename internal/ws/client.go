package ws

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/portrelay/relay/internal/model"
)

// Client represents one accepted WebSocket connection.
type Client struct {
	id   model.Identity
	conn *websocket.Conn
	info model.ConnectionInfo
	send chan []byte

	framesIn  atomic.Int64
	framesOut atomic.Int64

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, info model.ConnectionInfo, queue int) *Client {
	if queue <= 0 {
		queue = 1
	}
	return &Client{
		conn: conn,
		info: info,
		send: make(chan []byte, queue),
	}
}

// Send queues a frame for the write pump. It reports false when the frame
// was dropped because the client is closed or its queue is full; a full
// queue also closes the client.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		// Slow consumer.
		c.closeLocked()
		return false
	}
}

// Close stops the client. Further sends are dropped.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Stats returns the frame counters of this connection.
func (c *Client) Stats() model.ConnectionStats {
	return model.ConnectionStats{
		FramesIn:  c.framesIn.Load(),
		FramesOut: c.framesOut.Load(),
	}
}
