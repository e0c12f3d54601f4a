package fanout

import (
	"sync"

	"github.com/hexwave/chatmux/pkg/wire"
)

const outboundBufferSize = 256

// Conn is the slice of a websocket connection the fan-out layer touches.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Client is one live duplex connection owned by a user. Writes go through a
// buffered queue drained by WriteLoop so a slow socket never blocks the hub.
type Client struct {
	id     string
	userID string
	conn   Conn
	send   chan wire.ServerEnvelope

	mu     sync.Mutex
	closed bool
}

func NewClient(id, userID string, conn Conn) *Client {
	return &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan wire.ServerEnvelope, outboundBufferSize),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Queue enqueues an envelope without blocking. False means the client is
// closed or its buffer is full and it should be dropped.
func (c *Client) Queue(msg wire.ServerEnvelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) WriteLoop() {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.conn.Close()
}
