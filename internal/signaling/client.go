package signaling

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/BioHazard786/warpmesh/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// DefaultMaxMessageSize is enough for SDP with a full set of m-lines.
	DefaultMaxMessageSize = 64 * 1024

	// DefaultSendBuffer is the outbound queue length per connection.
	DefaultSendBuffer = 256
)

// ClientOptions tunes a single connection.
type ClientOptions struct {
	Codec          Codec
	SendBuffer     int
	MaxMessageSize int64
	// MessagesPerSecond limits inbound messages. Zero disables the limit.
	MessagesPerSecond float64
	MessageBurst      int
}

// Client is a wrapper for a single websocket connection (a room member).
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	codec Codec

	// id is the member identifier assigned when the connection is accepted.
	id string

	// roomID is the room the client is in. It is only touched by the
	// goroutine running ReadPump.
	roomID string

	limiter        *rate.Limiter
	maxMessageSize int64

	// send is a buffered channel for all outbound messages.
	// We write to this channel, and a separate goroutine (WritePump)
	// reads from it and writes to the websocket.
	mu     sync.Mutex
	send   chan *Message
	closed bool
}

// NewClient wraps conn. The client is not known to the hub until
// Hub.Register is called.
func NewClient(hub *Hub, conn *websocket.Conn, opts ClientOptions) *Client {
	if opts.Codec == nil {
		opts.Codec = JSONCodec
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}

	var limiter *rate.Limiter
	if opts.MessagesPerSecond > 0 {
		burst := opts.MessageBurst
		if burst <= 0 {
			burst = int(opts.MessagesPerSecond)
		}
		limiter = rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), max(burst, 1))
	}

	return &Client{
		hub:            hub,
		conn:           conn,
		codec:          opts.Codec,
		id:             uuid.NewString(),
		limiter:        limiter,
		maxMessageSize: opts.MaxMessageSize,
		send:           make(chan *Message, opts.SendBuffer),
	}
}

// ID returns the member identifier of this connection.
func (c *Client) ID() string {
	return c.id
}

// enqueue queues msg without blocking. It returns false when the client is
// gone or its buffer is full.
func (c *Client) enqueue(msg *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.hub.metrics.Inc(metrics.EventDropSendBuffer)
		c.hub.logger.Warn("send buffer full, dropping message", "member", c.id, "type", msg.Type)
		return false
	}
}

// close stops the write pump. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadPump() {
	// When this function exits (e.g., connection closes), unregister the client
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("read failed", "member", c.id, "err", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.hub.metrics.Inc(metrics.EventDropRateLimited)
			c.enqueue(NewError(ErrorCodeRateLimited, "too many messages"))
			continue
		}

		var msg Message
		if err := c.codec.Unmarshal(data, &msg); err != nil {
			c.hub.metrics.Inc(metrics.EventProtocolErrors)
			c.enqueue(NewError(ErrorCodeBadMessage, "malformed message"))
			continue
		}

		c.hub.Handle(c, &msg)
	}
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := c.codec.Marshal(message)
			if err != nil {
				c.hub.logger.Error("encode message", "member", c.id, "type", message.Type, "err", err)
				continue
			}
			if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				c.hub.logger.Debug("write failed", "member", c.id, "err", err)
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
