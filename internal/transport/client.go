package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/warpmesh/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ErrClosed is returned by Send after the connection is gone.
var ErrClosed = errors.New("signaling connection closed")

// Options configures Dial.
type Options struct {
	// ServerURL is the relay's websocket endpoint, e.g. ws://localhost:8080/ws.
	ServerURL string

	// Msgpack requests binary msgpack frames instead of JSON.
	Msgpack bool

	// Resolver overrides host resolution. Nil uses the system resolver with
	// public DNS fallback.
	Resolver *Resolver

	Logger *slog.Logger
}

// Client manages the WebSocket connection to the signaling server.
type Client struct {
	conn   *websocket.Conn
	codec  signaling.Codec
	logger *slog.Logger

	incoming chan *signaling.Message
	outgoing chan *signaling.Message

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the signaling server and starts the pumps.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	u, err := url.Parse(opts.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid server URL %q: unsupported scheme", opts.ServerURL)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewResolver()
	}

	subprotocol := signaling.SubprotocolJSON
	if opts.Msgpack {
		subprotocol = signaling.SubprotocolMsgpack
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{subprotocol},
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ip, err := resolver.Resolve(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("dns lookup failed: %w", err)
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
		},
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		conn:     conn,
		codec:    signaling.CodecFor(conn.Subprotocol()),
		logger:   opts.Logger,
		incoming: make(chan *signaling.Message, 64),
		outgoing: make(chan *signaling.Message, 64),
		done:     make(chan struct{}),
	}
	c.logger.Debug("connected to signaling server", "url", u.String(), "codec", c.codec.Name())

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("signaling read failed", "err", err)
			}
			return
		}

		var msg signaling.Message
		if err := c.codec.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping undecodable message from server", "err", err)
			continue
		}

		select {
		case c.incoming <- &msg:
		case <-c.done:
			return
		}
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.outgoing:
			if err := c.write(message); err != nil {
				c.shutdown()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}

		case <-c.done:
			// Messages queued before Close, such as a final leave, still go out.
			if c.flush() != nil {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// write encodes and writes one message. Encoding failures drop the message.
func (c *Client) write(message *signaling.Message) error {
	data, err := c.codec.Marshal(message)
	if err != nil {
		c.logger.Error("encode message", "type", message.Type, "err", err)
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(c.codec.FrameType(), data)
}

// flush writes whatever is still queued without waiting for more.
func (c *Client) flush() error {
	for {
		select {
		case message := <-c.outgoing:
			if err := c.write(message); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Send queues msg for the server. It blocks while the outbound queue is
// full and fails once the connection is closed.
func (c *Client) Send(msg *signaling.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Incoming returns the channel for receiving messages. It is closed when the
// connection ends.
func (c *Client) Incoming() <-chan *signaling.Message {
	return c.incoming
}

// Done is closed once the connection is shutting down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Codec reports the negotiated wire codec.
func (c *Client) Codec() signaling.Codec {
	return c.codec
}

// Close closes the WebSocket connection and cleans up resources. Safe to
// call more than once.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
