package core

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type ConnOptions struct {
	// SendQueueSize bounds the outbound queue. A peer that lets it fill up
	// is evicted.
	SendQueueSize int
	// MaxMessageSize is the largest inbound frame accepted. Larger frames
	// are dropped.
	MaxMessageSize int64
	// Time allowed to write a message to the peer.
	WriteWait time.Duration
	// Time allowed to read the next pong message from the peer.
	PongWait time.Duration
}

var DefaultConnOptions = ConnOptions{
	SendQueueSize:  64,
	MaxMessageSize: 8 << 20,
	WriteWait:      10 * time.Second,
	PongWait:       60 * time.Second,
}

// pingPeriod must be less than pongWait.
func (o ConnOptions) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = DefaultConnOptions.SendQueueSize
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultConnOptions.WriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultConnOptions.PongWait
	}
	return o
}

// Conn is one client socket. It moves frames between the socket and the hub
// and knows nothing about rooms.
type Conn struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	hub       *Hub
	opts      ConnOptions
	closeOnce sync.Once
	logger    *slog.Logger
}

func newConn(id string, ws *websocket.Conn, hub *Hub, opts ConnOptions, logger *slog.Logger) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, opts.SendQueueSize),
		hub:    hub,
		opts:   opts,
		logger: logger.With(slog.String("conn.id", id)),
	}
}

// enqueue never blocks. It reports false when the queue is full.
// Only the hub calls it, and never after close.
func (c *Conn) enqueue(b []byte) bool {
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// close lets the write loop flush what is queued and then send a close frame.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// kill closes the socket without waiting for the queue to drain.
func (c *Conn) kill() {
	c.close()
	if c.ws != nil {
		c.ws.Close()
	}
}

func (c *Conn) readLoop() {
	c.logger.Debug("read loop started")
	defer func() {
		c.hub.Disconnect(c)
		c.ws.Close()
		c.logger.Debug("read loop stopped")
	}()

	c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})
	for {
		format, r, err := c.ws.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("expected close", slog.String("err", err.Error()))
			} else if websocket.IsUnexpectedCloseError(err) {
				c.logger.Error("unexpected close", slog.String("err", err.Error()))
			} else if !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug("next reader", slog.String("err", err.Error()))
			}
			return
		}

		if format != websocket.TextMessage {
			if !c.hub.reject(c, ErrMalformedFrame.Wrapf("unexpected frame format %d", format)) {
				return
			}
			continue
		}

		var event Event
		if err := DecodeEvent(r, c.opts.MaxMessageSize, &event); err != nil {
			if KindOf(err) == 0 {
				c.logger.Debug("reading frame", slog.String("err", err.Error()))
				return
			}
			if !c.hub.reject(c, err) {
				return
			}
			continue
		}
		event.Dispatcher = c.id

		c.logger.Debug(event.String())

		if !c.hub.pass(c, &event) {
			return
		}
	}
}

func (c *Conn) writeLoop() {
	c.logger.Debug("write loop started")
	ticker := time.NewTicker(c.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case b, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				c.logger.Debug("sent close message")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Debug("writing message", slog.String("err", err.Error()))
				// unblocks the read loop, which reports the disconnect
				c.ws.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("writing ping", slog.String("err", err.Error()))
				c.ws.Close()
				return
			}
		}
	}
}
