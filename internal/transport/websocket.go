// Package transport adapts network connections to the frame channel used by
// the connection registry.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport: channel closed")

// Channel carries text frames over one WebSocket
// connection. Writes are serialized; one reader is
// expected.
type Channel struct { // A
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

// NewChannel wraps an established connection.
func NewChannel(conn *websocket.Conn) *Channel { // A
	return &Channel{
		conn:   conn,
		closed: make(chan struct{}),
	}
}

// Send writes frame as one text message. The context
// deadline, if any, becomes the write deadline.
func (c *Channel) Send( // A
	ctx context.Context,
	frame []byte,
) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = c.conn.SetWriteDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := websocket.Message.Send(c.conn, string(frame)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// Receive blocks for the next message. Cancelling
// ctx unblocks the read.
func (c *Channel) Receive( // A
	ctx context.Context,
) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetReadDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var msg []byte
	if err := websocket.Message.Receive(c.conn, &msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if c.isClosed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("transport: receive: %w", err)
	}
	return msg, nil
}

// Close closes the underlying connection. Safe to
// call more than once.
func (c *Channel) Close() error { // A
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) isClosed() bool { // A
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Handler upgrades requests to WebSocket and passes
// each connection to serve. The connection is closed
// when serve returns.
func Handler( // A
	serve func(r *http.Request, ch *Channel),
) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := websocket.Server{
			// City clients are browsers on other origins.
			Handshake: func(*websocket.Config, *http.Request) error { return nil },
			Handler: func(conn *websocket.Conn) {
				ch := NewChannel(conn)
				defer ch.Close()
				serve(r, ch)
			},
		}
		s.ServeHTTP(w, r)
	})
}

// Dial opens a client channel to url.
func Dial( // A
	ctx context.Context,
	url string,
	origin string,
) (*Channel, error) {
	cfg, err := websocket.NewConfig(url, origin)
	if err != nil {
		return nil, fmt.Errorf("transport: config: %w", err)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return NewChannel(conn), nil
}
