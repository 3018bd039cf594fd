// Package transport is the net.Conn-based socket adapter that feeds
// the framer: one goroutine per connection reads length-prefixed
// frames and hands them to a callback, and a single-shot reconnect
// policy restarts a dropped dial rather than retrying forever with
// backoff — a deliberate simplification of the teacher's
// exponential-backoff relay client for this layer, which leaves
// host-level backoff to whatever sits above the core.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/veilroom/veilcore/internal/faults"
	"github.com/veilroom/veilcore/internal/framer"
	"github.com/veilroom/veilcore/internal/sessionlog"
)

// ReconnectDelay is how long the adapter waits before redialing after
// a dropped connection.
const ReconnectDelay = 5 * time.Second

// Conn wraps one net.Conn, running a read loop that delivers frames
// to onFrame until the connection is closed or redialed.
type Conn struct {
	mu      sync.Mutex
	conn    net.Conn
	dial    func(ctx context.Context) (net.Conn, error)
	onFrame func([]byte)
	onDrop  func(error)
	log     *sessionlog.Logger

	closed             bool
	reconnectScheduled bool
}

// Dial establishes a connection via dialFn and starts its read loop.
// onFrame is called from the read-loop goroutine for every inbound
// frame; onDrop is called once, from that same goroutine, whenever
// the connection drops (after any automatic reconnect attempt fails).
func Dial(ctx context.Context, dialFn func(ctx context.Context) (net.Conn, error), onFrame func([]byte), onDrop func(error)) (*Conn, error) {
	raw, err := dialFn(ctx)
	if err != nil {
		return nil, faults.New(faults.KindTransport, "transport.Dial", err)
	}

	c := &Conn{
		conn:    raw,
		dial:    dialFn,
		onFrame: onFrame,
		onDrop:  onDrop,
		log:     sessionlog.New("transport"),
	}
	go c.readLoop(ctx)
	return c, nil
}

// Write writes payload to the current underlying connection. payload
// is already a complete framer-encoded frame — callers hold the
// framing and padding decision, this adapter only owns the socket.
func (c *Conn) Write(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return faults.New(faults.KindTransport, "transport.Write", errNotConnected)
	}
	if _, err := conn.Write(payload); err != nil {
		return faults.New(faults.KindTransport, "transport.Write", err)
	}
	return nil
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		payload, err := framer.ReadFrame(conn)
		if err != nil {
			c.log.Warn("read failed: %v", err)
			if c.handleDrop(ctx, err) {
				continue
			}
			return
		}
		c.onFrame(payload)
	}
}

// handleDrop attempts the single-shot reconnect policy: if a
// reconnect is already in flight for this connection, it does
// nothing and reports the drop; otherwise it waits ReconnectDelay and
// redials once.
func (c *Conn) handleDrop(ctx context.Context, cause error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.reconnectScheduled {
		c.mu.Unlock()
		if c.onDrop != nil {
			c.onDrop(cause)
		}
		return false
	}
	c.reconnectScheduled = true
	c.conn = nil
	c.mu.Unlock()

	select {
	case <-time.After(ReconnectDelay):
	case <-ctx.Done():
		return false
	}

	newConn, err := c.dial(ctx)

	c.mu.Lock()
	c.reconnectScheduled = false
	if err == nil && !c.closed {
		c.conn = newConn
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("reconnect failed: %v", err)
		if c.onDrop != nil {
			c.onDrop(err)
		}
		return false
	}
	c.log.Info("reconnected")
	return true
}

// Close shuts down the connection and prevents further reconnects.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return faults.New(faults.KindTransport, "transport.Close", err)
	}
	return nil
}
