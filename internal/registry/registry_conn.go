package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/citynet/pkg/wire"
)

// Conn is one registered connection. Outbound frames go through a FIFO
// queue drained by a single writer goroutine.
type Conn struct { // A
	reg  *Registry
	id   uint64
	city string
	ch   Channel

	queue chan outbound
	ctx   context.Context
	stop  context.CancelFunc
	once  sync.Once

	connectedAt  time.Time
	lastActivity atomic.Int64
}

type outbound struct {
	frame  []byte
	result chan error
}

func newConn(r *Registry, id uint64, city string, ch Channel) *Conn { // A
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	c := &Conn{
		reg:         r,
		id:          id,
		city:        city,
		ch:          ch,
		queue:       make(chan outbound, r.cfg.QueueSize),
		ctx:         ctx,
		stop:        cancel,
		connectedAt: now,
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// City returns the city this connection belongs to.
func (c *Conn) City() string { return c.city } // A

// ID is unique per registration.
func (c *Conn) ID() uint64 { return c.id } // A

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() } // A

// Info returns a snapshot of the connection's timestamps.
func (c *Conn) Info() ConnInfo { // A
	return ConnInfo{
		City:         c.city,
		ConnectedAt:  c.connectedAt,
		LastActivity: time.Unix(0, c.lastActivity.Load()),
	}
}

func (c *Conn) touch() { // A
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) idle() time.Duration { // A
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

func (c *Conn) close() { // A
	c.once.Do(func() {
		c.stop()
		_ = c.ch.Close()
	})
}

// send queues frame and waits until the writer reports the result or the
// send timeout passes.
func (c *Conn) send(ctx context.Context, frame []byte) error { // A
	ctx, cancel := context.WithTimeout(ctx, c.reg.cfg.SendTimeout)
	defer cancel()

	out := outbound{frame: frame, result: make(chan error, 1)}
	select {
	case c.queue <- out:
	case <-c.ctx.Done():
		return ErrConnClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: queue full for %s", ErrSendTimeout, c.city)
	}

	select {
	case err := <-out.result:
		return err
	case <-c.ctx.Done():
		return ErrConnClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrSendTimeout, c.city)
	}
}

// sendEnvelope encodes env and sends it.
func (c *Conn) sendEnvelope(ctx context.Context, env wire.Envelope) error { // A
	frame, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return c.send(ctx, frame)
}

// trySend queues frame without waiting for a slot or a result.
func (c *Conn) trySend(frame []byte) bool { // A
	select {
	case c.queue <- outbound{frame: frame, result: make(chan error, 1)}:
		return true
	default:
		return false
	}
}

func (c *Conn) writeLoop() { // A
	for {
		select {
		case out := <-c.queue:
			ctx, cancel := context.WithTimeout(c.ctx, c.reg.cfg.SendTimeout)
			err := c.ch.Send(ctx, out.frame)
			cancel()
			if err == nil {
				c.reg.log.Debug("frame sent", logKeyCity, c.city, "bytes", len(out.frame))
			}
			out.result <- err

		case <-c.ctx.Done():
			for {
				select {
				case out := <-c.queue:
					out.result <- ErrConnClosed
				default:
					return
				}
			}
		}
	}
}

var pingFrame = []byte(`{"type":"ping"}`)

// probeLoop pings c every ProbeInterval and unregisters it after
// ProbeTimeout without inbound traffic.
func (r *Registry) probeLoop(c *Conn) { // A
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if idle := c.idle(); idle > r.cfg.ProbeTimeout {
				r.log.Warn("liveness timeout",
					logKeyCity, c.city,
					logKeyConnID, c.id,
					"idle", idle)
				r.unregisterConn(context.Background(), c, "liveness timeout")
				return
			}
			if !c.trySend(pingFrame) {
				r.log.Debug("probe skipped, queue full", logKeyCity, c.city)
			}
		}
	}
}
