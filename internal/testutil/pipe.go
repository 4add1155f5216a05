package testutil

import (
	"context"
	"errors"
	"sync"
)

// ErrPipeClosed is returned by operations on a closed PipeEnd.
var ErrPipeClosed = errors.New("testutil: pipe closed")

// PipeEnd is one side of an in-memory duplex frame channel. It satisfies the
// registry Channel contract without a network.
type PipeEnd struct {
	in   chan []byte
	peer *PipeEnd

	mu      sync.Mutex
	closed  chan struct{}
	once    sync.Once
	sendErr error
	hang    bool
	sent    int
}

// NewPipe returns two connected ends. Frames sent on one are received on the
// other. buffer bounds the frames in flight per direction.
func NewPipe(buffer int) (*PipeEnd, *PipeEnd) {
	a := &PipeEnd{in: make(chan []byte, buffer), closed: make(chan struct{})}
	b := &PipeEnd{in: make(chan []byte, buffer), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Send delivers frame to the peer.
func (p *PipeEnd) Send(ctx context.Context, frame []byte) error {
	p.mu.Lock()
	err, hang := p.sendErr, p.hang
	p.mu.Unlock()

	select {
	case <-p.closed:
		return ErrPipeClosed
	default:
	}
	if err != nil {
		return err
	}
	if hang {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closed:
			return ErrPipeClosed
		}
	}

	cp := append([]byte(nil), frame...)
	select {
	case p.peer.in <- cp:
		p.mu.Lock()
		p.sent++
		p.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrPipeClosed
	case <-p.peer.closed:
		return ErrPipeClosed
	}
}

// Receive blocks for the next frame from the peer.
func (p *PipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrPipeClosed
	case <-p.peer.closed:
		// drain frames that arrived before the peer went away
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return nil, ErrPipeClosed
		}
	}
}

// Close closes this end. The peer observes ErrPipeClosed.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// FailSends makes every later Send return err. nil restores normal sends.
func (p *PipeEnd) FailSends(err error) {
	p.mu.Lock()
	p.sendErr = err
	p.mu.Unlock()
}

// Hang makes every later Send block until its context ends.
func (p *PipeEnd) Hang(on bool) {
	p.mu.Lock()
	p.hang = on
	p.mu.Unlock()
}

// Closed reports whether Close was called on this end.
func (p *PipeEnd) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Sent returns the number of frames successfully sent from this end.
func (p *PipeEnd) Sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}
