package canbus

import (
	"context"
	"sync"
)

// LoopbackBus is an in-memory CAN bus for tests and simulations. Frames
// sent on one endpoint are delivered to every other endpoint of the same
// bus, and to the sender too when echo is enabled. A full endpoint queue
// blocks the sender until there is room or its context ends.
type LoopbackBus struct {
	mu        sync.RWMutex
	closed    bool
	depth     int
	echo      bool
	endpoints map[*loopEndpoint]struct{}
}

// LoopbackOption configures a LoopbackBus.
type LoopbackOption func(*LoopbackBus)

// WithQueueDepth sets the number of frames each endpoint buffers. The
// default is 64.
func WithQueueDepth(n int) LoopbackOption {
	return func(b *LoopbackBus) {
		if n >= 0 {
			b.depth = n
		}
	}
}

// WithEcho delivers frames back to the endpoint that sent them, like a
// SocketCAN socket receiving its own messages.
func WithEcho(echo bool) LoopbackOption {
	return func(b *LoopbackBus) { b.echo = echo }
}

// NewLoopbackBus creates a new loopback bus.
func NewLoopbackBus(opts ...LoopbackOption) *LoopbackBus {
	b := &LoopbackBus{depth: 64, endpoints: make(map[*loopEndpoint]struct{})}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open creates a new endpoint attached to the bus.
func (b *LoopbackBus) Open() Bus {
	ep := &loopEndpoint{
		bus:    b,
		ch:     make(chan Frame, b.depth),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ep.dead = true
		close(ep.closed)
		return ep
	}
	b.endpoints[ep] = struct{}{}
	b.mu.Unlock()
	return ep
}

// Close closes the bus and detaches all endpoints.
func (b *LoopbackBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		ep.closeNoLock()
	}
	b.endpoints = nil
	b.mu.Unlock()
	return nil
}

type loopEndpoint struct {
	bus    *LoopbackBus
	ch     chan Frame
	mu     sync.Mutex
	dead   bool
	closed chan struct{}
}

// Send delivers the frame to the other endpoints of the bus.
func (e *loopEndpoint) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.Unlock()
	// Snapshot endpoints under bus lock to avoid holding while sending.
	e.bus.mu.RLock()
	if e.bus.closed {
		e.bus.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*loopEndpoint, 0, len(e.bus.endpoints))
	for ep := range e.bus.endpoints {
		if ep != e || e.bus.echo {
			targets = append(targets, ep)
		}
	}
	e.bus.mu.RUnlock()

	for _, t := range targets {
		select {
		case t.ch <- frame:
		case <-t.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Receive waits for the next frame.
func (e *loopEndpoint) Receive(ctx context.Context) (Frame, error) {
	select {
	case <-e.closed:
		return Frame{}, ErrClosed
	default:
	}
	select {
	case f := <-e.ch:
		return f, nil
	case <-e.closed:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close detaches the endpoint from the bus. Pending frames are discarded.
func (e *loopEndpoint) Close() error {
	e.bus.mu.Lock()
	e.closeNoLock()
	e.bus.mu.Unlock()
	return nil
}

func (e *loopEndpoint) closeNoLock() {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return
	}
	e.dead = true
	close(e.closed)
	if e.bus.endpoints != nil {
		delete(e.bus.endpoints, e)
	}
	e.mu.Unlock()
}
