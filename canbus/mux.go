package canbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// FrameFilter decides whether a frame should be delivered to a subscriber.
type FrameFilter func(Frame) bool

// Mux fans frames received from one Bus out to any number of subscribers.
//
// A single background goroutine owns Receive on the underlying bus, so
// several consumers (the signal store, a capture recorder, a frame logger)
// can watch one interface. A subscriber whose buffer is full misses the
// frame; Dropped counts those misses.
type Mux struct {
	bus    Bus
	cancel context.CancelFunc
	done   chan struct{}
	err    error // set before done is closed

	mu   sync.RWMutex
	subs map[uint64]*subscriber
	next uint64

	dropped atomic.Uint64
}

type subscriber struct {
	filter FrameFilter
	ch     chan Frame
}

// NewMux creates and starts a multiplexer reading from bus.
func NewMux(bus Bus) *Mux {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mux{
		bus:    bus,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[uint64]*subscriber),
	}
	go m.run(ctx)
	return m
}

// Close stops the background reader and closes all subscriber channels.
// It does not close the underlying Bus.
func (m *Mux) Close() error {
	m.cancel()
	<-m.done
	return nil
}

// Done is closed once the background reader has exited, either through Close
// or because the underlying Bus returned an error.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err returns the error that stopped the reader, or nil while it runs.
// After Close it is ErrClosed.
func (m *Mux) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Dropped returns the number of frames discarded because a subscriber's
// buffer was full.
func (m *Mux) Dropped() uint64 {
	return m.dropped.Load()
}

// Subscribe registers a subscriber receiving frames that match filter (nil
// matches all). The returned cancel function closes the channel.
func (m *Mux) Subscribe(filter FrameFilter, buffer int) (<-chan Frame, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{filter: filter, ch: make(chan Frame, buffer)}
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	default:
	}
	id := m.next
	m.next++
	m.subs[id] = s
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if cur, ok := m.subs[id]; ok && cur == s {
			close(cur.ch)
			delete(m.subs, id)
		}
		m.mu.Unlock()
	}
	return s.ch, cancel
}

// Open returns a Bus view of a subscription. Receive yields matching frames
// and, once the mux has stopped, the error that stopped it. Send goes to the
// underlying bus. Closing the view only cancels the subscription.
func (m *Mux) Open(filter FrameFilter, buffer int) Bus {
	ch, cancel := m.Subscribe(filter, buffer)
	return &muxPort{mux: m, ch: ch, cancel: cancel, closed: make(chan struct{})}
}

type muxPort struct {
	mux    *Mux
	ch     <-chan Frame
	cancel func()
	once   sync.Once
	closed chan struct{}
}

func (p *muxPort) Send(ctx context.Context, frame Frame) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	return p.mux.bus.Send(ctx, frame)
}

func (p *muxPort) Receive(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-p.ch:
		if ok {
			return f, nil
		}
		select {
		case <-p.closed:
			return Frame{}, ErrClosed
		default:
		}
		// Subscriber channels are closed just before done.
		<-p.mux.done
		return Frame{}, p.mux.err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (p *muxPort) Close() error {
	p.once.Do(func() {
		close(p.closed)
		p.cancel()
	})
	return nil
}

func (m *Mux) run(ctx context.Context) {
	var err error
	defer func() {
		m.mu.Lock()
		if ctx.Err() != nil {
			err = ErrClosed
		}
		m.err = err
		for id, s := range m.subs {
			close(s.ch)
			delete(m.subs, id)
		}
		close(m.done)
		m.mu.Unlock()
	}()
	for {
		var f Frame
		f, err = m.bus.Receive(ctx)
		if err != nil {
			return
		}
		m.mu.RLock()
		for _, s := range m.subs {
			if s.filter == nil || s.filter(f) {
				select {
				case s.ch <- f:
				default:
					m.dropped.Add(1)
				}
			}
		}
		m.mu.RUnlock()
	}
}
