//go:build linux

package canbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollSlice bounds each poll(2) so cancellation and Close are noticed even
// when the context has no deadline.
const pollSlice = 50 * time.Millisecond

// socketCAN implements Bus over a Linux SocketCAN raw socket.
//
// Every syscall on fd runs under a read lock on io. Close takes the write
// lock before closing fd, so the descriptor number cannot be reused by
// another open while a Read, Write or Poll is still using it.
type socketCAN struct {
	fd        int
	iface     string
	io        sync.RWMutex
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSocketCAN(fd int, iface string) *socketCAN {
	return &socketCAN{fd: fd, iface: iface, closed: make(chan struct{})}
}

// DialSocketCAN opens a raw CAN socket bound to the given interface name (e.g., "can0").
func DialSocketCAN(iface string) (Bus, error) {
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("canbus: interface %q: %w", iface, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("canbus: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: netIf.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("canbus: bind %q: %w", iface, err)
	}
	return newSocketCAN(fd, iface), nil
}

// Close waits for in-flight syscalls, which are non-blocking or bounded by
// pollSlice, before releasing the descriptor.
func (s *socketCAN) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.io.Lock()
		s.closeErr = unix.Close(s.fd)
		s.io.Unlock()
	})
	return s.closeErr
}

// acquire takes the io read lock unless the bus is closed. Callers release
// it with s.io.RUnlock.
func (s *socketCAN) acquire() bool {
	s.io.RLock()
	if s.isClosed() {
		s.io.RUnlock()
		return false
	}
	return true
}

func (s *socketCAN) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Send writes one frame using the Linux can_frame binary layout.
func (s *socketCAN) Send(ctx context.Context, frame Frame) error {
	buf, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	for {
		if !s.acquire() {
			return ErrClosed
		}
		n, werr := unix.Write(s.fd, buf)
		s.io.RUnlock()
		if werr == nil {
			if n != len(buf) {
				return errors.New("canbus: short write")
			}
			return nil
		}
		if werr == unix.EAGAIN || werr == unix.ENOBUFS {
			if err := s.wait(ctx, unix.POLLOUT); err != nil {
				return err
			}
			continue
		}
		return werr
	}
}

// Receive reads one frame, blocking until one arrives or ctx is done.
func (s *socketCAN) Receive(ctx context.Context) (Frame, error) {
	var f Frame
	buf := make([]byte, frameSize)
	for {
		if !s.acquire() {
			return Frame{}, ErrClosed
		}
		n, rerr := unix.Read(s.fd, buf)
		s.io.RUnlock()
		if rerr == nil {
			if n != len(buf) {
				return Frame{}, errors.New("canbus: short read")
			}
			if err := f.UnmarshalBinary(buf); err != nil {
				return Frame{}, err
			}
			return f, nil
		}
		if rerr == unix.EAGAIN {
			if err := s.wait(ctx, unix.POLLIN); err != nil {
				return Frame{}, err
			}
			continue
		}
		return Frame{}, rerr
	}
}

// wait blocks until the socket reports the requested events, the context is
// done or the bus is closed.
func (s *socketCAN) wait(ctx context.Context, events int16) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		timeout := pollSlice
		if deadline, ok := ctx.Deadline(); ok {
			if d := time.Until(deadline); d < timeout {
				timeout = d
			}
		}
		if timeout < time.Millisecond {
			timeout = time.Millisecond
		}
		if !s.acquire() {
			return ErrClosed
		}
		fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		s.io.RUnlock()
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 && fds[0].Revents&(events|unix.POLLERR|unix.POLLHUP) != 0 {
			return nil
		}
	}
}
