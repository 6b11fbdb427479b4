package canbus

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrReadOnly is returned by Send on buses that cannot transmit.
var ErrReadOnly = errors.New("canbus: bus is read-only")

// Record is one line of a candump log: an optional capture time, the
// interface name and the frame.
type Record struct {
	Time  time.Time
	Iface string
	Frame Frame
}

// ParseCandump parses one line in the candump -L log format:
//
//	(1436509052.249713) can0 123#DEADBEEF
//	(1436509052.249713) can0 1ABCDEF0#R
//
// The timestamp is optional. Eight-digit identifiers are extended. CAN FD
// records ("##") are rejected.
func ParseCandump(line string) (Record, error) {
	var rec Record
	fields := strings.Fields(line)
	if len(fields) > 0 && strings.HasPrefix(fields[0], "(") {
		ts := strings.Trim(fields[0], "()")
		t, err := parseEpoch(ts)
		if err != nil {
			return Record{}, fmt.Errorf("canbus: candump timestamp %q: %w", ts, err)
		}
		rec.Time = t
		fields = fields[1:]
	}
	if len(fields) != 2 {
		return Record{}, fmt.Errorf("canbus: candump line %q: want \"iface id#data\"", line)
	}
	rec.Iface = fields[0]
	idPart, dataPart, ok := strings.Cut(fields[1], "#")
	if !ok {
		return Record{}, fmt.Errorf("canbus: candump frame %q: missing '#'", fields[1])
	}
	if strings.HasPrefix(dataPart, "#") {
		return Record{}, fmt.Errorf("canbus: candump frame %q: CAN FD not supported", fields[1])
	}
	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return Record{}, fmt.Errorf("canbus: candump id %q: %w", idPart, err)
	}
	f := Frame{ID: uint32(id), Extended: len(idPart) > 3}
	switch {
	case strings.HasPrefix(dataPart, "R"):
		f.RTR = true
		if n := dataPart[1:]; n != "" {
			l, err := strconv.ParseUint(n, 10, 8)
			if err != nil {
				return Record{}, fmt.Errorf("canbus: candump rtr length %q: %w", n, err)
			}
			f.Len = uint8(l)
		}
	default:
		data, err := hex.DecodeString(strings.ReplaceAll(dataPart, ".", ""))
		if err != nil {
			return Record{}, fmt.Errorf("canbus: candump data %q: %w", dataPart, err)
		}
		if f, err = NewFrame(f.ID, f.Extended, data); err != nil {
			return Record{}, err
		}
	}
	if err := f.Validate(); err != nil {
		return Record{}, err
	}
	rec.Frame = f
	return rec, nil
}

// FormatCandump renders a record in the candump -L log format.
func FormatCandump(rec Record) string {
	var b strings.Builder
	if !rec.Time.IsZero() {
		fmt.Fprintf(&b, "(%d.%06d) ", rec.Time.Unix(), rec.Time.Nanosecond()/1000)
	}
	iface := rec.Iface
	if iface == "" {
		iface = "can0"
	}
	b.WriteString(iface)
	b.WriteByte(' ')
	f := rec.Frame
	if f.Extended {
		fmt.Fprintf(&b, "%08X#", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X#", f.ID)
	}
	if f.RTR {
		b.WriteByte('R')
		if f.Len > 0 {
			b.WriteString(strconv.Itoa(int(f.Len)))
		}
		return b.String()
	}
	b.WriteString(strings.ToUpper(hex.EncodeToString(f.Payload())))
	return b.String()
}

func parseEpoch(s string) (time.Time, error) {
	sec, frac, _ := strings.Cut(s, ".")
	secs, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var nanos int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		nanos, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
	}
	return time.Unix(secs, nanos), nil
}

// ReplayBus replays a candump log as a read-only Bus. Receive returns io.EOF
// once the log is exhausted. Blank lines and lines starting with '#' are
// skipped; malformed lines abort the replay with an error.
type ReplayBus struct {
	mu     sync.Mutex
	sc     *bufio.Scanner
	line   int
	paced  bool
	last   time.Time
	closed bool
	closer io.Closer
}

// ReplayOption configures a ReplayBus.
type ReplayOption func(*ReplayBus)

// WithPacing makes Receive wait between records according to their capture
// timestamps, reproducing the original timing.
func WithPacing(paced bool) ReplayOption {
	return func(r *ReplayBus) { r.paced = paced }
}

// NewReplayBus returns a bus reading candump records from r. If r is an
// io.Closer it is closed by Close.
func NewReplayBus(r io.Reader, opts ...ReplayOption) *ReplayBus {
	b := &ReplayBus{sc: bufio.NewScanner(r)}
	if c, ok := r.(io.Closer); ok {
		b.closer = c
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Send always fails; a replay cannot transmit.
func (b *ReplayBus) Send(ctx context.Context, frame Frame) error {
	return ErrReadOnly
}

// Receive returns the next frame of the log.
func (b *ReplayBus) Receive(ctx context.Context) (Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Frame{}, ErrClosed
	}
	for b.sc.Scan() {
		b.line++
		text := strings.TrimSpace(b.sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rec, err := ParseCandump(text)
		if err != nil {
			return Frame{}, fmt.Errorf("line %d: %w", b.line, err)
		}
		if err := b.pace(ctx, rec.Time); err != nil {
			return Frame{}, err
		}
		return rec.Frame, nil
	}
	if err := b.sc.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

func (b *ReplayBus) pace(ctx context.Context, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.paced || at.IsZero() {
		return nil
	}
	prev := b.last
	b.last = at
	if prev.IsZero() || !at.After(prev) {
		return nil
	}
	t := time.NewTimer(at.Sub(prev))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the replay and closes the underlying reader if it is closable.
func (b *ReplayBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.closer != nil {
		return b.closer.Close()
	}
	return nil
}

// Recorder writes frames as candump log lines that NewReplayBus can read.
type Recorder struct {
	mu    sync.Mutex
	w     *bufio.Writer
	iface string
	now   func() time.Time
}

// NewRecorder returns a Recorder writing to w, labelling lines with iface.
func NewRecorder(w io.Writer, iface string) *Recorder {
	return &Recorder{w: bufio.NewWriter(w), iface: iface, now: time.Now}
}

// Write appends one frame stamped with the current time.
func (r *Recorder) Write(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.WriteString(FormatCandump(Record{Time: r.now(), Iface: r.iface, Frame: f})); err != nil {
		return err
	}
	return r.w.WriteByte('\n')
}

// Flush writes buffered lines to the underlying writer.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.Flush()
}

// Run records every frame received from bus until the context is cancelled
// or the bus fails, then flushes. End of input and a closed bus end the
// recording without error.
func (r *Recorder) Run(ctx context.Context, bus Bus) error {
	for {
		f, err := bus.Receive(ctx)
		if err != nil {
			ferr := r.Flush()
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, io.EOF), errors.Is(err, ErrClosed):
				return ferr
			default:
				return err
			}
		}
		if err := r.Write(f); err != nil {
			return err
		}
	}
}
