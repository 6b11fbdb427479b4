package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/notnil/cantel/canbus"
	"github.com/notnil/cantel/dbc"
)

// Reading is a signal's latest sample together with its descriptor fields.
type Reading struct {
	Index   int
	Message string
	Signal  string
	Unit    string
	State   State
	Value   float64
	Label   string    // value description, if the schema has one
	Updated time.Time // zero if never received
}

// OnFrameReceived decodes every signal of the message matching the frame's
// identifier and stores the values with the current time. It reports
// whether the frame matched a message. Remote frames and unknown
// identifiers are ignored. Signals that reach past the frame's data length
// keep their previous sample, as do multiplexed signals the frame's
// multiplexor does not select.
func (s *Store) OnFrameReceived(f canbus.Frame) bool {
	if f.RTR {
		s.unknown.Add(1)
		return false
	}
	mi, ok := s.byKey[msgKey{f.ID, f.Extended}]
	if !ok {
		s.unknown.Add(1)
		return false
	}
	m := &s.db.Messages[mi]
	sigs := s.db.MessageSignals(mi)
	payload := f.Payload()
	now := s.now()
	sel, selOK := s.muxValue(mi, payload)

	var short uint64
	s.locks[mi].Lock()
	for i := range sigs {
		sig := &sigs[i]
		if sig.Span() > len(payload) {
			short++
			continue
		}
		if sig.Multiplexed && (!selOK || sig.MuxValue != sel) {
			continue
		}
		s.samples[m.First+i] = sample{value: sig.Decode(payload), at: now}
	}
	s.locks[mi].Unlock()

	s.frames.Add(1)
	if short > 0 {
		s.truncated.Add(short)
	}
	return true
}

// muxValue decodes the multiplexor of message mi from payload. It reports
// false when the message has none or the payload does not cover it.
func (s *Store) muxValue(mi int, payload []byte) (int64, bool) {
	si := s.selector[mi]
	if si < 0 {
		return 0, false
	}
	sig := &s.db.Signals[si]
	if sig.Span() > len(payload) {
		return 0, false
	}
	return sig.Int(sig.DecodeRaw(payload)), true
}

// GetFloat returns the state and value of signal idx. A Timeout still
// carries the last received value. An invalid index reports Missing.
func (s *Store) GetFloat(idx int) (State, float64) {
	st, v, _ := s.get(idx)
	return st, v
}

func (s *Store) get(idx int) (State, float64, time.Time) {
	if idx < 0 || idx >= len(s.samples) {
		return Missing, 0, time.Time{}
	}
	mi := s.db.Signals[idx].Message
	s.locks[mi].RLock()
	smp := s.samples[idx]
	s.locks[mi].RUnlock()
	return s.classify(smp), smp.value, smp.at
}

func (s *Store) classify(smp sample) State {
	if smp.at.IsZero() {
		return Missing
	}
	if s.staleness > 0 && s.now().Sub(smp.at) > s.staleness {
		return Timeout
	}
	return Valid
}

// Get returns a Reading for signal idx.
func (s *Store) Get(idx int) (Reading, error) {
	if idx < 0 || idx >= len(s.samples) {
		return Reading{}, fmt.Errorf("%w: signal %d", ErrIndex, idx)
	}
	st, v, at := s.get(idx)
	return s.reading(idx, st, v, at), nil
}

// GetByName resolves name with FindSignal and returns its Reading.
func (s *Store) GetByName(name string) (Reading, error) {
	idx, err := s.FindSignal(name)
	if err != nil {
		return Reading{}, err
	}
	return s.Get(idx)
}

func (s *Store) reading(idx int, st State, v float64, at time.Time) Reading {
	sig := &s.db.Signals[idx]
	r := Reading{
		Index:   idx,
		Message: s.db.Messages[sig.Message].Name,
		Signal:  sig.Name,
		Unit:    sig.Unit,
		State:   st,
		Value:   v,
		Updated: at,
	}
	if st != Missing {
		r.Label, _ = sig.LabelFor(v)
	}
	return r
}

// Snapshot returns a Reading for every signal in global index order. Each
// message is read under its own lock, so the signals of one message come
// from the same frame.
func (s *Store) Snapshot() []Reading {
	out := make([]Reading, 0, len(s.samples))
	buf := make([]sample, 0, 8)
	for mi := range s.db.Messages {
		m := &s.db.Messages[mi]
		s.locks[mi].RLock()
		buf = append(buf[:0], s.samples[m.First:m.First+m.Count]...)
		s.locks[mi].RUnlock()
		for i, smp := range buf {
			out = append(out, s.reading(m.First+i, s.classify(smp), smp.value, smp.at))
		}
	}
	return out
}

// BuildFrame encodes one value per signal of message msg, in declaration
// order, into a data frame with the message's identifier and length.
// Multiplexed signals the multiplexor value does not select are left out;
// their entries in values are ignored.
func (s *Store) BuildFrame(msg int, values []float64) (canbus.Frame, error) {
	if msg < 0 || msg >= len(s.db.Messages) {
		return canbus.Frame{}, fmt.Errorf("%w: message %d", ErrIndex, msg)
	}
	m := &s.db.Messages[msg]
	if len(values) != m.Count {
		return canbus.Frame{}, fmt.Errorf("%w: %s has %d signals, got %d", ErrValueCount, m.Name, m.Count, len(values))
	}
	sigs := s.db.MessageSignals(msg)
	if err := s.checkLayout(m, sigs); err != nil {
		return canbus.Frame{}, err
	}
	var sel int64
	if si := s.selector[msg]; si >= 0 {
		sel = sigs[si-m.First].Int(sigs[si-m.First].Raw(values[si-m.First]))
	}
	f := canbus.Frame{ID: m.ID, Extended: m.Extended, Len: m.Length}
	for i := range sigs {
		if sigs[i].Multiplexed && (s.selector[msg] < 0 || sigs[i].MuxValue != sel) {
			continue
		}
		sigs[i].Encode(values[i], f.Data[:])
	}
	return f, nil
}

func (s *Store) checkLayout(m *dbc.Message, sigs []dbc.Signal) error {
	for i := range sigs {
		if sigs[i].Span() > int(m.Length) {
			return fmt.Errorf("%w: %s.%s needs %d bytes, message has %d", ErrLayout, m.Name, sigs[i].Name, sigs[i].Span(), m.Length)
		}
	}
	return nil
}

// BuildFrameNamed is BuildFrame with values given by signal name. Signals
// not named are encoded as raw zero, the multiplexor included. Naming a
// multiplexed signal the multiplexor does not select is an error.
func (s *Store) BuildFrameNamed(msg int, values map[string]float64) (canbus.Frame, error) {
	if msg < 0 || msg >= len(s.db.Messages) {
		return canbus.Frame{}, fmt.Errorf("%w: message %d", ErrIndex, msg)
	}
	m := &s.db.Messages[msg]
	sigs := s.db.MessageSignals(msg)
	if err := s.checkLayout(m, sigs); err != nil {
		return canbus.Frame{}, err
	}
	var sel int64
	si := s.selector[msg]
	if si >= 0 {
		if v, ok := values[sigs[si-m.First].Name]; ok {
			sel = sigs[si-m.First].Int(sigs[si-m.First].Raw(v))
		}
	}
	f := canbus.Frame{ID: m.ID, Extended: m.Extended, Len: m.Length}
	used := 0
	for i := range sigs {
		sig := &sigs[i]
		v, ok := values[sig.Name]
		if !ok {
			continue
		}
		if sig.Multiplexed && (si < 0 || sig.MuxValue != sel) {
			return canbus.Frame{}, fmt.Errorf("%w: %s.%s needs multiplexor %d, got %d", ErrMultiplex, m.Name, sig.Name, sig.MuxValue, sel)
		}
		sig.Encode(v, f.Data[:])
		used++
	}
	if used != len(values) {
		for name := range values {
			if !hasSignal(sigs, name) {
				return canbus.Frame{}, fmt.Errorf("%w: signal %q in %s", ErrNotFound, name, m.Name)
			}
		}
	}
	return f, nil
}

func hasSignal(sigs []dbc.Signal, name string) bool {
	for i := range sigs {
		if sigs[i].Name == name {
			return true
		}
	}
	return false
}

// Transmit builds a frame for message msg and sends it on bus.
func (s *Store) Transmit(ctx context.Context, bus canbus.Bus, msg int, values []float64) error {
	f, err := s.BuildFrame(msg, values)
	if err != nil {
		return err
	}
	return bus.Send(ctx, f)
}

// Run receives frames from bus and feeds them to OnFrameReceived until the
// context is cancelled or the bus fails. It returns nil when the bus reports
// end of input.
func (s *Store) Run(ctx context.Context, bus canbus.Bus) error {
	for {
		f, err := bus.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				s.log.WithFields(logrus.Fields{"frames": s.frames.Load()}).Debug("store: end of input")
				return nil
			}
			return err
		}
		s.OnFrameReceived(f)
	}
}

// Filter matches data frames that belong to a message in the schema.
func (s *Store) Filter() canbus.FrameFilter {
	return func(f canbus.Frame) bool {
		if f.RTR {
			return false
		}
		_, ok := s.byKey[msgKey{f.ID, f.Extended}]
		return ok
	}
}
