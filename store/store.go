// Package store keeps the latest decoded value of every signal in a schema.
//
// A Store is built once from a parsed dbc.Database. Frames from the bus are
// fed to OnFrameReceived (usually by Run), which decodes the signals of the
// matching message and records the value with its arrival time. Readers ask
// for a signal by global index and get back the value together with a State
// telling whether it is fresh, stale or was never received.
//
// Concurrency: there is one writer (the ingestion path) and any number of
// readers. Each message has its own lock; the value and timestamp of a
// signal, and all signals of one message, are written together under it, so
// a reader never sees a torn sample or half of a frame's decode. Separate
// reader calls are not atomic with respect to each other: reading two
// signals one after the other, or signals of different messages, may mix
// samples from different frames.
package store

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/notnil/cantel/dbc"
)

// DefaultStaleness is the age after which a sample reports Timeout.
const DefaultStaleness = time.Second

var (
	ErrNotFound   = errors.New("store: not found")
	ErrIndex      = errors.New("store: index out of range")
	ErrValueCount = errors.New("store: wrong number of values")
	ErrLayout     = errors.New("store: signal outside message length")
	ErrMultiplex  = errors.New("store: signal not selected by multiplexor")
)

// State classifies a signal's most recent sample.
type State uint8

const (
	// Missing means the signal has never been received, or the index is invalid.
	Missing State = iota
	// Timeout means the last sample is older than the staleness threshold.
	Timeout
	// Valid means the last sample is fresh.
	Valid
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Timeout:
		return "timeout"
	case Valid:
		return "valid"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

type msgKey struct {
	id       uint32
	extended bool
}

type sample struct {
	value float64
	at    time.Time // zero until first received
}

// Stats counts frames seen by OnFrameReceived.
type Stats struct {
	Frames    uint64 // frames decoded
	Unknown   uint64 // frames with no matching message, or RTR
	Truncated uint64 // signals left untouched because the frame was too short
}

// Store holds descriptor tables and the latest sample of every signal.
type Store struct {
	db        *dbc.Database
	staleness time.Duration
	now       func() time.Time
	log       logrus.FieldLogger

	bySignal  map[string]int
	byMessage map[string]int
	byKey     map[msgKey]int

	locks    []sync.RWMutex // one per message
	samples  []sample       // one per signal
	selector []int          // per message, global index of the multiplexor or -1

	frames, unknown, truncated atomic.Uint64
}

type options struct {
	staleness time.Duration
	now       func() time.Time
	log       logrus.FieldLogger
	parse     []dbc.Option
}

// Option configures a Store.
type Option func(*options)

// WithStaleness sets the age after which a sample reports Timeout. A value
// of zero or less disables the timeout.
func WithStaleness(d time.Duration) Option {
	return func(o *options) { o.staleness = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger used by the store and, through Load, the parser.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithParseOptions passes options to dbc.Parse when loading.
func WithParseOptions(opts ...dbc.Option) Option {
	return func(o *options) { o.parse = append(o.parse, opts...) }
}

// WithCapacity bounds the number of messages and signals a schema may
// declare. Zero leaves a table unbounded.
func WithCapacity(messages, signals int) Option {
	return WithParseOptions(dbc.WithMessageCapacity(messages), dbc.WithSignalCapacity(signals))
}

func buildOptions(opts []Option) options {
	o := options{
		staleness: DefaultStaleness,
		now:       time.Now,
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Load parses a schema and builds a Store from it.
func Load(r io.Reader, opts ...Option) (*Store, error) {
	o := buildOptions(opts)
	db, err := dbc.Parse(r, append([]dbc.Option{dbc.WithLogger(o.log)}, o.parse...)...)
	if err != nil {
		return nil, err
	}
	return newStore(db, o), nil
}

// LoadFile parses the schema file at path and builds a Store from it.
func LoadFile(path string, opts ...Option) (*Store, error) {
	o := buildOptions(opts)
	db, err := dbc.ParseFile(path, append([]dbc.Option{dbc.WithLogger(o.log)}, o.parse...)...)
	if err != nil {
		return nil, err
	}
	return newStore(db, o), nil
}

// New builds a Store over an already parsed database. The database must
// not be modified afterwards.
func New(db *dbc.Database, opts ...Option) *Store {
	return newStore(db, buildOptions(opts))
}

func newStore(db *dbc.Database, o options) *Store {
	s := &Store{
		db:        db,
		staleness: o.staleness,
		now:       o.now,
		log:       o.log,
		bySignal:  make(map[string]int, 2*len(db.Signals)),
		byMessage: make(map[string]int, len(db.Messages)),
		byKey:     make(map[msgKey]int, len(db.Messages)),
		locks:     make([]sync.RWMutex, len(db.Messages)),
		samples:   make([]sample, len(db.Signals)),
		selector:  make([]int, len(db.Messages)),
	}
	for i, m := range db.Messages {
		s.selector[i] = s.findSelector(i)
		if _, dup := s.byMessage[m.Name]; !dup {
			s.byMessage[m.Name] = i
		}
		k := msgKey{m.ID, m.Extended}
		if _, dup := s.byKey[k]; dup {
			s.log.WithFields(logrus.Fields{"message": m.Name, "id": m.ID}).Warn("store: duplicate message id, first definition wins")
			continue
		}
		s.byKey[k] = i
	}
	for i, sig := range db.Signals {
		msg := db.Messages[sig.Message].Name
		s.bySignal[msg+"."+sig.Name] = i
		if prev, dup := s.bySignal[sig.Name]; dup {
			s.log.WithFields(logrus.Fields{
				"signal": sig.Name,
				"first":  db.Messages[db.Signals[prev].Message].Name,
				"other":  msg,
			}).Debug("store: signal name reused, use Message.Signal to reach later ones")
			continue
		}
		s.bySignal[sig.Name] = i
	}
	return s
}

// findSelector returns the top-level multiplexor of message mi, or -1.
// Multiplexed signals of a message without one are never decoded.
func (s *Store) findSelector(mi int) int {
	m := s.db.Messages[mi]
	sel, muxed := -1, 0
	for i := m.First; i < m.First+m.Count; i++ {
		sig := &s.db.Signals[i]
		switch {
		case sig.Multiplexed:
			muxed++
		case sig.Multiplexor && sel < 0:
			sel = i
		case sig.Multiplexor:
			s.log.WithFields(logrus.Fields{"message": m.Name, "signal": sig.Name}).Warn("store: extra multiplexor ignored")
		}
	}
	if sel < 0 && muxed > 0 {
		s.log.WithField("message", m.Name).Warn("store: multiplexed signals without a multiplexor are never decoded")
	}
	return sel
}

// Database returns the descriptor tables. They must not be modified.
func (s *Store) Database() *dbc.Database { return s.db }

// Messages returns all messages in declaration order.
func (s *Store) Messages() []dbc.Message { return s.db.Messages }

// Signals returns all signals in global index order.
func (s *Store) Signals() []dbc.Signal { return s.db.Signals }

// Staleness returns the configured timeout.
func (s *Store) Staleness() time.Duration { return s.staleness }

// MessageSignals returns the signals of message msg.
func (s *Store) MessageSignals(msg int) ([]dbc.Signal, error) {
	if msg < 0 || msg >= len(s.db.Messages) {
		return nil, fmt.Errorf("%w: message %d", ErrIndex, msg)
	}
	return s.db.MessageSignals(msg), nil
}

// FindSignal resolves a signal name to its global index. Names may be
// qualified as "Message.Signal"; an unqualified name that occurs in several
// messages resolves to the first declaration.
func (s *Store) FindSignal(name string) (int, error) {
	if i, ok := s.bySignal[name]; ok {
		return i, nil
	}
	return -1, fmt.Errorf("%w: signal %q", ErrNotFound, name)
}

// FindMessage resolves a message name to its index.
func (s *Store) FindMessage(name string) (int, error) {
	if i, ok := s.byMessage[name]; ok {
		return i, nil
	}
	return -1, fmt.Errorf("%w: message %q", ErrNotFound, name)
}

// MessageByID returns the index of the message with the given identifier.
func (s *Store) MessageByID(id uint32, extended bool) (int, bool) {
	i, ok := s.byKey[msgKey{id, extended}]
	return i, ok
}

// GlobalIndex converts a message index and a signal position within that
// message to a global signal index.
func (s *Store) GlobalIndex(msg, local int) (int, error) {
	if msg < 0 || msg >= len(s.db.Messages) {
		return -1, fmt.Errorf("%w: message %d", ErrIndex, msg)
	}
	m := s.db.Messages[msg]
	if local < 0 || local >= m.Count {
		return -1, fmt.Errorf("%w: signal %d of %s", ErrIndex, local, m.Name)
	}
	return m.First + local, nil
}

// Stats returns frame counters.
func (s *Store) Stats() Stats {
	return Stats{
		Frames:    s.frames.Load(),
		Unknown:   s.unknown.Load(),
		Truncated: s.truncated.Load(),
	}
}

// SignalName returns "Message.Signal" for a global index.
func (s *Store) SignalName(idx int) string {
	if idx < 0 || idx >= len(s.db.Signals) {
		return ""
	}
	sig := &s.db.Signals[idx]
	return s.db.Messages[sig.Message].Name + "." + sig.Name
}

