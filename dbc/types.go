package dbc

import "math"

// ByteOrder is the bit-packing convention of a signal.
type ByteOrder uint8

const (
	// LittleEndian is the Intel layout (@1 in the schema).
	LittleEndian ByteOrder = iota
	// BigEndian is the Motorola layout (@0 in the schema).
	BigEndian
)

func (o ByteOrder) String() string {
	switch o {
	case LittleEndian:
		return "little"
	case BigEndian:
		return "big"
	default:
		return "unknown"
	}
}

// Signal describes one scaled quantity packed into a message payload.
//
// StartBit uses the numbering consumed by the codec, not the schema's:
// for little-endian signals it is the index of the least significant bit
// counted from bit 0 of byte 0; for big-endian signals it is the position of
// the most significant bit counted MSB-first from the top of byte 0.
// DBCStartBit converts back.
type Signal struct {
	Name      string
	Message   int // index into Database.Messages
	StartBit  uint8
	Length    uint8 // 1..64
	Order     ByteOrder
	Signed    bool
	Scale     float64 // never zero
	Offset    float64
	Min       float64 // advertised range, not enforced
	Max       float64
	Unit      string
	Receivers []string
	// Multiplex is the raw multiplexer indicator ("M", "m3") or empty.
	Multiplex string
	// Multiplexor marks the signal whose raw value selects which
	// multiplexed signals a frame carries.
	Multiplexor bool
	// Multiplexed signals are present only in frames where the message's
	// multiplexor equals MuxValue.
	Multiplexed bool
	MuxValue    int64
	// Mask is (1<<Length)-1.
	Mask uint64
	// Values holds VAL_ descriptions keyed by raw value.
	Values map[int64]string
}

// DBCStartBit returns the start bit in the schema's numbering.
func (s *Signal) DBCStartBit() int {
	if s.Order == BigEndian {
		return int(s.StartBit ^ 7)
	}
	return int(s.StartBit)
}

// Span is the number of leading payload bytes the signal occupies.
func (s *Signal) Span() int {
	return (int(s.StartBit) + int(s.Length) + 7) / 8
}

// Label returns the value description for a raw value, if one was declared.
func (s *Signal) Label(raw int64) (string, bool) {
	l, ok := s.Values[raw]
	return l, ok
}

// Message describes one frame layout.
type Message struct {
	ID       uint32
	Extended bool
	Length   uint8 // 0..8
	Name     string
	Sender   string
	First    int // global index of the first signal
	Count    int
}

// Database is the result of parsing a schema. It is immutable after Parse
// returns.
type Database struct {
	Version  string
	Nodes    []string
	Messages []Message
	Signals  []Signal
}

// MessageSignals returns the signals of message i, in declaration order.
func (db *Database) MessageSignals(i int) []Signal {
	m := db.Messages[i]
	return db.Signals[m.First : m.First+m.Count]
}

func maskFor(length uint8) uint64 {
	if length >= 64 {
		return math.MaxUint64
	}
	return uint64(1)<<length - 1
}
