package canbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Frame is a classical CAN 2.0A/2.0B frame: an 11- or 29-bit identifier,
// an optional remote request flag and up to eight data bytes. CAN FD is not
// represented.
type Frame struct {
	ID       uint32
	Extended bool // 29-bit identifier
	RTR      bool
	Len      uint8 // 0..8; for RTR frames the requested length
	Data     [8]byte
}

// Identifier limits.
const (
	MaxStdID = 0x7FF
	MaxExtID = 0x1FFFFFFF
)

// can_id flag bits of struct can_frame.
const (
	canEffFlag = 0x80000000
	canRtrFlag = 0x40000000
)

// frameSize is sizeof(struct can_frame).
const frameSize = 16

var (
	ErrInvalidID  = errors.New("canbus: invalid identifier")
	ErrInvalidLen = errors.New("canbus: invalid data length")
)

func idLimit(extended bool) uint32 {
	if extended {
		return MaxExtID
	}
	return MaxStdID
}

// NewFrame builds a data frame. The identifier must fit the standard or
// extended range selected by extended.
func NewFrame(id uint32, extended bool, data []byte) (Frame, error) {
	if len(data) > len(Frame{}.Data) {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrInvalidLen, len(data))
	}
	f := Frame{ID: id, Extended: extended, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f, f.Validate()
}

// MustFrame is NewFrame for tests and examples: identifiers above MaxStdID
// are marked extended, and invalid input panics.
func MustFrame(id uint32, data []byte) Frame {
	f, err := NewFrame(id, id > MaxStdID, data)
	if err != nil {
		panic(err)
	}
	return f
}

// Validate checks the identifier against its range and the length against
// the classical CAN maximum.
func (f Frame) Validate() error {
	if f.Len > 8 {
		return fmt.Errorf("%w: %d", ErrInvalidLen, f.Len)
	}
	if limit := idLimit(f.Extended); f.ID > limit {
		return fmt.Errorf("%w: %#x above %#x", ErrInvalidID, f.ID, limit)
	}
	return nil
}

// Payload returns the valid data bytes of the frame.
func (f Frame) Payload() []byte {
	return f.Data[:min(f.Len, 8)]
}

// String renders the frame as "ID [len] B0 B1 ..", with "RTR" in place of
// the data bytes for remote frames.
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	fmt.Fprintf(&b, " [%d]", f.Len)
	if f.RTR {
		b.WriteString(" RTR")
		return b.String()
	}
	for _, c := range f.Payload() {
		fmt.Fprintf(&b, " %02X", c)
	}
	return b.String()
}

// canID packs the identifier and flags into the can_id word.
func (f Frame) canID() uint32 {
	w := f.ID
	if f.Extended {
		w |= canEffFlag
	}
	if f.RTR {
		w |= canRtrFlag
	}
	return w
}

// AppendBinary appends the 16-byte Linux struct can_frame encoding of f:
//
//	0..3  can_id, little-endian, with EFF/RTR flags
//	4     len
//	5..7  zero
//	8..15 data
func (f Frame) AppendBinary(b []byte) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return b, err
	}
	b = binary.LittleEndian.AppendUint32(b, f.canID())
	b = append(b, f.Len, 0, 0, 0)
	return append(b, f.Data[:]...), nil
}

// MarshalBinary returns the struct can_frame encoding of f.
func (f Frame) MarshalBinary() ([]byte, error) {
	return f.AppendBinary(make([]byte, 0, frameSize))
}

// UnmarshalBinary decodes a struct can_frame. Bytes past the first 16 are
// ignored.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < frameSize {
		return fmt.Errorf("canbus: can_frame needs %d bytes, got %d", frameSize, len(data))
	}
	w := binary.LittleEndian.Uint32(data)
	*f = Frame{
		Extended: w&canEffFlag != 0,
		RTR:      w&canRtrFlag != 0,
		Len:      data[4],
	}
	f.ID = w & idLimit(f.Extended)
	copy(f.Data[:], data[8:frameSize])
	return f.Validate()
}
