package dbc

import (
	"encoding/binary"
	"math"
)

// word loads the payload, zero-padded to 8 bytes, in the signal's byte
// order. In both orders the field then occupies a contiguous run of bits.
func (s *Signal) word(payload []byte) uint64 {
	var buf [8]byte
	copy(buf[:], payload)
	if s.Order == BigEndian {
		return binary.BigEndian.Uint64(buf[:])
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// shift is the position of the field's least significant bit in word.
func (s *Signal) shift() uint {
	if s.Order == BigEndian {
		return uint(64 - int(s.StartBit) - int(s.Length))
	}
	return uint(s.StartBit)
}

// DecodeRaw extracts the unsigned raw field from payload. Bytes beyond the
// end of payload read as zero.
func (s *Signal) DecodeRaw(payload []byte) uint64 {
	return (s.word(payload) >> s.shift()) & s.Mask
}

// signExtend interprets raw as a Length-bit two's-complement number.
func (s *Signal) signExtend(raw uint64) int64 {
	if s.Length >= 64 {
		return int64(raw)
	}
	if raw&(uint64(1)<<(s.Length-1)) != 0 {
		return int64(raw | ^s.Mask)
	}
	return int64(raw)
}

// Physical converts a raw field to its physical value.
func (s *Signal) Physical(raw uint64) float64 {
	if s.Signed {
		return float64(s.signExtend(raw))*s.Scale + s.Offset
	}
	return float64(raw)*s.Scale + s.Offset
}

// Decode returns the physical value of the signal in payload.
func (s *Signal) Decode(payload []byte) float64 {
	return s.Physical(s.DecodeRaw(payload))
}

// Raw converts a physical value to the field's raw bits: the value is
// unscaled, rounded to the nearest integer and clamped to what the field can
// represent. Min and Max are not applied.
func (s *Signal) Raw(value float64) uint64 {
	r := math.Round((value - s.Offset) / s.Scale)
	if math.IsNaN(r) {
		return 0
	}
	if s.Signed {
		hi := int64(s.Mask >> 1)
		lo := -hi - 1
		var v int64
		switch {
		case r <= float64(lo):
			v = lo
		case r >= float64(hi):
			v = hi
		default:
			v = int64(r)
		}
		return uint64(v) & s.Mask
	}
	switch {
	case r <= 0:
		return 0
	case r >= float64(s.Mask):
		return s.Mask
	default:
		return uint64(r)
	}
}

// Encode writes value into payload. The signal's bits are cleared first and
// every other bit is kept, so signals with disjoint ranges compose in one
// payload. Bits that fall beyond the end of payload are dropped.
func (s *Signal) Encode(value float64, payload []byte) {
	s.EncodeRaw(s.Raw(value), payload)
}

// EncodeRaw writes raw field bits into payload.
func (s *Signal) EncodeRaw(raw uint64, payload []byte) {
	var buf [8]byte
	copy(buf[:], payload)
	sh := s.shift()
	w := s.word(buf[:])
	w &^= s.Mask << sh
	w |= (raw & s.Mask) << sh
	if s.Order == BigEndian {
		binary.BigEndian.PutUint64(buf[:], w)
	} else {
		binary.LittleEndian.PutUint64(buf[:], w)
	}
	copy(payload, buf[:])
}

// Int returns raw as an integer, sign-extended for signed signals. This is
// the value multiplexor selectors and value descriptions are keyed by.
func (s *Signal) Int(raw uint64) int64 {
	if s.Signed {
		return s.signExtend(raw)
	}
	return int64(raw)
}

// LabelFor returns the value description of the raw value that encodes
// value, if the schema declared one.
func (s *Signal) LabelFor(value float64) (string, bool) {
	if len(s.Values) == 0 {
		return "", false
	}
	return s.Label(s.Int(s.Raw(value)))
}
