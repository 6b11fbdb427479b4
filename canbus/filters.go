package canbus

// Composable FrameFilter helpers.

// ByID matches frames with the exact identifier, regardless of format.
func ByID(id uint32) FrameFilter {
	return func(f Frame) bool { return f.ID == id }
}

// ByKey matches frames with the exact identifier and identifier format.
// 0x100 standard and 0x100 extended are different messages on the wire.
func ByKey(id uint32, extended bool) FrameFilter {
	return func(f Frame) bool { return f.ID == id && f.Extended == extended }
}

// ByIDs matches any of the provided identifiers.
func ByIDs(ids ...uint32) FrameFilter {
	m := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return func(f Frame) bool {
		_, ok := m[f.ID]
		return ok
	}
}

// ByRange matches frames whose ID is within [minID, maxID], inclusive.
func ByRange(minID, maxID uint32) FrameFilter {
	if maxID < minID {
		minID, maxID = maxID, minID
	}
	return func(f Frame) bool { return f.ID >= minID && f.ID <= maxID }
}

// ByMask matches when (frame.ID & mask) == (id & mask), the acceptance
// filter form used by most CAN controllers.
func ByMask(id uint32, mask uint32) FrameFilter {
	want := id & mask
	return func(f Frame) bool { return (f.ID & mask) == want }
}

// StandardOnly matches standard (11-bit) identifiers.
func StandardOnly() FrameFilter {
	return func(f Frame) bool { return !f.Extended }
}

// ExtendedOnly matches extended (29-bit) identifiers.
func ExtendedOnly() FrameFilter {
	return func(f Frame) bool { return f.Extended }
}

// DataOnly matches non-RTR frames.
func DataOnly() FrameFilter {
	return func(f Frame) bool { return !f.RTR }
}

// RTROnly matches remote transmission request frames.
func RTROnly() FrameFilter {
	return func(f Frame) bool { return f.RTR }
}

// LenAtLeast matches frames carrying at least n data bytes.
func LenAtLeast(n uint8) FrameFilter {
	return func(f Frame) bool { return f.Len >= n }
}

// And matches when every non-nil filter matches. With no filters it matches
// everything.
func And(filters ...FrameFilter) FrameFilter {
	fs := compact(filters)
	switch len(fs) {
	case 0:
		return func(Frame) bool { return true }
	case 1:
		return fs[0]
	}
	return func(f Frame) bool {
		for _, fn := range fs {
			if !fn(f) {
				return false
			}
		}
		return true
	}
}

// Or matches when any non-nil filter matches. With no filters it matches
// nothing.
func Or(filters ...FrameFilter) FrameFilter {
	fs := compact(filters)
	if len(fs) == 1 {
		return fs[0]
	}
	return func(f Frame) bool {
		for _, fn := range fs {
			if fn(f) {
				return true
			}
		}
		return false
	}
}

// Not inverts a filter. A nil filter matches everything, so Not(nil) matches
// nothing.
func Not(a FrameFilter) FrameFilter {
	if a == nil {
		return func(Frame) bool { return false }
	}
	return func(f Frame) bool { return !a(f) }
}

func compact(filters []FrameFilter) []FrameFilter {
	out := make([]FrameFilter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}
