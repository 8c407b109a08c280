package bwe

// seqNumRange is the range of the 16-bit transport-wide sequence number.
const seqNumRange = 1 << 16

// SeqNumDelta computes the signed distance from prev to curr, correctly
// handling wraparound at the 16-bit boundary.
//
// Half-range comparison decides the direction:
//   - a forward difference larger than half the range is a backward step
//     across the wrap,
//   - a backward difference larger than half the range is a forward step
//     across the wrap.
func SeqNumDelta(prev, curr uint16) int64 {
	diff := int32(curr) - int32(prev)
	half := int32(seqNumRange / 2)
	if diff > half {
		diff -= seqNumRange
	} else if diff < -half {
		diff += seqNumRange
	}
	return int64(diff)
}

// SequenceUnwrapper extends 16-bit sequence numbers to a monotonic int64
// space. The zero value is ready to use.
type SequenceUnwrapper struct {
	last    uint16
	lastExt int64
	started bool
}

// Unwrap returns the extended value of seq relative to the last one seen.
// Values may move backwards by up to half the range (reordering).
func (u *SequenceUnwrapper) Unwrap(seq uint16) int64 {
	if !u.started {
		u.started = true
		u.last = seq
		u.lastExt = int64(seq)
		return u.lastExt
	}
	ext := u.lastExt + SeqNumDelta(u.last, seq)
	if ext > u.lastExt {
		u.last = seq
		u.lastExt = ext
	}
	return ext
}

// PeekUnwrap returns what Unwrap would return without updating state.
func (u *SequenceUnwrapper) PeekUnwrap(seq uint16) int64 {
	if !u.started {
		return int64(seq)
	}
	return u.lastExt + SeqNumDelta(u.last, seq)
}

// Reset forgets the history.
func (u *SequenceUnwrapper) Reset() {
	*u = SequenceUnwrapper{}
}
