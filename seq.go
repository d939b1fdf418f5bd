// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

// sequenceNumber is a 31-bit SRT packet sequence number. Values wrap at 2^31,
// and ordering is defined modulo the wrap using a half-range comparator, so
// all comparisons must go through seqLess/seqDistance rather than raw integer
// comparison.
type sequenceNumber uint32

const (
	seqModulus   = 1 << 31
	seqMask      = seqModulus - 1
	seqHalfRange = seqModulus / 2
)

func (s sequenceNumber) next() sequenceNumber {
	return (s + 1) & seqMask
}

func (s sequenceNumber) prev() sequenceNumber {
	return (s + seqModulus - 1) & seqMask
}

// add offsets s by n (which may be negative) within the sequence space.
func (s sequenceNumber) add(n int32) sequenceNumber {
	return sequenceNumber(uint32(s)+uint32(n)) & seqMask
}

// seqDistance returns the signed wrap-aware gap walking from a to b. The
// result matches unbounded integer arithmetic as long as the true distance is
// less than half the sequence space.
func seqDistance(a, b sequenceNumber) int32 {
	d := (uint32(b) - uint32(a)) & seqMask
	if d >= seqHalfRange {
		return int32(d - seqModulus)
	}
	return int32(d)
}

// seqLess reports whether a strictly precedes b.
func seqLess(a, b sequenceNumber) bool {
	return seqDistance(a, b) > 0
}

func seqMax(a, b sequenceNumber) sequenceNumber {
	if seqLess(a, b) {
		return b
	}
	return a
}

// messageNumber is a 26-bit SRT message number, wrapping at 2^26.
type messageNumber uint32

const msgMask = 1<<26 - 1

func (m messageNumber) next() messageNumber {
	return (m + 1) & msgMask
}

// compare if lhs is less than rhs, taking wrapping
// into account. if lhs is close to math.MaxUint32 and rhs
// is close to 0, lhs is assumed to have wrapped and
// considered smaller
func wrappingCompareLess(lhs, rhs uint32) bool {
	// distance walking from lhs to rhs, downwards
	distDown := lhs - rhs
	// distance walking from lhs to rhs, upwards
	distUp := rhs - lhs

	// if the distance walking up is shorter, lhs
	// is less than rhs. If the distance walking down
	// is shorter, then rhs is less than lhs
	return distUp < distDown
}

// timestampTracker unwraps the 32-bit microsecond timestamps carried in
// packet headers into a monotonically growing 64-bit microsecond value.
// Packet timestamps wrap roughly every 71.6 minutes; the tracker assumes
// packets are never delayed by more than half of that.
type timestampTracker struct {
	last  uint32
	epoch int64
}

func (tt *timestampTracker) unwrap(ts uint32) int64 {
	if ts < tt.last && tt.last-ts > 1<<31 {
		// wrapped forward past zero
		tt.epoch += 1 << 32
	} else if ts > tt.last && ts-tt.last > 1<<31 {
		// straggler stamped before the last wrap
		if tt.epoch == 0 {
			return int64(ts)
		}
		return tt.epoch - 1<<32 + int64(ts)
	}
	tt.last = ts
	return tt.epoch + int64(ts)
}
