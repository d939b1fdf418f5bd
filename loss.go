// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

// lossRange is an inclusive [start, end] interval of sequence numbers known
// to be missing.
type lossRange struct {
	start sequenceNumber
	end   sequenceNumber
}

func (r lossRange) count() int32 {
	return seqDistance(r.start, r.end) + 1
}

// lossList is an ordered set of disjoint loss ranges. Adjacent and
// overlapping ranges are always merged on insert, so the list stays maximally
// coalesced. The receiver keeps one to drive NAK generation; the sender keeps
// one of NAK-reported packets awaiting retransmission.
//
// Ranges are kept sorted in sequence order starting from the oldest
// outstanding loss. The list is small in practice (bounded by the flow
// window), so linear scans are fine.
type lossList struct {
	ranges []lossRange
}

// insert records [start, end] as lost, merging with any overlapping or
// adjacent ranges.
func (ll *lossList) insert(start, end sequenceNumber) {
	if seqLess(end, start) {
		start, end = end, start
	}
	// find the first range that could interact with the new one
	i := 0
	for i < len(ll.ranges) && seqLess(ll.ranges[i].end.next(), start) {
		i++
	}
	j := i
	for j < len(ll.ranges) && !seqLess(end.next(), ll.ranges[j].start) {
		// ranges[j] overlaps or touches [start, end]; absorb it
		if seqLess(ll.ranges[j].start, start) {
			start = ll.ranges[j].start
		}
		if seqLess(end, ll.ranges[j].end) {
			end = ll.ranges[j].end
		}
		j++
	}
	merged := lossRange{start: start, end: end}
	ll.ranges = append(ll.ranges[:i], append([]lossRange{merged}, ll.ranges[j:]...)...)
}

// remove drops a single sequence number from the list, splitting a range if
// it falls in the middle. Returns true if the number was present.
func (ll *lossList) remove(seq sequenceNumber) bool {
	for i, r := range ll.ranges {
		if seqLess(seq, r.start) {
			return false
		}
		if seqLess(r.end, seq) {
			continue
		}
		switch {
		case r.start == r.end:
			ll.ranges = append(ll.ranges[:i], ll.ranges[i+1:]...)
		case seq == r.start:
			ll.ranges[i].start = r.start.next()
		case seq == r.end:
			ll.ranges[i].end = r.end.prev()
		default:
			tail := lossRange{start: seq.next(), end: r.end}
			ll.ranges[i].end = seq.prev()
			ll.ranges = append(ll.ranges[:i+1], append([]lossRange{tail}, ll.ranges[i+1:]...)...)
		}
		return true
	}
	return false
}

// removeBefore discards everything that strictly precedes seq. Used when a
// cumulative ACK or a message drop makes older losses moot.
func (ll *lossList) removeBefore(seq sequenceNumber) {
	out := ll.ranges[:0]
	for _, r := range ll.ranges {
		if seqLess(r.end, seq) {
			continue
		}
		if seqLess(r.start, seq) {
			r.start = seq
		}
		out = append(out, r)
	}
	ll.ranges = out
}

// first returns the oldest missing sequence number.
func (ll *lossList) first() (sequenceNumber, bool) {
	if len(ll.ranges) == 0 {
		return 0, false
	}
	return ll.ranges[0].start, true
}

// popFirst removes and returns the oldest missing sequence number.
func (ll *lossList) popFirst() (sequenceNumber, bool) {
	seq, ok := ll.first()
	if !ok {
		return 0, false
	}
	ll.remove(seq)
	return seq, true
}

func (ll *lossList) contains(seq sequenceNumber) bool {
	for _, r := range ll.ranges {
		if seqLess(seq, r.start) {
			return false
		}
		if !seqLess(r.end, seq) {
			return true
		}
	}
	return false
}

// count returns the total number of missing sequence numbers.
func (ll *lossList) count() int {
	n := 0
	for _, r := range ll.ranges {
		n += int(r.count())
	}
	return n
}

func (ll *lossList) empty() bool {
	return len(ll.ranges) == 0
}

// snapshot returns a copy of the ranges for NAK encoding.
func (ll *lossList) snapshot() []lossRange {
	out := make([]lossRange, len(ll.ranges))
	copy(out, ll.ranges)
	return out
}

func (ll *lossList) clear() {
	ll.ranges = ll.ranges[:0]
}
