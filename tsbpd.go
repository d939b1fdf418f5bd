// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import "time"

// tsbpdEntry is one data packet parked in the delivery buffer, keyed by
// sequence number, waiting for its release deadline.
type tsbpdEntry struct {
	seq       sequenceNumber
	msgNum    messageNumber
	position  packetPosition
	inOrder   bool
	timestamp int64 // peer send time, unwrapped microseconds
	payload   []byte
	arrived   time.Duration
}

// entryRing is a power-of-two circular buffer of entries indexed by raw
// sequence number. Indexing with a mask keeps lookups O(1) across the
// sequence wrap, as long as the live window stays smaller than the ring.
type entryRing struct {
	// This is the mask. Since it's always a power of 2, adding 1 to this
	// value will return the size.
	mask     int
	elements []*tsbpdEntry
}

func newEntryRing(size int) *entryRing {
	n := 1
	for n < size {
		n *= 2
	}
	return &entryRing{mask: n - 1, elements: make([]*tsbpdEntry, n)}
}

func (r *entryRing) get(i sequenceNumber) *tsbpdEntry {
	return r.elements[int(i)&r.mask]
}

func (r *entryRing) put(i sequenceNumber, e *tsbpdEntry) {
	r.elements[int(i)&r.mask] = e
}

// tsbpdBuffer reorders arriving data packets by sequence number and releases
// them no earlier than (peer send time mapped onto the local clock + the
// negotiated latency), strictly in sequence order. In live mode, a missing
// packet whose successors are past their deadline is skipped and recorded as
// irrecoverably lost, so one unrecoverable hole can never stall delivery. In
// file mode (zero latency) entries release as soon as they are contiguous.
type tsbpdBuffer struct {
	latency time.Duration
	live    bool

	// baseTime maps peer timestamp 0 onto the local monotonic clock. It is
	// fixed when the first data packet arrives.
	baseTime    time.Duration
	baseTimeSet bool
	ts          timestampTracker

	nextSeq sequenceNumber // next sequence number owed to the application
	maxSeq  sequenceNumber // highest sequence number seen
	started bool

	ring *entryRing

	// ranges the sender told us to abandon (message drop requests); arrivals
	// in these ranges are discarded
	abandoned lossList

	droppedPackets uint64
	buffered       int
}

func newTSBPDBuffer(initialSeq sequenceNumber, latency time.Duration, live bool, size int) *tsbpdBuffer {
	return &tsbpdBuffer{
		latency: latency,
		live:    live,
		nextSeq: initialSeq,
		maxSeq:  initialSeq.prev(),
		ring:    newEntryRing(size),
	}
}

// add parks a decrypted data packet. It returns false if the packet was
// discarded (duplicate, already released, or abandoned).
func (tb *tsbpdBuffer) add(p *dataPacket, now time.Duration) bool {
	unwrapped := tb.ts.unwrap(p.timestamp)
	if !tb.baseTimeSet {
		tb.baseTime = now - time.Duration(unwrapped)*time.Microsecond
		tb.baseTimeSet = true
	}
	if seqLess(p.seqNum, tb.nextSeq) {
		return false // belated; its slot has already been passed
	}
	if tb.abandoned.contains(p.seqNum) {
		return false
	}
	if seqDistance(tb.nextSeq, p.seqNum) >= int32(tb.ring.mask) {
		// too far ahead of the application; drop rather than overwrite
		return false
	}
	if tb.ring.get(p.seqNum) != nil {
		return false
	}
	payload := make([]byte, len(p.payload))
	copy(payload, p.payload)
	tb.ring.put(p.seqNum, &tsbpdEntry{
		seq:       p.seqNum,
		msgNum:    p.msgNum,
		position:  p.position,
		inOrder:   p.inOrder,
		timestamp: unwrapped,
		payload:   payload,
		arrived:   now,
	})
	tb.buffered++
	if seqLess(tb.maxSeq, p.seqNum) {
		tb.maxSeq = p.seqNum
	}
	return true
}

// deadline is the earliest local time at which an entry may be handed to the
// application.
func (tb *tsbpdBuffer) deadline(e *tsbpdEntry) time.Duration {
	if !tb.live {
		return e.arrived
	}
	return tb.baseTime + time.Duration(e.timestamp)*time.Microsecond + tb.latency
}

// abandon records [first, last] as never arriving (sender drop request or
// local deadline skip) and flushes anything buffered inside the range.
func (tb *tsbpdBuffer) abandon(first, last sequenceNumber) {
	if seqLess(last, first) {
		return
	}
	tb.abandoned.insert(first, last)
	for seq := first; ; seq = seq.next() {
		if e := tb.ring.get(seq); e != nil && e.seq == seq {
			tb.ring.put(seq, nil)
			tb.buffered--
			tb.droppedPackets++
		}
		if seq == last {
			break
		}
	}
	if tb.abandoned.contains(tb.nextSeq) && seqLess(tb.nextSeq, last.next()) {
		// the hole at the head is now known unrecoverable
		tb.nextSeq = last.next()
	}
	tb.abandoned.removeBefore(tb.nextSeq)
}

// release pops every entry that is ready at time now, in strict sequence
// order. In live mode a gap at the head is skipped once the first buffered
// entry behind it is past its deadline; the skipped range is reported so the
// caller can retire it from the loss list and the statistics.
func (tb *tsbpdBuffer) release(now time.Duration) (out []*tsbpdEntry, skipped []lossRange) {
	for {
		e := tb.ring.get(tb.nextSeq)
		if e != nil && e.seq == tb.nextSeq {
			if now < tb.deadline(e) {
				break
			}
			tb.ring.put(tb.nextSeq, nil)
			tb.buffered--
			tb.nextSeq = tb.nextSeq.next()
			out = append(out, e)
			continue
		}
		if !tb.live || tb.buffered == 0 {
			break
		}
		// head is missing; find the next buffered entry
		next := tb.findNext(tb.nextSeq)
		if next == nil || now < tb.deadline(next) {
			break
		}
		// everything between nextSeq and next.seq is now irrecoverable
		gap := lossRange{start: tb.nextSeq, end: next.seq.prev()}
		skipped = append(skipped, gap)
		tb.droppedPackets += uint64(gap.count())
		tb.nextSeq = next.seq
		tb.abandoned.removeBefore(tb.nextSeq)
	}
	return out, skipped
}

func (tb *tsbpdBuffer) findNext(from sequenceNumber) *tsbpdEntry {
	if !seqLess(from, tb.maxSeq) {
		return nil
	}
	for seq := from.next(); ; seq = seq.next() {
		if e := tb.ring.get(seq); e != nil && e.seq == seq {
			return e
		}
		if seq == tb.maxSeq {
			return nil
		}
	}
}

// nextDeadline reports when release should next be attempted: the deadline
// of the head entry, or of the first buffered entry if the head is missing.
// ok is false when nothing is buffered.
func (tb *tsbpdBuffer) nextDeadline() (t time.Duration, ok bool) {
	if tb.buffered == 0 {
		return 0, false
	}
	e := tb.ring.get(tb.nextSeq)
	if e == nil || e.seq != tb.nextSeq {
		e = tb.findNext(tb.nextSeq)
	}
	if e == nil {
		return 0, false
	}
	return tb.deadline(e), true
}

// availBufferPackets reports how much room remains, in packets, for the ACK
// control information field.
func (tb *tsbpdBuffer) availBufferPackets() uint32 {
	return uint32(tb.ring.mask + 1 - tb.buffered)
}
