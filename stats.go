// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import "time"

// Stats is a snapshot of per-connection counters. Retrieve one with
// (*Socket).GetStats; the snapshot is taken under the same synchronization
// as the rest of the socket, so call it from the goroutine driving the
// engine (or via the Conn wrapper, which handles locking).
type Stats struct {
	// data path
	PktSent       uint64
	PktRecv       uint64
	BytesSent     uint64
	BytesRecv     uint64
	PktRetrans    uint64 // data packets sent more than once
	PktRecvDup    uint64 // duplicates and belated arrivals discarded
	PktSndDrop    uint64 // packets abandoned by us after the retransmit budget
	PktRcvDrop    uint64 // packets skipped or discarded by the delivery buffer
	PktRcvBelated uint64

	// control path
	PktSentACK  uint64
	PktRecvACK  uint64
	PktSentNAK  uint64
	PktRecvNAK  uint64
	PktSentKM   uint64
	PktRecvKM   uint64

	// link estimates at snapshot time
	RTT          time.Duration
	RTTVariance  time.Duration
	DeliveryRate uint32 // packets per second, receiver-reported
	LinkCapacity uint32 // packets per second, probe-pair estimate
	FlightSize   int    // packets currently unacknowledged
}

func (st *Stats) transmitted(length int, retrans bool) {
	st.PktSent++
	st.BytesSent += uint64(length)
	if retrans {
		st.PktRetrans++
	}
}

func (st *Stats) received(length int) {
	st.PktRecv++
	st.BytesRecv += uint64(length)
}

// GetStats returns a copy of the socket's counters with the live link
// estimates filled in.
func (s *Socket) GetStats() Stats {
	out := s.stats
	if s.cc != nil {
		out.RTT = s.cc.smoothedRTT()
		out.RTTVariance = time.Duration(s.cc.rttVar) * time.Microsecond
		out.DeliveryRate = s.cc.deliveryRate
		out.LinkCapacity = s.cc.linkCapacity
	}
	out.FlightSize = int(seqDistance(s.sndLastAck, s.sndNextSend))
	if out.FlightSize < 0 {
		out.FlightSize = 0
	}
	if s.rcvbuf != nil {
		out.PktRcvDrop += s.rcvbuf.droppedPackets
	}
	return out
}
