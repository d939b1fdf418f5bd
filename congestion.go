// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import (
	"sort"
	"time"
)

const (
	// initialRTT seeds the estimator before the first measurement; 100ms is
	// the traditional UDT starting point.
	initialRTT = 100 * time.Millisecond

	// initialCwnd is the file-mode window at connection start, in packets.
	initialCwnd = 16

	// minCwnd is the floor for the file-mode window after decay.
	minCwnd = 2

	// cwndDecayFactor is applied on every detected loss event in file mode.
	cwndDecayFactor = 0.5

	// minRTO bounds the retransmission timeout from below so that a few
	// undersized RTT samples can't cause spurious retransmission storms.
	minRTO = 30 * time.Millisecond

	// maxRTO bounds a backed-off retransmission timeout.
	maxRTO = 5 * time.Second

	// arrivalWindow is how many inter-arrival samples the receiver keeps for
	// the packet-rate estimate, and probeWindow how many probe-pair samples
	// for the link-capacity estimate.
	arrivalWindow = 16
	probeWindow   = 8
)

// congestion owns the per-connection RTT, bandwidth, and window state. It is
// written only by the connection's owning goroutine; other components read
// estimates through its accessors. The one decision it exports to the send
// path is sendPermission.
type congestion struct {
	mode TransmissionMode

	// round trip time and its variance, microseconds, exponentially
	// smoothed with the classic 7/8 and 3/4 weights on every sample
	rtt    uint32
	rttVar uint32

	// receiver-reported estimates from full ACKs, packets per second
	deliveryRate uint32
	linkCapacity uint32

	// live mode: configured bandwidth ceiling (bytes/s including protocol
	// overhead) and the packet spacing derived from it
	maxBW        int64
	pktSndPeriod time.Duration
	lastSend     time.Duration

	// latency budget, used to size the live-mode window from the
	// bandwidth-delay product
	latency time.Duration

	// file mode: AIMD window in packets
	cwnd      float64
	slowStart bool

	// peer's negotiated flow window, packets; hard cap in both modes
	flowWindow int

	payloadSize int
}

func newCongestion(mode TransmissionMode, maxBW int64, flowWindow, payloadSize int, latency time.Duration) *congestion {
	cc := &congestion{
		mode:        mode,
		rtt:         uint32(initialRTT / time.Microsecond),
		rttVar:      uint32(initialRTT / time.Microsecond / 2),
		maxBW:       maxBW,
		latency:     latency,
		cwnd:        initialCwnd,
		slowStart:   mode == ModeFile,
		flowWindow:  flowWindow,
		payloadSize: payloadSize,
	}
	cc.updateSendPeriod()
	return cc
}

func (cc *congestion) updateSendPeriod() {
	if cc.mode != ModeLive || cc.maxBW <= 0 {
		cc.pktSndPeriod = 0
		return
	}
	wirePacket := int64(cc.payloadSize + headerSize + udpIPv4Overhead)
	cc.pktSndPeriod = time.Duration(wirePacket * int64(time.Second) / cc.maxBW)
}

// updateRTT folds one RTT sample (microseconds) into the smoothed estimate.
func (cc *congestion) updateRTT(sample uint32) {
	if sample == 0 {
		return
	}
	diff := int64(sample) - int64(cc.rtt)
	if diff < 0 {
		diff = -diff
	}
	cc.rttVar = uint32((3*int64(cc.rttVar) + diff) / 4)
	cc.rtt = uint32((7*int64(cc.rtt) + int64(sample)) / 8)
}

func (cc *congestion) smoothedRTT() time.Duration {
	return time.Duration(cc.rtt) * time.Microsecond
}

// rto is the base retransmission timeout; callers apply their own back-off
// multiplier on consecutive expiries.
func (cc *congestion) rto() time.Duration {
	rto := time.Duration(cc.rtt+4*cc.rttVar) * time.Microsecond
	if rto < minRTO {
		rto = minRTO
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	return rto
}

// onACK is called when the cumulative ACK advances by ackedPackets. Full
// ACKs also carry the receiver's rate estimates.
func (cc *congestion) onACK(ackedPackets int, p *ackPacket) {
	if p != nil && !p.light {
		if p.rtt > 0 {
			cc.updateRTT(p.rtt)
		}
		if p.packetRecvRate > 0 {
			cc.deliveryRate = smooth8(cc.deliveryRate, p.packetRecvRate)
		}
		if p.linkCapacity > 0 {
			cc.linkCapacity = smooth8(cc.linkCapacity, p.linkCapacity)
		}
	}
	if cc.mode != ModeFile || ackedPackets <= 0 {
		return
	}
	if cc.slowStart {
		cc.cwnd += float64(ackedPackets)
		if cc.cwnd >= float64(cc.flowWindow) {
			cc.cwnd = float64(cc.flowWindow)
			cc.slowStart = false
		}
		return
	}
	// additive increase: one packet per window's worth of ACKs
	cc.cwnd += float64(ackedPackets) / cc.cwnd
	if cc.cwnd > float64(cc.flowWindow) {
		cc.cwnd = float64(cc.flowWindow)
	}
}

// onLoss is called once per loss event (NAK received), not once per lost
// packet.
func (cc *congestion) onLoss() {
	if cc.mode != ModeFile {
		return
	}
	cc.slowStart = false
	cc.cwnd *= cwndDecayFactor
	if cc.cwnd < minCwnd {
		cc.cwnd = minCwnd
	}
}

// onTimeout is called when the retransmission timer expires with no ACK
// progress at all.
func (cc *congestion) onTimeout() {
	if cc.mode != ModeFile {
		return
	}
	cc.slowStart = false
	cc.cwnd = minCwnd
}

// window returns the number of packets permitted in flight.
func (cc *congestion) window() int {
	switch cc.mode {
	case ModeFile:
		return clampInt(minCwnd, int(cc.cwnd), cc.flowWindow)
	default:
		// live mode: bandwidth-delay product over the latency budget,
		// when we have a rate estimate to size it with
		rate := cc.deliveryRate
		if cc.linkCapacity > 0 && (rate == 0 || cc.linkCapacity < rate) {
			rate = cc.linkCapacity
		}
		if rate == 0 {
			return cc.flowWindow
		}
		horizon := cc.latency + cc.smoothedRTT()
		w := int(int64(rate)*int64(horizon)/int64(time.Second)) + initialCwnd
		return clampInt(minCwnd, w, cc.flowWindow)
	}
}

// sendPermission answers the one question the send path asks: may a packet
// go out now, and if not, when should we look again. A zero wait with ok ==
// false means the window is full and only an ACK will open it.
func (cc *congestion) sendPermission(now time.Duration, inFlight int) (ok bool, wait time.Duration) {
	if inFlight >= cc.window() {
		return false, 0
	}
	if cc.pktSndPeriod > 0 {
		next := cc.lastSend + cc.pktSndPeriod
		if now < next {
			return false, next - now
		}
	}
	return true, 0
}

// sent records a data packet transmission for pacing purposes.
func (cc *congestion) sent(now time.Duration) {
	cc.lastSend = now
}

func smooth8(old, sample uint32) uint32 {
	if old == 0 {
		return sample
	}
	return uint32((7*int64(old) + int64(sample)) / 8)
}

// rateEstimator is the receiver half of bandwidth estimation: packet arrival
// rate from the spacing of all arrivals, and link capacity from the spacing
// of probe packet pairs (the sender transmits sequence numbers 0 and 1 mod 16
// back to back).
type rateEstimator struct {
	intervals   [arrivalWindow]time.Duration
	intervalIdx int
	intervalN   int
	lastArrival time.Duration

	pairs     [probeWindow]time.Duration
	pairIdx   int
	pairN     int
	lastProbe time.Duration

	bytes [arrivalWindow]int
}

func (re *rateEstimator) onData(now time.Duration, seq sequenceNumber, size int) {
	if re.lastArrival != 0 {
		iv := now - re.lastArrival
		if iv > 0 {
			re.intervals[re.intervalIdx] = iv
			re.bytes[re.intervalIdx] = size
			re.intervalIdx = (re.intervalIdx + 1) % arrivalWindow
			if re.intervalN < arrivalWindow {
				re.intervalN++
			}
		}
	}
	re.lastArrival = now

	if uint32(seq)&0xf == 1 && re.lastProbe != 0 {
		iv := now - re.lastProbe
		if iv > 0 {
			re.pairs[re.pairIdx] = iv
			re.pairIdx = (re.pairIdx + 1) % probeWindow
			if re.pairN < probeWindow {
				re.pairN++
			}
		}
	}
	if uint32(seq)&0xf == 0 {
		re.lastProbe = now
	} else {
		re.lastProbe = 0
	}
}

// packetRate estimates packets per second from the median inter-arrival
// interval, discarding outliers more than 8x the median (idle gaps).
func (re *rateEstimator) packetRate() uint32 {
	med, ok := re.medianInterval(re.intervals[:re.intervalN])
	if !ok {
		return 0
	}
	return uint32(int64(time.Second) / int64(med))
}

// recvRate estimates bytes per second over the same window.
func (re *rateEstimator) recvRate() uint32 {
	med, ok := re.medianInterval(re.intervals[:re.intervalN])
	if !ok {
		return 0
	}
	total := 0
	for i := 0; i < re.intervalN; i++ {
		total += re.bytes[i]
	}
	avg := total / re.intervalN
	return uint32(int64(avg) * int64(time.Second) / int64(med))
}

// capacity estimates the link capacity in packets per second from probe-pair
// spacing.
func (re *rateEstimator) capacity() uint32 {
	med, ok := re.medianInterval(re.pairs[:re.pairN])
	if !ok {
		return 0
	}
	return uint32(int64(time.Second) / int64(med))
}

func (re *rateEstimator) medianInterval(samples []time.Duration) (time.Duration, bool) {
	if len(samples) < 4 {
		return 0, false
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	median := sorted[len(sorted)/2]
	if median <= 0 {
		return 0, false
	}
	// re-average the samples within 1/8x..8x of the median
	var sum time.Duration
	n := 0
	for _, s := range sorted {
		if s > median*8 || s < median/8 {
			continue
		}
		sum += s
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / time.Duration(n), true
}
