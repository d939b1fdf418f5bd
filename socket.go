// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import (
	"fmt"
	"net"
	"time"

	"github.com/go-logr/logr"
)

const (
	// ackInterval is how often the receiver emits a full ACK with link
	// measurements; between full ACKs, a light ACK goes out after every
	// lightAckThreshold data packets.
	ackInterval       = 10 * time.Millisecond
	lightAckThreshold = 64

	// minNakInterval bounds how often the receiver re-reports its loss list.
	minNakInterval = 20 * time.Millisecond

	// hsRetryInterval is the spacing of handshake retransmissions.
	hsRetryInterval = 250 * time.Millisecond

	// kmResendInterval is the spacing of unacknowledged key refresh
	// announcements.
	kmResendInterval = time.Second

	// sentAckWindow is how many outstanding full ACKs we remember for RTT
	// measurement via ACKACK. Power of two.
	sentAckWindow = 64
)

type connState int

const (
	csIdle connState = iota
	csInduction
	csConclusion
	csRendezvousWave
	csRendezvousConclusion
	csConnected
	csDestroy
)

var stateNames = []string{
	"csIdle", "csInduction", "csConclusion", "csRendezvousWave", "csRendezvousConclusion", "csConnected", "csDestroy",
}

func (cs connState) String() string { return stateNames[cs] }

// sendEntry is one data packet parked in the send buffer until it is
// acknowledged or abandoned. The payload is stored as sent (encrypted), so
// retransmissions are byte-identical to the original transmission.
type sendEntry struct {
	seq      sequenceNumber
	msgNum   messageNumber
	position packetPosition
	inOrder  bool
	keyIndex byte
	payload  []byte

	origTS        uint32 // socket-relative send time of the first transmission
	lastSent      time.Duration
	transmissions int
}

// sendRing is the sender twin of entryRing. Hell's bells, generics would be
// nice here, but matching the rest of the codebase wins.
type sendRing struct {
	mask     int
	elements []*sendEntry
}

func newSendRing(size int) *sendRing {
	n := 1
	for n < size {
		n *= 2
	}
	return &sendRing{mask: n - 1, elements: make([]*sendEntry, n)}
}

func (r *sendRing) get(i sequenceNumber) *sendEntry {
	return r.elements[int(i)&r.mask]
}

func (r *sendRing) put(i sequenceNumber, e *sendEntry) {
	r.elements[int(i)&r.mask] = e
}

// sentAck remembers one outstanding full ACK so the matching ACKACK can be
// turned into an RTT sample and the acknowledged position marked confirmed.
type sentAck struct {
	serial uint32
	seq    sequenceNumber
	at     time.Duration
}

// Socket represents one SRT connection to an internet peer. It is important
// to distinguish SRT sockets from UDP sockets; many SRT sockets share one
// UDP socket through a SocketMultiplexer.
//
// Sockets are created with (*SocketMultiplexer).Create() (for outgoing
// connections) or in the course of processing an incoming packet with
// IsIncomingSRT() (for incoming connections). In the latter case the socket
// is handed to your code by way of the GotIncomingConnection callback.
//
// Sockets created with Create() need callbacks registered (SetCallbacks())
// before initiating the connection with Connect() or ConnectRendezvous().
// Sockets received through GotIncomingConnection are already connected and
// must not have Connect() called on them.
//
// Data is sent with Write(), one whole message at a time. Received messages
// are delivered through the OnMessageCallback, in order, on the latency
// schedule negotiated during the handshake.
//
// Your code must call (*SocketMultiplexer).CheckTimeouts() periodically. No
// background goroutines run inside the engine; protocol work happens only
// when your code calls into it.
type Socket struct {
	logger logr.Logger
	mx     *SocketMultiplexer
	addr   *net.UDPAddr
	cfg    *Config

	state      connState
	rendezvous bool

	sockID   uint32
	remoteID uint32

	created time.Duration

	// handshake progress
	hsNextResend time.Duration
	hsDeadline   time.Duration
	hsCookie     uint32 // ours, rendezvous cookie contest
	peerCookie   uint32 // listener's, echoed in the conclusion
	lastSentHS   *handshakePacket
	hsKM         []byte // our outstanding KMREQ extension contents
	kmEcho       []byte // peer's KMREQ, echoed back in our KMRSP

	initSeqNum  sequenceNumber
	payloadSize int
	flowWindow  int
	mtu         int

	effLatency  time.Duration // our receiving direction, after negotiation
	peerLatency time.Duration // peer's receiving direction

	crypto     *cryptoContext
	kmSent     []byte // outstanding post-handshake KMREQ
	kmNextSend time.Duration

	streamID string

	// sender state
	sndSeqNum   sequenceNumber // next sequence number to assign
	sndNextSend sequenceNumber // next entry never yet transmitted
	sndLastAck  sequenceNumber // everything before this is acknowledged
	sndMsgNum   messageNumber
	sndbuf      *sendRing
	sndLoss     lossList // sequences scheduled for retransmission
	sndFull     bool     // a Write has been refused since the last drain

	lastAckProgress time.Duration
	rtoBackoff      int

	// receiver state
	rcvbuf     *tsbpdBuffer
	rcvLoss    lossList
	rcvCurrSeq sequenceNumber // highest sequence number seen
	rate       rateEstimator

	ackSerial    uint32
	sentAcks     [sentAckWindow]sentAck
	lastAckedSeq sequenceNumber
	lastAckAck   sequenceNumber // highest ACK position the peer has confirmed
	lastFullAck  time.Duration
	sinceLastAck int

	rcvRTT       uint32 // microseconds, receiver-side estimate from ACKACK
	rcvRTTVar    uint32
	lastNakSweep time.Duration

	// message under reassembly
	partial       []byte
	partialActive bool
	partialMsg    messageNumber
	partialNext   sequenceNumber

	cc *congestion

	lastSentPacket time.Duration
	lastGotPacket  time.Duration

	sendToCB       PacketSendCallback
	sendToUserdata interface{}
	callbackTable  CallbackTable
	userdata       interface{}

	stats Stats
}

func newSocket(mx *SocketMultiplexer, sendToCB PacketSendCallback, sendToUserdata interface{}, addr *net.UDPAddr, cfg *Config, sockID uint32) (*Socket, error) {
	cfg = cfg.clone()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	now := mx.timeNow()
	s := &Socket{
		logger:         mx.logger.WithValues("socket-id", sockID, "remote-addr", addr.String()),
		mx:             mx,
		addr:           addr,
		cfg:            cfg,
		sockID:         sockID,
		created:        now,
		initSeqNum:     randomSequenceNumber(),
		mtu:            minInt(cfg.MTU, GetUDPMTU(addr)+getUDPOverhead(addr)),
		flowWindow:     cfg.FlowWindow,
		sendToCB:       sendToCB,
		sendToUserdata: sendToUserdata,
		lastGotPacket:  now,
		lastSentPacket: now,
	}
	s.payloadSize = s.mtu - getUDPOverhead(addr) - headerSize
	s.sndSeqNum = s.initSeqNum
	s.sndNextSend = s.initSeqNum
	s.sndLastAck = s.initSeqNum
	s.sndbuf = newSendRing(cfg.FlowWindow)
	s.callbackTable = CallbackTable{OnMessage: noMessage, OnState: noState, OnError: noError}
	if cfg.Passphrase != "" {
		crypto, err := newCryptoContext(cfg.Passphrase, cfg.KeyLen)
		if err != nil {
			return nil, err
		}
		s.crypto = crypto
	}
	return s, nil
}

// SetCallbacks assigns the callback table for this socket. Must be done
// before Connect for outgoing connections, or within the
// GotIncomingConnection callback for incoming ones. Any callbacks set
// previously are discarded; nil entries become no-ops.
func (s *Socket) SetCallbacks(funcs *CallbackTable, userdata interface{}) {
	if funcs == nil {
		funcs = &CallbackTable{}
	}
	table := *funcs
	if table.OnMessage == nil {
		table.OnMessage = noMessage
	}
	if table.OnState == nil {
		table.OnState = noState
	}
	if table.OnError == nil {
		table.OnError = noError
	}
	s.callbackTable = table
	s.userdata = userdata
}

// LocalID returns this socket's identifier, the one the peer puts in the
// destination field of every packet it sends us.
func (s *Socket) LocalID() uint32 { return s.sockID }

// RemoteAddr returns the peer's UDP address.
func (s *Socket) RemoteAddr() *net.UDPAddr { return s.addr }

// StreamID returns the stream identifier the peer supplied during the
// handshake, or the empty string.
func (s *Socket) StreamID() string { return s.streamID }

func (s *Socket) timeNow() time.Duration { return s.mx.timeNow() }

func (s *Socket) timestampNow(now time.Duration) uint32 {
	return uint32((now - s.created) / time.Microsecond)
}

func (s *Socket) controlHeaderNow(now time.Duration) controlHeader {
	return controlHeader{timestamp: s.timestampNow(now), destSockID: s.remoteID}
}

func (s *Socket) sendPacket(p packet, now time.Duration) {
	buf := make([]byte, p.encodedSize())
	if err := p.encodeTo(buf); err != nil {
		s.logger.Error(err, "could not encode outgoing packet")
		return
	}
	s.sendToCB(s.sendToUserdata, buf, s.addr)
	s.lastSentPacket = now
}

// Write queues one message for transmission. The message is segmented into
// packets, encrypted if key material is negotiated, and sent as the
// congestion controller permits. ErrWouldBlock means the send buffer or
// window has no room; a StateWritable state change will follow once it
// drains.
func (s *Socket) Write(data []byte) error {
	if s.state != csConnected {
		return ErrConnectionClosed
	}
	packets := (len(data) + s.payloadSize - 1) / s.payloadSize
	if packets == 0 {
		packets = 1
	}
	capacity := s.sndbuf.mask + 1
	if packets > capacity {
		return ErrMessageTooLarge
	}
	if int(seqDistance(s.sndLastAck, s.sndSeqNum))+packets > capacity {
		s.sndFull = true
		return ErrWouldBlock
	}
	now := s.timeNow()
	msgNum := s.sndMsgNum
	s.sndMsgNum = s.sndMsgNum.next()
	for i := 0; i < packets; i++ {
		lo := i * s.payloadSize
		hi := minInt(lo+s.payloadSize, len(data))
		payload := make([]byte, hi-lo)
		copy(payload, data[lo:hi])

		position := positionMiddle
		switch {
		case packets == 1:
			position = positionOnly
		case i == 0:
			position = positionFirst
		case i == packets-1:
			position = positionLast
		}

		keyIndex := keyNone
		if s.crypto != nil {
			var err error
			keyIndex, err = s.crypto.encrypt(s.sndSeqNum, payload)
			if err != nil {
				return err
			}
		}

		s.sndbuf.put(s.sndSeqNum, &sendEntry{
			seq:      s.sndSeqNum,
			msgNum:   msgNum,
			position: position,
			inOrder:  true,
			keyIndex: keyIndex,
			payload:  payload,
			origTS:   s.timestampNow(now),
		})
		s.sndSeqNum = s.sndSeqNum.next()
	}
	s.flushPackets(now)
	return nil
}

// flushPackets pushes out as many packets as the congestion controller
// allows, retransmissions first.
func (s *Socket) flushPackets(now time.Duration) {
	if s.state != csConnected {
		return
	}
	for {
		var e *sendEntry
		retransmit := false
		if seq, ok := s.sndLoss.first(); ok {
			e = s.sndbuf.get(seq)
			if e == nil || e.seq != seq {
				// acknowledged or abandoned since the NAK arrived
				s.sndLoss.popFirst()
				continue
			}
			retransmit = true
		} else if s.sndNextSend != s.sndSeqNum {
			e = s.sndbuf.get(s.sndNextSend)
			if e == nil || e.seq != s.sndNextSend {
				s.sndNextSend = s.sndNextSend.next()
				continue
			}
		} else {
			return
		}

		// retransmissions are of packets already inside the window, so they
		// answer only to pacing, not to the window check
		inFlight := 0
		if !retransmit {
			inFlight = int(seqDistance(s.sndLastAck, s.sndNextSend))
		}
		ok, _ := s.cc.sendPermission(now, inFlight)
		if !ok {
			return
		}

		if retransmit {
			s.sndLoss.popFirst()
		}
		s.sendPacket(&dataPacket{
			seqNum:        e.seq,
			position:      e.position,
			inOrder:       e.inOrder,
			keyIndex:      e.keyIndex,
			retransmitted: e.transmissions > 0,
			msgNum:        e.msgNum,
			timestamp:     e.origTS,
			destSockID:    s.remoteID,
			payload:       e.payload,
		}, now)
		s.cc.sent(now)
		e.transmissions++
		e.lastSent = now
		s.stats.transmitted(headerSize+len(e.payload), retransmit)
		if !retransmit {
			s.sndNextSend = s.sndNextSend.next()
		}
	}
}

// processPacket dispatches one decoded packet addressed to this socket. It
// is the single entry point for all inbound traffic after handshake routing.
func (s *Socket) processPacket(p packet, now time.Duration) {
	s.lastGotPacket = now
	switch pkt := p.(type) {
	case *handshakePacket:
		s.handleHandshake(pkt, now)
	case *dataPacket:
		if s.state != csConnected {
			return
		}
		s.stats.received(headerSize + len(pkt.payload))
		s.handleData(pkt, now)
	case *ackPacket:
		if s.state != csConnected {
			return
		}
		s.stats.PktRecvACK++
		s.handleAck(pkt, now)
	case *nakPacket:
		if s.state != csConnected {
			return
		}
		s.stats.PktRecvNAK++
		s.handleNak(pkt, now)
	case *ackAckPacket:
		s.handleAckAck(pkt, now)
	case *keepAlivePacket:
		// nothing to do beyond noting the peer is alive
	case *shutdownPacket:
		s.logger.V(1).Info("peer shut down the connection")
		s.callbackTable.OnState(s.userdata, StateEOF)
		s.destroy()
	case *dropReqPacket:
		s.handleDropReq(pkt, now)
	case *kmPacket:
		s.handleKM(pkt, now)
	}
}

func (s *Socket) handleData(p *dataPacket, now time.Duration) {
	s.rate.onData(now, p.seqNum, p.encodedSize()+getUDPOverhead(s.addr))

	if p.keyIndex != keyNone {
		if s.crypto == nil {
			s.stats.PktRcvDrop++
			return
		}
		if err := s.crypto.decrypt(p.keyIndex, p.seqNum, p.payload); err != nil {
			s.logger.V(1).Info("dropping undecryptable packet", "seq", p.seqNum, "err", err.Error())
			s.stats.PktRcvDrop++
			return
		}
	}

	if seqLess(s.rcvCurrSeq, p.seqNum) {
		expected := s.rcvCurrSeq.next()
		if p.seqNum != expected {
			gap := lossRange{start: expected, end: p.seqNum.prev()}
			s.rcvLoss.insert(gap.start, gap.end)
			s.sendNak([]lossRange{gap}, now)
		}
		s.rcvCurrSeq = p.seqNum
	} else {
		// a retransmission filling a hole, or a duplicate
		s.rcvLoss.remove(p.seqNum)
	}

	if !s.rcvbuf.add(p, now) {
		if seqLess(p.seqNum, s.rcvbuf.nextSeq) {
			s.stats.PktRcvBelated++
		}
		s.stats.PktRecvDup++
		return
	}

	s.sinceLastAck++
	if s.sinceLastAck >= lightAckThreshold {
		s.sendAck(now, true)
	}
	s.deliverReady(now)
}

func (s *Socket) handleAck(p *ackPacket, now time.Duration) {
	advance := seqDistance(s.sndLastAck, p.lastAcked)
	if advance < 0 || seqLess(s.sndSeqNum, p.lastAcked) {
		return // stale or bogus
	}
	if advance > 0 {
		for seq := s.sndLastAck; seq != p.lastAcked; seq = seq.next() {
			if e := s.sndbuf.get(seq); e != nil && e.seq == seq {
				s.sndbuf.put(seq, nil)
			}
		}
		s.sndLastAck = p.lastAcked
		if seqLess(s.sndNextSend, s.sndLastAck) {
			s.sndNextSend = s.sndLastAck
		}
		s.sndLoss.removeBefore(s.sndLastAck)
		s.lastAckProgress = now
		s.rtoBackoff = 0
		if s.sndFull {
			s.sndFull = false
			s.callbackTable.OnState(s.userdata, StateWritable)
		}
	}
	s.cc.onACK(int(advance), p)
	if !p.light {
		s.sendPacket(&ackAckPacket{controlHeader: s.controlHeaderNow(now), ackSerial: p.ackSerial}, now)
	}
	s.flushPackets(now)
}

func (s *Socket) handleNak(p *nakPacket, now time.Duration) {
	scheduled := false
	suppressWindow := time.Duration(s.cc.rtt) * time.Microsecond / 2
	for _, r := range p.ranges {
		if seqLess(r.end, r.start) {
			continue
		}
		for seq := r.start; ; seq = seq.next() {
			if e := s.sndbuf.get(seq); e != nil && e.seq == seq {
				// skip packets resent within the last half RTT; the NAK
				// probably crossed the retransmission on the wire
				if e.transmissions <= 1 || now-e.lastSent >= suppressWindow {
					s.sndLoss.insert(seq, seq)
					scheduled = true
				}
			}
			if seq == r.end {
				break
			}
		}
	}
	if scheduled {
		s.cc.onLoss()
		s.flushPackets(now)
	}
}

// nextTimeout reports when the socket next owes the application a delivery:
// the release deadline of the earliest buffered packet. ok is false when
// nothing is waiting out the latency window.
func (s *Socket) nextTimeout() (time.Duration, bool) {
	if s.state != csConnected || s.rcvbuf == nil || !s.rcvbuf.live {
		return 0, false
	}
	return s.rcvbuf.nextDeadline()
}

func (s *Socket) handleAckAck(p *ackAckPacket, now time.Duration) {
	rec := s.sentAcks[p.ackSerial&(sentAckWindow-1)]
	if rec.serial != p.ackSerial || rec.at == 0 {
		return
	}
	if seqLess(s.lastAckAck, rec.seq) {
		s.lastAckAck = rec.seq
	}
	sample := uint32((now - rec.at) / time.Microsecond)
	if sample == 0 {
		sample = 1
	}
	diff := int64(sample) - int64(s.rcvRTT)
	if diff < 0 {
		diff = -diff
	}
	if s.rcvRTT == 0 {
		s.rcvRTT = sample
		s.rcvRTTVar = sample / 2
	} else {
		s.rcvRTTVar = uint32((3*int64(s.rcvRTTVar) + diff) / 4)
		s.rcvRTT = uint32((7*int64(s.rcvRTT) + int64(sample)) / 8)
	}
}

func (s *Socket) handleDropReq(p *dropReqPacket, now time.Duration) {
	if s.state != csConnected {
		return
	}
	s.logger.V(2).Info("peer abandoned message", "msg", p.msgNum, "first", p.first, "last", p.last)
	s.rcvbuf.abandon(p.first, p.last)
	s.retireLossRange(lossRange{start: p.first, end: p.last})
	if s.partialActive && p.msgNum == s.partialMsg {
		s.partialActive = false
	}
	s.deliverReady(now)
}

func (s *Socket) handleKM(p *kmPacket, now time.Duration) {
	s.stats.PktRecvKM++
	if s.crypto == nil {
		return
	}
	switch p.subtype {
	case extCmdKMReq:
		if err := s.crypto.unmarshalKM(p.km); err != nil {
			s.logger.Error(err, "rejecting key refresh")
			return
		}
		s.sendPacket(&kmPacket{controlHeader: s.controlHeaderNow(now), subtype: extCmdKMRsp, km: p.km}, now)
		s.stats.PktSentKM++
	case extCmdKMRsp:
		if s.kmSent != nil && kmResponsesEqual(s.kmSent, p.km) {
			s.crypto.acceptRotation()
			s.kmSent = nil
			s.logger.V(1).Info("key rotation acknowledged")
		}
	}
}

// sendAck emits a cumulative acknowledgment. Full ACKs carry link
// measurements and are recorded so the returning ACKACK yields an RTT
// sample.
func (s *Socket) sendAck(now time.Duration, light bool) {
	ackSeq := s.rcvCurrSeq.next()
	if m, ok := s.rcvLoss.first(); ok {
		ackSeq = m
	}
	ackSeq = seqMax(ackSeq, s.rcvbuf.nextSeq)
	if light && ackSeq == s.lastAckedSeq {
		s.sinceLastAck = 0
		return
	}
	s.ackSerial++
	p := &ackPacket{
		controlHeader: s.controlHeaderNow(now),
		ackSerial:     s.ackSerial,
		lastAcked:     ackSeq,
		light:         light,
	}
	if !light {
		p.rtt = s.rcvRTT
		p.rttVariance = s.rcvRTTVar
		p.availBuffer = s.rcvbuf.availBufferPackets()
		p.packetRecvRate = s.rate.packetRate()
		p.linkCapacity = s.rate.capacity()
		p.recvRate = s.rate.recvRate()
		s.sentAcks[s.ackSerial&(sentAckWindow-1)] = sentAck{serial: s.ackSerial, seq: ackSeq, at: now}
	}
	s.sendPacket(p, now)
	s.stats.PktSentACK++
	s.lastAckedSeq = ackSeq
	s.sinceLastAck = 0
	if !light {
		s.lastFullAck = now
	}
}

func (s *Socket) sendNak(ranges []lossRange, now time.Duration) {
	if len(ranges) == 0 {
		return
	}
	maxRanges := s.payloadSize / 8
	if len(ranges) > maxRanges {
		ranges = ranges[:maxRanges]
	}
	s.sendPacket(&nakPacket{controlHeader: s.controlHeaderNow(now), ranges: ranges}, now)
	s.stats.PktSentNAK++
}

// nakInterval is how long the receiver waits before re-reporting losses the
// sender has not yet repaired.
func (s *Socket) nakInterval() time.Duration {
	iv := time.Duration(s.rcvRTT+4*s.rcvRTTVar) * time.Microsecond
	if iv < minNakInterval {
		iv = minNakInterval
	}
	return iv
}

// deliverReady releases everything the delivery buffer owes the application
// and reassembles messages from the released packets.
func (s *Socket) deliverReady(now time.Duration) {
	if s.rcvbuf == nil {
		return
	}
	out, skipped := s.rcvbuf.release(now)
	for _, gap := range skipped {
		s.logger.V(2).Info("skipping irrecoverable gap", "first", gap.start, "last", gap.end)
		s.retireLossRange(gap)
		// a skip tears apart any message under reassembly
		s.partialActive = false
	}
	for _, e := range out {
		s.deliverEntry(e)
	}
}

func (s *Socket) deliverEntry(e *tsbpdEntry) {
	if s.cfg.Mode == ModeFile {
		// stream transmission: no message framing
		s.callbackTable.OnMessage(s.userdata, e.payload)
		return
	}
	switch e.position {
	case positionOnly:
		s.partialActive = false
		s.callbackTable.OnMessage(s.userdata, e.payload)
	case positionFirst:
		s.partial = append(s.partial[:0], e.payload...)
		s.partialActive = true
		s.partialMsg = e.msgNum
		s.partialNext = e.seq.next()
	default:
		if !s.partialActive || e.msgNum != s.partialMsg || e.seq != s.partialNext {
			// an earlier piece of this message was dropped
			s.partialActive = false
			return
		}
		s.partial = append(s.partial, e.payload...)
		s.partialNext = e.seq.next()
		if e.position == positionLast {
			msg := make([]byte, len(s.partial))
			copy(msg, s.partial)
			s.partialActive = false
			s.callbackTable.OnMessage(s.userdata, msg)
		}
	}
}

func (s *Socket) retireLossRange(r lossRange) {
	for seq := r.start; ; seq = seq.next() {
		s.rcvLoss.remove(seq)
		if seq == r.end {
			break
		}
	}
}

// checkRetransmitTimer is the NAK-independent fallback: if the cumulative
// ACK makes no progress for a full RTO, the oldest unacknowledged packet is
// resent with exponential back-off, and in live mode eventually abandoned.
func (s *Socket) checkRetransmitTimer(now time.Duration) {
	if s.sndLastAck == s.sndNextSend {
		s.rtoBackoff = 0
		return
	}
	timeout := s.cc.rto() * time.Duration(s.rtoBackoff+1)
	if timeout > maxRTO {
		timeout = maxRTO
	}
	if now-s.lastAckProgress < timeout {
		return
	}
	e := s.sndbuf.get(s.sndLastAck)
	if e == nil || e.seq != s.sndLastAck {
		s.lastAckProgress = now
		return
	}
	if s.cfg.Mode == ModeLive && e.transmissions > s.cfg.MaxRexmitAttempts {
		s.abandonMessage(e, now)
		return
	}
	s.logger.V(1).Info("retransmission timeout", "seq", e.seq, "backoff", s.rtoBackoff)
	s.sndLoss.insert(e.seq, e.seq)
	s.rtoBackoff++
	s.cc.onTimeout()
	s.lastAckProgress = now
	s.flushPackets(now)
}

// abandonMessage gives up on the message at the head of the send window and
// tells the receiver to stop waiting for it.
func (s *Socket) abandonMessage(e *sendEntry, now time.Duration) {
	first, last := e.seq, e.seq
	for seq := e.seq.next(); seq != s.sndSeqNum; seq = seq.next() {
		ne := s.sndbuf.get(seq)
		if ne == nil || ne.seq != seq || ne.msgNum != e.msgNum {
			break
		}
		last = seq
	}
	s.logger.V(1).Info("abandoning message past retransmit budget",
		"msg", e.msgNum, "first", first, "last", last, "transmissions", e.transmissions)
	s.sendPacket(&dropReqPacket{
		controlHeader: s.controlHeaderNow(now),
		msgNum:        e.msgNum,
		first:         first,
		last:          last,
	}, now)
	for seq := first; ; seq = seq.next() {
		if ne := s.sndbuf.get(seq); ne != nil && ne.seq == seq {
			s.sndbuf.put(seq, nil)
			s.stats.PktSndDrop++
		}
		if seq == last {
			break
		}
	}
	s.sndLastAck = last.next()
	if seqLess(s.sndNextSend, s.sndLastAck) {
		s.sndNextSend = s.sndLastAck
	}
	s.sndLoss.removeBefore(s.sndLastAck)
	s.rtoBackoff = 0
	s.lastAckProgress = now
	s.flushPackets(now)
}

// checkTimeouts runs the socket's periodic work: handshake retries, delivery
// deadlines, ACK and NAK schedules, retransmission timers, key refresh, and
// connection liveness. The multiplexer calls this from its CheckTimeouts.
func (s *Socket) checkTimeouts(now time.Duration) {
	switch s.state {
	case csInduction, csConclusion, csRendezvousWave, csRendezvousConclusion:
		if now >= s.hsDeadline {
			s.logger.V(1).Info("handshake timed out", "state", s.state.String())
			s.destroyWithError(ErrHandshakeTimeout)
			return
		}
		if now >= s.hsNextResend && s.lastSentHS != nil {
			s.sendPacket(s.lastSentHS, now)
			s.hsNextResend = now + hsRetryInterval
		}
	case csConnected:
		s.deliverReady(now)

		if now-s.lastFullAck >= ackInterval {
			ackSeq := seqMax(s.rcvCurrSeq.next(), s.rcvbuf.nextSeq)
			// keep repeating the full ACK until the peer confirms one with
			// an ACKACK, in case the ACK itself was lost
			if ackSeq != s.lastAckedSeq || s.sinceLastAck > 0 || s.lastAckAck != s.lastAckedSeq {
				s.sendAck(now, false)
			} else {
				s.lastFullAck = now
			}
		}

		if !s.rcvLoss.empty() && now-s.lastNakSweep >= s.nakInterval() {
			s.sendNak(s.rcvLoss.snapshot(), now)
			s.lastNakSweep = now
		}

		s.checkRetransmitTimer(now)
		s.flushPackets(now)

		if s.crypto != nil {
			if s.kmSent == nil && s.crypto.needRefresh() {
				km, err := s.crypto.startRotation()
				if err != nil {
					s.logger.Error(err, "could not generate refreshed key material")
				} else {
					s.kmSent = km
					s.kmNextSend = now
				}
			}
			if s.kmSent != nil && now >= s.kmNextSend {
				s.sendPacket(&kmPacket{controlHeader: s.controlHeaderNow(now), subtype: extCmdKMReq, km: s.kmSent}, now)
				s.stats.PktSentKM++
				s.kmNextSend = now + kmResendInterval
			}
		}

		if now-s.lastGotPacket >= s.cfg.IdleTimeout {
			s.logger.V(1).Info("peer idle past timeout; closing")
			s.destroyWithError(ErrConnectionClosed)
			return
		}
		if now-s.lastSentPacket >= s.cfg.KeepAliveInterval {
			s.sendPacket(&keepAlivePacket{controlHeader: s.controlHeaderNow(now)}, now)
		}
	}
}

// Close shuts the connection down. A shutdown packet is sent to the peer on
// a best-effort basis; no confirmation is awaited.
func (s *Socket) Close() {
	if s.state == csConnected {
		now := s.timeNow()
		s.sendPacket(&shutdownPacket{controlHeader: s.controlHeaderNow(now)}, now)
	}
	s.destroy()
}

func (s *Socket) destroy() {
	if s.state == csDestroy {
		return
	}
	s.logger.V(2).Info("destroying socket", "prior-state", s.state.String())
	s.state = csDestroy
	s.callbackTable.OnState(s.userdata, StateDestroying)
	s.mx.removeSocket(s)
}

func (s *Socket) destroyWithError(err error) {
	if s.state == csDestroy {
		return
	}
	s.callbackTable.OnError(s.userdata, err)
	s.destroy()
}

// establish finishes connection setup once all parameters are negotiated.
func (s *Socket) establish(peerInitSeq sequenceNumber, now time.Duration) {
	live := s.cfg.Mode == ModeLive
	latency := s.effLatency
	if !live {
		latency = 0
	}
	s.rcvbuf = newTSBPDBuffer(peerInitSeq, latency, live, s.flowWindow*2)
	s.rcvCurrSeq = peerInitSeq.prev()
	s.lastAckedSeq = peerInitSeq
	s.lastAckAck = peerInitSeq
	s.cc = newCongestion(s.cfg.Mode, s.cfg.MaxBandwidth, s.flowWindow, s.payloadSize, s.effLatency)
	s.state = csConnected
	s.lastAckProgress = now
	s.lastFullAck = now
	s.lastNakSweep = now
	s.logger.V(1).Info("connection established",
		"latency", s.effLatency.String(),
		"peer-latency", s.peerLatency.String(),
		"payload-size", s.payloadSize,
		"flow-window", s.flowWindow,
		"encrypted", s.crypto != nil)
}

func rejectionError(code handshakeType) error {
	return fmt.Errorf("%w (code %d)", ErrHandshakeRejected, int32(code))
}
