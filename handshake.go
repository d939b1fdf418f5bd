// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import (
	"fmt"
	"time"
)

// The connection setup runs in two phases. A caller first sends an induction
// (version 4, for compatibility with plain UDT listeners) and receives a SYN
// cookie; it then sends a conclusion carrying the cookie and the capability
// extensions, and the listener's conclusion response settles every
// negotiated parameter. Rendezvous peers both send waveahand packets, settle
// initiator and responder roles with a cookie comparison, and then run the
// same conclusion exchange between themselves.

func (s *Socket) srtFlags() uint32 {
	flags := uint32(srtFlagTSBPDSnd | srtFlagTSBPDRcv | srtFlagTLPktDrop | srtFlagNAKReport | srtFlagRexmit)
	if s.crypto != nil {
		flags |= srtFlagCrypt
	}
	if s.cfg.Mode == ModeFile {
		flags |= srtFlagStream
	}
	return flags
}

func (s *Socket) encField() uint16 {
	if s.crypto == nil {
		return encFieldNone
	}
	return s.crypto.encFieldValue()
}

func latencyMillis(d time.Duration) uint16 {
	ms := d / time.Millisecond
	if ms > 0xFFFF {
		ms = 0xFFFF
	}
	return uint16(ms)
}

// Connect initiates the outgoing connection to the address given at socket
// creation. The connection is not established until the
// OnStateChangeCallback reports StateConnect; failure is reported through
// the OnErrorCallback.
//
// Connect should only be called on sockets made with Create(); sockets
// received through GotIncomingConnection callbacks are already connected.
func (s *Socket) Connect() {
	now := s.timeNow()
	s.state = csInduction
	s.hsDeadline = now + s.cfg.ConnectTimeout
	s.lastSentHS = &handshakePacket{
		version:    hsVersionUDT,
		extField:   2, // legacy UDT "DGRAM" socket type
		initSeqNum: s.initSeqNum,
		mtu:        uint32(s.mtu),
		flowWindow: uint32(s.flowWindow),
		hsType:     hsTypeInduction,
		sockID:     s.sockID,
	}
	s.lastSentHS.setPeerIP(s.addr)
	s.logger.V(1).Info("starting connection", "init-seq", s.initSeqNum)
	s.sendPacket(s.lastSentHS, now)
	s.hsNextResend = now + hsRetryInterval
}

// ConnectRendezvous initiates a rendezvous connection: both peers call this
// against each other's address, and whichever draws the larger cookie drives
// the conclusion exchange.
func (s *Socket) ConnectRendezvous() {
	now := s.timeNow()
	s.rendezvous = true
	s.state = csRendezvousWave
	s.hsCookie = randomUint32()
	s.hsDeadline = now + s.cfg.ConnectTimeout
	s.lastSentHS = &handshakePacket{
		version:    hsVersionSRT,
		extField:   srtMagicCode,
		initSeqNum: s.initSeqNum,
		mtu:        uint32(s.mtu),
		flowWindow: uint32(s.flowWindow),
		hsType:     hsTypeWaveahand,
		sockID:     s.sockID,
		synCookie:  s.hsCookie,
	}
	s.lastSentHS.setPeerIP(s.addr)
	s.logger.V(1).Info("starting rendezvous", "cookie", s.hsCookie)
	s.sendPacket(s.lastSentHS, now)
	s.hsNextResend = now + hsRetryInterval
}

// conclusionRequest builds the conclusion handshake carrying our capability
// extensions. cookie is the listener's SYN cookie (zero for rendezvous).
func (s *Socket) conclusionRequest(cookie uint32) (*handshakePacket, error) {
	params := &srtParams{
		srtVersion: currentSRTVersion,
		flags:      s.srtFlags(),
		rcvLatency: latencyMillis(s.cfg.Latency),
		sndLatency: latencyMillis(s.cfg.PeerLatency),
	}
	hp := &handshakePacket{
		version:    hsVersionSRT,
		encField:   s.encField(),
		extField:   hsExtFieldHSReq,
		initSeqNum: s.initSeqNum,
		mtu:        uint32(s.mtu),
		flowWindow: uint32(s.flowWindow),
		hsType:     hsTypeConclusion,
		sockID:     s.sockID,
		synCookie:  cookie,
		extensions: []hsExtension{{cmd: extCmdHSReq, contents: params.marshal()}},
	}
	hp.setPeerIP(s.addr)
	if s.crypto != nil {
		km, err := s.crypto.marshalKM(s.crypto.active)
		if err != nil {
			return nil, err
		}
		s.hsKM = km
		hp.extField |= hsExtFieldKMReq
		hp.extensions = append(hp.extensions, hsExtension{cmd: extCmdKMReq, contents: km})
	}
	if s.cfg.StreamID != "" {
		hp.extField |= hsExtFieldConfig
		hp.extensions = append(hp.extensions, hsExtension{cmd: extCmdSID, contents: encodeStreamID(s.cfg.StreamID)})
	}
	return hp, nil
}

// handleHandshake drives the connection state machine for every handshake
// packet routed to this socket.
func (s *Socket) handleHandshake(hp *handshakePacket, now time.Duration) {
	if hp.hsType.isRejection() {
		if s.state != csConnected && s.state != csDestroy {
			s.logger.V(1).Info("handshake rejected by peer", "code", int32(hp.hsType))
			s.destroyWithError(rejectionError(hp.hsType))
		}
		return
	}

	switch s.state {
	case csInduction:
		if hp.hsType != hsTypeInduction {
			return
		}
		if hp.version != hsVersionSRT || hp.extField != srtMagicCode {
			s.logger.V(1).Info("peer does not speak SRT", "version", hp.version)
			s.destroyWithError(rejectionError(hsRejVersion))
			return
		}
		s.peerCookie = hp.synCookie
		req, err := s.conclusionRequest(s.peerCookie)
		if err != nil {
			s.destroyWithError(err)
			return
		}
		s.lastSentHS = req
		s.state = csConclusion
		s.logger.V(2).Info("induction complete; sending conclusion")
		s.sendPacket(req, now)
		s.hsNextResend = now + hsRetryInterval

	case csConclusion:
		if hp.hsType != hsTypeConclusion {
			return
		}
		s.finishAsInitiator(hp, now)

	case csRendezvousWave:
		switch hp.hsType {
		case hsTypeWaveahand:
			if hp.synCookie == s.hsCookie {
				// both sides drew the same cookie; no way to break the tie
				s.destroyWithError(rejectionError(hsRejPeer))
				return
			}
			if wrappingCompareLess(hp.synCookie, s.hsCookie) {
				// our cookie wins; we drive the conclusion exchange
				req, err := s.conclusionRequest(0)
				if err != nil {
					s.destroyWithError(err)
					return
				}
				s.lastSentHS = req
				s.state = csRendezvousConclusion
				s.logger.V(2).Info("rendezvous initiator role", "cookie", s.hsCookie, "peer-cookie", hp.synCookie)
				s.sendPacket(req, now)
				s.hsNextResend = now + hsRetryInterval
			}
			// otherwise stay put; the peer will send the conclusion
		case hsTypeConclusion:
			// peer won the contest (or we never saw its waveahand)
			s.finishAsResponder(hp, now)
		}

	case csRendezvousConclusion:
		if hp.hsType != hsTypeConclusion {
			return
		}
		if _, ok := hp.extension(extCmdHSRsp); !ok {
			// a crossed conclusion request, not our response; ignore and let
			// the retry timer re-send ours
			return
		}
		if !s.finishAsInitiator(hp, now) {
			return
		}
		agreement := &handshakePacket{
			controlHeader: s.controlHeaderNow(now),
			version:       hsVersionSRT,
			initSeqNum:    s.initSeqNum,
			hsType:        hsTypeAgreement,
			sockID:        s.sockID,
		}
		agreement.setPeerIP(s.addr)
		s.sendPacket(agreement, now)

	case csConnected:
		// our conclusion response or agreement was lost; repeat it
		if hp.hsType == hsTypeConclusion && s.lastSentHS != nil {
			s.sendPacket(s.lastSentHS, now)
		}
	}
}

// finishAsInitiator processes the responder's conclusion (carrying HSRSP)
// and completes the connection. Returns false if the handshake failed.
func (s *Socket) finishAsInitiator(hp *handshakePacket, now time.Duration) bool {
	if hp.version != hsVersionSRT {
		s.destroyWithError(rejectionError(hsRejVersion))
		return false
	}
	contents, ok := hp.extension(extCmdHSRsp)
	if !ok {
		return false
	}
	rsp, err := unmarshalSRTParams(contents)
	if err != nil {
		s.destroyWithError(fmt.Errorf("%w: bad handshake response", ErrHandshakeRejected))
		return false
	}
	if (rsp.flags&srtFlagStream != 0) != (s.cfg.Mode == ModeFile) {
		s.destroyWithError(rejectionError(hsRejBadMode))
		return false
	}
	// the responder reports already-negotiated values: its sndLatency field
	// is the latency for our receiving direction
	s.effLatency = maxDuration(s.cfg.Latency, time.Duration(rsp.sndLatency)*time.Millisecond)
	s.peerLatency = time.Duration(rsp.rcvLatency) * time.Millisecond

	if s.crypto != nil {
		echo, ok := hp.extension(extCmdKMRsp)
		if !ok || !kmResponsesEqual(s.hsKM, echo) {
			s.destroyWithError(ErrCryptoNegotiation)
			return false
		}
	}

	s.remoteID = hp.sockID
	s.mtu = minInt(s.mtu, int(hp.mtu))
	s.payloadSize = s.mtu - getUDPOverhead(s.addr) - headerSize
	s.flowWindow = minInt(s.flowWindow, int(hp.flowWindow))
	s.establish(hp.initSeqNum, now)
	s.callbackTable.OnState(s.userdata, StateConnect)
	return true
}

// finishAsResponder processes an initiator's conclusion request, negotiates
// every parameter, and replies with the conclusion response. Used by the
// rendezvous loser; the listener path goes through acceptConclusion, which
// shares the same negotiation.
func (s *Socket) finishAsResponder(hp *handshakePacket, now time.Duration) {
	if rej := s.applyConclusionRequest(hp); rej != 0 {
		s.sendRejection(rej, now)
		s.destroyWithError(rejectionError(rej))
		return
	}
	rsp := s.conclusionResponse()
	s.lastSentHS = rsp
	s.sendPacket(rsp, now)
	s.establish(hp.initSeqNum, now)
	s.callbackTable.OnState(s.userdata, StateConnect)
}

// applyConclusionRequest validates an initiator's conclusion and adopts the
// negotiated parameters. It returns a rejection code, or zero on success.
func (s *Socket) applyConclusionRequest(hp *handshakePacket) handshakeType {
	if hp.version != hsVersionSRT {
		return hsRejVersion
	}
	contents, ok := hp.extension(extCmdHSReq)
	if !ok {
		return hsRejPeer
	}
	req, err := unmarshalSRTParams(contents)
	if err != nil {
		return hsRejPeer
	}
	if (req.flags&srtFlagStream != 0) != (s.cfg.Mode == ModeFile) {
		return hsRejBadMode
	}
	// each side's receive latency is the larger of its own configuration and
	// what the peer proposes for that direction
	s.effLatency = maxDuration(s.cfg.Latency, time.Duration(req.sndLatency)*time.Millisecond)
	s.peerLatency = maxDuration(s.cfg.PeerLatency, time.Duration(req.rcvLatency)*time.Millisecond)

	km, hasKM := hp.extension(extCmdKMReq)
	switch {
	case hasKM && s.cfg.Passphrase == "":
		return hsRejCrypto
	case !hasKM && s.cfg.Passphrase != "":
		return hsRejCrypto
	case hasKM:
		crypto := newResponderCryptoContext(s.cfg.Passphrase)
		if err := crypto.unmarshalKM(km); err != nil {
			s.logger.V(1).Info("peer key material unusable", "err", err.Error())
			return hsRejCrypto
		}
		s.crypto = crypto
		// the extension contents alias the datagram buffer; the echo has to
		// outlive it for conclusion-response retransmissions
		s.kmEcho = append([]byte(nil), km...)
	}

	if sid, ok := hp.extension(extCmdSID); ok {
		s.streamID = decodeStreamID(sid)
	}

	s.remoteID = hp.sockID
	s.mtu = minInt(s.mtu, int(hp.mtu))
	s.payloadSize = s.mtu - getUDPOverhead(s.addr) - headerSize
	s.flowWindow = minInt(s.flowWindow, int(hp.flowWindow))
	return 0
}

// conclusionResponse builds the responder's conclusion, reporting the
// negotiated values back to the initiator.
func (s *Socket) conclusionResponse() *handshakePacket {
	params := &srtParams{
		srtVersion: currentSRTVersion,
		flags:      s.srtFlags(),
		// report agreed values: rcvLatency is our receiving direction,
		// sndLatency the latency the initiator receives with
		rcvLatency: latencyMillis(s.effLatency),
		sndLatency: latencyMillis(s.peerLatency),
	}
	hp := &handshakePacket{
		controlHeader: controlHeader{destSockID: s.remoteID},
		version:       hsVersionSRT,
		encField:      s.encField(),
		extField:      hsExtFieldHSReq,
		initSeqNum:    s.initSeqNum,
		mtu:           uint32(s.mtu),
		flowWindow:    uint32(s.flowWindow),
		hsType:        hsTypeConclusion,
		sockID:        s.sockID,
		extensions:    []hsExtension{{cmd: extCmdHSRsp, contents: params.marshal()}},
	}
	hp.setPeerIP(s.addr)
	if s.kmEcho != nil {
		hp.extField |= hsExtFieldKMReq
		hp.extensions = append(hp.extensions, hsExtension{cmd: extCmdKMRsp, contents: s.kmEcho})
	}
	return hp
}

func (s *Socket) sendRejection(code handshakeType, now time.Duration) {
	hp := &handshakePacket{
		controlHeader: s.controlHeaderNow(now),
		version:       hsVersionSRT,
		hsType:        code,
		sockID:        s.sockID,
	}
	hp.setPeerIP(s.addr)
	s.sendPacket(hp, now)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
