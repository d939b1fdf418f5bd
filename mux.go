// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import (
	"crypto/sha1"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/go-logr/logr"

	crand "crypto/rand"
)

// cookieLifetime is the rotation period of the listener's SYN cookie
// secret epoch. A conclusion presenting a cookie from the current or the
// immediately previous epoch is accepted.
const cookieLifetime = time.Minute

// SocketMultiplexer shares one UDP socket among any number of SRT sockets,
// routing inbound datagrams by destination socket ID (or by peer address
// while a handshake is still in flight). It owns no I/O and no goroutines;
// feed it received datagrams with IsIncomingSRT and drive its timers with
// CheckTimeouts. All methods must be called from a single goroutine.
type SocketMultiplexer struct {
	logger logr.Logger

	// packetTimeFunc supplies the engine's clock. When nil, time since
	// multiplexer creation is used. Tests substitute a fake clock here.
	packetTimeFunc func() time.Duration
	startTime      time.Time

	socketMap map[uint32]*Socket // by local socket ID
	peerMap   map[string]*Socket // by remote address, for handshake routing

	listenConfig *Config
	cookieSecret [16]byte
}

// NewSocketMultiplexer creates a multiplexer. packetTimeFunc may be nil, in
// which case wall-clock time since creation is used.
func NewSocketMultiplexer(logger logr.Logger, packetTimeFunc func() time.Duration) *SocketMultiplexer {
	mx := &SocketMultiplexer{
		logger:         logger,
		packetTimeFunc: packetTimeFunc,
		startTime:      time.Now(),
		socketMap:      make(map[uint32]*Socket),
		peerMap:        make(map[string]*Socket),
	}
	if _, err := io.ReadFull(crand.Reader, mx.cookieSecret[:]); err != nil {
		panic(err)
	}
	return mx
}

func (mx *SocketMultiplexer) timeNow() time.Duration {
	if mx.packetTimeFunc != nil {
		return mx.packetTimeFunc()
	}
	return time.Since(mx.startTime)
}

// SetListenConfig sets the configuration applied to incoming connections.
// Without it, incoming connections use DefaultConfig.
func (mx *SocketMultiplexer) SetListenConfig(cfg *Config) {
	mx.listenConfig = cfg
}

// Create makes a new outgoing Socket bound to the given remote address.
// Register callbacks with SetCallbacks and then call Connect (or
// ConnectRendezvous) to initiate the connection.
func (mx *SocketMultiplexer) Create(sendToCB PacketSendCallback, sendToUserdata interface{}, addr *net.UDPAddr, cfg *Config) (*Socket, error) {
	s, err := newSocket(mx, sendToCB, sendToUserdata, addr, cfg, mx.assignSocketID())
	if err != nil {
		return nil, err
	}
	mx.registerSocket(s)
	return s, nil
}

func (mx *SocketMultiplexer) assignSocketID() uint32 {
	for {
		id := randomUint32()
		if id == 0 {
			continue
		}
		if _, taken := mx.socketMap[id]; !taken {
			return id
		}
	}
}

func (mx *SocketMultiplexer) registerSocket(s *Socket) {
	mx.socketMap[s.sockID] = s
	mx.peerMap[s.addr.String()] = s
}

func (mx *SocketMultiplexer) removeSocket(s *Socket) {
	delete(mx.socketMap, s.sockID)
	if mx.peerMap[s.addr.String()] == s {
		delete(mx.peerMap, s.addr.String())
	}
}

// IsIncomingSRT processes one received datagram. It returns true if the
// datagram was consumed as SRT traffic, and false if it was not recognized
// (so the application may hand it to some other protocol sharing the port).
//
// incomingCB may be nil, in which case connection attempts from unknown
// peers are ignored rather than accepted.
func (mx *SocketMultiplexer) IsIncomingSRT(incomingCB GotIncomingConnection, sendToCB PacketSendCallback, sendToUserdata interface{}, data []byte, fromAddr *net.UDPAddr) bool {
	p, err := decodePacket(data)
	if err != nil {
		mx.logger.V(2).Info("dropping unrecognized datagram", "len", len(data), "from", fromAddr.String(), "err", err.Error())
		return false
	}
	now := mx.timeNow()

	if destID := p.destinationID(); destID != 0 {
		s, ok := mx.socketMap[destID]
		if !ok {
			mx.logger.V(2).Info("datagram for unknown socket", "dest-id", destID, "from", fromAddr.String())
			return false
		}
		s.processPacket(p, now)
		return true
	}

	// destination 0: handshake traffic, routed by peer address
	hp, ok := p.(*handshakePacket)
	if !ok {
		return false
	}
	if s, ok := mx.peerMap[fromAddr.String()]; ok {
		s.processPacket(hp, now)
		return true
	}
	if incomingCB == nil {
		return false
	}

	switch hp.hsType {
	case hsTypeInduction:
		mx.sendInductionResponse(hp, sendToCB, sendToUserdata, fromAddr, now)
		return true
	case hsTypeConclusion:
		mx.acceptConclusion(hp, incomingCB, sendToCB, sendToUserdata, fromAddr, now)
		return true
	}
	return false
}

// sendInductionResponse answers an induction statelessly: no socket exists
// until the caller returns with a valid cookie, so a flood of inductions
// costs the listener nothing but replies.
func (mx *SocketMultiplexer) sendInductionResponse(hp *handshakePacket, sendToCB PacketSendCallback, sendToUserdata interface{}, fromAddr *net.UDPAddr, now time.Duration) {
	cfg := mx.listenConfig.clone()
	rsp := &handshakePacket{
		controlHeader: controlHeader{destSockID: hp.sockID},
		version:       hsVersionSRT,
		extField:      srtMagicCode,
		initSeqNum:    hp.initSeqNum,
		mtu:           uint32(cfg.MTU),
		flowWindow:    uint32(cfg.FlowWindow),
		hsType:        hsTypeInduction,
		synCookie:     mx.synCookie(fromAddr, now, 0),
	}
	if cfg.Passphrase != "" {
		switch cfg.KeyLen {
		case 24:
			rsp.encField = encFieldAES192
		case 32:
			rsp.encField = encFieldAES256
		default:
			rsp.encField = encFieldAES128
		}
	}
	rsp.setPeerIP(fromAddr)
	buf := make([]byte, rsp.encodedSize())
	if err := rsp.encodeTo(buf); err != nil {
		mx.logger.Error(err, "could not encode induction response")
		return
	}
	sendToCB(sendToUserdata, buf, fromAddr)
}

// acceptConclusion validates a caller's conclusion against the SYN cookie,
// creates the accepted socket, and completes the handshake.
func (mx *SocketMultiplexer) acceptConclusion(hp *handshakePacket, incomingCB GotIncomingConnection, sendToCB PacketSendCallback, sendToUserdata interface{}, fromAddr *net.UDPAddr, now time.Duration) {
	if hp.synCookie != mx.synCookie(fromAddr, now, 0) && hp.synCookie != mx.synCookie(fromAddr, now, -1) {
		mx.logger.V(1).Info("conclusion with stale or forged cookie", "from", fromAddr.String())
		return
	}
	s, err := newSocket(mx, sendToCB, sendToUserdata, fromAddr, mx.listenConfig, mx.assignSocketID())
	if err != nil {
		mx.logger.Error(err, "could not accept connection", "from", fromAddr.String())
		return
	}
	if rej := s.applyConclusionRequest(hp); rej != 0 {
		mx.logger.V(1).Info("rejecting incoming connection", "from", fromAddr.String(), "code", int32(rej))
		s.sendRejection(rej, now)
		return
	}
	mx.registerSocket(s)
	rsp := s.conclusionResponse()
	s.lastSentHS = rsp
	s.sendPacket(rsp, now)
	s.establish(hp.initSeqNum, now)
	incomingCB(sendToUserdata, s)
	s.callbackTable.OnState(s.userdata, StateConnect)
}

// synCookie derives the stateless handshake cookie for a peer address.
// epochOffset selects the current (0) or previous (-1) rotation epoch.
func (mx *SocketMultiplexer) synCookie(addr *net.UDPAddr, now time.Duration, epochOffset int64) uint32 {
	epoch := int64(now/cookieLifetime) + epochOffset
	h := sha1.New()
	h.Write(mx.cookieSecret[:])
	h.Write(addr.IP)
	var scratch [10]byte
	binary.BigEndian.PutUint16(scratch[0:2], uint16(addr.Port))
	binary.BigEndian.PutUint64(scratch[2:10], uint64(epoch))
	h.Write(scratch[:])
	return binary.BigEndian.Uint32(h.Sum(nil)[:4])
}

// NextTimeout reports the interval until the earliest delivery deadline
// across all sockets, so the embedding loop can shorten its next sleep
// instead of holding a ready packet for a full poll period. ok is false when
// no delivery is pending.
func (mx *SocketMultiplexer) NextTimeout() (wait time.Duration, ok bool) {
	now := mx.timeNow()
	for _, s := range mx.socketMap {
		deadline, pending := s.nextTimeout()
		if !pending {
			continue
		}
		w := deadline - now
		if w < 0 {
			w = 0
		}
		if !ok || w < wait {
			wait = w
			ok = true
		}
	}
	return wait, ok
}

// CheckTimeouts gives every socket a chance to run its timers: handshake
// retries, delivery deadlines, ACK/NAK schedules, retransmission timeouts,
// keep-alives. Call it at least every few milliseconds for live-mode
// latency targets to hold.
func (mx *SocketMultiplexer) CheckTimeouts() {
	now := mx.timeNow()
	// sockets can destroy themselves during the sweep
	sockets := make([]*Socket, 0, len(mx.socketMap))
	for _, s := range mx.socketMap {
		sockets = append(sockets, s)
	}
	for _, s := range sockets {
		s.checkTimeouts(now)
	}
}
