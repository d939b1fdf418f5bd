// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Every SRT packet starts with a 16-byte header. Bit 0 of the first header
// word distinguishes control packets (1) from data packets (0). All fields
// are big-endian on the wire.
const headerSize = 16

type controlType uint16

const (
	ctHandshake   controlType = 0x0
	ctKeepAlive   controlType = 0x1
	ctAck         controlType = 0x2
	ctNak         controlType = 0x3
	ctCongestion  controlType = 0x4
	ctShutdown    controlType = 0x5
	ctAckAck      controlType = 0x6
	ctDropReq     controlType = 0x7
	ctPeerError   controlType = 0x8
	ctUserDefined controlType = 0x7FFF
)

var controlTypeNames = map[controlType]string{
	ctHandshake:   "handshake",
	ctKeepAlive:   "keepalive",
	ctAck:         "ack",
	ctNak:         "nak",
	ctCongestion:  "congestion-warning",
	ctShutdown:    "shutdown",
	ctAckAck:      "ackack",
	ctDropReq:     "dropreq",
	ctPeerError:   "peererror",
	ctUserDefined: "ext",
}

func (ct controlType) String() string {
	if name, ok := controlTypeNames[ct]; ok {
		return name
	}
	return fmt.Sprintf("control-0x%x", uint16(ct))
}

// SRT extension commands, used both as handshake extension block types and as
// the subtype of user-defined control packets (key material refresh).
const (
	extCmdHSReq uint16 = 1
	extCmdHSRsp uint16 = 2
	extCmdKMReq uint16 = 3
	extCmdKMRsp uint16 = 4
	extCmdSID   uint16 = 5
)

// packetPosition is the PP field of a data packet: where the packet falls
// within its message.
type packetPosition byte

const (
	positionMiddle packetPosition = 0x0 // 00
	positionLast   packetPosition = 0x1 // 01
	positionFirst  packetPosition = 0x2 // 10
	positionOnly   packetPosition = 0x3 // 11
)

// key index values for the KK field of a data packet
const (
	keyNone byte = 0
	keyEven byte = 1
	keyOdd  byte = 2
)

// packet is the closed set of decoded SRT packets. decodePacket produces
// exactly one of *dataPacket, *handshakePacket, *ackPacket, *ackAckPacket,
// *nakPacket, *keepAlivePacket, *shutdownPacket, *dropReqPacket, *kmPacket.
type packet interface {
	encodedSize() int
	encodeTo(b []byte) error
	destinationID() uint32
}

// dataPacket is a packet carrying application payload.
//
//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|0|                   Packet Sequence Number                    |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|P P|O|K K|R|                 Message Number                    |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                           Timestamp                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                     Destination Socket ID                     |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type dataPacket struct {
	seqNum        sequenceNumber
	position      packetPosition
	inOrder       bool
	keyIndex      byte
	retransmitted bool
	msgNum        messageNumber
	timestamp     uint32
	destSockID    uint32
	payload       []byte
}

func (p *dataPacket) destinationID() uint32 { return p.destSockID }

func (p *dataPacket) encodedSize() int { return headerSize + len(p.payload) }

func (p *dataPacket) encodeTo(b []byte) error {
	if len(b) < p.encodedSize() {
		return errMalformedPacket
	}
	// this is finicky, but binary.Write is just too slow for this
	// fast-path code.
	binary.BigEndian.PutUint32(b[0:4], uint32(p.seqNum)&seqMask)
	second := uint32(p.msgNum) & msgMask
	second |= uint32(p.position) << 30
	if p.inOrder {
		second |= 1 << 29
	}
	second |= uint32(p.keyIndex&0x3) << 27
	if p.retransmitted {
		second |= 1 << 26
	}
	binary.BigEndian.PutUint32(b[4:8], second)
	binary.BigEndian.PutUint32(b[8:12], p.timestamp)
	binary.BigEndian.PutUint32(b[12:16], p.destSockID)
	copy(b[headerSize:], p.payload)
	return nil
}

// controlHeader carries the fields common to every control packet.
type controlHeader struct {
	timestamp  uint32
	destSockID uint32
}

func (h *controlHeader) destinationID() uint32 { return h.destSockID }

// encodeControlHeader writes the 16-byte control header. info is the
// type-specific "additional info" word; subtype is zero except for
// user-defined packets.
func encodeControlHeader(b []byte, typ controlType, subtype uint16, info uint32, h *controlHeader) {
	binary.BigEndian.PutUint16(b[0:2], uint16(typ)|0x8000)
	binary.BigEndian.PutUint16(b[2:4], subtype)
	binary.BigEndian.PutUint32(b[4:8], info)
	binary.BigEndian.PutUint32(b[8:12], h.timestamp)
	binary.BigEndian.PutUint32(b[12:16], h.destSockID)
}

type keepAlivePacket struct {
	controlHeader
}

func (p *keepAlivePacket) encodedSize() int { return headerSize }

func (p *keepAlivePacket) encodeTo(b []byte) error {
	if len(b) < headerSize {
		return errMalformedPacket
	}
	encodeControlHeader(b, ctKeepAlive, 0, 0, &p.controlHeader)
	return nil
}

type shutdownPacket struct {
	controlHeader
}

func (p *shutdownPacket) encodedSize() int { return headerSize }

func (p *shutdownPacket) encodeTo(b []byte) error {
	if len(b) < headerSize {
		return errMalformedPacket
	}
	encodeControlHeader(b, ctShutdown, 0, 0, &p.controlHeader)
	return nil
}

// ackPacket acknowledges receipt of all data packets preceding lastAcked,
// and reports the receiver's link measurements. A light ACK carries only the
// sequence number; a full ACK carries the whole control information field.
// The ACK serial number goes in the additional-info word and is echoed back
// in an ackAckPacket so the sender can measure RTT.
type ackPacket struct {
	controlHeader
	ackSerial uint32
	lastAcked sequenceNumber

	light bool

	rtt            uint32 // microseconds
	rttVariance    uint32 // microseconds
	availBuffer    uint32 // packets
	packetRecvRate uint32 // packets per second
	linkCapacity   uint32 // packets per second
	recvRate       uint32 // bytes per second
}

const (
	ackCIFSizeLight = 4
	ackCIFSizeFull  = 28
)

func (p *ackPacket) encodedSize() int {
	if p.light {
		return headerSize + ackCIFSizeLight
	}
	return headerSize + ackCIFSizeFull
}

func (p *ackPacket) encodeTo(b []byte) error {
	if len(b) < p.encodedSize() {
		return errMalformedPacket
	}
	encodeControlHeader(b, ctAck, 0, p.ackSerial, &p.controlHeader)
	binary.BigEndian.PutUint32(b[16:20], uint32(p.lastAcked)&seqMask)
	if p.light {
		return nil
	}
	binary.BigEndian.PutUint32(b[20:24], p.rtt)
	binary.BigEndian.PutUint32(b[24:28], p.rttVariance)
	binary.BigEndian.PutUint32(b[28:32], p.availBuffer)
	binary.BigEndian.PutUint32(b[32:36], p.packetRecvRate)
	binary.BigEndian.PutUint32(b[36:40], p.linkCapacity)
	binary.BigEndian.PutUint32(b[40:44], p.recvRate)
	return nil
}

// ackAckPacket echoes the serial number of a full ACK back to the receiver.
type ackAckPacket struct {
	controlHeader
	ackSerial uint32
}

func (p *ackAckPacket) encodedSize() int { return headerSize }

func (p *ackAckPacket) encodeTo(b []byte) error {
	if len(b) < headerSize {
		return errMalformedPacket
	}
	encodeControlHeader(b, ctAckAck, 0, p.ackSerial, &p.controlHeader)
	return nil
}

// nakPacket reports missing sequence ranges. On the wire each single lost
// sequence number is one word; a range is two words, the first with the top
// bit set.
type nakPacket struct {
	controlHeader
	ranges []lossRange
}

func (p *nakPacket) encodedSize() int {
	n := 0
	for _, r := range p.ranges {
		if r.start == r.end {
			n++
		} else {
			n += 2
		}
	}
	return headerSize + n*4
}

func (p *nakPacket) encodeTo(b []byte) error {
	if len(b) < p.encodedSize() {
		return errMalformedPacket
	}
	encodeControlHeader(b, ctNak, 0, 0, &p.controlHeader)
	off := headerSize
	for _, r := range p.ranges {
		if r.start == r.end {
			binary.BigEndian.PutUint32(b[off:off+4], uint32(r.start)&seqMask)
			off += 4
			continue
		}
		binary.BigEndian.PutUint32(b[off:off+4], uint32(r.start)&seqMask|1<<31)
		binary.BigEndian.PutUint32(b[off+4:off+8], uint32(r.end)&seqMask)
		off += 8
	}
	return nil
}

func decodeNakRanges(cif []byte) ([]lossRange, error) {
	if len(cif)%4 != 0 {
		return nil, errMalformedPacket
	}
	var ranges []lossRange
	for off := 0; off < len(cif); off += 4 {
		w := binary.BigEndian.Uint32(cif[off : off+4])
		if w&1<<31 == 0 {
			seq := sequenceNumber(w)
			ranges = append(ranges, lossRange{start: seq, end: seq})
			continue
		}
		if off+8 > len(cif) {
			return nil, errMalformedPacket
		}
		end := binary.BigEndian.Uint32(cif[off+4 : off+8])
		if end&1<<31 != 0 {
			return nil, errMalformedPacket
		}
		ranges = append(ranges, lossRange{
			start: sequenceNumber(w & seqMask),
			end:   sequenceNumber(end),
		})
		off += 4
	}
	return ranges, nil
}

// dropReqPacket tells the receiver to give up on a message whose
// retransmission budget is exhausted: all packets in [first, last] will
// never be retransmitted again.
type dropReqPacket struct {
	controlHeader
	msgNum messageNumber
	first  sequenceNumber
	last   sequenceNumber
}

func (p *dropReqPacket) encodedSize() int { return headerSize + 8 }

func (p *dropReqPacket) encodeTo(b []byte) error {
	if len(b) < p.encodedSize() {
		return errMalformedPacket
	}
	encodeControlHeader(b, ctDropReq, 0, uint32(p.msgNum)&msgMask, &p.controlHeader)
	binary.BigEndian.PutUint32(b[16:20], uint32(p.first)&seqMask)
	binary.BigEndian.PutUint32(b[20:24], uint32(p.last)&seqMask)
	return nil
}

// kmPacket is a standalone key material message (user-defined control type
// with a KMREQ or KMRSP subtype), used to rotate keys on a live connection.
// The key material itself is opaque at this layer; crypto.go owns its layout.
type kmPacket struct {
	controlHeader
	subtype uint16 // extCmdKMReq or extCmdKMRsp
	km      []byte
}

func (p *kmPacket) encodedSize() int { return headerSize + len(p.km) }

func (p *kmPacket) encodeTo(b []byte) error {
	if len(b) < p.encodedSize() {
		return errMalformedPacket
	}
	encodeControlHeader(b, ctUserDefined, p.subtype, 0, &p.controlHeader)
	copy(b[headerSize:], p.km)
	return nil
}

// decodePacket decodes one datagram into a strongly-typed packet value. The
// payload slices of the returned packet alias b; callers that retain the
// packet past the life of the datagram buffer must copy.
func decodePacket(b []byte) (packet, error) {
	if len(b) < headerSize {
		return nil, errMalformedPacket
	}
	if b[0]&0x80 == 0 {
		second := binary.BigEndian.Uint32(b[4:8])
		return &dataPacket{
			seqNum:        sequenceNumber(binary.BigEndian.Uint32(b[0:4])),
			position:      packetPosition(second >> 30),
			inOrder:       second&(1<<29) != 0,
			keyIndex:      byte(second >> 27 & 0x3),
			retransmitted: second&(1<<26) != 0,
			msgNum:        messageNumber(second & msgMask),
			timestamp:     binary.BigEndian.Uint32(b[8:12]),
			destSockID:    binary.BigEndian.Uint32(b[12:16]),
			payload:       b[headerSize:],
		}, nil
	}

	typ := controlType(binary.BigEndian.Uint16(b[0:2]) &^ 0x8000)
	subtype := binary.BigEndian.Uint16(b[2:4])
	info := binary.BigEndian.Uint32(b[4:8])
	hdr := controlHeader{
		timestamp:  binary.BigEndian.Uint32(b[8:12]),
		destSockID: binary.BigEndian.Uint32(b[12:16]),
	}
	cif := b[headerSize:]

	switch typ {
	case ctHandshake:
		return decodeHandshake(hdr, cif)
	case ctKeepAlive:
		return &keepAlivePacket{controlHeader: hdr}, nil
	case ctAck:
		p := &ackPacket{controlHeader: hdr, ackSerial: info}
		if len(cif) < ackCIFSizeLight {
			return nil, errMalformedPacket
		}
		p.lastAcked = sequenceNumber(binary.BigEndian.Uint32(cif[0:4]) & seqMask)
		if len(cif) < ackCIFSizeFull {
			p.light = true
			return p, nil
		}
		p.rtt = binary.BigEndian.Uint32(cif[4:8])
		p.rttVariance = binary.BigEndian.Uint32(cif[8:12])
		p.availBuffer = binary.BigEndian.Uint32(cif[12:16])
		p.packetRecvRate = binary.BigEndian.Uint32(cif[16:20])
		p.linkCapacity = binary.BigEndian.Uint32(cif[20:24])
		p.recvRate = binary.BigEndian.Uint32(cif[24:28])
		return p, nil
	case ctNak:
		ranges, err := decodeNakRanges(cif)
		if err != nil {
			return nil, err
		}
		return &nakPacket{controlHeader: hdr, ranges: ranges}, nil
	case ctShutdown:
		return &shutdownPacket{controlHeader: hdr}, nil
	case ctAckAck:
		return &ackAckPacket{controlHeader: hdr, ackSerial: info}, nil
	case ctDropReq:
		if len(cif) < 8 {
			return nil, errMalformedPacket
		}
		return &dropReqPacket{
			controlHeader: hdr,
			msgNum:        messageNumber(info & msgMask),
			first:         sequenceNumber(binary.BigEndian.Uint32(cif[0:4]) & seqMask),
			last:          sequenceNumber(binary.BigEndian.Uint32(cif[4:8]) & seqMask),
		}, nil
	case ctUserDefined:
		switch subtype {
		case extCmdKMReq, extCmdKMRsp:
			return &kmPacket{controlHeader: hdr, subtype: subtype, km: cif}, nil
		}
		return nil, fmt.Errorf("%w: unknown extended control subtype 0x%x", errMalformedPacket, subtype)
	}
	return nil, fmt.Errorf("%w: unknown control type 0x%x", errMalformedPacket, uint16(typ))
}

// handshake types carried in the handshake CIF. The rendezvous exchange uses
// waveahand/agreement; the caller/listener exchange uses induction then
// conclusion. Values at or above hsTypeRejectBase are rejection codes.
type handshakeType int32

const (
	hsTypeWaveahand  handshakeType = 0
	hsTypeInduction  handshakeType = 1
	hsTypeConclusion handshakeType = -1
	hsTypeAgreement  handshakeType = -2

	hsTypeRejectBase handshakeType = 1000

	hsRejSystem   handshakeType = 1001
	hsRejPeer     handshakeType = 1002
	hsRejResource handshakeType = 1003
	hsRejVersion  handshakeType = 1006
	hsRejBadMode  handshakeType = 1011
	hsRejCrypto   handshakeType = 1014
)

func (ht handshakeType) isRejection() bool { return ht >= hsTypeRejectBase }

// handshake versions
const (
	hsVersionUDT = 4 // used in the induction phase
	hsVersionSRT = 5 // used from the induction response onward
)

// srtMagicCode is placed in the extension field of the listener's induction
// response so the caller knows it may proceed with a version 5 conclusion.
const srtMagicCode = 0x4A17

// extension field bits of a conclusion handshake
const (
	hsExtFieldHSReq  = 0x1
	hsExtFieldKMReq  = 0x2
	hsExtFieldConfig = 0x4
)

// encryption field values (advertised key length)
const (
	encFieldNone   = 0
	encFieldAES128 = 2
	encFieldAES192 = 3
	encFieldAES256 = 4
)

// SRT capability flags exchanged inside the HSREQ/HSRSP extension.
const (
	srtFlagTSBPDSnd  = 0x1
	srtFlagTSBPDRcv  = 0x2
	srtFlagCrypt     = 0x4
	srtFlagTLPktDrop = 0x8
	srtFlagNAKReport = 0x20
	srtFlagStream    = 0x40
	srtFlagRexmit    = 0x80
)

// hsExtension is one extension block trailing the handshake CIF: a command
// word and word-aligned contents.
type hsExtension struct {
	cmd      uint16
	contents []byte
}

// handshakePacket is the handshake control packet, both phases.
type handshakePacket struct {
	controlHeader
	version    uint32
	encField   uint16
	extField   uint16
	initSeqNum sequenceNumber
	mtu        uint32
	flowWindow uint32
	hsType     handshakeType
	sockID     uint32
	synCookie  uint32
	peerIP     [16]byte
	extensions []hsExtension
}

const hsCIFSize = 48

func (p *handshakePacket) encodedSize() int {
	n := headerSize + hsCIFSize
	for _, ext := range p.extensions {
		n += 4 + (len(ext.contents)+3)&^3
	}
	return n
}

func (p *handshakePacket) encodeTo(b []byte) error {
	if len(b) < p.encodedSize() {
		return errMalformedPacket
	}
	encodeControlHeader(b, ctHandshake, 0, 0, &p.controlHeader)
	binary.BigEndian.PutUint32(b[16:20], p.version)
	binary.BigEndian.PutUint16(b[20:22], p.encField)
	binary.BigEndian.PutUint16(b[22:24], p.extField)
	binary.BigEndian.PutUint32(b[24:28], uint32(p.initSeqNum)&seqMask)
	binary.BigEndian.PutUint32(b[28:32], p.mtu)
	binary.BigEndian.PutUint32(b[32:36], p.flowWindow)
	binary.BigEndian.PutUint32(b[36:40], uint32(p.hsType))
	binary.BigEndian.PutUint32(b[40:44], p.sockID)
	binary.BigEndian.PutUint32(b[44:48], p.synCookie)
	copy(b[48:64], p.peerIP[:])
	off := headerSize + hsCIFSize
	for _, ext := range p.extensions {
		words := (len(ext.contents) + 3) / 4
		binary.BigEndian.PutUint16(b[off:off+2], ext.cmd)
		binary.BigEndian.PutUint16(b[off+2:off+4], uint16(words))
		copy(b[off+4:off+4+words*4], ext.contents)
		for i := off + 4 + len(ext.contents); i < off+4+words*4; i++ {
			b[i] = 0
		}
		off += 4 + words*4
	}
	return nil
}

func decodeHandshake(hdr controlHeader, cif []byte) (*handshakePacket, error) {
	if len(cif) < hsCIFSize {
		return nil, errMalformedPacket
	}
	p := &handshakePacket{
		controlHeader: hdr,
		version:       binary.BigEndian.Uint32(cif[0:4]),
		encField:      binary.BigEndian.Uint16(cif[4:6]),
		extField:      binary.BigEndian.Uint16(cif[6:8]),
		initSeqNum:    sequenceNumber(binary.BigEndian.Uint32(cif[8:12]) & seqMask),
		mtu:           binary.BigEndian.Uint32(cif[12:16]),
		flowWindow:    binary.BigEndian.Uint32(cif[16:20]),
		hsType:        handshakeType(binary.BigEndian.Uint32(cif[20:24])),
		sockID:        binary.BigEndian.Uint32(cif[24:28]),
		synCookie:     binary.BigEndian.Uint32(cif[28:32]),
	}
	copy(p.peerIP[:], cif[32:48])
	rest := cif[hsCIFSize:]
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, errMalformedPacket
		}
		cmd := binary.BigEndian.Uint16(rest[0:2])
		words := int(binary.BigEndian.Uint16(rest[2:4]))
		if len(rest) < 4+words*4 {
			return nil, errMalformedPacket
		}
		p.extensions = append(p.extensions, hsExtension{
			cmd:      cmd,
			contents: rest[4 : 4+words*4],
		})
		rest = rest[4+words*4:]
	}
	return p, nil
}

func (p *handshakePacket) extension(cmd uint16) ([]byte, bool) {
	for _, ext := range p.extensions {
		if ext.cmd == cmd {
			return ext.contents, true
		}
	}
	return nil, false
}

func (p *handshakePacket) setPeerIP(addr *net.UDPAddr) {
	if addr == nil {
		return
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(p.peerIP[:4], ip4)
		return
	}
	copy(p.peerIP[:], addr.IP.To16())
}

// srtParams is the contents of the HSREQ/HSRSP extension block: protocol
// version, capability flags, and the two TSBPD latency requests in
// milliseconds (receiver direction in the low half-word, sender direction in
// the high half-word).
type srtParams struct {
	srtVersion uint32
	flags      uint32
	rcvLatency uint16 // ms
	sndLatency uint16 // ms
}

// currentSRTVersion is encoded major<<16 | minor<<8 | patch.
const currentSRTVersion = 1<<16 | 4<<8 | 4

func (sp *srtParams) marshal() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], sp.srtVersion)
	binary.BigEndian.PutUint32(b[4:8], sp.flags)
	binary.BigEndian.PutUint16(b[8:10], sp.sndLatency)
	binary.BigEndian.PutUint16(b[10:12], sp.rcvLatency)
	return b
}

func unmarshalSRTParams(b []byte) (*srtParams, error) {
	if len(b) < 12 {
		return nil, errMalformedPacket
	}
	return &srtParams{
		srtVersion: binary.BigEndian.Uint32(b[0:4]),
		flags:      binary.BigEndian.Uint32(b[4:8]),
		sndLatency: binary.BigEndian.Uint16(b[8:10]),
		rcvLatency: binary.BigEndian.Uint16(b[10:12]),
	}, nil
}

// streamID extension contents are the raw stream identifier bytes, padded
// with NULs to a word boundary by the extension encoder.
func encodeStreamID(sid string) []byte {
	return []byte(sid)
}

func decodeStreamID(contents []byte) string {
	end := len(contents)
	for end > 0 && contents[end-1] == 0 {
		end--
	}
	return string(contents[:end])
}
