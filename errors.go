// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import "errors"

// Connection-level failures surfaced to the application. Transient packet
// loss is never one of these; it is absorbed by retransmission and the
// delivery buffer.
var (
	// ErrHandshakeRejected indicates the peer refused our connection
	// parameters (version mismatch, crypto mismatch, listener rejection).
	ErrHandshakeRejected = errors.New("srt: handshake rejected by peer")

	// ErrHandshakeTimeout indicates the handshake did not complete within
	// the retry budget.
	ErrHandshakeTimeout = errors.New("srt: handshake timed out")

	// ErrConnectionClosed indicates the connection was torn down, either by
	// the peer, by an explicit close, or by the idle timeout. Pending
	// operations fail with this error.
	ErrConnectionClosed = errors.New("srt: connection closed")

	// ErrCryptoNegotiation indicates the two peers could not agree on key
	// material. Fatal; reconnect with matching passphrases.
	ErrCryptoNegotiation = errors.New("srt: crypto negotiation failed")

	// ErrMessageTooLarge indicates a single message exceeds what the send
	// buffer can ever hold.
	ErrMessageTooLarge = errors.New("srt: message too large for send buffer")

	// ErrWouldBlock is the backpressure signal: the congestion window or
	// send buffer has no room right now. Not a connection failure.
	ErrWouldBlock = errors.New("srt: send buffer full")
)

// errMalformedPacket is internal: the offending datagram is dropped and
// logged, and the connection continues.
var errMalformedPacket = errors.New("srt: malformed packet")
