// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import "net"

// State represents the readiness of a Socket. It is distinct from connState,
// which tracks where a connection is in the protocol state diagram; State
// conveys what a socket is prepared to do, and is what gets reported to the
// application through the OnStateChangeCallback.
type State int

const (
	// StateConnect is reported once when the handshake completes and the
	// socket becomes able to carry data.
	StateConnect State = 1
	// StateWritable is reported when a previously full send buffer has
	// drained enough to accept more data.
	StateWritable State = 2
	// StateEOF is reported when the peer shuts the connection down cleanly.
	StateEOF State = 3
	// StateDestroying indicates that the socket is being torn down. It is
	// not valid to refer to the socket after this state change occurs.
	StateDestroying State = 4
)

var stateChangeNames = []string{"", "StateConnect", "StateWritable", "StateEOF", "StateDestroying"}

func (s State) String() string {
	return stateChangeNames[s]
}

// OnMessageCallback is the type of callback used when a complete message has
// been received and released by the delivery buffer. The callback will be
// provided with the userdata parameter that was given when the callback was
// set (using (*Socket).SetCallbacks()). The payload slice is owned by the
// callback; the engine does not reuse it.
type OnMessageCallback func(userdata interface{}, payload []byte)

// OnStateChangeCallback is the type of callback used when a socket changes
// State. See the State constants for the possible transitions.
type OnStateChangeCallback func(userdata interface{}, state State)

// OnErrorCallback is the type of callback used when a connection fails: the
// handshake is rejected or times out, the peer falls silent past the idle
// timeout, or key negotiation breaks. The socket is destroyed after the
// callback returns.
type OnErrorCallback func(userdata interface{}, err error)

// CallbackTable contains the callbacks to be used by a Socket. Each may be
// nil, in which case a no-op implementation is used instead.
//
// A CallbackTable is assigned to a Socket with the SetCallbacks() method.
type CallbackTable struct {
	OnMessage OnMessageCallback
	OnState   OnStateChangeCallback
	OnError   OnErrorCallback
}

// GotIncomingConnection is the type of callback called when a new incoming
// connection has completed its handshake on a listening multiplexer. The new
// Socket is already connected; register callbacks on it from inside this
// callback to avoid missing messages.
type GotIncomingConnection func(userdata interface{}, s *Socket)

// PacketSendCallback is the type of callback used when the engine wants to
// send a datagram. The engine does no I/O of its own; the callback is
// responsible for actually transmitting the packet to the given address,
// typically with WriteToUDP on the application's socket.
type PacketSendCallback func(userdata interface{}, p []byte, addr *net.UDPAddr)

func noMessage(interface{}, []byte) {}
func noState(interface{}, State)    {}
func noError(interface{}, error)    {}
