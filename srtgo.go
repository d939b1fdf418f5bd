// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"storj.io/srt-go/buffers"
)

// Upper bound on messages buffered per connection before the reader is
// considered stuck. The protocol's latency window provides the real
// backpressure; this is only a failsafe.
const maxReadQueue = 4096

const defaultAcceptBacklog = 5

// ConnectOption adjusts the behavior of Dial/Listen variants.
type ConnectOption func(o *connectOptions)

type connectOptions struct {
	logger     logr.Logger
	config     *Config
	rendezvous bool
}

// WithLogger attaches a logger to the connection machinery. Protocol-level
// events log at V(1) and packet-level noise at V(2).
func WithLogger(logger logr.Logger) ConnectOption {
	return func(o *connectOptions) { o.logger = logger }
}

// WithConfig supplies connection parameters (latency, passphrase, mode, and
// so on). Defaults apply for anything left unset.
func WithConfig(cfg *Config) ConnectOption {
	return func(o *connectOptions) { o.config = cfg }
}

// WithRendezvous makes DialSRTOptions use the rendezvous handshake, which
// connects two peers through symmetric firewalls: both sides dial each
// other's address from a bound local port at roughly the same time.
func WithRendezvous() ConnectOption {
	return func(o *connectOptions) { o.rendezvous = true }
}

// Conn is a message-oriented SRT connection. It satisfies net.Conn, with
// the caveat that Read and Write operate on whole messages in live mode: a
// Write sends one message, and a Read returns exactly one message, failing
// with io.ErrShortBuffer (and retaining the message) if the destination is
// too small.
type Conn struct {
	srtSocket

	baseConn *Socket

	// readQueue holds messages delivered by the engine but not yet consumed
	// by the application. The engine side never blocks on it; overflow is a
	// connection error.
	readQueue *buffers.SyncMessageQueue
}

// Listener accepts incoming SRT connections. It satisfies net.Listener.
type Listener struct {
	srtSocket

	acceptChan <-chan *Conn
}

// srtSocket is shared functionality between Conn and Listener.
type srtSocket struct {
	localAddr net.UDPAddr

	// manager is shared by all sockets using the same local address: for
	// outgoing connections just the one connection, but for incoming
	// connections all connections accepted by the same listener. It is
	// reference-counted and cleaned up when the last socket closes.
	manager *socketManager

	// guards all state below, along with the read queue in Conn
	stateLock sync.Mutex
	stateCond sync.Cond

	// set when the engine socket reported StateDestroying
	baseConnClosed bool
	// set when Close() has been called on this instance
	closing bool
	// set when the peer closed cleanly; reads drain and then return io.EOF
	gotEOF bool
	// set by StateWritable notifications; consumed by blocked writers
	writable bool
	// once set, further operations fail with this error
	opError error
	// set while waiting for the handshake to complete
	connecting bool
}

// Dial connects to the given SRT address ("srt", "srt4", "srt6" networks).
// Other networks are passed through to net.Dial.
func Dial(network, address string, options ...ConnectOption) (net.Conn, error) {
	switch network {
	case "srt", "srt4", "srt6":
		raddr, err := net.ResolveUDPAddr("udp"+network[3:], address)
		if err != nil {
			return nil, err
		}
		return DialSRTOptions(network, nil, raddr, options...)
	}
	return net.Dial(network, address)
}

// DialSRTOptions connects to raddr, optionally binding the local side to
// laddr first (required for rendezvous).
func DialSRTOptions(network string, laddr, raddr *net.UDPAddr, options ...ConnectOption) (*Conn, error) {
	opts := applyOptions(options)
	manager, err := newSocketManager(network, laddr, raddr, opts)
	if err != nil {
		return nil, err
	}
	localAddr := manager.LocalAddr().(*net.UDPAddr)

	conn := &Conn{
		srtSocket: srtSocket{
			localAddr:  *localAddr,
			manager:    manager,
			connecting: true,
		},
		readQueue: buffers.NewSyncQueue(maxReadQueue, 0),
	}
	conn.stateCond.L = &conn.stateLock
	// no concurrency protection needed yet; the manager's goroutines have
	// not started
	conn.baseConn, err = manager.mx.Create(packetSendCallback, manager, raddr, opts.config)
	if err != nil {
		_ = manager.decrementReferences()
		return nil, err
	}
	conn.baseConn.SetCallbacks(&CallbackTable{
		OnMessage: onMessageCallback,
		OnState:   onStateCallback,
		OnError:   onErrorCallback,
	}, conn)

	manager.start()

	func() {
		manager.baseConnLock.Lock()
		defer manager.baseConnLock.Unlock()
		if opts.rendezvous {
			conn.baseConn.ConnectRendezvous()
		} else {
			conn.baseConn.Connect()
		}
	}()

	conn.stateLock.Lock()
	for conn.connecting && conn.opError == nil {
		conn.stateCond.Wait()
	}
	err = conn.opError
	conn.stateLock.Unlock()

	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// Listen creates an SRT listener ("srt", "srt4", "srt6" networks). Other
// networks are passed through to net.Listen.
func Listen(network, address string, options ...ConnectOption) (net.Listener, error) {
	switch network {
	case "srt", "srt4", "srt6":
		laddr, err := net.ResolveUDPAddr("udp"+network[3:], address)
		if err != nil {
			return nil, err
		}
		return ListenSRTOptions(network, laddr, options...)
	}
	return net.Listen(network, address)
}

// ListenSRTOptions creates a Listener bound to localAddr.
func ListenSRTOptions(network string, localAddr *net.UDPAddr, options ...ConnectOption) (*Listener, error) {
	opts := applyOptions(options)
	manager, err := newSocketManager(network, localAddr, nil, opts)
	if err != nil {
		return nil, err
	}
	localAddr = manager.LocalAddr().(*net.UDPAddr)
	listener := &Listener{
		srtSocket: srtSocket{
			localAddr: *localAddr,
			manager:   manager,
		},
		acceptChan: manager.acceptChan,
	}
	listener.stateCond.L = &listener.stateLock
	listener.baseConnClosed = true // no engine socket backs a listener
	manager.start()
	return listener, nil
}

func applyOptions(options []ConnectOption) *connectOptions {
	opts := &connectOptions{logger: logr.Discard()}
	for _, opt := range options {
		opt(opts)
	}
	return opts
}

// Close shuts the connection down and releases its resources. The peer is
// notified on a best-effort basis.
func (u *Conn) Close() error {
	u.stateLock.Lock()
	alreadyClosing := u.closing
	u.closing = true
	u.stateLock.Unlock()
	if alreadyClosing {
		return errors.New("multiple calls to Close() not allowed")
	}
	func() {
		// engine methods need concurrency protection; Close invokes
		// callbacks
		u.manager.baseConnLock.Lock()
		defer u.manager.baseConnLock.Unlock()
		if u.baseConn != nil {
			u.baseConn.Close()
		}
	}()
	u.readQueue.Close()
	return u.srtSocket.Close()
}

// ReadMessage returns the next received message. It blocks until a message
// arrives, the peer closes (io.EOF), or the connection fails.
func (u *Conn) ReadMessage() ([]byte, error) {
	msg, err := u.readQueue.Pop(context.Background())
	if err == nil {
		return msg, nil
	}
	if errors.Is(err, buffers.IsClosedErr) {
		return nil, u.readError()
	}
	return nil, err
}

// Read copies the next message into buf. If buf cannot hold the whole
// message, the excess is discarded and Read reports io.ErrShortBuffer along
// with the bytes copied.
func (u *Conn) Read(buf []byte) (n int, err error) {
	msg, err := u.ReadMessage()
	if err != nil {
		return 0, err
	}
	n = copy(buf, msg)
	if n < len(msg) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

// readError maps a drained-and-closed read queue to the right error for the
// application.
func (u *Conn) readError() error {
	u.stateLock.Lock()
	defer u.stateLock.Unlock()
	if u.gotEOF {
		return io.EOF
	}
	if u.opError != nil {
		return u.opError
	}
	return net.ErrClosed
}

// Write sends buf as one message. It blocks while the send buffer or the
// congestion window is full.
func (u *Conn) Write(buf []byte) (n int, err error) {
	for {
		u.stateLock.Lock()
		if u.opError != nil {
			err := u.opError
			u.stateLock.Unlock()
			return 0, err
		}
		if u.closing {
			u.stateLock.Unlock()
			return 0, net.ErrClosed
		}
		u.stateLock.Unlock()

		var sendErr error
		func() {
			u.manager.baseConnLock.Lock()
			defer u.manager.baseConnLock.Unlock()
			if u.baseConn == nil {
				sendErr = net.ErrClosed
				return
			}
			sendErr = u.baseConn.Write(buf)
		}()
		if sendErr == nil {
			return len(buf), nil
		}
		if !errors.Is(sendErr, ErrWouldBlock) {
			return 0, sendErr
		}

		// wait for a StateWritable wakeup
		u.stateLock.Lock()
		for u.opError == nil && !u.closing && !u.writableSignal() {
			u.stateCond.Wait()
		}
		u.stateLock.Unlock()
	}
}

// writableSignal consumes the writable notification set by the state
// callback. Caller holds stateLock.
func (u *Conn) writableSignal() bool {
	if u.writable {
		u.writable = false
		return true
	}
	return false
}

// StreamID returns the stream identifier the connecting party supplied
// during the handshake, or the empty string if none.
func (u *Conn) StreamID() string {
	u.manager.baseConnLock.Lock()
	defer u.manager.baseConnLock.Unlock()
	if u.baseConn == nil {
		return ""
	}
	return u.baseConn.StreamID()
}

// GetStats returns a snapshot of the connection's protocol counters.
func (u *Conn) GetStats() Stats {
	u.manager.baseConnLock.Lock()
	defer u.manager.baseConnLock.Unlock()
	if u.baseConn == nil {
		return Stats{}
	}
	return u.baseConn.GetStats()
}

func (u *Conn) LocalAddr() net.Addr {
	return u.Addr()
}

func (u *Conn) RemoteAddr() net.Addr {
	u.manager.baseConnLock.Lock()
	defer u.manager.baseConnLock.Unlock()
	if u.baseConn == nil {
		return nil
	}
	return u.baseConn.RemoteAddr()
}

func (u *Conn) SetReadDeadline(t time.Time) error {
	return errors.New("not supported yet")
}

func (u *Conn) SetWriteDeadline(t time.Time) error {
	return errors.New("not supported yet")
}

func (u *Conn) SetDeadline(t time.Time) error {
	return errors.New("not supported yet")
}

var _ net.Conn = &Conn{}

// AcceptSRT waits for and returns the next incoming connection.
func (u *Listener) AcceptSRT() (*Conn, error) {
	newConn, ok := <-u.acceptChan
	if ok {
		return newConn, nil
	}
	u.stateLock.Lock()
	defer u.stateLock.Unlock()
	if u.opError != nil {
		return nil, u.opError
	}
	return nil, net.ErrClosed
}

func (u *Listener) Accept() (net.Conn, error) {
	return u.AcceptSRT()
}

func (u *Listener) Close() error {
	return u.srtSocket.Close()
}

var _ net.Listener = &Listener{}

func (u *srtSocket) Close() (err error) {
	u.setOpError(net.ErrClosed)
	u.stateLock.Lock()
	for !u.baseConnClosed {
		u.stateCond.Wait()
	}
	if u.manager != nil {
		err = u.manager.decrementReferences()
		u.manager = nil
	}
	u.stateLock.Unlock()
	return err
}

func (u *srtSocket) setOpError(err error) {
	if err == nil {
		return
	}
	u.stateLock.Lock()
	defer u.stateLock.Unlock()

	u.connecting = false
	// keep the first error if this is called multiple times
	if u.opError == nil {
		u.opError = err
		u.stateCond.Broadcast()
	}
}

func (u *srtSocket) Addr() net.Addr {
	localAddr := u.localAddr // copy
	return &localAddr
}

type receivedMessage struct {
	fromAddr net.UDPAddr
	data     []byte
}

type socketManager struct {
	logger    logr.Logger
	mx        *SocketMultiplexer
	udpSocket *net.UDPConn

	// this lock must be held when invoking any engine method; nearly all of
	// them can end up invoking callbacks. It can be assumed that this lock
	// is held inside callbacks.
	baseConnLock sync.Mutex

	refCountLock sync.Mutex
	refCount     int

	// closeChan is closed when the last reference is dropped, telling the
	// managing goroutine to clean up and report on closeErr.
	closeChan chan struct{}
	closeErr  chan error
	closing   bool

	// the udp reader goroutine sends received datagrams here, then waits on
	// incomingPacketDone so the receive buffer can be reused and inbound
	// processing stays serialized
	incomingPacket     chan receivedMessage
	incomingPacketDone chan struct{}

	acceptChan chan *Conn

	// errors sending or receiving on the UDP socket; surfaced through
	// subsequent Read/Write calls
	socketErrors     []error
	socketErrorsLock sync.Mutex

	pollInterval time.Duration
}

func newSocketManager(network string, laddr, raddr *net.UDPAddr, opts *connectOptions) (*socketManager, error) {
	switch network {
	case "srt", "srt4", "srt6":
	default:
		op := "dial"
		if raddr == nil {
			op = "listen"
		}
		return nil, &net.OpError{Op: op, Net: network, Source: laddr, Addr: raddr, Err: net.UnknownNetworkError(network)}
	}

	udpNetwork := "udp" + network[3:]
	mx := NewSocketMultiplexer(opts.logger, nil)
	mx.SetListenConfig(opts.config)

	udpSocket, err := net.ListenUDP(udpNetwork, laddr)
	if err != nil {
		return nil, err
	}

	sm := &socketManager{
		logger:             opts.logger,
		mx:                 mx,
		udpSocket:          udpSocket,
		refCount:           1,
		closeChan:          make(chan struct{}),
		closeErr:           make(chan error),
		incomingPacket:     make(chan receivedMessage),
		incomingPacketDone: make(chan struct{}),
		acceptChan:         make(chan *Conn, defaultAcceptBacklog),
		pollInterval:       2 * time.Millisecond,
	}
	if err := systemSetupUDPSocket(sm); err != nil {
		sm.logger.Error(err, "could not tune UDP socket; continuing with system defaults")
	}
	return sm, nil
}

func (sm *socketManager) start() {
	go sm.socketManagement()
	go sm.udpMessageReceiver()
}

func (sm *socketManager) LocalAddr() net.Addr {
	return sm.udpSocket.LocalAddr()
}

// socketManagement is the single goroutine that drives all protocol work:
// inbound packets, timers, and delivery deadlines.
func (sm *socketManager) socketManagement() {
	defer close(sm.incomingPacketDone)

	timer := time.NewTimer(sm.pollInterval)
	defer timer.Stop()
	for {
		timer.Reset(sm.pollTimeout())
		select {
		case <-sm.closeChan:
			sm.internalClose()
			return
		case packet := <-sm.incomingPacket:
			sm.processIncomingPacket(packet.data, &packet.fromAddr)
		case <-timer.C:
		}
		sm.checkTimeouts()
	}
}

func (sm *socketManager) processIncomingPacket(data []byte, fromAddr *net.UDPAddr) {
	sm.baseConnLock.Lock()
	defer sm.baseConnLock.Unlock()
	sm.mx.IsIncomingSRT(gotIncomingConnectionCallback, packetSendCallback, sm, data, fromAddr)
	sm.incomingPacketDone <- struct{}{}
}

// pollTimeout bounds the poll interval by the earliest delivery deadline
// across the manager's sockets.
func (sm *socketManager) pollTimeout() time.Duration {
	sm.baseConnLock.Lock()
	defer sm.baseConnLock.Unlock()
	interval := sm.pollInterval
	if wait, ok := sm.mx.NextTimeout(); ok && wait < interval {
		interval = wait
	}
	return interval
}

func (sm *socketManager) checkTimeouts() {
	sm.baseConnLock.Lock()
	defer sm.baseConnLock.Unlock()
	sm.mx.CheckTimeouts()
}

func (sm *socketManager) internalClose() {
	err := sm.udpSocket.Close()
	sm.mx = nil
	sm.closeErr <- err
	close(sm.closeErr)
	close(sm.acceptChan)
}

func (sm *socketManager) incrementReferences() {
	sm.refCountLock.Lock()
	sm.refCount++
	sm.refCountLock.Unlock()
}

func (sm *socketManager) decrementReferences() error {
	sm.refCountLock.Lock()
	defer sm.refCountLock.Unlock()
	sm.refCount--
	if sm.refCount == 0 {
		sm.closing = true
		close(sm.closeChan)
		return <-sm.closeErr
	}
	if sm.refCount < 0 {
		return errors.New("socketManager closed too many times")
	}
	return nil
}

func (sm *socketManager) udpMessageReceiver() {
	defer close(sm.incomingPacket)

	// thread-safe; no baseConnLock needed
	maxSize := GetUDPMTU(sm.LocalAddr().(*net.UDPAddr))
	b := make([]byte, maxSize)
	for {
		n, addr, err := sm.udpSocket.ReadFromUDP(b)
		if err != nil {
			if sm.closing {
				return
			}
			sm.registerSocketError(err)
			continue
		}
		sm.logger.V(2).Info("udp received", "len", n, "from", addr.String())
		msg := receivedMessage{
			fromAddr: *addr,
			data:     b[:n],
		}
		select {
		case sm.incomingPacket <- msg:
			// wait until the packet has been processed, so we can (a) keep
			// backpressure on inbound data, and (b) reuse the b buffer
			select {
			case <-sm.incomingPacketDone:
			case <-sm.closeChan:
				return
			}
		case <-sm.closeChan:
			return
		}
	}
}

func (sm *socketManager) registerSocketError(err error) {
	sm.socketErrorsLock.Lock()
	defer sm.socketErrorsLock.Unlock()
	sm.logger.Error(err, "socket error", "local-addr", sm.udpSocket.LocalAddr().String())
	sm.socketErrors = append(sm.socketErrors, err)
}

// gotIncomingConnectionCallback wraps a freshly accepted engine socket in a
// Conn and hands it to the listener's accept channel.
func gotIncomingConnectionCallback(userdata interface{}, newBaseConn *Socket) {
	sm := userdata.(*socketManager)
	sm.incrementReferences()

	newConn := &Conn{
		srtSocket: srtSocket{
			localAddr: *sm.LocalAddr().(*net.UDPAddr),
			manager:   sm,
		},
		baseConn:  newBaseConn,
		readQueue: buffers.NewSyncQueue(maxReadQueue, 0),
	}
	newConn.stateCond.L = &newConn.stateLock
	newBaseConn.SetCallbacks(&CallbackTable{
		OnMessage: onMessageCallback,
		OnState:   onStateCallback,
		OnError:   onErrorCallback,
	}, newConn)
	select {
	case sm.acceptChan <- newConn:
		// it's the application's problem now
	default:
		// accept backlog is full; drop the new connection
		go func() { _ = newConn.Close() }()
	}
}

func packetSendCallback(userdata interface{}, buf []byte, addr *net.UDPAddr) {
	sm := userdata.(*socketManager)
	sm.logger.V(2).Info("udp sending", "len", len(buf), "to", addr.String())
	_, err := sm.udpSocket.WriteToUDP(buf, addr)
	if err != nil {
		sm.registerSocketError(err)
	}
}

// the baseConnLock is already held when this callback is entered
func onMessageCallback(userdata interface{}, payload []byte) {
	u := userdata.(*Conn)
	ok, err := u.readQueue.TryPush(payload)
	if err != nil {
		// the queue is closing; the connection is going away anyway
		return
	}
	if !ok {
		u.setOpError(fmt.Errorf("application read queue overflow (%d messages)", u.readQueue.Count()))
		u.readQueue.Close()
	}
}

// the baseConnLock is already held when this callback is entered
func onStateCallback(userdata interface{}, state State) {
	u := userdata.(*Conn)
	switch state {
	case StateConnect, StateWritable:
		u.stateLock.Lock()
		u.connecting = false
		u.writable = true
		u.stateCond.Broadcast()
		u.stateLock.Unlock()
	case StateEOF:
		u.stateLock.Lock()
		u.gotEOF = true
		u.stateCond.Broadcast()
		u.stateLock.Unlock()
		// readers drain what is queued, then see io.EOF
		u.readQueue.Close()
	case StateDestroying:
		u.stateLock.Lock()
		u.baseConnClosed = true
		u.baseConn = nil
		u.stateCond.Broadcast()
		u.stateLock.Unlock()
		u.readQueue.Close()
	}
}

// the baseConnLock is already held when this callback is entered
func onErrorCallback(userdata interface{}, err error) {
	u := userdata.(*Conn)
	u.setOpError(err)
	u.readQueue.Close()
}
