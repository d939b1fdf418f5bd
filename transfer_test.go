// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type testFlag int

const (
	simulatePacketLoss testFlag = 1 << iota
	simulatePacketReorder
	heavyLoss
)

func TestWrappingCompareLess(t *testing.T) {
	assert.Equal(t, true, wrappingCompareLess(0xfffffff0, 0xffffffff))
	assert.Equal(t, false, wrappingCompareLess(0xffffffff, 0xfffffff0))
	assert.Equal(t, false, wrappingCompareLess(0xfff, 0xfffffff0))
	assert.Equal(t, true, wrappingCompareLess(0xfffffff0, 0xfff))
	assert.Equal(t, true, wrappingCompareLess(0x0, 0x1))
	assert.Equal(t, false, wrappingCompareLess(0x1, 0x0))
	assert.Equal(t, false, wrappingCompareLess(0x1, 0x1))
}

func TestTransfer(t *testing.T) {
	testTransfer(t, 0, nil)
}

func TestTransferWithSimulatedPacketLoss(t *testing.T) {
	testTransfer(t, simulatePacketLoss, retransmitHeadroom)
}

func TestTransferWithSimulatedPacketLossAndReorder(t *testing.T) {
	testTransfer(t, simulatePacketLoss|simulatePacketReorder, retransmitHeadroom)
}

func TestTransferWithHeavySimulatedPacketLossAndReorder(t *testing.T) {
	testTransfer(t, simulatePacketLoss|simulatePacketReorder|heavyLoss, func(cfg *Config) {
		// give retransmissions plenty of room so nothing is abandoned
		cfg.Latency = 2 * time.Second
		cfg.MaxRexmitAttempts = 20
	})
}

func TestTransferWithSimulatedPacketReorder(t *testing.T) {
	testTransfer(t, simulatePacketReorder, nil)
}

func TestEncryptedTransfer(t *testing.T) {
	testTransfer(t, simulatePacketLoss, func(cfg *Config) {
		retransmitHeadroom(cfg)
		cfg.Passphrase = "good shepherd"
	})
}

// retransmitHeadroom gives retransmissions enough deadline room that no
// message is abandoned even if the retransmission itself is lost. At the
// default latency the receiver is allowed to deadline-skip such a message,
// and the exact-completeness assertions in testTransfer would not hold.
func retransmitHeadroom(cfg *Config) {
	cfg.Latency = time.Second
	cfg.MaxRexmitAttempts = 20
}

func testLogger(t testing.TB) logr.Logger {
	return zapr.NewLogger(zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)))
}

func testTransfer(t testing.TB, flags testFlag, adjust func(cfg *Config)) {
	ts := newTestScenario(t, adjust)

	if flags&simulatePacketLoss != 0 {
		ts.sendManager.dropOnePacketEvery(33)
		ts.recvManager.dropOnePacketEvery(47)

		if flags&heavyLoss != 0 {
			ts.sendManager.dropOnePacketEvery(7)
			ts.recvManager.dropOnePacketEvery(13)
		}
	}

	if flags&simulatePacketReorder != 0 {
		ts.sendManager.reorderOnePacketEvery(27)
		ts.recvManager.reorderOnePacketEvery(23)
	}

	ts.senderSocket.sock.Connect()

	for i := 0; i < 1500; i++ {
		ts.tick()
		if ts.senderSocket.connected && ts.incomingSocket != nil {
			break
		}
	}
	require.NotNil(t, ts.incomingSocket)
	require.True(t, ts.senderSocket.connected)

	const messageCount = 200
	sent := 0

	for i := 0; i < 60000; i++ {
		for sent < messageCount && ts.senderSocket.trySend(testMessage(sent)) {
			sent++
		}
		ts.tick()
		if sent == messageCount && len(ts.incomingSocket.messages) >= messageCount {
			break
		}
	}
	require.Equal(t, messageCount, len(ts.incomingSocket.messages))
	for i, msg := range ts.incomingSocket.messages {
		require.Equal(t, testMessage(i), msg, "message %d differs", i)
	}

	ts.senderSocket.close()

	for i := 0; i < 1500; i++ {
		ts.tick()
		if ts.incomingSocket.gotEOF || ts.incomingSocket.destroyed {
			break
		}
	}
	require.True(t, ts.incomingSocket.gotEOF || ts.incomingSocket.destroyed)
}

// One deliberately dropped data packet in the middle of a run of messages
// must be NAKed, retransmitted, and still released to the application in
// order.
func TestSingleLossRecoveredInOrder(t *testing.T) {
	ts := newTestScenario(t, nil)

	dropped := false
	dataSeen := 0
	ts.sendManager.dropFilter = func(buf []byte) bool {
		if len(buf) < headerSize || buf[0]&0x80 != 0 {
			return false // control packet
		}
		dataSeen++
		if dataSeen == 5 && !dropped {
			dropped = true
			return true
		}
		return false
	}

	ts.senderSocket.sock.Connect()
	for i := 0; i < 1500; i++ {
		ts.tick()
		if ts.senderSocket.connected && ts.incomingSocket != nil {
			break
		}
	}
	require.NotNil(t, ts.incomingSocket)

	const messageCount = 10
	for i := 0; i < messageCount; i++ {
		require.True(t, ts.senderSocket.trySend(testMessage(i)))
		ts.tick()
	}
	for i := 0; i < 2000; i++ {
		ts.tick()
		if len(ts.incomingSocket.messages) >= messageCount {
			break
		}
	}
	require.True(t, dropped)
	require.Equal(t, messageCount, len(ts.incomingSocket.messages))
	for i, msg := range ts.incomingSocket.messages {
		require.Equal(t, testMessage(i), msg, "message %d differs", i)
	}

	senderStats := ts.senderSocket.sock.GetStats()
	receiverStats := ts.incomingSocket.sock.GetStats()
	assert.GreaterOrEqual(t, senderStats.PktRetrans, uint64(1))
	assert.GreaterOrEqual(t, receiverStats.PktSentNAK, uint64(1))
	assert.Zero(t, receiverStats.PktRcvDrop)
}

// A full ACK that is lost on the wire must be repeated at the next ACK
// interval until the sender confirms one with an ACKACK; otherwise the
// tail of a transfer is never acknowledged.
func TestLostAckIsRepeated(t *testing.T) {
	ts := newTestScenario(t, nil)

	acksDropped := 0
	ts.recvManager.dropFilter = func(buf []byte) bool {
		if len(buf) < headerSize || buf[0] != 0x80 || buf[1] != byte(ctAck) {
			return false
		}
		if acksDropped < 2 {
			acksDropped++
			return true
		}
		return false
	}

	ts.senderSocket.sock.Connect()
	for i := 0; i < 1500; i++ {
		ts.tick()
		if ts.senderSocket.connected && ts.incomingSocket != nil {
			break
		}
	}
	require.NotNil(t, ts.incomingSocket)

	const messageCount = 5
	for i := 0; i < messageCount; i++ {
		require.True(t, ts.senderSocket.trySend(testMessage(i)))
	}
	for i := 0; i < 2000; i++ {
		ts.tick()
		if len(ts.incomingSocket.messages) >= messageCount &&
			ts.senderSocket.sock.GetStats().PktRecvACK >= 1 {
			break
		}
	}
	require.Equal(t, 2, acksDropped)
	require.Equal(t, messageCount, len(ts.incomingSocket.messages))

	// the two dropped ACKs were re-sent, and one finally got through
	senderStats := ts.senderSocket.sock.GetStats()
	receiverStats := ts.incomingSocket.sock.GetStats()
	assert.GreaterOrEqual(t, senderStats.PktRecvACK, uint64(1))
	assert.GreaterOrEqual(t, receiverStats.PktSentACK, uint64(3))
}

// While a received packet waits out the latency window, the multiplexer
// reports how long until it is due, so a driving loop can wake up for the
// release instead of sleeping through it.
func TestNextTimeoutTracksDeliveryDeadline(t *testing.T) {
	ts := newTestScenario(t, nil)
	ts.senderSocket.sock.Connect()
	for i := 0; i < 1500; i++ {
		ts.tick()
		if ts.senderSocket.connected && ts.incomingSocket != nil {
			break
		}
	}
	require.NotNil(t, ts.incomingSocket)

	_, ok := ts.recvManager.mx.NextTimeout()
	require.False(t, ok, "no delivery can be pending on an idle connection")

	require.True(t, ts.senderSocket.trySend(testMessage(0)))
	for i := 0; i < 100; i++ {
		ts.tick()
		if wait, ok := ts.recvManager.mx.NextTimeout(); ok {
			assert.LessOrEqual(t, wait, DefaultConfig().Latency)
			return
		}
		require.Empty(t, ts.incomingSocket.messages,
			"message released without its deadline ever being reported")
	}
	t.Fatal("no delivery deadline reported")
}

// Messages bigger than one packet are segmented on the way out and
// reassembled before delivery.
func TestLargeMessageReassembly(t *testing.T) {
	ts := newTestScenario(t, nil)
	ts.senderSocket.sock.Connect()
	for i := 0; i < 1500; i++ {
		ts.tick()
		if ts.senderSocket.connected && ts.incomingSocket != nil {
			break
		}
	}
	require.NotNil(t, ts.incomingSocket)

	big := make([]byte, 5000)
	for i := range big {
		big[i] = byte(i * 7)
	}
	require.True(t, ts.senderSocket.trySend(big))

	for i := 0; i < 2000; i++ {
		ts.tick()
		if len(ts.incomingSocket.messages) > 0 {
			break
		}
	}
	require.Equal(t, 1, len(ts.incomingSocket.messages))
	require.True(t, bytes.Equal(big, ts.incomingSocket.messages[0]))
}

func TestRendezvousConnect(t *testing.T) {
	ts := newRendezvousScenario(t)

	ts.senderSocket.sock.ConnectRendezvous()
	ts.peerSocket.sock.ConnectRendezvous()

	for i := 0; i < 3000; i++ {
		ts.tick()
		if ts.senderSocket.connected && ts.peerSocket.connected {
			break
		}
	}
	require.True(t, ts.senderSocket.connected)
	require.True(t, ts.peerSocket.connected)

	require.True(t, ts.senderSocket.trySend(testMessage(1)))
	require.True(t, ts.peerSocket.trySend(testMessage(2)))
	for i := 0; i < 2000; i++ {
		ts.tick()
		if len(ts.senderSocket.messages) > 0 && len(ts.peerSocket.messages) > 0 {
			break
		}
	}
	require.Equal(t, [][]byte{testMessage(2)}, ts.senderSocket.messages)
	require.Equal(t, [][]byte{testMessage(1)}, ts.peerSocket.messages)
}

func testMessage(i int) []byte {
	msg := make([]byte, 512)
	binary.BigEndian.PutUint32(msg, uint32(i))
	for j := 4; j < len(msg); j++ {
		msg[j] = byte((i + j) & 0xff)
	}
	return msg
}

type testScenario struct {
	t testing.TB

	sendManager udpManager
	recvManager udpManager

	incomingSocket *testSRTSocket
	senderSocket   *testSRTSocket
	peerSocket     *testSRTSocket

	rng      *rand.Rand
	fakeTime time.Duration
}

func newTestScenario(t testing.TB, adjust func(cfg *Config)) *testScenario {
	scenario := &testScenario{t: t, rng: rand.New(rand.NewSource(1))}
	logger := testLogger(t)

	cfg := DefaultConfig()
	if adjust != nil {
		adjust(cfg)
	}

	scenario.sendManager = udpManager{
		mx:      NewSocketMultiplexer(logger.WithName("send"), scenario.getTime),
		myAddr:  net.UDPAddr{IP: net.IP{1, 2, 3, 4}, Port: 5},
		getTime: scenario.getTime,
		rng:     scenario.rng,
	}
	scenario.recvManager = udpManager{
		mx:      NewSocketMultiplexer(logger.WithName("recv"), scenario.getTime),
		myAddr:  net.UDPAddr{IP: net.IP{1, 2, 3, 4}, Port: 6},
		getTime: scenario.getTime,
		rng:     scenario.rng,
	}
	scenario.sendManager.receiver = &scenario.recvManager
	scenario.recvManager.receiver = &scenario.sendManager

	scenario.recvManager.mx.SetListenConfig(cfg)
	scenario.recvManager.incomingCB = func(_ interface{}, conn *Socket) {
		if scenario.incomingSocket != nil {
			panic("incomingSocket already set!")
		}
		scenario.incomingSocket = newTestSRTSocket(t, conn)
		scenario.incomingSocket.connected = true
		scenario.incomingSocket.writable = true
	}

	sock, err := scenario.sendManager.mx.Create(testSendToProc, &scenario.sendManager, &scenario.recvManager.myAddr, cfg)
	require.NoError(t, err)
	scenario.senderSocket = newTestSRTSocket(t, sock)
	return scenario
}

// newRendezvousScenario sets up two peers that both initiate; neither side
// listens.
func newRendezvousScenario(t testing.TB) *testScenario {
	scenario := &testScenario{t: t, rng: rand.New(rand.NewSource(1))}
	logger := testLogger(t)

	cfg := DefaultConfig()

	scenario.sendManager = udpManager{
		mx:      NewSocketMultiplexer(logger.WithName("peer-a"), scenario.getTime),
		myAddr:  net.UDPAddr{IP: net.IP{1, 2, 3, 4}, Port: 5},
		getTime: scenario.getTime,
		rng:     scenario.rng,
	}
	scenario.recvManager = udpManager{
		mx:      NewSocketMultiplexer(logger.WithName("peer-b"), scenario.getTime),
		myAddr:  net.UDPAddr{IP: net.IP{1, 2, 3, 4}, Port: 6},
		getTime: scenario.getTime,
		rng:     scenario.rng,
	}
	scenario.sendManager.receiver = &scenario.recvManager
	scenario.recvManager.receiver = &scenario.sendManager

	sockA, err := scenario.sendManager.mx.Create(testSendToProc, &scenario.sendManager, &scenario.recvManager.myAddr, cfg)
	require.NoError(t, err)
	scenario.senderSocket = newTestSRTSocket(t, sockA)

	sockB, err := scenario.recvManager.mx.Create(testSendToProc, &scenario.recvManager, &scenario.sendManager.myAddr, cfg)
	require.NoError(t, err)
	scenario.peerSocket = newTestSRTSocket(t, sockB)
	return scenario
}

func (ts *testScenario) getTime() time.Duration {
	return ts.fakeTime
}

func (ts *testScenario) tick() {
	ts.sendManager.mx.CheckTimeouts()
	ts.recvManager.mx.CheckTimeouts()
	ts.sendManager.flush()
	ts.recvManager.flush()

	ts.fakeTime += 5 * time.Millisecond
}

type testUDPOutgoing struct {
	timestamp time.Duration
	addr      net.UDPAddr
	mem       []byte
}

type udpManager struct {
	mx     *SocketMultiplexer
	myAddr net.UDPAddr

	receiver   *udpManager
	incomingCB GotIncomingConnection

	lossCounter int
	lossEvery   int
	dropFilter  func(buf []byte) bool

	reorderCounter int
	reorderEvery   int

	sendBuffer []testUDPOutgoing

	getTime func() time.Duration
	rng     *rand.Rand
}

func (um *udpManager) send(buf []byte, addr *net.UDPAddr) {
	if um.dropFilter != nil && um.dropFilter(buf) {
		return
	}
	if um.lossEvery > 0 && um.lossCounter == um.lossEvery {
		um.lossCounter = 0
		return
	}
	um.lossCounter++

	delay := time.Millisecond * time.Duration(10+um.rng.Int()%30)

	um.reorderCounter++
	if um.reorderCounter >= um.reorderEvery && um.reorderEvery > 0 {
		delay = time.Millisecond * 9
		um.reorderCounter = 0
	}

	um.sendBuffer = append(um.sendBuffer, testUDPOutgoing{
		timestamp: um.getTime() + delay,
		addr:      *addr,
		mem:       buf,
	})
}

func (um *udpManager) dropOnePacketEvery(everyCount int) {
	um.lossEvery = everyCount
}

func (um *udpManager) reorderOnePacketEvery(everyCount int) {
	um.reorderEvery = everyCount
}

func (um *udpManager) flush() {
	sort.SliceStable(um.sendBuffer, func(i, j int) bool {
		return um.sendBuffer[i].timestamp < um.sendBuffer[j].timestamp
	})

	for len(um.sendBuffer) > 0 {
		uo := um.sendBuffer[0]
		if uo.timestamp > um.getTime() {
			break
		}
		if um.receiver != nil {
			um.receiver.mx.IsIncomingSRT(um.receiver.incomingCB, testSendToProc, um.receiver, uo.mem, &um.myAddr)
		}
		um.sendBuffer = um.sendBuffer[1:]
	}
}

func testSendToProc(userdata interface{}, buf []byte, addr *net.UDPAddr) {
	um := userdata.(*udpManager)
	um.send(buf, addr)
}

type testSRTSocket struct {
	t testing.TB

	sock      *Socket
	messages  [][]byte
	pending   [][]byte
	connected bool
	writable  bool
	gotEOF    bool
	destroyed bool
	errors    []error
	closing   bool

	// expectError suppresses the failure report for connections that are
	// supposed to fail
	expectError bool
}

func newTestSRTSocket(t testing.TB, sock *Socket) *testSRTSocket {
	us := &testSRTSocket{
		t:    t,
		sock: sock,
	}
	sock.SetCallbacks(&CallbackTable{
		OnMessage: us.onMessage,
		OnState:   us.onState,
		OnError:   us.onError,
	}, us)
	return us
}

func (us *testSRTSocket) onMessage(_ interface{}, payload []byte) {
	us.messages = append(us.messages, payload)
}

func (us *testSRTSocket) onState(_ interface{}, state State) {
	switch state {
	case StateConnect:
		require.False(us.t, us.destroyed)
		us.connected = true
		us.writable = true
		us.flushPending()
	case StateWritable:
		require.False(us.t, us.destroyed)
		us.writable = true
		us.flushPending()
	case StateEOF:
		require.False(us.t, us.destroyed)
		us.gotEOF = true
	case StateDestroying:
		require.False(us.t, us.destroyed)
		us.connected = false
		us.writable = false
		us.destroyed = true
	}
}

func (us *testSRTSocket) onError(_ interface{}, err error) {
	us.errors = append(us.errors, err)
	if !us.closing && !us.expectError {
		us.t.Errorf("should not have gotten error: %v", err)
	}
}

// trySend queues msg for sending. Messages the engine has no room for yet
// are held locally and flushed on the next StateWritable.
func (us *testSRTSocket) trySend(msg []byte) bool {
	if us.destroyed {
		return false
	}
	us.pending = append(us.pending, msg)
	us.flushPending()
	return true
}

func (us *testSRTSocket) flushPending() {
	for len(us.pending) > 0 && us.writable {
		msg := us.pending[0]
		err := us.sock.Write(msg)
		if err == nil {
			us.pending = us.pending[1:]
			continue
		}
		if err == ErrWouldBlock {
			us.writable = false
			return
		}
		us.t.Fatalf("unexpected write error: %v", err)
	}
}

func (us *testSRTSocket) close() {
	us.closing = true
	if us.sock != nil && !us.destroyed {
		us.sock.Close()
	}
}
