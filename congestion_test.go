// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRTTSmoothing(t *testing.T) {
	cc := newCongestion(ModeLive, 0, 8192, 1456, 120*time.Millisecond)
	assert.Equal(t, initialRTT, cc.smoothedRTT())

	// repeated identical samples converge on the sample
	for i := 0; i < 100; i++ {
		cc.updateRTT(20000) // 20ms
	}
	assert.InDelta(t, 20000, int(cc.rtt), 100)

	// zero samples are ignored
	before := cc.rtt
	cc.updateRTT(0)
	assert.Equal(t, before, cc.rtt)
}

func TestRTOBounds(t *testing.T) {
	cc := newCongestion(ModeFile, 0, 8192, 1456, 0)

	// tiny RTT still yields at least the floor
	for i := 0; i < 200; i++ {
		cc.updateRTT(100)
	}
	assert.Equal(t, minRTO, cc.rto())

	// huge RTT is capped
	cc.rtt = uint32(10 * time.Second / time.Microsecond)
	cc.rttVar = cc.rtt
	assert.Equal(t, maxRTO, cc.rto())
}

func TestFileModeSlowStart(t *testing.T) {
	cc := newCongestion(ModeFile, 0, 64, 1456, 0)
	require.True(t, cc.slowStart)
	assert.Equal(t, initialCwnd, cc.window())

	// each acked packet grows the window by one during slow start
	cc.onACK(10, nil)
	assert.Equal(t, 26, cc.window())

	// hitting the flow window ends slow start
	cc.onACK(100, nil)
	assert.False(t, cc.slowStart)
	assert.Equal(t, 64, cc.window())
}

func TestFileModeAIMD(t *testing.T) {
	cc := newCongestion(ModeFile, 0, 8192, 1456, 0)
	cc.slowStart = false
	cc.cwnd = 100

	// halved on loss
	cc.onLoss()
	assert.Equal(t, 50, cc.window())

	// additive increase: a window's worth of ACKs adds about one packet
	for i := 0; i < 50; i++ {
		cc.onACK(1, nil)
	}
	assert.InDelta(t, 51, cc.window(), 1)

	// decay never goes below the floor
	for i := 0; i < 20; i++ {
		cc.onLoss()
	}
	assert.Equal(t, minCwnd, cc.window())
}

func TestFileModeTimeoutResetsToSlowStart(t *testing.T) {
	cc := newCongestion(ModeFile, 0, 8192, 1456, 0)
	cc.slowStart = false
	cc.cwnd = 300

	cc.onTimeout()
	assert.Equal(t, minCwnd, cc.window())
	assert.False(t, cc.slowStart)
}

func TestLiveModeWindowFromBDP(t *testing.T) {
	latency := 200 * time.Millisecond
	cc := newCongestion(ModeLive, 0, 8192, 1456, latency)

	// no rate estimate yet: allow the whole flow window
	assert.Equal(t, 8192, cc.window())

	// ~1000 pkt/s across a 200ms+RTT horizon
	cc.deliveryRate = 1000
	horizon := latency + cc.smoothedRTT()
	want := int(1000*int64(horizon)/int64(time.Second)) + initialCwnd
	assert.Equal(t, want, cc.window())

	// a lower capacity estimate constrains further
	cc.linkCapacity = 500
	assert.Less(t, cc.window(), want)

	// live mode ignores loss events entirely
	before := cc.window()
	cc.onLoss()
	assert.Equal(t, before, cc.window())
}

func TestLiveModePacing(t *testing.T) {
	// 1 Mbyte/s with 1456-byte payloads: one packet every ~1.5ms
	cc := newCongestion(ModeLive, 1_000_000, 8192, 1456, 120*time.Millisecond)
	require.NotZero(t, cc.pktSndPeriod)

	now := time.Second
	ok, wait := cc.sendPermission(now, 0)
	require.True(t, ok)
	require.Zero(t, wait)
	cc.sent(now)

	// immediately after a send, pacing says wait
	ok, wait = cc.sendPermission(now, 0)
	assert.False(t, ok)
	assert.Equal(t, cc.pktSndPeriod, wait)

	ok, _ = cc.sendPermission(now+cc.pktSndPeriod, 0)
	assert.True(t, ok)
}

func TestSendPermissionWindowFull(t *testing.T) {
	cc := newCongestion(ModeFile, 0, 8192, 1456, 0)
	ok, wait := cc.sendPermission(time.Second, initialCwnd)
	assert.False(t, ok)
	assert.Zero(t, wait, "a full window has no time-based remedy")
}

func TestRateEstimator(t *testing.T) {
	var re rateEstimator

	// steady 1ms spacing: ~1000 packets/s
	now := time.Second
	var seq sequenceNumber = 100
	for i := 0; i < arrivalWindow+1; i++ {
		re.onData(now, seq, 1500)
		now += time.Millisecond
		seq = seq.next()
	}
	rate := re.packetRate()
	assert.InDelta(t, 1000, int(rate), 50)
	assert.NotZero(t, re.recvRate())
}
