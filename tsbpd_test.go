// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tsbpdPacket(seq sequenceNumber, tsMicros uint32, payload string) *dataPacket {
	return &dataPacket{
		seqNum:    seq,
		position:  positionOnly,
		inOrder:   true,
		msgNum:    messageNumber(seq),
		timestamp: tsMicros,
		payload:   []byte(payload),
	}
}

func releasedPayloads(entries []*tsbpdEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.payload))
	}
	return out
}

func TestTSBPDHoldsUntilLatency(t *testing.T) {
	latency := 120 * time.Millisecond
	tb := newTSBPDBuffer(100, latency, true, 64)

	now := 1 * time.Second
	require.True(t, tb.add(tsbpdPacket(100, 0, "a"), now))

	// nothing comes out before the deadline
	out, skipped := tb.release(now)
	assert.Empty(t, out)
	assert.Empty(t, skipped)
	out, _ = tb.release(now + latency - time.Millisecond)
	assert.Empty(t, out)

	// and the packet is released exactly at baseTime + ts + latency
	out, skipped = tb.release(now + latency)
	assert.Equal(t, []string{"a"}, releasedPayloads(out))
	assert.Empty(t, skipped)
}

func TestTSBPDReordersBeforeRelease(t *testing.T) {
	latency := 50 * time.Millisecond
	tb := newTSBPDBuffer(10, latency, true, 64)

	now := time.Second
	require.True(t, tb.add(tsbpdPacket(10, 0, "a"), now))
	require.True(t, tb.add(tsbpdPacket(12, 2000, "c"), now+2*time.Millisecond))
	require.True(t, tb.add(tsbpdPacket(11, 1000, "b"), now+5*time.Millisecond))

	out, skipped := tb.release(now + latency + 3*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, releasedPayloads(out))
	assert.Empty(t, skipped)
}

func TestTSBPDSkipsGapPastDeadline(t *testing.T) {
	latency := 50 * time.Millisecond
	tb := newTSBPDBuffer(10, latency, true, 64)

	now := time.Second
	require.True(t, tb.add(tsbpdPacket(10, 0, "a"), now))
	// 11 never arrives
	require.True(t, tb.add(tsbpdPacket(12, 2000, "c"), now+2*time.Millisecond))

	// at 10's deadline only 10 comes out; the hole still has time to fill
	out, skipped := tb.release(now + latency)
	assert.Equal(t, []string{"a"}, releasedPayloads(out))
	assert.Empty(t, skipped)

	// once 12's deadline passes, the hole at 11 is skipped and reported
	out, skipped = tb.release(now + latency + 2*time.Millisecond)
	assert.Equal(t, []string{"c"}, releasedPayloads(out))
	assert.Equal(t, []lossRange{{start: 11, end: 11}}, skipped)
	assert.Equal(t, uint64(1), tb.droppedPackets)

	// a belated 11 is refused now
	assert.False(t, tb.add(tsbpdPacket(11, 1000, "b"), now+latency+3*time.Millisecond))
}

func TestTSBPDFileModeNeverSkips(t *testing.T) {
	tb := newTSBPDBuffer(10, 0, false, 64)

	now := time.Second
	require.True(t, tb.add(tsbpdPacket(10, 0, "a"), now))
	require.True(t, tb.add(tsbpdPacket(12, 2000, "c"), now))

	// file mode releases immediately but never past a hole
	out, skipped := tb.release(now + time.Hour)
	assert.Equal(t, []string{"a"}, releasedPayloads(out))
	assert.Empty(t, skipped)

	require.True(t, tb.add(tsbpdPacket(11, 1000, "b"), now+2*time.Hour))
	out, _ = tb.release(now + 2*time.Hour)
	assert.Equal(t, []string{"b", "c"}, releasedPayloads(out))
}

func TestTSBPDRejectsDuplicatesAndBelated(t *testing.T) {
	tb := newTSBPDBuffer(10, 10*time.Millisecond, true, 64)
	now := time.Second

	require.True(t, tb.add(tsbpdPacket(10, 0, "a"), now))
	assert.False(t, tb.add(tsbpdPacket(10, 0, "a"), now), "duplicate")

	out, _ := tb.release(now + 10*time.Millisecond)
	require.Len(t, out, 1)
	assert.False(t, tb.add(tsbpdPacket(10, 0, "a"), now+11*time.Millisecond), "already released")
}

func TestTSBPDRejectsTooFarAhead(t *testing.T) {
	tb := newTSBPDBuffer(0, 10*time.Millisecond, true, 16)
	now := time.Second
	require.True(t, tb.add(tsbpdPacket(0, 0, "a"), now))
	assert.False(t, tb.add(tsbpdPacket(100, 100, "z"), now), "beyond ring capacity")
}

func TestTSBPDAbandonRange(t *testing.T) {
	tb := newTSBPDBuffer(10, 50*time.Millisecond, true, 64)
	now := time.Second

	require.True(t, tb.add(tsbpdPacket(10, 0, "a"), now))
	require.True(t, tb.add(tsbpdPacket(12, 2000, "c"), now))
	require.True(t, tb.add(tsbpdPacket(14, 4000, "e"), now))

	// the sender gave up on 11..13
	out, _ := tb.release(now + 50*time.Millisecond)
	assert.Equal(t, []string{"a"}, releasedPayloads(out))
	tb.abandon(11, 13)

	// 12 was flushed from the buffer, and a late 13 is refused
	assert.False(t, tb.add(tsbpdPacket(13, 3000, "d"), now+time.Millisecond))

	out, skipped := tb.release(now + 55*time.Millisecond)
	assert.Equal(t, []string{"e"}, releasedPayloads(out))
	assert.Empty(t, skipped) // abandoned, not deadline-skipped
	assert.Equal(t, uint64(1), tb.droppedPackets)
}

func TestTSBPDNextDeadline(t *testing.T) {
	latency := 40 * time.Millisecond
	tb := newTSBPDBuffer(10, latency, true, 64)

	_, ok := tb.nextDeadline()
	assert.False(t, ok)

	now := time.Second
	require.True(t, tb.add(tsbpdPacket(10, 0, "a"), now))
	deadline, ok := tb.nextDeadline()
	require.True(t, ok)
	assert.Equal(t, now+latency, deadline)

	// with the head missing, the first buffered entry sets the pace
	out, _ := tb.release(now + latency)
	require.Len(t, out, 1)
	require.True(t, tb.add(tsbpdPacket(13, 3000, "d"), now+3*time.Millisecond))
	deadline, ok = tb.nextDeadline()
	require.True(t, ok)
	assert.Equal(t, now+3*time.Millisecond+latency, deadline)
}

func TestTSBPDAvailBufferPackets(t *testing.T) {
	tb := newTSBPDBuffer(0, time.Millisecond, true, 16)
	full := tb.availBufferPackets()
	require.True(t, tb.add(tsbpdPacket(0, 0, "a"), time.Second))
	assert.Equal(t, full-1, tb.availBufferPackets())
}
