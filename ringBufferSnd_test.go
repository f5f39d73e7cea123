package kcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sndRingWith(t *testing.T, ring *ringBufferSnd, count int) {
	for i := 0; i < count; i++ {
		seg := &segment{sn: ring.nxt}
		assert.True(t, ring.push(seg))
	}
}

func TestSndPushSequence(t *testing.T) {
	ring := newRingBufferSnd(10)
	sndRingWith(t, ring, 3)
	assert.Equal(t, uint32(0), ring.una)
	assert.Equal(t, uint32(3), ring.nxt)
	assert.Equal(t, uint32(3), ring.inflight())
}

func TestSndPushFull(t *testing.T) {
	ring := newRingBufferSnd(4)
	sndRingWith(t, ring, 4)
	assert.False(t, ring.push(&segment{sn: ring.nxt}))
}

func TestSndPushWrongSn(t *testing.T) {
	ring := newRingBufferSnd(4)
	assert.False(t, ring.push(&segment{sn: 5}))
}

func TestSndAckInOrder(t *testing.T) {
	ring := newRingBufferSnd(10)
	sndRingWith(t, ring, 3)
	assert.NotNil(t, ring.ack(0))
	assert.Equal(t, uint32(1), ring.una)
	assert.NotNil(t, ring.ack(1))
	assert.NotNil(t, ring.ack(2))
	assert.True(t, ring.isEmpty())
	assert.Equal(t, ring.nxt, ring.una)
}

func TestSndAckOutOfOrderLeavesHole(t *testing.T) {
	ring := newRingBufferSnd(10)
	sndRingWith(t, ring, 3)
	assert.NotNil(t, ring.ack(1))
	assert.Equal(t, uint32(0), ring.una) // sn 0 still in flight
	assert.Nil(t, ring.ack(1))           // already gone
	assert.NotNil(t, ring.ack(0))
	assert.Equal(t, uint32(2), ring.una) // hole at 1 skipped
}

func TestSndAckOutsideWindow(t *testing.T) {
	ring := newRingBufferSnd(10)
	sndRingWith(t, ring, 2)
	assert.Nil(t, ring.ack(7))
}

func TestSndRemoveUna(t *testing.T) {
	ring := newRingBufferSnd(10)
	sndRingWith(t, ring, 5)
	removed := ring.removeUna(3)
	assert.Equal(t, 3, len(removed))
	assert.Equal(t, uint32(3), ring.una)

	// stale una is a no-op
	assert.Empty(t, ring.removeUna(1))
	assert.Equal(t, uint32(3), ring.una)

	// una beyond nxt clamps
	removed = ring.removeUna(100)
	assert.Equal(t, 2, len(removed))
	assert.True(t, ring.isEmpty())
}

func TestSndFastack(t *testing.T) {
	ring := newRingBufferSnd(10)
	sndRingWith(t, ring, 4)
	ring.ack(2)
	ring.fastack(2)
	counts := map[uint32]uint32{}
	ring.each(func(seg *segment) bool {
		counts[seg.sn] = seg.fastack
		return true
	})
	assert.Equal(t, uint32(1), counts[0])
	assert.Equal(t, uint32(1), counts[1])
	assert.Equal(t, uint32(0), counts[3])
}

func TestSndEachOrderAcrossWrap(t *testing.T) {
	ring := newRingBufferSnd(4)
	sndRingWith(t, ring, 4)
	for sn := uint32(0); sn < 3; sn++ {
		ring.ack(sn)
	}
	sndRingWith(t, ring, 3) // sns 4..6 reuse wrapped slots
	var sns []uint32
	ring.each(func(seg *segment) bool {
		sns = append(sns, seg.sn)
		return true
	})
	assert.Equal(t, []uint32{3, 4, 5, 6}, sns)
}

func TestSndResizePreserves(t *testing.T) {
	ring := newRingBufferSnd(4)
	sndRingWith(t, ring, 4)
	ring.ack(1)
	resized := ring.resize(8)
	assert.Equal(t, uint32(8), resized.size())
	assert.Equal(t, uint32(0), resized.una)
	assert.Equal(t, uint32(4), resized.nxt)
	var sns []uint32
	resized.each(func(seg *segment) bool {
		sns = append(sns, seg.sn)
		return true
	})
	assert.Equal(t, []uint32{0, 2, 3}, sns)
}

func TestSndResizeBelowInflight(t *testing.T) {
	ring := newRingBufferSnd(8)
	sndRingWith(t, ring, 6)
	resized := ring.resize(2)
	assert.Equal(t, uint32(6), resized.size())
	assert.Equal(t, uint32(6), resized.inflight())
}
