package kcp

import (
	"encoding/binary"
	"math/rand"
)

// captureSink records emitted datagrams so tests can inspect, drop or
// reorder them before feeding the peer.
type captureSink struct {
	packets [][]byte
}

func (sink *captureSink) output(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)
	sink.packets = append(sink.packets, buf)
	return nil
}

func (sink *captureSink) drain() [][]byte {
	packets := sink.packets
	sink.packets = nil
	return packets
}

// splitSegments cuts a datagram into one buffer per segment, using the
// len field to find the boundaries.
func splitSegments(datagram []byte) [][]byte {
	var segments [][]byte
	for len(datagram) >= overhead {
		length := binary.LittleEndian.Uint32(datagram[lenPosition.start:])
		end := overhead + int(length)
		segments = append(segments, datagram[:end])
		datagram = datagram[end:]
	}
	return segments
}

func segmentSn(raw []byte) uint32 {
	return binary.LittleEndian.Uint32(raw[snPosition.start:])
}

func segmentCmd(raw []byte) byte {
	return raw[cmdPosition.start]
}

// encodeRawSegment builds a single wire segment for malformed-input
// tests.
func encodeRawSegment(conv uint32, cmd byte, sn uint32, payload []byte) []byte {
	seg := &segment{conv: conv, cmd: cmd, sn: sn, data: payload}
	buf := make([]byte, overhead+len(payload))
	seg.encode(buf)
	copy(buf[overhead:], payload)
	return buf
}

// delayPacket is one datagram in flight through the simulated link.
type delayPacket struct {
	ts   uint32
	data []byte
}

// latencySimulator is a deterministic lossy link driven by the same
// virtual clock as the control blocks: packets are dropped by a seeded
// PRNG and delivered after a random delay once the clock passes their
// due time.
type latencySimulator struct {
	lossRate float64
	rttMin   uint32
	rttMax   uint32
	rng      *rand.Rand
	tunnel   []delayPacket
	tx       int
}

func newLatencySimulator(seed int64, lossRate float64, rttMin, rttMax uint32) *latencySimulator {
	return &latencySimulator{
		lossRate: lossRate,
		rttMin:   rttMin,
		rttMax:   rttMax,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// send enqueues a datagram for delayed delivery, or drops it.
func (sim *latencySimulator) send(current uint32, p []byte) {
	sim.tx++
	if sim.rng.Float64() < sim.lossRate {
		return
	}
	delay := sim.rttMin / 2
	if sim.rttMax > sim.rttMin {
		delay += uint32(sim.rng.Int31n(int32(sim.rttMax-sim.rttMin) / 2))
	}
	data := make([]byte, len(p))
	copy(data, p)
	sim.tunnel = append(sim.tunnel, delayPacket{ts: current + delay, data: data})
}

// recv pops the next due datagram, nil when none is ready.
func (sim *latencySimulator) recv(current uint32) []byte {
	if len(sim.tunnel) == 0 {
		return nil
	}
	pkt := sim.tunnel[0]
	if timediff(current, pkt.ts) < 0 {
		return nil
	}
	sim.tunnel = sim.tunnel[1:]
	return pkt.data
}
