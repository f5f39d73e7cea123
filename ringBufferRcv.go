package kcp

// ringBufferRcv holds segments that arrived ahead of rcv_nxt. Slots
// are addressed by sn % size; the acceptance window [nxt, nxt+size)
// keeps slots collision-free, and an occupied slot marks a duplicate.
type ringBufferRcv struct {
	buffer []*segment
	s      uint32
	nxt    uint32 // next expected sn (rcv_nxt)
}

func newRingBufferRcv(size uint32) *ringBufferRcv {
	return &ringBufferRcv{
		buffer: make([]*segment, size),
		s:      size,
	}
}

func (ring *ringBufferRcv) size() uint32 {
	return ring.s
}

// insert places a segment by its sn. Duplicates and segments outside
// [nxt, nxt+size) are rejected.
func (ring *ringBufferRcv) insert(seg *segment) bool {
	if timediff(seg.sn, ring.nxt) < 0 || timediff(seg.sn, ring.nxt+ring.s) >= 0 {
		return false
	}
	index := seg.sn % ring.s
	if ring.buffer[index] != nil {
		return false
	}
	ring.buffer[index] = seg
	return true
}

// removeSequence pops the contiguous run starting at nxt, at most
// limit segments, advancing nxt for each.
func (ring *ringBufferRcv) removeSequence(limit uint32) []*segment {
	var ret []*segment
	for uint32(len(ret)) < limit {
		index := ring.nxt % ring.s
		seg := ring.buffer[index]
		if seg == nil {
			break
		}
		ring.buffer[index] = nil
		ring.nxt++
		ret = append(ret, seg)
	}
	return ret
}

// pending counts segments waiting for their predecessors.
func (ring *ringBufferRcv) pending() uint32 {
	var n uint32
	for _, seg := range ring.buffer {
		if seg != nil {
			n++
		}
	}
	return n
}

// resize re-slots pending segments into a ring of the target size,
// widening it if a pending sn would fall outside the new window.
func (ring *ringBufferRcv) resize(targetSize uint32) *ringBufferRcv {
	if targetSize == ring.s {
		return ring
	}
	for _, seg := range ring.buffer {
		if seg == nil {
			continue
		}
		if span := uint32(timediff(seg.sn, ring.nxt)) + 1; span > targetSize {
			targetSize = span
		}
	}
	r := newRingBufferRcv(targetSize)
	r.nxt = ring.nxt
	for _, seg := range ring.buffer {
		if seg != nil {
			r.buffer[seg.sn%targetSize] = seg
		}
	}
	return r
}
