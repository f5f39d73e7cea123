package kcp

// ringBufferSnd holds the in-flight window. Slots are addressed by
// sn % size, which stays collision-free because the flush loop never
// lets snd_nxt run more than the window size ahead of snd_una.
// Acknowledged segments leave holes; una advances over them.
type ringBufferSnd struct {
	buffer []*segment
	s      uint32
	una    uint32 // oldest unacknowledged sn
	nxt    uint32 // next sn to assign
}

func newRingBufferSnd(size uint32) *ringBufferSnd {
	return &ringBufferSnd{
		buffer: make([]*segment, size),
		s:      size,
	}
}

func (ring *ringBufferSnd) size() uint32 {
	return ring.s
}

func (ring *ringBufferSnd) inflight() uint32 {
	return ring.nxt - ring.una
}

func (ring *ringBufferSnd) isEmpty() bool {
	return ring.una == ring.nxt
}

// push stores a segment under the next sequence number. The caller
// must have assigned seg.sn = ring.nxt beforehand.
func (ring *ringBufferSnd) push(seg *segment) bool {
	if ring.inflight() >= ring.s || seg.sn != ring.nxt {
		return false
	}
	ring.buffer[seg.sn%ring.s] = seg
	ring.nxt++
	return true
}

// ack removes the segment with the given sn, if it is live, and
// advances una past any holes this opened.
func (ring *ringBufferSnd) ack(sn uint32) *segment {
	if timediff(sn, ring.una) < 0 || timediff(sn, ring.nxt) >= 0 {
		return nil
	}
	index := sn % ring.s
	seg := ring.buffer[index]
	if seg == nil || seg.sn != sn {
		return nil
	}
	ring.buffer[index] = nil
	ring.shrink()
	return seg
}

// removeUna drops every segment with sn < una and returns them so the
// caller can release payloads.
func (ring *ringBufferSnd) removeUna(una uint32) []*segment {
	if timediff(una, ring.nxt) > 0 {
		una = ring.nxt
	}
	var removed []*segment
	for cur := ring.una; timediff(cur, una) < 0; cur++ {
		index := cur % ring.s
		if seg := ring.buffer[index]; seg != nil {
			removed = append(removed, seg)
			ring.buffer[index] = nil
		}
	}
	ring.shrink()
	return removed
}

// fastack counts, for every live segment below sn, that a later sn has
// been acknowledged ahead of it.
func (ring *ringBufferSnd) fastack(sn uint32) {
	if timediff(sn, ring.una) < 0 || timediff(sn, ring.nxt) >= 0 {
		return
	}
	for cur := ring.una; timediff(cur, sn) < 0 && cur != ring.nxt; cur++ {
		if seg := ring.buffer[cur%ring.s]; seg != nil {
			seg.fastack++
		}
	}
}

// each walks live segments in sn order until fn returns false.
func (ring *ringBufferSnd) each(fn func(seg *segment) bool) {
	for cur := ring.una; cur != ring.nxt; cur++ {
		seg := ring.buffer[cur%ring.s]
		if seg == nil {
			continue
		}
		if !fn(seg) {
			break
		}
	}
}

func (ring *ringBufferSnd) shrink() {
	for ring.una != ring.nxt && ring.buffer[ring.una%ring.s] == nil {
		ring.una++
	}
}

// resize re-slots live segments into a ring of the target size. The
// target is widened when more segments are in flight than it can hold.
func (ring *ringBufferSnd) resize(targetSize uint32) *ringBufferSnd {
	if targetSize == ring.s {
		return ring
	}
	if targetSize < ring.inflight() {
		targetSize = ring.inflight()
	}
	r := newRingBufferSnd(targetSize)
	r.una = ring.una
	r.nxt = ring.nxt
	for cur := ring.una; cur != ring.nxt; cur++ {
		if seg := ring.buffer[cur%ring.s]; seg != nil {
			r.buffer[cur%targetSize] = seg
		}
	}
	return r
}
