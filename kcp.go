// Package kcp implements the per-connection ARQ engine of the KCP
// protocol: segment framing, send/receive windows, selective
// acknowledgement, retransmission timing and congestion control. The
// engine is a plain state machine driven by a single caller; it opens
// no sockets and runs no timers. Time is injected through Update and
// datagrams leave through a caller-supplied output sink.
package kcp

import (
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// OutputFunc consumes one outgoing datagram. The buffer is reused by
// the engine after the call returns. An error aborts the running flush
// and is handed back to the caller.
type OutputFunc func(p []byte) error

type ackItem struct {
	sn uint32
	ts uint32
}

// KCP is the control block of a single conversation. It is not safe
// for concurrent use; the caller serializes access.
type KCP struct {
	conv uint32
	mtu  uint32
	mss  uint32

	sndWnd uint32
	rcvWnd uint32
	rmtWnd uint32

	cwnd     uint32
	ssthresh uint32
	incr     uint32

	rxSrtt   uint32
	rxRttval uint32
	rxRto    uint32
	rxMinrto uint32

	current  uint32
	interval uint32
	tsFlush  uint32
	updated  bool

	probe     uint32
	tsProbe   uint32
	probeWait uint32

	nodelay    uint32
	fastresend uint32
	fastlimit  uint32
	nocwnd     bool
	stream     bool

	deadLink uint32
	dead     bool

	sndQueue *segmentQueue
	rcvQueue *segmentQueue
	sndBuf   *ringBufferSnd
	rcvBuf   *ringBufferRcv

	acklist []ackItem

	buffer []byte
	ptr    int

	output OutputFunc
}

// NewKCP creates a control block. conv must be equal on both endpoints
// of the same conversation; it is agreed out of band.
func NewKCP(conv uint32, output OutputFunc) *KCP {
	if output == nil {
		output = func([]byte) error { return nil }
	}
	return &KCP{
		conv:      conv,
		mtu:       defaultMTU,
		mss:       defaultMTU - overhead,
		sndWnd:    defaultSndWnd,
		rcvWnd:    defaultRcvWnd,
		rmtWnd:    defaultRcvWnd,
		ssthresh:  ssthreshInit,
		rxRto:     rtoDefault,
		rxMinrto:  rtoMin,
		interval:  defaultInterval,
		tsFlush:   defaultInterval,
		fastlimit: defaultFastLimit,
		deadLink:  defaultDeadLink,
		sndQueue:  newSegmentQueue(),
		rcvQueue:  newSegmentQueue(),
		sndBuf:    newRingBufferSnd(defaultSndWnd),
		rcvBuf:    newRingBufferRcv(defaultRcvWnd),
		buffer:    make([]byte, (defaultMTU+overhead)*3),
		output:    output,
	}
}

// PeekSize reports the size of the next complete message in the
// receive queue, or ErrWouldBlock while fragments are still missing.
func (kcp *KCP) PeekSize() (int, error) {
	head := kcp.rcvQueue.peek()
	if head == nil {
		return 0, ErrWouldBlock
	}
	if head.frg == 0 {
		return len(head.data), nil
	}
	if kcp.rcvQueue.len() < int(head.frg)+1 {
		return 0, ErrWouldBlock
	}
	length := 0
	kcp.rcvQueue.each(func(seg *segment) bool {
		length += len(seg.data)
		return seg.frg != 0
	})
	return length, nil
}

// Recv drains the next complete message into buffer. It returns
// ErrWouldBlock when nothing is deliverable and a BufferSizeError when
// buffer cannot hold the message.
func (kcp *KCP) Recv(buffer []byte) (int, error) {
	peeksize, err := kcp.PeekSize()
	if err != nil {
		return 0, err
	}
	if peeksize > len(buffer) {
		return 0, &BufferSizeError{Required: peeksize}
	}

	fastRecover := kcp.rcvQueue.len() >= int(kcp.rcvWnd)

	// merge fragments
	n := 0
	for {
		seg := kcp.rcvQueue.dequeue()
		copy(buffer[n:], seg.data)
		n += len(seg.data)
		last := seg.frg == 0
		seg.release()
		if last {
			break
		}
	}

	kcp.moveToRcvQueue()

	// the window was full and just opened; owe the peer a WINS
	if kcp.rcvQueue.len() < int(kcp.rcvWnd) && fastRecover {
		kcp.probe |= askTell
	}
	return n, nil
}

// Send enqueues a payload for transmission, fragmenting it into at
// most 255 segments. In stream mode the tail segment of the send queue
// is topped up to mss first and fragment counters stay zero.
func (kcp *KCP) Send(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}
	n := len(buffer)

	if kcp.stream {
		if last := kcp.sndQueue.peekBack(); last != nil && len(last.data) < int(kcp.mss) {
			capacity := int(kcp.mss) - len(last.data)
			extend := capacity
			if len(buffer) < capacity {
				extend = len(buffer)
			}
			oldlen := len(last.data)
			grown := pool.Get(oldlen + extend)
			copy(grown, last.data)
			copy(grown[oldlen:], buffer[:extend])
			if cap(last.data) > 0 {
				pool.Put(last.data)
			}
			last.data = grown
			last.frg = 0
			buffer = buffer[extend:]
		}
		if len(buffer) == 0 {
			return n, nil
		}
	}

	count := 1
	if len(buffer) > int(kcp.mss) {
		count = (len(buffer) + int(kcp.mss) - 1) / int(kcp.mss)
	}
	if count > 255 {
		return 0, ErrPayloadTooLarge
	}

	for i := 0; i < count; i++ {
		size := len(buffer)
		if size > int(kcp.mss) {
			size = int(kcp.mss)
		}
		seg := newSegment(size)
		copy(seg.data, buffer[:size])
		if !kcp.stream {
			seg.frg = byte(count - i - 1)
		}
		kcp.sndQueue.enqueue(seg)
		buffer = buffer[size:]
	}
	return n, nil
}

func (kcp *KCP) updateAck(rtt uint32) {
	if kcp.rxSrtt == 0 {
		kcp.rxSrtt = rtt
		kcp.rxRttval = rtt / 2
	} else {
		var delta uint32
		if rtt > kcp.rxSrtt {
			delta = rtt - kcp.rxSrtt
		} else {
			delta = kcp.rxSrtt - rtt
		}
		kcp.rxRttval = (3*kcp.rxRttval + delta) / 4
		kcp.rxSrtt = (7*kcp.rxSrtt + rtt) / 8
		if kcp.rxSrtt < 1 {
			kcp.rxSrtt = 1
		}
	}
	rto := kcp.rxSrtt + max32(kcp.interval, 4*kcp.rxRttval)
	kcp.rxRto = bound(kcp.rxMinrto, rto, rtoMax)
}

func (kcp *KCP) parseAck(sn, ts uint32) {
	seg := kcp.sndBuf.ack(sn)
	if seg == nil {
		return
	}
	// Karn's rule: only first transmissions produce RTT samples
	if seg.xmit == 1 {
		if rtt := timediff(kcp.current, ts); rtt >= 0 {
			kcp.updateAck(uint32(rtt))
		}
	}
	seg.release()
}

func (kcp *KCP) parseUna(una uint32) {
	for _, seg := range kcp.sndBuf.removeUna(una) {
		seg.release()
	}
}

func (kcp *KCP) ackPush(sn, ts uint32) {
	kcp.acklist = append(kcp.acklist, ackItem{sn: sn, ts: ts})
}

func (kcp *KCP) parseData(newseg *segment) {
	if !kcp.rcvBuf.insert(newseg) {
		newseg.release()
		return
	}
	kcp.moveToRcvQueue()
}

func (kcp *KCP) moveToRcvQueue() {
	free := int(kcp.rcvWnd) - kcp.rcvQueue.len()
	if free <= 0 {
		return
	}
	for _, seg := range kcp.rcvBuf.removeSequence(uint32(free)) {
		kcp.rcvQueue.enqueue(seg)
	}
}

// Input feeds one received datagram into the engine. ACK segments
// clear the send buffer, PUSH segments enter the receive path, WASK
// and WINS drive window probing. A parsing failure discards the
// remaining datagram and reports it.
func (kcp *KCP) Input(data []byte) error {
	if len(data) < overhead {
		log.Debugln("kcp: dropping short datagram of", len(data), "bytes")
		return ErrMalformedInput
	}

	oldUna := kcp.sndBuf.una
	var flag bool
	var maxack uint32

	for len(data) >= overhead {
		var seg segment
		length := seg.decodeHeader(data)
		if seg.conv != kcp.conv {
			log.Debugln("kcp: dropping datagram for conversation", seg.conv)
			return ErrConvMismatch
		}
		data = data[overhead:]
		if uint32(len(data)) < length {
			return ErrMalformedInput
		}
		if !validCmd(seg.cmd) {
			return ErrMalformedInput
		}

		kcp.rmtWnd = uint32(seg.wnd)
		kcp.parseUna(seg.una)

		switch seg.cmd {
		case cmdAck:
			kcp.parseAck(seg.sn, seg.ts)
			if !flag {
				flag = true
				maxack = seg.sn
			} else if timediff(seg.sn, maxack) > 0 {
				maxack = seg.sn
			}
		case cmdPush:
			if timediff(seg.sn, kcp.rcvBuf.nxt+kcp.rcvWnd) < 0 {
				// duplicates below rcv_nxt still earn an ACK so the
				// peer clears its send buffer under reorder
				kcp.ackPush(seg.sn, seg.ts)
				if timediff(seg.sn, kcp.rcvBuf.nxt) >= 0 {
					newseg := newSegment(int(length))
					newseg.conv = seg.conv
					newseg.cmd = seg.cmd
					newseg.frg = seg.frg
					newseg.wnd = seg.wnd
					newseg.ts = seg.ts
					newseg.sn = seg.sn
					newseg.una = seg.una
					copy(newseg.data, data[:length])
					kcp.parseData(newseg)
				}
			}
		case cmdWask:
			kcp.probe |= askTell
		case cmdWins:
			// window update was consumed above
		}
		data = data[length:]
	}
	if len(data) != 0 {
		// trailing bytes shorter than a header: corrupt tail
		return ErrMalformedInput
	}

	if flag {
		kcp.sndBuf.fastack(maxack)
	}

	// congestion window growth once the cumulative edge moved
	if timediff(kcp.sndBuf.una, oldUna) > 0 && kcp.cwnd < kcp.rmtWnd {
		mss := kcp.mss
		if kcp.cwnd < kcp.ssthresh {
			kcp.cwnd++
			kcp.incr += mss
		} else {
			if kcp.incr < mss {
				kcp.incr = mss
			}
			kcp.incr += (mss*mss)/kcp.incr + (mss / 16)
			if (kcp.cwnd+1)*mss <= kcp.incr {
				kcp.cwnd++
			}
		}
		if kcp.cwnd > kcp.rmtWnd {
			kcp.cwnd = kcp.rmtWnd
			kcp.incr = kcp.rmtWnd * mss
		}
	}
	return nil
}

func (kcp *KCP) wndUnused() uint16 {
	if free := int(kcp.rcvWnd) - kcp.rcvQueue.len(); free > 0 {
		return uint16(free)
	}
	return 0
}

// appendToBuffer stages one segment into the datagram buffer, flushing
// through the sink first when the mtu would be exceeded.
func (kcp *KCP) appendToBuffer(seg *segment) error {
	need := overhead + len(seg.data)
	if kcp.ptr+need > int(kcp.mtu) {
		if err := kcp.flushBuffer(); err != nil {
			return err
		}
	}
	seg.encode(kcp.buffer[kcp.ptr:])
	kcp.ptr += overhead
	if len(seg.data) > 0 {
		copy(kcp.buffer[kcp.ptr:], seg.data)
		kcp.ptr += len(seg.data)
	}
	return nil
}

func (kcp *KCP) flushBuffer() error {
	if kcp.ptr == 0 {
		return nil
	}
	if err := kcp.output(kcp.buffer[:kcp.ptr]); err != nil {
		return errors.Wrap(err, "output sink")
	}
	kcp.ptr = 0
	return nil
}

// Flush emits pending ACKs, window probes, new data and
// retransmissions, in that order, subject to the effective send
// window. A sink error aborts the flush; unsent state is kept for the
// next attempt.
func (kcp *KCP) Flush() error {
	// the protocol clock starts with the first Update
	if !kcp.updated {
		return nil
	}
	current := kcp.current
	var lost, change bool

	var seg segment
	seg.conv = kcp.conv
	seg.cmd = cmdAck
	seg.wnd = kcp.wndUnused()
	seg.una = kcp.rcvBuf.nxt

	// pending ACKs, duplicates included
	for i, ack := range kcp.acklist {
		seg.sn, seg.ts = ack.sn, ack.ts
		if err := kcp.appendToBuffer(&seg); err != nil {
			kcp.acklist = kcp.acklist[i:]
			return err
		}
	}
	kcp.acklist = kcp.acklist[:0]

	// probe scheduling while the peer advertises a closed window
	if kcp.rmtWnd == 0 {
		if kcp.probeWait == 0 {
			kcp.probeWait = probeInit
			kcp.tsProbe = current + kcp.probeWait
		} else if timediff(current, kcp.tsProbe) >= 0 {
			if kcp.probeWait < probeInit {
				kcp.probeWait = probeInit
			}
			kcp.probeWait += kcp.probeWait / 2
			if kcp.probeWait > probeLimit {
				kcp.probeWait = probeLimit
			}
			kcp.tsProbe = current + kcp.probeWait
			kcp.probe |= askSend
		}
	} else {
		kcp.tsProbe = 0
		kcp.probeWait = 0
	}

	if kcp.probe&askSend != 0 {
		seg.cmd = cmdWask
		if err := kcp.appendToBuffer(&seg); err != nil {
			return err
		}
	}
	if kcp.probe&askTell != 0 {
		seg.cmd = cmdWins
		if err := kcp.appendToBuffer(&seg); err != nil {
			return err
		}
	}
	kcp.probe = 0

	// effective send window
	cwnd := min32(kcp.sndWnd, kcp.rmtWnd)
	if !kcp.nocwnd {
		cwnd = min32(kcp.cwnd, cwnd)
	}

	// admit queued segments into the in-flight window
	for timediff(kcp.sndBuf.nxt, kcp.sndBuf.una+cwnd) < 0 {
		newseg := kcp.sndQueue.dequeue()
		if newseg == nil {
			break
		}
		newseg.conv = kcp.conv
		newseg.cmd = cmdPush
		newseg.wnd = seg.wnd
		newseg.ts = current
		newseg.sn = kcp.sndBuf.nxt
		newseg.una = kcp.rcvBuf.nxt
		newseg.resendts = current
		newseg.rto = kcp.rxRto
		newseg.fastack = 0
		newseg.xmit = 0
		kcp.sndBuf.push(newseg)
	}

	resent := kcp.fastresend
	if resent == 0 {
		resent = 0xffffffff
	}
	rtomin := kcp.rxRto >> 3
	if kcp.nodelay != 0 {
		rtomin = 0
	}

	var flushErr error
	kcp.sndBuf.each(func(segment *segment) bool {
		needsend := false
		if segment.xmit == 0 {
			needsend = true
			segment.xmit++
			segment.rto = kcp.rxRto
			segment.resendts = current + segment.rto + rtomin
		} else if timediff(current, segment.resendts) >= 0 {
			needsend = true
			segment.xmit++
			if kcp.nodelay == 0 {
				segment.rto += max32(segment.rto, kcp.rxRto)
			} else {
				segment.rto += segment.rto / 2
			}
			// timeout wins over a pending fast resend
			segment.fastack = 0
			segment.resendts = current + segment.rto
			lost = true
		} else if segment.fastack >= resent &&
			(segment.xmit <= kcp.fastlimit || kcp.fastlimit == 0) {
			needsend = true
			segment.xmit++
			segment.fastack = 0
			segment.rto = kcp.rxRto
			segment.resendts = current + segment.rto
			change = true
		}

		if needsend {
			segment.ts = current
			segment.wnd = seg.wnd
			segment.una = kcp.rcvBuf.nxt
			if err := kcp.appendToBuffer(segment); err != nil {
				flushErr = err
				return false
			}
			if segment.xmit >= kcp.deadLink && !kcp.dead {
				kcp.dead = true
				log.Debugf("kcp: conv %d segment sn %d reached %d transmissions",
					kcp.conv, segment.sn, segment.xmit)
			}
		}
		return true
	})
	if flushErr != nil {
		return flushErr
	}
	if err := kcp.flushBuffer(); err != nil {
		return err
	}

	// window collapse after a fast resend
	if change {
		inflight := kcp.sndBuf.inflight()
		kcp.ssthresh = inflight / 2
		if kcp.ssthresh < ssthreshMin {
			kcp.ssthresh = ssthreshMin
		}
		kcp.cwnd = kcp.ssthresh + resent
		kcp.incr = kcp.cwnd * kcp.mss
	}

	// slow-start restart after a timeout
	if lost {
		kcp.ssthresh = cwnd / 2
		if kcp.ssthresh < ssthreshMin {
			kcp.ssthresh = ssthreshMin
		}
		kcp.cwnd = 1
		kcp.incr = kcp.mss
	}

	if kcp.cwnd < 1 {
		kcp.cwnd = 1
		kcp.incr = kcp.mss
	}
	return nil
}

// Update advances the protocol clock and flushes when the interval is
// due. current is a millisecond timestamp; differences are computed in
// signed 32-bit space so session-internal wrap is tolerated.
func (kcp *KCP) Update(current uint32) error {
	kcp.current = current
	if !kcp.updated {
		kcp.updated = true
		kcp.tsFlush = current
	}

	slap := timediff(current, kcp.tsFlush)
	if slap >= 10000 || slap < -10000 {
		kcp.tsFlush = current
		slap = 0
	}

	if slap >= 0 {
		kcp.tsFlush += kcp.interval
		if timediff(current, kcp.tsFlush) >= 0 {
			kcp.tsFlush = current + kcp.interval
		}
		return kcp.Flush()
	}
	return nil
}

// Check returns the earliest absolute time at which Update can do
// useful work: the pending flush instant or the nearest retransmission
// deadline, whichever comes first. Callers may sleep until then
// instead of polling every interval.
func (kcp *KCP) Check(current uint32) uint32 {
	if !kcp.updated {
		return current
	}

	tsFlush := kcp.tsFlush
	if timediff(current, tsFlush) >= 10000 || timediff(current, tsFlush) < -10000 {
		tsFlush = current
	}
	if timediff(current, tsFlush) >= 0 {
		return current
	}

	tmFlush := timediff(tsFlush, current)
	tmPacket := int32(0x7fffffff)
	due := false
	kcp.sndBuf.each(func(seg *segment) bool {
		diff := timediff(seg.resendts, current)
		if diff <= 0 {
			due = true
			return false
		}
		if diff < tmPacket {
			tmPacket = diff
		}
		return true
	})
	if due {
		return current
	}

	minimal := uint32(tmPacket)
	if tmPacket >= tmFlush {
		minimal = uint32(tmFlush)
	}
	if minimal >= kcp.interval {
		minimal = kcp.interval
	}
	return current + minimal
}

// SetMTU changes the datagram size cap; mss follows as mtu minus the
// header overhead. Values below 50 are rejected.
func (kcp *KCP) SetMTU(mtu int) bool {
	if mtu < minMTU || mtu < overhead {
		return false
	}
	kcp.mtu = uint32(mtu)
	kcp.mss = kcp.mtu - overhead
	if need := (mtu + overhead) * 3; need > len(kcp.buffer) {
		kcp.buffer = make([]byte, need)
	}
	return true
}

// SetInterval adjusts the flush period, clamped to [10, 5000] ms.
func (kcp *KCP) SetInterval(interval int) {
	iv := uint32(interval)
	if iv > maxInterval {
		iv = maxInterval
	} else if iv < minInterval {
		iv = minInterval
	}
	kcp.interval = iv
}

// NoDelay tunes the aggressiveness of the engine. Fast mode is
// NoDelay(1, 10, 2, 1). Negative arguments leave the corresponding
// knob untouched.
func (kcp *KCP) NoDelay(nodelay, interval, resend, nc int) {
	if nodelay >= 0 {
		kcp.nodelay = uint32(nodelay)
		if nodelay != 0 {
			kcp.rxMinrto = rtoNoDelay
		} else {
			kcp.rxMinrto = rtoMin
		}
	}
	if interval >= 0 {
		kcp.SetInterval(interval)
	}
	if resend >= 0 {
		kcp.fastresend = uint32(resend)
	}
	if nc >= 0 {
		kcp.nocwnd = nc != 0
	}
}

// WndSize sets the maximum send and receive windows in segments.
// Non-positive values leave the corresponding window untouched.
func (kcp *KCP) WndSize(sndwnd, rcvwnd int) {
	if sndwnd > 0 {
		kcp.sndWnd = uint32(sndwnd)
		kcp.sndBuf = kcp.sndBuf.resize(kcp.sndWnd)
	}
	if rcvwnd > 0 {
		kcp.rcvWnd = uint32(rcvwnd)
		kcp.rcvBuf = kcp.rcvBuf.resize(kcp.rcvWnd)
	}
}

// SetStream toggles byte-stream fragmentation: message boundaries are
// no longer preserved and sends coalesce into full segments.
func (kcp *KCP) SetStream(stream bool) {
	kcp.stream = stream
}

// WaitSnd reports how many segments are queued or in flight.
func (kcp *KCP) WaitSnd() int {
	return int(kcp.sndBuf.inflight()) + kcp.sndQueue.len()
}

// IsDeadLink reports whether any segment has been transmitted
// dead_link (default 20) times without acknowledgement. The engine
// keeps running; tearing the connection down is the caller's call.
func (kcp *KCP) IsDeadLink() bool {
	return kcp.dead
}

func timediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func bound(lower, v, upper uint32) uint32 {
	if v < lower {
		return lower
	}
	if v > upper {
		return upper
	}
	return v
}
