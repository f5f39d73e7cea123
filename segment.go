package kcp

import (
	"encoding/binary"

	pool "github.com/libp2p/go-buffer-pool"
)

// Header layout, little-endian, 24 bytes, followed by len payload
// bytes:
//
//	conv u32 | cmd u8 | frg u8 | wnd u16 | ts u32 | sn u32 | una u32 | len u32
type position struct {
	start, end int
}

var (
	convPosition = position{0, 4}
	cmdPosition  = position{4, 5}
	frgPosition  = position{5, 6}
	wndPosition  = position{6, 8}
	tsPosition   = position{8, 12}
	snPosition   = position{12, 16}
	unaPosition  = position{16, 20}
	lenPosition  = position{20, 24}
)

type segment struct {
	conv uint32
	cmd  byte
	frg  byte
	wnd  uint16
	ts   uint32
	sn   uint32
	una  uint32
	data []byte

	// bookkeeping for the send buffer, never on the wire
	resendts uint32
	rto      uint32
	fastack  uint32
	xmit     uint32
}

func newSegment(size int) *segment {
	seg := &segment{}
	if size > 0 {
		seg.data = pool.Get(size)
	}
	return seg
}

// release hands the payload back to the pool. The segment must not be
// touched afterwards.
func (seg *segment) release() {
	if cap(seg.data) > 0 {
		pool.Put(seg.data)
	}
	seg.data = nil
}

// encode writes the 24-byte header into buffer, which must have room.
// The payload is appended separately by the flush loop.
func (seg *segment) encode(buffer []byte) {
	binary.LittleEndian.PutUint32(buffer[convPosition.start:], seg.conv)
	buffer[cmdPosition.start] = seg.cmd
	buffer[frgPosition.start] = seg.frg
	binary.LittleEndian.PutUint16(buffer[wndPosition.start:], seg.wnd)
	binary.LittleEndian.PutUint32(buffer[tsPosition.start:], seg.ts)
	binary.LittleEndian.PutUint32(buffer[snPosition.start:], seg.sn)
	binary.LittleEndian.PutUint32(buffer[unaPosition.start:], seg.una)
	binary.LittleEndian.PutUint32(buffer[lenPosition.start:], uint32(len(seg.data)))
}

// decodeHeader reads a header from buffer into seg and returns the
// payload length announced by the len field. buffer must hold at least
// overhead bytes.
func (seg *segment) decodeHeader(buffer []byte) uint32 {
	seg.conv = binary.LittleEndian.Uint32(buffer[convPosition.start:])
	seg.cmd = buffer[cmdPosition.start]
	seg.frg = buffer[frgPosition.start]
	seg.wnd = binary.LittleEndian.Uint16(buffer[wndPosition.start:])
	seg.ts = binary.LittleEndian.Uint32(buffer[tsPosition.start:])
	seg.sn = binary.LittleEndian.Uint32(buffer[snPosition.start:])
	seg.una = binary.LittleEndian.Uint32(buffer[unaPosition.start:])
	return binary.LittleEndian.Uint32(buffer[lenPosition.start:])
}

func validCmd(cmd byte) bool {
	return cmd >= cmdPush && cmd <= cmdWins
}
