package kcp

import (
	"encoding/binary"

	"github.com/klauspost/reedsolomon"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Optional forward-error-correction layer. It sits between the engine
// and the datagram substrate: outgoing datagrams pass through a
// fecEncoder, which stamps an 8-byte header and emits parity datagrams
// once per shard group; incoming datagrams pass through a fecDecoder,
// which reconstructs data lost on the wire before it reaches Input.
// The engine itself never touches this code.

const (
	fecHeaderSize      = 6
	fecHeaderSizePlus2 = fecHeaderSize + 2 // plus the size field
	typeData           = 0xf1
	typeParity         = 0xf2
)

type fecPacket struct {
	seqid uint32
	flag  uint16
	// the shard region: size field plus payload for data packets,
	// raw parity bytes for parity packets
	data []byte
}

func fecPacketFromBytes(raw []byte) (fecPacket, error) {
	if len(raw) < fecHeaderSizePlus2 {
		return fecPacket{}, ErrMalformedInput
	}
	pkt := fecPacket{
		seqid: binary.LittleEndian.Uint32(raw),
		flag:  binary.LittleEndian.Uint16(raw[4:]),
	}
	if pkt.flag != typeData && pkt.flag != typeParity {
		return fecPacket{}, ErrMalformedInput
	}
	pkt.data = pool.Get(len(raw) - fecHeaderSize)
	copy(pkt.data, raw[fecHeaderSize:])
	return pkt, nil
}

type fecEncoder struct {
	dataShards   int
	parityShards int
	paws         uint32 // seqid wraps at a whole number of groups
	next         uint32

	shardCount int
	maxSize    int
	shardCache [][]byte

	codec reedsolomon.Encoder
}

func newFECEncoder(dataShards, parityShards int) (*fecEncoder, error) {
	if dataShards <= 0 || parityShards <= 0 {
		return nil, errors.New("invalid shard configuration")
	}
	codec, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, errors.Wrap(err, "reedsolomon")
	}
	shardSize := uint32(dataShards + parityShards)
	return &fecEncoder{
		dataShards:   dataShards,
		parityShards: parityShards,
		paws:         0xffffffff / shardSize * shardSize,
		shardCache:   make([][]byte, dataShards+parityShards),
		codec:        codec,
	}, nil
}

// encode wraps one outgoing datagram into a data packet and, when the
// current group is complete, appends its parity packets. Returned
// buffers are pool-backed; the caller releases them with fecRelease
// after the sink consumed them.
func (enc *fecEncoder) encode(payload []byte) ([][]byte, error) {
	dataPkt := pool.Get(fecHeaderSizePlus2 + len(payload))
	binary.LittleEndian.PutUint32(dataPkt, enc.next)
	binary.LittleEndian.PutUint16(dataPkt[4:], typeData)
	binary.LittleEndian.PutUint16(dataPkt[fecHeaderSize:], uint16(len(payload)+2))
	copy(dataPkt[fecHeaderSizePlus2:], payload)
	enc.next = (enc.next + 1) % enc.paws

	// cache a copy of the shard region for the parity computation
	shard := pool.Get(len(dataPkt) - fecHeaderSize)
	copy(shard, dataPkt[fecHeaderSize:])
	enc.shardCache[enc.shardCount] = shard
	enc.shardCount++
	if len(shard) > enc.maxSize {
		enc.maxSize = len(shard)
	}

	packets := [][]byte{dataPkt}
	if enc.shardCount < enc.dataShards {
		return packets, nil
	}

	// group complete: zero-pad shards to a common length and derive
	// the parity shards
	shards := make([][]byte, enc.dataShards+enc.parityShards)
	for i := 0; i < enc.dataShards; i++ {
		shards[i] = padShard(enc.shardCache[i], enc.maxSize)
	}
	for i := enc.dataShards; i < len(shards); i++ {
		shards[i] = zeroShard(enc.maxSize)
	}
	if err := enc.codec.Encode(shards); err != nil {
		enc.resetGroup(shards)
		return packets, errors.Wrap(err, "reedsolomon")
	}

	for i := enc.dataShards; i < len(shards); i++ {
		parityPkt := pool.Get(fecHeaderSize + enc.maxSize)
		binary.LittleEndian.PutUint32(parityPkt, enc.next)
		binary.LittleEndian.PutUint16(parityPkt[4:], typeParity)
		copy(parityPkt[fecHeaderSize:], shards[i])
		enc.next = (enc.next + 1) % enc.paws
		packets = append(packets, parityPkt)
	}
	enc.resetGroup(shards)
	return packets, nil
}

func (enc *fecEncoder) resetGroup(shards [][]byte) {
	for _, shard := range shards {
		fecRelease(shard)
	}
	for i := 0; i < enc.shardCount; i++ {
		fecRelease(enc.shardCache[i])
		enc.shardCache[i] = nil
	}
	enc.shardCount = 0
	enc.maxSize = 0
}

type fecDecoder struct {
	dataShards   int
	parityShards int
	rxlimit      int

	rx []fecPacket // ordered by seqid

	codec reedsolomon.Encoder
}

func newFECDecoder(rxlimit, dataShards, parityShards int) (*fecDecoder, error) {
	if dataShards <= 0 || parityShards <= 0 {
		return nil, errors.New("invalid shard configuration")
	}
	if rxlimit < dataShards+parityShards {
		return nil, errors.New("rxlimit below one shard group")
	}
	codec, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, errors.Wrap(err, "reedsolomon")
	}
	return &fecDecoder{
		dataShards:   dataShards,
		parityShards: parityShards,
		rxlimit:      rxlimit,
		codec:        codec,
	}, nil
}

// decode ingests one raw datagram from the substrate and returns the
// payloads that became deliverable: the packet's own payload when it
// is fresh data, plus any payloads reconstructed from parity. Returned
// slices are freshly allocated and owned by the caller.
func (dec *fecDecoder) decode(raw []byte) ([][]byte, error) {
	pkt, err := fecPacketFromBytes(raw)
	if err != nil {
		return nil, err
	}

	// insert sorted by seqid, drop duplicates
	insertIdx := len(dec.rx)
	for i := len(dec.rx) - 1; i >= 0; i-- {
		if pkt.seqid == dec.rx[i].seqid {
			fecRelease(pkt.data)
			return nil, nil
		}
		if timediff(pkt.seqid, dec.rx[i].seqid) > 0 {
			break
		}
		insertIdx = i
	}
	dec.rx = append(dec.rx, fecPacket{})
	copy(dec.rx[insertIdx+1:], dec.rx[insertIdx:])
	dec.rx[insertIdx] = pkt

	var out [][]byte
	if pkt.flag == typeData {
		if payload := dataPayload(pkt.data); payload != nil {
			out = append(out, payload)
		}
	}

	out = append(out, dec.reconstruct(pkt.seqid)...)

	// keep the window bounded; the oldest group pays for overflow
	if len(dec.rx) > dec.rxlimit {
		log.Debugln("fec: rx window full, evicting seqid", dec.rx[0].seqid)
		fecRelease(dec.rx[0].data)
		dec.rx = dec.rx[1:]
	}
	return out, nil
}

// reconstruct attempts recovery of the group containing seqid and
// returns payloads of data shards that were missing. The group is
// removed from the window once all its shards have arrived or a
// reconstruction has been attempted, whether or not it succeeded.
func (dec *fecDecoder) reconstruct(seqid uint32) [][]byte {
	shardSize := uint32(dec.dataShards + dec.parityShards)
	groupBegin := seqid - seqid%shardSize

	first := -1
	numShards, numDataShards, maxlen := 0, 0, 0
	for i := range dec.rx {
		if dec.rx[i].seqid < groupBegin || dec.rx[i].seqid >= groupBegin+shardSize {
			continue
		}
		if first < 0 {
			first = i
		}
		numShards++
		if dec.rx[i].flag == typeData {
			numDataShards++
		}
		if len(dec.rx[i].data) > maxlen {
			maxlen = len(dec.rx[i].data)
		}
	}
	if numShards < dec.dataShards {
		return nil
	}

	var recovered [][]byte
	attempted := false
	if numDataShards < dec.dataShards {
		attempted = true
		shards := make([][]byte, shardSize)
		present := make([]bool, shardSize)
		for i := first; i < len(dec.rx) && i < first+numShards; i++ {
			slot := dec.rx[i].seqid - groupBegin
			shards[slot] = padShard(dec.rx[i].data, maxlen)
			present[slot] = true
		}
		if err := dec.codec.ReconstructData(shards); err != nil {
			log.Debugln("fec: reconstruction failed:", err)
		} else {
			for slot := 0; slot < dec.dataShards; slot++ {
				if !present[slot] {
					if payload := dataPayload(shards[slot]); payload != nil {
						recovered = append(recovered, payload)
					}
				}
			}
		}
		for _, shard := range shards {
			fecRelease(shard)
		}
	}

	// a fully-seen or reconstructed group has nothing left to
	// contribute; straggler shards of freed groups age out via rxlimit
	if numShards == int(shardSize) || attempted {
		for i := first; i < first+numShards; i++ {
			fecRelease(dec.rx[i].data)
		}
		dec.rx = append(dec.rx[:first], dec.rx[first+numShards:]...)
	}
	return recovered
}

// dataPayload strips the size field from a data shard and copies the
// payload out of pool-backed storage.
func dataPayload(shard []byte) []byte {
	if len(shard) < 2 {
		return nil
	}
	size := int(binary.LittleEndian.Uint16(shard))
	if size < 2 || size > len(shard) {
		return nil
	}
	out := make([]byte, size-2)
	copy(out, shard[2:size])
	return out
}

func padShard(shard []byte, size int) []byte {
	padded := pool.Get(size)
	n := copy(padded, shard)
	for i := n; i < size; i++ {
		padded[i] = 0
	}
	return padded
}

func zeroShard(size int) []byte {
	shard := pool.Get(size)
	for i := range shard {
		shard[i] = 0
	}
	return shard
}

// fecRelease returns a pool-backed buffer. Safe on nil.
func fecRelease(buf []byte) {
	if cap(buf) > 0 {
		pool.Put(buf)
	}
}
