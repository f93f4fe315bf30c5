package heap

import (
	"encoding/binary"
	"fmt"

	"github.com/epokhe/mgtr/addr"
)

// HeaderSize is the on-disk size of a HeapBlockHeader, chosen so that the
// payload that immediately follows is always 16-byte aligned provided the
// arena itself starts 16-byte aligned.
const HeaderSize = 16

// signature is the constant stored in the low 30 bits of the header's
// first word, used to detect corruption/misinterpreted offsets.
const signature = 0x3757

const freeBit = 1 << 31

// blockHeader mirrors spec.md's HeapBlockHeader: is_free:1, signature:30,
// size:u32, next:FarAddress. The signature and is_free flag share a single
// 32-bit word; size and next each get their own word.
type blockHeader struct {
	isFree bool
	size   uint32
	next   addr.FarAddress
}

// ErrBadSignature indicates a block header failed the signature check,
// which almost always means the caller passed a FarAddress that does not
// point at a real allocation.
var ErrBadSignature = fmt.Errorf("heap: bad block signature")

func readHeader(raw []byte) (blockHeader, error) {
	if len(raw) < HeaderSize {
		return blockHeader{}, fmt.Errorf("heap: short header read (%d bytes)", len(raw))
	}
	word0 := binary.LittleEndian.Uint32(raw[0:4])
	sig := word0 &^ freeBit
	if sig != signature {
		return blockHeader{}, fmt.Errorf("%w: got %#x", ErrBadSignature, sig)
	}
	return blockHeader{
		isFree: word0&freeBit != 0,
		size:   binary.LittleEndian.Uint32(raw[4:8]),
		next:   addr.FarAddress(binary.LittleEndian.Uint64(raw[8:16])),
	}, nil
}

func writeHeader(raw []byte, h blockHeader) {
	word0 := uint32(signature)
	if h.isFree {
		word0 |= freeBit
	}
	binary.LittleEndian.PutUint32(raw[0:4], word0)
	binary.LittleEndian.PutUint32(raw[4:8], h.size)
	binary.LittleEndian.PutUint64(raw[8:16], uint64(h.next))
}

// realSize is the total footprint of a block (header + payload).
func (h blockHeader) realSize() int64 {
	return HeaderSize + int64(h.size)
}
