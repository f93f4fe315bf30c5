// Package addr implements the address model: a packed (segment, offset)
// pair identifying any byte in an mgtr database.
package addr

import (
	"fmt"
	"math"
)

// SegmentPos is a byte offset within one segment.
type SegmentPos uint32

// SegmentIndex is a zero-based segment number.
type SegmentIndex uint32

// Nil32 is the all-ones 32-bit value, usable as a sentinel segment index
// or position (the topology slot table uses it as its eos marker).
const Nil32 = math.MaxUint32

// FarAddress packs a segment index and an in-segment offset into a single
// 64-bit value: (SegmentIndex << 32) | SegmentPos. The all-ones value is
// the nil sentinel.
type FarAddress uint64

// NilFarAddress is the sentinel address: no segment, no offset.
const NilFarAddress FarAddress = math.MaxUint64

// New packs a segment index and position into a FarAddress.
func New(seg SegmentIndex, pos SegmentPos) FarAddress {
	return FarAddress(uint64(seg)<<32 | uint64(pos))
}

// Segment returns the segment index component.
func (a FarAddress) Segment() SegmentIndex {
	return SegmentIndex(uint64(a) >> 32)
}

// Pos returns the in-segment offset component.
func (a FarAddress) Pos() SegmentPos {
	return SegmentPos(uint64(a) & 0xffffffff)
}

// IsNil reports whether a is the nil sentinel.
func (a FarAddress) IsNil() bool {
	return a == NilFarAddress
}

// Add returns a new FarAddress offset by delta bytes within the same
// segment. It panics if the addition would wrap the 32-bit offset space;
// callers are expected to have already bounds-checked against the segment
// size, this is strictly an overflow assertion.
func (a FarAddress) Add(delta int64) FarAddress {
	if a.IsNil() {
		panic("addr: Add on nil FarAddress")
	}
	pos := int64(a.Pos()) + delta
	if pos < 0 || pos > int64(math.MaxUint32) {
		panic(fmt.Sprintf("addr: offset overflow: %d + %d", a.Pos(), delta))
	}
	return New(a.Segment(), SegmentPos(pos))
}

// Diff returns b - a as a byte count, provided both addresses share a
// segment. It panics otherwise; diffing across segments is a programming
// error, never a runtime condition callers should branch on.
func (a FarAddress) Diff(b FarAddress) int64 {
	if a.Segment() != b.Segment() {
		panic("addr: Diff across different segments")
	}
	return int64(b.Pos()) - int64(a.Pos())
}

// Hash returns a hash of the address suitable for use as a map key or in a
// hash table; it is simply the 64-bit packed value since FarAddress is
// already dense and uniformly distributed across its bit range in practice.
func (a FarAddress) Hash() uint64 {
	return uint64(a)
}

func (a FarAddress) String() string {
	if a.IsNil() {
		return "nil"
	}
	return fmt.Sprintf("(%d:%d)", a.Segment(), a.Pos())
}
