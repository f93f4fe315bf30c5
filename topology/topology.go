// Package topology implements the segment topology (spec.md C5): a
// compile-time schedule of typed "slots" that claim reserved sub-regions
// of every new segment, ahead of the heap arena.
package topology

import (
	"encoding/binary"
	"fmt"

	"github.com/epokhe/mgtr/addr"
	"github.com/epokhe/mgtr/mapped"
	"github.com/epokhe/mgtr/mgtrerr"
)

// eos marks a slot that claims no space in a given segment.
const eos = addr.Nil32

// Slot is one reserved, typed sub-region claimed in every segment (or a
// subset of segments, via HasResidence). Implementations are expected to
// be stateless value types or hold only in-memory caches keyed by segment
// index; the durable state lives in the mapped region itself.
type Slot interface {
	// HasResidence reports whether this slot claims space in segment i.
	HasResidence(i addr.SegmentIndex) bool

	// ByteSize returns how many bytes to reserve for this slot, given the
	// byte offset within the segment the slot's region would start at.
	ByteSize(segmentStart int64) uint32

	// OnNewSegment initializes the slot's region when a segment is first
	// created; start is the absolute offset within region.
	OnNewSegment(region *mapped.Region, start int64) error

	// Open reopens the slot's region in a previously created segment.
	Open(region *mapped.Region, start int64) error

	// ReleaseSegment drops any in-memory structures this slot holds for
	// segment i (the mapping itself is released by the segment manager).
	ReleaseSegment(i addr.SegmentIndex) error
}

// Topology is the ordered, fixed list of slots placed in every segment.
// The same slot list, in the same order, must be used for every segment
// in a database — this is enforced at Open via the persisted slot count.
type Topology struct {
	slots []Slot
}

// New builds a topology from an ordered list of slots.
func New(slots ...Slot) *Topology {
	return &Topology{slots: slots}
}

// tableOffset is where the slot table begins: immediately after the
// SegmentHeader. It is a parameter rather than a constant because the
// header format (and thus its size) lives in the segment package.
type tableOffset = int64

// entrySize is the on-disk footprint of one slot table entry: a single
// SegmentPos (u32), or eos if the slot has no residence in this segment.
const entrySize = 4

// headerSize returns the byte size of the slot count + slot offset table
// for a topology with n slots.
func (t *Topology) headerSize() int64 {
	return 2 + int64(len(t.slots))*entrySize + 4 // u16 count + offsets + trailing arenaStart u32
}

// OnSegmentAllocated writes the slot table for a freshly created segment
// and initializes every resident slot's region. It returns the byte
// offset where the heap arena begins (16-byte aligned).
func (t *Topology) OnSegmentAllocated(seg addr.SegmentIndex, region *mapped.Region, at tableOffset) (arenaStart int64, err error) {
	tableSize := t.headerSize()
	table, err := region.At(at, int(tableSize))
	if err != nil {
		return 0, fmt.Errorf("topology: slot table: %w", err)
	}
	binary.LittleEndian.PutUint16(table[0:2], uint16(len(t.slots)))

	cursor := at + tableSize
	for i, slot := range t.slots {
		entryOff := 2 + int64(i)*entrySize
		if !slot.HasResidence(seg) {
			binary.LittleEndian.PutUint32(table[entryOff:entryOff+4], eos)
			continue
		}
		size := slot.ByteSize(cursor)
		binary.LittleEndian.PutUint32(table[entryOff:entryOff+4], uint32(cursor))
		if err := slot.OnNewSegment(region, cursor); err != nil {
			return 0, fmt.Errorf("topology: slot %d OnNewSegment: %w", i, err)
		}
		cursor += int64(size)
	}

	arenaStart = align16(cursor)
	binary.LittleEndian.PutUint32(table[tableSize-4:tableSize], uint32(arenaStart))
	return arenaStart, nil
}

// OnSegmentOpening reads back a previously written slot table and reopens
// every resident slot. It asserts the persisted slot count matches this
// Topology's slot list — a static, type-level invariant made runtime-
// checkable because Go has no dependent-typed compile-time guarantee for
// "same topology used everywhere."
func (t *Topology) OnSegmentOpening(seg addr.SegmentIndex, region *mapped.Region, at tableOffset) (arenaStart int64, err error) {
	tableSize := t.headerSize()
	table, err := region.At(at, int(tableSize))
	if err != nil {
		return 0, fmt.Errorf("topology: slot table: %w", err)
	}

	count := binary.LittleEndian.Uint16(table[0:2])
	if int(count) != len(t.slots) {
		return 0, fmt.Errorf("%w: segment %d has %d slots, topology declares %d", mgtrerr.ErrCorruption, seg, count, len(t.slots))
	}

	for i, slot := range t.slots {
		entryOff := 2 + int64(i)*entrySize
		off := binary.LittleEndian.Uint32(table[entryOff : entryOff+4])
		if off == eos {
			if slot.HasResidence(seg) {
				return 0, fmt.Errorf("%w: slot %d expected residence in segment %d", mgtrerr.ErrCorruption, i, seg)
			}
			continue
		}
		if err := slot.Open(region, int64(off)); err != nil {
			return 0, fmt.Errorf("topology: slot %d Open: %w", i, err)
		}
	}

	arenaStart = int64(binary.LittleEndian.Uint32(table[tableSize-4 : tableSize]))
	return arenaStart, nil
}

// ReleaseSegment drops every slot's in-memory state for segment i.
func (t *Topology) ReleaseSegment(i addr.SegmentIndex) error {
	for _, slot := range t.slots {
		if err := slot.ReleaseSegment(i); err != nil {
			return err
		}
	}
	return nil
}

// HeaderSize exposes the slot-table footprint so the segment manager can
// place the table immediately after the SegmentHeader.
func (t *Topology) HeaderSize() int64 { return t.headerSize() }

func align16(v int64) int64 {
	if rem := v % 16; rem != 0 {
		v += 16 - rem
	}
	return v
}
