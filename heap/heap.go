// Package heap implements the per-segment heap manager (spec.md C4): a
// Log₂-bucketed free-list skiplist that sub-allocates variable-sized
// blocks out of a segment's mapped arena.
package heap

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/epokhe/mgtr/addr"
	"github.com/epokhe/mgtr/mapped"
	"github.com/epokhe/mgtr/mgtrerr"
)

// MinBlock is the minimum payload size of any allocation; requests are
// rounded up so a residual split, if one happens, still meets it.
const MinBlock = 32

// arenaHeaderSize is the fixed header stored at the start of every
// segment's heap arena: an 8-byte bump-allocation cursor followed by 32
// free-list bucket heads (8 bytes each), padded to a 16-byte boundary.
const arenaHeaderSize = 8 + numBuckets*8 + 8 // 8 bytes reserved for alignment

// Manager sub-allocates blocks inside one segment's arena. One Manager
// exists per mapped segment.
type Manager struct {
	seg        addr.SegmentIndex
	region     *mapped.Region
	arenaStart int64 // offset in region where the arena header begins
	arenaEnd   int64 // offset in region one past the last usable byte

	bumpMu   sync.Mutex   // guards the bump-allocation cursor
	bucketMu [numBuckets]sync.Mutex
}

// NewArena initializes a fresh arena header (bump cursor past the header,
// all buckets empty) for a just-created segment.
func NewArena(seg addr.SegmentIndex, region *mapped.Region, arenaStart, arenaEnd int64) (*Manager, error) {
	m := &Manager{seg: seg, region: region, arenaStart: arenaStart, arenaEnd: arenaEnd}
	hdr, err := region.At(arenaStart, arenaHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("heap: init arena header: %w", err)
	}
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(arenaStart+arenaHeaderSize))
	for i := 0; i < numBuckets; i++ {
		binary.LittleEndian.PutUint64(hdr[8+i*8:16+i*8], uint64(addr.NilFarAddress))
	}
	return m, nil
}

// OpenArena reattaches a Manager to an arena that was already initialized
// on a previous run; the header is read back from the mapping as-is.
func OpenArena(seg addr.SegmentIndex, region *mapped.Region, arenaStart, arenaEnd int64) (*Manager, error) {
	if _, err := region.At(arenaStart, arenaHeaderSize); err != nil {
		return nil, fmt.Errorf("heap: open arena header: %w", err)
	}
	return &Manager{seg: seg, region: region, arenaStart: arenaStart, arenaEnd: arenaEnd}, nil
}

func (m *Manager) bump() int64 {
	hdr, _ := m.region.At(m.arenaStart, 8)
	return int64(binary.LittleEndian.Uint64(hdr))
}

func (m *Manager) setBump(v int64) {
	hdr, _ := m.region.At(m.arenaStart, 8)
	binary.LittleEndian.PutUint64(hdr, uint64(v))
}

func (m *Manager) bucketHead(b int) addr.FarAddress {
	off := m.arenaStart + 8 + int64(b)*8
	raw, _ := m.region.At(off, 8)
	return addr.FarAddress(binary.LittleEndian.Uint64(raw))
}

func (m *Manager) setBucketHead(b int, a addr.FarAddress) {
	off := m.arenaStart + 8 + int64(b)*8
	raw, _ := m.region.At(off, 8)
	binary.LittleEndian.PutUint64(raw, uint64(a))
}

// rawAt returns the raw bytes at a FarAddress without validating them as a
// header, for callers about to overwrite that span with a fresh header.
func (m *Manager) rawAt(a addr.FarAddress, n int64) ([]byte, error) {
	raw, err := m.region.At(int64(a.Pos()), int(n))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mgtrerr.ErrInvalidBlock, err)
	}
	return raw, nil
}

func (m *Manager) headerAt(a addr.FarAddress) (blockHeader, []byte, error) {
	raw, err := m.region.At(int64(a.Pos()), HeaderSize)
	if err != nil {
		return blockHeader{}, nil, fmt.Errorf("%w: %v", mgtrerr.ErrInvalidBlock, err)
	}
	h, err := readHeader(raw)
	if err != nil {
		return blockHeader{}, nil, fmt.Errorf("%w: %v", mgtrerr.ErrCorruption, err)
	}
	return h, raw, nil
}

// roundSize rounds a requested payload size up so that it is at least
// MinBlock and a multiple of 16 (so header+payload stays 16-byte aligned,
// since HeaderSize is itself 16 bytes).
func roundSize(requested uint32) uint32 {
	size := requested
	if size < MinBlock {
		size = MinBlock
	}
	if rem := size % 16; rem != 0 {
		size += 16 - rem
	}
	return size
}

// Allocate sub-allocates byteSize bytes and returns the payload address,
// 16-byte aligned, with a fresh HeapBlockHeader immediately before it.
func (m *Manager) Allocate(byteSize uint32) (addr.FarAddress, error) {
	size := roundSize(byteSize)

	if blockAddr, ok, err := m.pullNotLess(size); err != nil {
		return addr.NilFarAddress, err
	} else if ok {
		return m.carve(blockAddr, size)
	}

	return m.bumpAllocate(size)
}

// bumpAllocate carves a brand-new block off the end of the never-touched
// arena space, growing the bump cursor.
func (m *Manager) bumpAllocate(size uint32) (addr.FarAddress, error) {
	m.bumpMu.Lock()
	defer m.bumpMu.Unlock()

	cur := m.bump()
	need := int64(HeaderSize) + int64(size)
	if cur+need > m.arenaEnd {
		return addr.NilFarAddress, fmt.Errorf("%w: need %d bytes, %d available in segment %d",
			mgtrerr.ErrNoMemory, need, m.arenaEnd-cur, m.seg)
	}

	raw, err := m.region.At(cur, int(need))
	if err != nil {
		return addr.NilFarAddress, fmt.Errorf("%w: %v", mgtrerr.ErrInvalidBlock, err)
	}
	writeHeader(raw, blockHeader{isFree: false, size: size, next: addr.NilFarAddress})
	m.setBump(cur + need)

	return addr.New(m.seg, addr.SegmentPos(cur+int64(HeaderSize))), nil
}

// carve marks blockAddr (a free block of size >= requested) allocated,
// splitting off a residual free block when the remainder would still meet
// MinBlock.
func (m *Manager) carve(blockAddr addr.FarAddress, requested uint32) (addr.FarAddress, error) {
	h, raw, err := m.headerAt(blockAddr)
	if err != nil {
		return addr.NilFarAddress, err
	}

	// Splitting costs one extra HeaderSize to carve a new header for the
	// tail allocation out of the block's existing payload space.
	if h.size >= requested+uint32(HeaderSize)+MinBlock {
		remainderPayload := h.size - requested - uint32(HeaderSize)

		h.size = remainderPayload
		h.isFree = true
		h.next = addr.NilFarAddress
		writeHeader(raw, h)
		if err := m.insert(blockAddr, h.size); err != nil {
			return addr.NilFarAddress, err
		}

		tailAddr := blockAddr.Add(int64(HeaderSize) + int64(remainderPayload))
		tailRaw, err := m.rawAt(tailAddr, int64(HeaderSize))
		if err != nil {
			return addr.NilFarAddress, err
		}
		writeHeader(tailRaw, blockHeader{isFree: false, size: requested, next: addr.NilFarAddress})
		return tailAddr.Add(int64(HeaderSize)), nil
	}

	// No usable split: hand over the whole block as-is.
	h.isFree = false
	h.next = addr.NilFarAddress
	writeHeader(raw, h)
	return blockAddr.Add(int64(HeaderSize)), nil
}

// pullNotLess returns the smallest free block whose size is >= minSize,
// starting at bucketOf(minSize) and escalating to strictly larger buckets
// in ascending order on a miss, taking one bucket lock at a time so no two
// bucket locks are ever held simultaneously (avoids lock-order deadlocks
// with concurrent Deallocate/Insert calls).
func (m *Manager) pullNotLess(minSize uint32) (addr.FarAddress, bool, error) {
	segSize := m.arenaEnd - m.arenaStart
	start := bucketOf(minSize, segSize)

	for b := start; b < numBuckets; b++ {
		m.bucketMu[b].Lock()
		found, prev, err := m.scanBucket(b, minSize)
		if err != nil {
			m.bucketMu[b].Unlock()
			return addr.NilFarAddress, false, err
		}
		if found.IsNil() {
			m.bucketMu[b].Unlock()
			continue
		}
		if err := m.unlinkFromBucket(b, prev, found); err != nil {
			m.bucketMu[b].Unlock()
			return addr.NilFarAddress, false, err
		}
		m.bucketMu[b].Unlock()
		return found, true, nil
	}
	return addr.NilFarAddress, false, nil
}

// scanBucket walks bucket b's ascending-size chain for the first block
// with size >= minSize. Caller must hold bucketMu[b].
func (m *Manager) scanBucket(b int, minSize uint32) (found, prev addr.FarAddress, err error) {
	prev = addr.NilFarAddress
	cur := m.bucketHead(b)
	for !cur.IsNil() {
		h, _, err := m.headerAt(cur)
		if err != nil {
			return addr.NilFarAddress, addr.NilFarAddress, err
		}
		if h.size >= minSize {
			return cur, prev, nil
		}
		prev = cur
		cur = h.next
	}
	return addr.NilFarAddress, addr.NilFarAddress, nil
}

// unlinkFromBucket removes node from bucket b, given its predecessor
// (nil predecessor means node is the bucket head). Caller must hold
// bucketMu[b].
func (m *Manager) unlinkFromBucket(b int, prev, node addr.FarAddress) error {
	h, _, err := m.headerAt(node)
	if err != nil {
		return err
	}
	if prev.IsNil() {
		m.setBucketHead(b, h.next)
		return nil
	}
	ph, praw, err := m.headerAt(prev)
	if err != nil {
		return err
	}
	ph.next = h.next
	writeHeader(praw, ph)
	return nil
}

// insert splices a free block of the given size into its bucket's
// ascending-size chain.
func (m *Manager) insert(blockAddr addr.FarAddress, size uint32) error {
	segSize := m.arenaEnd - m.arenaStart
	b := bucketOf(size, segSize)

	m.bucketMu[b].Lock()
	defer m.bucketMu[b].Unlock()

	h, raw, err := m.headerAt(blockAddr)
	if err != nil {
		return err
	}
	h.isFree = true
	h.size = size

	prev := addr.NilFarAddress
	cur := m.bucketHead(b)
	for !cur.IsNil() {
		ch, _, err := m.headerAt(cur)
		if err != nil {
			return err
		}
		if ch.size >= size {
			break
		}
		prev = cur
		cur = ch.next
	}
	h.next = cur
	writeHeader(raw, h)

	if prev.IsNil() {
		m.setBucketHead(b, blockAddr)
	} else {
		ph, praw, err := m.headerAt(prev)
		if err != nil {
			return err
		}
		ph.next = blockAddr
		writeHeader(praw, ph)
	}
	return nil
}

// Deallocate returns addr to the free list, forward-coalescing with the
// immediately following block when that block is also free. Back-
// coalescing is not attempted: the list is singly linked via `next`
// inside HeapBlockHeader, so only a forward merge is possible.
func (m *Manager) Deallocate(payload addr.FarAddress) error {
	blockAddr := payload.Add(-int64(HeaderSize))
	h, raw, err := m.headerAt(blockAddr)
	if err != nil {
		return err
	}
	if h.isFree {
		return fmt.Errorf("%w: double free at %v", mgtrerr.ErrInvalidBlock, blockAddr)
	}

	size := h.size
	nextAddr := blockAddr.Add(int64(HeaderSize) + int64(size))
	if int64(nextAddr.Pos()) < m.arenaEnd {
		if nh, _, err := m.headerAt(nextAddr); err == nil && nh.isFree {
			if err := m.removeSpecific(nextAddr, nh.size); err == nil {
				size += uint32(HeaderSize) + nh.size
			}
		}
	}

	h.isFree = true
	h.size = size
	h.next = addr.NilFarAddress
	writeHeader(raw, h)

	return m.insert(blockAddr, size)
}

// removeSpecific removes a known node from its bucket, used by Deallocate
// to detach the following block before merging it in.
func (m *Manager) removeSpecific(node addr.FarAddress, size uint32) error {
	segSize := m.arenaEnd - m.arenaStart
	b := bucketOf(size, segSize)

	m.bucketMu[b].Lock()
	defer m.bucketMu[b].Unlock()

	prev := addr.NilFarAddress
	cur := m.bucketHead(b)
	for !cur.IsNil() {
		if cur == node {
			return m.unlinkFromBucket(b, prev, cur)
		}
		ch, _, err := m.headerAt(cur)
		if err != nil {
			return err
		}
		prev = cur
		cur = ch.next
	}
	return fmt.Errorf("%w: node %v not found in bucket %d", mgtrerr.ErrInvalidBlock, node, b)
}

// Available returns an advisory count of free bytes in the arena: the
// untouched tail past the bump cursor, plus every block currently on a
// free-list bucket.
func (m *Manager) Available() (int64, error) {
	free := m.arenaEnd - m.bump()

	for b := 0; b < numBuckets; b++ {
		m.bucketMu[b].Lock()
		cur := m.bucketHead(b)
		for !cur.IsNil() {
			h, _, err := m.headerAt(cur)
			if err != nil {
				m.bucketMu[b].Unlock()
				return 0, err
			}
			free += int64(HeaderSize) + int64(h.size)
			cur = h.next
		}
		m.bucketMu[b].Unlock()
	}
	return free, nil
}

// HeaderSizeOf exposes HeaderSize for callers (e.g. the segment manager)
// that need to compute block footprints without importing internals.
func HeaderSizeOf() int { return HeaderSize }
