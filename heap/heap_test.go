package heap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/epokhe/mgtr/addr"
	"github.com/epokhe/mgtr/mapped"
)

func newTestArena(t *testing.T, size int64) (*Manager, *mapped.Region) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seg000")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	region, err := mapped.New(f, 0, int(size))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { region.Close() })

	m, err := NewArena(0, region, 0, size)
	if err != nil {
		t.Fatal(err)
	}
	return m, region
}

func TestAllocateRoundsUpToMinimum(t *testing.T) {
	m, _ := newTestArena(t, 1<<20)
	a, err := m.Allocate(1)
	if err != nil {
		t.Fatal(err)
	}
	h, _, err := m.headerAt(a.Add(-int64(HeaderSize)))
	if err != nil {
		t.Fatal(err)
	}
	if h.size != MinBlock {
		t.Errorf("size = %d, want %d", h.size, MinBlock)
	}
	if h.isFree {
		t.Error("freshly allocated block marked free")
	}
}

func TestAllocateDeallocateAvailable(t *testing.T) {
	m, _ := newTestArena(t, 1<<20)

	before, err := m.Available()
	if err != nil {
		t.Fatal(err)
	}

	a, err := m.Allocate(100)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Deallocate(a); err != nil {
		t.Fatal(err)
	}

	after, err := m.Available()
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Errorf("Available() after alloc+dealloc = %d, want %d", after, before)
	}
}

func TestDeallocateThenAllocateSameSizeReturnsAllocated(t *testing.T) {
	m, _ := newTestArena(t, 1<<20)

	a, err := m.Allocate(200)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Deallocate(a); err != nil {
		t.Fatal(err)
	}
	b, err := m.Allocate(200)
	if err != nil {
		t.Fatal(err)
	}
	h, _, err := m.headerAt(b.Add(-int64(HeaderSize)))
	if err != nil {
		t.Fatal(err)
	}
	if h.isFree {
		t.Error("reallocated block still marked free")
	}
}

func TestForwardCoalesce(t *testing.T) {
	m, _ := newTestArena(t, 1<<20)

	a, err := m.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Deallocate(b); err != nil {
		t.Fatal(err)
	}
	if err := m.Deallocate(a); err != nil {
		t.Fatal(err)
	}

	// a should have coalesced forward with b; a single allocation big
	// enough to need both blocks' combined space should succeed without
	// growing the arena.
	bumpBefore := m.bump()
	c, err := m.Allocate(64 + 64 + uint32(HeaderSize))
	if err != nil {
		t.Fatal(err)
	}
	if m.bump() != bumpBefore {
		t.Error("allocation grew the arena instead of reusing the coalesced block")
	}
	_ = c
}

func TestNoMemoryWhenArenaExhausted(t *testing.T) {
	size := int64(arenaHeaderSize) + int64(HeaderSize) + MinBlock
	m, _ := newTestArena(t, size)
	if _, err := m.Allocate(MinBlock); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Allocate(MinBlock); err == nil {
		t.Error("expected NoMemory, got nil")
	}
}

func TestBucketOfMonotone(t *testing.T) {
	const segSize = 1 << 20
	prevBucket := 0
	for size := uint32(0); size < 200000; size += 37 {
		b := bucketOf(size, segSize)
		if b < prevBucket {
			t.Fatalf("bucketOf not monotone at size=%d: %d < %d", size, b, prevBucket)
		}
		if b < 0 || b >= numBuckets {
			t.Fatalf("bucketOf(%d) = %d out of range", size, b)
		}
		prevBucket = b
	}
}

func TestSkiplistAscendingOrderWithinBucket(t *testing.T) {
	m, _ := newTestArena(t, 1<<20)

	sizes := []uint32{32, 96, 48, 160, 64}
	var allocs []addr.FarAddress
	for _, s := range sizes {
		a, err := m.Allocate(s)
		if err != nil {
			t.Fatal(err)
		}
		allocs = append(allocs, a)
	}
	for _, a := range allocs {
		if err := m.Deallocate(a); err != nil {
			t.Fatal(err)
		}
	}

	for b := 0; b < numBuckets; b++ {
		cur := m.bucketHead(b)
		var last uint32
		for !cur.IsNil() {
			h, _, err := m.headerAt(cur)
			if err != nil {
				t.Fatal(err)
			}
			if h.size < last {
				t.Fatalf("bucket %d not ascending: %d after %d", b, h.size, last)
			}
			last = h.size
			cur = h.next
		}
	}
}
