package segment

import (
	"path/filepath"
	"testing"

	"github.com/epokhe/mgtr/addr"
	"github.com/epokhe/mgtr/heap"
	"github.com/epokhe/mgtr/mapped"
	"github.com/epokhe/mgtr/topology"
)

// noopSlot is a topology.Slot that claims no space, used to exercise the
// segment manager without pulling in a real slot implementation.
type noopSlot struct{}

func (noopSlot) HasResidence(addr.SegmentIndex) bool       { return false }
func (noopSlot) ByteSize(int64) uint32                     { return 0 }
func (noopSlot) OnNewSegment(*mapped.Region, int64) error  { return nil }
func (noopSlot) Open(*mapped.Region, int64) error          { return nil }
func (noopSlot) ReleaseSegment(addr.SegmentIndex) error    { return nil }

func testConfig() Config {
	return Config{
		SegmentSize: 1 << 20,
		Topology:    topology.New(noopSlot{}),
	}
}

func TestCreateNewThenOpenExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.mgtr")

	m, err := CreateNew(path, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	id := m.DatabaseID()
	a, err := m.Allocate(128)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.WritableBlock(a, 128)
	if err != nil {
		t.Fatal(err)
	}
	copy(b, "hello segment manager")
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	m2, err := OpenExisting(path, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Close()

	if m2.DatabaseID() != id {
		t.Errorf("database id changed across reopen: %s != %s", m2.DatabaseID(), id)
	}
	b2, err := m2.ReadonlyBlock(a, len("hello segment manager"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b2) != "hello segment manager" {
		t.Errorf("read back %q, want %q", b2, "hello segment manager")
	}
}

func TestAllocateGrowsSegmentsWhenFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.mgtr")
	cfg := testConfig()
	cfg.SegmentSize = 1 << 16

	m, err := CreateNew(path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	var last addr.FarAddress
	for i := 0; i < 4000; i++ {
		a, err := m.Allocate(16)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		last = a
	}
	if last.Segment() == 0 {
		t.Error("expected allocations to have spilled into a second segment")
	}
}

func TestOpenExistingRejectsSegmentSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.mgtr")

	m, err := CreateNew(path, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	bad := testConfig()
	bad.SegmentSize = 1 << 21
	if _, err := OpenExisting(path, bad); err == nil {
		t.Error("expected segment size mismatch to be rejected")
	}
}

func TestForeachSegmentVisitsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.mgtr")
	cfg := testConfig()
	cfg.SegmentSize = 1 << 16

	m, err := CreateNew(path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	for i := 0; i < 4000; i++ {
		if _, err := m.Allocate(16); err != nil {
			t.Fatal(err)
		}
	}

	var seen []addr.SegmentIndex
	err = m.ForeachSegment(func(i addr.SegmentIndex, hm *heap.Manager) error {
		seen = append(seen, i)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, idx := range seen {
		if int(idx) != i {
			t.Errorf("ForeachSegment visited out of order: %v", seen)
			break
		}
	}
}
