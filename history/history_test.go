package history

import (
	"testing"

	"github.com/epokhe/mgtr/addr"
)

// fakeSeg is an in-memory stand-in for *segment.Manager, enough to drive
// History's BufferOfRegion/OnCommit against a single segment's bytes.
type fakeSeg struct {
	buf []byte
}

func newFakeSeg(size int) *fakeSeg { return &fakeSeg{buf: make([]byte, size)} }

func (f *fakeSeg) ReadonlyBlock(a addr.FarAddress, length int) ([]byte, error) {
	off := int(a.Pos())
	return f.buf[off : off+length], nil
}

func (f *fakeSeg) WritableBlock(a addr.FarAddress, length int) ([]byte, error) {
	off := int(a.Pos())
	return f.buf[off : off+length], nil
}

func TestWriteThenReadWithinSameTransactionSeesOwnWrite(t *testing.T) {
	seg := newFakeSeg(4096)
	h := New(seg)
	h.OnNewTransaction(1)

	r := Region{Start: addr.New(0, 100), Len: 16}
	s, ok, err := h.BufferOfRegion(r, 1, Write, nil)
	if err != nil || !ok {
		t.Fatalf("write buffer: ok=%v err=%v", ok, err)
	}
	copy(s.Bytes, "hello shadow!!!!")

	s2, ok, err := h.BufferOfRegion(r, 1, Read, nil)
	if err != nil || !ok {
		t.Fatalf("read buffer: ok=%v err=%v", ok, err)
	}
	if s2 != s {
		t.Error("read of own written region should return the same shadow")
	}
	if string(s2.Bytes) != "hello shadow!!!!" {
		t.Errorf("read back %q", s2.Bytes)
	}
}

func TestOverlappingWriteFromAnotherTransactionIsRejected(t *testing.T) {
	seg := newFakeSeg(4096)
	h := New(seg)
	h.OnNewTransaction(1)
	h.OnNewTransaction(2)

	r := Region{Start: addr.New(0, 200), Len: 32}
	if _, ok, err := h.BufferOfRegion(r, 1, Write, nil); err != nil || !ok {
		t.Fatalf("first writer should succeed: ok=%v err=%v", ok, err)
	}

	overlap := Region{Start: addr.New(0, 210), Len: 32}
	_, ok, err := h.BufferOfRegion(overlap, 2, Write, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected overlapping foreign write to be rejected")
	}
}

func TestCommitMaterializesBytesIntoSegment(t *testing.T) {
	seg := newFakeSeg(4096)
	h := New(seg)
	h.OnNewTransaction(1)

	r := Region{Start: addr.New(0, 300), Len: 8}
	s, _, err := h.BufferOfRegion(r, 1, Write, nil)
	if err != nil {
		t.Fatal(err)
	}
	copy(s.Bytes, "commit!!")

	if err := h.OnCommit(1); err != nil {
		t.Fatal(err)
	}
	if got := string(seg.buf[300:308]); got != "commit!!" {
		t.Errorf("segment bytes after commit = %q, want %q", got, "commit!!")
	}
}

func TestCommitOfEmptyShadowSetIsNoOp(t *testing.T) {
	seg := newFakeSeg(64)
	h := New(seg)
	h.OnNewTransaction(1)
	if err := h.OnCommit(1); err != nil {
		t.Fatalf("commit of empty shadow set should be a no-op, got %v", err)
	}
}

func TestRollbackDropsShadowAndFreesRegionForOthers(t *testing.T) {
	seg := newFakeSeg(4096)
	h := New(seg)
	h.OnNewTransaction(1)
	h.OnNewTransaction(2)

	r := Region{Start: addr.New(0, 400), Len: 16}
	s, _, err := h.BufferOfRegion(r, 1, Write, nil)
	if err != nil {
		t.Fatal(err)
	}
	copy(s.Bytes, "should-not-land!")

	if err := h.OnRollback(1); err != nil {
		t.Fatal(err)
	}

	_, ok, err := h.BufferOfRegion(r, 2, Write, nil)
	if err != nil || !ok {
		t.Fatalf("after rollback, region should be free: ok=%v err=%v", ok, err)
	}

	if err := h.OnCommit(2); err != nil {
		t.Fatal(err)
	}
	if got := string(seg.buf[400:416]); got == "should-not-land!" {
		t.Error("rolled-back writer's bytes leaked into committed state")
	}
}

// TestCommitDestroysShadowFromConflictIndex checks that OnCommit
// releases a committed shadow from the conflict index (spec.md C7's
// destroy(tx_id, shadow)), so a long-running database's buckets don't
// grow without bound from transactions that already ended.
func TestCommitDestroysShadowFromConflictIndex(t *testing.T) {
	seg := newFakeSeg(4096)
	h := New(seg)
	h.OnNewTransaction(1)

	r := Region{Start: addr.New(0, 600), Len: 16}
	s, _, err := h.BufferOfRegion(r, 1, Write, nil)
	if err != nil {
		t.Fatal(err)
	}
	copy(s.Bytes, "should-be-gone!!")

	if err := h.OnCommit(1); err != nil {
		t.Fatal(err)
	}

	key := bucketKey(r.Start.Segment(), r.Start.Pos())
	live := 0
	h.index.IndexedForEach(key, func(v *Shadow) bool {
		live++
		return true
	})
	if live != 0 {
		t.Errorf("expected the committed shadow to be removed from the conflict index, found %d live entries", live)
	}

	// A later writer to the same region must not see a stale conflict.
	h.OnNewTransaction(2)
	if _, ok, err := h.BufferOfRegion(r, 2, Write, nil); err != nil || !ok {
		t.Fatalf("expected region free for a new writer after commit: ok=%v err=%v", ok, err)
	}
}

func TestReadWithNoShadowReturnsCommittedSnapshot(t *testing.T) {
	seg := newFakeSeg(4096)
	copy(seg.buf[500:510], "persisted!")

	h := New(seg)
	h.OnNewTransaction(7)

	r := Region{Start: addr.New(0, 500), Len: 10}
	s, ok, err := h.BufferOfRegion(r, 7, Read, nil)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if string(s.Bytes) != "persisted!" {
		t.Errorf("read snapshot = %q, want %q", s.Bytes, "persisted!")
	}
}
