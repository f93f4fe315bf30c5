package addr

import "testing"

func TestPackUnpack(t *testing.T) {
	a := New(7, 1234)
	if a.Segment() != 7 {
		t.Errorf("segment = %d, want 7", a.Segment())
	}
	if a.Pos() != 1234 {
		t.Errorf("pos = %d, want 1234", a.Pos())
	}
}

func TestNil(t *testing.T) {
	if !NilFarAddress.IsNil() {
		t.Error("NilFarAddress.IsNil() = false")
	}
	if New(0, 0).IsNil() {
		t.Error("New(0, 0).IsNil() = true")
	}
}

func TestAdd(t *testing.T) {
	a := New(2, 100)
	b := a.Add(50)
	if b.Segment() != 2 || b.Pos() != 150 {
		t.Errorf("Add = %v, want (2:150)", b)
	}
}

func TestAddOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on offset overflow")
		}
	}()
	a := New(0, 0)
	a.Add(-1)
}

func TestDiff(t *testing.T) {
	a := New(3, 100)
	b := New(3, 180)
	if d := a.Diff(b); d != 80 {
		t.Errorf("Diff = %d, want 80", d)
	}
}

func TestDiffAcrossSegmentsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic diffing across segments")
		}
	}()
	New(0, 0).Diff(New(1, 0))
}

func TestEqualityIsBitwise(t *testing.T) {
	a := New(5, 10)
	b := New(5, 10)
	if a != b {
		t.Errorf("expected equal addresses, got %v != %v", a, b)
	}
}
