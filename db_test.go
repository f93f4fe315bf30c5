package mgtr_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/epokhe/mgtr"
	"github.com/epokhe/mgtr/mgtrerr"
)

// Scenario 1: small alloc, write, commit, reopen (spec.md §8.1).
func TestSmallAllocWriteCommitReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.mgtr")

	db, err := mgtr.Create(path, mgtr.WithSegmentSize(1<<20))
	if err != nil {
		t.Fatal(err)
	}

	tx := db.Begin()
	a, err := tx.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	want := "hello, world\000"
	payload := make([]byte, 64)
	copy(payload, want)
	if err := tx.Write(mgtr.NewRegion(a, 64), payload); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := mgtr.Open(path, mgtr.WithSegmentSize(1<<20))
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	tx2 := db2.Begin()
	got, err := tx2.Read(mgtr.NewRegion(a, len(want)))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if err := tx2.Rollback(); err != nil {
		t.Fatal(err)
	}
}

// Scenario 2: overlapping writable regions from different transactions
// are rejected (spec.md §8.2).
func TestOverlappingWritesRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.mgtr")

	db, err := mgtr.Create(path, mgtr.WithSegmentSize(1<<20))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	tx1 := db.Begin()
	a, err := tx1.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx1.Write(mgtr.NewRegion(a, 32), make([]byte, 32)); err != nil {
		t.Fatal(err)
	}

	tx2 := db.Begin()
	err = tx2.Write(mgtr.NewRegion(a.Add(16), 32), make([]byte, 32))
	if !errors.Is(err, mgtrerr.ErrConcurrentLock) {
		t.Fatalf("expected ErrConcurrentLock on overlap, got %v", err)
	}

	if err := tx1.Rollback(); err != nil {
		t.Fatal(err)
	}
	if err := tx2.Rollback(); err != nil {
		t.Fatal(err)
	}
}

// Scenario 3: a rolled-back write never becomes visible to later readers
// (spec.md §8.3).
func TestRollbackDiscards(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.mgtr")

	db, err := mgtr.Create(path, mgtr.WithSegmentSize(1<<20))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	setup := db.Begin()
	a, err := setup.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	original := make([]byte, 16)
	for i := range original {
		original[i] = 0xCC
	}
	if err := setup.Write(mgtr.NewRegion(a, 16), original); err != nil {
		t.Fatal(err)
	}
	if err := setup.Commit(); err != nil {
		t.Fatal(err)
	}

	tx1 := db.Begin()
	dirty := make([]byte, 16)
	for i := range dirty {
		dirty[i] = 0xAA
	}
	if err := tx1.Write(mgtr.NewRegion(a, 16), dirty); err != nil {
		t.Fatal(err)
	}
	if err := tx1.Rollback(); err != nil {
		t.Fatal(err)
	}

	tx2 := db.Begin()
	got, err := tx2.Read(mgtr.NewRegion(a, 16))
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range got {
		if b != 0xCC {
			t.Fatalf("byte %d = %#x, want 0xCC (rollback should not be visible): %v", i, b, got)
		}
	}
	if err := tx2.Rollback(); err != nil {
		t.Fatal(err)
	}
}

// Scenario 6: WAL rotation every transactions_per_file commits, replayed
// across all files in id order (spec.md §8.6, reduced scale for test
// speed).
func TestWALRotationAndReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.mgtr")

	db, err := mgtr.Create(path, mgtr.WithSegmentSize(1<<20), mgtr.WithTransactionsPerFile(5))
	if err != nil {
		t.Fatal(err)
	}

	type entry struct {
		region mgtr.Region
		want   byte
	}
	var entries []entry

	for i := 0; i < 23; i++ {
		tx := db.Begin()
		a, err := tx.Allocate(32)
		if err != nil {
			t.Fatal(err)
		}
		val := byte(i)
		buf := make([]byte, 32)
		for j := range buf {
			buf[j] = val
		}
		r := mgtr.NewRegion(a, 32)
		if err := tx.Write(r, buf); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
		entries = append(entries, entry{region: r, want: val})
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.WALFiles < 5 {
		t.Errorf("expected at least 5 rotated wal files after 23 commits, got %d", stats.WALFiles)
	}

	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := mgtr.Open(path, mgtr.WithSegmentSize(1<<20), mgtr.WithTransactionsPerFile(5))
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	verify := db2.Begin()
	for i, e := range entries {
		got, err := verify.Read(e.region)
		if err != nil {
			t.Fatal(err)
		}
		for _, b := range got {
			if b != e.want {
				t.Fatalf("entry %d: got byte %#x, want %#x", i, b, e.want)
			}
		}
	}
	if err := verify.Rollback(); err != nil {
		t.Fatal(err)
	}
}

// The database's root pointer round-trips across a reopen.
func TestRootPointerPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.mgtr")

	db, err := mgtr.Create(path, mgtr.WithSegmentSize(1<<20))
	if err != nil {
		t.Fatal(err)
	}

	tx := db.Begin()
	a, err := tx.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := db.SetRoot(a); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := mgtr.Open(path, mgtr.WithSegmentSize(1<<20))
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	got, err := db2.Root()
	if err != nil {
		t.Fatal(err)
	}
	if got != a {
		t.Errorf("root = %v, want %v", got, a)
	}
}

// TestWithTransactionCommitsOnSuccess checks that WithTransaction
// commits the writes made inside a nil-returning callback.
func TestWithTransactionCommitsOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.mgtr")

	db, err := mgtr.Create(path, mgtr.WithSegmentSize(1<<20))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var region mgtr.Region
	err = mgtr.WithTransaction(db, func(tx *mgtr.Transaction) error {
		a, err := tx.Allocate(32)
		if err != nil {
			return err
		}
		region = mgtr.NewRegion(a, 32)
		return tx.Write(region, make([]byte, 32))
	})
	if err != nil {
		t.Fatal(err)
	}

	tx := db.Begin()
	defer tx.Rollback()
	if _, err := tx.Read(region); err != nil {
		t.Fatalf("expected committed region to be readable, got %v", err)
	}
}

// TestWithTransactionRollsBackOnError checks that WithTransaction's
// guard rolls the transaction back — the Go analogue of
// TransactionGuard's destructor-rolls-back-unless-committed behavior —
// when the callback returns an error.
func TestWithTransactionRollsBackOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.mgtr")

	db, err := mgtr.Create(path, mgtr.WithSegmentSize(1<<20))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	setup := db.Begin()
	a, err := setup.Allocate(32)
	if err != nil {
		t.Fatal(err)
	}
	if err := setup.Rollback(); err != nil {
		t.Fatal(err)
	}
	region := mgtr.NewRegion(a, 32)

	sentinel := errors.New("boom")
	err = mgtr.WithTransaction(db, func(tx *mgtr.Transaction) error {
		if err := tx.Write(region, make([]byte, 32)); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("got %v, want %v", err, sentinel)
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.ActiveTxCount != 0 {
		t.Errorf("expected no active transactions after rollback, got %d", stats.ActiveTxCount)
	}
}

// TestStatsReportsSegments checks that Stats surfaces per-segment heap
// occupancy alongside the database-wide counters.
func TestStatsReportsSegments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.mgtr")

	db, err := mgtr.Create(path, mgtr.WithSegmentSize(1<<20))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	tx := db.Begin()
	if _, err := tx.Allocate(64); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.SegmentCount < 1 {
		t.Fatalf("expected at least one segment, got %d", stats.SegmentCount)
	}
	if len(stats.Segments) != stats.SegmentCount {
		t.Fatalf("Segments len = %d, want %d", len(stats.Segments), stats.SegmentCount)
	}
	first := stats.Segments[0]
	if first.TotalSize != 1<<20 {
		t.Errorf("TotalSize = %d, want %d", first.TotalSize, int64(1<<20))
	}
	if first.HeapFree+first.HeapUsed != first.TotalSize {
		t.Errorf("HeapFree(%d) + HeapUsed(%d) != TotalSize(%d)", first.HeapFree, first.HeapUsed, first.TotalSize)
	}
	if first.HeapUsed <= 0 {
		t.Errorf("expected HeapUsed > 0 after an allocation, got %d", first.HeapUsed)
	}
}
