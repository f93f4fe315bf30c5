package mgtr

import (
	"fmt"
	"runtime"
	"time"

	"github.com/epokhe/mgtr/addr"
	"github.com/epokhe/mgtr/history"
	"github.com/epokhe/mgtr/mgtrerr"
	"github.com/epokhe/mgtr/txn"
	"github.com/epokhe/mgtr/wal"
)

// Region names a byte range to read or write: spec.md's RWR, a FarAddress
// plus a byte count that never crosses a segment boundary.
type Region = history.Region

// NewRegion builds a Region starting at a, spanning length bytes.
func NewRegion(a addr.FarAddress, length int) Region {
	return Region{Start: a, Len: length}
}

// writeConflictRetryLimit bounds how many times Write retries after
// losing a write-write conflict to another active transaction before
// surfacing ErrConcurrentLock, mirroring the bounded-retry-with-yield
// discipline spec.md §5 describes for lock contention elsewhere in the
// engine (see DESIGN.md for why this is a fixed constant, not exposed
// via Config, matching txn's own yieldRetryLimit).
const writeConflictRetryLimit = 3

// Transaction is a single unit of work over the database: allocate,
// read, and write byte regions, then commit or roll back exactly once.
type Transaction struct {
	tx *txn.Transaction
	db *DB
}

// ID returns the transaction's monotonically assigned id.
func (t *Transaction) ID() uint64 { return t.tx.ID() }

// Allocate sub-allocates byteSize bytes from the database's segments.
// Allocation is not itself transactional: it commits immediately to the
// free-list bookkeeping, the way spec.md's heap manager has no notion of
// an uncommitted allocation. Writing the payload is what Commit/Rollback
// govern.
func (t *Transaction) Allocate(byteSize uint32) (addr.FarAddress, error) {
	return t.db.seg.Allocate(byteSize)
}

// Deallocate returns a block to its segment's free list.
func (t *Transaction) Deallocate(a addr.FarAddress) error {
	return t.db.seg.Deallocate(a)
}

// Read returns the bytes currently visible to this transaction for r: its
// own in-progress write if one covers r, otherwise a point-in-time
// snapshot of the last committed bytes.
func (t *Transaction) Read(r Region) ([]byte, error) {
	s, _, err := t.db.hist.BufferOfRegion(r, t.tx.ID(), history.Read, nil)
	if err != nil {
		return nil, err
	}
	return s.Bytes, nil
}

// Write captures data as this transaction's shadow for r and appends a
// WAL write record recording the intention, so that a crash before
// Commit can still redo the write on recovery once (and only once) the
// matching commit terminator is found. It retries a bounded number of
// times, yielding between attempts, if another active transaction
// already holds an overlapping writable region; ErrConcurrentLock is
// returned once the bound is exhausted.
func (t *Transaction) Write(r Region, data []byte) error {
	if len(data) != r.Len {
		return fmt.Errorf("mgtr: write data length %d does not match region length %d", len(data), r.Len)
	}

	var s *history.Shadow
	for attempt := 0; attempt <= writeConflictRetryLimit; attempt++ {
		var ok bool
		var err error
		s, ok, err = t.db.hist.BufferOfRegion(r, t.tx.ID(), history.Write, nil)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if attempt == writeConflictRetryLimit {
			return fmt.Errorf("%w: overlapping write to %v", mgtrerr.ErrConcurrentLock, r.Start)
		}
		runtime.Gosched()
	}

	copy(s.Bytes, data)

	return t.db.wal.Append(wal.Record{
		TxID:    t.tx.ID(),
		Kind:    wal.KindWrite,
		Segment: uint32(r.Start.Segment()),
		Offset:  uint32(r.Start.Pos()),
		Size:    uint32(r.Len),
		Bytes:   data,
	})
}

// RegisterHandle pushes a handler to run, in registration order, when
// this transaction ends (commit or rollback).
func (t *Transaction) RegisterHandle(h func(*Transaction) error) {
	t.tx.RegisterHandle(func(inner *txn.Transaction) error {
		return h(t)
	})
}

// Commit appends a commit terminator to the WAL, materializes this
// transaction's shadow buffers into the mapped segments, runs registered
// handlers, then ends the transaction.
func (t *Transaction) Commit() error {
	start := time.Now()
	err := t.tx.Commit()
	t.db.recordCommitLatency(start)
	return err
}

// Rollback discards this transaction's shadow buffers without touching
// the mapped segments, then ends the transaction.
func (t *Transaction) Rollback() error {
	return t.tx.Rollback()
}

// State reports the transaction's current lifecycle state.
func (t *Transaction) State() txn.State { return t.tx.State() }

// TransactionGuard pairs a Transaction with RAII-style cleanup: Close
// rolls the wrapped transaction back unless Commit or Rollback was
// already called, so an early return or panic on the caller's side
// never leaves a transaction open. Mirrors spec.md §5's "the
// transaction guard specifically rolls back on destruction unless the
// caller has already committed," grounded on the original
// implementation's TransactionGuard (Transactional.h:115-155) —
// translated from a C++ destructor to Go's defer-a-Close idiom.
type TransactionGuard struct {
	tx     *Transaction
	closed bool
}

// NewTransactionGuard wraps tx. The usual shape is:
//
//	t := db.Begin()
//	g := mgtr.NewTransactionGuard(t)
//	defer g.Close()
//	... fallible work using t ...
//	return g.Commit()
func NewTransactionGuard(tx *Transaction) *TransactionGuard {
	return &TransactionGuard{tx: tx}
}

// Commit commits the wrapped transaction and marks the guard closed,
// so a deferred Close becomes a no-op.
func (g *TransactionGuard) Commit() error {
	g.closed = true
	return g.tx.Commit()
}

// Rollback rolls back the wrapped transaction and marks the guard
// closed, so a deferred Close becomes a no-op.
func (g *TransactionGuard) Rollback() error {
	g.closed = true
	return g.tx.Rollback()
}

// Close rolls back the wrapped transaction unless Commit or Rollback
// already ran. Safe to call more than once; only the first call (or
// prior Commit/Rollback) has any effect.
func (g *TransactionGuard) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	return g.tx.Rollback()
}

// WithTransaction begins a transaction on db, runs fn under a
// TransactionGuard, and commits on a nil return or rolls back
// otherwise — so callers get auto-rollback-unless-committed without
// writing the guard boilerplate themselves.
func WithTransaction(db *DB, fn func(*Transaction) error) error {
	t := db.Begin()
	g := NewTransactionGuard(t)
	defer g.Close()

	if err := fn(t); err != nil {
		return err
	}
	return g.Commit()
}
