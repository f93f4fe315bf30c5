// Package history implements the shadow-page change history (spec.md
// C7): per-transaction shadow buffers over committed regions, with
// conflict detection against other active transactions via applist's
// bucket-indexed list.
package history

import (
	"fmt"
	"sync"

	"github.com/epokhe/mgtr/addr"
	"github.com/epokhe/mgtr/applist"
	"github.com/epokhe/mgtr/mgtrerr"
)

// Mode selects the access mode a caller requests a shadow for.
type Mode int

const (
	Read Mode = iota
	Write
)

// shadowState mirrors spec.md's captured | committed | rolled_back.
type shadowState int

const (
	captured shadowState = iota
	committed
	rolledBack
)

// Region is a byte range starting at addr.FarAddress, local to one
// segment (ranges never span segments).
type Region struct {
	Start addr.FarAddress
	Len   int
}

func (r Region) end() int64 { return int64(r.Start.Pos()) + int64(r.Len) }

func (r Region) overlaps(o Region) bool {
	if r.Start.Segment() != o.Start.Segment() {
		return false
	}
	return int64(r.Start.Pos()) < o.end() && int64(o.Start.Pos()) < r.end()
}

// Shadow is a transaction-local heap copy of a region, either about to
// be written or a point-in-time read snapshot.
type Shadow struct {
	TxID   uint64
	Region Region
	Bytes  []byte

	mu    sync.Mutex
	state shadowState
}

// bucketSpan is the byte span mapped to a single conflict-index bucket,
// matching spec.md's `rwr.segment + rwr.offset / bucket_span` scheme.
const bucketSpan = 1 << 16

// numConflictBuckets sizes the conflict index; large enough to keep the
// Bloom-filter false-positive rate low per spec.md §8's 5700-record
// bound while staying a small fixed allocation.
const numConflictBuckets = 256

func bucketKey(seg addr.SegmentIndex, pos addr.SegmentPos) uint64 {
	return uint64(seg)<<32 | uint64(pos)/bucketSpan
}

func bucketIndex(key uint64) int {
	return int(key % numConflictBuckets)
}

// reader is the interface the history needs from the segment manager
// to materialize committed bytes; satisfied by *segment.Manager.
type reader interface {
	ReadonlyBlock(a addr.FarAddress, length int) ([]byte, error)
	WritableBlock(a addr.FarAddress, length int) ([]byte, error)
}

// perTx tracks one transaction's live shadows, so commit/rollback can
// enumerate them without a full index scan.
type perTx struct {
	mu      sync.Mutex
	shadows []*Shadow
}

// History owns the shadow set for all active transactions plus the
// conflict index used to detect overlapping writers.
type History struct {
	seg reader

	index *applist.IndexedList[*Shadow]

	txMu sync.Mutex
	txs  map[uint64]*perTx

	regionMu sync.Map // map[addr.FarAddress]*sync.RWMutex, one per written region's materialize step
}

// New builds a History bound to a segment reader/writer.
func New(seg reader) *History {
	return &History{
		seg:   seg,
		index: applist.NewIndexed[*Shadow](numConflictBuckets),
		txs:   make(map[uint64]*perTx),
	}
}

// OnNewTransaction prepares bookkeeping for a newly begun transaction.
func (h *History) OnNewTransaction(txID uint64) {
	h.txMu.Lock()
	defer h.txMu.Unlock()
	h.txs[txID] = &perTx{}
}

// BufferOfRegion implements spec.md's buffer_of_region. For Write mode
// it returns (nil, false) if another active transaction already holds
// an overlapping shadow. For Read mode it reuses the caller's own
// shadow if one covers the region, otherwise returns a fresh read
// snapshot of the committed bytes.
func (h *History) BufferOfRegion(r Region, txID uint64, mode Mode, initBytes []byte) (*Shadow, bool, error) {
	if mode == Read {
		if s := h.ownShadowCovering(r, txID); s != nil {
			return s, true, nil
		}
		bytes, err := h.seg.ReadonlyBlock(r.Start, r.Len)
		if err != nil {
			return nil, false, err
		}
		snap := make([]byte, len(bytes))
		copy(snap, bytes)
		return &Shadow{TxID: txID, Region: r, Bytes: snap, state: captured}, true, nil
	}

	if foreign := h.conflictingForeignShadow(r, txID); foreign != nil {
		return nil, false, nil
	}

	var initial []byte
	if initBytes != nil {
		initial = make([]byte, len(initBytes))
		copy(initial, initBytes)
	} else {
		committed, err := h.seg.ReadonlyBlock(r.Start, r.Len)
		if err != nil {
			return nil, false, err
		}
		initial = make([]byte, len(committed))
		copy(initial, committed)
	}

	s := &Shadow{TxID: txID, Region: r, Bytes: initial, state: captured}
	h.register(s)
	return s, true, nil
}

func (h *History) ownShadowCovering(r Region, txID uint64) *Shadow {
	h.txMu.Lock()
	pt, ok := h.txs[txID]
	h.txMu.Unlock()
	if !ok {
		return nil
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	// Newest first, so a region written more than once reads back its
	// latest write.
	for i := len(pt.shadows) - 1; i >= 0; i-- {
		s := pt.shadows[i]
		if s.Region.Start.Segment() == r.Start.Segment() &&
			int64(s.Region.Start.Pos()) <= int64(r.Start.Pos()) &&
			s.Region.end() >= r.end() {
			return s
		}
	}
	return nil
}

func (h *History) conflictingForeignShadow(r Region, txID uint64) *Shadow {
	key := bucketKey(r.Start.Segment(), r.Start.Pos())
	var found *Shadow
	h.index.IndexedForEach(key, func(s *Shadow) bool {
		if s.TxID == txID {
			return true
		}
		s.mu.Lock()
		active := s.state == captured
		s.mu.Unlock()
		if active && s.Region.overlaps(r) {
			found = s
			return false
		}
		return true
	})
	return found
}

func (h *History) register(s *Shadow) {
	key := bucketKey(s.Region.Start.Segment(), s.Region.Start.Pos())
	h.index.Insert(bucketIndex(key), key, s)

	h.txMu.Lock()
	pt, ok := h.txs[s.TxID]
	if !ok {
		pt = &perTx{}
		h.txs[s.TxID] = pt
	}
	h.txMu.Unlock()

	pt.mu.Lock()
	pt.shadows = append(pt.shadows, s)
	pt.mu.Unlock()
}

// regionLock returns the per-region materialize lock for a, creating it
// on first use.
func (h *History) regionLock(a addr.FarAddress) *sync.RWMutex {
	v, _ := h.regionMu.LoadOrStore(a, &sync.RWMutex{})
	return v.(*sync.RWMutex)
}

// OnCommit materializes every shadow belonging to txID into the mapped
// region, one region at a time under its writer lock, then marks each
// shadow committed.
func (h *History) OnCommit(txID uint64) error {
	h.txMu.Lock()
	pt, ok := h.txs[txID]
	delete(h.txs, txID)
	h.txMu.Unlock()
	if !ok {
		return nil
	}

	pt.mu.Lock()
	shadows := append([]*Shadow(nil), pt.shadows...)
	pt.mu.Unlock()

	for _, s := range shadows {
		s.mu.Lock()
		if s.state != captured {
			s.mu.Unlock()
			continue
		}
		lock := h.regionLock(s.Region.Start)
		lock.Lock()
		dst, err := h.seg.WritableBlock(s.Region.Start, s.Region.Len)
		if err != nil {
			lock.Unlock()
			s.mu.Unlock()
			return fmt.Errorf("history: materialize commit: %w", err)
		}
		copy(dst, s.Bytes)
		lock.Unlock()
		s.state = committed
		s.mu.Unlock()
		h.destroy(s)
	}
	return nil
}

// OnRollback drops every shadow belonging to txID without touching the
// mapped region.
func (h *History) OnRollback(txID uint64) error {
	h.txMu.Lock()
	pt, ok := h.txs[txID]
	delete(h.txs, txID)
	h.txMu.Unlock()
	if !ok {
		return nil
	}

	pt.mu.Lock()
	shadows := append([]*Shadow(nil), pt.shadows...)
	pt.mu.Unlock()

	for _, s := range shadows {
		s.mu.Lock()
		s.state = rolledBack
		s.mu.Unlock()
		h.destroy(s)
	}
	return nil
}

// destroy removes a shadow from the conflict index, releasing its heap
// allocation back to the garbage collector (spec.md's destroy(tx_id,
// shadow); Go's allocator plays the role the original heap reclaim
// step does in a manually managed runtime).
func (h *History) destroy(s *Shadow) {
	key := bucketKey(s.Region.Start.Segment(), s.Region.Start.Pos())
	h.index.SoftRemoveIfFirst(bucketIndex(key), func(v *Shadow) bool { return v == s })
}

// ErrNoSuchTransaction names the error for a transaction id with no
// bookkeeping. Nothing in this package returns it: OnCommit and
// OnRollback treat an unknown id as a transaction with no shadows and
// return nil.
var ErrNoSuchTransaction = fmt.Errorf("%w: unknown transaction", mgtrerr.ErrInvalidState)
