// Package mgtr is the façade binding the transactional virtual-memory
// substrate together: the segment manager (C3), the per-segment heap
// manager (C4), the segment topology (C5), the shadow-page change
// history (C7), the rotating write-ahead log (C8), and the transaction
// manager (C9). It is the entry point higher-level structures (tries,
// hash tables — out of scope here) build on.
package mgtr

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/epokhe/mgtr/addr"
	"github.com/epokhe/mgtr/heap"
	"github.com/epokhe/mgtr/history"
	"github.com/epokhe/mgtr/pref"
	"github.com/epokhe/mgtr/segment"
	"github.com/epokhe/mgtr/topology"
	"github.com/epokhe/mgtr/txn"
	"github.com/epokhe/mgtr/wal"
)

// DB is an open mgtr database: one backing file's segments, its shadow
// history, and its rotating WAL, wired through a transaction manager.
type DB struct {
	seg  *segment.Manager
	hist *history.History
	wal  *wal.Log
	txm  *txn.Manager
	root *rootSlot

	log *zap.SugaredLogger

	commitLatency *hdrhistogram.Histogram
}

// Create makes a brand-new database at path (its segment file) with a
// WAL directory alongside it, and returns it open.
func Create(path string, opts ...Option) (*DB, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return open(path, cfg, true)
}

// Open reopens a previously created database, replaying its WAL to redo
// any committed writes that did not make it into the mapped segments
// before the last shutdown.
func Open(path string, opts ...Option) (*DB, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return open(path, cfg, false)
}

func open(path string, cfg Config, fresh bool) (*DB, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	walDir := cfg.WALDir
	if walDir == "" {
		walDir = walDirFor(path)
	}

	root := newRootSlot()
	segCfg := segment.Config{
		SegmentSize: cfg.SegmentSize,
		Topology:    topology.New(root),
		Logger:      log,
	}

	var seg *segment.Manager
	var err error
	if fresh {
		seg, err = segment.CreateNew(path, segCfg)
	} else {
		seg, err = segment.OpenExisting(path, segCfg)
	}
	if err != nil {
		return nil, err
	}

	hist := history.New(seg)

	walLog, err := wal.Open(wal.Config{
		Dir:                 walDir,
		Prefix:              cfg.WALPrefix,
		Suffix:              cfg.WALSuffix,
		TransactionsPerFile: cfg.TransactionsPerFile,
		Registerer:          reg,
		Logger:              log,
	})
	if err != nil {
		seg.Close()
		return nil, err
	}

	db := &DB{
		seg:           seg,
		hist:          hist,
		wal:           walLog,
		txm:           txn.New(walLog, hist, log),
		root:          root,
		log:           log,
		commitLatency: hdrhistogram.New(1, 60_000_000, 3),
	}

	if !fresh {
		if err := db.recover(); err != nil {
			seg.Close()
			walLog.Close()
			return nil, err
		}
	}

	return db, nil
}

// recover replays the WAL, redoing every write record whose matching
// commit terminator is present and ignoring the rest — spec.md §4.8's
// "ignore any write record whose matching commit is missing."
func (d *DB) recover() error {
	pending := make(map[uint64][]wal.Record)
	var applied, discarded int

	err := d.wal.Replay(func(rec wal.Record) error {
		switch rec.Kind {
		case wal.KindWrite:
			pending[rec.TxID] = append(pending[rec.TxID], rec)
		case wal.KindCommit:
			for _, w := range pending[rec.TxID] {
				a := addr.New(addr.SegmentIndex(w.Segment), addr.SegmentPos(w.Offset))
				dst, err := d.seg.WritableBlock(a, int(w.Size))
				if err != nil {
					return fmt.Errorf("mgtr: recover tx %d: %w", rec.TxID, err)
				}
				copy(dst, w.Bytes)
				applied++
			}
			delete(pending, rec.TxID)
		case wal.KindRollback:
			discarded += len(pending[rec.TxID])
			delete(pending, rec.TxID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.log.Infow("recovery complete", "writesApplied", applied, "writesDiscarded", discarded, "incompleteTx", len(pending))
	return nil
}

// Begin starts a new transaction.
func (d *DB) Begin() *Transaction {
	return &Transaction{tx: d.txm.Begin(), db: d}
}

// Root returns the database's persisted root pointer (nil if never set).
func (d *DB) Root() (addr.FarAddress, error) {
	ref := pref.NewReference[addr.FarAddress](d.root.address())
	p, err := ref.View(d.seg)
	if err != nil {
		return addr.NilFarAddress, err
	}
	return *p, nil
}

// SetRoot persists a, overwriting the database's root pointer directly
// (not under transactional isolation — the root pointer is meant to be
// set once, by whatever higher-level structure bootstraps itself here).
func (d *DB) SetRoot(a addr.FarAddress) error {
	ref := pref.NewReference[addr.FarAddress](d.root.address())
	p, err := ref.WrAt(d.seg)
	if err != nil {
		return err
	}
	*p = a
	return nil
}

// SegmentStats is a per-segment slice of an operational snapshot:
// total size and heap free/used bytes (advisory, per spec.md C4's
// Available()), for one currently-opened segment.
type SegmentStats struct {
	Index     addr.SegmentIndex
	TotalSize int64
	HeapFree  int64
	HeapUsed  int64
}

// Stats is an operational snapshot: segment count and per-segment heap
// occupancy, WAL file count, active transaction count, and
// commit-latency percentiles.
type Stats struct {
	SegmentCount    int
	Segments        []SegmentStats
	WALFiles        int
	ActiveTxCount   int
	CommitP50Micros int64
	CommitP99Micros int64
}

// Stats returns a current operational snapshot.
func (d *DB) Stats() (Stats, error) {
	n, err := d.wal.FileCount()
	if err != nil {
		return Stats{}, err
	}

	var segs []SegmentStats
	segSize := d.seg.SegmentSize()
	if err := d.seg.ForeachSegment(func(i addr.SegmentIndex, hm *heap.Manager) error {
		free, err := hm.Available()
		if err != nil {
			return fmt.Errorf("mgtr: stats: segment %d: %w", i, err)
		}
		segs = append(segs, SegmentStats{
			Index:     i,
			TotalSize: segSize,
			HeapFree:  free,
			HeapUsed:  segSize - free,
		})
		return nil
	}); err != nil {
		return Stats{}, err
	}

	return Stats{
		SegmentCount:    len(segs),
		Segments:        segs,
		WALFiles:        n,
		ActiveTxCount:   d.txm.ActiveCount(),
		CommitP50Micros: d.commitLatency.ValueAtQuantile(50),
		CommitP99Micros: d.commitLatency.ValueAtQuantile(99),
	}, nil
}

// GC removes WAL files that are wholly superseded by the oldest still-
// live transaction, per spec.md's gc() contract.
func (d *DB) GC() error {
	return d.wal.GC(d.txm.OldestLiveTxID())
}

// Close flushes and releases every resource the database owns: open
// segment mappings, the backing file, and the WAL's current file.
func (d *DB) Close() error {
	var err error
	if walErr := d.wal.Close(); walErr != nil {
		err = multierr.Append(err, fmt.Errorf("mgtr: close wal: %w", walErr))
	}
	if segErr := d.seg.Close(); segErr != nil {
		err = multierr.Append(err, fmt.Errorf("mgtr: close segments: %w", segErr))
	}
	return err
}

// walDirFor derives a sibling WAL directory name from a database path,
// used by Create/Open when the caller hasn't overridden WALDir.
func walDirFor(path string) string {
	return filepath.Join(filepath.Dir(path), filepath.Base(path)+".wal")
}

// recordCommitLatency is called by Transaction.Commit to feed the
// histogram Stats() reports from.
func (d *DB) recordCommitLatency(start time.Time) {
	_ = d.commitLatency.RecordValue(time.Since(start).Microseconds())
}
