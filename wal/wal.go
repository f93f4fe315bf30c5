// Package wal implements the append-only write-ahead log with rotation
// (spec.md C8): a rotating sequence of append-only files used to redo
// committed writes and discard rolled-back ones on recovery.
package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/epokhe/mgtr/mgtrerr"
)

// Config carries the on-disk naming and rotation parameters (spec.md
// §6.3/§6.2): filenames are `<prefix>N<suffix>`, N incrementing
// monotonically and never reused.
type Config struct {
	Dir                 string
	Prefix              string
	Suffix              string
	TransactionsPerFile int
	Registerer          prometheus.Registerer
	Logger              *zap.SugaredLogger
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "a0"
	}
	if c.Suffix == "" {
		c.Suffix = ".tlog"
	}
	if c.TransactionsPerFile <= 0 {
		c.TransactionsPerFile = 5
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return c
}

// Log is the rotating write-ahead log. A single writer is assumed
// (the transaction manager), matching spec.md's single-remover
// discipline for the rest of the storage engine.
type Log struct {
	cfg     Config
	metrics *metrics

	mu           sync.Mutex
	file         *os.File
	suffix       int
	termThisFile int
	fileMaxTxID  map[int]uint64 // suffix -> highest tx id of a terminator it contains
}

// Open opens (or creates) the WAL directory at cfg.Dir, resuming
// rotation at the highest existing suffix found on disk.
func Open(cfg Config) (*Log, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir %q: %w", cfg.Dir, err)
	}

	l := &Log{cfg: cfg, metrics: newMetrics(cfg.Registerer), fileMaxTxID: make(map[int]uint64)}

	suffixes, err := l.existingSuffixes()
	if err != nil {
		return nil, err
	}

	if len(suffixes) == 0 {
		if err := l.openFile(0, os.O_RDWR|os.O_CREATE); err != nil {
			return nil, err
		}
		return l, nil
	}

	highest := suffixes[len(suffixes)-1]
	var tailValidUpTo int64
	for _, s := range suffixes {
		maxTx, count, validUpTo, err := l.scanFileStats(s)
		if err != nil {
			return nil, err
		}
		l.fileMaxTxID[s] = maxTx
		if s == highest {
			l.termThisFile = count
			tailValidUpTo = validUpTo
		}
	}

	if err := l.openFile(highest, os.O_RDWR|os.O_APPEND); err != nil {
		return nil, err
	}
	if err := l.file.Truncate(tailValidUpTo); err != nil {
		return nil, fmt.Errorf("%w: truncate torn wal tail: %v", mgtrerr.ErrDurability, err)
	}
	l.suffix = highest
	return l, nil
}

func (l *Log) pathFor(suffix int) string {
	return filepath.Join(l.cfg.Dir, fmt.Sprintf("%s%d%s", l.cfg.Prefix, suffix, l.cfg.Suffix))
}

func (l *Log) existingSuffixes() ([]int, error) {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read dir %q: %w", l.cfg.Dir, err)
	}
	var out []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, l.cfg.Prefix) || !strings.HasSuffix(name, l.cfg.Suffix) {
			continue
		}
		mid := strings.TrimSuffix(strings.TrimPrefix(name, l.cfg.Prefix), l.cfg.Suffix)
		n, err := strconv.Atoi(mid)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// scanFileStats replays one log file, reporting the highest tx id among
// its terminating records, how many terminators it holds, and the byte
// offset of the first torn/invalid record (== file size if the file
// ends cleanly). Callers use validUpTo to truncate a torn tail before
// resuming appends to it.
func (l *Log) scanFileStats(suffix int) (maxTxID uint64, terminators int, validUpTo int64, err error) {
	f, err := os.Open(l.pathFor(suffix))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("wal: open %q for recovery scan: %w", l.pathFor(suffix), err)
	}
	defer f.Close()

	var offset int64
	for {
		rec, n, err := readRecordAt(f, offset)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return 0, 0, 0, err
		}
		offset += n
		if rec.IsTerminator() {
			terminators++
			if rec.TxID > maxTxID {
				maxTxID = rec.TxID
			}
		}
	}
	return maxTxID, terminators, offset, nil
}

func (l *Log) openFile(suffix int, flags int) error {
	f, err := os.OpenFile(l.pathFor(suffix), flags, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open wal file: %v", mgtrerr.ErrDurability, err)
	}
	l.file = f
	l.suffix = suffix
	return nil
}

// Append writes rec to the current log file and, if rec terminates a
// transaction, rotates the file once the configured threshold is
// reached.
func (l *Log) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf := rec.encode()
	if _, err := l.file.Write(buf); err != nil {
		l.metrics.appendErrors.Inc()
		return fmt.Errorf("%w: wal append: %v", mgtrerr.ErrDurability, err)
	}
	if err := l.file.Sync(); err != nil {
		l.metrics.appendErrors.Inc()
		return fmt.Errorf("%w: wal fsync: %v", mgtrerr.ErrDurability, err)
	}

	l.metrics.recordsAppended.Inc()
	l.metrics.bytesWritten.Add(float64(len(buf)))

	if rec.IsTerminator() {
		l.termThisFile++
		if rec.TxID > l.fileMaxTxID[l.suffix] {
			l.fileMaxTxID[l.suffix] = rec.TxID
		}
		if l.termThisFile >= l.cfg.TransactionsPerFile {
			return l.rotateLocked()
		}
	}
	return nil
}

func (l *Log) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("%w: close sealed wal file: %v", mgtrerr.ErrDurability, err)
	}
	next := l.suffix + 1
	if err := l.openFile(next, os.O_RDWR|os.O_CREATE|os.O_EXCL); err != nil {
		return err
	}
	l.termThisFile = 0
	l.metrics.rotations.Inc()
	l.cfg.Logger.Infow("wal rotated", "suffix", next)
	return nil
}

// Replay scans every log file in ascending suffix order, invoking
// handler for every well-formed record. A torn trailing record (a
// short read at the tail of the current file, expected after a crash)
// is silently discarded rather than treated as corruption.
func (l *Log) Replay(handler func(Record) error) error {
	suffixes, err := l.existingSuffixes()
	if err != nil {
		return err
	}
	for _, s := range suffixes {
		if err := l.replayFile(s, handler); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) replayFile(suffix int, handler func(Record) error) error {
	f, err := os.Open(l.pathFor(suffix))
	if err != nil {
		return fmt.Errorf("wal: replay open %q: %w", l.pathFor(suffix), err)
	}
	defer f.Close()

	for {
		rec, err := readRecord(f)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
}

// GC deletes every sealed log file whose terminating records all
// precede oldestLiveTxID; the current (tail) file is never removed.
func (l *Log) GC(oldestLiveTxID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	suffixes, err := l.existingSuffixes()
	if err != nil {
		return err
	}
	for _, s := range suffixes {
		if s == l.suffix {
			continue
		}
		maxTx, ok := l.fileMaxTxID[s]
		if !ok {
			maxTx, _, _, err = l.scanFileStats(s)
			if err != nil {
				return err
			}
		}
		if maxTx < oldestLiveTxID {
			if err := os.Remove(l.pathFor(s)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("wal: gc remove %q: %w", l.pathFor(s), err)
			}
			delete(l.fileMaxTxID, s)
			l.metrics.filesGCed.Inc()
		}
	}
	return nil
}

// FileCount reports how many log files currently exist, for DB.Stats().
func (l *Log) FileCount() (int, error) {
	suffixes, err := l.existingSuffixes()
	if err != nil {
		return 0, err
	}
	return len(suffixes), nil
}

// Close flushes and closes the current log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
