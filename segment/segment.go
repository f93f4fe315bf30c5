// Package segment implements the segment manager (spec.md C3): it owns
// the backing file, memory-maps it in fixed-size chunks, and hands out
// typed read/write windows while arbitrating segment lifetimes.
package segment

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/epokhe/mgtr/addr"
	"github.com/epokhe/mgtr/heap"
	"github.com/epokhe/mgtr/mapped"
	"github.com/epokhe/mgtr/mgtrerr"
	"github.com/epokhe/mgtr/topology"
)

// Listener receives notifications when segments are created or reopened,
// the way bitdb's manifest-driven segment load drives callbacks during
// Open. OnSegmentAllocated fires for a segment created for the first
// time; OnSegmentOpening fires when reattaching to an existing one.
type Listener interface {
	OnSegmentAllocated(i addr.SegmentIndex, region *mapped.Region) error
	OnSegmentOpening(i addr.SegmentIndex, region *mapped.Region) error
}

// entry bundles everything the manager keeps for one open segment.
type entry struct {
	region *mapped.Region
	heap   *heap.Manager
}

// Config carries the parameters fixed at database creation.
type Config struct {
	SegmentSize int64
	Topology    *topology.Topology
	Logger      *zap.SugaredLogger
}

// Manager owns the backing file and a mapping per segment. Segment
// creation is serialized under mu; once a mapping exists, reads against
// it are concurrent and unsynchronized at this layer — the transaction
// layer above is responsible for isolating concurrent writers.
type Manager struct {
	path     string
	file     *os.File
	segSize  int64
	topo     *topology.Topology
	log      *zap.SugaredLogger
	dbID     uuid.UUID

	mu   sync.Mutex
	segs map[addr.SegmentIndex]*entry

	listenersMu sync.Mutex
	listeners   []Listener
}

// CreateNew creates a fresh database file at path and materializes its
// first segment.
func CreateNew(path string, cfg Config) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: create %q: %w", path, err)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	m := &Manager{
		path:    path,
		file:    f,
		segSize: cfg.SegmentSize,
		topo:    cfg.Topology,
		log:     log,
		dbID:    uuid.New(),
		segs:    make(map[addr.SegmentIndex]*entry),
	}

	if _, err := m.ensureSegment(0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("segment: create initial segment: %w", err)
	}

	m.log.Infow("database created", "path", path, "segmentSize", m.segSize, "databaseID", m.dbID)
	return m, nil
}

// OpenExisting opens a previously created database file, validating its
// first segment's header. Segments beyond 0 are opened lazily.
func OpenExisting(path string, cfg Config) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: open %q: %w", path, err)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	m := &Manager{
		path:    path,
		file:    f,
		segSize: cfg.SegmentSize,
		topo:    cfg.Topology,
		log:     log,
		segs:    make(map[addr.SegmentIndex]*entry),
	}

	e, err := m.ensureSegment(0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: open initial segment: %w", err)
	}
	raw, err := e.region.At(0, HeaderSize)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: read header: %w", err)
	}
	h, err := readHeader(raw)
	if err != nil {
		f.Close()
		return nil, err
	}
	m.dbID = h.databaseID
	if int64(h.segmentSize) != m.segSize {
		f.Close()
		return nil, fmt.Errorf("%w: segment size %d on disk, %d configured", mgtrerr.ErrCorruption, h.segmentSize, m.segSize)
	}

	m.log.Infow("database opened", "path", path, "databaseID", m.dbID)
	return m, nil
}

// DatabaseID returns the identity stamped into segment 0 at creation.
func (m *Manager) DatabaseID() uuid.UUID { return m.dbID }

// SegmentSize returns the fixed per-segment byte size.
func (m *Manager) SegmentSize() int64 { return m.segSize }

// SubscribeEventListener registers a topology listener. Listener
// callbacks occur inside the calling goroutine that triggered segment
// creation/opening.
func (m *Manager) SubscribeEventListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// EnsureSegment materializes the mapping for segment i, extending the
// backing file if necessary, and returns its heap manager.
func (m *Manager) EnsureSegment(i addr.SegmentIndex) (*heap.Manager, error) {
	e, err := m.ensureSegment(i)
	if err != nil {
		return nil, err
	}
	return e.heap, nil
}

func (m *Manager) ensureSegment(i addr.SegmentIndex) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.segs[i]; ok {
		return e, nil
	}

	fileOffset := int64(i) * m.segSize
	stat, err := m.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("segment: stat: %w", err)
	}

	fresh := stat.Size() <= fileOffset
	if fresh {
		if err := m.file.Truncate(fileOffset + m.segSize); err != nil {
			return nil, fmt.Errorf("segment: grow backing file: %w", err)
		}
	}

	region, err := mapped.New(m.file, fileOffset, int(m.segSize))
	if err != nil {
		return nil, fmt.Errorf("segment: map segment %d: %w", i, err)
	}

	var hm *heap.Manager
	if fresh {
		hm, err = m.initSegment(i, region)
	} else {
		hm, err = m.reopenSegment(i, region)
	}
	if err != nil {
		region.Close()
		return nil, err
	}

	e := &entry{region: region, heap: hm}
	m.segs[i] = e

	m.notify(i, region, fresh)
	return e, nil
}

func (m *Manager) initSegment(i addr.SegmentIndex, region *mapped.Region) (*heap.Manager, error) {
	raw, err := region.At(0, HeaderSize)
	if err != nil {
		return nil, err
	}
	dbID := m.dbID
	if dbID == (uuid.UUID{}) {
		dbID = uuid.New()
		m.dbID = dbID
	}
	writeHeader(raw, header{segmentSize: uint32(m.segSize), formatVersion: FormatVersion, databaseID: dbID})

	arenaStart, err := m.topo.OnSegmentAllocated(i, region, HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("segment: topology init: %w", err)
	}

	hm, err := heap.NewArena(i, region, arenaStart, m.segSize)
	if err != nil {
		return nil, fmt.Errorf("segment: heap init: %w", err)
	}

	m.log.Infow("segment allocated", "index", i, "arenaStart", arenaStart)
	return hm, nil
}

func (m *Manager) reopenSegment(i addr.SegmentIndex, region *mapped.Region) (*heap.Manager, error) {
	raw, err := region.At(0, HeaderSize)
	if err != nil {
		return nil, err
	}
	h, err := readHeader(raw)
	if err != nil {
		return nil, err
	}
	if m.dbID == (uuid.UUID{}) {
		// First segment opened by OpenExisting: adopt the stamped identity.
		m.dbID = h.databaseID
	} else if h.databaseID != m.dbID {
		return nil, fmt.Errorf("%w: segment %d belongs to database %s, expected %s", mgtrerr.ErrCorruption, i, h.databaseID, m.dbID)
	}

	arenaStart, err := m.topo.OnSegmentOpening(i, region, HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("segment: topology open: %w", err)
	}

	hm, err := heap.OpenArena(i, region, arenaStart, m.segSize)
	if err != nil {
		return nil, fmt.Errorf("segment: heap open: %w", err)
	}

	m.log.Debugw("segment opened", "index", i, "arenaStart", arenaStart)
	return hm, nil
}

func (m *Manager) notify(i addr.SegmentIndex, region *mapped.Region, fresh bool) {
	m.listenersMu.Lock()
	ls := append([]Listener(nil), m.listeners...)
	m.listenersMu.Unlock()

	for _, l := range ls {
		var err error
		if fresh {
			err = l.OnSegmentAllocated(i, region)
		} else {
			err = l.OnSegmentOpening(i, region)
		}
		if err != nil {
			m.log.Errorw("segment listener failed", "segment", i, "fresh", fresh, "error", err)
		}
	}
}

// ReadonlyBlock returns a read-only byte window over [addr, addr+length).
// Overlap with live transactions is resolved by the transaction layer;
// this method serves committed bytes directly.
func (m *Manager) ReadonlyBlock(a addr.FarAddress, length int) ([]byte, error) {
	e, err := m.ensureSegment(a.Segment())
	if err != nil {
		return nil, err
	}
	b, err := e.region.At(int64(a.Pos()), length)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mgtrerr.ErrInvalidBlock, err)
	}
	return b, nil
}

// WritableBlock returns a writable byte window over [addr, addr+length).
func (m *Manager) WritableBlock(a addr.FarAddress, length int) ([]byte, error) {
	return m.ReadonlyBlock(a, length)
}

// Allocate sub-allocates byteSize bytes, trying already-open segments
// from low to high index before growing the database by one segment.
func (m *Manager) Allocate(byteSize uint32) (addr.FarAddress, error) {
	m.mu.Lock()
	n := addr.SegmentIndex(len(m.segs))
	m.mu.Unlock()

	for i := addr.SegmentIndex(0); i < n; i++ {
		hm, err := m.EnsureSegment(i)
		if err != nil {
			return addr.NilFarAddress, err
		}
		a, err := hm.Allocate(byteSize)
		if err == nil {
			return a, nil
		}
	}

	hm, err := m.EnsureSegment(n)
	if err != nil {
		return addr.NilFarAddress, err
	}
	return hm.Allocate(byteSize)
}

// Deallocate returns a previously allocated block to its segment's free
// list.
func (m *Manager) Deallocate(a addr.FarAddress) error {
	hm, err := m.EnsureSegment(a.Segment())
	if err != nil {
		return err
	}
	return hm.Deallocate(a)
}

// ForeachSegment iterates currently opened segments in index order.
func (m *Manager) ForeachSegment(fn func(i addr.SegmentIndex, hm *heap.Manager) error) error {
	m.mu.Lock()
	indices := make([]addr.SegmentIndex, 0, len(m.segs))
	for i := range m.segs {
		indices = append(indices, i)
	}
	m.mu.Unlock()

	for i := addr.SegmentIndex(0); i < addr.SegmentIndex(len(indices)); i++ {
		e, ok := m.segs[i]
		if !ok {
			continue
		}
		if err := fn(i, e.heap); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and unmaps every open segment, then closes the backing
// file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.segs {
		if err := e.region.Flush(false); err != nil {
			m.log.Errorw("flush segment on close failed", "segment", i, "error", err)
		}
		if err := e.region.Close(); err != nil {
			m.log.Errorw("unmap segment on close failed", "segment", i, "error", err)
		}
		if err := m.topo.ReleaseSegment(i); err != nil {
			m.log.Errorw("release segment topology failed", "segment", i, "error", err)
		}
	}
	return m.file.Close()
}
