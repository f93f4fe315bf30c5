// Package txn implements the transaction manager (spec.md C9):
// monotonic id assignment, the active-transaction set, and commit/
// rollback orchestration across the WAL and the shadow-page history.
package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/epokhe/mgtr/history"
	"github.com/epokhe/mgtr/mgtrerr"
	"github.com/epokhe/mgtr/wal"
)

// State mirrors a transaction's lifecycle: active until commit or
// rollback ends it exactly once.
type State int

const (
	Active State = iota
	Committed
	RolledBack
)

// yieldRetryLimit is the transactional_yield_retry_n bound from spec.md
// §5. Nothing in this package reads it; the bounded write-conflict retry
// that surfaces ErrConcurrentLock lives in the root package's
// Transaction.Write, under writeConflictRetryLimit (same value). Not
// exposed via Config — see DESIGN.md for why this stays a fixed constant.
const yieldRetryLimit = 3

// BeforeEndHandler runs during commit/rollback, in registration order,
// after the WAL terminator and history materialization/drop but before
// the transaction leaves the active set.
type BeforeEndHandler func(tx *Transaction) error

// Manager assigns monotonically increasing transaction ids and tracks
// the active set, giving GC a watermark for WAL truncation.
type Manager struct {
	log     *wal.Log
	hist    *history.History
	logger  *zap.SugaredLogger
	nextID  atomic.Uint64
	activeS mapset.Set[uint64]

	mu     sync.Mutex
	active map[uint64]*Transaction
}

// New builds a transaction manager over the given WAL and shadow
// history. The manager owns neither; Close is the caller's job.
func New(log *wal.Log, hist *history.History, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		log:     log,
		hist:    hist,
		logger:  logger,
		activeS: mapset.NewSet[uint64](),
		active:  make(map[uint64]*Transaction),
	}
}

// Begin starts a new transaction with a fresh, strictly increasing id.
func (m *Manager) Begin() *Transaction {
	id := m.nextID.Add(1)
	tx := &Transaction{id: id, mgr: m, state: Active}

	m.mu.Lock()
	m.active[id] = tx
	m.mu.Unlock()
	m.activeS.Add(id)

	m.hist.OnNewTransaction(id)
	return tx
}

// OldestLiveTxID returns the lowest id among currently active
// transactions, or 0 if none are active — the watermark GC uses to
// decide which WAL files are safe to delete.
func (m *Manager) OldestLiveTxID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest uint64
	for id := range m.active {
		if oldest == 0 || id < oldest {
			oldest = id
		}
	}
	return oldest
}

// ActiveCount reports how many transactions are currently active.
func (m *Manager) ActiveCount() int {
	return m.activeS.Cardinality()
}

func (m *Manager) endTransaction(tx *Transaction) {
	m.mu.Lock()
	delete(m.active, tx.id)
	m.mu.Unlock()
	m.activeS.Remove(tx.id)
}

// Transaction is a single unit of work. It is not safe for concurrent
// use by multiple goroutines; the caller that calls Begin owns it.
type Transaction struct {
	id  uint64
	mgr *Manager

	mu       sync.Mutex
	state    State
	handlers []BeforeEndHandler
}

// ID returns the transaction's monotonically assigned id.
func (t *Transaction) ID() uint64 { return t.id }

// RegisterHandle pushes a handler to run, in registration order, when
// this transaction ends (commit or rollback).
func (t *Transaction) RegisterHandle(h BeforeEndHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// Commit appends a commit terminator to the WAL, materializes the
// transaction's shadow buffers into the mapped region, runs registered
// handlers, then removes the transaction from the active set.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	if t.state != Active {
		t.mu.Unlock()
		return fmt.Errorf("%w: transaction %d already ended", mgtrerr.ErrInvalidState, t.id)
	}
	t.mu.Unlock()

	if err := t.mgr.log.Append(wal.Record{TxID: t.id, Kind: wal.KindCommit}); err != nil {
		t.mu.Lock()
		t.state = RolledBack
		t.mu.Unlock()
		_ = t.mgr.hist.OnRollback(t.id)
		t.mgr.endTransaction(t)
		return fmt.Errorf("%w: commit wal append: %v", mgtrerr.ErrDurability, err)
	}

	if err := t.mgr.hist.OnCommit(t.id); err != nil {
		return fmt.Errorf("history: commit materialize: %w", err)
	}

	t.mu.Lock()
	t.state = Committed
	handlers := append([]BeforeEndHandler(nil), t.handlers...)
	t.mu.Unlock()

	var errs error
	for _, h := range handlers {
		if err := h(t); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	t.mgr.endTransaction(t)
	return errs
}

// Rollback appends a rollback terminator to the WAL, drops the
// transaction's shadow buffers, runs registered handlers, then removes
// the transaction from the active set.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	if t.state != Active {
		t.mu.Unlock()
		return fmt.Errorf("%w: transaction %d already ended", mgtrerr.ErrInvalidState, t.id)
	}
	t.state = RolledBack
	t.mu.Unlock()

	var errs error
	if err := t.mgr.log.Append(wal.Record{TxID: t.id, Kind: wal.KindRollback}); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%w: rollback wal append: %v", mgtrerr.ErrDurability, err))
	}
	if err := t.mgr.hist.OnRollback(t.id); err != nil {
		errs = multierr.Append(errs, err)
	}

	t.mu.Lock()
	handlers := append([]BeforeEndHandler(nil), t.handlers...)
	t.mu.Unlock()

	for _, h := range handlers {
		if err := h(t); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	t.mgr.endTransaction(t)
	return errs
}

// State reports the transaction's current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Txn is the common surface of *Transaction and *NoOpTransaction, so
// callers that begin a transaction don't need to know whether they are
// running against a real Manager or a NopManager.
type Txn interface {
	ID() uint64
	RegisterHandle(BeforeEndHandler)
	Commit() error
	Rollback() error
	State() State
}

// NopManager is the plain (non-transactional) counterpart to Manager,
// for segment managers opened without durability or isolation — every
// begin_transaction() returns a NoOpTransaction that skips the WAL and
// shadow history entirely but still runs registered handlers in order,
// per spec.md §4.3's note that a non-transactional manager's
// transaction object is a no-op wrapper rather than an absent one.
type NopManager struct {
	nextID atomic.Uint64
}

// NewNop builds a NopManager.
func NewNop() *NopManager { return &NopManager{} }

// Begin returns a fresh NoOpTransaction.
func (m *NopManager) Begin() *NoOpTransaction {
	return &NoOpTransaction{id: m.nextID.Add(1), state: Active}
}

// NoOpTransaction fires BeforeTransactionEnd handlers on commit and
// rollback like a real Transaction, but never touches a WAL or shadow
// history: reads and writes against a non-transactional segment
// manager are applied directly.
type NoOpTransaction struct {
	id uint64

	mu       sync.Mutex
	state    State
	handlers []BeforeEndHandler
}

func (t *NoOpTransaction) ID() uint64 { return t.id }

func (t *NoOpTransaction) RegisterHandle(h BeforeEndHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

func (t *NoOpTransaction) Commit() error { return t.end(Committed) }

func (t *NoOpTransaction) Rollback() error { return t.end(RolledBack) }

func (t *NoOpTransaction) end(final State) error {
	t.mu.Lock()
	if t.state != Active {
		t.mu.Unlock()
		return fmt.Errorf("%w: transaction %d already ended", mgtrerr.ErrInvalidState, t.id)
	}
	t.state = final
	handlers := append([]BeforeEndHandler(nil), t.handlers...)
	t.mu.Unlock()

	var errs error
	for _, h := range handlers {
		if err := h(nil); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (t *NoOpTransaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
