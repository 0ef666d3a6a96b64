// Package txn is the transaction manager tying the lock manager and the
// log manager together: begin/commit/abort, the per-transaction last_lsn
// chain, and abort-time undo via CLR emission, grounded on
// original_source/project6/include/xact.h (Xact/XactManager) for the
// begin/commit/abort vocabulary and on project6/include/log.h for the CLR
// next_undo_lsn semantics. Page I/O during undo is expressed through the
// small PageStore/PinnedPage interfaces below rather than an import of
// internal/bufferpool directly, so that txn does not have to know about
// CLOCK frames or table files — the same "define the interface on the
// consumer side" idiom the teacher uses for wal.PageWriter.
package txn

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nova-kv/bptreedb/internal/dberr"
	"github.com/nova-kv/bptreedb/internal/lock"
	"github.com/nova-kv/bptreedb/internal/wal"
)

// PinnedPage is the subset of bufferpool.PinnedPage undo needs.
type PinnedPage interface {
	Bytes() []byte
	SetLSN(lsn uint64)
	MarkDirty()
	Unpin(dirty bool) error
}

// PageStore is the subset of bufferpool.Pool undo needs.
type PageStore interface {
	GetPage(tableID, pageID uint32) (PinnedPage, error)
}

// Xact is one in-flight transaction: its id, the chain pointer used both
// for WAL PrevLSN linking and for locating where undo should resume, and
// the locks it currently holds.
type Xact struct {
	ID      uint64
	lastLSN uint64
	locks   []*lock.Request
	mu      sync.Mutex
}

func (x *Xact) LastLSN() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lastLSN
}

// AddLock records a granted lock so commit/abort can release it later.
func (x *Xact) AddLock(req *lock.Request) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.locks = append(x.locks, req)
}

type Manager struct {
	mu      sync.Mutex
	counter uint64
	xacts   map[uint64]*Xact
	locks   *lock.Manager
	logs    *wal.Manager
	pages   PageStore
}

func NewManager(locks *lock.Manager, logs *wal.Manager, pages PageStore) *Manager {
	return &Manager{
		xacts: make(map[uint64]*Xact),
		locks: locks,
		logs:  logs,
		pages: pages,
	}
}

func (m *Manager) Begin() *Xact {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	x := &Xact{ID: m.counter}
	x.lastLSN = m.logs.LogBegin(x.ID)
	m.xacts[x.ID] = x
	return x
}

func (m *Manager) Get(xid uint64) (*Xact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	x, ok := m.xacts[xid]
	return x, ok
}

// LogUpdate appends an UPDATE record on behalf of x and advances its chain
// pointer; called by the B+-tree before mutating a record in place.
func (m *Manager) LogUpdate(x *Xact, tableID, pageID, offset uint32, oldImg, newImg []byte) uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	lsn := m.logs.LogUpdate(x.ID, x.lastLSN, tableID, pageID, offset, oldImg, newImg)
	x.lastLSN = lsn
	return lsn
}

// Commit releases every lock x holds, appends COMMIT, forces the log, and
// forgets the transaction.
func (m *Manager) Commit(x *Xact) (uint64, error) {
	x.mu.Lock()
	locksHeld := x.locks
	x.locks = nil
	x.mu.Unlock()
	m.locks.ReleaseAll(locksHeld)

	lsn := m.logs.LogCommit(x.ID, x.LastLSN())
	x.mu.Lock()
	x.lastLSN = lsn
	x.mu.Unlock()
	if err := m.logs.Force(lsn); err != nil {
		return 0, err
	}

	m.mu.Lock()
	delete(m.xacts, x.ID)
	m.mu.Unlock()
	slog.Debug("txn: commit", "xid", x.ID, "lsn", lsn)
	return x.ID, nil
}

// Abort walks x's own log chain backwards, undoing every UPDATE it made by
// restoring the old image and emitting a CLR, then releases its locks and
// appends ROLLBACK. This mirrors Xact::undo in the original source, which
// walks the same per-transaction chain rather than the whole log.
func (m *Manager) Abort(x *Xact) error {
	chain := m.logs.Chain(x.ID)
	for i := len(chain) - 1; i >= 0; i-- {
		rec := chain[i]
		if rec.Type != wal.Update {
			continue
		}
		if err := m.undoOne(x, rec); err != nil {
			return err
		}
	}

	x.mu.Lock()
	locksHeld := x.locks
	x.locks = nil
	x.mu.Unlock()
	m.locks.ReleaseAll(locksHeld)

	lsn := m.logs.LogRollback(x.ID, x.LastLSN())
	x.mu.Lock()
	x.lastLSN = lsn
	x.mu.Unlock()
	if err := m.logs.Force(lsn); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.xacts, x.ID)
	m.mu.Unlock()
	slog.Debug("txn: abort", "xid", x.ID, "lsn", lsn)
	return nil
}

func (m *Manager) undoOne(x *Xact, rec *wal.Record) error {
	pp, err := m.pages.GetPage(rec.TableID, rec.PageID)
	if err != nil {
		return fmt.Errorf("txn: undo pin table %d page %d: %w", rec.TableID, rec.PageID, err)
	}
	buf := pp.Bytes()
	if int(rec.Offset)+len(rec.OldImg) > len(buf) {
		dberr.Invariant("txn: undo offset %d+%d out of page bounds", rec.Offset, len(rec.OldImg))
	}
	before := append([]byte(nil), buf[rec.Offset:int(rec.Offset)+len(rec.OldImg)]...)
	copy(buf[rec.Offset:], rec.OldImg)

	clrLSN := m.logs.LogCompensate(x.ID, x.LastLSN(), rec.TableID, rec.PageID, rec.Offset, before, rec.OldImg, rec.PrevLSN)
	x.mu.Lock()
	x.lastLSN = clrLSN
	x.mu.Unlock()

	pp.SetLSN(clrLSN)
	return pp.Unpin(true)
}
