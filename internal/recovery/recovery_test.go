package recovery_test

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nova-kv/bptreedb/internal/bufferpool"
	"github.com/nova-kv/bptreedb/internal/btree"
	"github.com/nova-kv/bptreedb/internal/lock"
	"github.com/nova-kv/bptreedb/internal/recovery"
	"github.com/nova-kv/bptreedb/internal/storage"
	"github.com/nova-kv/bptreedb/internal/txn"
	"github.com/nova-kv/bptreedb/internal/wal"
)

// poolAdapter satisfies txn.PageStore the same way btree's own tests do; see
// internal/btree/tree_test.go for the fuller explanation of why this exists.
type poolAdapter struct{ pool *bufferpool.Pool }

func (a poolAdapter) GetPage(tableID, pageID uint32) (txn.PinnedPage, error) {
	return a.pool.GetPage(tableID, pageID)
}

// noopOpener satisfies recovery.TableOpener for tests that pre-open every
// table the log could reference, which is all of them here (table id 1).
type noopOpener struct{}

func (noopOpener) EnsureOpen(uint32) error { return nil }

func val(s string) [storage.ValueSize]byte {
	var v [storage.ValueSize]byte
	copy(v[:], s)
	return v
}

// harness wraps one table's file + wal + pool + tree, and can be reopened
// against the same on-disk files to simulate a restart after a crash.
type harness struct {
	dir      string
	filePath string
	walPath  string

	pool  *bufferpool.Pool
	logs  *wal.Manager
	locks *lock.Manager
	txns  *txn.Manager
	tree  *btree.Tree
}

// createHarness builds a brand-new table file + wal from scratch.
func createHarness(t *testing.T, dir string) *harness {
	t.Helper()
	h := &harness{
		dir:      dir,
		filePath: filepath.Join(dir, "table.db"),
		walPath:  filepath.Join(dir, "table.wal"),
	}
	h.reopen(t, true)
	return h
}

// reopenHarness re-opens an existing table file + wal, simulating a restart
// after a crash: nothing from the previous stack was flushed or closed.
func reopenHarness(t *testing.T, dir string) *harness {
	t.Helper()
	h := &harness{
		dir:      dir,
		filePath: filepath.Join(dir, "table.db"),
		walPath:  filepath.Join(dir, "table.wal"),
	}
	h.reopen(t, false)
	return h
}

// reopen re-creates the pool/wal/txn/tree stack against the same backing
// files, without flushing or closing the previous stack first — the point
// is to simulate process death, not a graceful shutdown.
func (h *harness) reopen(t *testing.T, init bool) {
	t.Helper()
	f, err := storage.OpenFile(h.filePath)
	require.NoError(t, err)

	logs, err := wal.Open(h.walPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logs.Close() })

	pool := bufferpool.NewPool(8, logs)
	pool.OpenTable(1, f)
	if init {
		require.NoError(t, btree.InitHeader(pool, 1))
	}

	locks := lock.NewManager()
	txns := txn.NewManager(locks, logs, poolAdapter{pool})

	h.pool, h.logs, h.locks, h.txns = pool, logs, locks, txns
	h.tree = btree.New(1, pool, locks, txns)
}

func (h *harness) find(t *testing.T, key int64) [storage.ValueSize]byte {
	t.Helper()
	x := h.txns.Begin()
	got, err := h.tree.Find(x, key)
	require.NoError(t, err)
	_, err = h.txns.Commit(x)
	require.NoError(t, err)
	return got
}

// TestRedoRecoversCommittedUpdateLostBeforeFlush is the S6 scenario: commit
// an update, then "crash" (drop the process) before the buffer pool ever
// writes that page back to disk. Recovery must redo it.
func TestRedoRecoversCommittedUpdateLostBeforeFlush(t *testing.T) {
	dir := t.TempDir()
	h := createHarness(t, dir)
	require.NoError(t, h.tree.Insert(1, val("INIT")))
	require.NoError(t, h.pool.FlushAll())

	x := h.txns.Begin()
	require.NoError(t, h.tree.Update(x, 1, val("V1")))
	_, err := h.txns.Commit(x)
	require.NoError(t, err)
	// No FlushAll: the committed update's page never reaches table.db.

	h2 := reopenHarness(t, dir)
	rec := recovery.New(h2.logs, h2.pool, noopOpener{}, io.Discard)
	require.NoError(t, rec.Recover(recovery.Normal, 0))

	require.Equal(t, val("V1"), h2.find(t, 1))

	// Invariant 9: re-running recovery on an already-recovered log is a
	// no-op.
	h3 := reopenHarness(t, dir)
	rec3 := recovery.New(h3.logs, h3.pool, noopOpener{}, io.Discard)
	require.NoError(t, rec3.Recover(recovery.Normal, 0))
	require.Equal(t, val("V1"), h3.find(t, 1))
}

// TestUndoRevertsUncommittedUpdate is the S5 scenario: a transaction begins,
// updates a key, and never commits or aborts before the crash. Recovery must
// redo the lost write (it was never flushed either) and then undo it, since
// the transaction is a loser.
func TestUndoRevertsUncommittedUpdate(t *testing.T) {
	dir := t.TempDir()
	h := createHarness(t, dir)
	require.NoError(t, h.tree.Insert(3, val("THIS_IS_ORIGIN")))
	require.NoError(t, h.pool.FlushAll())

	x := h.txns.Begin()
	require.NoError(t, h.tree.Update(x, 3, val("WILL_BE_ROLLBACKED")))
	// Neither commit nor abort: this transaction is a loser at "crash". Its
	// BEGIN/UPDATE records are forced so the restarted log still holds them.
	require.NoError(t, h.logs.Force(h.logs.NextLSN()))

	h2 := reopenHarness(t, dir)
	rec := recovery.New(h2.logs, h2.pool, noopOpener{}, io.Discard)
	require.NoError(t, rec.Recover(recovery.Normal, 0))

	require.Equal(t, val("THIS_IS_ORIGIN"), h2.find(t, 3))
}

// TestRedoCrashInjectionResumesCorrectly stops the redo pass after one
// record and confirms a second, uninjected Recover call against the same
// log reaches the same end state as an uninterrupted run.
func TestRedoCrashInjectionResumesCorrectly(t *testing.T) {
	dir := t.TempDir()
	h := createHarness(t, dir)
	require.NoError(t, h.tree.Insert(5, val("INIT")))
	require.NoError(t, h.pool.FlushAll())

	x := h.txns.Begin()
	require.NoError(t, h.tree.Update(x, 5, val("V1")))
	_, err := h.txns.Commit(x)
	require.NoError(t, err)

	h2 := reopenHarness(t, dir)
	rec := recovery.New(h2.logs, h2.pool, noopOpener{}, io.Discard)
	err = rec.Recover(recovery.RedoCrash, 1)
	require.ErrorIs(t, err, recovery.ErrCrashInjected)

	h3 := reopenHarness(t, dir)
	rec3 := recovery.New(h3.logs, h3.pool, noopOpener{}, io.Discard)
	require.NoError(t, rec3.Recover(recovery.Normal, 0))
	require.Equal(t, val("V1"), h3.find(t, 5))
}

// TestRecoverOnEmptyLogIsNoop covers a freshly-initialized table whose log
// has never had a record written to it.
func TestRecoverOnEmptyLogIsNoop(t *testing.T) {
	dir := t.TempDir()
	h := createHarness(t, dir)
	require.NoError(t, h.tree.Insert(1, val("A")))
	require.NoError(t, h.pool.FlushAll())

	rec := recovery.New(h.logs, h.pool, noopOpener{}, io.Discard)
	require.NoError(t, rec.Recover(recovery.Normal, 0))
	require.Equal(t, val("A"), h.find(t, 1))
}
