package btree_test

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nova-kv/bptreedb/internal/bufferpool"
	"github.com/nova-kv/bptreedb/internal/btree"
	"github.com/nova-kv/bptreedb/internal/lock"
	"github.com/nova-kv/bptreedb/internal/storage"
	"github.com/nova-kv/bptreedb/internal/txn"
	"github.com/nova-kv/bptreedb/internal/wal"
)

// poolAdapter satisfies txn.PageStore by converting bufferpool.Pool's
// concrete *PinnedPage return into the txn.PinnedPage interface value, the
// small wiring step Go's lack of covariant interface returns requires. The
// dbms package carries the real version of this; tests get their own copy
// to avoid depending on a package that sits above btree in the layering.
type poolAdapter struct{ pool *bufferpool.Pool }

func (a poolAdapter) GetPage(tableID, pageID uint32) (txn.PinnedPage, error) {
	return a.pool.GetPage(tableID, pageID)
}

func val(s string) [storage.ValueSize]byte {
	var v [storage.ValueSize]byte
	copy(v[:], s)
	return v
}

type fixture struct {
	tree  *btree.Tree
	txns  *txn.Manager
	locks *lock.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	f, err := storage.OpenFile(filepath.Join(dir, "table.db"))
	require.NoError(t, err)

	logs, err := wal.Open(filepath.Join(dir, "table.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = logs.Close() })

	pool := bufferpool.NewPool(32, logs)
	pool.OpenTable(1, f)
	require.NoError(t, btree.InitHeader(pool, 1))

	locks := lock.NewManager()
	txns := txn.NewManager(locks, logs, poolAdapter{pool})

	return &fixture{tree: btree.New(1, pool, locks, txns), txns: txns, locks: locks}
}

func TestInsertFindSingle(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.tree.Insert(42, val("hello")))

	x := fx.txns.Begin()
	got, err := fx.tree.Find(x, 42)
	require.NoError(t, err)
	require.Equal(t, val("hello"), got)
	_, err = fx.txns.Commit(x)
	require.NoError(t, err)
}

func TestInsertDuplicateKey(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.tree.Insert(1, val("a")))
	require.ErrorIs(t, fx.tree.Insert(1, val("b")), btree.ErrDuplicateKey)
}

func TestFindMissingKey(t *testing.T) {
	fx := newFixture(t)
	x := fx.txns.Begin()
	_, err := fx.tree.Find(x, 7)
	require.ErrorIs(t, err, btree.ErrNotFound)
	_, err = fx.txns.Commit(x)
	require.NoError(t, err)
}

// TestManyInsertsForceSplits inserts enough records, in a shuffled order, to
// force both leaf and internal page splits, then verifies every key is
// still reachable and RangeScan returns them in order.
func TestManyInsertsForceSplits(t *testing.T) {
	fx := newFixture(t)

	const n = 10000
	keys := rand.New(rand.NewSource(1)).Perm(n)
	for _, k := range keys {
		require.NoError(t, fx.tree.Insert(int64(k), val("v")))
	}

	x := fx.txns.Begin()
	for i := 0; i < n; i++ {
		got, err := fx.tree.Find(x, int64(i))
		require.NoErrorf(t, err, "key %d", i)
		require.Equal(t, val("v"), got)
	}
	_, err := fx.txns.Commit(x)
	require.NoError(t, err)

	recs, err := fx.tree.RangeScan(0, int64(n-1))
	require.NoError(t, err)
	require.Len(t, recs, n)
	for i, r := range recs {
		require.Equal(t, int64(i), r.Key)
	}
}

func TestUpdateThenFindSeesNewValue(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.tree.Insert(5, val("old")))

	x := fx.txns.Begin()
	require.NoError(t, fx.tree.Update(x, 5, val("new")))
	_, err := fx.txns.Commit(x)
	require.NoError(t, err)

	x2 := fx.txns.Begin()
	got, err := fx.tree.Find(x2, 5)
	require.NoError(t, err)
	require.Equal(t, val("new"), got)
	_, err = fx.txns.Commit(x2)
	require.NoError(t, err)
}

func TestAbortUndoesUpdate(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.tree.Insert(9, val("original")))

	x := fx.txns.Begin()
	require.NoError(t, fx.tree.Update(x, 9, val("changed")))
	require.NoError(t, fx.txns.Abort(x))

	x2 := fx.txns.Begin()
	got, err := fx.tree.Find(x2, 9)
	require.NoError(t, err)
	require.Equal(t, val("original"), got)
	_, err = fx.txns.Commit(x2)
	require.NoError(t, err)
}

// TestDeleteThenInsertShrinksAndRegrows exercises coalesce/redistribute and
// adjust_root by deleting everything back out and rebuilding.
func TestDeleteThenInsertShrinksAndRegrows(t *testing.T) {
	fx := newFixture(t)

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, fx.tree.Insert(int64(i), val("v")))
	}
	for i := 0; i < n; i++ {
		require.NoErrorf(t, fx.tree.Delete(int64(i)), "key %d", i)
	}

	recs, err := fx.tree.RangeScan(0, int64(n-1))
	require.NoError(t, err)
	require.Empty(t, recs)

	require.NoError(t, fx.tree.Insert(10, val("again")))
	x := fx.txns.Begin()
	got, err := fx.tree.Find(x, 10)
	require.NoError(t, err)
	require.Equal(t, val("again"), got)
	_, err = fx.txns.Commit(x)
	require.NoError(t, err)
}

// TestRebalanceCoalescesWhenSiblingIsFull covers the boundary rebalance()
// must always take for a leaf: the emptied leaf's neighbor sits at exactly
// MaxLeafRecords (31) keys, the most a leaf can ever hold, so the rebalance
// must coalesce rather than redistribute.
func TestRebalanceCoalescesWhenSiblingIsFull(t *testing.T) {
	fx := newFixture(t)

	for i := int64(0); i < 32; i++ {
		require.NoError(t, fx.tree.Insert(i, val("v")))
	}
	for i := int64(1); i <= 15; i++ {
		require.NoError(t, fx.tree.Insert(-i, val("v")))
	}

	for i := int64(17); i < 32; i++ {
		require.NoErrorf(t, fx.tree.Delete(i), "key %d", i)
	}
	require.NoError(t, fx.tree.Delete(16))

	recs, err := fx.tree.RangeScan(-15, 15)
	require.NoError(t, err)
	require.Len(t, recs, 31)
	for i, r := range recs {
		require.Equal(t, int64(i)-15, r.Key)
	}
}

func TestDeleteMissingKey(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.tree.Insert(1, val("a")))
	require.ErrorIs(t, fx.tree.Delete(2), btree.ErrNotFound)
}
