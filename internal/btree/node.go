package btree

import (
	"github.com/nova-kv/bptreedb/internal/dberr"
	"github.com/nova-kv/bptreedb/internal/storage"
)

// descendChild picks the child of an internal page to follow for key: the
// child after the largest branch key that is <= key, or the leftmost child
// (PageA) if key is smaller than every branch key on this page.
func descendChild(buf storage.Page, key int64) uint32 {
	n := buf.NumKeys()
	i := 0
	for i < n && key >= buf.BranchKey(i) {
		i++
	}
	if i == 0 {
		return buf.PageA()
	}
	return buf.BranchChild(i - 1)
}

// childAt indexes a node's conceptual children array, where position 0 is
// PageA (the leftmost pointer) and position i+1 is BranchChild(i).
func childAt(buf storage.Page, pos int) uint32 {
	if pos == 0 {
		return buf.PageA()
	}
	return buf.BranchChild(pos - 1)
}

// findChildSlot returns the position of childID among parent's children
// (0 for PageA, i+1 for BranchChild(i)). Panics if childID is not one of
// parent's children, which would mean the parent pointer chasing this
// package relies on has gone stale.
func findChildSlot(buf storage.Page, childID uint32) int {
	if buf.PageA() == childID {
		return 0
	}
	n := buf.NumKeys()
	for i := 0; i < n; i++ {
		if buf.BranchChild(i) == childID {
			return i + 1
		}
	}
	dberr.Invariant("btree: child page %d not found among its parent's children", childID)
	return -1
}

func findKeyInLeaf(buf storage.Page, key int64) (int, bool) {
	n := buf.NumKeys()
	for i := 0; i < n; i++ {
		if buf.RecordKey(i) == key {
			return i, true
		}
	}
	return -1, false
}

func findBranchKey(buf storage.Page, key int64) (int, bool) {
	n := buf.NumKeys()
	for i := 0; i < n; i++ {
		if buf.BranchKey(i) == key {
			return i, true
		}
	}
	return -1, false
}

func insertIntoLeaf(buf storage.Page, key int64, value [storage.ValueSize]byte) {
	n := buf.NumKeys()
	pos := n
	for i := 0; i < n; i++ {
		if key < buf.RecordKey(i) {
			pos = i
			break
		}
	}
	for i := n; i > pos; i-- {
		k, v := buf.RecordKey(i-1), buf.RecordValue(i-1)
		buf.SetRecord(i, k, v)
	}
	buf.SetRecord(pos, key, value)
	buf.SetNumKeys(n + 1)
}

func insertBranchAt(buf storage.Page, slot int, key int64, childID uint32) {
	n := buf.NumKeys()
	for i := n - 1; i >= slot; i-- {
		k, c := buf.BranchKey(i), buf.BranchChild(i)
		buf.SetBranch(i+1, k, c)
	}
	buf.SetBranch(slot, key, childID)
	buf.SetNumKeys(n + 1)
}

func removeRecordAt(buf storage.Page, idx int) {
	n := buf.NumKeys()
	for i := idx; i < n-1; i++ {
		k, v := buf.RecordKey(i+1), buf.RecordValue(i+1)
		buf.SetRecord(i, k, v)
	}
	buf.SetNumKeys(n - 1)
}

func removeBranchAt(buf storage.Page, idx int) {
	n := buf.NumKeys()
	for i := idx; i < n-1; i++ {
		k, c := buf.BranchKey(i+1), buf.BranchChild(i+1)
		buf.SetBranch(i, k, c)
	}
	buf.SetNumKeys(n - 1)
}

// shiftInternalLeft drops branch 0 of an internal page, promoting its child
// to PageA; used when redistribute borrows the neighbor's first entry.
func shiftInternalLeft(buf storage.Page) {
	n := buf.NumKeys()
	buf.SetPageA(buf.BranchChild(0))
	for i := 1; i < n; i++ {
		k, c := buf.BranchKey(i), buf.BranchChild(i)
		buf.SetBranch(i-1, k, c)
	}
	buf.SetNumKeys(n - 1)
}
