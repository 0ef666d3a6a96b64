package dbms

import (
	"github.com/nova-kv/bptreedb/internal/bufferpool"
	"github.com/nova-kv/bptreedb/internal/txn"
)

// poolAdapter satisfies txn.PageStore by converting bufferpool.Pool's
// concrete *PinnedPage return into the txn.PinnedPage interface value — the
// same small wiring step every lower package's own tests carry their own
// copy of (see internal/btree/tree_test.go's comment). This is the one real
// copy: every other caller in this module is handed a *Database built here.
type poolAdapter struct{ pool *bufferpool.Pool }

func (a poolAdapter) GetPage(tableID, pageID uint32) (txn.PinnedPage, error) {
	return a.pool.GetPage(tableID, pageID)
}
