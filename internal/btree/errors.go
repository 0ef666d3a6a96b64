package btree

import "github.com/nova-kv/bptreedb/internal/dberr"

// Re-exported so callers of this package can compare against one set of
// sentinels instead of reaching into internal/dberr themselves.
var (
	ErrNotFound     = dberr.ErrNotFound
	ErrDuplicateKey = dberr.ErrDuplicateKey
)
