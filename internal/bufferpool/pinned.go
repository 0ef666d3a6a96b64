package bufferpool

import (
	"sync/atomic"

	"github.com/nova-kv/bptreedb/internal/storage"
)

// PinnedPage is the scoped-resource replacement for manual pin/unpin calls
// named in the redesign notes. Go has no destructors, so the discipline is
// the ordinary one used throughout this module: acquire with GetPage/
// CreatePage, `defer pp.Unpin(dirty)` on every return path. Unpin is
// idempotent so a deferred call after an earlier explicit one is harmless.
type PinnedPage struct {
	pool     *Pool
	frame    *Frame
	released atomic.Bool
}

func (pp *PinnedPage) Buf() storage.Page { return pp.frame.Buf }
func (pp *PinnedPage) TableID() uint32   { return pp.frame.Table }
func (pp *PinnedPage) PageID() uint32    { return pp.frame.Page }

func (pp *PinnedPage) MarkDirty() {
	pp.pool.mu.Lock()
	pp.frame.Dirty = true
	pp.pool.mu.Unlock()
}

// SetLSN stamps the page's header LSN and marks it dirty, satisfying
// txn.PageStore's PinnedPage contract used by abort-time undo.
func (pp *PinnedPage) SetLSN(lsn uint64) {
	pp.frame.Buf.SetPageLSN(lsn)
	pp.MarkDirty()
}

func (pp *PinnedPage) Bytes() []byte { return pp.frame.Buf }

func (pp *PinnedPage) Unpin(dirty bool) error {
	if !pp.released.CompareAndSwap(false, true) {
		return nil
	}
	return pp.pool.unpin(pp.frame, dirty)
}
