// Package bufferpool implements the fixed-size, CLOCK-replacement buffer
// pool shared by every open table, grounded on the teacher's
// internal/bufferpool.GlobalPool (PageTag-keyed multi-relation pool)
// generalized from its string-keyed FSKey to this module's (table id, page
// number) pair, and on internal/bufferpool.Pool for the Frame/CLOCK-hand
// vocabulary. The CLOCK (second-chance) replacement bookkeeping the teacher
// kept in a standalone pkg/clockx.Clock behind a Replacer adapter is folded
// directly into Pool here: there is exactly one CLOCK instance per process
// (one buffer pool), so a separate reusable policy type only added a layer
// of indirection between Pool's frame table and its own hand.
package bufferpool

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/nova-kv/bptreedb/internal/dberr"
	"github.com/nova-kv/bptreedb/internal/storage"
)

var (
	ErrNoFreeFrame = errors.New("bufferpool: no free frame available (all pinned)")
	ErrPagePinned  = errors.New("bufferpool: page is pinned")
)

// LogForcer is the buffer pool's dependency on the log manager: before a
// dirty frame can be written back, the log must be durable at least up to
// that frame's page LSN. Defined here, consumer-side, so that bufferpool
// never imports wal directly (same import-cycle discipline the teacher's
// wal_writer_adapter.go documents the other direction).
type LogForcer interface {
	Force(uptoLSN uint64) error
}

type pageKey struct {
	Table uint32
	Page  uint32
}

// Frame holds one cached page and its bookkeeping.
type Frame struct {
	Table uint32
	Page  uint32
	Buf   storage.Page
	Dirty bool
	Pin   int32
}

// Pool is the single buffer pool shared across every table a Database has
// open, keyed by (table id, page number) as the on-disk page model
// describes. Eviction follows CLOCK (second-chance): clockRef/clockEvictable
// track each frame slot's reference bit and evictability, and clockHand
// sweeps the frame table exactly as a hardware clock hand would.
type Pool struct {
	mu             sync.Mutex
	frames         []*Frame
	table          map[pageKey]int
	files          map[uint32]*storage.File // table id -> backing file
	forcer         LogForcer
	clockRef       []bool
	clockEvictable []bool
	clockHand      int
	clockCount     int // number of frame slots currently evictable
}

func NewPool(capacity int, forcer LogForcer) *Pool {
	if capacity <= 0 {
		capacity = 16
	}
	return &Pool{
		frames:         make([]*Frame, capacity),
		table:          make(map[pageKey]int),
		files:          make(map[uint32]*storage.File),
		forcer:         forcer,
		clockRef:       make([]bool, capacity),
		clockEvictable: make([]bool, capacity),
	}
}

// clockTouch sets frame idx's reference bit, CLOCK's "recently accessed"
// signal that buys the frame one more sweep before it can be evicted.
func (p *Pool) clockTouch(idx int) {
	p.clockRef[idx] = true
}

// clockSetEvictable flips whether frame idx participates in eviction at
// all; a pinned frame is never evictable regardless of its reference bit.
func (p *Pool) clockSetEvictable(idx int, evictable bool) {
	if p.clockEvictable[idx] == evictable {
		return
	}
	p.clockEvictable[idx] = evictable
	if evictable {
		p.clockCount++
	} else {
		p.clockCount--
	}
}

// clockEvict sweeps from the hand for the first evictable frame whose
// reference bit is clear, clearing the reference bits it passes over (the
// second chance). Bounded to two full sweeps: one to clear every remaining
// reference bit, one to find the now-unreferenced victim.
func (p *Pool) clockEvict() (int, bool) {
	n := len(p.frames)
	if n == 0 || p.clockCount == 0 {
		return -1, false
	}
	for range 2 * n {
		idx := p.clockHand
		p.clockHand = (p.clockHand + 1) % n
		if !p.clockEvictable[idx] {
			continue
		}
		if !p.clockRef[idx] {
			p.clockEvictable[idx] = false
			p.clockCount--
			return idx, true
		}
		p.clockRef[idx] = false
	}
	return -1, false
}

// clockForget drops frame idx from CLOCK tracking entirely, used once its
// slot has been freed (table close) or handed to a new page (eviction).
func (p *Pool) clockForget(idx int) {
	if p.clockEvictable[idx] {
		p.clockCount--
	}
	p.clockEvictable[idx] = false
	p.clockRef[idx] = false
}

// OpenTable registers a table's backing file with the pool. Pages of this
// table can only be fetched after this call.
func (p *Pool) OpenTable(tableID uint32, f *storage.File) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[tableID] = f
}

// CloseTable flushes and evicts every cached page of a table, then forgets
// its backing file. Pinned pages of the table are an invariant violation:
// every caller is expected to have released its pins before closing.
func (p *Pool) CloseTable(tableID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.files[tableID]
	for idx, fr := range p.frames {
		if fr == nil || fr.Table != tableID {
			continue
		}
		if fr.Pin != 0 {
			dberr.Invariant("bufferpool: CloseTable(%d) with page %d still pinned", tableID, fr.Page)
		}
		if fr.Dirty {
			if err := p.writeBack(f, fr); err != nil {
				return err
			}
		}
		delete(p.table, pageKey{tableID, fr.Page})
		p.frames[idx] = nil
		p.clockForget(idx)
	}
	delete(p.files, tableID)
	return nil
}

func (p *Pool) writeBack(f *storage.File, fr *Frame) error {
	if p.forcer != nil {
		if err := p.forcer.Force(fr.Buf.PageLSN()); err != nil {
			return err
		}
	}
	if err := f.WritePage(fr.Page, fr.Buf); err != nil {
		return err
	}
	fr.Dirty = false
	return nil
}

// GetPage pins and returns the page (tableID,pageID), loading it from disk
// (or evicting a victim frame) on a miss.
func (p *Pool) GetPage(tableID, pageID uint32) (*PinnedPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := pageKey{tableID, pageID}
	if idx, ok := p.table[key]; ok {
		fr := p.frames[idx]
		wasUnpinned := fr.Pin == 0
		fr.Pin++
		p.clockTouch(idx)
		if wasUnpinned {
			p.clockSetEvictable(idx, false)
		}
		slog.Debug("bufferpool: hit", "table", tableID, "page", pageID, "pin", fr.Pin)
		return &PinnedPage{pool: p, frame: fr}, nil
	}

	f, ok := p.files[tableID]
	if !ok {
		dberr.Invariant("bufferpool: GetPage on unopened table %d", tableID)
	}

	if idx := p.freeSlot(); idx != -1 {
		buf := storage.NewPage()
		if err := f.ReadPage(pageID, buf); err != nil {
			return nil, err
		}
		fr := &Frame{Table: tableID, Page: pageID, Buf: buf, Pin: 1}
		p.frames[idx] = fr
		p.table[key] = idx
		p.clockTouch(idx)
		p.clockSetEvictable(idx, false)
		return &PinnedPage{pool: p, frame: fr}, nil
	}

	victimIdx, ok := p.clockEvict()
	if !ok {
		dberr.Invariant("bufferpool: no evictable frame, all %d frames pinned", len(p.frames))
	}
	victim := p.frames[victimIdx]
	if victim.Dirty {
		vf := p.files[victim.Table]
		if err := p.writeBack(vf, victim); err != nil {
			p.clockSetEvictable(victimIdx, true)
			return nil, err
		}
	}
	delete(p.table, pageKey{victim.Table, victim.Page})

	buf := storage.NewPage()
	if err := f.ReadPage(pageID, buf); err != nil {
		return nil, err
	}
	victim.Table, victim.Page, victim.Buf, victim.Dirty, victim.Pin = tableID, pageID, buf, false, 1
	p.table[key] = victimIdx
	p.clockTouch(victimIdx)
	p.clockSetEvictable(victimIdx, false)
	slog.Debug("bufferpool: evicted+loaded", "table", tableID, "page", pageID, "frame", victimIdx)
	return &PinnedPage{pool: p, frame: victim}, nil
}

func (p *Pool) freeSlot() int {
	for i, fr := range p.frames {
		if fr == nil {
			return i
		}
	}
	return -1
}

// CreatePage allocates a fresh page (off the free list, or by extending the
// file) and returns it pinned and zeroed, with the is-leaf flag stamped.
// header must already be pinned by the caller.
func (p *Pool) CreatePage(tableID uint32, header *PinnedPage, isLeaf bool) (*PinnedPage, error) {
	p.mu.Lock()
	f, ok := p.files[tableID]
	p.mu.Unlock()
	if !ok {
		dberr.Invariant("bufferpool: CreatePage on unopened table %d", tableID)
	}
	pid, err := storage.AllocPage(f, header.Buf())
	if err != nil {
		return nil, err
	}
	header.MarkDirty()
	pp, err := p.GetPage(tableID, pid)
	if err != nil {
		return nil, err
	}
	pp.Buf().Reset(isLeaf)
	pp.MarkDirty()
	return pp, nil
}

// FreePage threads pageID onto the table's free list. header and the
// target page must not be pinned by the caller beyond this call.
func (p *Pool) FreePage(tableID uint32, header *PinnedPage, pageID uint32) error {
	pp, err := p.GetPage(tableID, pageID)
	if err != nil {
		return err
	}
	pp.Buf().Reset(false)
	pp.Buf().SetNextFree(header.Buf().FreeHead())
	header.Buf().SetFreeHead(pageID)
	pp.MarkDirty()
	header.MarkDirty()
	return pp.Unpin(true)
}

// unpin is called by PinnedPage.Unpin.
func (p *Pool) unpin(fr *Frame, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dirty {
		fr.Dirty = true
	}
	if fr.Pin > 0 {
		fr.Pin--
	}
	if fr.Pin == 0 {
		if idx, ok := p.table[pageKey{fr.Table, fr.Page}]; ok {
			p.clockSetEvictable(idx, true)
		}
	}
	return nil
}

// FlushAll writes back every dirty frame, forcing the log first as needed.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fr := range p.frames {
		if fr == nil || !fr.Dirty {
			continue
		}
		if err := p.writeBack(p.files[fr.Table], fr); err != nil {
			return err
		}
	}
	return nil
}
