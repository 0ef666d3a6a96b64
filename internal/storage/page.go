package storage

import "github.com/nova-kv/bptreedb/pkg/bx"

// Page is a raw 4096-byte page buffer. It carries no behavior of its own;
// the typed views below (node header, leaf record, internal branch, header
// page, free-list page) interpret the same bytes differently depending on
// which page the caller asked for. This is the tagged-view replacement for
// a C union page_t called for in the redesign notes: there is no Go
// equivalent of a union, so the tag lives in which page number the caller
// asked the buffer pool for (page 0 is always the header page; every other
// page is either an index node or sits on the free list), not in the bytes
// themselves — the same spirit as the byte-offset GetU16/PutU16 accessors
// this module's storage layer used to lean on.
type Page []byte

func NewPage() Page { return make(Page, PageSize) }

// Reset zeroes the page and, for node pages, stamps the is-leaf flag.
func (p Page) Reset(isLeaf bool) {
	clear(p)
	if isLeaf {
		bx.PutU32At(p, headerIsLeafOff, 1)
	}
}

// --- node header (internal or leaf page) ---

func (p Page) Parent() uint32      { return uint32(bx.U64At(p, headerParentOff)) }
func (p Page) SetParent(pg uint32) { bx.PutU64At(p, headerParentOff, uint64(pg)) }

func (p Page) IsLeaf() bool { return bx.U32At(p, headerIsLeafOff) != 0 }

func (p Page) NumKeys() int     { return int(bx.U32At(p, headerNumKeysOff)) }
func (p Page) SetNumKeys(n int) { bx.PutU32At(p, headerNumKeysOff, uint32(n)) }

func (p Page) PageLSN() uint64      { return bx.U64At(p, headerLSNOff) }
func (p Page) SetPageLSN(lsn uint64) { bx.PutU64At(p, headerLSNOff, lsn) }

// PageA is the leftmost-child pointer on an internal page and the
// next-leaf sibling pointer on a leaf page; the format overloads one field
// for both roles and never stores a back pointer (spec Open Question #2:
// single forward link only).
func (p Page) PageA() uint32      { return uint32(bx.U64At(p, headerPageAOff)) }
func (p Page) SetPageA(pg uint32) { bx.PutU64At(p, headerPageAOff, uint64(pg)) }

// --- leaf records: key int64 (8B) + value [120]byte, 128B each ---

func recordOffset(i int) int { return HeaderSize + i*RecordSize }

func (p Page) RecordKey(i int) int64 { return bx.I64At(p, recordOffset(i)) }

func (p Page) RecordValue(i int) [ValueSize]byte {
	var v [ValueSize]byte
	off := recordOffset(i)
	copy(v[:], p[off+8:off+RecordSize])
	return v
}

func (p Page) SetRecord(i int, key int64, value [ValueSize]byte) {
	off := recordOffset(i)
	bx.PutI64At(p, off, key)
	copy(p[off+8:off+RecordSize], value[:])
}

func (p Page) SetRecordValue(i int, value [ValueSize]byte) {
	off := recordOffset(i) + 8
	copy(p[off:off+ValueSize], value[:])
}

// RecordValueOffset is the byte offset of record i's value within the page,
// used by the B+-tree's Update to address the WAL update payload at the
// granularity the lock manager actually locks (a record's value, not its
// whole 128-byte slot).
func RecordValueOffset(i int) int { return recordOffset(i) + 8 }

// CopyRecords copies n records starting at src to dst, a contiguous run
// within or across pages. The B+-tree's split/merge/redistribute paths do
// not call it; they move records one at a time with SetRecord.
func CopyRecords(dst Page, dstIdx int, src Page, srcIdx, n int) {
	copy(dst[recordOffset(dstIdx):recordOffset(dstIdx+n)], src[recordOffset(srcIdx):recordOffset(srcIdx+n)])
}

// --- internal branches: key int64 (8B) + child uint64 (8B), 16B each ---

func branchOffset(i int) int { return HeaderSize + i*BranchSize }

func (p Page) BranchKey(i int) int64    { return bx.I64At(p, branchOffset(i)) }
func (p Page) BranchChild(i int) uint32 { return uint32(bx.U64At(p, branchOffset(i)+8)) }

func (p Page) SetBranch(i int, key int64, child uint32) {
	off := branchOffset(i)
	bx.PutI64At(p, off, key)
	bx.PutU64At(p, off+8, uint64(child))
}

func CopyBranches(dst Page, dstIdx int, src Page, srcIdx, n int) {
	copy(dst[branchOffset(dstIdx):branchOffset(dstIdx+n)], src[branchOffset(srcIdx):branchOffset(srcIdx+n)])
}

// --- header page (page number 0 of every table file) ---

func (p Page) FreeHead() uint32      { return uint32(bx.U64At(p, hdrFreeHeadOff)) }
func (p Page) SetFreeHead(pg uint32) { bx.PutU64At(p, hdrFreeHeadOff, uint64(pg)) }

func (p Page) Root() uint32      { return uint32(bx.U64At(p, hdrRootOff)) }
func (p Page) SetRoot(pg uint32) { bx.PutU64At(p, hdrRootOff, uint64(pg)) }

func (p Page) NumPages() uint32      { return uint32(bx.U64At(p, hdrNumPagesOff)) }
func (p Page) SetNumPages(n uint32) { bx.PutU64At(p, hdrNumPagesOff, uint64(n)) }

// --- free-list page ---

func (p Page) NextFree() uint32      { return uint32(bx.U64At(p, freeNextOff)) }
func (p Page) SetNextFree(pg uint32) { bx.PutU64At(p, freeNextOff, uint64(pg)) }
