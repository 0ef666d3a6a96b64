package storage

// Fixed byte layout constants, grounded on
// original_source/project6/include/file.h (PAGE_SIZE, PAGE_HEADER_SIZE,
// PAGE_DATA_VALUE_SIZE, PAGE_DATA_SIZE, PAGE_BRANCH_SIZE,
// PAGE_DATA_IN_PAGE, PAGE_BRANCHES_IN_PAGE). The C struct carries no page_lsn
// field; spec.md requires one (page header LSN, used for redo eligibility),
// so eight bytes of the header's reserved region are given to it here — this
// is a deliberate extension over the original layout, recorded in DESIGN.md,
// and does not move the data-page record/branch offsets.
const (
	PageSize   = 4096
	HeaderSize = 128 // bytes 0..127 of every page: header fields + reserved

	ValueSize  = 120 // fixed value payload
	RecordSize = 8 + ValueSize // int64 key + value = 128B
	BranchSize = 16             // int64 key + uint64 child page number

	MaxLeafRecords    = (PageSize - HeaderSize) / RecordSize // 31
	MaxInternalBranch = (PageSize - HeaderSize) / BranchSize // 248

	// LeafOrder/InternalOrder are split-trigger thresholds: the point at
	// which a temporary overfull array (one past physical capacity) must
	// be split, not the physical capacity itself.
	LeafOrder     = MaxLeafRecords + 1    // 32
	InternalOrder = MaxInternalBranch + 1 // 249

	// Header-page layout (page number 0 of every table file).
	HeaderPageUsed = 24 // free_page_number, root_page_number, num_pages

	headerParentOff  = 0  // uint64: parent page number
	headerIsLeafOff  = 8  // uint32: 1 leaf, 0 internal
	headerNumKeysOff = 12 // uint32
	headerLSNOff     = 16 // uint64: page LSN (this module's extension)
	headerPageAOff   = 120 // uint64: leftmost child / next-leaf sibling

	hdrFreeHeadOff = 0  // uint64
	hdrRootOff     = 8  // uint64
	hdrNumPagesOff = 16 // uint64

	freeNextOff = 0 // uint64
)
