package wal

import (
	"fmt"

	"github.com/nova-kv/bptreedb/internal/dberr"
	"github.com/nova-kv/bptreedb/pkg/bx"
)

// RecordType is the tag of the Log sum type called for in the redesign
// notes: a single Record struct with a Type discriminant and only the
// fields that type actually uses, rather than the C++ template hierarchy
// (LogWithoutRecordBase<T>/LogWithRecordBase<T>) this is grounded on
// (original_source/project6/include/log.h).
type RecordType uint8

const (
	Begin RecordType = iota + 1
	Commit
	Rollback
	Update
	Compensate
	ConsiderRedo
)

func (t RecordType) String() string {
	switch t {
	case Begin:
		return "BEGIN"
	case Commit:
		return "COMMIT"
	case Rollback:
		return "ROLLBACK"
	case Update:
		return "UPDATE"
	case Compensate:
		return "CLR"
	case ConsiderRedo:
		return "CONSIDER-REDO"
	default:
		return "UNKNOWN"
	}
}

// headerSize is the fixed prefix every record carries: a 4-byte total
// size (the record is self-describing; on disk the record is followed by a
// 4-byte CRC, so LSN advances by this size plus the CRC), an 8-byte LSN, an 8-byte prev-LSN (this transaction's
// previous log record, 0 if none), a 4-byte transaction id, a 4-byte type
// tag. 28 bytes, matching the C Log base class's default size_ of 28.
const headerSize = 4 + 8 + 8 + 4 + 4

// updatePayloadFixed is the fixed part of an UPDATE/COMPENSATE payload:
// table id, page id, byte offset within the page, and value length: the
// old/new images themselves are `length` bytes each, appended after.
const updatePayloadFixed = 4 + 4 + 4 + 4

// Record is one WAL entry. Only the fields relevant to Type are populated.
type Record struct {
	LSN     uint64
	PrevLSN uint64
	XactID  uint64
	Type    RecordType

	TableID uint32
	PageID  uint32
	Offset  uint32
	Length  uint32
	OldImg  []byte
	NewImg  []byte

	NextUndoLSN uint64 // COMPENSATE only
}

func (r *Record) size() int {
	switch r.Type {
	case Update:
		return headerSize + updatePayloadFixed + 2*int(r.Length)
	case Compensate:
		return headerSize + updatePayloadFixed + 2*int(r.Length) + 8
	default:
		return headerSize
	}
}

func encode(r *Record) []byte {
	n := r.size()
	buf := make([]byte, n)
	bx.PutU32At(buf, 0, uint32(n))
	bx.PutU64At(buf, 4, r.LSN)
	bx.PutU64At(buf, 12, r.PrevLSN)
	bx.PutU32At(buf, 20, uint32(r.XactID))
	bx.PutU32At(buf, 24, uint32(r.Type))
	if r.Type != Update && r.Type != Compensate {
		return buf
	}
	off := headerSize
	bx.PutU32At(buf, off, r.TableID)
	bx.PutU32At(buf, off+4, r.PageID)
	bx.PutU32At(buf, off+8, r.Offset)
	bx.PutU32At(buf, off+12, r.Length)
	off += updatePayloadFixed
	copy(buf[off:off+int(r.Length)], r.OldImg)
	off += int(r.Length)
	copy(buf[off:off+int(r.Length)], r.NewImg)
	off += int(r.Length)
	if r.Type == Compensate {
		bx.PutU64At(buf, off, r.NextUndoLSN)
	}
	return buf
}

func decode(buf []byte) (*Record, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("wal: truncated record header: %w", dberr.ErrIO)
	}
	n := bx.U32At(buf, 0)
	if int(n) > len(buf) {
		return nil, fmt.Errorf("wal: record claims %d bytes, have %d: %w", n, len(buf), dberr.ErrIO)
	}
	r := &Record{
		LSN:     bx.U64At(buf, 4),
		PrevLSN: bx.U64At(buf, 12),
		XactID:  uint64(bx.U32At(buf, 20)),
		Type:    RecordType(bx.U32At(buf, 24)),
	}
	if r.Type != Update && r.Type != Compensate {
		return r, nil
	}
	off := headerSize
	r.TableID = bx.U32At(buf, off)
	r.PageID = bx.U32At(buf, off+4)
	r.Offset = bx.U32At(buf, off+8)
	r.Length = bx.U32At(buf, off+12)
	off += updatePayloadFixed
	r.OldImg = append([]byte(nil), buf[off:off+int(r.Length)]...)
	off += int(r.Length)
	r.NewImg = append([]byte(nil), buf[off:off+int(r.Length)]...)
	off += int(r.Length)
	if r.Type == Compensate {
		r.NextUndoLSN = bx.U64At(buf, off)
	}
	return r, nil
}
