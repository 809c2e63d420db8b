package wal

import (
	"bytes"
	"encoding/binary"

	"txnkernel/pkg/dberr"
	"txnkernel/pkg/primitives"
	"txnkernel/pkg/txn"
)

// On-disk framing: [size:4][type:1][variant payload], big-endian. The size
// field covers the whole frame including itself, so a scanner can hop record
// to record reading only headers.
const (
	sizePrefixLen = 4
	typeTagLen    = 1

	// MasterRecordReserved is the fixed region at the head of the log file
	// holding the master record; the first real record starts here.
	MasterRecordReserved = 32
)

// Per-entry sizes within an end-checkpoint payload.
const (
	dptEntrySize = 8 + 8     // pageNum + recLSN
	txnEntrySize = 8 + 1 + 8 // txnNum + status + lastLSN
)

// EndCheckpointFits reports whether an end-checkpoint carrying dptEntries
// dirty-page entries and txnEntries transaction-table entries fits in a
// single record under the half-page record limit. Checkpoint writers consult
// this before adding each entry.
func EndCheckpointFits(effectivePageSize, dptEntries, txnEntries int) bool {
	size := sizePrefixLen + typeTagLen + 4 + dptEntrySize*dptEntries + 4 + txnEntrySize*txnEntries
	return size <= effectivePageSize/2
}

// Serialize encodes r into its on-disk frame.
func (r *Record) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Type))

	switch r.Type {
	case TypeMaster:
		putU64(&buf, uint64(r.LastCheckpointLSN))

	case TypeBeginCheckpoint:
		// no payload

	case TypeEndCheckpoint:
		putU32(&buf, uint32(len(r.DirtyPages)))
		for pageNum, recLSN := range r.DirtyPages {
			putU64(&buf, uint64(pageNum))
			putU64(&buf, uint64(recLSN))
		}
		putU32(&buf, uint32(len(r.TxnTable)))
		for txnNum, entry := range r.TxnTable {
			putU64(&buf, uint64(txnNum)) // #nosec G115
			buf.WriteByte(byte(entry.Status))
			putU64(&buf, uint64(entry.LastLSN))
		}

	case TypeUpdatePage:
		if len(r.Before) != len(r.After) {
			return nil, dberr.Newf(dberr.ErrCategoryData, dberr.CodeCorruptLog,
				"update record before/after lengths differ: %d vs %d", len(r.Before), len(r.After))
		}
		r.writeTxnHeader(&buf)
		putU64(&buf, uint64(r.PageNum))
		putU16(&buf, r.Offset)
		putU16(&buf, uint16(len(r.Before))) // #nosec G115
		buf.Write(r.Before)
		buf.Write(r.After)

	case TypeUndoUpdatePage:
		r.writeTxnHeader(&buf)
		putU64(&buf, uint64(r.UndoNextLSN))
		putU64(&buf, uint64(r.PageNum))
		putU16(&buf, r.Offset)
		putU16(&buf, uint16(len(r.After))) // #nosec G115
		buf.Write(r.After)

	case TypeAllocPage, TypeFreePage:
		r.writeTxnHeader(&buf)
		putU64(&buf, uint64(r.PageNum))

	case TypeUndoAllocPage, TypeUndoFreePage:
		r.writeTxnHeader(&buf)
		putU64(&buf, uint64(r.UndoNextLSN))
		putU64(&buf, uint64(r.PageNum))

	case TypeAllocPart, TypeFreePart:
		r.writeTxnHeader(&buf)
		putU64(&buf, uint64(r.PartNum))

	case TypeUndoAllocPart, TypeUndoFreePart:
		r.writeTxnHeader(&buf)
		putU64(&buf, uint64(r.UndoNextLSN))
		putU64(&buf, uint64(r.PartNum))

	case TypeCommit, TypeAbort, TypeEnd:
		r.writeTxnHeader(&buf)

	default:
		return nil, dberr.Newf(dberr.ErrCategoryData, dberr.CodeCorruptLog,
			"cannot serialize record type %d", r.Type)
	}

	payload := buf.Bytes()
	frame := make([]byte, sizePrefixLen+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(sizePrefixLen+len(payload))) // #nosec G115
	copy(frame[sizePrefixLen:], payload)
	return frame, nil
}

func (r *Record) writeTxnHeader(buf *bytes.Buffer) {
	putU64(buf, uint64(r.TxnNum)) // #nosec G115
	putU64(buf, uint64(r.PrevLSN))
}

// Deserialize decodes a frame's payload (everything after the size prefix)
// back into a record. The caller stamps the LSN from the frame's offset.
func Deserialize(payload []byte) (*Record, error) {
	rd := &frameReader{data: payload}

	t := RecordType(rd.u8())
	if t >= numRecordTypes {
		return nil, dberr.Newf(dberr.ErrCategoryData, dberr.CodeCorruptLog,
			"unknown record type %d", t)
	}

	r := &Record{Type: t}
	switch t {
	case TypeMaster:
		r.LastCheckpointLSN = primitives.LSN(rd.u64())

	case TypeBeginCheckpoint:

	case TypeEndCheckpoint:
		nDPT := rd.u32()
		r.DirtyPages = make(map[primitives.PageNum]primitives.LSN, nDPT)
		for i := uint32(0); i < nDPT && rd.err == nil; i++ {
			pageNum := primitives.PageNum(rd.u64())
			r.DirtyPages[pageNum] = primitives.LSN(rd.u64())
		}
		nTxn := rd.u32()
		r.TxnTable = make(map[int64]CheckpointTxn, nTxn)
		for i := uint32(0); i < nTxn && rd.err == nil; i++ {
			txnNum := int64(rd.u64()) // #nosec G115
			status := txn.Status(rd.u8())
			r.TxnTable[txnNum] = CheckpointTxn{Status: status, LastLSN: primitives.LSN(rd.u64())}
		}

	case TypeUpdatePage:
		r.readTxnHeader(rd)
		r.PageNum = primitives.PageNum(rd.u64())
		r.Offset = rd.u16()
		n := int(rd.u16())
		r.Before = rd.bytes(n)
		r.After = rd.bytes(n)

	case TypeUndoUpdatePage:
		r.readTxnHeader(rd)
		r.UndoNextLSN = primitives.LSN(rd.u64())
		r.PageNum = primitives.PageNum(rd.u64())
		r.Offset = rd.u16()
		r.After = rd.bytes(int(rd.u16()))

	case TypeAllocPage, TypeFreePage:
		r.readTxnHeader(rd)
		r.PageNum = primitives.PageNum(rd.u64())

	case TypeUndoAllocPage, TypeUndoFreePage:
		r.readTxnHeader(rd)
		r.UndoNextLSN = primitives.LSN(rd.u64())
		r.PageNum = primitives.PageNum(rd.u64())

	case TypeAllocPart, TypeFreePart:
		r.readTxnHeader(rd)
		r.PartNum = primitives.PartNum(rd.u64())

	case TypeUndoAllocPart, TypeUndoFreePart:
		r.readTxnHeader(rd)
		r.UndoNextLSN = primitives.LSN(rd.u64())
		r.PartNum = primitives.PartNum(rd.u64())

	case TypeCommit, TypeAbort, TypeEnd:
		r.readTxnHeader(rd)
	}

	if rd.err != nil {
		return nil, dberr.Wrap(rd.err, dberr.CodeCorruptLog, "Deserialize", "wal")
	}
	return r, nil
}

func (r *Record) readTxnHeader(rd *frameReader) {
	r.TxnNum = int64(rd.u64()) // #nosec G115
	r.PrevLSN = primitives.LSN(rd.u64())
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

// frameReader is a cursor over a frame payload that remembers the first
// decode error instead of forcing a check at every read.
type frameReader struct {
	data []byte
	off  int
	err  error
}

func (r *frameReader) fail() {
	if r.err == nil {
		r.err = dberr.New(dberr.ErrCategoryData, dberr.CodeCorruptLog, "record payload truncated")
	}
}

func (r *frameReader) u8() uint8 {
	if r.err != nil || r.off+1 > len(r.data) {
		r.fail()
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *frameReader) u16() uint16 {
	if r.err != nil || r.off+2 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *frameReader) u32() uint32 {
	if r.err != nil || r.off+4 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *frameReader) u64() uint64 {
	if r.err != nil || r.off+8 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

func (r *frameReader) bytes(n int) []byte {
	if r.err != nil || n < 0 || r.off+n > len(r.data) {
		r.fail()
		return nil
	}
	out := make([]byte, n)
	copy(out, r.data[r.off:r.off+n])
	r.off += n
	return out
}
