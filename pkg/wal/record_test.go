package wal

import (
	"bytes"
	"encoding/binary"
	"testing"

	"txnkernel/pkg/primitives"
	"txnkernel/pkg/txn"
)

func roundTrip(t *testing.T, r *Record) *Record {
	t.Helper()
	frame, err := r.Serialize()
	if err != nil {
		t.Fatalf("serialize %s: %v", r.Type, err)
	}
	size := binary.BigEndian.Uint32(frame)
	if int(size) != len(frame) {
		t.Fatalf("size prefix %d != frame length %d", size, len(frame))
	}
	got, err := Deserialize(frame[sizePrefixLen:])
	if err != nil {
		t.Fatalf("deserialize %s: %v", r.Type, err)
	}
	return got
}

func TestUpdatePageRoundTrip(t *testing.T) {
	r := NewUpdatePage(7, 100, 42, 16, []byte("old bytes"), []byte("new bytes"))
	got := roundTrip(t, r)

	if got.Type != TypeUpdatePage || got.TxnNum != 7 || got.PrevLSN != 100 {
		t.Errorf("header mismatch: %+v", got)
	}
	if got.PageNum != 42 || got.Offset != 16 {
		t.Errorf("page fields mismatch: %+v", got)
	}
	if !bytes.Equal(got.Before, []byte("old bytes")) || !bytes.Equal(got.After, []byte("new bytes")) {
		t.Errorf("images mismatch: before=%q after=%q", got.Before, got.After)
	}
}

func TestUpdatePageRejectsUnequalImages(t *testing.T) {
	r := NewUpdatePage(7, 100, 42, 16, []byte("long before"), []byte("after"))
	if _, err := r.Serialize(); err == nil {
		t.Fatal("expected error for unequal before/after lengths")
	}
}

func TestCLRRoundTrip(t *testing.T) {
	update := NewUpdatePage(7, 100, 42, 16, []byte("old"), []byte("new"))
	update.LSN = 200

	clr, err := update.Undo(300)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	got := roundTrip(t, clr)

	if got.Type != TypeUndoUpdatePage {
		t.Fatalf("CLR type = %s", got.Type)
	}
	if got.PrevLSN != 300 {
		t.Errorf("CLR prevLSN = %d, want the transaction's lastLSN 300", got.PrevLSN)
	}
	if got.UndoNextLSN != 100 {
		t.Errorf("CLR undoNextLSN = %d, want the original's prevLSN 100", got.UndoNextLSN)
	}
	if !bytes.Equal(got.After, []byte("old")) {
		t.Errorf("CLR restores %q, want the before image %q", got.After, "old")
	}
}

func TestEndCheckpointRoundTrip(t *testing.T) {
	r := NewEndCheckpoint(
		map[primitives.PageNum]primitives.LSN{10: 500, 11: 600},
		map[int64]CheckpointTxn{
			3: {Status: txn.Running, LastLSN: 700},
			4: {Status: txn.Committing, LastLSN: 800},
		},
	)
	got := roundTrip(t, r)

	if len(got.DirtyPages) != 2 || got.DirtyPages[10] != 500 || got.DirtyPages[11] != 600 {
		t.Errorf("DPT mismatch: %v", got.DirtyPages)
	}
	if len(got.TxnTable) != 2 {
		t.Fatalf("txn table mismatch: %v", got.TxnTable)
	}
	if e := got.TxnTable[4]; e.Status != txn.Committing || e.LastLSN != 800 {
		t.Errorf("txn 4 entry = %+v", e)
	}
}

func TestStatusRecordsRoundTrip(t *testing.T) {
	for _, r := range []*Record{NewCommit(9, 150), NewAbort(9, 150), NewEnd(9, 150)} {
		got := roundTrip(t, r)
		if got.Type != r.Type || got.TxnNum != 9 || got.PrevLSN != 150 {
			t.Errorf("%s mismatch: %+v", r.Type, got)
		}
	}
}

func TestPartRecordsRoundTrip(t *testing.T) {
	r := NewAllocPart(5, 90, 2)
	got := roundTrip(t, r)
	if got.PartNum != 2 || got.TxnNum != 5 {
		t.Errorf("alloc part mismatch: %+v", got)
	}

	clr, err := NewFreePart(5, 90, 2).Undo(110)
	if err != nil {
		t.Fatalf("undo free part: %v", err)
	}
	got = roundTrip(t, clr)
	if got.Type != TypeUndoFreePart || got.UndoNextLSN != 90 || got.PartNum != 2 {
		t.Errorf("undo-free-part CLR mismatch: %+v", got)
	}
}

func TestRedoableUndoableFlags(t *testing.T) {
	redoable := map[RecordType]bool{
		TypeUpdatePage: true, TypeUndoUpdatePage: true,
		TypeAllocPage: true, TypeUndoAllocPage: true,
		TypeFreePage: true, TypeUndoFreePage: true,
		TypeAllocPart: true, TypeUndoAllocPart: true,
		TypeFreePart: true, TypeUndoFreePart: true,
	}
	undoable := map[RecordType]bool{
		TypeUpdatePage: true, TypeAllocPage: true, TypeFreePage: true,
		TypeAllocPart: true, TypeFreePart: true,
	}

	for t8 := RecordType(0); t8 < numRecordTypes; t8++ {
		r := &Record{Type: t8}
		if got := r.Redoable(); got != redoable[t8] {
			t.Errorf("%s.Redoable() = %v, want %v", t8, got, redoable[t8])
		}
		if got := r.Undoable(); got != undoable[t8] {
			t.Errorf("%s.Undoable() = %v, want %v", t8, got, undoable[t8])
		}
	}
}

func TestUndoOfCLRFails(t *testing.T) {
	clr := &Record{Type: TypeUndoUpdatePage, UndoNextLSN: 5}
	if _, err := clr.Undo(10); err == nil {
		t.Fatal("undoing a compensation record must fail")
	}
}

func TestDeserializeRejectsGarbage(t *testing.T) {
	if _, err := Deserialize([]byte{0xFF, 1, 2, 3}); err == nil {
		t.Fatal("unknown type tag must fail")
	}
	// Truncated update record.
	frame, err := NewUpdatePage(1, 2, 3, 4, []byte("aa"), []byte("bb")).Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := Deserialize(frame[sizePrefixLen : len(frame)-3]); err == nil {
		t.Fatal("truncated payload must fail")
	}
}

func TestEndCheckpointFits(t *testing.T) {
	// An empty end-checkpoint always fits.
	if !EndCheckpointFits(4096, 0, 0) {
		t.Error("empty checkpoint should fit")
	}
	// Half of 4096 is 2048; each DPT entry is 16 bytes.
	if !EndCheckpointFits(4096, 100, 0) {
		t.Error("100 DPT entries should fit in 2048 bytes")
	}
	if EndCheckpointFits(4096, 200, 0) {
		t.Error("200 DPT entries should not fit in 2048 bytes")
	}
}
