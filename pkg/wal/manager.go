package wal

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"txnkernel/pkg/dberr"
	"txnkernel/pkg/logging"
	"txnkernel/pkg/primitives"
)

const defaultWriteBufferSize = 1 << 16

// Manager is the append-only log manager. LSNs are byte offsets into the log
// file; LSN 0 is the master record, rewritten in place, and every appended
// record lives at a strictly increasing offset after the reserved master
// region.
type Manager struct {
	mu            sync.Mutex
	file          *os.File
	writer        *logWriter
	maxRecordSize int
}

// Open opens (creating and initializing if empty) the log at path. A record
// may occupy at most half of effectivePageSize.
func Open(path string, effectivePageSize int) (*Manager, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, dberr.Wrap(err, "LOG_OPEN", "Open", "wal")
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, dberr.Wrap(err, "LOG_OPEN", "Open", "wal")
	}

	m := &Manager{
		file:          file,
		maxRecordSize: effectivePageSize / 2,
	}

	size := stat.Size()
	if size == 0 {
		// Fresh log: lay down a master record pointing at no checkpoint.
		frame, err := NewMaster(0).Serialize()
		if err != nil {
			file.Close()
			return nil, err
		}
		region := make([]byte, MasterRecordReserved)
		copy(region, frame)
		if _, err := file.WriteAt(region, 0); err != nil {
			file.Close()
			return nil, dberr.Wrap(err, "LOG_INIT", "Open", "wal")
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, dberr.Wrap(err, "LOG_INIT", "Open", "wal")
		}
		size = MasterRecordReserved
	} else if size < MasterRecordReserved {
		file.Close()
		return nil, dberr.Newf(dberr.ErrCategoryData, dberr.CodeMissingMaster,
			"log file is %d bytes, smaller than the master record region", size)
	}

	m.writer = newLogWriter(file, defaultWriteBufferSize, primitives.LSN(size)) // #nosec G115
	logging.WithComponent("wal").Debug("log opened", "path", path, "tail_lsn", size)
	return m, nil
}

// Close flushes and closes the log file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.flushLocked(); err != nil {
		return err
	}
	return m.file.Close()
}

// Append assigns the next LSN to r, stamps r.LSN, and buffers its frame.
// The record is not durable until a flush covers it.
func (m *Manager) Append(r *Record) (primitives.LSN, error) {
	frame, err := r.Serialize()
	if err != nil {
		return 0, err
	}
	if len(frame) > m.maxRecordSize {
		return 0, dberr.Newf(dberr.ErrCategoryData, dberr.CodeCorruptLog,
			"%s record is %d bytes, exceeding the %d-byte record limit",
			r.Type, len(frame), m.maxRecordSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	lsn, err := m.writer.write(frame)
	if err != nil {
		return 0, dberr.Wrap(err, "LOG_APPEND", "Append", "wal")
	}
	r.LSN = lsn
	return lsn, nil
}

// FlushToLSN makes every record with LSN <= lsn durable.
func (m *Manager) FlushToLSN(lsn primitives.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer.flushedLSN > lsn {
		return nil
	}
	return m.flushLocked()
}

func (m *Manager) flushLocked() error {
	if err := m.writer.flush(); err != nil {
		return dberr.Wrap(err, "LOG_FLUSH", "FlushToLSN", "wal")
	}
	if err := m.file.Sync(); err != nil {
		return dberr.Wrap(err, "LOG_FLUSH", "FlushToLSN", "wal")
	}
	return nil
}

// DurableLSN returns the durable watermark: every record with an LSN below
// it is on disk.
func (m *Manager) DurableLSN() primitives.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writer.flushedLSN
}

// TailLSN returns the LSN the next appended record will receive.
func (m *Manager) TailLSN() primitives.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writer.currentLSN
}

// FetchMaster reads the master record at LSN 0.
func (m *Manager) FetchMaster() (*Record, error) {
	r, err := m.Fetch(primitives.MasterLSN)
	if err != nil {
		return nil, err
	}
	if r.Type != TypeMaster {
		return nil, dberr.Newf(dberr.ErrCategoryData, dberr.CodeMissingMaster,
			"record at LSN 0 is %s, not MASTER", r.Type)
	}
	return r, nil
}

// Fetch reads the record at lsn.
func (m *Manager) Fetch(lsn primitives.LSN) (*Record, error) {
	m.mu.Lock()
	if err := m.flushLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	r, _, err := m.readAt(lsn)
	return r, err
}

// readAt reads the frame at offset lsn, returning the record and the frame
// length.
func (m *Manager) readAt(lsn primitives.LSN) (*Record, int, error) {
	var sizeBuf [sizePrefixLen]byte
	if _, err := m.file.ReadAt(sizeBuf[:], int64(lsn)); err != nil { // #nosec G115
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, dberr.Wrap(err, dberr.CodeCorruptLog, "Fetch", "wal")
	}

	frameLen := binary.BigEndian.Uint32(sizeBuf[:])
	if frameLen < sizePrefixLen+typeTagLen || int(frameLen) > m.maxRecordSize {
		return nil, 0, dberr.Newf(dberr.ErrCategoryData, dberr.CodeCorruptLog,
			"invalid record size %d at LSN %d", frameLen, lsn)
	}

	payload := make([]byte, frameLen-sizePrefixLen)
	if _, err := m.file.ReadAt(payload, int64(lsn)+sizePrefixLen); err != nil { // #nosec G115
		return nil, 0, dberr.Wrap(err, dberr.CodeCorruptLog, "Fetch", "wal")
	}

	r, err := Deserialize(payload)
	if err != nil {
		return nil, 0, err
	}
	r.LSN = lsn
	return r, int(frameLen), nil
}

// ScanFrom returns a forward scanner positioned at lsn. An lsn inside the
// master region starts the scan at the first appended record.
func (m *Manager) ScanFrom(lsn primitives.LSN) (*Scanner, error) {
	m.mu.Lock()
	if err := m.flushLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	end := m.writer.currentLSN
	m.mu.Unlock()

	if lsn < MasterRecordReserved {
		lsn = MasterRecordReserved
	}
	return &Scanner{m: m, offset: lsn, end: end}, nil
}

// Scanner is a lazy forward iterator over log records.
type Scanner struct {
	m      *Manager
	offset primitives.LSN
	end    primitives.LSN
}

// Next returns the next record, or nil once the scan passes the log tail.
func (s *Scanner) Next() (*Record, error) {
	if s.offset >= s.end {
		return nil, nil
	}
	r, frameLen, err := s.m.readAt(s.offset)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.offset += primitives.LSN(frameLen) // #nosec G115
	return r, nil
}

// RewriteMaster overwrites the master record in place and forces it to disk.
func (m *Manager) RewriteMaster(lastCheckpointLSN primitives.LSN) error {
	frame, err := NewMaster(lastCheckpointLSN).Serialize()
	if err != nil {
		return err
	}
	if len(frame) > MasterRecordReserved {
		return dberr.Newf(dberr.ErrCategoryData, dberr.CodeCorruptLog,
			"master record frame is %d bytes, larger than its reserved region", len(frame))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	region := make([]byte, MasterRecordReserved)
	copy(region, frame)
	if _, err := m.file.WriteAt(region, 0); err != nil {
		return dberr.Wrap(err, "LOG_MASTER", "RewriteMaster", "wal")
	}
	if err := m.file.Sync(); err != nil {
		return dberr.Wrap(err, "LOG_MASTER", "RewriteMaster", "wal")
	}
	return nil
}
