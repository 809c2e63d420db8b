package wal

import (
	"io"

	"txnkernel/pkg/primitives"
)

// logWriter buffers appended frames and writes them to the underlying file
// at their byte offsets. LSNs are byte offsets into the log file, so the
// writer's two watermarks are both LSNs: currentLSN is the next offset to
// assign, flushedLSN is the offset just past the last byte written out (every
// record below it is on disk).
type logWriter struct {
	writer       io.WriterAt
	currentLSN   primitives.LSN
	flushedLSN   primitives.LSN
	buffer       []byte
	bufferOffset int
	bufferSize   int
}

func newLogWriter(writer io.WriterAt, bufferSize int, current primitives.LSN) *logWriter {
	return &logWriter{
		writer:     writer,
		bufferSize: bufferSize,
		buffer:     make([]byte, bufferSize),
		currentLSN: current,
		flushedLSN: current,
	}
}

// write appends a frame and returns its assigned LSN.
func (w *logWriter) write(data []byte) (primitives.LSN, error) {
	assignedLSN := w.currentLSN

	if len(data) > w.bufferSize {
		if err := w.flush(); err != nil {
			return 0, err
		}
		if _, err := w.writer.WriteAt(data, int64(w.flushedLSN)); err != nil { // #nosec G115
			return 0, err
		}
		w.currentLSN += primitives.LSN(len(data))
		w.flushedLSN = w.currentLSN
		return assignedLSN, nil
	}

	if w.bufferOffset+len(data) > w.bufferSize {
		if err := w.flush(); err != nil {
			return 0, err
		}
	}
	copy(w.buffer[w.bufferOffset:], data)
	w.bufferOffset += len(data)
	w.currentLSN += primitives.LSN(len(data))

	return assignedLSN, nil
}

func (w *logWriter) flush() error {
	if w.bufferOffset == 0 {
		return nil
	}
	if _, err := w.writer.WriteAt(w.buffer[:w.bufferOffset], int64(w.flushedLSN)); err != nil { // #nosec G115
		return err
	}
	w.flushedLSN = w.currentLSN
	w.bufferOffset = 0
	return nil
}
