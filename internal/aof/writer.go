package aof

// ============================================================================
// AOF Writer
// Responsibility: append records in the same format the Reader decodes. The
// in-memory broker uses it to keep a Redis-compatible log of its writes.
// ============================================================================

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
)

// File is the subset of *os.File a Writer needs; tests substitute buffers.
type File interface {
	io.Writer
	Sync() error
	Close() error
}

// Writer appends command records. Safe for concurrent use.
type Writer struct {
	mu           sync.Mutex
	file         File
	bw           *bufio.Writer
	syncOnAppend bool
	closed       bool
}

// Open opens (or creates) the log at path in append mode.
func Open(path string, syncOnAppend bool) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("aof: open %s: %w", path, err)
	}
	return NewWriter(f, syncOnAppend), nil
}

// NewWriter wraps an already open file.
func NewWriter(f File, syncOnAppend bool) *Writer {
	return &Writer{file: f, bw: bufio.NewWriter(f), syncOnAppend: syncOnAppend}
}

// Append writes one record. With syncOnAppend the record is flushed and
// synced before Append returns.
func (w *Writer) Append(args ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if err := writeRecord(w.bw, args); err != nil {
		return err
	}
	if w.syncOnAppend {
		return w.flushLocked()
	}
	return nil
}

// Flush pushes buffered records to the file and syncs it.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("aof: flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("aof: sync: %w", err)
	}
	return nil
}

// Close flushes and closes the file. Further calls return ErrWriterClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true
	flushErr := w.flushLocked()
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// Encode returns the wire form of a single record.
func Encode(args ...string) []byte {
	var b bytes.Buffer
	_ = writeRecord(&b, args)
	return b.Bytes()
}

func writeRecord(w io.Writer, args []string) error {
	buf := make([]byte, 0, 16*len(args)+8)
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)), 10)
	buf = append(buf, '\r', '\n')
	for _, a := range args {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(a)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, a...)
		buf = append(buf, '\r', '\n')
	}
	_, err := w.Write(buf)
	return err
}
