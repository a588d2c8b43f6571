package aof

import (
	"errors"
	"io"
)

const (
	chunkSize     = 64 << 10 // bytes requested from the source per refill
	trimThreshold = 1 << 20  // consumed bytes kept before compacting
)

// BufferedReader reads a byte source with arbitrary lookahead. Unlike
// bufio.Reader the lookahead is not bounded by a fixed buffer size: a Peek
// larger than the buffer grows it, which lets the decoder fetch a whole bulk
// string of any length in one call.
type BufferedReader struct {
	src    io.Reader
	buf    []byte
	pos    int   // first unconsumed byte in buf
	base   int64 // stream offset of buf[0]
	srcErr error // sticky error from src, io.EOF at end of stream
}

// NewBufferedReader wraps src.
func NewBufferedReader(src io.Reader) *BufferedReader {
	return &BufferedReader{src: src, buf: make([]byte, 0, chunkSize)}
}

// fill reads from the source until n unconsumed bytes are buffered or the
// source is exhausted.
func (b *BufferedReader) fill(n int) error {
	for len(b.buf)-b.pos < n && b.srcErr == nil {
		if b.pos > trimThreshold {
			b.trim()
		}
		want := n - (len(b.buf) - b.pos)
		if want < chunkSize {
			want = chunkSize
		}
		// at most double per refill, so a truncated source never costs
		// more than twice what it delivered
		if c := cap(b.buf); want > c && c >= chunkSize {
			want = c
		}
		if cap(b.buf)-len(b.buf) < want {
			grown := make([]byte, len(b.buf), len(b.buf)+want)
			copy(grown, b.buf)
			b.buf = grown
		}
		m, err := b.src.Read(b.buf[len(b.buf):cap(b.buf)])
		b.buf = b.buf[:len(b.buf)+m]
		if err != nil {
			b.srcErr = err
		}
	}
	if len(b.buf)-b.pos >= n {
		return nil
	}
	if errors.Is(b.srcErr, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return b.srcErr
}

// trim drops the consumed prefix.
func (b *BufferedReader) trim() {
	rest := copy(b.buf, b.buf[b.pos:])
	b.buf = b.buf[:rest]
	b.base += int64(b.pos)
	b.pos = 0
}

// Peek returns the next n bytes without consuming them. The slice is only
// valid until the next call on the reader. If fewer than n bytes remain it
// returns what is left together with io.ErrUnexpectedEOF.
func (b *BufferedReader) Peek(n int) ([]byte, error) {
	err := b.fill(n)
	end := b.pos + n
	if end > len(b.buf) {
		end = len(b.buf)
	}
	return b.buf[b.pos:end], err
}

// Read consumes and returns the next n bytes. The returned slice is owned by
// the caller.
func (b *BufferedReader) Read(n int) ([]byte, error) {
	p, err := b.Peek(n)
	out := make([]byte, len(p))
	copy(out, p)
	b.pos += len(p)
	return out, err
}

// Discard consumes n bytes.
func (b *BufferedReader) Discard(n int) error {
	p, err := b.Peek(n)
	b.pos += len(p)
	return err
}

// EOF reports whether the stream is exhausted.
func (b *BufferedReader) EOF() bool {
	p, _ := b.Peek(1)
	return len(p) == 0
}

// Offset returns the stream offset of the next unconsumed byte.
func (b *BufferedReader) Offset() int64 {
	return b.base + int64(b.pos)
}
