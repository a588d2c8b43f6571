package aof

// ============================================================================
// AOF Reader
// Responsibility:
// 1. Decode the Redis append-only command log, record by record
// 2. Dispatch each record to the handler registered for its command
// 3. Stop at the first malformed record, never guess past corruption
//
// Record format:
//
//	*<argc>\r\n
//	$<len>\r\n<payload>\r\n   (argc times)
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	maxHeaderLen = 20        // digits of an argc or length header
	maxArgs      = 1 << 20   // arguments per record
	maxBulkLen   = 512 << 20 // bytes per argument, as Redis' proto-max-bulk-len
)

// Handler applies one decoded record. args[0] is the command name as written
// in the log.
type Handler func(args []string) error

// Reader decodes a command log.
type Reader struct {
	br       *BufferedReader
	handlers map[string]Handler
	records  int64 // records decoded so far
	skipped  int64 // records without a handler
}

// NewReader returns a Reader over src.
func NewReader(src io.Reader) *Reader {
	return &Reader{
		br:       NewBufferedReader(src),
		handlers: make(map[string]Handler),
	}
}

// Handle registers fn for command. Command names match case-insensitively.
func (r *Reader) Handle(command string, fn Handler) {
	r.handlers[strings.ToUpper(command)] = fn
}

// Records returns the number of records decoded so far.
func (r *Reader) Records() int64 { return r.records }

// Skipped returns the number of decoded records that had no handler.
func (r *Reader) Skipped() int64 { return r.skipped }

// Run decodes the log to its end, dispatching every record. It returns nil at
// a clean end of stream, a *CorruptionError for malformed input, or the first
// handler error.
func (r *Reader) Run() error {
	for {
		args, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(args) == 0 {
			r.skipped++
			continue
		}
		fn, ok := r.handlers[strings.ToUpper(args[0])]
		if !ok {
			r.skipped++
			continue
		}
		if err := fn(args); err != nil {
			return fmt.Errorf("aof: record %d (%s): %w", r.records-1, args[0], err)
		}
	}
}

// Next decodes one record. It returns io.EOF when the stream ends on a record
// boundary.
func (r *Reader) Next() ([]string, error) {
	p, err := r.br.Peek(1)
	if len(p) == 0 {
		if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	argc, err := r.readHeader('*', maxArgs)
	if err != nil {
		return nil, err
	}
	var args []string
	for i := 0; i < argc; i++ {
		n, err := r.readHeader('$', maxBulkLen)
		if err != nil {
			return nil, err
		}
		payload, err := r.br.Read(n)
		if err != nil {
			return nil, r.corrupt(err)
		}
		if err := r.expectCRLF(); err != nil {
			return nil, err
		}
		args = append(args, string(payload))
	}
	r.records++
	return args, nil
}

// readHeader consumes "<prefix><digits>\r\n" and returns the number, which
// must not exceed limit.
func (r *Reader) readHeader(prefix byte, limit int) (int, error) {
	p, err := r.br.Peek(1)
	if err != nil {
		return 0, r.corrupt(err)
	}
	if p[0] != prefix {
		return 0, r.corrupt(fmt.Errorf("expected %q, found %q", prefix, p[0]))
	}
	// Scan for the LF closing the header line.
	for n := 2; n <= maxHeaderLen+3; n++ {
		line, err := r.br.Peek(n)
		if err != nil {
			return 0, r.corrupt(err)
		}
		if line[n-1] != '\n' {
			continue
		}
		if line[n-2] != '\r' {
			return 0, r.corrupt(errors.New("header not terminated by CRLF"))
		}
		v, err := strconv.Atoi(string(line[1 : n-2]))
		if err != nil || v < 0 {
			return 0, r.corrupt(fmt.Errorf("bad header %q", line[:n-2]))
		}
		if v > limit {
			return 0, r.corrupt(fmt.Errorf("header %q exceeds %d", line[:n-2], limit))
		}
		_ = r.br.Discard(n)
		return v, nil
	}
	return 0, r.corrupt(errors.New("header too long"))
}

func (r *Reader) expectCRLF() error {
	p, err := r.br.Peek(2)
	if err != nil {
		return r.corrupt(err)
	}
	if p[0] != '\r' || p[1] != '\n' {
		return r.corrupt(errors.New("payload not terminated by CRLF"))
	}
	return r.br.Discard(2)
}

func (r *Reader) corrupt(cause error) error {
	return &CorruptionError{Record: r.records, Offset: r.br.Offset(), Cause: cause}
}
