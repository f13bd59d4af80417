// Package source opens line-oriented key lists from local files or S3
// objects.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Sentinel errors for source operations.
var (
	// ErrNotFound indicates the input file or object does not exist.
	ErrNotFound = errors.New("input not found")

	// ErrAccessDenied indicates insufficient permissions to read the input.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidRef indicates a reference that cannot be parsed.
	ErrInvalidRef = errors.New("invalid input reference")
)

// MaxLineBytes is the longest line the reader returns. Longer lines are
// truncated to this length and the remainder is discarded.
const MaxLineBytes = 1 << 20

// Source is a re-openable input.
type Source interface {
	// Name is a human-readable identifier, such as the file name.
	Name() string

	// Open returns a fresh reader positioned at the first byte.
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Options configures how references are resolved.
type Options struct {
	S3 S3Options
}

// New resolves ref to a Source. References starting with s3:// are read
// from S3; everything else is a local path.
func New(ctx context.Context, ref string, opts Options) (Source, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrInvalidRef)
	}
	if IsS3(ref) {
		bucket, key, err := ParseS3URI(ref)
		if err != nil {
			return nil, err
		}
		return NewS3(ctx, bucket, key, opts.S3)
	}
	return NewFile(ref), nil
}

// SourceError wraps source errors with context.
type SourceError struct {
	Op  string
	Ref string
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates missing input.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// LineReader iterates over the lines of an input, replacing invalid UTF-8
// sequences. Line numbers are zero-based. A line longer than MaxLineBytes
// is returned truncated rather than failing the read.
type LineReader struct {
	rc   io.ReadCloser
	br   *bufio.Reader
	buf  []byte
	next int
	err  error
}

// NewLineReader wraps rc. Closing the LineReader closes rc.
func NewLineReader(rc io.ReadCloser) *LineReader {
	return &LineReader{rc: rc, br: bufio.NewReaderSize(rc, 64*1024)}
}

// readLine returns the next raw line without its newline. The returned
// slice is only valid until the following call.
func (r *LineReader) readLine() ([]byte, bool) {
	if r.err != nil {
		return nil, false
	}
	r.buf = r.buf[:0]
	read := false
	for {
		chunk, isPrefix, err := r.br.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.err = err
			}
			return r.buf, read
		}
		read = true
		if room := MaxLineBytes - len(r.buf); room > 0 {
			r.buf = append(r.buf, chunk[:min(len(chunk), room)]...)
		}
		if !isPrefix {
			return r.buf, true
		}
	}
}

// Next returns the next line and its zero-based index. ok is false at EOF or
// on error; check Err.
func (r *LineReader) Next() (line string, index int, ok bool) {
	raw, ok := r.readLine()
	if !ok {
		return "", r.next, false
	}
	index = r.next
	r.next++
	return strings.ToValidUTF8(strings.TrimSuffix(string(raw), "\r"), "\uFFFD"), index, true
}

// Skip advances past n lines and returns how many were skipped.
func (r *LineReader) Skip(n int) int {
	skipped := 0
	for skipped < n {
		if _, ok := r.readLine(); !ok {
			break
		}
		r.next++
		skipped++
	}
	return skipped
}

// Err returns the first read error, if any.
func (r *LineReader) Err() error {
	return r.err
}

// Close releases the underlying reader.
func (r *LineReader) Close() error {
	return r.rc.Close()
}

// CountLines returns the number of lines in src. A final line without a
// trailing newline counts.
func CountLines(ctx context.Context, src Source) (int, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return 0, err
	}
	lr := NewLineReader(rc)
	defer func() { _ = lr.Close() }()

	n := 0
	for {
		if _, ok := lr.readLine(); !ok {
			break
		}
		n++
		if n%4096 == 0 && ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
	if err := lr.Err(); err != nil {
		return 0, &SourceError{Op: "read", Ref: src.Name(), Err: err}
	}
	return n, nil
}
