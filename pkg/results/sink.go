package results

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/keyscan/pkg/job"
)

// DefaultMaxBytes is the size at which FileSink starts a new file.
const DefaultMaxBytes int64 = 10000 * 1024 * 1024

// ErrSinkClosed is returned when writing to a closed sink.
var ErrSinkClosed = errors.New("result sink is closed")

// SinkOptions configures a FileSink.
type SinkOptions struct {
	// MaxBytes is the size at which the sink rotates to the next file.
	// Default: DefaultMaxBytes.
	MaxBytes int64

	// Logger receives rotation events. Default: no-op.
	Logger *zap.Logger
}

// FileSink appends found keys to a CSV file as they are discovered.
//
// A new file gets the header row. Once the current file reaches MaxBytes
// the sink continues in name_01.ext, name_02.ext and so on. FileSink is
// safe for concurrent use.
type FileSink struct {
	template string
	opts     SinkOptions

	mu     sync.Mutex
	f      *os.File
	cw     *csv.Writer
	path   string
	size   int64
	index  int
	paths  []string
	closed bool
}

var _ job.FoundSink = (*FileSink)(nil)

// OpenFileSink opens path for appending, creating parent directories and
// writing the header when the file is new or empty.
func OpenFileSink(path string, opts SinkOptions) (*FileSink, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("output path is required")
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	s := &FileSink{template: path, opts: opts}
	if err := s.open(path); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) open(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat output file: %w", err)
	}

	s.f = f
	s.cw = csv.NewWriter(f)
	s.path = path
	s.size = info.Size()
	s.paths = append(s.paths, path)

	if s.size == 0 {
		if err := s.writeRow(Header); err != nil {
			return err
		}
	}
	return nil
}

// writeRow writes and flushes one record, tracking the file size.
func (s *FileSink) writeRow(row []string) error {
	if err := s.cw.Write(row); err != nil {
		return fmt.Errorf("write output row: %w", err)
	}
	s.cw.Flush()
	if err := s.cw.Error(); err != nil {
		return fmt.Errorf("flush output row: %w", err)
	}
	info, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("stat output file: %w", err)
	}
	s.size = info.Size()
	return nil
}

// RotatedPath returns the path of the n-th rotated file for template.
func RotatedPath(template string, n int) string {
	ext := filepath.Ext(template)
	base := strings.TrimSuffix(template, ext)
	return fmt.Sprintf("%s_%02d%s", base, n, ext)
}

func (s *FileSink) rotate() error {
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	s.index++
	next := RotatedPath(s.template, s.index)
	s.opts.Logger.Info("Creating new output file",
		zap.String("path", next),
		zap.Int64("previous_size", s.size),
		zap.Int64("max_bytes", s.opts.MaxBytes))
	return s.open(next)
}

// WriteFound appends f, rotating first when the current file is full.
func (s *FileSink) WriteFound(f job.FoundKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if s.size >= s.opts.MaxBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	return s.writeRow(Row(f))
}

// Path returns the file currently being written.
func (s *FileSink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Paths returns every file the sink has written, in order.
func (s *FileSink) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}
