package handlers

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
)

// AllowedUploadPattern matches accepted key list file names, compared in
// lower case.
const AllowedUploadPattern = "*.{txt,csv,list,dat,text,log,asc,tsv,keys}"

// ErrUploadType is returned for file names outside the allow-list.
var ErrUploadType = errors.New("unsupported file type")

// Upload is a stored input file.
type Upload struct {
	ID       string `json:"upload_id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	path     string
}

// Path is the location of the stored file.
func (u Upload) Path() string {
	return u.path
}

// UploadStore keeps uploaded key lists in one directory under random
// names.
type UploadStore struct {
	dir      string
	maxBytes int64
}

// NewUploadStore creates a store rooted at dir. maxBytes <= 0 disables the
// size limit.
func NewUploadStore(dir string, maxBytes int64) *UploadStore {
	return &UploadStore{dir: dir, maxBytes: maxBytes}
}

// Dir returns the upload directory.
func (s *UploadStore) Dir() string {
	return s.dir
}

// Allowed reports whether name has an accepted extension.
func Allowed(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	ok, err := doublestar.Match(AllowedUploadPattern, base)
	return err == nil && ok
}

// Save copies r into the store. The stored name is "<uuid>_<sanitized
// original name>".
func (s *UploadStore) Save(filename string, r io.Reader) (Upload, error) {
	if !Allowed(filename) {
		return Upload{}, fmt.Errorf("%w: %s", ErrUploadType, filepath.Base(filename))
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Upload{}, fmt.Errorf("create upload dir: %w", err)
	}

	id := uuid.New().String() + "_" + sanitizeFilename(filename)
	path := filepath.Join(s.dir, id)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Upload{}, fmt.Errorf("create upload: %w", err)
	}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.maxBytes > 0 && n > s.maxBytes {
		err = errUploadTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		return Upload{}, err
	}

	return Upload{ID: id, Filename: filepath.Base(filename), Size: n, path: path}, nil
}

var errUploadTooLarge = errors.New("upload exceeds size limit")

// Resolve maps an upload id back to its stored file.
func (s *UploadStore) Resolve(id string) (Upload, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return Upload{}, fmt.Errorf("invalid upload id %q", id)
	}
	path := filepath.Join(s.dir, id)
	info, err := os.Stat(path)
	if err != nil {
		return Upload{}, fmt.Errorf("upload %s: %w", id, err)
	}
	_, original, _ := strings.Cut(id, "_")
	return Upload{ID: id, Filename: original, Size: info.Size(), path: path}, nil
}

// Owns reports whether path is a file inside the store.
func (s *UploadStore) Owns(path string) bool {
	dir, err := filepath.Abs(s.dir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return filepath.Dir(abs) == dir
}

// Remove deletes an owned file. Paths outside the store are ignored.
func (s *UploadStore) Remove(path string) error {
	if !s.Owns(path) {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// sanitizeFilename keeps letters, digits, dot, dash and underscore.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), "._")
	if out == "" {
		return "upload.txt"
	}
	return out
}
