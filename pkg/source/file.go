package source

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
)

// File reads input from the local filesystem.
type File struct {
	path string
}

// NewFile returns a Source for a local path.
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Name() string {
	return f.path
}

func (f *File) Open(_ context.Context) (io.ReadCloser, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		wrapped := &SourceError{Op: "open", Ref: f.path, Err: err}
		switch {
		case errors.Is(err, fs.ErrNotExist):
			wrapped.Err = ErrNotFound
		case errors.Is(err, fs.ErrPermission):
			wrapped.Err = ErrAccessDenied
		}
		return nil, wrapped
	}
	info, err := fh.Stat()
	if err == nil && info.IsDir() {
		_ = fh.Close()
		return nil, &SourceError{Op: "open", Ref: f.path, Err: errors.New("is a directory")}
	}
	return fh, nil
}
