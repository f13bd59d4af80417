package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNew_File(t *testing.T) {
	path := writeFile(t, "a\nb\n")
	src, err := New(context.Background(), path, Options{})
	require.NoError(t, err)
	assert.Equal(t, path, src.Name())
}

func TestNew_EmptyRef(t *testing.T) {
	_, err := New(context.Background(), "  ", Options{})
	require.ErrorIs(t, err, ErrInvalidRef)
}

func TestFile_OpenMissing(t *testing.T) {
	src := NewFile(filepath.Join(t.TempDir(), "missing.txt"))
	_, err := src.Open(context.Background())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var se *SourceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "open", se.Op)
}

func TestFile_OpenDirectory(t *testing.T) {
	_, err := NewFile(t.TempDir()).Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is a directory")
}

func TestCountLines(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "empty", content: "", want: 0},
		{name: "trailing newline", content: "a\nb\nc\n", want: 3},
		{name: "no trailing newline", content: "a\nb\nc", want: 3},
		{name: "blank lines count", content: "a\n\n\nb\n", want: 4},
		{name: "crlf", content: "a\r\nb\r\n", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := CountLines(context.Background(), NewFile(writeFile(t, tt.content)))
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestLineReader(t *testing.T) {
	rc := io.NopCloser(strings.NewReader("zero\r\none\ntwo\xff\nthree"))
	lr := NewLineReader(rc)
	defer func() { _ = lr.Close() }()

	assert.Equal(t, 1, lr.Skip(1))

	line, idx, ok := lr.Next()
	require.True(t, ok)
	assert.Equal(t, "one", line)
	assert.Equal(t, 1, idx)

	line, idx, ok = lr.Next()
	require.True(t, ok)
	assert.Equal(t, "two\uFFFD", line)
	assert.Equal(t, 2, idx)

	line, _, ok = lr.Next()
	require.True(t, ok)
	assert.Equal(t, "three", line)

	_, _, ok = lr.Next()
	assert.False(t, ok)
	assert.NoError(t, lr.Err())
	assert.Equal(t, 0, lr.Skip(5))
}

func TestLineReader_OversizedLineIsTruncated(t *testing.T) {
	long := strings.Repeat("k", MaxLineBytes+4096)
	content := "first\n" + long + "\nlast\n"

	n, err := CountLines(context.Background(), NewFile(writeFile(t, content)))
	require.NoError(t, err, "an oversized line must not fail the count")
	assert.Equal(t, 3, n)

	lr := NewLineReader(io.NopCloser(strings.NewReader(content)))
	defer func() { _ = lr.Close() }()

	line, _, ok := lr.Next()
	require.True(t, ok)
	assert.Equal(t, "first", line)

	line, idx, ok := lr.Next()
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Len(t, line, MaxLineBytes)

	line, idx, ok = lr.Next()
	require.True(t, ok)
	assert.Equal(t, "last", line, "the remainder of the long line is discarded")
	assert.Equal(t, 2, idx)

	_, _, ok = lr.Next()
	assert.False(t, ok)
	assert.NoError(t, lr.Err())
}

func TestLineReader_SkipOversizedLine(t *testing.T) {
	content := strings.Repeat("x", 2*MaxLineBytes) + "\nkept"
	lr := NewLineReader(io.NopCloser(strings.NewReader(content)))
	defer func() { _ = lr.Close() }()

	assert.Equal(t, 1, lr.Skip(1))
	line, idx, ok := lr.Next()
	require.True(t, ok)
	assert.Equal(t, "kept", line)
	assert.Equal(t, 1, idx)
}

// failingReader returns its data, then err.
type failingReader struct {
	data string
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.data == "" {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestLineReader_ReadErrorStops(t *testing.T) {
	readErr := errors.New("connection reset")
	lr := NewLineReader(io.NopCloser(&failingReader{data: "a\nb\n", err: readErr}))
	defer func() { _ = lr.Close() }()

	var got []string
	for {
		line, _, ok := lr.Next()
		if !ok {
			break
		}
		got = append(got, line)
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.ErrorIs(t, lr.Err(), readErr)
	_, _, ok := lr.Next()
	assert.False(t, ok)
}

func TestParseS3URI(t *testing.T) {
	tests := []struct {
		uri        string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{uri: "s3://bucket/keys.txt", wantBucket: "bucket", wantKey: "keys.txt"},
		{uri: "S3://bucket/dir/keys.txt", wantBucket: "bucket", wantKey: "dir/keys.txt"},
		{uri: "s3://bucket", wantErr: true},
		{uri: "s3://bucket/dir/", wantErr: true},
		{uri: "s3:///key", wantErr: true},
		{uri: "/tmp/keys.txt", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, key, err := ParseS3URI(tt.uri)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRef)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

type stubGetter struct {
	body string
	err  error
}

func (s stubGetter) GetObject(_ context.Context, _ *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(s.body))}, nil
}

func TestS3_Open(t *testing.T) {
	src := &S3{client: stubGetter{body: "k1\nk2\n"}, bucket: "b", key: "keys.txt"}
	assert.Equal(t, "s3://b/keys.txt", src.Name())

	n, err := CountLines(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestS3_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "typed no such key", err: &types.NoSuchKey{}, want: ErrNotFound},
		{name: "api not found", err: &smithy.GenericAPIError{Code: "NotFound"}, want: ErrNotFound},
		{name: "api access denied", err: &smithy.GenericAPIError{Code: "AccessDenied"}, want: ErrAccessDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &S3{client: stubGetter{err: tt.err}, bucket: "b", key: "k"}
			_, err := src.Open(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
