//go:build cloudintegration

package source_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/keyscan/pkg/source"
	"github.com/3leaps/keyscan/test/cloudtest"
)

func TestS3Source_ReadsLines(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	keys := []string{
		"5HueCGU8rMjxEXxiPuD5BDku4MkFqeZyd4dZ1jvhTVqvbTLvyTJ",
		"",
		"0C28FCA386C7A227600B2FE50B7CAE11EC86D3BF1FBE471BE89827E19D72AA1D",
	}
	uri := cloudtest.PutKeys(t, ctx, bucket, "batches/one.txt", keys)

	src, err := source.New(ctx, uri, cloudtest.SourceOptions())
	require.NoError(t, err)
	assert.Equal(t, uri, src.Name())

	n, err := source.CountLines(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rc, err := src.Open(ctx)
	require.NoError(t, err)
	lr := source.NewLineReader(rc)
	defer func() { _ = lr.Close() }()

	var got []string
	for {
		line, _, ok := lr.Next()
		if !ok {
			break
		}
		got = append(got, line)
	}
	require.NoError(t, lr.Err())
	assert.Equal(t, keys, got)
}

func TestS3Source_MissingObject(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	src, err := source.New(ctx, "s3://"+bucket+"/absent.txt", cloudtest.SourceOptions())
	require.NoError(t, err)

	_, err = src.Open(ctx)
	require.Error(t, err)
	assert.True(t, source.IsNotFound(err))
}
