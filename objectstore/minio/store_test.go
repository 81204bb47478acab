package minio

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/INLOpen/regionstore/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStore_Integration requires a running MinIO instance at
// REGIONSTORE_MINIO_ENDPOINT (default localhost:9000).
func TestStore_Integration(t *testing.T) {
	endpoint := os.Getenv("REGIONSTORE_MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:9000"
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	store, err := Connect(dialCtx, Options{
		Endpoint:  endpoint,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "regionstore-test",
		Prefix:    "it/",
	})
	if err != nil {
		t.Skipf("MinIO not available: %v", err)
	}
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "r/a.sst", []byte("hello minio")))
	defer store.Delete(ctx, "r/a.sst")

	data, err := store.Get(ctx, "r/a.sst")
	require.NoError(t, err)
	assert.Equal(t, "hello minio", string(data))

	blob, err := store.Open(ctx, "r/a.sst")
	require.NoError(t, err)
	assert.Equal(t, int64(11), blob.Size())
	buf := make([]byte, 5)
	require.NoError(t, objectstore.ReadFull(ctx, blob, buf, 6))
	assert.Equal(t, "minio", string(buf))

	buf = make([]byte, 10)
	n, err := blob.ReadAt(ctx, buf, 6)
	assert.Equal(t, 5, n)
	assert.ErrorIs(t, err, io.EOF)

	names, err := store.List(ctx, "r/")
	require.NoError(t, err)
	assert.Contains(t, names, "r/a.sst")

	require.NoError(t, store.Delete(ctx, "r/a.sst"))
	_, err = store.Open(ctx, "r/a.sst")
	assert.True(t, objectstore.IsNotFound(err))
}
