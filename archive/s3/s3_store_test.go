package s3

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/redmap/archive"
)

func TestIntegration_S3Store(t *testing.T) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		t.Skip("Skipping S3 integration test: S3_BUCKET not set")
	}

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx)
	require.NoError(t, err)

	client := s3.NewFromConfig(cfg)

	// Unique prefix per test run
	prefix := fmt.Sprintf("test-redmap-%d/", time.Now().UnixNano())
	store := NewStore(client, bucket, prefix)

	t.Run("PutGetDelete", func(t *testing.T) {
		name := "model/book/test.snap"
		data := []byte("snapshot payload")

		require.NoError(t, store.Put(ctx, name, data))

		got, err := store.Get(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		names, err := store.List(ctx, "model/")
		require.NoError(t, err)
		assert.Contains(t, names, name)

		require.NoError(t, store.Delete(ctx, name))
		_, err = store.Get(ctx, name)
		assert.ErrorIs(t, err, archive.ErrNotFound)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "nonexistent")
		assert.ErrorIs(t, err, archive.ErrNotFound)
	})
}
