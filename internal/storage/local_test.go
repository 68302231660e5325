package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	cerrors "github.com/cpdb/esindex/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLocalStorage_UploadDownload(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	obj, err := store.Upload(ctx, writeFile(t, "hello world"), "snapshots/cr/run.ndjson.sz")
	require.NoError(t, err)
	assert.Equal(t, "snapshots/cr/run.ndjson.sz", obj.Path)
	assert.Equal(t, int64(11), obj.Size)
	// md5("hello world")
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", obj.ETag)

	exists, err := store.Exists(ctx, obj.Path)
	require.NoError(t, err)
	assert.True(t, exists)

	dst := filepath.Join(t.TempDir(), "nested", "out.bin")
	require.NoError(t, store.Download(ctx, obj.Path, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestLocalStorage_UploadReplaces(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Upload(ctx, writeFile(t, "first"), "a/b")
	require.NoError(t, err)
	obj, err := store.Upload(ctx, writeFile(t, "second!"), "a/b")
	require.NoError(t, err)
	assert.Equal(t, int64(7), obj.Size)

	// Temporary files never show up in listings.
	objects, err := store.ListObjects(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b"}, objects)
}

func TestLocalStorage_UploadMissingSource(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = store.Upload(context.Background(), filepath.Join(t.TempDir(), "missing"), "x")
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCategoryStorage, cerrors.GetCategory(err))
	assert.Equal(t, cerrors.CodeUploadFailed, cerrors.GetCode(err))
	assert.True(t, cerrors.IsRetryable(err))
}

func TestLocalStorage_DownloadNotFound(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	err = store.Download(context.Background(), "nope", filepath.Join(t.TempDir(), "out"))
	assert.True(t, errors.Is(err, ErrObjectNotFound))
}

func TestLocalStorage_DeleteAndList(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	src := writeFile(t, "x")
	for _, p := range []string{"snap/cr/2", "snap/cr/1", "snap/officers/1", "other/1"} {
		_, err := store.Upload(ctx, src, p)
		require.NoError(t, err)
	}

	objects, err := store.ListObjects(ctx, "snap")
	require.NoError(t, err)
	assert.Equal(t, []string{"snap/cr/1", "snap/cr/2", "snap/officers/1"}, objects)

	objects, err = store.ListObjects(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, objects)

	require.NoError(t, store.Delete(ctx, "snap/cr/1"))
	require.NoError(t, store.Delete(ctx, "snap/cr/1"))
	exists, err := store.Exists(ctx, "snap/cr/1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalStorage_CanceledContext(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.Upload(ctx, writeFile(t, "x"), "a")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.ListObjects(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}
