package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, dir string, content []byte) string {
	t.Helper()
	f, err := os.CreateTemp(dir, "load-*")
	require.NoError(t, err)
	_, err = f.Write(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func keyFor(content []byte, algo Algorithm, namespace string) Key {
	h := algo.newHash()
	h.Write(content)
	return Key{OriginalKey: "k", Namespace: namespace, Algorithm: algo, ChecksumHex: hexString(h.Sum(nil))}
}

func TestGetLoadsOnMissAndCreatesSymlink(t *testing.T) {
	root := t.TempDir()
	scratch := t.TempDir()
	c := New(root)

	content := []byte("hello world")
	key := keyFor(content, AlgorithmSHA256, "artifacts")

	var calls int32
	loader := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return writeTemp(t, scratch, content), nil
	}

	target := filepath.Join(t.TempDir(), "out.bin")
	got, err := c.Get(context.Background(), key, target, false, loader)
	require.NoError(t, err)
	assert.Equal(t, target, got)
	assert.EqualValues(t, 1, calls)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestGetCacheHitSkipsLoader(t *testing.T) {
	root := t.TempDir()
	scratch := t.TempDir()
	c := New(root)

	content := []byte("cached payload")
	key := keyFor(content, AlgorithmSHA256, "artifacts")

	var calls int32
	loader := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return writeTemp(t, scratch, content), nil
	}

	dir := t.TempDir()
	first := filepath.Join(dir, "first.bin")
	_, err := c.Get(context.Background(), key, first, false, loader)
	require.NoError(t, err)
	require.EqualValues(t, 1, calls)

	second := filepath.Join(dir, "second.bin")
	got, err := c.Get(context.Background(), key, second, false, loader)
	require.NoError(t, err)
	assert.Equal(t, second, got)
	assert.EqualValues(t, 1, calls, "loader must not run again on a cache hit")
}

func TestGetChecksumMismatchIsLoadFailure(t *testing.T) {
	root := t.TempDir()
	scratch := t.TempDir()
	c := New(root)

	content := []byte("expected")
	key := keyFor(content, AlgorithmSHA256, "artifacts")

	loader := func(ctx context.Context) (string, error) {
		return writeTemp(t, scratch, []byte("different content entirely")), nil
	}

	target := filepath.Join(t.TempDir(), "out.bin")
	_, err := c.Get(context.Background(), key, target, false, loader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOAD_FAILURE")
}

func TestGetIsTargetDirNamesSymlinkAfterChecksum(t *testing.T) {
	root := t.TempDir()
	scratch := t.TempDir()
	c := New(root)

	content := []byte("payload")
	key := keyFor(content, AlgorithmSHA256, "artifacts")

	loader := func(ctx context.Context) (string, error) {
		return writeTemp(t, scratch, content), nil
	}

	targetDir := t.TempDir()
	got, err := c.Get(context.Background(), key, targetDir, true, loader)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(targetDir, key.ChecksumHex), got)
}

func TestGetConcurrentReadersShareFastPath(t *testing.T) {
	root := t.TempDir()
	scratch := t.TempDir()
	c := New(root)

	content := []byte("shared")
	key := keyFor(content, AlgorithmSHA256, "artifacts")
	loader := func(ctx context.Context) (string, error) {
		return writeTemp(t, scratch, content), nil
	}

	// Prime the cache so subsequent Gets take the fast (shared-lock) path.
	dir := t.TempDir()
	_, err := c.Get(context.Background(), key, filepath.Join(dir, "prime.bin"), false, loader)
	require.NoError(t, err)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			target := filepath.Join(dir, "reader", filepathBase(i))
			_, err := c.Get(context.Background(), key, target, false, loader)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}

func filepathBase(i int) string {
	return "r" + string(rune('a'+i)) + ".bin"
}
