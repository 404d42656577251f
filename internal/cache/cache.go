package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	olcerrors "github.com/google/device-infra-sub011/internal/errors"
	"github.com/google/device-infra-sub011/internal/log"
)

// FileLoader materializes the raw bytes for a cache miss into a temporary
// file and returns its path. The cache takes ownership of the returned file
// (it is renamed into place, or removed on failure); implementations should
// write to a path obtained from, e.g., os.CreateTemp.
type FileLoader func(ctx context.Context) (tempPath string, err error)

// Cache is the Persistent Content-Addressed Cache of spec §4.1.
type Cache struct {
	root string
	log  *log.Logger
	dirs *dirLockRegistry
}

// Option configures a Cache constructed by New.
type Option func(*Cache)

func WithLogger(l *log.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// New constructs a Cache rooted at root. root need not exist yet.
func New(root string, opts ...Option) *Cache {
	c := &Cache{root: root, log: log.Nop(), dirs: newDirLockRegistry()}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("cache")
	return c
}

// Get ensures a validated copy of key's data exists in the cache and
// creates a read-only symlink to it at target (or, if isTargetDir, a
// symlink named after the cache checksum inside the target directory). It
// returns the path actually created.
//
// Errors are internal/errors values classified per spec §4.1's public
// contract: KindLoadFailure, KindChecksumMismatch, KindLockFailure,
// KindIOFailure.
func (c *Cache) Get(ctx context.Context, key Key, target string, isTargetDir bool, loader FileLoader) (string, error) {
	dir := key.dir(c.root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", olcerrors.Wrap(olcerrors.KindIOFailure, err, "create cache directory")
	}

	symlinkPath, err := resolveSymlinkPath(dir, key, target, isTargetDir)
	if err != nil {
		return "", olcerrors.Wrap(olcerrors.KindIOFailure, err, "resolve target symlink path")
	}

	rw := c.dirs.get(dir)

	if ok, err := c.fastPath(dir, key, symlinkPath, rw); ok || err != nil {
		return symlinkPath, err
	}

	return symlinkPath, c.slowPath(ctx, dir, key, symlinkPath, rw, loader)
}

// fastPath implements spec §4.1 step 2: take the process-local mutex for
// reading, then a shared file lock; if the entry already validates, register
// the new symlink and return without ever taking the exclusive lock.
func (c *Cache) fastPath(dir string, key Key, symlinkPath string, rw *sync.RWMutex) (bool, error) {
	rw.RLock()
	defer rw.RUnlock()

	fl := flock.New(filepath.Join(dir, lockFileName))
	locked, err := fl.TryRLock()
	if err != nil {
		return false, olcerrors.Wrap(olcerrors.KindLockFailure, err, "acquire shared cache lock")
	}
	if !locked {
		return false, nil
	}
	defer fl.Unlock()

	if !entryValid(dir, key) {
		return false, nil
	}

	if err := createSymlink(dir, symlinkPath); err != nil {
		return false, olcerrors.Wrap(olcerrors.KindIOFailure, err, "create cache symlink")
	}
	if err := appendSymlinkRegistration(filepath.Join(dir, metadataFileName), symlinkPath, time.Now()); err != nil {
		return false, olcerrors.Wrap(olcerrors.KindIOFailure, err, "register cache symlink")
	}
	return true, nil
}

// slowPath implements spec §4.1 step 3: exclusive lock, re-check, load on
// miss, verify checksum, write fresh metadata.
func (c *Cache) slowPath(ctx context.Context, dir string, key Key, symlinkPath string, rw *sync.RWMutex, loader FileLoader) error {
	rw.Lock()
	defer rw.Unlock()

	fl := flock.New(filepath.Join(dir, lockFileName))
	if err := fl.Lock(); err != nil {
		return olcerrors.Wrap(olcerrors.KindLockFailure, err, "acquire exclusive cache lock")
	}
	defer fl.Unlock()

	if !entryValid(dir, key) {
		if err := c.populate(ctx, dir, key, loader); err != nil {
			return err
		}
	}

	if err := createSymlink(dir, symlinkPath); err != nil {
		return olcerrors.Wrap(olcerrors.KindIOFailure, err, "create cache symlink")
	}
	if err := appendSymlinkRegistration(filepath.Join(dir, metadataFileName), symlinkPath, time.Now()); err != nil {
		return olcerrors.Wrap(olcerrors.KindIOFailure, err, "register cache symlink")
	}
	return nil
}

// populate clears any stale entry, invokes loader, moves its output into
// .data, verifies the checksum, and writes a fresh .metadata header.
func (c *Cache) populate(ctx context.Context, dir string, key Key, loader FileLoader) error {
	dataPath := filepath.Join(dir, dataFileName)
	metaPath := filepath.Join(dir, metadataFileName)
	_ = os.Remove(dataPath)
	_ = os.Remove(metaPath)

	tempPath, err := loader(ctx)
	if err != nil {
		return olcerrors.Wrap(olcerrors.KindLoadFailure, err, "load cache entry")
	}

	sum, err := checksumFile(tempPath, key.Algorithm)
	if err != nil {
		_ = os.Remove(tempPath)
		return olcerrors.Wrap(olcerrors.KindIOFailure, err, "checksum loaded file")
	}
	if sum != key.ChecksumHex {
		_ = os.Remove(tempPath)
		return olcerrors.Newf(olcerrors.KindLoadFailure, "checksum mismatch: got %s want %s", sum, key.ChecksumHex)
	}

	if err := os.Rename(tempPath, dataPath); err != nil {
		_ = os.Remove(tempPath)
		return olcerrors.Wrap(olcerrors.KindIOFailure, err, "move loaded file into cache")
	}
	if err := os.Chmod(dataPath, 0o444); err != nil {
		return olcerrors.Wrap(olcerrors.KindIOFailure, err, "make cache entry read-only")
	}

	if err := writeMetadataHeader(metaPath, key.Algorithm, time.Now()); err != nil {
		return olcerrors.Wrap(olcerrors.KindIOFailure, err, "write cache metadata header")
	}
	return nil
}

// entryValid reports whether dir already holds a validated entry for key:
// .metadata exists with a matching algorithm, and .data's checksum matches.
func entryValid(dir string, key Key) bool {
	header, ok := readMetadataHeader(filepath.Join(dir, metadataFileName))
	if !ok || header.Algorithm != key.Algorithm.String() {
		return false
	}
	sum, err := checksumFile(filepath.Join(dir, dataFileName), key.Algorithm)
	if err != nil {
		return false
	}
	return sum == key.ChecksumHex
}

// resolveSymlinkPath turns the caller's target (a file path or, if
// isTargetDir, a directory) into the concrete symlink path to create,
// per spec §4.1's public contract.
func resolveSymlinkPath(dir string, key Key, target string, isTargetDir bool) (string, error) {
	if !isTargetDir {
		return target, nil
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(target, key.ChecksumHex), nil
}

// createSymlink (re)creates a read-only symlink at symlinkPath pointing at
// dir's .data file, per spec §4.1 step 4 ("Always create symlinks as
// read-only for the caller").
func createSymlink(dir, symlinkPath string) error {
	_ = os.Remove(symlinkPath)
	if err := os.MkdirAll(filepath.Dir(symlinkPath), 0o755); err != nil {
		return err
	}
	return os.Symlink(filepath.Join(dir, dataFileName), symlinkPath)
}

func checksumFile(path string, algo Algorithm) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := algo.newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hexString(h.Sum(nil)), nil
}

func hexString(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
