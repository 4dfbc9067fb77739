// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/metrics"
	"github.com/fruitsalade/mediastore/internal/storage"
)

// metaDir holds content-type sidecars. Normalized keys never start with it.
const metaDir = ".meta"

const lockStripes = 64

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// LocalBackend implements storage.Backend using the local filesystem.
type LocalBackend struct {
	rootPath string

	// A key's data file and sidecar change together under its stripe's
	// write lock; readers hold the read lock while resolving both.
	locks [lockStripes]sync.RWMutex
}

var _ storage.Backend = (*LocalBackend)(nil)

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("%w: local root_path is required", storage.ErrConfiguration)
	}
	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve root path %s: %v", storage.ErrConfiguration, cfg.RootPath, err)
	}

	// Ensure root exists
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(root, 0755); mkErr != nil {
				return nil, fmt.Errorf("%w: create root path %s: %v", storage.ErrConfiguration, root, mkErr)
			}
		} else {
			return nil, fmt.Errorf("%w: stat root path %s: %v", storage.ErrConfiguration, root, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%w: root path %s is not a directory", storage.ErrConfiguration, root)
	}

	return &LocalBackend{rootPath: root}, nil
}

// Root returns the absolute root directory.
func (b *LocalBackend) Root() string { return b.rootPath }

func (b *LocalBackend) keyLock(key string) *sync.RWMutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &b.locks[h.Sum32()%lockStripes]
}

// fullPath resolves key under the root and refuses anything that would escape it.
func (b *LocalBackend) fullPath(key string) (string, error) {
	if key == "" || storage.Namespace(key) == metaDir {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidKey, key)
	}
	p := filepath.Join(b.rootPath, filepath.FromSlash(key))
	rel, err := filepath.Rel(b.rootPath, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes root", storage.ErrInvalidKey, key)
	}
	return p, nil
}

func (b *LocalBackend) metaPath(key string) string {
	return filepath.Join(b.rootPath, metaDir, filepath.FromSlash(key)+".json")
}

type sidecar struct {
	ContentType string `json:"contentType"`
}

// Put writes content to a temp file in the target directory and renames it
// into place, so a partially written file is never visible under key.
func (b *LocalBackend) Put(ctx context.Context, key string, p storage.Payload, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	start := time.Now()
	info, err := b.put(ctx, key, p, opts)
	metrics.RecordStorageOperation(storage.TypeLocal, "put", time.Since(start), err == nil)
	if err != nil {
		metrics.RecordContentUpload(0, storage.SinglePut.String(), false)
		return nil, storage.NewBackendError(storage.TypeLocal, "put", key, err)
	}
	metrics.RecordContentUpload(info.Size, storage.SinglePut.String(), true)
	logging.Debug("local put object", zap.String("key", key), zap.Int64("size", info.Size))
	return info, nil
}

func (b *LocalBackend) put(ctx context.Context, key string, p storage.Payload, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	full, err := b.fullPath(key)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create dirs for %s: %w", key, err)
	}

	body, _, err := p.Open()
	if err != nil {
		return nil, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(dir, ".mediastore-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: body})
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("close temp for %s: %w", key, err)
	}
	metaTmp, err := b.stageMeta(key, opts.ContentType)
	if err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("stage sidecar for %s: %w", key, err)
	}

	mu := b.keyLock(key)
	mu.Lock()
	if err := os.Rename(tmpName, full); err != nil {
		mu.Unlock()
		os.Remove(tmpName)
		if metaTmp != "" {
			os.Remove(metaTmp)
		}
		return nil, fmt.Errorf("rename temp to %s: %w", key, err)
	}
	err = b.commitMeta(key, metaTmp)
	mu.Unlock()
	if err != nil {
		logging.Warn("content type sidecar not committed", zap.String("key", key), zap.Error(err))
	}

	ct := opts.ContentType
	if ct == "" {
		ct = defaultContentType(key)
	}
	return &storage.ObjectInfo{
		Key:          key,
		Size:         n,
		ContentType:  ct,
		LastModified: time.Now().UTC(),
	}, nil
}

// stageMeta writes the sidecar for contentType to a temp file next to its
// final location and returns the temp path, or "" when there is no type.
func (b *LocalBackend) stageMeta(key, contentType string) (string, error) {
	if contentType == "" {
		return "", nil
	}
	mp := b.metaPath(key)
	if err := os.MkdirAll(filepath.Dir(mp), 0755); err != nil {
		return "", err
	}
	data, err := json.Marshal(sidecar{ContentType: contentType})
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(mp), ".sidecar-*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// commitMeta moves a staged sidecar into place, or drops a stale one when
// nothing was staged. Callers hold the key's write lock.
func (b *LocalBackend) commitMeta(key, staged string) error {
	mp := b.metaPath(key)
	if staged == "" {
		if err := os.Remove(mp); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := os.Rename(staged, mp); err != nil {
		os.Remove(staged)
		return err
	}
	return nil
}

// contentType returns the declared type, else one derived from the extension.
// Callers hold the key's read lock.
func (b *LocalBackend) contentType(key string) string {
	if data, err := os.ReadFile(b.metaPath(key)); err == nil {
		var sc sidecar
		if json.Unmarshal(data, &sc) == nil && sc.ContentType != "" {
			return sc.ContentType
		}
	}
	return defaultContentType(key)
}

func defaultContentType(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Get reads a file from the local filesystem, bounded to rng when given.
func (b *LocalBackend) Get(_ context.Context, key string, rng *storage.ByteRange) (*storage.Object, error) {
	start := time.Now()
	obj, err := b.get(key, rng)
	metrics.RecordStorageOperation(storage.TypeLocal, "get", time.Since(start), err == nil)
	if err != nil {
		return nil, storage.NewBackendError(storage.TypeLocal, "get", key, err)
	}
	return obj, nil
}

func (b *LocalBackend) get(key string, rng *storage.ByteRange) (*storage.Object, error) {
	full, err := b.fullPath(key)
	if err != nil {
		return nil, err
	}
	mu := b.keyLock(key)
	mu.RLock()
	f, fi, ct, err := b.openLocked(key, full)
	mu.RUnlock()
	if err != nil {
		return nil, err
	}

	obj := &storage.Object{
		ObjectInfo: storage.ObjectInfo{
			Key:          key,
			Size:         fi.Size(),
			ContentType:  ct,
			LastModified: fi.ModTime().UTC(),
		},
		AcceptRanges: storage.AcceptRangesBytes,
	}

	if rng == nil {
		obj.Body = f
		obj.ContentLength = fi.Size()
		return obj, nil
	}

	spec, ok := rng.Resolve(fi.Size())
	if !ok {
		f.Close()
		return nil, fmt.Errorf("%w: %s against %d bytes", storage.ErrRangeUnsatisfiable, rng.Header(), fi.Size())
	}
	if _, err := f.Seek(spec.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek %s: %w", key, err)
	}

	obj.Body = &limitedReadCloser{
		Reader: io.LimitReader(f, spec.Length()),
		Closer: f,
	}
	obj.ContentLength = spec.Length()
	obj.ContentRange = spec.ContentRange()
	return obj, nil
}

// openLocked opens the data file and resolves its content type. The open
// descriptor keeps reading the same bytes after the key is overwritten.
func (b *LocalBackend) openLocked(key, full string) (*os.File, os.FileInfo, string, error) {
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, "", fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return nil, nil, "", fmt.Errorf("open %s: %w", key, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, "", fmt.Errorf("stat %s: %w", key, err)
	}
	if fi.IsDir() {
		f.Close()
		return nil, nil, "", fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return f, fi, b.contentType(key), nil
}

// Stat returns size, content type and modification time of a file.
func (b *LocalBackend) Stat(_ context.Context, key string) (*storage.ObjectInfo, error) {
	full, err := b.fullPath(key)
	if err != nil {
		return nil, err
	}
	mu := b.keyLock(key)
	mu.RLock()
	defer mu.RUnlock()
	fi, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return nil, storage.NewBackendError(storage.TypeLocal, "stat", key, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return &storage.ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		ContentType:  b.contentType(key),
		LastModified: fi.ModTime().UTC(),
	}, nil
}

// Delete removes a file and its sidecar. A missing file is not an error.
func (b *LocalBackend) Delete(_ context.Context, key string) error {
	start := time.Now()
	err := b.delete(key)
	metrics.RecordStorageOperation(storage.TypeLocal, "delete", time.Since(start), err == nil)
	return err
}

func (b *LocalBackend) delete(key string) error {
	full, err := b.fullPath(key)
	if err != nil {
		return err
	}
	mu := b.keyLock(key)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return storage.NewBackendError(storage.TypeLocal, "delete", key, err)
	}
	if err := os.Remove(b.metaPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Debug("sidecar not removed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return storage.TypeLocal }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}

// ctxReader stops a copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
