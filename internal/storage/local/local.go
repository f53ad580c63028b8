// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fruitsalade/fruitdrive/internal/metrics"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// LocalBackend stores each object as one file under rootPath.
type LocalBackend struct {
	rootPath string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &LocalBackend{rootPath: cfg.RootPath}, nil
}

// fullPath maps a key to a path under the root. Keys are flat names; anything
// that could escape the root is rejected.
func (b *LocalBackend) fullPath(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(b.rootPath, key), nil
}

// GetObject opens a stored file.
func (b *LocalBackend) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()
	path, err := b.fullPath(key)
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", key, fs.ErrNotExist)
	}

	f, err := os.Open(path)
	if err != nil {
		metrics.RecordBlobOperation("local", "get", time.Since(start), false)
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		metrics.RecordBlobOperation("local", "get", time.Since(start), false)
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}

	metrics.RecordBlobOperation("local", "get", time.Since(start), true)
	return f, info.Size(), nil
}

// PutObject writes content atomically: a temp file is renamed into place
// only after the full body has been written.
func (b *LocalBackend) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	start := time.Now()
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.rootPath, ".fruitdrive-*.tmp")
	if err != nil {
		metrics.RecordBlobOperation("local", "put", time.Since(start), false)
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.RecordBlobOperation("local", "put", time.Since(start), false)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		metrics.RecordBlobOperation("local", "put", time.Since(start), false)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		metrics.RecordBlobOperation("local", "put", time.Since(start), false)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}

	metrics.RecordBlobOperation("local", "put", time.Since(start), true)
	return nil
}

// DeleteObject removes a stored file. A missing file is not an error.
func (b *LocalBackend) DeleteObject(_ context.Context, key string) error {
	start := time.Now()
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		metrics.RecordBlobOperation("local", "delete", time.Since(start), false)
		return fmt.Errorf("delete %s: %w", key, err)
	}
	metrics.RecordBlobOperation("local", "delete", time.Since(start), true)
	return nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }
