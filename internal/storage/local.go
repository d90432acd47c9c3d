package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"atv.dev/internal/obs"
)

// Local stores blobs under a root directory, one subdirectory per document.
type Local struct {
	root string
	// allowDelete off turns Delete into a logged no-op, for environments
	// where files must be retained regardless of row deletion.
	allowDelete bool
}

var _ Storage = (*Local)(nil)

func NewLocal(root string, allowDelete bool) *Local {
	return &Local{root: root, allowDelete: allowDelete}
}

// resolve maps a key onto the root, rejecting traversal outside of it.
func (l *Local) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", ErrInvalidKey
	}
	return filepath.Join(l.root, clean), nil
}

func (l *Local) Save(ctx context.Context, key string, r io.Reader) (int64, error) {
	path, err := l.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		_ = os.Remove(path)
		return 0, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	return n, nil
}

func (l *Local) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

func (l *Local) Delete(ctx context.Context, key string) error {
	if !l.allowDelete {
		obs.LogJSON(map[string]any{"level": "info", "msg": "file deletion is disabled, keeping blob", "key": key})
		return nil
	}
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	// Drop the per-document directory once it is empty.
	_ = os.Remove(filepath.Dir(path))
	return nil
}
