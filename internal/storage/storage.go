// Package storage holds attachment blobs behind a small interface so the
// API layer does not care whether files land on local disk or in an object
// store. Keys are opaque to callers; NewKey produces collision-free ones.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"

	"atv.dev/internal/ids"
)

var (
	ErrNotFound   = errors.New("storage: not found")
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Storage persists attachment blobs under caller-provided keys.
type Storage interface {
	Save(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the blob. Deleting a missing blob is not an error;
	// the row it backed may have been removed in an earlier, interrupted
	// attempt.
	Delete(ctx context.Context, key string) error
}

// NewKey builds a storage key for an attachment, grouped by document.
func NewKey(documentID, filename string) string {
	return documentID + "/" + ids.New() + "_" + sanitizeFilename(filename)
}

func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}
