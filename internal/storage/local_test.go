package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalRoundTrip(t *testing.T) {
	l := NewLocal(t.TempDir(), true)
	ctx := context.Background()

	key := NewKey("doc-1", "report.pdf")
	n, err := l.Save(ctx, key, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if n != 5 {
		t.Fatalf("size = %d, want 5", n)
	}

	rc, err := l.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("content = %q", data)
	}
}

func TestLocalDelete(t *testing.T) {
	root := t.TempDir()
	l := NewLocal(root, true)
	ctx := context.Background()

	key := NewKey("doc-1", "a.txt")
	if _, err := l.Save(ctx, key, strings.NewReader("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := l.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := l.Open(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open after delete: %v", err)
	}
	// Deleting again is not an error.
	if err := l.Delete(ctx, key); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestLocalDeleteDisabled(t *testing.T) {
	root := t.TempDir()
	l := NewLocal(root, false)
	ctx := context.Background()

	key := NewKey("doc-1", "a.txt")
	if _, err := l.Save(ctx, key, strings.NewReader("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := l.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := l.Open(ctx, key); err != nil {
		t.Fatalf("blob should survive disabled deletion: %v", err)
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	l := NewLocal(root, true)
	ctx := context.Background()

	for _, key := range []string{"../escape", "..", "/abs/path", "doc/../../escape"} {
		if _, err := l.Save(ctx, key, strings.NewReader("x")); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Save(%q) err = %v, want ErrInvalidKey", key, err)
		}
	}
	entries, err := os.ReadDir(filepath.Dir(root))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if e.Name() == "escape" {
			t.Fatal("traversal escaped the root")
		}
	}
}

func TestNewKeySanitizesFilename(t *testing.T) {
	key := NewKey("doc-1", "../../etc/passwd")
	if strings.Contains(key, "..") {
		t.Fatalf("key contains traversal: %q", key)
	}
	if !strings.HasPrefix(key, "doc-1/") {
		t.Fatalf("key not grouped by document: %q", key)
	}
	if !strings.HasSuffix(key, "_passwd") {
		t.Fatalf("key lost filename: %q", key)
	}

	if got := NewKey("doc-1", ""); !strings.HasSuffix(got, "_file") {
		t.Fatalf("empty filename key = %q", got)
	}
}
