package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"

	"github.com/jacktea/mirrorstore/pkg/xerrors"
)

func TestLocalStoreWriteRead(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStoreFS(memfs.New(), "/media")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	n, err := store.Write(ctx, "avatars/a.png", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes written, got %d", n)
	}
	data, err := store.Read(ctx, "avatars/a.png")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected content %q", data)
	}
	size, err := store.Size(ctx, "avatars/a.png")
	if err != nil || size != 5 {
		t.Fatalf("size = %d, %v", size, err)
	}
	if ok, err := store.Exists(ctx, "avatars/a.png"); err != nil || !ok {
		t.Fatalf("expected blob to exist, ok=%v err=%v", ok, err)
	}
}

func TestLocalStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	store, _ := NewLocalStoreFS(memfs.New(), "/media")
	store.Write(ctx, "docs/x.txt", strings.NewReader("a longer first version"))
	store.Write(ctx, "docs/x.txt", strings.NewReader("v2"))
	data, err := store.Read(ctx, "docs/x.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "v2" {
		t.Fatalf("expected overwrite, got %q", data)
	}
	entries, err := store.Filesystem().ReadDir("/media/docs")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the final file, found %d entries", len(entries))
	}
}

func TestLocalStoreMisses(t *testing.T) {
	ctx := context.Background()
	store, _ := NewLocalStoreFS(memfs.New(), "/media")
	if _, err := store.Read(ctx, "nope/a.txt"); !xerrors.IsNotFound(err) {
		t.Fatalf("read: expected not found, got %v", err)
	}
	if _, err := store.Size(ctx, "nope/a.txt"); !xerrors.IsNotFound(err) {
		t.Fatalf("size: expected not found, got %v", err)
	}
	if err := store.Delete(ctx, "nope/a.txt"); !xerrors.IsNotFound(err) {
		t.Fatalf("delete: expected not found, got %v", err)
	}
	if ok, err := store.Exists(ctx, "nope/a.txt"); err != nil || ok {
		t.Fatalf("exists: ok=%v err=%v", ok, err)
	}
}

func TestLocalStoreDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := NewLocalStoreFS(memfs.New(), "/media")
	store.Write(ctx, "a/b.bin", strings.NewReader("x"))
	if err := store.Delete(ctx, "a/b.bin"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Read(ctx, "a/b.bin"); !xerrors.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestLocalStoreRejectsEscapingNames(t *testing.T) {
	ctx := context.Background()
	store, _ := NewLocalStoreFS(memfs.New(), "/media")
	for _, name := range []string{"", "../etc/passwd", "a/../../b", "."} {
		if _, err := store.Write(ctx, name, strings.NewReader("x")); !xerrors.Is(err, xerrors.KindInvalid) {
			t.Fatalf("write %q: expected invalid error, got %v", name, err)
		}
	}
}

func TestLocalStoreOnDisk(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewLocalStore(root)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Write(ctx, "avatars/a.png", strings.NewReader("disk")); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := filepath.Join(root, "avatars", "a.png")
	if store.Path("avatars/a.png") != want {
		t.Fatalf("Path() = %q, want %q", store.Path("avatars/a.png"), want)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("expected file at %s: %v", want, err)
	}
	if string(data) != "disk" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestLocalStoreWalk(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStoreFS(memfs.New(), "/media")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, name := range []string{"a.txt", "avatars/b.png", "avatars/deep/c.png"} {
		if _, err := store.Write(ctx, name, strings.NewReader(name)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	// A leftover temp file from an interrupted upload.
	if f, err := store.Filesystem().TempFile("/media/avatars", uploadPrefix); err == nil {
		f.Close()
	}
	seen := map[string]int64{}
	err = store.Walk(ctx, func(name string, size int64) error {
		seen[name] = size
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 blobs, got %v", seen)
	}
	if seen["avatars/deep/c.png"] != int64(len("avatars/deep/c.png")) {
		t.Fatalf("unexpected size for nested blob: %v", seen)
	}
}
