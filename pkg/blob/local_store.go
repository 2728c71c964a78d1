package blob

import (
	"context"
	"io"
	"os"
	"path"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/jacktea/mirrorstore/pkg/xerrors"
)

const uploadPrefix = ".upload-"

// LocalStore persists named blobs on a local filesystem. It is the system of
// record for blobs that are written but not yet replicated.
type LocalStore struct {
	fs   billy.Filesystem
	root string
}

// NewLocalStore returns a LocalStore writing under root on the host filesystem.
func NewLocalStore(root string) (*LocalStore, error) {
	return NewLocalStoreFS(osfs.New("/"), root)
}

// NewLocalStoreFS returns a LocalStore writing under root on filesystem.
func NewLocalStoreFS(filesystem billy.Filesystem, root string) (*LocalStore, error) {
	if filesystem == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "LocalStore", "filesystem")
	}
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "LocalStore", "root")
	}
	if err := filesystem.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "LocalStore.mkdir", root, err)
	}
	return &LocalStore{fs: filesystem, root: root}, nil
}

// Filesystem exposes the underlying filesystem. Replication workers open
// Path(name) on it.
func (l *LocalStore) Filesystem() billy.Filesystem { return l.fs }

// Path returns the filesystem path for name.
func (l *LocalStore) Path(name string) string {
	return l.fs.Join(l.root, name)
}

// Write stores r under name, replacing any previous content. Bytes land in a
// temporary file first and are renamed into place.
func (l *LocalStore) Write(ctx context.Context, name string, r io.Reader) (int64, error) {
	name, err := CleanName("LocalStore.Write", name)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	finalPath := l.Path(name)
	dir := l.fs.Join(l.root, path.Dir(name))
	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, "LocalStore.mkdir", dir, err)
	}
	tmp, err := l.fs.TempFile(dir, uploadPrefix)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, "LocalStore.Write", name, err)
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		l.fs.Remove(tmpName)
		return 0, xerrors.Wrap(xerrors.KindInternal, "LocalStore.Write", name, err)
	}
	if syncer, ok := tmp.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			tmp.Close()
			l.fs.Remove(tmpName)
			return 0, xerrors.Wrap(xerrors.KindInternal, "LocalStore.sync", name, err)
		}
	}
	if err := tmp.Close(); err != nil {
		l.fs.Remove(tmpName)
		return 0, xerrors.Wrap(xerrors.KindInternal, "LocalStore.close", name, err)
	}
	if err := l.fs.Rename(tmpName, finalPath); err != nil {
		l.fs.Remove(tmpName)
		return 0, xerrors.Wrap(xerrors.KindInternal, "LocalStore.rename", name, err)
	}
	return n, nil
}

// Open opens name for reading.
func (l *LocalStore) Open(ctx context.Context, name string) (billy.File, error) {
	return l.OpenFile(ctx, name, os.O_RDONLY)
}

// OpenFile opens name with the given os flags.
func (l *LocalStore) OpenFile(ctx context.Context, name string, flag int) (billy.File, error) {
	name, err := CleanName("LocalStore.Open", name)
	if err != nil {
		return nil, err
	}
	f, err := l.fs.OpenFile(l.Path(name), flag, 0o644)
	if err != nil {
		return nil, classify("LocalStore.Open", name, err)
	}
	return f, nil
}

// Read returns the full content stored under name.
func (l *LocalStore) Read(ctx context.Context, name string) ([]byte, error) {
	f, err := l.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "LocalStore.Read", name, err)
	}
	return data, nil
}

// Delete removes name. A missing blob yields a KindNotFound error.
func (l *LocalStore) Delete(ctx context.Context, name string) error {
	name, err := CleanName("LocalStore.Delete", name)
	if err != nil {
		return err
	}
	if err := l.fs.Remove(l.Path(name)); err != nil {
		return classify("LocalStore.Delete", name, err)
	}
	return nil
}

// Size returns the byte length of name.
func (l *LocalStore) Size(ctx context.Context, name string) (int64, error) {
	name, err := CleanName("LocalStore.Size", name)
	if err != nil {
		return 0, err
	}
	info, err := l.fs.Stat(l.Path(name))
	if err != nil {
		return 0, classify("LocalStore.Size", name, err)
	}
	if info.IsDir() {
		return 0, xerrors.E(xerrors.KindNotFound, "LocalStore.Size", name)
	}
	return info.Size(), nil
}

// Exists reports whether name is stored locally.
func (l *LocalStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := l.Size(ctx, name)
	if err == nil {
		return true, nil
	}
	if xerrors.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// Walk calls fn for every stored blob. In-progress uploads
// are skipped. Returning an error from fn stops the walk.
func (l *LocalStore) Walk(ctx context.Context, fn func(name string, size int64) error) error {
	return l.walk(ctx, "", fn)
}

func (l *LocalStore) walk(ctx context.Context, dir string, fn func(string, int64) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := l.fs.ReadDir(l.fs.Join(l.root, dir))
	if err != nil {
		return classify("LocalStore.Walk", dir, err)
	}
	for _, e := range entries {
		name := path.Join(dir, e.Name())
		if e.IsDir() {
			if err := l.walk(ctx, name, fn); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(e.Name(), uploadPrefix) {
			continue
		}
		if err := fn(name, e.Size()); err != nil {
			return err
		}
	}
	return nil
}

func classify(op, name string, err error) error {
	if os.IsNotExist(err) || xerrors.KindOf(err) == xerrors.KindNotFound {
		return xerrors.Wrap(xerrors.KindNotFound, op, name, err)
	}
	return xerrors.Wrap(xerrors.KindInternal, op, name, err)
}
