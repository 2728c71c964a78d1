package storage

import (
	"context"
	"io"
	"os"
	"sync"

	billy "github.com/go-git/go-billy/v5"
	"go.uber.org/zap"

	"github.com/jacktea/mirrorstore/pkg/xerrors"
)

// Mode selects how a handle may be used.
type Mode int

const (
	ReadOnly Mode = iota
	WriteOnly
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case WriteOnly:
		return "w"
	case ReadWrite:
		return "rw"
	default:
		return "r"
	}
}

func (m Mode) writable() bool { return m == WriteOnly || m == ReadWrite }

func (m Mode) flag() int {
	switch m {
	case WriteOnly:
		return os.O_WRONLY | os.O_TRUNC
	case ReadWrite:
		return os.O_RDWR
	default:
		return os.O_RDONLY
	}
}

// File is an open blob handle.
type File interface {
	io.ReadWriteCloser
	Name() string
	// Size reports the handle's byte length and whether it is known yet. A
	// remote handle learns its size on first read.
	Size() (int64, bool)
}

// localFile passes through to the local copy. Writing marks it dirty and
// closing a dirty handle dispatches replication of the new bytes.
type localFile struct {
	r     *Resolver
	ctx   context.Context
	name  string
	mode  Mode
	file  billy.File
	dirty bool
}

func (f *localFile) Name() string { return f.name }

func (f *localFile) Read(p []byte) (int, error) {
	if f.file == nil {
		return 0, os.ErrClosed
	}
	if f.mode == WriteOnly {
		return 0, xerrors.E(xerrors.KindInvalid, "File.Read", f.name)
	}
	return f.file.Read(p)
}

func (f *localFile) Write(p []byte) (int, error) {
	if f.file == nil {
		return 0, os.ErrClosed
	}
	if !f.mode.writable() {
		return 0, xerrors.E(xerrors.KindReadOnly, "File.Write", f.name)
	}
	n, err := f.file.Write(p)
	if n > 0 {
		f.dirty = true
	}
	return n, err
}

func (f *localFile) Size() (int64, bool) {
	size, err := f.r.local.Size(f.ctx, f.name)
	if err != nil {
		return 0, false
	}
	return size, true
}

func (f *localFile) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "File.Close", f.name, err)
	}
	if !f.dirty {
		return nil
	}
	if derr := f.r.replicate(f.ctx, f.name); derr != nil {
		f.r.logger.Error("dispatch replication on close", zap.String("name", f.name), zap.Error(derr))
		if xerrors.Is(derr, xerrors.KindConfiguration) {
			return derr
		}
	}
	return nil
}

// remoteFile is backed by the remote object. The object is fetched in full on
// first read and writes are buffered until Close uploads them.
type remoteFile struct {
	r    *Resolver
	ctx  context.Context
	name string
	mode Mode

	mu     sync.Mutex
	data   []byte
	pos    int
	loaded bool
	dirty  bool
	closed bool
}

func (f *remoteFile) Name() string { return f.name }

func (f *remoteFile) Size() (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded && !f.dirty {
		return 0, false
	}
	return int64(len(f.data)), true
}

func (f *remoteFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.mode == WriteOnly {
		return 0, xerrors.E(xerrors.KindInvalid, "File.Read", f.name)
	}
	if err := f.load(); err != nil {
		return 0, err
	}
	if f.pos >= len(f.data) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.pos:])
	f.pos += n
	return n, nil
}

// Write appends p to the buffered object. In ReadWrite mode the existing
// remote bytes are fetched first; WriteOnly starts from an empty object.
func (f *remoteFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if !f.mode.writable() {
		return 0, xerrors.E(xerrors.KindReadOnly, "File.Write", f.name)
	}
	if f.mode == ReadWrite {
		if err := f.load(); err != nil && !xerrors.IsNotFound(err) {
			return 0, err
		}
	}
	f.loaded = true
	f.data = append(f.data, p...)
	f.dirty = true
	return len(p), nil
}

// Close uploads the buffer when it was written to. A failed upload keeps the
// handle open and its buffer intact so Close can be retried.
func (f *remoteFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	if f.dirty {
		if err := f.r.upload(f.ctx, f.name, f.data); err != nil {
			return err
		}
		f.dirty = false
	}
	f.closed = true
	return nil
}

func (f *remoteFile) load() error {
	if f.loaded {
		return nil
	}
	bucket, err := f.r.bucket(f.ctx)
	if err != nil {
		return err
	}
	rc, _, err := bucket.Get(f.ctx, f.name)
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "File.Read", f.name, err)
	}
	f.data = data
	f.loaded = true
	return nil
}
