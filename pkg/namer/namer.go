// Package namer derives the final blob name for a stored file.
//
// With hashing disabled the caller's name is kept. With hashing enabled the
// file part of the name is replaced by a hex content digest, so identical
// content saved under the same directory and extension always lands on the
// same name.
package namer

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"path"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/jacktea/mirrorstore/pkg/xerrors"
)

// Supported digest algorithms.
const (
	MD5    = "md5"
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

// Namer computes final blob names.
type Namer struct {
	hashed  bool
	newHash func() hash.Hash
}

// New returns a Namer. An empty algorithm selects MD5.
func New(hashed bool, algorithm string) (*Namer, error) {
	algorithm = strings.ToLower(strings.TrimSpace(algorithm))
	if algorithm == "" {
		algorithm = MD5
	}
	var fn func() hash.Hash
	switch algorithm {
	case MD5:
		fn = md5.New
	case SHA256:
		fn = sha256.New
	case BLAKE3:
		fn = func() hash.Hash { return blake3.New() }
	default:
		return nil, xerrors.E(xerrors.KindInvalid, "namer.New", algorithm)
	}
	return &Namer{hashed: hashed, newHash: fn}, nil
}

// Hashed reports whether content addressing is enabled.
func (n *Namer) Hashed() bool { return n.hashed }

// Name returns the final name for content stored as original. The content is
// read once and rewound to its start before Name returns.
func (n *Namer) Name(original string, content io.ReadSeeker) (string, error) {
	if !n.hashed {
		return original, nil
	}
	idx := strings.LastIndex(original, "/")
	if idx < 0 {
		return "", xerrors.E(xerrors.KindInvalid, "namer.Name", original)
	}
	dir, file := original[:idx], original[idx+1:]
	digest, err := n.Digest(content)
	if err != nil {
		return "", err
	}
	return dir + "/" + digest + path.Ext(file), nil
}

// Digest hashes content from its current position to EOF and rewinds it.
func (n *Namer) Digest(content io.ReadSeeker) (string, error) {
	h := n.newHash()
	if _, err := io.Copy(h, content); err != nil {
		return "", xerrors.Wrap(xerrors.KindInternal, "namer.Digest", "", err)
	}
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return "", xerrors.Wrap(xerrors.KindInternal, "namer.Digest", "", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
