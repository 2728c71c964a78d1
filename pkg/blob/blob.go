package blob

import (
	"path"
	"strings"
	"time"

	"github.com/jacktea/mirrorstore/pkg/xerrors"
)

// DefaultACL is applied to remote objects when no ACL is configured.
const DefaultACL = "public-read"

// DefaultContentType is used when the content type cannot be guessed.
const DefaultContentType = "application/x-octet-stream"

// ObjectInfo describes a remote object.
type ObjectInfo struct {
	Name         string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// PutOptions controls remote object metadata written with the bytes.
type PutOptions struct {
	ACL         string
	ContentType string
	Headers     map[string]string
}

// CleanName normalizes a blob name and rejects names escaping the store root.
func CleanName(op, name string) (string, error) {
	trimmed := strings.TrimPrefix(strings.ReplaceAll(name, "\\", "/"), "/")
	if trimmed == "" {
		return "", xerrors.E(xerrors.KindInvalid, op, name)
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", xerrors.E(xerrors.KindInvalid, op, name)
	}
	return cleaned, nil
}
