// Package replication pushes locally written blobs to the remote bucket.
//
// A Descriptor is the unit of work. Running it is idempotent: the remote
// object is overwritten with the local bytes, so executing the same
// descriptor twice leaves the bucket exactly as executing it once.
package replication

import (
	"context"
	"mime"
	"path"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jacktea/mirrorstore/pkg/blob"
	"github.com/jacktea/mirrorstore/pkg/xerrors"
)

// Credentials authenticate against the remote store.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// Descriptor describes one replication task.
type Descriptor struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	LocalPath  string            `json:"local_path"`
	ACL        string            `json:"acl"`
	Bucket     string            `json:"bucket"`
	AccessKey  string            `json:"access_key"`
	SecretKey  string            `json:"secret_key"`
	Headers    map[string]string `json:"headers,omitempty"`
	Attempts   int               `json:"attempts"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	NotBefore  time.Time         `json:"not_before,omitempty"`
	LeaseUntil time.Time         `json:"lease_until,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
}

// NewDescriptor builds a descriptor with a fresh ID.
func NewDescriptor(name, localPath, acl, bucket string, creds Credentials, headers map[string]string) Descriptor {
	var hdr map[string]string
	if len(headers) > 0 {
		hdr = make(map[string]string, len(headers))
		for k, v := range headers {
			hdr[k] = v
		}
	}
	return Descriptor{
		ID:         uuid.NewString(),
		Name:       name,
		LocalPath:  localPath,
		ACL:        acl,
		Bucket:     bucket,
		AccessKey:  creds.AccessKey,
		SecretKey:  creds.SecretKey,
		Headers:    hdr,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Credentials returns the descriptor's credentials.
func (d Descriptor) Credentials() Credentials {
	return Credentials{AccessKey: d.AccessKey, SecretKey: d.SecretKey}
}

// Validate checks the fields every push needs.
func (d Descriptor) Validate() error {
	switch {
	case d.Name == "":
		return xerrors.E(xerrors.KindInvalid, "Descriptor.Validate", "name")
	case d.LocalPath == "":
		return xerrors.E(xerrors.KindInvalid, "Descriptor.Validate", "local_path")
	case d.Bucket == "":
		return xerrors.E(xerrors.KindInvalid, "Descriptor.Validate", "bucket")
	}
	return nil
}

// ContentType guesses a MIME type from the name's extension.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return blob.DefaultContentType
}

// Retriable reports whether a failed push may succeed when run again.
// Configuration problems, bad descriptors and vanished local files are final.
func Retriable(err error) bool {
	switch xerrors.KindOf(err) {
	case xerrors.KindConfiguration, xerrors.KindInvalid, xerrors.KindNotFound:
		return false
	}
	return err != nil
}

// Connector builds a remote client for a set of credentials.
type Connector func(Credentials) (*blob.Client, error)

// Pusher executes descriptors.
type Pusher struct {
	connect Connector
	source  billy.Filesystem
	logger  *zap.Logger
}

// NewPusher returns a Pusher reading local files from source.
func NewPusher(connect Connector, source billy.Filesystem, logger *zap.Logger) *Pusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pusher{connect: connect, source: source, logger: logger}
}

// Push uploads the local file named by d to the remote bucket.
func (p *Pusher) Push(ctx context.Context, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	client, err := p.connect(d.Credentials())
	if err != nil {
		return xerrors.Wrap(xerrors.KindConfiguration, "Pusher.connect", d.Bucket, err)
	}
	bucket, err := client.ResolveBucket(ctx, d.Bucket)
	if err != nil {
		return classify("Pusher.bucket", d.Bucket, err)
	}
	f, err := p.source.Open(d.LocalPath)
	if err != nil {
		kind := xerrors.KindReplication
		if xerrors.IsNotFound(err) {
			kind = xerrors.KindNotFound
		}
		return xerrors.Wrap(kind, "Pusher.open", d.LocalPath, err)
	}
	defer f.Close()
	var size int64
	if info, err := p.source.Stat(d.LocalPath); err == nil {
		size = info.Size()
	}
	opts := blob.PutOptions{ACL: d.ACL, ContentType: ContentType(d.Name), Headers: d.Headers}
	if err := bucket.Put(ctx, d.Name, f, size, opts); err != nil {
		return classify("Pusher.put", d.Name, err)
	}
	p.logger.Debug("replicated blob",
		zap.String("name", d.Name),
		zap.String("bucket", d.Bucket),
		zap.Int64("size", size),
		zap.String("content_type", opts.ContentType))
	return nil
}

func classify(op, target string, err error) error {
	if xerrors.Is(err, xerrors.KindConfiguration) {
		return err
	}
	return xerrors.Wrap(xerrors.KindReplication, op, target, err)
}
