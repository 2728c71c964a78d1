// Package storage resolves named blobs across the local disk, the remote
// bucket and the URL cache.
//
// Writes always land on local disk first; a replication task then mirrors
// the bytes to the bucket. Reads prefer the local copy, URLs prefer the
// bucket and fall back to the backup media prefix while replication is
// pending.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jacktea/mirrorstore/pkg/blob"
	"github.com/jacktea/mirrorstore/pkg/metrics"
	"github.com/jacktea/mirrorstore/pkg/namer"
	"github.com/jacktea/mirrorstore/pkg/replication"
	"github.com/jacktea/mirrorstore/pkg/xerrors"
)

// URLCache memoizes public URLs by blob name.
type URLCache interface {
	Get(name string) (string, bool)
	Set(name, url string)
	Delete(name string)
}

// Deps are the collaborators a Resolver is built from.
type Deps struct {
	Local      *blob.LocalStore
	Remote     *blob.Client
	Cache      URLCache
	Dispatcher replication.Dispatcher
	// Namer defaults to one derived from Config.HashedNames/HashAlgorithm.
	Namer   *namer.Namer
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Resolver is the storage facade. It holds no mutable state of its own and
// is safe for concurrent use.
type Resolver struct {
	cfg        Config
	local      *blob.LocalStore
	remote     *blob.Client
	cache      URLCache
	dispatcher replication.Dispatcher
	namer      *namer.Namer
	logger     *zap.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

// New validates cfg and wires the resolver.
func New(cfg Config, deps Deps) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Local == nil {
		return nil, fmt.Errorf("storage: local store required")
	}
	if deps.Remote == nil {
		return nil, fmt.Errorf("storage: remote client required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("storage: replication dispatcher required")
	}
	if cfg.ACL == "" {
		cfg.ACL = blob.DefaultACL
	}
	cfg.Headers = cfg.headers()
	n := deps.Namer
	if n == nil {
		var err error
		if n, err = namer.New(cfg.HashedNames, cfg.HashAlgorithm); err != nil {
			return nil, err
		}
	}
	cache := deps.Cache
	if cache == nil {
		cache = noCache{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cfg:        cfg,
		local:      deps.Local,
		remote:     deps.Remote,
		cache:      cache,
		dispatcher: deps.Dispatcher,
		namer:      n,
		logger:     logger,
		metrics:    deps.Metrics,
		tracer:     otel.Tracer("mirrorstore/storage"),
	}, nil
}

// Config returns the resolver configuration.
func (r *Resolver) Config() Config {
	out := r.cfg
	out.Headers = r.cfg.headers()
	return out
}

// Save writes content locally under the final name (hashed when enabled),
// dispatches its replication and returns the final name. A replication
// dispatch failure is logged; only configuration failures are returned, and
// then alongside the name since the local write already succeeded.
func (r *Resolver) Save(ctx context.Context, name string, content io.Reader) (final string, err error) {
	ctx, done := r.begin(ctx, "save", name)
	defer func() { done(err) }()

	if name, err = canonical("Resolver.Save", name); err != nil {
		return "", err
	}
	body, err := readSeeker(content)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindInternal, "Resolver.Save", name, err)
	}
	final, err = r.namer.Name(name, body)
	if err != nil {
		return "", err
	}
	if r.namer.Hashed() {
		if err := r.local.Delete(ctx, final); err != nil && !xerrors.IsNotFound(err) {
			return "", err
		}
	}
	if _, err := r.local.Write(ctx, final, body); err != nil {
		return "", err
	}
	d := r.Task(final)
	if derr := r.dispatcher.Dispatch(ctx, d); derr != nil {
		r.logger.Error("dispatch replication",
			zap.String("name", final),
			zap.String("task", d.ID),
			zap.Error(derr))
		if xerrors.Is(derr, xerrors.KindConfiguration) {
			return final, derr
		}
	}
	return final, nil
}

// Open returns a handle on name. A local copy is opened directly; otherwise
// the handle is backed by the remote object.
func (r *Resolver) Open(ctx context.Context, name string, mode Mode) (f File, err error) {
	ctx, done := r.begin(ctx, "open", name)
	defer func() { done(err) }()

	if name, err = canonical("Resolver.Open", name); err != nil {
		return nil, err
	}
	lf, err := r.local.OpenFile(ctx, name, mode.flag())
	if err == nil {
		return &localFile{r: r, ctx: ctx, name: name, mode: mode, file: lf}, nil
	}
	if !xerrors.IsNotFound(err) {
		return nil, err
	}
	return &remoteFile{r: r, ctx: ctx, name: name, mode: mode}, nil
}

// Delete removes name locally and remotely. Absence in either place is not an
// error; failing to resolve the bucket is.
func (r *Resolver) Delete(ctx context.Context, name string) (err error) {
	ctx, done := r.begin(ctx, "delete", name)
	defer func() { done(err) }()

	if name, err = canonical("Resolver.Delete", name); err != nil {
		return err
	}
	if err := r.local.Delete(ctx, name); err != nil && !xerrors.IsNotFound(err) {
		return err
	}
	r.cache.Delete(name)
	bucket, err := r.bucket(ctx)
	if err != nil {
		return err
	}
	return bucket.Delete(ctx, name)
}

// ExistsRemote reports whether the bucket holds name. Any failure, including
// an unreachable or misconfigured bucket, reads as false.
func (r *Resolver) ExistsRemote(ctx context.Context, name string) bool {
	var err error
	ctx, done := r.begin(ctx, "exists_remote", name)
	defer func() { done(err) }()

	if name, err = canonical("Resolver.ExistsRemote", name); err != nil {
		return false
	}
	bucket, err := r.bucket(ctx)
	if err != nil {
		r.logger.Debug("exists_remote: bucket", zap.String("name", name), zap.Error(err))
		return false
	}
	ok, err := bucket.Exists(ctx, name)
	if err != nil {
		r.logger.Debug("exists_remote: lookup", zap.String("name", name), zap.Error(err))
		return false
	}
	return ok
}

// Exists reports whether name is present on local disk.
func (r *Resolver) Exists(ctx context.Context, name string) (bool, error) {
	name, err := canonical("Resolver.Exists", name)
	if err != nil {
		return false, err
	}
	return r.local.Exists(ctx, name)
}

// Size returns the local size of name, or the remote size when there is no
// local copy.
func (r *Resolver) Size(ctx context.Context, name string) (size int64, err error) {
	ctx, done := r.begin(ctx, "size", name)
	defer func() { done(err) }()

	if name, err = canonical("Resolver.Size", name); err != nil {
		return 0, err
	}
	size, err = r.local.Size(ctx, name)
	if err == nil || !xerrors.IsNotFound(err) {
		return size, err
	}
	bucket, err := r.bucket(ctx)
	if err != nil {
		return 0, err
	}
	return bucket.Size(ctx, name)
}

// URL returns the public URL of name. Replicated objects get a plain-HTTP
// bucket URL (aliased by the client when a custom domain is set), which is
// cached; objects the bucket does not have yet get the backup media URL.
func (r *Resolver) URL(ctx context.Context, name string) (u string, err error) {
	ctx, done := r.begin(ctx, "url", name)
	defer func() { done(err) }()

	if name, err = canonical("Resolver.URL", name); err != nil {
		return "", err
	}
	if cached, ok := r.cache.Get(name); ok {
		r.metrics.ObserveURL(metrics.SourceCache)
		return cached, nil
	}
	bucket, err := r.bucket(ctx)
	if err != nil {
		return "", err
	}
	found, err := bucket.Exists(ctx, name)
	if err != nil {
		return "", err
	}
	if !found {
		r.metrics.ObserveURL(metrics.SourceBackup)
		return r.backupURL(name), nil
	}
	u = bucket.PublicURL(name, false)
	r.cache.Set(name, u)
	r.metrics.ObserveURL(metrics.SourceRemote)
	return u, nil
}

// Path returns the local filesystem path of name.
func (r *Resolver) Path(name string) string {
	return r.local.Path(canonicalOrRaw(name))
}

// LocalURL returns the media URL name would be served from locally.
func (r *Resolver) LocalURL(name string) string {
	return strings.TrimSuffix(r.cfg.MediaURL, "/") + "/" + escapePath(canonicalOrRaw(name))
}

func (r *Resolver) backupURL(name string) string {
	return strings.Replace(r.LocalURL(name), strings.TrimSuffix(r.cfg.MediaURL, "/"), strings.TrimSuffix(r.cfg.BackupMediaURL, "/"), 1)
}

func (r *Resolver) bucket(ctx context.Context) (*blob.Bucket, error) {
	return r.remote.ResolveBucket(ctx, r.cfg.Bucket)
}

func (r *Resolver) upload(ctx context.Context, name string, data []byte) error {
	bucket, err := r.bucket(ctx)
	if err != nil {
		return err
	}
	return bucket.Put(ctx, name, bytes.NewReader(data), int64(len(data)), blob.PutOptions{
		ACL:         r.cfg.ACL,
		ContentType: replication.ContentType(name),
		Headers:     r.cfg.Headers,
	})
}

// Dispatcher returns the replication dispatcher the resolver was built with.
func (r *Resolver) Dispatcher() replication.Dispatcher { return r.dispatcher }

// Task builds the replication descriptor for the local copy of name.
func (r *Resolver) Task(name string) replication.Descriptor {
	name = canonicalOrRaw(name)
	return replication.NewDescriptor(name, r.local.Path(name), r.cfg.ACL, r.cfg.Bucket, r.cfg.Credentials(), r.cfg.Headers)
}

func (r *Resolver) replicate(ctx context.Context, name string) error {
	return r.dispatcher.Dispatch(ctx, r.Task(name))
}

// begin opens a span for op and returns a completion func that records the
// outcome on the span and in metrics.
func (r *Resolver) begin(ctx context.Context, op, name string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "storage."+op, trace.WithAttributes(
		attribute.String("blob.name", name),
		attribute.String("blob.bucket", r.cfg.Bucket),
	))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.metrics.ObserveOp(op, err, time.Since(start))
	}
}

// canonical maps name to the single form used as local path, remote key and
// cache key, so "a//b" and "a/./b" address the same blob as "a/b".
func canonical(op, name string) (string, error) {
	return blob.CleanName(op, name)
}

func canonicalOrRaw(name string) string {
	if clean, err := blob.CleanName("", name); err == nil {
		return clean
	}
	return name
}

func readSeeker(r io.Reader) (io.ReadSeeker, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		return rs, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

func escapePath(name string) string {
	parts := strings.Split(strings.TrimPrefix(name, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

type noCache struct{}

func (noCache) Get(string) (string, bool) { return "", false }
func (noCache) Set(string, string)        {}
func (noCache) Delete(string)             {}
