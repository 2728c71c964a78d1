package reconcile

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"go.uber.org/zap/zaptest"

	"github.com/jacktea/mirrorstore/pkg/blob"
	"github.com/jacktea/mirrorstore/pkg/replication"
	"github.com/jacktea/mirrorstore/pkg/xerrors"
)

func TestSweepDispatchesMissingBlobs(t *testing.T) {
	ctx := context.Background()
	local, client := newStores(t, "media")
	for _, name := range []string{"a/1.txt", "a/2.txt", "b/3.txt"} {
		if _, err := local.Write(ctx, name, strings.NewReader(name)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	bucket, err := client.ResolveBucket(ctx, "media")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := bucket.Put(ctx, "a/2.txt", strings.NewReader("a/2.txt"), 7, blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	rec := &recorder{}
	s := NewSweeper(Options{
		Local:      local,
		Remote:     client,
		Bucket:     "media",
		Dispatcher: rec,
		Task:       taskFor(local),
		Logger:     zaptest.NewLogger(t),
	})
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 dispatches, got %d", n)
	}
	got := rec.names()
	if len(got) != 2 || got["a/2.txt"] {
		t.Fatalf("unexpected dispatched names %v", got)
	}
}

func TestSweepLimit(t *testing.T) {
	ctx := context.Background()
	local, client := newStores(t, "media")
	for _, name := range []string{"a/1.txt", "a/2.txt", "a/3.txt"} {
		if _, err := local.Write(ctx, name, strings.NewReader("x")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	rec := &recorder{}
	s := NewSweeper(Options{Local: local, Remote: client, Bucket: "media", Dispatcher: rec, Task: taskFor(local), Limit: 1})
	n, err := s.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one dispatch, got %d (%v)", n, err)
	}
}

func TestSweepMissingBucket(t *testing.T) {
	local, client := newStores(t)
	s := NewSweeper(Options{Local: local, Remote: client, Bucket: "media", Dispatcher: &recorder{}, Task: taskFor(local)})
	if _, err := s.Sweep(context.Background()); !xerrors.Is(err, xerrors.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSweepMissingDependencies(t *testing.T) {
	if _, err := NewSweeper(Options{}).Sweep(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStartStops(t *testing.T) {
	local, client := newStores(t, "media")
	rec := &recorder{}
	s := NewSweeper(Options{Local: local, Remote: client, Bucket: "media", Dispatcher: rec, Task: taskFor(local)})
	cancel := s.Start(context.Background(), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()
}

type recorder struct {
	mu    sync.Mutex
	tasks []replication.Descriptor
}

func (r *recorder) Dispatch(_ context.Context, d replication.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, d)
	return nil
}

func (r *recorder) names() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]bool{}
	for _, d := range r.tasks {
		out[d.Name] = true
	}
	return out
}

func taskFor(local *blob.LocalStore) func(string) replication.Descriptor {
	return func(name string) replication.Descriptor {
		return replication.NewDescriptor(name, local.Path(name), blob.DefaultACL, "media", replication.Credentials{AccessKey: "ak", SecretKey: "sk"}, nil)
	}
}

func newStores(t *testing.T, buckets ...string) (*blob.LocalStore, *blob.Client) {
	t.Helper()
	backend := s3mem.New()
	for _, b := range buckets {
		if err := backend.CreateBucket(b); err != nil {
			t.Fatalf("create bucket: %v", err)
		}
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("httptest listener unavailable: %v", err)
	}
	srv := httptest.NewUnstartedServer(gofakes3.New(backend).Server())
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	client, err := blob.NewClient(blob.ClientConfig{Endpoint: srv.URL, HTTPClient: srv.Client(), AccessKey: "ak", SecretKey: "sk"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	local, err := blob.NewLocalStoreFS(memfs.New(), "/srv/media")
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	return local, client
}
