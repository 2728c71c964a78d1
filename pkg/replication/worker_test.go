package replication

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/jacktea/mirrorstore/pkg/metrics"
)

func TestWorkerDrainPushesQueuedTasks(t *testing.T) {
	ctx := context.Background()
	env := newPushEnv(t, "media")
	q := openTestQueue(t)
	for _, name := range []string{"a/1.txt", "a/2.txt", "a/3.txt"} {
		env.writeLocal(t, name, "body of "+name)
		if err := q.Enqueue(ctx, env.descriptor(name)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	w := NewWorker(q, env.pusher, WorkerConfig{Concurrency: 2}, zaptest.NewLogger(t), metrics.New(nil))
	n, err := w.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 tasks processed, got %d", n)
	}
	for _, name := range []string{"a/1.txt", "a/2.txt", "a/3.txt"} {
		obj, err := env.backend.GetObject("media", name, nil)
		if err != nil {
			t.Fatalf("remote %s: %v", name, err)
		}
		body, _ := io.ReadAll(obj.Contents)
		obj.Contents.Close()
		if string(body) != "body of "+name {
			t.Fatalf("unexpected body for %s: %q", name, body)
		}
	}
	if st := w.Stats(); st.Pushed != 3 || st.Buried != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if pending, _ := q.Len(); pending != 0 {
		t.Fatalf("expected empty queue, got %d", pending)
	}
}

func TestWorkerBuriesConfigurationErrors(t *testing.T) {
	ctx := context.Background()
	env := newPushEnv(t) // no bucket
	q := openTestQueue(t)
	env.writeLocal(t, "a/b.txt", "x")
	if err := q.Enqueue(ctx, env.descriptor("a/b.txt")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	m := metrics.New(nil)
	w := NewWorker(q, env.pusher, WorkerConfig{MaxAttempts: 5}, zaptest.NewLogger(t), m)
	if _, err := w.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	dead, _ := q.Dead(ctx)
	if len(dead) != 1 {
		t.Fatalf("expected task buried after first failure, got %d dead", len(dead))
	}
	if st := w.Stats(); st.Retried != 0 || st.Buried != 1 || st.LastError == "" {
		t.Fatalf("unexpected stats %+v", st)
	}
	if n, err := testutil.GatherAndCount(m.Registry(), "mirrorstore_replication_tasks_total"); err != nil || n != 1 {
		t.Fatalf("expected one replication series, got %d (%v)", n, err)
	}
}

func TestWorkerRetriesThenBuries(t *testing.T) {
	ctx := context.Background()
	env := newPushEnv(t)
	unavailable := newHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	env.pusher = NewPusher(connectTo(unavailable), env.fs, zaptest.NewLogger(t))
	env.writeLocal(t, "a/b.txt", "x")
	if err := env.pusher.Push(ctx, env.descriptor("a/b.txt")); !Retriable(err) {
		t.Fatalf("expected retriable error, got %v", err)
	}

	q := openTestQueue(t)
	if err := q.Enqueue(ctx, env.descriptor("a/b.txt")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWorker(q, env.pusher, WorkerConfig{MaxAttempts: 2, Backoff: time.Second}, zaptest.NewLogger(t), nil)
	w.now = func() time.Time { return clock }

	if _, err := w.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if st := w.Stats(); st.Retried != 1 || st.Buried != 0 {
		t.Fatalf("expected one retry, got %+v", st)
	}
	clock = clock.Add(time.Hour)
	if _, err := w.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	dead, _ := q.Dead(ctx)
	if len(dead) != 1 || dead[0].Attempts != 2 {
		t.Fatalf("expected task buried after two attempts, got %+v", dead)
	}
}

func TestWorkerStartStop(t *testing.T) {
	env := newPushEnv(t, "media")
	q := openTestQueue(t)
	env.writeLocal(t, "a/b.txt", "async")
	w := NewWorker(q, env.pusher, WorkerConfig{PollInterval: 10 * time.Millisecond}, zaptest.NewLogger(t), nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := q.Enqueue(context.Background(), env.descriptor("a/b.txt")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for w.Stats().Pushed == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("worker did not push task")
		}
		time.Sleep(10 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if w.Stats().Running {
		t.Fatalf("worker still running after stop")
	}
}

func TestWorkerConsumesOtherProducers(t *testing.T) {
	env := newPushEnv(t, "media")
	path := filepath.Join(t.TempDir(), "queue.db")
	workerQueue, err := OpenQueue(QueueConfig{Path: path, NoSync: true})
	if err != nil {
		t.Fatalf("open worker queue: %v", err)
	}
	defer workerQueue.Close()
	w := NewWorker(workerQueue, env.pusher, WorkerConfig{PollInterval: 10 * time.Millisecond}, zaptest.NewLogger(t), nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(context.Background())

	// A second handle stands in for a put in another process.
	producer, err := OpenQueue(QueueConfig{Path: path, NoSync: true, Timeout: time.Second})
	if err != nil {
		t.Fatalf("open producer while worker runs: %v", err)
	}
	defer producer.Close()
	for _, name := range []string{"p/1.txt", "p/2.txt"} {
		env.writeLocal(t, name, name)
		if err := producer.Enqueue(context.Background(), env.descriptor(name)); err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for w.Stats().Pushed < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("worker pushed %d of 2 produced tasks", w.Stats().Pushed)
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, name := range []string{"p/1.txt", "p/2.txt"} {
		if _, err := env.backend.HeadObject("media", name); err != nil {
			t.Fatalf("remote %s: %v", name, err)
		}
	}
}

func TestWorkerBackoffCapped(t *testing.T) {
	w := NewWorker(nil, nil, WorkerConfig{Backoff: time.Second}, nil, nil)
	if got := w.backoff(0); got != time.Second {
		t.Fatalf("expected 1s, got %v", got)
	}
	if got := w.backoff(3); got != 8*time.Second {
		t.Fatalf("expected 8s, got %v", got)
	}
	if got := w.backoff(20); got != time.Minute {
		t.Fatalf("expected cap of 1m, got %v", got)
	}
}
