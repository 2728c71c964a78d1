package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOp(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveOp("save", nil, time.Millisecond)
	m.ObserveOp("save", nil, time.Millisecond)
	m.ObserveOp("save", errors.New("boom"), time.Millisecond)
	if got := testutil.ToFloat64(m.ops.WithLabelValues("save", "ok")); got != 2 {
		t.Fatalf("expected 2 ok saves, got %v", got)
	}
	if got := testutil.ToFloat64(m.ops.WithLabelValues("save", "error")); got != 1 {
		t.Fatalf("expected 1 failed save, got %v", got)
	}
}

func TestObserveURLAndReplication(t *testing.T) {
	m := New(nil)
	m.ObserveURL(SourceBackup)
	m.ObserveURL(SourceCache)
	m.ObserveURL(SourceCache)
	m.ObserveReplication(ReplicationRetry)
	m.SetQueueDepth(7)
	if got := testutil.ToFloat64(m.urlLookups.WithLabelValues(SourceCache)); got != 2 {
		t.Fatalf("expected 2 cache lookups, got %v", got)
	}
	if got := testutil.ToFloat64(m.replication.WithLabelValues(ReplicationRetry)); got != 1 {
		t.Fatalf("expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 7 {
		t.Fatalf("expected depth 7, got %v", got)
	}
	if m.Registry() == nil {
		t.Fatalf("expected registry")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOp("url", nil, time.Second)
	m.ObserveURL(SourceRemote)
	m.ObserveReplication(ReplicationOK)
	m.SetQueueDepth(1)
	if m.Registry() != nil {
		t.Fatalf("nil metrics has no registry")
	}
}
