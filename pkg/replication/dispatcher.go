package replication

import (
	"context"

	"go.uber.org/zap"

	"github.com/jacktea/mirrorstore/pkg/metrics"
)

// Dispatcher hands a descriptor to whatever executes replication.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Descriptor) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, d Descriptor) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, d Descriptor) error { return f(ctx, d) }

// InlineDispatcher runs the push on the calling goroutine.
type InlineDispatcher struct {
	pusher  *Pusher
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewInlineDispatcher returns a dispatcher executing tasks synchronously.
func NewInlineDispatcher(p *Pusher, logger *zap.Logger, m *metrics.Metrics) *InlineDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InlineDispatcher{pusher: p, logger: logger, metrics: m}
}

// Dispatch pushes d and reports the push result.
func (i *InlineDispatcher) Dispatch(ctx context.Context, d Descriptor) error {
	if err := i.pusher.Push(ctx, d); err != nil {
		i.metrics.ObserveReplication(metrics.ReplicationFailed)
		i.logger.Error("inline replication failed", zap.String("name", d.Name), zap.Error(err))
		return err
	}
	i.metrics.ObserveReplication(metrics.ReplicationOK)
	return nil
}

// AsyncDispatcher persists descriptors in a Queue for the worker pool.
type AsyncDispatcher struct {
	queue   *Queue
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewAsyncDispatcher returns a dispatcher enqueueing tasks on q.
func NewAsyncDispatcher(q *Queue, logger *zap.Logger, m *metrics.Metrics) *AsyncDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncDispatcher{queue: q, logger: logger, metrics: m}
}

// Dispatch enqueues d. It returns once the descriptor is durable.
func (a *AsyncDispatcher) Dispatch(ctx context.Context, d Descriptor) error {
	if err := a.queue.Enqueue(ctx, d); err != nil {
		return err
	}
	a.metrics.ObserveReplication(metrics.ReplicationQueued)
	if n, err := a.queue.Len(); err == nil {
		a.metrics.SetQueueDepth(n)
	}
	a.logger.Debug("replication queued", zap.String("name", d.Name), zap.String("id", d.ID))
	return nil
}

// FallbackDispatcher tries Primary and, if it refuses the task, Secondary.
// Typical wiring is an AsyncDispatcher backed by an InlineDispatcher so a
// broken queue degrades latency instead of dropping replication.
type FallbackDispatcher struct {
	Primary   Dispatcher
	Secondary Dispatcher
	Logger    *zap.Logger
}

// Dispatch implements Dispatcher.
func (f *FallbackDispatcher) Dispatch(ctx context.Context, d Descriptor) error {
	err := f.Primary.Dispatch(ctx, d)
	if err == nil || f.Secondary == nil {
		return err
	}
	if f.Logger != nil {
		f.Logger.Warn("primary dispatcher failed, falling back", zap.String("name", d.Name), zap.Error(err))
	}
	return f.Secondary.Dispatch(ctx, d)
}
