package replication

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jacktea/mirrorstore/pkg/metrics"
)

// WorkerConfig configures the replication worker pool.
type WorkerConfig struct {
	// Concurrency is the number of goroutines pushing tasks. Values <= 0 mean 1.
	Concurrency int
	// PollInterval is how long an idle worker sleeps before claiming again.
	// Values <= 0 default to 500ms.
	PollInterval time.Duration
	// MaxAttempts buries a task after this many failed pushes. Values <= 0
	// default to 5.
	MaxAttempts int
	// Backoff is the base retry delay; it doubles with every attempt and is
	// capped at one minute. Values <= 0 default to 1s.
	Backoff time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	return c
}

// WorkerStats is a snapshot of worker counters.
type WorkerStats struct {
	Running   bool
	Pushed    uint64
	Retried   uint64
	Buried    uint64
	LastError string
	Started   time.Time
}

// Worker drains a Queue through a Pusher.
type Worker struct {
	q       *Queue
	pusher  *Pusher
	cfg     WorkerConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	wg      sync.WaitGroup
	stop    context.CancelFunc
	running atomic.Bool
	started time.Time

	pushed  atomic.Uint64
	retried atomic.Uint64
	buried  atomic.Uint64

	mu      sync.Mutex
	lastErr string
}

// NewWorker builds a worker. Logger and metrics may be nil.
func NewWorker(q *Queue, p *Pusher, cfg WorkerConfig, logger *zap.Logger, m *metrics.Metrics) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		q:       q,
		pusher:  p,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Start launches the consumer goroutines. It returns immediately.
func (w *Worker) Start(ctx context.Context) error {
	if w.running.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	w.stop = cancel
	w.started = w.now().UTC()
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}
	w.logger.Info("replication worker started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("poll_interval", w.cfg.PollInterval))
	return nil
}

// Stop cancels the consumers and waits for in-flight pushes or ctx.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.running.Load() {
		return nil
	}
	if w.stop != nil {
		w.stop()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.running.Store(false)
	w.logger.Info("replication worker stopped")
	return nil
}

// Drain processes due tasks on the calling goroutine until none are left and
// returns how many were handled. Tasks rescheduled into the future are left
// for a later run.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	var total int
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := w.q.Claim(ctx, w.cfg.Concurrency, w.now())
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		var wg sync.WaitGroup
		for _, d := range batch {
			wg.Add(1)
			go func(d Descriptor) {
				defer wg.Done()
				w.process(ctx, d)
			}(d)
		}
		wg.Wait()
		total += len(batch)
	}
}

// Stats returns the current counters.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	last := w.lastErr
	w.mu.Unlock()
	return WorkerStats{
		Running:   w.running.Load(),
		Pushed:    w.pushed.Load(),
		Retried:   w.retried.Load(),
		Buried:    w.buried.Load(),
		LastError: last,
		Started:   w.started,
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := w.q.Claim(ctx, 1, w.now())
		if err != nil && !errors.Is(err, context.Canceled) {
			w.setLastErr(err)
			w.logger.Warn("claim replication task", zap.Error(err))
		}
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		for _, d := range batch {
			w.process(ctx, d)
		}
	}
}

func (w *Worker) process(ctx context.Context, d Descriptor) {
	log := w.logger.With(zap.String("id", d.ID), zap.String("name", d.Name), zap.Int("attempt", d.Attempts+1))
	err := w.pusher.Push(ctx, d)
	switch {
	case err == nil:
		if aerr := w.q.Ack(ctx, d.ID); aerr != nil {
			log.Error("ack replication task", zap.Error(aerr))
		}
		w.pushed.Add(1)
		w.metrics.ObserveReplication(metrics.ReplicationOK)
		log.Debug("replication task done")
	case Retriable(err) && d.Attempts+1 < w.cfg.MaxAttempts:
		w.setLastErr(err)
		delay := w.backoff(d.Attempts)
		if rerr := w.q.Retry(ctx, d, err, w.now().Add(delay)); rerr != nil {
			log.Error("reschedule replication task", zap.Error(rerr))
		}
		w.retried.Add(1)
		w.metrics.ObserveReplication(metrics.ReplicationRetry)
		log.Warn("replication task failed, retrying", zap.Duration("delay", delay), zap.Error(err))
	default:
		w.setLastErr(err)
		if berr := w.q.Bury(ctx, d, err); berr != nil {
			log.Error("bury replication task", zap.Error(berr))
		}
		w.buried.Add(1)
		w.metrics.ObserveReplication(metrics.ReplicationBuried)
		log.Error("replication task buried", zap.Error(err))
	}
	if n, lerr := w.q.Len(); lerr == nil {
		w.metrics.SetQueueDepth(n)
	}
}

func (w *Worker) backoff(attempts int) time.Duration {
	d := w.cfg.Backoff
	for i := 0; i < attempts && d < time.Minute; i++ {
		d *= 2
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func (w *Worker) setLastErr(err error) {
	w.mu.Lock()
	w.lastErr = err.Error()
	w.mu.Unlock()
}
