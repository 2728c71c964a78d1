// Package reconcile re-dispatches replication for local blobs the bucket is
// missing, covering tasks that were buried or lost.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jacktea/mirrorstore/pkg/blob"
	"github.com/jacktea/mirrorstore/pkg/replication"
)

// Options configures a Sweeper.
type Options struct {
	Local      *blob.LocalStore
	Remote     *blob.Client
	Bucket     string
	Dispatcher replication.Dispatcher
	// Task builds the descriptor for a local blob.
	Task func(name string) replication.Descriptor
	// Limit caps dispatches per sweep. Values <= 0 mean no limit.
	Limit  int
	Logger *zap.Logger
}

// Sweeper compares the local store against the bucket.
type Sweeper struct {
	opts   Options
	logger *zap.Logger
}

// NewSweeper wires the stores and dispatcher for reconciliation.
func NewSweeper(opts Options) *Sweeper {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{opts: opts, logger: logger}
}

var errLimit = errors.New("reconcile: limit reached")

// Sweep performs one pass and returns the number of blobs dispatched. Bucket
// errors abort the pass; an absent object is the only thing that triggers a
// dispatch.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.opts.Local == nil || s.opts.Remote == nil || s.opts.Dispatcher == nil || s.opts.Task == nil {
		return 0, fmt.Errorf("reconcile sweeper missing dependencies")
	}
	bucket, err := s.opts.Remote.ResolveBucket(ctx, s.opts.Bucket)
	if err != nil {
		return 0, err
	}
	var total int
	err = s.opts.Local.Walk(ctx, func(name string, size int64) error {
		ok, err := bucket.Exists(ctx, name)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := s.opts.Dispatcher.Dispatch(ctx, s.opts.Task(name)); err != nil {
			return err
		}
		s.logger.Info("re-dispatched missing blob", zap.String("name", name), zap.Int64("size", size))
		total++
		if s.opts.Limit > 0 && total >= s.opts.Limit {
			return errLimit
		}
		return nil
	})
	if errors.Is(err, errLimit) {
		err = nil
	}
	return total, err
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Hour
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			n, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("reconcile sweep", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("reconcile sweep", zap.Int("dispatched", n))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
