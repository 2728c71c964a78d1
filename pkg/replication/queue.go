package replication

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/mirrorstore/pkg/xerrors"
)

var (
	bucketPending  = []byte("pending")
	bucketInflight = []byte("inflight")
	bucketDead     = []byte("dead")
)

var errQueueClosed = errors.New("queue: closed")

// QueueConfig configures the BoltDB-backed queue.
type QueueConfig struct {
	Path   string
	NoSync bool
	// Timeout bounds the wait for the file lock held by another process's
	// transaction. Defaults to 5s.
	Timeout time.Duration
	// Lease is how long a claimed descriptor stays in flight before another
	// claimer may take it back. Defaults to 10m.
	Lease time.Duration
}

// Queue is a durable FIFO of replication descriptors shared by processes.
//
// The database file is opened for the length of a single transaction, so
// producers (put, reconcile) and a long-running worker take turns on the
// file lock instead of excluding each other. Claimed descriptors move to an
// in-flight bucket with a lease; a descriptor whose lease ran out belongs to
// a worker that died and is returned to pending by the next Claim.
type Queue struct {
	cfg QueueConfig

	mu     sync.Mutex
	closed bool
}

// OpenQueue creates the queue file if needed and returns a handle on it.
func OpenQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("queue: path is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Minute
	}
	q := &Queue{cfg: cfg}
	if err := q.update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPending, bucketInflight, bucketDead} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("queue: create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return q, nil
}

// Close invalidates the handle. The file itself is not held between calls.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *Queue) update(fn func(*bolt.Tx) error) error {
	return q.with(false, func(db *bolt.DB) error { return db.Update(fn) })
}

func (q *Queue) view(fn func(*bolt.Tx) error) error {
	return q.with(true, func(db *bolt.DB) error { return db.View(fn) })
}

func (q *Queue) with(readOnly bool, fn func(*bolt.DB) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	db, err := bolt.Open(q.cfg.Path, 0o600, &bolt.Options{
		Timeout:  q.cfg.Timeout,
		NoSync:   q.cfg.NoSync,
		ReadOnly: readOnly,
	})
	if err != nil {
		return fmt.Errorf("queue: open: %w", err)
	}
	err = fn(db)
	if cerr := db.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("queue: close: %w", cerr)
	}
	return err
}

// Enqueue appends d. An empty ID is filled in.
func (q *Queue) Enqueue(ctx context.Context, d Descriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.EnqueuedAt.IsZero() {
		d.EnqueuedAt = time.Now().UTC()
	}
	d.LeaseUntil = time.Time{}
	return q.update(func(tx *bolt.Tx) error {
		return putPending(tx, d)
	})
}

// Claim moves up to n pending descriptors in flight and returns them in FIFO
// order. Descriptors whose NotBefore is after now are skipped; a zero now
// claims regardless of NotBefore and leases against the wall clock. Expired
// leases are returned to pending first.
func (q *Queue) Claim(ctx context.Context, n int, now time.Time) ([]Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 1
	}
	clock := now
	if clock.IsZero() {
		clock = time.Now()
	}
	var claimed []Descriptor
	err := q.update(func(tx *bolt.Tx) error {
		if err := reclaimExpired(tx, clock); err != nil {
			return err
		}
		pending := tx.Bucket(bucketPending)
		inflight := tx.Bucket(bucketInflight)
		var keys [][]byte
		c := pending.Cursor()
		for k, v := c.First(); k != nil && len(claimed) < n; k, v = c.Next() {
			var d Descriptor
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("queue: decode task: %w", err)
			}
			if !now.IsZero() && d.NotBefore.After(now) {
				continue
			}
			d.LeaseUntil = clock.Add(q.cfg.Lease).UTC()
			data, err := json.Marshal(d)
			if err != nil {
				return err
			}
			if err := inflight.Put([]byte(d.ID), data); err != nil {
				return err
			}
			keys = append(keys, append([]byte(nil), k...))
			claimed = append(claimed, d)
		}
		for _, k := range keys {
			if err := pending.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func reclaimExpired(tx *bolt.Tx, now time.Time) error {
	inflight := tx.Bucket(bucketInflight)
	var expired []Descriptor
	if err := inflight.ForEach(func(k, v []byte) error {
		var d Descriptor
		if err := json.Unmarshal(v, &d); err != nil {
			return fmt.Errorf("queue: decode in-flight task: %w", err)
		}
		if d.LeaseUntil.Before(now) {
			expired = append(expired, d)
		}
		return nil
	}); err != nil {
		return err
	}
	for _, d := range expired {
		if err := inflight.Delete([]byte(d.ID)); err != nil {
			return err
		}
		d.LeaseUntil = time.Time{}
		if err := putPending(tx, d); err != nil {
			return err
		}
	}
	return nil
}

// Ack drops a completed in-flight descriptor. Acking a descriptor whose lease
// already expired leaves its pending copy in place; pushes are idempotent.
func (q *Queue) Ack(ctx context.Context, id string) error {
	return q.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInflight).Delete([]byte(id))
	})
}

// Retry returns an in-flight descriptor to the tail of the queue with its
// attempt count bumped and the cause recorded.
func (q *Queue) Retry(ctx context.Context, d Descriptor, cause error, notBefore time.Time) error {
	d.Attempts++
	d.NotBefore = notBefore
	d.LeaseUntil = time.Time{}
	if cause != nil {
		d.LastError = cause.Error()
	}
	return q.update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketInflight).Delete([]byte(d.ID)); err != nil {
			return err
		}
		return putPending(tx, d)
	})
}

// Bury moves an in-flight descriptor to the dead-letter bucket.
func (q *Queue) Bury(ctx context.Context, d Descriptor, cause error) error {
	d.Attempts++
	d.LeaseUntil = time.Time{}
	if cause != nil {
		d.LastError = cause.Error()
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return q.update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketInflight).Delete([]byte(d.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketDead).Put([]byte(d.ID), data)
	})
}

// Len returns the number of pending descriptors.
func (q *Queue) Len() (int, error) {
	return q.count(bucketPending)
}

// InFlight returns the number of claimed, unfinished descriptors.
func (q *Queue) InFlight() (int, error) {
	return q.count(bucketInflight)
}

// Dead lists buried descriptors.
func (q *Queue) Dead(ctx context.Context) ([]Descriptor, error) {
	var out []Descriptor
	err := q.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDead).ForEach(func(k, v []byte) error {
			var d Descriptor
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			out = append(out, d)
			return nil
		})
	})
	return out, err
}

// Requeue moves a buried descriptor back to pending with a fresh attempt count.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	return q.update(func(tx *bolt.Tx) error {
		dead := tx.Bucket(bucketDead)
		v := dead.Get([]byte(id))
		if v == nil {
			return xerrors.E(xerrors.KindNotFound, "Queue.Requeue", id)
		}
		var d Descriptor
		if err := json.Unmarshal(v, &d); err != nil {
			return err
		}
		d.Attempts = 0
		d.NotBefore = time.Time{}
		if err := dead.Delete([]byte(id)); err != nil {
			return err
		}
		return putPending(tx, d)
	})
}

func (q *Queue) count(bucket []byte) (int, error) {
	var n int
	err := q.view(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucket).Stats().KeyN
		return nil
	})
	return n, err
}

func putPending(tx *bolt.Tx, d Descriptor) error {
	pending := tx.Bucket(bucketPending)
	seq, err := pending.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return pending.Put(encodeUint64(seq), data)
}

func encodeUint64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}
