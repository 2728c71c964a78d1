// Package admin serves the replication worker's operational endpoints:
// Prometheus metrics, liveness, queue state and dead-task requeue.
package admin

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jacktea/mirrorstore/pkg/replication"
	"github.com/jacktea/mirrorstore/pkg/xerrors"
)

// Options wires the admin handler. Queue and Worker are optional.
type Options struct {
	Registry *prometheus.Registry
	Queue    *replication.Queue
	Worker   *replication.Worker
	Token    string
	// RateLimit caps admin requests per minute; zero disables it.
	RateLimit int
	Logger    *zap.Logger
}

// NewHandler builds the admin mux. /metrics and /healthz are open; the queue
// endpoints require Options.Token when it is set.
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{opts: opts, logger: logger}
	mux := http.NewServeMux()
	if opts.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", h.health)
	auth := TokenAuth(opts.Token)
	mux.Handle("/queue", Wrap(http.HandlerFunc(h.queue), auth))
	mux.Handle("/queue/dead", Wrap(http.HandlerFunc(h.dead), auth))
	mux.Handle("/queue/requeue/", Wrap(http.HandlerFunc(h.requeue), auth))
	return Wrap(mux, AccessLog(logger), RateLimit(opts.RateLimit, time.Minute))
}

type handler struct {
	opts   Options
	logger *zap.Logger
}

type workerPayload struct {
	Running   bool      `json:"running"`
	Pushed    uint64    `json:"pushed"`
	Retried   uint64    `json:"retried"`
	Buried    uint64    `json:"buried"`
	LastError string    `json:"last_error,omitempty"`
	Started   time.Time `json:"started,omitempty"`
}

type queuePayload struct {
	Pending  int            `json:"pending"`
	InFlight int            `json:"inflight"`
	Dead     int            `json:"dead"`
	Worker   *workerPayload `json:"worker,omitempty"`
}

type deadPayload struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Enqueued  time.Time `json:"enqueued_at"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.opts.Worker != nil && !h.opts.Worker.Stats().Running {
		http.Error(w, "worker stopped", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) queue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := h.opts.Queue
	if q == nil {
		http.Error(w, "queue disabled", http.StatusNotFound)
		return
	}
	var out queuePayload
	var err error
	if out.Pending, err = q.Len(); err != nil {
		httpError(w, err)
		return
	}
	if out.InFlight, err = q.InFlight(); err != nil {
		httpError(w, err)
		return
	}
	dead, err := q.Dead(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	out.Dead = len(dead)
	if h.opts.Worker != nil {
		s := h.opts.Worker.Stats()
		out.Worker = &workerPayload{
			Running:   s.Running,
			Pushed:    s.Pushed,
			Retried:   s.Retried,
			Buried:    s.Buried,
			LastError: s.LastError,
			Started:   s.Started,
		}
	}
	writeJSON(w, out)
}

func (h *handler) dead(w http.ResponseWriter, r *http.Request) {
	if h.opts.Queue == nil {
		http.Error(w, "queue disabled", http.StatusNotFound)
		return
	}
	dead, err := h.opts.Queue.Dead(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	out := make([]deadPayload, 0, len(dead))
	for _, d := range dead {
		out = append(out, deadPayload{ID: d.ID, Name: d.Name, Attempts: d.Attempts, LastError: d.LastError, Enqueued: d.EnqueuedAt})
	}
	writeJSON(w, out)
}

func (h *handler) requeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.opts.Queue == nil {
		http.Error(w, "queue disabled", http.StatusNotFound)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/queue/requeue/")
	if id == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}
	if err := h.opts.Queue.Requeue(r.Context(), id); err != nil {
		httpError(w, err)
		return
	}
	h.logger.Info("requeued dead task", zap.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		status = http.StatusNotFound
	case xerrors.KindInvalid:
		status = http.StatusBadRequest
	case xerrors.KindConfiguration:
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
