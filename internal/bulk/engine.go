// Package bulk provides a generic batched executor for tool operations.
//
// Items are processed in batches: concurrent fan-out inside a batch,
// sequential between batches, with per-batch progress reporting,
// continue-on-error vs fail-fast semantics, cooperative cancellation, and
// status introspection keyed by operation ID.
package bulk

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trellishq/trellis/internal/debug"
)

// Status is the lifecycle state of a bulk operation record.
type Status string

// Operation states
const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// DefaultRetention is how long finished operation records stay queryable
// before the sweeper evicts them.
const DefaultRetention = 60 * time.Second

// Engine tracks active and recently finished bulk operations. Safe for
// concurrent use; multiple operations may run at once.
type Engine struct {
	mu        sync.Mutex
	records   map[string]*record
	retention time.Duration
	nextID    atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewEngine creates an engine whose finished records are retained for the
// given window (DefaultRetention when zero). Stop must be called to release
// the background sweeper.
func NewEngine(retention time.Duration) *Engine {
	if retention <= 0 {
		retention = DefaultRetention
	}
	e := &Engine{
		records:   make(map[string]*record),
		retention: retention,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go e.sweep()
	return e
}

// Stop terminates the retention sweeper. Running operations are unaffected.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.done
}

func (e *Engine) sweep() {
	defer close(e.done)
	interval := e.retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			e.mu.Lock()
			for id, r := range e.records {
				r.mu.Lock()
				expired := r.status != StatusInProgress && now.Sub(r.finishedAt) > e.retention
				r.mu.Unlock()
				if expired {
					delete(e.records, id)
					debug.Logf("bulk: evicted record %s\n", id)
				}
			}
			e.mu.Unlock()
		}
	}
}

func (e *Engine) register(total int) *record {
	id := fmt.Sprintf("bulk-%d-%d", time.Now().UnixMilli(), e.nextID.Add(1))
	r := &record{
		id:        id,
		total:     total,
		status:    StatusInProgress,
		startedAt: time.Now(),
		cancelCh:  make(chan struct{}),
	}
	e.mu.Lock()
	e.records[id] = r
	e.mu.Unlock()
	return r
}

// Status returns a snapshot of an operation, or false when the ID is unknown
// or the record has already been evicted.
func (e *Engine) Status(operationID string) (Snapshot, bool) {
	e.mu.Lock()
	r, ok := e.records[operationID]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshot(), true
}

// Cancel requests cooperative cancellation of an in-progress operation.
// Items not yet started will not start; in-flight items run to completion.
// Returns false when the operation is unknown or already terminal.
func (e *Engine) Cancel(operationID string) bool {
	e.mu.Lock()
	r, ok := e.records[operationID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return r.requestCancel()
}

// record is the engine-owned mutable state of one operation.
type record struct {
	mu         sync.Mutex
	id         string
	total      int
	processed  int
	succeeded  int
	failed     int
	skipped    int
	status     Status
	startedAt  time.Time
	finishedAt time.Time
	errors     []string

	cancelOnce sync.Once
	cancelled  bool
	cancelCh   chan struct{}
}

const maxRecordedErrors = 50

func (r *record) requestCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusInProgress {
		return false
	}
	r.cancelled = true
	r.cancelOnce.Do(func() { close(r.cancelCh) })
	return true
}

func (r *record) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *record) recordSuccess() {
	r.mu.Lock()
	r.processed++
	r.succeeded++
	r.mu.Unlock()
}

func (r *record) recordFailure(err error) {
	r.mu.Lock()
	r.processed++
	r.failed++
	if len(r.errors) < maxRecordedErrors {
		r.errors = append(r.errors, err.Error())
	}
	r.mu.Unlock()
}

func (r *record) recordSkipped(n int) {
	r.mu.Lock()
	r.skipped += n
	r.mu.Unlock()
}

func (r *record) finish(status Status) {
	r.mu.Lock()
	r.status = status
	r.finishedAt = time.Now()
	r.mu.Unlock()
}

func (r *record) progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := Progress{
		Processed:  r.processed,
		Total:      r.total,
		Succeeded:  r.succeeded,
		Failed:     r.failed,
		ETASeconds: -1,
	}
	if r.total > 0 {
		p.Percentage = 100 * float64(r.processed) / float64(r.total)
	}
	if r.processed > 0 {
		elapsed := time.Since(r.startedAt).Seconds()
		remaining := r.total - r.processed - r.skipped
		p.ETASeconds = int64(math.Round(float64(remaining) * elapsed / float64(r.processed)))
	}
	return p
}

// Snapshot is the externally visible state of an operation.
type Snapshot struct {
	OperationID string        `json:"operation_id"`
	Status      Status        `json:"status"`
	Total       int           `json:"total"`
	Processed   int           `json:"processed"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	Errors      []string      `json:"errors,omitempty"`
}

func (r *record) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		OperationID: r.id,
		Status:      r.status,
		Total:       r.total,
		Processed:   r.processed,
		Succeeded:   r.succeeded,
		Failed:      r.failed,
		Skipped:     r.skipped,
		StartedAt:   r.startedAt,
		FinishedAt:  r.finishedAt,
		Errors:      append([]string(nil), r.errors...),
	}
	if r.status == StatusInProgress {
		s.Duration = time.Since(r.startedAt)
	} else {
		s.Duration = r.finishedAt.Sub(r.startedAt)
	}
	return s
}
