package bulk

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trellishq/trellis/internal/debug"
)

// Op is the user-supplied effectful function applied to each item. It may
// fail; the engine records the error and applies the configured
// failure-handling policy.
type Op[T any] func(ctx context.Context, item T, index int) (any, error)

// ItemResult records the outcome of exactly one item.
type ItemResult[T any] struct {
	Index   int   `json:"index"`
	Item    T     `json:"item"`
	Success bool  `json:"success"`
	Skipped bool  `json:"skipped,omitempty"`
	Result  any   `json:"result,omitempty"`
	Err     error `json:"-"`
}

// Result summarizes a finished bulk operation. The counters always satisfy
// Succeeded + Failed + Skipped == Total.
type Result[T any] struct {
	OperationID string          `json:"operation_id"`
	Status      Status          `json:"status"`
	Total       int             `json:"total"`
	Succeeded   int             `json:"succeeded"`
	Failed      int             `json:"failed"`
	Skipped     int             `json:"skipped"`
	Duration    time.Duration   `json:"duration"`
	Items       []ItemResult[T] `json:"items"`
}

// Execute schedules and runs op over items under the given options.
//
// The returned Result is populated even when the error is non-nil. The error
// is nil on normal completion (including completion with per-item failures
// under ContinueOnError); otherwise it is ErrNoItems, ErrCancelled,
// ErrTimeout, or a *PartialFailureError under fail-fast semantics.
func Execute[T any](ctx context.Context, e *Engine, items []T, op Op[T], opts Options) (*Result[T], error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	total := len(items)
	batchSize := opts.batchSize()
	rec := e.register(total)
	res := &Result[T]{
		OperationID: rec.id,
		Total:       total,
		Items:       make([]ItemResult[T], total),
	}
	debug.Logf("bulk: %s started, %d items, batch size %d\n", rec.id, total, batchSize)

	// Progress pump. Snapshots are delivered through a one-slot channel with
	// drop-stale semantics so a slow consumer never stalls the engine.
	var pumpWg sync.WaitGroup
	var progCh chan Progress
	if opts.Progress != nil {
		progCh = make(chan Progress, 1)
		pumpWg.Add(1)
		go func() {
			defer pumpWg.Done()
			for p := range progCh {
				opts.Progress(p)
			}
		}()
	}
	emitProgress := func() {
		if progCh == nil {
			return
		}
		p := rec.progress()
		for {
			select {
			case progCh <- p:
				return
			default:
				select {
				case <-progCh: // drop the stale snapshot
				default:
				}
			}
		}
	}

	markSkipped := func(i int) {
		rec.recordSkipped(1)
		res.Items[i] = ItemResult[T]{Index: i, Item: items[i], Skipped: true}
	}

	runItem := func(i int) {
		if rec.isCancelled() || ctx.Err() != nil {
			markSkipped(i)
			return
		}
		value, err := op(ctx, items[i], i)
		if err != nil {
			rec.recordFailure(err)
			res.Items[i] = ItemResult[T]{Index: i, Item: items[i], Err: err}
			return
		}
		rec.recordSuccess()
		res.Items[i] = ItemResult[T]{Index: i, Item: items[i], Success: true, Result: value}
	}

	var abort error // first failure under fail-fast semantics

batches:
	for start := 0; start < total; start += batchSize {
		if rec.isCancelled() || ctx.Err() != nil {
			for i := start; i < total; i++ {
				markSkipped(i)
			}
			break
		}

		end := start + batchSize
		if end > total {
			end = total
		}

		if opts.ContinueOnError {
			// Concurrent fan-out, every item of the batch attempted.
			g := new(errgroup.Group)
			for i := start; i < end; i++ {
				g.Go(func() error {
					runItem(i)
					return nil
				})
			}
			_ = g.Wait()
		} else {
			// Sequential so "first failure" is well defined. The failing
			// item's successors in this batch and all later batches are
			// skipped.
			for i := start; i < end; i++ {
				if rec.isCancelled() || ctx.Err() != nil {
					for j := i; j < total; j++ {
						markSkipped(j)
					}
					break batches
				}
				runItem(i)
				if item := res.Items[i]; !item.Success && !item.Skipped {
					abort = item.Err
					for j := i + 1; j < total; j++ {
						markSkipped(j)
					}
					break batches
				}
			}
		}

		emitProgress()

		if opts.BatchDelay > 0 && end < total {
			select {
			case <-time.After(opts.BatchDelay):
			case <-ctx.Done():
			case <-rec.cancelCh:
			}
		}
	}

	// Settle the terminal state. In-flight ops have completed by now; their
	// results were recorded as usual.
	var terminal Status
	var execErr error
	switch {
	case rec.isCancelled():
		terminal = StatusCancelled
		execErr = ErrCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		// An item that died to the expiring deadline also sets abort; the
		// operation still reports the timeout, not a partial failure.
		terminal = StatusFailed
		execErr = ErrTimeout
	case abort != nil:
		terminal = StatusFailed
		snap := rec.snapshot()
		execErr = &PartialFailureError{Completed: snap.Succeeded, Cause: abort}
	case ctx.Err() != nil:
		terminal = StatusCancelled
		execErr = ErrCancelled
	default:
		terminal = StatusCompleted
	}
	rec.finish(terminal)

	if progCh != nil {
		close(progCh)
		pumpWg.Wait()
	}

	snap := rec.snapshot()
	res.Status = snap.Status
	res.Succeeded = snap.Succeeded
	res.Failed = snap.Failed
	res.Skipped = snap.Skipped
	res.Duration = snap.Duration
	debug.Logf("bulk: %s %s: %d ok, %d failed, %d skipped in %s\n",
		rec.id, terminal, res.Succeeded, res.Failed, res.Skipped, res.Duration)
	return res, execErr
}
