// Package sequence assigns monotonically increasing per-project issue
// numbers.
//
// The serialization point is the store's linearizable increment on the
// project's sequence field; the allocator itself holds no lock on the fast
// path, so concurrent allocators in this or any other process stay correct.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trellishq/trellis/internal/debug"
	"github.com/trellishq/trellis/internal/storage"
)

// ErrProjectNotFound is returned when the target project does not exist.
var ErrProjectNotFound = errors.New("project not found")

// ErrAllocationFailed is returned when the store yields no usable sequence
// value.
var ErrAllocationFailed = errors.New("sequence allocation failed")

// HintTTL bounds how long a cached last-allocated value is considered fresh.
// The cache is advisory only; correctness never depends on it.
const HintTTL = 60 * time.Second

// Range is a contiguous block of allocated numbers, First through Last
// inclusive.
type Range struct {
	First int64
	Last  int64
}

// Count returns the number of values in the range.
func (r Range) Count() int64 { return r.Last - r.First + 1 }

type hint struct {
	last int64
	at   time.Time
}

// Allocator hands out issue numbers for projects. Safe for concurrent use.
type Allocator struct {
	store storage.Adapter

	mu          sync.Mutex
	initialized map[string]bool // projects whose sequence field has been backfilled
	initLocks   map[string]*sync.Mutex
	hints       map[string]hint
	now         func() time.Time
}

// New creates an allocator backed by the given store adapter.
func New(store storage.Adapter) *Allocator {
	return &Allocator{
		store:       store,
		initialized: make(map[string]bool),
		initLocks:   make(map[string]*sync.Mutex),
		hints:       make(map[string]hint),
		now:         time.Now,
	}
}

// Next allocates one number for the project, strictly greater than any
// number previously allocated for it.
func (a *Allocator) Next(ctx context.Context, projectID string) (int64, error) {
	r, err := a.Reserve(ctx, projectID, 1)
	if err != nil {
		return 0, err
	}
	return r.Last, nil
}

// Reserve allocates n contiguous numbers for the project. The returned range
// is exclusive to the caller; concurrent reservations never overlap.
func (a *Allocator) Reserve(ctx context.Context, projectID string, n int64) (Range, error) {
	if n < 1 {
		return Range{}, fmt.Errorf("%w: reserve count must be positive (got %d)", ErrAllocationFailed, n)
	}
	if err := a.ensureInitialized(ctx, projectID); err != nil {
		return Range{}, err
	}

	v, err := a.store.AtomicIncrement(ctx, storage.KindProject, projectID, "sequence", n)
	if err != nil {
		if storage.IsNotFound(err) {
			return Range{}, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
		}
		return Range{}, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	if v < n {
		return Range{}, fmt.Errorf("%w: store returned %d for delta %d", ErrAllocationFailed, v, n)
	}

	a.recordHint(projectID, v)
	debug.Logf("sequence: reserved [%d,%d] for project %s\n", v-n+1, v, projectID)
	return Range{First: v - n + 1, Last: v}, nil
}

// ensureInitialized backfills the sequence field the first time a project is
// seen by this allocator. A cold project that already holds issues (external
// import) gets sequence = max(existing number) before its first increment.
// The per-project lock only guards initialization; allocation itself relies
// on the store's linearizable increment.
func (a *Allocator) ensureInitialized(ctx context.Context, projectID string) error {
	a.mu.Lock()
	if a.initialized[projectID] {
		a.mu.Unlock()
		return nil
	}
	lock, ok := a.initLocks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		a.initLocks[projectID] = lock
	}
	a.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	a.mu.Lock()
	if a.initialized[projectID] {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	doc, err := a.store.FindOne(ctx, storage.KindProject, storage.Selector{"_id": projectID})
	if err != nil {
		if storage.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
		}
		return err
	}

	if _, present := doc.Fields["sequence"]; !present {
		max, err := a.maxExistingNumber(ctx, projectID)
		if err != nil {
			return err
		}
		if max > 0 {
			err := a.store.Update(ctx, storage.KindProject, doc.Space, projectID, storage.Patch{
				Set: map[string]any{"sequence": max},
			})
			if err != nil {
				return fmt.Errorf("%w: backfill failed: %v", ErrAllocationFailed, err)
			}
			debug.Logf("sequence: initialized project %s at %d from existing issues\n", projectID, max)
		}
	}

	a.mu.Lock()
	a.initialized[projectID] = true
	delete(a.initLocks, projectID)
	a.mu.Unlock()
	return nil
}

func (a *Allocator) maxExistingNumber(ctx context.Context, projectID string) (int64, error) {
	docs, err := a.store.FindAll(ctx, storage.KindIssue, storage.Selector{"space": projectID}, 0)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, d := range docs {
		if n := storage.FieldInt64(d.Fields, "number"); n > max {
			max = n
		}
	}
	return max, nil
}

func (a *Allocator) recordHint(projectID string, last int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hints[projectID] = hint{last: last, at: a.now()}
}

// Hint returns the last value this allocator handed out for the project, if
// recorded within HintTTL. Advisory only (logging and range-size
// heuristics); it may be stale the moment it is read.
func (a *Allocator) Hint(projectID string) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.hints[projectID]
	if !ok || a.now().Sub(h.at) > HintTTL {
		delete(a.hints, projectID)
		return 0, false
	}
	return h.last, true
}
