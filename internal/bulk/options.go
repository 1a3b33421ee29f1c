package bulk

import "time"

// Batch size limits. Creates and deletes touch attached collections and
// markup storage, so they get the tighter cap.
const (
	DefaultBatchSize    = 25
	MaxBatchSizeUpdates = 100
	MaxBatchSizeCreates = 50
	MaxBatchSizeDeletes = 50
)

// Options configures one bulk operation submission.
type Options struct {
	// BatchSize is the number of items per batch (default 25). Items within
	// a batch run concurrently; batches run sequentially.
	BatchSize int

	// BatchDelay is an idle pause inserted between successive batches.
	// Zero disables the pause.
	BatchDelay time.Duration

	// ContinueOnError selects partial-failure semantics. When false, the
	// first failure aborts the remaining work within and after the current
	// batch and the batch is processed sequentially to make "first" well
	// defined. When true, every item is attempted.
	ContinueOnError bool

	// Progress, when non-nil, receives one snapshot per completed batch.
	// The engine never blocks on a slow consumer: stale snapshots are
	// dropped in favor of newer ones.
	Progress func(Progress)

	// Timeout is a global deadline for the whole operation. Zero means no
	// deadline.
	Timeout time.Duration
}

func (o Options) batchSize() int {
	if o.BatchSize < 1 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

// ClampBatchSize bounds a requested batch size to [1, max], substituting the
// default when the request is unset.
func ClampBatchSize(requested, max int) int {
	if requested < 1 {
		requested = DefaultBatchSize
	}
	if requested > max {
		return max
	}
	return requested
}

// Progress is the per-batch snapshot delivered to the progress callback.
type Progress struct {
	Processed  int     `json:"processed"`
	Total      int     `json:"total"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Percentage float64 `json:"percentage"`
	// ETASeconds estimates remaining time from throughput so far. -1 when
	// undefined (nothing processed yet).
	ETASeconds int64 `json:"eta_seconds"`
}
