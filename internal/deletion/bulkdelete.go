package deletion

import (
	"context"
	"fmt"
	"sync"

	"github.com/trellishq/trellis/internal/bulk"
	"github.com/trellishq/trellis/internal/storage"
)

// MaxBulkDeleteItems caps one bulk delete call, counted before dedup.
const MaxBulkDeleteItems = 1000

// BulkDeleteOptions configures a bulk issue deletion.
type BulkDeleteOptions struct {
	// Cascade deletes sub-issue trees. Without it, an issue with sub-issues
	// is a per-item failure.
	Cascade         bool
	Force           bool
	DryRun          bool
	ContinueOnError bool
	BatchSize       int
}

// ItemFailure records one failed identifier.
type ItemFailure struct {
	Identifier string `json:"identifier"`
	Error      string `json:"error"`
}

// BulkDeleteResult summarizes a bulk deletion. Total counts unique input
// identifiers; DeletedCount additionally includes cascaded sub-issues.
type BulkDeleteResult struct {
	OperationID  string        `json:"operation_id,omitempty"`
	DryRun       bool          `json:"dry_run,omitempty"`
	Total        int           `json:"total"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	DeletedCount int           `json:"deleted_count"`
	Failures     []ItemFailure `json:"failures,omitempty"`
}

// BulkDeleteIssues deletes issues by identifier through the bulk engine.
// Duplicate identifiers are deduplicated; the reported Total is the unique
// count. An identifier whose issue was already removed by an earlier item's
// cascade within the same call counts as succeeded.
func (p *Planner) BulkDeleteIssues(ctx context.Context, identifiers []string, opts BulkDeleteOptions) (*BulkDeleteResult, error) {
	if len(identifiers) > MaxBulkDeleteItems {
		return nil, storage.ValidationError("too many items: %d (limit %d)", len(identifiers), MaxBulkDeleteItems)
	}
	unique := dedupe(identifiers)
	if len(unique) == 0 {
		return nil, bulk.ErrNoItems
	}

	if opts.DryRun {
		return p.dryRunBulkDelete(ctx, unique, opts)
	}

	var mu sync.Mutex
	deletedIdents := make(map[string]bool)
	deletedCount := 0
	var failures []ItemFailure

	op := func(ctx context.Context, identifier string, _ int) (any, error) {
		issue, err := p.res.IssueByIdentifier(ctx, identifier)
		if err != nil {
			mu.Lock()
			gone := deletedIdents[identifier]
			mu.Unlock()
			if gone && storage.IsNotFound(err) {
				return "already deleted by cascade", nil
			}
			return nil, err
		}

		impact, err := p.PlanIssue(ctx, issue)
		if err != nil {
			return nil, err
		}
		if !opts.Cascade && impact.Counts["sub_issues"] > 0 {
			return nil, &storage.Error{
				Code:       storage.CodeDeletionBlocked,
				Message:    fmt.Sprintf("issue %s has %d sub-issues", identifier, impact.Counts["sub_issues"]),
				Suggestion: "re-run with cascade to delete the whole tree",
			}
		}

		res, err := p.Execute(ctx, impact, Options{Force: opts.Force})
		if res != nil {
			mu.Lock()
			deletedCount += res.Deleted
			for _, n := range impact.Order[:res.Deleted] {
				deletedIdents[n.Identifier] = true
			}
			mu.Unlock()
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	bres, execErr := bulk.Execute(ctx, p.engine, unique, op, bulk.Options{
		BatchSize:       bulk.ClampBatchSize(opts.BatchSize, bulk.MaxBatchSizeDeletes),
		ContinueOnError: opts.ContinueOnError,
	})
	if bres == nil {
		return nil, execErr
	}

	for _, item := range bres.Items {
		if item.Err != nil {
			failures = append(failures, ItemFailure{Identifier: item.Item, Error: item.Err.Error()})
		}
	}

	result := &BulkDeleteResult{
		OperationID:  bres.OperationID,
		Total:        bres.Total,
		Succeeded:    bres.Succeeded,
		Failed:       bres.Failed,
		Skipped:      bres.Skipped,
		DeletedCount: deletedCount,
		Failures:     failures,
	}
	return result, execErr
}

func (p *Planner) dryRunBulkDelete(ctx context.Context, unique []string, opts BulkDeleteOptions) (*BulkDeleteResult, error) {
	result := &BulkDeleteResult{DryRun: true, Total: len(unique)}
	counted := make(map[string]bool)
	for _, identifier := range unique {
		issue, err := p.res.IssueByIdentifier(ctx, identifier)
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, ItemFailure{Identifier: identifier, Error: err.Error()})
			continue
		}
		impact, err := p.PlanIssue(ctx, issue)
		if err != nil {
			return nil, err
		}
		if !opts.Cascade && impact.Counts["sub_issues"] > 0 {
			result.Failed++
			result.Failures = append(result.Failures, ItemFailure{
				Identifier: identifier,
				Error:      fmt.Sprintf("issue %s has %d sub-issues", identifier, impact.Counts["sub_issues"]),
			})
			continue
		}
		result.Succeeded++
		for _, n := range impact.Order {
			if !counted[n.ID] {
				counted[n.ID] = true
				result.DeletedCount++
			}
		}
	}
	return result, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
