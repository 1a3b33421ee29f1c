package issueops

import (
	"context"
	"sort"
	"sync"

	"github.com/trellishq/trellis/internal/bulk"
	"github.com/trellishq/trellis/internal/storage"
	"github.com/trellishq/trellis/internal/types"
)

// Input size limits per call. The batch size caps in the bulk package bound
// concurrency; these bound total request size.
const (
	MaxBulkCreateItems = 100
	MaxBulkUpdateItems = 1000
)

// BulkOptions carries the caller-facing knobs shared by bulk operations.
type BulkOptions struct {
	ContinueOnError bool
	DryRun          bool
	BatchSize       int
	Progress        func(bulk.Progress)
}

// ItemFailure records one failed input item by position.
type ItemFailure struct {
	Index int    `json:"index"`
	Ref   string `json:"ref,omitempty"` // identifier or title, whichever names the item
	Error string `json:"error"`
}

// BulkCreateResult summarizes a bulk creation.
type BulkCreateResult struct {
	OperationIDs []string               `json:"operation_ids,omitempty"`
	DryRun       bool                   `json:"dry_run,omitempty"`
	Total        int                    `json:"total"`
	Succeeded    int                    `json:"succeeded"`
	Failed       int                    `json:"failed"`
	Skipped      int                    `json:"skipped"`
	Created      []*types.Issue         `json:"created,omitempty"`
	Failures     []ItemFailure          `json:"failures,omitempty"`
	Validation   *bulk.ValidationReport `json:"validation,omitempty"`
}

// BulkCreate creates up to MaxBulkCreateItems issues. Call-level defaults
// fill fields an item leaves empty; the item always wins. Items are split
// into top-level and sub-issue groups, each run through the bulk engine.
// Numbers are allocated per item after its validation passes, so invalid
// items never consume sequence numbers.
func (s *Service) BulkCreate(ctx context.Context, items []CreateInput, defaults CreateInput, opts BulkOptions) (*BulkCreateResult, error) {
	if len(items) == 0 {
		return nil, bulk.ErrNoItems
	}
	if len(items) > MaxBulkCreateItems {
		return nil, storage.ValidationError("too many items: %d (limit %d)", len(items), MaxBulkCreateItems)
	}

	merged := make([]CreateInput, len(items))
	for i, item := range items {
		merged[i] = mergeDefaults(item, defaults)
	}

	if opts.DryRun {
		return s.dryRunBulkCreate(ctx, merged)
	}

	// Index the items by group so results can be folded back by original
	// position.
	var topIdx, subIdx []int
	for i, item := range merged {
		if item.ParentIssue == "" {
			topIdx = append(topIdx, i)
		} else {
			subIdx = append(subIdx, i)
		}
	}

	result := &BulkCreateResult{Total: len(merged)}
	var mu sync.Mutex
	type createdIssue struct {
		index int
		issue *types.Issue
	}
	var created []createdIssue

	runGroup := func(indexes []int) error {
		if len(indexes) == 0 {
			return nil
		}
		op := func(ctx context.Context, origIdx int, _ int) (any, error) {
			issue, err := s.Create(ctx, merged[origIdx])
			if err != nil {
				return nil, err
			}
			mu.Lock()
			created = append(created, createdIssue{index: origIdx, issue: issue})
			mu.Unlock()
			return issue, nil
		}
		bres, err := bulk.Execute(ctx, s.engine, indexes, op, bulk.Options{
			BatchSize:       bulk.ClampBatchSize(opts.BatchSize, bulk.MaxBatchSizeCreates),
			ContinueOnError: opts.ContinueOnError,
			Progress:        opts.Progress,
		})
		if bres != nil {
			result.OperationIDs = append(result.OperationIDs, bres.OperationID)
			result.Succeeded += bres.Succeeded
			result.Failed += bres.Failed
			result.Skipped += bres.Skipped
			for _, item := range bres.Items {
				if item.Err != nil {
					result.Failures = append(result.Failures, ItemFailure{
						Index: item.Item,
						Ref:   merged[item.Item].Title,
						Error: item.Err.Error(),
					})
				}
			}
		}
		return err
	}

	execErr := runGroup(topIdx)
	if execErr == nil {
		execErr = runGroup(subIdx)
	} else if len(subIdx) > 0 {
		// Fail-fast across groups too: the sub-issue group never starts.
		result.Skipped += len(subIdx)
	}

	sort.Slice(created, func(a, b int) bool { return created[a].index < created[b].index })
	for _, c := range created {
		result.Created = append(result.Created, c.issue)
	}
	sort.Slice(result.Failures, func(a, b int) bool { return result.Failures[a].Index < result.Failures[b].Index })
	return result, execErr
}

func (s *Service) dryRunBulkCreate(ctx context.Context, merged []CreateInput) (*BulkCreateResult, error) {
	report, err := bulk.Validate(merged, nil, func(item CreateInput, i int) error {
		_, err := s.prepare(ctx, item)
		return err
	})
	if err != nil {
		return nil, err
	}
	result := &BulkCreateResult{
		DryRun:     true,
		Total:      report.Total,
		Succeeded:  report.ValidCount,
		Failed:     report.InvalidCount,
		Validation: report,
	}
	for _, issue := range report.Issues {
		result.Failures = append(result.Failures, ItemFailure{
			Index: issue.Index,
			Ref:   merged[issue.Index].Title,
			Error: issue.Message,
		})
	}
	return result, nil
}

func mergeDefaults(item, defaults CreateInput) CreateInput {
	if item.Project == "" {
		item.Project = defaults.Project
	}
	if item.Status == "" {
		item.Status = defaults.Status
	}
	if item.Priority == "" {
		item.Priority = defaults.Priority
	}
	if item.Component == "" {
		item.Component = defaults.Component
	}
	if item.Milestone == "" {
		item.Milestone = defaults.Milestone
	}
	if item.ParentIssue == "" {
		item.ParentIssue = defaults.ParentIssue
	}
	return item
}

// UpdateItem pairs an issue identifier with its field changes.
type UpdateItem struct {
	Identifier string         `json:"identifier"`
	Fields     map[string]any `json:"fields"`
}

// BulkUpdateResult summarizes a bulk update.
type BulkUpdateResult struct {
	OperationID string         `json:"operation_id,omitempty"`
	DryRun      bool           `json:"dry_run,omitempty"`
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	Updated     []*types.Issue `json:"updated,omitempty"`
	Failures    []ItemFailure  `json:"failures,omitempty"`
}

// BulkUpdate applies field changes to up to MaxBulkUpdateItems issues
// through the bulk engine. A dry run resolves each issue and validates its
// field set without writing.
func (s *Service) BulkUpdate(ctx context.Context, updates []UpdateItem, opts BulkOptions) (*BulkUpdateResult, error) {
	if len(updates) == 0 {
		return nil, bulk.ErrNoItems
	}
	if len(updates) > MaxBulkUpdateItems {
		return nil, storage.ValidationError("too many items: %d (limit %d)", len(updates), MaxBulkUpdateItems)
	}

	if opts.DryRun {
		return s.dryRunBulkUpdate(ctx, updates)
	}

	op := func(ctx context.Context, u UpdateItem, _ int) (any, error) {
		return s.Update(ctx, u.Identifier, u.Fields)
	}
	bres, execErr := bulk.Execute(ctx, s.engine, updates, op, bulk.Options{
		BatchSize:       bulk.ClampBatchSize(opts.BatchSize, bulk.MaxBatchSizeUpdates),
		ContinueOnError: opts.ContinueOnError,
		Progress:        opts.Progress,
	})
	if bres == nil {
		return nil, execErr
	}

	result := &BulkUpdateResult{
		OperationID: bres.OperationID,
		Total:       bres.Total,
		Succeeded:   bres.Succeeded,
		Failed:      bres.Failed,
		Skipped:     bres.Skipped,
	}
	for _, item := range bres.Items {
		if item.Err != nil {
			result.Failures = append(result.Failures, ItemFailure{
				Index: item.Index,
				Ref:   item.Item.Identifier,
				Error: item.Err.Error(),
			})
			continue
		}
		if issue, ok := item.Result.(*types.Issue); ok {
			result.Updated = append(result.Updated, issue)
		}
	}
	return result, execErr
}

func (s *Service) dryRunBulkUpdate(ctx context.Context, updates []UpdateItem) (*BulkUpdateResult, error) {
	result := &BulkUpdateResult{DryRun: true, Total: len(updates)}
	for i, u := range updates {
		issue, err := s.res.IssueByIdentifier(ctx, u.Identifier)
		if err == nil {
			_, err = s.buildPatch(ctx, issue.ProjectID, issue.ID, u.Fields, true)
		}
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, ItemFailure{Index: i, Ref: u.Identifier, Error: err.Error()})
			continue
		}
		result.Succeeded++
	}
	return result, nil
}
