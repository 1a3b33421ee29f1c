// Package template expands stored issue templates into a parent issue plus
// its sub-issues.
package template

import (
	"context"
	"fmt"

	"github.com/trellishq/trellis/internal/debug"
	"github.com/trellishq/trellis/internal/issueops"
	"github.com/trellishq/trellis/internal/resolver"
	"github.com/trellishq/trellis/internal/sequence"
	"github.com/trellishq/trellis/internal/storage"
	"github.com/trellishq/trellis/internal/types"
)

// Overrides adjusts the parent issue at expansion time. Children always come
// straight from the template.
type Overrides struct {
	Title    string `json:"title,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// Result reports an expansion. Expansion is not transactional: when a child
// creation fails, the parent and earlier children remain and Partial is set.
// The reserved numbers of uncreated children are consumed either way; gaps
// in the project sequence are acceptable.
type Result struct {
	Parent   *types.Issue   `json:"parent"`
	Children []*types.Issue `json:"children,omitempty"`
	Numbers  sequence.Range `json:"-"`
	Partial  bool           `json:"partial,omitempty"`
}

// Expander instantiates templates. Safe for concurrent use; concurrent
// expansions draw disjoint number ranges from the allocator.
type Expander struct {
	seq *sequence.Allocator
	res *resolver.Resolver
	svc *issueops.Service
}

// NewExpander wires an expander over the sequence allocator and issue
// service.
func NewExpander(seq *sequence.Allocator, res *resolver.Resolver, svc *issueops.Service) *Expander {
	return &Expander{seq: seq, res: res, svc: svc}
}

// Expand instantiates the template: one parent issue plus one sub-issue per
// child, numbered from a single contiguous reservation so the family reads
// in order. The parent is created first; each child references it.
func (e *Expander) Expand(ctx context.Context, templateID string, ov Overrides) (*Result, error) {
	tmpl, err := e.res.TemplateByID(ctx, templateID)
	if err != nil {
		return nil, err
	}

	title := tmpl.Title
	if ov.Title != "" {
		title = ov.Title
	}
	priority := tmpl.Priority
	if ov.Priority != "" {
		p, err := types.NormalizePriority(ov.Priority)
		if err != nil {
			return nil, storage.InvalidValueError("priority", err)
		}
		priority = p
	}

	rng, err := e.seq.Reserve(ctx, tmpl.ProjectID, int64(1+len(tmpl.Children)))
	if err != nil {
		return nil, err
	}
	debug.Logf("template: expanding %s into numbers [%d,%d]\n", templateID, rng.First, rng.Last)

	parent, err := e.svc.CreateNumbered(ctx, issueops.CreateInput{
		Project:     tmpl.ProjectID,
		Title:       title,
		Description: tmpl.Description,
		Priority:    string(priority),
	}, rng.First)
	if err != nil {
		return nil, fmt.Errorf("expand template %s: parent: %w", templateID, err)
	}

	result := &Result{Parent: parent, Numbers: rng}
	for i, child := range tmpl.Children {
		issue, err := e.svc.CreateNumbered(ctx, issueops.CreateInput{
			Project:     tmpl.ProjectID,
			Title:       child.Title,
			Description: child.Description,
			Priority:    string(child.Priority),
			ParentIssue: parent.Identifier,
		}, rng.First+1+int64(i))
		if err != nil {
			result.Partial = true
			return result, fmt.Errorf("expand template %s: child %d of %d: %w",
				templateID, i+1, len(tmpl.Children), err)
		}
		result.Children = append(result.Children, issue)
	}
	return result, nil
}
