// Package deletion computes deletion impact graphs and executes cascades in
// reverse dependency order.
package deletion

import (
	"context"
	"fmt"
	"strings"

	"github.com/trellishq/trellis/internal/bulk"
	"github.com/trellishq/trellis/internal/debug"
	"github.com/trellishq/trellis/internal/resolver"
	"github.com/trellishq/trellis/internal/storage"
	"github.com/trellishq/trellis/internal/types"
)

// Node is one entity in a deletion plan, with enough placement metadata to
// remove it from the store.
type Node struct {
	Kind       storage.Kind `json:"kind"`
	ID         string       `json:"id"`
	Identifier string       `json:"identifier,omitempty"`
	Space      string       `json:"-"`
	Parent     string       `json:"-"`
	ParentKind storage.Kind `json:"-"`
	Collection string       `json:"-"`
	Depth      int          `json:"depth"`
}

// Impact is the analysis result for deleting one root entity: counts by
// kind, a leaves-first execution order (root last), and any blockers.
type Impact struct {
	RootKind       storage.Kind   `json:"root_kind"`
	RootID         string         `json:"root_id"`
	RootIdentifier string         `json:"root_identifier,omitempty"`
	Order          []Node         `json:"order"`
	Counts         map[string]int `json:"counts"`
	Blockers       []string       `json:"blockers,omitempty"`
}

// Options controls plan execution.
type Options struct {
	// Force executes despite blockers. For component/milestone deletion it
	// also nulls the reference on every referencing issue.
	Force bool
	// DryRun returns the plan without performing any writes.
	DryRun bool
}

// Result reports what an execution did (or, for dry runs, would do).
type Result struct {
	DryRun  bool    `json:"dry_run"`
	Deleted int     `json:"deleted"`
	Cleared int     `json:"cleared_references,omitempty"`
	Impact  *Impact `json:"impact"`
}

// Planner owns impact analysis and cascade execution. Safe for concurrent
// use; each invocation's Impact belongs to its caller.
type Planner struct {
	store  storage.Adapter
	res    *resolver.Resolver
	engine *bulk.Engine
}

// NewPlanner creates a planner over the given store and bulk engine.
func NewPlanner(store storage.Adapter, res *resolver.Resolver, engine *bulk.Engine) *Planner {
	return &Planner{store: store, res: res, engine: engine}
}

func issueNode(i *types.Issue, depth int) Node {
	parent := i.ParentID
	parentKind := storage.KindIssue
	collection := storage.CollectionSubIssues
	if parent == "" {
		parent = storage.NoParent
		parentKind = storage.KindProject
		collection = storage.CollectionIssues
	}
	return Node{
		Kind:       storage.KindIssue,
		ID:         i.ID,
		Identifier: i.Identifier,
		Space:      i.ProjectID,
		Parent:     parent,
		ParentKind: parentKind,
		Collection: collection,
		Depth:      depth,
	}
}

// PlanIssue analyzes deleting an issue: transitive sub-issues via BFS,
// comment/attachment counts, and blocking relations held by any node in the
// tree. Sub-issue trees are acyclic in valid data; a back-edge is logged and
// skipped rather than looping.
func (p *Planner) PlanIssue(ctx context.Context, issue *types.Issue) (*Impact, error) {
	impact := &Impact{
		RootKind:       storage.KindIssue,
		RootID:         issue.ID,
		RootIdentifier: issue.Identifier,
		Counts:         map[string]int{},
	}

	visited := map[string]bool{issue.ID: true}
	type queued struct {
		issue *types.Issue
		depth int
	}
	var bfsOrder []queued
	queue := []queued{{issue, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		bfsOrder = append(bfsOrder, cur)

		children, err := p.res.SubIssues(ctx, cur.issue.ProjectID, cur.issue.ID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if visited[child.ID] {
				debug.Logf("deletion: back-edge at %s, skipping\n", child.Identifier)
				continue
			}
			visited[child.ID] = true
			queue = append(queue, queued{child, cur.depth + 1})
		}
	}

	for _, q := range bfsOrder {
		if q.depth > 0 {
			impact.Counts["sub_issues"]++
		}
		comments, err := p.store.FindAll(ctx, storage.KindComment, storage.Selector{"attachedTo": q.issue.ID}, 0)
		if err != nil {
			return nil, err
		}
		impact.Counts["comments"] += len(comments)
		attachments, err := p.store.FindAll(ctx, storage.KindAttachment, storage.Selector{"attachedTo": q.issue.ID}, 0)
		if err != nil {
			return nil, err
		}
		impact.Counts["attachments"] += len(attachments)
		for _, blocked := range q.issue.Blocks {
			impact.Blockers = append(impact.Blockers,
				fmt.Sprintf("%s blocks %s", q.issue.Identifier, blocked))
		}
	}

	// Leaves first: reverse of BFS order puts every child before its parent.
	for i := len(bfsOrder) - 1; i >= 0; i-- {
		impact.Order = append(impact.Order, issueNode(bfsOrder[i].issue, bfsOrder[i].depth))
	}
	return impact, nil
}

// PlanProject analyzes deleting a project and everything it owns.
func (p *Planner) PlanProject(ctx context.Context, project *types.Project) (*Impact, error) {
	impact := &Impact{
		RootKind:       storage.KindProject,
		RootID:         project.ID,
		RootIdentifier: project.Identifier,
		Counts:         map[string]int{},
	}

	issues, err := p.res.ProjectIssues(ctx, project.ID, 0)
	if err != nil {
		return nil, err
	}
	impact.Counts["issues"] = len(issues)

	open := 0
	for _, i := range issues {
		if !i.Status.IsTerminal() {
			open++
		}
	}
	if open > 0 {
		impact.Blockers = append(impact.Blockers,
			fmt.Sprintf("project %s has %d non-terminal issues", project.Identifier, open))
	}
	if project.Integration {
		impact.Blockers = append(impact.Blockers,
			fmt.Sprintf("project %s has an external integration enabled", project.Identifier))
	}

	// Sub-issues before parents: order by descending depth. Depth is
	// recomputed by walking parent links; a broken or cyclic link stops at
	// the chain's known prefix.
	depth := make(map[string]int)
	byID := make(map[string]*types.Issue, len(issues))
	for _, i := range issues {
		byID[i.ID] = i
	}
	var depthOf func(id string, hops int) int
	depthOf = func(id string, hops int) int {
		if hops > len(issues) {
			return hops // cycle guard
		}
		if d, ok := depth[id]; ok {
			return d
		}
		issue := byID[id]
		d := 0
		if issue != nil && issue.ParentID != "" {
			d = depthOf(issue.ParentID, hops+1) + 1
		}
		depth[id] = d
		return d
	}
	for _, i := range issues {
		depthOf(i.ID, 0)
	}
	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	for d := maxDepth; d >= 0; d-- {
		for _, i := range issues {
			if depth[i.ID] == d {
				impact.Order = append(impact.Order, issueNode(i, d))
			}
		}
	}

	for _, kind := range []storage.Kind{storage.KindComponent, storage.KindMilestone, storage.KindTemplate} {
		docs, err := p.store.FindAll(ctx, kind, storage.Selector{"space": project.ID}, 0)
		if err != nil {
			return nil, err
		}
		impact.Counts[string(kind)+"s"] = len(docs)
		for _, d := range docs {
			impact.Order = append(impact.Order, Node{Kind: kind, ID: d.ID, Space: d.Space})
		}
	}

	impact.Order = append(impact.Order, Node{
		Kind:       storage.KindProject,
		ID:         project.ID,
		Identifier: project.Identifier,
		Space:      "workspace",
	})
	return impact, nil
}

// PlanLabel analyzes deleting a component or milestone: the issues
// referencing it are blockers, and there are no transitive dependents.
func (p *Planner) PlanLabel(ctx context.Context, kind storage.Kind, id, label, projectID string) (*Impact, error) {
	field := "component"
	if kind == storage.KindMilestone {
		field = "milestone"
	}
	impact := &Impact{
		RootKind:       kind,
		RootID:         id,
		RootIdentifier: label,
		Counts:         map[string]int{},
	}
	refs, err := p.store.FindAll(ctx, storage.KindIssue, storage.Selector{"space": projectID, field: id}, 0)
	if err != nil {
		return nil, err
	}
	impact.Counts["referencing_issues"] = len(refs)
	if len(refs) > 0 {
		idents := make([]string, 0, len(refs))
		for _, d := range refs {
			idents = append(idents, storage.FieldString(d.Fields, "identifier"))
		}
		impact.Blockers = append(impact.Blockers,
			fmt.Sprintf("%s %q is referenced by %d issues (%s)", kind, label, len(refs), strings.Join(idents, ", ")))
	}
	impact.Order = []Node{{Kind: kind, ID: id, Identifier: label, Space: projectID}}
	return impact, nil
}

// Blocked returns the error used when blockers forbid a deletion without
// force.
func Blocked(impact *Impact) error {
	return &storage.Error{
		Code:       storage.CodeDeletionBlocked,
		Message:    fmt.Sprintf("deletion blocked: %s", strings.Join(impact.Blockers, "; ")),
		Context:    fmt.Sprintf("delete %s %s", impact.RootKind, impact.RootIdentifier),
		Suggestion: "re-run with force to override",
	}
}

// Execute runs a plan. Dry runs perform no writes. Blockers without force
// fail with a deletion_blocked error carrying the blocker list. Execution
// follows the plan's leaves-first order; the store has no transactions, so
// partial progress is possible and reported through the returned Result.
func (p *Planner) Execute(ctx context.Context, impact *Impact, opts Options) (*Result, error) {
	if opts.DryRun {
		return &Result{DryRun: true, Impact: impact}, nil
	}
	if len(impact.Blockers) > 0 && !opts.Force {
		return nil, Blocked(impact)
	}

	res := &Result{Impact: impact}
	switch impact.RootKind {
	case storage.KindIssue:
		for _, n := range impact.Order {
			if err := p.removeNode(ctx, n); err != nil {
				return res, err
			}
			res.Deleted++
		}
	case storage.KindProject:
		// Issues go through the bulk engine; the plan's leaves-first order
		// is preserved because a fail-fast bulk run is sequential.
		var issueNodes, rest []Node
		for _, n := range impact.Order {
			if n.Kind == storage.KindIssue {
				issueNodes = append(issueNodes, n)
			} else {
				rest = append(rest, n)
			}
		}
		if len(issueNodes) > 0 {
			bres, err := bulk.Execute(ctx, p.engine, issueNodes,
				func(ctx context.Context, n Node, _ int) (any, error) {
					return nil, p.removeNode(ctx, n)
				},
				bulk.Options{BatchSize: bulk.MaxBatchSizeDeletes})
			if bres != nil {
				res.Deleted += bres.Succeeded
			}
			if err != nil {
				return res, err
			}
		}
		for _, n := range rest {
			if err := p.removeNode(ctx, n); err != nil {
				return res, err
			}
			res.Deleted++
		}
	case storage.KindComponent, storage.KindMilestone:
		if err := p.clearLabelRefs(ctx, impact, res); err != nil {
			return res, err
		}
		if err := p.store.RemoveDoc(ctx, impact.RootKind, impact.Order[0].Space, impact.RootID); err != nil {
			return res, err
		}
		res.Deleted++
	default:
		return nil, storage.ValidationError("cannot delete entity kind %q", impact.RootKind)
	}
	debug.Logf("deletion: %s %s removed (%d entities, %d refs cleared)\n",
		impact.RootKind, impact.RootIdentifier, res.Deleted, res.Cleared)
	return res, nil
}

func (p *Planner) removeNode(ctx context.Context, n Node) error {
	switch n.Kind {
	case storage.KindIssue:
		return p.store.RemoveAttached(ctx, n.Kind, n.Space, n.ID, n.Parent, n.ParentKind, n.Collection)
	case storage.KindComponent, storage.KindMilestone:
		// Inside a project cascade the issues are already gone; no refs to clear.
		return p.store.RemoveDoc(ctx, n.Kind, n.Space, n.ID)
	default:
		return p.store.RemoveDoc(ctx, n.Kind, n.Space, n.ID)
	}
}

// clearLabelRefs nulls the component/milestone reference on every issue
// still pointing at the label. Runs only under force.
func (p *Planner) clearLabelRefs(ctx context.Context, impact *Impact, res *Result) error {
	field := "component"
	if impact.RootKind == storage.KindMilestone {
		field = "milestone"
	}
	refs, err := p.store.FindAll(ctx, storage.KindIssue, storage.Selector{
		"space": impact.Order[0].Space,
		field:   impact.RootID,
	}, 0)
	if err != nil {
		return err
	}
	for _, d := range refs {
		err := p.store.Update(ctx, storage.KindIssue, d.Space, d.ID, storage.Patch{
			Set: map[string]any{field: nil},
		})
		if err != nil {
			return err
		}
		res.Cleared++
	}
	return nil
}
