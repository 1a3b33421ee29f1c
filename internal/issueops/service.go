// Package issueops implements issue lifecycle operations: creation with
// number allocation, field updates, and the bulk variants built on the bulk
// engine.
package issueops

import (
	"context"
	"time"

	"github.com/trellishq/trellis/internal/bulk"
	"github.com/trellishq/trellis/internal/resolver"
	"github.com/trellishq/trellis/internal/sequence"
	"github.com/trellishq/trellis/internal/storage"
	"github.com/trellishq/trellis/internal/types"
)

// Service owns issue operations. Safe for concurrent use; all coordination
// happens in the store and the sequence allocator.
type Service struct {
	store  storage.Adapter
	seq    *sequence.Allocator
	res    *resolver.Resolver
	engine *bulk.Engine

	// defaultPriority applies when neither the item nor the call-level
	// defaults carry a priority. Zero value falls back to medium.
	defaultPriority types.Priority
	now             func() time.Time
}

// NewService wires an issue service over the given collaborators.
func NewService(store storage.Adapter, seq *sequence.Allocator, res *resolver.Resolver, engine *bulk.Engine, defaultPriority types.Priority) *Service {
	if !defaultPriority.IsValid() {
		defaultPriority = types.PriorityMedium
	}
	return &Service{
		store:           store,
		seq:             seq,
		res:             res,
		engine:          engine,
		defaultPriority: defaultPriority,
		now:             time.Now,
	}
}

// Resolver exposes the service's entity resolver for callers that need raw
// lookups alongside operations.
func (s *Service) Resolver() *resolver.Resolver { return s.res }

// CreateInput describes one issue to create. Project takes an identifier or
// stable ID; ParentIssue, when set, makes the new issue a sub-issue of that
// identifier. Component and Milestone are labels resolved within the project.
type CreateInput struct {
	Project     string `json:"project,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	Priority    string `json:"priority,omitempty"`
	ParentIssue string `json:"parent_issue,omitempty"`
	Component   string `json:"component,omitempty"`
	Milestone   string `json:"milestone,omitempty"`
}

// prepared is a fully validated create: every reference resolved, no number
// allocated yet. Validation failures never consume sequence numbers.
type prepared struct {
	project     *types.Project
	parent      *types.Issue
	title       string
	description string
	status      types.Status
	priority    types.Priority
	componentID string
	milestoneID string
}

// Create validates the input, allocates a number, and writes the issue.
func (s *Service) Create(ctx context.Context, in CreateInput) (*types.Issue, error) {
	prep, err := s.prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, prep, 0)
}

// prepare resolves and validates everything Create needs before any number
// is drawn.
func (s *Service) prepare(ctx context.Context, in CreateInput) (*prepared, error) {
	if in.Project == "" {
		return nil, storage.ValidationError("project is required")
	}
	project, err := s.res.ProjectByRef(ctx, in.Project)
	if err != nil {
		return nil, err
	}
	if project.Archived {
		return nil, &storage.Error{
			Code:       storage.CodeAlreadyArchived,
			Message:    "project " + project.Identifier + " is archived",
			Context:    "create issue",
			Suggestion: "unarchive the project before creating issues",
		}
	}

	prep := &prepared{
		project:     project,
		title:       in.Title,
		description: in.Description,
		status:      types.StatusBacklog,
	}
	if in.Title == "" {
		return nil, storage.ValidationError("title is required")
	}
	if len(in.Title) > 500 {
		return nil, storage.ValidationError("title must be 500 characters or less (got %d)", len(in.Title))
	}

	if in.Status != "" {
		st, err := types.NormalizeStatus(in.Status)
		if err != nil {
			return nil, storage.InvalidValueError("status", err)
		}
		prep.status = st
	}
	prep.priority = s.defaultPriority
	if in.Priority != "" {
		p, err := types.NormalizePriority(in.Priority)
		if err != nil {
			return nil, storage.InvalidValueError("priority", err)
		}
		prep.priority = p
	}

	if in.ParentIssue != "" {
		parent, err := s.res.IssueByIdentifier(ctx, in.ParentIssue)
		if err != nil {
			return nil, err
		}
		if parent.ProjectID != project.ID {
			return nil, storage.ValidationError("parent issue %s belongs to another project", in.ParentIssue)
		}
		prep.parent = parent
	}
	if in.Component != "" {
		comp, err := s.res.ComponentByLabel(ctx, project.ID, in.Component)
		if err != nil {
			return nil, err
		}
		prep.componentID = comp.ID
	}
	if in.Milestone != "" {
		ms, err := s.res.MilestoneByLabel(ctx, project.ID, in.Milestone)
		if err != nil {
			return nil, err
		}
		prep.milestoneID = ms.ID
	}
	return prep, nil
}

// commit allocates a number (unless the caller pre-reserved one) and writes
// the issue. A pre-reserved number of 0 means allocate here.
func (s *Service) commit(ctx context.Context, prep *prepared, number int64) (*types.Issue, error) {
	if number == 0 {
		n, err := s.seq.Next(ctx, prep.project.ID)
		if err != nil {
			return nil, err
		}
		number = n
	}

	now := s.now()
	issue := &types.Issue{
		ProjectID:   prep.project.ID,
		Number:      number,
		Identifier:  types.FormatIdentifier(prep.project.Identifier, number),
		Title:       prep.title,
		Status:      prep.status,
		Priority:    prep.priority,
		ComponentID: prep.componentID,
		MilestoneID: prep.milestoneID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	parent := storage.NoParent
	parentKind := storage.KindProject
	collection := storage.CollectionIssues
	if prep.parent != nil {
		issue.ParentID = prep.parent.ID
		parent = prep.parent.ID
		parentKind = storage.KindIssue
		collection = storage.CollectionSubIssues
	}
	id, err := s.store.CreateAttached(ctx, storage.KindIssue, prep.project.ID,
		parent, parentKind, collection, storage.IssueFields(issue))
	if err != nil {
		return nil, err
	}
	issue.ID = id

	// Markup uploads reference the owning document, so the issue has to
	// exist first; the ref is then patched in.
	if prep.description != "" {
		ref, err := s.store.UploadMarkup(ctx, storage.KindIssue, id, "description", prep.description, markupFormat)
		if err != nil {
			return nil, err
		}
		err = s.store.Update(ctx, storage.KindIssue, prep.project.ID, id, storage.Patch{
			Set: map[string]any{"description": ref},
		})
		if err != nil {
			return nil, err
		}
		issue.DescriptionRef = ref
	}
	return issue, nil
}

// CreateNumbered creates an issue with a pre-reserved number. The caller
// owns the number; template expansion reserves a contiguous range up front
// and feeds it through here.
func (s *Service) CreateNumbered(ctx context.Context, in CreateInput, number int64) (*types.Issue, error) {
	if number < 1 {
		return nil, storage.ValidationError("issue number must be positive (got %d)", number)
	}
	prep, err := s.prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, prep, number)
}

// Get resolves an issue by identifier.
func (s *Service) Get(ctx context.Context, identifier string) (*types.Issue, error) {
	return s.res.IssueByIdentifier(ctx, identifier)
}

// Description fetches the out-of-line description text for an issue, or ""
// when the issue has none.
func (s *Service) Description(ctx context.Context, issue *types.Issue) (string, error) {
	if issue.DescriptionRef == "" {
		return "", nil
	}
	return s.store.FetchMarkup(ctx, issue.DescriptionRef)
}

// List returns the project's issues narrowed by the filter. Filtering beyond
// the project scope happens client-side of the store; the document layout
// has no secondary indexes.
func (s *Service) List(ctx context.Context, projectRef string, f types.IssueFilter) ([]*types.Issue, error) {
	project, err := s.res.ProjectByRef(ctx, projectRef)
	if err != nil {
		return nil, err
	}
	issues, err := s.res.ProjectIssues(ctx, project.ID, 0)
	if err != nil {
		return nil, err
	}

	out := make([]*types.Issue, 0, len(issues))
	for _, i := range issues {
		if f.Status != nil && i.Status != *f.Status {
			continue
		}
		if f.Priority != nil && i.Priority != *f.Priority {
			continue
		}
		if f.ParentID != nil && i.ParentID != *f.ParentID {
			continue
		}
		if f.ComponentID != "" && i.ComponentID != f.ComponentID {
			continue
		}
		if f.MilestoneID != "" && i.MilestoneID != f.MilestoneID {
			continue
		}
		if f.CreatedAfter != nil && !i.CreatedAt.After(*f.CreatedAfter) {
			continue
		}
		if f.CreatedBefore != nil && !i.CreatedAt.Before(*f.CreatedBefore) {
			continue
		}
		out = append(out, i)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
