// Package resolver turns user-facing references (project identifiers, issue
// identifiers, component labels) into store entities.
package resolver

import (
	"context"

	"github.com/trellishq/trellis/internal/storage"
	"github.com/trellishq/trellis/internal/types"
)

// Resolver looks up workspace entities by reference. Safe for concurrent use.
type Resolver struct {
	store storage.Adapter
}

// New creates a resolver over the given store adapter.
func New(store storage.Adapter) *Resolver {
	return &Resolver{store: store}
}

// ProjectByRef resolves a project by identifier ("TEST") or by stable ID.
func (r *Resolver) ProjectByRef(ctx context.Context, ref string) (*types.Project, error) {
	if types.IsProjectIdentifier(ref) {
		doc, err := r.store.FindOne(ctx, storage.KindProject, storage.Selector{"identifier": ref})
		if err == nil {
			return storage.ProjectFromDoc(doc), nil
		}
		if !storage.IsNotFound(err) {
			return nil, err
		}
		// fall through: a 1-5 letter string may still be a raw ID
	}
	doc, err := r.store.FindOne(ctx, storage.KindProject, storage.Selector{"_id": ref})
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, storage.NotFoundError("project", ref)
		}
		return nil, err
	}
	return storage.ProjectFromDoc(doc), nil
}

// ProjectByID resolves a project by stable ID only. Used for internal
// invariants where the project must exist (fatal when missing).
func (r *Resolver) ProjectByID(ctx context.Context, id string) (*types.Project, error) {
	doc, err := r.store.FindOne(ctx, storage.KindProject, storage.Selector{"_id": id})
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, storage.NotFoundError("project", id)
		}
		return nil, err
	}
	return storage.ProjectFromDoc(doc), nil
}

// IssueByIdentifier resolves an issue by its "TEST-42" identifier.
func (r *Resolver) IssueByIdentifier(ctx context.Context, identifier string) (*types.Issue, error) {
	projIdent, number, err := types.ParseIdentifier(identifier)
	if err != nil {
		return nil, storage.ValidationError("%v", err)
	}
	project, err := r.ProjectByRef(ctx, projIdent)
	if err != nil {
		return nil, err
	}
	doc, err := r.store.FindOne(ctx, storage.KindIssue, storage.Selector{
		"space":  project.ID,
		"number": number,
	})
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, storage.NotFoundError("issue", identifier)
		}
		return nil, err
	}
	return storage.IssueFromDoc(doc), nil
}

// IssueByID resolves an issue by stable ID.
func (r *Resolver) IssueByID(ctx context.Context, id string) (*types.Issue, error) {
	doc, err := r.store.FindOne(ctx, storage.KindIssue, storage.Selector{"_id": id})
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, storage.NotFoundError("issue", id)
		}
		return nil, err
	}
	return storage.IssueFromDoc(doc), nil
}

// ComponentByLabel resolves a component label within a project.
func (r *Resolver) ComponentByLabel(ctx context.Context, projectID, label string) (*types.Component, error) {
	doc, err := r.store.FindOne(ctx, storage.KindComponent, storage.Selector{
		"space": projectID,
		"label": label,
	})
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, storage.NotFoundError("component", label)
		}
		return nil, err
	}
	return storage.ComponentFromDoc(doc), nil
}

// MilestoneByLabel resolves a milestone label within a project.
func (r *Resolver) MilestoneByLabel(ctx context.Context, projectID, label string) (*types.Milestone, error) {
	doc, err := r.store.FindOne(ctx, storage.KindMilestone, storage.Selector{
		"space": projectID,
		"label": label,
	})
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, storage.NotFoundError("milestone", label)
		}
		return nil, err
	}
	return storage.MilestoneFromDoc(doc), nil
}

// TemplateByID resolves a template by stable ID.
func (r *Resolver) TemplateByID(ctx context.Context, id string) (*types.Template, error) {
	doc, err := r.store.FindOne(ctx, storage.KindTemplate, storage.Selector{"_id": id})
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, storage.NotFoundError("template", id)
		}
		return nil, err
	}
	return storage.TemplateFromDoc(doc), nil
}

// SubIssues lists the direct children of an issue.
func (r *Resolver) SubIssues(ctx context.Context, projectID, parentID string) ([]*types.Issue, error) {
	docs, err := r.store.FindAll(ctx, storage.KindIssue, storage.Selector{
		"space":      projectID,
		"attachedTo": parentID,
	}, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Issue, 0, len(docs))
	for _, d := range docs {
		out = append(out, storage.IssueFromDoc(d))
	}
	return out, nil
}

// ProjectIssues lists every issue in a project's space.
func (r *Resolver) ProjectIssues(ctx context.Context, projectID string, limit int) ([]*types.Issue, error) {
	docs, err := r.store.FindAll(ctx, storage.KindIssue, storage.Selector{"space": projectID}, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Issue, 0, len(docs))
	for _, d := range docs {
		out = append(out, storage.IssueFromDoc(d))
	}
	return out, nil
}
