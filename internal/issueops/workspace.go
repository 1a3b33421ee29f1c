package issueops

import (
	"context"
	"time"

	"github.com/trellishq/trellis/internal/storage"
	"github.com/trellishq/trellis/internal/types"
)

func conflictError(entity, ref string) *storage.Error {
	return &storage.Error{
		Code:       storage.CodeConflict,
		Message:    entity + " " + ref + " already exists",
		Suggestion: "pick a different " + entity + " name",
	}
}

// CreateProject creates a workspace project. The identifier must match the
// 1-5 uppercase letter form and be unique across the workspace.
func (s *Service) CreateProject(ctx context.Context, identifier, name string) (*types.Project, error) {
	if !types.IsProjectIdentifier(identifier) {
		return nil, storage.ValidationError("invalid project identifier %q (1-5 uppercase letters)", identifier)
	}
	if name == "" {
		name = identifier
	}

	_, err := s.store.FindOne(ctx, storage.KindProject, storage.Selector{"identifier": identifier})
	if err == nil {
		return nil, conflictError("project", identifier)
	}
	if !storage.IsNotFound(err) {
		return nil, err
	}

	project := &types.Project{
		Identifier: identifier,
		Name:       name,
		CreatedAt:  s.now(),
	}
	id, err := s.store.CreateDoc(ctx, storage.KindProject, "workspace", storage.ProjectFields(project))
	if err != nil {
		return nil, err
	}
	project.ID = id
	return project, nil
}

// CreateComponent creates a component label in a project. Labels are unique
// within their project.
func (s *Service) CreateComponent(ctx context.Context, projectRef, label string) (*types.Component, error) {
	if label == "" {
		return nil, storage.ValidationError("component label is required")
	}
	project, err := s.res.ProjectByRef(ctx, projectRef)
	if err != nil {
		return nil, err
	}
	if _, err := s.res.ComponentByLabel(ctx, project.ID, label); err == nil {
		return nil, conflictError("component", label)
	} else if !storage.IsNotFound(err) {
		return nil, err
	}

	comp := &types.Component{ProjectID: project.ID, Label: label, CreatedAt: s.now()}
	id, err := s.store.CreateDoc(ctx, storage.KindComponent, project.ID, storage.ComponentFields(comp))
	if err != nil {
		return nil, err
	}
	comp.ID = id
	return comp, nil
}

// CreateMilestone creates a milestone label in a project, optionally with a
// target date.
func (s *Service) CreateMilestone(ctx context.Context, projectRef, label string, targetAt *time.Time) (*types.Milestone, error) {
	if label == "" {
		return nil, storage.ValidationError("milestone label is required")
	}
	project, err := s.res.ProjectByRef(ctx, projectRef)
	if err != nil {
		return nil, err
	}
	if _, err := s.res.MilestoneByLabel(ctx, project.ID, label); err == nil {
		return nil, conflictError("milestone", label)
	} else if !storage.IsNotFound(err) {
		return nil, err
	}

	ms := &types.Milestone{ProjectID: project.ID, Label: label, TargetAt: targetAt, CreatedAt: s.now()}
	id, err := s.store.CreateDoc(ctx, storage.KindMilestone, project.ID, storage.MilestoneFields(ms))
	if err != nil {
		return nil, err
	}
	ms.ID = id
	return ms, nil
}

// TemplateInput describes a reusable issue skeleton to store.
type TemplateInput struct {
	Project     string               `json:"project"`
	Title       string               `json:"title"`
	Description string               `json:"description,omitempty"`
	Priority    string               `json:"priority,omitempty"`
	Children    []TemplateChildInput `json:"children,omitempty"`
}

// TemplateChildInput describes one sub-issue skeleton of a template.
type TemplateChildInput struct {
	Title       string `json:"title"`
	Priority    string `json:"priority,omitempty"`
	Description string `json:"description,omitempty"`
}

// CreateTemplate stores a template for later expansion. Priorities are
// normalized at creation so expansion never parses user input.
func (s *Service) CreateTemplate(ctx context.Context, in TemplateInput) (*types.Template, error) {
	if in.Title == "" {
		return nil, storage.ValidationError("template title is required")
	}
	project, err := s.res.ProjectByRef(ctx, in.Project)
	if err != nil {
		return nil, err
	}

	priority := s.defaultPriority
	if in.Priority != "" {
		p, err := types.NormalizePriority(in.Priority)
		if err != nil {
			return nil, storage.InvalidValueError("priority", err)
		}
		priority = p
	}

	tmpl := &types.Template{
		ProjectID:   project.ID,
		Title:       in.Title,
		Description: in.Description,
		Priority:    priority,
		CreatedAt:   s.now(),
	}
	for i, c := range in.Children {
		if c.Title == "" {
			return nil, storage.ValidationError("template child %d has no title", i)
		}
		cp := priority
		if c.Priority != "" {
			p, err := types.NormalizePriority(c.Priority)
			if err != nil {
				return nil, storage.InvalidValueError("priority", err)
			}
			cp = p
		}
		tmpl.Children = append(tmpl.Children, types.TemplateChild{
			Title:       c.Title,
			Priority:    cp,
			Description: c.Description,
		})
	}

	id, err := s.store.CreateDoc(ctx, storage.KindTemplate, project.ID, storage.TemplateFields(tmpl))
	if err != nil {
		return nil, err
	}
	tmpl.ID = id
	return tmpl, nil
}
