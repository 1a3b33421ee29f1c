// Package types defines core data structures for the trellis workspace tracker.
package types

import (
	"fmt"
	"time"
)

// Project is a top-level workspace scope holding issues, components,
// milestones, and templates.
type Project struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"` // 1-5 uppercase letters, e.g. "TEST"
	Name       string `json:"name"`
	Sequence   int64  `json:"sequence"` // highest issue number assigned; 0 = none yet
	Archived   bool   `json:"archived"`
	// Integration reports whether an external integration is enabled for the
	// project. Projects with an active integration cannot be deleted without force.
	Integration bool      `json:"integration,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Issue represents a trackable work item within a project.
type Issue struct {
	ID         string   `json:"id"`
	ProjectID  string   `json:"project_id"`
	Number     int64    `json:"number"`     // unique within project, assigned by the sequence allocator
	Identifier string   `json:"identifier"` // "<project.identifier>-<number>", stable for life
	Title      string   `json:"title"`
	Status     Status   `json:"status,omitempty"`
	Priority   Priority `json:"priority,omitempty"`

	// ParentID references the parent issue for sub-issues; empty for top-level
	// issues. Parent and child always share a project.
	ParentID    string `json:"parent_id,omitempty"`
	ComponentID string `json:"component_id,omitempty"`
	MilestoneID string `json:"milestone_id,omitempty"`

	// DescriptionRef points at out-of-line markup storage. Empty means the
	// issue has no description; an empty description never creates a ref.
	DescriptionRef string `json:"description_ref,omitempty"`

	// Blocks lists issue IDs that this issue blocks. A non-empty list is a
	// deletion blocker unless force is set.
	Blocks []string `json:"blocks,omitempty"`

	Comments    int `json:"comments,omitempty"`
	Attachments int `json:"attachments,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks field values before the issue is written to the store.
func (i *Issue) Validate() error {
	if len(i.Title) == 0 {
		return fmt.Errorf("title is required")
	}
	if len(i.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(i.Title))
	}
	if i.Number < 1 {
		return fmt.Errorf("issue number must be positive (got %d)", i.Number)
	}
	if !i.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", i.Status)
	}
	if !i.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %s", i.Priority)
	}
	return nil
}

// Component is a project-scoped label referenced weakly by issues.
type Component struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// Milestone is a project-scoped label referenced weakly by issues.
type Milestone struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Label     string     `json:"label"`
	TargetAt  *time.Time `json:"target_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Template is a reusable issue skeleton. Instantiation produces one parent
// issue plus one sub-issue per child, each drawing a distinct number.
type Template struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Priority    Priority        `json:"priority,omitempty"`
	Children    []TemplateChild `json:"children,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TemplateChild describes one sub-issue produced during template expansion.
type TemplateChild struct {
	Title       string   `json:"title"`
	Priority    Priority `json:"priority,omitempty"`
	Description string   `json:"description,omitempty"`
}

// IssueFilter narrows issue listing queries.
type IssueFilter struct {
	ProjectID   string
	ParentID    *string // nil = any; pointer to "" = top-level only
	Status      *Status
	Priority    *Priority
	ComponentID string
	MilestoneID string

	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	Limit int
}
