package rpc

import (
	"encoding/json"
	"errors"

	"github.com/trellishq/trellis/internal/deletion"
	"github.com/trellishq/trellis/internal/issueops"
	"github.com/trellishq/trellis/internal/storage"
	"github.com/trellishq/trellis/internal/types"
)

// Operation constants for the trellisd tool surface.
const (
	OpPing     = "ping"
	OpHealth   = "health"
	OpMetrics  = "metrics"
	OpShutdown = "shutdown"

	OpCreateProject   = "create_project"
	OpCreateComponent = "create_component"
	OpCreateMilestone = "create_milestone"
	OpCreateTemplate  = "create_template"

	OpCreateIssue    = "create_issue"
	OpCreateSubissue = "create_subissue"
	OpUpdateIssue    = "update_issue"
	OpGetIssue       = "get_issue"
	OpListIssues     = "list_issues"

	OpDeleteIssue     = "delete_issue"
	OpDeleteProject   = "delete_project"
	OpDeleteComponent = "delete_component"
	OpDeleteMilestone = "delete_milestone"

	OpBulkCreateIssues = "bulk_create_issues"
	OpBulkUpdateIssues = "bulk_update_issues"
	OpBulkDeleteIssues = "bulk_delete_issues"

	OpValidateDeletion        = "validate_deletion"
	OpCreateIssueFromTemplate = "create_issue_from_template"

	OpBulkStatus = "bulk_status"
	OpBulkCancel = "bulk_cancel"
)

// Request is one newline-delimited JSON request from client to daemon.
type Request struct {
	Operation     string          `json:"operation"`
	Args          json.RawMessage `json:"args,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	ClientVersion string          `json:"client_version,omitempty"`
}

// Response is one newline-delimited JSON response from daemon to client.
// Code and Suggestion carry the structured error taxonomy when Success is
// false.
type Response struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`
	Suggestion string          `json:"suggestion,omitempty"`
}

// NewSuccessResponse marshals data into a success response.
func NewSuccessResponse(data any) *Response {
	raw, err := json.Marshal(data)
	if err != nil {
		return NewErrorResponse(err)
	}
	return &Response{Success: true, Data: raw}
}

// NewErrorResponse maps an error onto the wire shape, preserving the code
// and suggestion of structured errors.
func NewErrorResponse(err error) *Response {
	resp := &Response{Success: false, Error: err.Error(), Code: string(storage.CodeOf(err))}
	var se *storage.Error
	if errors.As(err, &se) {
		resp.Suggestion = se.Suggestion
	}
	return resp
}

// CreateProjectArgs creates a workspace project.
type CreateProjectArgs struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
}

// CreateLabelArgs creates a component or milestone in a project. TargetAt is
// RFC 3339 and only meaningful for milestones.
type CreateLabelArgs struct {
	Project  string `json:"project"`
	Label    string `json:"label"`
	TargetAt string `json:"target_at,omitempty"`
}

// IssueRefArgs names one issue by identifier.
type IssueRefArgs struct {
	Identifier string `json:"identifier"`
}

// UpdateIssueArgs applies field changes to one issue.
type UpdateIssueArgs struct {
	Identifier string         `json:"identifier"`
	Fields     map[string]any `json:"fields"`
}

// ListIssuesArgs narrows an issue listing.
type ListIssuesArgs struct {
	Project   string `json:"project"`
	Status    string `json:"status,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Parent    string `json:"parent,omitempty"` // issue identifier; "none" = top-level only
	Component string `json:"component,omitempty"`
	Milestone string `json:"milestone,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// IssueView is the wire shape of an issue, description text inlined.
type IssueView struct {
	types.Issue
	Description string `json:"description,omitempty"`
}

// DeleteArgs deletes one entity. Ref is an issue identifier, project
// identifier, or label depending on the operation.
type DeleteArgs struct {
	Ref     string `json:"ref"`
	Project string `json:"project,omitempty"` // scope for label deletion
	Cascade bool   `json:"cascade,omitempty"`
	Force   bool   `json:"force,omitempty"`
	DryRun  bool   `json:"dry_run,omitempty"`
}

// ValidateDeletionArgs analyzes a deletion without executing it.
type ValidateDeletionArgs struct {
	Kind    string `json:"kind"` // issue, project, component, milestone
	Ref     string `json:"ref"`
	Project string `json:"project,omitempty"`
}

// BulkCreateArgs creates up to MaxBulkCreateItems issues in one call.
type BulkCreateArgs struct {
	Items           []issueops.CreateInput `json:"items"`
	Defaults        issueops.CreateInput   `json:"defaults,omitempty"`
	ContinueOnError bool                   `json:"continue_on_error,omitempty"`
	DryRun          bool                   `json:"dry_run,omitempty"`
	BatchSize       int                    `json:"batch_size,omitempty"`
}

// BulkUpdateArgs updates up to MaxBulkUpdateItems issues in one call.
type BulkUpdateArgs struct {
	Updates         []issueops.UpdateItem `json:"updates"`
	ContinueOnError bool                  `json:"continue_on_error,omitempty"`
	DryRun          bool                  `json:"dry_run,omitempty"`
	BatchSize       int                   `json:"batch_size,omitempty"`
}

// BulkDeleteArgs deletes issues by identifier in one call.
type BulkDeleteArgs struct {
	Identifiers     []string `json:"identifiers"`
	Cascade         bool     `json:"cascade,omitempty"`
	Force           bool     `json:"force,omitempty"`
	DryRun          bool     `json:"dry_run,omitempty"`
	ContinueOnError bool     `json:"continue_on_error,omitempty"`
	BatchSize       int      `json:"batch_size,omitempty"`
}

// ExpandTemplateArgs instantiates a stored template.
type ExpandTemplateArgs struct {
	TemplateID string `json:"template_id"`
	Title      string `json:"title,omitempty"`
	Priority   string `json:"priority,omitempty"`
}

// BulkStatusArgs queries one in-flight or recently finished bulk operation.
type BulkStatusArgs struct {
	OperationID string `json:"operation_id"`
}

// DeleteResult is the wire shape of a single-entity deletion.
type DeleteResult struct {
	DryRun  bool             `json:"dry_run,omitempty"`
	Deleted int              `json:"deleted"`
	Cleared int              `json:"cleared_references,omitempty"`
	Impact  *deletion.Impact `json:"impact,omitempty"`
}

// HealthInfo is the health operation's payload.
type HealthInfo struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	ActiveConns   int     `json:"active_connections"`
	Goroutines    int     `json:"goroutines"`
}
