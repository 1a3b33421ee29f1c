package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/trellishq/trellis/internal/deletion"
	"github.com/trellishq/trellis/internal/issueops"
	"github.com/trellishq/trellis/internal/storage"
	"github.com/trellishq/trellis/internal/template"
	"github.com/trellishq/trellis/internal/types"
)

func decodeArgs(req *Request, v any) error {
	if len(req.Args) == 0 {
		return fmt.Errorf("missing arguments for %s", req.Operation)
	}
	if err := json.Unmarshal(req.Args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func (s *Server) handlePing(_ context.Context, _ *Request) *Response {
	return NewSuccessResponse(map[string]string{"status": "ok", "version": ServerVersion})
}

func (s *Server) handleHealth(_ context.Context, _ *Request) *Response {
	return NewSuccessResponse(HealthInfo{
		Status:        "healthy",
		Version:       ServerVersion,
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		ActiveConns:   int(atomic.LoadInt32(&s.activeConns)),
		Goroutines:    runtime.NumGoroutine(),
	})
}

func (s *Server) handleMetrics(_ context.Context, _ *Request) *Response {
	return NewSuccessResponse(s.metrics.Snapshot(int(atomic.LoadInt32(&s.activeConns))))
}

// handleShutdown acknowledges first; the stop runs after the response has
// been flushed back to the client.
func (s *Server) handleShutdown(_ context.Context, _ *Request) *Response {
	go func() {
		time.Sleep(100 * time.Millisecond)
		if err := s.Stop(); err != nil {
			fmt.Printf("Error stopping server: %v\n", err)
		}
	}()
	return NewSuccessResponse(map[string]string{"status": "shutting down"})
}

func (s *Server) handleCreateProject(ctx context.Context, req *Request) *Response {
	var args CreateProjectArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	project, err := s.svc.CreateProject(ctx, args.Identifier, args.Name)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(project)
}

func (s *Server) handleCreateComponent(ctx context.Context, req *Request) *Response {
	var args CreateLabelArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	comp, err := s.svc.CreateComponent(ctx, args.Project, args.Label)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(comp)
}

func (s *Server) handleCreateMilestone(ctx context.Context, req *Request) *Response {
	var args CreateLabelArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	var targetAt *time.Time
	if args.TargetAt != "" {
		t, err := time.Parse(time.RFC3339, args.TargetAt)
		if err != nil {
			return NewErrorResponse(storage.InvalidValueError("target_at", err))
		}
		targetAt = &t
	}
	ms, err := s.svc.CreateMilestone(ctx, args.Project, args.Label, targetAt)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(ms)
}

func (s *Server) handleCreateTemplate(ctx context.Context, req *Request) *Response {
	var args issueops.TemplateInput
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	tmpl, err := s.svc.CreateTemplate(ctx, args)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(tmpl)
}

func (s *Server) handleCreateIssue(ctx context.Context, req *Request) *Response {
	var args issueops.CreateInput
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	issue, err := s.svc.Create(ctx, args)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(issue)
}

// handleCreateSubissue is create_issue with a mandatory parent.
func (s *Server) handleCreateSubissue(ctx context.Context, req *Request) *Response {
	var args issueops.CreateInput
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	if args.ParentIssue == "" {
		return NewErrorResponse(storage.ValidationError("parent_issue is required"))
	}
	issue, err := s.svc.Create(ctx, args)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(issue)
}

func (s *Server) handleUpdateIssue(ctx context.Context, req *Request) *Response {
	var args UpdateIssueArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	issue, err := s.svc.Update(ctx, args.Identifier, args.Fields)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(issue)
}

func (s *Server) handleGetIssue(ctx context.Context, req *Request) *Response {
	var args IssueRefArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	issue, err := s.svc.Get(ctx, args.Identifier)
	if err != nil {
		return NewErrorResponse(err)
	}
	view := IssueView{Issue: *issue}
	if text, err := s.svc.Description(ctx, issue); err == nil {
		view.Description = text
	}
	return NewSuccessResponse(view)
}

func (s *Server) handleListIssues(ctx context.Context, req *Request) *Response {
	var args ListIssuesArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	filter, err := s.buildFilter(ctx, &args)
	if err != nil {
		return NewErrorResponse(err)
	}
	issues, err := s.svc.List(ctx, args.Project, *filter)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(issues)
}

func (s *Server) buildFilter(ctx context.Context, args *ListIssuesArgs) (*types.IssueFilter, error) {
	filter := &types.IssueFilter{Limit: args.Limit}
	if filter.Limit <= 0 {
		filter.Limit = s.defaultIssueLimit
	}
	if args.Status != "" {
		st, err := types.NormalizeStatus(args.Status)
		if err != nil {
			return nil, storage.InvalidValueError("status", err)
		}
		filter.Status = &st
	}
	if args.Priority != "" {
		p, err := types.NormalizePriority(args.Priority)
		if err != nil {
			return nil, storage.InvalidValueError("priority", err)
		}
		filter.Priority = &p
	}
	switch args.Parent {
	case "":
	case "none":
		top := ""
		filter.ParentID = &top
	default:
		parent, err := s.svc.Get(ctx, args.Parent)
		if err != nil {
			return nil, err
		}
		filter.ParentID = &parent.ID
	}
	if args.Component != "" || args.Milestone != "" {
		project, err := s.svc.Resolver().ProjectByRef(ctx, args.Project)
		if err != nil {
			return nil, err
		}
		if args.Component != "" {
			comp, err := s.svc.Resolver().ComponentByLabel(ctx, project.ID, args.Component)
			if err != nil {
				return nil, err
			}
			filter.ComponentID = comp.ID
		}
		if args.Milestone != "" {
			ms, err := s.svc.Resolver().MilestoneByLabel(ctx, project.ID, args.Milestone)
			if err != nil {
				return nil, err
			}
			filter.MilestoneID = ms.ID
		}
	}
	return filter, nil
}

func (s *Server) handleDeleteIssue(ctx context.Context, req *Request) *Response {
	var args DeleteArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	issue, err := s.svc.Get(ctx, args.Ref)
	if err != nil {
		return NewErrorResponse(err)
	}
	impact, err := s.planner.PlanIssue(ctx, issue)
	if err != nil {
		return NewErrorResponse(err)
	}
	if !args.Cascade && impact.Counts["sub_issues"] > 0 {
		return NewErrorResponse(&storage.Error{
			Code:       storage.CodeDeletionBlocked,
			Message:    fmt.Sprintf("issue %s has %d sub-issues", args.Ref, impact.Counts["sub_issues"]),
			Suggestion: "re-run with cascade to delete the whole tree",
		})
	}
	return s.executePlan(ctx, impact, args)
}

func (s *Server) handleDeleteProject(ctx context.Context, req *Request) *Response {
	var args DeleteArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	project, err := s.svc.Resolver().ProjectByRef(ctx, args.Ref)
	if err != nil {
		return NewErrorResponse(err)
	}
	impact, err := s.planner.PlanProject(ctx, project)
	if err != nil {
		return NewErrorResponse(err)
	}
	return s.executePlan(ctx, impact, args)
}

func (s *Server) handleDeleteComponent(ctx context.Context, req *Request) *Response {
	return s.deleteLabel(ctx, req, storage.KindComponent)
}

func (s *Server) handleDeleteMilestone(ctx context.Context, req *Request) *Response {
	return s.deleteLabel(ctx, req, storage.KindMilestone)
}

func (s *Server) deleteLabel(ctx context.Context, req *Request, kind storage.Kind) *Response {
	var args DeleteArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	impact, err := s.planLabel(ctx, kind, args.Project, args.Ref)
	if err != nil {
		return NewErrorResponse(err)
	}
	return s.executePlan(ctx, impact, args)
}

func (s *Server) planLabel(ctx context.Context, kind storage.Kind, projectRef, label string) (*deletion.Impact, error) {
	project, err := s.svc.Resolver().ProjectByRef(ctx, projectRef)
	if err != nil {
		return nil, err
	}
	var id string
	switch kind {
	case storage.KindComponent:
		comp, err := s.svc.Resolver().ComponentByLabel(ctx, project.ID, label)
		if err != nil {
			return nil, err
		}
		id = comp.ID
	case storage.KindMilestone:
		ms, err := s.svc.Resolver().MilestoneByLabel(ctx, project.ID, label)
		if err != nil {
			return nil, err
		}
		id = ms.ID
	default:
		return nil, storage.ValidationError("cannot delete entity kind %q", kind)
	}
	return s.planner.PlanLabel(ctx, kind, id, label, project.ID)
}

func (s *Server) executePlan(ctx context.Context, impact *deletion.Impact, args DeleteArgs) *Response {
	res, err := s.planner.Execute(ctx, impact, deletion.Options{Force: args.Force, DryRun: args.DryRun})
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(DeleteResult{
		DryRun:  res.DryRun,
		Deleted: res.Deleted,
		Cleared: res.Cleared,
		Impact:  res.Impact,
	})
}

func (s *Server) handleValidateDeletion(ctx context.Context, req *Request) *Response {
	var args ValidateDeletionArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	var impact *deletion.Impact
	var err error
	switch args.Kind {
	case "issue":
		var issue *types.Issue
		issue, err = s.svc.Get(ctx, args.Ref)
		if err == nil {
			impact, err = s.planner.PlanIssue(ctx, issue)
		}
	case "project":
		var project *types.Project
		project, err = s.svc.Resolver().ProjectByRef(ctx, args.Ref)
		if err == nil {
			impact, err = s.planner.PlanProject(ctx, project)
		}
	case "component":
		impact, err = s.planLabel(ctx, storage.KindComponent, args.Project, args.Ref)
	case "milestone":
		impact, err = s.planLabel(ctx, storage.KindMilestone, args.Project, args.Ref)
	default:
		err = storage.ValidationError("unknown deletion kind %q", args.Kind)
	}
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(impact)
}

func (s *Server) handleBulkCreateIssues(ctx context.Context, req *Request) *Response {
	var args BulkCreateArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	res, err := s.svc.BulkCreate(ctx, args.Items, args.Defaults, issueops.BulkOptions{
		ContinueOnError: args.ContinueOnError,
		DryRun:          args.DryRun,
		BatchSize:       args.BatchSize,
	})
	// Fail-fast partial failures still return the populated result so the
	// client can see what happened before the stop.
	if err != nil && res == nil {
		return NewErrorResponse(err)
	}
	if err != nil {
		resp := NewSuccessResponse(res)
		resp.Success = false
		resp.Error = err.Error()
		resp.Code = string(storage.CodeBulkPartialFailure)
		return resp
	}
	return NewSuccessResponse(res)
}

func (s *Server) handleBulkUpdateIssues(ctx context.Context, req *Request) *Response {
	var args BulkUpdateArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	res, err := s.svc.BulkUpdate(ctx, args.Updates, issueops.BulkOptions{
		ContinueOnError: args.ContinueOnError,
		DryRun:          args.DryRun,
		BatchSize:       args.BatchSize,
	})
	if err != nil && res == nil {
		return NewErrorResponse(err)
	}
	if err != nil {
		resp := NewSuccessResponse(res)
		resp.Success = false
		resp.Error = err.Error()
		resp.Code = string(storage.CodeBulkPartialFailure)
		return resp
	}
	return NewSuccessResponse(res)
}

func (s *Server) handleBulkDeleteIssues(ctx context.Context, req *Request) *Response {
	var args BulkDeleteArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	res, err := s.planner.BulkDeleteIssues(ctx, args.Identifiers, deletion.BulkDeleteOptions{
		Cascade:         args.Cascade,
		Force:           args.Force,
		DryRun:          args.DryRun,
		ContinueOnError: args.ContinueOnError,
		BatchSize:       args.BatchSize,
	})
	if err != nil && res == nil {
		return NewErrorResponse(err)
	}
	if err != nil {
		resp := NewSuccessResponse(res)
		resp.Success = false
		resp.Error = err.Error()
		resp.Code = string(storage.CodeBulkPartialFailure)
		return resp
	}
	return NewSuccessResponse(res)
}

func (s *Server) handleCreateIssueFromTemplate(ctx context.Context, req *Request) *Response {
	var args ExpandTemplateArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	res, err := s.expander.Expand(ctx, args.TemplateID, template.Overrides{
		Title:    args.Title,
		Priority: args.Priority,
	})
	if err != nil && res == nil {
		return NewErrorResponse(err)
	}
	if err != nil {
		// Partial expansion: parent and some children exist.
		resp := NewSuccessResponse(res)
		resp.Success = false
		resp.Error = err.Error()
		resp.Code = string(storage.CodeBulkPartialFailure)
		return resp
	}
	return NewSuccessResponse(res)
}

func (s *Server) handleBulkStatus(_ context.Context, req *Request) *Response {
	var args BulkStatusArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	snap, ok := s.engine.Status(args.OperationID)
	if !ok {
		return NewErrorResponse(storage.NotFoundError("bulk operation", args.OperationID))
	}
	return NewSuccessResponse(snap)
}

func (s *Server) handleBulkCancel(_ context.Context, req *Request) *Response {
	var args BulkStatusArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	if !s.engine.Cancel(args.OperationID) {
		return NewErrorResponse(storage.NotFoundError("cancellable bulk operation", args.OperationID))
	}
	return NewSuccessResponse(map[string]string{"status": "cancellation requested"})
}
