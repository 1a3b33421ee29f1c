package rpc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellishq/trellis/internal/bulk"
	"github.com/trellishq/trellis/internal/deletion"
	"github.com/trellishq/trellis/internal/issueops"
	"github.com/trellishq/trellis/internal/resolver"
	"github.com/trellishq/trellis/internal/sequence"
	"github.com/trellishq/trellis/internal/template"
	"github.com/trellishq/trellis/internal/types"

	"github.com/trellishq/trellis/internal/storage/memory"
)

func startTestServer(t *testing.T) (string, *Server) {
	t.Helper()
	store := memory.New()
	engine := bulk.NewEngine(bulk.DefaultRetention)
	t.Cleanup(engine.Stop)
	res := resolver.New(store)
	seq := sequence.New(store)
	svc := issueops.NewService(store, seq, res, engine, types.PriorityMedium)
	planner := deletion.NewPlanner(store, res, engine)
	exp := template.NewExpander(seq, res, svc)

	sockPath := filepath.Join(t.TempDir(), "trellisd.sock")
	srv := NewServer(sockPath, store, svc, planner, exp, engine)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return sockPath, srv
}

func dial(t *testing.T, sockPath string) *Client {
	t.Helper()
	c, err := Dial(sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPingAndHealth(t *testing.T) {
	sockPath, _ := startTestServer(t)
	c := dial(t, sockPath)

	var pong map[string]string
	require.NoError(t, c.CallInto(OpPing, nil, &pong))
	assert.Equal(t, "ok", pong["status"])

	var health HealthInfo
	require.NoError(t, c.CallInto(OpHealth, nil, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.GreaterOrEqual(t, health.ActiveConns, 1)
}

func TestUnknownOperation(t *testing.T) {
	sockPath, _ := startTestServer(t)
	c := dial(t, sockPath)

	_, err := c.Call("no_such_op", nil)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Message, "unknown operation")
}

func TestIssueLifecycleOverSocket(t *testing.T) {
	sockPath, _ := startTestServer(t)
	c := dial(t, sockPath)

	var project types.Project
	require.NoError(t, c.CallInto(OpCreateProject, CreateProjectArgs{Identifier: "TEST", Name: "Test"}, &project))
	assert.Equal(t, "TEST", project.Identifier)

	var issue types.Issue
	require.NoError(t, c.CallInto(OpCreateIssue, issueops.CreateInput{
		Project: "TEST", Title: "First", Description: "Details here.", Priority: "high",
	}, &issue))
	assert.Equal(t, "TEST-1", issue.Identifier)

	var view IssueView
	require.NoError(t, c.CallInto(OpGetIssue, IssueRefArgs{Identifier: "TEST-1"}, &view))
	assert.Equal(t, "First", view.Title)
	assert.Equal(t, "Details here.", view.Description)
	assert.Equal(t, types.PriorityHigh, view.Priority)

	require.NoError(t, c.CallInto(OpUpdateIssue, UpdateIssueArgs{
		Identifier: "TEST-1",
		Fields:     map[string]any{"status": "in_progress"},
	}, &issue))
	assert.Equal(t, types.StatusInProgress, issue.Status)

	var issues []*types.Issue
	require.NoError(t, c.CallInto(OpListIssues, ListIssuesArgs{Project: "TEST", Status: "in_progress"}, &issues))
	require.Len(t, issues, 1)

	var del DeleteResult
	require.NoError(t, c.CallInto(OpDeleteIssue, DeleteArgs{Ref: "TEST-1"}, &del))
	assert.Equal(t, 1, del.Deleted)

	_, err := c.Call(OpGetIssue, IssueRefArgs{Identifier: "TEST-1"})
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "not_found", ce.Code)
}

func TestErrorCodePropagation(t *testing.T) {
	sockPath, _ := startTestServer(t)
	c := dial(t, sockPath)

	var project types.Project
	require.NoError(t, c.CallInto(OpCreateProject, CreateProjectArgs{Identifier: "TEST"}, &project))

	_, err := c.Call(OpCreateIssue, issueops.CreateInput{Project: "TEST", Title: "x", Priority: "asap"})
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "invalid_value", ce.Code)

	_, err = c.Call(OpUpdateIssue, UpdateIssueArgs{Identifier: "TEST-1", Fields: map[string]any{"title": "x"}})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "not_found", ce.Code)
	assert.NotEmpty(t, ce.Suggestion)
}

// Ten clients bulk-create 20 issues each, batch size 5. Every number in
// 1..200 must be assigned exactly once.
func TestConcurrentBulkCreates(t *testing.T) {
	sockPath, _ := startTestServer(t)
	setup := dial(t, sockPath)
	var project types.Project
	require.NoError(t, setup.CallInto(OpCreateProject, CreateProjectArgs{Identifier: "TEST"}, &project))

	const clients = 10
	const perClient = 20
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := Dial(sockPath)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer c.Close()

			items := make([]issueops.CreateInput, perClient)
			for j := range items {
				items[j] = issueops.CreateInput{Title: fmt.Sprintf("Item %d", j)}
			}
			var res issueops.BulkCreateResult
			err = c.CallInto(OpBulkCreateIssues, BulkCreateArgs{
				Items:           items,
				Defaults:        issueops.CreateInput{Project: "TEST"},
				ContinueOnError: true,
				BatchSize:       5,
			}, &res)
			if err != nil {
				t.Errorf("bulk create: %v", err)
				return
			}
			if res.Succeeded != perClient {
				t.Errorf("succeeded = %d, want %d", res.Succeeded, perClient)
			}
		}()
	}
	wg.Wait()

	var issues []*types.Issue
	require.NoError(t, setup.CallInto(OpListIssues, ListIssuesArgs{Project: "TEST", Limit: clients * perClient}, &issues))
	require.Len(t, issues, clients*perClient)

	seen := map[int64]bool{}
	for _, issue := range issues {
		if seen[issue.Number] {
			t.Errorf("number %d assigned twice", issue.Number)
		}
		seen[issue.Number] = true
	}
	for n := int64(1); n <= clients*perClient; n++ {
		assert.True(t, seen[n], "number %d missing", n)
	}
}

func TestBulkDeleteOverSocket(t *testing.T) {
	sockPath, _ := startTestServer(t)
	c := dial(t, sockPath)

	var project types.Project
	require.NoError(t, c.CallInto(OpCreateProject, CreateProjectArgs{Identifier: "TEST"}, &project))
	var parent types.Issue
	require.NoError(t, c.CallInto(OpCreateIssue, issueops.CreateInput{Project: "TEST", Title: "Parent"}, &parent))
	for _, args := range []issueops.CreateInput{
		{Project: "TEST", Title: "Sub A", ParentIssue: "TEST-1"},
		{Project: "TEST", Title: "Sub B", ParentIssue: "TEST-1"},
		{Project: "TEST", Title: "Standalone"},
		{Project: "TEST", Title: "Other standalone"},
	} {
		require.NoError(t, c.CallInto(OpCreateIssue, args, nil))
	}

	var res deletion.BulkDeleteResult
	require.NoError(t, c.CallInto(OpBulkDeleteIssues, BulkDeleteArgs{
		Identifiers: []string{"TEST-1", "TEST-5"}, Cascade: true, ContinueOnError: true,
	}, &res))
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 4, res.DeletedCount)

	var issues []*types.Issue
	require.NoError(t, c.CallInto(OpListIssues, ListIssuesArgs{Project: "TEST"}, &issues))
	require.Len(t, issues, 1)
	assert.Equal(t, "TEST-4", issues[0].Identifier)
}

func TestValidateDeletionOverSocket(t *testing.T) {
	sockPath, _ := startTestServer(t)
	c := dial(t, sockPath)

	require.NoError(t, c.CallInto(OpCreateProject, CreateProjectArgs{Identifier: "TEST"}, nil))
	require.NoError(t, c.CallInto(OpCreateComponent, CreateLabelArgs{Project: "TEST", Label: "Backend"}, nil))
	require.NoError(t, c.CallInto(OpCreateIssue, issueops.CreateInput{
		Project: "TEST", Title: "Uses backend", Component: "Backend",
	}, nil))

	var impact deletion.Impact
	require.NoError(t, c.CallInto(OpValidateDeletion, ValidateDeletionArgs{
		Kind: "component", Ref: "Backend", Project: "TEST",
	}, &impact))
	assert.NotEmpty(t, impact.Blockers)
	assert.Equal(t, 1, impact.Counts["referencing_issues"])

	// Validation must not delete anything.
	var view IssueView
	require.NoError(t, c.CallInto(OpGetIssue, IssueRefArgs{Identifier: "TEST-1"}, &view))
	assert.NotEmpty(t, view.ComponentID)

	// Blocked deletion propagates the taxonomy code; force succeeds.
	_, err := c.Call(OpDeleteComponent, DeleteArgs{Ref: "Backend", Project: "TEST"})
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "deletion_blocked", ce.Code)

	var del DeleteResult
	require.NoError(t, c.CallInto(OpDeleteComponent, DeleteArgs{Ref: "Backend", Project: "TEST", Force: true}, &del))
	assert.Equal(t, 1, del.Deleted)
	assert.Equal(t, 1, del.Cleared)
}

func TestTemplateExpansionOverSocket(t *testing.T) {
	sockPath, _ := startTestServer(t)
	c := dial(t, sockPath)

	require.NoError(t, c.CallInto(OpCreateProject, CreateProjectArgs{Identifier: "TEST"}, nil))
	var tmpl types.Template
	require.NoError(t, c.CallInto(OpCreateTemplate, issueops.TemplateInput{
		Project: "TEST", Title: "Release", Priority: "high",
		Children: []issueops.TemplateChildInput{{Title: "Tag"}, {Title: "Ship"}},
	}, &tmpl))

	var res template.Result
	require.NoError(t, c.CallInto(OpCreateIssueFromTemplate, ExpandTemplateArgs{
		TemplateID: tmpl.ID, Title: "v1.0 release",
	}, &res))
	assert.Equal(t, "TEST-1", res.Parent.Identifier)
	assert.Equal(t, "v1.0 release", res.Parent.Title)
	require.Len(t, res.Children, 2)
	assert.Equal(t, "TEST-2", res.Children[0].Identifier)
	assert.Equal(t, "TEST-3", res.Children[1].Identifier)
}

// A list request without an explicit limit pages at the configured default;
// an explicit limit still wins.
func TestListAppliesConfiguredDefaultLimit(t *testing.T) {
	store := memory.New()
	engine := bulk.NewEngine(bulk.DefaultRetention)
	t.Cleanup(engine.Stop)
	res := resolver.New(store)
	seq := sequence.New(store)
	svc := issueops.NewService(store, seq, res, engine, types.PriorityMedium)
	planner := deletion.NewPlanner(store, res, engine)
	exp := template.NewExpander(seq, res, svc)

	sockPath := filepath.Join(t.TempDir(), "trellisd.sock")
	srv := NewServer(sockPath, store, svc, planner, exp, engine)
	srv.SetDefaultIssueLimit(2)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	c := dial(t, sockPath)

	var project types.Project
	require.NoError(t, c.CallInto(OpCreateProject, CreateProjectArgs{Identifier: "TEST"}, &project))
	for i := 0; i < 3; i++ {
		var issue types.Issue
		require.NoError(t, c.CallInto(OpCreateIssue, issueops.CreateInput{Project: "TEST", Title: "Item"}, &issue))
	}

	var issues []*types.Issue
	require.NoError(t, c.CallInto(OpListIssues, ListIssuesArgs{Project: "TEST"}, &issues))
	assert.Len(t, issues, 2)

	require.NoError(t, c.CallInto(OpListIssues, ListIssuesArgs{Project: "TEST", Limit: 10}, &issues))
	assert.Len(t, issues, 3)
}

func TestBulkStatusUnknownOperation(t *testing.T) {
	sockPath, _ := startTestServer(t)
	c := dial(t, sockPath)

	_, err := c.Call(OpBulkStatus, BulkStatusArgs{OperationID: "bulk-0-0"})
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "not_found", ce.Code)
}

func TestMetricsCountRequests(t *testing.T) {
	sockPath, srv := startTestServer(t)
	c := dial(t, sockPath)

	for i := 0; i < 3; i++ {
		_, err := c.Call(OpPing, nil)
		require.NoError(t, err)
	}
	_, _ = c.Call(OpGetIssue, IssueRefArgs{Identifier: "NOPE-1"})

	snap := srv.Metrics().Snapshot(0)
	byOp := map[string]OperationMetrics{}
	for _, op := range snap.Operations {
		byOp[op.Operation] = op
	}
	assert.Equal(t, int64(3), byOp[OpPing].TotalCount)
	assert.Equal(t, int64(1), byOp[OpGetIssue].ErrorCount)
	assert.GreaterOrEqual(t, snap.TotalConns, int64(1))
}

func TestShutdownOperation(t *testing.T) {
	sockPath, _ := startTestServer(t)
	c := dial(t, sockPath)

	var ack map[string]string
	require.NoError(t, c.CallInto(OpShutdown, nil, &ack))
	assert.Equal(t, "shutting down", ack["status"])

	require.Eventually(t, func() bool {
		_, err := os.Stat(sockPath)
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond, "socket file should be removed on shutdown")
}
