package issueops

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellishq/trellis/internal/bulk"
	"github.com/trellishq/trellis/internal/resolver"
	"github.com/trellishq/trellis/internal/sequence"
	"github.com/trellishq/trellis/internal/storage"
	"github.com/trellishq/trellis/internal/storage/memory"
	"github.com/trellishq/trellis/internal/types"
)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	engine := bulk.NewEngine(bulk.DefaultRetention)
	t.Cleanup(engine.Stop)
	res := resolver.New(store)
	svc := NewService(store, sequence.New(store), res, engine, types.PriorityMedium)

	_, err := svc.CreateProject(context.Background(), "TEST", "Test Project")
	require.NoError(t, err)
	return svc, store
}

func TestCreateAssignsSequentialIdentifiers(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateInput{Project: "TEST", Title: "First"})
	require.NoError(t, err)
	second, err := svc.Create(ctx, CreateInput{Project: "TEST", Title: "Second"})
	require.NoError(t, err)

	assert.Equal(t, "TEST-1", first.Identifier)
	assert.Equal(t, "TEST-2", second.Identifier)
	assert.Equal(t, types.StatusBacklog, first.Status)
	assert.Equal(t, types.PriorityMedium, first.Priority)
}

func TestCreateWithDescriptionStoresMarkupRef(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	issue, err := svc.Create(ctx, CreateInput{Project: "TEST", Title: "Documented", Description: "The details."})
	require.NoError(t, err)
	require.NotEmpty(t, issue.DescriptionRef)

	text, err := store.FetchMarkup(ctx, issue.DescriptionRef)
	require.NoError(t, err)
	assert.Equal(t, "The details.", text)

	// Empty descriptions never create a ref.
	bare, err := svc.Create(ctx, CreateInput{Project: "TEST", Title: "Bare"})
	require.NoError(t, err)
	assert.Empty(t, bare.DescriptionRef)
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{Project: "TEST"})
	assert.Equal(t, storage.CodeValidation, storage.CodeOf(err))

	_, err = svc.Create(ctx, CreateInput{Project: "TEST", Title: "x", Status: "bogus"})
	assert.Equal(t, storage.CodeInvalidValue, storage.CodeOf(err))

	_, err = svc.Create(ctx, CreateInput{Project: "TEST", Title: "x", Priority: "bogus"})
	assert.Equal(t, storage.CodeInvalidValue, storage.CodeOf(err))

	_, err = svc.Create(ctx, CreateInput{Project: "NOPE", Title: "x"})
	assert.True(t, storage.IsNotFound(err))

	// Validation failures consume no numbers.
	issue, err := svc.Create(ctx, CreateInput{Project: "TEST", Title: "Counted"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), issue.Number)
}

func TestCreateNormalizesEnumInput(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	issue, err := svc.Create(ctx, CreateInput{
		Project: "TEST", Title: "Normalized", Status: "In Progress", Priority: "Critical",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, issue.Status)
	assert.Equal(t, types.PriorityUrgent, issue.Priority)
}

func TestCreateInArchivedProject(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	project, err := svc.Resolver().ProjectByRef(ctx, "TEST")
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, storage.KindProject, "workspace", project.ID, storage.Patch{
		Set: map[string]any{"archived": true},
	}))

	_, err = svc.Create(ctx, CreateInput{Project: "TEST", Title: "Too late"})
	assert.Equal(t, storage.CodeAlreadyArchived, storage.CodeOf(err))
}

func TestCreateSubIssue(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	parent, err := svc.Create(ctx, CreateInput{Project: "TEST", Title: "Parent"})
	require.NoError(t, err)
	child, err := svc.Create(ctx, CreateInput{Project: "TEST", Title: "Child", ParentIssue: "TEST-1"})
	require.NoError(t, err)

	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, "TEST-2", child.Identifier)

	subs, err := svc.Resolver().SubIssues(ctx, parent.ProjectID, parent.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, child.ID, subs[0].ID)
}

func TestCreateSubIssueCrossProject(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateProject(ctx, "OTHER", "Other")
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateInput{Project: "OTHER", Title: "Elsewhere"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateInput{Project: "TEST", Title: "Stray", ParentIssue: "OTHER-1"})
	assert.Equal(t, storage.CodeValidation, storage.CodeOf(err))
}

func TestDefaultPriorityPolicy(t *testing.T) {
	store := memory.New()
	engine := bulk.NewEngine(bulk.DefaultRetention)
	t.Cleanup(engine.Stop)
	svc := NewService(store, sequence.New(store), resolver.New(store), engine, types.PriorityHigh)
	ctx := context.Background()
	_, err := svc.CreateProject(ctx, "TEST", "Test")
	require.NoError(t, err)

	// Item value wins over the configured default.
	issue, err := svc.Create(ctx, CreateInput{Project: "TEST", Title: "Explicit", Priority: "low"})
	require.NoError(t, err)
	assert.Equal(t, types.PriorityLow, issue.Priority)

	// Configured default applies when the item is silent.
	issue, err = svc.Create(ctx, CreateInput{Project: "TEST", Title: "Implicit"})
	require.NoError(t, err)
	assert.Equal(t, types.PriorityHigh, issue.Priority)
}

func TestUpdateFields(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{Project: "TEST", Title: "Before"})
	require.NoError(t, err)
	_, err = svc.CreateComponent(ctx, "TEST", "Backend")
	require.NoError(t, err)

	issue, err := svc.Update(ctx, "TEST-1", map[string]any{
		"title":     "After",
		"status":    "in-progress",
		"priority":  "urgent",
		"component": "Backend",
	})
	require.NoError(t, err)
	assert.Equal(t, "After", issue.Title)
	assert.Equal(t, types.StatusInProgress, issue.Status)
	assert.Equal(t, types.PriorityUrgent, issue.Priority)
	assert.NotEmpty(t, issue.ComponentID)

	// Empty label clears the reference.
	issue, err = svc.Update(ctx, "TEST-1", map[string]any{"component": ""})
	require.NoError(t, err)
	assert.Empty(t, issue.ComponentID)
}

func TestUpdateRejectsBadInput(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, CreateInput{Project: "TEST", Title: "Target"})
	require.NoError(t, err)

	_, err = svc.Update(ctx, "TEST-1", map[string]any{"assignee": "alice"})
	assert.Equal(t, storage.CodeInvalidField, storage.CodeOf(err))

	_, err = svc.Update(ctx, "TEST-1", map[string]any{"priority": "asap"})
	assert.Equal(t, storage.CodeInvalidValue, storage.CodeOf(err))

	_, err = svc.Update(ctx, "TEST-1", map[string]any{"title": 42})
	assert.Equal(t, storage.CodeInvalidValue, storage.CodeOf(err))

	_, err = svc.Update(ctx, "TEST-1", map[string]any{})
	assert.Equal(t, storage.CodeValidation, storage.CodeOf(err))

	_, err = svc.Update(ctx, "TEST-99", map[string]any{"title": "x"})
	assert.True(t, storage.IsNotFound(err))
}

func TestUpdateDescriptionLifecycle(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, CreateInput{Project: "TEST", Title: "Doc"})
	require.NoError(t, err)

	issue, err := svc.Update(ctx, "TEST-1", map[string]any{"description": "now documented"})
	require.NoError(t, err)
	require.NotEmpty(t, issue.DescriptionRef)
	text, err := store.FetchMarkup(ctx, issue.DescriptionRef)
	require.NoError(t, err)
	assert.Equal(t, "now documented", text)

	issue, err = svc.Update(ctx, "TEST-1", map[string]any{"description": ""})
	require.NoError(t, err)
	assert.Empty(t, issue.DescriptionRef)
}

type markupCall struct {
	kind   storage.Kind
	id     string
	field  string
	format string
}

// markupRecorder captures the document reference each markup upload names.
type markupRecorder struct {
	storage.Adapter
	mu    sync.Mutex
	calls []markupCall
}

func (r *markupRecorder) UploadMarkup(ctx context.Context, kind storage.Kind, id, field, text, format string) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, markupCall{kind: kind, id: id, field: field, format: format})
	r.mu.Unlock()
	return r.Adapter.UploadMarkup(ctx, kind, id, field, text, format)
}

// Markup uploads must reference the owning issue: its kind, stable ID, and
// the field holding the ref. Create uploads after the issue exists so the ID
// is real; update uploads against the resolved issue.
func TestUploadMarkupReferencesOwningIssue(t *testing.T) {
	rec := &markupRecorder{Adapter: memory.New()}
	engine := bulk.NewEngine(bulk.DefaultRetention)
	t.Cleanup(engine.Stop)
	res := resolver.New(rec)
	svc := NewService(rec, sequence.New(rec), res, engine, types.PriorityMedium)
	ctx := context.Background()

	_, err := svc.CreateProject(ctx, "TEST", "Test Project")
	require.NoError(t, err)
	issue, err := svc.Create(ctx, CreateInput{Project: "TEST", Title: "Doc", Description: "created with text"})
	require.NoError(t, err)
	require.NotEmpty(t, issue.DescriptionRef)

	_, err = svc.Update(ctx, "TEST-1", map[string]any{"description": "revised"})
	require.NoError(t, err)

	require.Len(t, rec.calls, 2)
	for _, call := range rec.calls {
		assert.Equal(t, storage.KindIssue, call.kind)
		assert.Equal(t, issue.ID, call.id)
		assert.Equal(t, "description", call.field)
		assert.Equal(t, "markdown", call.format)
	}
}

func TestParseUpdateFieldTagging(t *testing.T) {
	tests := []struct {
		name      string
		raw       any
		wantKind  updateFieldKind
		wantText  string
		wantClear bool
		wantCode  storage.Code
	}{
		{name: "title", raw: "New title", wantKind: fieldTitle, wantText: "New title"},
		{name: "status", raw: "In Progress", wantKind: fieldStatus, wantText: "in_progress"},
		{name: "priority", raw: "Critical", wantKind: fieldPriority, wantText: "urgent"},
		{name: "description", raw: "", wantKind: fieldDescription, wantClear: true},
		{name: "component", raw: "Backend", wantKind: fieldComponent, wantText: "Backend"},
		{name: "milestone", raw: "", wantKind: fieldMilestone, wantClear: true},
		{name: "title", raw: 42, wantCode: storage.CodeInvalidValue},
		{name: "title", raw: "", wantCode: storage.CodeInvalidValue},
		{name: "status", raw: "parked", wantCode: storage.CodeInvalidValue},
		{name: "assignee", raw: "alice", wantCode: storage.CodeInvalidField},
	}
	for _, tt := range tests {
		f, err := parseUpdateField(tt.name, tt.raw)
		if tt.wantCode != "" {
			assert.Equalf(t, tt.wantCode, storage.CodeOf(err), "%s=%v", tt.name, tt.raw)
			continue
		}
		require.NoErrorf(t, err, "%s=%v", tt.name, tt.raw)
		assert.Equal(t, tt.wantKind, f.kind)
		assert.Equal(t, tt.wantText, f.text)
		assert.Equal(t, tt.wantClear, f.clear)
	}
}

func TestListFilters(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	for i, st := range []string{"backlog", "in_progress", "done", "in_progress"} {
		_, err := svc.Create(ctx, CreateInput{Project: "TEST", Title: "Issue", Status: st})
		require.NoError(t, err, "item %d", i)
	}

	inProgress := types.StatusInProgress
	got, err := svc.List(ctx, "TEST", types.IssueFilter{Status: &inProgress})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = svc.List(ctx, "TEST", types.IssueFilter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestBulkCreateContinueOnError(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	items := make([]CreateInput, 20)
	for i := range items {
		items[i] = CreateInput{Title: "Item"}
	}
	items[6].Title = "" // invalid
	res, err := svc.BulkCreate(ctx, items, CreateInput{Project: "TEST"}, BulkOptions{ContinueOnError: true})
	require.NoError(t, err)

	assert.Equal(t, 20, res.Total)
	assert.Equal(t, 19, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 6, res.Failures[0].Index)

	// The invalid item consumed no number: 19 creations fill 1..19.
	seen := map[int64]bool{}
	for _, issue := range res.Created {
		seen[issue.Number] = true
	}
	require.Len(t, seen, 19)
	for n := int64(1); n <= 19; n++ {
		assert.True(t, seen[n], "number %d missing", n)
	}
}

func TestBulkCreateFailFastSkipsRest(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	items := []CreateInput{
		{Title: "a"}, {Title: "b"}, {Title: ""}, {Title: "d"}, {Title: "e"},
	}
	res, err := svc.BulkCreate(ctx, items, CreateInput{Project: "TEST"}, BulkOptions{})
	require.Error(t, err)
	var pf *bulk.PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, 2, pf.Completed)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Skipped)
}

func TestBulkCreateDefaultsMergeItemWins(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	res, err := svc.BulkCreate(ctx, []CreateInput{
		{Title: "inherits"},
		{Title: "overrides", Priority: "low", Status: "todo"},
	}, CreateInput{Project: "TEST", Priority: "urgent", Status: "in_progress"}, BulkOptions{ContinueOnError: true})
	require.NoError(t, err)
	require.Len(t, res.Created, 2)

	assert.Equal(t, types.PriorityUrgent, res.Created[0].Priority)
	assert.Equal(t, types.StatusInProgress, res.Created[0].Status)
	assert.Equal(t, types.PriorityLow, res.Created[1].Priority)
	assert.Equal(t, types.StatusTodo, res.Created[1].Status)
}

func TestBulkCreateSubIssueGroup(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, CreateInput{Project: "TEST", Title: "Parent"})
	require.NoError(t, err)

	res, err := svc.BulkCreate(ctx, []CreateInput{
		{Title: "top"},
		{Title: "sub", ParentIssue: "TEST-1"},
	}, CreateInput{Project: "TEST"}, BulkOptions{ContinueOnError: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Len(t, res.OperationIDs, 2)

	parent, err := svc.Get(ctx, "TEST-1")
	require.NoError(t, err)
	subs, err := svc.Resolver().SubIssues(ctx, parent.ProjectID, parent.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestBulkCreateDryRun(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	res, err := svc.BulkCreate(ctx, []CreateInput{
		{Title: "fine"},
		{Title: ""},
		{Title: "bad status", Status: "nope"},
	}, CreateInput{Project: "TEST"}, BulkOptions{DryRun: true})
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 0, store.Count(storage.KindIssue), "dry run must not write")

	// A later real create still starts at 1: dry runs draw no numbers.
	issue, err := svc.Create(ctx, CreateInput{Project: "TEST", Title: "Real"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), issue.Number)
}

func TestBulkCreateLimit(t *testing.T) {
	svc, _ := newService(t)
	items := make([]CreateInput, MaxBulkCreateItems+1)
	for i := range items {
		items[i] = CreateInput{Title: "x"}
	}
	_, err := svc.BulkCreate(context.Background(), items, CreateInput{Project: "TEST"}, BulkOptions{})
	assert.Equal(t, storage.CodeValidation, storage.CodeOf(err))
}

func TestBulkUpdateContinueOnError(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	items := make([]CreateInput, 20)
	for i := range items {
		items[i] = CreateInput{Title: "Item"}
	}
	_, err := svc.BulkCreate(ctx, items, CreateInput{Project: "TEST"}, BulkOptions{ContinueOnError: true})
	require.NoError(t, err)

	updates := make([]UpdateItem, 20)
	for i := range updates {
		updates[i] = UpdateItem{
			Identifier: types.FormatIdentifier("TEST", int64(i+1)),
			Fields:     map[string]any{"status": "done"},
		}
	}
	updates[6].Fields = map[string]any{"priority": "bogus"}

	res, err := svc.BulkUpdate(ctx, updates, BulkOptions{ContinueOnError: true})
	require.NoError(t, err)
	assert.Equal(t, 19, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Skipped)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "TEST-7", res.Failures[0].Ref)

	// The failing item left its issue untouched.
	issue, err := svc.Get(ctx, "TEST-7")
	require.NoError(t, err)
	assert.Equal(t, types.StatusBacklog, issue.Status)
}

func TestBulkUpdateDryRun(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, CreateInput{Project: "TEST", Title: "Target"})
	require.NoError(t, err)

	res, err := svc.BulkUpdate(ctx, []UpdateItem{
		{Identifier: "TEST-1", Fields: map[string]any{"status": "done"}},
		{Identifier: "TEST-9", Fields: map[string]any{"status": "done"}},
	}, BulkOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	issue, err := svc.Get(ctx, "TEST-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusBacklog, issue.Status, "dry run must not write")
}

func TestConcurrentBulkCreatesAllocateUniqueNumbers(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	const callers = 5
	const perCall = 10
	var wg sync.WaitGroup
	numbers := make(chan int64, callers*perCall)
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items := make([]CreateInput, perCall)
			for i := range items {
				items[i] = CreateInput{Title: "Concurrent"}
			}
			res, err := svc.BulkCreate(ctx, items, CreateInput{Project: "TEST"}, BulkOptions{
				ContinueOnError: true, BatchSize: 5,
			})
			if err != nil {
				t.Errorf("BulkCreate: %v", err)
				return
			}
			for _, issue := range res.Created {
				numbers <- issue.Number
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := map[int64]bool{}
	for n := range numbers {
		if seen[n] {
			t.Errorf("number %d allocated twice", n)
		}
		seen[n] = true
	}
	require.Len(t, seen, callers*perCall)
	for n := int64(1); n <= callers*perCall; n++ {
		assert.True(t, seen[n], "number %d missing", n)
	}
}

func TestCreateWorkspaceEntities(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateProject(ctx, "TEST", "dup")
	assert.Equal(t, storage.CodeConflict, storage.CodeOf(err))
	_, err = svc.CreateProject(ctx, "lower", "bad")
	assert.Equal(t, storage.CodeValidation, storage.CodeOf(err))

	comp, err := svc.CreateComponent(ctx, "TEST", "Backend")
	require.NoError(t, err)
	assert.NotEmpty(t, comp.ID)
	_, err = svc.CreateComponent(ctx, "TEST", "Backend")
	assert.Equal(t, storage.CodeConflict, storage.CodeOf(err))

	ms, err := svc.CreateMilestone(ctx, "TEST", "v1.0", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, ms.ID)

	tmpl, err := svc.CreateTemplate(ctx, TemplateInput{
		Project: "TEST", Title: "Release", Priority: "high",
		Children: []TemplateChildInput{{Title: "Tag"}, {Title: "Ship", Priority: "urgent"}},
	})
	require.NoError(t, err)
	assert.Equal(t, types.PriorityHigh, tmpl.Priority)
	require.Len(t, tmpl.Children, 2)
	assert.Equal(t, types.PriorityHigh, tmpl.Children[0].Priority)
	assert.Equal(t, types.PriorityUrgent, tmpl.Children[1].Priority)
}
