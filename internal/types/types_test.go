package types

import (
	"strings"
	"testing"
)

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{"backlog", StatusBacklog, false},
		{"Todo", StatusTodo, false},
		{"in_progress", StatusInProgress, false},
		{"In Progress", StatusInProgress, false},
		{"in-progress", StatusInProgress, false},
		{"InProgress", StatusInProgress, false},
		{"DONE", StatusDone, false},
		{"completed", StatusDone, false},
		{"canceled", StatusCancelled, false},
		{"cancelled", StatusCancelled, false},
		{"bogus", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeStatus(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizeStatus(%q) expected error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeStatus(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeStatusErrorListsAcceptedForms(t *testing.T) {
	_, err := NormalizeStatus("nope")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "in_progress") {
		t.Errorf("error should list accepted forms, got: %v", err)
	}
}

func TestNormalizePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"none", PriorityNone, false},
		{"NoPriority", PriorityNone, false},
		{"no-priority", PriorityNone, false},
		{"low", PriorityLow, false},
		{"Medium", PriorityMedium, false},
		{"normal", PriorityMedium, false},
		{"HIGH", PriorityHigh, false},
		{"urgent", PriorityUrgent, false},
		{"critical", PriorityUrgent, false},
		{"P0", PriorityUrgent, false},
		{"p1", PriorityHigh, false},
		{"p3", PriorityLow, false},
		{"p5", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizePriority(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizePriority(%q) expected error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizePriority(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizePriority(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Normalization must be idempotent: feeding a canonical value back through
// the normalizer returns the same value.
func TestNormalizationIdempotent(t *testing.T) {
	for _, s := range []Status{StatusBacklog, StatusTodo, StatusInProgress, StatusDone, StatusCancelled} {
		got, err := NormalizeStatus(string(s))
		if err != nil {
			t.Fatalf("NormalizeStatus(%q): %v", s, err)
		}
		if got != s {
			t.Errorf("NormalizeStatus(%q) = %q, not idempotent", s, got)
		}
	}
	for _, p := range []Priority{PriorityNone, PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent} {
		got, err := NormalizePriority(string(p))
		if err != nil {
			t.Fatalf("NormalizePriority(%q): %v", p, err)
		}
		if got != p {
			t.Errorf("NormalizePriority(%q) = %q, not idempotent", p, got)
		}
	}
}

func TestPriorityRankOrdering(t *testing.T) {
	order := []Priority{PriorityNone, PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("%s should rank below %s", order[i-1], order[i])
		}
	}
}

func TestIssueValidate(t *testing.T) {
	valid := Issue{Title: "Fix login", Number: 1, Status: StatusBacklog, Priority: PriorityMedium}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid issue failed validation: %v", err)
	}

	tests := []struct {
		name  string
		issue Issue
	}{
		{"empty title", Issue{Number: 1, Status: StatusBacklog, Priority: PriorityMedium}},
		{"long title", Issue{Title: strings.Repeat("x", 501), Number: 1, Status: StatusBacklog, Priority: PriorityMedium}},
		{"zero number", Issue{Title: "t", Number: 0, Status: StatusBacklog, Priority: PriorityMedium}},
		{"bad status", Issue{Title: "t", Number: 1, Status: "weird", Priority: PriorityMedium}},
		{"bad priority", Issue{Title: "t", Number: 1, Status: StatusBacklog, Priority: "p9"}},
	}
	for _, tt := range tests {
		if err := tt.issue.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}
