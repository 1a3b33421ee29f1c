package types

import (
	"fmt"
	"sort"
	"strings"
)

// Status represents the workflow state category of an issue.
type Status string

// Issue status constants
const (
	StatusBacklog    Status = "backlog"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// IsValid checks if the status value is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusBacklog, StatusTodo, StatusInProgress, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends the issue's workflow.
// Projects with non-terminal issues cannot be deleted without force.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// statusAliases maps normalized input forms to canonical statuses.
// Keys are lowercased with hyphens and spaces collapsed to underscores.
var statusAliases = map[string]Status{
	"backlog":     StatusBacklog,
	"todo":        StatusTodo,
	"to_do":       StatusTodo,
	"in_progress": StatusInProgress,
	"inprogress":  StatusInProgress,
	"active":      StatusInProgress,
	"done":        StatusDone,
	"completed":   StatusDone,
	"closed":      StatusDone,
	"cancelled":   StatusCancelled,
	"canceled":    StatusCancelled,
}

// NormalizeStatus parses a user-supplied status value. Matching is
// case-insensitive and accepts hyphen/space variants ("In Progress",
// "in-progress"). Unknown values return an error listing accepted forms.
func NormalizeStatus(s string) (Status, error) {
	key := foldKey(s)
	if st, ok := statusAliases[key]; ok {
		return st, nil
	}
	return "", fmt.Errorf("invalid status %q (accepted: %s)", s, strings.Join(acceptedStatuses(), ", "))
}

func acceptedStatuses() []string {
	out := make([]string, 0, len(statusAliases))
	for k := range statusAliases {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Priority is the urgency level of an issue, ordered from none to urgent.
type Priority string

// Priority constants, in ascending order of urgency.
const (
	PriorityNone   Priority = "none"
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityNone:   0,
	PriorityLow:    1,
	PriorityMedium: 2,
	PriorityHigh:   3,
	PriorityUrgent: 4,
}

// IsValid checks if the priority value is valid.
func (p Priority) IsValid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Rank returns the numeric urgency order (0 = none .. 4 = urgent).
func (p Priority) Rank() int {
	return priorityRank[p]
}

// priorityAliases maps normalized input forms to canonical priorities.
var priorityAliases = map[string]Priority{
	"none":        PriorityNone,
	"no":          PriorityNone,
	"nopriority":  PriorityNone,
	"no_priority": PriorityNone,
	"low":         PriorityLow,
	"medium":      PriorityMedium,
	"med":         PriorityMedium,
	"normal":      PriorityMedium,
	"high":        PriorityHigh,
	"urgent":      PriorityUrgent,
	"critical":    PriorityUrgent,
	"p0":          PriorityUrgent,
	"p1":          PriorityHigh,
	"p2":          PriorityMedium,
	"p3":          PriorityLow,
	"p4":          PriorityNone,
}

// NormalizePriority parses a user-supplied priority value. Matching is
// case-insensitive and accepts common synonyms ("NoPriority", "critical").
// Unknown values return an error listing accepted forms.
func NormalizePriority(s string) (Priority, error) {
	key := foldKey(s)
	if p, ok := priorityAliases[key]; ok {
		return p, nil
	}
	return "", fmt.Errorf("invalid priority %q (accepted: %s)", s, strings.Join(acceptedPriorities(), ", "))
}

func acceptedPriorities() []string {
	out := make([]string, 0, len(priorityAliases))
	for k := range priorityAliases {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// foldKey lowercases the input and collapses hyphens and spaces to
// underscores so that "In Progress", "in-progress", and "IN_PROGRESS"
// all match the same alias key.
func foldKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
