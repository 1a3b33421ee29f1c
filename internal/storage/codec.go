package storage

import (
	"time"

	"github.com/trellishq/trellis/internal/types"
)

// Field accessors tolerate both native Go values (memory adapter) and
// JSON-decoded values (sqlstore keeps payloads as JSON, so numbers come back
// as float64 and times as RFC 3339 strings).

// FieldString returns the string value of a field, or "" when absent.
func FieldString(f map[string]any, key string) string {
	if v, ok := f[key].(string); ok {
		return v
	}
	return ""
}

// FieldInt64 returns the integer value of a field, or 0 when absent.
func FieldInt64(f map[string]any, key string) int64 {
	switch v := f[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// FieldBool returns the boolean value of a field, or false when absent.
func FieldBool(f map[string]any, key string) bool {
	if v, ok := f[key].(bool); ok {
		return v
	}
	return false
}

// FieldTime returns the time value of a field, or the zero time when absent.
func FieldTime(f map[string]any, key string) time.Time {
	switch v := f[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// FieldStrings returns the string-slice value of a field, or nil when absent.
func FieldStrings(f map[string]any, key string) []string {
	switch v := f[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ProjectFields flattens a project into a payload map.
func ProjectFields(p *types.Project) map[string]any {
	f := map[string]any{
		"identifier": p.Identifier,
		"name":       p.Name,
		"archived":   p.Archived,
		"createdAt":  p.CreatedAt.Format(time.RFC3339Nano),
	}
	if p.Sequence > 0 {
		f["sequence"] = p.Sequence
	}
	if p.Integration {
		f["integration"] = true
	}
	return f
}

// ProjectFromDoc rebuilds a project from its document.
func ProjectFromDoc(d *Doc) *types.Project {
	return &types.Project{
		ID:          d.ID,
		Identifier:  FieldString(d.Fields, "identifier"),
		Name:        FieldString(d.Fields, "name"),
		Sequence:    FieldInt64(d.Fields, "sequence"),
		Archived:    FieldBool(d.Fields, "archived"),
		Integration: FieldBool(d.Fields, "integration"),
		CreatedAt:   FieldTime(d.Fields, "createdAt"),
	}
}

// IssueFields flattens an issue into a payload map. The parent relationship
// is carried by the document metadata, not the payload.
func IssueFields(i *types.Issue) map[string]any {
	f := map[string]any{
		"number":     i.Number,
		"identifier": i.Identifier,
		"title":      i.Title,
		"status":     string(i.Status),
		"priority":   string(i.Priority),
		"createdAt":  i.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":  i.UpdatedAt.Format(time.RFC3339Nano),
	}
	if i.ComponentID != "" {
		f["component"] = i.ComponentID
	}
	if i.MilestoneID != "" {
		f["milestone"] = i.MilestoneID
	}
	if i.DescriptionRef != "" {
		f["description"] = i.DescriptionRef
	}
	if len(i.Blocks) > 0 {
		f["blocks"] = i.Blocks
	}
	return f
}

// IssueFromDoc rebuilds an issue from its document.
func IssueFromDoc(d *Doc) *types.Issue {
	parent := d.Parent
	if parent == NoParent {
		parent = ""
	}
	return &types.Issue{
		ID:             d.ID,
		ProjectID:      d.Space,
		Number:         FieldInt64(d.Fields, "number"),
		Identifier:     FieldString(d.Fields, "identifier"),
		Title:          FieldString(d.Fields, "title"),
		Status:         types.Status(FieldString(d.Fields, "status")),
		Priority:       types.Priority(FieldString(d.Fields, "priority")),
		ParentID:       parent,
		ComponentID:    FieldString(d.Fields, "component"),
		MilestoneID:    FieldString(d.Fields, "milestone"),
		DescriptionRef: FieldString(d.Fields, "description"),
		Blocks:         FieldStrings(d.Fields, "blocks"),
		CreatedAt:      FieldTime(d.Fields, "createdAt"),
		UpdatedAt:      FieldTime(d.Fields, "updatedAt"),
	}
}

// ComponentFields flattens a component label.
func ComponentFields(c *types.Component) map[string]any {
	return map[string]any{
		"label":     c.Label,
		"createdAt": c.CreatedAt.Format(time.RFC3339Nano),
	}
}

// ComponentFromDoc rebuilds a component from its document.
func ComponentFromDoc(d *Doc) *types.Component {
	return &types.Component{
		ID:        d.ID,
		ProjectID: d.Space,
		Label:     FieldString(d.Fields, "label"),
		CreatedAt: FieldTime(d.Fields, "createdAt"),
	}
}

// MilestoneFields flattens a milestone label.
func MilestoneFields(m *types.Milestone) map[string]any {
	f := map[string]any{
		"label":     m.Label,
		"createdAt": m.CreatedAt.Format(time.RFC3339Nano),
	}
	if m.TargetAt != nil {
		f["targetAt"] = m.TargetAt.Format(time.RFC3339Nano)
	}
	return f
}

// MilestoneFromDoc rebuilds a milestone from its document.
func MilestoneFromDoc(d *Doc) *types.Milestone {
	m := &types.Milestone{
		ID:        d.ID,
		ProjectID: d.Space,
		Label:     FieldString(d.Fields, "label"),
		CreatedAt: FieldTime(d.Fields, "createdAt"),
	}
	if s := FieldString(d.Fields, "targetAt"); s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			m.TargetAt = &t
		}
	}
	return m
}

// TemplateFields flattens a template, children included.
func TemplateFields(t *types.Template) map[string]any {
	children := make([]any, 0, len(t.Children))
	for _, c := range t.Children {
		children = append(children, map[string]any{
			"title":       c.Title,
			"priority":    string(c.Priority),
			"description": c.Description,
		})
	}
	f := map[string]any{
		"title":     t.Title,
		"priority":  string(t.Priority),
		"createdAt": t.CreatedAt.Format(time.RFC3339Nano),
	}
	if t.Description != "" {
		f["description"] = t.Description
	}
	if len(children) > 0 {
		f["children"] = children
	}
	return f
}

// TemplateFromDoc rebuilds a template from its document.
func TemplateFromDoc(d *Doc) *types.Template {
	t := &types.Template{
		ID:          d.ID,
		ProjectID:   d.Space,
		Title:       FieldString(d.Fields, "title"),
		Description: FieldString(d.Fields, "description"),
		Priority:    types.Priority(FieldString(d.Fields, "priority")),
		CreatedAt:   FieldTime(d.Fields, "createdAt"),
	}
	if raw, ok := d.Fields["children"].([]any); ok {
		for _, e := range raw {
			if m, ok := e.(map[string]any); ok {
				t.Children = append(t.Children, types.TemplateChild{
					Title:       FieldString(m, "title"),
					Priority:    types.Priority(FieldString(m, "priority")),
					Description: FieldString(m, "description"),
				})
			}
		}
	}
	return t
}
