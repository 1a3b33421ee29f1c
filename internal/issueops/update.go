package issueops

import (
	"context"
	"fmt"
	"time"

	"github.com/trellishq/trellis/internal/storage"
	"github.com/trellishq/trellis/internal/types"
)

// acceptedUpdateFields lists the mutable issue fields, in the order reported
// by invalid-field errors.
var acceptedUpdateFields = []string{"title", "description", "status", "priority", "component", "milestone"}

// markupFormat is the format tag for uploaded description markup.
const markupFormat = "markdown"

type updateFieldKind int

const (
	fieldTitle updateFieldKind = iota
	fieldDescription
	fieldStatus
	fieldPriority
	fieldComponent
	fieldMilestone
)

// updateField is one parsed and validated field change. Field names and
// value shapes are checked once, at parse time; everything downstream
// switches on the tag.
type updateField struct {
	kind updateFieldKind
	// text carries the validated payload: the new title, the markup source,
	// the normalized status/priority string, or the label to resolve.
	text string
	// clear marks an explicit reset of description/component/milestone.
	clear bool
}

// parseUpdateField validates one field name and raw value pair. Label and
// description fields accept an empty string as a clear.
func parseUpdateField(name string, raw any) (updateField, error) {
	asString := func() (string, error) {
		v, ok := raw.(string)
		if !ok && raw != nil {
			return "", storage.InvalidValueError(name, fmt.Errorf("expected string, got %T", raw))
		}
		return v, nil
	}

	switch name {
	case "title":
		v, err := asString()
		if err != nil {
			return updateField{}, err
		}
		if v == "" {
			return updateField{}, storage.InvalidValueError(name, fmt.Errorf("title cannot be empty"))
		}
		if len(v) > 500 {
			return updateField{}, storage.InvalidValueError(name, fmt.Errorf("title must be 500 characters or less (got %d)", len(v)))
		}
		return updateField{kind: fieldTitle, text: v}, nil
	case "description":
		v, err := asString()
		if err != nil {
			return updateField{}, err
		}
		return updateField{kind: fieldDescription, text: v, clear: v == ""}, nil
	case "status":
		v, err := asString()
		if err != nil {
			return updateField{}, err
		}
		st, err := types.NormalizeStatus(v)
		if err != nil {
			return updateField{}, storage.InvalidValueError(name, err)
		}
		return updateField{kind: fieldStatus, text: string(st)}, nil
	case "priority":
		v, err := asString()
		if err != nil {
			return updateField{}, err
		}
		p, err := types.NormalizePriority(v)
		if err != nil {
			return updateField{}, storage.InvalidValueError(name, err)
		}
		return updateField{kind: fieldPriority, text: string(p)}, nil
	case "component":
		v, err := asString()
		if err != nil {
			return updateField{}, err
		}
		return updateField{kind: fieldComponent, text: v, clear: v == ""}, nil
	case "milestone":
		v, err := asString()
		if err != nil {
			return updateField{}, err
		}
		return updateField{kind: fieldMilestone, text: v, clear: v == ""}, nil
	default:
		return updateField{}, storage.InvalidFieldError(name, acceptedUpdateFields)
	}
}

// applyField folds one parsed change into the patch, resolving labels and
// uploading markup as needed. Under dryRun no markup is uploaded; the patch
// is for validation only.
func (s *Service) applyField(ctx context.Context, projectID, issueID string, f updateField, dryRun bool, patch storage.Patch) error {
	switch f.kind {
	case fieldTitle:
		patch.Set["title"] = f.text
	case fieldDescription:
		switch {
		case f.clear:
			patch.Set["description"] = nil
		case dryRun:
			patch.Set["description"] = f.text
		default:
			ref, err := s.store.UploadMarkup(ctx, storage.KindIssue, issueID, "description", f.text, markupFormat)
			if err != nil {
				return err
			}
			patch.Set["description"] = ref
		}
	case fieldStatus:
		patch.Set["status"] = f.text
	case fieldPriority:
		patch.Set["priority"] = f.text
	case fieldComponent:
		if f.clear {
			patch.Set["component"] = nil
			return nil
		}
		comp, err := s.res.ComponentByLabel(ctx, projectID, f.text)
		if err != nil {
			return err
		}
		patch.Set["component"] = comp.ID
	case fieldMilestone:
		if f.clear {
			patch.Set["milestone"] = nil
			return nil
		}
		ms, err := s.res.MilestoneByLabel(ctx, projectID, f.text)
		if err != nil {
			return err
		}
		patch.Set["milestone"] = ms.ID
	}
	return nil
}

// buildPatch converts user-supplied field updates into a store patch. Label
// fields take a label string and are stored as resolved IDs; an empty string
// clears the reference. A description update rewrites the markup ref.
func (s *Service) buildPatch(ctx context.Context, projectID, issueID string, fields map[string]any, dryRun bool) (storage.Patch, error) {
	patch := storage.Patch{Set: map[string]any{}}
	for name, raw := range fields {
		f, err := parseUpdateField(name, raw)
		if err != nil {
			return patch, err
		}
		if err := s.applyField(ctx, projectID, issueID, f, dryRun, patch); err != nil {
			return patch, err
		}
	}
	if len(patch.Set) == 0 {
		return patch, storage.ValidationError("no fields to update")
	}
	return patch, nil
}

// Update applies field changes to the issue with the given identifier and
// returns the refreshed issue.
func (s *Service) Update(ctx context.Context, identifier string, fields map[string]any) (*types.Issue, error) {
	issue, err := s.res.IssueByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	patch, err := s.buildPatch(ctx, issue.ProjectID, issue.ID, fields, false)
	if err != nil {
		return nil, err
	}
	patch.Set["updatedAt"] = s.now().Format(time.RFC3339Nano)

	if err := s.store.Update(ctx, storage.KindIssue, issue.ProjectID, issue.ID, patch); err != nil {
		return nil, err
	}
	return s.res.IssueByID(ctx, issue.ID)
}
