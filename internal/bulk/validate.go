package bulk

import "fmt"

// ValidationIssue describes one rejected input item.
type ValidationIssue struct {
	Index   int    `json:"index"`
	Key     string `json:"key,omitempty"`
	Message string `json:"message"`
}

// ValidationReport is the outcome of input-side checks. No store access
// happens during validation.
type ValidationReport struct {
	Total        int               `json:"total"`
	ValidCount   int               `json:"valid_count"`
	InvalidCount int               `json:"invalid_count"`
	Issues       []ValidationIssue `json:"issues,omitempty"`
}

// Valid reports whether every item passed.
func (r *ValidationReport) Valid() bool { return r.InvalidCount == 0 }

// Validate runs input-side checks over items: duplicate detection by the
// optional key function, and the optional per-item validator. An empty item
// list returns ErrNoItems.
func Validate[T any](items []T, key func(T) string, validator func(T, int) error) (*ValidationReport, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	report := &ValidationReport{Total: len(items)}
	seen := make(map[string]int)
	for i, item := range items {
		var issues []ValidationIssue
		k := ""
		if key != nil {
			k = key(item)
			if k != "" {
				if first, dup := seen[k]; dup {
					issues = append(issues, ValidationIssue{
						Index:   i,
						Key:     k,
						Message: fmt.Sprintf("duplicate of item %d", first),
					})
				} else {
					seen[k] = i
				}
			}
		}
		if validator != nil {
			if err := validator(item, i); err != nil {
				issues = append(issues, ValidationIssue{Index: i, Key: k, Message: err.Error()})
			}
		}
		if len(issues) > 0 {
			report.InvalidCount++
			report.Issues = append(report.Issues, issues...)
		} else {
			report.ValidCount++
		}
	}
	return report, nil
}
