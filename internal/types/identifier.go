package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	projectIdentifierRe = regexp.MustCompile(`^[A-Z]{1,5}$`)
	issueIdentifierRe   = regexp.MustCompile(`^[A-Z]{1,5}-[1-9][0-9]*$`)
)

// IsProjectIdentifier reports whether s is a well-formed project identifier
// (1-5 uppercase letters).
func IsProjectIdentifier(s string) bool {
	return projectIdentifierRe.MatchString(s)
}

// IsIssueIdentifier reports whether s is a well-formed issue identifier
// ("TEST-42"). Leading zeros and number 0 are rejected.
func IsIssueIdentifier(s string) bool {
	return issueIdentifierRe.MatchString(s)
}

// FormatIdentifier builds an issue identifier from a project identifier and
// an issue number.
func FormatIdentifier(project string, number int64) string {
	return fmt.Sprintf("%s-%d", project, number)
}

// ParseIdentifier splits an issue identifier into its project identifier and
// number. The round-trip ParseIdentifier(FormatIdentifier(p, n)) == (p, n)
// holds for every valid project identifier and number >= 1.
func ParseIdentifier(s string) (project string, number int64, err error) {
	if !issueIdentifierRe.MatchString(s) {
		return "", 0, fmt.Errorf("invalid issue identifier %q (expected PROJECT-NUMBER, e.g. TEST-42)", s)
	}
	idx := strings.IndexByte(s, '-')
	project = s[:idx]
	number, err = strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid issue number in %q: %w", s, err)
	}
	return project, number, nil
}
