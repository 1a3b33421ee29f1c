package types

import "testing"

func TestParseIdentifier(t *testing.T) {
	tests := []struct {
		in      string
		project string
		number  int64
		wantErr bool
	}{
		{"TEST-1", "TEST", 1, false},
		{"A-999", "A", 999, false},
		{"ABCDE-42", "ABCDE", 42, false},
		{"TEST-0", "", 0, true},   // numbers start at 1
		{"TEST-01", "", 0, true},  // no leading zeros
		{"test-1", "", 0, true},   // lowercase project
		{"ABCDEF-1", "", 0, true}, // project too long
		{"TEST", "", 0, true},     // missing number
		{"TEST-", "", 0, true},    // empty number
		{"-1", "", 0, true},       // empty project
		{"TEST-1-2", "", 0, true}, // trailing garbage
		{"", "", 0, true},
	}
	for _, tt := range tests {
		project, number, err := ParseIdentifier(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseIdentifier(%q) expected error, got %s-%d", tt.in, project, number)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseIdentifier(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if project != tt.project || number != tt.number {
			t.Errorf("ParseIdentifier(%q) = (%q, %d), want (%q, %d)", tt.in, project, number, tt.project, tt.number)
		}
	}
}

// Round-trip: parse(format(project, number)) == (project, number).
func TestIdentifierRoundTrip(t *testing.T) {
	projects := []string{"A", "AB", "TEST", "ABCDE"}
	numbers := []int64{1, 2, 9, 10, 99, 100, 12345}
	for _, p := range projects {
		for _, n := range numbers {
			id := FormatIdentifier(p, n)
			gotP, gotN, err := ParseIdentifier(id)
			if err != nil {
				t.Fatalf("ParseIdentifier(%q): %v", id, err)
			}
			if gotP != p || gotN != n {
				t.Errorf("round-trip %q = (%q, %d), want (%q, %d)", id, gotP, gotN, p, n)
			}
		}
	}
}

func TestIsProjectIdentifier(t *testing.T) {
	for _, ok := range []string{"A", "TEST", "ABCDE"} {
		if !IsProjectIdentifier(ok) {
			t.Errorf("IsProjectIdentifier(%q) = false, want true", ok)
		}
	}
	for _, bad := range []string{"", "test", "ABCDEF", "A1", "A-B"} {
		if IsProjectIdentifier(bad) {
			t.Errorf("IsProjectIdentifier(%q) = true, want false", bad)
		}
	}
}
