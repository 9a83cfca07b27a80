package entity

import "testing"

func TestValidChange(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"12345", true},
		{"1", true},
		{"", false},
		{"abcde", false},
		{"12345:1", false},
		{"-1", false},
	}
	for _, tt := range tests {
		if got := ValidChange(tt.in); got != tt.want {
			t.Errorf("ValidChange(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []JobStatus{StatusPending, StatusDone, StatusFailed, StatusNoRelevantChanges} {
		got, err := ParseStatus(string(s))
		if err != nil {
			t.Fatalf("ParseStatus(%q): %v", s, err)
		}
		if got != s {
			t.Fatalf("ParseStatus(%q) = %q", s, got)
		}
	}
	if _, err := ParseStatus("processing"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestIsTerminal(t *testing.T) {
	if StatusPending.IsTerminal() {
		t.Fatal("pending must not be terminal")
	}
	for _, s := range []JobStatus{StatusDone, StatusFailed, StatusNoRelevantChanges} {
		if !s.IsTerminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
}
