package id

import (
	"strings"
	"testing"
)

func TestNewPrefixes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"job", NewJobID, "job_"},
		{"worker", NewWorkerID, "wkr_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.gen()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Fatalf("expected prefix %q, got %q", tt.prefix, got)
			}
			if !Valid(got) {
				t.Fatalf("generated ID %q did not validate", got)
			}
		})
	}
}

func TestNewUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for range 100 {
		s := NewJobID()
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate ID generated: %s", s)
		}
		seen[s] = struct{}{}
	}
}

func TestValid(t *testing.T) {
	t.Parallel()

	if Valid("") {
		t.Fatal("empty string should not be valid")
	}
	if Valid("not a typeid!!") {
		t.Fatal("malformed string should not be valid")
	}
}
