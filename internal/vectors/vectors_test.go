package vectors_test

import (
	"errors"
	"testing"

	"github.com/mnemohq/mnemo/internal/vectors"
)

func TestHashContentIgnoresEdgeWhitespace(t *testing.T) {
	a := vectors.HashContent("prefers window seats")
	b := vectors.HashContent("  prefers window seats\n")
	if a != b {
		t.Fatalf("hashes differ for whitespace variants: %s vs %s", a, b)
	}
	if a == vectors.HashContent("prefers aisle seats") {
		t.Fatal("distinct texts must hash differently")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestNormalizeCollection(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", vectors.DefaultCollection, false},
		{"Facts", "facts", false},
		{" travel_notes ", "travel_notes", false},
		{"9th", "", true},
		{"no spaces", "", true},
		{"drop;--", "", true},
	}
	for _, c := range cases {
		got, err := vectors.NormalizeCollection(c.in)
		if c.wantErr {
			if !errors.Is(err, vectors.ErrBadCollection) {
				t.Errorf("NormalizeCollection(%q) err = %v, want ErrBadCollection", c.in, err)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Errorf("NormalizeCollection(%q) = %q, %v; want %q", c.in, got, err, c.want)
		}
	}
}
