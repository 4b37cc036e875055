package sandbox

import (
	"strings"
	"testing"
)

func TestValidatePathAccepts(t *testing.T) {
	cases := map[string]string{
		"src/main.go":        "src/main.go",
		"./src/main.go":      "src/main.go",
		"/src/main.go":       "src/main.go",
		"src//lib///util.ts": "src/lib/util.ts",
		"src/a/../b.go":      "src/b.go",
		"README.md":          "README.md",
	}
	for in, want := range cases {
		got, err := ValidatePath(in)
		if err != nil {
			t.Errorf("ValidatePath(%q) unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ValidatePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidatePathRejects(t *testing.T) {
	cases := []string{
		"",
		"..",
		"../etc/passwd",
		"src/../../etc/passwd",
		"a/b/../../../c",
		"..\\windows\\escape",
		"src/main\x00.go",
		"src/ma\x07in.go",
		".",
		"./",
		strings.Repeat("a", MaxPathLength+1),
	}
	for _, in := range cases {
		if _, err := ValidatePath(in); err == nil {
			t.Errorf("ValidatePath(%q) expected error, got nil", in)
		}
	}
}

func TestValidatePathLengthBoundary(t *testing.T) {
	atLimit := strings.Repeat("a", MaxPathLength)
	if _, err := ValidatePath(atLimit); err != nil {
		t.Errorf("path of exactly %d bytes should pass: %v", MaxPathLength, err)
	}
}
