package sandbox

import (
	"fmt"
	"path"
	"strings"
)

// MaxPathLength bounds provider-bound file paths.
const MaxPathLength = 512

// ValidatePath is the single choke point for every file path forwarded to
// the sandbox provider. It returns the normalized workspace-relative path
// or an error when the path could escape the workspace.
func ValidatePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if len(p) > MaxPathLength {
		return "", fmt.Errorf("path exceeds %d bytes", MaxPathLength)
	}
	for _, r := range p {
		if r == 0 || r < 0x20 {
			return "", fmt.Errorf("path contains control bytes")
		}
	}

	// Normalize before checking segments so "a/b/../../etc" is caught.
	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if strings.HasPrefix(cleaned, "/") {
		cleaned = strings.TrimPrefix(cleaned, "/")
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path escapes workspace root: %s", p)
	}
	for _, seg := range strings.Split(cleaned, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path contains parent segment: %s", p)
		}
	}
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("path resolves to workspace root")
	}
	return cleaned, nil
}
