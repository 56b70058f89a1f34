package subprocess

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveProjectDir computes the working directory for a request that
// carries a projectId: (sessionDir)/(projectId), created if absent. It
// rejects any resolved path that escapes sessionDir even if the id slipped
// past the wire protocol's pattern validation (defense in depth).
func ResolveProjectDir(sessionDir, projectID string) (string, error) {
	base, err := filepath.Abs(sessionDir)
	if err != nil {
		return "", fmt.Errorf("resolve session dir: %w", err)
	}
	candidate := filepath.Join(base, projectID)
	candidate, err = filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	rel, err := filepath.Rel(base, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("projectId escapes session directory: %q", projectID)
	}

	if err := os.MkdirAll(candidate, 0o755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	return candidate, nil
}
