// Package workspace is the boundary to a project's working tree: file
// inspection and mutation plus test execution. Agents depend on the
// interface; tests script it.
package workspace

import (
	"context"
	"strings"
)

// Run status values reported by RunTests.
const (
	RunPass = "PASS"
	RunFail = "FAIL"
)

// RunResult captures one test run.
type RunResult struct {
	Status string `json:"status"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// Tools exposes the operations agents perform against a working tree.
// Implementations must honor ctx cancellation on long operations.
type Tools interface {
	ListFiles(ctx context.Context, dir string) ([]string, error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path string, content string) error
	Search(ctx context.Context, pattern string) ([]string, error)

	// RunTests executes the project's test command.
	RunTests(ctx context.Context) (*RunResult, error)

	// InstallDependency resolves a missing module reported by a failed
	// run.
	InstallDependency(ctx context.Context, name string) error
}

// placeholderMarkers flag unfinished work in generated files.
var placeholderMarkers = []string{"TODO", "FIXME", "PLACEHOLDER", "not implemented"}

// HasPlaceholder reports whether file content still carries an
// unfinished-work marker.
func HasPlaceholder(content string) bool {
	upper := strings.ToUpper(content)
	for _, marker := range placeholderMarkers {
		if strings.Contains(upper, strings.ToUpper(marker)) {
			return true
		}
	}
	return false
}
