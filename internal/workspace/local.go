package workspace

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/devcrew/devcrew/internal/common/errors"
)

// Local implements Tools against a directory on disk. Test and install
// commands are configurable per project since hosted repos differ in
// runtime.
type Local struct {
	root       string
	testCmd    []string
	installCmd []string
}

var _ Tools = (*Local)(nil)

// NewLocal creates a workspace rooted at dir. testCmd and installCmd
// are argv-style; the dependency name is appended to installCmd.
func NewLocal(dir string, testCmd, installCmd []string) *Local {
	return &Local{root: dir, testCmd: testCmd, installCmd: installCmd}
}

// resolve joins a workspace-relative path and rejects escapes.
func (l *Local) resolve(path string) (string, error) {
	joined := filepath.Join(l.root, filepath.Clean("/"+path))
	if !strings.HasPrefix(joined, filepath.Clean(l.root)+string(os.PathSeparator)) && joined != filepath.Clean(l.root) {
		return "", errors.Validation("path escapes the workspace: " + path)
	}
	return joined, nil
}

// skippedDirs are never listed or searched.
var skippedDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "__pycache__": true,
}

func (l *Local) ListFiles(ctx context.Context, dir string) ([]string, error) {
	base, err := l.resolve(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return files, nil
}

func (l *Local) ReadFile(ctx context.Context, path string) (string, error) {
	full, err := l.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return "", errors.NotFound("file", path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

func (l *Local) WriteFile(ctx context.Context, path string, content string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Search returns the workspace-relative paths of files whose content
// contains pattern.
func (l *Local) Search(ctx context.Context, pattern string) ([]string, error) {
	files, err := l.ListFiles(ctx, ".")
	if err != nil {
		return nil, err
	}

	var hits []string
	for _, rel := range files {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		content, err := l.ReadFile(ctx, rel)
		if err != nil {
			continue
		}
		if strings.Contains(content, pattern) {
			hits = append(hits, rel)
		}
	}
	return hits, nil
}

func (l *Local) RunTests(ctx context.Context) (*RunResult, error) {
	if len(l.testCmd) == 0 {
		return nil, errors.Validation("no test command configured for this workspace")
	}
	stdout, stderr, err := l.run(ctx, l.testCmd)
	result := &RunResult{Status: RunPass, Stdout: stdout, Stderr: stderr}
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, errors.Transient("test command did not run", err)
		}
		result.Status = RunFail
	}
	return result, nil
}

func (l *Local) InstallDependency(ctx context.Context, name string) error {
	if len(l.installCmd) == 0 {
		return errors.Validation("no install command configured for this workspace")
	}
	if _, stderr, err := l.run(ctx, append(append([]string{}, l.installCmd...), name)); err != nil {
		return errors.Transient("failed to install "+name+": "+strings.TrimSpace(stderr), err)
	}
	return nil
}

func (l *Local) run(ctx context.Context, argv []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = l.root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
