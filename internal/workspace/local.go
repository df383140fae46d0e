package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"drover/internal/logging"
)

// LocalWorkspace hands out scratch directories under a root. Commit, push and
// review submission are recorded in the log only; wiring a real VCS adapter
// replaces this implementation wholesale.
type LocalWorkspace struct {
	root   string
	logger logging.Logger
}

// NewLocalWorkspace creates the root directory if needed.
func NewLocalWorkspace(root string, logger logging.Logger) (*LocalWorkspace, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &LocalWorkspace{root: root, logger: logging.OrNop(logger)}, nil
}

func (w *LocalWorkspace) CreateWorktree(ctx context.Context, branch, base string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(w.root, sanitizeBranch(branch))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create worktree for %s: %w", branch, err)
	}
	w.logger.Info("worktree %s created for branch %s (base %s)", dir, branch, base)
	return dir, nil
}

func (w *LocalWorkspace) Commit(ctx context.Context, path, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.logger.Info("commit in %s: %s", path, message)
	return nil
}

func (w *LocalWorkspace) Push(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.logger.Info("push from %s", path)
	return nil
}

func (w *LocalWorkspace) OpenReview(ctx context.Context, path, title, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	w.logger.Info("review opened for %s: %s", path, title)
	return "local://" + filepath.Base(path), nil
}

func (w *LocalWorkspace) RemoveWorktree(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Refuse paths outside the managed root.
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("worktree %s is not under workspace root %s", path, w.root)
	}
	return os.RemoveAll(path)
}

func sanitizeBranch(branch string) string {
	return strings.NewReplacer("/", "-", " ", "-").Replace(branch)
}

// CommandTestRunner runs a configured shell command inside the working tree
// and reports its exit code.
type CommandTestRunner struct {
	command []string
	logger  logging.Logger
}

// NewCommandTestRunner builds a runner for argv-style command, e.g.
// ["go", "test", "./..."].
func NewCommandTestRunner(command []string, logger logging.Logger) (*CommandTestRunner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("test command is required")
	}
	return &CommandTestRunner{command: command, logger: logging.OrNop(logger)}, nil
}

func (r *CommandTestRunner) Run(ctx context.Context, dir string) (*TestResult, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()

	result := &TestResult{
		Output:     string(out),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			r.logger.Info("test run in %s exited %d after %dms", dir, result.ExitCode, result.DurationMs)
			return result, nil
		}
		return nil, fmt.Errorf("run tests in %s: %w", dir, err)
	}
	r.logger.Info("test run in %s passed after %dms", dir, result.DurationMs)
	return result, nil
}
