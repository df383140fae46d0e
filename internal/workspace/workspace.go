// Package workspace declares the collaborator contracts the engine consumes:
// issue sources, working-tree management, and test execution. Real adapters
// (issue trackers, git hosting) live outside the orchestrator; this package
// ships local implementations sufficient for development and tests.
package workspace

import (
	"context"
)

// Issue is the engine's view of an external work item.
type Issue struct {
	Ref    string   `json:"ref"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// IssueSource resolves issue references into task material and reports
// progress back to the tracker.
type IssueSource interface {
	Fetch(ctx context.Context, issueRef string) (*Issue, error)
	PostComment(ctx context.Context, issueRef, text string) error
}

// Workspace manages per-workflow working trees. The orchestrator never owns
// a repository; it only holds the paths this interface hands out.
type Workspace interface {
	// CreateWorktree prepares an isolated working tree for branch, based on
	// base, and returns its path.
	CreateWorktree(ctx context.Context, branch, base string) (string, error)
	Commit(ctx context.Context, path, message string) error
	Push(ctx context.Context, path string) error
	// OpenReview submits the pushed branch for review and returns its URL.
	OpenReview(ctx context.Context, path, title, body string) (string, error)
	// RemoveWorktree releases the working tree at termination.
	RemoveWorktree(ctx context.Context, path string) error
}

// TestResult carries the outcome of one test run. ExitCode 0 means the suite
// passed; verify phases interpret it according to their red/green role.
type TestResult struct {
	ExitCode   int
	Output     string
	DurationMs int64
}

// TestRunner executes the workflow's test suite inside a working tree.
type TestRunner interface {
	Run(ctx context.Context, dir string) (*TestResult, error)
}
