package workspace

import (
	"context"
	"fmt"
	"sync"
)

// NopIssueSource returns empty issues and swallows comments. Used for
// workflows created from an inline task description with no issue_ref.
type NopIssueSource struct{}

func (NopIssueSource) Fetch(_ context.Context, issueRef string) (*Issue, error) {
	return &Issue{Ref: issueRef}, nil
}

func (NopIssueSource) PostComment(context.Context, string, string) error { return nil }

// StaticIssueSource serves a fixed issue map; missing refs are an error.
// Test-side stand-in for a tracker adapter.
type StaticIssueSource struct {
	mu       sync.Mutex
	issues   map[string]*Issue
	comments map[string][]string
}

func NewStaticIssueSource(issues ...*Issue) *StaticIssueSource {
	s := &StaticIssueSource{
		issues:   make(map[string]*Issue),
		comments: make(map[string][]string),
	}
	for _, issue := range issues {
		s.issues[issue.Ref] = issue
	}
	return s
}

func (s *StaticIssueSource) Fetch(_ context.Context, issueRef string) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[issueRef]
	if !ok {
		return nil, fmt.Errorf("issue %s not found", issueRef)
	}
	return issue, nil
}

func (s *StaticIssueSource) PostComment(_ context.Context, issueRef, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[issueRef] = append(s.comments[issueRef], text)
	return nil
}

// Comments returns the comments posted against issueRef.
func (s *StaticIssueSource) Comments(issueRef string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.comments[issueRef]...)
}

// ScriptedTestRunner returns pre-arranged exit codes in order; the last one
// repeats. Drives red/green verification in engine tests.
type ScriptedTestRunner struct {
	mu    sync.Mutex
	codes []int
	runs  int
}

func NewScriptedTestRunner(exitCodes ...int) *ScriptedTestRunner {
	return &ScriptedTestRunner{codes: exitCodes}
}

func (r *ScriptedTestRunner) Run(ctx context.Context, dir string) (*TestResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	code := 0
	if len(r.codes) > 0 {
		idx := r.runs
		if idx >= len(r.codes) {
			idx = len(r.codes) - 1
		}
		code = r.codes[idx]
	}
	r.runs++
	return &TestResult{ExitCode: code, Output: fmt.Sprintf("scripted run %d in %s", r.runs, dir)}, nil
}

// Runs reports how many times the runner was invoked.
func (r *ScriptedTestRunner) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}
