package engine

import (
	"fmt"
	"strings"

	"drover/internal/state"
)

// phasePlans maps each workflow kind to its ordered phase list.
var phasePlans = map[state.WorkflowKind][]state.PhaseName{
	state.KindStandard:   {state.PhasePlan, state.PhaseBuild, state.PhaseTest, state.PhaseReview},
	state.KindTDD:        {state.PhasePlan, state.PhaseGenerateTests, state.PhaseVerifyRed, state.PhaseBuild, state.PhaseVerifyGreen, state.PhaseRefactor, state.PhaseReview},
	state.KindPlanOnly:   {state.PhasePlan},
	state.KindTestOnly:   {state.PhaseTest},
	state.KindReviewOnly: {state.PhaseReview},
}

// PhasePlan returns the ordered phases for a kind.
func PhasePlan(kind state.WorkflowKind) ([]state.PhaseName, error) {
	plan, ok := phasePlans[kind]
	if !ok {
		return nil, fmt.Errorf("no phase plan for workflow kind %q", kind)
	}
	return plan, nil
}

// optionalPhases fail without failing the workflow; their failure skips
// ahead to the next phase.
var optionalPhases = map[state.PhaseName]bool{
	state.PhaseRefactor: true,
}

// verifyPhases run the test suite instead of calling a provider.
func isVerifyPhase(name state.PhaseName) bool {
	return name == state.PhaseVerifyRed || name == state.PhaseVerifyGreen
}

// phaseSystemPrompts give each LLM-backed phase its role.
var phaseSystemPrompts = map[state.PhaseName]string{
	state.PhasePlan:          "You are a senior engineer. Produce a concise implementation plan for the task: numbered steps, files to touch, and risks.",
	state.PhaseBuild:         "You are a senior engineer. Implement the task following the plan. Output the complete code changes.",
	state.PhaseTest:          "You are a test engineer. Write tests covering the implemented changes and report expected results.",
	state.PhaseReview:        "You are a code reviewer. Review the changes for correctness, style, and missed edge cases. End with APPROVE or REQUEST_CHANGES.",
	state.PhaseDeploy:        "You are a release engineer. Produce the deployment steps for the change.",
	state.PhaseGenerateTests: "You are a test engineer practicing TDD. Write failing tests that capture the task's requirements before any implementation exists.",
	state.PhaseRefactor:      "You are a senior engineer. Refactor the implementation for clarity without changing behavior.",
}

// buildPhasePrompt assembles the user message for a phase from the task
// description and the outputs of completed phases.
func buildPhasePrompt(w *state.Workflow, phase state.PhaseName, transcript map[state.PhaseName]string, plan []state.PhaseName) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", w.TaskDescription)
	if w.IssueRef != "" {
		fmt.Fprintf(&b, "Issue: %s\n", w.IssueRef)
	}
	if w.Branch != "" {
		fmt.Fprintf(&b, "Branch: %s (base %s)\n", w.Branch, w.BaseBranch)
	}
	for _, prev := range plan {
		if prev == phase {
			break
		}
		if output, ok := transcript[prev]; ok && output != "" {
			fmt.Fprintf(&b, "\n--- %s output ---\n%s\n", prev, output)
		}
	}
	fmt.Fprintf(&b, "\nCurrent phase: %s.", phase)
	return b.String()
}
