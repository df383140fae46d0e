package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkflowTransitionTable(t *testing.T) {
	tests := []struct {
		from, to WorkflowState
		allowed  bool
	}{
		{StateCreated, StateInitialized, true},
		{StateCreated, StateRunning, false},
		{StateInitialized, StateRunning, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateCancelled, true},
		{StateRunning, StatePaused, true},
		{StateRunning, StateStuck, true},
		{StateRunning, StateArchived, false},
		{StatePaused, StateRunning, true},
		{StatePaused, StateCancelled, true},
		{StatePaused, StateCompleted, false},
		{StateStuck, StateRunning, true},
		{StateStuck, StateFailed, true},
		{StateStuck, StateCancelled, true},
		{StateStuck, StatePaused, false},
		{StateCompleted, StateArchived, true},
		{StateFailed, StateArchived, true},
		{StateCancelled, StateArchived, true},
		{StateArchived, StateRunning, false},
		{StateCompleted, StateRunning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestPhaseTransitionTable(t *testing.T) {
	assert.True(t, CanTransitionPhase(PhasePending, PhaseRunning))
	assert.True(t, CanTransitionPhase(PhasePending, PhaseSkipped))
	assert.True(t, CanTransitionPhase(PhaseRunning, PhaseCompleted))
	assert.True(t, CanTransitionPhase(PhaseRunning, PhaseFailed))
	assert.False(t, CanTransitionPhase(PhaseCompleted, PhaseRunning))
	assert.False(t, CanTransitionPhase(PhaseFailed, PhaseRunning))
	assert.False(t, CanTransitionPhase(PhaseSkipped, PhaseRunning))
	assert.False(t, CanTransitionPhase(PhasePending, PhaseCompleted))
}

func TestWorkflowValidate(t *testing.T) {
	w := newTestWorkflow("wf-1", KindStandard)
	assert.NoError(t, w.Validate())

	bad := *w
	bad.Kind = "waterfall"
	assert.Error(t, bad.Validate())

	bad = *w
	bad.ModelSet = "huge"
	assert.Error(t, bad.Validate())

	bad = *w
	bad.BackendPort = intPtr(9099)
	assert.Error(t, bad.Validate())

	bad = *w
	bad.FrontendPort = intPtr(9250)
	assert.NoError(t, bad.Validate())

	bad = *w
	bad.CostUSD = -0.1
	assert.Error(t, bad.Validate())
}

func TestPhaseValidate(t *testing.T) {
	p := &Phase{WorkflowID: "wf-1", Name: PhaseVerifyRed, Attempt: 1, State: PhasePending}
	assert.NoError(t, p.Validate())

	p.Attempt = 0
	assert.Error(t, p.Validate())

	p.Attempt = 1
	p.Name = "ship_it"
	assert.Error(t, p.Validate())
}
