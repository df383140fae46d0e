package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drover/internal/event"
	"drover/internal/logging"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestWorkflow(id string, kind WorkflowKind) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:             id,
		Name:           "fix flaky login test",
		Kind:           kind,
		State:          StateCreated,
		BaseBranch:     "main",
		ModelSet:       ModelSetBase,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestMigrateIdempotentAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	store, err := Open(path, logging.Nop())
	require.NoError(t, err)
	_, err = store.CreateWorkflow(context.Background(), newTestWorkflow("wf-1", KindStandard))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path, logging.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	w, err := reopened.GetWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, w.State)
}

func TestCreateWorkflowRoundtrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	w := newTestWorkflow("wf-1", KindTDD)
	w.Tags = []string{"auth", "flaky"}
	w.Metadata = map[string]string{"issue": "GH-42"}
	w.IssueRef = "GH-42"
	w.IssueClass = IssueBug
	w.BudgetUSD = 5

	created, err := store.CreateWorkflow(ctx, w)
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, event.TypeWorkflowCreated, created.EventType)
	assert.Positive(t, created.Seq)

	got, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, KindTDD, got.Kind)
	assert.Equal(t, []string{"auth", "flaky"}, got.Tags)
	assert.Equal(t, "GH-42", got.Metadata["issue"])
	assert.Equal(t, IssueBug, got.IssueClass)
	assert.Equal(t, 5.0, got.BudgetUSD)
}

func TestGetWorkflowNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetWorkflow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionWorkflowCAS(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkflow(ctx, newTestWorkflow("wf-1", KindStandard))
	require.NoError(t, err)

	// Illegal pair is rejected without touching the row.
	_, err = store.TransitionWorkflow(ctx, "wf-1", StateCreated, StateCompleted)
	assert.True(t, IsInvalidTransition(err))

	_, err = store.TransitionWorkflow(ctx, "wf-1", StateCreated, StateInitialized)
	require.NoError(t, err)

	// Lost CAS: the row is no longer in created.
	_, err = store.TransitionWorkflow(ctx, "wf-1", StateCreated, StateInitialized)
	assert.True(t, IsConflict(err))

	started := time.Now().UTC()
	_, err = store.TransitionWorkflow(ctx, "wf-1", StateInitialized, StateRunning, WithStartedAt(started))
	require.NoError(t, err)

	w, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, w.State)
	require.NotNil(t, w.StartedAt)
}

func TestTransitionWorkflowEventCommittedWithRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkflow(ctx, newTestWorkflow("wf-1", KindStandard))
	require.NoError(t, err)

	ev := event.New(event.TypeWorkflowStateChanged, "wf-1").WithTransition("created", "initialized")
	persisted, err := store.TransitionWorkflow(ctx, "wf-1", StateCreated, StateInitialized, WithTransitionEvent(ev))
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Positive(t, persisted.Seq)

	events, err := store.Events(ctx, "wf-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, event.TypeWorkflowCreated, events[0].EventType)
	assert.Equal(t, event.TypeWorkflowStateChanged, events[1].EventType)
	assert.Equal(t, "initialized", events[1].ToState)
	assert.Greater(t, events[1].Seq, events[0].Seq)
}

func TestTransitionFullLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkflow(ctx, newTestWorkflow("wf-1", KindPlanOnly))
	require.NoError(t, err)

	steps := []struct {
		from, to WorkflowState
	}{
		{StateCreated, StateInitialized},
		{StateInitialized, StateRunning},
		{StateRunning, StatePaused},
		{StatePaused, StateRunning},
		{StateRunning, StateStuck},
		{StateStuck, StateRunning},
		{StateRunning, StateCompleted},
	}
	for _, step := range steps {
		_, err := store.TransitionWorkflow(ctx, "wf-1", step.from, step.to)
		require.NoError(t, err, "%s -> %s", step.from, step.to)
	}

	w, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, w.State)
}

func TestArchiveCascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkflow(ctx, newTestWorkflow("wf-1", KindStandard))
	require.NoError(t, err)

	// Archive requires a terminal state.
	_, err = store.ArchiveWorkflow(ctx, "wf-1")
	assert.True(t, IsInvalidTransition(err))

	for _, step := range [][2]WorkflowState{
		{StateCreated, StateInitialized},
		{StateInitialized, StateRunning},
		{StateRunning, StateFailed},
	} {
		_, err := store.TransitionWorkflow(ctx, "wf-1", step[0], step[1])
		require.NoError(t, err)
	}

	phase := &Phase{WorkflowID: "wf-1", Name: PhasePlan, Attempt: 1, MaxAttempts: 3, State: PhasePending}
	require.NoError(t, store.InsertPhase(ctx, phase))

	archived, err := store.ArchiveWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, event.TypeWorkflowArchived, archived.EventType)

	w, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, StateArchived, w.State)
	require.NotNil(t, w.ArchivedAt)

	phases, err := store.ListPhases(ctx, "wf-1")
	require.NoError(t, err)
	assert.Empty(t, phases)

	events, err := store.Events(ctx, "wf-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeWorkflowArchived, events[0].EventType)
}

func TestListWorkflowsFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	wf1 := newTestWorkflow("wf-1", KindStandard)
	wf1.Tags = []string{"backend"}
	wf2 := newTestWorkflow("wf-2", KindTDD)
	wf2.IssueRef = "GH-7"
	wf3 := newTestWorkflow("wf-3", KindStandard)
	for _, w := range []*Workflow{wf1, wf2, wf3} {
		_, err := store.CreateWorkflow(ctx, w)
		require.NoError(t, err)
	}
	_, err := store.TransitionWorkflow(ctx, "wf-3", StateCreated, StateInitialized)
	require.NoError(t, err)

	byKind, err := store.ListWorkflows(ctx, ListFilter{Kinds: []WorkflowKind{KindTDD}})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, "wf-2", byKind[0].ID)

	byState, err := store.ListWorkflows(ctx, ListFilter{States: []WorkflowState{StateInitialized}})
	require.NoError(t, err)
	require.Len(t, byState, 1)
	assert.Equal(t, "wf-3", byState[0].ID)

	byIssue, err := store.ListWorkflows(ctx, ListFilter{IssueRef: "GH-7"})
	require.NoError(t, err)
	require.Len(t, byIssue, 1)

	byTag, err := store.ListWorkflows(ctx, ListFilter{Tag: "backend"})
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Equal(t, "wf-1", byTag[0].ID)

	limited, err := store.ListWorkflows(ctx, ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestPhaseAttemptUniqueness(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkflow(ctx, newTestWorkflow("wf-1", KindStandard))
	require.NoError(t, err)

	first := &Phase{WorkflowID: "wf-1", Name: PhaseBuild, Attempt: 1, MaxAttempts: 3, State: PhasePending}
	require.NoError(t, store.InsertPhase(ctx, first))

	dup := &Phase{WorkflowID: "wf-1", Name: PhaseBuild, Attempt: 1, MaxAttempts: 3, State: PhasePending}
	assert.Error(t, store.InsertPhase(ctx, dup))

	second := &Phase{WorkflowID: "wf-1", Name: PhaseBuild, Attempt: 2, MaxAttempts: 3, State: PhasePending}
	require.NoError(t, store.InsertPhase(ctx, second))

	w, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, w.PhaseCount)
}

func TestPhaseRetryRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkflow(ctx, newTestWorkflow("wf-1", KindStandard))
	require.NoError(t, err)

	// First attempt fails, second succeeds; both rows survive.
	first := &Phase{WorkflowID: "wf-1", Name: PhaseBuild, Attempt: 1, MaxAttempts: 3, State: PhasePending}
	require.NoError(t, store.InsertPhase(ctx, first))
	require.NoError(t, store.StartPhase(ctx, first.ID))
	require.NoError(t, store.FinishPhase(ctx, first.ID, PhaseFailed, nil, "rate limited"))

	second := &Phase{WorkflowID: "wf-1", Name: PhaseBuild, Attempt: 2, MaxAttempts: 3, State: PhasePending}
	require.NoError(t, store.InsertPhase(ctx, second))
	require.NoError(t, store.StartPhase(ctx, second.ID))
	require.NoError(t, store.FinishPhase(ctx, second.ID, PhaseCompleted, intPtr(0), ""))

	phases, err := store.ListPhases(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, phases, 2)
	assert.Equal(t, PhaseFailed, phases[0].State)
	assert.Equal(t, 1, phases[0].Attempt)
	assert.Equal(t, "rate limited", phases[0].ErrorMessage)
	assert.Equal(t, PhaseCompleted, phases[1].State)
	assert.Equal(t, 2, phases[1].Attempt)
	require.NotNil(t, phases[1].DurationSeconds)
	assert.GreaterOrEqual(t, *phases[1].DurationSeconds, 0.0)
}

func TestPhaseUsageAccumulates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkflow(ctx, newTestWorkflow("wf-1", KindStandard))
	require.NoError(t, err)

	p := &Phase{WorkflowID: "wf-1", Name: PhasePlan, Attempt: 1, MaxAttempts: 3, State: PhasePending}
	require.NoError(t, store.InsertPhase(ctx, p))

	require.NoError(t, store.AddPhaseUsage(ctx, p.ID, 1, 1000, 500, 0.0075))
	require.NoError(t, store.AddPhaseUsage(ctx, p.ID, 1, 2000, 800, 0.0132))
	require.NoError(t, store.AddWorkflowUsage(ctx, "wf-1", 0.0207, 4300))

	got, err := store.GetPhase(ctx, "wf-1", PhasePlan, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, got.LLMRequests)
	assert.Equal(t, int64(3000), got.LLMTokensIn)
	assert.Equal(t, int64(1300), got.LLMTokensOut)
	assert.InDelta(t, 0.0207, got.CostUSD, 1e-9)

	w, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.0207, w.CostUSD, 1e-9)
	assert.Equal(t, int64(4300), w.TotalTokens)

	assert.Error(t, store.AddWorkflowUsage(ctx, "wf-1", -1, 0))
}

func TestEventSeqMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkflow(ctx, newTestWorkflow("wf-1", KindStandard))
	require.NoError(t, err)

	var lastSeq int64
	for i := 0; i < 5; i++ {
		e, err := store.AppendEvent(ctx, event.New(event.TypeErrorOccurred, "wf-1").WithSeverity(event.SeverityError))
		require.NoError(t, err)
		assert.Greater(t, e.Seq, lastSeq)
		lastSeq = e.Seq
	}

	since, err := store.Events(ctx, "wf-1", lastSeq-2, 0)
	require.NoError(t, err)
	assert.Len(t, since, 2)
}

func TestPortPersistence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkflow(ctx, newTestWorkflow("wf-1", KindStandard))
	require.NoError(t, err)

	require.NoError(t, store.SetWorkflowPorts(ctx, "wf-1", intPtr(9100), intPtr(9200)))

	ports, err := store.AllocatedPorts(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", ports[9100])
	assert.Equal(t, "wf-1", ports[9200])

	// Out-of-range port violates the schema constraint.
	assert.Error(t, store.SetWorkflowPorts(ctx, "wf-1", intPtr(9300), nil))

	require.NoError(t, store.SetWorkflowPorts(ctx, "wf-1", nil, nil))
	ports, err = store.AllocatedPorts(ctx)
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestStaleRunning(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkflow(ctx, newTestWorkflow("wf-1", KindStandard))
	require.NoError(t, err)
	for _, step := range [][2]WorkflowState{
		{StateCreated, StateInitialized},
		{StateInitialized, StateRunning},
	} {
		_, err := store.TransitionWorkflow(ctx, "wf-1", step[0], step[1])
		require.NoError(t, err)
	}

	stale, err := store.StaleRunning(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = store.StaleRunning(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "wf-1", stale[0].ID)
}

func TestStatsAndRollup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"wf-1", "wf-2"} {
		_, err := store.CreateWorkflow(ctx, newTestWorkflow(id, KindStandard))
		require.NoError(t, err)
		require.NoError(t, store.AddWorkflowUsage(ctx, id, 0.5, 1000))
	}
	for _, step := range [][2]WorkflowState{
		{StateCreated, StateInitialized},
		{StateInitialized, StateRunning},
		{StateRunning, StateCompleted},
	} {
		_, err := store.TransitionWorkflow(ctx, "wf-1", step[0], step[1])
		require.NoError(t, err)
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByState[StateCompleted])
	assert.Equal(t, 1, stats.ByState[StateCreated])
	assert.Equal(t, 2, stats.ByKind[KindStandard])
	assert.InDelta(t, 1.0, stats.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(2000), stats.TotalTokens)

	require.NoError(t, store.RollupDaily(ctx, time.Now().UTC()))
	aggs, err := store.Aggregates(ctx, time.Now().UTC().Add(-24*time.Hour), time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, 2, aggs[0].WorkflowsTotal)
	assert.InDelta(t, 1.0, aggs[0].TotalCostUSD, 1e-9)
	assert.InDelta(t, 0.5, aggs[0].SuccessRate, 1e-9)
}

func TestPurgeArchived(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkflow(ctx, newTestWorkflow("wf-1", KindStandard))
	require.NoError(t, err)
	for _, step := range [][2]WorkflowState{
		{StateCreated, StateInitialized},
		{StateInitialized, StateRunning},
		{StateRunning, StateCancelled},
	} {
		_, err := store.TransitionWorkflow(ctx, "wf-1", step[0], step[1])
		require.NoError(t, err)
	}
	_, err = store.ArchiveWorkflow(ctx, "wf-1")
	require.NoError(t, err)

	purged, err := store.PurgeArchived(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, purged)

	purged, err = store.PurgeArchived(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = store.GetWorkflow(ctx, "wf-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func intPtr(v int) *int { return &v }
