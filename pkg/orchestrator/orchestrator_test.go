package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/pkg/bus"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/dag"
	"github.com/ensembleworks/ensemble/pkg/memory"
)

func TestClassifyTypes(t *testing.T) {
	tests := []struct {
		objective string
		want      ObjectiveType
	}{
		{"Build a dashboard widget showing open tickets", TypeWidget},
		{"Automate the weekly report workflow with a schedule", TypeFlow},
		{"Create a CRUD application with a frontend and backend", TypeApp},
		{"Integrate Jira and sync issues via webhook", TypeIntegration},
		{"Fix the thing", TypeGeneric},
	}
	for _, tt := range tests {
		got := Classify(tt.objective)
		assert.Equal(t, tt.want, got.Type, tt.objective)
	}
}

func TestClassifyComplexityBounds(t *testing.T) {
	simple := Classify("Fix a typo")
	assert.GreaterOrEqual(t, simple.Complexity, 0.0)
	assert.LessOrEqual(t, simple.Complexity, 1.0)

	complexObjective := "Build a real-time dashboard that syncs with Jira via webhook, " +
		"connects to the auth service with role based permissions, imports historical data, " +
		"and streams updates live to every connected client across all the configured projects " +
		"while exporting weekly summaries and triggering alerts when thresholds are crossed"
	hard := Classify(complexObjective)
	assert.LessOrEqual(t, hard.Complexity, 1.0)
	assert.Greater(t, hard.Complexity, simple.Complexity)
}

func TestClassifyAgentSequences(t *testing.T) {
	assert.Equal(t, []string{"generalist"}, Classify("do something").AgentSequence)

	widget := Classify("build a chart widget")
	assert.Equal(t, "researcher", widget.AgentSequence[0])
	assert.Contains(t, widget.AgentSequence, "implementer")
	assert.Contains(t, widget.AgentSequence, "tester")
}

func TestFoldPatternEMA(t *testing.T) {
	records := []RunRecord{
		{Type: TypeWidget, Agents: []string{"researcher", "implementer"}, DurationMs: 1000, Success: true},
		{Type: TypeWidget, Agents: []string{"researcher", "implementer"}, DurationMs: 2000, Success: true},
		{Type: TypeWidget, Agents: []string{"researcher", "implementer"}, DurationMs: 3000, Success: false},
	}

	p := FoldPattern(TypeWidget, records)
	require.NotNil(t, p)
	assert.Equal(t, 3, p.Runs)

	// 1.0 -> 0.3*1 + 0.7*1 = 1.0 -> 0.3*0 + 0.7*1.0 = 0.7
	assert.InDelta(t, 0.7, p.SuccessRate, 1e-9)
	// 1000ms -> 1300ms -> 0.3*3000 + 0.7*1300 = 1810ms
	assert.InDelta(t, 1810, float64(p.AvgDuration.Milliseconds()), 1)
	assert.Equal(t, []string{"researcher", "implementer"}, p.AgentSequence)
}

func TestFoldPatternEmpty(t *testing.T) {
	assert.Nil(t, FoldPattern(TypeWidget, nil))
}

func TestBuildObjectivePlanShape(t *testing.T) {
	c := Classification{
		Type:          TypeApp,
		Complexity:    0.7,
		AgentSequence: []string{"researcher", "designer", "implementer", "tester", "documenter"},
	}

	plan, err := BuildObjectivePlan("build an app", c)
	require.NoError(t, err)

	// research x2 -> design x2 -> implement -> test -> document
	require.Len(t, plan.Levels, 5)
	assert.ElementsMatch(t, []string{"research-requirements", "research-prior-art"}, plan.Levels[0])
	assert.ElementsMatch(t, []string{"design-structure", "design-data"}, plan.Levels[1])
	assert.Equal(t, []string{"implement"}, plan.Levels[2])
	assert.Equal(t, []string{"test"}, plan.Levels[3])
	assert.Equal(t, []string{"document"}, plan.Levels[4])

	assert.Empty(t, dag.ValidatePlan(plan))
}

func TestBuildObjectivePlanGeneric(t *testing.T) {
	plan, err := BuildObjectivePlan("fix it", Classification{
		Type: TypeGeneric, AgentSequence: []string{"generalist"},
	})
	require.NoError(t, err)
	require.Len(t, plan.Levels, 1)
	assert.Equal(t, "generalist", plan.Tasks["implement"].AgentName)
}

func okPrompter() dag.Prompter {
	return dag.PrompterFunc(func(ctx context.Context, req dag.Request) (dag.Response, error) {
		return dag.Response{Parts: []dag.Part{
			dag.TextPart("done: " + req.Agent),
			{Type: "tool", ToolName: "web_fetch", ToolOutput: "ok"},
		}}, nil
	})
}

func failingPrompter(failAgent string) dag.Prompter {
	return dag.PrompterFunc(func(ctx context.Context, req dag.Request) (dag.Response, error) {
		if req.Agent == failAgent {
			return dag.Response{}, errors.New("connection refused")
		}
		return dag.Response{Parts: []dag.Part{dag.TextPart("ok")}}, nil
	})
}

func newTestOrchestrator(t *testing.T, prompter dag.Prompter, opts ...Option) (*Orchestrator, *memory.Store) {
	t.Helper()
	store := memory.NewStore(t.TempDir())
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.OrchestratorConfig{}
	cfg.SetDefaults()

	o := New(store, "proj", cfg, prompter, opts...)
	return o, store
}

func createSession(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	_, err := store.Create("proj", id, "test session")
	require.NoError(t, err)
}

func TestExecuteObjectiveSuccess(t *testing.T) {
	o, store := newTestOrchestrator(t, okPrompter())
	createSession(t, store, "s1")

	result, err := o.ExecuteObjective(context.Background(), "s1", "build a dashboard widget")
	require.NoError(t, err)
	assert.True(t, result.PlanResult.Success)
	assert.Equal(t, TypeWidget, result.Classification.Type)

	// Pattern recorded for the next run.
	learnings, err := store.ProjectLearnings("proj")
	require.NoError(t, err)
	var found bool
	for _, l := range learnings {
		if l.Category == patternCategory(TypeWidget) {
			found = true
		}
	}
	assert.True(t, found)

	// Session memory picked up the milestones.
	require.NoError(t, store.Flush())
	mem, err := store.Read("proj", "s1")
	require.NoError(t, err)
	assert.NotEmpty(t, mem.CurrentStatus.Completed)
	assert.NotEmpty(t, mem.KeyResults)

	entries, err := store.ReadWorkLog("proj", "s1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 2)
}

func TestExecuteObjectiveFailureRecordsFailurePattern(t *testing.T) {
	o, store := newTestOrchestrator(t, failingPrompter("implementer"))
	createSession(t, store, "s1")

	result, err := o.ExecuteObjective(context.Background(), "s1", "build a dashboard widget")
	require.NoError(t, err)
	assert.False(t, result.PlanResult.Success)

	learnings, err := store.ProjectLearnings("proj")
	require.NoError(t, err)

	var failure *memory.Learning
	for i, l := range learnings {
		if l.Category == failureCategory(TypeWidget) {
			failure = &learnings[i]
		}
	}
	require.NotNil(t, failure)
	assert.Contains(t, failure.Insight, "network")
}

func TestExecuteObjectiveUsesPastPattern(t *testing.T) {
	o, store := newTestOrchestrator(t, okPrompter())
	createSession(t, store, "s1")
	createSession(t, store, "s2")

	// Seed two successful runs with a distinctive sequence.
	for range 2 {
		require.NoError(t, o.recordRun(TypeWidget, RunRecord{
			Type:       TypeWidget,
			Agents:     []string{"researcher", "implementer"},
			DurationMs: 500,
			Success:    true,
		}))
	}

	result, err := o.ExecuteObjective(context.Background(), "s2", "build a chart widget")
	require.NoError(t, err)
	assert.Equal(t, []string{"researcher", "implementer"}, result.Classification.AgentSequence)
	require.NotNil(t, result.Pattern)
	assert.Equal(t, 2, result.Pattern.Runs)
}

func TestExecuteObjectiveEmpty(t *testing.T) {
	o, _ := newTestOrchestrator(t, okPrompter())
	_, err := o.ExecuteObjective(context.Background(), "s1", "   ")
	require.Error(t, err)
}

func TestExecuteObjectiveEvents(t *testing.T) {
	b := bus.New()
	var events []string
	for _, name := range []string{bus.EventObjectiveStarted, bus.EventObjectiveCompleted, bus.EventPlanStarted, bus.EventPlanCompleted} {
		b.Subscribe(name, func(ev bus.Event) { events = append(events, ev.Name) })
	}

	o, store := newTestOrchestrator(t, okPrompter(), WithBus(b))
	createSession(t, store, "s1")

	_, err := o.ExecuteObjective(context.Background(), "s1", "build a widget")
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, bus.EventObjectiveStarted, events[0])
	assert.Equal(t, bus.EventObjectiveCompleted, events[len(events)-1])
	assert.Contains(t, events, bus.EventPlanStarted)
	assert.Contains(t, events, bus.EventPlanCompleted)
}

func TestToolSequenceDistinctInOrder(t *testing.T) {
	pr := &dag.PlanResult{Results: map[string]*dag.TaskResult{
		"a": {Parts: []dag.Part{
			{Type: "tool", ToolName: "web_fetch"},
			{Type: "tool", ToolName: "web_fetch"},
			{Type: "tool", ToolName: "jira_create_issue"},
		}},
	}}
	tools := toolSequence(pr)
	assert.Len(t, tools, 2)
	assert.Contains(t, tools, "web_fetch")
	assert.Contains(t, tools, "jira_create_issue")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	long := strings.Repeat("x", 30)
	assert.Equal(t, long[:10]+"...", truncate(long, 10))
}
