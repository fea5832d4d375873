package dag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/pkg/bus"
)

// slowPrompter answers every prompt after a fixed delay and records call
// order.
type slowPrompter struct {
	delay time.Duration
	fail  map[string]bool

	mu    sync.Mutex
	calls []string
}

func (p *slowPrompter) Prompt(ctx context.Context, req Request) (Response, error) {
	taskText := req.Parts[0].Text

	p.mu.Lock()
	p.calls = append(p.calls, taskText)
	p.mu.Unlock()

	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(p.delay):
		}
	}
	if p.fail[taskText] {
		return Response{}, errors.New("agent gave up")
	}
	return Response{Parts: []Part{TextPart("done: " + taskText)}}, nil
}

func execute(t *testing.T, tasks []*Task, ec ExecContext) *PlanResult {
	t.Helper()
	plan, err := BuildPlan(tasks)
	require.NoError(t, err)
	return Execute(context.Background(), plan, ec)
}

func TestExecuteLinearPipeline(t *testing.T) {
	p := &slowPrompter{delay: 20 * time.Millisecond}
	result := execute(t, []*Task{task("A"), task("B", "A"), task("C", "B")},
		ExecContext{Prompter: p})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.TasksCompleted)
	assert.Zero(t, result.TasksFailed)
	assert.Len(t, result.Results, 3)
	// Sequential chain: no overlap, no gain.
	assert.InDelta(t, 0, result.ParallelizationGain, 0.15)
	assert.Equal(t, []string{"do A", "do B", "do C"}, p.calls)
}

func TestExecuteDiamondGainsFromParallelism(t *testing.T) {
	p := &slowPrompter{delay: 30 * time.Millisecond}
	result := execute(t, []*Task{task("A"), task("B", "A"), task("C", "A"), task("D", "B", "C")},
		ExecContext{Prompter: p})

	assert.True(t, result.Success)
	assert.Equal(t, 4, result.TasksCompleted)
	// B and C overlap: four task durations, roughly three levels of wall
	// time, so the gain approaches 1/4.
	assert.Greater(t, result.ParallelizationGain, 0.1)
	assert.LessOrEqual(t, result.ParallelizationGain, 1.0)
}

func TestExecuteSkipOnErrorPropagation(t *testing.T) {
	p := &slowPrompter{fail: map[string]bool{"do A": true}}
	result := execute(t, []*Task{task("A"), task("B", "A"), task("C", "A")},
		ExecContext{Prompter: p, SkipOnError: true})

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.TasksFailed)
	assert.Equal(t, 2, result.TasksSkipped)
	assert.Zero(t, result.TasksCompleted)

	require.Len(t, result.Results, 3)
	assert.False(t, result.Results["A"].Success)
	for _, id := range []string{"B", "C"} {
		tr := result.Results[id]
		assert.False(t, tr.Success)
		assert.Equal(t, "Dependency failed", tr.Error)
		assert.Equal(t, skippedOutput, tr.Output)
	}
}

func TestExecuteSkipPropagatesTransitively(t *testing.T) {
	p := &slowPrompter{fail: map[string]bool{"do A": true}}
	result := execute(t, []*Task{task("A"), task("B", "A"), task("C", "B")},
		ExecContext{Prompter: p, SkipOnError: true})

	assert.Equal(t, 2, result.TasksSkipped)
	assert.Equal(t, "Dependency failed", result.Results["C"].Error)
}

func TestExecuteFailureDoesNotAbortSiblings(t *testing.T) {
	p := &slowPrompter{fail: map[string]bool{"do B": true}}
	result := execute(t, []*Task{task("A"), task("B"), task("C")},
		ExecContext{Prompter: p, SkipOnError: true})

	assert.Equal(t, 2, result.TasksCompleted)
	assert.Equal(t, 1, result.TasksFailed)
	assert.Zero(t, result.TasksSkipped)
}

func TestExecuteWideLevelConcurrentFailures(t *testing.T) {
	// A wide level fails all at once, so the skip checks for the next level
	// race against hundreds of concurrent failure writes unless the
	// executor snapshots dependency state per level.
	const width = 200

	fail := map[string]bool{}
	tasks := []*Task{task("root")}
	for i := 0; i < width; i++ {
		id := fmt.Sprintf("w%03d", i)
		tasks = append(tasks, task(id, "root"))
		fail["do "+id] = true
	}
	tasks = append(tasks, task("tail", "w000"))

	p := &slowPrompter{fail: fail}
	result := execute(t, tasks, ExecContext{Prompter: p, SkipOnError: true})

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.TasksCompleted)
	assert.Equal(t, width, result.TasksFailed)
	assert.Equal(t, 1, result.TasksSkipped)
	require.Len(t, result.Results, width+2)
	assert.Equal(t, "Dependency failed", result.Results["tail"].Error)
}

func TestExecuteWithoutSkipOnErrorRunsEverything(t *testing.T) {
	p := &slowPrompter{fail: map[string]bool{"do A": true}}
	result := execute(t, []*Task{task("A"), task("B", "A")},
		ExecContext{Prompter: p, SkipOnError: false})

	assert.Equal(t, 1, result.TasksFailed)
	assert.Equal(t, 1, result.TasksCompleted)
	assert.Zero(t, result.TasksSkipped)
}

func TestExecuteExtractsArtifacts(t *testing.T) {
	sysID := "62826bf03710200044e0bfc8bcbe5df1"
	prompter := PrompterFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Parts: []Part{
			TextPart("created the incident"),
			{Type: "tool", ToolName: "snow_create_incident",
				ToolOutput: `{"sys_id":"` + sysID + `","number":"INC0010042"}`},
			{Type: "tool", ToolName: "snow_query_incidents",
				ToolOutput: `{"sys_id":"` + sysID + `"}`},
		}}, nil
	})

	result := execute(t, []*Task{task("A")}, ExecContext{Prompter: prompter})

	tr := result.Results["A"]
	require.True(t, tr.Success)
	assert.Equal(t, "created the incident", tr.Output)
	assert.Equal(t, []string{sysID}, tr.Artifacts)
	assert.Len(t, tr.Parts, 3)
}

func TestExecuteAgentFallsBackToBaseAgent(t *testing.T) {
	var agents []string
	var mu sync.Mutex
	prompter := PrompterFunc(func(ctx context.Context, req Request) (Response, error) {
		mu.Lock()
		agents = append(agents, req.Agent)
		mu.Unlock()
		return Response{Parts: []Part{TextPart("ok")}}, nil
	})

	tasks := []*Task{
		{ID: "A", Prompt: "x", AgentName: "researcher"},
		{ID: "B", Prompt: "y", Dependencies: []string{"A"}},
	}
	execute(t, tasks, ExecContext{Prompter: prompter, BaseAgent: "generalist"})

	assert.Equal(t, []string{"researcher", "generalist"}, agents)
}

func TestExecutePublishesLifecycleEvents(t *testing.T) {
	b := bus.New()
	var events []string
	var mu sync.Mutex
	for _, name := range []string{
		bus.EventPlanStarted, bus.EventPlanCompleted,
		bus.EventTaskStarted, bus.EventTaskCompleted,
		bus.EventTaskFailed, bus.EventTaskSkipped,
	} {
		name := name
		b.Subscribe(name, func(bus.Event) {
			mu.Lock()
			events = append(events, name)
			mu.Unlock()
		})
	}

	p := &slowPrompter{fail: map[string]bool{"do A": true}}
	execute(t, []*Task{task("A"), task("B", "A")},
		ExecContext{Prompter: p, SkipOnError: true, Bus: b})

	assert.Contains(t, events, bus.EventPlanStarted)
	assert.Contains(t, events, bus.EventTaskFailed)
	assert.Contains(t, events, bus.EventTaskSkipped)
	assert.Contains(t, events, bus.EventPlanCompleted)
	assert.Equal(t, bus.EventPlanStarted, events[0])
	assert.Equal(t, bus.EventPlanCompleted, events[len(events)-1])
}

func TestExecuteProgressCallback(t *testing.T) {
	var mu sync.Mutex
	counts := map[string]int{}

	p := &slowPrompter{fail: map[string]bool{"do B": true}}
	execute(t, []*Task{task("A"), task("B"), task("C", "B")},
		ExecContext{
			Prompter:    p,
			SkipOnError: true,
			OnProgress: func(pr Progress) {
				mu.Lock()
				counts[pr.Type]++
				mu.Unlock()
			},
		})

	assert.Equal(t, 2, counts[ProgressTaskStart])
	assert.Equal(t, 1, counts[ProgressTaskComplete])
	assert.Equal(t, 1, counts[ProgressTaskFailed])
	assert.Equal(t, 1, counts[ProgressTaskSkipped])
}
