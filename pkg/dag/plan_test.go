package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/pkg/fault"
)

func task(id string, deps ...string) *Task {
	return &Task{ID: id, Prompt: "do " + id, Dependencies: deps}
}

func TestBuildPlanLinear(t *testing.T) {
	plan, err := BuildPlan([]*Task{task("A"), task("B", "A"), task("C", "B")})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"A"}, {"B"}, {"C"}}, plan.Levels)
	assert.Equal(t, []string{"A"}, plan.RootTaskIDs)
	assert.NotEmpty(t, plan.ID)
}

func TestBuildPlanDiamond(t *testing.T) {
	plan, err := BuildPlan([]*Task{task("A"), task("B", "A"), task("C", "A"), task("D", "B", "C")})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, plan.Levels)
	assert.Equal(t, []string{"A"}, plan.RootTaskIDs)
}

func TestBuildPlanWidgetShape(t *testing.T) {
	// Three parallel research, two parallel design, then a linear tail.
	tasks := []*Task{
		task("research-api"), task("research-data"), task("research-ui"),
		task("design-schema", "research-api", "research-data", "research-ui"),
		task("design-layout", "research-api", "research-data", "research-ui"),
		task("implement", "design-schema", "design-layout"),
		task("test", "implement"),
		task("document", "test"),
	}

	plan, err := BuildPlan(tasks)
	require.NoError(t, err)

	require.Len(t, plan.Levels, 5)
	assert.Len(t, plan.Levels[0], 3)
	assert.Len(t, plan.Levels[1], 2)
	assert.Len(t, plan.Levels[2], 1)
	assert.Len(t, plan.Levels[3], 1)
	assert.Len(t, plan.Levels[4], 1)
	assert.Len(t, plan.RootTaskIDs, 3)
}

func TestBuildPlanDetectsCycle(t *testing.T) {
	_, err := BuildPlan([]*Task{task("X", "Y"), task("Y", "X")})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))
	assert.Contains(t, err.Error(), "Cyclic dependency detected")
}

func TestBuildPlanDetectsDanglingDependency(t *testing.T) {
	_, err := BuildPlan([]*Task{task("A", "ghost")})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))
	assert.Contains(t, err.Error(), "non-existent task")
}

func TestBuildPlanRejectsDuplicatesAndEmpty(t *testing.T) {
	_, err := BuildPlan([]*Task{task("A"), task("A")})
	assert.Error(t, err)

	_, err = BuildPlan(nil)
	assert.Error(t, err)
}

func TestBuildPlanInvariants(t *testing.T) {
	tasks := []*Task{
		task("a"), task("b", "a"), task("c", "a"), task("d", "b"),
		task("e", "b", "c"), task("f", "d", "e"), task("g"),
	}

	plan, err := BuildPlan(tasks)
	require.NoError(t, err)

	// Every task appears in exactly one level.
	seen := map[string]int{}
	total := 0
	level := map[string]int{}
	for i, ids := range plan.Levels {
		for _, id := range ids {
			seen[id]++
			level[id] = i
			total++
		}
	}
	assert.Equal(t, len(tasks), total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s scheduled %d times", id, n)
	}

	// Every edge crosses levels forward.
	for _, tk := range tasks {
		for _, dep := range tk.Dependencies {
			assert.Less(t, level[dep], level[tk.ID])
		}
	}
}

func TestBuildPlanIsDeterministic(t *testing.T) {
	tasks := []*Task{task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c")}

	first, err := BuildPlan(tasks)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := BuildPlan(tasks)
		require.NoError(t, err)
		assert.Equal(t, first.Levels, again.Levels)
	}
}

func TestValidatePlanCleanAfterBuild(t *testing.T) {
	plan, err := BuildPlan([]*Task{task("A"), task("B", "A")})
	require.NoError(t, err)
	assert.Empty(t, ValidatePlan(plan))
}

func TestValidatePlanReportsWithoutThrowing(t *testing.T) {
	plan := &Plan{
		Tasks: map[string]*Task{
			"A": task("A", "missing"),
			"B": task("B", "A"),
		},
		Levels: [][]string{{"B"}, {"A"}},
	}

	issues := ValidatePlan(plan)
	require.Len(t, issues, 2)
	assert.Equal(t, "A", issues[0].TaskID)
	assert.Contains(t, issues[0].Message, "non-existent")
	assert.Equal(t, "B", issues[1].TaskID)
	assert.Contains(t, issues[1].Message, "not scheduled earlier")
}

func TestVisualizePlan(t *testing.T) {
	plan, err := BuildPlan([]*Task{task("A"), task("B", "A")})
	require.NoError(t, err)

	out := VisualizePlan(plan)
	assert.Contains(t, out, "2 tasks in 2 levels")
	assert.Contains(t, out, "Level 1:")
	assert.Contains(t, out, "- B <- A")
}
