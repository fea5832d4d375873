// Package dag builds and executes task graphs: topological planning into
// levels, level-wise parallel execution, cycle detection, and skip-on-failure
// propagation.
package dag

import (
	"sort"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/pkg/fault"
)

// Task is one unit of work assigned to an agent.
type Task struct {
	ID           string   `json:"id"`
	AgentName    string   `json:"agentName,omitempty"`
	Prompt       string   `json:"prompt"`
	Description  string   `json:"description,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Plan is a validated, stratified task graph. Every task appears in exactly
// one level, and every dependency lives in an earlier level.
type Plan struct {
	ID          string           `json:"id"`
	Tasks       map[string]*Task `json:"tasks"`
	Levels      [][]string       `json:"levels"`
	RootTaskIDs []string         `json:"rootTaskIds"`
}

// BuildPlan validates the tasks and stratifies them into levels.
func BuildPlan(tasks []*Task) (*Plan, error) {
	if len(tasks) == 0 {
		return nil, fault.New(fault.KindValidation, "plan has no tasks")
	}

	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return nil, fault.New(fault.KindValidation, "task has no id")
		}
		if _, dup := byID[t.ID]; dup {
			return nil, fault.Newf(fault.KindValidation, "duplicate task id %q", t.ID)
		}
		byID[t.ID] = t
	}

	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fault.Newf(fault.KindValidation,
					"task %q depends on non-existent task %q", t.ID, dep)
			}
		}
	}

	if err := detectCycles(byID); err != nil {
		return nil, err
	}

	levels, err := stratify(byID)
	if err != nil {
		return nil, err
	}

	var roots []string
	for _, t := range tasks {
		if len(t.Dependencies) == 0 {
			roots = append(roots, t.ID)
		}
	}
	sort.Strings(roots)

	return &Plan{
		ID:          uuid.NewString(),
		Tasks:       byID,
		Levels:      levels,
		RootTaskIDs: roots,
	}, nil
}

// detectCycles runs a depth-first search with a recursion set; any back edge
// is a cycle.
func detectCycles(tasks map[string]*Task) error {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case inStack:
			return fault.New(fault.KindValidation, "Cyclic dependency detected")
		case done:
			return nil
		}
		state[id] = inStack
		for _, dep := range tasks[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	ids := sortedIDs(tasks)
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// stratify assigns levels by Kahn's algorithm: each level is the set of all
// unscheduled tasks whose dependencies are already scheduled.
func stratify(tasks map[string]*Task) ([][]string, error) {
	indegree := make(map[string]int, len(tasks))
	for id, t := range tasks {
		indegree[id] = len(t.Dependencies)
	}
	dependents := make(map[string][]string)
	for id, t := range tasks {
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	scheduled := 0
	var levels [][]string
	for scheduled < len(tasks) {
		var level []string
		for _, id := range sortedIDs(tasks) {
			if indegree[id] == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			// Unreachable after cycle detection, kept as a safety check.
			return nil, fault.New(fault.KindInternal, "no schedulable tasks remain")
		}
		for _, id := range level {
			indegree[id] = -1
			scheduled++
			for _, dependent := range dependents[id] {
				indegree[dependent]--
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func sortedIDs(tasks map[string]*Task) []string {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidationIssue is one problem found by ValidatePlan.
type ValidationIssue struct {
	TaskID  string `json:"taskId"`
	Message string `json:"message"`
}

// ValidatePlan re-checks an already built plan without failing: it reports
// missing dependencies and level-order violations.
func ValidatePlan(plan *Plan) []ValidationIssue {
	var issues []ValidationIssue

	level := make(map[string]int, len(plan.Tasks))
	for i, ids := range plan.Levels {
		for _, id := range ids {
			level[id] = i
		}
	}

	for _, id := range sortedIDs(plan.Tasks) {
		t := plan.Tasks[id]
		for _, dep := range t.Dependencies {
			if _, ok := plan.Tasks[dep]; !ok {
				issues = append(issues, ValidationIssue{
					TaskID:  id,
					Message: "depends on non-existent task " + dep,
				})
				continue
			}
			if level[dep] >= level[id] {
				issues = append(issues, ValidationIssue{
					TaskID:  id,
					Message: "dependency " + dep + " is not scheduled earlier",
				})
			}
		}
	}
	return issues
}
