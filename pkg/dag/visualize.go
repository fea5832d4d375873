package dag

import (
	"fmt"
	"strings"
)

// VisualizePlan renders a textual summary of the plan: one block per level,
// with each task's agent and dependencies.
func VisualizePlan(plan *Plan) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Plan %s: %d tasks in %d levels\n", plan.ID, len(plan.Tasks), len(plan.Levels))
	for i, level := range plan.Levels {
		fmt.Fprintf(&b, "Level %d:\n", i+1)
		for _, id := range level {
			task := plan.Tasks[id]
			fmt.Fprintf(&b, "  - %s", id)
			if task.AgentName != "" {
				fmt.Fprintf(&b, " (%s)", task.AgentName)
			}
			if len(task.Dependencies) > 0 {
				fmt.Fprintf(&b, " <- %s", strings.Join(task.Dependencies, ", "))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
