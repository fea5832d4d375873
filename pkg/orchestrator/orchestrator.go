// Package orchestrator turns an objective into a plan, runs it through the
// scheduler, and learns from the outcome. It classifies the objective by
// shape, consults past run patterns for the same shape, and records every run
// back into project learnings.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ensembleworks/ensemble/pkg/bus"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/dag"
	"github.com/ensembleworks/ensemble/pkg/fault"
	"github.com/ensembleworks/ensemble/pkg/memory"
	"github.com/ensembleworks/ensemble/pkg/observability"
)

// Result is the outcome of one objective execution.
type Result struct {
	Objective      string          `json:"objective"`
	Classification Classification  `json:"classification"`
	Plan           *dag.Plan       `json:"plan"`
	PlanResult     *dag.PlanResult `json:"planResult"`
	Pattern        *Pattern        `json:"pattern,omitempty"`
	Duration       time.Duration   `json:"duration"`
}

// Orchestrator binds the scheduler, the memory store, and the collaborator
// that actually works the task prompts.
type Orchestrator struct {
	store    *memory.Store
	project  string
	cfg      config.OrchestratorConfig
	prompter dag.Prompter
	bus      *bus.Bus
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithBus publishes objective and plan lifecycle events to b.
func WithBus(b *bus.Bus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// New creates an Orchestrator for one project.
func New(store *memory.Store, project string, cfg config.OrchestratorConfig, prompter dag.Prompter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		project:  project,
		cfg:      cfg,
		prompter: prompter,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ExecuteObjective runs the full objective lifecycle: classify, consult past
// patterns, plan, execute, learn, and record milestones in session memory.
func (o *Orchestrator) ExecuteObjective(ctx context.Context, sessionID, objective string) (*Result, error) {
	if strings.TrimSpace(objective) == "" {
		return nil, fault.New(fault.KindValidation, "objective is empty")
	}

	tracer := observability.GetTracer("orchestrator")
	ctx, span := tracer.Start(ctx, observability.SpanObjective, trace.WithAttributes(
		attribute.String(observability.AttrSessionID, sessionID),
	))
	defer span.End()

	start := time.Now()

	classification := Classify(objective)
	pattern := o.loadPattern(classification.Type)
	if pattern != nil && len(pattern.AgentSequence) > 0 && pattern.SuccessRate >= 0.5 {
		// A shape that worked before beats the static suggestion.
		classification.AgentSequence = pattern.AgentSequence
	}

	slog.Info("Objective classified",
		"type", classification.Type,
		"complexity", classification.Complexity,
		"agents", classification.AgentSequence,
		"pastRuns", pattern.runCount())

	plan, err := BuildObjectivePlan(objective, classification)
	if err != nil {
		return nil, err
	}

	o.publish(bus.EventObjectiveStarted, map[string]any{
		"session": sessionID, "type": string(classification.Type),
	})
	o.logWork(sessionID, memory.EntryUserRequest, "objective: "+truncate(objective, 200), nil)

	planResult := dag.Execute(ctx, plan, dag.ExecContext{
		SessionID:   sessionID,
		BaseAgent:   o.cfg.BaseAgent,
		BaseModel:   o.cfg.BaseModel,
		SkipOnError: o.cfg.SkipOnErrorEnabled(),
		Prompter:    o.prompter,
		Bus:         o.bus,
	})

	result := &Result{
		Objective:      objective,
		Classification: classification,
		Plan:           plan,
		PlanResult:     planResult,
		Pattern:        pattern,
		Duration:       time.Since(start),
	}

	o.learn(classification, plan, planResult)
	o.recordMilestones(sessionID, classification, plan, planResult)

	observability.GetGlobalMetrics().RecordPlanExecution(ctx, result.Duration,
		len(plan.Tasks), planResult.ParallelizationGain, nil)

	if planResult.Success {
		o.publish(bus.EventObjectiveCompleted, map[string]any{
			"session": sessionID, "tasks": planResult.TasksCompleted,
		})
	} else {
		o.publish(bus.EventObjectiveFailed, map[string]any{
			"session": sessionID, "failed": planResult.TasksFailed,
		})
	}
	return result, nil
}

// BuildObjectivePlan shapes the task graph for a classified objective:
// research tasks fan out, design tasks fan out behind them, then implement,
// test, and document run in sequence.
func BuildObjectivePlan(objective string, c Classification) (*dag.Plan, error) {
	var tasks []*dag.Task
	var prior []string

	addLevel := func(ids []string) { prior = ids }

	if hasAgent(c.AgentSequence, "researcher") {
		research := []string{"research-requirements"}
		tasks = append(tasks, &dag.Task{
			ID:          "research-requirements",
			AgentName:   "researcher",
			Prompt:      "Research the requirements for: " + objective,
			Description: "Gather requirements",
		})
		if c.Complexity >= 0.5 {
			tasks = append(tasks, &dag.Task{
				ID:          "research-prior-art",
				AgentName:   "researcher",
				Prompt:      "Survey existing solutions relevant to: " + objective,
				Description: "Survey prior art",
			})
			research = append(research, "research-prior-art")
		}
		addLevel(research)
	}

	if hasAgent(c.AgentSequence, "designer") {
		design := []string{"design-structure"}
		tasks = append(tasks, &dag.Task{
			ID:           "design-structure",
			AgentName:    "designer",
			Prompt:       "Design the structure for: " + objective,
			Description:  "Design the structure",
			Dependencies: prior,
		})
		if c.Complexity >= 0.5 {
			tasks = append(tasks, &dag.Task{
				ID:           "design-data",
				AgentName:    "designer",
				Prompt:       "Design the data model for: " + objective,
				Description:  "Design the data model",
				Dependencies: prior,
			})
			design = append(design, "design-data")
		}
		addLevel(design)
	}

	implementAgent := "implementer"
	if !hasAgent(c.AgentSequence, "implementer") {
		implementAgent = c.AgentSequence[len(c.AgentSequence)-1]
	}
	tasks = append(tasks, &dag.Task{
		ID:           "implement",
		AgentName:    implementAgent,
		Prompt:       "Implement: " + objective,
		Description:  "Implement the objective",
		Dependencies: prior,
	})
	addLevel([]string{"implement"})

	if hasAgent(c.AgentSequence, "tester") {
		tasks = append(tasks, &dag.Task{
			ID:           "test",
			AgentName:    "tester",
			Prompt:       "Verify the implementation of: " + objective,
			Description:  "Verify the implementation",
			Dependencies: prior,
		})
		addLevel([]string{"test"})
	}

	if hasAgent(c.AgentSequence, "documenter") {
		tasks = append(tasks, &dag.Task{
			ID:           "document",
			AgentName:    "documenter",
			Prompt:       "Document what was built for: " + objective,
			Description:  "Document the result",
			Dependencies: prior,
		})
	}

	return dag.BuildPlan(tasks)
}

func hasAgent(seq []string, agent string) bool {
	for _, a := range seq {
		if a == agent {
			return true
		}
	}
	return false
}

// learn records the run outcome: successful runs feed the pattern log,
// failed runs additionally record a failure pattern with the dominant error
// kind.
func (o *Orchestrator) learn(c Classification, plan *dag.Plan, pr *dag.PlanResult) {
	record := RunRecord{
		Type:       c.Type,
		Agents:     c.AgentSequence,
		Tools:      toolSequence(pr),
		DurationMs: pr.TotalDuration.Milliseconds(),
		Success:    pr.Success,
	}
	if err := o.recordRun(c.Type, record); err != nil {
		slog.Warn("Failed to persist run pattern", "error", err)
	}

	if !pr.Success {
		kind, detail := dominantFailure(pr)
		if err := o.recordFailure(c.Type, kind, detail); err != nil {
			slog.Warn("Failed to persist failure pattern", "error", err)
		}
	}
}

// toolSequence collects the distinct tool names used across the run, in task
// order.
func toolSequence(pr *dag.PlanResult) []string {
	seen := map[string]bool{}
	var tools []string
	for _, tr := range pr.Results {
		for _, part := range tr.Parts {
			if part.Type == "tool" && part.ToolName != "" && !seen[part.ToolName] {
				seen[part.ToolName] = true
				tools = append(tools, part.ToolName)
			}
		}
	}
	return tools
}

// dominantFailure classifies the first recorded task error.
func dominantFailure(pr *dag.PlanResult) (kind, detail string) {
	for _, tr := range pr.Results {
		if tr.Error != "" && tr.Output != "Skipped due to failed dependency" {
			classified := fault.Classify(fmt.Errorf("%s", tr.Error))
			return string(classified.Kind), tr.Error
		}
	}
	return string(fault.KindInternal), "unknown failure"
}

// recordMilestones writes the run outcome into session memory: completed
// items, key results, and work-log entries.
func (o *Orchestrator) recordMilestones(sessionID string, c Classification, plan *dag.Plan, pr *dag.PlanResult) {
	for _, id := range sortedResultIDs(pr) {
		tr := pr.Results[id]
		task := plan.Tasks[id]
		desc := id
		if task != nil && task.Description != "" {
			desc = task.Description
		}

		switch {
		case tr.Success:
			if err := o.store.AddCompleted(o.project, sessionID, desc); err != nil {
				slog.Warn("Failed to record completed task", "task", id, "error", err)
			}
		case tr.Error != "":
			o.logWork(sessionID, memory.EntryError, fmt.Sprintf("task %s: %s", id, truncate(tr.Error, 200)), nil)
		}
	}

	summary := fmt.Sprintf("%s objective: %d/%d tasks completed in %v (gain %.2f)",
		c.Type, pr.TasksCompleted, len(pr.Results), pr.TotalDuration.Round(time.Millisecond),
		pr.ParallelizationGain)
	if err := o.store.AddKeyResult(o.project, sessionID, summary); err != nil {
		slog.Warn("Failed to record key result", "error", err)
	}
	o.logWork(sessionID, memory.EntryAIResponse, summary, map[string]any{
		"completed": pr.TasksCompleted,
		"failed":    pr.TasksFailed,
		"skipped":   pr.TasksSkipped,
	})
}

func sortedResultIDs(pr *dag.PlanResult) []string {
	ids := make([]string, 0, len(pr.Results))
	for id := range pr.Results {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}

func (o *Orchestrator) logWork(sessionID, entryType, summary string, meta map[string]any) {
	err := o.store.AppendWorkLog(o.project, sessionID, memory.WorkLogEntry{
		Timestamp: time.Now(),
		Type:      entryType,
		Summary:   summary,
		Metadata:  meta,
	})
	if err != nil {
		slog.Warn("Failed to append work log", "error", err)
	}
}

func (o *Orchestrator) publish(event string, payload any) {
	if o.bus != nil {
		o.bus.Publish(event, payload)
	}
}

// runCount is nil-safe so logging never branches on pattern presence.
func (p *Pattern) runCount() int {
	if p == nil {
		return 0
	}
	return p.Runs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
