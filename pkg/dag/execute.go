package dag

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ensembleworks/ensemble/pkg/bus"
)

// Part is one piece of a collaborator exchange.
type Part struct {
	Type       string `json:"type"` // "text" or "tool"
	Text       string `json:"text,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	ToolOutput string `json:"toolOutput,omitempty"`
}

func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// Request asks the collaborator to work on one task prompt.
type Request struct {
	SessionID string
	Agent     string
	Model     string
	Parts     []Part
}

// Response is what the collaborator produced, including any tool exchanges.
type Response struct {
	Parts []Part
}

// Prompter is the language collaborator the scheduler dispatches tasks to.
type Prompter interface {
	Prompt(ctx context.Context, req Request) (Response, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, req Request) (Response, error)

func (f PrompterFunc) Prompt(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// TaskResult records the outcome of one task.
type TaskResult struct {
	TaskID    string        `json:"taskId"`
	Success   bool          `json:"success"`
	Output    string        `json:"output,omitempty"`
	Artifacts []string      `json:"artifacts,omitempty"`
	Parts     []Part        `json:"parts,omitempty"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// PlanResult aggregates one execution of a plan.
type PlanResult struct {
	PlanID              string                 `json:"planId"`
	Success             bool                   `json:"success"`
	TasksCompleted      int                    `json:"tasksCompleted"`
	TasksFailed         int                    `json:"tasksFailed"`
	TasksSkipped        int                    `json:"tasksSkipped"`
	Results             map[string]*TaskResult `json:"results"`
	TotalDuration       time.Duration          `json:"totalDuration"`
	ParallelizationGain float64                `json:"parallelizationGain"`
}

// Progress event types passed to the OnProgress callback.
const (
	ProgressTaskStart    = "task_start"
	ProgressTaskComplete = "task_complete"
	ProgressTaskFailed   = "task_failed"
	ProgressTaskSkipped  = "task_skipped"
)

// Progress notifies the caller about per-task lifecycle.
type Progress struct {
	Type   string
	TaskID string
	Result *TaskResult
}

// ExecContext carries execution-wide settings for a plan run.
type ExecContext struct {
	SessionID   string
	BaseAgent   string
	BaseModel   string
	SkipOnError bool
	Prompter    Prompter
	Bus         *bus.Bus
	OnProgress  func(Progress)
}

const skippedOutput = "Skipped due to failed dependency"

var hexArtifact = regexp.MustCompile(`[0-9a-f]{32}`)

// Execute runs the plan level by level. Tasks within a level run
// concurrently; the next level starts only after the whole level joins. A
// task failure never aborts its level siblings; with SkipOnError set,
// downstream tasks of a failed task are recorded as skipped instead of run.
func Execute(ctx context.Context, plan *Plan, ec ExecContext) *PlanResult {
	start := time.Now()

	result := &PlanResult{
		PlanID:  plan.ID,
		Results: make(map[string]*TaskResult, len(plan.Tasks)),
	}

	var mu sync.Mutex
	failed := make(map[string]bool)

	publish := func(event string, payload any) {
		if ec.Bus != nil {
			ec.Bus.Publish(event, payload)
		}
	}
	notify := func(p Progress) {
		if ec.OnProgress != nil {
			ec.OnProgress(p)
		}
	}

	publish(bus.EventPlanStarted, plan.ID)

	for _, level := range plan.Levels {
		g, gctx := errgroup.WithContext(ctx)

		// Dependencies always live in earlier levels, so a snapshot taken
		// once per level sees every failure that can matter here. The live
		// map keeps taking writes from this level's goroutines under mu.
		mu.Lock()
		failedBefore := make(map[string]bool, len(failed))
		for id := range failed {
			failedBefore[id] = true
		}
		mu.Unlock()

		for _, id := range level {
			task := plan.Tasks[id]

			if ec.SkipOnError && hasFailedDependency(task, failedBefore) {
				tr := &TaskResult{
					TaskID: id,
					Output: skippedOutput,
					Error:  "Dependency failed",
				}
				mu.Lock()
				result.Results[id] = tr
				result.TasksSkipped++
				failed[id] = true
				mu.Unlock()

				notify(Progress{Type: ProgressTaskSkipped, TaskID: id, Result: tr})
				publish(bus.EventTaskSkipped, id)
				continue
			}

			g.Go(func() error {
				tr := runTask(gctx, task, ec)

				mu.Lock()
				result.Results[id] = tr
				if tr.Success {
					result.TasksCompleted++
				} else {
					result.TasksFailed++
					failed[id] = true
				}
				mu.Unlock()

				if tr.Success {
					notify(Progress{Type: ProgressTaskComplete, TaskID: id, Result: tr})
					publish(bus.EventTaskCompleted, id)
				} else {
					notify(Progress{Type: ProgressTaskFailed, TaskID: id, Result: tr})
					publish(bus.EventTaskFailed, id)
				}
				// Task failures are recorded, not propagated; siblings
				// keep running.
				return nil
			})
		}

		_ = g.Wait()
	}

	result.TotalDuration = time.Since(start)
	result.Success = result.TasksFailed == 0
	result.ParallelizationGain = parallelizationGain(result)

	publish(bus.EventPlanCompleted, result)
	return result
}

func hasFailedDependency(task *Task, failed map[string]bool) bool {
	for _, dep := range task.Dependencies {
		if failed[dep] {
			return true
		}
	}
	return false
}

func runTask(ctx context.Context, task *Task, ec ExecContext) *TaskResult {
	start := time.Now()

	if ec.OnProgress != nil {
		ec.OnProgress(Progress{Type: ProgressTaskStart, TaskID: task.ID})
	}
	if ec.Bus != nil {
		ec.Bus.Publish(bus.EventTaskStarted, task.ID)
	}

	agent := task.AgentName
	if agent == "" {
		agent = ec.BaseAgent
	}

	resp, err := ec.Prompter.Prompt(ctx, Request{
		SessionID: ec.SessionID,
		Agent:     agent,
		Model:     ec.BaseModel,
		Parts:     []Part{TextPart(task.Prompt)},
	})

	tr := &TaskResult{
		TaskID:   task.ID,
		Duration: time.Since(start),
	}
	if err != nil {
		tr.Error = err.Error()
		return tr
	}

	tr.Success = true
	tr.Parts = resp.Parts

	var texts []string
	for _, part := range resp.Parts {
		switch part.Type {
		case "text":
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
		case "tool":
			tr.Artifacts = appendArtifacts(tr.Artifacts, part.ToolOutput)
		}
	}
	tr.Output = strings.Join(texts, "\n")
	return tr
}

// appendArtifacts extracts 32-hex-digit identifiers from a tool output and
// merges them, deduplicated, into the artifact set.
func appendArtifacts(artifacts []string, toolOutput string) []string {
	if toolOutput == "" {
		return artifacts
	}
	seen := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		seen[a] = true
	}
	for _, match := range hexArtifact.FindAllString(strings.ToLower(toolOutput), -1) {
		if !seen[match] {
			seen[match] = true
			artifacts = append(artifacts, match)
		}
	}
	sort.Strings(artifacts)
	return artifacts
}

// parallelizationGain is (sum of task durations - wall time) / sum, clamped
// to zero when negative or when nothing ran.
func parallelizationGain(result *PlanResult) float64 {
	var sum time.Duration
	for _, tr := range result.Results {
		sum += tr.Duration
	}
	if sum <= 0 {
		return 0
	}
	gain := float64(sum-result.TotalDuration) / float64(sum)
	if gain < 0 {
		return 0
	}
	return gain
}
