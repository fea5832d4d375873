package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/pkg/memory"
)

// emaAlpha weights the newest run when folding success rate and duration.
const emaAlpha = 0.3

func patternCategory(t ObjectiveType) string { return "pattern:" + string(t) }
func failureCategory(t ObjectiveType) string { return "failure:" + string(t) }

// RunRecord is one completed objective run, persisted as a project learning
// so later runs of the same shape can consult it.
type RunRecord struct {
	Type       ObjectiveType `json:"type"`
	Agents     []string      `json:"agents"`
	Tools      []string      `json:"tools,omitempty"`
	DurationMs int64         `json:"durationMs"`
	Success    bool          `json:"success"`
}

// Pattern is the folded view over all run records of one objective type.
type Pattern struct {
	Type          ObjectiveType
	AgentSequence []string
	ToolSequence  []string
	AvgDuration   time.Duration
	SuccessRate   float64
	Runs          int
}

// FoldPattern reduces run records, oldest first, into a pattern. Success rate
// and average duration are exponential moving averages so recent runs weigh
// more than old ones.
func FoldPattern(t ObjectiveType, records []RunRecord) *Pattern {
	if len(records) == 0 {
		return nil
	}

	p := &Pattern{Type: t}
	for _, r := range records {
		p.Runs++
		outcome := 0.0
		if r.Success {
			outcome = 1.0
		}
		duration := time.Duration(r.DurationMs) * time.Millisecond

		if p.Runs == 1 {
			p.SuccessRate = outcome
			p.AvgDuration = duration
		} else {
			p.SuccessRate = emaAlpha*outcome + (1-emaAlpha)*p.SuccessRate
			p.AvgDuration = time.Duration(emaAlpha*float64(duration) + (1-emaAlpha)*float64(p.AvgDuration))
		}
		if len(r.Agents) > 0 {
			p.AgentSequence = r.Agents
		}
		if len(r.Tools) > 0 {
			p.ToolSequence = r.Tools
		}
	}
	return p
}

// loadPattern folds the project's stored run records for one objective type.
func (o *Orchestrator) loadPattern(t ObjectiveType) *Pattern {
	learnings, err := o.store.ProjectLearnings(o.project)
	if err != nil {
		return nil
	}

	var records []RunRecord
	for _, l := range learnings {
		if l.Category != patternCategory(t) {
			continue
		}
		var r RunRecord
		if err := json.Unmarshal([]byte(l.Context), &r); err == nil {
			records = append(records, r)
		}
	}
	return FoldPattern(t, records)
}

// recordRun appends this run to the project learnings. The insight carries a
// unique run id so the append-only log never collapses distinct runs.
func (o *Orchestrator) recordRun(t ObjectiveType, record RunRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return o.store.PromoteLearningToProject(o.project, memory.Learning{
		ID:       uuid.NewString(),
		Category: patternCategory(t),
		Insight: fmt.Sprintf("run %s: %s objective via %s (success=%t)",
			uuid.NewString()[:8], t, strings.Join(record.Agents, " -> "), record.Success),
		Context:   string(data),
		Timestamp: time.Now(),
	})
}

// recordFailure persists a failure pattern with the classified error kind.
func (o *Orchestrator) recordFailure(t ObjectiveType, kind string, detail string) error {
	return o.store.PromoteLearningToProject(o.project, memory.Learning{
		ID:        uuid.NewString(),
		Category:  failureCategory(t),
		Insight:   fmt.Sprintf("run %s: %s objective failed with %s", uuid.NewString()[:8], t, kind),
		Context:   detail,
		Timestamp: time.Now(),
	})
}
