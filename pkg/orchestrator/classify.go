package orchestrator

import "strings"

// ObjectiveType buckets an objective into the shapes the scheduler knows how
// to plan for.
type ObjectiveType string

const (
	TypeWidget      ObjectiveType = "widget"
	TypeFlow        ObjectiveType = "flow"
	TypeApp         ObjectiveType = "app"
	TypeIntegration ObjectiveType = "integration"
	TypeGeneric     ObjectiveType = "generic"
)

// classifyOrder fixes the tie-break: earlier types win on equal counts.
var classifyOrder = []ObjectiveType{TypeWidget, TypeFlow, TypeApp, TypeIntegration}

var typeKeywords = map[ObjectiveType][]string{
	TypeWidget: {
		"widget", "dashboard", "chart", "graph", "panel", "gauge",
		"visualization", "visualize", "display", "plot",
	},
	TypeFlow: {
		"flow", "workflow", "pipeline", "automation", "automate",
		"schedule", "scheduled", "trigger", "cron", "batch",
	},
	TypeApp: {
		"app", "application", "service", "frontend", "backend",
		"website", "portal", "page", "form", "crud",
	},
	TypeIntegration: {
		"integration", "integrate", "connect", "sync", "webhook",
		"import", "export", "bridge", "etl",
	},
}

// Classification is what the orchestrator derives from an objective before
// planning.
type Classification struct {
	Type          ObjectiveType `json:"type"`
	Complexity    float64       `json:"complexity"`
	AgentSequence []string      `json:"agentSequence"`
}

// Classify buckets the objective by keyword counts, estimates a complexity
// score in [0,1], and suggests the agent sequence for that shape.
func Classify(objective string) Classification {
	lower := strings.ToLower(objective)
	words := strings.Fields(lower)

	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[strings.Trim(w, ".,;:!?()\"'")] = true
	}

	best := TypeGeneric
	bestCount := 0
	for _, t := range classifyOrder {
		count := 0
		for _, kw := range typeKeywords[t] {
			if wordSet[kw] {
				count++
			}
		}
		if count > bestCount {
			best = t
			bestCount = count
		}
	}

	c := Classification{
		Type:       best,
		Complexity: complexityScore(lower, words, wordSet),
	}
	c.AgentSequence = agentSequence(c.Type, c.Complexity)
	return c
}

// complexityScore weighs feature presence into [0,1]. The weights are coarse
// on purpose: the score only steers plan width and agent choice.
func complexityScore(lower string, words []string, wordSet map[string]bool) float64 {
	score := 0.2

	if len(words) > 20 {
		score += 0.15
	}
	if len(words) > 50 {
		score += 0.1
	}
	// Several conjunctions usually means several deliverables.
	if strings.Count(lower, " and ")+strings.Count(lower, ", ") >= 2 {
		score += 0.15
	}
	for _, kw := range typeKeywords[TypeIntegration] {
		if wordSet[kw] {
			score += 0.2
			break
		}
	}
	for _, kw := range []string{"auth", "authentication", "permission", "security", "role"} {
		if wordSet[kw] {
			score += 0.1
			break
		}
	}
	for _, kw := range []string{"realtime", "real-time", "stream", "streaming", "live"} {
		if wordSet[kw] {
			score += 0.1
			break
		}
	}

	if score > 1 {
		score = 1
	}
	return score
}

// agentSequence suggests the ordered agents for the objective shape. Complex
// objectives always get a documentation pass.
func agentSequence(t ObjectiveType, complexity float64) []string {
	var seq []string
	switch t {
	case TypeWidget:
		seq = []string{"researcher", "designer", "implementer", "tester"}
	case TypeFlow:
		seq = []string{"researcher", "implementer", "tester"}
	case TypeApp:
		seq = []string{"researcher", "designer", "implementer", "tester", "documenter"}
	case TypeIntegration:
		seq = []string{"researcher", "implementer", "tester", "documenter"}
	default:
		return []string{"generalist"}
	}

	if complexity >= 0.6 && seq[len(seq)-1] != "documenter" {
		seq = append(seq, "documenter")
	}
	return seq
}
