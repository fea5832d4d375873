package tools

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ensembleworks/ensemble/pkg/registry"
)

// DiscoveryResult summarizes one discovery pass.
type DiscoveryResult struct {
	Domains         []string      `json:"domains"`
	ToolsFound      int           `json:"toolsFound"`
	ToolsRegistered int           `json:"toolsRegistered"`
	ToolsFailed     int           `json:"toolsFailed"`
	Errors          []string      `json:"errors,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Statistics is a point-in-time summary of the registry.
type Statistics struct {
	TotalTools   int            `json:"totalTools"`
	ByDomain     map[string]int `json:"byDomain"`
	ByPermission map[string]int `json:"byPermission"`
}

// Registry holds all locally registered tools, unique by name.
type Registry struct {
	tools *registry.BaseRegistry[Tool]
}

func NewRegistry() *Registry {
	return &Registry{tools: registry.NewBaseRegistry[Tool]()}
}

// Register adds a tool. A name conflict is an error and leaves the
// first-registered tool in place.
func (r *Registry) Register(t Tool) error {
	def := t.Definition()
	if def.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	return r.tools.Register(def.Name, t)
}

// Discover registers all tools exported by the given modules. Failures are
// collected per module; one bad module does not stop discovery.
func (r *Registry) Discover(modules ...Module) DiscoveryResult {
	start := time.Now()
	result := DiscoveryResult{}
	domains := map[string]bool{}

	for _, mod := range modules {
		tools, err := mod.Tools()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("module %s: %v", mod.Domain(), err))
			result.ToolsFailed++
			continue
		}

		domains[mod.Domain()] = true
		for _, t := range tools {
			result.ToolsFound++
			if err := r.Register(t); err != nil {
				result.ToolsFailed++
				result.Errors = append(result.Errors, fmt.Sprintf("tool %s: %v", t.Definition().Name, err))
				continue
			}
			result.ToolsRegistered++
		}
	}

	for d := range domains {
		result.Domains = append(result.Domains, d)
	}
	sort.Strings(result.Domains)
	result.Duration = time.Since(start)

	slog.Info("Tool discovery complete",
		"domains", len(result.Domains),
		"registered", result.ToolsRegistered,
		"failed", result.ToolsFailed,
		"duration", result.Duration)
	return result
}

// GetTool returns the tool by exact name.
func (r *Registry) GetTool(name string) (Tool, bool) {
	return r.tools.Get(name)
}

// Definitions returns all definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, r.tools.Count())
	for _, t := range r.tools.List() {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// DefinitionsByDomains returns definitions restricted to the named domains.
// Unknown domain names are reported back for the caller to log.
func (r *Registry) DefinitionsByDomains(domains []string) ([]Definition, []string) {
	allowed := make(map[string]bool, len(domains))
	for _, d := range domains {
		allowed[d] = true
	}

	known := map[string]bool{}
	var defs []Definition
	for _, def := range r.Definitions() {
		known[def.Domain] = true
		if allowed[def.Domain] {
			defs = append(defs, def)
		}
	}

	var unknown []string
	for _, d := range domains {
		if !known[d] {
			unknown = append(unknown, d)
		}
	}
	return defs, unknown
}

// AvailableDomains returns all domains with at least one registered tool.
func (r *Registry) AvailableDomains() []string {
	domains := map[string]bool{}
	for _, t := range r.tools.List() {
		domains[t.Definition().Domain] = true
	}
	out := make([]string, 0, len(domains))
	for d := range domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// GetStatistics summarizes the registry contents.
func (r *Registry) GetStatistics() Statistics {
	stats := Statistics{
		ByDomain:     map[string]int{},
		ByPermission: map[string]int{},
	}
	for _, t := range r.tools.List() {
		def := t.Definition()
		stats.TotalTools++
		stats.ByDomain[def.Domain]++
		stats.ByPermission[string(def.Permission)]++
	}
	return stats
}
