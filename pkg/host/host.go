// Package host is the unified tool surface. It merges built-in tools and the
// external fleet behind one list/call API, keeps the exposed surface small
// through lazy tools and the search index, and enforces the role and argument
// gates on every call.
package host

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/auth"
	"github.com/ensembleworks/ensemble/pkg/bus"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/fleet"
	"github.com/ensembleworks/ensemble/pkg/toolindex"
	"github.com/ensembleworks/ensemble/pkg/tools"
)

// Environment overrides honored at request time.
const (
	EnvSessionID   = "ENSEMBLE_SESSION_ID"
	EnvToolDomains = "ENSEMBLE_TOOL_DOMAINS"
	EnvLazyTools   = "ENSEMBLE_LAZY_TOOLS"
)

// FleetSource is the slice of the fleet the host consumes. Nil means no
// external servers are configured.
type FleetSource interface {
	Tools() []tools.Definition
	Call(ctx context.Context, namespaced string, args map[string]any) (string, error)
	ListPrompts(ctx context.Context) map[string][]fleet.Prompt
	GetPrompt(ctx context.Context, server, name string, args map[string]string) (*fleet.PromptResult, error)
}

// Host binds the registry, the search index, and the fleet into the single
// tool surface callers see.
type Host struct {
	registry *tools.Registry
	index    *toolindex.Service
	fleet    FleetSource
	bus      *bus.Bus
	cfg      config.HostConfig
}

// Option customizes a Host.
type Option func(*Host)

// WithFleet attaches the external tool-server fleet.
func WithFleet(f FleetSource) Option {
	return func(h *Host) { h.fleet = f }
}

// WithBus publishes host lifecycle events to b.
func WithBus(b *bus.Bus) Option {
	return func(h *Host) { h.bus = b }
}

// New creates a Host over the given registry and index service.
func New(registry *tools.Registry, index *toolindex.Service, cfg config.HostConfig, opts ...Option) *Host {
	h := &Host{
		registry: registry,
		index:    index,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SyncIndex rebuilds the search index from the current tool surface.
// Built-in tools are always available; fleet tools are deferred and must be
// enabled per session through tool_search or tool_execute.
func (h *Host) SyncIndex() {
	for _, def := range h.registry.Definitions() {
		h.index.Index.Add(def.Name, def.Description, def.Domain, false)
	}
	if h.fleet != nil {
		for _, def := range h.fleet.Tools() {
			h.index.Index.Add(def.Name, def.Description, def.Domain, true)
		}
	}
	slog.Debug("Tool index synced", "tools", h.index.Index.Len())
}

// ResolveSession picks the session id for a request: explicit header, then
// the JWT claim, then the environment, then the cross-process broadcast file.
func (h *Host) ResolveSession(headerSessionID string, caller auth.Caller) string {
	if headerSessionID != "" {
		return headerSessionID
	}
	if caller.SessionID != "" {
		return caller.SessionID
	}
	if env := os.Getenv(EnvSessionID); env != "" {
		return env
	}
	return h.index.Sessions.CurrentSession()
}

// lazyEnabled resolves the lazy-tools switch: the environment wins over
// configuration, absence means on.
func (h *Host) lazyEnabled() bool {
	switch strings.ToLower(os.Getenv(EnvLazyTools)) {
	case "0", "false", "off":
		return false
	case "1", "true", "on":
		return true
	}
	return h.cfg.LazyToolsEnabled()
}

// domainFilter resolves the active domain restriction, environment first.
func (h *Host) domainFilter() []string {
	if env := os.Getenv(EnvToolDomains); env != "" {
		var domains []string
		for _, d := range strings.Split(env, ",") {
			if d = strings.TrimSpace(d); d != "" {
				domains = append(domains, d)
			}
		}
		return domains
	}
	return h.cfg.Domains
}

// ListTools returns the tool surface for one caller: domain-filtered,
// role-filtered, with deferred tools hidden unless the session enabled them.
// The meta tools are always present.
func (h *Host) ListTools(ctx context.Context, sessionID string, caller auth.Caller) []tools.Definition {
	session := h.ResolveSession(sessionID, caller)

	all := h.registry.Definitions()
	if h.fleet != nil {
		all = append(all, h.fleet.Tools()...)
	}

	if domains := h.domainFilter(); len(domains) > 0 {
		allowed := make(map[string]bool, len(domains))
		for _, d := range domains {
			allowed[d] = true
		}
		known := map[string]bool{}
		var filtered []tools.Definition
		for _, def := range all {
			known[def.Domain] = true
			if allowed[def.Domain] {
				filtered = append(filtered, def)
			}
		}
		for _, d := range domains {
			if !known[d] {
				slog.Warn("Unknown tool domain in filter", "domain", d)
			}
		}
		all = filtered
	}

	lazy := h.lazyEnabled()
	var visible []tools.Definition
	for _, def := range all {
		if !def.AllowsRole(caller.Role) {
			continue
		}
		if lazy && !h.index.CanExecute(session, def.Name) {
			continue
		}
		visible = append(visible, def)
	}

	visible = append(visible, h.metaDefinitions()...)
	sort.Slice(visible, func(i, j int) bool { return visible[i].Name < visible[j].Name })
	return visible
}

// ListPrompts returns prompt templates grouped by server.
func (h *Host) ListPrompts(ctx context.Context) map[string][]fleet.Prompt {
	if h.fleet == nil {
		return nil
	}
	return h.fleet.ListPrompts(ctx)
}

// GetPrompt resolves one prompt template from the named server.
func (h *Host) GetPrompt(ctx context.Context, server, name string, args map[string]string) (*fleet.PromptResult, error) {
	if h.fleet == nil {
		return nil, errNoFleet
	}
	return h.fleet.GetPrompt(ctx, server, name, args)
}
