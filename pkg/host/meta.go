package host

import (
	"context"

	"github.com/ensembleworks/ensemble/pkg/fault"
	"github.com/ensembleworks/ensemble/pkg/toolindex"
	"github.com/ensembleworks/ensemble/pkg/tools"
)

const (
	metaToolSearch  = "tool_search"
	metaToolExecute = "tool_execute"
)

type toolSearchArgs struct {
	Query string `json:"query" jsonschema:"required,description=What the tool should do"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of results (default 10)"`
}

type toolExecuteArgs struct {
	Tool      string         `json:"tool" jsonschema:"required,description=Name of the tool to run"`
	Arguments map[string]any `json:"arguments,omitempty" jsonschema:"description=Arguments passed to the tool"`
}

// searchHit is one tool_search result row.
type searchHit struct {
	ID          string              `json:"id"`
	Description string              `json:"description,omitempty"`
	Category    string              `json:"category,omitempty"`
	Score       int                 `json:"score"`
	State       toolindex.ToolState `json:"state"`
}

type searchOutput struct {
	Matches []searchHit    `json:"matches"`
	Enabled []string       `json:"enabled,omitempty"`
	Status  map[string]int `json:"status"`
}

// metaDefinitions describes the always-present meta tools.
func (h *Host) metaDefinitions() []tools.Definition {
	return []tools.Definition{
		{
			Name:         metaToolSearch,
			Description:  "Search the tool index by capability and see which tools are enabled for this session",
			InputSchema:  tools.MustSchemaFor[toolSearchArgs](),
			Domain:       "meta",
			Permission:   tools.PermissionRead,
			AllowedRoles: tools.AllRoles,
		},
		{
			Name:         metaToolExecute,
			Description:  "Enable a deferred tool for this session and run it in one step",
			InputSchema:  tools.MustSchemaFor[toolExecuteArgs](),
			Domain:       "meta",
			Permission:   tools.PermissionRead,
			AllowedRoles: tools.AllRoles,
		},
	}
}

// toolSearch scores the index against the query and reports each hit's state
// for the session. When auto-enable is configured, the top results are
// enabled as a side effect so the next listing exposes them.
func (h *Host) toolSearch(ctx context.Context, session string, args map[string]any) (tools.Result, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return tools.Result{}, fault.New(fault.KindValidation, "query is required")
	}
	limit := 0
	switch v := args["limit"].(type) {
	case float64:
		limit = int(v)
	case int:
		limit = v
	}

	matches := h.index.Index.Search(query, limit)

	var autoEnabled []string
	if top := h.cfg.AutoEnableTop; top > 0 {
		for i, m := range matches {
			if i >= top {
				break
			}
			if m.Entry.Deferred && !h.index.Sessions.IsToolEnabled(session, m.Entry.ID) {
				autoEnabled = append(autoEnabled, m.Entry.ID)
			}
		}
		if len(autoEnabled) > 0 {
			if err := h.index.Sessions.EnableTools(session, autoEnabled...); err != nil {
				return tools.Result{}, fault.Wrap(fault.KindInternal, "failed to enable tools", err)
			}
		}
	}

	out := searchOutput{
		Matches: make([]searchHit, 0, len(matches)),
		Enabled: autoEnabled,
		Status:  map[string]int{},
	}
	for _, m := range matches {
		out.Matches = append(out.Matches, searchHit{
			ID:          m.Entry.ID,
			Description: m.Entry.Description,
			Category:    m.Entry.Category,
			Score:       m.Score,
			State:       h.index.StateOf(session, m.Entry.ID),
		})
	}
	for state, ids := range h.index.Status(session) {
		out.Status[string(state)] = len(ids)
	}

	return renderResult(tools.Result{Output: out})
}

// toolExecute enables the named deferred tool for the session and then runs
// it through the normal pipeline, so every gate still applies.
func (h *Host) toolExecute(ctx context.Context, session string, req CallRequest) (tools.Result, error) {
	name, _ := req.Args["tool"].(string)
	if name == "" {
		return tools.Result{}, fault.New(fault.KindValidation, "tool is required")
	}
	if name == metaToolExecute {
		return tools.Result{}, fault.New(fault.KindValidation, "tool_execute cannot run itself")
	}

	innerArgs, _ := req.Args["arguments"].(map[string]any)

	if _, _, found := h.lookup(name); !found && name != metaToolSearch {
		return tools.Result{}, fault.Newf(fault.KindNotFound, "unknown tool %q", name)
	}

	if entry, ok := h.index.Index.Get(name); !ok || entry.Deferred {
		if err := h.index.Sessions.EnableTools(session, name); err != nil {
			return tools.Result{}, fault.Wrap(fault.KindInternal, "failed to enable tool", err)
		}
	}

	return h.callTool(ctx, session, CallRequest{
		Name:       name,
		Args:       innerArgs,
		SessionID:  session,
		Caller:     req.Caller,
		InstanceID: req.InstanceID,
	})
}
