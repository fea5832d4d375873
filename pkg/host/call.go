package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ensembleworks/ensemble/pkg/auth"
	"github.com/ensembleworks/ensemble/pkg/fault"
	"github.com/ensembleworks/ensemble/pkg/observability"
	"github.com/ensembleworks/ensemble/pkg/retry"
	"github.com/ensembleworks/ensemble/pkg/tools"
)

var errNoFleet = fault.New(fault.KindUnavailable, "no tool servers are configured")

// idempotentReadTools may be retried on transient failures. Everything else
// runs exactly once; a retried write could duplicate side effects.
var idempotentReadTools = map[string]bool{
	"web_fetch":         true,
	"util_echo":         true,
	"util_current_time": true,
}

// CallRequest is one inbound tool invocation.
type CallRequest struct {
	Name       string
	Args       map[string]any
	SessionID  string
	Caller     auth.Caller
	InstanceID string
}

// CallTool runs the full invocation pipeline: meta dispatch, lookup, the
// lazy-tool gate, credential and role checks, argument validation, and
// execution with retry for idempotent reads. Failures come back classified.
func (h *Host) CallTool(ctx context.Context, req CallRequest) (tools.Result, error) {
	session := h.ResolveSession(req.SessionID, req.Caller)

	tracer := observability.GetTracer("host")
	ctx, span := tracer.Start(ctx, observability.SpanToolCall, trace.WithAttributes(
		attribute.String(observability.AttrToolName, req.Name),
		attribute.String(observability.AttrSessionID, session),
	))
	defer span.End()

	start := time.Now()
	result, err := h.callTool(ctx, session, req)
	duration := time.Since(start)

	observability.GetGlobalMetrics().RecordToolCall(ctx, req.Name, duration, err)
	if err != nil {
		classified := fault.Classify(err)
		span.SetAttributes(attribute.String(observability.AttrErrorKind, string(classified.Kind)))
		slog.Warn("Tool call failed",
			append([]any{"tool", req.Name, "session", session, "kind", classified.Kind, "error", classified.Message},
				paramFields(req.Args)...)...)
		return tools.Result{}, classified
	}

	result.Duration = duration
	slog.Info("Tool call completed",
		append([]any{"tool", req.Name, "session", session, "duration", duration},
			paramFields(req.Args)...)...)
	return result, nil
}

func (h *Host) callTool(ctx context.Context, session string, req CallRequest) (tools.Result, error) {
	switch req.Name {
	case metaToolSearch:
		return h.toolSearch(ctx, session, req.Args)
	case metaToolExecute:
		return h.toolExecute(ctx, session, req)
	}

	def, local, found := h.lookup(req.Name)
	if !found {
		return tools.Result{}, fault.Newf(fault.KindNotFound, "unknown tool %q", req.Name)
	}

	if h.lazyEnabled() && !h.index.CanExecute(session, req.Name) {
		return tools.Result{}, fault.Newf(fault.KindForbidden,
			"tool %q is deferred and not enabled for this session; run tool_search to find and enable it, or call it through tool_execute",
			req.Name)
	}

	if req.Caller.Expired() {
		return tools.Result{}, fault.New(fault.KindUnauthorized, "token expired")
	}
	if !def.AllowsRole(req.Caller.Role) {
		return tools.Result{}, fault.Newf(fault.KindForbidden,
			"role %q may not call tool %q", req.Caller.Role, req.Name)
	}

	if err := tools.ValidateArgs(def.InputSchema, req.Args); err != nil {
		return tools.Result{}, err
	}

	execute := func(ctx context.Context) (tools.Result, error) {
		if local != nil {
			return local.Execute(ctx, req.Args, tools.CallContext{
				SessionID:  session,
				Role:       req.Caller.Role,
				InstanceID: req.InstanceID,
			})
		}
		out, err := h.fleet.Call(ctx, req.Name, req.Args)
		if err != nil {
			return tools.Result{}, err
		}
		return tools.Result{Content: out}, nil
	}

	var result tools.Result
	var err error
	if idempotentReadTools[req.Name] {
		var res retry.Result
		result, res = retry.DoValue(ctx, retry.DefaultPolicy(), execute)
		if !res.Success {
			err = res.Err
		}
	} else {
		result, err = execute(ctx)
	}
	if err != nil {
		return tools.Result{}, err
	}

	return renderResult(result)
}

// lookup finds a tool by name: built-ins first, then the fleet surface.
func (h *Host) lookup(name string) (tools.Definition, tools.Tool, bool) {
	if t, ok := h.registry.GetTool(name); ok {
		return t.Definition(), t, true
	}
	if h.fleet != nil {
		for _, def := range h.fleet.Tools() {
			if def.Name == name {
				return def, nil, true
			}
		}
	}
	return tools.Definition{}, nil, false
}

// renderResult guarantees the caller always receives textual content:
// structured output is marshaled to JSON when the tool produced no text.
func renderResult(result tools.Result) (tools.Result, error) {
	if result.Content == "" && result.Output != nil {
		data, err := json.Marshal(result.Output)
		if err != nil {
			return tools.Result{}, fault.Wrap(fault.KindInternal, "failed to encode tool output", err)
		}
		result.Content = string(data)
	}
	return result, nil
}

const (
	maxLoggedParams   = 5
	maxLoggedValueLen = 100
)

// secretParams are never logged, even truncated.
var secretParams = map[string]bool{
	"token": true, "secret": true, "password": true, "apikey": true,
	"api_key": true, "authorization": true, "credential": true,
}

// paramFields renders call arguments for structured logging: at most five
// parameters, values truncated, collections summarized by size, secrets
// redacted.
func paramFields(args map[string]any) []any {
	if len(args) == 0 {
		return nil
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	// Deterministic output regardless of map order.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}

	var fields []any
	logged := 0
	for _, k := range keys {
		if logged >= maxLoggedParams {
			break
		}
		fields = append(fields, "param."+k, summarizeValue(k, args[k]))
		logged++
	}
	if remaining := len(args) - logged; remaining > 0 {
		fields = append(fields, "params.omitted", remaining)
	}
	return fields
}

func summarizeValue(key string, v any) string {
	if secretParams[key] {
		return "[redacted]"
	}
	switch val := v.(type) {
	case []any:
		return fmt.Sprintf("[array of %d]", len(val))
	case map[string]any:
		return fmt.Sprintf("{object with %d keys}", len(val))
	case string:
		if len(val) > maxLoggedValueLen {
			return val[:maxLoggedValueLen] + "..."
		}
		return val
	default:
		s := fmt.Sprintf("%v", val)
		if len(s) > maxLoggedValueLen {
			return s[:maxLoggedValueLen] + "..."
		}
		return s
	}
}
