package fleet

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/fault"
	"github.com/ensembleworks/ensemble/pkg/httpclient"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "ensemble"
	clientVersion   = "1.0.0"

	// sseResponseTimeout bounds reading a single SSE-framed reply.
	sseResponseTimeout = 5 * time.Minute
)

// ToolInfo is a tool as reported by a server, before namespacing.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Prompt is a prompt template advertised by a server.
type Prompt struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PromptMessage is one message of a resolved prompt.
type PromptMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// PromptResult is a resolved prompt template.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// Client is the per-server protocol surface the fleet manages. Connect must
// leave the client ready to serve calls; ListTools doubles as the health
// probe.
type Client interface {
	Connect(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	ListPrompts(ctx context.Context) ([]Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResult, error)
	Close() error
}

// ClientFactory builds the protocol client for one configured server.
type ClientFactory func(name string, cfg *config.ServerConfig) Client

func defaultClientFactory(name string, cfg *config.ServerConfig) Client {
	if cfg.Type == config.ServerTypeRemote {
		return newRemoteClient(name, cfg)
	}
	return newStdioClient(name, cfg)
}

// ---------------------------------------------------------------------------
// stdio transport

// stdioClient spawns the server as a child process and speaks line-framed
// JSON-RPC over its stdin/stdout.
type stdioClient struct {
	name string
	cfg  *config.ServerConfig

	mu  sync.Mutex
	mcp *client.Client
}

func newStdioClient(name string, cfg *config.ServerConfig) *stdioClient {
	return &stdioClient{name: name, cfg: cfg}
}

// Connect spawns the child, runs the initialize handshake, and verifies the
// server answers tools/list within the configured timeout. A server that
// cannot list tools is closed and reported disconnected.
func (c *stdioClient) Connect(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(
		c.cfg.Command,
		c.childEnv(),
		c.cfg.Args...,
	)
	if err != nil {
		return fault.Wrap(fault.KindUnavailable, "failed to spawn tool server", err).
			WithDetail("server", c.name)
	}

	if err := mcpClient.Start(ctx); err != nil {
		mcpClient.Close()
		return fault.Wrap(fault.KindUnavailable, "failed to start tool server", err).
			WithDetail("server", c.name)
	}

	initCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.ProtocolVersion = protocolVersion

	if _, err := mcpClient.Initialize(initCtx, initReq); err != nil {
		mcpClient.Close()
		return fault.Wrap(fault.KindTransport, "initialize handshake failed", err).
			WithDetail("server", c.name)
	}

	c.mu.Lock()
	old := c.mcp
	c.mcp = mcpClient
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	slog.Info("Connected to tool server (stdio)",
		"server", c.name, "command", c.cfg.Command)
	return nil
}

// childEnv merges the parent environment with the configured one and marks
// the child as embedded so it skips its own daemon bootstrap.
func (c *stdioClient) childEnv() []string {
	env := os.Environ()
	for k, v := range c.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env, "ENSEMBLE_EMBEDDED=1")
	return env
}

func (c *stdioClient) conn() (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mcp == nil {
		return nil, fault.Newf(fault.KindUnavailable, "server %q is not connected", c.name)
	}
	return c.mcp, nil
}

func (c *stdioClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	mcpClient, err := c.conn()
	if err != nil {
		return nil, err
	}

	resp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fault.Classify(err)
	}

	infos := make([]ToolInfo, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		infos = append(infos, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}
	return infos, nil
}

func (c *stdioClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	mcpClient, err := c.conn()
	if err != nil {
		return "", err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return "", fault.Classify(err)
	}

	text := joinTextContent(resp.Content)
	if resp.IsError {
		if text == "" {
			text = "unknown error"
		}
		return "", fault.New(fault.KindRemote, text).WithDetail("server", c.name).WithDetail("tool", name)
	}
	return text, nil
}

func (c *stdioClient) ListPrompts(ctx context.Context) ([]Prompt, error) {
	mcpClient, err := c.conn()
	if err != nil {
		return nil, err
	}

	resp, err := mcpClient.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, fault.Classify(err)
	}

	prompts := make([]Prompt, 0, len(resp.Prompts))
	for _, p := range resp.Prompts {
		prompts = append(prompts, Prompt{Name: p.Name, Description: p.Description})
	}
	return prompts, nil
}

func (c *stdioClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResult, error) {
	mcpClient, err := c.conn()
	if err != nil {
		return nil, err
	}

	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := mcpClient.GetPrompt(ctx, req)
	if err != nil {
		return nil, fault.Classify(err)
	}

	result := &PromptResult{Description: resp.Description}
	for _, m := range resp.Messages {
		if tc, ok := m.Content.(mcp.TextContent); ok {
			result.Messages = append(result.Messages, PromptMessage{
				Role: string(m.Role),
				Text: tc.Text,
			})
		}
	}
	return result, nil
}

func (c *stdioClient) Close() error {
	c.mu.Lock()
	mcpClient := c.mcp
	c.mcp = nil
	c.mu.Unlock()

	if mcpClient != nil {
		return mcpClient.Close()
	}
	return nil
}

func joinTextContent(content []mcp.Content) string {
	var texts []string
	for _, item := range content {
		if tc, ok := item.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// ---------------------------------------------------------------------------
// remote transport

// remoteClient speaks JSON-RPC over HTTP. It probes the streamable HTTP
// transport on connect and falls back to SSE framing when the server answers
// with an event stream; URLs ending in /sse skip the probe entirely.
type remoteClient struct {
	name string
	cfg  *config.ServerConfig
	http *httpclient.Client

	nextID atomic.Int64

	sessionMu sync.RWMutex
	sessionID string

	connected atomic.Bool
}

func newRemoteClient(name string, cfg *config.ServerConfig) *remoteClient {
	return &remoteClient{
		name: name,
		cfg:  cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(cfg.Retry.MaxRetries),
			httpclient.WithBaseDelay(2*time.Second),
		),
	}
}

func (c *remoteClient) isSSE() bool {
	return strings.HasSuffix(strings.TrimSuffix(c.cfg.URL, "/"), "/sse")
}

func (c *remoteClient) Connect(ctx context.Context) error {
	// SSE endpoints do not implement the streamable session handshake, so
	// the probe is skipped and the first real request establishes traffic.
	if !c.isSSE() {
		initResp, err := c.rpc(ctx, "initialize", map[string]any{
			"protocolVersion": protocolVersion,
			"clientInfo": map[string]any{
				"name":    clientName,
				"version": clientVersion,
			},
			"capabilities": map[string]any{},
		})
		if err != nil {
			return fault.Wrap(fault.KindUnavailable, "initialize handshake failed", err).
				WithDetail("server", c.name)
		}
		if initResp.Error != nil {
			return fault.Newf(fault.KindRemote, "initialize rejected: %s", initResp.Error.Message).
				WithDetail("server", c.name)
		}
	}

	c.connected.Store(true)
	slog.Info("Connected to tool server (remote)",
		"server", c.name, "url", c.cfg.URL, "sse", c.isSSE())
	return nil
}

func (c *remoteClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if !c.connected.Load() {
		return nil, fault.Newf(fault.KindUnavailable, "server %q is not connected", c.name)
	}
	return c.listTools(ctx)
}

func (c *remoteClient) listTools(ctx context.Context) ([]ToolInfo, error) {
	resp, err := c.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fault.Newf(fault.KindRemote, "tools/list failed: %s", resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return nil, fault.New(fault.KindTransport, "unexpected tools/list result shape")
	}
	rawTools, ok := resultMap["tools"].([]any)
	if !ok {
		return nil, fault.New(fault.KindTransport, "missing tools in tools/list result")
	}

	infos := make([]ToolInfo, 0, len(rawTools))
	for _, raw := range rawTools {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]any)
		infos = append(infos, ToolInfo{Name: name, Description: desc, InputSchema: schema})
	}
	return infos, nil
}

func (c *remoteClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	resp, err := c.rpc(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fault.Newf(fault.KindRemote, "tool call failed: %s", resp.Error.Message).
			WithDetail("server", c.name).WithDetail("tool", name)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		data, _ := json.Marshal(resp.Result)
		return string(data), nil
	}

	text := joinRawTextContent(resultMap["content"])
	if isError, _ := resultMap["isError"].(bool); isError {
		if text == "" {
			text = "unknown error"
		}
		return "", fault.New(fault.KindRemote, text).WithDetail("server", c.name).WithDetail("tool", name)
	}
	return text, nil
}

func (c *remoteClient) ListPrompts(ctx context.Context) ([]Prompt, error) {
	resp, err := c.rpc(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fault.Newf(fault.KindRemote, "prompts/list failed: %s", resp.Error.Message)
	}

	resultMap, _ := resp.Result.(map[string]any)
	rawPrompts, _ := resultMap["prompts"].([]any)

	prompts := make([]Prompt, 0, len(rawPrompts))
	for _, raw := range rawPrompts {
		pm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := pm["name"].(string)
		desc, _ := pm["description"].(string)
		if name != "" {
			prompts = append(prompts, Prompt{Name: name, Description: desc})
		}
	}
	return prompts, nil
}

func (c *remoteClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResult, error) {
	resp, err := c.rpc(ctx, "prompts/get", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fault.Newf(fault.KindRemote, "prompts/get failed: %s", resp.Error.Message)
	}

	resultMap, _ := resp.Result.(map[string]any)
	result := &PromptResult{}
	result.Description, _ = resultMap["description"].(string)

	rawMessages, _ := resultMap["messages"].([]any)
	for _, raw := range rawMessages {
		mm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := mm["role"].(string)
		content, _ := mm["content"].(map[string]any)
		if text, ok := content["text"].(string); ok {
			result.Messages = append(result.Messages, PromptMessage{Role: role, Text: text})
		}
	}
	return result, nil
}

func (c *remoteClient) Close() error {
	c.connected.Store(false)
	return nil
}

func joinRawTextContent(raw any) string {
	items, ok := raw.([]any)
	if !ok {
		return ""
	}
	var texts []string
	for _, item := range items {
		cm, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if cm["type"] == "text" {
			if text, ok := cm["text"].(string); ok {
				texts = append(texts, text)
			}
		}
	}
	return strings.Join(texts, "\n")
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc sends one JSON-RPC request and decodes the reply, transparently
// handling SSE-framed responses.
func (c *remoteClient) rpc(ctx context.Context, method string, params any) (*rpcResponse, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "failed to encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "failed to build request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	c.sessionMu.RLock()
	sessionID := c.sessionID
	c.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fault.Classify(err)
	}
	defer httpResp.Body.Close()

	if newSession := httpResp.Header.Get("mcp-session-id"); newSession != "" {
		c.sessionMu.Lock()
		c.sessionID = newSession
		c.sessionMu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fault.Newf(fault.FromStatus(httpResp.StatusCode), "HTTP %d from %s: %s",
			httpResp.StatusCode, c.name, strings.TrimSpace(string(respBody)))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(httpResp)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransport, "failed to read response", err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fault.Wrap(fault.KindTransport, "malformed response", err)
	}
	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC message from an SSE
// stream. The stream is abandoned once a full message parses.
func readSSEResponse(httpResp *http.Response) (*rpcResponse, error) {
	type outcome struct {
		resp *rpcResponse
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer httpResp.Body.Close()

		reader := bufio.NewReader(httpResp.Body)
		var data strings.Builder

		flush := func() *rpcResponse {
			if data.Len() == 0 {
				return nil
			}
			var resp rpcResponse
			if err := json.Unmarshal([]byte(data.String()), &resp); err == nil {
				return &resp
			}
			data.Reset()
			return nil
		}

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			line = strings.TrimSpace(line)

			if line == "" {
				if resp := flush(); resp != nil {
					done <- outcome{resp: resp}
					return
				}
				continue
			}
			if after, ok := strings.CutPrefix(line, "data:"); ok {
				data.WriteString(strings.TrimSpace(after))
			}
		}

		if resp := flush(); resp != nil {
			done <- outcome{resp: resp}
			return
		}
		done <- outcome{err: fault.New(fault.KindTransport, "event stream ended without a complete message")}
	}()

	select {
	case out := <-done:
		return out.resp, out.err
	case <-time.After(sseResponseTimeout):
		return nil, fault.Newf(fault.KindTimeout, "timed out reading event stream after %v", sseResponseTimeout)
	}
}
