// Package builtin provides the tool modules compiled into the binary. They
// give the registry something to discover before any external tool server is
// configured.
package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ensembleworks/ensemble/pkg/fault"
	"github.com/ensembleworks/ensemble/pkg/httpclient"
	"github.com/ensembleworks/ensemble/pkg/tools"
)

const (
	webFetchTimeout = 30 * time.Second
	maxFetchBytes   = 1 << 20
)

type webFetchArgs struct {
	URL    string `json:"url" jsonschema:"required,description=URL to fetch"`
	Method string `json:"method,omitempty" jsonschema:"description=HTTP method,enum=GET|HEAD,default=GET"`
}

// WebModule exposes read-only web tools.
type WebModule struct {
	client *httpclient.Client
}

func NewWebModule() *WebModule {
	return &WebModule{
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: webFetchTimeout}),
			httpclient.WithMaxRetries(2),
		),
	}
}

func (m *WebModule) Domain() string { return "web" }

func (m *WebModule) Tools() ([]tools.Tool, error) {
	fetchSchema, err := tools.SchemaFor[webFetchArgs]()
	if err != nil {
		return nil, err
	}

	return []tools.Tool{
		tools.NewTool(tools.Definition{
			Name:         "web_fetch",
			Description:  "Fetch a URL and return the response body as text",
			InputSchema:  fetchSchema,
			Domain:       m.Domain(),
			Permission:   tools.PermissionRead,
			AllowedRoles: tools.AllRoles,
		}, m.fetch),
	}, nil
}

func (m *WebModule) fetch(ctx context.Context, args map[string]any, _ tools.CallContext) (tools.Result, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return tools.Result{}, fault.New(fault.KindValidation, "url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return tools.Result{}, fault.Newf(fault.KindValidation, "unsupported url scheme: %s", url)
	}

	method := http.MethodGet
	if mth, _ := args["method"].(string); mth != "" {
		method = strings.ToUpper(mth)
	}

	ctx, cancel := context.WithTimeout(ctx, webFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return tools.Result{}, fault.Wrap(fault.KindValidation, "invalid request", err)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return tools.Result{}, fault.Classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return tools.Result{}, fault.Wrap(fault.KindTransport, "failed to read response body", err)
	}

	return tools.Result{
		Content:  string(body),
		Duration: time.Since(start),
		Metadata: map[string]any{
			"status":      resp.StatusCode,
			"contentType": resp.Header.Get("Content-Type"),
			"bytes":       len(body),
			"truncated":   len(body) == maxFetchBytes,
		},
	}, nil
}

var _ tools.Module = (*WebModule)(nil)

type echoArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back"`
}

// UtilModule exposes small read-only utilities, mostly useful for wiring
// checks and agent self-tests.
type UtilModule struct{}

func NewUtilModule() *UtilModule { return &UtilModule{} }

func (m *UtilModule) Domain() string { return "util" }

func (m *UtilModule) Tools() ([]tools.Tool, error) {
	echoSchema, err := tools.SchemaFor[echoArgs]()
	if err != nil {
		return nil, err
	}

	return []tools.Tool{
		tools.NewTool(tools.Definition{
			Name:         "util_echo",
			Description:  "Echo the given text back to the caller",
			InputSchema:  echoSchema,
			Domain:       m.Domain(),
			Permission:   tools.PermissionRead,
			AllowedRoles: tools.AllRoles,
		}, func(ctx context.Context, args map[string]any, _ tools.CallContext) (tools.Result, error) {
			text, _ := args["text"].(string)
			return tools.Result{Content: text}, nil
		}),
		tools.NewTool(tools.Definition{
			Name:         "util_current_time",
			Description:  "Return the current time in RFC 3339 format",
			InputSchema:  map[string]any{"type": "object", "properties": map[string]any{}},
			Domain:       m.Domain(),
			Permission:   tools.PermissionRead,
			AllowedRoles: tools.AllRoles,
		}, func(ctx context.Context, args map[string]any, _ tools.CallContext) (tools.Result, error) {
			return tools.Result{Content: fmt.Sprintf("%q", time.Now().Format(time.RFC3339))}, nil
		}),
	}, nil
}

var _ tools.Module = (*UtilModule)(nil)
