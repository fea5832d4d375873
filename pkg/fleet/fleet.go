// Package fleet supervises the configured tool servers: it boots them in
// parallel, keeps them connected through per-server reconnectors, aggregates
// their tools under namespaced names, and routes calls and prompt lookups to
// the owning server.
package fleet

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ensembleworks/ensemble/pkg/bus"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/fault"
	"github.com/ensembleworks/ensemble/pkg/retry"
	"github.com/ensembleworks/ensemble/pkg/tools"
)

// connectingWait bounds how long EnsureConnected waits for an in-flight
// connect before reporting the server unavailable.
const connectingWait = 2 * time.Second

var namePattern = regexp.MustCompile(`[^a-zA-Z0-9-_]`)

// sanitizeName makes a server or tool name safe for namespacing.
func sanitizeName(name string) string {
	return namePattern.ReplaceAllString(name, "_")
}

// NamespacedName is the fleet-wide tool name: <server>_<tool>, both parts
// sanitized.
func NamespacedName(server, tool string) string {
	return sanitizeName(server) + "_" + sanitizeName(tool)
}

// ConfigSource re-reads server configuration from its authoritative origin.
// Reload and Restart use it so edits on disk take effect without a daemon
// restart.
type ConfigSource func(ctx context.Context) (map[string]*config.ServerConfig, error)

// Managed pairs one server's protocol client with the reconnector that
// supervises it.
type Managed struct {
	name   string
	cfg    *config.ServerConfig
	client Client
	reconn *retry.Reconnector

	mu    sync.RWMutex
	tools []ToolInfo
}

// State returns the connection state snapshot.
func (m *Managed) State() retry.State {
	return m.reconn.State()
}

// Tools returns the cached tool listing from the last successful connect.
func (m *Managed) Tools() []ToolInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ToolInfo, len(m.tools))
	copy(out, m.tools)
	return out
}

func (m *Managed) setTools(infos []ToolInfo) {
	m.mu.Lock()
	m.tools = infos
	m.mu.Unlock()
}

// connect establishes the transport and verifies the server answers
// tools/list within the configured timeout. A server that connects but
// cannot list tools is closed and reported as a failed connect.
func (m *Managed) connect(ctx context.Context) error {
	if err := m.client.Connect(ctx); err != nil {
		return err
	}

	listCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout())
	defer cancel()

	infos, err := m.client.ListTools(listCtx)
	if err != nil {
		m.client.Close()
		return fault.Wrap(fault.KindUnavailable, "server failed tools/list verification", err).
			WithDetail("server", m.name)
	}

	m.setTools(infos)
	slog.Info("Tool server ready", "server", m.name, "tools", len(infos))
	return nil
}

func (m *Managed) healthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout())
	defer cancel()
	_, err := m.client.ListTools(probeCtx)
	return err
}

func (m *Managed) close() {
	m.reconn.Close()
	if err := m.client.Close(); err != nil {
		slog.Debug("Error closing tool server client", "server", m.name, "error", err)
	}
}

// Fleet manages the full set of configured tool servers.
type Fleet struct {
	bus     *bus.Bus
	factory ClientFactory
	source  ConfigSource

	mu      sync.RWMutex
	servers map[string]*Managed
	configs map[string]*config.ServerConfig
}

// Option customizes a Fleet.
type Option func(*Fleet)

// WithBus publishes server lifecycle events to b.
func WithBus(b *bus.Bus) Option {
	return func(f *Fleet) { f.bus = b }
}

// WithClientFactory overrides how protocol clients are built.
func WithClientFactory(factory ClientFactory) Option {
	return func(f *Fleet) { f.factory = factory }
}

// WithConfigSource sets the origin Reload and Restart read fresh
// configuration from.
func WithConfigSource(source ConfigSource) Option {
	return func(f *Fleet) { f.source = source }
}

// New creates a Fleet for the given server configurations. Call Start to
// boot the servers.
func New(configs map[string]*config.ServerConfig, opts ...Option) *Fleet {
	f := &Fleet{
		factory: defaultClientFactory,
		servers: make(map[string]*Managed),
		configs: make(map[string]*config.ServerConfig, len(configs)),
	}
	for _, opt := range opts {
		opt(f)
	}
	for name, cfg := range configs {
		if cfg != nil {
			f.configs[name] = cfg
		}
	}
	return f
}

func (f *Fleet) newManaged(name string, cfg *config.ServerConfig) *Managed {
	m := &Managed{
		name:   name,
		cfg:    cfg,
		client: f.factory(name, cfg),
	}

	rc := retry.ReconnectorConfig{
		Name:                 name,
		Connect:              m.connect,
		MaxReconnectAttempts: cfg.Retry.MaxRetries,
		Backoff: retry.Policy{
			MaxRetries:    cfg.Retry.MaxRetries,
			InitialDelay:  cfg.Retry.InitialDelay,
			MaxDelay:      cfg.Retry.MaxDelay,
			BackoffFactor: cfg.Retry.BackoffFactor,
			Jitter:        cfg.Retry.Jitter,
		},
		Bus: f.bus,
	}
	if cfg.Retry.AutoReconnect && cfg.Retry.HealthCheckInterval > 0 {
		rc.HealthCheck = m.healthCheck
		rc.HealthCheckInterval = cfg.Retry.HealthCheckInterval
	}
	m.reconn = retry.NewReconnector(rc)
	return m
}

// Start boots all enabled servers in parallel. A server that fails its
// initial connect is logged and left to its reconnector; one bad server
// never blocks the rest.
func (f *Fleet) Start(ctx context.Context) error {
	f.mu.Lock()
	var boot []*Managed
	for name, cfg := range f.configs {
		if !cfg.IsEnabled() {
			slog.Debug("Tool server disabled, skipping", "server", name)
			continue
		}
		if _, exists := f.servers[name]; exists {
			continue
		}
		m := f.newManaged(name, cfg)
		f.servers[name] = m
		boot = append(boot, m)
	}
	f.mu.Unlock()

	// The supervision loops outlive Start, so the boot goroutines use the
	// caller's context rather than an errgroup-derived one.
	var g errgroup.Group
	for _, m := range boot {
		g.Go(func() error {
			if err := m.reconn.Start(ctx); err != nil {
				slog.Warn("Tool server failed to start", "server", m.name, "error", err)
				if m.cfg.Retry.AutoReconnect {
					m.reconn.TriggerReconnect()
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop tears down every managed server.
func (f *Fleet) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.servers {
		m.close()
	}
	f.servers = make(map[string]*Managed)
}

// Servers returns the managed server names, sorted.
func (f *Fleet) Servers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.servers))
	for name := range f.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// States returns the connection state of every managed server.
func (f *Fleet) States() map[string]retry.State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	states := make(map[string]retry.State, len(f.servers))
	for name, m := range f.servers {
		states[name] = m.State()
	}
	return states
}

func (f *Fleet) server(name string) (*Managed, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.servers[name]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "unknown tool server %q", name)
	}
	return m, nil
}

// EnsureConnected makes sure the named server is usable before a call:
// connected servers pass through, an in-flight connect is awaited briefly,
// and disconnected or failed servers get one synchronous reconnect attempt.
func (f *Fleet) EnsureConnected(ctx context.Context, name string) error {
	m, err := f.server(name)
	if err != nil {
		return err
	}

	switch m.State().Status {
	case retry.StatusConnected:
		return nil

	case retry.StatusConnecting:
		deadline := time.Now().Add(connectingWait)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			if m.State().Status == retry.StatusConnected {
				return nil
			}
		}
		return fault.Newf(fault.KindUnavailable, "server %q is still connecting", name)

	default:
		if err := m.reconn.Reconnect(ctx); err != nil {
			return fault.Wrap(fault.KindUnavailable, "reconnect failed", err).
				WithDetail("server", name)
		}
		return nil
	}
}

// Reload re-reads configuration from the source and adds servers that were
// not previously managed. Existing servers keep running untouched; use
// Restart to pick up changed settings for a known server.
func (f *Fleet) Reload(ctx context.Context) error {
	if f.source == nil {
		return fault.New(fault.KindInternal, "fleet has no config source to reload from")
	}

	fresh, err := f.source(ctx)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "failed to reload server config", err)
	}

	f.mu.Lock()
	var boot []*Managed
	for name, cfg := range fresh {
		if cfg == nil {
			continue
		}
		f.configs[name] = cfg
		if _, exists := f.servers[name]; exists || !cfg.IsEnabled() {
			continue
		}
		m := f.newManaged(name, cfg)
		f.servers[name] = m
		boot = append(boot, m)
	}
	f.mu.Unlock()

	for _, m := range boot {
		if err := m.reconn.Start(ctx); err != nil {
			slog.Warn("Reloaded tool server failed to start", "server", m.name, "error", err)
		}
	}
	return nil
}

// Restart tears the named server down best-effort and recreates it from
// fresh configuration.
func (f *Fleet) Restart(ctx context.Context, name string) error {
	old, err := f.server(name)
	if err != nil {
		return err
	}
	old.close()

	cfg := old.cfg
	if f.source != nil {
		if fresh, err := f.source(ctx); err != nil {
			slog.Warn("Config re-read failed during restart, reusing previous settings",
				"server", name, "error", err)
		} else if c, ok := fresh[name]; ok && c != nil {
			cfg = c
		}
	}

	if !cfg.IsEnabled() {
		f.mu.Lock()
		delete(f.servers, name)
		f.configs[name] = cfg
		f.mu.Unlock()
		slog.Info("Tool server disabled after restart", "server", name)
		return nil
	}

	m := f.newManaged(name, cfg)
	f.mu.Lock()
	f.servers[name] = m
	f.configs[name] = cfg
	f.mu.Unlock()

	return m.reconn.Start(ctx)
}

// Tools aggregates the tool definitions of all connected servers under
// namespaced names. External tools carry unknown side effects, so they are
// registered as write tools and kept away from stakeholders.
func (f *Fleet) Tools() []tools.Definition {
	f.mu.RLock()
	managed := make([]*Managed, 0, len(f.servers))
	for _, m := range f.servers {
		managed = append(managed, m)
	}
	f.mu.RUnlock()

	var defs []tools.Definition
	for _, m := range managed {
		if m.State().Status != retry.StatusConnected {
			continue
		}
		for _, info := range m.Tools() {
			defs = append(defs, tools.Definition{
				Name:         NamespacedName(m.name, info.Name),
				Description:  info.Description,
				InputSchema:  info.InputSchema,
				Domain:       m.name,
				Permission:   tools.PermissionWrite,
				AllowedRoles: []tools.Role{tools.RoleDeveloper, tools.RoleAdmin},
			})
		}
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Resolve maps a namespaced tool name back to its server and original tool
// name.
func (f *Fleet) Resolve(namespaced string) (server, tool string, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for name, m := range f.servers {
		prefix := sanitizeName(name) + "_"
		if !strings.HasPrefix(namespaced, prefix) {
			continue
		}
		rest := strings.TrimPrefix(namespaced, prefix)
		m.mu.RLock()
		for _, info := range m.tools {
			if sanitizeName(info.Name) == rest {
				m.mu.RUnlock()
				return name, info.Name, true
			}
		}
		m.mu.RUnlock()
	}
	return "", "", false
}

// Call routes a namespaced tool call to the owning server. Network failures
// mark the server disconnected so the reconnector takes over.
func (f *Fleet) Call(ctx context.Context, namespaced string, args map[string]any) (string, error) {
	server, tool, ok := f.Resolve(namespaced)
	if !ok {
		return "", fault.Newf(fault.KindNotFound, "unknown tool %q", namespaced)
	}

	if err := f.EnsureConnected(ctx, server); err != nil {
		return "", err
	}

	m, err := f.server(server)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout())
	defer cancel()

	out, err := m.client.CallTool(callCtx, tool, args)
	if err != nil {
		classified := fault.Classify(err)
		if classified.Kind == fault.KindNetwork || classified.Kind == fault.KindUnavailable {
			m.reconn.MarkDisconnected(err)
		}
		return "", classified
	}
	return out, nil
}

// ListPrompts aggregates prompt templates per connected server. Servers that
// do not implement prompts are skipped silently.
func (f *Fleet) ListPrompts(ctx context.Context) map[string][]Prompt {
	f.mu.RLock()
	managed := make([]*Managed, 0, len(f.servers))
	for _, m := range f.servers {
		managed = append(managed, m)
	}
	f.mu.RUnlock()

	result := make(map[string][]Prompt)
	for _, m := range managed {
		if m.State().Status != retry.StatusConnected {
			continue
		}
		listCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout())
		prompts, err := m.client.ListPrompts(listCtx)
		cancel()
		if err != nil {
			slog.Debug("Server does not serve prompts", "server", m.name, "error", err)
			continue
		}
		if len(prompts) > 0 {
			result[m.name] = prompts
		}
	}
	return result
}

// GetPrompt resolves one prompt template from the named server.
func (f *Fleet) GetPrompt(ctx context.Context, server, name string, args map[string]string) (*PromptResult, error) {
	if err := f.EnsureConnected(ctx, server); err != nil {
		return nil, err
	}
	m, err := f.server(server)
	if err != nil {
		return nil, err
	}

	getCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout())
	defer cancel()
	return m.client.GetPrompt(getCtx, name, args)
}
