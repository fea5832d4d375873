package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ensembleworks/ensemble/pkg/dag"
	"github.com/ensembleworks/ensemble/pkg/fault"
	"github.com/ensembleworks/ensemble/pkg/fleet"
	"github.com/ensembleworks/ensemble/pkg/httpclient"
	"github.com/ensembleworks/ensemble/pkg/memory"
	"github.com/ensembleworks/ensemble/pkg/orchestrator"
	"github.com/ensembleworks/ensemble/pkg/session"
	"github.com/ensembleworks/ensemble/pkg/toolindex"
	"github.com/ensembleworks/ensemble/pkg/tools"
	"github.com/ensembleworks/ensemble/pkg/tools/builtin"
)

// RunCmd classifies an objective and prints its task plan. With a
// collaborator endpoint it executes the plan and records the run in session
// memory.
type RunCmd struct {
	Objective    string `arg:"" help:"Objective to plan."`
	Session      string `help:"Session id to record the run under (defaults to the current session)."`
	Collaborator string `help:"Endpoint that works task prompts. Omit to print the plan without executing."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	classification := orchestrator.Classify(c.Objective)
	plan, err := orchestrator.BuildObjectivePlan(c.Objective, classification)
	if err != nil {
		return err
	}

	fmt.Printf("Objective type: %s (complexity %.2f)\n", classification.Type, classification.Complexity)
	fmt.Printf("Agents:         %s\n\n", strings.Join(classification.AgentSequence, " -> "))
	fmt.Println(dag.VisualizePlan(plan))

	if c.Collaborator == "" {
		return nil
	}

	store := memory.NewStore(cfg.StorageDir)
	defer store.Close()

	sessionID := c.Session
	if sessionID == "" {
		sessionID = toolindex.NewSessionStore(cfg.StorageDir).CurrentSession()
	}
	if sessionID == "" {
		mgr := session.NewManager(store, cfg.ProjectID, nil)
		mem, err := mgr.Create(titleFor(c.Objective))
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		sessionID = mem.SessionID
		fmt.Printf("Created session %s\n", sessionID)
	}

	o := orchestrator.New(store, cfg.ProjectID, cfg.Orchestrator, newHTTPPrompter(c.Collaborator))
	result, err := o.ExecuteObjective(ctx, sessionID, c.Objective)
	if err != nil {
		return err
	}

	pr := result.PlanResult
	status := "completed"
	if !pr.Success {
		status = "finished with failures"
	}
	fmt.Printf("\nObjective %s: %d completed, %d failed, %d skipped in %v\n",
		status, pr.TasksCompleted, pr.TasksFailed, pr.TasksSkipped,
		result.Duration.Round(time.Millisecond))
	return nil
}

func titleFor(objective string) string {
	if len(objective) <= 60 {
		return objective
	}
	return objective[:60] + "..."
}

// httpPrompter forwards task prompts to an external collaborator over HTTP
// and treats its response body as the task output.
type httpPrompter struct {
	endpoint string
	client   *httpclient.Client
}

func newHTTPPrompter(endpoint string) dag.Prompter {
	return &httpPrompter{
		endpoint: endpoint,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 5 * time.Minute}),
		),
	}
}

func (p *httpPrompter) Prompt(ctx context.Context, req dag.Request) (dag.Response, error) {
	var prompt strings.Builder
	for _, part := range req.Parts {
		if part.Type == "text" {
			prompt.WriteString(part.Text)
		}
	}

	body, err := json.Marshal(map[string]any{
		"session": req.SessionID,
		"agent":   req.Agent,
		"model":   req.Model,
		"prompt":  prompt.String(),
	})
	if err != nil {
		return dag.Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return dag.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return dag.Response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return dag.Response{}, err
	}
	if resp.StatusCode >= 400 {
		return dag.Response{}, fault.New(fault.FromStatus(resp.StatusCode),
			fmt.Sprintf("collaborator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}
	return dag.Response{Parts: []dag.Part{dag.TextPart(strings.TrimSpace(string(data)))}}, nil
}

// ToolsCmd lists the registered tools.
type ToolsCmd struct {
	Servers bool   `help:"Connect the configured tool servers and include their tools."`
	Domain  string `help:"Only show tools from this domain."`
}

func (c *ToolsCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	registry := tools.NewRegistry()
	registry.Discover(builtin.NewWebModule(), builtin.NewUtilModule())
	defs := registry.Definitions()

	if c.Servers && len(cfg.Servers) > 0 {
		flt := fleet.New(cfg.Servers)
		if err := flt.Start(ctx); err != nil {
			return fmt.Errorf("failed to start server fleet: %w", err)
		}
		defer flt.Stop()
		defs = append(defs, flt.Tools()...)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	for _, d := range defs {
		if c.Domain != "" && d.Domain != c.Domain {
			continue
		}
		fmt.Printf("%-32s %-12s %-6s %s\n", d.Name, d.Domain, d.Permission, d.Description)
	}
	return nil
}

// SessionsCmd inspects and manages the session fork tree.
type SessionsCmd struct {
	List SessionsListCmd `cmd:"" default:"1" help:"Show the session fork tree."`
	New  SessionsNewCmd  `cmd:"" help:"Create a new session."`
	Fork SessionsForkCmd `cmd:"" help:"Fork an existing session."`
}

// SessionsListCmd renders the fork tree of the configured project.
type SessionsListCmd struct {
	Cost     bool `help:"Show per-session cost."`
	Messages bool `help:"Show per-session message counts."`
	Time     bool `help:"Show last-update times."`
}

func (c *SessionsListCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	store := memory.NewStore(cfg.StorageDir)
	defer store.Close()

	mgr := session.NewManager(store, cfg.ProjectID, nil)
	current := toolindex.NewSessionStore(cfg.StorageDir).CurrentSession()

	roots, err := mgr.BuildTree(current)
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		fmt.Println("No sessions yet")
		return nil
	}

	fmt.Print(session.RenderTree(roots, session.RenderOptions{
		ShowCost:     c.Cost,
		ShowMessages: c.Messages,
		ShowTime:     c.Time,
	}))
	return nil
}

// SessionsNewCmd creates a session, optionally making it current.
type SessionsNewCmd struct {
	Title   string `arg:"" optional:"" help:"Session title."`
	Current bool   `help:"Mark the new session as the current session."`
}

func (c *SessionsNewCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	store := memory.NewStore(cfg.StorageDir)
	defer store.Close()

	mgr := session.NewManager(store, cfg.ProjectID, nil)
	mem, err := mgr.Create(c.Title)
	if err != nil {
		return err
	}
	if c.Current {
		if err := toolindex.NewSessionStore(cfg.StorageDir).SetCurrentSession(mem.SessionID); err != nil {
			return err
		}
	}
	fmt.Printf("Created session %s\n", mem.SessionID)
	return nil
}

// SessionsForkCmd forks an existing session into a new branch.
type SessionsForkCmd struct {
	Parent  string `arg:"" help:"Parent session id."`
	Title   string `arg:"" optional:"" help:"Title for the fork."`
	Current bool   `help:"Mark the fork as the current session."`
}

func (c *SessionsForkCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	store := memory.NewStore(cfg.StorageDir)
	defer store.Close()

	mgr := session.NewManager(store, cfg.ProjectID, nil)
	mem, err := mgr.Fork(c.Parent, c.Title)
	if err != nil {
		return err
	}
	if c.Current {
		if err := toolindex.NewSessionStore(cfg.StorageDir).SetCurrentSession(mem.SessionID); err != nil {
			return err
		}
	}
	fmt.Printf("Forked %s -> %s\n", c.Parent, mem.SessionID)
	return nil
}
