package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ensembleworks/ensemble/pkg/auth"
	"github.com/ensembleworks/ensemble/pkg/bus"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/config/provider"
	"github.com/ensembleworks/ensemble/pkg/fleet"
	"github.com/ensembleworks/ensemble/pkg/host"
	"github.com/ensembleworks/ensemble/pkg/observability"
	"github.com/ensembleworks/ensemble/pkg/telemetry"
	"github.com/ensembleworks/ensemble/pkg/toolindex"
	"github.com/ensembleworks/ensemble/pkg/tools"
	"github.com/ensembleworks/ensemble/pkg/tools/builtin"
	"github.com/ensembleworks/ensemble/pkg/transport"
)

// ServeCmd starts the daemon: built-in tools, the tool-server fleet, and the
// inbound JSON-RPC server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Watch the config file and reload the fleet on changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	// onChange is assigned after the fleet exists; the watch goroutine only
	// starts after that, so the plain variable is safe.
	var onChange func(*config.Config)
	cfg, loader, err := serveConfig(ctx, cli.Config, func(fresh *config.Config) {
		if onChange != nil {
			onChange(fresh)
		}
	})
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	if c.Port != 0 {
		cfg.Listen.Port = c.Port
	}

	if _, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
		Enabled:     cfg.Observability.TracingEnabled,
		EndpointURL: cfg.Observability.OTLPEndpoint,
		ServiceName: cfg.Observability.ServiceName,
	}); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	metrics, err := observability.InitMetrics(ctx, observability.MetricsConfig{
		Enabled: cfg.Observability.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	observability.SetGlobalMetrics(metrics)

	registry := tools.NewRegistry()
	discovery := registry.Discover(builtin.NewWebModule(), builtin.NewUtilModule())
	slog.Info("Built-in tools registered",
		"domains", discovery.Domains, "tools", discovery.ToolsRegistered)

	index := toolindex.NewService(cfg.StorageDir)
	b := bus.New()

	flt := fleet.New(cfg.Servers,
		fleet.WithBus(b),
		fleet.WithConfigSource(fleetSource(loader, cfg)),
	)
	if err := flt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server fleet: %w", err)
	}
	defer flt.Stop()

	h := host.New(registry, index, cfg.Host, host.WithFleet(flt), host.WithBus(b))
	h.SyncIndex()

	// Reconnected servers may come back with a different tool set.
	b.Subscribe(bus.EventServerConnected, func(bus.Event) { h.SyncIndex() })

	onChange = func(fresh *config.Config) {
		if err := flt.Reload(ctx); err != nil {
			slog.Error("Fleet reload failed", "error", err)
			return
		}
		h.SyncIndex()
	}
	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	go func() {
		err := index.Sessions.WatchCurrentSession(ctx, func(sessionID string) {
			slog.Info("Current session changed", "session", sessionID)
		})
		if err != nil && ctx.Err() == nil {
			slog.Debug("Session watch unavailable", "error", err)
		}
	}()

	validator, err := buildValidator(ctx, cfg.Auth)
	if err != nil {
		return err
	}

	tel := telemetry.New(cfg.Telemetry)
	tel.Record("daemon_started", map[string]any{
		"servers": len(flt.Servers()),
		"tools":   discovery.ToolsRegistered,
	})
	defer func() {
		tel.Record("daemon_stopped", nil)
		tel.Close()
	}()

	srv := transport.NewServer(h, cfg.Listen, validator)

	fmt.Printf("\nensemble daemon ready\n")
	fmt.Printf("   RPC:      http://%s/rpc\n", cfg.Listen.Address())
	fmt.Printf("   Health:   http://%s/health\n", cfg.Listen.Address())
	if cfg.Observability.MetricsEnabled {
		fmt.Printf("   Metrics:  http://%s/metrics\n", cfg.Listen.Address())
	}
	for _, name := range flt.Servers() {
		fmt.Printf("   Server:   %s\n", name)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	// Blocks until the context is cancelled.
	return srv.Start(ctx)
}

// serveConfig is loadConfig plus a reload callback, so --watch can push fresh
// server configs into the fleet.
func serveConfig(ctx context.Context, path string, onChange func(*config.Config)) (*config.Config, *config.Loader, error) {
	if path == "" {
		cfg := &config.Config{}
		cfg.SetDefaults()
		slog.Info("No config file given, using defaults")
		return cfg, nil, nil
	}

	_ = godotenv.Load()

	p, err := provider.New(provider.ProviderConfig{Type: provider.TypeFile, Path: path})
	if err != nil {
		return nil, nil, err
	}

	loader := config.NewLoader(p, config.WithOnChange(onChange))
	cfg, err := loader.Load(ctx)
	if err != nil {
		p.Close()
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.Info("Loaded configuration", "path", path)
	return cfg, loader, nil
}

// fleetSource feeds Reload and Restart fresh server configs. Without a
// loader the startup config is all there is.
func fleetSource(loader *config.Loader, static *config.Config) fleet.ConfigSource {
	return func(ctx context.Context) (map[string]*config.ServerConfig, error) {
		if loader == nil {
			return static.Servers, nil
		}
		fresh, err := loader.Load(ctx)
		if err != nil {
			return nil, err
		}
		return fresh.Servers, nil
	}
}

func buildValidator(ctx context.Context, cfg config.AuthConfig) (*auth.Validator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.JWKSURL != "" {
		v, err := auth.NewJWKSValidator(ctx, cfg.JWKSURL, cfg.Issuer, cfg.Audience)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize JWKS validation: %w", err)
		}
		return v, nil
	}
	return auth.NewSecretValidator(cfg.Secret, cfg.Issuer, cfg.Audience), nil
}
