package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/pkg/config/provider"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ensemble.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func loadConfig(t *testing.T, content string) *Config {
	t.Helper()
	p, err := provider.NewFileProvider(writeConfig(t, content))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	cfg, err := NewLoader(p).Load(context.Background())
	require.NoError(t, err)
	return cfg
}

func TestLoadServers(t *testing.T) {
	cfg := loadConfig(t, `
servers:
  jira:
    command: node
    args: ["servers/jira.js"]
    env:
      JIRA_URL: https://jira.example.com
    timeout_ms: 8000
    retry:
      max_retries: 5
      initial_delay: 500ms
      max_delay: 10s
      backoff_factor: 1.5
      jitter: true
      auto_reconnect: true
      health_check_interval: 30s
  portal:
    type: remote
    url: https://portal.example.com/mcp
    headers:
      Authorization: Bearer token
`)

	jira := cfg.Servers["jira"]
	require.NotNil(t, jira)
	assert.Equal(t, ServerTypeLocal, jira.Type)
	assert.True(t, jira.IsEnabled())
	assert.Equal(t, 8*time.Second, jira.Timeout())
	assert.Equal(t, 5, jira.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, jira.Retry.InitialDelay)
	assert.Equal(t, 1.5, jira.Retry.BackoffFactor)
	assert.True(t, jira.Retry.AutoReconnect)
	assert.Equal(t, 30*time.Second, jira.Retry.HealthCheckInterval)

	portal := cfg.Servers["portal"]
	require.NotNil(t, portal)
	assert.Equal(t, ServerTypeRemote, portal.Type)
	assert.Equal(t, 5*time.Second, portal.Timeout())
}

func TestServerTypeInferredFromURL(t *testing.T) {
	cfg := loadConfig(t, `
servers:
  portal:
    url: https://portal.example.com/sse
`)
	assert.Equal(t, ServerTypeRemote, cfg.Servers["portal"].Type)
}

func TestRetryDefaults(t *testing.T) {
	cfg := loadConfig(t, `
servers:
  echo:
    command: echo
`)
	r := cfg.Servers["echo"].Retry
	assert.Equal(t, 3, r.MaxRetries)
	assert.Equal(t, time.Second, r.InitialDelay)
	assert.Equal(t, 30*time.Second, r.MaxDelay)
	assert.Equal(t, 2.0, r.BackoffFactor)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("ENSEMBLE_TEST_TOKEN", "secret-token")
	os.Unsetenv("ENSEMBLE_TEST_MISSING")

	cfg := loadConfig(t, `
servers:
  portal:
    type: remote
    url: ${ENSEMBLE_TEST_MISSING:-https://fallback.example.com}
    headers:
      Authorization: Bearer ${ENSEMBLE_TEST_TOKEN}
`)

	portal := cfg.Servers["portal"]
	assert.Equal(t, "https://fallback.example.com", portal.URL)
	assert.Equal(t, "Bearer secret-token", portal.Headers["Authorization"])
}

func TestDefaultsApplied(t *testing.T) {
	cfg := loadConfig(t, `{}`)

	assert.Equal(t, "127.0.0.1:8700", cfg.Listen.Address())
	assert.Equal(t, ".ensemble", cfg.StorageDir)
	assert.Equal(t, "default", cfg.ProjectID)
	assert.Equal(t, "generalist", cfg.Orchestrator.BaseAgent)
	assert.True(t, cfg.Orchestrator.SkipOnErrorEnabled())
	assert.True(t, cfg.Host.LazyToolsEnabled())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "ensemble", cfg.Observability.ServiceName)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"local without command", "servers:\n  bad:\n    type: local\n"},
		{"remote without url", "servers:\n  bad:\n    type: remote\n"},
		{"bad scheme", "servers:\n  bad:\n    type: remote\n    url: ftp://x\n"},
		{"auth without keys", "auth:\n  enabled: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := provider.NewFileProvider(writeConfig(t, tt.content))
			require.NoError(t, err)
			defer p.Close()

			_, err = NewLoader(p).Load(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestWatchSignalsOnChange(t *testing.T) {
	path := writeConfig(t, "servers: {}\n")
	p, err := provider.NewFileProvider(path)
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 1)
	loader := NewLoader(p, WithOnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	}))

	go func() { _ = loader.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("servers:\n  echo:\n    command: echo\n"), 0o644))

	select {
	case cfg := <-changed:
		assert.Contains(t, cfg.Servers, "echo")
	case <-time.After(3 * time.Second):
		t.Fatal("no config change observed")
	}
}
