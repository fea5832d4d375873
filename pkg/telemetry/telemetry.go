// Package telemetry sends fire-and-forget lifecycle pings to the portal.
// Pings never block callers and never surface errors; the whole package is a
// no-op when the user opted out or no stable machine id can be derived.
package telemetry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/httpclient"
)

const (
	requestTimeout = 5 * time.Second
	closeTimeout   = 3 * time.Second
)

// machineIDFiles are probed in order for a stable host identifier.
var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// Event is one lifecycle ping.
type Event struct {
	Name       string         `json:"name"`
	MachineID  string         `json:"machineId"`
	InstanceID string         `json:"instanceId"`
	Timestamp  time.Time      `json:"timestamp"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Client posts lifecycle events. A disabled client swallows everything.
type Client struct {
	endpoint   string
	enabled    bool
	machineID  string
	instanceID string
	http       *httpclient.Client

	wg sync.WaitGroup
}

// New builds a telemetry client from configuration and the environment.
// DO_NOT_TRACK, a CI environment, an explicit config opt-out, a missing
// endpoint, or an unobtainable machine id all disable it.
func New(cfg config.TelemetryConfig) *Client {
	c := &Client{
		endpoint:   cfg.Endpoint,
		instanceID: uuid.NewString(),
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: requestTimeout}),
			httpclient.WithMaxRetries(0),
		),
	}

	c.enabled = optedIn(cfg) && c.endpoint != ""
	if c.enabled {
		c.machineID = machineID()
		if c.machineID == "" {
			slog.Debug("No stable machine id, telemetry disabled")
			c.enabled = false
		}
	}
	return c
}

// InstanceID returns the per-process correlation id sent with every ping.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// Enabled reports whether pings will actually be sent.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Record sends one ping in the background. It never blocks and never fails.
func (c *Client) Record(name string, properties map[string]any) {
	if !c.enabled {
		return
	}

	ev := Event{
		Name:       name,
		MachineID:  c.machineID,
		InstanceID: c.instanceID,
		Timestamp:  time.Now(),
		Properties: properties,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.post(ev)
	}()
}

func (c *Client) post(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-instance-id", c.instanceID)

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Debug("Telemetry ping failed", "event", ev.Name, "error", err)
		return
	}
	resp.Body.Close()
}

// Close waits briefly for in-flight pings, then gives up.
func (c *Client) Close() {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
	}
}

// optedIn applies the opt-out precedence: explicit config, then DO_NOT_TRACK,
// then CI.
func optedIn(cfg config.TelemetryConfig) bool {
	if cfg.Enabled != nil && !*cfg.Enabled {
		return false
	}
	if v := os.Getenv("DO_NOT_TRACK"); v != "" && v != "0" {
		return false
	}
	if v := os.Getenv("CI"); v != "" && !strings.EqualFold(v, "false") {
		return false
	}
	return true
}

// machineID derives a stable, non-reversible host identifier, or "" when the
// host offers nothing to derive it from.
func machineID() string {
	var raw string
	for _, path := range machineIDFiles {
		if data, err := os.ReadFile(path); err == nil {
			if s := strings.TrimSpace(string(data)); s != "" {
				raw = s
				break
			}
		}
	}
	if raw == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			return ""
		}
		raw = host
	}

	sum := sha256.Sum256([]byte("ensemble:" + raw))
	return hex.EncodeToString(sum[:])[:16]
}
