package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ensembleworks/ensemble/pkg/bus"
)

// Status is the connection state of a managed resource.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// State is a snapshot of a Reconnector's connection state.
type State struct {
	Status         Status
	Attempts       int
	LastError      error
	ConnectedAt    time.Time
	DisconnectedAt time.Time
}

// ReconnectorConfig configures a Reconnector for one resource.
type ReconnectorConfig struct {
	// Name identifies the resource in logs and bus events.
	Name string

	// Connect establishes the connection. Required.
	Connect func(ctx context.Context) error

	// HealthCheck, when set, probes the connection at HealthCheckInterval.
	// A failing probe marks the resource disconnected and schedules a
	// reconnect.
	HealthCheck         func(ctx context.Context) error
	HealthCheckInterval time.Duration

	// MaxReconnectAttempts bounds consecutive reconnect attempts before the
	// resource is declared failed. Zero means DefaultPolicy().MaxRetries.
	MaxReconnectAttempts int

	Backoff Policy

	OnConnected    func()
	OnDisconnected func(err error)
	OnReconnecting func(attempt int)

	// Bus, when set, receives server_connected / server_disconnected /
	// server_reconnecting / reconnect_failed events.
	Bus *bus.Bus
}

// Reconnector keeps a long-lived resource connected: it performs the initial
// connect, watches health, and reconnects with backoff after disconnects,
// giving up after MaxReconnectAttempts consecutive failures.
type Reconnector struct {
	cfg ReconnectorConfig

	mu    sync.Mutex
	state State

	trigger chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultPolicy().MaxRetries
	}
	if cfg.Backoff.MaxRetries == 0 {
		cfg.Backoff = DefaultPolicy()
	}
	return &Reconnector{
		cfg:     cfg,
		state:   State{Status: StatusDisconnected},
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start performs the initial connect and launches the supervision loop. The
// returned error reflects the initial connect only; later disconnects are
// handled in the background until ctx is canceled or Close is called.
func (r *Reconnector) Start(ctx context.Context) error {
	err := r.connect(ctx)
	go r.loop(ctx)
	return err
}

// State returns a snapshot of the current connection state.
func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// TriggerReconnect forces a reconnect cycle, including for a resource that
// was declared failed. It is a no-op when one is already queued.
func (r *Reconnector) TriggerReconnect() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// MarkDisconnected records an externally observed disconnect (for example a
// failed request) and schedules a reconnect.
func (r *Reconnector) MarkDisconnected(err error) {
	r.setDisconnected(err)
	r.TriggerReconnect()
}

// Reconnect performs one synchronous connect attempt regardless of the
// current state. Callers use it to revive a resource that was declared
// failed after exhausting automatic attempts.
func (r *Reconnector) Reconnect(ctx context.Context) error {
	return r.connect(ctx)
}

// Close stops the supervision loop.
func (r *Reconnector) Close() {
	r.once.Do(func() { close(r.done) })
}

func (r *Reconnector) connect(ctx context.Context) error {
	r.setStatus(StatusConnecting)

	if err := r.cfg.Connect(ctx); err != nil {
		r.setDisconnected(err)
		return err
	}

	r.mu.Lock()
	r.state.Status = StatusConnected
	r.state.Attempts = 0
	r.state.LastError = nil
	r.state.ConnectedAt = time.Now()
	r.mu.Unlock()

	if r.cfg.OnConnected != nil {
		r.cfg.OnConnected()
	}
	r.publish(bus.EventServerConnected, nil)
	return nil
}

func (r *Reconnector) loop(ctx context.Context) {
	var health <-chan time.Time
	if r.cfg.HealthCheck != nil && r.cfg.HealthCheckInterval > 0 {
		ticker := time.NewTicker(r.cfg.HealthCheckInterval)
		defer ticker.Stop()
		health = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-health:
			if r.State().Status != StatusConnected {
				continue
			}
			if err := r.cfg.HealthCheck(ctx); err != nil {
				slog.Warn("Health check failed", "server", r.cfg.Name, "error", err)
				r.setDisconnected(err)
				r.TriggerReconnect()
			}
		case <-r.trigger:
			r.reconnect(ctx)
		}
	}
}

func (r *Reconnector) reconnect(ctx context.Context) {
	// A trigger out of the failed state starts a fresh attempt budget; only
	// an already-connected resource has nothing to do.
	if r.State().Status == StatusConnected {
		return
	}

	for attempt := 1; attempt <= r.cfg.MaxReconnectAttempts; attempt++ {
		r.mu.Lock()
		r.state.Attempts = attempt
		r.mu.Unlock()

		if r.cfg.OnReconnecting != nil {
			r.cfg.OnReconnecting(attempt)
		}
		r.publish(bus.EventServerReconnecting, attempt)

		if err := r.connect(ctx); err == nil {
			return
		}

		if !sleep(ctx, r.cfg.Backoff.Delay(attempt)) {
			return
		}
	}

	r.mu.Lock()
	r.state.Status = StatusFailed
	lastErr := r.state.LastError
	r.mu.Unlock()

	slog.Error("Reconnect attempts exhausted", "server", r.cfg.Name,
		"attempts", r.cfg.MaxReconnectAttempts, "error", lastErr)
	r.publish(bus.EventReconnectFailed, lastErr)
}

func (r *Reconnector) setStatus(s Status) {
	r.mu.Lock()
	r.state.Status = s
	r.mu.Unlock()
}

func (r *Reconnector) setDisconnected(err error) {
	r.mu.Lock()
	wasConnected := r.state.Status == StatusConnected
	r.state.Status = StatusDisconnected
	r.state.LastError = err
	r.state.DisconnectedAt = time.Now()
	r.mu.Unlock()

	if wasConnected && r.cfg.OnDisconnected != nil {
		r.cfg.OnDisconnected(err)
	}
	r.publish(bus.EventServerDisconnected, err)
}

func (r *Reconnector) publish(event string, payload any) {
	if r.cfg.Bus == nil {
		return
	}
	r.cfg.Bus.Publish(event, map[string]any{"server": r.cfg.Name, "detail": payload})
}
