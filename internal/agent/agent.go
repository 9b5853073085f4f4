// Package agent contains the FISML agent orchestrator for the watch
// subcommand. It wires together the live Watcher, the event Store, and the
// optional metrics registry, managing their lifecycle through a shared
// context.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fisml/agent/internal/config"
	"github.com/fisml/agent/internal/ledger"
	"github.com/fisml/agent/internal/metrics"
)

// Watcher is the subset of watcher.Watcher the agent depends on, named here
// so the agent package can be tested against a fake without importing the
// concrete fsnotify-backed implementation.
type Watcher interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan ledger.EventRecord
}

// Agent is the central orchestrator of the FISML watch subcommand. It
// starts and supervises the live Watcher and optional metrics registry.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	watcher Watcher
	metrics *metrics.Registry

	startTime time.Time
	cancel    context.CancelFunc

	mu          sync.RWMutex
	lastEventAt time.Time
	eventCount  int64
	running     bool
	wg          sync.WaitGroup
}

// New creates a new Agent. Provide the watcher and an optional metrics
// registry via the functional options returned by WithWatcher and
// WithMetrics.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithWatcher registers the live watcher component.
func WithWatcher(w Watcher) Option {
	return func(a *Agent) { a.watcher = w }
}

// WithMetrics registers the Prometheus metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(a *Agent) { a.metrics = m }
}

// Start initialises and starts the watcher using the provided context. On
// success, an internal goroutine processes watcher notifications until Stop
// is called or ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting fisml agent",
		slog.String("db_path", a.cfg.DBPath),
		slog.String("log_level", a.cfg.LogLevel),
		slog.String("health_addr", a.cfg.HealthAddr),
		slog.Int("num_paths", len(a.cfg.Paths)),
	)

	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			cancel()
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			return fmt.Errorf("agent: watcher failed to start: %w", err)
		}
		a.wg.Add(1)
		go a.processEvents(ctx)
	}

	a.logger.Info("fisml agent started")
	return nil
}

// Stop signals the watcher to shut down and waits for internal goroutines
// to exit. It is safe to call multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.wg.Wait()

	a.logger.Info("fisml agent stopped")
}

func (a *Agent) processEvents(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-a.watcher.Events():
			if !ok {
				return
			}
			a.handleEvent(rec)
		}
	}
}

func (a *Agent) handleEvent(rec ledger.EventRecord) {
	a.mu.Lock()
	a.lastEventAt = rec.Timestamp
	a.eventCount++
	a.mu.Unlock()

	a.logger.Info("event recorded",
		slog.Int64("id", rec.ID),
		slog.String("path", rec.Path),
		slog.String("kind", string(rec.Kind)),
		slog.Int("secret_count", rec.SecretCount),
	)

	if a.metrics != nil {
		a.metrics.IncEvent(rec.Kind)
		a.metrics.AddSecrets(rec.SecretCount)
	}
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	EventCount  int64   `json:"event_count"`
	LastEventAt string  `json:"last_event_at,omitempty"`
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := HealthStatus{
		Status:     "ok",
		UptimeS:    time.Since(a.startTime).Seconds(),
		EventCount: a.eventCount,
	}
	if !a.lastEventAt.IsZero() {
		h.LastEventAt = a.lastEventAt.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's
// health status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}

// MetricsHandler returns the /metrics handler when metrics are enabled, or
// nil otherwise.
func (a *Agent) MetricsHandler() http.Handler {
	if a.metrics == nil {
		return nil
	}
	return a.metrics.Handler()
}
