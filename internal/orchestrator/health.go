package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultProbeTimeout limits a single health ping.
const defaultProbeTimeout = 10 * time.Second

// probeFunc checks whether a server answers. Return nil if healthy.
type probeFunc func(ctx context.Context) error

// healthConfig configures a health watcher.
type healthConfig struct {
	Name         string
	Probe        probeFunc
	Interval     time.Duration
	ProbeTimeout time.Duration

	// OnDown is called when the server stops answering. Called in a
	// separate goroutine.
	OnDown func(err error)

	// OnRecovered is called when an unhealthy server answers again.
	// Called in a separate goroutine.
	OnRecovered func()

	Logger *slog.Logger
}

// HealthStatus is the last known health of a Ready server.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// healthWatcher pings a Ready server at a fixed interval and reports
// transitions between healthy and unhealthy. A server is assumed
// healthy when the watcher starts, since it has just completed its
// handshake.
type healthWatcher struct {
	config  healthConfig
	healthy atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// watchHealth starts a watcher that runs until ctx is cancelled or
// stop is called.
func watchHealth(ctx context.Context, cfg healthConfig) *healthWatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &healthWatcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.healthy.Store(true)
	go w.run(watchCtx)
	return w
}

// Status returns the current health status.
func (w *healthWatcher) Status() HealthStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := HealthStatus{
		Healthy:   w.healthy.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// stop cancels the watcher and waits for its goroutine to exit.
func (w *healthWatcher) stop() {
	w.cancel()
	<-w.done
}

func (w *healthWatcher) run(ctx context.Context) {
	defer close(w.done)

	logger := w.config.Logger
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			w.recordResult(err)
			wasHealthy := w.healthy.Load()

			switch {
			case wasHealthy && err != nil:
				w.healthy.Store(false)
				logger.Warn("MCP server stopped answering pings",
					"mcp_server", w.config.Name,
					"error", err,
				)
				if w.config.OnDown != nil {
					go w.config.OnDown(err)
				}
			case !wasHealthy && err == nil:
				w.healthy.Store(true)
				logger.Info("MCP server answering pings again",
					"mcp_server", w.config.Name,
				)
				if w.config.OnRecovered != nil {
					go w.config.OnRecovered()
				}
			case err != nil:
				logger.Debug("MCP server still not answering pings",
					"mcp_server", w.config.Name,
					"error", err,
				)
			}
		}
	}
}

// probe calls the configured probeFunc with a timeout.
func (w *healthWatcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func (w *healthWatcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}
