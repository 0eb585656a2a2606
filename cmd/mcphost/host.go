package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/inventory"
	"github.com/nugget/mcphost/internal/mqtt"
	"github.com/nugget/mcphost/internal/orchestrator"
	"github.com/nugget/mcphost/internal/paths"
)

// shutdownTimeout bounds draining event consumers and the MQTT
// farewell on exit.
const shutdownTimeout = 5 * time.Second

// host wires the orchestrator to its event consumers: the inventory
// recorder and the MQTT publisher. Consumers subscribe before any
// server launches so no event is missed.
type host struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus
	orch   *orchestrator.Orchestrator

	db  *sql.DB
	pub *mqtt.Publisher

	subs       []<-chan events.Event
	consumers  sync.WaitGroup
	mqttCancel context.CancelFunc
}

// startHost builds the host and launches every enabled server. With
// health enabled, Ready servers are pinged on the configured interval.
func startHost(ctx context.Context, cfg *config.Config, logger *slog.Logger, health bool) (*host, error) {
	h := &host{
		cfg:    cfg,
		logger: logger,
		bus:    events.New(),
	}

	dataDir := paths.ExpandHome(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}

	// --- Inventory ---
	// Every list result and state change is cached so "mcphost
	// inventory" can answer without launching servers.
	if cfg.Inventory.Enabled {
		store, db, err := openInventory(cfg)
		if err != nil {
			return nil, err
		}
		h.db = db
		rec := inventory.NewRecorder(store, logger)
		ch := rec.Subscribe(h.bus)
		h.subs = append(h.subs, ch)
		h.consumers.Add(1)
		go func() {
			defer h.consumers.Done()
			// Writes must finish even while shutting down; the loop
			// ends when the subscription is closed.
			rec.Run(context.WithoutCancel(ctx), ch)
		}()
		logger.Info("inventory opened", "driver", cfg.Inventory.Driver, "path", paths.ExpandHome(cfg.Inventory.Path))
	}

	// --- MQTT ---
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(dataDir)
		if err != nil {
			h.closeDB()
			return nil, err
		}
		h.pub = mqtt.New(cfg.MQTT, instanceID, logger)
		ch := h.pub.Subscribe(h.bus)
		h.subs = append(h.subs, ch)

		var mqttCtx context.Context
		mqttCtx, h.mqttCancel = context.WithCancel(context.WithoutCancel(ctx))
		h.consumers.Add(1)
		go func() {
			defer h.consumers.Done()
			if err := h.pub.Start(mqttCtx, ch); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publisher started", "broker", cfg.MQTT.Broker, "topic_prefix", cfg.MQTT.TopicPrefix)
	}

	// --- Orchestrator ---
	opts := orchestrator.Options{
		InitTimeout: cfg.MCP.InitTimeout,
		Bus:         h.bus,
		Resolver:    paths.New(cfg.Paths),
		Logger:      logger,
	}
	if health {
		opts.HealthInterval = cfg.MCP.HealthInterval
	}
	orch, err := orchestrator.New(cfg.EnabledServers(), opts)
	if err != nil {
		h.stopConsumers()
		return nil, fmt.Errorf("configure MCP servers: %w", err)
	}
	h.orch = orch
	orch.Launch(ctx)

	return h, nil
}

// wait blocks until every server is Ready or Failed, or ctx is done.
func (h *host) wait(ctx context.Context) error {
	return h.orch.Wait(ctx)
}

// close stops every server, drains the event consumers and closes the
// inventory.
func (h *host) close() error {
	err := h.orch.Shutdown()
	h.stopConsumers()
	return err
}

func (h *host) stopConsumers() {
	for _, ch := range h.subs {
		h.bus.Unsubscribe(ch)
	}

	drained := make(chan struct{})
	go func() {
		h.consumers.Wait()
		close(drained)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	select {
	case <-drained:
	case <-ctx.Done():
		h.logger.Warn("event consumers did not drain before shutdown timeout")
	}

	if h.pub != nil {
		if err := h.pub.Stop(ctx); err != nil {
			h.logger.Warn("mqtt disconnect failed", "error", err)
		}
		h.mqttCancel()
	}
	h.closeDB()
}

func (h *host) closeDB() {
	if h.db == nil {
		return
	}
	if err := h.db.Close(); err != nil {
		h.logger.Warn("close inventory failed", "error", err)
	}
	h.db = nil
}

// openInventory opens the configured inventory database.
func openInventory(cfg *config.Config) (*inventory.Store, *sql.DB, error) {
	if !cfg.Inventory.Enabled {
		return nil, nil, errors.New("inventory is not enabled (set inventory.enabled in config)")
	}
	db, err := inventory.Open(cfg.Inventory.Driver, paths.ExpandHome(cfg.Inventory.Path))
	if err != nil {
		return nil, nil, err
	}
	store, err := inventory.NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}
