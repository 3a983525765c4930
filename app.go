// app.go
package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"uiannotate/internal/checkpoint"
	"uiannotate/internal/config"
	"uiannotate/internal/database"
	"uiannotate/internal/eventhub"
	"uiannotate/internal/metrics"
)

// App struct contains the core application state and managers
type App struct {
	ctx    context.Context
	mu     sync.RWMutex
	config *config.Config
	logger hclog.Logger

	// Core managers
	dbManager         *database.Database
	eventHub          *eventhub.EventHub
	metrics           *metrics.Recorder
	checkpointManager *checkpoint.Manager
	autoCheckpointer  *checkpoint.AutoCheckpointer
}

// NewApp creates a new App for the given configuration
func NewApp(cfg *config.Config, logger hclog.Logger) *App {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &App{config: cfg, logger: logger}
}

// Startup opens the remote store and wires the checkpoint engine
func (a *App) Startup(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ctx = ctx
	cfg := a.config

	if err := cfg.EnsureSessionRoot(); err != nil {
		return err
	}

	// Initialize EventHub (before managers that need it)
	a.eventHub = eventhub.New()
	a.eventHub.AddBroadcaster(eventhub.LogBroadcaster{Logger: a.logger.Named("events")})

	a.metrics = metrics.New()

	opts := checkpoint.Options{
		ToolID:      cfg.ToolID,
		Logger:      a.logger,
		Events:      a.eventHub,
		Metrics:     a.metrics,
		LockTimeout: cfg.LockTimeout,
	}

	// Initialize database; an unreachable store degrades to local-only mode
	if cfg.RemoteEnabled() {
		db, err := database.OpenWithTimeout(cfg.Database.Path, cfg.Database.BusyTimeout)
		if err != nil {
			a.logger.Warn("remote store unavailable, running local-only", "path", cfg.Database.Path, "error", err)
		} else {
			a.dbManager = db
			opts.Remote = db
		}
	} else {
		a.logger.Debug("remote store not configured, running local-only")
	}

	a.checkpointManager = checkpoint.NewManager(cfg.SessionRoot, opts)

	a.logger.Info("uiannotate started",
		"session", cfg.SessionRoot,
		"tool", cfg.ToolID,
		"remote", a.checkpointManager.RemoteEnabled())
	return nil
}

// Shutdown stops the auto checkpointer, writes metrics and closes the database
func (a *App) Shutdown(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.autoCheckpointer != nil {
		if err := a.autoCheckpointer.Close(); err != nil {
			a.logger.Warn("close auto checkpointer", "error", err)
		}
		a.autoCheckpointer = nil
	}

	if a.config != nil {
		if err := a.metrics.WriteTextfile(a.config.Metrics.Textfile); err != nil {
			a.logger.Warn("write metrics", "error", err)
		}
	}

	// Close database
	if a.dbManager != nil {
		if err := a.dbManager.Close(); err != nil {
			a.logger.Warn("close database", "error", err)
		}
		a.dbManager = nil
	}

	a.logger.Debug("uiannotate shutdown complete")
}

func (a *App) manager() (*checkpoint.Manager, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.checkpointManager == nil {
		return nil, fmt.Errorf("app not started")
	}
	return a.checkpointManager, nil
}

// SetBroadcaster adds an operator-facing event sink
func (a *App) SetBroadcaster(broadcaster eventhub.Broadcaster) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.eventHub != nil {
		a.eventHub.AddBroadcaster(broadcaster)
	}
}
