// bindings.go
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"uiannotate/internal/checkpoint"
	"uiannotate/internal/session"
)

// ===== Checkpoint Bindings =====

// CreateCheckpoint snapshots the session. createdBy and recordID are optional.
func (a *App) CreateCheckpoint(ctx context.Context, name string, description *string, createdBy, recordID string) (*checkpoint.Checkpoint, error) {
	m, err := a.manager()
	if err != nil {
		return nil, err
	}

	var opts []checkpoint.CreateOption
	if createdBy != "" {
		opts = append(opts, checkpoint.WithCreatedBy(createdBy))
	}
	if recordID != "" {
		opts = append(opts, checkpoint.WithRecordID(recordID))
	}
	return m.CreateCheckpoint(ctx, name, description, opts...)
}

// ListCheckpoints returns every checkpoint of the session, newest first
func (a *App) ListCheckpoints(ctx context.Context) ([]checkpoint.Checkpoint, error) {
	m, err := a.manager()
	if err != nil {
		return nil, err
	}
	return m.ListCheckpoints(ctx), nil
}

// GetCheckpoint returns one checkpoint by id
func (a *App) GetCheckpoint(ctx context.Context, checkpointID string) (*checkpoint.Checkpoint, error) {
	m, err := a.manager()
	if err != nil {
		return nil, err
	}
	cp, ok := m.GetCheckpointMetadata(ctx, checkpointID)
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, checkpoint.ErrNotFound)
	}
	return cp, nil
}

// RollbackToCheckpoint restores the session to a checkpoint on behalf of actorID
func (a *App) RollbackToCheckpoint(ctx context.Context, checkpointID, actorID string) (*checkpoint.RollbackResult, error) {
	m, err := a.manager()
	if err != nil {
		return nil, err
	}
	return m.RollbackToCheckpoint(ctx, checkpointID, actorID)
}

// DiffCheckpoint lists what changed in the session since a checkpoint
func (a *App) DiffCheckpoint(ctx context.Context, checkpointID string) (*checkpoint.CheckpointDiff, error) {
	m, err := a.manager()
	if err != nil {
		return nil, err
	}
	return m.DiffCheckpoint(ctx, checkpointID)
}

// ExportCheckpoint writes a checkpoint archive to path
func (a *App) ExportCheckpoint(ctx context.Context, checkpointID, path string) (err error) {
	m, err := a.manager()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = m.ExportCheckpoint(ctx, checkpointID, tmp); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	return nil
}

// ImportCheckpoint adds the checkpoint stored in an archive file
func (a *App) ImportCheckpoint(ctx context.Context, path string) (*checkpoint.Checkpoint, error) {
	m, err := a.manager()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	return m.ImportCheckpoint(ctx, f)
}

// ===== Auto Checkpoint Bindings =====

// StartAutoCheckpoint watches the session and checkpoints it every configured
// number of changes
func (a *App) StartAutoCheckpoint(ctx context.Context) error {
	m, err := a.manager()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.autoCheckpointer != nil {
		return fmt.Errorf("auto checkpoint already running")
	}

	auto, err := checkpoint.NewAutoCheckpointer(m, checkpoint.AutoOptions{
		Interval: a.config.AutoCheckpoint.Interval,
		Debounce: a.config.AutoCheckpoint.Debounce,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	if err := auto.Start(ctx); err != nil {
		return err
	}
	a.autoCheckpointer = auto
	return nil
}

// StopAutoCheckpoint stops a running auto checkpointer
func (a *App) StopAutoCheckpoint() error {
	a.mu.Lock()
	auto := a.autoCheckpointer
	a.autoCheckpointer = nil
	a.mu.Unlock()

	if auto == nil {
		return nil
	}
	return auto.Close()
}

// ===== Session Bindings =====

// SessionSummary describes the live session state
type SessionSummary struct {
	Root     string         `json:"root" yaml:"root"`
	Lineage  string         `json:"lineage" yaml:"lineage"`
	Records  map[string]int `json:"records" yaml:"records"`
	ToolID   string         `json:"toolId" yaml:"toolId"`
	Remote   bool           `json:"remote" yaml:"remote"`
	Database string         `json:"database,omitempty" yaml:"database,omitempty"`
}

// GetSessionSummary counts the records of every tracked log file
func (a *App) GetSessionSummary() (*SessionSummary, error) {
	m, err := a.manager()
	if err != nil {
		return nil, err
	}

	state := session.New(m.SessionRoot())
	lineage, err := state.LineageID()
	if err != nil {
		a.logger.Warn("resolve lineage id", "error", err)
	}

	summary := &SessionSummary{
		Root:     m.SessionRoot(),
		Lineage:  lineage,
		Records:  make(map[string]int),
		ToolID:   a.config.ToolID,
		Remote:   m.RemoteEnabled(),
		Database: a.config.Database.Path,
	}
	for _, name := range session.TrackedFiles {
		if name == session.InfoFile {
			continue
		}
		n, err := state.CountRecords(name)
		if err != nil {
			return nil, err
		}
		summary.Records[name] = n
	}
	return summary, nil
}
