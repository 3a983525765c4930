// internal/checkpoint/mirror.go
package checkpoint

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"uiannotate/internal/database"
)

// RemoteStore is the relational side of a checkpoint. *database.Database
// implements it; each call is expected to be atomic.
type RemoteStore interface {
	SnapshotShadow(ctx context.Context, snap database.ShadowSnapshot) error
	RestoreShadow(ctx context.Context, checkpointID, toolID, recordID, actorID string) error
	ListProcesses(ctx context.Context, toolID, recordID string) ([]*database.Process, error)
}

// Mirror scopes a RemoteStore to one tool identity. Without a store or a tool
// identity every call returns ErrRemoteDisabled.
type Mirror struct {
	store  RemoteStore
	toolID string
	logger hclog.Logger
}

// NewMirror creates a mirror for the given tool identity
func NewMirror(store RemoteStore, toolID string, logger hclog.Logger) *Mirror {
	return &Mirror{store: store, toolID: toolID, logger: logger}
}

// Enabled reports whether remote mirroring is configured
func (m *Mirror) Enabled() bool {
	return m != nil && m.store != nil && m.toolID != ""
}

// Snapshot copies the published rows of the tool/lineage into the history tables
func (m *Mirror) Snapshot(ctx context.Context, cp Checkpoint, createdBy string) error {
	if !m.Enabled() {
		return ErrRemoteDisabled
	}

	err := m.store.SnapshotShadow(ctx, database.ShadowSnapshot{
		CheckpointID: cp.CheckpointID,
		Name:         cp.Name,
		Description:  cp.Description,
		CreatedBy:    createdBy,
		ToolID:       m.toolID,
		RecordID:     deref(cp.RecordID),
	})
	if err != nil {
		return fmt.Errorf("mirror checkpoint %s: %w", cp.CheckpointID, err)
	}
	m.logger.Debug("mirrored checkpoint", "checkpoint", cp.CheckpointID, "tool", m.toolID)
	return nil
}

// Restore republishes the rows captured for a checkpoint
func (m *Mirror) Restore(ctx context.Context, checkpointID, recordID, actorID string) error {
	if !m.Enabled() {
		return ErrRemoteDisabled
	}

	if err := m.store.RestoreShadow(ctx, checkpointID, m.toolID, recordID, actorID); err != nil {
		return fmt.Errorf("restore mirror %s: %w", checkpointID, err)
	}
	m.logger.Debug("restored mirror", "checkpoint", checkpointID, "tool", m.toolID, "actor", actorID)
	return nil
}

// List returns the remote process rows of the tool/lineage pair
func (m *Mirror) List(ctx context.Context, recordID string) ([]*database.Process, error) {
	if !m.Enabled() {
		return nil, ErrRemoteDisabled
	}
	return m.store.ListProcesses(ctx, m.toolID, recordID)
}
