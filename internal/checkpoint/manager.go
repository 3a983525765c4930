// internal/checkpoint/manager.go
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"uiannotate/internal/eventhub"
	"uiannotate/internal/metrics"
	"uiannotate/internal/session"
)

// Options configures a Manager. Zero values select local-only mode with a
// null logger.
type Options struct {
	// ToolID scopes remote rows. Empty disables the remote mirror.
	ToolID string
	// Remote is the relational store. Nil disables the remote mirror.
	Remote RemoteStore

	Logger  hclog.Logger
	Events  *eventhub.EventHub
	Metrics *metrics.Recorder

	// LockTimeout bounds the wait for the per-session lock. Zero waits until
	// the caller's context is done.
	LockTimeout time.Duration
}

// Manager creates, lists and rolls back checkpoints of one session
type Manager struct {
	state  *session.State
	local  *LocalStore
	index  *Index
	mirror *Mirror

	logger      hclog.Logger
	events      *eventhub.EventHub
	metrics     *metrics.Recorder
	lockTimeout time.Duration
	now         func() time.Time
}

// NewManager creates a checkpoint manager for the session rooted at sessionRoot
func NewManager(sessionRoot string, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("checkpoint")

	state := session.New(sessionRoot)
	local := NewLocalStore(state)

	return &Manager{
		state:       state,
		local:       local,
		index:       NewIndex(filepath.Join(local.Dir(), indexFileName), logger),
		mirror:      NewMirror(opts.Remote, opts.ToolID, logger.Named("mirror")),
		logger:      logger,
		events:      opts.Events,
		metrics:     opts.Metrics,
		lockTimeout: opts.LockTimeout,
		now:         time.Now,
	}
}

// SessionRoot returns the root of the managed session
func (m *Manager) SessionRoot() string {
	return m.state.Root()
}

// RemoteEnabled reports whether checkpoints are mirrored to the remote store
func (m *Manager) RemoteEnabled() bool {
	return m.mirror.Enabled()
}

func (m *Manager) lock(ctx context.Context) (func(), error) {
	if m.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.lockTimeout)
		defer cancel()
	}
	return acquireSession(ctx, m.state.Root())
}

type createOptions struct {
	recordID  *string
	createdBy string
	auto      bool
}

// CreateOption customizes CreateCheckpoint
type CreateOption func(*createOptions)

// WithRecordID overrides the lineage id derived from info.json
func WithRecordID(recordID string) CreateOption {
	return func(o *createOptions) {
		o.recordID = &recordID
	}
}

// WithCreatedBy records the operator that created the checkpoint
func WithCreatedBy(actorID string) CreateOption {
	return func(o *createOptions) {
		o.createdBy = actorID
	}
}

func withAuto() CreateOption {
	return func(o *createOptions) {
		o.auto = true
	}
}

// CreateCheckpoint snapshots the session state locally and, when configured,
// into the remote history tables. The index is updated even when a step fails.
// A local snapshot failure is returned together with the recorded checkpoint;
// a remote failure only leaves DBSuccess false.
func (m *Manager) CreateCheckpoint(ctx context.Context, name string, description *string, opts ...CreateOption) (*Checkpoint, error) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := m.now()
	defer m.metrics.ObserveDuration("create", start)

	cp := Checkpoint{
		CheckpointID: uuid.New().String(),
		Timestamp:    start.UnixMilli(),
		Name:         name,
		Description:  description,
		RecordID:     m.resolveRecordID(o.recordID),
	}

	var localErr error
	if err := m.local.Snapshot(ctx, cp.CheckpointID); err != nil {
		localErr = fmt.Errorf("snapshot local: %w", err)
		m.logger.Error("local snapshot failed", "checkpoint", cp.CheckpointID, "error", err)
	} else {
		cp.LocalSuccess = true
	}

	if m.mirror.Enabled() {
		if err := m.mirror.Snapshot(ctx, cp, o.createdBy); err != nil {
			m.logger.Warn("remote snapshot failed", "checkpoint", cp.CheckpointID, "error", err)
		} else {
			cp.DBSuccess = true
		}
	}

	if err := m.index.RecordUpdate(cp); err != nil {
		return &cp, errors.Join(localErr, fmt.Errorf("record checkpoint: %w", err))
	}

	m.metrics.CheckpointCreated(cp.LocalSuccess, cp.DBSuccess)
	m.events.EmitCheckpointCreated(eventhub.CheckpointCreatedEvent{
		SessionRoot:  m.state.Root(),
		CheckpointID: cp.CheckpointID,
		Name:         cp.Name,
		LocalSuccess: cp.LocalSuccess,
		DBSuccess:    cp.DBSuccess,
		Auto:         o.auto,
	})

	m.logger.Info("checkpoint created",
		"checkpoint", cp.CheckpointID,
		"name", cp.Name,
		"local", cp.LocalSuccess,
		"db", cp.DBSuccess)

	return &cp, localErr
}

// resolveRecordID returns the override, else the lineage id of the session.
// An unreadable info.json yields no lineage.
func (m *Manager) resolveRecordID(override *string) *string {
	if override != nil {
		return stringPtr(*override)
	}
	id, err := m.state.LineageID()
	if err != nil {
		m.logger.Warn("resolve lineage id", "error", err)
		return nil
	}
	return stringPtr(id)
}

// ListCheckpoints returns the local index merged with the remote process rows,
// newest first. It never fails: index or remote problems degrade the list.
func (m *Manager) ListCheckpoints(ctx context.Context) []Checkpoint {
	local := m.index.Load()

	if !m.mirror.Enabled() {
		sortNewestFirst(local)
		return local
	}

	lineage, err := m.state.LineageID()
	if err != nil || lineage == "" {
		if err != nil {
			m.logger.Warn("resolve lineage id", "error", err)
		}
		sortNewestFirst(local)
		return local
	}

	remote, err := m.mirror.List(ctx, lineage)
	if err != nil {
		m.logger.Warn("list remote checkpoints", "error", err)
		sortNewestFirst(local)
		return local
	}

	return MergeRemote(local, remote)
}

// GetCheckpointMetadata finds a checkpoint in the merged list
func (m *Manager) GetCheckpointMetadata(ctx context.Context, checkpointID string) (*Checkpoint, bool) {
	for _, cp := range m.ListCheckpoints(ctx) {
		if cp.CheckpointID == checkpointID {
			found := cp
			return &found, true
		}
	}
	return nil, false
}

// RollbackToCheckpoint makes the session state equal to a checkpoint. The
// current state is backed up first and restored if the local restore fails;
// the error then wraps ErrRollbackFailed and the cause. A remote failure
// leaves DBRollbackSuccess false without undoing the local restore.
func (m *Manager) RollbackToCheckpoint(ctx context.Context, checkpointID, actorID string) (*RollbackResult, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := m.now()
	defer m.metrics.ObserveDuration("rollback", start)

	phase := func(p RollbackPhase, args ...interface{}) {
		m.logger.Debug("rollback", append([]interface{}{"checkpoint", checkpointID, "phase", p}, args...)...)
	}

	phase(PhaseValidating)
	cp, ok := m.GetCheckpointMetadata(ctx, checkpointID)
	if !ok {
		m.metrics.RollbackFinished(metrics.RollbackRejected)
		return nil, fmt.Errorf("rollback %s: %w", checkpointID, ErrNotFound)
	}
	if !cp.LocalSuccess {
		m.metrics.RollbackFinished(metrics.RollbackRejected)
		return nil, fmt.Errorf("rollback %s: %w", checkpointID, ErrNoLocalSnapshot)
	}

	result := &RollbackResult{CheckpointID: checkpointID}

	phase(PhaseBackingUp)
	backup, err := m.local.Backup(ctx)
	if err != nil {
		m.logger.Warn("backup before rollback failed", "checkpoint", checkpointID, "dir", backup, "error", err)
	} else {
		result.BackupFolder = backup
	}

	phase(PhaseRestoringLocal)
	if err := m.local.Restore(ctx, checkpointID); err != nil {
		m.recoverFromBackup(ctx, checkpointID, result.BackupFolder)
		phase(PhaseFailed, "error", err)

		m.metrics.RollbackFinished(metrics.RollbackFailed)
		m.events.EmitCheckpointRolledBack(eventhub.CheckpointRolledBackEvent{
			SessionRoot:  m.state.Root(),
			CheckpointID: checkpointID,
			ActorID:      actorID,
			BackupFolder: result.BackupFolder,
			Error:        err.Error(),
		})
		return result, fmt.Errorf("%w: %w", ErrRollbackFailed, err)
	}
	result.LocalRollbackSuccess = true

	if m.mirror.Enabled() && cp.DBSuccess {
		phase(PhaseRestoringRemote)
		recordID := deref(cp.RecordID)
		if recordID == "" {
			recordID, _ = m.state.LineageID()
		}
		if err := m.mirror.Restore(ctx, checkpointID, recordID, actorID); err != nil {
			m.logger.Warn("remote rollback failed", "checkpoint", checkpointID, "error", err)
		} else {
			result.DBRollbackSuccess = true
		}
	}

	phase(PhaseDone)

	outcome := metrics.RollbackOK
	if m.mirror.Enabled() && cp.DBSuccess && !result.DBRollbackSuccess {
		outcome = metrics.RollbackPartial
	}
	m.metrics.RollbackFinished(outcome)
	m.events.EmitCheckpointRolledBack(eventhub.CheckpointRolledBackEvent{
		SessionRoot:          m.state.Root(),
		CheckpointID:         checkpointID,
		ActorID:              actorID,
		LocalRollbackSuccess: result.LocalRollbackSuccess,
		DBRollbackSuccess:    result.DBRollbackSuccess,
		BackupFolder:         result.BackupFolder,
	})

	m.logger.Info("rolled back",
		"checkpoint", checkpointID,
		"actor", actorID,
		"db", result.DBRollbackSuccess,
		"backup", result.BackupFolder)

	return result, nil
}

func (m *Manager) recoverFromBackup(ctx context.Context, checkpointID, backup string) {
	if backup == "" {
		m.logger.Error("local rollback failed and no backup is available", "checkpoint", checkpointID)
		return
	}

	m.logger.Debug("rollback", "checkpoint", checkpointID, "phase", PhaseRestoreFromBackup, "backup", backup)
	// The caller's context may be what failed the restore
	if err := m.local.RestoreBackup(context.WithoutCancel(ctx), backup); err != nil {
		m.logger.Error("restore from backup failed", "checkpoint", checkpointID, "backup", backup, "error", err)
	}
}

// DiffCheckpoint lists the changes made to the session since a checkpoint
func (m *Manager) DiffCheckpoint(ctx context.Context, checkpointID string) (*CheckpointDiff, error) {
	cp, ok := m.GetCheckpointMetadata(ctx, checkpointID)
	if !ok {
		return nil, fmt.Errorf("diff %s: %w", checkpointID, ErrNotFound)
	}
	if !cp.LocalSuccess {
		return nil, fmt.Errorf("diff %s: %w", checkpointID, ErrNoLocalSnapshot)
	}

	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := m.now()
	defer m.metrics.ObserveDuration("diff", start)

	diff, err := m.local.Diff(checkpointID)
	if err != nil {
		return nil, fmt.Errorf("diff %s: %w", checkpointID, err)
	}
	return diff, nil
}
