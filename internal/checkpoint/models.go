// internal/checkpoint/models.go
package checkpoint

import "errors"

var (
	ErrNotFound        = errors.New("checkpoint: not found")
	ErrNoLocalSnapshot = errors.New("checkpoint: no local snapshot")
	ErrRollbackFailed  = errors.New("checkpoint: rollback failed")
	ErrAlreadyExists   = errors.New("checkpoint: already exists")
	ErrRemoteDisabled  = errors.New("checkpoint: remote mirror disabled")
)

// Checkpoint is the metadata of one snapshot of the session state
type Checkpoint struct {
	CheckpointID string  `json:"checkpointId" yaml:"checkpointId"`
	Timestamp    int64   `json:"timestamp" yaml:"timestamp"`
	Name         string  `json:"name" yaml:"name"`
	Description  *string `json:"description" yaml:"description"`
	RecordID     *string `json:"recordId" yaml:"recordId"`
	LocalSuccess bool    `json:"localSuccess" yaml:"localSuccess"`
	DBSuccess    bool    `json:"dbSuccess" yaml:"dbSuccess"`

	// Populated from the remote process row when one exists
	RolledbackBy *string `json:"rolledbackBy,omitempty" yaml:"rolledbackBy,omitempty"`
	CreatedAt    int64   `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	UpdatedAt    int64   `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}

// RollbackResult reports what a rollback restored
type RollbackResult struct {
	CheckpointID         string `json:"checkpointId" yaml:"checkpointId"`
	LocalRollbackSuccess bool   `json:"localRollbackSuccess" yaml:"localRollbackSuccess"`
	DBRollbackSuccess    bool   `json:"dbRollbackSuccess" yaml:"dbRollbackSuccess"`
	BackupFolder         string `json:"backupFolder" yaml:"backupFolder"`
}

// RollbackPhase names a step of the rollback state machine
type RollbackPhase string

const (
	PhaseValidating        RollbackPhase = "validating"
	PhaseBackingUp         RollbackPhase = "backing_up"
	PhaseRestoringLocal    RollbackPhase = "restoring_local"
	PhaseRestoringRemote   RollbackPhase = "restoring_remote"
	PhaseRestoreFromBackup RollbackPhase = "restore_from_backup"
	PhaseDone              RollbackPhase = "done"
	PhaseFailed            RollbackPhase = "failed"
)

// Change statuses, from the checkpoint's point of view towards the live state
const (
	ChangeAdded    = "added"
	ChangeModified = "modified"
	ChangeDeleted  = "deleted"
)

// FileChange is one difference between a checkpoint and the live session
type FileChange struct {
	Path     string `json:"path" yaml:"path"`
	Status   string `json:"status" yaml:"status"`
	FromHash string `json:"fromHash,omitempty" yaml:"fromHash,omitempty"`
	ToHash   string `json:"toHash,omitempty" yaml:"toHash,omitempty"`
}

// CheckpointDiff lists the changes made to the session since a checkpoint
type CheckpointDiff struct {
	CheckpointID string       `json:"checkpointId" yaml:"checkpointId"`
	Changes      []FileChange `json:"changes" yaml:"changes"`
}

// Empty reports whether the live state still matches the checkpoint
func (d *CheckpointDiff) Empty() bool {
	return len(d.Changes) == 0
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
