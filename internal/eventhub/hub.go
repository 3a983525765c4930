package eventhub

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Event names
const (
	CheckpointCreated    = "checkpoint:created"
	CheckpointRolledBack = "checkpoint:rolledback"
	CheckpointImported   = "checkpoint:imported"
)

// Broadcaster delivers events to an operator-facing channel
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// EventHub fans checkpoint events out to the registered broadcasters
type EventHub struct {
	mu           sync.RWMutex
	broadcasters []Broadcaster
}

// New creates an EventHub with no broadcasters
func New() *EventHub {
	return &EventHub{}
}

// AddBroadcaster registers a broadcaster
func (h *EventHub) AddBroadcaster(b Broadcaster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasters = append(h.broadcasters, b)
}

func (h *EventHub) emit(eventName string, payload interface{}) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, b := range h.broadcasters {
		b.BroadcastEvent(eventName, payload)
	}
}

type CheckpointCreatedEvent struct {
	SessionRoot  string `json:"sessionRoot"`
	CheckpointID string `json:"checkpointId"`
	Name         string `json:"name"`
	LocalSuccess bool   `json:"localSuccess"`
	DBSuccess    bool   `json:"dbSuccess"`
	Auto         bool   `json:"auto,omitempty"`
}

func (h *EventHub) EmitCheckpointCreated(event CheckpointCreatedEvent) {
	h.emit(CheckpointCreated, event)
}

type CheckpointRolledBackEvent struct {
	SessionRoot          string `json:"sessionRoot"`
	CheckpointID         string `json:"checkpointId"`
	ActorID              string `json:"actorId,omitempty"`
	LocalRollbackSuccess bool   `json:"localRollbackSuccess"`
	DBRollbackSuccess    bool   `json:"dbRollbackSuccess"`
	BackupFolder         string `json:"backupFolder,omitempty"`
	Error                string `json:"error,omitempty"`
}

func (h *EventHub) EmitCheckpointRolledBack(event CheckpointRolledBackEvent) {
	h.emit(CheckpointRolledBack, event)
}

type CheckpointImportedEvent struct {
	SessionRoot  string `json:"sessionRoot"`
	CheckpointID string `json:"checkpointId"`
}

func (h *EventHub) EmitCheckpointImported(event CheckpointImportedEvent) {
	h.emit(CheckpointImported, event)
}

// LogBroadcaster writes every event to a logger
type LogBroadcaster struct {
	Logger hclog.Logger
}

func (b LogBroadcaster) BroadcastEvent(eventType string, payload interface{}) {
	b.Logger.Info("event", "type", eventType, "payload", hclog.Fmt("%+v", payload))
}
