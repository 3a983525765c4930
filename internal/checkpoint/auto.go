// internal/checkpoint/auto.go
package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"uiannotate/internal/eventhub"
	"uiannotate/internal/session"
	"uiannotate/internal/watcher"
)

const autoNamePrefix = "auto-"

// AutoOptions configures an AutoCheckpointer
type AutoOptions struct {
	// Interval is the number of settled changes between two checkpoints
	Interval int
	Debounce time.Duration
	Logger   hclog.Logger
}

// AutoCheckpointer creates a checkpoint named auto-<n> after every Interval
// debounced changes to the tracked files or images of a session
type AutoCheckpointer struct {
	manager  *Manager
	interval int
	debounce time.Duration
	logger   hclog.Logger

	mu         sync.Mutex
	closed     bool
	changes    int
	seq        int
	quietUntil time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	watcher    *watcher.Watcher
	wg         sync.WaitGroup
}

// NewAutoCheckpointer creates an auto checkpointer for the manager's session
func NewAutoCheckpointer(m *Manager, opts AutoOptions) (*AutoCheckpointer, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("auto checkpoint interval must be positive, got %d", opts.Interval)
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &AutoCheckpointer{
		manager:  m,
		interval: opts.Interval,
		debounce: opts.Debounce,
		logger:   logger.Named("auto"),
	}, nil
}

// Start watches the session root and the image directory until ctx is done
// or Close is called
func (a *AutoCheckpointer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("auto checkpointer is closed")
	}
	if a.watcher != nil {
		return fmt.Errorf("auto checkpointer already started")
	}

	a.seq = lastAutoSeq(a.manager.ListCheckpoints(ctx))

	w, err := watcher.WatchSession(a.manager.SessionRoot(), a.manager.state.ImagesPath(), session.TrackedFiles,
		watcher.Options{Debounce: a.debounce, Logger: a.logger}, a.observe)
	if err != nil {
		return fmt.Errorf("watch session: %w", err)
	}
	if err := w.Start(); err != nil {
		w.Close()
		return err
	}

	a.ctx, a.cancel = context.WithCancel(ctx)
	a.watcher = w
	if a.manager.events != nil {
		a.manager.events.AddBroadcaster(a)
	}

	a.logger.Info("auto checkpoint started", "session", a.manager.SessionRoot(), "interval", a.interval)
	return nil
}

// Close stops watching and waits for an in-flight checkpoint
func (a *AutoCheckpointer) Close() error {
	a.mu.Lock()
	w := a.watcher
	cancel := a.cancel
	a.watcher = nil
	a.closed = true
	a.mu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	cancel()
	a.wg.Wait()
	return err
}

// Pending returns the number of changes counted since the last checkpoint
func (a *AutoCheckpointer) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.changes
}

func (a *AutoCheckpointer) observe(_ watcher.Event) {
	a.mu.Lock()
	if a.closed || time.Now().Before(a.quietUntil) {
		a.mu.Unlock()
		return
	}
	a.changes++
	if a.changes < a.interval {
		a.mu.Unlock()
		return
	}
	a.changes = 0
	a.seq++
	name := autoNamePrefix + strconv.Itoa(a.seq)
	ctx := a.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	a.wg.Add(1)
	a.mu.Unlock()

	defer a.wg.Done()
	if ctx.Err() != nil {
		return
	}
	if _, err := a.manager.CreateCheckpoint(ctx, name, nil, withAuto()); err != nil {
		a.logger.Warn("auto checkpoint failed", "name", name, "error", err)
	}
}

// BroadcastEvent resets the change counter when the session gets a checkpoint
// or is rolled back. Writes made by a rollback are not counted.
func (a *AutoCheckpointer) BroadcastEvent(eventType string, payload interface{}) {
	switch ev := payload.(type) {
	case eventhub.CheckpointCreatedEvent:
		if ev.SessionRoot != a.manager.SessionRoot() {
			return
		}
		a.mu.Lock()
		a.changes = 0
		a.mu.Unlock()
	case eventhub.CheckpointRolledBackEvent:
		if ev.SessionRoot != a.manager.SessionRoot() {
			return
		}
		a.mu.Lock()
		a.changes = 0
		a.quietUntil = time.Now().Add(2*a.debounce + 100*time.Millisecond)
		a.mu.Unlock()
	}
}

func lastAutoSeq(list []Checkpoint) int {
	last := 0
	for _, cp := range list {
		if !strings.HasPrefix(cp.Name, autoNamePrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(cp.Name, autoNamePrefix))
		if err == nil && n > last {
			last = n
		}
	}
	return last
}
