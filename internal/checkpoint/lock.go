// internal/checkpoint/lock.go
package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	lockFileName = ".lock"

	lockPollMin = 10 * time.Millisecond
	lockPollMax = 250 * time.Millisecond
)

// sessionLocks serializes create/rollback per session root across every
// Manager in the process. A buffered channel lets waiters honour ctx.
var sessionLocks = struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}{locks: make(map[string]chan struct{})}

// sessionKey returns the absolute form of root so that every spelling of a
// session maps to one lock
func sessionKey(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		return filepath.Clean(root)
	}
	return abs
}

func lockFor(key string) chan struct{} {
	sessionLocks.mu.Lock()
	defer sessionLocks.mu.Unlock()

	ch, ok := sessionLocks.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		sessionLocks.locks[key] = ch
	}
	return ch
}

// acquireSession blocks until the session lock is held or ctx is done. The
// lock is held in-process and on checkpoints/.lock, so other processes
// sharing the session wait as well.
func acquireSession(ctx context.Context, root string) (func(), error) {
	key := sessionKey(root)
	ch := lockFor(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire session lock: %w", ctx.Err())
	}

	f, err := lockFile(ctx, filepath.Join(key, checkpointsDirName, lockFileName))
	if err != nil {
		<-ch
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlockFile(f)
			<-ch
		})
	}, nil
}

// lockFile takes an exclusive OS lock on path, polling with backoff until the
// lock is free or ctx is done
func lockFile(ctx context.Context, path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	backoff := lockPollMin
	for {
		ok, err := tryLock(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if ok {
			return f, nil
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("acquire session lock: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > lockPollMax {
			backoff = lockPollMax
		}
	}
}

func unlockFile(f *os.File) {
	releaseLock(f)
	f.Close()
}
