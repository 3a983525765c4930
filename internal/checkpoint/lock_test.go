package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireSession(t *testing.T) {
	root := t.TempDir()

	unlock, err := acquireSession(context.Background(), root)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, checkpointsDirName, lockFileName))

	// Same root spelled differently maps to the same lock
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = acquireSession(ctx, filepath.Join(root, "x", ".."))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Other sessions are independent
	other, err := acquireSession(context.Background(), t.TempDir())
	require.NoError(t, err)
	other()

	unlock()
	unlock() // releasing twice is harmless

	again, err := acquireSession(context.Background(), root)
	require.NoError(t, err)
	again()
}

func TestAcquireSession_RelativeRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "session")
	require.NoError(t, os.Mkdir(root, 0755))
	t.Chdir(parent)

	unlock, err := acquireSession(context.Background(), root)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = acquireSession(ctx, "session")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockFile_ExcludesOtherHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), checkpointsDirName, lockFileName)

	held, err := lockFile(context.Background(), path)
	require.NoError(t, err)

	// A second open file stands in for another process
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = lockFile(ctx, path)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	released := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		unlockFile(held)
		close(released)
	}()

	f, err := lockFile(context.Background(), path)
	require.NoError(t, err)
	<-released
	unlockFile(f)
}

func TestManager_LockTimeout(t *testing.T) {
	root := newSession(t)
	m := NewManager(root, Options{LockTimeout: 50 * time.Millisecond})

	unlock, err := acquireSession(context.Background(), root)
	require.NoError(t, err)
	defer unlock()

	_, err = m.CreateCheckpoint(context.Background(), "blocked", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, m.ListCheckpoints(context.Background()))
}

const (
	createChildEnv     = "UIANNOTATE_TEST_CREATE_ROOT"
	createChildCount   = 5
	createChildProcess = 4
)

// TestManager_CreateChild creates checkpoints when started by
// TestManager_CreatesAcrossProcesses
func TestManager_CreateChild(t *testing.T) {
	root := os.Getenv(createChildEnv)
	if root == "" {
		t.Skip("started by TestManager_CreatesAcrossProcesses")
	}

	m := NewManager(root, Options{})
	for i := 0; i < createChildCount; i++ {
		_, err := m.CreateCheckpoint(context.Background(), fmt.Sprintf("p%d-%d", os.Getpid(), i), nil)
		require.NoError(t, err)
	}
}

func TestManager_CreatesAcrossProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns child processes")
	}
	root := newSession(t)

	cmds := make([]*exec.Cmd, createChildProcess)
	outs := make([]*bytes.Buffer, createChildProcess)
	for i := range cmds {
		cmd := exec.Command(os.Args[0], "-test.run=^TestManager_CreateChild$", "-test.count=1")
		cmd.Env = append(os.Environ(), createChildEnv+"="+root)
		outs[i] = new(bytes.Buffer)
		cmd.Stdout = outs[i]
		cmd.Stderr = outs[i]
		require.NoError(t, cmd.Start())
		cmds[i] = cmd
	}
	for i, cmd := range cmds {
		assert.NoError(t, cmd.Wait(), outs[i].String())
	}

	list := NewManager(root, Options{}).ListCheckpoints(context.Background())
	assert.Len(t, list, createChildProcess*createChildCount)
	for _, cp := range list {
		assert.DirExists(t, filepath.Join(root, checkpointsDirName, cp.CheckpointID))
	}
}
