package checkpoint

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"uiannotate/internal/database"
	"uiannotate/internal/session"
)

const testLineage = "1700000000000"

// newSession creates a session root with three items, two images and an
// info.json carrying testLineage
func newSession(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, session.ItemsFile, "{\"code\":\"i1\"}\n{\"code\":\"i2\"}\n{\"code\":\"i3\"}\n")
	writeFile(t, root, session.PagesFile, "{\"code\":\"p1\"}\n")
	writeFile(t, root, session.InfoFile, `{"timestamp": `+testLineage+`, "url": "https://example.com"}`)
	writeFile(t, root, "images/a.png", "image-a")
	writeFile(t, root, "images/nested/b.png", "image-b")
	return root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func appendFile(t *testing.T, root, rel, content string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(root, rel), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// treeOf returns the session state below root as path -> content, directories
// mapped to "/". The checkpoints directory is not part of the state.
func treeOf(t *testing.T, root string) map[string]string {
	t.Helper()
	tree := make(map[string]string)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == checkpointsDirName || strings.HasPrefix(rel, checkpointsDirName+"/") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			tree[rel] = "/"
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		tree[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return tree
}

type restoreCall struct {
	CheckpointID string
	ToolID       string
	RecordID     string
	ActorID      string
}

// fakeRemote records calls and fails on demand
type fakeRemote struct {
	mu          sync.Mutex
	snapshots   []database.ShadowSnapshot
	restores    []restoreCall
	processes   []*database.Process
	snapshotErr error
	restoreErr  error
	listErr     error
}

func (f *fakeRemote) SnapshotShadow(_ context.Context, snap database.ShadowSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshotErr != nil {
		return f.snapshotErr
	}
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeRemote) RestoreShadow(_ context.Context, checkpointID, toolID, recordID, actorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restores = append(f.restores, restoreCall{checkpointID, toolID, recordID, actorID})
	return nil
}

func (f *fakeRemote) ListProcesses(_ context.Context, toolID, recordID string) ([]*database.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.processes, nil
}
