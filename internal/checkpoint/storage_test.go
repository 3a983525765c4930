package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uiannotate/internal/session"
)

func TestLocalStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	root := newSession(t)
	store := NewLocalStore(session.New(root))

	before := treeOf(t, root)
	require.NoError(t, store.Snapshot(ctx, "cp1"))

	appendFile(t, root, session.ItemsFile, "{\"code\":\"i4\"}\n")
	writeFile(t, root, session.StepsFile, "{\"code\":\"s1\"}\n")
	require.NoError(t, os.Remove(filepath.Join(root, "images", "a.png")))
	writeFile(t, root, "images/c.png", "image-c")

	require.NoError(t, store.Restore(ctx, "cp1"))
	assert.Equal(t, before, treeOf(t, root))
}

func TestLocalStore_MissingFileSymmetry(t *testing.T) {
	ctx := context.Background()
	root := newSession(t)
	store := NewLocalStore(session.New(root))

	_, err := os.Stat(filepath.Join(root, session.ClicksFile))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, store.Snapshot(ctx, "cp1"))
	_, err = os.Stat(filepath.Join(store.CheckpointDir("cp1"), session.ClicksFile))
	assert.True(t, os.IsNotExist(err), "missing files are not captured")

	writeFile(t, root, session.ClicksFile, "{\"x\":1}\n")
	require.NoError(t, store.Restore(ctx, "cp1"))

	_, err = os.Stat(filepath.Join(root, session.ClicksFile))
	assert.True(t, os.IsNotExist(err), "file absent at snapshot must be absent after restore")
}

func TestLocalStore_NoImages(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, session.ItemsFile, "{}\n")
	store := NewLocalStore(session.New(root))

	require.NoError(t, store.Snapshot(ctx, "cp1"))
	writeFile(t, root, "images/new.png", "x")

	require.NoError(t, store.Restore(ctx, "cp1"))
	_, err := os.Stat(filepath.Join(root, session.ImagesDir))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalStore_RestoreMissingSnapshot(t *testing.T) {
	root := newSession(t)
	store := NewLocalStore(session.New(root))

	before := treeOf(t, root)
	err := store.Restore(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, before, treeOf(t, root))
}

func TestLocalStore_SnapshotPropagatesIOErrors(t *testing.T) {
	root := newSession(t)
	// A directory where a tracked file is expected cannot be copied
	require.NoError(t, os.Mkdir(filepath.Join(root, session.StepsFile), 0755))
	store := NewLocalStore(session.New(root))

	err := store.Snapshot(context.Background(), "cp1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), session.StepsFile)
}

func TestLocalStore_BackupDirsAreUnique(t *testing.T) {
	ctx := context.Background()
	root := newSession(t)
	store := NewLocalStore(session.New(root))

	first, err := store.Backup(ctx)
	require.NoError(t, err)
	second, err := store.Backup(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Contains(t, filepath.Base(first), backupPrefix)
	assert.FileExists(t, filepath.Join(second, session.ItemsFile))
	assert.FileExists(t, filepath.Join(second, "images", "nested", "b.png"))
}

func TestLocalStore_Diff(t *testing.T) {
	ctx := context.Background()
	root := newSession(t)
	store := NewLocalStore(session.New(root))
	require.NoError(t, store.Snapshot(ctx, "cp1"))

	diff, err := store.Diff("cp1")
	require.NoError(t, err)
	assert.True(t, diff.Empty())

	appendFile(t, root, session.ItemsFile, "{\"code\":\"i4\"}\n")
	require.NoError(t, os.Remove(filepath.Join(root, "images", "a.png")))
	writeFile(t, root, session.StepsFile, "{}\n")

	diff, err = store.Diff("cp1")
	require.NoError(t, err)
	require.Len(t, diff.Changes, 3)

	assert.Equal(t, "images/a.png", diff.Changes[0].Path)
	assert.Equal(t, ChangeDeleted, diff.Changes[0].Status)
	assert.Equal(t, session.ItemsFile, diff.Changes[1].Path)
	assert.Equal(t, ChangeModified, diff.Changes[1].Status)
	assert.Equal(t, session.StepsFile, diff.Changes[2].Path)
	assert.Equal(t, ChangeAdded, diff.Changes[2].Status)
	assert.Equal(t, CalculateHash("{}\n"), diff.Changes[2].ToHash)
}

func TestCalculateHash(t *testing.T) {
	hash1 := CalculateHash("test content")
	hash2 := CalculateHash("test content")
	hash3 := CalculateHash("different content")

	if hash1 != hash2 {
		t.Error("Same content should produce same hash")
	}
	if hash1 == hash3 {
		t.Error("Different content should produce different hash")
	}
	if len(hash1) != 64 {
		t.Errorf("Expected SHA256 hash length 64, got %d", len(hash1))
	}
}
