// internal/checkpoint/storage.go
package checkpoint

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"uiannotate/internal/session"
)

const (
	checkpointsDirName = "checkpoints"
	indexFileName      = "checkpoints.json"
	backupPrefix       = "_backup_"
)

// LocalStore copies the session's tracked files and image tree to and from
// per-checkpoint directories
type LocalStore struct {
	state *session.State
	dir   string
}

// NewLocalStore creates a store under <session root>/checkpoints
func NewLocalStore(state *session.State) *LocalStore {
	return &LocalStore{
		state: state,
		dir:   filepath.Join(state.Root(), checkpointsDirName),
	}
}

// Dir returns the checkpoints directory
func (s *LocalStore) Dir() string {
	return s.dir
}

// CheckpointDir returns the snapshot directory of a checkpoint
func (s *LocalStore) CheckpointDir(checkpointID string) string {
	return filepath.Join(s.dir, checkpointID)
}

// Snapshot copies the current session state into checkpoints/<id>/.
// Files missing from the session are skipped.
func (s *LocalStore) Snapshot(ctx context.Context, checkpointID string) error {
	return s.captureTo(ctx, s.CheckpointDir(checkpointID))
}

// Restore makes the session state equal to checkpoints/<id>/
func (s *LocalStore) Restore(ctx context.Context, checkpointID string) error {
	return s.restoreFrom(ctx, s.CheckpointDir(checkpointID))
}

// Backup copies the current session state into a fresh _backup_<millis> directory
func (s *LocalStore) Backup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("create checkpoints dir: %w", err)
	}

	millis := time.Now().UnixMilli()
	var dir string
	for {
		dir = filepath.Join(s.dir, fmt.Sprintf("%s%d", backupPrefix, millis))
		err := os.Mkdir(dir, 0755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("create backup dir: %w", err)
		}
		millis++
	}

	if err := s.captureTo(ctx, dir); err != nil {
		return dir, err
	}
	return dir, nil
}

// RestoreBackup makes the session state equal to a backup directory
func (s *LocalStore) RestoreBackup(ctx context.Context, backupDir string) error {
	return s.restoreFrom(ctx, backupDir)
}

func (s *LocalStore) captureTo(ctx context.Context, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	for _, name := range session.TrackedFiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := copyFile(s.state.Path(name), filepath.Join(dst, name)); err != nil {
			return fmt.Errorf("snapshot %s: %w", name, err)
		}
	}

	if err := copyTree(ctx, s.state.ImagesPath(), filepath.Join(dst, session.ImagesDir)); err != nil {
		return fmt.Errorf("snapshot images: %w", err)
	}
	return nil
}

func (s *LocalStore) restoreFrom(ctx context.Context, src string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("open snapshot: %s is not a directory", src)
	}

	for _, name := range session.TrackedFiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		live := s.state.Path(name)
		copied, err := copyFile(filepath.Join(src, name), live)
		if err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
		if !copied {
			// Absent at snapshot time, so it must be absent after restore
			if err := os.Remove(live); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", name, err)
			}
		}
	}

	if err := os.RemoveAll(s.state.ImagesPath()); err != nil {
		return fmt.Errorf("clear images: %w", err)
	}
	if err := copyTree(ctx, filepath.Join(src, session.ImagesDir), s.state.ImagesPath()); err != nil {
		return fmt.Errorf("restore images: %w", err)
	}
	return nil
}

// copyFile copies src over dst through a temporary file in dst's directory.
// It reports false without error when src does not exist.
func copyFile(src, dst string) (bool, error) {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s is a directory", src)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return false, err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false, err
	}
	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		os.Remove(tmpName)
		return false, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return false, err
	}
	return true, nil
}

// copyTree recursively copies src to dst. A missing src copies nothing.
func copyTree(ctx context.Context, src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			_, err := copyFile(path, target)
			return err
		default:
			return nil
		}
	})
}

// CalculateHash calculates SHA256 hash of content
func CalculateHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", h)
}

// hashFile returns the SHA256 of a file, or "" if it does not exist
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// hashTree maps every regular file under root (slash-separated, relative to
// the session root via prefix) to its hash
func hashTree(root, prefix string) (map[string]string, error) {
	hashes := make(map[string]string)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return hashes, nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		h, err := hashFile(path)
		if err != nil {
			return err
		}
		hashes[filepath.ToSlash(filepath.Join(prefix, rel))] = h
		return nil
	})
	return hashes, err
}

// Diff compares the snapshot of a checkpoint with the live session state
func (s *LocalStore) Diff(checkpointID string) (*CheckpointDiff, error) {
	dir := s.CheckpointDir(checkpointID)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}

	from := make(map[string]string)
	to := make(map[string]string)

	for _, name := range session.TrackedFiles {
		h, err := hashFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if h != "" {
			from[name] = h
		}
		h, err = hashFile(s.state.Path(name))
		if err != nil {
			return nil, err
		}
		if h != "" {
			to[name] = h
		}
	}

	fromImages, err := hashTree(filepath.Join(dir, session.ImagesDir), session.ImagesDir)
	if err != nil {
		return nil, err
	}
	toImages, err := hashTree(s.state.ImagesPath(), session.ImagesDir)
	if err != nil {
		return nil, err
	}
	for k, v := range fromImages {
		from[k] = v
	}
	for k, v := range toImages {
		to[k] = v
	}

	diff := &CheckpointDiff{CheckpointID: checkpointID, Changes: []FileChange{}}
	for path, fromHash := range from {
		toHash, exists := to[path]
		switch {
		case !exists:
			diff.Changes = append(diff.Changes, FileChange{Path: path, Status: ChangeDeleted, FromHash: fromHash})
		case toHash != fromHash:
			diff.Changes = append(diff.Changes, FileChange{Path: path, Status: ChangeModified, FromHash: fromHash, ToHash: toHash})
		}
	}
	for path, toHash := range to {
		if _, exists := from[path]; !exists {
			diff.Changes = append(diff.Changes, FileChange{Path: path, Status: ChangeAdded, ToHash: toHash})
		}
	}

	sort.Slice(diff.Changes, func(i, j int) bool {
		return diff.Changes[i].Path < diff.Changes[j].Path
	})
	return diff, nil
}
