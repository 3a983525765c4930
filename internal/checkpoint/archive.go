// internal/checkpoint/archive.go
package checkpoint

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"uiannotate/internal/eventhub"
)

const (
	archiveMetaName    = "checkpoint.json"
	archiveSnapshotDir = "snapshot"
	archiveLevel       = 3
)

// ExportCheckpoint writes a zstd-compressed tar of a checkpoint's snapshot and
// metadata to w
func (m *Manager) ExportCheckpoint(ctx context.Context, checkpointID string, w io.Writer) error {
	cp, ok := m.GetCheckpointMetadata(ctx, checkpointID)
	if !ok {
		return fmt.Errorf("export %s: %w", checkpointID, ErrNotFound)
	}
	if !cp.LocalSuccess {
		return fmt.Errorf("export %s: %w", checkpointID, ErrNoLocalSnapshot)
	}

	start := m.now()
	defer m.metrics.ObserveDuration("export", start)

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(archiveLevel)))
	if err != nil {
		return fmt.Errorf("create encoder: %w", err)
	}
	tw := tar.NewWriter(enc)

	meta, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		enc.Close()
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	err = tw.WriteHeader(&tar.Header{
		Name:    archiveMetaName,
		Mode:    0644,
		Size:    int64(len(meta)),
		ModTime: m.now(),
	})
	if err == nil {
		_, err = tw.Write(meta)
	}
	if err == nil {
		err = writeTree(ctx, tw, m.local.CheckpointDir(checkpointID), archiveSnapshotDir)
	}
	if err == nil {
		err = tw.Close()
	}
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("export %s: %w", checkpointID, err)
	}

	m.logger.Info("checkpoint exported", "checkpoint", checkpointID)
	return nil
}

func writeTree(ctx context.Context, tw *tar.Writer, root, prefix string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if d.Type()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = path.Join(prefix, filepath.ToSlash(rel))
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// ImportCheckpoint unpacks an archive written by ExportCheckpoint into the
// checkpoints directory and records it as a local-only checkpoint
func (m *Manager) ImportCheckpoint(ctx context.Context, r io.Reader) (*Checkpoint, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := m.now()
	defer m.metrics.ObserveDuration("import", start)

	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	defer dec.Close()

	if err := os.MkdirAll(m.local.Dir(), 0755); err != nil {
		return nil, fmt.Errorf("create checkpoints dir: %w", err)
	}
	staging := filepath.Join(m.local.Dir(), ".import-"+uuid.New().String())
	if err := os.Mkdir(staging, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	cp, err := extractArchive(ctx, tar.NewReader(dec), staging)
	if err != nil {
		return nil, fmt.Errorf("import checkpoint: %w", err)
	}
	if cp.CheckpointID == "" || strings.ContainsAny(cp.CheckpointID, `/\`) || strings.HasPrefix(cp.CheckpointID, ".") {
		return nil, fmt.Errorf("import checkpoint: invalid checkpoint id %q", cp.CheckpointID)
	}

	if _, ok := m.index.Find(cp.CheckpointID); ok {
		return nil, fmt.Errorf("import %s: %w", cp.CheckpointID, ErrAlreadyExists)
	}
	dst := m.local.CheckpointDir(cp.CheckpointID)
	if _, err := os.Stat(dst); err == nil {
		return nil, fmt.Errorf("import %s: %w", cp.CheckpointID, ErrAlreadyExists)
	}

	src := filepath.Join(staging, archiveSnapshotDir)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		if err := os.Mkdir(src, 0755); err != nil {
			return nil, fmt.Errorf("import %s: %w", cp.CheckpointID, err)
		}
	}
	if err := os.Rename(src, dst); err != nil {
		return nil, fmt.Errorf("import %s: %w", cp.CheckpointID, err)
	}

	cp.LocalSuccess = true
	cp.DBSuccess = false
	cp.RolledbackBy = nil
	cp.CreatedAt = 0
	cp.UpdatedAt = 0
	if err := m.index.RecordUpdate(*cp); err != nil {
		return cp, fmt.Errorf("record checkpoint: %w", err)
	}

	m.events.EmitCheckpointImported(eventhub.CheckpointImportedEvent{
		SessionRoot:  m.state.Root(),
		CheckpointID: cp.CheckpointID,
	})
	m.logger.Info("checkpoint imported", "checkpoint", cp.CheckpointID, "name", cp.Name)
	return cp, nil
}

func extractArchive(ctx context.Context, tr *tar.Reader, dst string) (*Checkpoint, error) {
	var cp *Checkpoint
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}

		name := path.Clean(hdr.Name)
		if name == archiveMetaName {
			var meta Checkpoint
			if err := json.NewDecoder(tr).Decode(&meta); err != nil {
				return nil, fmt.Errorf("decode %s: %w", archiveMetaName, err)
			}
			cp = &meta
			continue
		}

		if !strings.HasPrefix(name, archiveSnapshotDir+"/") || !fs.ValidPath(name) {
			return nil, fmt.Errorf("unsafe archive entry %q", hdr.Name)
		}
		target := filepath.Join(dst, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}
			if err := writeEntry(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return nil, err
			}
		case tar.TypeSymlink:
			resolved := path.Join(path.Dir(name), hdr.Linkname)
			if path.IsAbs(hdr.Linkname) || !strings.HasPrefix(resolved, archiveSnapshotDir+"/") {
				return nil, fmt.Errorf("unsafe symlink %q -> %q", hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unsupported archive entry %q", hdr.Name)
		}
	}

	if cp == nil {
		return nil, fmt.Errorf("archive has no %s", archiveMetaName)
	}
	return cp, nil
}

func writeEntry(target string, r io.Reader, perm fs.FileMode) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
