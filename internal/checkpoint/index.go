// internal/checkpoint/index.go
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-hclog"

	"uiannotate/internal/database"
)

type indexFile struct {
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// Index is the local list of checkpoints stored in checkpoints.json
type Index struct {
	path   string
	logger hclog.Logger
}

// NewIndex creates an index backed by the given file
func NewIndex(path string, logger hclog.Logger) *Index {
	return &Index{path: path, logger: logger}
}

// Path returns the index file location
func (i *Index) Path() string {
	return i.path
}

// Load returns the stored checkpoints. A missing or corrupt file yields an
// empty list.
func (i *Index) Load() []Checkpoint {
	data, err := os.ReadFile(i.path)
	if err != nil {
		if !os.IsNotExist(err) {
			i.logger.Warn("read checkpoint index", "path", i.path, "error", err)
		}
		return []Checkpoint{}
	}

	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		i.logger.Warn("corrupt checkpoint index, ignoring", "path", i.path, "error", err)
		return []Checkpoint{}
	}
	if f.Checkpoints == nil {
		return []Checkpoint{}
	}
	return f.Checkpoints
}

// RecordUpdate replaces any entry with the same id by cp and rewrites the file
func (i *Index) RecordUpdate(cp Checkpoint) error {
	existing := i.Load()
	list := make([]Checkpoint, 0, len(existing)+1)
	for _, c := range existing {
		if c.CheckpointID != cp.CheckpointID {
			list = append(list, c)
		}
	}
	list = append(list, cp)
	return i.save(list)
}

func (i *Index) save(list []Checkpoint) error {
	data, err := json.MarshalIndent(indexFile{Checkpoints: list}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint index: %w", err)
	}

	dir := filepath.Dir(i.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create checkpoints dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoints.*.tmp")
	if err != nil {
		return fmt.Errorf("write checkpoint index: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint index: %w", err)
	}
	if err := os.Rename(tmp.Name(), i.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint index: %w", err)
	}
	return nil
}

// Find returns the local entry with the given id
func (i *Index) Find(checkpointID string) (*Checkpoint, bool) {
	for _, c := range i.Load() {
		if c.CheckpointID == checkpointID {
			cp := c
			return &cp, true
		}
	}
	return nil, false
}

// MergeRemote overlays remote process rows onto the local entries. Display
// fields come from the remote row; localSuccess and dbSuccess stay local.
// Remote-only rows become entries without a local snapshot. The result is
// sorted newest first, entries without a timestamp last.
func MergeRemote(local []Checkpoint, remote []*database.Process) []Checkpoint {
	merged := make([]Checkpoint, len(local))
	copy(merged, local)

	byID := make(map[string]int, len(merged))
	for i, c := range merged {
		byID[c.CheckpointID] = i
	}

	for _, p := range remote {
		if idx, ok := byID[p.Code]; ok {
			c := &merged[idx]
			c.Name = p.Name
			c.Description = nullString(p.Description.String, p.Description.Valid)
			c.RecordID = nullString(p.RecordID.String, p.RecordID.Valid)
			c.RolledbackBy = nullString(p.RolledbackBy.String, p.RolledbackBy.Valid)
			c.CreatedAt = p.CreatedAt
			c.UpdatedAt = p.UpdatedAt
			continue
		}

		merged = append(merged, Checkpoint{
			CheckpointID: p.Code,
			Timestamp:    p.CreatedAt,
			Name:         p.Name,
			Description:  nullString(p.Description.String, p.Description.Valid),
			RecordID:     nullString(p.RecordID.String, p.RecordID.Valid),
			LocalSuccess: false,
			DBSuccess:    true,
			RolledbackBy: nullString(p.RolledbackBy.String, p.RolledbackBy.Valid),
			CreatedAt:    p.CreatedAt,
			UpdatedAt:    p.UpdatedAt,
		})
		byID[p.Code] = len(merged) - 1
	}

	sortNewestFirst(merged)
	return merged
}

func sortNewestFirst(list []Checkpoint) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Timestamp > list[j].Timestamp
	})
}

func nullString(s string, valid bool) *string {
	if !valid {
		return nil
	}
	return &s
}
