package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Names of the record files tracked for every annotation session
const (
	ItemsFile   = "items.log"
	ParentsFile = "parents.log"
	StepsFile   = "steps.log"
	ClicksFile  = "clicks.log"
	PagesFile   = "pages.log"
	InfoFile    = "info.json"

	ImagesDir = "images"
)

// TrackedFiles lists the record files in snapshot order
var TrackedFiles = []string{ItemsFile, ParentsFile, StepsFile, ClicksFile, PagesFile, InfoFile}

// lineageKeys are the info.json fields accepted as the creation timestamp, in priority order
var lineageKeys = []string{"timestamp", "created_at", "createdAt"}

// State is the mutable working state of one annotation session
type State struct {
	root string
}

// New creates a State rooted at the given session directory
func New(root string) *State {
	return &State{root: root}
}

// Root returns the session working directory
func (s *State) Root() string {
	return s.root
}

// Path returns the live path of a tracked file
func (s *State) Path(name string) string {
	return filepath.Join(s.root, name)
}

// ImagesPath returns the live image directory
func (s *State) ImagesPath() string {
	return filepath.Join(s.root, ImagesDir)
}

// LineageID returns the first recorded creation timestamp from info.json.
// An empty string means the session has no lineage yet.
func (s *State) LineageID() (string, error) {
	data, err := os.ReadFile(s.Path(InfoFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read session info: %w", err)
	}
	return ParseLineageID(data)
}

// ParseLineageID extracts the lineage id from info.json content. The file is
// either one object, an array of entries (the first one wins) or JSON lines.
func ParseLineageID(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("parse session info: %w", err)
	}

	var first map[string]interface{}
	switch v := doc.(type) {
	case map[string]interface{}:
		first = v
	case []interface{}:
		for _, entry := range v {
			if m, ok := entry.(map[string]interface{}); ok {
				first = m
				break
			}
		}
	}
	if first == nil {
		return "", errors.New("parse session info: no entries")
	}

	for _, key := range lineageKeys {
		switch ts := first[key].(type) {
		case json.Number:
			return ts.String(), nil
		case string:
			if strings.TrimSpace(ts) != "" {
				return ts, nil
			}
		}
	}
	return "", nil
}

// CountRecords returns the number of non-empty lines in a tracked log file
func (s *State) CountRecords(name string) (int, error) {
	f, err := os.Open(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			n++
		}
	}
	return n, scanner.Err()
}
