package watcher

import (
	"path/filepath"
	"strings"
)

// SessionFilter reports the named files directly under root and every path
// at or below dir
func SessionFilter(root, dir string, files []string) Filter {
	root = filepath.Clean(root)
	dir = filepath.Clean(dir)
	names := make(map[string]struct{}, len(files))
	for _, f := range files {
		names[f] = struct{}{}
	}

	return func(path string) bool {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
		if filepath.Dir(path) != root {
			return false
		}
		_, ok := names[filepath.Base(path)]
		return ok
	}
}

// WatchSession watches the named files of a session root and the directory
// dir. dir may be missing at start and is watched again whenever it is
// recreated. The watcher is returned unstarted.
func WatchSession(root, dir string, files []string, opts Options, callback func(Event)) (*Watcher, error) {
	opts.Filter = SessionFilter(root, dir, files)
	dir = filepath.Clean(dir)

	var w *Watcher
	w, err := New(root, opts, func(e Event) {
		if e.Path == dir && e.Type == EventCreate {
			if err := w.AddPathIfExists(dir); err != nil {
				w.logger.Warn("watch again", "path", dir, "error", err)
			}
		}
		callback(e)
	})
	if err != nil {
		return nil, err
	}

	if err := w.AddPathIfExists(dir); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}
