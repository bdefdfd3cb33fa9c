// Package artifact manages the output directory tree that builds write into
// and the dev server serves from.
//
// A full build replaces the whole tree through Clean. Incremental rebuilds
// overwrite single files in place through WriteFile, which is atomic per file:
// content goes to a temporary sibling and is renamed over the target, so a
// concurrent reader or an interrupted build never observes a half-written file.
package artifact

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/conneroisu/sitepipe/internal/errors"
)

// Store is the artifact output tree rooted at a directory.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir. The directory is not created until
// Clean or the first write.
func NewStore(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact root %s: %w", dir, err)
	}

	return &Store{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

// Path converts a store-relative path into an absolute path inside the store.
// It fails for paths that would escape the root.
func (s *Store) Path(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(rel, "/")))
	if clean == "." {
		return s.root, nil
	}
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.NewIOError(rel, "path escapes artifact root", nil)
	}

	return filepath.Join(s.root, clean), nil
}

// Clean removes the whole tree and recreates an empty root.
func (s *Store) Clean() error {
	if err := os.RemoveAll(s.root); err != nil {
		return errors.NewIOError(s.root, "failed to remove artifact root", err)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return errors.NewIOError(s.root, "failed to create artifact root", err)
	}

	return nil
}

// WriteFile atomically replaces rel with data.
func (s *Store) WriteFile(rel string, data []byte) error {
	target, err := s.Path(rel)
	if err != nil {
		return err
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewIOError(rel, "failed to create directory", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return errors.NewIOError(rel, "failed to create temp file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.NewIOError(rel, "failed to write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.NewIOError(rel, "failed to close temp file", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return errors.NewIOError(rel, "failed to set permissions", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return errors.NewIOError(rel, "failed to replace file", err)
	}

	return nil
}

// ReadFile reads rel from the store.
func (s *Store) ReadFile(rel string) ([]byte, error) {
	path, err := s.Path(rel)
	if err != nil {
		return nil, err
	}

	return os.ReadFile(path)
}

// Exists reports whether rel is a regular file in the store.
func (s *Store) Exists(rel string) bool {
	path, err := s.Path(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)

	return err == nil && info.Mode().IsRegular()
}

// Remove deletes rel. A missing file is not an error.
func (s *Store) Remove(rel string) error {
	path, err := s.Path(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError(rel, "failed to remove file", err)
	}

	return nil
}

// List returns the store-relative, slash-separated paths of every regular
// file matching the extension ext ("" for all), sorted.
func (s *Store) List(ext string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && strings.Contains(d.Name(), ".tmp-") {
			return nil
		}
		if ext != "" && filepath.Ext(path) != ext {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.NewIOError(s.root, "failed to list artifacts", err)
	}
	sort.Strings(files)

	return files, nil
}

// Snapshot returns the content of every file keyed by relative path.
func (s *Store) Snapshot() (map[string][]byte, error) {
	files, err := s.List("")
	if err != nil {
		return nil, err
	}
	snap := make(map[string][]byte, len(files))
	for _, f := range files {
		data, err := s.ReadFile(f)
		if err != nil {
			return nil, err
		}
		snap[f] = data
	}

	return snap, nil
}
