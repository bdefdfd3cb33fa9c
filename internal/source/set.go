// Package source describes the named groups of input files a transform reads.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Set is a named group of glob-matched files under a root directory. The
// definition is immutable; the matching files are rescanned on every call to
// Files so that watch-mode rebuilds see added and removed files.
type Set struct {
	name     string
	root     string
	patterns []string
}

// New creates a source set. Patterns use doublestar syntax relative to root,
// e.g. "**/*.html" or "*.{scss,css}".
func New(name, root string, patterns ...string) (*Set, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("source set %s: no patterns", name)
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("source set %s: invalid pattern %q", name, p)
		}
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("source set %s: resolving root: %w", name, err)
	}

	ps := make([]string, len(patterns))
	copy(ps, patterns)

	return &Set{name: name, root: abs, patterns: ps}, nil
}

// MustNew is New for static definitions that cannot fail.
func MustNew(name, root string, patterns ...string) *Set {
	s, err := New(name, root, patterns...)
	if err != nil {
		panic(err)
	}

	return s
}

func (s *Set) Name() string { return s.name }

func (s *Set) Root() string { return s.root }

// Files returns the absolute paths of all matching regular files, sorted.
// A missing root yields no files.
func (s *Set) Files() ([]string, error) {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return nil, nil
	}

	fsys := os.DirFS(s.root)
	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range s.patterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("source set %s: glob %q: %w", s.name, pattern, err)
		}
		for _, m := range matches {
			abs := filepath.Join(s.root, filepath.FromSlash(m))
			if _, ok := seen[abs]; ok {
				continue
			}
			seen[abs] = struct{}{}
			files = append(files, abs)
		}
	}
	sort.Strings(files)

	return files, nil
}

// Contains reports whether path lies under the root and matches a pattern.
func (s *Set) Contains(path string) bool {
	rel, ok := s.Rel(path)
	if !ok {
		return false
	}
	for _, pattern := range s.patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}

	return false
}

// Rel returns path relative to the root in slash form.
func (s *Set) Rel(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}

	return filepath.ToSlash(rel), true
}
