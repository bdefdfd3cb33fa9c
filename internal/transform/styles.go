package transform

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/conneroisu/sitepipe/internal/artifact"
	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/source"
	"github.com/tdewolff/minify/v2"
)

var (
	importPattern   = regexp.MustCompile(`(?m)^[ \t]*@import[ \t]+(?:url\()?["']([^"']+)["']\)?[ \t]*;[ \t]*$`)
	variablePattern = regexp.MustCompile(`(?m)^[ \t]*\$([A-Za-z_][\w-]*)[ \t]*:[ \t]*([^;]+?)[ \t]*(?:!default)?[ \t]*;[ \t]*\n?`)
)

// StylesTransform compiles the style entry file into a single minified
// stylesheet. It supports @import of partials and top-level $variables.
// The entry and every import must belong to the source set.
type StylesTransform struct {
	sources  *source.Set
	entry    string
	minifier *minify.M
}

// NewStylesTransform creates the styles transform for entry, a file name at
// the root of sources.
func NewStylesTransform(sources *source.Set, entry string) *StylesTransform {
	return &StylesTransform{sources: sources, entry: entry, minifier: newMinifier()}
}

func (t *StylesTransform) Name() string { return Styles }

// Output is the artifact path the transform writes.
func (t *StylesTransform) Output() string {
	return strings.TrimSuffix(t.entry, filepath.Ext(t.entry)) + ".css"
}

func (t *StylesTransform) Apply(ctx context.Context, store *artifact.Store) ([]string, error) {
	entry := filepath.Join(t.sources.Root(), t.entry)
	if _, err := os.Stat(entry); err != nil || !t.sources.Contains(entry) {
		return nil, errors.NewSourceError(errors.ErrCodeEntryMissing, entry, "style entry not found")
	}

	compiled, err := t.Compile(entry)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := t.minifier.Bytes(mimeCSS, compiled)
	if err != nil {
		return nil, &errors.PipelineError{Kind: errors.KindTransform, Code: errors.ErrCodeTaskFailed, Path: entry, Message: "minify failed", Cause: err}
	}

	if err := store.WriteFile(t.Output(), out); err != nil {
		return nil, err
	}

	return []string{t.Output()}, nil
}

// Compile resolves imports and variables for entry and returns plain CSS.
func (t *StylesTransform) Compile(entry string) ([]byte, error) {
	seen := make(map[string]bool)
	flat, err := t.inline(entry, nil, seen)
	if err != nil {
		return nil, err
	}

	return substituteVariables(flat), nil
}

func (t *StylesTransform) inline(path string, stack []string, seen map[string]bool) ([]byte, error) {
	for _, p := range stack {
		if p == path {
			return nil, errors.NewSourceError(errors.ErrCodeIncludeCycle, path,
				"import cycle: "+strings.Join(append(stack, path), " -> "))
		}
	}
	stack = append(stack, path)
	seen[path] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewIOError(path, "cannot read stylesheet", err)
	}
	data = stripLineComments(data)

	var firstErr error
	out := importPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		if firstErr != nil {
			return nil
		}

		ref := string(importPattern.FindSubmatch(match)[1])
		if isRemoteRef(ref) {
			return match
		}

		target, err := t.resolveImport(path, ref)
		if err != nil {
			firstErr = err
			return nil
		}
		if seen[target] {
			// an import already in the stack is a cycle; otherwise it is a repeat
			for _, p := range stack {
				if p == target {
					firstErr = errors.NewSourceError(errors.ErrCodeIncludeCycle, target,
						"import cycle: "+strings.Join(append(stack, target), " -> "))
				}
			}
			return nil
		}

		body, err := t.inline(target, stack, seen)
		if err != nil {
			firstErr = err
			return nil
		}

		return append(body, '\n')
	})
	if firstErr != nil {
		return nil, firstErr
	}

	return out, nil
}

// resolveImport tries the reference as written, then as a partial, with the
// scss and css extensions, relative to the importing file and then the styles
// root. Files outside the source set do not resolve.
func (t *StylesTransform) resolveImport(from, ref string) (string, error) {
	dir, base := filepath.Split(filepath.FromSlash(ref))
	names := []string{base}
	if filepath.Ext(base) == "" {
		names = []string{base + ".scss", "_" + base + ".scss", base + ".css", "_" + base + ".css"}
	} else if !strings.HasPrefix(base, "_") {
		names = append(names, "_"+base)
	}

	outside := false
	for _, root := range []string{filepath.Dir(from), t.sources.Root()} {
		for _, name := range names {
			candidate := filepath.Join(root, dir, name)
			info, err := os.Stat(candidate)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if !t.sources.Contains(candidate) {
				outside = true
				continue
			}
			return candidate, nil
		}
	}

	if outside {
		return "", errors.NewSourceError(errors.ErrCodeIncludeMissing, from,
			fmt.Sprintf("imported stylesheet %q is not part of the %s sources", ref, t.sources.Name()))
	}
	return "", errors.NewSourceError(errors.ErrCodeIncludeMissing, from, fmt.Sprintf("imported stylesheet %q not found", ref))
}

// substituteVariables removes top-level $name: value; declarations and
// replaces later uses. Longer names are replaced first so $gap does not
// clobber $gap-large.
func substituteVariables(data []byte) []byte {
	vars := make(map[string]string)
	data = variablePattern.ReplaceAllFunc(data, func(match []byte) []byte {
		sub := variablePattern.FindSubmatch(match)
		name := string(sub[1])
		value := string(sub[2])
		if _, exists := vars[name]; exists && bytes.Contains(match, []byte("!default")) {
			return nil
		}
		vars[name] = replaceVariables(value, vars)
		return nil
	})
	if len(vars) == 0 {
		return data
	}

	return []byte(replaceVariables(string(data), vars))
}

func replaceVariables(s string, vars map[string]string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	pairs := make([]string, 0, len(names)*2)
	for _, name := range names {
		pairs = append(pairs, "$"+name, vars[name])
	}

	return strings.NewReplacer(pairs...).Replace(s)
}

// stripLineComments drops lines whose first non-blank text is //.
func stripLineComments(data []byte) []byte {
	if !bytes.Contains(data, []byte("//")) {
		return data
	}

	lines := bytes.Split(data, []byte("\n"))
	kept := lines[:0]
	for _, line := range lines {
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("//")) {
			continue
		}
		kept = append(kept, line)
	}

	return bytes.Join(kept, []byte("\n"))
}

func isRemoteRef(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "//") ||
		strings.HasPrefix(lower, "data:")
}
