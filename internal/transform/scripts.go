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

	"github.com/bmatcuk/doublestar/v4"
	"github.com/conneroisu/sitepipe/internal/artifact"
	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/source"
	"github.com/tdewolff/minify/v2"
)

var directivePattern = regexp.MustCompile(`^[ \t]*//=[ \t]*(require|include)[ \t]+(.+?)[ \t]*$`)

// ScriptsTransform concatenates the script entry with its //= require and
// //= include directives, then writes the bundle and a minified copy.
// require pulls a file in once per bundle; include pulls it in every time.
// Directives only resolve to files in the source set.
type ScriptsTransform struct {
	sources  *source.Set
	entry    string
	minifier *minify.M
}

// NewScriptsTransform creates the scripts transform for entry, a file name at
// the root of sources.
func NewScriptsTransform(sources *source.Set, entry string) *ScriptsTransform {
	return &ScriptsTransform{sources: sources, entry: entry, minifier: newMinifier()}
}

func (t *ScriptsTransform) Name() string { return Scripts }

// Outputs returns the bundle and minified bundle artifact paths.
func (t *ScriptsTransform) Outputs() (bundle, minified string) {
	base := strings.TrimSuffix(t.entry, filepath.Ext(t.entry))
	return base + ".js", base + "-min.js"
}

func (t *ScriptsTransform) Apply(ctx context.Context, store *artifact.Store) ([]string, error) {
	entry := filepath.Join(t.sources.Root(), t.entry)
	if _, err := os.Stat(entry); err != nil || !t.sources.Contains(entry) {
		return nil, errors.NewSourceError(errors.ErrCodeEntryMissing, entry, "script entry not found")
	}

	bundle, err := t.Bundle(entry)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	minified, err := t.minifier.Bytes(mimeJS, bundle)
	if err != nil {
		return nil, &errors.PipelineError{Kind: errors.KindTransform, Code: errors.ErrCodeTaskFailed, Path: entry, Message: "minify failed", Cause: err}
	}

	bundlePath, minPath := t.Outputs()
	if err := store.WriteFile(bundlePath, bundle); err != nil {
		return nil, err
	}
	if err := store.WriteFile(minPath, minified); err != nil {
		return []string{bundlePath}, err
	}

	return []string{bundlePath, minPath}, nil
}

// Bundle expands every directive reachable from entry. A directive that
// resolves to nothing fails the bundle.
func (t *ScriptsTransform) Bundle(entry string) ([]byte, error) {
	required := make(map[string]bool)
	return t.expand(entry, nil, required)
}

func (t *ScriptsTransform) expand(path string, stack []string, required map[string]bool) ([]byte, error) {
	for _, p := range stack {
		if p == path {
			return nil, errors.NewSourceError(errors.ErrCodeIncludeCycle, path,
				"require cycle: "+strings.Join(append(stack, path), " -> "))
		}
	}
	stack = append(stack, path)
	required[path] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewIOError(path, "cannot read script", err)
	}

	var out bytes.Buffer
	lines := bytes.SplitAfter(data, []byte("\n"))
	for _, line := range lines {
		m := directivePattern.FindSubmatch(bytes.TrimRight(line, "\r\n"))
		if m == nil {
			out.Write(line)
			continue
		}

		kind := string(m[1])
		targets, err := t.resolve(path, strings.Trim(string(m[2]), `"'`))
		if err != nil {
			return nil, err
		}

		for _, target := range targets {
			if kind == "require" && required[target] {
				inStack := false
				for _, p := range stack {
					inStack = inStack || p == target
				}
				if !inStack {
					continue
				}
			}

			body, err := t.expand(target, stack, required)
			if err != nil {
				return nil, err
			}
			out.Write(body)
			if len(body) > 0 && body[len(body)-1] != '\n' {
				out.WriteByte('\n')
			}
		}
	}

	return out.Bytes(), nil
}

// resolve maps a directive argument to files. Arguments without an extension
// get .js; glob arguments expand in sorted order.
func (t *ScriptsTransform) resolve(from, ref string) ([]string, error) {
	if ref == "" {
		return nil, errors.NewSourceError(errors.ErrCodeIncludeMissing, from, "empty directive")
	}
	if filepath.Ext(ref) == "" && !strings.HasSuffix(ref, "*") {
		ref += ".js"
	}

	outside := false
	for _, root := range []string{filepath.Dir(from), t.sources.Root()} {
		if strings.ContainsAny(ref, "*?[{") {
			matches, err := doublestar.Glob(os.DirFS(root), filepath.ToSlash(ref), doublestar.WithFilesOnly())
			if err != nil {
				return nil, errors.NewSourceError(errors.ErrCodeIncludeMissing, from, fmt.Sprintf("bad pattern %q", ref))
			}
			if len(matches) == 0 {
				continue
			}
			paths := make([]string, 0, len(matches))
			for _, m := range matches {
				p := filepath.Join(root, filepath.FromSlash(m))
				if p != from && t.sources.Contains(p) {
					paths = append(paths, p)
				}
			}
			if len(paths) == 0 {
				outside = true
				continue
			}
			sort.Strings(paths)
			return paths, nil
		}

		candidate := filepath.Join(root, filepath.FromSlash(ref))
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			if t.sources.Contains(candidate) {
				return []string{candidate}, nil
			}
			outside = true
		}
	}

	if outside {
		return nil, errors.NewSourceError(errors.ErrCodeIncludeMissing, from,
			fmt.Sprintf("required script %q is not part of the %s sources", ref, t.sources.Name()))
	}

	return nil, errors.NewSourceError(errors.ErrCodeIncludeMissing, from, fmt.Sprintf("required script %q not found", ref))
}
