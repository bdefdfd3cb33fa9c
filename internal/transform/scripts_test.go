package transform

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/source"
	"github.com/conneroisu/sitepipe/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptsBundle(t *testing.T) {
	dir := t.TempDir()
	testutils.WriteFile(t, filepath.Join(dir, "app.js"), `//= require lib/util
//= require "lib/util.js"
//= include banner
//= include banner
//=require modules/*.js
console.log("app");
`)
	testutils.WriteFile(t, filepath.Join(dir, "lib", "util.js"), "function util() { return 1; }\n")
	testutils.WriteFile(t, filepath.Join(dir, "banner.js"), "/* banner */")
	testutils.WriteFile(t, filepath.Join(dir, "modules", "b.js"), "var b = 2;\n")
	testutils.WriteFile(t, filepath.Join(dir, "modules", "a.js"), "var a = 1;\n")

	tr := NewScriptsTransform(source.MustNew("scripts", dir, ScriptPattern), "app.js")
	out, err := tr.Bundle(filepath.Join(dir, "app.js"))
	require.NoError(t, err)

	js := string(out)
	assert.Equal(t, 1, strings.Count(js, "function util()"))
	assert.Equal(t, 2, strings.Count(js, "/* banner */"))
	assert.Less(t, strings.Index(js, "var a = 1;"), strings.Index(js, "var b = 2;"))
	assert.Less(t, strings.Index(js, "var b = 2;"), strings.Index(js, `console.log("app");`))
	assert.NotContains(t, js, "//=")
}

func TestScriptsApply(t *testing.T) {
	dir := t.TempDir()
	testutils.WriteFile(t, filepath.Join(dir, "app.js"), "//= require util\nconsole.log( util( ) );\n")
	testutils.WriteFile(t, filepath.Join(dir, "util.js"), "function util () {\n  return 1;\n}\n")

	tr := NewScriptsTransform(source.MustNew("scripts", dir, ScriptPattern), "app.js")
	bundle, minified := tr.Outputs()
	assert.Equal(t, "app.js", bundle)
	assert.Equal(t, "app-min.js", minified)

	store := newStore(t)
	written, err := tr.Apply(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, []string{"app.js", "app-min.js"}, written)

	full, err := store.ReadFile("app.js")
	require.NoError(t, err)
	min, err := store.ReadFile("app-min.js")
	require.NoError(t, err)
	assert.Contains(t, string(full), "function util ()")
	assert.Less(t, len(min), len(full))
	assert.Contains(t, string(min), "console.log(")
}

func TestScriptsErrors(t *testing.T) {
	testCases := []struct {
		name     string
		files    map[string]string
		expected string
	}{
		{
			name:     "missing entry",
			files:    map[string]string{},
			expected: errors.ErrCodeEntryMissing,
		},
		{
			name:     "missing require",
			files:    map[string]string{"app.js": "//= require nope"},
			expected: errors.ErrCodeIncludeMissing,
		},
		{
			name:     "glob without matches",
			files:    map[string]string{"app.js": "//= require vendor/*.js"},
			expected: errors.ErrCodeIncludeMissing,
		},
		{
			name: "require outside the sources",
			files: map[string]string{
				"app.js":    "//= require data.json",
				"data.json": "{}",
			},
			expected: errors.ErrCodeIncludeMissing,
		},
		{
			name: "require cycle",
			files: map[string]string{
				"app.js": "//= require a",
				"a.js":   "//= require b",
				"b.js":   "//= require a",
			},
			expected: errors.ErrCodeIncludeCycle,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for rel, content := range tc.files {
				testutils.WriteFile(t, filepath.Join(dir, rel), content+"\n")
			}

			_, err := NewScriptsTransform(source.MustNew("scripts", dir, ScriptPattern), "app.js").Apply(context.Background(), newStore(t))
			var pe *errors.PipelineError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.expected, pe.Code)
		})
	}
}

func TestScriptsRespectSourcePatterns(t *testing.T) {
	dir := t.TempDir()
	testutils.WriteFile(t, filepath.Join(dir, "app.js"), "//= require lib/util\n")
	testutils.WriteFile(t, filepath.Join(dir, "lib", "util.js"), "var u;\n")

	_, err := NewScriptsTransform(source.MustNew("scripts", dir, "*.js"), "app.js").Apply(context.Background(), newStore(t))
	var pe *errors.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, errors.ErrCodeIncludeMissing, pe.Code)
	assert.Contains(t, pe.Message, "not part of the scripts sources")

	_, err = NewScriptsTransform(source.MustNew("scripts", dir, ScriptPattern), "app.js").Apply(context.Background(), newStore(t))
	assert.NoError(t, err)
}
