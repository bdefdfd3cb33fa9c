package transform

import (
	"fmt"

	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/source"
)

// Source set patterns of the styles and scripts transforms. Imports and
// directives only resolve to files they match.
const (
	StylePattern  = "**/*.{scss,sass,css}"
	ScriptPattern = "**/*.js"
)

// Sources returns the source set each default transform reads, keyed by
// transform name. Watch bindings are derived from these roots.
func Sources(bc config.BuildConfig) (map[string][]*source.Set, error) {
	pages, err := source.New("pages", bc.Layout.Pages, bc.PageGlob, "**/"+bc.PageGlob)
	if err != nil {
		return nil, err
	}
	partials, err := source.New("partials", bc.Layout.Partials, "**/*")
	if err != nil {
		return nil, err
	}
	styles, err := source.New("styles", bc.Layout.Styles, StylePattern)
	if err != nil {
		return nil, err
	}
	scripts, err := source.New("scripts", bc.Layout.Scripts, ScriptPattern)
	if err != nil {
		return nil, err
	}

	return map[string][]*source.Set{
		HTML:    {pages, partials},
		Styles:  {styles},
		Scripts: {scripts},
	}, nil
}

// Defaults returns a registry holding the html, styles and scripts transforms
// configured from bc.
func Defaults(bc config.BuildConfig) (*Registry, error) {
	sets, err := Sources(bc)
	if err != nil {
		return nil, fmt.Errorf("building source sets: %w", err)
	}

	return NewRegistry(
		NewHTMLTransform(sets[HTML][0], bc.Layout.Partials, bc.Layout.Root),
		NewStylesTransform(sets[Styles][0], bc.StyleEntry),
		NewScriptsTransform(sets[Scripts][0], bc.ScriptEntry),
	)
}
