package transform

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/conneroisu/sitepipe/internal/artifact"
	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *artifact.Store {
	t.Helper()
	store, err := artifact.NewStore(filepath.Join(t.TempDir(), "dist"))
	require.NoError(t, err)
	require.NoError(t, store.Clean())
	return store
}

func TestRegistry(t *testing.T) {
	noop := func(name string) Transform {
		return NewFunc(name, func(context.Context, *artifact.Store) ([]string, error) { return nil, nil })
	}

	r, err := NewRegistry(noop("styles"), noop("html"))
	require.NoError(t, err)
	assert.Equal(t, []string{"html", "styles"}, r.Names())

	assert.Error(t, r.Register(noop("html")))
	assert.Error(t, r.Register(noop("")))

	got, err := r.Get("html")
	require.NoError(t, err)
	assert.Equal(t, "html", got.Name())

	_, err = r.Get("fonts")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInternal))
}

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.Root = t.TempDir()
	bc, err := cfg.BuildConfig(config.ModeDevelopment)
	require.NoError(t, err)

	r, err := Defaults(bc)
	require.NoError(t, err)
	assert.Equal(t, []string{HTML, Scripts, Styles}, r.Names())

	sets, err := Sources(bc)
	require.NoError(t, err)
	require.Len(t, sets[HTML], 2)
	assert.Equal(t, bc.Layout.Pages, sets[HTML][0].Root())
	assert.Equal(t, bc.Layout.Partials, sets[HTML][1].Root())
	assert.Equal(t, bc.Layout.Styles, sets[Styles][0].Root())
	assert.Equal(t, bc.Layout.Scripts, sets[Scripts][0].Root())
}
