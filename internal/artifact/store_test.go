package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "dist"))
	require.NoError(t, err)
	return store
}

func TestStoreWriteAndRead(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.WriteFile("index.html", []byte("<p>hi</p>")))
	require.NoError(t, store.WriteFile("js/app.js", []byte("var a;")))

	data, err := store.ReadFile("index.html")
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", string(data))
	assert.True(t, store.Exists("js/app.js"))
	assert.True(t, store.Exists("/js/app.js"))
	assert.False(t, store.Exists("js"))
	assert.False(t, store.Exists("missing.css"))

	// overwrite in place
	require.NoError(t, store.WriteFile("index.html", []byte("<p>bye</p>")))
	data, err = store.ReadFile("index.html")
	require.NoError(t, err)
	assert.Equal(t, "<p>bye</p>", string(data))

	info, err := os.Stat(filepath.Join(store.Root(), "index.html"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestStoreWriteLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.WriteFile("app.js", []byte{byte(i)}))
	}

	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "app.js", entries[0].Name())
}

func TestStorePathRejectsEscape(t *testing.T) {
	store := newTestStore(t)

	for _, rel := range []string{"../outside.txt", "a/../../outside.txt", ".."} {
		t.Run(rel, func(t *testing.T) {
			_, err := store.Path(rel)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindIO))
			assert.Error(t, store.WriteFile(rel, []byte("x")))
		})
	}
}

func TestStoreClean(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.WriteFile("old/stale.html", []byte("stale")))

	require.NoError(t, store.Clean())

	files, err := store.List("")
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.DirExists(t, store.Root())
}

func TestStoreRemove(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.WriteFile("app.js", []byte("x")))

	require.NoError(t, store.Remove("app.js"))
	assert.False(t, store.Exists("app.js"))
	assert.NoError(t, store.Remove("app.js"), "missing files are ignored")
}

func TestStoreListAndSnapshot(t *testing.T) {
	store := newTestStore(t)

	files, err := store.List("")
	require.NoError(t, err, "listing a store that was never created is empty")
	assert.Empty(t, files)

	require.NoError(t, store.WriteFile("b.html", []byte("b")))
	require.NoError(t, store.WriteFile("a.html", []byte("a")))
	require.NoError(t, store.WriteFile("css/index.css", []byte("c")))

	html, err := store.List(".html")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.html", "b.html"}, html)

	all, err := store.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.html", "b.html", "css/index.css"}, all)

	snap, err := store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		"a.html":        []byte("a"),
		"b.html":        []byte("b"),
		"css/index.css": []byte("c"),
	}, snap)
}
