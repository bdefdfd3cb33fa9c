//go:build property
// +build property

package hasher

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/conneroisu/sitepipe/internal/artifact"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestHasherProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	h := New(nil, "", 0, nil)

	properties.Property("fingerprint is eight lowercase hex chars", prop.ForAll(
		func(content string) bool {
			fp := h.Fingerprint([]byte(content))
			if len(fp) != 8 {
				return false
			}
			for _, c := range fp {
				if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
	))

	properties.Property("fingerprint is deterministic", prop.ForAll(
		func(content string) bool {
			return h.Fingerprint([]byte(content)) == h.Fingerprint([]byte(content))
		},
		gen.AnyString(),
	))

	properties.Property("second pass changes nothing", prop.ForAll(
		func(script string, query string) bool {
			dir, err := artifact.NewStore(filepath.Join(t.TempDir(), "dist"))
			if err != nil {
				return false
			}
			if err := dir.Clean(); err != nil {
				return false
			}
			page := `<html><body><script src="app.js?` + query + `"></script></body></html>`
			if dir.WriteFile("index.html", []byte(page)) != nil || dir.WriteFile("app.js", []byte(script)) != nil {
				return false
			}

			hh := New(dir, "", 0, nil)
			if _, err := hh.Apply(context.Background()); err != nil {
				return false
			}
			first, _ := dir.ReadFile("index.html")
			if _, err := hh.Apply(context.Background()); err != nil {
				return false
			}
			second, _ := dir.ReadFile("index.html")
			return string(first) == string(second)
		},
		gen.AlphaString(),
		gen.OneConstOf("", "v=old", "a=1", "a=1&v=2"),
	))

	properties.TestingRun(t)
}
