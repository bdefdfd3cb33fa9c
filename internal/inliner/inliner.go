// Package inliner embeds local scripts and stylesheets into the pages that
// reference them and removes the standalone files afterwards. It only runs in
// production builds.
package inliner

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"regexp"
	"sort"

	"github.com/conneroisu/sitepipe/internal/artifact"
	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/conneroisu/sitepipe/internal/markup"
)

var (
	scriptCloser = regexp.MustCompile(`(?i)</script`)
	styleCloser  = regexp.MustCompile(`(?i)</style`)
)

// DefaultCleanup lists the artifacts removed after inlining even when no page
// referenced them.
var DefaultCleanup = []string{"app.js", "app-min.js", "index.css"}

// Inliner replaces qualifying references with the referenced content.
type Inliner struct {
	store  *artifact.Store
	pages  []string
	logger logging.Logger

	inlined map[string]struct{}
}

// Option configures an Inliner.
type Option func(*Inliner)

// WithPages restricts inlining to the given store-relative pages. By default
// every page is processed.
func WithPages(pages ...string) Option {
	return func(in *Inliner) {
		in.pages = append([]string(nil), pages...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(in *Inliner) {
		in.logger = logger
	}
}

// New creates an inliner over store.
func New(store *artifact.Store, opts ...Option) *Inliner {
	in := &Inliner{
		store:   store,
		logger:  logging.NewNopLogger(),
		inlined: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.logger = in.logger.WithComponent("inliner")

	return in
}

// Apply inlines every local reference without data-no-inline. A reference
// that does not resolve to an artifact fails the whole pass. It returns the
// inlined artifact paths, sorted.
func (in *Inliner) Apply(ctx context.Context) ([]string, error) {
	pages := in.pages
	if pages == nil {
		var err error
		if pages, err = in.store.List(".html"); err != nil {
			return nil, err
		}
	}

	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := in.inlinePage(page); err != nil {
			return nil, err
		}
	}

	paths := make([]string, 0, len(in.inlined))
	for p := range in.inlined {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	in.logger.Info(ctx, "Inlined assets", "pages", len(pages), "assets", len(paths))

	return paths, nil
}

func (in *Inliner) inlinePage(page string) error {
	doc, err := in.store.ReadFile(page)
	if err != nil {
		return errors.NewReferenceError(errors.ErrCodeInlineUnresolved, page, "cannot read page", err)
	}

	refs, err := markup.Find(doc)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", page, err)
	}

	var spans []markup.Span
	var assets []string
	for _, ref := range refs {
		if ref.NoInline() {
			continue
		}
		target, ok := markup.Resolve(page, ref.URL)
		if !ok {
			continue
		}

		content, err := in.store.ReadFile(target)
		if err != nil {
			return errors.NewReferenceError(errors.ErrCodeInlineUnresolved, page,
				fmt.Sprintf("cannot inline %q", ref.URL), err)
		}

		spans = append(spans, markup.Span{
			Start: ref.TagStart,
			End:   ref.ElementEnd,
			Text:  inlineElement(ref, content),
		})
		assets = append(assets, target)
	}

	if len(spans) == 0 {
		return nil
	}
	if err := in.store.WriteFile(page, markup.Replace(doc, spans)); err != nil {
		return err
	}
	for _, a := range assets {
		in.inlined[a] = struct{}{}
	}

	return nil
}

func inlineElement(ref markup.Ref, content []byte) string {
	var b bytes.Buffer
	switch ref.Kind {
	case markup.KindScript:
		b.WriteString("<script")
		if typ, ok := ref.Attr("type"); ok {
			b.WriteString(` type="` + html.EscapeString(typ) + `"`)
		}
		b.WriteString(">")
		b.Write(scriptCloser.ReplaceAll(content, []byte(`<\/script`)))
		b.WriteString("</script>")
	case markup.KindStylesheet:
		b.WriteString("<style")
		if media, ok := ref.Attr("media"); ok {
			b.WriteString(` media="` + html.EscapeString(media) + `"`)
		}
		b.WriteString(">")
		b.Write(styleCloser.ReplaceAll(content, []byte(`<\/style`)))
		b.WriteString("</style>")
	}

	return b.String()
}

// Cleanup removes every artifact inlined by previous Apply calls plus extra.
// Artifacts that a page still references, such as data-no-inline targets or
// assets of pages outside the inlined set, are kept. Files that do not exist
// are ignored. It returns the paths it removed or found missing, sorted.
func (in *Inliner) Cleanup(ctx context.Context, extra []string) ([]string, error) {
	referenced, err := in.referenced()
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(in.inlined)+len(extra))
	for p := range in.inlined {
		set[p] = struct{}{}
	}
	for _, p := range extra {
		set[p] = struct{}{}
	}

	removed := make([]string, 0, len(set))
	var kept []string
	for p := range set {
		if _, ok := referenced[p]; ok {
			kept = append(kept, p)
			continue
		}
		removed = append(removed, p)
	}
	sort.Strings(removed)
	sort.Strings(kept)

	for _, p := range removed {
		if err := in.store.Remove(p); err != nil {
			return nil, err
		}
	}
	in.inlined = make(map[string]struct{})

	if len(kept) > 0 {
		in.logger.Info(ctx, "Kept referenced assets", "assets", kept)
	}

	return removed, nil
}

// referenced returns every artifact a page in the store still points at.
func (in *Inliner) referenced() (map[string]struct{}, error) {
	pages, err := in.store.List(".html")
	if err != nil {
		return nil, err
	}

	out := make(map[string]struct{})
	for _, page := range pages {
		doc, err := in.store.ReadFile(page)
		if err != nil {
			return nil, err
		}
		refs, err := markup.Find(doc)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", page, err)
		}
		for _, ref := range refs {
			if target, ok := markup.Resolve(page, ref.URL); ok {
				out[target] = struct{}{}
			}
		}
	}

	return out, nil
}
