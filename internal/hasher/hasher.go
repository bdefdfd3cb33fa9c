// Package hasher appends content fingerprints to the script and stylesheet
// references in built pages so browsers refetch an asset exactly when its
// content changes.
package hasher

import (
	"context"
	"fmt"
	"hash/crc32"
	"html"
	"sort"

	"github.com/conneroisu/sitepipe/internal/artifact"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/conneroisu/sitepipe/internal/markup"
	"github.com/sourcegraph/conc/iter"
)

const (
	// DefaultQuery is the query parameter that carries the fingerprint.
	DefaultQuery = "v"
	// DefaultLength is the number of hex characters kept from the checksum.
	DefaultLength = 8
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record describes one rewritten reference. Records live for a single pass.
type Record struct {
	Page        string
	Ref         string
	Path        string
	Fingerprint string
}

// Hasher rewrites references in every page of an artifact store.
type Hasher struct {
	store  *artifact.Store
	query  string
	length int
	logger logging.Logger
}

// New creates a hasher over store. A zero length or empty query selects the
// defaults.
func New(store *artifact.Store, query string, length int, logger logging.Logger) *Hasher {
	if query == "" {
		query = DefaultQuery
	}
	if length <= 0 || length > 8 {
		length = DefaultLength
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Hasher{store: store, query: query, length: length, logger: logger.WithComponent("hasher")}
}

// Fingerprint returns the lowercase hex CRC-32 (Castagnoli) of data, truncated
// to the configured length.
func (h *Hasher) Fingerprint(data []byte) string {
	return fmt.Sprintf("%08x", crc32.Checksum(data, castagnoli))[:h.length]
}

// Apply rewrites every page in the store and returns the records it applied in
// page and document order. References that are remote or do not
// resolve to an artifact are left untouched.
func (h *Hasher) Apply(ctx context.Context) ([]Record, error) {
	pages, err := h.store.List(".html")
	if err != nil {
		return nil, err
	}

	type pageRefs struct {
		page string
		doc  []byte
		refs []markup.Ref
	}

	var scanned []pageRefs
	targets := make(map[string]struct{})
	for _, page := range pages {
		doc, err := h.store.ReadFile(page)
		if err != nil {
			return nil, err
		}
		refs, err := markup.Find(doc)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", page, err)
		}
		scanned = append(scanned, pageRefs{page: page, doc: doc, refs: refs})

		for _, ref := range refs {
			if target, ok := markup.Resolve(page, ref.URL); ok && h.store.Exists(target) {
				targets[target] = struct{}{}
			}
		}
	}

	fingerprints, err := h.fingerprintAll(sortedKeys(targets))
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, p := range scanned {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		var spans []markup.Span
		for _, ref := range p.refs {
			target, ok := markup.Resolve(p.page, ref.URL)
			if !ok {
				continue
			}
			fp, ok := fingerprints[target]
			if !ok {
				h.logger.Debug(ctx, "Skipping unresolved reference", "page", p.page, "ref", ref.URL)
				continue
			}

			rewritten := markup.SetQueryParam(ref.URL, h.query, fp)
			spans = append(spans, markup.Span{
				Start: ref.ValueStart,
				End:   ref.ValueEnd,
				Text:  `"` + html.EscapeString(rewritten) + `"`,
			})
			records = append(records, Record{Page: p.page, Ref: ref.URL, Path: target, Fingerprint: fp})
		}

		out := markup.Replace(p.doc, spans)
		if string(out) == string(p.doc) {
			continue
		}
		if err := h.store.WriteFile(p.page, out); err != nil {
			return records, err
		}
	}

	h.logger.Info(ctx, "Fingerprinted references", "pages", len(scanned), "references", len(records))

	return records, nil
}

// fingerprintAll hashes the distinct targets concurrently.
func (h *Hasher) fingerprintAll(targets []string) (map[string]string, error) {
	type result struct {
		fp  string
		err error
	}

	results := iter.Map(targets, func(target *string) result {
		data, err := h.store.ReadFile(*target)
		if err != nil {
			return result{err: err}
		}
		return result{fp: h.Fingerprint(data)}
	})

	out := make(map[string]string, len(targets))
	for i, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		out[targets[i]] = r.fp
	}

	return out, nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
