// Package markup finds asset references in rendered pages. It reports byte
// offsets into the original document so callers can rewrite a reference
// without re-rendering, and therefore without touching any other byte.
package markup

import (
	"bytes"
	"io"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"
)

// Kind is the kind of asset a reference points to.
type Kind int

const (
	KindScript Kind = iota
	KindStylesheet
)

func (k Kind) String() string {
	if k == KindStylesheet {
		return "stylesheet"
	}
	return "script"
}

// NoInlineAttr opts a reference out of inlining.
const NoInlineAttr = "data-no-inline"

// Ref is one <script src> or <link rel="stylesheet" href> in a document.
type Ref struct {
	Kind Kind
	// URL is the attribute value with entities decoded.
	URL string
	// Attrs are the tag's attributes as parsed.
	Attrs []html.Attribute

	// TagStart and TagEnd bound the opening tag.
	TagStart, TagEnd int
	// ElementEnd is the end of the closing </script> tag, or TagEnd when the
	// element has none.
	ElementEnd int
	// ValueStart and ValueEnd bound the attribute value, including quotes.
	ValueStart, ValueEnd int
}

// Attr returns the value of the named attribute.
func (r Ref) Attr(key string) (string, bool) {
	for _, a := range r.Attrs {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// NoInline reports whether the reference carries data-no-inline.
func (r Ref) NoInline() bool {
	_, ok := r.Attr(NoInlineAttr)
	return ok
}

// Find returns every script and stylesheet reference in doc, in document
// order.
func Find(doc []byte) ([]Ref, error) {
	var refs []Ref
	z := html.NewTokenizer(bytes.NewReader(doc))
	offset := 0
	open := -1

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() == io.EOF {
				return refs, nil
			}
			return nil, z.Err()
		}

		raw := z.Raw()
		start, end := offset, offset+len(raw)
		offset = end

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			ref, ok := refFromToken(tok)
			if !ok {
				continue
			}

			attr := "src"
			if ref.Kind == KindStylesheet {
				attr = "href"
			}
			vs, ve, found := attrValueSpan(raw, attr)
			if !found {
				continue
			}

			ref.TagStart, ref.TagEnd = start, end
			ref.ElementEnd = end
			ref.ValueStart, ref.ValueEnd = start+vs, start+ve
			refs = append(refs, ref)

			if ref.Kind == KindScript && tt == html.StartTagToken {
				open = len(refs) - 1
			}

		case html.EndTagToken:
			if open >= 0 {
				name, _ := z.TagName()
				if string(name) == "script" {
					refs[open].ElementEnd = end
					open = -1
				}
			}
		}
	}
}

func refFromToken(tok html.Token) (Ref, bool) {
	ref := Ref{Attrs: tok.Attr}
	switch tok.Data {
	case "script":
		ref.Kind = KindScript
		v, ok := ref.Attr("src")
		ref.URL = v
		return ref, ok && v != ""
	case "link":
		ref.Kind = KindStylesheet
		rel, _ := ref.Attr("rel")
		if !hasToken(rel, "stylesheet") {
			return ref, false
		}
		v, ok := ref.Attr("href")
		ref.URL = v
		return ref, ok && v != ""
	}

	return ref, false
}

func hasToken(list, want string) bool {
	for _, f := range strings.Fields(list) {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

// attrValueSpan locates the value of attribute name inside a raw start tag.
// The returned span includes any quotes.
func attrValueSpan(raw []byte, name string) (int, int, bool) {
	i := 1
	// tag name
	for i < len(raw) && !isSpace(raw[i]) && raw[i] != '>' && raw[i] != '/' {
		i++
	}

	for i < len(raw) {
		for i < len(raw) && (isSpace(raw[i]) || raw[i] == '/') {
			i++
		}
		if i >= len(raw) || raw[i] == '>' {
			return 0, 0, false
		}

		keyStart := i
		for i < len(raw) && !isSpace(raw[i]) && raw[i] != '=' && raw[i] != '>' && raw[i] != '/' {
			i++
		}
		key := string(raw[keyStart:i])

		j := i
		for j < len(raw) && isSpace(raw[j]) {
			j++
		}
		if j >= len(raw) || raw[j] != '=' {
			continue
		}
		j++
		for j < len(raw) && isSpace(raw[j]) {
			j++
		}

		valStart := j
		if j < len(raw) && (raw[j] == '"' || raw[j] == '\'') {
			q := raw[j]
			j++
			for j < len(raw) && raw[j] != q {
				j++
			}
			if j < len(raw) {
				j++
			}
		} else {
			for j < len(raw) && !isSpace(raw[j]) && raw[j] != '>' {
				j++
			}
		}

		if strings.EqualFold(key, name) {
			return valStart, j, true
		}
		i = j
	}

	return 0, 0, false
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f'
}

// Resolve maps a reference URL found in page to a slash-separated path
// relative to the artifact root. Remote, protocol-relative and data URLs, and
// URLs that leave the root, do not resolve.
func Resolve(page, ref string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || u.Scheme != "" || u.Host != "" || u.Opaque != "" {
		return "", false
	}
	if strings.HasPrefix(ref, "//") || u.Path == "" {
		return "", false
	}

	var p string
	if strings.HasPrefix(u.Path, "/") {
		p = path.Clean(strings.TrimPrefix(u.Path, "/"))
	} else {
		p = path.Join(path.Dir(page), u.Path)
	}
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", false
	}

	return p, true
}

// SetQueryParam returns ref with key set to value, replacing any existing
// values for key and keeping the other parameters and the fragment in place.
func SetQueryParam(ref, key, value string) string {
	base, fragment, hasFragment := strings.Cut(ref, "#")
	base, query, _ := strings.Cut(base, "?")

	var params []string
	if query != "" {
		for _, p := range strings.Split(query, "&") {
			k, _, _ := strings.Cut(p, "=")
			if k == key || p == "" {
				continue
			}
			params = append(params, p)
		}
	}
	params = append(params, key+"="+url.QueryEscape(value))

	out := base + "?" + strings.Join(params, "&")
	if hasFragment {
		out += "#" + fragment
	}

	return out
}

// Replace returns doc with each span replaced. Spans must not overlap and are
// applied in document order.
func Replace(doc []byte, spans []Span) []byte {
	if len(spans) == 0 {
		return doc
	}

	var out bytes.Buffer
	out.Grow(len(doc))
	last := 0
	for _, s := range spans {
		out.Write(doc[last:s.Start])
		out.WriteString(s.Text)
		last = s.End
	}
	out.Write(doc[last:])

	return out.Bytes()
}

// Span is a byte range of a document and its replacement text.
type Span struct {
	Start, End int
	Text       string
}
