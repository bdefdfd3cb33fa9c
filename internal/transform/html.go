package transform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/conneroisu/sitepipe/internal/artifact"
	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/source"
	"github.com/tdewolff/minify/v2"
	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
)

const (
	includeTag    = "include"
	typoAttr      = "data-typo"
	maxIncludeDep = 32
)

// HTMLTransform renders every page: it expands <include src="..."> elements,
// applies typography to data-typo elements, and minifies the result.
type HTMLTransform struct {
	pages       *source.Set
	partialsDir string
	rootDir     string
	typographer *Typographer
	markdown    goldmark.Markdown
	minifier    *minify.M
}

// NewHTMLTransform creates the html transform. Include sources are resolved
// against the including file, then partialsDir, then rootDir.
func NewHTMLTransform(pages *source.Set, partialsDir, rootDir string) *HTMLTransform {
	return &HTMLTransform{
		pages:       pages,
		partialsDir: partialsDir,
		rootDir:     rootDir,
		typographer: NewTypographer(),
		markdown:    goldmark.New(),
		minifier:    newMinifier(),
	}
}

func (t *HTMLTransform) Name() string { return HTML }

func (t *HTMLTransform) Apply(ctx context.Context, store *artifact.Store) ([]string, error) {
	pages, err := t.pages.Files()
	if err != nil {
		return nil, err
	}

	written := make([]string, 0, len(pages))
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		out, err := t.RenderPage(page)
		if err != nil {
			return written, err
		}

		rel, _ := t.pages.Rel(page)
		if err := store.WriteFile(rel, out); err != nil {
			return written, err
		}
		written = append(written, rel)
	}

	return written, nil
}

// RenderPage renders one page to minified markup.
func (t *HTMLTransform) RenderPage(path string) ([]byte, error) {
	expanded, err := t.expand(path, nil)
	if err != nil {
		return nil, err
	}

	typeset, err := t.typeset(expanded)
	if err != nil {
		return nil, errors.NewSourceError(errors.ErrCodeTaskFailed, path, "typography failed").WithContext("cause", err.Error())
	}

	out, err := t.minifier.Bytes(mimeHTML, typeset)
	if err != nil {
		return nil, &errors.PipelineError{
			Kind:    errors.KindTransform,
			Code:    errors.ErrCodeTaskFailed,
			Path:    path,
			Message: "minify failed",
			Cause:   err,
		}
	}

	return out, nil
}

// expand reads path and replaces include elements with the rendered partial.
func (t *HTMLTransform) expand(path string, stack []string) ([]byte, error) {
	for _, p := range stack {
		if p == path {
			return nil, errors.NewSourceError(errors.ErrCodeIncludeCycle, path,
				"include cycle: "+strings.Join(append(stack, path), " -> "))
		}
	}
	if len(stack) > maxIncludeDep {
		return nil, errors.NewSourceError(errors.ErrCodeIncludeCycle, path, "includes nested too deeply")
	}
	stack = append(stack, path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.PipelineError{
			Kind:    errors.KindTransform,
			Code:    errors.ErrCodeIncludeMissing,
			Path:    path,
			Message: "cannot read source",
			Cause:   err,
		}
	}

	if strings.EqualFold(filepath.Ext(path), ".md") {
		var buf bytes.Buffer
		if err := t.markdown.Convert(data, &buf); err != nil {
			return nil, &errors.PipelineError{Kind: errors.KindTransform, Code: errors.ErrCodeTaskFailed, Path: path, Message: "markdown render failed", Cause: err}
		}
		return buf.Bytes(), nil
	}

	var out bytes.Buffer
	z := html.NewTokenizer(bytes.NewReader(data))
	skipDepth := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() == io.EOF {
				break
			}
			return nil, &errors.PipelineError{Kind: errors.KindTransform, Code: errors.ErrCodeTaskFailed, Path: path, Message: "malformed markup", Cause: z.Err()}
		}

		name, hasAttr := z.TagName()
		isInclude := string(name) == includeTag

		if skipDepth > 0 {
			// inside an include element; its body is replaced by the partial
			switch {
			case tt == html.StartTagToken && isInclude:
				skipDepth++
			case tt == html.EndTagToken && isInclude:
				skipDepth--
			}
			continue
		}

		if isInclude && (tt == html.StartTagToken || tt == html.SelfClosingTagToken) {
			src := ""
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if string(key) == "src" {
					src = string(val)
				}
			}
			if src == "" {
				return nil, errors.NewSourceError(errors.ErrCodeIncludeMissing, path, "include element without src")
			}

			target, err := t.resolveInclude(path, src)
			if err != nil {
				return nil, err
			}
			partial, err := t.expand(target, stack)
			if err != nil {
				return nil, err
			}
			out.Write(partial)

			if tt == html.StartTagToken {
				skipDepth = 1
			}
			continue
		}
		if isInclude && tt == html.EndTagToken {
			continue
		}

		out.Write(z.Raw())
	}

	return out.Bytes(), nil
}

func (t *HTMLTransform) resolveInclude(from, src string) (string, error) {
	if filepath.IsAbs(src) {
		return "", errors.NewSourceError(errors.ErrCodeIncludeMissing, from, fmt.Sprintf("include %q must be relative", src))
	}

	candidates := []string{
		filepath.Join(filepath.Dir(from), src),
		filepath.Join(t.partialsDir, src),
		filepath.Join(t.rootDir, src),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() {
			return c, nil
		}
	}

	return "", errors.NewSourceError(errors.ErrCodeIncludeMissing, from, fmt.Sprintf("included file %q not found", src))
}

// typeset applies typography to text inside data-typo elements and drops the
// attribute. Only the marked start tags are re-serialized; every other token
// is copied byte for byte.
func (t *HTMLTransform) typeset(data []byte) ([]byte, error) {
	if !bytes.Contains(data, []byte(typoAttr)) {
		return data, nil
	}

	var out bytes.Buffer
	z := html.NewTokenizer(bytes.NewReader(data))
	depth := 0
	typoDepth := 0
	rawText := false
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return out.Bytes(), nil
			}
			return nil, z.Err()

		case html.StartTagToken:
			// the tokenizer lowercases names in place, so keep the raw bytes first
			raw := append([]byte(nil), z.Raw()...)
			tok := z.Token()
			if !isVoidElement(tok.Data) {
				depth++
			}
			rawText = tok.Data == "script" || tok.Data == "style"
			if dropAttr(&tok, typoAttr) {
				out.WriteString(tok.String())
				if typoDepth == 0 && !isVoidElement(tok.Data) {
					typoDepth = depth
				}
				continue
			}
			out.Write(raw)

		case html.SelfClosingTagToken:
			raw := append([]byte(nil), z.Raw()...)
			tok := z.Token()
			if dropAttr(&tok, typoAttr) {
				out.WriteString(tok.String())
				continue
			}
			out.Write(raw)

		case html.EndTagToken:
			raw := append([]byte(nil), z.Raw()...)
			name, _ := z.TagName()
			rawText = false
			if !isVoidElement(string(name)) {
				if depth == typoDepth {
					typoDepth = 0
				}
				depth--
			}
			out.Write(raw)

		case html.TextToken:
			if typoDepth > 0 && !rawText {
				out.WriteString(html.EscapeString(t.typographer.Apply(string(z.Text()))))
				continue
			}
			out.Write(z.Raw())

		default:
			out.Write(z.Raw())
		}
	}
}

// dropAttr removes key from tok and reports whether it was present.
func dropAttr(tok *html.Token, key string) bool {
	for i, a := range tok.Attr {
		if a.Key == key {
			tok.Attr = append(tok.Attr[:i], tok.Attr[i+1:]...)
			return true
		}
	}

	return false
}

func isVoidElement(name string) bool {
	switch name {
	case "area", "base", "br", "col", "embed", "hr", "img", "input",
		"link", "meta", "source", "track", "wbr":
		return true
	}

	return false
}
