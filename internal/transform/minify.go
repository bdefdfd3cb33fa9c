package transform

import (
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
)

const (
	mimeHTML = "text/html"
	mimeCSS  = "text/css"
	mimeJS   = "application/javascript"
)

// newMinifier returns a minifier for markup, styles and scripts. Markup keeps
// document and end tags so the dev server can inject its reload script before
// </body>, and keeps attribute quotes so references stay readable.
func newMinifier() *minify.M {
	m := minify.New()
	m.Add(mimeHTML, &html.Minifier{
		KeepDocumentTags:    true,
		KeepEndTags:         true,
		KeepQuotes:          true,
		KeepDefaultAttrVals: true,
	})
	m.AddFunc(mimeCSS, css.Minify)
	m.AddFunc(mimeJS, js.Minify)

	return m
}
