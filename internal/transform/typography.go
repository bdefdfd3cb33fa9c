package transform

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const nbsp = '\u00a0'

// Typographer applies text rules to the content of elements marked with the
// data-typo attribute.
type Typographer struct {
	rules []func(string) string
}

// NewTypographer returns the default rule set: quotes, section signs and
// short words.
func NewTypographer() *Typographer {
	return &Typographer{rules: []func(string) string{quoteRule, sectionSignRule, shortWordRule}}
}

// Apply normalizes s to NFC and runs every rule in order.
func (t *Typographer) Apply(s string) string {
	s = norm.NFC.String(s)
	for _, rule := range t.rules {
		s = rule(s)
	}

	return s
}

// quoteRule turns straight double quotes into guillemets. A quote opens when it
// starts the text or follows whitespace or an opening bracket.
func quoteRule(s string) string {
	if !strings.ContainsRune(s, '"') {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 8)
	prev := rune(0)
	for i, r := range s {
		if r == '"' {
			if i == 0 || unicode.IsSpace(prev) || strings.ContainsRune("([{«", prev) {
				b.WriteRune('«')
			} else {
				b.WriteRune('»')
			}
		} else {
			b.WriteRune(r)
		}
		prev = r
	}

	return b.String()
}

// sectionSignRule glues § and № to the following number.
func sectionSignRule(s string) string {
	r := strings.NewReplacer("§ ", "§\u00a0", "№ ", "№\u00a0")
	return r.Replace(s)
}

// shortWordRule glues words of one or two letters to the next word.
func shortWordRule(s string) string {
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] != ' ' || i == 0 {
			continue
		}

		start := i
		for start > 0 && unicode.IsLetter(runes[start-1]) {
			start--
		}
		length := i - start
		if length == 0 || length > 2 {
			continue
		}
		if start > 0 && !unicode.IsSpace(runes[start-1]) && runes[start-1] != '«' && runes[start-1] != '(' {
			continue
		}
		if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
			continue
		}
		runes[i] = nbsp
	}

	return string(runes)
}
