package parser

import (
	"strings"
	"unicode"

	"github.com/kbforge/kbforge/internal/docmodel"
)

// Clean normalizes the tree in place: whitespace collapse, zero-width and
// control character stripping, empty element removal and consecutive
// duplicate block dedupe (boilerplate repeated by templated pages).
func Clean(doc *docmodel.Document) {
	doc.Elements = cleanElements(doc.Elements)
	doc.Title = cleanText(doc.Title)
}

func cleanElements(els []docmodel.Element) []docmodel.Element {
	out := els[:0]
	var prevKey string
	for i := range els {
		e := els[i]
		if e.Kind == docmodel.KindCodeBlock {
			// Code keeps its whitespace; only invisible characters go.
			e.Text = stripInvisible(e.Text)
		} else {
			e.Text = cleanText(e.Text)
		}
		e.Caption = cleanText(e.Caption)
		for ri := range e.Rows {
			for ci := range e.Rows[ri] {
				e.Rows[ri][ci].Text = cleanText(e.Rows[ri][ci].Text)
			}
		}
		if len(e.Children) > 0 {
			e.Children = cleanElements(e.Children)
		}
		if empty(&e) {
			continue
		}
		key := string(e.Kind) + "\x00" + e.PlainText()
		if key == prevKey && e.Kind != docmodel.KindSection {
			continue
		}
		prevKey = key
		out = append(out, e)
	}
	return out
}

func empty(e *docmodel.Element) bool {
	switch e.Kind {
	case docmodel.KindSection:
		return false
	case docmodel.KindTable:
		return len(e.Rows) == 0
	case docmodel.KindImageRef:
		return e.URI == "" && e.Caption == "" && e.OCRText == ""
	case docmodel.KindFigure:
		return e.Caption == "" && len(e.Children) == 0
	default:
		return strings.TrimSpace(e.Text) == ""
	}
}

// cleanText collapses runs of whitespace (preserving single newlines inside
// code is handled by skipping code blocks upstream) and strips zero-width
// and other control characters.
func cleanText(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case invisible(r):
			continue
		case unicode.IsControl(r) && r != '\n' && r != '\t':
			continue
		case unicode.IsSpace(r):
			space = true
			continue
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

func stripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		if invisible(r) || (unicode.IsControl(r) && r != '\n' && r != '\t') {
			return -1
		}
		return r
	}, s)
}

// invisible matches zero-width spaces/joiners, soft hyphens and the BOM.
func invisible(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\ufeff', '\u00ad':
		return true
	}
	return false
}
