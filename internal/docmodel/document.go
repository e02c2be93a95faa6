// Package docmodel defines the structured document tree produced by parsing.
// The tree preserves headings, lists, tables, code blocks and images so the
// chunker can respect structural boundaries instead of working over a flat
// text blob.
package docmodel

import (
	"strings"
)

// ElementKind tags the variants of the Element union.
type ElementKind string

const (
	KindHeading   ElementKind = "heading"
	KindParagraph ElementKind = "paragraph"
	KindListItem  ElementKind = "list_item"
	KindTable     ElementKind = "table"
	KindCodeBlock ElementKind = "code_block"
	KindImageRef  ElementKind = "image_ref"
	KindFigure    ElementKind = "figure"
	KindSection   ElementKind = "section_break"
)

// StyleRun marks an inline style span inside a paragraph.
type StyleRun struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Style string `json:"style"` // bold, italic, link, code
	Href  string `json:"href,omitempty"`
}

// TableCell is one cell of a table with optional spans.
type TableCell struct {
	Text    string `json:"text"`
	ColSpan int    `json:"col_span,omitempty"`
	RowSpan int    `json:"row_span,omitempty"`
	Header  bool   `json:"header,omitempty"`
}

// Element is one node of the structured tree. Exactly the fields for its
// Kind are populated; Children is used by Figure and by nested structures.
type Element struct {
	Kind     ElementKind   `json:"kind"`
	Level    int           `json:"level,omitempty"` // heading 1-6, list depth
	Text     string        `json:"text,omitempty"`
	Language string        `json:"language,omitempty"` // code block hint
	Rows     [][]TableCell `json:"rows,omitempty"`
	URI      string        `json:"uri,omitempty"` // image reference
	Caption  string        `json:"caption,omitempty"`
	OCRText  string        `json:"ocr_text,omitempty"`
	Runs     []StyleRun    `json:"runs,omitempty"`
	Page     int           `json:"page,omitempty"` // 1-based, 0 when unknown
	Children []Element     `json:"children,omitempty"`
}

// Document is an ordered tree of elements plus document-level metadata.
type Document struct {
	Title    string            `json:"title,omitempty"`
	URI      string            `json:"uri,omitempty"`
	Language string            `json:"language,omitempty"`
	Elements []Element         `json:"elements"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Path identifies an element by its index path into the tree.
type Path []int

// ElementAt resolves a path; ok is false when the path does not exist.
func (d *Document) ElementAt(p Path) (*Element, bool) {
	if len(p) == 0 {
		return nil, false
	}
	els := d.Elements
	var cur *Element
	for _, idx := range p {
		if idx < 0 || idx >= len(els) {
			return nil, false
		}
		cur = &els[idx]
		els = cur.Children
	}
	return cur, true
}

// PlainText renders the element's textual content. Tables become pipe rows,
// image refs contribute caption and OCR text.
func (e *Element) PlainText() string {
	switch e.Kind {
	case KindTable:
		return e.tableText()
	case KindImageRef:
		parts := make([]string, 0, 2)
		if e.Caption != "" {
			parts = append(parts, e.Caption)
		}
		if e.OCRText != "" {
			parts = append(parts, e.OCRText)
		}
		return strings.Join(parts, "\n")
	case KindFigure:
		parts := make([]string, 0, len(e.Children)+1)
		if e.Caption != "" {
			parts = append(parts, e.Caption)
		}
		for i := range e.Children {
			if t := e.Children[i].PlainText(); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return e.Text
	}
}

// tableText serializes a table as a Markdown pipe table. This is the only
// place a table flattens to text, and it runs at chunk serialization time.
func (e *Element) tableText() string {
	var b strings.Builder
	for ri, row := range e.Rows {
		b.WriteString("|")
		for _, cell := range row {
			b.WriteString(" ")
			b.WriteString(strings.ReplaceAll(cell.Text, "|", "\\|"))
			b.WriteString(" |")
		}
		b.WriteString("\n")
		if ri == 0 && len(row) > 0 && row[0].Header {
			b.WriteString("|")
			for range row {
				b.WriteString(" --- |")
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// CharCount returns the length of the element's textual content.
func (e *Element) CharCount() int { return len(e.PlainText()) }

// Indivisible reports whether the chunker must not split inside this
// element when preserve_structure is set.
func (e *Element) Indivisible() bool {
	switch e.Kind {
	case KindTable, KindCodeBlock, KindListItem, KindParagraph:
		return true
	default:
		return false
	}
}

// Stats summarizes a document for previews and adaptive chunking.
type Stats struct {
	HeadingCount   int `json:"heading_count"`
	ParagraphCount int `json:"paragraph_count"`
	TableCount     int `json:"table_count"`
	ListItemCount  int `json:"list_item_count"`
	CodeBlockCount int `json:"code_block_count"`
	ImageCount     int `json:"image_count"`
	CharCount      int `json:"char_count"`
	WordCount      int `json:"word_count"`
}

// ComputeStats walks the tree and counts element kinds and text volume.
func (d *Document) ComputeStats() Stats {
	var s Stats
	d.Walk(func(p Path, e *Element) {
		switch e.Kind {
		case KindHeading:
			s.HeadingCount++
		case KindParagraph:
			s.ParagraphCount++
		case KindTable:
			s.TableCount++
		case KindListItem:
			s.ListItemCount++
		case KindCodeBlock:
			s.CodeBlockCount++
		case KindImageRef:
			s.ImageCount++
		}
		text := e.PlainText()
		s.CharCount += len(text)
		s.WordCount += len(strings.Fields(text))
	})
	return s
}

// Walk visits every element in reading order, depth-first, with its path.
func (d *Document) Walk(fn func(Path, *Element)) {
	var walk func(els []Element, prefix Path)
	walk = func(els []Element, prefix Path) {
		for i := range els {
			p := append(append(Path{}, prefix...), i)
			fn(p, &els[i])
			if len(els[i].Children) > 0 {
				walk(els[i].Children, p)
			}
		}
	}
	walk(d.Elements, nil)
}

// PlainText renders the whole document as text in reading order.
func (d *Document) PlainText() string {
	var parts []string
	d.Walk(func(_ Path, e *Element) {
		if e.Kind == KindFigure {
			// Children are visited separately; avoid double-counting.
			if e.Caption != "" {
				parts = append(parts, e.Caption)
			}
			return
		}
		if t := e.PlainText(); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, "\n\n")
}

// HeadingTrail returns the chain of enclosing heading texts for the element
// at index i of the top-level list: every heading before i whose level opens
// a still-active section.
func (d *Document) HeadingTrail(i int) []string {
	var trail []string
	var levels []int
	for j := 0; j < i && j < len(d.Elements); j++ {
		e := &d.Elements[j]
		if e.Kind != KindHeading {
			continue
		}
		for len(levels) > 0 && levels[len(levels)-1] >= e.Level {
			levels = levels[:len(levels)-1]
			trail = trail[:len(trail)-1]
		}
		levels = append(levels, e.Level)
		trail = append(trail, e.Text)
	}
	return trail
}
