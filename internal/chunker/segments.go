package chunker

import (
	"strings"
	"unicode"

	"github.com/kbforge/kbforge/internal/docmodel"
)

// unit is one flattened block of the document: the text of a single
// top-level element together with the structural context the strategies
// need. Units are the atoms strategies pack into chunks; an indivisible
// unit is never split while preserve_structure is set.
type unit struct {
	text        string
	path        docmodel.Path
	trail       []string
	page        int
	kind        docmodel.ElementKind
	heading     bool
	level       int
	sectionMark bool
	indivisible bool
}

// flatten converts a document into reading-order units. Headings carry
// their own text (so content coverage holds) and update the trail for the
// units that follow them.
func flatten(doc *docmodel.Document) []unit {
	var units []unit
	for i := range doc.Elements {
		e := &doc.Elements[i]
		u := unit{
			path:        docmodel.Path{i},
			trail:       doc.HeadingTrail(i),
			page:        e.Page,
			kind:        e.Kind,
			level:       e.Level,
			indivisible: e.Indivisible(),
		}
		switch e.Kind {
		case docmodel.KindHeading:
			u.text = e.Text
			u.heading = true
		case docmodel.KindSection:
			u.sectionMark = true
		default:
			u.text = e.PlainText()
		}
		if u.text == "" && !u.sectionMark {
			continue
		}
		units = append(units, u)
	}
	return units
}

// packer accumulates units into chunks up to a size budget, carrying the
// structural metadata of the first unit in each chunk and applying overlap
// between consecutive chunks.
type packer struct {
	cfg    Config
	chunks []Chunk
	buf    []string
	first  *unit
	size   int
}

func newPacker(cfg Config) *packer { return &packer{cfg: cfg} }

func (p *packer) add(u unit, text string) {
	if text == "" {
		return
	}
	if p.first == nil {
		u2 := u
		p.first = &u2
	}
	p.buf = append(p.buf, text)
	p.size += len(text)
}

// fits reports whether text can join the current chunk without exceeding
// the target size.
func (p *packer) fits(text string) bool {
	if p.size == 0 {
		return true
	}
	return p.size+len(text)+2 <= p.cfg.TargetSize
}

// flush emits the accumulated chunk, if any.
func (p *packer) flush() {
	if p.first == nil || len(p.buf) == 0 {
		p.reset()
		return
	}
	content := strings.Join(p.buf, "\n\n")
	p.emit(Chunk{
		Content:     content,
		ElementPath: p.first.path,
		Metadata: Metadata{
			HeadingTrail: p.first.trail,
			Page:         p.first.page,
		},
	})
	p.reset()
}

// emitOversized emits an indivisible unit as a single flagged chunk.
func (p *packer) emitOversized(u unit) {
	p.flush()
	p.emit(Chunk{
		Content:     u.text,
		ElementPath: u.path,
		Metadata: Metadata{
			HeadingTrail: u.trail,
			Page:         u.page,
			Oversized:    true,
		},
	})
}

func (p *packer) emit(c Chunk) {
	if p.cfg.Overlap > 0 && len(p.chunks) > 0 && !c.Metadata.Oversized {
		prev := p.chunks[len(p.chunks)-1]
		if !prev.Metadata.Oversized {
			c.Content = tailRunes(prev.Content, p.cfg.Overlap) + "\n" + c.Content
		}
	}
	p.chunks = append(p.chunks, c)
}

func (p *packer) reset() {
	p.buf = p.buf[:0]
	p.first = nil
	p.size = 0
}

func (p *packer) result() []Chunk {
	p.flush()
	return p.chunks
}

// tailRunes returns the last n runes of s, snapped forward to the next
// word boundary so overlap never starts mid-word.
func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	tail := runes[len(runes)-n:]
	for i, r := range tail {
		if unicode.IsSpace(r) {
			return strings.TrimSpace(string(tail[i:]))
		}
	}
	return string(tail)
}

// sentence boundary detection: a period, question or exclamation mark
// followed by whitespace and an upper-case letter or digit, or end of text.
// Abbreviation handling is deliberately minimal; the common cases are
// covered by requiring the capital follow-up.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '?' && r != '!' {
			continue
		}
		// Consume trailing closers like quotes or parens.
		j := i + 1
		for j < len(runes) && (runes[j] == '"' || runes[j] == '\'' || runes[j] == ')') {
			j++
		}
		if j >= len(runes) {
			i = j - 1
			continue
		}
		if !unicode.IsSpace(runes[j]) {
			continue
		}
		k := j
		for k < len(runes) && unicode.IsSpace(runes[k]) {
			k++
		}
		if k < len(runes) && !unicode.IsUpper(runes[k]) && !unicode.IsDigit(runes[k]) {
			continue
		}
		s := strings.TrimSpace(string(runes[start:j]))
		if s != "" {
			out = append(out, s)
		}
		start = k
		i = k - 1
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		out = append(out, rest)
	}
	return out
}

// splitToSize breaks text into pieces no longer than limit using a
// descending separator hierarchy: blank line, newline, sentence, word.
// Pieces are reassembled greedily so adjacent small fragments merge back
// up to the limit.
func splitToSize(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	pieces := splitBy(text, limit, []string{"\n\n", "\n"})
	return repack(pieces, limit)
}

func splitBy(text string, limit int, seps []string) []string {
	if len(text) <= limit {
		return []string{text}
	}
	if len(seps) == 0 {
		return splitSentencesOrWords(text, limit)
	}
	parts := strings.Split(text, seps[0])
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, splitBy(p, limit, seps[1:])...)
	}
	return out
}

func splitSentencesOrWords(text string, limit int) []string {
	var out []string
	for _, s := range splitSentences(text) {
		if len(s) <= limit {
			out = append(out, s)
			continue
		}
		// Last resort: split on words.
		words := strings.Fields(s)
		var b strings.Builder
		for _, w := range words {
			if b.Len() > 0 && b.Len()+len(w)+1 > limit {
				out = append(out, b.String())
				b.Reset()
			}
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(w)
		}
		if b.Len() > 0 {
			out = append(out, b.String())
		}
	}
	return out
}

// repack greedily merges adjacent pieces back together up to limit.
func repack(pieces []string, limit int) []string {
	var out []string
	var b strings.Builder
	for _, p := range pieces {
		if b.Len() > 0 && b.Len()+len(p)+1 > limit {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
