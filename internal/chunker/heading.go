package chunker

import "github.com/kbforge/kbforge/internal/docmodel"

func init() {
	Register(headingStrategy{})
	Register(sectionStrategy{})
}

// section is a run of units opened by a heading (or the document start).
type section struct {
	units []unit
	size  int
	trail []string
}

func (s *section) add(u unit) {
	s.units = append(s.units, u)
	s.size += len(u.text)
}

// groupByHeadings cuts the unit stream at every heading.
func groupByHeadings(units []unit) []section {
	var sections []section
	cur := section{}
	for _, u := range units {
		if u.heading && len(cur.units) > 0 {
			sections = append(sections, cur)
			cur = section{}
		}
		if len(cur.units) == 0 {
			cur.trail = u.trail
		}
		cur.add(u)
	}
	if len(cur.units) > 0 {
		sections = append(sections, cur)
	}
	return sections
}

// groupBySectionMarks cuts only at explicit section breaks and page changes.
func groupBySectionMarks(units []unit) []section {
	var sections []section
	cur := section{}
	lastPage := 0
	for _, u := range units {
		pageBreak := u.page != 0 && lastPage != 0 && u.page != lastPage
		if (u.sectionMark || pageBreak) && len(cur.units) > 0 {
			sections = append(sections, cur)
			cur = section{}
		}
		if u.page != 0 {
			lastPage = u.page
		}
		if u.sectionMark {
			continue
		}
		if len(cur.units) == 0 {
			cur.trail = u.trail
		}
		cur.add(u)
	}
	if len(cur.units) > 0 {
		sections = append(sections, cur)
	}
	return sections
}

// chunkSections emits one chunk per section, recursing into sections larger
// than the target. When merge is set, sections smaller than a quarter of the
// target are merged with a following sibling that shares the same trail.
func chunkSections(sections []section, cfg Config, merge bool) []Chunk {
	if merge {
		sections = mergeSmall(sections, cfg.TargetSize/4)
	}
	var chunks []Chunk
	for _, sec := range sections {
		if sec.size > cfg.TargetSize {
			chunks = append(chunks, recursiveChunk(sec.units, cfg)...)
			continue
		}
		p := newPacker(cfg)
		for _, u := range sec.units {
			p.add(u, u.text)
		}
		chunks = append(chunks, p.result()...)
	}
	return chunks
}

// mergeSmall folds a tiny section into its successor when both sit under
// the same parent heading.
func mergeSmall(sections []section, min int) []section {
	var out []section
	for _, sec := range sections {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if prev.size < min && sameParent(prev.trail, sec.trail) {
				for _, u := range sec.units {
					prev.add(u)
				}
				continue
			}
		}
		out = append(out, sec)
	}
	return out
}

func sameParent(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	if len(a) != len(b) {
		// Nested one level deeper still counts when the prefix matches.
		if len(b) == len(a)+1 {
			b = b[:len(a)]
		} else if len(a) == len(b)+1 {
			a = a[:len(b)]
		} else {
			return false
		}
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// headingStrategy groups content under its nearest heading, merging tiny
// sections with siblings and recursing into oversized ones.
type headingStrategy struct{}

func (headingStrategy) Name() string { return StrategyByHeading }

func (headingStrategy) Chunk(doc *docmodel.Document, cfg Config) ([]Chunk, error) {
	return chunkSections(groupByHeadings(flatten(doc)), cfg, true), nil
}

// sectionStrategy cuts at explicit section breaks and page boundaries and
// never merges, so document sections map one-to-one onto chunks unless a
// section outgrows the target.
type sectionStrategy struct{}

func (sectionStrategy) Name() string { return StrategyBySection }

func (sectionStrategy) Chunk(doc *docmodel.Document, cfg Config) ([]Chunk, error) {
	return chunkSections(groupBySectionMarks(flatten(doc)), cfg, false), nil
}
