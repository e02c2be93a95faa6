package chunker

import "github.com/kbforge/kbforge/internal/docmodel"

func init() {
	Register(adaptiveStrategy{})
	Register(&hybridStrategy{})
}

// adaptiveStrategy inspects document shape and delegates: heading-dense
// documents go by heading, prose with short paragraphs goes by paragraph,
// everything else falls back to recursive.
type adaptiveStrategy struct{}

func (adaptiveStrategy) Name() string { return StrategyAdaptive }

func (adaptiveStrategy) Chunk(doc *docmodel.Document, cfg Config) ([]Chunk, error) {
	delegated := cfg
	delegated.Strategy = pickStrategy(doc, cfg)
	s, _ := lookup(delegated.Strategy)
	return s.Chunk(doc, delegated)
}

// pickStrategy chooses a concrete strategy from document statistics. One
// heading per 800 characters or better counts as heading-dense.
func pickStrategy(doc *docmodel.Document, cfg Config) string {
	stats := doc.ComputeStats()
	if stats.CharCount == 0 {
		return StrategyRecursive
	}
	if stats.HeadingCount > 1 && stats.CharCount/stats.HeadingCount <= 800 {
		return StrategyByHeading
	}
	if stats.ParagraphCount > 0 {
		avg := stats.CharCount / stats.ParagraphCount
		if avg <= cfg.TargetSize/2 {
			return StrategyParagraph
		}
	}
	return StrategyRecursive
}

// hybridStrategy groups by heading first, then applies semantic packing
// inside each section so chunk boundaries respect both structure and topic.
type hybridStrategy struct{}

func (*hybridStrategy) Name() string { return StrategyHybrid }

func (h *hybridStrategy) Chunk(doc *docmodel.Document, cfg Config) ([]Chunk, error) {
	sem, ok := lookup(StrategySemantic)
	if !ok {
		return recursiveChunk(flatten(doc), cfg), nil
	}
	sections := groupByHeadings(flatten(doc))
	sections = mergeSmall(sections, cfg.TargetSize/4)

	var chunks []Chunk
	for _, sec := range sections {
		if sec.size <= cfg.TargetSize {
			p := newPacker(cfg)
			for _, u := range sec.units {
				p.add(u, u.text)
			}
			chunks = append(chunks, p.result()...)
			continue
		}
		sub := sectionDocument(sec)
		secChunks, err := sem.Chunk(sub, cfg)
		if err != nil {
			return nil, err
		}
		// Re-anchor paths and trails to the original document.
		for i := range secChunks {
			base := sec.units[0]
			if idx := firstIndex(secChunks[i].ElementPath); idx >= 0 && idx < len(sec.units) {
				base = sec.units[idx]
			}
			secChunks[i].ElementPath = base.path
			secChunks[i].Metadata.HeadingTrail = base.trail
			secChunks[i].Metadata.Page = base.page
		}
		chunks = append(chunks, secChunks...)
	}
	return chunks, nil
}

// sectionDocument rebuilds a standalone document from a section's units so
// a delegate strategy can process it in isolation.
func sectionDocument(sec section) *docmodel.Document {
	sub := &docmodel.Document{}
	for _, u := range sec.units {
		e := docmodel.Element{Text: u.text, Page: u.page}
		switch {
		case u.heading:
			e.Kind = docmodel.KindHeading
			e.Level = u.level
		case u.kind != "":
			e.Kind = u.kind
		default:
			e.Kind = docmodel.KindParagraph
		}
		// Tables and code already flattened to text; keep them atomic.
		if e.Kind == docmodel.KindTable || e.Kind == docmodel.KindCodeBlock {
			e.Kind = docmodel.KindCodeBlock
		}
		sub.Elements = append(sub.Elements, e)
	}
	return sub
}

func firstIndex(p docmodel.Path) int {
	if len(p) == 0 {
		return -1
	}
	return p[0]
}
