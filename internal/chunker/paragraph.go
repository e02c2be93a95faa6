package chunker

import "github.com/kbforge/kbforge/internal/docmodel"

func init() { Register(paragraphStrategy{}) }

// paragraphStrategy keeps paragraph boundaries as chunk boundaries, packing
// adjacent short paragraphs together up to the target size.
type paragraphStrategy struct{}

func (paragraphStrategy) Name() string { return StrategyParagraph }

func (paragraphStrategy) Chunk(doc *docmodel.Document, cfg Config) ([]Chunk, error) {
	p := newPacker(cfg)
	for _, u := range flatten(doc) {
		if u.sectionMark {
			p.flush()
			continue
		}
		if len(u.text) > cfg.TargetSize {
			if u.indivisible && cfg.PreserveStructure {
				p.emitOversized(u)
			} else {
				p.flush()
				for _, piece := range splitToSize(u.text, cfg.TargetSize) {
					p.add(u, piece)
					p.flush()
				}
			}
			continue
		}
		if !p.fits(u.text) {
			p.flush()
		}
		p.add(u, u.text)
		if u.kind != docmodel.KindHeading && u.kind != docmodel.KindListItem {
			// One paragraph, one chunk, unless several small ones fit.
			if p.size >= cfg.TargetSize/2 {
				p.flush()
			}
		}
	}
	return p.result(), nil
}
