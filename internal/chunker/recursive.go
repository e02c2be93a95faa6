package chunker

import "github.com/kbforge/kbforge/internal/docmodel"

func init() { Register(recursiveStrategy{}) }

// recursiveStrategy packs elements greedily up to the target size, splitting
// oversized divisible text along a descending separator hierarchy (blank
// line, newline, sentence, word). Indivisible elements that exceed the
// target are emitted whole and flagged when preserve_structure is set.
type recursiveStrategy struct{}

func (recursiveStrategy) Name() string { return StrategyRecursive }

func (recursiveStrategy) Chunk(doc *docmodel.Document, cfg Config) ([]Chunk, error) {
	return recursiveChunk(flatten(doc), cfg), nil
}

func recursiveChunk(units []unit, cfg Config) []Chunk {
	p := newPacker(cfg)
	for _, u := range units {
		if u.sectionMark {
			p.flush()
			continue
		}
		if len(u.text) > cfg.TargetSize {
			if u.indivisible && cfg.PreserveStructure {
				p.emitOversized(u)
				continue
			}
			p.flush()
			for _, piece := range splitToSize(u.text, cfg.TargetSize) {
				p.add(u, piece)
				p.flush()
			}
			continue
		}
		if !p.fits(u.text) {
			p.flush()
		}
		p.add(u, u.text)
	}
	return p.result()
}
