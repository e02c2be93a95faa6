package chunker

import "github.com/kbforge/kbforge/internal/docmodel"

func init() { Register(sentenceStrategy{}) }

// sentenceStrategy packs whole sentences up to the target size. Tables and
// code blocks are treated as single sentences so their interiors survive.
type sentenceStrategy struct{}

func (sentenceStrategy) Name() string { return StrategySentence }

func (sentenceStrategy) Chunk(doc *docmodel.Document, cfg Config) ([]Chunk, error) {
	p := newPacker(cfg)
	for _, u := range flatten(doc) {
		if u.sectionMark {
			p.flush()
			continue
		}
		sentences := []string{u.text}
		if !u.indivisible || u.kind == docmodel.KindParagraph || u.kind == docmodel.KindListItem {
			sentences = splitSentences(u.text)
		}
		if u.indivisible && cfg.PreserveStructure &&
			(u.kind == docmodel.KindTable || u.kind == docmodel.KindCodeBlock) &&
			len(u.text) > cfg.TargetSize {
			p.emitOversized(u)
			continue
		}
		for _, s := range sentences {
			if len(s) > cfg.TargetSize {
				p.flush()
				for _, piece := range splitToSize(s, cfg.TargetSize) {
					p.add(u, piece)
					p.flush()
				}
				continue
			}
			if !p.fits(s) {
				p.flush()
			}
			p.add(u, s)
		}
	}
	return p.result(), nil
}
