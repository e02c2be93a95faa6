package chunker

import (
	"math"
	"strings"

	"github.com/kbforge/kbforge/internal/docmodel"
)

func init() { Register(&semanticStrategy{}) }

// EmbedFunc embeds a batch of sentences. The semantic strategy uses it to
// score adjacent-sentence similarity; when none is wired it falls back to a
// deterministic lexical overlap score so results stay reproducible offline.
type EmbedFunc func(texts []string) ([][]float32, error)

// UseSemanticEmbedder wires a real embedder into the registered semantic
// strategy. Passing nil restores the lexical fallback.
func UseSemanticEmbedder(fn EmbedFunc) {
	Register(&semanticStrategy{embed: fn})
}

// Sentences group while the group's mean similarity to the incoming sentence
// stays at or above tau; a relative drop of more than delta against the
// previous pair also breaks the group, which catches topic shifts inside
// an otherwise cohesive run. Lexical Jaccard runs much lower than embedding
// cosine, so the fallback uses its own tau.
const (
	semanticTau   = 0.75
	semanticDelta = 0.2
	lexicalTau    = 0.15
)

type semanticStrategy struct {
	embed EmbedFunc
}

func (*semanticStrategy) Name() string { return StrategySemantic }

func (s *semanticStrategy) Chunk(doc *docmodel.Document, cfg Config) ([]Chunk, error) {
	p := newPacker(cfg)
	for _, u := range flatten(doc) {
		if u.sectionMark {
			p.flush()
			continue
		}
		if u.indivisible && cfg.PreserveStructure &&
			(u.kind == docmodel.KindTable || u.kind == docmodel.KindCodeBlock) {
			if len(u.text) > cfg.TargetSize {
				p.emitOversized(u)
			} else {
				if !p.fits(u.text) {
					p.flush()
				}
				p.add(u, u.text)
			}
			continue
		}
		sentences := splitSentences(u.text)
		if len(sentences) == 0 {
			continue
		}
		sims, err := s.similarities(sentences)
		if err != nil {
			return nil, err
		}
		tau := semanticTau
		if s.embed == nil {
			tau = lexicalTau
		}
		// Running mean similarity of the open group; resets on every break
		// so each group is judged on its own cohesion.
		var simSum float64
		var simN int
		for i, sent := range sentences {
			breakHere := false
			if i > 0 {
				sim := sims[i-1]
				if (simSum+sim)/float64(simN+1) < tau {
					breakHere = true
				}
				if i > 1 && sims[i-2]-sim > semanticDelta {
					breakHere = true
				}
				if !breakHere {
					simSum += sim
					simN++
				}
			}
			if breakHere || !p.fits(sent) {
				p.flush()
				simSum, simN = 0, 0
			}
			if len(sent) > cfg.TargetSize {
				p.flush()
				for _, piece := range splitToSize(sent, cfg.TargetSize) {
					p.add(u, piece)
					p.flush()
				}
				simSum, simN = 0, 0
				continue
			}
			p.add(u, sent)
		}
	}
	return p.result(), nil
}

// similarities returns the cosine similarity of each adjacent sentence pair.
func (s *semanticStrategy) similarities(sentences []string) ([]float64, error) {
	if len(sentences) < 2 {
		return nil, nil
	}
	sims := make([]float64, len(sentences)-1)
	if s.embed == nil {
		for i := 0; i < len(sentences)-1; i++ {
			sims[i] = lexicalSimilarity(sentences[i], sentences[i+1])
		}
		return sims, nil
	}
	vecs, err := s.embed(sentences)
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(vecs)-1; i++ {
		sims[i] = cosine(vecs[i], vecs[i+1])
	}
	return sims, nil
}

// lexicalSimilarity is the Jaccard overlap of lower-cased word sets.
func lexicalSimilarity(a, b string) float64 {
	sa := wordSet(a)
	sb := wordSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for w := range sa {
		if _, ok := sb[w]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, `.,;:!?"'()`)
		if len(w) > 2 {
			set[w] = struct{}{}
		}
	}
	return set
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
