package embedding

import (
	"context"
	"hash/fnv"
	"strings"
)

func init() {
	RegisterProvider("local", func(p Profile) (Embedder, error) {
		dim := p.Dimension
		if dim <= 0 {
			dim = 256
		}
		model := p.Model
		if model == "" {
			model = "kbforge-minilm-256"
		}
		return NewLocalEmbedder(model, dim), nil
	})
}

// LocalEmbedder is the deterministic CPU reference model: hashed word and
// character n-gram features projected into the target dimension, then L2
// normalized. Identical text always yields the identical vector, which makes
// it the default for development and the embedder used in tests. Lexically
// similar texts land near each other, so semantic chunking and search
// behave plausibly without a model server.
type LocalEmbedder struct {
	model string
	dim   int
}

func NewLocalEmbedder(model string, dim int) *LocalEmbedder {
	return &LocalEmbedder{model: model, dim: dim}
}

func (e *LocalEmbedder) Model() string    { return e.model }
func (e *LocalEmbedder) Dimension() int   { return e.dim }
func (e *LocalEmbedder) Normalized() bool { return true }

func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return e.embed(text), nil
}

func (e *LocalEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.embed(t)
	}
	return out, nil
}

func (e *LocalEmbedder) embed(text string) []float32 {
	v := make([]float32, e.dim)
	words := strings.Fields(strings.ToLower(text))
	for _, w := range words {
		w = strings.Trim(w, `.,;:!?"'()[]{}`)
		if w == "" {
			continue
		}
		addFeature(v, "w:"+w, 1.0)
		// Character trigrams give partial credit to inflected forms.
		for i := 0; i+3 <= len(w); i++ {
			addFeature(v, "t:"+w[i:i+3], 0.5)
		}
	}
	// Word bigrams capture a little word order.
	for i := 0; i+1 < len(words); i++ {
		addFeature(v, "b:"+words[i]+" "+words[i+1], 0.75)
	}
	return Normalize(v)
}

// addFeature hashes the feature into a slot with a hash-derived sign, the
// usual feature-hashing trick to keep collisions unbiased.
func addFeature(v []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	slot := int(sum % uint64(len(v)))
	if (sum>>63)&1 == 1 {
		weight = -weight
	}
	v[slot] += weight
}
