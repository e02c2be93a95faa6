// Package embedding provides embedding generation for chunk content.
// Providers register by id; a knowledge base freezes its (provider, model,
// dimension, normalized) profile at finalize time.
package embedding

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/kbforge/kbforge/internal/kberr"
)

// Embedder turns text into vectors. Implementations must be safe for
// concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
	Normalized() bool
}

// Profile identifies an embedder configuration. It matches the frozen
// profile stored on a knowledge base.
type Profile struct {
	Provider   string
	Model      string
	Dimension  int
	Normalized bool
}

// Factory builds an embedder for a profile.
type Factory func(p Profile) (Embedder, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterProvider binds a factory to a provider id.
func RegisterProvider(id string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[id] = f
}

// New resolves a profile to a concrete embedder and verifies the embedder
// agrees with the requested dimension.
func New(p Profile) (Embedder, error) {
	regMu.RLock()
	f, ok := factories[p.Provider]
	regMu.RUnlock()
	if !ok {
		return nil, kberr.Newf(kberr.KindInvalidArgument, "unknown embedding provider %q", p.Provider)
	}
	e, err := f(p)
	if err != nil {
		return nil, err
	}
	if p.Dimension > 0 && e.Dimension() != p.Dimension {
		return nil, kberr.Newf(kberr.KindProfileMismatch,
			"provider %s model %s produces dimension %d, profile requires %d",
			p.Provider, p.Model, e.Dimension(), p.Dimension)
	}
	return e, nil
}

// Providers returns the registered provider ids, sorted.
func Providers() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for id := range factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Normalize scales v to unit length in place and returns it. Zero vectors
// pass through unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
