// Package chunker splits structured documents into retrieval units.
// Strategies are selected at runtime through a registry keyed by a stable
// string tag; all strategies honor the structural invariants documented on
// Config.
package chunker

import (
	"sort"
	"strings"
	"sync"

	"github.com/kbforge/kbforge/internal/docmodel"
	"github.com/kbforge/kbforge/internal/kberr"
)

// Strategy tags for the registry.
const (
	StrategyRecursive = "recursive"
	StrategySentence  = "sentence"
	StrategyToken     = "token"
	StrategySemantic  = "semantic"
	StrategyByHeading = "by_heading"
	StrategyBySection = "by_section"
	StrategyParagraph = "paragraph"
	StrategyAdaptive  = "adaptive"
	StrategyHybrid    = "hybrid"
)

// Size bounds for Config validation.
const (
	MinTargetSize = 100
	MaxTargetSize = 8000
)

// Config controls how a document is split.
//
// TargetSize is in characters unless Strategy is "token", where it is in
// tokens. Overlap must not exceed TargetSize/2. When PreserveStructure is
// set, a chunk never splits the interior of a table, code block, list item
// or paragraph; an indivisible unit larger than TargetSize is emitted as one
// chunk flagged oversized.
type Config struct {
	Strategy          string `json:"strategy" yaml:"strategy"`
	TargetSize        int    `json:"target_size" yaml:"target_size"`
	Overlap           int    `json:"overlap" yaml:"overlap"`
	PreserveStructure bool   `json:"preserve_structure" yaml:"preserve_structure"`
}

// DefaultConfig returns the default chunking configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:          StrategyRecursive,
		TargetSize:        1000,
		Overlap:           200,
		PreserveStructure: true,
	}
}

// Validate checks the config against the declared bounds.
func (c Config) Validate() error {
	if _, ok := lookup(c.Strategy); !ok {
		return kberr.InvalidArgument("unknown chunking strategy %q", c.Strategy)
	}
	if c.TargetSize < MinTargetSize || c.TargetSize > MaxTargetSize {
		return kberr.InvalidArgument("target_size %d outside [%d, %d]", c.TargetSize, MinTargetSize, MaxTargetSize)
	}
	if c.Overlap < 0 || c.Overlap > c.TargetSize/2 {
		return kberr.InvalidArgument("overlap %d outside [0, %d]", c.Overlap, c.TargetSize/2)
	}
	return nil
}

// Metadata carried by every produced chunk.
type Metadata struct {
	HeadingTrail []string `json:"heading_trail,omitempty"`
	Page         int      `json:"page,omitempty"`
	TableID      string   `json:"table_id,omitempty"`
	Annotations  []string `json:"annotations,omitempty"`
	Oversized    bool     `json:"oversized,omitempty"`
}

// Chunk is one retrieval unit before persistence. Ordinal is assigned in
// reading order starting at 0 and is stable for identical input.
type Chunk struct {
	Ordinal     int
	Content     string
	ElementPath docmodel.Path
	TokenCount  int
	CharCount   int
	Metadata    Metadata
}

// Strategy splits a structured document under a validated config.
type Strategy interface {
	Name() string
	Chunk(doc *docmodel.Document, cfg Config) ([]Chunk, error)
}

var (
	regMu    sync.RWMutex
	registry = map[string]Strategy{}
)

// Register adds a strategy to the registry. Later registrations with the
// same name win, which lets tests substitute instrumented strategies.
func Register(s Strategy) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[s.Name()] = s
}

func lookup(name string) (Strategy, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	s, ok := registry[name]
	return s, ok
}

// Names returns the registered strategy tags, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Split validates the config, dispatches to the named strategy and
// normalizes the result (ordinals, counts).
func Split(doc *docmodel.Document, cfg Config) ([]Chunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s, ok := lookup(cfg.Strategy)
	if !ok {
		return nil, kberr.InvalidArgument("unknown chunking strategy %q", cfg.Strategy)
	}
	chunks, err := s.Chunk(doc, cfg)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].Ordinal = i
		chunks[i].CharCount = len(chunks[i].Content)
		if chunks[i].TokenCount == 0 {
			chunks[i].TokenCount = len(strings.Fields(chunks[i].Content))
		}
	}
	return chunks, nil
}

// WithAnnotations appends source annotations to every chunk's metadata.
func WithAnnotations(chunks []Chunk, annotations []string) []Chunk {
	if len(annotations) == 0 {
		return chunks
	}
	for i := range chunks {
		chunks[i].Metadata.Annotations = append(chunks[i].Metadata.Annotations, annotations...)
	}
	return chunks
}
