// Package draft holds in-progress knowledge base authoring state. Drafts
// live only in the key-value layer with a TTL; nothing touches durable
// storage until finalize.
package draft

import (
	"time"

	"github.com/google/uuid"

	"github.com/kbforge/kbforge/internal/chunker"
	"github.com/kbforge/kbforge/internal/docmodel"
	"github.com/kbforge/kbforge/internal/embedding"
	"github.com/kbforge/kbforge/internal/source"
)

// KBSpec is the knowledge base being authored.
type KBSpec struct {
	Name             string             `json:"name"`
	Description      string             `json:"description,omitempty"`
	EmbeddingProfile *embedding.Profile `json:"embedding_profile,omitempty"`
	DefaultChunking  *chunker.Config    `json:"default_chunking,omitempty"`
	TTL              time.Duration      `json:"ttl,omitempty"`
}

// Page is one fetched page preserved at preview time. Content is the full
// extracted text, never truncated.
type Page struct {
	URI      string         `json:"uri"`
	Title    string         `json:"title,omitempty"`
	Content  string         `json:"content"`
	Language string         `json:"language,omitempty"`
	Stats    docmodel.Stats `json:"stats"`
}

// SampleChunk is one chunk produced under the resolved config for preview.
type SampleChunk struct {
	Ordinal      int      `json:"ordinal"`
	Content      string   `json:"content"`
	CharCount    int      `json:"char_count"`
	TokenCount   int      `json:"token_count"`
	HeadingTrail []string `json:"heading_trail,omitempty"`
	Oversized    bool     `json:"oversized,omitempty"`
}

// SourcePreview is one source's slice of the preview bundle. Error carries
// the failure when the source could not be fetched; the rest of the draft
// stays usable.
type SourcePreview struct {
	SourceID     string        `json:"source_id"`
	Pages        []Page        `json:"pages,omitempty"`
	SampleChunks []SampleChunk `json:"sample_chunks,omitempty"`
	Probe        source.Probe  `json:"probe"`
	Error        string        `json:"error,omitempty"`
	ComputedAt   time.Time     `json:"computed_at"`
}

// Draft is the full authoring record stored under draft:{workspace}:{id}.
type Draft struct {
	DraftID           string                    `json:"draft_id"`
	WorkspaceID       string                    `json:"workspace_id"`
	OrgID             string                    `json:"org_id,omitempty"`
	CreatedBy         string                    `json:"created_by"`
	CreatedAt         time.Time                 `json:"created_at"`
	ExpiresAt         time.Time                 `json:"expires_at"`
	Spec              KBSpec                    `json:"kb_spec"`
	Sources           []source.Spec             `json:"sources"`
	ChunkingOverrides map[string]chunker.Config `json:"chunking_overrides,omitempty"`
	Previews          map[string]*SourcePreview `json:"previews,omitempty"`
}

// Expired reports whether the draft is past its expiry.
func (d *Draft) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// Source finds a source spec by id.
func (d *Draft) Source(id string) (source.Spec, bool) {
	for _, s := range d.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return source.Spec{}, false
}

// ResolveChunking returns the chunking config for one source: the source's
// override, then the draft default, then the package default.
func (d *Draft) ResolveChunking(sourceID string) chunker.Config {
	if cfg, ok := d.ChunkingOverrides[sourceID]; ok {
		return cfg
	}
	if s, ok := d.Source(sourceID); ok && s.Chunking != nil {
		return *s.Chunking
	}
	if d.Spec.DefaultChunking != nil {
		return *d.Spec.DefaultChunking
	}
	return chunker.DefaultConfig()
}

// FinalizeResult is what a successful finalize hands back.
type FinalizeResult struct {
	KBID  uuid.UUID `json:"kb_id"`
	RunID uuid.UUID `json:"run_id"`
}

func newDraftID() string { return uuid.NewString() }
