package vector

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/kbforge/kbforge/internal/kberr"
)

// Provider builds indexes for knowledge bases from the configured backend.
type Provider struct {
	backend string
	qdrant  QdrantConfig

	memMu sync.Mutex
	mem   map[uuid.UUID]*MemoryIndex
}

// NewProvider selects the backend by name, "memory" or "qdrant".
func NewProvider(backend string, qcfg QdrantConfig) (*Provider, error) {
	switch backend {
	case "":
		backend = "memory"
	case "memory", "qdrant":
	default:
		return nil, kberr.Newf(kberr.KindInvalidArgument, "unknown vector backend %q", backend)
	}
	return &Provider{
		backend: backend,
		qdrant:  qcfg,
		mem:     make(map[uuid.UUID]*MemoryIndex),
	}, nil
}

// Open returns the index for one knowledge base. Memory indexes are shared
// per process so the orchestrator and the API see the same data.
func (p *Provider) Open(ctx context.Context, profile Profile) (Index, error) {
	if p.backend == "qdrant" {
		return NewQdrantIndex(ctx, p.qdrant, profile)
	}
	p.memMu.Lock()
	defer p.memMu.Unlock()
	if idx, ok := p.mem[profile.KBID]; ok {
		if idx.profile.Dimension != profile.Dimension {
			return nil, kberr.Newf(kberr.KindProfileMismatch,
				"index for kb %s holds dimension %d, profile requires %d",
				profile.KBID, idx.profile.Dimension, profile.Dimension)
		}
		return idx, nil
	}
	idx := NewMemoryIndex(profile)
	p.mem[profile.KBID] = idx
	return idx, nil
}
