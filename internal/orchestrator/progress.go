package orchestrator

import (
	"sync"

	"github.com/kbforge/kbforge/internal/storage"
)

// Stage weights for the run's overall percentage. They sum to 1.
var stageWeights = map[storage.Stage]float64{
	storage.StageIngest: 0.20,
	storage.StageParse:  0.20,
	storage.StageChunk:  0.15,
	storage.StageEmbed:  0.30,
	storage.StageIndex:  0.15,
}

// progressTracker accumulates per-document stage completions against a
// best-known planned total. Crawl-style sources only reveal their size as
// they go, so the planned count is an estimate that grows with reality.
type progressTracker struct {
	mu      sync.Mutex
	planned int
	seen    int
	done    float64
}

func newProgressTracker() *progressTracker {
	return &progressTracker{}
}

// plan raises the planned document estimate.
func (p *progressTracker) plan(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.planned += n
	p.mu.Unlock()
}

// sawDocument records one real document entering the pipeline.
func (p *progressTracker) sawDocument() {
	p.mu.Lock()
	p.seen++
	p.mu.Unlock()
}

// credit adds one document's completed stage.
func (p *progressTracker) credit(stage storage.Stage) {
	p.mu.Lock()
	p.done += stageWeights[stage]
	p.mu.Unlock()
}

// creditRemaining closes out a document that stops early, skipped or
// failed, so the percentage stays monotonic.
func (p *progressTracker) creditRemaining(from storage.Stage) {
	order := []storage.Stage{
		storage.StageIngest, storage.StageParse, storage.StageChunk,
		storage.StageEmbed, storage.StageIndex,
	}
	p.mu.Lock()
	crediting := false
	for _, s := range order {
		if s == from {
			crediting = true
		}
		if crediting {
			p.done += stageWeights[s]
		}
	}
	p.mu.Unlock()
}

// pct returns the weighted completion percentage, clamped to [0, 100].
func (p *progressTracker) pct() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.planned
	if p.seen > total {
		total = p.seen
	}
	if total == 0 {
		return 0
	}
	pct := p.done / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
