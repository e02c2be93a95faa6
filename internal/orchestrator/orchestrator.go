// Package orchestrator drives finalized knowledge bases through the
// ingest, parse, chunk, embed and index stages. A process-wide worker
// pool pulls runs from an in-memory queue mirrored to the durable
// pipeline_runs table, so a crashed process resumes its runs on restart.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kbforge/kbforge/internal/cache"
	"github.com/kbforge/kbforge/internal/catalog"
	"github.com/kbforge/kbforge/internal/chunker"
	"github.com/kbforge/kbforge/internal/draft"
	"github.com/kbforge/kbforge/internal/embedding"
	"github.com/kbforge/kbforge/internal/kberr"
	"github.com/kbforge/kbforge/internal/observability"
	"github.com/kbforge/kbforge/internal/source"
	"github.com/kbforge/kbforge/internal/storage"
	"github.com/kbforge/kbforge/internal/tenant"
	"github.com/kbforge/kbforge/internal/vector"
)

// Config bounds the orchestrator. Zero values take the defaults.
type Config struct {
	Workers           int
	SourceConcurrency int
	EmbedBatchSize    int
	IngestTimeout     time.Duration
	ParseTimeout      time.Duration
	EmbedTimeout      time.Duration
	IndexTimeout      time.Duration
	StageLogLimit     int
	ReconcileInterval time.Duration
	MaxConcurrentRuns int
	MaxChunksPerKB    int
	MaxTotalVectors   int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.SourceConcurrency <= 0 {
		c.SourceConcurrency = 4
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 32
	}
	if c.IngestTimeout <= 0 {
		c.IngestTimeout = 120 * time.Second
	}
	if c.ParseTimeout <= 0 {
		c.ParseTimeout = 60 * time.Second
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = 30 * time.Second
	}
	if c.IndexTimeout <= 0 {
		c.IndexTimeout = 15 * time.Second
	}
	if c.StageLogLimit <= 0 {
		c.StageLogLimit = 10000
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Minute
	}
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 2
	}
	return c
}

// Orchestrator owns the run queue, the worker pool and the reconciler.
type Orchestrator struct {
	repos   *storage.Repositories
	vectors *vector.Provider
	kv      cache.Client
	sources *source.Registry
	drafts  *draft.Store
	cfg     Config
	log     *observability.Logger

	queue chan *storage.PipelineRun

	scopeMu  sync.Mutex
	docScope map[uuid.UUID]uuid.UUID

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

func New(repos *storage.Repositories, vectors *vector.Provider, kv cache.Client, sources *source.Registry, drafts *draft.Store, cfg Config, log *observability.Logger) *Orchestrator {
	if log == nil {
		log = observability.Nop()
	}
	return &Orchestrator{
		repos:    repos,
		vectors:  vectors,
		kv:       kv,
		sources:  sources,
		drafts:   drafts,
		cfg:      cfg.withDefaults(),
		log:      log.WithComponent("orchestrator"),
		queue:    make(chan *storage.PipelineRun, 256),
		docScope: make(map[uuid.UUID]uuid.UUID),
	}
}

// Start resumes interrupted runs, then launches the worker pool and the
// reconciler. It returns immediately; Stop drains the pool.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	resumed, err := o.repos.Runs.ListByStates(ctx,
		storage.RunStateQueued, storage.RunStateRunning, storage.RunStatePaused)
	if err != nil {
		return kberr.Wrap(kberr.KindInternal, err, "scan interrupted runs")
	}
	for _, run := range resumed {
		if run.State == storage.RunStateRunning {
			// A running row with no live worker is a crashed run.
			if terr := o.repos.Runs.TransitionState(ctx, run.ID, storage.RunStateQueued, storage.RunStateRunning); terr != nil {
				continue
			}
			run.State = storage.RunStateQueued
		}
		select {
		case o.queue <- run:
			o.log.Info().Str("run_id", run.ID.String()).Msg("run resumed after restart")
		default:
			o.log.Warn().Str("run_id", run.ID.String()).Msg("run queue full at startup, run stays queued")
		}
	}

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.workerLoop(ctx)
		}()
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.reconcileLoop(ctx)
	}()
	return nil
}

// Stop cancels the workers and waits for in-flight units to finish.
func (o *Orchestrator) Stop() {
	o.once.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}
		o.wg.Wait()
	})
}

func (o *Orchestrator) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case run := <-o.queue:
			o.executeRun(ctx, run)
		}
	}
}

// EnqueueRun creates a queued run for the KB and hands it to the pool.
// A KB admits one active run; the workspace admits a bounded number.
func (o *Orchestrator) EnqueueRun(ctx context.Context, kb *storage.KnowledgeBase) (*storage.PipelineRun, error) {
	if err := o.checkRunQuota(ctx, kb.WorkspaceID); err != nil {
		return nil, err
	}
	run := &storage.PipelineRun{KBID: kb.ID, WorkspaceID: kb.WorkspaceID, State: storage.RunStateQueued}
	if err := o.repos.Runs.Create(ctx, run); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, kberr.New(kberr.KindConflictState, "knowledge base already has an active run")
		}
		return nil, kberr.Wrap(kberr.KindInternal, err, "create pipeline run")
	}
	select {
	case o.queue <- run:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return run, nil
}

// EnqueueDocument queues a run scoped to a single document. The scope is
// process-local; if the process dies before the run starts, the resumed
// run reprocesses the whole KB, which the checksum dedupe makes cheap.
func (o *Orchestrator) EnqueueDocument(ctx context.Context, kb *storage.KnowledgeBase, doc *storage.Document) (*storage.PipelineRun, error) {
	if err := o.checkRunQuota(ctx, kb.WorkspaceID); err != nil {
		return nil, err
	}
	run := &storage.PipelineRun{KBID: kb.ID, WorkspaceID: kb.WorkspaceID, State: storage.RunStateQueued}
	if err := o.repos.Runs.Create(ctx, run); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, kberr.New(kberr.KindConflictState, "knowledge base already has an active run")
		}
		return nil, kberr.Wrap(kberr.KindInternal, err, "create pipeline run")
	}
	o.scopeMu.Lock()
	o.docScope[run.ID] = doc.ID
	o.scopeMu.Unlock()
	select {
	case o.queue <- run:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return run, nil
}

func (o *Orchestrator) scopedDocument(runID uuid.UUID) (uuid.UUID, bool) {
	o.scopeMu.Lock()
	defer o.scopeMu.Unlock()
	id, ok := o.docScope[runID]
	return id, ok
}

func (o *Orchestrator) clearScope(runID uuid.UUID) {
	o.scopeMu.Lock()
	defer o.scopeMu.Unlock()
	delete(o.docScope, runID)
}

func (o *Orchestrator) checkRunQuota(ctx context.Context, workspaceID string) error {
	active, err := o.repos.Runs.ListByStates(ctx,
		storage.RunStateQueued, storage.RunStateRunning, storage.RunStatePaused)
	if err != nil {
		return kberr.Wrap(kberr.KindInternal, err, "count active runs")
	}
	n := 0
	for _, run := range active {
		if run.WorkspaceID == workspaceID {
			n++
		}
	}
	if n >= o.cfg.MaxConcurrentRuns {
		return kberr.Newf(kberr.KindResourceExhausted,
			"workspace has %d active runs, limit is %d", n, o.cfg.MaxConcurrentRuns)
	}
	return nil
}

// FinalizeDraft turns a validated draft into a knowledge base with a
// queued run. Implements the draft service's finalizer contract.
func (o *Orchestrator) FinalizeDraft(ctx context.Context, tc tenant.Context, d *draft.Draft) (draft.FinalizeResult, error) {
	profile := embedding.Profile{Provider: "local"}
	if d.Spec.EmbeddingProfile != nil {
		profile = *d.Spec.EmbeddingProfile
	}
	e, err := embedding.New(profile)
	if err != nil {
		return draft.FinalizeResult{}, err
	}

	defaultChunking := chunker.DefaultConfig()
	if d.Spec.DefaultChunking != nil {
		defaultChunking = *d.Spec.DefaultChunking
	}

	kb := &storage.KnowledgeBase{
		WorkspaceID: d.WorkspaceID,
		OrgID:       d.OrgID,
		Name:        d.Spec.Name,
		Description: d.Spec.Description,
		Status:      storage.KBStatusProcessing,
		Profile: storage.EmbeddingProfile{
			Provider:   profile.Provider,
			Model:      e.Model(),
			Dimension:  e.Dimension(),
			Normalized: e.Normalized(),
		},
		DefaultChunking: storage.ChunkingColumn(defaultChunking),
		CreatedBy:       tc.UserID,
	}
	if err := o.repos.KnowledgeBases.Create(ctx, kb); err != nil {
		return draft.FinalizeResult{}, kberr.Wrap(kberr.KindInternal, err, "create knowledge base")
	}

	for _, spec := range d.Sources {
		if override, ok := d.ChunkingOverrides[spec.ID]; ok {
			cfg := override
			spec.Chunking = &cfg
		}
		row, cerr := catalog.SourceFromSpec(kb, spec)
		if cerr == nil {
			cerr = o.repos.Sources.Create(ctx, row)
		}
		if cerr != nil {
			_ = o.repos.KnowledgeBases.Delete(ctx, kb.WorkspaceID, kb.ID)
			return draft.FinalizeResult{}, kberr.Wrap(kberr.KindInternal, cerr, "persist draft source")
		}
	}

	run, err := o.EnqueueRun(ctx, kb)
	if err != nil {
		_ = o.repos.KnowledgeBases.Delete(ctx, kb.WorkspaceID, kb.ID)
		return draft.FinalizeResult{}, err
	}
	o.log.Info().
		Str("kb_id", kb.ID.String()).
		Str("run_id", run.ID.String()).
		Int("sources", len(d.Sources)).
		Msg("draft finalized into knowledge base")
	return draft.FinalizeResult{KBID: kb.ID, RunID: run.ID}, nil
}
