package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kbforge/kbforge/internal/cache"
	"github.com/kbforge/kbforge/internal/embedding"
	"github.com/kbforge/kbforge/internal/kberr"
	"github.com/kbforge/kbforge/internal/observability"
	"github.com/kbforge/kbforge/internal/storage"
	"github.com/kbforge/kbforge/internal/vector"
)

// errRunCancelled aborts stage work after a cancel token is observed.
// Compared by identity, never by kind.
var errRunCancelled = errors.New("run cancelled")

const pausePollInterval = time.Second

// runContext carries everything one run's stage work needs.
type runContext struct {
	o        *Orchestrator
	run      *storage.PipelineRun
	kb       *storage.KnowledgeBase
	embedder embedding.Embedder
	index    vector.Index
	rec      *recorder
	prog     *progressTracker
	log      *observability.Logger

	mu       sync.Mutex
	hardErr  error
	scopeDoc *storage.Document
}

// scopeToDocument narrows the run to one document's URI.
func (rc *runContext) scopeToDocument(doc *storage.Document) {
	rc.mu.Lock()
	rc.scopeDoc = doc
	rc.mu.Unlock()
}

func (rc *runContext) setHardError(err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.hardErr == nil {
		rc.hardErr = err
	}
}

func (rc *runContext) hardError() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.hardErr
}

func (o *Orchestrator) executeRun(ctx context.Context, run *storage.PipelineRun) {
	defer o.clearScope(run.ID)
	log := o.log.WithRun(run.ID.String())

	if err := o.repos.Runs.TransitionState(ctx, run.ID, storage.RunStateRunning, storage.RunStateQueued); err != nil {
		// Cancelled while queued, or picked up twice after a resume race.
		log.Info().Err(err).Msg("run not transitioned to running, skipping")
		return
	}
	run.State = storage.RunStateRunning

	kb, err := o.repos.KnowledgeBases.GetByID(ctx, run.WorkspaceID, run.KBID)
	if err != nil {
		o.finishRun(ctx, run, nil, storage.RunStateFailed, "knowledge base missing: "+err.Error())
		return
	}
	_ = o.repos.KnowledgeBases.UpdateStatus(ctx, kb.WorkspaceID, kb.ID, "", storage.KBStatusProcessing)

	embedder, err := embedding.New(embedding.Profile{
		Provider:   kb.Profile.Provider,
		Model:      kb.Profile.Model,
		Dimension:  kb.Profile.Dimension,
		Normalized: kb.Profile.Normalized,
	})
	if err != nil {
		o.finishRun(ctx, run, kb, storage.RunStateFailed, "embedder unavailable: "+err.Error())
		return
	}
	index, err := o.vectors.Open(ctx, vector.Profile{
		KBID:        kb.ID,
		WorkspaceID: kb.WorkspaceID,
		Dimension:   kb.Profile.Dimension,
	})
	if err != nil {
		o.finishRun(ctx, run, kb, storage.RunStateFailed, "vector index unavailable: "+err.Error())
		return
	}

	rc := &runContext{
		o:        o,
		run:      run,
		kb:       kb,
		embedder: embedder,
		index:    index,
		rec:      newRecorder(o.repos.StageEvents, o.kv, run.ID, o.cfg.StageLogLimit, log),
		prog:     newProgressTracker(),
		log:      log,
	}

	srcRows, err := o.runSources(ctx, rc)
	if err != nil {
		o.finishRun(ctx, run, kb, storage.RunStateFailed, err.Error())
		return
	}
	if len(srcRows) == 0 {
		o.finishRun(ctx, run, kb, storage.RunStateFailed, "run has no sources")
		return
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(o.cfg.SourceConcurrency)
	for _, row := range srcRows {
		row := row
		eg.Go(func() error {
			return rc.processSource(egCtx, row)
		})
	}
	err = eg.Wait()

	switch {
	case errors.Is(err, errRunCancelled):
		rc.rec.event(ctx, run.Stage, storage.LevelWarn, "run cancelled", eventIDs{})
		o.finishRun(ctx, run, kb, storage.RunStateCancelled, "")
		_ = o.kv.Delete(ctx, cache.CancelKey(run.ID.String()))
	case rc.hardError() != nil:
		rc.rec.event(ctx, run.Stage, storage.LevelError, rc.hardError().Error(), eventIDs{})
		o.finishRun(ctx, run, kb, storage.RunStateFailed, rc.hardError().Error())
	case err != nil:
		o.finishRun(ctx, run, kb, storage.RunStateFailed, err.Error())
	case run.DocsDone == 0:
		o.finishRun(ctx, run, kb, storage.RunStateFailed, "no documents indexed")
	default:
		run.ProgressPct = 100
		o.finishRun(ctx, run, kb, storage.RunStateCompleted, "")
	}
}

// runSources resolves the rows this run covers: the KB's sources, or the
// single document's source for a scoped reprocess.
func (o *Orchestrator) runSources(ctx context.Context, rc *runContext) ([]*storage.Source, error) {
	if docID, ok := o.scopedDocument(rc.run.ID); ok {
		doc, err := o.repos.Documents.GetByID(ctx, rc.run.WorkspaceID, docID)
		if err != nil {
			return nil, kberr.Wrap(kberr.KindInternal, err, "load scoped document")
		}
		rc.scopeToDocument(doc)
		row, err := o.repos.Sources.GetByID(ctx, rc.run.WorkspaceID, doc.SourceID)
		if err != nil {
			return nil, kberr.Wrap(kberr.KindInternal, err, "load scoped source")
		}
		return []*storage.Source{row}, nil
	}
	rows, err := o.repos.Sources.ListByKB(ctx, rc.run.WorkspaceID, rc.run.KBID)
	if err != nil {
		return nil, kberr.Wrap(kberr.KindInternal, err, "list sources")
	}
	return rows, nil
}

// finishRun moves the run to a terminal state and settles the KB status.
func (o *Orchestrator) finishRun(ctx context.Context, run *storage.PipelineRun, kb *storage.KnowledgeBase, state storage.RunState, reason string) {
	run.FailReason = reason
	if err := o.repos.Runs.UpdateProgress(ctx, run); err != nil {
		o.log.Warn().Err(err).Str("run_id", run.ID.String()).Msg("final progress write failed")
	}
	if err := o.repos.Runs.TransitionState(ctx, run.ID, state,
		storage.RunStateRunning, storage.RunStateQueued, storage.RunStatePaused); err != nil {
		o.log.Warn().Err(err).Str("run_id", run.ID.String()).Msg("terminal transition failed")
	}
	if kb == nil {
		return
	}
	// The KB status follows the run state. A failed run marks the KB
	// failed even when some documents indexed before the hard error; the
	// partial chunks stay in place for the retry. A cancelled run keeps
	// the KB usable when anything landed.
	kbStatus := storage.KBStatusFailed
	switch {
	case state == storage.RunStateCompleted:
		kbStatus = storage.KBStatusReady
	case state == storage.RunStateCancelled && run.DocsDone > 0:
		kbStatus = storage.KBStatusReady
	}
	_ = o.repos.KnowledgeBases.UpdateStatus(ctx, kb.WorkspaceID, kb.ID, "", kbStatus)
	o.log.Info().
		Str("run_id", run.ID.String()).
		Str("state", string(state)).
		Int("docs_done", run.DocsDone).
		Int("docs_failed", run.DocsFailed).
		Int("vectors_indexed", run.VectorsIndexed).
		Msg("run finished")
}

// checkControl is called at document and batch boundaries. It returns
// errRunCancelled once the cancel token is set, and blocks while the run
// is paused.
func (rc *runContext) checkControl(ctx context.Context) error {
	runID := rc.run.ID.String()
	if _, err := rc.o.kv.Get(ctx, cache.CancelKey(runID)); err == nil {
		return errRunCancelled
	}
	if _, err := rc.o.kv.Get(ctx, cache.PauseKey(runID)); err != nil {
		return nil
	}

	// Paused. The guarded transition makes exactly one goroutine flip the
	// durable state; the rest just wait.
	if err := rc.o.repos.Runs.TransitionState(ctx, rc.run.ID, storage.RunStatePaused, storage.RunStateRunning); err == nil {
		rc.rec.event(ctx, rc.run.Stage, storage.LevelInfo, "run paused", eventIDs{})
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pausePollInterval):
		}
		if _, err := rc.o.kv.Get(ctx, cache.CancelKey(runID)); err == nil {
			_ = rc.o.repos.Runs.TransitionState(ctx, rc.run.ID, storage.RunStateRunning, storage.RunStatePaused)
			return errRunCancelled
		}
		if _, err := rc.o.kv.Get(ctx, cache.PauseKey(runID)); err != nil {
			if terr := rc.o.repos.Runs.TransitionState(ctx, rc.run.ID, storage.RunStateRunning, storage.RunStatePaused); terr == nil {
				rc.rec.event(ctx, rc.run.Stage, storage.LevelInfo, "run resumed", eventIDs{})
			}
			return nil
		}
	}
}

// persistProgress writes the current counters and weighted pct.
func (rc *runContext) persistProgress(ctx context.Context, stage storage.Stage) {
	rc.mu.Lock()
	rc.run.Stage = stage
	rc.run.ProgressPct = rc.prog.pct()
	snapshot := *rc.run
	rc.mu.Unlock()
	if err := rc.o.repos.Runs.UpdateProgress(ctx, &snapshot); err != nil {
		rc.log.Warn().Err(err).Msg("progress write failed")
	}
}
