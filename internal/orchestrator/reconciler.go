package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kbforge/kbforge/internal/storage"
	"github.com/kbforge/kbforge/internal/vector"
)

func (o *Orchestrator) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Reconcile(ctx); err != nil {
				o.log.Warn().Err(err).Msg("reconcile sweep failed")
			}
		}
	}
}

// Reconcile runs one sweep: expired drafts, orphaned vectors left behind
// by crashed deletes, and chunk-count divergence between the catalog and
// reality. KBs with an active run are left alone.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	if o.drafts != nil {
		if removed, err := o.drafts.Sweep(ctx); err == nil && removed > 0 {
			o.log.Info().Int("removed", removed).Msg("expired drafts swept")
		}
	}

	kbs, err := o.repos.KnowledgeBases.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, kb := range kbs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if run, aerr := o.repos.Runs.ActiveByKB(ctx, kb.ID); aerr == nil && run != nil {
			continue
		}
		if err := o.reconcileKB(ctx, kb); err != nil {
			o.log.Warn().Err(err).Str("kb_id", kb.ID.String()).Msg("kb reconcile failed")
		}
	}
	return nil
}

func (o *Orchestrator) reconcileKB(ctx context.Context, kb *storage.KnowledgeBase) error {
	idx, err := o.vectors.Open(ctx, vector.Profile{
		KBID:        kb.ID,
		WorkspaceID: kb.WorkspaceID,
		Dimension:   kb.Profile.Dimension,
	})
	if err != nil {
		return err
	}

	indexed, err := idx.IDs(ctx, kb.WorkspaceID)
	if err != nil {
		return err
	}
	known, err := o.repos.Chunks.IDsByKB(ctx, kb.ID)
	if err != nil {
		return err
	}
	knownSet := make(map[uuid.UUID]struct{}, len(known))
	for _, id := range known {
		knownSet[id] = struct{}{}
	}
	var orphans []uuid.UUID
	for _, id := range indexed {
		if _, ok := knownSet[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		if err := idx.DeleteByIDs(ctx, orphans); err != nil {
			return err
		}
		o.log.Info().
			Str("kb_id", kb.ID.String()).
			Int("orphans", len(orphans)).
			Msg("orphaned vectors removed")
	}

	// Documents whose recorded chunk count no longer matches their rows
	// get re-queued for processing.
	docs, err := o.repos.Documents.ListByStatus(ctx, kb.ID, storage.DocStatusIndexed)
	if err != nil {
		return err
	}
	diverged := false
	for _, doc := range docs {
		n, cerr := o.repos.Chunks.CountByDocument(ctx, doc.ID)
		if cerr != nil {
			return cerr
		}
		if n != doc.ChunkCount {
			// Marked failed, not pending: the divergence is observable as a
			// failure until the scheduled reprocess repairs it.
			_ = o.repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocStatusFailed, "chunk count divergence")
			diverged = true
			o.log.Warn().
				Str("document_id", doc.ID.String()).
				Int("recorded", doc.ChunkCount).
				Int("actual", n).
				Msg("chunk count divergence, document marked failed for reprocess")
		}
	}
	if diverged {
		if _, eerr := o.EnqueueRun(ctx, kb); eerr != nil && !errors.Is(eerr, context.Canceled) {
			o.log.Warn().Err(eerr).Str("kb_id", kb.ID.String()).Msg("reconcile reprocess enqueue failed")
		}
	}
	return nil
}
