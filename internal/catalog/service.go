// Package catalog is the service layer over the durable store: KB and
// document lifecycle, chunk curation, stats. Every operation takes the
// caller's tenant context and stays inside its workspace.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kbforge/kbforge/internal/kberr"
	"github.com/kbforge/kbforge/internal/observability"
	"github.com/kbforge/kbforge/internal/storage"
	"github.com/kbforge/kbforge/internal/tenant"
	"github.com/kbforge/kbforge/internal/vector"
)

// Scheduler enqueues pipeline work. Implemented by the orchestrator.
type Scheduler interface {
	// EnqueueRun creates and queues a run over the KB's sources.
	EnqueueRun(ctx context.Context, kb *storage.KnowledgeBase) (*storage.PipelineRun, error)
	// EnqueueDocument queues a reprocess scoped to one document.
	EnqueueDocument(ctx context.Context, kb *storage.KnowledgeBase, doc *storage.Document) (*storage.PipelineRun, error)
}

// Service exposes the catalog operations.
type Service struct {
	repos     *storage.Repositories
	vectors   *vector.Provider
	scheduler Scheduler
	log       *observability.Logger
}

func NewService(repos *storage.Repositories, vectors *vector.Provider, log *observability.Logger) *Service {
	if log == nil {
		log = observability.Nop()
	}
	return &Service{repos: repos, vectors: vectors, log: log.WithComponent("catalog")}
}

// SetScheduler wires the orchestrator in after both sides exist.
func (s *Service) SetScheduler(sched Scheduler) { s.scheduler = sched }

// Repositories exposes the underlying repositories to trusted callers
// (the orchestrator shares the same rows).
func (s *Service) Repositories() *storage.Repositories { return s.repos }

// Vectors exposes the index provider for the KB's collections.
func (s *Service) Vectors() *vector.Provider { return s.vectors }

func mapStorageErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return kberr.NotFound("%s not found", what)
	case errors.Is(err, storage.ErrConflict):
		return kberr.New(kberr.KindConflictState, what+" is in a conflicting state")
	default:
		return kberr.Wrap(kberr.KindInternal, err, "catalog: "+what)
	}
}

// GetKB loads a knowledge base in the caller's workspace.
func (s *Service) GetKB(ctx context.Context, tc tenant.Context, kbID uuid.UUID) (*storage.KnowledgeBase, error) {
	kb, err := s.repos.KnowledgeBases.GetByID(ctx, tc.WorkspaceID, kbID)
	return kb, mapStorageErr(err, "knowledge base")
}

// ListKBs pages through the workspace's knowledge bases.
func (s *Service) ListKBs(ctx context.Context, tc tenant.Context, page storage.Page) ([]*storage.KnowledgeBase, storage.Page, error) {
	kbs, pg, err := s.repos.KnowledgeBases.ListByWorkspace(ctx, tc.WorkspaceID, page)
	return kbs, pg, mapStorageErr(err, "knowledge bases")
}

// UpdateKB changes name and description. The embedding profile is frozen.
func (s *Service) UpdateKB(ctx context.Context, tc tenant.Context, kbID uuid.UUID, name, description string) (*storage.KnowledgeBase, error) {
	if !tc.Role.CanEdit() {
		return nil, kberr.New(kberr.KindForbidden, "role may not modify knowledge bases")
	}
	kb, err := s.GetKB(ctx, tc, kbID)
	if err != nil {
		return nil, err
	}
	if name != "" {
		kb.Name = name
	}
	kb.Description = description
	kb.UpdatedAt = time.Now().UTC()
	if err := s.repos.KnowledgeBases.Update(ctx, kb); err != nil {
		return nil, mapStorageErr(err, "knowledge base")
	}
	return kb, nil
}

// TransitionKBStatus applies a guarded status transition.
func (s *Service) TransitionKBStatus(ctx context.Context, workspaceID string, kbID uuid.UUID, from, to storage.KBStatus) error {
	return mapStorageErr(
		s.repos.KnowledgeBases.UpdateStatus(ctx, workspaceID, kbID, from, to),
		"knowledge base")
}

// ArchiveKB parks a KB out of listings without deleting data.
func (s *Service) ArchiveKB(ctx context.Context, tc tenant.Context, kbID uuid.UUID) error {
	if !tc.Role.CanAdmin() {
		return kberr.New(kberr.KindForbidden, "role may not archive knowledge bases")
	}
	kb, err := s.GetKB(ctx, tc, kbID)
	if err != nil {
		return err
	}
	if kb.Status == storage.KBStatusArchived {
		return nil
	}
	return s.TransitionKBStatus(ctx, tc.WorkspaceID, kbID, kb.Status, storage.KBStatusArchived)
}

// DeleteKB removes a KB and everything it owns: vectors first, rows last,
// so a crash mid-delete leaves orphans the reconciler can find.
func (s *Service) DeleteKB(ctx context.Context, tc tenant.Context, kbID uuid.UUID) error {
	if !tc.Role.CanAdmin() {
		return kberr.New(kberr.KindForbidden, "role may not delete knowledge bases")
	}
	kb, err := s.GetKB(ctx, tc, kbID)
	if err != nil {
		return err
	}
	if run, err := s.repos.Runs.ActiveByKB(ctx, kbID); err == nil && run != nil {
		return kberr.New(kberr.KindConflictState, "knowledge base has an active pipeline run")
	}

	idx, err := s.openIndex(ctx, kb)
	if err == nil {
		if derr := idx.Drop(ctx); derr != nil {
			s.log.Warn().Err(derr).Str("kb_id", kbID.String()).Msg("vector collection drop failed, reconciler will retry")
		}
	}
	return mapStorageErr(s.repos.KnowledgeBases.Delete(ctx, tc.WorkspaceID, kbID), "knowledge base")
}

// Stats assembles the per-KB statistics view. documents.total and
// documents.active are distinct fields by contract.
func (s *Service) Stats(ctx context.Context, tc tenant.Context, kbID uuid.UUID) (*storage.KBStats, error) {
	if _, err := s.GetKB(ctx, tc, kbID); err != nil {
		return nil, err
	}
	byStatus, err := s.repos.Documents.CountsByStatus(ctx, kbID)
	if err != nil {
		return nil, mapStorageErr(err, "document counts")
	}
	stats := &storage.KBStats{DocumentsByStatus: byStatus}
	for _, n := range byStatus {
		stats.DocumentsTotal += n
	}
	for _, status := range storage.ActiveDocumentStatuses {
		stats.DocumentsActive += byStatus[status]
	}
	total, enabled, err := s.repos.Chunks.Counts(ctx, kbID)
	if err != nil {
		return nil, mapStorageErr(err, "chunk counts")
	}
	stats.ChunksTotal = total
	stats.ChunksEnabled = enabled

	last, err := s.repos.Documents.LastIndexedAt(ctx, kbID)
	if err != nil {
		return nil, mapStorageErr(err, "last indexed")
	}
	stats.LastIndexedAt = last
	return stats, nil
}

func (s *Service) openIndex(ctx context.Context, kb *storage.KnowledgeBase) (vector.Index, error) {
	return s.vectors.Open(ctx, vector.Profile{
		KBID:        kb.ID,
		WorkspaceID: kb.WorkspaceID,
		Dimension:   kb.Profile.Dimension,
	})
}
