package catalog

import (
	"context"

	"github.com/google/uuid"

	"github.com/kbforge/kbforge/internal/kberr"
	"github.com/kbforge/kbforge/internal/source"
	"github.com/kbforge/kbforge/internal/storage"
	"github.com/kbforge/kbforge/internal/tenant"
)

// ListDocuments pages through a KB's documents, optionally filtered by status.
func (s *Service) ListDocuments(ctx context.Context, tc tenant.Context, kbID uuid.UUID, status storage.DocumentStatus, page storage.Page) ([]*storage.Document, storage.Page, error) {
	if _, err := s.GetKB(ctx, tc, kbID); err != nil {
		return nil, storage.Page{}, err
	}
	docs, pg, err := s.repos.Documents.ListByKB(ctx, tc.WorkspaceID, kbID, status, page)
	return docs, pg, mapStorageErr(err, "documents")
}

// GetDocument loads one document in the caller's workspace.
func (s *Service) GetDocument(ctx context.Context, tc tenant.Context, docID uuid.UUID) (*storage.Document, error) {
	doc, err := s.repos.Documents.GetByID(ctx, tc.WorkspaceID, docID)
	return doc, mapStorageErr(err, "document")
}

// AddSource attaches a new source to an existing KB and queues a run to
// ingest it.
func (s *Service) AddSource(ctx context.Context, tc tenant.Context, kbID uuid.UUID, spec source.Spec, registry *source.Registry) (*storage.Source, *storage.PipelineRun, error) {
	if !tc.Role.CanEdit() {
		return nil, nil, kberr.New(kberr.KindForbidden, "role may not modify sources")
	}
	kb, err := s.GetKB(ctx, tc, kbID)
	if err != nil {
		return nil, nil, err
	}
	if kb.Status == storage.KBStatusArchived {
		return nil, nil, kberr.New(kberr.KindConflictState, "knowledge base is archived")
	}
	spec.ID = uuid.NewString()
	if err := registry.Validate(spec); err != nil {
		return nil, nil, err
	}
	row, err := SourceFromSpec(kb, spec)
	if err != nil {
		return nil, nil, err
	}
	if err := s.repos.Sources.Create(ctx, row); err != nil {
		return nil, nil, mapStorageErr(err, "source")
	}
	if s.scheduler == nil {
		return row, nil, nil
	}
	run, err := s.scheduler.EnqueueRun(ctx, kb)
	if err != nil {
		return row, nil, err
	}
	return row, run, nil
}

// ReprocessDocument marks a document pending and queues a single-document run.
func (s *Service) ReprocessDocument(ctx context.Context, tc tenant.Context, docID uuid.UUID) (*storage.PipelineRun, error) {
	if !tc.Role.CanEdit() {
		return nil, kberr.New(kberr.KindForbidden, "role may not reprocess documents")
	}
	doc, err := s.GetDocument(ctx, tc, docID)
	if err != nil {
		return nil, err
	}
	kb, err := s.GetKB(ctx, tc, doc.KBID)
	if err != nil {
		return nil, err
	}
	if s.scheduler == nil {
		return nil, kberr.New(kberr.KindConflictState, "no pipeline scheduler available")
	}
	if err := s.repos.Documents.UpdateStatus(ctx, docID, storage.DocStatusPending, ""); err != nil {
		return nil, mapStorageErr(err, "document")
	}
	return s.scheduler.EnqueueDocument(ctx, kb, doc)
}

// DeleteDocument removes a document's vectors first, then its rows.
func (s *Service) DeleteDocument(ctx context.Context, tc tenant.Context, docID uuid.UUID) error {
	if !tc.Role.CanEdit() {
		return kberr.New(kberr.KindForbidden, "role may not delete documents")
	}
	doc, err := s.GetDocument(ctx, tc, docID)
	if err != nil {
		return err
	}
	kb, err := s.GetKB(ctx, tc, doc.KBID)
	if err != nil {
		return err
	}
	idx, err := s.openIndex(ctx, kb)
	if err != nil {
		return err
	}
	if err := idx.DeleteByDocument(ctx, tc.WorkspaceID, docID); err != nil {
		return err
	}
	return mapStorageErr(s.repos.Documents.Delete(ctx, tc.WorkspaceID, docID), "document")
}

// ListChunks pages through a document's chunks in ordinal order.
func (s *Service) ListChunks(ctx context.Context, tc tenant.Context, docID uuid.UUID, page storage.Page) ([]*storage.Chunk, storage.Page, error) {
	if _, err := s.GetDocument(ctx, tc, docID); err != nil {
		return nil, storage.Page{}, err
	}
	chunks, pg, err := s.repos.Chunks.ListByDocument(ctx, tc.WorkspaceID, docID, page)
	return chunks, pg, mapStorageErr(err, "chunks")
}

// SetChunkEnabled flips a chunk's curation flag in the catalog and in the
// vector index payload, so retrieval filters see the change immediately.
func (s *Service) SetChunkEnabled(ctx context.Context, tc tenant.Context, chunkID uuid.UUID, enabled bool) error {
	if !tc.Role.CanEdit() {
		return kberr.New(kberr.KindForbidden, "role may not curate chunks")
	}
	chunk, err := s.repos.Chunks.GetByID(ctx, tc.WorkspaceID, chunkID)
	if err != nil {
		return mapStorageErr(err, "chunk")
	}
	kb, err := s.repos.KnowledgeBases.GetByID(ctx, tc.WorkspaceID, chunk.KBID)
	if err != nil {
		return mapStorageErr(err, "knowledge base")
	}
	if err := s.repos.Chunks.SetEnabled(ctx, tc.WorkspaceID, chunkID, enabled); err != nil {
		return mapStorageErr(err, "chunk")
	}
	if chunk.VectorID == "" {
		return nil
	}
	vectorID, err := uuid.Parse(chunk.VectorID)
	if err != nil {
		return kberr.Wrap(kberr.KindDataError, err, "chunk has a malformed vector id")
	}
	idx, err := s.openIndex(ctx, kb)
	if err != nil {
		return err
	}
	return idx.SetEnabled(ctx, vectorID, enabled)
}
