package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kbforge/kbforge/cmd/kb-api/middleware"
	"github.com/kbforge/kbforge/internal/catalog"
	"github.com/kbforge/kbforge/internal/kberr"
	"github.com/kbforge/kbforge/internal/observability"
	"github.com/kbforge/kbforge/internal/source"
	"github.com/kbforge/kbforge/internal/storage"
)

// KBHandler serves finalized knowledge bases: lifecycle, documents,
// chunks and stats.
type KBHandler struct {
	log     *observability.Logger
	catalog *catalog.Service
	sources *source.Registry
}

func NewKBHandler(log *observability.Logger, cat *catalog.Service, sources *source.Registry) *KBHandler {
	return &KBHandler{log: log, catalog: cat, sources: sources}
}

// List handles GET /kbs.
func (h *KBHandler) List(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	kbs, pg, err := h.catalog.ListKBs(r.Context(), tc, pageFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(kbs, pg))
}

// Get handles GET /kbs/{kb_id}.
func (h *KBHandler) Get(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	kbID, err := pathUUID(r, "kb_id")
	if err != nil {
		writeError(w, err)
		return
	}
	kb, err := h.catalog.GetKB(r.Context(), tc, kbID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kb)
}

type updateKBRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Update handles PUT /kbs/{kb_id}. The embedding profile is frozen and
// not accepted here.
func (h *KBHandler) Update(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	kbID, err := pathUUID(r, "kb_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateKBRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kberr.InvalidArgument("invalid request body"))
		return
	}
	kb, err := h.catalog.UpdateKB(r.Context(), tc, kbID, req.Name, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kb)
}

// Archive handles POST /kbs/{kb_id}/archive.
func (h *KBHandler) Archive(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	kbID, err := pathUUID(r, "kb_id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.catalog.ArchiveKB(r.Context(), tc, kbID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /kbs/{kb_id}. Cascades to documents, chunks and
// the KB's vector collection.
func (h *KBHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	kbID, err := pathUUID(r, "kb_id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.catalog.DeleteKB(r.Context(), tc, kbID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /kbs/{kb_id}/stats.
func (h *KBHandler) Stats(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	kbID, err := pathUUID(r, "kb_id")
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := h.catalog.Stats(r.Context(), tc, kbID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListDocuments handles GET /kbs/{kb_id}/documents?status=….
func (h *KBHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	kbID, err := pathUUID(r, "kb_id")
	if err != nil {
		writeError(w, err)
		return
	}
	status := storage.DocumentStatus(r.URL.Query().Get("status"))
	docs, pg, err := h.catalog.ListDocuments(r.Context(), tc, kbID, status, pageFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(docs, pg))
}

// GetDocument handles GET /kbs/{kb_id}/documents/{doc_id}.
func (h *KBHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	docID, err := pathUUID(r, "doc_id")
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := h.catalog.GetDocument(r.Context(), tc, docID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// AddSource handles POST /kbs/{kb_id}/documents: attach a new source to a
// finalized KB and queue a run that ingests it.
func (h *KBHandler) AddSource(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	kbID, err := pathUUID(r, "kb_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var spec source.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, kberr.InvalidArgument("invalid request body"))
		return
	}
	row, run, err := h.catalog.AddSource(r.Context(), tc, kbID, spec, h.sources)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"source": row}
	if run != nil {
		resp["run_id"] = run.ID.String()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// ReprocessDocument handles PUT /kbs/{kb_id}/documents/{doc_id}: mark the
// document pending and queue a single-document run.
func (h *KBHandler) ReprocessDocument(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	docID, err := pathUUID(r, "doc_id")
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := h.catalog.ReprocessDocument(r.Context(), tc, docID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID.String()})
}

// DeleteDocument handles DELETE /kbs/{kb_id}/documents/{doc_id}.
func (h *KBHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	docID, err := pathUUID(r, "doc_id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.catalog.DeleteDocument(r.Context(), tc, docID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListChunks handles GET /kbs/{kb_id}/documents/{doc_id}/chunks.
func (h *KBHandler) ListChunks(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	docID, err := pathUUID(r, "doc_id")
	if err != nil {
		writeError(w, err)
		return
	}
	chunks, pg, err := h.catalog.ListChunks(r.Context(), tc, docID, pageFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(chunks, pg))
}

type chunkEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetChunkEnabled handles PUT /kbs/{kb_id}/chunks/{chunk_id}/enabled.
// Disabled chunks are excluded both at catalog query time and by the
// enabled filter compiled into vector searches.
func (h *KBHandler) SetChunkEnabled(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	chunkID, err := pathUUID(r, "chunk_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req chunkEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kberr.InvalidArgument("invalid request body"))
		return
	}
	if err := h.catalog.SetChunkEnabled(r.Context(), tc, chunkID, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
