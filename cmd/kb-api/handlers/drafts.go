package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kbforge/kbforge/cmd/kb-api/middleware"
	"github.com/kbforge/kbforge/internal/chunker"
	"github.com/kbforge/kbforge/internal/draft"
	"github.com/kbforge/kbforge/internal/embedding"
	"github.com/kbforge/kbforge/internal/kberr"
	"github.com/kbforge/kbforge/internal/observability"
	"github.com/kbforge/kbforge/internal/source"
)

// DraftHandler serves the draft authoring surface.
type DraftHandler struct {
	log    *observability.Logger
	drafts *draft.Service
}

func NewDraftHandler(log *observability.Logger, drafts *draft.Service) *DraftHandler {
	return &DraftHandler{log: log, drafts: drafts}
}

type createDraftRequest struct {
	Name             string             `json:"name"`
	Description      string             `json:"description"`
	EmbeddingProfile *embedding.Profile `json:"embedding_profile,omitempty"`
	DefaultChunking  *chunker.Config    `json:"default_chunking,omitempty"`
	TTLSeconds       int                `json:"ttl_seconds,omitempty"`
}

// Create handles POST /kb-drafts.
func (h *DraftHandler) Create(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	var req createDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kberr.InvalidArgument("invalid request body"))
		return
	}
	d, err := h.drafts.Create(r.Context(), tc, draft.KBSpec{
		Name:             req.Name,
		Description:      req.Description,
		EmbeddingProfile: req.EmbeddingProfile,
		DefaultChunking:  req.DefaultChunking,
		TTL:              time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// Get handles GET /kb-drafts/{draft_id}.
func (h *DraftHandler) Get(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	d, err := h.drafts.Get(r.Context(), tc, chi.URLParam(r, "draft_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Delete handles DELETE /kb-drafts/{draft_id}.
func (h *DraftHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	if err := h.drafts.Delete(r.Context(), tc, chi.URLParam(r, "draft_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddSource handles POST /kb-drafts/{draft_id}/sources/{kind}.
func (h *DraftHandler) AddSource(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	var spec source.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, kberr.InvalidArgument("invalid request body"))
		return
	}
	spec.Kind = source.Kind(chi.URLParam(r, "kind"))
	id, err := h.drafts.AddSource(r.Context(), tc, chi.URLParam(r, "draft_id"), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"source_id": id})
}

// UpdateSource handles PUT /kb-drafts/{draft_id}/sources/{source_id}.
func (h *DraftHandler) UpdateSource(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	var spec source.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, kberr.InvalidArgument("invalid request body"))
		return
	}
	err := h.drafts.UpdateSource(r.Context(), tc, chi.URLParam(r, "draft_id"), chi.URLParam(r, "source_id"), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveSource handles DELETE /kb-drafts/{draft_id}/sources/{source_id}.
func (h *DraftHandler) RemoveSource(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	err := h.drafts.RemoveSource(r.Context(), tc, chi.URLParam(r, "draft_id"), chi.URLParam(r, "source_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetChunking handles PUT /kb-drafts/{draft_id}/sources/{source_id}/chunking.
func (h *DraftHandler) SetChunking(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	var cfg chunker.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, kberr.InvalidArgument("invalid request body"))
		return
	}
	err := h.drafts.SetChunkingOverride(r.Context(), tc, chi.URLParam(r, "draft_id"), chi.URLParam(r, "source_id"), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Preview handles POST /kb-drafts/{draft_id}/preview.
func (h *DraftHandler) Preview(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	q := r.URL.Query()
	pages, _ := strconv.Atoi(q.Get("pages"))
	chunks, _ := strconv.Atoi(q.Get("chunks"))
	previews, err := h.drafts.Preview(r.Context(), tc, chi.URLParam(r, "draft_id"), q.Get("source_id"), pages, chunks)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"previews": previews})
}

// ListPages handles GET /kb-drafts/{draft_id}/pages?source_id=….
func (h *DraftHandler) ListPages(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	sourceID := r.URL.Query().Get("source_id")
	if sourceID == "" {
		writeError(w, kberr.InvalidArgument("source_id query parameter is required"))
		return
	}
	pages, err := h.drafts.ListPages(r.Context(), tc, chi.URLParam(r, "draft_id"), sourceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

// GetPage handles GET /kb-drafts/{draft_id}/pages/{idx}.
func (h *DraftHandler) GetPage(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	sourceID := r.URL.Query().Get("source_id")
	if sourceID == "" {
		writeError(w, kberr.InvalidArgument("source_id query parameter is required"))
		return
	}
	idx, err := strconv.Atoi(chi.URLParam(r, "idx"))
	if err != nil {
		writeError(w, kberr.InvalidArgument("invalid page index"))
		return
	}
	page, err := h.drafts.GetPage(r.Context(), tc, chi.URLParam(r, "draft_id"), sourceID, idx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// SampleChunks handles GET /kb-drafts/{draft_id}/chunks?strategy=….
// It chunks the draft's sources under a candidate config without
// changing the stored configuration.
func (h *DraftHandler) SampleChunks(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	q := r.URL.Query()

	cfg := chunker.DefaultConfig()
	if s := q.Get("strategy"); s != "" {
		cfg.Strategy = s
	}
	if v := q.Get("target_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, kberr.InvalidArgument("invalid target_size"))
			return
		}
		cfg.TargetSize = n
	}
	if v := q.Get("overlap"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, kberr.InvalidArgument("invalid overlap"))
			return
		}
		cfg.Overlap = n
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	samples, err := h.drafts.Sample(r.Context(), tc, chi.URLParam(r, "draft_id"), q.Get("source_id"), cfg, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategy": cfg.Strategy, "chunks": samples})
}

// Finalize handles POST /kb-drafts/{draft_id}/finalize.
func (h *DraftHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	result, err := h.drafts.Finalize(r.Context(), tc, chi.URLParam(r, "draft_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"kb_id":  result.KBID.String(),
		"run_id": result.RunID.String(),
	})
}
