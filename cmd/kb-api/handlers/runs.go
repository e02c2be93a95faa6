package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kbforge/kbforge/cmd/kb-api/middleware"
	"github.com/kbforge/kbforge/internal/kberr"
	"github.com/kbforge/kbforge/internal/observability"
	"github.com/kbforge/kbforge/internal/orchestrator"
	"github.com/kbforge/kbforge/internal/tenant"
)

// RunHandler serves pipeline run status, logs and control.
type RunHandler struct {
	log  *observability.Logger
	orch *orchestrator.Orchestrator
}

func NewRunHandler(log *observability.Logger, orch *orchestrator.Orchestrator) *RunHandler {
	return &RunHandler{log: log, orch: orch}
}

// Status handles GET /kb-pipeline/{run_id}/status.
func (h *RunHandler) Status(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := h.orch.RunStatus(r.Context(), tc, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Logs handles GET /kb-pipeline/{run_id}/logs?since=…&limit=….
func (h *RunHandler) Logs(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		since, err = time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, kberr.InvalidArgument("since must be RFC3339"))
			return
		}
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.orch.RunLogs(r.Context(), tc, runID, since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// Cancel handles POST /kb-pipeline/{run_id}/cancel.
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.orch.CancelRun, "cancel_requested")
}

// Pause handles POST /kb-pipeline/{run_id}/pause.
func (h *RunHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.orch.PauseRun, "pause_requested")
}

// Resume handles POST /kb-pipeline/{run_id}/resume.
func (h *RunHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.orch.ResumeRun, "resumed")
}

func (h *RunHandler) control(w http.ResponseWriter, r *http.Request, op func(context.Context, tenant.Context, uuid.UUID) error, status string) {
	tc := middleware.TenantFromContext(r.Context())
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := op(r.Context(), tc, runID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID.String(), "status": status})
}

// Events handles GET /kb-pipeline/{run_id}/events as a server-sent event
// stream. Poll /logs instead when a proxy buffers the response.
func (h *RunHandler) Events(w http.ResponseWriter, r *http.Request) {
	tc := middleware.TenantFromContext(r.Context())
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, kberr.New(kberr.KindInternal, "streaming unsupported by connection"))
		return
	}
	events, unsubscribe, err := h.orch.SubscribeEvents(r.Context(), tc, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload, open := <-events:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
