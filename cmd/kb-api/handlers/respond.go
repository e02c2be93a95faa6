// Package handlers provides the HTTP handlers for the kbforge API.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kbforge/kbforge/internal/kberr"
	"github.com/kbforge/kbforge/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, kberr.HTTPStatus(err), map[string]any{
		"error": err.Error(),
		"kind":  string(kberr.KindOf(err)),
	})
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, kberr.InvalidArgument("invalid %s", name)
	}
	return id, nil
}

// pageFromQuery reads the standard pagination parameters.
func pageFromQuery(r *http.Request) storage.Page {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return storage.Page{Page: page, Limit: limit}
}

// pageEnvelope is the listing envelope every collection endpoint uses.
type pageEnvelope struct {
	Items       any  `json:"items"`
	Page        int  `json:"page"`
	Limit       int  `json:"limit"`
	Total       int  `json:"total"`
	TotalPages  int  `json:"total_pages"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
}

func envelope(items any, pg storage.Page) pageEnvelope {
	return pageEnvelope{
		Items:       items,
		Page:        pg.Page,
		Limit:       pg.Limit,
		Total:       pg.Total,
		TotalPages:  pg.TotalPages,
		HasNext:     pg.HasNext,
		HasPrevious: pg.HasPrevious,
	}
}
