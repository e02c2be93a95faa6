// Package main provides the kbforge API server.
package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kbforge/kbforge/cmd/kb-api/handlers"
	"github.com/kbforge/kbforge/cmd/kb-api/middleware"
	"github.com/kbforge/kbforge/internal/observability"
)

// NewRouter assembles the HTTP surface over the constructed handlers.
func NewRouter(log *observability.Logger, requestTimeout time.Duration, drafts *handlers.DraftHandler, runs *handlers.RunHandler, kbs *handlers.KBHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimiddleware.Timeout(requestTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"kbforge"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth())

		r.Route("/kb-drafts", func(r chi.Router) {
			r.Post("/", drafts.Create)
			r.Route("/{draft_id}", func(r chi.Router) {
				r.Get("/", drafts.Get)
				r.Delete("/", drafts.Delete)
				r.Post("/sources/{kind}", drafts.AddSource)
				r.Put("/sources/{source_id}", drafts.UpdateSource)
				r.Delete("/sources/{source_id}", drafts.RemoveSource)
				r.Put("/sources/{source_id}/chunking", drafts.SetChunking)
				r.Post("/preview", drafts.Preview)
				r.Get("/pages", drafts.ListPages)
				r.Get("/pages/{idx}", drafts.GetPage)
				r.Get("/chunks", drafts.SampleChunks)
				r.Post("/finalize", drafts.Finalize)
			})
		})

		r.Route("/kb-pipeline/{run_id}", func(r chi.Router) {
			r.Get("/status", runs.Status)
			r.Get("/logs", runs.Logs)
			r.Get("/events", runs.Events)
			r.Post("/cancel", runs.Cancel)
			r.Post("/pause", runs.Pause)
			r.Post("/resume", runs.Resume)
		})

		r.Route("/kbs", func(r chi.Router) {
			r.Get("/", kbs.List)
			r.Route("/{kb_id}", func(r chi.Router) {
				r.Get("/", kbs.Get)
				r.Put("/", kbs.Update)
				r.Delete("/", kbs.Delete)
				r.Post("/archive", kbs.Archive)
				r.Get("/stats", kbs.Stats)
				r.Get("/documents", kbs.ListDocuments)
				r.Post("/documents", kbs.AddSource)
				r.Get("/documents/{doc_id}", kbs.GetDocument)
				r.Put("/documents/{doc_id}", kbs.ReprocessDocument)
				r.Delete("/documents/{doc_id}", kbs.DeleteDocument)
				r.Get("/documents/{doc_id}/chunks", kbs.ListChunks)
				r.Put("/chunks/{chunk_id}/enabled", kbs.SetChunkEnabled)
			})
		})
	})

	return r
}
