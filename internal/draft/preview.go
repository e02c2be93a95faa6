package draft

import (
	"context"
	"io"
	"time"

	"github.com/kbforge/kbforge/internal/chunker"
	"github.com/kbforge/kbforge/internal/kberr"
	"github.com/kbforge/kbforge/internal/parser"
	"github.com/kbforge/kbforge/internal/source"
	"github.com/kbforge/kbforge/internal/tenant"
)

// Preview computes bounded preview artifacts for one source, or for every
// source when sourceID is empty. Per-source failures land in the preview's
// error slot; the rest of the draft stays usable.
func (s *Service) Preview(ctx context.Context, tc tenant.Context, draftID, sourceID string, pageLimit, chunkLimit int) (map[string]*SourcePreview, error) {
	d, err := s.Get(ctx, tc, draftID)
	if err != nil {
		return nil, err
	}
	if pageLimit <= 0 || pageLimit > s.cfg.PreviewPages {
		pageLimit = s.cfg.PreviewPages
	}
	if chunkLimit <= 0 || chunkLimit > s.cfg.PreviewChunks {
		chunkLimit = s.cfg.PreviewChunks
	}

	targets := d.Sources
	if sourceID != "" {
		src, ok := d.Source(sourceID)
		if !ok {
			return nil, kberr.NotFound("source not found")
		}
		targets = []source.Spec{src}
	}

	if d.Previews == nil {
		d.Previews = make(map[string]*SourcePreview)
	}
	for _, src := range targets {
		d.Previews[src.ID] = s.previewSource(ctx, d, src, pageLimit, chunkLimit)
	}
	if err := s.store.Put(ctx, d); err != nil {
		return nil, err
	}

	out := make(map[string]*SourcePreview, len(targets))
	for _, src := range targets {
		out[src.ID] = d.Previews[src.ID]
	}
	return out, nil
}

func (s *Service) previewSource(ctx context.Context, d *Draft, src source.Spec, pageLimit, chunkLimit int) *SourcePreview {
	pv := &SourcePreview{SourceID: src.ID, ComputedAt: time.Now().UTC()}

	adapter, err := s.sources.For(src.Kind)
	if err != nil {
		pv.Error = err.Error()
		return pv
	}
	if probe, err := adapter.Probe(ctx, src); err == nil {
		pv.Probe = probe
	}

	cfg := d.ResolveChunking(src.ID)
	opts := source.FetchOptions{
		MaxDocuments: pageLimit,
		ResolveChild: func(id string) (source.Spec, error) {
			child, ok := d.Source(id)
			if !ok {
				return source.Spec{}, kberr.NotFound("composite child %s not found", id)
			}
			return child, nil
		},
	}

	sink := source.SinkFunc(func(_ context.Context, raw source.RawDocument, _ string) error {
		if len(pv.Pages) >= pageLimit {
			return errPreviewFull
		}
		if raw.Reader != nil {
			defer raw.Reader.Close()
			data, rerr := io.ReadAll(raw.Reader)
			if rerr != nil {
				return kberr.Wrap(kberr.KindInternal, rerr, "read streamed document")
			}
			raw.Data = data
		}
		doc, perr := parser.Parse(parser.Input{
			URI:      raw.URI,
			Mime:     raw.Mime,
			Data:     raw.Data,
			Metadata: raw.Metadata,
		})
		if perr != nil {
			// One unparseable page does not fail the preview.
			pv.Pages = append(pv.Pages, Page{URI: raw.URI, Title: raw.Title})
			return nil
		}
		title := doc.Title
		if title == "" {
			title = raw.Title
		}
		pv.Pages = append(pv.Pages, Page{
			URI:      raw.URI,
			Title:    title,
			Content:  doc.PlainText(),
			Language: doc.Language,
			Stats:    doc.ComputeStats(),
		})

		if len(pv.SampleChunks) < chunkLimit {
			chunks, cerr := chunker.Split(doc, cfg)
			if cerr == nil {
				chunks = chunker.WithAnnotations(chunks, src.Annotations)
				for _, c := range chunks {
					if len(pv.SampleChunks) >= chunkLimit {
						break
					}
					pv.SampleChunks = append(pv.SampleChunks, SampleChunk{
						Ordinal:      c.Ordinal,
						Content:      c.Content,
						CharCount:    c.CharCount,
						TokenCount:   c.TokenCount,
						HeadingTrail: c.Metadata.HeadingTrail,
						Oversized:    c.Metadata.Oversized,
					})
				}
			}
		}
		if len(pv.Pages) >= pageLimit && len(pv.SampleChunks) >= chunkLimit {
			return errPreviewFull
		}
		return nil
	})

	if err := adapter.Fetch(ctx, src, opts, sink); err != nil && err != errPreviewFull {
		if len(pv.Pages) == 0 {
			pv.Error = err.Error()
		}
	}
	return pv
}

// errPreviewFull stops a fetch once the preview bounds are reached.
var errPreviewFull = kberr.New(kberr.KindResourceExhausted, "preview limit reached")

// Sample chunks the draft's sources under a candidate chunking config
// without touching the stored overrides, so callers can compare
// strategies before committing to one.
func (s *Service) Sample(ctx context.Context, tc tenant.Context, draftID, sourceID string, cfg chunker.Config, chunkLimit int) (map[string][]SampleChunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, err := s.Get(ctx, tc, draftID)
	if err != nil {
		return nil, err
	}
	if chunkLimit <= 0 || chunkLimit > s.cfg.PreviewChunks {
		chunkLimit = s.cfg.PreviewChunks
	}

	targets := d.Sources
	if sourceID != "" {
		src, ok := d.Source(sourceID)
		if !ok {
			return nil, kberr.NotFound("source not found")
		}
		targets = []source.Spec{src}
	}

	out := make(map[string][]SampleChunk, len(targets))
	for _, src := range targets {
		override := src
		override.Chunking = &cfg
		saved := d.ChunkingOverrides
		d.ChunkingOverrides = map[string]chunker.Config{src.ID: cfg}
		pv := s.previewSource(ctx, d, override, s.cfg.PreviewPages, chunkLimit)
		d.ChunkingOverrides = saved
		out[src.ID] = pv.SampleChunks
	}
	return out, nil
}
