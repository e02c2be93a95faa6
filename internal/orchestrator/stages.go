package orchestrator

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kbforge/kbforge/internal/cache"
	"github.com/kbforge/kbforge/internal/catalog"
	"github.com/kbforge/kbforge/internal/chunker"
	"github.com/kbforge/kbforge/internal/docmodel"
	"github.com/kbforge/kbforge/internal/kberr"
	"github.com/kbforge/kbforge/internal/parser"
	"github.com/kbforge/kbforge/internal/source"
	"github.com/kbforge/kbforge/internal/storage"
	"github.com/kbforge/kbforge/internal/vector"
)

const (
	indexRetries      = 3
	checkpointTTL     = 24 * time.Hour
	defaultPlanPerSrc = 1
)

func checkpointKey(runID, sourceID uuid.UUID) string {
	return cache.Key("checkpoint", runID.String(), sourceID.String())
}

// processSource drives one source through the pipeline. Per-source
// failures are recorded and tolerated; only cancellation and hard errors
// propagate.
func (rc *runContext) processSource(ctx context.Context, row *storage.Source) error {
	srcID := row.ID
	ids := eventIDs{sourceID: &srcID}

	spec, err := catalog.SpecFromSource(row)
	if err == nil {
		err = rc.o.sources.Validate(spec)
	}
	if err != nil {
		// Invalid at stage 0: the source never consumes downstream stages.
		rc.rec.event(ctx, storage.StageIngest, storage.LevelError,
			"source invalid: "+err.Error(), ids)
		return nil
	}
	adapter, err := rc.o.sources.For(spec.Kind)
	if err != nil {
		rc.rec.event(ctx, storage.StageIngest, storage.LevelError, err.Error(), ids)
		return nil
	}

	planned := defaultPlanPerSrc
	if probe, perr := adapter.Probe(ctx, spec); perr == nil && probe.EstimatedPages > 0 {
		planned = probe.EstimatedPages
	}
	rc.prog.plan(planned)

	opts := source.FetchOptions{
		ResolveChild: rc.resolveChild(ctx),
	}
	if cp, err := rc.o.kv.Get(ctx, checkpointKey(rc.run.ID, srcID)); err == nil {
		opts.Checkpoint = string(cp)
	}

	sink := source.SinkFunc(func(sctx context.Context, raw source.RawDocument, checkpoint string) error {
		if err := rc.checkControl(sctx); err != nil {
			return err
		}
		if err := rc.processDocument(sctx, row, spec, raw); err != nil {
			return err
		}
		if checkpoint != "" {
			_ = rc.o.kv.Set(sctx, checkpointKey(rc.run.ID, srcID), []byte(checkpoint), checkpointTTL)
		}
		return nil
	})

	fetchCtx, cancel := context.WithTimeout(ctx, rc.o.cfg.IngestTimeout*time.Duration(maxInt(planned, 1)))
	defer cancel()
	if err := adapter.Fetch(fetchCtx, spec, opts, sink); err != nil {
		if errors.Is(err, errRunCancelled) || rc.hardError() != nil {
			return err
		}
		rc.rec.event(ctx, storage.StageIngest, storage.LevelError,
			"source fetch failed: "+err.Error(), ids)
		return nil
	}
	_ = rc.o.kv.Delete(ctx, checkpointKey(rc.run.ID, srcID))
	return nil
}

// resolveChild lets composite sources pull their siblings from the KB.
func (rc *runContext) resolveChild(ctx context.Context) func(string) (source.Spec, error) {
	return func(id string) (source.Spec, error) {
		childID, err := uuid.Parse(id)
		if err != nil {
			return source.Spec{}, kberr.InvalidArgument("composite child id %q is not a uuid", id)
		}
		row, err := rc.o.repos.Sources.GetByID(ctx, rc.run.WorkspaceID, childID)
		if err != nil {
			return source.Spec{}, kberr.NotFound("composite child %s not found", id)
		}
		return catalog.SpecFromSource(row)
	}
}

// processDocument runs one raw document through parse, chunk, embed and
// index. Document-level failures mark the document failed and return nil
// so the run continues.
func (rc *runContext) processDocument(ctx context.Context, srcRow *storage.Source, spec source.Spec, raw source.RawDocument) error {
	srcID := srcRow.ID

	if raw.Reader != nil {
		data, err := io.ReadAll(raw.Reader)
		raw.Reader.Close()
		if err != nil {
			rc.rec.event(ctx, storage.StageIngest, storage.LevelError,
				"read "+raw.URI+": "+err.Error(), eventIDs{sourceID: &srcID})
			return nil
		}
		raw.Data = data
	}
	if raw.Checksum == "" {
		raw.Checksum = source.Checksum(raw.Data)
	}

	if skip, err := rc.skipOutOfScope(raw); err != nil || skip {
		return err
	}
	rc.prog.sawDocument()

	// Checksum dedupe: unchanged content refreshes the document and
	// produces no new chunks or vectors.
	if existing, err := rc.o.repos.Documents.GetByChecksum(ctx, rc.kb.ID, raw.Checksum); err == nil {
		if existing.Status == storage.DocStatusIndexed {
			_ = rc.o.repos.Documents.UpdateStatus(ctx, existing.ID, storage.DocStatusIndexed, "")
			rc.rec.event(ctx, storage.StageIngest, storage.LevelInfo,
				"document unchanged, skipping", eventIDs{sourceID: &srcID, documentID: &existing.ID})
			rc.countDocDone()
			rc.prog.creditRemaining(storage.StageIngest)
			rc.persistProgress(ctx, storage.StageIngest)
			return nil
		}
		// A previously failed or interrupted document retries in place.
		return rc.pipelineStages(ctx, srcRow, spec, raw, existing)
	}

	doc := &storage.Document{
		KBID:        rc.kb.ID,
		SourceID:    srcRow.ID,
		WorkspaceID: rc.kb.WorkspaceID,
		Title:       raw.Title,
		URI:         raw.URI,
		Checksum:    raw.Checksum,
		Status:      storage.DocStatusPending,
	}
	if err := rc.o.repos.Documents.Create(ctx, doc); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil
		}
		return kberr.Wrap(kberr.KindInternal, err, "create document")
	}
	return rc.pipelineStages(ctx, srcRow, spec, raw, doc)
}

// skipOutOfScope filters fetched documents when the run reprocesses a
// single document.
func (rc *runContext) skipOutOfScope(raw source.RawDocument) (bool, error) {
	rc.mu.Lock()
	scoped := rc.scopeDoc
	rc.mu.Unlock()
	if scoped == nil {
		return false, nil
	}
	return raw.URI != scoped.URI, nil
}

func (rc *runContext) pipelineStages(ctx context.Context, srcRow *storage.Source, spec source.Spec, raw source.RawDocument, doc *storage.Document) error {
	srcID := srcRow.ID
	ids := eventIDs{sourceID: &srcID, documentID: &doc.ID}

	rc.prog.credit(storage.StageIngest)
	rc.rec.event(ctx, storage.StageIngest, storage.LevelInfo, "document ingested: "+raw.URI, ids)

	// Parse. The parser is synchronous CPU work, so the deadline is
	// enforced around it rather than through a context.
	_ = rc.o.repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocStatusParsing, "")
	parsed, err := rc.parseWithDeadline(raw)
	if err != nil {
		return rc.failDocument(ctx, doc, storage.StageParse, "parse failed: "+err.Error(), ids)
	}
	title := parsed.Title
	if title == "" {
		title = raw.Title
	}
	meta := storage.JSONMap{}
	for k, v := range parsed.Metadata {
		meta[k] = v
	}
	if parsed.Language != "" {
		meta["language"] = parsed.Language
	}
	_ = rc.o.repos.Documents.UpdateMetadata(ctx, doc.ID, title, meta)
	rc.prog.credit(storage.StageParse)
	rc.persistProgress(ctx, storage.StageParse)
	if err := rc.checkControl(ctx); err != nil {
		return err
	}

	// Chunk.
	_ = rc.o.repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocStatusChunking, "")
	cfg := chunker.Config(rc.kb.DefaultChunking)
	if srcRow.Chunking != nil {
		cfg = chunker.Config(*srcRow.Chunking)
	}
	chunks, err := chunker.Split(parsed, cfg)
	if err != nil {
		return rc.failDocument(ctx, doc, storage.StageChunk, "chunk failed: "+err.Error(), ids)
	}
	chunks = chunker.WithAnnotations(chunks, []string(srcRow.Annotations))
	if err := rc.checkChunkQuota(ctx, len(chunks)); err != nil {
		return rc.failDocument(ctx, doc, storage.StageChunk, err.Error(), ids)
	}

	rows := make([]*storage.Chunk, len(chunks))
	for i, c := range chunks {
		rows[i] = &storage.Chunk{
			ID:           chunkID(doc.ID, c.Ordinal),
			DocumentID:   doc.ID,
			KBID:         rc.kb.ID,
			WorkspaceID:  rc.kb.WorkspaceID,
			Ordinal:      c.Ordinal,
			Content:      c.Content,
			ElementPath:  storage.JSONInts(c.ElementPath),
			TokenCount:   c.TokenCount,
			CharCount:    c.CharCount,
			HeadingTrail: storage.JSONStrings(c.Metadata.HeadingTrail),
			Page:         c.Metadata.Page,
			TableID:      c.Metadata.TableID,
			Annotations:  storage.JSONStrings(c.Metadata.Annotations),
			Oversized:    c.Metadata.Oversized,
			Enabled:      true,
		}
	}
	if err := rc.o.repos.Chunks.ReplaceForDocument(ctx, doc.ID, rows); err != nil {
		return kberr.Wrap(kberr.KindInternal, err, "persist chunks")
	}
	stats := parsed.ComputeStats()
	_ = rc.o.repos.Documents.UpdateCounts(ctx, doc.ID, stats.WordCount, stats.CharCount, len(rows))
	rc.countChunks(len(rows))
	rc.prog.credit(storage.StageChunk)
	rc.persistProgress(ctx, storage.StageChunk)
	if err := rc.checkControl(ctx); err != nil {
		return err
	}

	// Embed.
	_ = rc.o.repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocStatusEmbedding, "")
	vectors, err := rc.embedChunks(ctx, rows, ids)
	if err != nil {
		if errors.Is(err, errRunCancelled) {
			return err
		}
		if kberr.IsProfileMismatch(err) {
			rc.setHardError(err)
			return err
		}
		return rc.failDocument(ctx, doc, storage.StageEmbed, "embed failed: "+err.Error(), ids)
	}
	rc.prog.credit(storage.StageEmbed)
	rc.persistProgress(ctx, storage.StageEmbed)

	// Index.
	indexed, err := rc.indexChunks(ctx, doc, rows, vectors, ids)
	if err != nil {
		if errors.Is(err, errRunCancelled) {
			return err
		}
		return rc.failDocument(ctx, doc, storage.StageIndex, "index failed: "+err.Error(), ids)
	}

	_ = rc.o.repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocStatusIndexed, "")
	rc.countDocDone()
	rc.countVectors(indexed)
	rc.prog.credit(storage.StageIndex)
	rc.persistProgress(ctx, storage.StageIndex)
	rc.rec.eventDetail(ctx, storage.StageIndex, storage.LevelInfo, "document indexed", ids,
		storage.JSONMap{"chunks": len(rows), "vectors": indexed})
	return nil
}

type parseOutcome struct {
	doc *docmodel.Document
	err error
}

func (rc *runContext) parseWithDeadline(raw source.RawDocument) (*docmodel.Document, error) {
	done := make(chan parseOutcome, 1)
	go func() {
		d, err := parser.Parse(parser.Input{
			URI:      raw.URI,
			Mime:     raw.Mime,
			Data:     raw.Data,
			Metadata: raw.Metadata,
		})
		done <- parseOutcome{doc: d, err: err}
	}()
	select {
	case out := <-done:
		return out.doc, out.err
	case <-time.After(rc.o.cfg.ParseTimeout):
		return nil, kberr.Newf(kberr.KindTransient, "parse of %s exceeded %s", raw.URI, rc.o.cfg.ParseTimeout)
	}
}

// embedChunks embeds in batches with the split-on-failure policy: a batch
// that fails twice splits in half; a single chunk that keeps failing is
// skipped with a nil vector.
func (rc *runContext) embedChunks(ctx context.Context, rows []*storage.Chunk, ids eventIDs) ([][]float32, error) {
	out := make([][]float32, len(rows))
	batch := rc.o.cfg.EmbedBatchSize
	for start := 0; start < len(rows); start += batch {
		if err := rc.checkControl(ctx); err != nil {
			return nil, err
		}
		end := minInt(start+batch, len(rows))
		texts := make([]string, end-start)
		for i := start; i < end; i++ {
			texts[i-start] = rows[i].Content
		}
		vecs, err := rc.embedSlice(ctx, texts, rows[start:end], ids)
		if err != nil {
			return nil, err
		}
		copy(out[start:end], vecs)
	}
	return out, nil
}

func (rc *runContext) embedSlice(ctx context.Context, texts []string, rows []*storage.Chunk, ids eventIDs) ([][]float32, error) {
	vecs, err := rc.tryEmbed(ctx, texts)
	if err == nil {
		return vecs, nil
	}
	if kberr.IsProfileMismatch(err) || errors.Is(err, errRunCancelled) {
		return nil, err
	}
	// Retry the batch once before splitting.
	vecs, err = rc.tryEmbed(ctx, texts)
	if err == nil {
		return vecs, nil
	}
	if kberr.IsProfileMismatch(err) {
		return nil, err
	}
	if len(texts) == 1 {
		chunkRef := rows[0].ID
		rc.rec.event(ctx, storage.StageEmbed, storage.LevelWarn,
			"chunk "+strconv.Itoa(rows[0].Ordinal)+" skipped: "+err.Error(),
			eventIDs{sourceID: ids.sourceID, documentID: ids.documentID, chunkID: &chunkRef})
		return [][]float32{nil}, nil
	}
	half := len(texts) / 2
	left, lerr := rc.embedSlice(ctx, texts[:half], rows[:half], ids)
	if lerr != nil {
		return nil, lerr
	}
	right, rerr := rc.embedSlice(ctx, texts[half:], rows[half:], ids)
	if rerr != nil {
		return nil, rerr
	}
	return append(left, right...), nil
}

func (rc *runContext) tryEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	embedCtx, cancel := context.WithTimeout(ctx, rc.o.cfg.EmbedTimeout)
	defer cancel()
	return rc.embedder.EmbedBatch(embedCtx, texts)
}

// indexChunks upserts vectors in batches, keyed by chunk id so retries
// and reruns are idempotent. Returns the number of vectors indexed.
func (rc *runContext) indexChunks(ctx context.Context, doc *storage.Document, rows []*storage.Chunk, vecs [][]float32, ids eventIDs) (int, error) {
	batch := rc.o.cfg.EmbedBatchSize
	records := make([]vector.Record, 0, batch)
	indexed := 0

	flush := func() error {
		if len(records) == 0 {
			return nil
		}
		var err error
		for attempt := 0; attempt < indexRetries; attempt++ {
			idxCtx, cancel := context.WithTimeout(ctx, rc.o.cfg.IndexTimeout)
			err = rc.index.Upsert(idxCtx, records)
			cancel()
			if err == nil || !kberr.IsTransient(err) {
				break
			}
		}
		if err != nil {
			return err
		}
		indexed += len(records)
		records = records[:0]
		return nil
	}

	for i, row := range rows {
		if vecs[i] == nil {
			continue
		}
		records = append(records, vector.Record{
			ID:     row.ID,
			Vector: vecs[i],
			Payload: vector.Payload{
				KBID:        rc.kb.ID,
				WorkspaceID: rc.kb.WorkspaceID,
				DocumentID:  doc.ID,
				ChunkID:     row.ID,
				Ordinal:     row.Ordinal,
				Enabled:     true,
			},
		})
		_ = rc.o.repos.Chunks.SetVectorID(ctx, row.ID, row.ID.String())
		if len(records) >= batch {
			if err := rc.checkControl(ctx); err != nil {
				return indexed, err
			}
			if err := flush(); err != nil {
				return indexed, err
			}
		}
	}
	if err := flush(); err != nil {
		return indexed, err
	}
	return indexed, nil
}

// failDocument marks one document failed with a reason; the run goes on.
func (rc *runContext) failDocument(ctx context.Context, doc *storage.Document, stage storage.Stage, reason string, ids eventIDs) error {
	_ = rc.o.repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocStatusFailed, reason)
	rc.rec.event(ctx, stage, storage.LevelError, reason, ids)
	rc.countDocFailed()
	rc.prog.creditRemaining(stage)
	rc.persistProgress(ctx, stage)
	return nil
}

func (rc *runContext) checkChunkQuota(ctx context.Context, adding int) error {
	if rc.o.cfg.MaxChunksPerKB <= 0 {
		return nil
	}
	total, _, err := rc.o.repos.Chunks.Counts(ctx, rc.kb.ID)
	if err != nil {
		return kberr.Wrap(kberr.KindInternal, err, "count chunks")
	}
	if total+adding > rc.o.cfg.MaxChunksPerKB {
		return kberr.Newf(kberr.KindResourceExhausted,
			"chunk quota exceeded: %d existing + %d new > %d", total, adding, rc.o.cfg.MaxChunksPerKB)
	}
	return nil
}

func (rc *runContext) countDocDone() {
	rc.mu.Lock()
	rc.run.DocsDone++
	rc.run.DocsTotal++
	rc.mu.Unlock()
}

func (rc *runContext) countDocFailed() {
	rc.mu.Lock()
	rc.run.DocsFailed++
	rc.run.DocsTotal++
	rc.mu.Unlock()
}

func (rc *runContext) countChunks(n int) {
	rc.mu.Lock()
	rc.run.ChunksCreated += n
	rc.mu.Unlock()
}

func (rc *runContext) countVectors(n int) {
	rc.mu.Lock()
	rc.run.VectorsIndexed += n
	rc.mu.Unlock()
}

// chunkID derives a stable chunk id from the document and ordinal, so a
// reprocess of unchanged content restores the same ids.
func chunkID(docID uuid.UUID, ordinal int) uuid.UUID {
	return uuid.NewSHA1(docID, []byte("chunk:"+strconv.Itoa(ordinal)))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
