package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kbforge/kbforge/internal/cache"
	"github.com/kbforge/kbforge/internal/observability"
	"github.com/kbforge/kbforge/internal/storage"
)

// trimCheckEvery bounds how often the recorder pays for a COUNT query.
const trimCheckEvery = 200

// eventIDs carries the optional subject identifiers of a stage event.
type eventIDs struct {
	sourceID   *uuid.UUID
	documentID *uuid.UUID
	chunkID    *uuid.UUID
}

// recorder appends to the run's bounded stage log and mirrors every event
// onto the run's pub/sub channel for live subscribers.
type recorder struct {
	events *storage.StageEventRepository
	kv     cache.Client
	runID  uuid.UUID
	limit  int
	log    *observability.Logger

	mu       sync.Mutex
	appended int
}

func newRecorder(events *storage.StageEventRepository, kv cache.Client, runID uuid.UUID, limit int, log *observability.Logger) *recorder {
	return &recorder{events: events, kv: kv, runID: runID, limit: limit, log: log}
}

func (r *recorder) event(ctx context.Context, stage storage.Stage, level storage.EventLevel, message string, ids eventIDs) {
	r.eventDetail(ctx, stage, level, message, ids, nil)
}

func (r *recorder) eventDetail(ctx context.Context, stage storage.Stage, level storage.EventLevel, message string, ids eventIDs, detail storage.JSONMap) {
	e := &storage.StageEvent{
		RunID:      r.runID,
		TS:         time.Now().UTC(),
		Stage:      stage,
		Level:      level,
		SourceID:   ids.sourceID,
		DocumentID: ids.documentID,
		ChunkID:    ids.chunkID,
		Message:    message,
		Detail:     detail,
	}
	if err := r.events.Append(ctx, e); err != nil {
		r.log.Warn().Err(err).Msg("stage event append failed")
		return
	}
	r.publish(ctx, e)
	r.maybeTrim(ctx)
}

// publish pushes the event to live subscribers. Best effort; the durable
// log is the source of truth.
func (r *recorder) publish(ctx context.Context, e *storage.StageEvent) {
	payload, err := json.Marshal(map[string]any{
		"run_id":      e.RunID.String(),
		"ts":          e.TS,
		"stage":       e.Stage,
		"level":       e.Level,
		"source_id":   e.SourceID,
		"document_id": e.DocumentID,
		"chunk_id":    e.ChunkID,
		"message":     e.Message,
		"detail":      e.Detail,
	})
	if err != nil {
		return
	}
	_ = r.kv.Publish(ctx, cache.RunEventsChannel(r.runID.String()), payload)
}

// maybeTrim enforces the log bound, dropping oldest info events first.
// Warn and error events are never trimmed.
func (r *recorder) maybeTrim(ctx context.Context) {
	r.mu.Lock()
	r.appended++
	due := r.appended%trimCheckEvery == 0
	r.mu.Unlock()
	if !due {
		return
	}
	n, err := r.events.Count(ctx, r.runID)
	if err != nil || n <= r.limit {
		return
	}
	if err := r.events.TrimInfo(ctx, r.runID, r.limit); err != nil {
		r.log.Warn().Err(err).Msg("stage log trim failed")
	}
}
