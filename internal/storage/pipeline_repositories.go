package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChunkRepository handles chunk rows.
type ChunkRepository struct {
	db DB
}

func NewChunkRepository(db DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

const chunkColumns = `id, document_id, kb_id, workspace_id, ordinal, content, element_path,
	token_count, char_count, heading_trail, page, table_id, annotations, oversized,
	vector_id, enabled, created_at`

func scanChunk(row interface{ Scan(...any) error }) (*Chunk, error) {
	c := &Chunk{}
	err := row.Scan(
		&c.ID, &c.DocumentID, &c.KBID, &c.WorkspaceID, &c.Ordinal, &c.Content, &c.ElementPath,
		&c.TokenCount, &c.CharCount, &c.HeadingTrail, &c.Page, &c.TableID, &c.Annotations,
		&c.Oversized, &c.VectorID, &c.Enabled, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ReplaceForDocument atomically swaps a document's chunks: delete then
// insert, keeping (document_id, ordinal) unique across reprocessing.
func (r *ChunkRepository) ReplaceForDocument(ctx context.Context, documentID uuid.UUID, chunks []*Chunk) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = $1`, documentID,
	); err != nil {
		return err
	}
	for _, c := range chunks {
		if err := r.insert(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (r *ChunkRepository) insert(ctx context.Context, c *Chunk) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO chunks (` + chunkColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.DocumentID, c.KBID, c.WorkspaceID, c.Ordinal, c.Content, c.ElementPath,
		c.TokenCount, c.CharCount, c.HeadingTrail, c.Page, c.TableID, c.Annotations,
		c.Oversized, c.VectorID, c.Enabled, c.CreatedAt,
	)
	if IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetByID retrieves a chunk with workspace scoping.
func (r *ChunkRepository) GetByID(ctx context.Context, workspaceID string, id uuid.UUID) (*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE id = $1 AND workspace_id = $2`
	return scanChunk(r.db.QueryRowContext(ctx, query, id, workspaceID))
}

// ListByDocument returns a document's chunks in ordinal order.
func (r *ChunkRepository) ListByDocument(ctx context.Context, workspaceID string, documentID uuid.UUID, page Page) ([]*Chunk, Page, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE workspace_id = $1 AND document_id = $2`,
		workspaceID, documentID,
	).Scan(&total); err != nil {
		return nil, page, err
	}
	page = NewPage(page.Page, page.Limit, total)

	query := `
		SELECT ` + chunkColumns + `
		FROM chunks
		WHERE workspace_id = $1 AND document_id = $2
		ORDER BY ordinal
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.QueryContext(ctx, query, workspaceID, documentID, page.Limit, page.Offset())
	if err != nil {
		return nil, page, err
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, page, err
		}
		out = append(out, c)
	}
	return out, page, rows.Err()
}

// SetEnabled flips a chunk's retrieval visibility.
func (r *ChunkRepository) SetEnabled(ctx context.Context, workspaceID string, id uuid.UUID, enabled bool) error {
	return requireRow(r.db.ExecContext(ctx,
		`UPDATE chunks SET enabled = $1 WHERE id = $2 AND workspace_id = $3`,
		enabled, id, workspaceID,
	))
}

// SetVectorID records the vector written for a chunk.
func (r *ChunkRepository) SetVectorID(ctx context.Context, id uuid.UUID, vectorID string) error {
	return requireRow(r.db.ExecContext(ctx,
		`UPDATE chunks SET vector_id = $1 WHERE id = $2`,
		vectorID, id,
	))
}

// CountByDocument returns the chunk count for a document.
func (r *ChunkRepository) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE document_id = $1`, documentID,
	).Scan(&n)
	return n, err
}

// Counts returns total and enabled chunk counts for a KB.
func (r *ChunkRepository) Counts(ctx context.Context, kbID uuid.UUID) (total, enabled int, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN enabled THEN 1 ELSE 0 END), 0)
		 FROM chunks WHERE kb_id = $1`, kbID,
	).Scan(&total, &enabled)
	return total, enabled, err
}

// IDsByKB returns every chunk id of a KB. Used by the reconciler to detect
// orphan vectors.
func (r *ChunkRepository) IDsByKB(ctx context.Context, kbID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM chunks WHERE kb_id = $1`, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PipelineRunRepository handles pipeline run rows.
type PipelineRunRepository struct {
	db DB
}

func NewPipelineRunRepository(db DB) *PipelineRunRepository {
	return &PipelineRunRepository{db: db}
}

const runColumns = `id, kb_id, workspace_id, state, stage, progress_pct,
	docs_total, docs_done, docs_failed, chunks_created, vectors_indexed,
	fail_reason, started_at, finished_at, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*PipelineRun, error) {
	run := &PipelineRun{}
	var started, finished sql.NullTime
	err := row.Scan(
		&run.ID, &run.KBID, &run.WorkspaceID, &run.State, &run.Stage, &run.ProgressPct,
		&run.DocsTotal, &run.DocsDone, &run.DocsFailed, &run.ChunksCreated, &run.VectorsIndexed,
		&run.FailReason, &started, &finished, &run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if started.Valid {
		run.StartedAt = &started.Time
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return run, nil
}

// Create inserts a run; ErrConflict when the KB already has an active run.
func (r *PipelineRunRepository) Create(ctx context.Context, run *PipelineRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.State == "" {
		run.State = RunStateQueued
	}
	if run.Stage == "" {
		run.Stage = StageIngest
	}

	// Fast path for the common case; the idx_runs_one_active unique index
	// is what actually enforces the rule under concurrent creates.
	active, err := r.ActiveByKB(ctx, run.KBID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if active != nil {
		return ErrConflict
	}

	query := `
		INSERT INTO pipeline_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = r.db.ExecContext(ctx, query,
		run.ID, run.KBID, run.WorkspaceID, run.State, run.Stage, run.ProgressPct,
		run.DocsTotal, run.DocsDone, run.DocsFailed, run.ChunksCreated, run.VectorsIndexed,
		run.FailReason, run.StartedAt, run.FinishedAt, run.CreatedAt, run.UpdatedAt,
	)
	if IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetByID retrieves a run with workspace scoping.
func (r *PipelineRunRepository) GetByID(ctx context.Context, workspaceID string, id uuid.UUID) (*PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE id = $1 AND workspace_id = $2`
	return scanRun(r.db.QueryRowContext(ctx, query, id, workspaceID))
}

// ActiveByKB returns the KB's active run (queued, running or paused).
func (r *PipelineRunRepository) ActiveByKB(ctx context.Context, kbID uuid.UUID) (*PipelineRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM pipeline_runs
		WHERE kb_id = $1 AND state IN ($2, $3, $4)
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanRun(r.db.QueryRowContext(ctx, query,
		kbID, RunStateQueued, RunStateRunning, RunStatePaused))
}

// ListByStates returns all runs in the given states, oldest first. Used at
// startup to resume interrupted runs.
func (r *PipelineRunRepository) ListByStates(ctx context.Context, states ...RunState) ([]*PipelineRun, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, s := range states {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = s
	}
	query := `
		SELECT ` + runColumns + `
		FROM pipeline_runs
		WHERE state IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// TransitionState moves a run between states; ErrConflict when the current
// state is not in the allowed set.
func (r *PipelineRunRepository) TransitionState(ctx context.Context, id uuid.UUID, to RunState, from ...RunState) error {
	now := time.Now().UTC()
	set := `state = $1, updated_at = $2`
	args := []any{to, now}
	switch to {
	case RunStateRunning:
		set += `, started_at = COALESCE(started_at, $3)`
		args = append(args, now)
	case RunStateCompleted, RunStateFailed, RunStateCancelled:
		set += `, finished_at = $3`
		args = append(args, now)
	}
	query := `UPDATE pipeline_runs SET ` + set + ` WHERE id = $` + fmt.Sprint(len(args)+1)
	args = append(args, id)
	if len(from) > 0 {
		placeholders := make([]string, len(from))
		for i, s := range from {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1+i)
			args = append(args, s)
		}
		query += ` AND state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := scanRun(r.db.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id)); gerr != nil {
			return gerr
		}
		return ErrConflict
	}
	return nil
}

// UpdateProgress persists progress and counters.
func (r *PipelineRunRepository) UpdateProgress(ctx context.Context, run *PipelineRun) error {
	run.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE pipeline_runs SET
			stage = $1, progress_pct = $2, docs_total = $3, docs_done = $4, docs_failed = $5,
			chunks_created = $6, vectors_indexed = $7, fail_reason = $8, updated_at = $9
		WHERE id = $10
	`
	return requireRow(r.db.ExecContext(ctx, query,
		run.Stage, run.ProgressPct, run.DocsTotal, run.DocsDone, run.DocsFailed,
		run.ChunksCreated, run.VectorsIndexed, run.FailReason, run.UpdatedAt, run.ID,
	))
}

// StageEventRepository handles a run's bounded stage log.
type StageEventRepository struct {
	db DB
}

func NewStageEventRepository(db DB) *StageEventRepository {
	return &StageEventRepository{db: db}
}

// Append stores one stage event.
func (r *StageEventRepository) Append(ctx context.Context, e *StageEvent) error {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	query := `
		INSERT INTO stage_events (run_id, ts, stage, level, source_id, document_id, chunk_id, message, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.RunID, e.TS, e.Stage, e.Level,
		uuidOrNil(e.SourceID), uuidOrNil(e.DocumentID), uuidOrNil(e.ChunkID),
		e.Message, e.Detail,
	)
	return err
}

// ListByRun returns a run's events after `since`, oldest first.
func (r *StageEventRepository) ListByRun(ctx context.Context, runID uuid.UUID, since time.Time, limit int) ([]*StageEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT id, run_id, ts, stage, level, source_id, document_id, chunk_id, message, detail
		FROM stage_events
		WHERE run_id = $1 AND ts > $2
		ORDER BY ts, id
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, runID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StageEvent
	for rows.Next() {
		e := &StageEvent{}
		var sourceID, documentID, chunkID sql.NullString
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.TS, &e.Stage, &e.Level,
			&sourceID, &documentID, &chunkID, &e.Message, &e.Detail,
		); err != nil {
			return nil, err
		}
		e.SourceID = parseNullUUID(sourceID)
		e.DocumentID = parseNullUUID(documentID)
		e.ChunkID = parseNullUUID(chunkID)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored events for a run.
func (r *StageEventRepository) Count(ctx context.Context, runID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stage_events WHERE run_id = $1`, runID,
	).Scan(&n)
	return n, err
}

// TrimInfo drops the oldest info-level events beyond keep. Warnings and
// errors are never trimmed.
func (r *StageEventRepository) TrimInfo(ctx context.Context, runID uuid.UUID, keep int) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM stage_events
		WHERE run_id = $1 AND level = $2 AND id NOT IN (
			SELECT id FROM stage_events
			WHERE run_id = $1 AND level = $2
			ORDER BY id DESC
			LIMIT $3
		)
	`, runID, LevelInfo, keep)
	return err
}

func uuidOrNil(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func parseNullUUID(s sql.NullString) *uuid.UUID {
	if !s.Valid || s.String == "" {
		return nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil
	}
	return &id
}

// Repositories bundles all catalog repositories.
type Repositories struct {
	KnowledgeBases *KnowledgeBaseRepository
	Sources        *SourceRepository
	Documents      *DocumentRepository
	Chunks         *ChunkRepository
	Runs           *PipelineRunRepository
	StageEvents    *StageEventRepository
}

// NewRepositories creates all repositories over one connection.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		KnowledgeBases: NewKnowledgeBaseRepository(db),
		Sources:        NewSourceRepository(db),
		Documents:      NewDocumentRepository(db),
		Chunks:         NewChunkRepository(db),
		Runs:           NewPipelineRunRepository(db),
		StageEvents:    NewStageEventRepository(db),
	}
}
