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

// Sentinel errors. The service layers translate these into the API error
// taxonomy; repositories stay ignorant of HTTP.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

// IsUniqueViolation detects duplicate-key failures across both drivers.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// KnowledgeBaseRepository handles knowledge base rows.
type KnowledgeBaseRepository struct {
	db DB
}

func NewKnowledgeBaseRepository(db DB) *KnowledgeBaseRepository {
	return &KnowledgeBaseRepository{db: db}
}

const kbColumns = `id, workspace_id, org_id, name, description, status,
	embedding_provider, embedding_model, embedding_dimension, embedding_normalized,
	default_chunking, created_by, created_at, updated_at`

func scanKB(row interface{ Scan(...any) error }) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{}
	err := row.Scan(
		&kb.ID, &kb.WorkspaceID, &kb.OrgID, &kb.Name, &kb.Description, &kb.Status,
		&kb.Profile.Provider, &kb.Profile.Model, &kb.Profile.Dimension, &kb.Profile.Normalized,
		&kb.DefaultChunking, &kb.CreatedBy, &kb.CreatedAt, &kb.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return kb, err
}

// Create inserts a new knowledge base.
func (r *KnowledgeBaseRepository) Create(ctx context.Context, kb *KnowledgeBase) error {
	if kb.ID == uuid.Nil {
		kb.ID = uuid.New()
	}
	now := time.Now().UTC()
	kb.CreatedAt = now
	kb.UpdatedAt = now

	query := `
		INSERT INTO knowledge_bases (` + kbColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		kb.ID, kb.WorkspaceID, kb.OrgID, kb.Name, kb.Description, kb.Status,
		kb.Profile.Provider, kb.Profile.Model, kb.Profile.Dimension, kb.Profile.Normalized,
		kb.DefaultChunking, kb.CreatedBy, kb.CreatedAt, kb.UpdatedAt,
	)
	return err
}

// GetByID retrieves a knowledge base with workspace scoping.
func (r *KnowledgeBaseRepository) GetByID(ctx context.Context, workspaceID string, id uuid.UUID) (*KnowledgeBase, error) {
	query := `SELECT ` + kbColumns + ` FROM knowledge_bases WHERE id = $1 AND workspace_id = $2`
	return scanKB(r.db.QueryRowContext(ctx, query, id, workspaceID))
}

// ListByWorkspace lists knowledge bases for a workspace, newest first.
func (r *KnowledgeBaseRepository) ListByWorkspace(ctx context.Context, workspaceID string, page Page) ([]*KnowledgeBase, Page, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_bases WHERE workspace_id = $1 AND status != $2`,
		workspaceID, KBStatusArchived,
	).Scan(&total); err != nil {
		return nil, page, err
	}
	page = NewPage(page.Page, page.Limit, total)

	query := `
		SELECT ` + kbColumns + `
		FROM knowledge_bases
		WHERE workspace_id = $1 AND status != $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.QueryContext(ctx, query, workspaceID, KBStatusArchived, page.Limit, page.Offset())
	if err != nil {
		return nil, page, err
	}
	defer rows.Close()

	var out []*KnowledgeBase
	for rows.Next() {
		kb, err := scanKB(rows)
		if err != nil {
			return nil, page, err
		}
		out = append(out, kb)
	}
	return out, page, rows.Err()
}

// Update updates mutable fields (name, description, default chunking).
func (r *KnowledgeBaseRepository) Update(ctx context.Context, kb *KnowledgeBase) error {
	kb.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE knowledge_bases SET name = $1, description = $2, default_chunking = $3, updated_at = $4
		WHERE id = $5 AND workspace_id = $6
	`
	return requireRow(r.db.ExecContext(ctx, query,
		kb.Name, kb.Description, kb.DefaultChunking, kb.UpdatedAt, kb.ID, kb.WorkspaceID,
	))
}

// UpdateStatus transitions the KB status. When from is non-empty the update
// applies only if the current status matches, which keeps transitions
// race-free without a transaction.
func (r *KnowledgeBaseRepository) UpdateStatus(ctx context.Context, workspaceID string, id uuid.UUID, from, to KBStatus) error {
	now := time.Now().UTC()
	if from == "" {
		return requireRow(r.db.ExecContext(ctx,
			`UPDATE knowledge_bases SET status = $1, updated_at = $2 WHERE id = $3 AND workspace_id = $4`,
			to, now, id, workspaceID,
		))
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE knowledge_bases SET status = $1, updated_at = $2 WHERE id = $3 AND workspace_id = $4 AND status = $5`,
		to, now, id, workspaceID, from,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing row from wrong state.
		if _, gerr := r.GetByID(ctx, workspaceID, id); gerr != nil {
			return gerr
		}
		return ErrConflict
	}
	return nil
}

// Delete removes a knowledge base; documents, chunks and runs cascade.
func (r *KnowledgeBaseRepository) Delete(ctx context.Context, workspaceID string, id uuid.UUID) error {
	return requireRow(r.db.ExecContext(ctx,
		`DELETE FROM knowledge_bases WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID,
	))
}

// ListAll returns every non-archived knowledge base across workspaces.
// Used by the reconcile sweep, which runs outside any tenant scope.
func (r *KnowledgeBaseRepository) ListAll(ctx context.Context) ([]*KnowledgeBase, error) {
	query := `SELECT ` + kbColumns + ` FROM knowledge_bases WHERE status != $1 ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, KBStatusArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*KnowledgeBase
	for rows.Next() {
		kb, err := scanKB(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, kb)
	}
	return out, rows.Err()
}

// SourceRepository handles source rows.
type SourceRepository struct {
	db DB
}

func NewSourceRepository(db DB) *SourceRepository {
	return &SourceRepository{db: db}
}

const sourceColumns = `id, kb_id, workspace_id, kind, reference, config, chunking, annotations, created_at, updated_at`

func scanSource(row interface{ Scan(...any) error }) (*Source, error) {
	s := &Source{}
	var chunking sql.NullString
	err := row.Scan(
		&s.ID, &s.KBID, &s.WorkspaceID, &s.Kind, &s.Reference,
		&s.Config, &chunking, &s.Annotations, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if chunking.Valid && chunking.String != "" {
		var col ChunkingColumn
		if err := col.Scan(chunking.String); err != nil {
			return nil, err
		}
		s.Chunking = &col
	}
	return s, nil
}

// Create inserts a source row.
func (r *SourceRepository) Create(ctx context.Context, s *Source) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	var chunking any
	if s.Chunking != nil {
		chunking = *s.Chunking
	}
	query := `
		INSERT INTO sources (` + sourceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.KBID, s.WorkspaceID, s.Kind, s.Reference,
		s.Config, chunking, s.Annotations, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

// GetByID retrieves a source with workspace scoping.
func (r *SourceRepository) GetByID(ctx context.Context, workspaceID string, id uuid.UUID) (*Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1 AND workspace_id = $2`
	return scanSource(r.db.QueryRowContext(ctx, query, id, workspaceID))
}

// ListByKB lists a knowledge base's sources in creation order.
func (r *SourceRepository) ListByKB(ctx context.Context, workspaceID string, kbID uuid.UUID) ([]*Source, error) {
	query := `
		SELECT ` + sourceColumns + `
		FROM sources
		WHERE workspace_id = $1 AND kb_id = $2
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, workspaceID, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DocumentRepository handles document rows.
type DocumentRepository struct {
	db DB
}

func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

const documentColumns = `id, kb_id, source_id, workspace_id, title, uri, checksum, status,
	word_count, char_count, chunk_count, parse_metadata, fail_reason, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	d := &Document{}
	err := row.Scan(
		&d.ID, &d.KBID, &d.SourceID, &d.WorkspaceID, &d.Title, &d.URI, &d.Checksum, &d.Status,
		&d.WordCount, &d.CharCount, &d.ChunkCount, &d.ParseMetadata, &d.FailReason,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// Create inserts a document; ErrConflict when (kb_id, checksum) exists.
func (r *DocumentRepository) Create(ctx context.Context, d *Document) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.KBID, d.SourceID, d.WorkspaceID, d.Title, d.URI, d.Checksum, d.Status,
		d.WordCount, d.CharCount, d.ChunkCount, d.ParseMetadata, d.FailReason,
		d.CreatedAt, d.UpdatedAt,
	)
	if IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetByID retrieves a document with workspace scoping.
func (r *DocumentRepository) GetByID(ctx context.Context, workspaceID string, id uuid.UUID) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1 AND workspace_id = $2`
	return scanDocument(r.db.QueryRowContext(ctx, query, id, workspaceID))
}

// GetByChecksum looks up a document by content hash within a knowledge base.
func (r *DocumentRepository) GetByChecksum(ctx context.Context, kbID uuid.UUID, checksum string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE kb_id = $1 AND checksum = $2`
	return scanDocument(r.db.QueryRowContext(ctx, query, kbID, checksum))
}

// ListByKB lists documents for a knowledge base, optionally filtered by
// status, newest first.
func (r *DocumentRepository) ListByKB(ctx context.Context, workspaceID string, kbID uuid.UUID, status DocumentStatus, page Page) ([]*Document, Page, error) {
	where := `workspace_id = $1 AND kb_id = $2`
	args := []any{workspaceID, kbID}
	if status != "" {
		where += ` AND status = $3`
		args = append(args, status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE `+where, args...,
	).Scan(&total); err != nil {
		return nil, page, err
	}
	page = NewPage(page.Page, page.Limit, total)

	query := fmt.Sprintf(`
		SELECT `+documentColumns+`
		FROM documents
		WHERE `+where+`
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d
	`, len(args)+1, len(args)+2)
	args = append(args, page.Limit, page.Offset())

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, page, err
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, page, err
		}
		out = append(out, d)
	}
	return out, page, rows.Err()
}

// ListByStatus returns documents of a KB in the given statuses, unpaged.
// Used by the reconciler and by single-document reprocessing.
func (r *DocumentRepository) ListByStatus(ctx context.Context, kbID uuid.UUID, statuses ...DocumentStatus) ([]*Document, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := []any{kbID}
	for i, s := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, s)
	}
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE kb_id = $1 AND status IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateStatus moves a document through its state machine.
func (r *DocumentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status DocumentStatus, failReason string) error {
	return requireRow(r.db.ExecContext(ctx,
		`UPDATE documents SET status = $1, fail_reason = $2, updated_at = $3 WHERE id = $4`,
		status, failReason, time.Now().UTC(), id,
	))
}

// UpdateCounts records parse/chunk statistics.
func (r *DocumentRepository) UpdateCounts(ctx context.Context, id uuid.UUID, wordCount, charCount, chunkCount int) error {
	return requireRow(r.db.ExecContext(ctx,
		`UPDATE documents SET word_count = $1, char_count = $2, chunk_count = $3, updated_at = $4 WHERE id = $5`,
		wordCount, charCount, chunkCount, time.Now().UTC(), id,
	))
}

// UpdateMetadata replaces the parse metadata and title.
func (r *DocumentRepository) UpdateMetadata(ctx context.Context, id uuid.UUID, title string, meta JSONMap) error {
	return requireRow(r.db.ExecContext(ctx,
		`UPDATE documents SET title = $1, parse_metadata = $2, updated_at = $3 WHERE id = $4`,
		title, meta, time.Now().UTC(), id,
	))
}

// Delete removes a document; chunks cascade.
func (r *DocumentRepository) Delete(ctx context.Context, workspaceID string, id uuid.UUID) error {
	return requireRow(r.db.ExecContext(ctx,
		`DELETE FROM documents WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID,
	))
}

// CountsByStatus returns the per-status document counts for a KB.
func (r *DocumentRepository) CountsByStatus(ctx context.Context, kbID uuid.UUID) (map[DocumentStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM documents WHERE kb_id = $1 GROUP BY status`, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[DocumentStatus]int{}
	for rows.Next() {
		var status DocumentStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// LastIndexedAt returns the most recent updated_at among indexed documents.
func (r *DocumentRepository) LastIndexedAt(ctx context.Context, kbID uuid.UUID) (*time.Time, error) {
	var ts sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(updated_at) FROM documents WHERE kb_id = $1 AND status = $2`,
		kbID, DocStatusIndexed,
	).Scan(&ts)
	if err != nil {
		return nil, err
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time
	return &t, nil
}

func requireRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
