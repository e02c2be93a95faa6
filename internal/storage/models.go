// Package storage provides the durable catalog: models, migrations and
// workspace-scoped repositories over database/sql.
package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kbforge/kbforge/internal/chunker"
)

// KBStatus is the lifecycle status of a knowledge base.
type KBStatus string

const (
	KBStatusDraft      KBStatus = "draft"
	KBStatusProcessing KBStatus = "processing"
	KBStatusReady      KBStatus = "ready"
	KBStatusFailed     KBStatus = "failed"
	KBStatusArchived   KBStatus = "archived"
)

// DocumentStatus is the per-document pipeline status.
type DocumentStatus string

const (
	DocStatusPending   DocumentStatus = "pending"
	DocStatusParsing   DocumentStatus = "parsing"
	DocStatusChunking  DocumentStatus = "chunking"
	DocStatusEmbedding DocumentStatus = "embedding"
	DocStatusIndexed   DocumentStatus = "indexed"
	DocStatusFailed    DocumentStatus = "failed"
	DocStatusDisabled  DocumentStatus = "disabled"
)

// ActiveDocumentStatuses are the statuses counted as documents.active.
var ActiveDocumentStatuses = []DocumentStatus{
	DocStatusPending, DocStatusParsing, DocStatusChunking, DocStatusEmbedding, DocStatusIndexed,
}

// RunState is the pipeline run state.
type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStatePaused    RunState = "paused"
	RunStateCancelled RunState = "cancelled"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

// Active reports whether the state counts against the one-active-run rule.
func (s RunState) Active() bool {
	return s == RunStateQueued || s == RunStateRunning || s == RunStatePaused
}

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	return s == RunStateCancelled || s == RunStateCompleted || s == RunStateFailed
}

// SourceKind enumerates the supported source adapters.
type SourceKind string

const (
	SourceKindWeb       SourceKind = "web"
	SourceKindFile      SourceKind = "file"
	SourceKindCloud     SourceKind = "cloud"
	SourceKindText      SourceKind = "text"
	SourceKindComposite SourceKind = "composite"
)

// Stage names the pipeline stages in execution order.
type Stage string

const (
	StageIngest Stage = "ingest"
	StageParse  Stage = "parse"
	StageChunk  Stage = "chunk"
	StageEmbed  Stage = "embed"
	StageIndex  Stage = "index"
)

// EventLevel is the severity of a stage event.
type EventLevel string

const (
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// JSONMap stores arbitrary string-keyed metadata as a JSON text column so
// the same code runs on sqlite and postgres.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *JSONMap) Scan(src any) error {
	return scanJSON(src, m)
}

// JSONStrings stores a string slice as a JSON text column.
type JSONStrings []string

func (s JSONStrings) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	return string(b), err
}

func (s *JSONStrings) Scan(src any) error {
	return scanJSON(src, s)
}

// JSONInts stores an int slice (element paths) as a JSON text column.
type JSONInts []int

func (s JSONInts) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	return string(b), err
}

func (s *JSONInts) Scan(src any) error {
	return scanJSON(src, s)
}

// ChunkingColumn stores a chunker.Config as a JSON text column.
type ChunkingColumn chunker.Config

func (c ChunkingColumn) Value() (driver.Value, error) {
	b, err := json.Marshal(chunker.Config(c))
	return string(b), err
}

func (c *ChunkingColumn) Scan(src any) error {
	return scanJSON(src, (*chunker.Config)(c))
}

// Config converts back to the chunker type.
func (c ChunkingColumn) Config() chunker.Config { return chunker.Config(c) }

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("storage: cannot scan %T into JSON column", src)
	}
}

// EmbeddingProfile is the frozen embedding identity of a knowledge base.
// Immutable after the first vector write.
type EmbeddingProfile struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Dimension  int    `json:"dimension"`
	Normalized bool   `json:"normalized"`
}

// Equal compares all profile fields.
func (p EmbeddingProfile) Equal(o EmbeddingProfile) bool { return p == o }

// KnowledgeBase is the durable KB row.
type KnowledgeBase struct {
	ID              uuid.UUID        `json:"id"`
	WorkspaceID     string           `json:"workspace_id"`
	OrgID           string           `json:"org_id"`
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	Status          KBStatus         `json:"status"`
	Profile         EmbeddingProfile `json:"embedding_profile"`
	DefaultChunking ChunkingColumn   `json:"default_chunking"`
	CreatedBy       string           `json:"created_by"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Source is one configured input of a knowledge base.
type Source struct {
	ID          uuid.UUID       `json:"id"`
	KBID        uuid.UUID       `json:"kb_id"`
	WorkspaceID string          `json:"workspace_id"`
	Kind        SourceKind      `json:"kind"`
	Reference   string          `json:"reference"`
	Config      JSONMap         `json:"config"`
	Chunking    *ChunkingColumn `json:"chunking,omitempty"`
	Annotations JSONStrings     `json:"annotations"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Document is one durable ingested document.
type Document struct {
	ID            uuid.UUID      `json:"id"`
	KBID          uuid.UUID      `json:"kb_id"`
	SourceID      uuid.UUID      `json:"source_id"`
	WorkspaceID   string         `json:"workspace_id"`
	Title         string         `json:"title"`
	URI           string         `json:"uri"`
	Checksum      string         `json:"checksum"`
	Status        DocumentStatus `json:"status"`
	WordCount     int            `json:"word_count"`
	CharCount     int            `json:"char_count"`
	ChunkCount    int            `json:"chunk_count"`
	ParseMetadata JSONMap        `json:"parse_metadata"`
	FailReason    string         `json:"fail_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Chunk is one durable retrieval unit. VectorID equals ID once indexed.
type Chunk struct {
	ID           uuid.UUID   `json:"id"`
	DocumentID   uuid.UUID   `json:"document_id"`
	KBID         uuid.UUID   `json:"kb_id"`
	WorkspaceID  string      `json:"workspace_id"`
	Ordinal      int         `json:"ordinal"`
	Content      string      `json:"content"`
	ElementPath  JSONInts    `json:"element_path"`
	TokenCount   int         `json:"token_count"`
	CharCount    int         `json:"char_count"`
	HeadingTrail JSONStrings `json:"heading_trail"`
	Page         int         `json:"page,omitempty"`
	TableID      string      `json:"table_id,omitempty"`
	Annotations  JSONStrings `json:"annotations"`
	Oversized    bool        `json:"oversized"`
	VectorID     string      `json:"vector_id,omitempty"`
	Enabled      bool        `json:"enabled"`
	CreatedAt    time.Time   `json:"created_at"`
}

// PipelineRun is the durable record of one pipeline execution.
type PipelineRun struct {
	ID             uuid.UUID  `json:"run_id"`
	KBID           uuid.UUID  `json:"kb_id"`
	WorkspaceID    string     `json:"workspace_id"`
	State          RunState   `json:"state"`
	Stage          Stage      `json:"stage,omitempty"`
	ProgressPct    float64    `json:"progress_pct"`
	DocsTotal      int        `json:"docs_total"`
	DocsDone       int        `json:"docs_done"`
	DocsFailed     int        `json:"docs_failed"`
	ChunksCreated  int        `json:"chunks_created"`
	VectorsIndexed int        `json:"vectors_indexed"`
	FailReason     string     `json:"fail_reason,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// StageEvent is one entry of a run's bounded stage log.
type StageEvent struct {
	ID         int64      `json:"id"`
	RunID      uuid.UUID  `json:"run_id"`
	TS         time.Time  `json:"ts"`
	Stage      Stage      `json:"stage"`
	Level      EventLevel `json:"level"`
	SourceID   *uuid.UUID `json:"source_id,omitempty"`
	DocumentID *uuid.UUID `json:"document_id,omitempty"`
	ChunkID    *uuid.UUID `json:"chunk_id,omitempty"`
	Message    string     `json:"message"`
	Detail     JSONMap    `json:"detail,omitempty"`
}

// KBStats is the per-KB statistics view.
type KBStats struct {
	DocumentsTotal    int                    `json:"documents_total"`
	DocumentsActive   int                    `json:"documents_active"`
	DocumentsByStatus map[DocumentStatus]int `json:"documents_by_status"`
	ChunksTotal       int                    `json:"chunks_total"`
	ChunksEnabled     int                    `json:"chunks_enabled"`
	LastIndexedAt     *time.Time             `json:"last_indexed_at,omitempty"`
}

// Page is one page of a paginated listing.
type Page struct {
	Page        int  `json:"page"`
	Limit       int  `json:"limit"`
	Total       int  `json:"total"`
	TotalPages  int  `json:"total_pages"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
}

// NewPage computes derived pagination fields.
func NewPage(page, limit, total int) Page {
	if limit <= 0 {
		limit = 20
	}
	if page <= 0 {
		page = 1
	}
	totalPages := (total + limit - 1) / limit
	return Page{
		Page:        page,
		Limit:       limit,
		Total:       total,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrevious: page > 1 && total > 0,
	}
}

// Offset returns the SQL offset for the page.
func (p Page) Offset() int { return (p.Page - 1) * p.Limit }
