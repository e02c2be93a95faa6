// Package vector stores and searches chunk embeddings. Every query passes
// through QueryBuilder, which refuses to build a filter without a workspace:
// tenancy enforcement lives in the query path itself, not in caller
// discipline.
package vector

import (
	"context"

	"github.com/google/uuid"

	"github.com/kbforge/kbforge/internal/kberr"
)

// Payload travels with every vector and is the authoritative tenant filter.
type Payload struct {
	KBID        uuid.UUID `json:"kb_id"`
	WorkspaceID string    `json:"workspace_id"`
	DocumentID  uuid.UUID `json:"document_id"`
	ChunkID     uuid.UUID `json:"chunk_id"`
	Ordinal     int       `json:"ordinal"`
	Enabled     bool      `json:"enabled"`
}

// Record is one vector plus payload. ID equals the chunk id.
type Record struct {
	ID      uuid.UUID
	Vector  []float32
	Payload Payload
}

// Result is one search hit.
type Result struct {
	ID      uuid.UUID
	Score   float32
	Payload Payload
}

// Query is a compiled search request. Construct through QueryBuilder only.
type Query struct {
	vector      []float32
	workspaceID string
	kbID        *uuid.UUID
	documentID  *uuid.UUID
	enabledOnly bool
	limit       int
}

func (q *Query) WorkspaceID() string { return q.workspaceID }
func (q *Query) Vector() []float32   { return q.vector }
func (q *Query) Limit() int          { return q.limit }

// Matches applies the query's filters to a payload.
func (q *Query) Matches(p Payload) bool {
	if p.WorkspaceID != q.workspaceID {
		return false
	}
	if q.kbID != nil && p.KBID != *q.kbID {
		return false
	}
	if q.documentID != nil && p.DocumentID != *q.documentID {
		return false
	}
	if q.enabledOnly && !p.Enabled {
		return false
	}
	return true
}

// QueryBuilder accumulates filters. Build fails without a workspace filter,
// making the tenant boundary impossible to forget.
type QueryBuilder struct {
	q Query
}

func NewQuery(vector []float32) *QueryBuilder {
	return &QueryBuilder{q: Query{vector: vector, enabledOnly: true, limit: 10}}
}

func (b *QueryBuilder) Workspace(id string) *QueryBuilder {
	b.q.workspaceID = id
	return b
}

func (b *QueryBuilder) KB(id uuid.UUID) *QueryBuilder {
	b.q.kbID = &id
	return b
}

func (b *QueryBuilder) Document(id uuid.UUID) *QueryBuilder {
	b.q.documentID = &id
	return b
}

// IncludeDisabled widens the query to disabled chunks, for reconciliation.
func (b *QueryBuilder) IncludeDisabled() *QueryBuilder {
	b.q.enabledOnly = false
	return b
}

func (b *QueryBuilder) Limit(n int) *QueryBuilder {
	if n > 0 {
		b.q.limit = n
	}
	return b
}

// Build validates the query. A missing workspace filter is InvalidArgument.
func (b *QueryBuilder) Build() (*Query, error) {
	if b.q.workspaceID == "" {
		return nil, kberr.New(kberr.KindInvalidArgument, "vector query requires a workspace filter")
	}
	if len(b.q.vector) == 0 {
		return nil, kberr.New(kberr.KindInvalidArgument, "vector query requires a query vector")
	}
	q := b.q
	return &q, nil
}

// Index is one knowledge base's vector collection.
type Index interface {
	// Upsert writes records; rewriting an existing id replaces its vector
	// and payload (idempotent across pipeline retries).
	Upsert(ctx context.Context, records []Record) error
	// DeleteByIDs removes specific vectors.
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
	// DeleteByDocument removes every vector of a document.
	DeleteByDocument(ctx context.Context, workspaceID string, documentID uuid.UUID) error
	// SetEnabled flips the enabled flag in a vector's payload.
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	// Search runs a compiled query.
	Search(ctx context.Context, q *Query) ([]Result, error)
	// IDs lists every vector id in the collection, for reconciliation.
	IDs(ctx context.Context, workspaceID string) ([]uuid.UUID, error)
	// Count returns the number of stored vectors.
	Count(ctx context.Context) (int64, error)
	// Drop removes the whole collection.
	Drop(ctx context.Context) error
	Close() error
}

// Profile pins an index to its KB's embedding profile so every write can be
// dimension-checked.
type Profile struct {
	KBID        uuid.UUID
	WorkspaceID string
	Dimension   int
}

// validateRecords enforces dimension and payload agreement; violations are
// ProfileMismatch and nothing gets written.
func validateRecords(p Profile, records []Record) error {
	for _, r := range records {
		if len(r.Vector) != p.Dimension {
			return kberr.Newf(kberr.KindProfileMismatch,
				"vector %s has dimension %d, collection requires %d", r.ID, len(r.Vector), p.Dimension)
		}
		if r.Payload.WorkspaceID != p.WorkspaceID || r.Payload.KBID != p.KBID {
			return kberr.Newf(kberr.KindProfileMismatch,
				"vector %s payload does not match collection tenant", r.ID)
		}
	}
	return nil
}
