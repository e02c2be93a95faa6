package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/internal/chunker"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(context.Background(), db, "sqlite"))
	return db
}

func testKB(workspaceID string) *KnowledgeBase {
	return &KnowledgeBase{
		WorkspaceID: workspaceID,
		OrgID:       "org-1",
		Name:        "handbook",
		Status:      KBStatusProcessing,
		Profile: EmbeddingProfile{
			Provider: "local", Model: "kbforge-minilm-256", Dimension: 256, Normalized: true,
		},
		DefaultChunking: ChunkingColumn(chunker.DefaultConfig()),
		CreatedBy:       "user-1",
	}
}

func TestKnowledgeBaseCRUD(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))

	kb := testKB("ws-1")
	require.NoError(t, repos.KnowledgeBases.Create(ctx, kb))
	require.NotEqual(t, uuid.Nil, kb.ID)

	got, err := repos.KnowledgeBases.GetByID(ctx, "ws-1", kb.ID)
	require.NoError(t, err)
	assert.Equal(t, "handbook", got.Name)
	assert.Equal(t, 256, got.Profile.Dimension)
	assert.True(t, got.Profile.Normalized)
	assert.Equal(t, chunker.StrategyRecursive, got.DefaultChunking.Config().Strategy)

	// Cross-workspace read misses.
	_, err = repos.KnowledgeBases.GetByID(ctx, "ws-2", kb.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	got.Name = "renamed"
	require.NoError(t, repos.KnowledgeBases.Update(ctx, got))
	got, err = repos.KnowledgeBases.GetByID(ctx, "ws-1", kb.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
}

func TestKBStatusTransitionGuard(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))
	kb := testKB("ws-1")
	require.NoError(t, repos.KnowledgeBases.Create(ctx, kb))

	require.NoError(t, repos.KnowledgeBases.UpdateStatus(ctx, "ws-1", kb.ID, KBStatusProcessing, KBStatusReady))
	// Guarded transition from the wrong state conflicts.
	err := repos.KnowledgeBases.UpdateStatus(ctx, "ws-1", kb.ID, KBStatusProcessing, KBStatusFailed)
	assert.ErrorIs(t, err, ErrConflict)
	// Missing row reads as not found, not conflict.
	err = repos.KnowledgeBases.UpdateStatus(ctx, "ws-1", uuid.New(), KBStatusProcessing, KBStatusFailed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocumentChecksumUnique(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))
	kb := testKB("ws-1")
	require.NoError(t, repos.KnowledgeBases.Create(ctx, kb))

	doc := &Document{
		KBID: kb.ID, SourceID: uuid.New(), WorkspaceID: "ws-1",
		Title: "page", Checksum: "abc123", Status: DocStatusPending,
	}
	require.NoError(t, repos.Documents.Create(ctx, doc))

	dup := &Document{
		KBID: kb.ID, SourceID: doc.SourceID, WorkspaceID: "ws-1",
		Title: "page again", Checksum: "abc123", Status: DocStatusPending,
	}
	assert.ErrorIs(t, repos.Documents.Create(ctx, dup), ErrConflict)

	got, err := repos.Documents.GetByChecksum(ctx, kb.ID, "abc123")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
}

func TestDocumentListAndCounts(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))
	kb := testKB("ws-1")
	require.NoError(t, repos.KnowledgeBases.Create(ctx, kb))

	statuses := []DocumentStatus{
		DocStatusIndexed, DocStatusIndexed, DocStatusFailed, DocStatusPending,
	}
	for i, s := range statuses {
		doc := &Document{
			KBID: kb.ID, SourceID: uuid.New(), WorkspaceID: "ws-1",
			Checksum: uuid.NewString(), Status: s,
		}
		require.NoError(t, repos.Documents.Create(ctx, doc))
		_ = i
	}

	counts, err := repos.Documents.CountsByStatus(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[DocStatusIndexed])
	assert.Equal(t, 1, counts[DocStatusFailed])

	docs, page, err := repos.Documents.ListByKB(ctx, "ws-1", kb.ID, DocStatusIndexed, NewPage(1, 10, 0))
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	assert.Equal(t, 2, page.Total)

	all, page, err := repos.Documents.ListByKB(ctx, "ws-1", kb.ID, "", NewPage(1, 3, 0))
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.True(t, page.HasNext)
	assert.False(t, page.HasPrevious)
}

func TestChunkReplaceKeepsOrdinalsUnique(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))
	kb := testKB("ws-1")
	require.NoError(t, repos.KnowledgeBases.Create(ctx, kb))
	doc := &Document{
		KBID: kb.ID, SourceID: uuid.New(), WorkspaceID: "ws-1",
		Checksum: "c1", Status: DocStatusChunking,
	}
	require.NoError(t, repos.Documents.Create(ctx, doc))

	mk := func(ordinal int, content string) *Chunk {
		return &Chunk{
			DocumentID: doc.ID, KBID: kb.ID, WorkspaceID: "ws-1",
			Ordinal: ordinal, Content: content, Enabled: true,
			ElementPath: JSONInts{ordinal}, HeadingTrail: JSONStrings{"Overview"},
		}
	}
	require.NoError(t, repos.Chunks.ReplaceForDocument(ctx, doc.ID, []*Chunk{
		mk(0, "first"), mk(1, "second"),
	}))
	// Reprocessing replaces rather than conflicts.
	require.NoError(t, repos.Chunks.ReplaceForDocument(ctx, doc.ID, []*Chunk{
		mk(0, "first v2"), mk(1, "second v2"), mk(2, "third"),
	}))

	chunks, page, err := repos.Chunks.ListByDocument(ctx, "ws-1", doc.ID, NewPage(1, 50, 0))
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, "first v2", chunks[0].Content)
	assert.Equal(t, []string{"Overview"}, []string(chunks[0].HeadingTrail))

	total, enabled, err := repos.Chunks.Counts(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, enabled)

	require.NoError(t, repos.Chunks.SetEnabled(ctx, "ws-1", chunks[2].ID, false))
	_, enabled, err = repos.Chunks.Counts(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, enabled)
}

func TestRunActiveUniqueness(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))
	kb := testKB("ws-1")
	require.NoError(t, repos.KnowledgeBases.Create(ctx, kb))

	run := &PipelineRun{KBID: kb.ID, WorkspaceID: "ws-1"}
	require.NoError(t, repos.Runs.Create(ctx, run))
	assert.Equal(t, RunStateQueued, run.State)

	second := &PipelineRun{KBID: kb.ID, WorkspaceID: "ws-1"}
	assert.ErrorIs(t, repos.Runs.Create(ctx, second), ErrConflict)

	require.NoError(t, repos.Runs.TransitionState(ctx, run.ID, RunStateRunning, RunStateQueued))
	got, err := repos.Runs.GetByID(ctx, "ws-1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStateRunning, got.State)
	require.NotNil(t, got.StartedAt)

	// Terminal transition frees the KB for a new run.
	require.NoError(t, repos.Runs.TransitionState(ctx, run.ID, RunStateCompleted, RunStateRunning))
	require.NoError(t, repos.Runs.Create(ctx, second))

	// Wrong-state guard.
	err = repos.Runs.TransitionState(ctx, run.ID, RunStateRunning, RunStateQueued)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRunActiveIndexBacksLookup(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repos := NewRepositories(db)
	kb := testKB("ws-1")
	require.NoError(t, repos.KnowledgeBases.Create(ctx, kb))

	run := &PipelineRun{KBID: kb.ID, WorkspaceID: "ws-1"}
	require.NoError(t, repos.Runs.Create(ctx, run))

	// A writer that raced past the active-run lookup still hits the
	// partial unique index.
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, kb_id, workspace_id, state, stage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), kb.ID, "ws-1", RunStateQueued, StageIngest, now, now)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	// Terminal states fall outside the index, so run history accumulates.
	require.NoError(t, repos.Runs.TransitionState(ctx, run.ID, RunStateCancelled, RunStateQueued))
	require.NoError(t, repos.Runs.Create(ctx, &PipelineRun{KBID: kb.ID, WorkspaceID: "ws-1"}))
}

func TestStageEventLogTrimKeepsWarnings(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(newTestDB(t))
	kb := testKB("ws-1")
	require.NoError(t, repos.KnowledgeBases.Create(ctx, kb))
	run := &PipelineRun{KBID: kb.ID, WorkspaceID: "ws-1"}
	require.NoError(t, repos.Runs.Create(ctx, run))

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 20; i++ {
		level := LevelInfo
		if i%10 == 0 {
			level = LevelWarn
		}
		require.NoError(t, repos.StageEvents.Append(ctx, &StageEvent{
			RunID: run.ID, TS: base.Add(time.Duration(i) * time.Second),
			Stage: StageIngest, Level: level, Message: "fetched",
		}))
	}

	require.NoError(t, repos.StageEvents.TrimInfo(ctx, run.ID, 5))
	events, err := repos.StageEvents.ListByRun(ctx, run.ID, time.Time{}, 0)
	require.NoError(t, err)

	warns := 0
	infos := 0
	for _, e := range events {
		switch e.Level {
		case LevelWarn:
			warns++
		case LevelInfo:
			infos++
		}
	}
	assert.Equal(t, 2, warns)
	assert.Equal(t, 5, infos)

	// Since filter returns only the tail.
	tail, err := repos.StageEvents.ListByRun(ctx, run.ID, base.Add(15*time.Second), 0)
	require.NoError(t, err)
	for _, e := range tail {
		assert.True(t, e.TS.After(base.Add(15*time.Second)))
	}
}

func TestDeleteKBCascades(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`)
	require.NoError(t, err)
	repos := NewRepositories(db)

	kb := testKB("ws-1")
	require.NoError(t, repos.KnowledgeBases.Create(ctx, kb))
	doc := &Document{KBID: kb.ID, SourceID: uuid.New(), WorkspaceID: "ws-1", Checksum: "c", Status: DocStatusIndexed}
	require.NoError(t, repos.Documents.Create(ctx, doc))
	require.NoError(t, repos.Chunks.ReplaceForDocument(ctx, doc.ID, []*Chunk{
		{DocumentID: doc.ID, KBID: kb.ID, WorkspaceID: "ws-1", Ordinal: 0, Content: "x", Enabled: true},
	}))

	require.NoError(t, repos.KnowledgeBases.Delete(ctx, "ws-1", kb.ID))
	_, err = repos.Documents.GetByID(ctx, "ws-1", doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	total, _, err := repos.Chunks.Counts(ctx, kb.ID)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestNewPageDerivedFields(t *testing.T) {
	p := NewPage(2, 10, 35)
	assert.Equal(t, 4, p.TotalPages)
	assert.True(t, p.HasNext)
	assert.True(t, p.HasPrevious)
	assert.Equal(t, 10, p.Offset())

	empty := NewPage(1, 10, 0)
	assert.False(t, empty.HasNext)
	assert.False(t, empty.HasPrevious)
}
