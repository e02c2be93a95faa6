package orchestrator

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/internal/cache"
	"github.com/kbforge/kbforge/internal/draft"
	"github.com/kbforge/kbforge/internal/embedding"
	"github.com/kbforge/kbforge/internal/kberr"
	"github.com/kbforge/kbforge/internal/source"
	"github.com/kbforge/kbforge/internal/storage"
	"github.com/kbforge/kbforge/internal/tenant"
	"github.com/kbforge/kbforge/internal/vector"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(context.Background(), db, "sqlite"))

	vectors, err := vector.NewProvider("memory", vector.QdrantConfig{})
	require.NoError(t, err)
	kv := cache.NewMemoryClient(0)
	t.Cleanup(func() { kv.Close() })
	store := draft.NewStore(kv)

	return New(storage.NewRepositories(db), vectors, kv, source.Defaults(nil), store, Config{
		Workers:           2,
		SourceConcurrency: 2,
		EmbedBatchSize:    4,
	}, nil)
}

func editorCtx(workspaceID string) tenant.Context {
	return tenant.Context{OrgID: "org-1", WorkspaceID: workspaceID, UserID: "user-1", Role: tenant.RoleEditor}
}

func textDraft(workspaceID, content string) *draft.Draft {
	now := time.Now().UTC()
	return &draft.Draft{
		DraftID:     uuid.NewString(),
		WorkspaceID: workspaceID,
		OrgID:       "org-1",
		CreatedBy:   "user-1",
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		Spec: draft.KBSpec{
			Name: "notes",
			EmbeddingProfile: &embedding.Profile{
				Provider: "local", Dimension: 32,
			},
		},
		Sources: []source.Spec{{
			ID:        uuid.NewString(),
			Kind:      source.KindText,
			Reference: content,
		}},
	}
}

// finalize and run synchronously, without the worker pool, so tests stay
// deterministic.
func runToCompletion(t *testing.T, o *Orchestrator, d *draft.Draft) draft.FinalizeResult {
	t.Helper()
	ctx := context.Background()
	res, err := o.FinalizeDraft(ctx, editorCtx(d.WorkspaceID), d)
	require.NoError(t, err)
	run := <-o.queue
	require.Equal(t, res.RunID, run.ID)
	o.executeRun(ctx, run)
	return res
}

func TestFinalizeDraftIndexesTextSource(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	d := textDraft("ws-1", "Alpha is the first letter. Beta follows alpha. Gamma closes the set.")

	res := runToCompletion(t, o, d)

	run, err := o.RunStatus(ctx, editorCtx("ws-1"), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunStateCompleted, run.State)
	assert.Equal(t, 1, run.DocsDone)
	assert.Equal(t, 0, run.DocsFailed)
	assert.Greater(t, run.ChunksCreated, 0)
	assert.Equal(t, run.ChunksCreated, run.VectorsIndexed)
	assert.InDelta(t, 100.0, run.ProgressPct, 0.01)

	kb, err := o.repos.KnowledgeBases.GetByID(ctx, "ws-1", res.KBID)
	require.NoError(t, err)
	assert.Equal(t, storage.KBStatusReady, kb.Status)
	assert.Equal(t, 32, kb.Profile.Dimension)

	docs, err := o.repos.Documents.ListByStatus(ctx, res.KBID, storage.DocStatusIndexed)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, run.ChunksCreated, docs[0].ChunkCount)

	idx, err := o.vectors.Open(ctx, vector.Profile{KBID: res.KBID, WorkspaceID: "ws-1", Dimension: 32})
	require.NoError(t, err)
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(run.VectorsIndexed), n)

	events, err := o.RunLogs(ctx, editorCtx("ws-1"), res.RunID, time.Time{}, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestReprocessUnchangedContentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	d := textDraft("ws-1", "Alpha. Beta. Gamma.")
	res := runToCompletion(t, o, d)

	kb, err := o.repos.KnowledgeBases.GetByID(ctx, "ws-1", res.KBID)
	require.NoError(t, err)
	idsBefore, err := o.repos.Chunks.IDsByKB(ctx, res.KBID)
	require.NoError(t, err)

	run2, err := o.EnqueueRun(ctx, kb)
	require.NoError(t, err)
	<-o.queue
	o.executeRun(ctx, run2)

	got, err := o.RunStatus(ctx, editorCtx("ws-1"), run2.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunStateCompleted, got.State)
	assert.Equal(t, 0, got.ChunksCreated, "unchanged content creates no chunks")
	assert.Equal(t, 1, got.DocsDone)

	idsAfter, err := o.repos.Chunks.IDsByKB(ctx, res.KBID)
	require.NoError(t, err)
	assert.ElementsMatch(t, idsBefore, idsAfter, "chunk ids stay stable")
}

func TestOneActiveRunPerKB(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	d := textDraft("ws-1", "content")
	res, err := o.FinalizeDraft(ctx, editorCtx("ws-1"), d)
	require.NoError(t, err)
	_ = res

	kb, err := o.repos.KnowledgeBases.GetByID(ctx, "ws-1", res.KBID)
	require.NoError(t, err)
	_, err = o.EnqueueRun(ctx, kb)
	require.Error(t, err)
	assert.True(t, kberr.IsConflict(err))
}

func TestWorkspaceRunQuota(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	o.cfg.MaxConcurrentRuns = 1

	_, err := o.FinalizeDraft(ctx, editorCtx("ws-1"), textDraft("ws-1", "first"))
	require.NoError(t, err)
	_, err = o.FinalizeDraft(ctx, editorCtx("ws-1"), textDraft("ws-1", "second"))
	require.Error(t, err)
	assert.Equal(t, kberr.KindResourceExhausted, kberr.KindOf(err))
}

func TestCancelQueuedRun(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	res, err := o.FinalizeDraft(ctx, editorCtx("ws-1"), textDraft("ws-1", "content"))
	require.NoError(t, err)

	require.NoError(t, o.CancelRun(ctx, editorCtx("ws-1"), res.RunID))
	run, err := o.RunStatus(ctx, editorCtx("ws-1"), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunStateCancelled, run.State)

	// Cancelling a terminal run conflicts.
	err = o.CancelRun(ctx, editorCtx("ws-1"), res.RunID)
	assert.True(t, kberr.IsConflict(err))
}

func TestCancelTokenStopsRunEarly(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	res, err := o.FinalizeDraft(ctx, editorCtx("ws-1"), textDraft("ws-1", "content"))
	require.NoError(t, err)
	run := <-o.queue

	// Token set before the worker picks the run up: the first control
	// boundary observes it.
	require.NoError(t, o.kv.Set(ctx, cache.CancelKey(run.ID.String()), []byte("x"), time.Minute))
	o.executeRun(ctx, run)

	got, err := o.RunStatus(ctx, editorCtx("ws-1"), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunStateCancelled, got.State)
	assert.Equal(t, 0, got.DocsDone)
}

func TestVectorProfileMismatchFailsRun(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	res, err := o.FinalizeDraft(ctx, editorCtx("ws-1"), textDraft("ws-1", "content"))
	require.NoError(t, err)
	run := <-o.queue

	// A pre-existing index with a different dimension makes the run's
	// index open fail hard.
	_, err = o.vectors.Open(ctx, vector.Profile{KBID: res.KBID, WorkspaceID: "ws-1", Dimension: 8})
	require.NoError(t, err)

	o.executeRun(ctx, run)
	got, err := o.RunStatus(ctx, editorCtx("ws-1"), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunStateFailed, got.State)

	kb, err := o.repos.KnowledgeBases.GetByID(ctx, "ws-1", res.KBID)
	require.NoError(t, err)
	assert.Equal(t, storage.KBStatusFailed, kb.Status)
}

func TestHardErrorWithPartialProgressMarksKBFailed(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	res, err := o.FinalizeDraft(ctx, editorCtx("ws-1"), textDraft("ws-1", "content"))
	require.NoError(t, err)
	run := <-o.queue
	require.NoError(t, o.repos.Runs.TransitionState(ctx, run.ID, storage.RunStateRunning, storage.RunStateQueued))
	run.State = storage.RunStateRunning

	kb, err := o.repos.KnowledgeBases.GetByID(ctx, "ws-1", res.KBID)
	require.NoError(t, err)

	// A hard error after one document already indexed: the partial
	// progress must not upgrade the KB to ready.
	run.DocsDone = 1
	o.finishRun(ctx, run, kb, storage.RunStateFailed, "embedding profile mismatch")

	got, err := o.RunStatus(ctx, editorCtx("ws-1"), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunStateFailed, got.State)
	assert.Equal(t, "embedding profile mismatch", got.FailReason)

	kb, err = o.repos.KnowledgeBases.GetByID(ctx, "ws-1", res.KBID)
	require.NoError(t, err)
	assert.Equal(t, storage.KBStatusFailed, kb.Status)
}

func TestRunWithUnreachableSourceFails(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	d := textDraft("ws-1", "unused")
	d.Sources = []source.Spec{{
		ID:        uuid.NewString(),
		Kind:      source.KindWeb,
		Reference: "http://127.0.0.1:1/nothing",
		Web:       &source.WebConfig{Method: source.MethodScrape},
	}}
	res, err := o.FinalizeDraft(ctx, editorCtx("ws-1"), d)
	require.NoError(t, err)
	run := <-o.queue
	o.executeRun(ctx, run)

	got, err := o.RunStatus(ctx, editorCtx("ws-1"), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunStateFailed, got.State)
	assert.Equal(t, "no documents indexed", got.FailReason)
}

func TestReconcileRemovesOrphanVectors(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	res := runToCompletion(t, o, textDraft("ws-1", "Alpha. Beta. Gamma."))

	idx, err := o.vectors.Open(ctx, vector.Profile{KBID: res.KBID, WorkspaceID: "ws-1", Dimension: 32})
	require.NoError(t, err)

	orphan := uuid.New()
	vec := make([]float32, 32)
	vec[0] = 1
	require.NoError(t, idx.Upsert(ctx, []vector.Record{{
		ID:     orphan,
		Vector: vec,
		Payload: vector.Payload{
			KBID: res.KBID, WorkspaceID: "ws-1",
			DocumentID: uuid.New(), ChunkID: orphan, Enabled: true,
		},
	}}))

	require.NoError(t, o.Reconcile(ctx))

	ids, err := idx.IDs(ctx, "ws-1")
	require.NoError(t, err)
	assert.NotContains(t, ids, orphan)
	known, err := o.repos.Chunks.IDsByKB(ctx, res.KBID)
	require.NoError(t, err)
	assert.ElementsMatch(t, known, ids, "surviving vectors match catalog chunks")
}

func TestReconcileRequeuesDivergedDocument(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	res := runToCompletion(t, o, textDraft("ws-1", "Alpha. Beta. Gamma."))

	docs, err := o.repos.Documents.ListByStatus(ctx, res.KBID, storage.DocStatusIndexed)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	// Fake divergence: claim one more chunk than the rows hold.
	require.NoError(t, o.repos.Documents.UpdateCounts(ctx, docs[0].ID, 3, 19, docs[0].ChunkCount+1))

	require.NoError(t, o.Reconcile(ctx))

	// The divergence is observable as a failure until the queued reprocess
	// repairs it.
	doc, err := o.repos.Documents.GetByID(ctx, "ws-1", docs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DocStatusFailed, doc.Status)
	assert.Equal(t, "chunk count divergence", doc.FailReason)
	run, err := o.repos.Runs.ActiveByKB(ctx, res.KBID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunStateQueued, run.State)
}

func TestSingleDocumentReprocess(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	res := runToCompletion(t, o, textDraft("ws-1", "Alpha. Beta. Gamma."))

	kb, err := o.repos.KnowledgeBases.GetByID(ctx, "ws-1", res.KBID)
	require.NoError(t, err)
	docs, err := o.repos.Documents.ListByStatus(ctx, res.KBID, storage.DocStatusIndexed)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	run, err := o.EnqueueDocument(ctx, kb, docs[0])
	require.NoError(t, err)
	_, scoped := o.scopedDocument(run.ID)
	assert.True(t, scoped)
	<-o.queue
	o.executeRun(ctx, run)

	got, err := o.RunStatus(ctx, editorCtx("ws-1"), run.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunStateCompleted, got.State)
	_, scoped = o.scopedDocument(run.ID)
	assert.False(t, scoped, "scope released after the run")
}

func TestStartResumesInterruptedRuns(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	res, err := o.FinalizeDraft(ctx, editorCtx("ws-1"), textDraft("ws-1", "Alpha. Beta."))
	require.NoError(t, err)
	// Drain the queue and mark the run running, as if the process died
	// mid-flight.
	run := <-o.queue
	require.NoError(t, o.repos.Runs.TransitionState(ctx, run.ID, storage.RunStateRunning, storage.RunStateQueued))

	runCtx, cancel := context.WithCancel(ctx)
	require.NoError(t, o.Start(runCtx))
	assert.Eventually(t, func() bool {
		got, gerr := o.RunStatus(ctx, editorCtx("ws-1"), res.RunID)
		return gerr == nil && got.State == storage.RunStateCompleted
	}, 10*time.Second, 50*time.Millisecond)
	cancel()
	o.Stop()
}
