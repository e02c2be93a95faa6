package vector

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/internal/kberr"
)

func testProfile() Profile {
	return Profile{KBID: uuid.New(), WorkspaceID: "ws-1", Dimension: 3}
}

func record(p Profile, docID uuid.UUID, ordinal int, vec []float32) Record {
	id := uuid.New()
	return Record{
		ID:     id,
		Vector: vec,
		Payload: Payload{
			KBID:        p.KBID,
			WorkspaceID: p.WorkspaceID,
			DocumentID:  docID,
			ChunkID:     id,
			Ordinal:     ordinal,
			Enabled:     true,
		},
	}
}

func TestQueryBuilderRequiresWorkspace(t *testing.T) {
	_, err := NewQuery([]float32{1, 0, 0}).Build()
	require.Error(t, err)
	assert.True(t, kberr.IsInvalidArgument(err))

	_, err = NewQuery(nil).Workspace("ws-1").Build()
	require.Error(t, err)
	assert.True(t, kberr.IsInvalidArgument(err))

	q, err := NewQuery([]float32{1, 0, 0}).Workspace("ws-1").Build()
	require.NoError(t, err)
	assert.Equal(t, "ws-1", q.WorkspaceID())
	assert.Equal(t, 10, q.Limit())
}

func TestMemoryIndexSearchOrdering(t *testing.T) {
	p := testProfile()
	idx := NewMemoryIndex(p)
	ctx := context.Background()
	doc := uuid.New()

	near := record(p, doc, 0, []float32{1, 0, 0})
	mid := record(p, doc, 1, []float32{1, 1, 0})
	far := record(p, doc, 2, []float32{0, 0, 1})
	require.NoError(t, idx.Upsert(ctx, []Record{far, mid, near}))

	q, err := NewQuery([]float32{1, 0, 0}).Workspace(p.WorkspaceID).Limit(2).Build()
	require.NoError(t, err)
	results, err := idx.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, near.ID, results[0].ID)
	assert.Equal(t, mid.ID, results[1].ID)
}

func TestMemoryIndexWorkspaceIsolation(t *testing.T) {
	p := testProfile()
	idx := NewMemoryIndex(p)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, []Record{record(p, uuid.New(), 0, []float32{1, 0, 0})}))

	q, err := NewQuery([]float32{1, 0, 0}).Workspace("other-ws").Build()
	require.NoError(t, err)
	results, err := idx.Search(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, results)

	ids, err := idx.IDs(ctx, "other-ws")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemoryIndexDimensionMismatch(t *testing.T) {
	p := testProfile()
	idx := NewMemoryIndex(p)
	r := record(p, uuid.New(), 0, []float32{1, 0})

	err := idx.Upsert(context.Background(), []Record{r})
	require.Error(t, err)
	assert.True(t, kberr.IsProfileMismatch(err))

	n, err := idx.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryIndexTenantPayloadMismatch(t *testing.T) {
	p := testProfile()
	idx := NewMemoryIndex(p)
	r := record(p, uuid.New(), 0, []float32{1, 0, 0})
	r.Payload.WorkspaceID = "ws-2"

	err := idx.Upsert(context.Background(), []Record{r})
	require.Error(t, err)
	assert.True(t, kberr.IsProfileMismatch(err))
}

func TestMemoryIndexUpsertReplaces(t *testing.T) {
	p := testProfile()
	idx := NewMemoryIndex(p)
	ctx := context.Background()
	r := record(p, uuid.New(), 0, []float32{1, 0, 0})
	require.NoError(t, idx.Upsert(ctx, []Record{r}))

	r.Vector = []float32{0, 1, 0}
	require.NoError(t, idx.Upsert(ctx, []Record{r}))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	q, _ := NewQuery([]float32{0, 1, 0}).Workspace(p.WorkspaceID).Build()
	results, err := idx.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-6)
}

func TestMemoryIndexDisabledExcludedByDefault(t *testing.T) {
	p := testProfile()
	idx := NewMemoryIndex(p)
	ctx := context.Background()
	r := record(p, uuid.New(), 0, []float32{1, 0, 0})
	require.NoError(t, idx.Upsert(ctx, []Record{r}))
	require.NoError(t, idx.SetEnabled(ctx, r.ID, false))

	q, _ := NewQuery([]float32{1, 0, 0}).Workspace(p.WorkspaceID).Build()
	results, err := idx.Search(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, results)

	q, _ = NewQuery([]float32{1, 0, 0}).Workspace(p.WorkspaceID).IncludeDisabled().Build()
	results, err = idx.Search(ctx, q)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestMemoryIndexDeleteByDocument(t *testing.T) {
	p := testProfile()
	idx := NewMemoryIndex(p)
	ctx := context.Background()
	docA, docB := uuid.New(), uuid.New()
	require.NoError(t, idx.Upsert(ctx, []Record{
		record(p, docA, 0, []float32{1, 0, 0}),
		record(p, docA, 1, []float32{0, 1, 0}),
		record(p, docB, 0, []float32{0, 0, 1}),
	}))

	require.NoError(t, idx.DeleteByDocument(ctx, p.WorkspaceID, docA))
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProviderSharesMemoryIndexes(t *testing.T) {
	prov, err := NewProvider("memory", QdrantConfig{})
	require.NoError(t, err)
	p := testProfile()

	a, err := prov.Open(context.Background(), p)
	require.NoError(t, err)
	b, err := prov.Open(context.Background(), p)
	require.NoError(t, err)
	assert.Same(t, a, b)

	p.Dimension = 5
	_, err = prov.Open(context.Background(), p)
	require.Error(t, err)
	assert.True(t, kberr.IsProfileMismatch(err))

	_, err = NewProvider("faiss", QdrantConfig{})
	require.Error(t, err)
}

func TestCollectionName(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	assert.Equal(t, "kb_11111111-2222-3333-4444-555555555555", CollectionName(id))
}
