package draft

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/internal/cache"
	"github.com/kbforge/kbforge/internal/chunker"
	"github.com/kbforge/kbforge/internal/kberr"
	"github.com/kbforge/kbforge/internal/source"
	"github.com/kbforge/kbforge/internal/tenant"
)

type fakeFinalizer struct {
	mu      sync.Mutex
	calls   int
	delay   time.Duration
	failErr error
}

func (f *fakeFinalizer) FinalizeDraft(_ context.Context, _ tenant.Context, _ *Draft) (FinalizeResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failErr != nil {
		return FinalizeResult{}, f.failErr
	}
	return FinalizeResult{KBID: uuid.New(), RunID: uuid.New()}, nil
}

func newTestService(t *testing.T, fin Finalizer) (*Service, cache.Client) {
	t.Helper()
	kv := cache.NewMemoryClient(0)
	t.Cleanup(func() { kv.Close() })
	if fin == nil {
		fin = &fakeFinalizer{}
	}
	svc := NewService(NewStore(kv), kv, source.Defaults(nil), fin, Config{}, nil)
	return svc, kv
}

func editor() tenant.Context {
	return tenant.Context{OrgID: "org-1", WorkspaceID: "ws-1", UserID: "user-1", Role: tenant.RoleEditor}
}

func TestCreateAndGetDraft(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	d, err := svc.Create(ctx, editor(), KBSpec{Name: "docs"})
	require.NoError(t, err)
	assert.Equal(t, "ws-1", d.WorkspaceID)
	assert.Equal(t, "user-1", d.CreatedBy)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), d.ExpiresAt, time.Minute)

	got, err := svc.Get(ctx, editor(), d.DraftID)
	require.NoError(t, err)
	assert.Equal(t, d.DraftID, got.DraftID)
}

func TestDraftACL(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	d, err := svc.Create(ctx, editor(), KBSpec{Name: "docs"})
	require.NoError(t, err)

	// Cross-workspace reads answer NotFound, not Forbidden.
	other := tenant.Context{WorkspaceID: "ws-2", UserID: "user-1", Role: tenant.RoleAdmin}
	_, err = svc.Get(ctx, other, d.DraftID)
	assert.True(t, kberr.IsNotFound(err))

	// Same workspace, different non-admin user: Forbidden.
	peer := tenant.Context{WorkspaceID: "ws-1", UserID: "user-2", Role: tenant.RoleEditor}
	_, err = svc.Get(ctx, peer, d.DraftID)
	assert.Equal(t, kberr.KindForbidden, kberr.KindOf(err))

	// Workspace admin may access.
	admin := tenant.Context{WorkspaceID: "ws-1", UserID: "user-2", Role: tenant.RoleAdmin}
	_, err = svc.Get(ctx, admin, d.DraftID)
	assert.NoError(t, err)

	// Viewer cannot create.
	viewer := tenant.Context{WorkspaceID: "ws-1", UserID: "user-3", Role: tenant.RoleViewer}
	_, err = svc.Create(ctx, viewer, KBSpec{Name: "x"})
	assert.Equal(t, kberr.KindForbidden, kberr.KindOf(err))
}

func TestDraftTTLBounds(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.Create(context.Background(), editor(), KBSpec{Name: "docs", TTL: 8 * 24 * time.Hour})
	require.Error(t, err)
	assert.True(t, kberr.IsInvalidArgument(err))
}

func TestAddUpdateRemoveSource(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	d, err := svc.Create(ctx, editor(), KBSpec{Name: "docs"})
	require.NoError(t, err)

	id, err := svc.AddSource(ctx, editor(), d.DraftID, source.Spec{
		Kind: source.KindText, Reference: "Alpha beta gamma.",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Invalid source is rejected.
	_, err = svc.AddSource(ctx, editor(), d.DraftID, source.Spec{Kind: source.KindText})
	assert.True(t, kberr.IsInvalidArgument(err))

	require.NoError(t, svc.UpdateSource(ctx, editor(), d.DraftID, id, source.Spec{
		Kind: source.KindText, Reference: "Updated content.",
	}))
	got, err := svc.Get(ctx, editor(), d.DraftID)
	require.NoError(t, err)
	src, ok := got.Source(id)
	require.True(t, ok)
	assert.Equal(t, "Updated content.", src.Reference)

	require.NoError(t, svc.RemoveSource(ctx, editor(), d.DraftID, id))
	err = svc.RemoveSource(ctx, editor(), d.DraftID, id)
	assert.True(t, kberr.IsNotFound(err))
}

func TestRemoveSourceBlockedByComposite(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	d, err := svc.Create(ctx, editor(), KBSpec{Name: "docs"})
	require.NoError(t, err)

	childID, err := svc.AddSource(ctx, editor(), d.DraftID, source.Spec{
		Kind: source.KindText, Reference: "child content",
	})
	require.NoError(t, err)
	_, err = svc.AddSource(ctx, editor(), d.DraftID, source.Spec{
		Kind:      source.KindComposite,
		Composite: &source.CompositeConfig{ChildIDs: []string{childID}},
	})
	require.NoError(t, err)

	err = svc.RemoveSource(ctx, editor(), d.DraftID, childID)
	require.Error(t, err)
	assert.True(t, kberr.IsConflict(err))
}

func TestCompositeChildMustExist(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	d, err := svc.Create(ctx, editor(), KBSpec{Name: "docs"})
	require.NoError(t, err)

	_, err = svc.AddSource(ctx, editor(), d.DraftID, source.Spec{
		Kind:      source.KindComposite,
		Composite: &source.CompositeConfig{ChildIDs: []string{"ghost"}},
	})
	require.Error(t, err)
	assert.True(t, kberr.IsInvalidArgument(err))
}

func TestChunkingOverride(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	d, err := svc.Create(ctx, editor(), KBSpec{Name: "docs"})
	require.NoError(t, err)
	id, err := svc.AddSource(ctx, editor(), d.DraftID, source.Spec{
		Kind: source.KindText, Reference: "content",
	})
	require.NoError(t, err)

	bad := chunker.Config{Strategy: "recursive", TargetSize: 50}
	err = svc.SetChunkingOverride(ctx, editor(), d.DraftID, id, bad)
	assert.True(t, kberr.IsInvalidArgument(err))

	good := chunker.Config{Strategy: "sentence", TargetSize: 500, Overlap: 50, PreserveStructure: true}
	require.NoError(t, svc.SetChunkingOverride(ctx, editor(), d.DraftID, id, good))

	got, err := svc.Get(ctx, editor(), d.DraftID)
	require.NoError(t, err)
	resolved := got.ResolveChunking(id)
	assert.Equal(t, "sentence", resolved.Strategy)
	assert.Equal(t, 500, resolved.TargetSize)
}

func TestPreviewTextSource(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	d, err := svc.Create(ctx, editor(), KBSpec{Name: "docs"})
	require.NoError(t, err)
	id, err := svc.AddSource(ctx, editor(), d.DraftID, source.Spec{
		Kind:      source.KindText,
		Reference: "The quick brown fox jumps over the lazy dog. It was the best of times.",
	})
	require.NoError(t, err)

	previews, err := svc.Preview(ctx, editor(), d.DraftID, "", 10, 50)
	require.NoError(t, err)
	pv, ok := previews[id]
	require.True(t, ok)
	require.Empty(t, pv.Error)
	require.Len(t, pv.Pages, 1)
	assert.Contains(t, pv.Pages[0].Content, "quick brown fox")
	assert.NotEmpty(t, pv.SampleChunks)
	assert.Equal(t, 0, pv.SampleChunks[0].Ordinal)

	// Pages are served from the preserved preview.
	pages, err := svc.ListPages(ctx, editor(), d.DraftID, id)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	page, err := svc.GetPage(ctx, editor(), d.DraftID, id, 0)
	require.NoError(t, err)
	assert.Equal(t, pages[0].URI, page.URI)
	_, err = svc.GetPage(ctx, editor(), d.DraftID, id, 5)
	assert.True(t, kberr.IsNotFound(err))
}

func TestPreviewErrorSlot(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	d, err := svc.Create(ctx, editor(), KBSpec{Name: "docs"})
	require.NoError(t, err)

	goodID, err := svc.AddSource(ctx, editor(), d.DraftID, source.Spec{
		Kind: source.KindText, Reference: "fine content here",
	})
	require.NoError(t, err)
	badID, err := svc.AddSource(ctx, editor(), d.DraftID, source.Spec{
		Kind:      source.KindWeb,
		Reference: "http://127.0.0.1:1/unreachable",
		Web:       &source.WebConfig{Method: source.MethodScrape, MaxPages: 1},
	})
	require.NoError(t, err)

	previews, err := svc.Preview(ctx, editor(), d.DraftID, "", 10, 50)
	require.NoError(t, err)
	assert.Empty(t, previews[goodID].Error)
	assert.NotEmpty(t, previews[badID].Error)
}

func TestFinalizePreconditions(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	d, err := svc.Create(ctx, editor(), KBSpec{Name: "docs"})
	require.NoError(t, err)

	// Zero sources cannot finalize.
	_, err = svc.Finalize(ctx, editor(), d.DraftID)
	require.Error(t, err)
	assert.True(t, kberr.IsInvalidArgument(err))
}

func TestFinalizeConsumesDraft(t *testing.T) {
	fin := &fakeFinalizer{}
	svc, _ := newTestService(t, fin)
	ctx := context.Background()
	d, err := svc.Create(ctx, editor(), KBSpec{Name: "docs"})
	require.NoError(t, err)
	_, err = svc.AddSource(ctx, editor(), d.DraftID, source.Spec{
		Kind: source.KindText, Reference: "Alpha. Beta. Gamma.",
	})
	require.NoError(t, err)

	result, err := svc.Finalize(ctx, editor(), d.DraftID)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, result.KBID)
	assert.NotEqual(t, uuid.Nil, result.RunID)
	assert.Equal(t, 1, fin.calls)

	// The draft is gone.
	_, err = svc.Get(ctx, editor(), d.DraftID)
	assert.True(t, kberr.IsNotFound(err))
}

func TestConcurrentFinalizeSerializes(t *testing.T) {
	fin := &fakeFinalizer{delay: 100 * time.Millisecond}
	svc, _ := newTestService(t, fin)
	ctx := context.Background()
	d, err := svc.Create(ctx, editor(), KBSpec{Name: "docs"})
	require.NoError(t, err)
	_, err = svc.AddSource(ctx, editor(), d.DraftID, source.Spec{
		Kind: source.KindText, Reference: "content",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Finalize(ctx, editor(), d.DraftID)
		}(i)
	}
	wg.Wait()

	winners, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case kberr.IsConflict(err) || kberr.IsNotFound(err):
			conflicts++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 1, fin.calls)
}

func TestFinalizeFailureReleasesLock(t *testing.T) {
	fin := &fakeFinalizer{failErr: kberr.New(kberr.KindTransient, "catalog down")}
	svc, _ := newTestService(t, fin)
	ctx := context.Background()
	d, err := svc.Create(ctx, editor(), KBSpec{Name: "docs"})
	require.NoError(t, err)
	_, err = svc.AddSource(ctx, editor(), d.DraftID, source.Spec{
		Kind: source.KindText, Reference: "content",
	})
	require.NoError(t, err)

	_, err = svc.Finalize(ctx, editor(), d.DraftID)
	require.Error(t, err)

	// Draft survives and a retry reaches the finalizer again.
	fin.failErr = nil
	_, err = svc.Finalize(ctx, editor(), d.DraftID)
	require.NoError(t, err)
	assert.Equal(t, 2, fin.calls)
}

func TestStoreSweepRemovesExpired(t *testing.T) {
	kv := cache.NewMemoryClient(0)
	defer kv.Close()
	store := NewStore(kv)
	ctx := context.Background()

	live := &Draft{
		DraftID: "live", WorkspaceID: "ws-1", CreatedBy: "u",
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, store.Put(ctx, live))

	// Write an expired record directly; Put refuses them.
	expired := &Draft{
		DraftID: "old", WorkspaceID: "ws-1", CreatedBy: "u",
		CreatedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour),
	}
	data, err := json.Marshal(expired)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, cache.DraftKey("ws-1", "old"), data, time.Hour))

	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ids, err := store.List(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, ids)
}

func TestDeleteDraftIdempotent(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	d, err := svc.Create(ctx, editor(), KBSpec{Name: "docs"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, editor(), d.DraftID))
	require.NoError(t, svc.Delete(ctx, editor(), d.DraftID))
}
