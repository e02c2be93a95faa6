package draft

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kbforge/kbforge/internal/cache"
	"github.com/kbforge/kbforge/internal/chunker"
	"github.com/kbforge/kbforge/internal/embedding"
	"github.com/kbforge/kbforge/internal/kberr"
	"github.com/kbforge/kbforge/internal/observability"
	"github.com/kbforge/kbforge/internal/source"
	"github.com/kbforge/kbforge/internal/tenant"
)

// Finalizer turns a validated draft into a KB row plus a queued pipeline
// run, atomically. Implemented by the catalog/orchestrator glue.
type Finalizer interface {
	FinalizeDraft(ctx context.Context, tc tenant.Context, d *Draft) (FinalizeResult, error)
}

// Config bounds the draft service.
type Config struct {
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	PreviewPages  int
	PreviewChunks int
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = 7 * 24 * time.Hour
	}
	if c.PreviewPages <= 0 || c.PreviewPages > 10 {
		c.PreviewPages = 10
	}
	if c.PreviewChunks <= 0 || c.PreviewChunks > 50 {
		c.PreviewChunks = 50
	}
	return c
}

// Service is the draft-first authoring surface.
type Service struct {
	store     *Store
	kv        cache.Client
	sources   *source.Registry
	finalizer Finalizer
	cfg       Config
	log       *observability.Logger
}

func NewService(store *Store, kv cache.Client, sources *source.Registry, finalizer Finalizer, cfg Config, log *observability.Logger) *Service {
	if log == nil {
		log = observability.Nop()
	}
	return &Service{
		store:     store,
		kv:        kv,
		sources:   sources,
		finalizer: finalizer,
		cfg:       cfg.withDefaults(),
		log:       log.WithComponent("draft"),
	}
}

// Create opens a new draft for the caller's workspace.
func (s *Service) Create(ctx context.Context, tc tenant.Context, spec KBSpec) (*Draft, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	if !tc.Role.CanEdit() {
		return nil, kberr.New(kberr.KindForbidden, "role may not create drafts")
	}
	if spec.Name == "" {
		return nil, kberr.InvalidArgument("draft name is required")
	}
	if spec.DefaultChunking != nil {
		if err := spec.DefaultChunking.Validate(); err != nil {
			return nil, err
		}
	}
	ttl := spec.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl > s.cfg.MaxTTL {
		return nil, kberr.InvalidArgument("draft ttl exceeds maximum %s", s.cfg.MaxTTL)
	}

	now := time.Now().UTC()
	d := &Draft{
		DraftID:     newDraftID(),
		WorkspaceID: tc.WorkspaceID,
		OrgID:       tc.OrgID,
		CreatedBy:   tc.UserID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Spec:        spec,
	}
	if err := s.store.Put(ctx, d); err != nil {
		return nil, err
	}
	s.log.Info().Str("draft_id", d.DraftID).Str("workspace_id", tc.WorkspaceID).Msg("draft created")
	return d, nil
}

// Get loads a draft, ACL-checked.
func (s *Service) Get(ctx context.Context, tc tenant.Context, draftID string) (*Draft, error) {
	d, err := s.store.Get(ctx, tc.WorkspaceID, draftID)
	if err != nil {
		return nil, err
	}
	if err := tc.CanAccessDraft(d.WorkspaceID, d.CreatedBy); err != nil {
		return nil, err
	}
	return d, nil
}

// AddSource validates and appends a source spec, returning its id.
func (s *Service) AddSource(ctx context.Context, tc tenant.Context, draftID string, spec source.Spec) (string, error) {
	d, err := s.Get(ctx, tc, draftID)
	if err != nil {
		return "", err
	}
	spec.ID = uuid.NewString()
	if spec.Kind == source.KindCloud && spec.Cloud != nil {
		spec.Cloud.WorkspaceID = tc.WorkspaceID
	}
	if err := s.validateSource(d, spec); err != nil {
		return "", err
	}
	d.Sources = append(d.Sources, spec)
	if err := s.store.Put(ctx, d); err != nil {
		return "", err
	}
	return spec.ID, nil
}

// UpdateSource replaces a source spec in place, keeping its id.
func (s *Service) UpdateSource(ctx context.Context, tc tenant.Context, draftID, sourceID string, spec source.Spec) error {
	d, err := s.Get(ctx, tc, draftID)
	if err != nil {
		return err
	}
	spec.ID = sourceID
	if spec.Kind == source.KindCloud && spec.Cloud != nil {
		spec.Cloud.WorkspaceID = tc.WorkspaceID
	}
	if err := s.validateSource(d, spec); err != nil {
		return err
	}
	for i := range d.Sources {
		if d.Sources[i].ID == sourceID {
			d.Sources[i] = spec
			delete(d.Previews, sourceID)
			return s.store.Put(ctx, d)
		}
	}
	return kberr.NotFound("source not found")
}

// RemoveSource drops a source. Composite parents referencing it are
// rejected until they are updated.
func (s *Service) RemoveSource(ctx context.Context, tc tenant.Context, draftID, sourceID string) error {
	d, err := s.Get(ctx, tc, draftID)
	if err != nil {
		return err
	}
	for _, src := range d.Sources {
		if src.Kind != source.KindComposite || src.ID == sourceID {
			continue
		}
		for _, child := range src.Composite.ChildIDs {
			if child == sourceID {
				return kberr.New(kberr.KindConflictState, "source is referenced by composite "+src.ID)
			}
		}
	}
	for i := range d.Sources {
		if d.Sources[i].ID == sourceID {
			d.Sources = append(d.Sources[:i], d.Sources[i+1:]...)
			delete(d.ChunkingOverrides, sourceID)
			delete(d.Previews, sourceID)
			return s.store.Put(ctx, d)
		}
	}
	return kberr.NotFound("source not found")
}

// SetChunkingOverride pins a chunking config for one source.
func (s *Service) SetChunkingOverride(ctx context.Context, tc tenant.Context, draftID, sourceID string, cfg chunker.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d, err := s.Get(ctx, tc, draftID)
	if err != nil {
		return err
	}
	if _, ok := d.Source(sourceID); !ok {
		return kberr.NotFound("source not found")
	}
	if d.ChunkingOverrides == nil {
		d.ChunkingOverrides = make(map[string]chunker.Config)
	}
	d.ChunkingOverrides[sourceID] = cfg
	return s.store.Put(ctx, d)
}

// Delete removes a draft. Idempotent; deleting an absent draft succeeds.
func (s *Service) Delete(ctx context.Context, tc tenant.Context, draftID string) error {
	d, err := s.store.Get(ctx, tc.WorkspaceID, draftID)
	if kberr.IsNotFound(err) || kberr.KindOf(err) == kberr.KindExpired {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tc.CanAccessDraft(d.WorkspaceID, d.CreatedBy); err != nil {
		return err
	}
	return s.store.Delete(ctx, tc.WorkspaceID, draftID)
}

// ListPages returns the pages preserved at preview time for one source.
func (s *Service) ListPages(ctx context.Context, tc tenant.Context, draftID, sourceID string) ([]Page, error) {
	d, err := s.Get(ctx, tc, draftID)
	if err != nil {
		return nil, err
	}
	pv, ok := d.Previews[sourceID]
	if !ok {
		return nil, kberr.NotFound("no preview computed for source")
	}
	return pv.Pages, nil
}

// GetPage returns one preserved page by index.
func (s *Service) GetPage(ctx context.Context, tc tenant.Context, draftID, sourceID string, index int) (Page, error) {
	pages, err := s.ListPages(ctx, tc, draftID, sourceID)
	if err != nil {
		return Page{}, err
	}
	if index < 0 || index >= len(pages) {
		return Page{}, kberr.NotFound("page index out of range")
	}
	return pages[index], nil
}

// Finalize validates the draft, serializes against concurrent callers via a
// lock in the KV layer, and hands off to the finalizer. The losing caller
// of a concurrent pair gets ConflictState.
func (s *Service) Finalize(ctx context.Context, tc tenant.Context, draftID string) (FinalizeResult, error) {
	d, err := s.Get(ctx, tc, draftID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if err := s.checkFinalizable(d); err != nil {
		return FinalizeResult{}, err
	}

	lockKey := cache.FinalizeLockKey(tc.WorkspaceID, draftID)
	won, err := s.kv.SetNX(ctx, lockKey, []byte(tc.UserID), 2*time.Minute)
	if err != nil {
		return FinalizeResult{}, kberr.Wrap(kberr.KindTransient, err, "acquire finalize lock")
	}
	if !won {
		return FinalizeResult{}, kberr.New(kberr.KindConflictState, "finalize already in progress")
	}

	result, err := s.finalizer.FinalizeDraft(ctx, tc, d)
	if err != nil {
		// Release so the caller can retry after fixing the failure.
		_ = s.kv.Delete(ctx, lockKey)
		return FinalizeResult{}, err
	}

	// Successful handoff: the draft is consumed. The lock stays until its
	// TTL so a racing second call still conflicts rather than recreating.
	if err := s.store.Delete(ctx, tc.WorkspaceID, draftID); err != nil {
		s.log.Warn().Err(err).Str("draft_id", draftID).Msg("draft deletion after finalize failed, sweeper will reclaim")
	}
	s.log.Info().
		Str("draft_id", draftID).
		Str("kb_id", result.KBID.String()).
		Str("run_id", result.RunID.String()).
		Msg("draft finalized")
	return result, nil
}

// checkFinalizable verifies the finalize preconditions.
func (s *Service) checkFinalizable(d *Draft) error {
	if len(d.Sources) == 0 {
		return kberr.InvalidArgument("draft has no sources")
	}
	for _, src := range d.Sources {
		if err := s.validateSource(d, src); err != nil {
			return err
		}
	}
	if _, err := s.ResolveProfile(d); err != nil {
		return err
	}
	cfg := d.Spec.DefaultChunking
	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	for _, override := range d.ChunkingOverrides {
		if err := override.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ResolveProfile resolves the draft's embedding profile to a concrete,
// dimension-checked embedder profile.
func (s *Service) ResolveProfile(d *Draft) (embedding.Profile, error) {
	p := embedding.Profile{Provider: "local"}
	if d.Spec.EmbeddingProfile != nil {
		p = *d.Spec.EmbeddingProfile
	}
	e, err := embedding.New(p)
	if err != nil {
		return embedding.Profile{}, err
	}
	return embedding.Profile{
		Provider:   p.Provider,
		Model:      e.Model(),
		Dimension:  e.Dimension(),
		Normalized: e.Normalized(),
	}, nil
}

// validateSource dispatches to the adapter and checks draft-level
// constraints the adapter cannot see (composite children exist here).
func (s *Service) validateSource(d *Draft, spec source.Spec) error {
	if err := s.sources.Validate(spec); err != nil {
		return err
	}
	if spec.Kind == source.KindComposite {
		for _, childID := range spec.Composite.ChildIDs {
			if _, ok := d.Source(childID); !ok {
				return kberr.InvalidArgument("composite child %s does not exist in draft", childID)
			}
		}
	}
	return nil
}
