package draft

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kbforge/kbforge/internal/cache"
	"github.com/kbforge/kbforge/internal/kberr"
)

// Store persists drafts in the key-value layer. Keys are scoped
// draft:{workspace_id}:{draft_id}; the TTL mirrors the draft's expires_at
// so Redis enforces expiry even without the sweeper.
type Store struct {
	kv cache.Client
}

func NewStore(kv cache.Client) *Store {
	return &Store{kv: kv}
}

// Put writes the draft with a TTL derived from its expiry.
func (s *Store) Put(ctx context.Context, d *Draft) error {
	data, err := json.Marshal(d)
	if err != nil {
		return kberr.Wrap(kberr.KindInternal, err, "encode draft")
	}
	ttl := time.Until(d.ExpiresAt)
	if ttl <= 0 {
		return kberr.New(kberr.KindExpired, "draft is expired")
	}
	key := cache.DraftKey(d.WorkspaceID, d.DraftID)
	if err := s.kv.Set(ctx, key, data, ttl); err != nil {
		return kberr.Wrap(kberr.KindTransient, err, "store draft")
	}
	return nil
}

// Get loads a draft. Missing keys and past-expiry records answer NotFound
// and Expired respectively.
func (s *Store) Get(ctx context.Context, workspaceID, draftID string) (*Draft, error) {
	data, err := s.kv.Get(ctx, cache.DraftKey(workspaceID, draftID))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, kberr.NotFound("draft not found")
	}
	if err != nil {
		return nil, kberr.Wrap(kberr.KindTransient, err, "load draft")
	}
	var d Draft
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, kberr.Wrap(kberr.KindInternal, err, "decode draft")
	}
	if d.Expired(time.Now()) {
		return nil, kberr.New(kberr.KindExpired, "draft is expired")
	}
	return &d, nil
}

// Delete removes a draft. Idempotent.
func (s *Store) Delete(ctx context.Context, workspaceID, draftID string) error {
	if err := s.kv.Delete(ctx, cache.DraftKey(workspaceID, draftID)); err != nil {
		return kberr.Wrap(kberr.KindTransient, err, "delete draft")
	}
	return nil
}

// List returns the draft ids of one workspace.
func (s *Store) List(ctx context.Context, workspaceID string) ([]string, error) {
	prefix := cache.DraftPrefix(workspaceID)
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, kberr.Wrap(kberr.KindTransient, err, "list drafts")
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(prefix):])
	}
	return ids, nil
}

// Sweep removes expired drafts the KV's own TTL did not reclaim (the memory
// client reclaims lazily). Returns the number removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx, "draft:")
	if err != nil {
		return 0, kberr.Wrap(kberr.KindTransient, err, "scan drafts")
	}
	removed := 0
	now := time.Now()
	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var d Draft
		if err := json.Unmarshal(data, &d); err != nil || d.Expired(now) {
			if derr := s.kv.Delete(ctx, key); derr == nil {
				removed++
			}
		}
	}
	return removed, nil
}
