package vector

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryIndex is the in-process reference index: a mutex-guarded map with
// brute-force cosine scoring. It backs development, tests, and the sqlite
// deployment profile.
type MemoryIndex struct {
	mu      sync.RWMutex
	profile Profile
	records map[uuid.UUID]Record
}

func NewMemoryIndex(profile Profile) *MemoryIndex {
	return &MemoryIndex{
		profile: profile,
		records: make(map[uuid.UUID]Record),
	}
}

func (m *MemoryIndex) Upsert(_ context.Context, records []Record) error {
	if err := validateRecords(m.profile, records); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		cp := r
		cp.Vector = append([]float32(nil), r.Vector...)
		m.records[r.ID] = cp
	}
	return nil
}

func (m *MemoryIndex) DeleteByIDs(_ context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.records, id)
	}
	return nil
}

func (m *MemoryIndex) DeleteByDocument(_ context.Context, workspaceID string, documentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if r.Payload.WorkspaceID == workspaceID && r.Payload.DocumentID == documentID {
			delete(m.records, id)
		}
	}
	return nil
}

func (m *MemoryIndex) SetEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil
	}
	r.Payload.Enabled = enabled
	m.records[id] = r
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, q *Query) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]Result, 0, q.Limit())
	for id, r := range m.records {
		if !q.Matches(r.Payload) {
			continue
		}
		results = append(results, Result{
			ID:      id,
			Score:   cosine(q.Vector(), r.Vector),
			Payload: r.Payload,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID.String() < results[j].ID.String()
	})
	if len(results) > q.Limit() {
		results = results[:q.Limit()]
	}
	return results, nil
}

func (m *MemoryIndex) IDs(_ context.Context, workspaceID string) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(m.records))
	for id, r := range m.records {
		if r.Payload.WorkspaceID == workspaceID {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (m *MemoryIndex) Count(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}

func (m *MemoryIndex) Drop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[uuid.UUID]Record)
	return nil
}

func (m *MemoryIndex) Close() error { return nil }

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
