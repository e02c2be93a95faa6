package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/internal/kberr"
)

func TestLocalEmbedderDeterministic(t *testing.T) {
	e := NewLocalEmbedder("test-model", 64)
	ctx := context.Background()

	a1, err := e.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	a2, err := e.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Len(t, a1, 64)

	// Unit length.
	var sum float64
	for _, x := range a1 {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestLocalEmbedderSimilarityOrdering(t *testing.T) {
	e := NewLocalEmbedder("test-model", 128)
	ctx := context.Background()

	base, _ := e.Embed(ctx, "database indexes speed up relational queries")
	near, _ := e.Embed(ctx, "relational database queries use indexes")
	far, _ := e.Embed(ctx, "the weather is sunny with light wind")

	assert.Greater(t, dot(base, near), dot(base, far))
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestProviderRegistry(t *testing.T) {
	e, err := New(Profile{Provider: "local", Model: "kbforge-minilm-256", Dimension: 256, Normalized: true})
	require.NoError(t, err)
	assert.Equal(t, 256, e.Dimension())
	assert.True(t, e.Normalized())

	_, err = New(Profile{Provider: "nope", Dimension: 10})
	require.Error(t, err)
	assert.True(t, kberr.IsInvalidArgument(err))
}

func TestClientRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := map[string]any{"data": []map[string]any{}}
		data := resp["data"].([]map[string]any)
		for i := range req.Input {
			data = append(data, map[string]any{"index": i, "embedding": []float32{3, 4}})
		}
		resp["data"] = data
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{
		BaseURL: srv.URL, Model: "remote-model", Dimension: 2, Normalized: true, MaxRetries: 3,
	})
	require.NoError(t, err)

	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, int32(2), calls.Load())
	// Normalization applied: (3,4) -> (0.6, 0.8).
	assert.InDelta(t, 0.6, float64(vecs[0][0]), 1e-6)
	assert.InDelta(t, 0.8, float64(vecs[0][1]), 1e-6)
}

func TestClientDoesNotRetryAuthFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL, Model: "m", Dimension: 2, MaxRetries: 5})
	require.NoError(t, err)

	_, err = c.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, kberr.KindForbidden, kberr.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientDimensionMismatchIsProfileMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{1, 2, 3}}},
		})
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL, Model: "m", Dimension: 2})
	require.NoError(t, err)

	_, err = c.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, kberr.IsProfileMismatch(err))
}

func TestNormalizeZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	assert.Equal(t, []float32{0, 0, 0}, Normalize(v))

	u := Normalize([]float32{2, 0, 0})
	assert.InDelta(t, 1.0, float64(u[0]), 1e-6)
}

func TestRetryDelayBounds(t *testing.T) {
	for attempt := 1; attempt < 10; attempt++ {
		d := retryDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}
