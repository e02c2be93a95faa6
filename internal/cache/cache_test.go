package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClientSetGetExpire(t *testing.T) {
	c := NewMemoryClient(0)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 50*time.Millisecond))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	time.Sleep(60 * time.Millisecond)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClientSetNXLock(t *testing.T) {
	c := NewMemoryClient(0)
	defer c.Close()
	ctx := context.Background()

	won, err := c.SetNX(ctx, "lock", []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = c.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	// Holder value is untouched by the losing attempt.
	val, err := c.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), val)

	require.NoError(t, c.Delete(ctx, "lock"))
	won, err = c.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestMemoryClientPrefixOps(t *testing.T) {
	c := NewMemoryClient(0)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, DraftKey("ws-1", "d1"), []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, DraftKey("ws-1", "d2"), []byte("2"), time.Minute))
	require.NoError(t, c.Set(ctx, DraftKey("ws-2", "d3"), []byte("3"), time.Minute))

	keys, err := c.Keys(ctx, DraftPrefix("ws-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"draft:ws-1:d1", "draft:ws-1:d2"}, keys)

	require.NoError(t, c.DeleteByPrefix(ctx, DraftPrefix("ws-1")))
	keys, err = c.Keys(ctx, "draft:")
	require.NoError(t, err)
	assert.Equal(t, []string{"draft:ws-2:d3"}, keys)
}

func TestMemoryClientPubSub(t *testing.T) {
	c := NewMemoryClient(0)
	defer c.Close()
	ctx := context.Background()

	ch, unsubscribe, err := c.Subscribe(ctx, RunEventsChannel("r1"))
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, RunEventsChannel("r1"), []byte("hello")))
	select {
	case msg := <-ch:
		assert.Equal(t, []byte("hello"), msg)
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}

	unsubscribe()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	require.NoError(t, c.Publish(ctx, RunEventsChannel("r1"), []byte("late")))
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "draft:ws-1:abc", DraftKey("ws-1", "abc"))
	assert.Equal(t, "lock:finalize:ws-1:abc", FinalizeLockKey("ws-1", "abc"))
	assert.Equal(t, "cancel:r1", CancelKey("r1"))
	assert.Equal(t, "pause:r1", PauseKey("r1"))
}
