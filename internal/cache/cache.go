// Package cache provides the shared key-value layer: draft documents,
// cancellation tokens, finalize locks, and pipeline event fan-out. Redis
// backs multi-process deployments; the memory client backs development and
// tests with the same semantics.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrCacheMiss indicates the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Client is the cache interface. SetNX is the lock primitive: it writes only
// when the key is absent and reports whether it won.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
	Close() error
}

// Key joins parts with ":".
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// DraftKey scopes a draft to its workspace.
func DraftKey(workspaceID, draftID string) string {
	return Key("draft", workspaceID, draftID)
}

// DraftPrefix lists every draft in a workspace.
func DraftPrefix(workspaceID string) string {
	return Key("draft", workspaceID) + ":"
}

// FinalizeLockKey serializes finalize per draft.
func FinalizeLockKey(workspaceID, draftID string) string {
	return Key("lock", "finalize", workspaceID, draftID)
}

// CancelKey marks a pipeline run as cancel-requested.
func CancelKey(runID string) string {
	return Key("cancel", runID)
}

// PauseKey marks a pipeline run as pause-requested.
func PauseKey(runID string) string {
	return Key("pause", runID)
}

// RunEventsChannel carries a run's progress events.
func RunEventsChannel(runID string) string {
	return Key("events", "run", runID)
}
