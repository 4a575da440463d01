package sync

import (
	"context"

	"github.com/kimhsiao/medportal/core/internal/models"
)

// SyncEngine is the engine surface used by the portal facade and the local
// server. It allows for fakes in handler tests.
type SyncEngine interface {
	// TriggerManualSync runs a sync now or fails if one is running.
	TriggerManualSync(ctx context.Context) (*Result, error)

	// IsSyncInProgress reports whether a run is active.
	IsSyncInProgress() bool

	// GetSyncHistory returns past runs, most recent first.
	GetSyncHistory() []Result

	// RetryFailed resets FAILED queue items for the next run.
	RetryFailed(ctx context.Context) (int, error)

	// Conflicts lists conflicts, optionally only unresolved ones.
	Conflicts(ctx context.Context, unresolvedOnly bool) ([]*models.ConflictRecord, error)

	// ResolveConflict settles one conflict with an explicit policy.
	ResolveConflict(ctx context.Context, id string, policy models.ConflictPolicy) error

	// Subscribe registers fn for sync events and returns an unsubscribe func.
	Subscribe(fn func(Event)) func()
}

var _ SyncEngine = (*Engine)(nil)
