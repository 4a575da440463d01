// Package queue manages the durable mutation queue: processing order,
// completion and the retry ceiling. Items live in the local store; this
// package holds no in-memory copy of them.
package queue

import (
	"context"
	"fmt"

	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/offline"
)

// Store is the durable backing of the queue.
type Store interface {
	Enqueue(ctx context.Context, m *models.Mutation) offline.Result
	QueueItems(ctx context.Context, status models.QueueStatus, limit int) ([]*models.SyncQueueItem, error)
	CountQueueItems(ctx context.Context, status models.QueueStatus) (int, error)
	QueueItem(ctx context.Context, id string) (*models.SyncQueueItem, error)
	UpdateQueueItem(ctx context.Context, item *models.SyncQueueItem) error
	ResetFailed(ctx context.Context) (int, error)
}

// SyncQueue applies queue policy over a Store.
type SyncQueue struct {
	store      Store
	maxRetries int
}

// NewSyncQueue creates a SyncQueue with the standard retry ceiling.
func NewSyncQueue(store Store) *SyncQueue {
	return &SyncQueue{store: store, maxRetries: models.MaxQueueRetries}
}

// MaxRetries returns the number of failures after which an item is FAILED.
func (q *SyncQueue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue validates and durably appends a mutation, returning the item id.
func (q *SyncQueue) Enqueue(ctx context.Context, m *models.Mutation) (string, error) {
	res := q.store.Enqueue(ctx, m)
	if !res.Success {
		return "", res.Err
	}
	return res.ID, nil
}

// Next returns up to limit PENDING items, HIGH priority first and FIFO within
// a priority. A limit <= 0 returns every pending item.
func (q *SyncQueue) Next(ctx context.Context, limit int) ([]*models.SyncQueueItem, error) {
	return q.store.QueueItems(ctx, models.QueueStatusPending, limit)
}

func (q *SyncQueue) load(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	item, err := q.store.QueueItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("queue item %s not found", id))
	}
	return item, nil
}

// Complete marks an item as acknowledged by the server.
func (q *SyncQueue) Complete(ctx context.Context, id string) error {
	item, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	item.Status = models.QueueStatusCompleted
	item.LastError = ""
	if err := q.store.UpdateQueueItem(ctx, item); err != nil {
		return err
	}

	logging.Debug("Queue item completed", map[string]interface{}{
		"item_id": id,
		"kind":    string(item.EntityKind),
	})
	return nil
}

// Failed records a delivery failure. The item stays PENDING until it has
// failed maxRetries times, then becomes FAILED and is no longer returned by Next.
func (q *SyncQueue) Failed(ctx context.Context, id string, cause error) (models.QueueStatus, error) {
	item, err := q.load(ctx, id)
	if err != nil {
		return "", err
	}

	item.RetryCount++
	if cause != nil {
		item.LastError = cause.Error()
	}
	if item.RetryCount >= q.maxRetries {
		item.Status = models.QueueStatusFailed
	} else {
		item.Status = models.QueueStatusPending
	}
	if err := q.store.UpdateQueueItem(ctx, item); err != nil {
		return "", err
	}

	if item.Status == models.QueueStatusFailed {
		logging.Warn("Queue item failed permanently", map[string]interface{}{
			"item_id": id,
			"retries": item.RetryCount,
			"error":   item.LastError,
		})
	} else {
		logging.Info("Queue item failed, will retry", map[string]interface{}{
			"item_id": id,
			"retry":   item.RetryCount,
			"max":     q.maxRetries,
		})
	}
	return item.Status, nil
}

// Reject marks an item FAILED at once, for errors a retry cannot fix.
func (q *SyncQueue) Reject(ctx context.Context, id string, cause error) error {
	item, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	item.Status = models.QueueStatusFailed
	if cause != nil {
		item.LastError = cause.Error()
	}
	if err := q.store.UpdateQueueItem(ctx, item); err != nil {
		return err
	}
	logging.Warn("Queue item rejected", map[string]interface{}{
		"item_id": id,
		"error":   item.LastError,
	})
	return nil
}

// RetryAll resets every FAILED item to PENDING with a fresh retry budget.
func (q *SyncQueue) RetryAll(ctx context.Context) (int, error) {
	n, err := q.store.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Reset failed queue items for retry", map[string]interface{}{"count": n})
	}
	return n, nil
}

// List returns the items with a status in processing order.
func (q *SyncQueue) List(ctx context.Context, status models.QueueStatus) ([]*models.SyncQueueItem, error) {
	return q.store.QueueItems(ctx, status, 0)
}

// GetStats returns item counts per status.
func (q *SyncQueue) GetStats(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{"total": 0}
	for _, status := range []models.QueueStatus{
		models.QueueStatusPending, models.QueueStatusFailed, models.QueueStatusCompleted,
	} {
		n, err := q.store.CountQueueItems(ctx, status)
		if err != nil {
			return nil, err
		}
		stats[string(status)] = n
		stats["total"] += n
	}
	return stats, nil
}
