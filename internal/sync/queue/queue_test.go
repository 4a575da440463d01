// Package queue provides unit tests for the mutation queue.
package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kimhsiao/medportal/core/internal/db"
	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/offline"
)

func newTestQueue(t *testing.T) *SyncQueue {
	t.Helper()
	database, err := db.OpenMigrated(":memory:")
	if err != nil {
		t.Fatalf("OpenMigrated failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	// Distinct millisecond timestamps keep FIFO order observable.
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}
	store, err := offline.New(database, offline.Options{CacheDir: t.TempDir(), Now: now})
	if err != nil {
		t.Fatalf("offline.New failed: %v", err)
	}
	return NewSyncQueue(store)
}

func consent(priority models.Priority, tag string) *models.Mutation {
	return &models.Mutation{
		Type:     models.MutationCreate,
		Kind:     models.KindConsent,
		Priority: priority,
		Consent:  &models.Consent{PatientID: "P1", ConsentType: tag, Granted: true},
	}
}

// TestSyncQueueOrder tests priority-then-FIFO processing.
func TestSyncQueueOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var ids []string
	for i, p := range []models.Priority{
		models.PriorityMedium, models.PriorityHigh, models.PriorityLow, models.PriorityHigh,
	} {
		id, err := q.Enqueue(ctx, consent(p, string(rune('a'+i))))
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, id)
	}

	items, err := q.Next(ctx, 0)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	want := []string{ids[1], ids[3], ids[0], ids[2]}
	if len(items) != len(want) {
		t.Fatalf("Expected %d items, got %d", len(want), len(items))
	}
	for i, item := range items {
		if item.ID != want[i] {
			t.Errorf("position %d: got %s (%s), want %s", i, item.ID, item.Priority, want[i])
		}
	}
}

// TestSyncQueueRetryCeiling tests that the fifth failure marks an item FAILED.
func TestSyncQueueRetryCeiling(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, consent(models.PriorityHigh, "research"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for i := 1; i <= models.MaxQueueRetries; i++ {
		status, err := q.Failed(ctx, id, errors.New("503"))
		if err != nil {
			t.Fatalf("Failed() error: %v", err)
		}
		if i < models.MaxQueueRetries && status != models.QueueStatusPending {
			t.Errorf("after %d failures status = %s, want PENDING", i, status)
		}
		if i == models.MaxQueueRetries && status != models.QueueStatusFailed {
			t.Errorf("after %d failures status = %s, want FAILED", i, status)
		}
	}

	pending, _ := q.Next(ctx, 0)
	if len(pending) != 0 {
		t.Errorf("FAILED item should be excluded from Next, got %d items", len(pending))
	}

	n, err := q.RetryAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RetryAll() = %d, %v; want 1, nil", n, err)
	}
	pending, _ = q.Next(ctx, 0)
	if len(pending) != 1 || pending[0].RetryCount != 0 {
		t.Errorf("reset item should be pending with zero retries, got %+v", pending)
	}
}

// TestSyncQueueComplete tests completion and stats.
func TestSyncQueueComplete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, consent(models.PriorityLow, "a"))
	b, _ := q.Enqueue(ctx, consent(models.PriorityLow, "b"))

	if err := q.Complete(ctx, a); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := q.Reject(ctx, b, errors.New("400 bad request")); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats["COMPLETED"] != 1 || stats["FAILED"] != 1 || stats["PENDING"] != 0 || stats["total"] != 2 {
		t.Errorf("unexpected stats: %v", stats)
	}

	failed, _ := q.List(ctx, models.QueueStatusFailed)
	if len(failed) != 1 || failed[0].LastError != "400 bad request" {
		t.Errorf("failed list = %+v", failed)
	}
}

// TestSyncQueueUnknownItem tests operations on missing ids.
func TestSyncQueueUnknownItem(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Complete(context.Background(), "missing"); err == nil {
		t.Error("Expected error completing unknown item")
	}
	if _, err := q.Failed(context.Background(), "missing", nil); err == nil {
		t.Error("Expected error failing unknown item")
	}
}

// TestSyncQueueEnqueueInvalid tests validation at enqueue.
func TestSyncQueueEnqueueInvalid(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), &models.Mutation{Type: models.MutationCreate, Kind: models.KindExport})
	if err == nil {
		t.Error("Expected validation error")
	}
}
