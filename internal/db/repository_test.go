// Package db provides unit tests for CRUD repository operations.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/kimhsiao/medportal/core/internal/models"
)

// setupTestRepo creates an in-memory migrated database for testing.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	d, err := OpenMigrated(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return NewRepository(d)
}

func testStudy(id, patient string, date int64) *models.CachedStudy {
	return &models.CachedStudy{
		ID:           id,
		PatientID:    patient,
		StudyDate:    date,
		Modality:     "CT",
		Payload:      `{"id":"` + id + `"}`,
		CachedAt:     1000,
		LastAccessed: 1000,
		SizeBytes:    100,
	}
}

// =====================================================
// Study Tests
// =====================================================

// TestUpsertStudy_idempotent verifies repeated upserts keep one row.
func TestUpsertStudy_idempotent(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	s := testStudy("s1", "p1", 10)
	for i := 0; i < 3; i++ {
		s.Description = fmt.Sprintf("rev %d", i)
		if err := repo.UpsertStudy(ctx, s); err != nil {
			t.Fatalf("UpsertStudy() error = %v", err)
		}
	}

	studies, err := repo.ListStudiesByPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("ListStudiesByPatient() error = %v", err)
	}
	if len(studies) != 1 {
		t.Fatalf("len(studies) = %d, want 1", len(studies))
	}
	if studies[0].Description != "rev 2" {
		t.Errorf("Description = %q, want latest write", studies[0].Description)
	}
}

// TestGetStudy_notFound verifies a miss returns nil without error.
func TestGetStudy_notFound(t *testing.T) {
	repo := setupTestRepo(t)
	s, err := repo.GetStudy(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetStudy() error = %v", err)
	}
	if s != nil {
		t.Errorf("GetStudy() = %+v, want nil", s)
	}
}

// TestListStudiesByPatient_order verifies most recent study date first.
func TestListStudiesByPatient_order(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for _, s := range []*models.CachedStudy{
		testStudy("old", "p1", 100),
		testStudy("new", "p1", 300),
		testStudy("mid", "p1", 200),
		testStudy("other", "p2", 999),
	} {
		if err := repo.UpsertStudy(ctx, s); err != nil {
			t.Fatalf("UpsertStudy() error = %v", err)
		}
	}

	studies, err := repo.ListStudiesByPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("ListStudiesByPatient() error = %v", err)
	}
	var ids []string
	for _, s := range studies {
		ids = append(ids, s.ID)
	}
	if fmt.Sprint(ids) != "[new mid old]" {
		t.Errorf("order = %v, want [new mid old]", ids)
	}
}

// TestDeleteStudy_cascades verifies report and image rows go with the study.
func TestDeleteStudy_cascades(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if err := repo.UpsertStudy(ctx, testStudy("s1", "p1", 1)); err != nil {
		t.Fatalf("UpsertStudy() error = %v", err)
	}
	if err := repo.UpsertReport(ctx, &models.CachedReport{ID: "r1", StudyID: "s1", Content: "{}", CachedAt: 1}); err != nil {
		t.Fatalf("UpsertReport() error = %v", err)
	}
	if err := repo.UpsertImage(ctx, &models.CachedImageMetadata{
		ID: "i1", StudyID: "s1", LocalPath: "/x.jpg", CachedAt: 1, Quality: models.QualityLow,
	}); err != nil {
		t.Fatalf("UpsertImage() error = %v", err)
	}

	if err := repo.DeleteStudy(ctx, "s1"); err != nil {
		t.Fatalf("DeleteStudy() error = %v", err)
	}

	rep, _ := repo.GetReportByStudy(ctx, "s1")
	if rep != nil {
		t.Error("report should be deleted with its study")
	}
	imgs, _ := repo.ListImagesByStudy(ctx, "s1")
	if len(imgs) != 0 {
		t.Errorf("images = %d, want 0", len(imgs))
	}
}

// TestUpsertImage_requiresStudy verifies the foreign key is enforced.
func TestUpsertImage_requiresStudy(t *testing.T) {
	repo := setupTestRepo(t)
	err := repo.UpsertImage(context.Background(), &models.CachedImageMetadata{
		ID: "i1", StudyID: "nope", LocalPath: "/x.jpg", CachedAt: 1, Quality: models.QualityHigh,
	})
	if err == nil {
		t.Error("UpsertImage() for unknown study should fail")
	}
}

// TestTouchStudies verifies last_accessed is updated.
func TestTouchStudies(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	repo.UpsertStudy(ctx, testStudy("a", "p1", 1))
	repo.UpsertStudy(ctx, testStudy("b", "p1", 2))

	if err := repo.TouchStudies(ctx, []string{"a", "b"}, 5000); err != nil {
		t.Fatalf("TouchStudies() error = %v", err)
	}
	s, _ := repo.GetStudy(ctx, "b")
	if s.LastAccessed != 5000 {
		t.Errorf("LastAccessed = %d, want 5000", s.LastAccessed)
	}
}

// =====================================================
// Queue Tests
// =====================================================

func queueItem(id string, p models.Priority, at int64) *models.SyncQueueItem {
	return &models.SyncQueueItem{
		ID:           id,
		MutationType: models.MutationCreate,
		EntityKind:   models.KindAppointment,
		Payload:      "{}",
		EnqueuedAt:   at,
		Priority:     p,
		Status:       models.QueueStatusPending,
		UpdatedAt:    at,
	}
}

// TestListQueueByStatus_priorityThenFIFO verifies processing order.
func TestListQueueByStatus_priorityThenFIFO(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for _, item := range []*models.SyncQueueItem{
		queueItem("low1", models.PriorityLow, 1),
		queueItem("high2", models.PriorityHigh, 4),
		queueItem("med1", models.PriorityMedium, 2),
		queueItem("high1", models.PriorityHigh, 3),
		queueItem("high3", models.PriorityHigh, 4),
	} {
		if err := repo.InsertQueueItem(ctx, item); err != nil {
			t.Fatalf("InsertQueueItem() error = %v", err)
		}
	}

	items, err := repo.ListQueueByStatus(ctx, models.QueueStatusPending, 0)
	if err != nil {
		t.Fatalf("ListQueueByStatus() error = %v", err)
	}
	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	want := "[high1 high2 high3 med1 low1]"
	if fmt.Sprint(ids) != want {
		t.Errorf("order = %v, want %s", ids, want)
	}

	limited, _ := repo.ListQueueByStatus(ctx, models.QueueStatusPending, 2)
	if len(limited) != 2 {
		t.Errorf("limited = %d, want 2", len(limited))
	}
}

// TestCountQueueByStatus verifies counts follow status changes.
func TestCountQueueByStatus(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for _, item := range []*models.SyncQueueItem{
		queueItem("a", models.PriorityLow, 1),
		queueItem("b", models.PriorityHigh, 2),
		queueItem("c", models.PriorityMedium, 3),
	} {
		if err := repo.InsertQueueItem(ctx, item); err != nil {
			t.Fatalf("InsertQueueItem() error = %v", err)
		}
	}
	failed := queueItem("c", models.PriorityMedium, 3)
	failed.Status = models.QueueStatusFailed
	if err := repo.UpdateQueueItem(ctx, failed); err != nil {
		t.Fatalf("UpdateQueueItem() error = %v", err)
	}

	for status, want := range map[models.QueueStatus]int{
		models.QueueStatusPending:   2,
		models.QueueStatusFailed:    1,
		models.QueueStatusCompleted: 0,
	} {
		got, err := repo.CountQueueByStatus(ctx, status)
		if err != nil {
			t.Fatalf("CountQueueByStatus(%s) error = %v", status, err)
		}
		if got != want {
			t.Errorf("CountQueueByStatus(%s) = %d, want %d", status, got, want)
		}
	}
}

// TestUpdateQueueItem_missing verifies updates of unknown ids report ErrNoRows.
func TestUpdateQueueItem_missing(t *testing.T) {
	repo := setupTestRepo(t)
	err := repo.UpdateQueueItem(context.Background(), queueItem("ghost", models.PriorityLow, 1))
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("UpdateQueueItem() error = %v, want sql.ErrNoRows", err)
	}
}

// TestResetFailedQueueItems verifies FAILED items return to PENDING.
func TestResetFailedQueueItems(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	item := queueItem("f1", models.PriorityMedium, 1)
	item.Status = models.QueueStatusFailed
	item.RetryCount = models.MaxQueueRetries
	repo.InsertQueueItem(ctx, item)

	n, err := repo.ResetFailedQueueItems(ctx, 50)
	if err != nil {
		t.Fatalf("ResetFailedQueueItems() error = %v", err)
	}
	if n != 1 {
		t.Errorf("reset = %d, want 1", n)
	}
	got, _ := repo.GetQueueItem(ctx, "f1")
	if got.Status != models.QueueStatusPending || got.RetryCount != 0 {
		t.Errorf("item = %+v, want PENDING with zero retries", got)
	}
}

// =====================================================
// Conflict Tests
// =====================================================

// TestConflicts verifies listing and resolution.
func TestConflicts(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for i, id := range []string{"c1", "c2"} {
		err := repo.InsertConflict(ctx, &models.ConflictRecord{
			ID: id, QueueItemID: "q" + id, EntityKind: models.KindShare,
			LocalPayload: "{}", ServerPayload: "{}", DetectedAt: int64(i + 1),
		})
		if err != nil {
			t.Fatalf("InsertConflict() error = %v", err)
		}
	}

	if err := repo.MarkConflictResolved(ctx, "c1", models.PolicyMerge, 10); err != nil {
		t.Fatalf("MarkConflictResolved() error = %v", err)
	}
	if err := repo.MarkConflictResolved(ctx, "c1", models.PolicyMerge, 11); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("second resolve error = %v, want sql.ErrNoRows", err)
	}

	open, _ := repo.ListConflicts(ctx, true)
	if len(open) != 1 || open[0].ID != "c2" {
		t.Errorf("unresolved = %+v, want only c2", open)
	}
	all, _ := repo.ListConflicts(ctx, false)
	if len(all) != 2 {
		t.Errorf("all = %d, want 2", len(all))
	}

	c1, _ := repo.GetConflict(ctx, "c1")
	if !c1.Resolved || c1.Resolution != models.PolicyMerge {
		t.Errorf("c1 = %+v", c1)
	}
}

// =====================================================
// Statistics Tests
// =====================================================

// TestRecomputeStats verifies aggregates match source tables.
func TestRecomputeStats(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	repo.UpsertStudy(ctx, testStudy("s1", "p1", 1))
	repo.UpsertStudy(ctx, testStudy("s2", "p1", 2))
	repo.UpsertReport(ctx, &models.CachedReport{ID: "r1", StudyID: "s1", Content: "{}", SizeBytes: 50, CachedAt: 1})
	repo.UpsertImage(ctx, &models.CachedImageMetadata{
		ID: "i1", StudyID: "s2", LocalPath: "/a.jpg", SizeBytes: 25, CachedAt: 1, Quality: models.QualityLow,
	})
	repo.InsertQueueItem(ctx, queueItem("q1", models.PriorityLow, 1))
	failed := queueItem("q2", models.PriorityLow, 2)
	failed.Status = models.QueueStatusFailed
	repo.InsertQueueItem(ctx, failed)

	stats, err := repo.RecomputeStats(ctx, 77)
	if err != nil {
		t.Fatalf("RecomputeStats() error = %v", err)
	}
	want := models.CacheStatistics{
		TotalBytes: 275, StudyCount: 2, ReportCount: 1, ImageCount: 1,
		PendingCount: 1, FailedCount: 1, UpdatedAt: 77,
	}
	if *stats != want {
		t.Errorf("stats = %+v, want %+v", *stats, want)
	}

	if err := repo.SetLastSync(ctx, 99); err != nil {
		t.Fatalf("SetLastSync() error = %v", err)
	}
	stats, _ = repo.RecomputeStats(ctx, 78)
	if stats.LastSyncAt != 99 {
		t.Errorf("LastSyncAt = %d, want 99 preserved across recompute", stats.LastSyncAt)
	}
}

// TestInTx_rollback verifies a failing callback leaves no writes behind.
func TestInTx_rollback(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := repo.InTx(ctx, func(tx *Repository) error {
		if err := tx.UpsertStudy(ctx, testStudy("s1", "p1", 1)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}

	exists, err := repo.StudyExists(ctx, "s1")
	if err != nil {
		t.Fatalf("StudyExists() error = %v", err)
	}
	if exists {
		t.Error("study should not exist after rollback")
	}
}
