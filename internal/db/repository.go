// Package db provides CRUD repository operations for the offline cache.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kimhsiao/medportal/core/internal/models"
)

// queueOrder sorts HIGH before MEDIUM before LOW, then FIFO.
const queueOrder = `
	CASE priority WHEN 'HIGH' THEN 2 WHEN 'MEDIUM' THEN 1 ELSE 0 END DESC,
	enqueued_at ASC, rowid ASC`

// Repository provides CRUD operations for all cache models.
// A Repository returned by InTx is bound to that transaction.
type Repository struct {
	db *sqlx.DB
	q  sqlx.ExtContext
}

// NewRepository creates a new Repository instance.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db.DB, q: db.DB}
}

// InTx runs fn with a Repository bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (r *Repository) InTx(ctx context.Context, fn func(tx *Repository) error) error {
	if _, nested := r.q.(*sqlx.Tx); nested {
		return fn(r)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Repository{db: r.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) get(ctx context.Context, dest interface{}, query string, args ...interface{}) (bool, error) {
	err := sqlx.GetContext(ctx, r.q, dest, query, args...)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// =====================================================
// Study Operations
// =====================================================

const studyColumns = `id, patient_id, study_date, modality, description, payload,
	server_updated_at, cached_at, last_accessed, size_bytes`

// UpsertStudy inserts or replaces the cached study with the same id.
func (r *Repository) UpsertStudy(ctx context.Context, s *models.CachedStudy) error {
	query := `
	INSERT INTO studies (` + studyColumns + `)
	VALUES (:id, :patient_id, :study_date, :modality, :description, :payload,
		:server_updated_at, :cached_at, :last_accessed, :size_bytes)
	ON CONFLICT(id) DO UPDATE SET
		patient_id = excluded.patient_id,
		study_date = excluded.study_date,
		modality = excluded.modality,
		description = excluded.description,
		payload = excluded.payload,
		server_updated_at = excluded.server_updated_at,
		cached_at = excluded.cached_at,
		last_accessed = excluded.last_accessed,
		size_bytes = excluded.size_bytes
	`
	_, err := sqlx.NamedExecContext(ctx, r.q, query, s)
	return err
}

// GetStudy returns the cached study, or nil when absent.
func (r *Repository) GetStudy(ctx context.Context, id string) (*models.CachedStudy, error) {
	var s models.CachedStudy
	ok, err := r.get(ctx, &s, `SELECT `+studyColumns+` FROM studies WHERE id = ?`, id)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

// StudyExists reports whether a study row is cached.
func (r *Repository) StudyExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := sqlx.GetContext(ctx, r.q, &n, `SELECT COUNT(*) FROM studies WHERE id = ?`, id); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListStudiesByPatient returns a patient's studies, most recent study date first.
func (r *Repository) ListStudiesByPatient(ctx context.Context, patientID string) ([]*models.CachedStudy, error) {
	var out []*models.CachedStudy
	err := sqlx.SelectContext(ctx, r.q, &out,
		`SELECT `+studyColumns+` FROM studies WHERE patient_id = ? ORDER BY study_date DESC, id ASC`, patientID)
	return out, err
}

// ListStudies returns every cached study ordered by last access, oldest first.
func (r *Repository) ListStudies(ctx context.Context) ([]*models.CachedStudy, error) {
	var out []*models.CachedStudy
	err := sqlx.SelectContext(ctx, r.q, &out,
		`SELECT `+studyColumns+` FROM studies ORDER BY last_accessed ASC, cached_at ASC, id ASC`)
	return out, err
}

// ListStudiesCachedBefore returns studies whose cached_at is older than cutoff.
func (r *Repository) ListStudiesCachedBefore(ctx context.Context, cutoff int64) ([]*models.CachedStudy, error) {
	var out []*models.CachedStudy
	err := sqlx.SelectContext(ctx, r.q, &out,
		`SELECT `+studyColumns+` FROM studies WHERE cached_at < ? ORDER BY cached_at ASC`, cutoff)
	return out, err
}

// TouchStudies sets last_accessed for the given studies.
func (r *Repository) TouchStudies(ctx context.Context, ids []string, at int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE studies SET last_accessed = ? WHERE id IN (?)`, at, ids)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, query, args...)
	return err
}

// DeleteStudy removes a study; its report and image rows cascade.
func (r *Repository) DeleteStudy(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM studies WHERE id = ?`, id)
	return err
}

// DeleteAllStudies removes every cached study, report and image row.
func (r *Repository) DeleteAllStudies(ctx context.Context) error {
	for _, q := range []string{`DELETE FROM image_metadata`, `DELETE FROM reports`, `DELETE FROM studies`} {
		if _, err := r.q.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// =====================================================
// Report Operations
// =====================================================

const reportColumns = `id, study_id, content, findings, impression, file_path, size_bytes, cached_at`

// UpsertReport inserts or replaces the report of a study.
func (r *Repository) UpsertReport(ctx context.Context, rep *models.CachedReport) error {
	query := `
	INSERT INTO reports (` + reportColumns + `)
	VALUES (:id, :study_id, :content, :findings, :impression, :file_path, :size_bytes, :cached_at)
	ON CONFLICT(study_id) DO UPDATE SET
		id = excluded.id,
		content = excluded.content,
		findings = excluded.findings,
		impression = excluded.impression,
		file_path = excluded.file_path,
		size_bytes = excluded.size_bytes,
		cached_at = excluded.cached_at
	`
	_, err := sqlx.NamedExecContext(ctx, r.q, query, rep)
	return err
}

// GetReportByStudy returns the cached report for a study, or nil when absent.
func (r *Repository) GetReportByStudy(ctx context.Context, studyID string) (*models.CachedReport, error) {
	var rep models.CachedReport
	ok, err := r.get(ctx, &rep, `SELECT `+reportColumns+` FROM reports WHERE study_id = ?`, studyID)
	if err != nil || !ok {
		return nil, err
	}
	return &rep, nil
}

// =====================================================
// Image Metadata Operations
// =====================================================

const imageColumns = `id, study_id, series_id, local_path, thumbnail_path, size_bytes, cached_at, quality`

// UpsertImage inserts or replaces an image metadata row.
func (r *Repository) UpsertImage(ctx context.Context, img *models.CachedImageMetadata) error {
	query := `
	INSERT INTO image_metadata (` + imageColumns + `)
	VALUES (:id, :study_id, :series_id, :local_path, :thumbnail_path, :size_bytes, :cached_at, :quality)
	ON CONFLICT(id) DO UPDATE SET
		study_id = excluded.study_id,
		series_id = excluded.series_id,
		local_path = excluded.local_path,
		thumbnail_path = excluded.thumbnail_path,
		size_bytes = excluded.size_bytes,
		cached_at = excluded.cached_at,
		quality = excluded.quality
	`
	_, err := sqlx.NamedExecContext(ctx, r.q, query, img)
	return err
}

// ListImagesByStudy returns the cached image rows of a study.
func (r *Repository) ListImagesByStudy(ctx context.Context, studyID string) ([]*models.CachedImageMetadata, error) {
	var out []*models.CachedImageMetadata
	err := sqlx.SelectContext(ctx, r.q, &out,
		`SELECT `+imageColumns+` FROM image_metadata WHERE study_id = ? ORDER BY series_id, id`, studyID)
	return out, err
}

// =====================================================
// Sync Queue Operations
// =====================================================

const queueColumns = `id, mutation_type, entity_kind, entity_id, payload, enqueued_at,
	retry_count, priority, status, last_error, updated_at`

// InsertQueueItem appends an item to the sync queue.
func (r *Repository) InsertQueueItem(ctx context.Context, item *models.SyncQueueItem) error {
	query := `
	INSERT INTO sync_queue (` + queueColumns + `)
	VALUES (:id, :mutation_type, :entity_kind, :entity_id, :payload, :enqueued_at,
		:retry_count, :priority, :status, :last_error, :updated_at)
	`
	_, err := sqlx.NamedExecContext(ctx, r.q, query, item)
	return err
}

// GetQueueItem returns a queue item, or nil when absent.
func (r *Repository) GetQueueItem(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	ok, err := r.get(ctx, &item, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	if err != nil || !ok {
		return nil, err
	}
	return &item, nil
}

// ListQueueByStatus returns items with the given status in processing order.
// A limit <= 0 returns every matching item.
func (r *Repository) ListQueueByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]*models.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE status = ? ORDER BY ` + queueOrder
	args := []interface{}{status}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []*models.SyncQueueItem
	err := sqlx.SelectContext(ctx, r.q, &out, query, args...)
	return out, err
}

// UpdateQueueItem persists status, retry count and last error.
func (r *Repository) UpdateQueueItem(ctx context.Context, item *models.SyncQueueItem) error {
	query := `
	UPDATE sync_queue SET status = :status, retry_count = :retry_count,
		last_error = :last_error, payload = :payload, updated_at = :updated_at
	WHERE id = :id
	`
	res, err := sqlx.NamedExecContext(ctx, r.q, query, item)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ResetFailedQueueItems moves FAILED items back to PENDING with a fresh retry budget.
func (r *Repository) ResetFailedQueueItems(ctx context.Context, at int64) (int, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'PENDING', retry_count = 0, updated_at = ? WHERE status = 'FAILED'`, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteCompletedQueueItems removes COMPLETED items last updated before cutoff.
func (r *Repository) DeleteCompletedQueueItems(ctx context.Context, cutoff int64) (int, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = 'COMPLETED' AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteAllQueueItems removes every queue item and every conflict.
func (r *Repository) DeleteAllQueueItems(ctx context.Context) error {
	for _, q := range []string{`DELETE FROM conflicts`, `DELETE FROM sync_queue`} {
		if _, err := r.q.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// CountQueueByStatus returns the number of items with a status.
func (r *Repository) CountQueueByStatus(ctx context.Context, status models.QueueStatus) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, r.q, &n, `SELECT COUNT(*) FROM sync_queue WHERE status = ?`, status)
	return n, err
}

// =====================================================
// Conflict Operations
// =====================================================

const conflictColumns = `id, queue_item_id, entity_kind, entity_id, local_payload, server_payload,
	detected_at, resolved, resolution, resolved_at`

// InsertConflict records a detected conflict.
func (r *Repository) InsertConflict(ctx context.Context, c *models.ConflictRecord) error {
	query := `
	INSERT INTO conflicts (` + conflictColumns + `)
	VALUES (:id, :queue_item_id, :entity_kind, :entity_id, :local_payload, :server_payload,
		:detected_at, :resolved, :resolution, :resolved_at)
	`
	_, err := sqlx.NamedExecContext(ctx, r.q, query, c)
	return err
}

// GetConflict returns a conflict, or nil when absent.
func (r *Repository) GetConflict(ctx context.Context, id string) (*models.ConflictRecord, error) {
	var c models.ConflictRecord
	ok, err := r.get(ctx, &c, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// ListConflicts returns conflicts oldest first, optionally only unresolved ones.
func (r *Repository) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY detected_at ASC, id ASC`
	var out []*models.ConflictRecord
	err := sqlx.SelectContext(ctx, r.q, &out, query)
	return out, err
}

// MarkConflictResolved stores the applied resolution.
func (r *Repository) MarkConflictResolved(ctx context.Context, id string, policy models.ConflictPolicy, at int64) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE conflicts SET resolved = 1, resolution = ?, resolved_at = ? WHERE id = ? AND resolved = 0`,
		policy, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// =====================================================
// Statistics Operations
// =====================================================

const statsColumns = `total_bytes, study_count, report_count, image_count, pending_count,
	failed_count, last_cleanup_at, last_sync_at, updated_at`

// GetStats returns the statistics row.
func (r *Repository) GetStats(ctx context.Context) (*models.CacheStatistics, error) {
	var s models.CacheStatistics
	ok, err := r.get(ctx, &s, `SELECT `+statsColumns+` FROM cache_stats WHERE id = 1`)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &models.CacheStatistics{}, nil
	}
	return &s, nil
}

// RecomputeStats derives every aggregate from the source tables and stores it.
func (r *Repository) RecomputeStats(ctx context.Context, at int64) (*models.CacheStatistics, error) {
	query := `
	UPDATE cache_stats SET
		total_bytes = (SELECT COALESCE(SUM(size_bytes), 0) FROM studies)
			+ (SELECT COALESCE(SUM(size_bytes), 0) FROM reports)
			+ (SELECT COALESCE(SUM(size_bytes), 0) FROM image_metadata),
		study_count = (SELECT COUNT(*) FROM studies),
		report_count = (SELECT COUNT(*) FROM reports),
		image_count = (SELECT COUNT(*) FROM image_metadata),
		pending_count = (SELECT COUNT(*) FROM sync_queue WHERE status = 'PENDING'),
		failed_count = (SELECT COUNT(*) FROM sync_queue WHERE status = 'FAILED'),
		updated_at = ?
	WHERE id = 1
	`
	if _, err := r.q.ExecContext(ctx, `INSERT OR IGNORE INTO cache_stats (id) VALUES (1)`); err != nil {
		return nil, err
	}
	if _, err := r.q.ExecContext(ctx, query, at); err != nil {
		return nil, err
	}
	return r.GetStats(ctx)
}

// SetLastSync records the time of the last successful sync.
func (r *Repository) SetLastSync(ctx context.Context, at int64) error {
	_, err := r.q.ExecContext(ctx, `UPDATE cache_stats SET last_sync_at = ? WHERE id = 1`, at)
	return err
}

// SetLastCleanup records the time of the last cache cleanup.
func (r *Repository) SetLastCleanup(ctx context.Context, at int64) error {
	_, err := r.q.ExecContext(ctx, `UPDATE cache_stats SET last_cleanup_at = ? WHERE id = 1`, at)
	return err
}
