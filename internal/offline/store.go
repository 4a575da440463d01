// Package offline implements the local persistent store: cached studies,
// reports and images, the durable mutation queue, conflicts and statistics.
//
// The Store is the only writer of the cache tables and their backing files.
// Mutating operations report failures through Result rather than returning
// errors; reads return nil or empty values on a cache miss.
package offline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/kimhsiao/medportal/core/internal/db"
	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/models"
)

// evictionTarget is the fraction of the size limit eviction shrinks the cache to.
const evictionTarget = 0.9

// Result is the outcome of a mutating store operation.
type Result struct {
	Success bool
	// ID is the study id for study operations and the queue item id for Enqueue.
	ID  string
	Err error
}

func ok(id string) Result { return Result{Success: true, ID: id} }

func failed(id string, err error) Result { return Result{Success: false, ID: id, Err: err} }

// UpsertOptions controls what UpsertStudy caches besides the study row.
type UpsertOptions struct {
	IncludeImages bool
	Quality       models.ImageQuality
}

// ClearOptions selects full or age-based cache clearing.
type ClearOptions struct {
	KeepRecent bool
	DaysToKeep int
}

// ImageSource produces the bytes cached for an image at a quality tier.
type ImageSource interface {
	FetchImage(ctx context.Context, img models.Image, q models.ImageQuality) ([]byte, error)
}

// Capabilities summarizes what is available offline.
type Capabilities struct {
	StorageUsed       int64      `json:"storageUsed"`
	StorageLimit      int64      `json:"storageLimit"`
	StudyCount        int        `json:"studyCount"`
	ReportCount       int        `json:"reportCount"`
	ImageCount        int        `json:"imageCount"`
	PendingQueueItems int        `json:"pendingQueueItems"`
	FailedQueueItems  int        `json:"failedQueueItems"`
	LastSync          *time.Time `json:"lastSync,omitempty"`
	LastCleanup       *time.Time `json:"lastCleanup,omitempty"`
}

// UsageRatio returns StorageUsed / StorageLimit, or 0 without a limit.
func (c *Capabilities) UsageRatio() float64 {
	if c.StorageLimit <= 0 {
		return 0
	}
	return float64(c.StorageUsed) / float64(c.StorageLimit)
}

// Options configures a Store.
type Options struct {
	// CacheDir holds the images/ and reports/ namespaces.
	CacheDir string
	// MaxCacheBytes is the size limit; 0 disables limit enforcement.
	MaxCacheBytes int64
	// Images resolves image bytes for IncludeImages; nil skips image caching.
	Images ImageSource
	// Now overrides the clock.
	Now func() time.Time
}

// Store is the local persistent store.
type Store struct {
	repo   *db.Repository
	files  *fileCache
	images ImageSource
	now    func() time.Time

	mu       sync.RWMutex
	maxBytes int64
}

// New creates a Store over a migrated database.
func New(database *db.DB, opts Options) (*Store, error) {
	files, err := newFileCache(opts.CacheDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare cache directory", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		repo:     db.NewRepository(database),
		files:    files,
		images:   opts.Images,
		now:      now,
		maxBytes: opts.MaxCacheBytes,
	}, nil
}

// SetImageSource sets the image source used by UpsertStudy.
func (s *Store) SetImageSource(src ImageSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = src
}

// SetMaxCacheBytes changes the size limit at runtime.
func (s *Store) SetMaxCacheBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBytes = n
}

// MaxCacheBytes returns the current size limit.
func (s *Store) MaxCacheBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxBytes
}

func (s *Store) imageSource() ImageSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.images
}

func storageErr(msg string, err error) error {
	return apperrors.Wrap(apperrors.ErrStorage, msg, err)
}

// =====================================================
// Studies
// =====================================================

// UpsertStudy caches a study, its report and, when requested, its images.
// Re-caching the same study id overwrites the previous rows.
func (s *Store) UpsertStudy(ctx context.Context, study *models.Study, opts UpsertOptions) Result {
	if study == nil {
		return failed("", apperrors.New(apperrors.ErrInvalid, "study is nil"))
	}
	if err := models.ValidateStruct(study); err != nil {
		return failed(study.ID, apperrors.Wrap(apperrors.ErrValidation, "invalid study", err))
	}
	if opts.Quality == "" {
		opts.Quality = models.QualityMedium
	}

	payload, err := json.Marshal(study)
	if err != nil {
		return failed(study.ID, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode study", err))
	}
	now := s.now().Unix()

	row := &models.CachedStudy{
		ID:              study.ID,
		PatientID:       study.PatientID,
		StudyDate:       study.StudyDate.Unix(),
		Modality:        study.Modality,
		Description:     study.Description,
		Payload:         string(payload),
		ServerUpdatedAt: study.UpdatedAt.Unix(),
		CachedAt:        now,
		LastAccessed:    now,
		SizeBytes:       int64(len(payload)),
	}

	var report *models.CachedReport
	if study.Report != nil {
		report, err = s.writeReport(study.ID, study.Report, now)
		if err != nil {
			return failed(study.ID, storageErr("failed to write report file", err))
		}
	}

	var images []*models.CachedImageMetadata
	if opts.IncludeImages {
		images = s.writeImages(ctx, study, opts.Quality, now)
	}

	err = s.repo.InTx(ctx, func(tx *db.Repository) error {
		if err := tx.UpsertStudy(ctx, row); err != nil {
			return err
		}
		if report != nil {
			if err := tx.UpsertReport(ctx, report); err != nil {
				return err
			}
		}
		for _, img := range images {
			if err := tx.UpsertImage(ctx, img); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logging.Error("Failed to cache study", err, map[string]interface{}{"study_id": study.ID})
		return failed(study.ID, storageErr("failed to cache study", err))
	}

	if _, err := s.repo.RecomputeStats(ctx, now); err != nil {
		return failed(study.ID, storageErr("failed to recompute statistics", err))
	}
	if err := s.enforceLimit(ctx, study.ID); err != nil {
		logging.Warn("Cache limit enforcement failed", map[string]interface{}{"error": err.Error()})
	}

	logging.Debug("Cached study", map[string]interface{}{
		"study_id": study.ID,
		"images":   len(images),
		"size":     humanize.Bytes(uint64(row.SizeBytes)),
	})
	return ok(study.ID)
}

func (s *Store) writeReport(studyID string, rep *models.Report, now int64) (*models.CachedReport, error) {
	content, err := json.Marshal(rep)
	if err != nil {
		return nil, err
	}
	path := s.files.ReportPath(studyID)
	if err := s.files.write(path, content); err != nil {
		return nil, err
	}
	id := rep.ID
	if id == "" {
		id = studyID + "-report"
	}
	return &models.CachedReport{
		ID:         id,
		StudyID:    studyID,
		Content:    string(content),
		Findings:   rep.Findings,
		Impression: rep.Impression,
		FilePath:   path,
		SizeBytes:  int64(len(content)),
		CachedAt:   now,
	}, nil
}

// writeImages caches every image it can fetch. An image that fails is
// logged and skipped so the study itself remains available offline.
func (s *Store) writeImages(ctx context.Context, study *models.Study, q models.ImageQuality, now int64) []*models.CachedImageMetadata {
	src := s.imageSource()
	if src == nil {
		return nil
	}

	var out []*models.CachedImageMetadata
	for _, series := range study.Series {
		for _, img := range series.Images {
			if ctx.Err() != nil {
				return out
			}
			if img.StudyID == "" {
				img.StudyID = study.ID
			}
			if img.SeriesID == "" {
				img.SeriesID = series.ID
			}

			data, err := src.FetchImage(ctx, img, q)
			if err != nil {
				logging.Warn("Skipping image for offline cache", map[string]interface{}{
					"study_id": study.ID, "image_id": img.ID, "error": err.Error(),
				})
				continue
			}
			path := s.files.ImagePath(study.ID, img.ID, q)
			if err := s.files.write(path, data); err != nil {
				logging.Warn("Failed to write cached image", map[string]interface{}{
					"path": path, "error": err.Error(),
				})
				continue
			}

			meta := &models.CachedImageMetadata{
				ID:        img.ID,
				StudyID:   study.ID,
				SeriesID:  img.SeriesID,
				LocalPath: path,
				SizeBytes: int64(len(data)),
				CachedAt:  now,
				Quality:   q,
			}
			if q != models.QualityLow {
				if thumb, err := src.FetchImage(ctx, img, models.QualityLow); err == nil {
					tp := s.files.ThumbnailPath(study.ID, img.ID)
					if s.files.write(tp, thumb) == nil {
						meta.ThumbnailPath = tp
						meta.SizeBytes += int64(len(thumb))
					}
				}
			}
			out = append(out, meta)
		}
	}
	return out
}

// GetStudiesForPatient returns a patient's cached studies, most recent first.
func (s *Store) GetStudiesForPatient(ctx context.Context, patientID string) ([]*models.CachedStudy, error) {
	studies, err := s.repo.ListStudiesByPatient(ctx, patientID)
	if err != nil {
		return nil, storageErr("failed to list cached studies", err)
	}
	ids := make([]string, 0, len(studies))
	for _, st := range studies {
		st.IsOffline = true
		ids = append(ids, st.ID)
	}
	s.touch(ctx, ids)
	if studies == nil {
		studies = []*models.CachedStudy{}
	}
	return studies, nil
}

// GetStudy returns one cached study, or nil when it is not cached.
func (s *Store) GetStudy(ctx context.Context, studyID string) (*models.CachedStudy, error) {
	st, err := s.repo.GetStudy(ctx, studyID)
	if err != nil {
		return nil, storageErr("failed to read cached study", err)
	}
	if st == nil {
		return nil, nil
	}
	st.IsOffline = true
	s.touch(ctx, []string{st.ID})
	return st, nil
}

func (s *Store) touch(ctx context.Context, ids []string) {
	if err := s.repo.TouchStudies(ctx, ids, s.now().Unix()); err != nil {
		logging.Warn("Failed to update last access", map[string]interface{}{"error": err.Error()})
	}
}

// GetReport returns the cached report of a study, or nil when absent.
func (s *Store) GetReport(ctx context.Context, studyID string) (*models.CachedReport, error) {
	rep, err := s.repo.GetReportByStudy(ctx, studyID)
	if err != nil {
		return nil, storageErr("failed to read cached report", err)
	}
	return rep, nil
}

// GetImages returns the cached images of a study; empty when none are cached.
func (s *Store) GetImages(ctx context.Context, studyID string) ([]*models.CachedImageMetadata, error) {
	imgs, err := s.repo.ListImagesByStudy(ctx, studyID)
	if err != nil {
		return nil, storageErr("failed to list cached images", err)
	}
	if imgs == nil {
		imgs = []*models.CachedImageMetadata{}
	}
	return imgs, nil
}

// IsAvailableOffline reports whether a study is cached. Storage errors read as false.
func (s *Store) IsAvailableOffline(ctx context.Context, studyID string) bool {
	exists, err := s.repo.StudyExists(ctx, studyID)
	if err != nil {
		logging.Warn("Offline availability check failed", map[string]interface{}{
			"study_id": studyID, "error": err.Error(),
		})
		return false
	}
	return exists
}

// ListStudies returns every cached study, least recently accessed first.
func (s *Store) ListStudies(ctx context.Context) ([]*models.CachedStudy, error) {
	studies, err := s.repo.ListStudies(ctx)
	if err != nil {
		return nil, storageErr("failed to list cached studies", err)
	}
	return studies, nil
}

// =====================================================
// Eviction
// =====================================================

// studyFiles returns the backing file paths and total bytes of one study.
func (s *Store) studyFiles(ctx context.Context, repo *db.Repository, st *models.CachedStudy) ([]string, int64, error) {
	size := st.SizeBytes
	var paths []string

	rep, err := repo.GetReportByStudy(ctx, st.ID)
	if err != nil {
		return nil, 0, err
	}
	if rep != nil {
		paths = append(paths, rep.FilePath)
		size += rep.SizeBytes
	}

	imgs, err := repo.ListImagesByStudy(ctx, st.ID)
	if err != nil {
		return nil, 0, err
	}
	for _, img := range imgs {
		paths = append(paths, img.LocalPath, img.ThumbnailPath)
		size += img.SizeBytes
	}
	return paths, size, nil
}

// deleteStudies removes rows in one transaction, then their files.
func (s *Store) deleteStudies(ctx context.Context, studies []*models.CachedStudy) error {
	var paths []string
	err := s.repo.InTx(ctx, func(tx *db.Repository) error {
		for _, st := range studies {
			p, _, err := s.studyFiles(ctx, tx, st)
			if err != nil {
				return err
			}
			paths = append(paths, p...)
			if err := tx.DeleteStudy(ctx, st.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.files.remove(paths...); err != nil {
		logging.Warn("Failed to remove cached files", map[string]interface{}{"error": err.Error()})
	}
	for _, st := range studies {
		s.files.removeStudyDir(st.ID)
	}
	return nil
}

// enforceLimit evicts least-recently-accessed studies, never keep, until the
// cache is below evictionTarget of the limit.
func (s *Store) enforceLimit(ctx context.Context, keep string) error {
	limit := s.MaxCacheBytes()
	if limit <= 0 {
		return nil
	}
	stats, err := s.repo.GetStats(ctx)
	if err != nil {
		return err
	}
	if stats.TotalBytes <= limit {
		return nil
	}

	target := int64(float64(limit) * evictionTarget)
	studies, err := s.repo.ListStudies(ctx)
	if err != nil {
		return err
	}

	total := stats.TotalBytes
	var victims []*models.CachedStudy
	for _, st := range studies {
		if total <= target {
			break
		}
		if st.ID == keep {
			continue
		}
		_, size, err := s.studyFiles(ctx, s.repo, st)
		if err != nil {
			return err
		}
		victims = append(victims, st)
		total -= size
	}
	if len(victims) == 0 {
		return nil
	}

	if err := s.deleteStudies(ctx, victims); err != nil {
		return err
	}
	now := s.now().Unix()
	if _, err := s.repo.RecomputeStats(ctx, now); err != nil {
		return err
	}
	logging.Info("Evicted studies over cache limit", map[string]interface{}{
		"evicted": len(victims),
		"limit":   humanize.Bytes(uint64(limit)),
	})
	return nil
}

// ClearCache deletes every cached study, or only those cached more than
// DaysToKeep days ago when KeepRecent is set, with their backing files.
func (s *Store) ClearCache(ctx context.Context, opts ClearOptions) Result {
	now := s.now()

	if !opts.KeepRecent {
		if err := s.repo.InTx(ctx, func(tx *db.Repository) error {
			return tx.DeleteAllStudies(ctx)
		}); err != nil {
			return failed("", storageErr("failed to clear cache", err))
		}
		if err := s.files.reset(); err != nil {
			logging.Warn("Failed to remove cache files", map[string]interface{}{"error": err.Error()})
		}
	} else {
		cutoff := now.AddDate(0, 0, -opts.DaysToKeep).Unix()
		old, err := s.repo.ListStudiesCachedBefore(ctx, cutoff)
		if err != nil {
			return failed("", storageErr("failed to list expired studies", err))
		}
		if err := s.deleteStudies(ctx, old); err != nil {
			return failed("", storageErr("failed to evict expired studies", err))
		}
	}

	if _, err := s.repo.RecomputeStats(ctx, now.Unix()); err != nil {
		return failed("", storageErr("failed to recompute statistics", err))
	}
	if err := s.repo.SetLastCleanup(ctx, now.Unix()); err != nil {
		return failed("", storageErr("failed to record cleanup", err))
	}

	logging.Info("Cache cleared", map[string]interface{}{
		"keep_recent":  opts.KeepRecent,
		"days_to_keep": opts.DaysToKeep,
	})
	return ok("")
}

// =====================================================
// Statistics
// =====================================================

// GetCacheSize returns the bytes held by retained rows.
func (s *Store) GetCacheSize(ctx context.Context) (int64, error) {
	stats, err := s.repo.RecomputeStats(ctx, s.now().Unix())
	if err != nil {
		return 0, storageErr("failed to compute cache size", err)
	}
	return stats.TotalBytes, nil
}

// GetCapabilities reports storage use, counts and sync state.
func (s *Store) GetCapabilities(ctx context.Context) (*Capabilities, error) {
	stats, err := s.repo.RecomputeStats(ctx, s.now().Unix())
	if err != nil {
		return nil, storageErr("failed to read statistics", err)
	}
	caps := &Capabilities{
		StorageUsed:       stats.TotalBytes,
		StorageLimit:      s.MaxCacheBytes(),
		StudyCount:        stats.StudyCount,
		ReportCount:       stats.ReportCount,
		ImageCount:        stats.ImageCount,
		PendingQueueItems: stats.PendingCount,
		FailedQueueItems:  stats.FailedCount,
		LastSync:          stats.LastSyncTime(),
	}
	if stats.LastCleanupAt > 0 {
		t := time.Unix(stats.LastCleanupAt, 0)
		caps.LastCleanup = &t
	}
	return caps, nil
}

// MarkSynced records a successful sync at t.
func (s *Store) MarkSynced(ctx context.Context, t time.Time) error {
	if err := s.repo.SetLastSync(ctx, t.Unix()); err != nil {
		return storageErr("failed to record sync time", err)
	}
	return nil
}

// =====================================================
// Mutation Queue
// =====================================================

// DefaultPriority is the queue priority used when a mutation has none.
func DefaultPriority(kind models.EntityKind) models.Priority {
	switch kind {
	case models.KindAppointment, models.KindConsent:
		return models.PriorityHigh
	case models.KindShare:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// Enqueue durably appends a mutation to the sync queue. It never delivers.
func (s *Store) Enqueue(ctx context.Context, m *models.Mutation) Result {
	if m == nil {
		return failed("", apperrors.New(apperrors.ErrInvalid, "mutation is nil"))
	}
	if err := m.Validate(); err != nil {
		return failed("", apperrors.Wrap(apperrors.ErrValidation, "invalid mutation", err))
	}
	payload, err := m.EncodePayload()
	if err != nil {
		return failed("", apperrors.Wrap(apperrors.ErrInvalid, "failed to encode mutation", err))
	}

	priority := m.Priority
	if priority == "" {
		priority = DefaultPriority(m.Kind)
	}
	now := s.now()
	item := &models.SyncQueueItem{
		ID:           uuid.New().String(),
		MutationType: m.Type,
		EntityKind:   m.Kind,
		EntityID:     m.EntityID,
		Payload:      string(payload),
		EnqueuedAt:   now.UnixMilli(),
		Priority:     priority,
		Status:       models.QueueStatusPending,
		UpdatedAt:    now.Unix(),
	}
	if err := s.repo.InsertQueueItem(ctx, item); err != nil {
		return failed(item.ID, storageErr("failed to enqueue mutation", err))
	}
	if _, err := s.repo.RecomputeStats(ctx, now.Unix()); err != nil {
		logging.Warn("Failed to recompute statistics", map[string]interface{}{"error": err.Error()})
	}

	logging.Info("Enqueued mutation", map[string]interface{}{
		"item_id":  item.ID,
		"type":     string(item.MutationType),
		"kind":     string(item.EntityKind),
		"priority": string(item.Priority),
	})
	return ok(item.ID)
}

// QueueItems returns queue items with a status in processing order.
// A limit <= 0 returns all of them.
func (s *Store) QueueItems(ctx context.Context, status models.QueueStatus, limit int) ([]*models.SyncQueueItem, error) {
	items, err := s.repo.ListQueueByStatus(ctx, status, limit)
	if err != nil {
		return nil, storageErr("failed to list queue", err)
	}
	return items, nil
}

// CountQueueItems returns the number of queue items with status.
func (s *Store) CountQueueItems(ctx context.Context, status models.QueueStatus) (int, error) {
	n, err := s.repo.CountQueueByStatus(ctx, status)
	if err != nil {
		return 0, storageErr("failed to count queue", err)
	}
	return n, nil
}

// QueueItem returns one queue item, or nil when absent.
func (s *Store) QueueItem(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	item, err := s.repo.GetQueueItem(ctx, id)
	if err != nil {
		return nil, storageErr("failed to read queue item", err)
	}
	return item, nil
}

// UpdateQueueItem persists a queue item's status, retries and error.
func (s *Store) UpdateQueueItem(ctx context.Context, item *models.SyncQueueItem) error {
	item.UpdatedAt = s.now().Unix()
	if err := s.repo.UpdateQueueItem(ctx, item); err != nil {
		return storageErr("failed to update queue item", err)
	}
	if _, err := s.repo.RecomputeStats(ctx, item.UpdatedAt); err != nil {
		return storageErr("failed to recompute statistics", err)
	}
	return nil
}

// ResetFailed moves FAILED items back to PENDING and returns how many moved.
func (s *Store) ResetFailed(ctx context.Context) (int, error) {
	now := s.now().Unix()
	n, err := s.repo.ResetFailedQueueItems(ctx, now)
	if err != nil {
		return 0, storageErr("failed to reset failed items", err)
	}
	if _, err := s.repo.RecomputeStats(ctx, now); err != nil {
		return n, storageErr("failed to recompute statistics", err)
	}
	return n, nil
}

// PurgeCompleted deletes COMPLETED items older than age.
func (s *Store) PurgeCompleted(ctx context.Context, age time.Duration) (int, error) {
	n, err := s.repo.DeleteCompletedQueueItems(ctx, s.now().Add(-age).Unix())
	if err != nil {
		return 0, storageErr("failed to purge completed items", err)
	}
	return n, nil
}

// ClearQueue deletes every queued mutation and conflict.
func (s *Store) ClearQueue(ctx context.Context) error {
	if err := s.repo.InTx(ctx, func(tx *db.Repository) error {
		return tx.DeleteAllQueueItems(ctx)
	}); err != nil {
		return storageErr("failed to clear queue", err)
	}
	if _, err := s.repo.RecomputeStats(ctx, s.now().Unix()); err != nil {
		return storageErr("failed to recompute statistics", err)
	}
	return nil
}

// =====================================================
// Conflicts
// =====================================================

// AddConflict stores a conflict detected for a queue item.
func (s *Store) AddConflict(ctx context.Context, c *models.ConflictRecord) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = s.now().Unix()
	}
	if err := s.repo.InsertConflict(ctx, c); err != nil {
		return storageErr("failed to record conflict", err)
	}
	return nil
}

// Conflicts lists conflicts, optionally only unresolved ones.
func (s *Store) Conflicts(ctx context.Context, unresolvedOnly bool) ([]*models.ConflictRecord, error) {
	out, err := s.repo.ListConflicts(ctx, unresolvedOnly)
	if err != nil {
		return nil, storageErr("failed to list conflicts", err)
	}
	return out, nil
}

// Conflict returns one conflict, or nil when absent.
func (s *Store) Conflict(ctx context.Context, id string) (*models.ConflictRecord, error) {
	c, err := s.repo.GetConflict(ctx, id)
	if err != nil {
		return nil, storageErr("failed to read conflict", err)
	}
	return c, nil
}

// MarkConflictResolved records how a conflict was settled.
func (s *Store) MarkConflictResolved(ctx context.Context, id string, policy models.ConflictPolicy) error {
	if err := s.repo.MarkConflictResolved(ctx, id, policy, s.now().Unix()); err != nil {
		return storageErr("failed to resolve conflict", err)
	}
	return nil
}
