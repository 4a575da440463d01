package models

import "time"

// CacheStatistics is the singleton aggregate over the cache tables.
type CacheStatistics struct {
	TotalBytes    int64 `db:"total_bytes" json:"totalBytes"`
	StudyCount    int   `db:"study_count" json:"studyCount"`
	ReportCount   int   `db:"report_count" json:"reportCount"`
	ImageCount    int   `db:"image_count" json:"imageCount"`
	PendingCount  int   `db:"pending_count" json:"pendingCount"`
	FailedCount   int   `db:"failed_count" json:"failedCount"`
	LastCleanupAt int64 `db:"last_cleanup_at" json:"lastCleanupAt"`
	LastSyncAt    int64 `db:"last_sync_at" json:"lastSyncAt"`
	UpdatedAt     int64 `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for CacheStatistics.
func (CacheStatistics) TableName() string {
	return "cache_stats"
}

// LastSyncTime returns LastSyncAt as *time.Time, nil when no sync has succeeded.
func (c *CacheStatistics) LastSyncTime() *time.Time {
	if c.LastSyncAt == 0 {
		return nil
	}
	t := time.Unix(c.LastSyncAt, 0)
	return &t
}
