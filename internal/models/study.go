// Package models provides data model definitions for the medportal core.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ImageQuality is a discrete resolution/compression preset.
type ImageQuality string

const (
	QualityLow      ImageQuality = "LOW"
	QualityMedium   ImageQuality = "MEDIUM"
	QualityHigh     ImageQuality = "HIGH"
	QualityOriginal ImageQuality = "ORIGINAL"
)

// Valid reports whether q is one of the known quality tiers.
func (q ImageQuality) Valid() bool {
	switch q {
	case QualityLow, QualityMedium, QualityHigh, QualityOriginal:
		return true
	}
	return false
}

// Study is a radiology examination as returned by the backend API.
type Study struct {
	ID          string    `json:"id" validate:"required"`
	PatientID   string    `json:"patientId" validate:"required"`
	StudyDate   time.Time `json:"studyDate"`
	Modality    string    `json:"modality"`
	Description string    `json:"description"`
	Status      string    `json:"status,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Series      []Series  `json:"series,omitempty"`
	Report      *Report   `json:"report,omitempty"`
}

// Series is one acquisition series of a study.
type Series struct {
	ID          string  `json:"id"`
	StudyID     string  `json:"studyId"`
	Description string  `json:"description,omitempty"`
	Images      []Image `json:"images,omitempty"`
}

// Image is a single image of a series.
type Image struct {
	ID           string `json:"id"`
	SeriesID     string `json:"seriesId"`
	StudyID      string `json:"studyId"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	SizeBytes    int64  `json:"sizeBytes,omitempty"`
}

// Report is the radiologist report attached to a study.
type Report struct {
	ID         string    `json:"id"`
	StudyID    string    `json:"studyId"`
	Content    string    `json:"content"`
	Findings   string    `json:"findings,omitempty"`
	Impression string    `json:"impression,omitempty"`
	Status     string    `json:"status,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CachedStudy is the on-device copy of a study.
type CachedStudy struct {
	ID              string `db:"id" json:"id"`
	PatientID       string `db:"patient_id" json:"patientId"`
	StudyDate       int64  `db:"study_date" json:"studyDate"`
	Modality        string `db:"modality" json:"modality"`
	Description     string `db:"description" json:"description"`
	Payload         string `db:"payload" json:"-"`
	ServerUpdatedAt int64  `db:"server_updated_at" json:"serverUpdatedAt"`
	CachedAt        int64  `db:"cached_at" json:"cachedAt"`
	LastAccessed    int64  `db:"last_accessed" json:"lastAccessed"`
	SizeBytes       int64  `db:"size_bytes" json:"sizeBytes"`

	// IsOffline is set on every study served from the local store.
	IsOffline bool `db:"-" json:"isOffline"`
}

// TableName returns the table name for CachedStudy.
func (CachedStudy) TableName() string {
	return "studies"
}

// CachedAtTime returns CachedAt as time.Time.
func (c *CachedStudy) CachedAtTime() time.Time {
	return time.Unix(c.CachedAt, 0)
}

// CachedReport is the on-device copy of a report.
type CachedReport struct {
	ID         string `db:"id" json:"id"`
	StudyID    string `db:"study_id" json:"studyId"`
	Content    string `db:"content" json:"content"`
	Findings   string `db:"findings" json:"findings"`
	Impression string `db:"impression" json:"impression"`
	FilePath   string `db:"file_path" json:"filePath"`
	SizeBytes  int64  `db:"size_bytes" json:"sizeBytes"`
	CachedAt   int64  `db:"cached_at" json:"cachedAt"`
}

// TableName returns the table name for CachedReport.
func (CachedReport) TableName() string {
	return "reports"
}

// CachedImageMetadata describes an image file held in the local cache.
type CachedImageMetadata struct {
	ID            string       `db:"id" json:"id"`
	StudyID       string       `db:"study_id" json:"studyId"`
	SeriesID      string       `db:"series_id" json:"seriesId"`
	LocalPath     string       `db:"local_path" json:"localPath"`
	ThumbnailPath string       `db:"thumbnail_path" json:"thumbnailPath"`
	SizeBytes     int64        `db:"size_bytes" json:"sizeBytes"`
	CachedAt      int64        `db:"cached_at" json:"cachedAt"`
	Quality       ImageQuality `db:"quality" json:"quality"`
}

// TableName returns the table name for CachedImageMetadata.
func (CachedImageMetadata) TableName() string {
	return "image_metadata"
}

// Study decodes the full payload of the cached study.
func (c *CachedStudy) Study() (*Study, error) {
	var s Study
	if err := json.Unmarshal([]byte(c.Payload), &s); err != nil {
		return nil, fmt.Errorf("failed to decode cached study %s: %w", c.ID, err)
	}
	return &s, nil
}
