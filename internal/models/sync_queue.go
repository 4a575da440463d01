package models

import "time"

// MaxQueueRetries is the number of delivery failures after which a queue item
// is marked FAILED and skipped by automatic drains.
const MaxQueueRetries = 5

// MutationType is the kind of change a queued item carries.
type MutationType string

const (
	MutationCreate MutationType = "CREATE"
	MutationUpdate MutationType = "UPDATE"
	MutationDelete MutationType = "DELETE"
)

// EntityKind identifies the entity a mutation targets.
type EntityKind string

const (
	KindAppointment EntityKind = "appointment"
	KindShare       EntityKind = "share"
	KindExport      EntityKind = "export"
	KindConsent     EntityKind = "consent"
)

// Priority orders queue processing.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Rank returns a sortable rank, higher first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "PENDING"
	QueueStatusCompleted QueueStatus = "COMPLETED"
	QueueStatusFailed    QueueStatus = "FAILED"
)

// SyncQueueItem is a locally-made mutation awaiting delivery.
type SyncQueueItem struct {
	ID           string       `db:"id" json:"id"`
	MutationType MutationType `db:"mutation_type" json:"mutationType"`
	EntityKind   EntityKind   `db:"entity_kind" json:"entityKind"`
	EntityID     string       `db:"entity_id" json:"entityId,omitempty"`
	Payload      string       `db:"payload" json:"payload"`
	EnqueuedAt   int64        `db:"enqueued_at" json:"enqueuedAt"` // unix millis
	RetryCount   int          `db:"retry_count" json:"retryCount"`
	Priority     Priority     `db:"priority" json:"priority"`
	Status       QueueStatus  `db:"status" json:"status"`
	LastError    string       `db:"last_error" json:"lastError,omitempty"`
	UpdatedAt    int64        `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}

// EnqueuedAtTime returns EnqueuedAt as time.Time.
func (s *SyncQueueItem) EnqueuedAtTime() time.Time {
	return time.UnixMilli(s.EnqueuedAt)
}

// Mutation decodes the item's payload into its typed form.
func (s *SyncQueueItem) Mutation() (*Mutation, error) {
	m, err := DecodeMutation(s.EntityKind, s.MutationType, s.EntityID, []byte(s.Payload))
	if err != nil {
		return nil, err
	}
	m.Priority = s.Priority
	return m, nil
}
