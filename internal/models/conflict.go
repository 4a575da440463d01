package models

import "time"

// ConflictPolicy selects how a stale mutation is reconciled with the server.
type ConflictPolicy string

const (
	PolicyServerWins ConflictPolicy = "SERVER_WINS"
	PolicyClientWins ConflictPolicy = "CLIENT_WINS"
	PolicyMerge      ConflictPolicy = "MERGE"
)

// Valid reports whether p is a known policy.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case PolicyServerWins, PolicyClientWins, PolicyMerge:
		return true
	}
	return false
}

// ConflictRecord pairs a rejected queue item with the server's current state.
type ConflictRecord struct {
	ID            string         `db:"id" json:"id"`
	QueueItemID   string         `db:"queue_item_id" json:"queueItemId"`
	EntityKind    EntityKind     `db:"entity_kind" json:"entityKind"`
	EntityID      string         `db:"entity_id" json:"entityId"`
	LocalPayload  string         `db:"local_payload" json:"localPayload"`
	ServerPayload string         `db:"server_payload" json:"serverPayload"`
	DetectedAt    int64          `db:"detected_at" json:"detectedAt"`
	Resolved      bool           `db:"resolved" json:"resolved"`
	Resolution    ConflictPolicy `db:"resolution" json:"resolution,omitempty"`
	ResolvedAt    int64          `db:"resolved_at" json:"resolvedAt,omitempty"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflicts"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
