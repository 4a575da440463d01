// Package models tests for data model definitions.
package models

import (
	"strings"
	"testing"
	"time"
)

// =====================================================
// Study Cache Model Tests
// =====================================================

// TestTableNames verifies each persisted model maps to its table.
func TestTableNames(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"CachedStudy", CachedStudy{}.TableName(), "studies"},
		{"CachedReport", CachedReport{}.TableName(), "reports"},
		{"CachedImageMetadata", CachedImageMetadata{}.TableName(), "image_metadata"},
		{"SyncQueueItem", SyncQueueItem{}.TableName(), "sync_queue"},
		{"ConflictRecord", ConflictRecord{}.TableName(), "conflicts"},
		{"CacheStatistics", CacheStatistics{}.TableName(), "cache_stats"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s.TableName() = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

// TestCachedStudy_CachedAtTime verifies unix seconds conversion.
func TestCachedStudy_CachedAtTime(t *testing.T) {
	s := &CachedStudy{CachedAt: 1700000000}
	if got := s.CachedAtTime().Unix(); got != 1700000000 {
		t.Errorf("CachedAtTime().Unix() = %d, want 1700000000", got)
	}
}

// TestImageQuality_Valid verifies quality tier recognition.
func TestImageQuality_Valid(t *testing.T) {
	for _, q := range []ImageQuality{QualityLow, QualityMedium, QualityHigh, QualityOriginal} {
		if !q.Valid() {
			t.Errorf("%s.Valid() = false, want true", q)
		}
	}
	if ImageQuality("ULTRA").Valid() {
		t.Error("ULTRA.Valid() = true, want false")
	}
}

// TestCacheStatistics_LastSyncTime verifies nil before the first sync.
func TestCacheStatistics_LastSyncTime(t *testing.T) {
	var c CacheStatistics
	if c.LastSyncTime() != nil {
		t.Error("LastSyncTime() should be nil when LastSyncAt is 0")
	}
	c.LastSyncAt = 1700000000
	if got := c.LastSyncTime(); got == nil || got.Unix() != 1700000000 {
		t.Errorf("LastSyncTime() = %v, want unix 1700000000", got)
	}
}

// =====================================================
// Sync Queue Tests
// =====================================================

// TestPriority_Rank verifies HIGH sorts before MEDIUM before LOW.
func TestPriority_Rank(t *testing.T) {
	if !(PriorityHigh.Rank() > PriorityMedium.Rank() && PriorityMedium.Rank() > PriorityLow.Rank()) {
		t.Errorf("ranks out of order: HIGH=%d MEDIUM=%d LOW=%d",
			PriorityHigh.Rank(), PriorityMedium.Rank(), PriorityLow.Rank())
	}
	if Priority("").Rank() != PriorityLow.Rank() {
		t.Error("unknown priority should rank as LOW")
	}
}

// TestSyncQueueItem_EnqueuedAtTime verifies millisecond precision.
func TestSyncQueueItem_EnqueuedAtTime(t *testing.T) {
	item := &SyncQueueItem{EnqueuedAt: 1700000000123}
	if got := item.EnqueuedAtTime().UnixMilli(); got != 1700000000123 {
		t.Errorf("EnqueuedAtTime().UnixMilli() = %d, want 1700000000123", got)
	}
}

// TestSyncQueueItem_Mutation verifies the payload decodes to the typed body.
func TestSyncQueueItem_Mutation(t *testing.T) {
	item := &SyncQueueItem{
		MutationType: MutationCreate,
		EntityKind:   KindAppointment,
		Payload:      `{"patientId":"p1","scheduledAt":"2026-01-02T10:00:00Z","type":"MRI"}`,
		Priority:     PriorityHigh,
	}

	m, err := item.Mutation()
	if err != nil {
		t.Fatalf("Mutation() error = %v", err)
	}
	if m.Appointment == nil {
		t.Fatal("Appointment body should be set")
	}
	if m.Appointment.PatientID != "p1" || m.Appointment.Type != "MRI" {
		t.Errorf("Appointment = %+v", m.Appointment)
	}
	if m.Priority != PriorityHigh {
		t.Errorf("Priority = %s, want HIGH", m.Priority)
	}
}

// =====================================================
// Mutation Tests
// =====================================================

func validAppointment() *Appointment {
	return &Appointment{
		PatientID:   "p1",
		ScheduledAt: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
		Type:        "MRI",
	}
}

// TestMutation_Validate covers the union and body rules.
func TestMutation_Validate(t *testing.T) {
	tests := []struct {
		name    string
		m       Mutation
		wantErr string
	}{
		{
			name: "valid create",
			m:    Mutation{Type: MutationCreate, Kind: KindAppointment, Appointment: validAppointment()},
		},
		{
			name: "delete needs only id",
			m:    Mutation{Type: MutationDelete, Kind: KindShare, EntityID: "s1"},
		},
		{
			name:    "update without id",
			m:       Mutation{Type: MutationUpdate, Kind: KindAppointment, Appointment: validAppointment()},
			wantErr: "requires an entity id",
		},
		{
			name:    "create without body",
			m:       Mutation{Type: MutationCreate, Kind: KindConsent},
			wantErr: "requires a consent body",
		},
		{
			name:    "body does not match kind",
			m:       Mutation{Type: MutationCreate, Kind: KindShare, Appointment: validAppointment()},
			wantErr: "requires a share body",
		},
		{
			name: "two bodies",
			m: Mutation{Type: MutationCreate, Kind: KindAppointment, Appointment: validAppointment(),
				Consent: &Consent{PatientID: "p1", ConsentType: "research"}},
			wantErr: "carries 2 bodies",
		},
		{
			name:    "unknown kind",
			m:       Mutation{Type: MutationCreate, Kind: "invoice"},
			wantErr: "unknown entity kind",
		},
		{
			name:    "unknown type",
			m:       Mutation{Type: "PATCH", Kind: KindAppointment},
			wantErr: "unknown mutation type",
		},
		{
			name: "bad email",
			m: Mutation{Type: MutationCreate, Kind: KindShare,
				Share: &Share{StudyID: "st1", RecipientEmail: "not-an-email"}},
			wantErr: "invalid share",
		},
		{
			name: "bad export format",
			m: Mutation{Type: MutationCreate, Kind: KindExport,
				Export: &ExportRequest{StudyIDs: []string{"st1"}, Format: "TIFF"}},
			wantErr: "invalid export",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestMutation_EncodePayload_delete verifies DELETE encodes as an empty object.
func TestMutation_EncodePayload_delete(t *testing.T) {
	m := &Mutation{Type: MutationDelete, Kind: KindExport, EntityID: "e1"}
	b, err := m.EncodePayload()
	if err != nil {
		t.Fatalf("EncodePayload() error = %v", err)
	}
	if string(b) != "{}" {
		t.Errorf("EncodePayload() = %s, want {}", b)
	}

	back, err := DecodeMutation(KindExport, MutationDelete, "e1", b)
	if err != nil {
		t.Fatalf("DecodeMutation() error = %v", err)
	}
	if back.Body() != nil {
		t.Error("DELETE mutation should decode without a body")
	}
}

// TestMutation_UpdatedAt verifies the timestamp is read from the body.
func TestMutation_UpdatedAt(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := &Mutation{Kind: KindConsent, Consent: &Consent{UpdatedAt: ts}}
	if !m.UpdatedAt().Equal(ts) {
		t.Errorf("UpdatedAt() = %v, want %v", m.UpdatedAt(), ts)
	}
	if !(&Mutation{Kind: KindConsent}).UpdatedAt().IsZero() {
		t.Error("UpdatedAt() without body should be zero")
	}
}

// TestDecodeMutation_invalid verifies malformed payloads are rejected.
func TestDecodeMutation_invalid(t *testing.T) {
	if _, err := DecodeMutation(KindShare, MutationCreate, "", []byte("{not json")); err == nil {
		t.Error("DecodeMutation() should fail on malformed JSON")
	}
	if _, err := DecodeMutation("invoice", MutationCreate, "", []byte("{}")); err == nil {
		t.Error("DecodeMutation() should fail on unknown kind")
	}
}

// =====================================================
// Conflict Tests
// =====================================================

// TestConflictPolicy_Valid verifies policy recognition.
func TestConflictPolicy_Valid(t *testing.T) {
	for _, p := range []ConflictPolicy{PolicyServerWins, PolicyClientWins, PolicyMerge} {
		if !p.Valid() {
			t.Errorf("%s.Valid() = false", p)
		}
	}
	if ConflictPolicy("ASK").Valid() {
		t.Error("ASK.Valid() = true, want false")
	}
}
