package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Appointment is a patient appointment request.
type Appointment struct {
	ID          string    `json:"id,omitempty"`
	PatientID   string    `json:"patientId" validate:"required"`
	ScheduledAt time.Time `json:"scheduledAt" validate:"required"`
	Type        string    `json:"type" validate:"required"`
	Location    string    `json:"location,omitempty"`
	Notes       string    `json:"notes,omitempty" validate:"max=2000"`
	Status      string    `json:"status,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Share grants a third party time-limited access to a study.
type Share struct {
	ID             string    `json:"id,omitempty"`
	StudyID        string    `json:"studyId" validate:"required"`
	RecipientEmail string    `json:"recipientEmail" validate:"required,email"`
	Permissions    []string  `json:"permissions,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ExportRequest asks the backend to package studies for download.
type ExportRequest struct {
	ID        string    `json:"id,omitempty"`
	StudyIDs  []string  `json:"studyIds" validate:"required,min=1,dive,required"`
	Format    string    `json:"format" validate:"required,oneof=PDF DICOM ZIP"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Consent records a patient's answer to a consent form.
type Consent struct {
	ID          string    `json:"id,omitempty"`
	PatientID   string    `json:"patientId" validate:"required"`
	ConsentType string    `json:"consentType" validate:"required"`
	Granted     bool      `json:"granted"`
	SignedAt    time.Time `json:"signedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Mutation is a tagged union over the mutable entity kinds. Exactly the body
// matching Kind must be set; DELETE mutations carry only EntityID.
type Mutation struct {
	Type     MutationType
	Kind     EntityKind
	EntityID string
	Priority Priority

	Appointment *Appointment
	Share       *Share
	Export      *ExportRequest
	Consent     *Consent
}

// Body returns the typed payload for the mutation's kind.
func (m *Mutation) Body() interface{} {
	switch m.Kind {
	case KindAppointment:
		if m.Appointment != nil {
			return m.Appointment
		}
	case KindShare:
		if m.Share != nil {
			return m.Share
		}
	case KindExport:
		if m.Export != nil {
			return m.Export
		}
	case KindConsent:
		if m.Consent != nil {
			return m.Consent
		}
	}
	return nil
}

// Validate checks the union tag, the body, and the entity id rules.
func (m *Mutation) Validate() error {
	switch m.Type {
	case MutationCreate, MutationUpdate, MutationDelete:
	default:
		return fmt.Errorf("unknown mutation type %q", m.Type)
	}
	switch m.Kind {
	case KindAppointment, KindShare, KindExport, KindConsent:
	default:
		return fmt.Errorf("unknown entity kind %q", m.Kind)
	}

	set := 0
	for _, present := range []bool{m.Appointment != nil, m.Share != nil, m.Export != nil, m.Consent != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("mutation carries %d bodies, want at most 1", set)
	}

	if m.Type != MutationCreate && m.EntityID == "" {
		return fmt.Errorf("%s %s requires an entity id", m.Type, m.Kind)
	}
	if m.Type == MutationDelete {
		return nil
	}

	body := m.Body()
	if body == nil {
		return fmt.Errorf("%s %s requires a %s body", m.Type, m.Kind, m.Kind)
	}
	if err := validate.Struct(body); err != nil {
		return fmt.Errorf("invalid %s: %w", m.Kind, err)
	}
	return nil
}

// EncodePayload serializes the typed body. DELETE mutations encode as "{}".
func (m *Mutation) EncodePayload() ([]byte, error) {
	body := m.Body()
	if body == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(body)
}

// UpdatedAt returns the body's modification time, if any.
func (m *Mutation) UpdatedAt() time.Time {
	switch b := m.Body().(type) {
	case *Appointment:
		return b.UpdatedAt
	case *Share:
		return b.UpdatedAt
	case *ExportRequest:
		return b.UpdatedAt
	case *Consent:
		return b.UpdatedAt
	}
	return time.Time{}
}

// DecodeMutation rebuilds a typed mutation from its persisted form.
func DecodeMutation(kind EntityKind, typ MutationType, entityID string, payload []byte) (*Mutation, error) {
	m := &Mutation{Type: typ, Kind: kind, EntityID: entityID}
	if typ == MutationDelete && (len(payload) == 0 || string(payload) == "{}") {
		return m, nil
	}

	var target interface{}
	switch kind {
	case KindAppointment:
		m.Appointment = &Appointment{}
		target = m.Appointment
	case KindShare:
		m.Share = &Share{}
		target = m.Share
	case KindExport:
		m.Export = &ExportRequest{}
		target = m.Export
	case KindConsent:
		m.Consent = &Consent{}
		target = m.Consent
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}

	if err := json.Unmarshal(payload, target); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	return m, nil
}

// ValidateStruct runs struct-tag validation on any model.
func ValidateStruct(v interface{}) error {
	return validate.Struct(v)
}
