package handlers

import (
	"net/http"

	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/portal"
)

// MutationHandler accepts patient-initiated changes.
type MutationHandler struct {
	p *portal.Portal
}

// NewMutationHandler creates a new MutationHandler.
func NewMutationHandler(p *portal.Portal) *MutationHandler {
	return &MutationHandler{p: p}
}

// MutationRequest is the JSON form of a models.Mutation.
type MutationRequest struct {
	Type        models.MutationType   `json:"type"`
	Kind        models.EntityKind     `json:"kind"`
	EntityID    string                `json:"entityId"`
	Priority    models.Priority       `json:"priority"`
	Appointment *models.Appointment   `json:"appointment"`
	Share       *models.Share         `json:"share"`
	Export      *models.ExportRequest `json:"export"`
	Consent     *models.Consent       `json:"consent"`
}

// Mutation converts the request.
func (m MutationRequest) Mutation() *models.Mutation {
	return &models.Mutation{
		Type:        m.Type,
		Kind:        m.Kind,
		EntityID:    m.EntityID,
		Priority:    m.Priority,
		Appointment: m.Appointment,
		Share:       m.Share,
		Export:      m.Export,
		Consent:     m.Consent,
	}
}

// Submit handles POST /api/mutations
// 201 when the backend accepted the change, 202 when it was queued.
func (h *MutationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var request MutationRequest
	if err := decode(r, &request); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	sub, err := h.p.SubmitMutation(r.Context(), request.Mutation())
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if sub.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, sub)
}
