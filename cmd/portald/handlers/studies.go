package handlers

import (
	"net/http"
	"strconv"

	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/media"
	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/portal"
)

// StudyHandler serves cached studies, reports and images.
type StudyHandler struct {
	p *portal.Portal
}

// NewStudyHandler creates a new StudyHandler.
func NewStudyHandler(p *portal.Portal) *StudyHandler {
	return &StudyHandler{p: p}
}

// ListStudies handles GET /api/patients/{id}/studies
// Returns the studies available offline for a patient. With ?track=true the
// patient is added to future syncs.
func (h *StudyHandler) ListStudies(w http.ResponseWriter, r *http.Request) {
	patientID := r.PathValue("id")
	if r.URL.Query().Get("track") == "true" {
		h.p.TrackPatient(patientID)
	}
	studies, err := h.p.GetOfflineStudies(r.Context(), patientID)
	if err != nil {
		writeError(w, err)
		return
	}
	if studies == nil {
		studies = []*models.CachedStudy{}
	}
	writeJSON(w, http.StatusOK, studies)
}

// GetStudy handles GET /api/studies/{id}
// Serves the study cache-first, refreshing it when online.
func (h *StudyHandler) GetStudy(w http.ResponseWriter, r *http.Request) {
	view, err := h.p.FetchStudy(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetReport handles GET /api/studies/{id}/report
func (h *StudyHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.p.GetOfflineReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if report == nil {
		writeError(w, apperrors.New(apperrors.ErrCacheMiss, "report is not cached"))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetImage handles GET /api/studies/{id}/images/{image}?quality=LOW
// Quality defaults to ADAPTIVE. The body is the rendered JPEG.
func (h *StudyHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	q := models.ImageQuality(r.URL.Query().Get("quality"))
	if q == "" {
		q = media.QualityAdaptive
	}
	if q != media.QualityAdaptive && !q.Valid() {
		badRequest(w, "unknown image quality "+string(q))
		return
	}

	img, err := h.p.StudyImage(r.Context(), r.PathValue("id"), r.PathValue("image"), q)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("X-Image-Quality", string(img.Quality))
	w.Header().Set("X-Image-Source", img.Tier)
	w.Header().Set("X-Image-Width", strconv.Itoa(img.Width))
	w.Header().Set("X-Image-Height", strconv.Itoa(img.Height))
	w.WriteHeader(http.StatusOK)
	w.Write(img.Data)
}

// Acknowledge handles POST /api/studies/{id}/viewed
// Records that the patient opened the report. Offline, the request is held
// until reconnect and 202 is returned.
func (h *StudyHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	resp, err := h.p.AcknowledgeReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if resp.Queued {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"queued": true, "queueId": resp.QueueID})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
