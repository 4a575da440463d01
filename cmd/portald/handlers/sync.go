package handlers

import (
	"net/http"

	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/portal"
	syncengine "github.com/kimhsiao/medportal/core/internal/sync"
)

// SyncHandler handles sync runs, the mutation queue and conflicts.
type SyncHandler struct {
	p      *portal.Portal
	engine syncengine.SyncEngine
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(p *portal.Portal) *SyncHandler {
	return &SyncHandler{p: p, engine: p.Engine()}
}

// =====================================================
// Sync runs
// =====================================================

// Trigger handles POST /api/sync
// Runs a manual sync and returns its result. 409 when a run is active.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.TriggerManualSync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// History handles GET /api/sync/history
func (h *SyncHandler) History(w http.ResponseWriter, r *http.Request) {
	history := h.engine.GetSyncHistory()
	if history == nil {
		history = []syncengine.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"inProgress": h.engine.IsSyncInProgress(),
		"runs":       history,
	})
}

// =====================================================
// Queue
// =====================================================

// Queue handles GET /api/sync/queue?status=FAILED
// Returns per-status counts and the items with the requested status
// (PENDING when omitted).
func (h *SyncHandler) Queue(w http.ResponseWriter, r *http.Request) {
	status := models.QueueStatus(r.URL.Query().Get("status"))
	switch status {
	case "":
		status = models.QueueStatusPending
	case models.QueueStatusPending, models.QueueStatusCompleted, models.QueueStatusFailed:
	default:
		badRequest(w, "unknown queue status "+string(status))
		return
	}

	q := h.p.Engine().Queue()
	stats, err := q.GetStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := q.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*models.SyncQueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats": stats,
		"items": items,
	})
}

// RetryFailed handles POST /api/sync/retry
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

// =====================================================
// Conflicts
// =====================================================

// Conflicts handles GET /api/conflicts?all=true
// Lists unresolved conflicts, or every conflict with all=true.
func (h *SyncHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	conflicts, err := h.engine.Conflicts(r.Context(), !all)
	if err != nil {
		writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*models.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

// ResolveConflict handles POST /api/conflicts/{id}/resolve
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Policy models.ConflictPolicy `json:"policy"`
	}
	if err := decode(r, &request); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if !request.Policy.Valid() {
		badRequest(w, "policy must be SERVER_WINS, CLIENT_WINS or MERGE")
		return
	}
	if err := h.engine.ResolveConflict(r.Context(), r.PathValue("id"), request.Policy); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
