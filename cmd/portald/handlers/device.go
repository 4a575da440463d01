package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kimhsiao/medportal/core/internal/config"
	"github.com/kimhsiao/medportal/core/internal/network"
	"github.com/kimhsiao/medportal/core/internal/offline"
	"github.com/kimhsiao/medportal/core/internal/portal"
)

// DeviceHandler covers device state: status, connectivity, app lifecycle,
// settings and the cache.
type DeviceHandler struct {
	p *portal.Portal
}

// NewDeviceHandler creates a new DeviceHandler.
func NewDeviceHandler(p *portal.Portal) *DeviceHandler {
	return &DeviceHandler{p: p}
}

// Health handles GET /api/health
func (h *DeviceHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "medportal"})
}

// Status handles GET /api/status
func (h *DeviceHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.p.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Capabilities handles GET /api/capabilities
func (h *DeviceHandler) Capabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := h.p.GetCapabilities(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, caps)
}

// =====================================================
// Connectivity and lifecycle
// =====================================================

// SetNetwork handles PUT /api/network
// The platform shell reports connectivity changes here.
func (h *DeviceHandler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	var state network.State
	if err := decode(r, &state); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	switch state.Type {
	case network.ConnectionWifi, network.ConnectionCellular, network.ConnectionEthernet, network.ConnectionNone, network.ConnectionUnknown:
	default:
		badRequest(w, "unknown connection type "+string(state.Type))
		return
	}

	mon := h.p.Network()
	mon.Update(state)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":     mon.State(),
		"bandwidth": mon.BandwidthClass(),
		"quality":   mon.ConnectionQuality(),
	})
}

// Lifecycle handles POST /api/lifecycle/{state}
// state is "background" or "foreground".
func (h *DeviceHandler) Lifecycle(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("state") {
	case "background":
		var failures []string
		for _, err := range h.p.Background(r.Context()) {
			failures = append(failures, err.Error())
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"foreground": false, "cleanupErrors": failures})
	case "foreground":
		h.p.Foreground(r.Context())
		writeJSON(w, http.StatusOK, map[string]interface{}{"foreground": true})
	default:
		badRequest(w, "state must be background or foreground")
	}
}

// =====================================================
// Settings
// =====================================================

// GetSettings handles GET /api/settings
func (h *DeviceHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.p.Settings().Get())
}

// UpdateSettings handles PATCH /api/settings
// Fields absent from the body keep their current value.
func (h *DeviceHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	next := h.p.Settings().Get()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	saved, err := h.p.Settings().Update(func(s *config.Settings) { *s = next })
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// =====================================================
// Cache
// =====================================================

// ClearCache handles DELETE /api/cache?keepRecent=true&days=7
func (h *DeviceHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	opts := offline.ClearOptions{KeepRecent: r.URL.Query().Get("keepRecent") == "true"}
	if days := r.URL.Query().Get("days"); days != "" {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			badRequest(w, "days must be a non-negative integer")
			return
		}
		opts.DaysToKeep = n
	}
	if opts.KeepRecent && opts.DaysToKeep == 0 {
		opts.DaysToKeep = h.p.Settings().Get().MaxCacheAgeDays
	}

	if err := h.p.ClearCache(r.Context(), opts); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
