package main

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/medportal/core/cmd/portald/handlers"
	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/portal"
)

// newRouter registers every route of the local API.
func newRouter(p *portal.Portal, tokens *handlers.TokenStore, hub *WSHub, gatherer prometheus.Gatherer) http.Handler {
	studies := handlers.NewStudyHandler(p)
	syncs := handlers.NewSyncHandler(p)
	mutations := handlers.NewMutationHandler(p)
	device := handlers.NewDeviceHandler(p)
	session := handlers.NewSessionHandler(p, tokens)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", device.Health)
	mux.HandleFunc("GET /api/status", device.Status)
	mux.HandleFunc("GET /api/capabilities", device.Capabilities)
	mux.HandleFunc("PUT /api/network", device.SetNetwork)
	mux.HandleFunc("POST /api/lifecycle/{state}", device.Lifecycle)
	mux.HandleFunc("GET /api/settings", device.GetSettings)
	mux.HandleFunc("PATCH /api/settings", device.UpdateSettings)
	mux.HandleFunc("DELETE /api/cache", device.ClearCache)

	mux.HandleFunc("GET /api/patients/{id}/studies", studies.ListStudies)
	mux.HandleFunc("GET /api/studies/{id}", studies.GetStudy)
	mux.HandleFunc("GET /api/studies/{id}/report", studies.GetReport)
	mux.HandleFunc("GET /api/studies/{id}/images/{image}", studies.GetImage)
	mux.HandleFunc("POST /api/studies/{id}/viewed", studies.Acknowledge)

	mux.HandleFunc("POST /api/mutations", mutations.Submit)

	mux.HandleFunc("POST /api/sync", syncs.Trigger)
	mux.HandleFunc("GET /api/sync/history", syncs.History)
	mux.HandleFunc("GET /api/sync/queue", syncs.Queue)
	mux.HandleFunc("POST /api/sync/retry", syncs.RetryFailed)
	mux.HandleFunc("GET /api/conflicts", syncs.Conflicts)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", syncs.ResolveConflict)

	mux.HandleFunc("PUT /api/session/token", session.SetToken)
	mux.HandleFunc("POST /api/session/logout", session.Logout)

	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return withRequestLog(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, apperrors.New(apperrors.ErrInternal, "response writer cannot be hijacked")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
