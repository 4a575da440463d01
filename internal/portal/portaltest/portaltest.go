// Package portaltest runs a Portal against an in-process fake backend for
// tests of the outer surfaces.
package portaltest

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/medportal/core/internal/config"
	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/portal"
	"github.com/kimhsiao/medportal/core/internal/resource"
	"github.com/kimhsiao/medportal/core/internal/sync/scheduler"
)

// StudyTime is the acquisition time of the fake study.
var StudyTime = time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)

// Backend is a fake portal API serving one patient (P1) with one study (s1)
// holding one 640x480 image (i1).
type Backend struct {
	URL string

	mu           sync.Mutex
	mutationCode int
	received     []string
	png          []byte
}

// NewBackend starts the fake API. It is closed with the test.
func NewBackend(t testing.TB) (*Backend, *httptest.Server) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.Set(x, y, color.Gray{Y: uint8((x * y) % 256)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	b := &Backend{png: buf.Bytes(), mutationCode: http.StatusCreated}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /patients/{id}/studies", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		studies := []models.Study{}
		if r.PathValue("id") == "P1" {
			studies = append(studies, b.Study())
		}
		writeJSON(w, http.StatusOK, studies)
	})
	mux.HandleFunc("GET /studies/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		if r.PathValue("id") != "s1" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, b.Study())
	})
	mux.HandleFunc("GET /studies/{id}/report", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		writeJSON(w, http.StatusOK, models.Report{
			ID: "r1", StudyID: r.PathValue("id"), Content: "MR knee", Impression: "Intact ligaments", UpdatedAt: StudyTime,
		})
	})
	mux.HandleFunc("GET /images/{name}", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		w.Header().Set("Content-Type", "image/png")
		w.Write(b.png)
	})
	mutation := func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		var a models.Appointment
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		code := b.mutationCode
		b.mu.Unlock()
		if code >= 300 {
			http.Error(w, "rejected", code)
			return
		}
		if a.ID == "" {
			a.ID = "a-1"
		}
		writeJSON(w, code, a)
	}
	mux.HandleFunc("POST /appointments", mutation)
	mux.HandleFunc("PUT /appointments/{id}", mutation)
	mux.HandleFunc("POST /studies/{id}/viewed", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	b.URL = srv.URL
	return b, srv
}

// Study returns the fake study as the API serves it.
func (b *Backend) Study() models.Study {
	return models.Study{
		ID:          "s1",
		PatientID:   "P1",
		StudyDate:   StudyTime,
		Modality:    "MR",
		Description: "Knee MRI",
		UpdatedAt:   StudyTime,
		Series: []models.Series{{
			ID:      "s1-a",
			StudyID: "s1",
			Images:  []models.Image{{ID: "i1", SeriesID: "s1-a", StudyID: "s1", URL: "/images/i1.png", SizeBytes: int64(len(b.png))}},
		}},
	}
}

// SetMutationCode sets the status returned for appointment writes.
func (b *Backend) SetMutationCode(code int) {
	b.mu.Lock()
	b.mutationCode = code
	b.mu.Unlock()
}

// Count returns how often "METHOD /path" was requested.
func (b *Backend) Count(req string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.received {
		if r == req {
			n++
		}
	}
	return n
}

func (b *Backend) record(r *http.Request) {
	b.mu.Lock()
	b.received = append(b.received, r.Method+" "+r.URL.Path)
	b.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Env is a started Portal wired to a Backend.
type Env struct {
	Portal    *portal.Portal
	Backend   *Backend
	Scheduler *scheduler.Manual
	Registry  *prometheus.Registry
}

// New starts a Portal with an in-memory store, a manual scheduler and no
// retry waits. Token, when non-nil, replaces the fixed test token.
func New(t testing.TB, token func(context.Context) (string, error)) *Env {
	t.Helper()
	opts, env := Options(t, token)
	p, err := portal.New(opts)
	require.NoError(t, err)
	p.Start(context.Background())
	t.Cleanup(func() { p.Close() })
	env.Portal = p
	return env
}

// Options returns the options New uses, for callers that construct the
// Portal themselves. The returned Env has no Portal.
func Options(t testing.TB, token func(context.Context) (string, error)) (portal.Options, *Env) {
	t.Helper()
	b, srv := NewBackend(t)
	if token == nil {
		token = func(context.Context) (string, error) { return "test-token", nil }
	}
	env := &Env{
		Backend:   b,
		Scheduler: scheduler.NewManual(),
		Registry:  prometheus.NewRegistry(),
	}
	cfg := &config.Config{
		DataDir:        t.TempDir(),
		APIBaseURL:     srv.URL,
		RequestTimeout: 5,
		MaxRetries:     1,
		ListenAddr:     "127.0.0.1:0",
		LogLevel:       "info",
		Patients:       []string{"P1"},
	}
	return portal.Options{
		Config:     cfg,
		Token:      token,
		HTTPClient: srv.Client(),
		Sampler:    resource.NewStaticSampler(),
		Scheduler:  env.Scheduler,
		Registerer: env.Registry,
		InMemory:   true,
		Sleep:      func(context.Context, time.Duration) error { return nil },
	}, env
}
