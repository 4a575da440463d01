package portal

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/medportal/core/internal/config"
	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/network"
	"github.com/kimhsiao/medportal/core/internal/offline"
	"github.com/kimhsiao/medportal/core/internal/resource"
	syncengine "github.com/kimhsiao/medportal/core/internal/sync"
	"github.com/kimhsiao/medportal/core/internal/sync/scheduler"
)

var studyTime = time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)

// backend is a fake portal API.
type backend struct {
	mu           sync.Mutex
	failStudy    int
	mutationCode int
	received     []string
	appointments []models.Appointment
	png          []byte
}

func newBackend(t *testing.T) (*backend, *httptest.Server) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.Set(x, y, color.Gray{Y: uint8((x + y) % 256)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	b := &backend{png: buf.Bytes(), mutationCode: http.StatusCreated}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /patients/{id}/studies", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		if r.PathValue("id") != "P1" {
			b.json(w, http.StatusOK, []models.Study{})
			return
		}
		b.json(w, http.StatusOK, []models.Study{b.study()})
	})
	mux.HandleFunc("GET /studies/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		b.mu.Lock()
		fail := b.failStudy
		b.mu.Unlock()
		if fail != 0 {
			http.Error(w, "unavailable", fail)
			return
		}
		if r.PathValue("id") != "s1" {
			http.NotFound(w, r)
			return
		}
		b.json(w, http.StatusOK, b.study())
	})
	mux.HandleFunc("GET /studies/{id}/report", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		b.json(w, http.StatusOK, models.Report{
			ID: "r1", StudyID: r.PathValue("id"), Content: "CT chest", Impression: "No acute findings", UpdatedAt: studyTime,
		})
	})
	mux.HandleFunc("GET /images/{name}", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		w.Header().Set("Content-Type", "image/png")
		w.Write(b.png)
	})
	mux.HandleFunc("POST /appointments", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		var a models.Appointment
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		code := b.mutationCode
		if code < 300 {
			b.appointments = append(b.appointments, a)
		}
		b.mu.Unlock()
		if code >= 300 {
			http.Error(w, "rejected", code)
			return
		}
		a.ID = "a-1"
		b.json(w, code, a)
	})
	mux.HandleFunc("POST /studies/{id}/viewed", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *backend) study() models.Study {
	return models.Study{
		ID:          "s1",
		PatientID:   "P1",
		StudyDate:   studyTime,
		Modality:    "CT",
		Description: "Chest CT",
		UpdatedAt:   studyTime,
		Series: []models.Series{{
			ID:      "s1-a",
			StudyID: "s1",
			Images:  []models.Image{{ID: "i1", SeriesID: "s1-a", StudyID: "s1", URL: "/images/i1.png", SizeBytes: int64(len(b.png))}},
		}},
	}
}

func (b *backend) record(r *http.Request) {
	b.mu.Lock()
	b.received = append(b.received, r.Method+" "+r.URL.Path)
	b.mu.Unlock()
}

func (b *backend) json(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (b *backend) count(req string) int {
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

func (b *backend) set(fn func(*backend)) {
	b.mu.Lock()
	fn(b)
	b.mu.Unlock()
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	p       *Portal
	backend *backend
	sched   *scheduler.Manual
	clock   *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b, srv := newBackend(t)
	h := &harness{
		backend: b,
		sched:   scheduler.NewManual(),
		clock:   &clock{now: studyTime.Add(24 * time.Hour)},
	}
	cfg := &config.Config{
		DataDir:        t.TempDir(),
		APIBaseURL:     srv.URL,
		RequestTimeout: 5,
		MaxRetries:     2,
		ListenAddr:     "127.0.0.1:0",
		LogLevel:       "info",
		Patients:       []string{"P1"},
	}
	p, err := New(Options{
		Config:     cfg,
		Token:      func(context.Context) (string, error) { return "test-token", nil },
		HTTPClient: srv.Client(),
		Sampler:    resource.NewStaticSampler(),
		Scheduler:  h.sched,
		Registerer: prometheus.NewRegistry(),
		InMemory:   true,
		Sleep:      func(context.Context, time.Duration) error { return nil },
		Now:        h.clock.Now,
	})
	require.NoError(t, err)
	p.Start(context.Background())
	t.Cleanup(func() { p.Close() })
	h.p = p
	return h
}

func (h *harness) events(t *testing.T) <-chan syncengine.Event {
	t.Helper()
	ch := make(chan syncengine.Event, 16)
	unsubscribe := h.p.Subscribe(func(e syncengine.Event) { ch <- e })
	t.Cleanup(unsubscribe)
	return ch
}

func waitFor(t *testing.T, ch <-chan syncengine.Event, typ syncengine.EventType) syncengine.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func newAppointment() *models.Mutation {
	return &models.Mutation{
		Type: models.MutationCreate,
		Kind: models.KindAppointment,
		Appointment: &models.Appointment{
			PatientID:   "P1",
			ScheduledAt: studyTime.Add(14 * 24 * time.Hour),
			Type:        "MRI",
			Notes:       "follow-up",
			UpdatedAt:   studyTime.Add(48 * time.Hour),
		},
	}
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestManualSyncMakesPatientStudiesAvailableOffline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.p.TriggerManualSync(ctx)
	require.NoError(t, err)
	require.True(t, result.Success, "errors: %v", result.Errors)
	assert.Greater(t, result.ItemsSynced, 0)
	assert.False(t, h.p.IsSyncInProgress())

	studies, err := h.p.GetOfflineStudies(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, studies, 1)
	assert.Equal(t, "s1", studies[0].ID)
	assert.True(t, studies[0].IsOffline)

	report, err := h.p.GetOfflineReport(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, "No acute findings", report.Impression)

	images, err := h.p.GetOfflineImages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, models.QualityHigh, images[0].Quality)

	caps, err := h.p.GetCapabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, caps.StudyCount)
	require.NotNil(t, caps.LastSync)

	history := h.p.GetSyncHistory()
	require.Len(t, history, 1)
	assert.Equal(t, syncengine.TriggerManual, history[0].Trigger)
}

func TestOfflineMutationDeliveredOnReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	events := h.events(t)

	h.p.Network().SetOnline(false)
	sub, err := h.p.SubmitMutation(ctx, newAppointment())
	require.NoError(t, err)
	require.True(t, sub.Queued)
	assert.False(t, sub.Delivered)

	item, err := h.p.Store().QueueItem(ctx, sub.QueueID)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Equal(t, 0, h.backend.count("POST /appointments"))

	h.p.Network().SetOnline(true)
	e := waitFor(t, events, syncengine.EventCompleted)
	assert.Equal(t, syncengine.TriggerReconnect, e.Trigger)

	item, err = h.p.Store().QueueItem(ctx, sub.QueueID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, item.Status)
	assert.Equal(t, 1, h.backend.count("POST /appointments"))
}

func TestSubmitMutation(t *testing.T) {
	t.Run("online delivers immediately", func(t *testing.T) {
		h := newHarness(t)
		sub, err := h.p.SubmitMutation(context.Background(), newAppointment())
		require.NoError(t, err)
		assert.True(t, sub.Delivered)
		assert.Equal(t, 1, h.backend.count("POST /appointments"))
	})

	t.Run("permanent rejection is returned", func(t *testing.T) {
		h := newHarness(t)
		h.backend.set(func(b *backend) { b.mutationCode = http.StatusUnprocessableEntity })
		_, err := h.p.SubmitMutation(context.Background(), newAppointment())
		require.Error(t, err)
		assert.Equal(t, http.StatusUnprocessableEntity, network.StatusCode(err))

		pending, err := h.p.Store().QueueItems(context.Background(), models.QueueStatusPending, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("transient failure is queued", func(t *testing.T) {
		h := newHarness(t)
		h.backend.set(func(b *backend) { b.mutationCode = http.StatusServiceUnavailable })
		sub, err := h.p.SubmitMutation(context.Background(), newAppointment())
		require.NoError(t, err)
		assert.True(t, sub.Queued)
		assert.Equal(t, 3, h.backend.count("POST /appointments"), "first attempt plus two retries")
	})

	t.Run("invalid mutation", func(t *testing.T) {
		h := newHarness(t)
		m := newAppointment()
		m.Appointment.Type = ""
		_, err := h.p.SubmitMutation(context.Background(), m)
		assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	})
}

func TestFetchStudyIsCacheFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.p.Network().SetOnline(false)
	_, err := h.p.FetchStudy(ctx, "s1")
	assert.True(t, apperrors.Is(err, apperrors.ErrOffline))

	h.p.Network().SetOnline(true)
	view, err := h.p.FetchStudy(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, view.FromCache)
	assert.Empty(t, view.Notice)
	require.NotNil(t, view.Report)
	assert.Len(t, view.Images, 1)

	h.backend.set(func(b *backend) { b.failStudy = http.StatusBadGateway })
	view, err = h.p.FetchStudy(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, view.FromCache)
	assert.Equal(t, CachedNotice, view.Notice)

	h.p.Network().SetOnline(false)
	view, err = h.p.FetchStudy(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, view.FromCache)
	assert.Equal(t, "s1", view.Study.ID)
}

func TestAcknowledgeReportQueuesWhileOffline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.p.Network().SetOnline(false)
	resp, err := h.p.AcknowledgeReport(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, resp.Queued)
	assert.Equal(t, 1, h.p.Client().PendingCount())

	h.p.Network().SetOnline(true)
	require.Eventually(t, func() bool {
		return h.backend.count("POST /studies/s1/viewed") == 1 && h.p.Client().PendingCount() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSettingsPropagate(t *testing.T) {
	h := newHarness(t)

	_, err := h.p.Settings().Update(func(s *config.Settings) {
		s.SyncIntervalMinutes = 30
		s.WifiOnly = true
		s.ConflictPolicy = models.PolicyClientWins
		s.MaxCacheBytes = 64 * 1024 * 1024
		s.LowDataMode = true
	})
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, h.p.Engine().Interval())
	iv, ok := h.sched.Interval("sync.interval")
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, iv)
	assert.True(t, h.p.Engine().WifiOnly())
	assert.Equal(t, models.PolicyClientWins, h.p.Engine().Policy())
	assert.Equal(t, int64(64*1024*1024), h.p.Store().MaxCacheBytes())
	assert.True(t, h.p.Client().LowDataMode())
}

func TestBackgroundAndForeground(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, ok := h.sched.Interval("media.sweep")
	require.True(t, ok)
	_, ok = h.sched.Interval(expireTask)
	require.True(t, ok)

	h.p.Background(ctx)
	_, ok = h.sched.Interval("sync.interval")
	assert.False(t, ok, "interval sync paused")
	assert.False(t, h.p.Resource().IsForeground())
	assert.True(t, h.sched.Paused())
	assert.Zero(t, h.sched.Advance(ctx, 25*time.Hour), "no sweep or expiry while backgrounded")

	h.p.Foreground(ctx)
	_, ok = h.sched.Interval("sync.interval")
	assert.True(t, ok)
	assert.True(t, h.p.Resource().IsForeground())
	assert.False(t, h.sched.Paused())
}

func TestExpireCacheDropsOldStudies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.p.TriggerManualSync(ctx)
	require.NoError(t, err)

	require.NoError(t, h.p.ExpireCache(ctx))
	studies, err := h.p.GetOfflineStudies(ctx, "P1")
	require.NoError(t, err)
	assert.Len(t, studies, 1, "fresh study kept")

	h.clock.Add(8 * 24 * time.Hour)
	assert.Equal(t, 1, h.sched.Fire(ctx, expireTask))
	studies, err = h.p.GetOfflineStudies(ctx, "P1")
	require.NoError(t, err)
	assert.Empty(t, studies)
}

func TestLogoutRemovesPatientData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.p.TriggerManualSync(ctx)
	require.NoError(t, err)
	h.p.Network().SetOnline(false)
	_, err = h.p.SubmitMutation(ctx, newAppointment())
	require.NoError(t, err)
	_, err = h.p.AcknowledgeReport(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, h.p.Logout(ctx))

	studies, err := h.p.GetOfflineStudies(ctx, "P1")
	require.NoError(t, err)
	assert.Empty(t, studies)
	assert.Equal(t, 0, h.p.Client().PendingCount())
	pending, err := h.p.Store().QueueItems(ctx, models.QueueStatusPending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	st, err := h.p.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Images.DiskEntries)
	assert.Equal(t, 0, st.Capabilities.StudyCount)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.p.TriggerManualSync(ctx)
	require.NoError(t, err)

	st, err := h.p.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Network.Online)
	assert.Equal(t, network.BandwidthFast, st.Bandwidth)
	assert.Equal(t, config.DefaultSettings(), st.Settings)
	require.NotNil(t, st.LastSync)
	assert.True(t, st.LastSync.Success)
	assert.Greater(t, st.Images.DiskEntries, 0)
}

func TestStudyImage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.p.StudyImage(ctx, "s1", "i1", models.QualityLow)
	assert.True(t, apperrors.Is(err, apperrors.ErrCacheMiss), "uncached study")

	_, err = h.p.TriggerManualSync(ctx)
	require.NoError(t, err)

	img, err := h.p.StudyImage(ctx, "s1", "i1", models.QualityLow)
	require.NoError(t, err)
	assert.Equal(t, 512, img.Width)
	assert.Equal(t, 384, img.Height)

	_, err = h.p.StudyImage(ctx, "s1", "missing", models.QualityLow)
	assert.True(t, apperrors.Is(err, apperrors.ErrCacheMiss))
}

func TestClearCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.p.TriggerManualSync(ctx)
	require.NoError(t, err)

	require.NoError(t, h.p.ClearCache(ctx, offline.ClearOptions{KeepRecent: true, DaysToKeep: 7}))
	st, err := h.p.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Capabilities.StudyCount)
	assert.Greater(t, st.Images.DiskEntries, 0)

	require.NoError(t, h.p.ClearCache(ctx, offline.ClearOptions{}))
	st, err = h.p.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Capabilities.StudyCount)
	assert.Equal(t, 0, st.Images.DiskEntries)
}
