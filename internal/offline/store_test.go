package offline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/medportal/core/internal/db"
	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/models"
)

type fakeImages struct {
	calls int
	fail  map[string]bool
}

func (f *fakeImages) FetchImage(_ context.Context, img models.Image, q models.ImageQuality) ([]byte, error) {
	f.calls++
	if f.fail[img.ID] {
		return nil, fmt.Errorf("image %s unavailable", img.ID)
	}
	return []byte(img.ID + ":" + string(q)), nil
}

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }

func newTestStore(t *testing.T, images ImageSource) (*Store, *testClock, string) {
	t.Helper()
	database, err := db.OpenMigrated(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	dir := t.TempDir()
	clock := &testClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	s, err := New(database, Options{CacheDir: dir, Images: images, Now: clock.Now})
	require.NoError(t, err)
	return s, clock, dir
}

func sampleStudy(id, patient string, date time.Time) *models.Study {
	return &models.Study{
		ID:          id,
		PatientID:   patient,
		StudyDate:   date,
		Modality:    "MR",
		Description: "Brain MRI",
		UpdatedAt:   date,
		Report: &models.Report{
			ID: id + "-r", StudyID: id, Content: "normal",
			Findings: "no acute findings", Impression: "normal study",
		},
		Series: []models.Series{{
			ID: id + "-s1",
			Images: []models.Image{
				{ID: id + "-i1", URL: "https://img/" + id + "/1"},
				{ID: id + "-i2", URL: "https://img/" + id + "/2"},
			},
		}},
	}
}

func TestUpsertStudy_idempotent(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()
	study := sampleStudy("st1", "P1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	first := s.UpsertStudy(ctx, study, UpsertOptions{})
	require.True(t, first.Success, "first upsert: %v", first.Err)
	assert.Equal(t, "st1", first.ID)

	second := s.UpsertStudy(ctx, study, UpsertOptions{})
	require.True(t, second.Success, "second upsert: %v", second.Err)

	studies, err := s.GetStudiesForPatient(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, studies, 1)

	decoded, err := studies[0].Study()
	require.NoError(t, err)
	assert.Equal(t, study.Description, decoded.Description)
	assert.Equal(t, study.Report.Findings, decoded.Report.Findings)

	caps, err := s.GetCapabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, caps.StudyCount)
	assert.Equal(t, 1, caps.ReportCount)
}

func TestUpsertStudy_cachesReportAndImages(t *testing.T) {
	images := &fakeImages{fail: map[string]bool{"st1-i2": true}}
	s, _, dir := newTestStore(t, images)
	ctx := context.Background()

	res := s.UpsertStudy(ctx, sampleStudy("st1", "P1", time.Now()), UpsertOptions{
		IncludeImages: true, Quality: models.QualityHigh,
	})
	require.True(t, res.Success, "%v", res.Err)

	rep, err := s.GetReport(ctx, "st1")
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.Equal(t, "no acute findings", rep.Findings)
	assert.Equal(t, filepath.Join(dir, "reports", "st1.json"), rep.FilePath)
	assert.FileExists(t, rep.FilePath)

	imgs, err := s.GetImages(ctx, "st1")
	require.NoError(t, err)
	require.Len(t, imgs, 1, "the failing image is skipped")
	assert.Equal(t, filepath.Join(dir, "images", "st1", "st1-i1_HIGH.jpg"), imgs[0].LocalPath)
	assert.Equal(t, models.QualityHigh, imgs[0].Quality)
	assert.NotEmpty(t, imgs[0].ThumbnailPath)

	data, err := os.ReadFile(imgs[0].LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "st1-i1:HIGH", string(data))
}

func TestUpsertStudy_invalid(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	res := s.UpsertStudy(context.Background(), &models.Study{ID: "x"}, UpsertOptions{})
	assert.False(t, res.Success)
	assert.True(t, apperrors.Is(res.Err, apperrors.ErrValidation))

	res = s.UpsertStudy(context.Background(), nil, UpsertOptions{})
	assert.False(t, res.Success)
}

func TestReads_missNeverErrors(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	rep, err := s.GetReport(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, rep)

	imgs, err := s.GetImages(ctx, "nope")
	assert.NoError(t, err)
	assert.Empty(t, imgs)

	st, err := s.GetStudy(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, st)

	studies, err := s.GetStudiesForPatient(ctx, "nobody")
	assert.NoError(t, err)
	assert.NotNil(t, studies)
	assert.Empty(t, studies)

	assert.False(t, s.IsAvailableOffline(ctx, "nope"))
}

func TestGetStudiesForPatient_orderAndTags(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		res := s.UpsertStudy(ctx, sampleStudy(id, "P1", base.AddDate(0, i, 0)), UpsertOptions{})
		require.True(t, res.Success)
	}

	studies, err := s.GetStudiesForPatient(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, studies, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{studies[0].ID, studies[1].ID, studies[2].ID})
	for _, st := range studies {
		assert.True(t, st.IsOffline)
		assert.NotZero(t, st.CachedAt)
	}
	assert.True(t, s.IsAvailableOffline(ctx, "b"))
}

func TestClearCache_keepRecent(t *testing.T) {
	s, clock, _ := newTestStore(t, &fakeImages{})
	ctx := context.Background()
	start := clock.t

	clock.t = start.AddDate(0, 0, -10)
	require.True(t, s.UpsertStudy(ctx, sampleStudy("old", "P1", start), UpsertOptions{IncludeImages: true}).Success)
	clock.t = start.AddDate(0, 0, -3)
	require.True(t, s.UpsertStudy(ctx, sampleStudy("recent", "P1", start), UpsertOptions{IncludeImages: true}).Success)
	clock.t = start

	oldImgs, _ := s.GetImages(ctx, "old")
	require.NotEmpty(t, oldImgs)
	oldReport, _ := s.GetReport(ctx, "old")
	require.NotNil(t, oldReport)

	res := s.ClearCache(ctx, ClearOptions{KeepRecent: true, DaysToKeep: 7})
	require.True(t, res.Success, "%v", res.Err)

	assert.False(t, s.IsAvailableOffline(ctx, "old"))
	assert.True(t, s.IsAvailableOffline(ctx, "recent"))
	assert.NoFileExists(t, oldImgs[0].LocalPath)
	assert.NoFileExists(t, oldReport.FilePath)

	// Cache size equals the sum of what was retained.
	recent, _ := s.GetStudy(ctx, "recent")
	rep, _ := s.GetReport(ctx, "recent")
	imgs, _ := s.GetImages(ctx, "recent")
	want := recent.SizeBytes + rep.SizeBytes
	for _, img := range imgs {
		want += img.SizeBytes
	}
	size, err := s.GetCacheSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, size)

	caps, _ := s.GetCapabilities(ctx)
	require.NotNil(t, caps.LastCleanup)
	assert.Equal(t, start.Unix(), caps.LastCleanup.Unix())
}

func TestClearCache_all(t *testing.T) {
	s, _, dir := newTestStore(t, &fakeImages{})
	ctx := context.Background()
	require.True(t, s.UpsertStudy(ctx, sampleStudy("a", "P1", time.Now()), UpsertOptions{IncludeImages: true}).Success)

	res := s.ClearCache(ctx, ClearOptions{})
	require.True(t, res.Success)

	size, err := s.GetCacheSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
	entries, _ := os.ReadDir(filepath.Join(dir, "images"))
	assert.Empty(t, entries)
}

func TestEnforceLimit_evictsLeastRecentlyAccessed(t *testing.T) {
	s, clock, _ := newTestStore(t, nil)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		clock.t = clock.t.Add(time.Minute)
		res := s.UpsertStudy(ctx, sampleStudy(id, "P1", clock.t.AddDate(0, 0, i)), UpsertOptions{})
		require.True(t, res.Success)
	}
	// Reading "a" makes "b" the least recently accessed.
	clock.t = clock.t.Add(time.Minute)
	_, err := s.GetStudy(ctx, "a")
	require.NoError(t, err)

	size, err := s.GetCacheSize(ctx)
	require.NoError(t, err)
	s.SetMaxCacheBytes(size * 3 / 4)

	clock.t = clock.t.Add(time.Minute)
	require.True(t, s.UpsertStudy(ctx, sampleStudy("d", "P1", clock.t), UpsertOptions{}).Success)

	assert.False(t, s.IsAvailableOffline(ctx, "b"))
	assert.True(t, s.IsAvailableOffline(ctx, "d"))

	after, _ := s.GetCacheSize(ctx)
	assert.LessOrEqual(t, float64(after), float64(s.MaxCacheBytes())*evictionTarget)
}

func TestEnqueue(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	res := s.Enqueue(ctx, &models.Mutation{
		Type: models.MutationCreate, Kind: models.KindAppointment,
		Appointment: &models.Appointment{PatientID: "P1", ScheduledAt: time.Now(), Type: "MRI"},
	})
	require.True(t, res.Success, "%v", res.Err)

	item, err := s.QueueItem(ctx, res.ID)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Equal(t, models.PriorityHigh, item.Priority)

	caps, _ := s.GetCapabilities(ctx)
	assert.Equal(t, 1, caps.PendingQueueItems)

	bad := s.Enqueue(ctx, &models.Mutation{Type: models.MutationUpdate, Kind: models.KindShare})
	assert.False(t, bad.Success)
	assert.True(t, apperrors.Is(bad.Err, apperrors.ErrValidation))
}

func TestResetFailed(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	res := s.Enqueue(ctx, &models.Mutation{Type: models.MutationDelete, Kind: models.KindShare, EntityID: "sh1"})
	require.True(t, res.Success)
	item, _ := s.QueueItem(ctx, res.ID)
	item.Status = models.QueueStatusFailed
	item.RetryCount = models.MaxQueueRetries
	require.NoError(t, s.UpdateQueueItem(ctx, item))

	caps, _ := s.GetCapabilities(ctx)
	assert.Equal(t, 1, caps.FailedQueueItems)

	n, err := s.ResetFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	caps, _ = s.GetCapabilities(ctx)
	assert.Equal(t, 0, caps.FailedQueueItems)
	assert.Equal(t, 1, caps.PendingQueueItems)
}

func TestClearQueue(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	res := s.Enqueue(ctx, &models.Mutation{Type: models.MutationDelete, Kind: models.KindShare, EntityID: "sh1"})
	require.True(t, res.Success)
	require.NoError(t, s.AddConflict(ctx, &models.ConflictRecord{
		QueueItemID: res.ID, EntityKind: models.KindShare, EntityID: "sh1",
		LocalPayload: "{}", ServerPayload: "{}",
	}))

	require.NoError(t, s.ClearQueue(ctx))

	item, err := s.QueueItem(ctx, res.ID)
	require.NoError(t, err)
	assert.Nil(t, item)
	conflicts, err := s.Conflicts(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	caps, _ := s.GetCapabilities(ctx)
	assert.Equal(t, 0, caps.PendingQueueItems)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "_", safeName(".."))
	assert.Equal(t, "a_b_c", safeName("a/b\\c"))
	assert.Equal(t, "study-1.2_x", safeName("study-1.2_x"))
}
