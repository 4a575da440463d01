package portal

import (
	"context"
	"net/http"
	"net/url"

	"github.com/kimhsiao/medportal/core/internal/config"
	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/media"
	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/network"
	"github.com/kimhsiao/medportal/core/internal/offline"
	"github.com/kimhsiao/medportal/core/internal/resource"
	syncengine "github.com/kimhsiao/medportal/core/internal/sync"
)

// CachedNotice is shown with studies served from the local store after a
// refresh was not possible.
const CachedNotice = "showing cached version"

// =====================================================
// Offline reads
// =====================================================

// GetOfflineStudies returns the cached studies of a patient.
func (p *Portal) GetOfflineStudies(ctx context.Context, patientID string) ([]*models.CachedStudy, error) {
	return p.store.GetStudiesForPatient(ctx, patientID)
}

// GetOfflineReport returns the cached report of a study, or nil.
func (p *Portal) GetOfflineReport(ctx context.Context, studyID string) (*models.CachedReport, error) {
	return p.store.GetReport(ctx, studyID)
}

// GetOfflineImages returns the cached image metadata of a study.
func (p *Portal) GetOfflineImages(ctx context.Context, studyID string) ([]*models.CachedImageMetadata, error) {
	return p.store.GetImages(ctx, studyID)
}

// GetCapabilities summarizes what is available offline.
func (p *Portal) GetCapabilities(ctx context.Context) (*offline.Capabilities, error) {
	return p.store.GetCapabilities(ctx)
}

// =====================================================
// Sync
// =====================================================

// TriggerManualSync runs a sync pass now.
func (p *Portal) TriggerManualSync(ctx context.Context) (*syncengine.Result, error) {
	return p.engine.TriggerManualSync(ctx)
}

// GetSyncHistory returns recent sync results, most recent first.
func (p *Portal) GetSyncHistory() []syncengine.Result {
	return p.engine.GetSyncHistory()
}

// IsSyncInProgress reports whether a sync pass is running.
func (p *Portal) IsSyncInProgress() bool {
	return p.engine.IsSyncInProgress()
}

// TrackPatient adds a patient to every future sync.
func (p *Portal) TrackPatient(patientID string) {
	p.engine.Track(patientID)
}

// =====================================================
// Study view
// =====================================================

// StudyView is a study with its report and cached images.
type StudyView struct {
	Study     *models.CachedStudy           `json:"study"`
	Report    *models.CachedReport          `json:"report,omitempty"`
	Images    []*models.CachedImageMetadata `json:"images"`
	FromCache bool                          `json:"fromCache"`
	Notice    string                        `json:"notice,omitempty"`
}

// FetchStudy serves a study cache-first. When online, the study is refreshed
// from the backend and re-cached; if that fails the cached copy is returned
// with CachedNotice. A study that is neither cached nor reachable is an
// error.
func (p *Portal) FetchStudy(ctx context.Context, studyID string) (*StudyView, error) {
	cached, err := p.store.GetStudy(ctx, studyID)
	if err != nil {
		return nil, err
	}

	if !p.net.IsOnline() {
		if cached == nil {
			return nil, apperrors.New(apperrors.ErrOffline, "study "+studyID+" is not available offline")
		}
		return p.view(ctx, cached, CachedNotice)
	}

	if err := p.refresh(ctx, studyID); err != nil {
		if cached == nil {
			return nil, err
		}
		logging.Warn("Study refresh failed, serving cache", map[string]interface{}{
			"study_id": studyID, "error": err.Error(),
		})
		return p.view(ctx, cached, CachedNotice)
	}

	fresh, err := p.store.GetStudy(ctx, studyID)
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		return nil, apperrors.New(apperrors.ErrCacheMiss, "study "+studyID+" was not cached")
	}
	v, err := p.view(ctx, fresh, "")
	if err != nil {
		return nil, err
	}
	v.FromCache = false
	return v, nil
}

func (p *Portal) refresh(ctx context.Context, studyID string) error {
	study, err := p.api.GetStudy(ctx, studyID)
	if err != nil {
		return err
	}
	report, err := p.api.GetReport(ctx, studyID)
	if err != nil {
		return err
	}
	study.Report = report

	res := p.store.UpsertStudy(ctx, study, offline.UpsertOptions{
		IncludeImages: p.res.ShouldPrefetchData(),
		Quality:       p.res.RecommendedImageQuality(),
	})
	if !res.Success {
		return res.Err
	}
	return nil
}

func (p *Portal) view(ctx context.Context, st *models.CachedStudy, notice string) (*StudyView, error) {
	report, err := p.store.GetReport(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	images, err := p.store.GetImages(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	return &StudyView{Study: st, Report: report, Images: images, FromCache: true, Notice: notice}, nil
}

// ImageFor renders one image of a study through the adaptive pipeline.
// Quality may be media.QualityAdaptive.
func (p *Portal) ImageFor(ctx context.Context, img models.Image, q models.ImageQuality) (*media.Image, error) {
	return p.media.Get(ctx, media.SourceFor(img), q)
}

// StudyImage renders an image of a cached study by id.
func (p *Portal) StudyImage(ctx context.Context, studyID, imageID string, q models.ImageQuality) (*media.Image, error) {
	cached, err := p.store.GetStudy(ctx, studyID)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, apperrors.New(apperrors.ErrCacheMiss, "study "+studyID+" is not cached")
	}
	study, err := cached.Study()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to decode cached study", err)
	}
	for _, series := range study.Series {
		for _, img := range series.Images {
			if img.ID == imageID {
				return p.ImageFor(ctx, img, q)
			}
		}
	}
	return nil, apperrors.New(apperrors.ErrCacheMiss, "image "+imageID+" not found in study "+studyID)
}

// =====================================================
// Mutations
// =====================================================

// Submission describes what happened to a submitted mutation.
type Submission struct {
	Delivered bool   `json:"delivered"`
	Queued    bool   `json:"queued"`
	QueueID   string `json:"queueId,omitempty"`
}

// SubmitMutation delivers a mutation immediately when online. Offline, or
// after a failure a later retry may fix, the mutation goes to the durable
// sync queue. Permanent rejections are returned to the caller.
func (p *Portal) SubmitMutation(ctx context.Context, m *models.Mutation) (*Submission, error) {
	if m == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "mutation is nil")
	}
	if err := m.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid mutation", err)
	}
	if m.Priority == "" {
		m.Priority = offline.DefaultPriority(m.Kind)
	}

	if p.net.IsOnline() {
		err := p.api.PushMutation(ctx, m, false)
		if err == nil {
			return &Submission{Delivered: true}, nil
		}
		if ctx.Err() != nil || syncengine.IsPermanent(err) {
			return nil, err
		}
		logging.Info("Queueing mutation after failed delivery", map[string]interface{}{
			"kind": string(m.Kind), "type": string(m.Type), "error": err.Error(),
		})
	}

	res := p.store.Enqueue(ctx, m)
	if !res.Success {
		return nil, res.Err
	}
	return &Submission{Queued: true, QueueID: res.ID}, nil
}

// AcknowledgeReport tells the backend the patient opened a report. Offline,
// the request waits in the client's request queue until reconnect.
func (p *Portal) AcknowledgeReport(ctx context.Context, studyID string) (*network.Response, error) {
	return p.client.Do(ctx, &network.Request{
		Method:       http.MethodPost,
		Path:         "/studies/" + url.PathEscape(studyID) + "/viewed",
		RequiresAuth: true,
		Priority:     models.PriorityLow,
	})
}

// ClearCache removes cached studies. With KeepRecent only studies older than
// DaysToKeep go; otherwise the rendered image cache is emptied as well.
func (p *Portal) ClearCache(ctx context.Context, opts offline.ClearOptions) error {
	if res := p.store.ClearCache(ctx, opts); !res.Success {
		return res.Err
	}
	if opts.KeepRecent {
		return nil
	}
	return p.media.Clear()
}

// =====================================================
// Session
// =====================================================

// Logout cancels in-flight requests and removes every piece of cached
// patient data: studies, images, queued mutations and pending requests.
func (p *Portal) Logout(ctx context.Context) error {
	cancelled := p.client.CancelAll()
	p.client.ClearCache()
	if err := p.client.ClearPending(); err != nil {
		return err
	}
	if err := p.ClearCache(ctx, offline.ClearOptions{}); err != nil {
		return err
	}
	if err := p.store.ClearQueue(ctx); err != nil {
		return err
	}
	logging.Info("Logged out", map[string]interface{}{"cancelled_requests": cancelled})
	return nil
}

// =====================================================
// Status
// =====================================================

// Status is a snapshot of every component for diagnostics.
type Status struct {
	Capabilities      *offline.Capabilities  `json:"capabilities"`
	Network           network.State          `json:"network"`
	Bandwidth         network.BandwidthClass `json:"bandwidth"`
	ConnectionQuality network.Quality        `json:"connectionQuality"`
	Strategy          resource.Strategy      `json:"strategy"`
	Settings          config.Settings        `json:"settings"`
	Images            media.Stats            `json:"images"`
	Queue             map[string]int         `json:"queue"`
	PendingRequests   int                    `json:"pendingRequests"`
	SyncInProgress    bool                   `json:"syncInProgress"`
	LastSync          *syncengine.Result     `json:"lastSync,omitempty"`
}

// Status collects a diagnostic snapshot.
func (p *Portal) Status(ctx context.Context) (*Status, error) {
	caps, err := p.store.GetCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	queue, err := p.engine.Queue().GetStats(ctx)
	if err != nil {
		return nil, err
	}
	images, err := p.media.Stats()
	if err != nil {
		return nil, err
	}
	return &Status{
		Capabilities:      caps,
		Network:           p.net.State(),
		Bandwidth:         p.net.BandwidthClass(),
		ConnectionQuality: p.net.ConnectionQuality(),
		Strategy:          p.res.Strategy(),
		Settings:          p.settings.Get(),
		Images:            images,
		Queue:             queue,
		PendingRequests:   p.client.PendingCount(),
		SyncInProgress:    p.engine.IsSyncInProgress(),
		LastSync:          p.engine.LastResult(),
	}, nil
}
