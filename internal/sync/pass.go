package sync

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/network"
	"github.com/kimhsiao/medportal/core/internal/offline"
)

// stages is the fixed entity order of a run. Reports and HIGH queue items
// (appointments, consents) go first, then studies and shares, then images
// and exports.
var stages = []models.Priority{models.PriorityHigh, models.PriorityMedium, models.PriorityLow}

// pass is the state of one run.
type pass struct {
	e      *Engine
	result *Result

	// stale holds server studies that are missing locally or newer than the cache.
	stale   []models.Study
	cached  map[string]*models.CachedStudy
	reports map[string]*models.Report
	pulled  []*models.Study
}

func newPass(e *Engine, result *Result) *pass {
	return &pass{
		e:       e,
		result:  result,
		cached:  make(map[string]*models.CachedStudy),
		reports: make(map[string]*models.Report),
	}
}

func jsonSize(v interface{}) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

// plan lists every patient's studies and keeps the ones that are stale.
func (p *pass) plan(ctx context.Context) {
	cached, err := p.e.store.ListStudies(ctx)
	if err != nil {
		p.result.addError("list cached studies: %v", err)
		return
	}
	for _, st := range cached {
		p.cached[st.ID] = st
	}

	for _, patientID := range p.e.patientIDs(ctx) {
		studies, err := p.e.backend.ListPatientStudies(ctx, patientID)
		if err != nil {
			p.result.addError("list studies for patient %s: %v", patientID, err)
			continue
		}
		p.result.BytesTransferred += jsonSize(studies)
		for _, s := range studies {
			if p.isStale(s) {
				p.stale = append(p.stale, s)
			}
		}
	}
	logging.Debug("Sync plan ready", map[string]interface{}{
		"sync_id": p.result.ID,
		"stale":   len(p.stale),
		"cached":  len(p.cached),
	})
}

func (p *pass) isStale(s models.Study) bool {
	c, ok := p.cached[s.ID]
	if !ok {
		return true
	}
	return s.UpdatedAt.Unix() > c.ServerUpdatedAt
}

func (p *pass) pull(ctx context.Context, stage models.Priority) {
	switch stage {
	case models.PriorityHigh:
		p.pullReports(ctx)
	case models.PriorityMedium:
		p.pullStudies(ctx)
	case models.PriorityLow:
		p.prefetchImages(ctx)
	}
}

// pullReports fetches the reports of stale studies ahead of the studies
// themselves. They are stored with their study in pullStudies.
func (p *pass) pullReports(ctx context.Context) {
	for _, s := range p.stale {
		if ctx.Err() != nil {
			return
		}
		rep, err := p.e.backend.GetReport(ctx, s.ID)
		if err != nil {
			p.result.addError("fetch report for study %s: %v", s.ID, err)
			continue
		}
		if rep == nil {
			continue
		}
		p.result.BytesTransferred += jsonSize(rep)
		p.reports[s.ID] = rep
	}
}

// pullStudies fetches and caches the full form of every stale study, with
// its report. Each study is written once per run.
func (p *pass) pullStudies(ctx context.Context) {
	for _, s := range p.stale {
		if ctx.Err() != nil {
			return
		}
		study, err := p.e.backend.GetStudy(ctx, s.ID)
		if err != nil {
			p.result.addError("fetch study %s: %v", s.ID, err)
			p.storeReport(ctx, s.ID)
			continue
		}
		p.result.BytesTransferred += jsonSize(study)
		if rep, ok := p.reports[s.ID]; ok {
			study.Report = rep
		}
		if res := p.e.store.UpsertStudy(ctx, study, offline.UpsertOptions{}); !res.Success {
			p.result.addError("cache study %s: %v", s.ID, res.Err)
			continue
		}
		p.pulled = append(p.pulled, study)
		p.result.ItemsSynced++
	}
}

// storeReport attaches a fetched report to the cached copy of a study whose
// refresh failed.
func (p *pass) storeReport(ctx context.Context, studyID string) {
	rep, ok := p.reports[studyID]
	c, cached := p.cached[studyID]
	if !ok || !cached {
		return
	}
	study, err := c.Study()
	if err != nil {
		p.result.addError("%v", err)
		return
	}
	study.Report = rep
	if res := p.e.store.UpsertStudy(ctx, study, offline.UpsertOptions{}); !res.Success {
		p.result.addError("cache report for study %s: %v", studyID, res.Err)
		return
	}
	p.result.ItemsSynced++
}

// prefetchImages caches images of freshly pulled studies when the device can
// afford it.
func (p *pass) prefetchImages(ctx context.Context) {
	if len(p.pulled) == 0 {
		return
	}
	if p.e.res != nil && !p.e.res.ShouldPrefetchData() {
		logging.Debug("Image prefetch skipped under resource pressure")
		return
	}
	if p.e.net.BandwidthClass() == network.BandwidthSlow {
		logging.Debug("Image prefetch skipped on slow network")
		return
	}
	quality := models.QualityMedium
	if p.e.res != nil {
		quality = p.e.res.RecommendedImageQuality()
	}

	for _, study := range p.pulled {
		if ctx.Err() != nil {
			return
		}
		if !hasImages(study) {
			continue
		}
		res := p.e.store.UpsertStudy(ctx, study, offline.UpsertOptions{IncludeImages: true, Quality: quality})
		if !res.Success {
			p.result.addError("cache images for study %s: %v", study.ID, res.Err)
			continue
		}
		imgs, err := p.e.store.GetImages(ctx, study.ID)
		if err != nil {
			continue
		}
		for _, img := range imgs {
			p.result.BytesTransferred += img.SizeBytes
		}
		p.result.ItemsSynced += len(imgs)
	}
}

func hasImages(s *models.Study) bool {
	for _, series := range s.Series {
		if len(series.Images) > 0 {
			return true
		}
	}
	return false
}
