package media

import (
	"bytes"
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/metrics"
	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/network"
	"github.com/kimhsiao/medportal/core/internal/resource"
	"github.com/kimhsiao/medportal/core/internal/sync/scheduler"
	"github.com/kimhsiao/medportal/core/internal/telemetry"
)

const (
	// DefaultMaxAge is how long a rendered image stays valid on disk.
	DefaultMaxAge = 7 * 24 * time.Hour
	// DefaultSweepInterval is the cadence of the expired-entry sweep.
	DefaultSweepInterval = time.Hour

	sweepTask = "media.sweep"
)

// Lookup tiers reported on Image.Tier and to metrics.
const (
	TierMemory  = "memory"
	TierDisk    = "disk"
	TierNetwork = "network"
)

// Fetcher downloads raw image bytes. *network.API satisfies it.
type Fetcher interface {
	FetchImage(ctx context.Context, rawURL string, expectedSize int64) ([]byte, error)
}

// Source identifies a backend image.
type Source struct {
	URL          string
	ThumbnailURL string
	SizeBytes    int64
}

// SourceFor builds a Source from a study image.
func SourceFor(img models.Image) Source {
	return Source{URL: img.URL, ThumbnailURL: img.ThumbnailURL, SizeBytes: img.SizeBytes}
}

// Image is a rendered image. Data is shared with the caches and must not be
// modified.
type Image struct {
	Key     string
	Data    []byte
	Width   int
	Height  int
	Quality models.ImageQuality
	Stage   Stage
	Tier    string
}

// Stats describes cache occupancy.
type Stats struct {
	MemoryEntries int   `json:"memoryEntries"`
	DiskEntries   int   `json:"diskEntries"`
	DiskBytes     int64 `json:"diskBytes"`
}

// Options configures a Pipeline.
type Options struct {
	Fetcher       Fetcher
	CacheDir      string
	Network       *network.Monitor
	Resource      *resource.Monitor
	Scheduler     scheduler.Scheduler
	Metrics       *metrics.Metrics
	MemoryEntries int
	MaxAge        time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// Pipeline serves images at a requested quality from memory, disk, or the
// network, in that order. Concurrent requests for the same rendition share
// one download and one transform.
type Pipeline struct {
	fetch   Fetcher
	disk    *diskCache
	mem     *memCache
	group   singleflight.Group
	net     *network.Monitor
	res     *resource.Monitor
	sched   scheduler.Scheduler
	metrics *metrics.Metrics
	maxAge  atomic.Int64
	sweepIv time.Duration

	mu        sync.Mutex
	task      scheduler.TaskID
	scheduled bool
	unclean   func()
}

// New creates a Pipeline. Fetcher and CacheDir are required.
func New(opts Options) (*Pipeline, error) {
	if opts.Fetcher == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "media pipeline requires a fetcher")
	}
	if opts.CacheDir == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "media pipeline requires a cache directory")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	disk, err := newDiskCache(opts.CacheDir, opts.Now)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to open image cache", err)
	}
	p := &Pipeline{
		fetch:   opts.Fetcher,
		disk:    disk,
		mem:     newMemCache(opts.MemoryEntries),
		net:     opts.Network,
		res:     opts.Resource,
		sched:   opts.Scheduler,
		metrics: opts.Metrics,
		sweepIv: opts.SweepInterval,
	}
	p.maxAge.Store(int64(opts.MaxAge))
	return p, nil
}

// SetMaxAge changes how long disk entries stay valid.
func (p *Pipeline) SetMaxAge(d time.Duration) {
	if d > 0 {
		p.maxAge.Store(int64(d))
	}
}

// MaxAge returns the disk entry lifetime.
func (p *Pipeline) MaxAge() time.Duration {
	return time.Duration(p.maxAge.Load())
}

// Start schedules the hourly sweep and registers the pipeline's memory
// pressure cleanup.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sched != nil && !p.scheduled {
		p.task = p.sched.Every(sweepTask, p.sweepIv, func(ctx context.Context) {
			if _, err := p.Sweep(ctx); err != nil {
				logging.Error("Image cache sweep failed", err)
			}
		})
		p.scheduled = true
	}
	if p.res != nil && p.unclean == nil {
		p.unclean = p.res.RegisterCleanup("media", p.Cleanup)
	}
}

// Stop cancels the sweep and unregisters the cleanup.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scheduled {
		p.sched.Cancel(p.task)
		p.scheduled = false
	}
	if p.unclean != nil {
		p.unclean()
		p.unclean = nil
	}
}

// ResolveQuality maps ADAPTIVE (or empty) to the resource monitor's
// recommendation, falling back to MEDIUM.
func (p *Pipeline) ResolveQuality(q models.ImageQuality) models.ImageQuality {
	if q != "" && q != QualityAdaptive {
		return q
	}
	if p.res != nil {
		return p.res.RecommendedImageQuality()
	}
	return models.QualityMedium
}

func cacheKey(url, variant string) string {
	return url + "#" + variant
}

// Get returns src rendered at quality q.
func (p *Pipeline) Get(ctx context.Context, src Source, q models.ImageQuality) (*Image, error) {
	if src.URL == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "image source has no url")
	}
	q = p.ResolveQuality(q)
	preset, ok := Presets[q]
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalid, "unknown image quality "+string(q))
	}

	key := cacheKey(src.URL, string(q))
	return p.lookup(ctx, key, q, StageFull, func(ctx context.Context) ([]byte, error) {
		raw, err := p.source(ctx, src.URL, src.SizeBytes)
		if err != nil || preset.MaxWidth == 0 {
			return raw, err
		}
		return p.transform(raw, preset)
	})
}

// FetchImage implements the offline store's image source.
func (p *Pipeline) FetchImage(ctx context.Context, img models.Image, q models.ImageQuality) ([]byte, error) {
	out, err := p.Get(ctx, SourceFor(img), q)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (p *Pipeline) stage(ctx context.Context, src Source, st Stage, q models.ImageQuality) (*Image, error) {
	if st == StageFull {
		return p.Get(ctx, src, q)
	}
	preset := stagePresets[st]
	key := cacheKey(src.URL, string(st))
	return p.lookup(ctx, key, "", st, func(ctx context.Context) ([]byte, error) {
		url, size := src.URL, src.SizeBytes
		if st != StagePreview && src.ThumbnailURL != "" {
			url, size = src.ThumbnailURL, 0
		}
		raw, err := p.source(ctx, url, size)
		if err != nil {
			return nil, err
		}
		return p.transform(raw, preset)
	})
}

// lookup checks memory, then disk, then runs produce once per key.
func (p *Pipeline) lookup(ctx context.Context, key string, q models.ImageQuality, st Stage, produce func(context.Context) ([]byte, error)) (*Image, error) {
	if img, ok := p.mem.get(key); ok {
		p.metrics.IncImageLookup(TierMemory)
		return withTier(img, TierMemory), nil
	}
	if data, ok := p.disk.get(key, p.MaxAge()); ok {
		img := newImage(key, data, q, st)
		p.mem.put(key, img)
		p.metrics.IncImageLookup(TierDisk)
		return withTier(img, TierDisk), nil
	}

	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		data, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		if err := p.disk.put(key, data); err != nil {
			logging.Warn("Failed to persist rendered image", map[string]interface{}{
				"key": key, "error": err.Error(),
			})
		}
		img := newImage(key, data, q, st)
		p.mem.put(key, img)
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	p.metrics.IncImageLookup(TierNetwork)
	return withTier(v.(*Image), TierNetwork), nil
}

// source returns the unmodified backend bytes for url, downloading at most
// once per url across concurrent callers.
func (p *Pipeline) source(ctx context.Context, url string, size int64) ([]byte, error) {
	key := cacheKey(url, string(models.QualityOriginal))
	if img, ok := p.mem.get(key); ok {
		return img.Data, nil
	}
	if data, ok := p.disk.get(key, p.MaxAge()); ok {
		return data, nil
	}
	if p.net != nil && !p.net.IsOnline() {
		return nil, apperrors.New(apperrors.ErrOffline, "image is not cached and the device is offline")
	}

	v, err, _ := p.group.Do("src:"+url, func() (interface{}, error) {
		data, err := p.fetch.FetchImage(ctx, url, size)
		if err != nil {
			return nil, err
		}
		if err := p.disk.put(key, data); err != nil {
			logging.Warn("Failed to persist source image", map[string]interface{}{
				"url": url, "error": err.Error(),
			})
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (p *Pipeline) transform(raw []byte, preset Preset) ([]byte, error) {
	img, _, err := decode(raw)
	if err != nil {
		return nil, err
	}
	data, _, err := render(img, preset)
	return data, err
}

func newImage(key string, data []byte, q models.ImageQuality, st Stage) *Image {
	img := &Image{Key: key, Data: data, Quality: q, Stage: st}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		img.Width, img.Height = cfg.Width, cfg.Height
	}
	return img
}

func withTier(img *Image, tier string) *Image {
	out := *img
	out.Tier = tier
	return &out
}

func (p *Pipeline) bandwidth() network.BandwidthClass {
	if p.net == nil {
		return network.BandwidthFast
	}
	return p.net.BandwidthClass()
}

// Prefetch warms the caches for srcs at quality q and returns how many
// images are ready. Individual failures are logged and skipped. Nothing is
// fetched while the resource strategy disables prefetching.
func (p *Pipeline) Prefetch(ctx context.Context, srcs []Source, q models.ImageQuality) (int, error) {
	if p.res != nil && !p.res.ShouldPrefetchData() {
		return 0, nil
	}
	ctx, span := telemetry.StartSpan(ctx, "media.prefetch")

	limit := prefetchConcurrency(p.bandwidth())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var ready atomic.Int64
	for _, src := range srcs {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if _, err := p.Get(gctx, src, q); err != nil {
				logging.Warn("Prefetch skipped image", map[string]interface{}{
					"url": src.URL, "error": err.Error(),
				})
				return nil
			}
			ready.Add(1)
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		err = apperrors.Wrap(apperrors.ErrCancelled, "prefetch cancelled", err)
	}
	telemetry.EndSpan(span, err)

	logging.Debug("Prefetch finished", map[string]interface{}{
		"requested": len(srcs), "ready": ready.Load(), "concurrency": limit,
	})
	return int(ready.Load()), err
}

// Sweep removes disk entries older than the maximum age.
func (p *Pipeline) Sweep(ctx context.Context) (int, error) {
	removed, freed, err := p.disk.sweep(p.MaxAge())
	if err != nil {
		return removed, apperrors.Wrap(apperrors.ErrStorage, "failed to sweep image cache", err)
	}
	if removed > 0 {
		logging.Info("Swept expired images", map[string]interface{}{
			"removed": removed, "freed_bytes": freed,
		})
	}
	return removed, nil
}

// Cleanup releases cache space under memory pressure. LIGHT halves the
// memory cache, MODERATE empties it and sweeps expired files, AGGRESSIVE
// also empties the disk cache.
func (p *Pipeline) Cleanup(ctx context.Context, level resource.CleanupLevel) error {
	switch level {
	case resource.CleanupLight:
		p.mem.trim(p.mem.max / 2)
		return nil
	case resource.CleanupModerate:
		p.mem.trim(0)
		_, err := p.Sweep(ctx)
		return err
	case resource.CleanupAggressive:
		p.mem.trim(0)
		if err := p.disk.clear(); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to clear image cache", err)
		}
		return nil
	default:
		return apperrors.New(apperrors.ErrInvalid, "unknown cleanup level "+string(level))
	}
}

// Clear empties both caches.
func (p *Pipeline) Clear() error {
	return p.Cleanup(context.Background(), resource.CleanupAggressive)
}

// Stats reports cache occupancy.
func (p *Pipeline) Stats() (Stats, error) {
	n, size, err := p.disk.usage()
	if err != nil {
		return Stats{}, apperrors.Wrap(apperrors.ErrStorage, "failed to measure image cache", err)
	}
	return Stats{MemoryEntries: p.mem.len(), DiskEntries: n, DiskBytes: size}, nil
}
