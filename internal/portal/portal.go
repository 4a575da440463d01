// Package portal constructs and owns every offline-sync component and exposes
// the operations the patient portal UI calls.
package portal

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kimhsiao/medportal/core/internal/config"
	"github.com/kimhsiao/medportal/core/internal/db"
	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/kv"
	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/media"
	"github.com/kimhsiao/medportal/core/internal/metrics"
	"github.com/kimhsiao/medportal/core/internal/network"
	"github.com/kimhsiao/medportal/core/internal/offline"
	"github.com/kimhsiao/medportal/core/internal/resource"
	syncengine "github.com/kimhsiao/medportal/core/internal/sync"
	"github.com/kimhsiao/medportal/core/internal/sync/scheduler"
	"github.com/kimhsiao/medportal/core/internal/telemetry"
)

const (
	expireTask     = "cache.expire"
	expireInterval = 24 * time.Hour
)

// Options configures a Portal. Only Config is required.
type Options struct {
	Config *config.Config
	// Settings defaults to the file at Config.SettingsPath().
	Settings *config.SettingsStore
	Token    network.TokenSource

	HTTPClient *http.Client
	Sampler    resource.Sampler
	// Scheduler defaults to a ticker owned by the Portal.
	Scheduler  scheduler.Scheduler
	Registerer prometheus.Registerer
	// Network is the initial connectivity; platform code updates it through
	// Network().Update.
	Network network.State
	// InMemory keeps the database and request queue in memory.
	InMemory bool
	// Sleep replaces the retry wait of the network client.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Portal is the explicit registry of services. Every component is built
// once in New and released in Close.
type Portal struct {
	cfg      *config.Config
	settings *config.SettingsStore
	db       *db.DB
	kv       *kv.Store
	net      *network.Monitor
	client   *network.Client
	api      *network.API
	res      *resource.Monitor
	store    *offline.Store
	media    *media.Pipeline
	engine   *syncengine.Engine
	metrics  *metrics.Metrics
	sched    scheduler.Scheduler
	ticker   *scheduler.Ticker

	mu        sync.Mutex
	started   bool
	expireID  scheduler.TaskID
	unsubs    []func()
	cancel    context.CancelFunc
	watchDone chan struct{}
}

// New builds every component and wires their subscriptions. Nothing runs
// until Start.
func New(opts Options) (p *Portal, err error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "portal requires a config")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to create data directory", err)
	}

	p = &Portal{cfg: cfg, settings: opts.Settings}
	defer func() {
		if err != nil {
			p.release()
		}
	}()

	if p.settings == nil {
		if p.settings, err = config.OpenSettings(cfg.SettingsPath(), config.DefaultSettings()); err != nil {
			return nil, err
		}
	}
	settings := p.settings.Get()

	p.sched = opts.Scheduler
	if p.sched == nil {
		p.ticker = scheduler.NewTicker(context.Background())
		p.sched = p.ticker
	}
	p.metrics = metrics.New(opts.Registerer)
	if cfg.Telemetry {
		telemetry.EnableTelemetry()
	}

	dbPath, kvCfg := cfg.DBPath(), kv.Config{Path: cfg.QueueDir()}
	if opts.InMemory {
		dbPath, kvCfg = ":memory:", kv.Config{InMemory: true}
	}
	if p.db, err = db.OpenMigrated(dbPath); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to open database", err)
	}
	if p.kv, err = kv.Open(kvCfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to open request queue", err)
	}

	initial := opts.Network
	if initial.Type == "" {
		initial = network.State{Type: network.ConnectionWifi, Online: true}
	}
	p.net = network.NewMonitor(initial)

	p.client, err = network.NewClient(network.Options{
		BaseURL:    cfg.APIBaseURL,
		HTTPClient: opts.HTTPClient,
		Monitor:    p.net,
		Token:      opts.Token,
		Queue:      p.kv,
		Timeout:    time.Duration(cfg.RequestTimeout) * time.Second,
		MaxRetries: cfg.MaxRetries,
		Metrics:    p.metrics,
		Now:        opts.Now,
		Sleep:      opts.Sleep,
	})
	if err != nil {
		return nil, err
	}
	p.api = network.NewAPI(p.client)

	p.res = resource.NewMonitor(resource.Options{
		Sampler:   opts.Sampler,
		Scheduler: p.sched,
		Metrics:   p.metrics,
	})

	p.media, err = media.New(media.Options{
		Fetcher:   p.api,
		CacheDir:  cfg.ImageCacheDir(),
		Network:   p.net,
		Resource:  p.res,
		Scheduler: p.sched,
		Metrics:   p.metrics,
		MaxAge:    settings.MaxCacheAge(),
		Now:       opts.Now,
	})
	if err != nil {
		return nil, err
	}

	p.store, err = offline.New(p.db, offline.Options{
		CacheDir:      cfg.CacheDir(),
		MaxCacheBytes: settings.MaxCacheBytes,
		Images:        p.media,
		Now:           opts.Now,
	})
	if err != nil {
		return nil, err
	}

	patients := append([]string(nil), cfg.Patients...)
	p.engine, err = syncengine.NewEngine(syncengine.Options{
		Store:     p.store,
		Backend:   p.api,
		Network:   p.net,
		Resource:  p.res,
		Scheduler: p.sched,
		Metrics:   p.metrics,
		Interval:  settings.SyncInterval(),
		WifiOnly:  settings.WifiOnly,
		Policy:    settings.ConflictPolicy,
		Patients:  func() []string { return patients },
		Now:       opts.Now,
	})
	if err != nil {
		return nil, err
	}

	p.applySettings(settings)
	p.unsubs = append(p.unsubs,
		p.settings.Subscribe(p.applySettings),
		p.res.Subscribe(func(resource.Strategy) { p.applyLowData() }),
	)
	return p, nil
}

// applySettings pushes settings into the components that consume them.
func (p *Portal) applySettings(s config.Settings) {
	p.engine.SetInterval(s.SyncInterval())
	p.engine.SetWifiOnly(s.WifiOnly)
	p.engine.SetPolicy(s.ConflictPolicy)
	p.store.SetMaxCacheBytes(s.MaxCacheBytes)
	p.media.SetMaxAge(s.MaxCacheAge())
	p.applyLowData()
}

// applyLowData enables low-data mode when the user asks for it or when
// resource pressure calls for fewer network calls.
func (p *Portal) applyLowData() {
	on := p.settings.Get().LowDataMode || p.res.Strategy().ReducedNetworkCalls
	if on != p.client.LowDataMode() {
		p.client.SetLowDataMode(on)
		logging.Info("Low-data mode changed", map[string]interface{}{"enabled": on})
	}
}

// Start begins sampling, scheduled syncs, the cache sweeps and the settings
// file watch.
func (p *Portal) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.res.Start(ctx)
	p.media.Start()
	p.engine.Start()
	p.expireID = p.sched.Every(expireTask, expireInterval, func(ctx context.Context) {
		if err := p.ExpireCache(ctx); err != nil {
			logging.Error("Cache expiry failed", err)
		}
	})

	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.watchDone = make(chan struct{})
	go func() {
		defer close(p.watchDone)
		if err := p.settings.Watch(watchCtx); err != nil {
			logging.Warn("Settings watch stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	logging.Info("Portal started", map[string]interface{}{
		"data_dir": p.cfg.DataDir,
		"backend":  p.cfg.APIBaseURL,
	})
}

// Close stops every component and releases storage.
func (p *Portal) Close() error {
	p.mu.Lock()
	if p.started {
		p.sched.Cancel(p.expireID)
		p.cancel()
		<-p.watchDone
		p.started = false
	}
	p.mu.Unlock()
	return p.release()
}

func (p *Portal) release() error {
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
	if p.engine != nil {
		p.engine.Stop()
	}
	if p.media != nil {
		p.media.Stop()
	}
	if p.res != nil {
		p.res.Stop()
	}
	if p.ticker != nil {
		p.ticker.Stop()
	}

	var firstErr error
	if p.client != nil {
		if err := p.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.kv != nil {
		if err := p.kv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Component accessors.

func (p *Portal) Config() *config.Config { return p.cfg }
func (p *Portal) Settings() *config.SettingsStore { return p.settings }
func (p *Portal) Network() *network.Monitor { return p.net }
func (p *Portal) Client() *network.Client { return p.client }
func (p *Portal) Resource() *resource.Monitor { return p.res }
func (p *Portal) Store() *offline.Store { return p.store }
func (p *Portal) Media() *media.Pipeline { return p.media }
func (p *Portal) Engine() *syncengine.Engine { return p.engine }
func (p *Portal) Scheduler() scheduler.Scheduler { return p.sched }
func (p *Portal) Metrics() *metrics.Metrics { return p.metrics }

// Subscribe registers fn for sync events.
func (p *Portal) Subscribe(fn func(syncengine.Event)) func() {
	return p.engine.Subscribe(fn)
}

// Foreground resumes scheduled work, sampling and automatic syncs.
func (p *Portal) Foreground(ctx context.Context) {
	p.sched.Resume()
	p.res.Foreground(ctx)
	p.engine.Foreground()
}

// Background suspends sampling and automatic syncs, runs a light cleanup
// and then pauses every scheduled task, cache sweeps and expiry included,
// until Foreground.
func (p *Portal) Background(ctx context.Context) []error {
	p.engine.Background()
	errs := p.res.Background(ctx)
	p.sched.Pause()
	return errs
}

// ExpireCache drops studies cached longer than the configured maximum age
// and completed queue items older than the same age.
func (p *Portal) ExpireCache(ctx context.Context) error {
	s := p.settings.Get()
	if res := p.store.ClearCache(ctx, offline.ClearOptions{KeepRecent: true, DaysToKeep: s.MaxCacheAgeDays}); !res.Success {
		return res.Err
	}
	n, err := p.store.PurgeCompleted(ctx, s.MaxCacheAge())
	if err != nil {
		return err
	}
	if n > 0 {
		logging.Info("Purged completed queue items", map[string]interface{}{"count": n})
	}
	return nil
}
