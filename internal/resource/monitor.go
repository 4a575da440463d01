package resource

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/metrics"
	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/sync/scheduler"
)

const (
	// MemoryInterval is the memory sampling cadence while foregrounded.
	MemoryInterval = 30 * time.Second
	// BatteryInterval is the battery sampling cadence while foregrounded.
	BatteryInterval = 60 * time.Second
)

// CleanupFunc frees resources at the requested level.
type CleanupFunc func(ctx context.Context, level CleanupLevel) error

// Snapshot is the monitor's full state.
type Snapshot struct {
	Memory     MemoryStats  `json:"memory"`
	Battery    BatteryState `json:"battery"`
	MemoryTier MemoryTier   `json:"memoryTier"`
	PowerTier  PowerTier    `json:"powerTier"`
	Strategy   Strategy     `json:"strategy"`
	Foreground bool         `json:"foreground"`
}

// Options configures a Monitor.
type Options struct {
	Sampler   Sampler
	Scheduler scheduler.Scheduler
	Metrics   *metrics.Metrics
}

type cleanup struct {
	id   int
	name string
	fn   CleanupFunc
}

// Monitor samples memory and battery on a schedule while the app is in the
// foreground and keeps the derived Strategy current.
type Monitor struct {
	sampler Sampler
	sched   scheduler.Scheduler
	metrics *metrics.Metrics

	mu         sync.RWMutex
	memory     MemoryStats
	battery    BatteryState
	memTier    MemoryTier
	powerTier  PowerTier
	strategy   Strategy
	foreground bool
	tasks      []scheduler.TaskID

	cbMu        sync.Mutex
	cleanups    []cleanup
	listeners   map[int]func(Strategy)
	nextID      int
	lastCleanup time.Time
}

// NewMonitor creates a Monitor. Sampling starts with Start.
func NewMonitor(opts Options) *Monitor {
	if opts.Sampler == nil {
		opts.Sampler = RuntimeSampler{}
	}
	m := &Monitor{
		sampler:   opts.Sampler,
		sched:     opts.Scheduler,
		metrics:   opts.Metrics,
		memTier:   MemoryNormal,
		powerTier: PowerNormal,
		battery:   BatteryState{Level: 1, Charging: true},
		listeners: make(map[int]func(Strategy)),
	}
	m.publishFlags(m.strategy)
	return m
}

// Start takes an immediate sample and schedules periodic sampling. The app
// is assumed to be in the foreground.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.foreground = true
	m.mu.Unlock()
	m.sampleAll(ctx)
	m.schedule()
}

// Stop cancels periodic sampling.
func (m *Monitor) Stop() {
	m.unschedule()
}

func (m *Monitor) schedule() {
	if m.sched == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tasks) > 0 {
		return
	}
	m.tasks = []scheduler.TaskID{
		m.sched.Every("resource.memory", MemoryInterval, func(ctx context.Context) { m.SampleMemory(ctx) }),
		m.sched.Every("resource.battery", BatteryInterval, func(ctx context.Context) { m.SampleBattery(ctx) }),
	}
}

func (m *Monitor) unschedule() {
	if m.sched == nil {
		return
	}
	m.mu.Lock()
	tasks := m.tasks
	m.tasks = nil
	m.mu.Unlock()
	for _, id := range tasks {
		m.sched.Cancel(id)
	}
}

// Background suspends sampling and runs one light cleanup pass.
func (m *Monitor) Background(ctx context.Context) []error {
	m.mu.Lock()
	wasForeground := m.foreground
	m.foreground = false
	m.mu.Unlock()
	if !wasForeground {
		return nil
	}
	m.unschedule()
	logging.Info("App backgrounded, resource sampling suspended")
	return m.RunCleanup(ctx, CleanupLight)
}

// Foreground resumes sampling with an immediate sample.
func (m *Monitor) Foreground(ctx context.Context) {
	m.mu.Lock()
	wasForeground := m.foreground
	m.foreground = true
	m.mu.Unlock()
	if wasForeground {
		return
	}
	logging.Info("App foregrounded, resource sampling resumed")
	m.sampleAll(ctx)
	m.schedule()
}

// IsForeground reports whether the app is in the foreground.
func (m *Monitor) IsForeground() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.foreground
}

func (m *Monitor) sampleAll(ctx context.Context) {
	m.SampleMemory(ctx)
	m.SampleBattery(ctx)
}

// SampleMemory reads memory usage and updates the strategy. Critical usage
// triggers an immediate cleanup pass.
func (m *Monitor) SampleMemory(ctx context.Context) {
	stats, err := m.sampler.Memory(ctx)
	if err != nil {
		logging.Warn("Memory sample failed", map[string]interface{}{"error": err.Error()})
		return
	}
	tier := classifyMemory(stats.Ratio())

	m.mu.Lock()
	prev := m.memTier
	m.memory = stats
	m.memTier = tier
	m.mu.Unlock()

	if tier != prev {
		logging.Info("Memory tier changed", map[string]interface{}{
			"from":  string(prev),
			"to":    string(tier),
			"used":  humanize.Bytes(stats.Used),
			"total": humanize.Bytes(stats.Total),
		})
	}
	m.recompute()

	if tier == MemoryCritical {
		level := CleanupModerate
		if stats.Ratio() > memoryAggressiveRatio {
			level = CleanupAggressive
		}
		m.RunCleanup(ctx, level)
	}
}

// SampleBattery reads the battery state and updates the strategy.
func (m *Monitor) SampleBattery(ctx context.Context) {
	state, err := m.sampler.Battery(ctx)
	if err != nil {
		logging.Warn("Battery sample failed", map[string]interface{}{"error": err.Error()})
		return
	}
	tier := classifyBattery(state)

	m.mu.Lock()
	prev := m.powerTier
	m.battery = state
	m.powerTier = tier
	m.mu.Unlock()

	if tier != prev {
		logging.Info("Power tier changed", map[string]interface{}{
			"from":     string(prev),
			"to":       string(tier),
			"level":    fmt.Sprintf("%.0f%%", state.Level*100),
			"charging": state.Charging,
		})
	}
	m.recompute()
}

func (m *Monitor) recompute() {
	m.mu.Lock()
	next := derive(m.memTier, m.powerTier)
	changed := next != m.strategy
	m.strategy = next
	m.mu.Unlock()

	if !changed {
		return
	}
	m.publishFlags(next)

	m.cbMu.Lock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Strategy), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.cbMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Warn("Strategy listener panicked", map[string]interface{}{"panic": r})
				}
			}()
			fn(next)
		}()
	}
}

func (m *Monitor) publishFlags(s Strategy) {
	for flag, on := range s.Flags() {
		m.metrics.SetOptimizationFlag(flag, on)
	}
}

// Subscribe registers fn for strategy changes.
func (m *Monitor) Subscribe(fn func(Strategy)) func() {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	return func() {
		m.cbMu.Lock()
		defer m.cbMu.Unlock()
		delete(m.listeners, id)
	}
}

// =====================================================
// Cleanup Callbacks
// =====================================================

// RegisterCleanup adds a cleanup callback. Callbacks run in registration order.
func (m *Monitor) RegisterCleanup(name string, fn CleanupFunc) func() {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextID++
	id := m.nextID
	m.cleanups = append(m.cleanups, cleanup{id: id, name: name, fn: fn})
	return func() {
		m.cbMu.Lock()
		defer m.cbMu.Unlock()
		for i, c := range m.cleanups {
			if c.id == id {
				m.cleanups = append(m.cleanups[:i], m.cleanups[i+1:]...)
				return
			}
		}
	}
}

// RunCleanup invokes every callback at level. A failing or panicking
// callback does not stop the others; their errors are returned.
func (m *Monitor) RunCleanup(ctx context.Context, level CleanupLevel) []error {
	m.cbMu.Lock()
	cbs := append([]cleanup(nil), m.cleanups...)
	m.lastCleanup = time.Now()
	m.cbMu.Unlock()

	var errs []error
	for _, c := range cbs {
		if err := runCleanup(ctx, c, level); err != nil {
			logging.Warn("Cleanup callback failed", map[string]interface{}{
				"callback": c.name,
				"level":    string(level),
				"error":    err.Error(),
			})
			errs = append(errs, err)
		}
	}
	logging.Info("Cleanup pass finished", map[string]interface{}{
		"level":     string(level),
		"callbacks": len(cbs),
		"failures":  len(errs),
	})
	return errs
}

func runCleanup(ctx context.Context, c cleanup, level CleanupLevel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup %s panicked: %v", c.name, r)
		}
	}()
	return c.fn(ctx, level)
}

// LastCleanup returns when the last cleanup pass started.
func (m *Monitor) LastCleanup() time.Time {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	return m.lastCleanup
}

// =====================================================
// Accessors
// =====================================================

// Strategy returns the current optimization strategy.
func (m *Monitor) Strategy() Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategy
}

// Snapshot returns the full monitor state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Memory:     m.memory,
		Battery:    m.battery,
		MemoryTier: m.memTier,
		PowerTier:  m.powerTier,
		Strategy:   m.strategy,
		Foreground: m.foreground,
	}
}

// MemoryTier returns the current memory tier.
func (m *Monitor) MemoryTier() MemoryTier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.memTier
}

// PowerTier returns the current power tier.
func (m *Monitor) PowerTier() PowerTier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.powerTier
}

// RecommendedImageQuality returns LOW under low-quality mode, MEDIUM while
// saving power, HIGH otherwise.
func (m *Monitor) RecommendedImageQuality() models.ImageQuality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return recommendedQuality(m.strategy, m.powerTier)
}

// ShouldEnableAnimation reports whether animations are allowed.
func (m *Monitor) ShouldEnableAnimation() bool {
	return !m.Strategy().ReduceAnimations
}

// ShouldPrefetchData reports whether optional prefetching is allowed.
func (m *Monitor) ShouldPrefetchData() bool {
	s := m.Strategy()
	return !s.LimitBackgroundSync && !s.ReducedNetworkCalls
}

// NetworkBatchSize returns how many network operations to batch: 1 under
// reduced network calls, 3 while saving power, 10 otherwise.
func (m *Monitor) NetworkBatchSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return batchSize(m.strategy, m.powerTier)
}
