// Package sync orchestrates synchronization between the local store and the
// backend: pulling stale entities, draining queued mutations and settling
// conflicts the server reports.
package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/metrics"
	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/network"
	"github.com/kimhsiao/medportal/core/internal/offline"
	"github.com/kimhsiao/medportal/core/internal/resource"
	"github.com/kimhsiao/medportal/core/internal/sync/conflict"
	"github.com/kimhsiao/medportal/core/internal/sync/queue"
	"github.com/kimhsiao/medportal/core/internal/sync/scheduler"
	"github.com/kimhsiao/medportal/core/internal/telemetry"
)

const (
	// DefaultInterval is the periodic sync cadence.
	DefaultInterval = 15 * time.Minute
	// HistorySize is the number of runs kept in the sync history.
	HistorySize = 50
	// StorageHeadroom is the storage usage ratio at or above which syncs are skipped.
	StorageHeadroom = 0.9
	// DefaultBatchPause separates consecutive batches of queued pushes.
	DefaultBatchPause = 500 * time.Millisecond

	intervalTask = "sync.interval"
)

// Trigger is what started a sync run.
type Trigger string

const (
	TriggerInterval  Trigger = "interval"
	TriggerReconnect Trigger = "reconnect"
	TriggerManual    Trigger = "manual"
)

// Background reports whether the trigger is automatic.
func (t Trigger) Background() bool {
	return t != TriggerManual
}

// Backend is the remote API the engine pulls from and pushes to.
type Backend interface {
	ListPatientStudies(ctx context.Context, patientID string) ([]models.Study, error)
	GetStudy(ctx context.Context, studyID string) (*models.Study, error)
	GetReport(ctx context.Context, studyID string) (*models.Report, error)
	PushMutation(ctx context.Context, m *models.Mutation, overwrite bool) error
}

// Result is the outcome of one sync run.
type Result struct {
	ID               string        `json:"id"`
	Trigger          Trigger       `json:"trigger"`
	Success          bool          `json:"success"`
	ItemsSynced      int           `json:"itemsSynced"`
	Errors           []string      `json:"errors,omitempty"`
	Conflicts        int           `json:"conflicts"`
	BytesTransferred int64         `json:"bytesTransferred"`
	StartedAt        time.Time     `json:"startedAt"`
	Elapsed          time.Duration `json:"elapsed"`
}

func (r *Result) addError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Options configures an Engine.
type Options struct {
	Store   *offline.Store
	Backend Backend
	Network *network.Monitor
	// Resource gates optional work; nil allows everything.
	Resource *resource.Monitor
	// Scheduler runs the periodic sync; nil disables it.
	Scheduler scheduler.Scheduler
	Metrics   *metrics.Metrics

	Interval time.Duration
	WifiOnly bool
	Policy   models.ConflictPolicy
	// Patients lists the patients whose studies are pulled, in addition to
	// those tracked with Track and those already cached.
	Patients func() []string
	Now      func() time.Time
	// BatchPause is waited after every NetworkBatchSize pushes.
	BatchPause time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
}

// Engine runs sync passes. At most one pass runs at a time.
type Engine struct {
	store    *offline.Store
	backend  Backend
	net      *network.Monitor
	res      *resource.Monitor
	sched    scheduler.Scheduler
	metrics  *metrics.Metrics
	queue    *queue.SyncQueue
	patients func() []string
	now      func() time.Time
	pause    time.Duration
	sleep    func(ctx context.Context, d time.Duration) error

	running atomic.Bool
	// work serializes runs with explicit conflict resolution.
	work sync.Mutex

	mu          sync.RWMutex
	interval    time.Duration
	wifiOnly    bool
	resolver    *conflict.Resolver
	tracked     map[string]bool
	history     []Result
	task        scheduler.TaskID
	scheduled   bool
	background  bool
	listeners   map[int]func(Event)
	nextID      int
	unreconnect func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an Engine. Call Start to enable automatic triggers.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Backend == nil || opts.Network == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "sync engine requires a store, a backend and a network monitor")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BatchPause <= 0 {
		opts.BatchPause = DefaultBatchPause
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:     opts.Store,
		backend:   opts.Backend,
		net:       opts.Network,
		res:       opts.Resource,
		sched:     opts.Scheduler,
		metrics:   opts.Metrics,
		queue:     queue.NewSyncQueue(opts.Store),
		patients:  opts.Patients,
		now:       opts.Now,
		pause:     opts.BatchPause,
		sleep:     opts.Sleep,
		interval:  opts.Interval,
		wifiOnly:  opts.WifiOnly,
		resolver:  conflict.NewResolver(opts.Policy),
		tracked:   make(map[string]bool),
		listeners: make(map[int]func(Event)),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start schedules periodic syncs and syncs on every reconnect.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.unreconnect == nil {
		e.unreconnect = e.net.OnReconnect(func() { e.runAsync(TriggerReconnect) })
	}
	e.mu.Unlock()
	e.schedule()
	logging.Info("Sync engine started", map[string]interface{}{
		"interval":  e.Interval().String(),
		"wifi_only": e.WifiOnly(),
	})
}

// Stop cancels automatic triggers and waits for a triggered run to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.unreconnect != nil {
		e.unreconnect()
		e.unreconnect = nil
	}
	e.mu.Unlock()
	e.unschedule()
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) schedule() {
	if e.sched == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scheduled || e.background {
		return
	}
	e.task = e.sched.Every(intervalTask, e.interval, func(ctx context.Context) {
		e.Sync(ctx, TriggerInterval)
	})
	e.scheduled = true
}

func (e *Engine) unschedule() {
	if e.sched == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.scheduled {
		return
	}
	e.sched.Cancel(e.task)
	e.scheduled = false
}

func (e *Engine) runAsync(trigger Trigger) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Sync(e.ctx, trigger)
	}()
}

// Background pauses automatic syncs until Foreground.
func (e *Engine) Background() {
	e.unschedule()
	e.mu.Lock()
	e.background = true
	e.mu.Unlock()
}

// Foreground resumes automatic syncs.
func (e *Engine) Foreground() {
	e.mu.Lock()
	e.background = false
	e.mu.Unlock()
	e.schedule()
}

// =====================================================
// Settings
// =====================================================

// Interval returns the periodic sync cadence.
func (e *Engine) Interval() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.interval
}

// SetInterval changes the periodic cadence, rescheduling if running.
func (e *Engine) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	changed := e.interval != d
	e.interval = d
	wasScheduled := e.scheduled
	e.mu.Unlock()
	if changed && wasScheduled {
		e.unschedule()
		e.schedule()
	}
}

// WifiOnly reports whether syncs require wifi.
func (e *Engine) WifiOnly() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.wifiOnly
}

// SetWifiOnly sets whether syncs require wifi.
func (e *Engine) SetWifiOnly(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wifiOnly = on
}

// Policy returns the default conflict policy.
func (e *Engine) Policy() models.ConflictPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.resolver.Policy()
}

// SetPolicy changes the default conflict policy.
func (e *Engine) SetPolicy(p models.ConflictPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolver = conflict.NewResolver(p)
}

func (e *Engine) currentResolver() *conflict.Resolver {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.resolver
}

// Track adds a patient whose studies are pulled on every run.
func (e *Engine) Track(patientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracked[patientID] = true
}

// patientIDs returns tracked, configured and cached patients, sorted.
func (e *Engine) patientIDs(ctx context.Context) []string {
	set := make(map[string]bool)
	e.mu.RLock()
	for id := range e.tracked {
		set[id] = true
	}
	e.mu.RUnlock()
	if e.patients != nil {
		for _, id := range e.patients() {
			set[id] = true
		}
	}
	if cached, err := e.store.ListStudies(ctx); err == nil {
		for _, st := range cached {
			set[st.PatientID] = true
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		if id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// =====================================================
// Runs
// =====================================================

// IsSyncInProgress reports whether a run is active.
func (e *Engine) IsSyncInProgress() bool {
	return e.running.Load()
}

// TriggerManualSync runs a sync now. It fails if a run is already active
// or the sync conditions are not met.
func (e *Engine) TriggerManualSync(ctx context.Context) (*Result, error) {
	return e.Sync(ctx, TriggerManual)
}

// Sync runs one pass. A background trigger while a run is active, or
// while conditions are unmet, returns nil without running. A manual trigger
// reports both cases as errors.
func (e *Engine) Sync(ctx context.Context, trigger Trigger) (*Result, error) {
	if trigger.Background() && e.isBackgrounded() {
		return nil, nil
	}
	if !e.running.CompareAndSwap(false, true) {
		if trigger.Background() {
			logging.Debug("Sync already running, trigger ignored", map[string]interface{}{"trigger": string(trigger)})
			return nil, nil
		}
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "a sync is already in progress")
	}
	defer e.running.Store(false)

	if err := e.checkConditions(ctx); err != nil {
		if trigger.Background() {
			logging.Debug("Sync skipped", map[string]interface{}{
				"trigger": string(trigger),
				"reason":  err.Error(),
			})
			return nil, nil
		}
		return nil, err
	}

	e.work.Lock()
	defer e.work.Unlock()
	return e.run(ctx, trigger), nil
}

func (e *Engine) isBackgrounded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.background
}

// checkConditions requires connectivity, wifi when configured, and storage headroom.
func (e *Engine) checkConditions(ctx context.Context) error {
	if !e.net.IsOnline() {
		return apperrors.New(apperrors.ErrSyncConditions, "device is offline")
	}
	if e.WifiOnly() {
		if t := e.net.ConnectionType(); t != network.ConnectionWifi && t != network.ConnectionEthernet {
			return apperrors.New(apperrors.ErrSyncConditions, "wifi-only sync is enabled and the device is on "+string(t))
		}
	}
	caps, err := e.store.GetCapabilities(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncConditions, "failed to read storage usage", err)
	}
	if caps.UsageRatio() >= StorageHeadroom {
		return apperrors.New(apperrors.ErrSyncConditions, fmt.Sprintf(
			"local storage is %.0f%% full", caps.UsageRatio()*100))
	}
	return nil
}

func (e *Engine) run(ctx context.Context, trigger Trigger) *Result {
	ctx, span := telemetry.StartSpan(ctx, "sync.run", attribute.String("trigger", string(trigger)))
	start := e.now()
	result := &Result{ID: uuid.New().String(), Trigger: trigger, StartedAt: start}
	e.emit(Event{Type: EventStarted, Trigger: trigger})

	logging.Info("Sync started", map[string]interface{}{
		"sync_id": result.ID,
		"trigger": string(trigger),
	})

	pass := newPass(e, result)
	pullAllowed := !(trigger.Background() && e.limitBackground())
	if pullAllowed {
		pass.plan(ctx)
	}
	for _, stage := range stages {
		if ctx.Err() != nil {
			result.addError("sync cancelled: %v", ctx.Err())
			break
		}
		if !e.net.IsOnline() {
			result.addError("connection lost during sync")
			break
		}
		if pullAllowed {
			pass.pull(ctx, stage)
		}
		pass.drain(ctx, stage)
	}
	pass.resolveConflicts(ctx)

	result.Elapsed = e.now().Sub(start)
	result.Success = len(result.Errors) == 0
	if result.Success {
		if err := e.store.MarkSynced(ctx, e.now()); err != nil {
			result.addError("%v", err)
			result.Success = false
		}
	}
	e.record(*result)
	e.publishMetrics(ctx, result)

	var runErr error
	if !result.Success {
		runErr = apperrors.New(apperrors.ErrSyncFailed, fmt.Sprintf("%d sync errors", len(result.Errors)))
	}
	telemetry.EndSpan(span, runErr)

	fields := map[string]interface{}{
		"sync_id":   result.ID,
		"trigger":   string(trigger),
		"items":     result.ItemsSynced,
		"errors":    len(result.Errors),
		"conflicts": result.Conflicts,
		"bytes":     humanize.Bytes(uint64(result.BytesTransferred)),
		"elapsed":   result.Elapsed.String(),
	}
	if result.Success {
		logging.Info("Sync completed", fields)
		e.emit(Event{Type: EventCompleted, Trigger: trigger, Result: result})
	} else {
		logging.Warn("Sync finished with errors", fields)
		e.emit(Event{Type: EventFailed, Trigger: trigger, Result: result})
	}
	return result
}

func (e *Engine) limitBackground() bool {
	return e.res != nil && e.res.Strategy().LimitBackgroundSync
}

func (e *Engine) publishMetrics(ctx context.Context, r *Result) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveSync(string(r.Trigger), r.Success, r.ItemsSynced, r.Elapsed)
	if stats, err := e.queue.GetStats(ctx); err == nil {
		for _, status := range []models.QueueStatus{models.QueueStatusPending, models.QueueStatusFailed} {
			e.metrics.SetQueueDepth(string(status), stats[string(status)])
		}
	}
	if size, err := e.store.GetCacheSize(ctx); err == nil {
		e.metrics.SetCacheBytes(size)
	}
}

// =====================================================
// History
// =====================================================

func (e *Engine) record(r Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, r)
	if len(e.history) > HistorySize {
		e.history = append([]Result(nil), e.history[len(e.history)-HistorySize:]...)
	}
}

// GetSyncHistory returns past runs, most recent first.
func (e *Engine) GetSyncHistory() []Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Result, len(e.history))
	for i, r := range e.history {
		out[len(e.history)-1-i] = r
	}
	return out
}

// LastResult returns the most recent run, or nil.
func (e *Engine) LastResult() *Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.history) == 0 {
		return nil
	}
	r := e.history[len(e.history)-1]
	return &r
}

// =====================================================
// Queue
// =====================================================

// Queue returns the mutation queue the engine drains.
func (e *Engine) Queue() *queue.SyncQueue {
	return e.queue
}

// RetryFailed resets FAILED queue items so the next run retries them.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	return e.queue.RetryAll(ctx)
}
