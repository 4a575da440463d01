// Package scheduler runs named periodic tasks. Components register their
// cadence (sync passes, sampling, cache sweeps) through the Scheduler
// interface so tests can drive time with Manual instead of wall clocks.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/medportal/core/internal/logging"
)

// TaskID identifies a registered task.
type TaskID uint64

// Task is the work run on every tick.
type Task func(ctx context.Context)

// Scheduler registers and cancels periodic tasks. While paused, ticks are
// skipped rather than queued.
type Scheduler interface {
	Every(name string, interval time.Duration, fn Task) TaskID
	Cancel(id TaskID)
	Pause()
	Resume()
	Paused() bool
}

// Ticker is the wall-clock Scheduler. Each task runs on its own goroutine;
// a slow run never overlaps the next tick of the same task.
type Ticker struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	wg      sync.WaitGroup
	nextID  TaskID
	tasks   map[TaskID]chan struct{}
	paused  bool
	stopped bool
}

// NewTicker creates a Ticker whose tasks stop when ctx is cancelled or Stop is called.
func NewTicker(ctx context.Context) *Ticker {
	ctx, cancel := context.WithCancel(ctx)
	return &Ticker{
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[TaskID]chan struct{}),
	}
}

// Every starts fn every interval. The first run happens after one interval.
func (t *Ticker) Every(name string, interval time.Duration, fn Task) TaskID {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	if t.stopped || interval <= 0 {
		return id
	}

	stopCh := make(chan struct{})
	t.tasks[id] = stopCh
	t.wg.Add(1)
	go t.loop(name, interval, fn, stopCh)

	logging.Debug("Scheduled task", map[string]interface{}{
		"task":     name,
		"interval": interval.String(),
	})
	return id
}

func (t *Ticker) loop(name string, interval time.Duration, fn Task, stopCh chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if t.Paused() {
				continue
			}
			t.run(name, fn)
		}
	}
}

// run isolates a panicking task so the loop keeps ticking.
func (t *Ticker) run(name string, fn Task) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Scheduled task panicked", map[string]interface{}{
				"task":  name,
				"panic": r,
			})
		}
	}()
	fn(t.ctx)
}

// Cancel stops a task. Unknown ids are ignored.
func (t *Ticker) Cancel(id TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if stopCh, ok := t.tasks[id]; ok {
		close(stopCh)
		delete(t.tasks, id)
	}
}

// Pause skips ticks until Resume.
func (t *Ticker) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = true
}

// Resume re-enables ticks.
func (t *Ticker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = false
}

// Paused reports whether ticks are being skipped.
func (t *Ticker) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Stop cancels every task and waits for running ones to return.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	for id, stopCh := range t.tasks {
		close(stopCh)
		delete(t.tasks, id)
	}
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
}

// Len returns the number of active tasks.
func (t *Ticker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}
