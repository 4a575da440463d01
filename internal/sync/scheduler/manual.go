package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

type manualTask struct {
	id       TaskID
	name     string
	interval time.Duration
	next     time.Duration
	fn       Task
}

// Manual is a Scheduler driven by Advance instead of wall time.
// Tasks run synchronously on the goroutine calling Advance or Fire.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	nextID TaskID
	tasks  map[TaskID]*manualTask
	paused bool
}

// NewManual creates a Manual scheduler at virtual time zero.
func NewManual() *Manual {
	return &Manual{tasks: make(map[TaskID]*manualTask)}
}

// Every registers fn to run each interval of virtual time.
func (m *Manual) Every(name string, interval time.Duration, fn Task) TaskID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	if interval > 0 {
		m.tasks[m.nextID] = &manualTask{
			id: m.nextID, name: name, interval: interval, next: m.now + interval, fn: fn,
		}
	}
	return m.nextID
}

// Cancel removes a task.
func (m *Manual) Cancel(id TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
}

// Pause skips due ticks until Resume.
func (m *Manual) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume re-enables ticks.
func (m *Manual) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

// Paused reports whether ticks are skipped.
func (m *Manual) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Advance moves virtual time forward by d and runs every tick that falls due,
// in time order. It returns the number of task runs.
func (m *Manual) Advance(ctx context.Context, d time.Duration) int {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	runs := 0
	for {
		m.mu.Lock()
		due := m.earliestLocked(target)
		if due == nil {
			m.now = target
			m.mu.Unlock()
			return runs
		}
		m.now = due.next
		due.next += due.interval
		paused := m.paused
		fn := due.fn
		m.mu.Unlock()

		if !paused {
			fn(ctx)
			runs++
		}
	}
}

func (m *Manual) earliestLocked(limit time.Duration) *manualTask {
	var due []*manualTask
	for _, t := range m.tasks {
		if t.next <= limit {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].next != due[j].next {
			return due[i].next < due[j].next
		}
		return due[i].id < due[j].id
	})
	return due[0]
}

// Fire runs every task registered under name once, ignoring pause.
func (m *Manual) Fire(ctx context.Context, name string) int {
	m.mu.Lock()
	var fns []Task
	ids := make([]TaskID, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if t := m.tasks[id]; t.name == name {
			fns = append(fns, t.fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ctx)
	}
	return len(fns)
}

// Interval returns the interval of the first task registered under name.
func (m *Manual) Interval(name string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *manualTask
	for _, t := range m.tasks {
		if t.name == name && (best == nil || t.id < best.id) {
			best = t
		}
	}
	if best == nil {
		return 0, false
	}
	return best.interval, true
}

// Len returns the number of registered tasks.
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

var (
	_ Scheduler = (*Ticker)(nil)
	_ Scheduler = (*Manual)(nil)
)
