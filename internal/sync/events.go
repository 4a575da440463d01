package sync

import (
	"sort"
	"time"

	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/models"
)

// EventType names a sync notification.
type EventType string

const (
	EventStarted          EventType = "sync.started"
	EventCompleted        EventType = "sync.completed"
	EventFailed           EventType = "sync.failed"
	EventConflictDetected EventType = "sync.conflict_detected"
	EventConflictResolved EventType = "sync.conflict_resolved"
)

// Event is published to subscribers as a run progresses.
type Event struct {
	Type     EventType              `json:"type"`
	Trigger  Trigger                `json:"trigger,omitempty"`
	Result   *Result                `json:"result,omitempty"`
	Conflict *models.ConflictRecord `json:"conflict,omitempty"`
	Time     time.Time              `json:"time"`
}

// Subscribe registers fn for sync events. Handlers run synchronously on the
// syncing goroutine and must not block.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.mu.RLock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.listeners[id])
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Warn("Sync event handler panicked", map[string]interface{}{
						"event": string(ev.Type),
						"panic": r,
					})
				}
			}()
			fn(ev)
		}()
	}
}
