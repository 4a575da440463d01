package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/network"
	"github.com/kimhsiao/medportal/core/internal/sync/conflict"
)

// drain pushes the PENDING items of one priority, oldest first, pausing
// between batches of NetworkBatchSize. Items with an open conflict wait for
// resolution.
func (p *pass) drain(ctx context.Context, stage models.Priority) {
	items, err := p.e.queue.Next(ctx, 0)
	if err != nil {
		p.result.addError("read queue: %v", err)
		return
	}
	open, err := p.openConflicts(ctx)
	if err != nil {
		p.result.addError("read conflicts: %v", err)
		return
	}

	batch := 10
	if p.e.res != nil {
		batch = p.e.res.NetworkBatchSize()
	}
	sent := 0
	for _, item := range items {
		if item.Priority != stage || open[item.ID] {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if sent > 0 && sent%batch == 0 {
			if err := p.e.sleep(ctx, p.e.pause); err != nil {
				return
			}
			if !p.e.net.IsOnline() {
				p.result.addError("connection lost while draining the queue")
				return
			}
		}
		if !p.push(ctx, item) {
			return
		}
		sent++
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *pass) openConflicts(ctx context.Context) (map[string]bool, error) {
	recs, err := p.e.store.Conflicts(ctx, true)
	if err != nil {
		return nil, err
	}
	open := make(map[string]bool, len(recs))
	for _, rec := range recs {
		open[rec.QueueItemID] = true
	}
	return open, nil
}

// push delivers one item and records the outcome. It returns false when the
// drain should stop.
func (p *pass) push(ctx context.Context, item *models.SyncQueueItem) bool {
	q := p.e.queue
	m, err := item.Mutation()
	if err != nil {
		p.result.addError("decode queue item %s: %v", item.ID, err)
		if err := q.Reject(ctx, item.ID, err); err != nil {
			p.result.addError("%v", err)
		}
		return true
	}

	err = p.e.backend.PushMutation(ctx, m, false)
	if err == nil {
		if err := q.Complete(ctx, item.ID); err != nil {
			p.result.addError("%v", err)
			return true
		}
		p.result.ItemsSynced++
		p.result.BytesTransferred += int64(len(item.Payload))
		return true
	}

	if ce, ok := network.AsConflict(err); ok {
		p.recordConflict(ctx, item, ce)
		return true
	}

	switch {
	case apperrors.Is(err, apperrors.ErrOffline) || apperrors.Is(err, apperrors.ErrCancelled):
		p.result.addError("queue item %s not sent: %v", item.ID, err)
		return false
	case IsPermanent(err):
		p.result.addError("queue item %s rejected: %v", item.ID, err)
		if err := q.Reject(ctx, item.ID, err); err != nil {
			p.result.addError("%v", err)
		}
	default:
		p.result.addError("queue item %s failed: %v", item.ID, err)
		if _, err := q.Failed(ctx, item.ID, err); err != nil {
			p.result.addError("%v", err)
		}
	}
	return true
}

// IsPermanent reports errors a retry cannot fix: client errors other than
// auth, throttling and timeouts.
func IsPermanent(err error) bool {
	code := network.StatusCode(err)
	if code == 0 {
		return apperrors.Is(err, apperrors.ErrInvalid) || apperrors.Is(err, apperrors.ErrValidation)
	}
	if code < 400 || code >= 500 || network.IsRetryable(err) {
		return false
	}
	return code != http.StatusUnauthorized && code != http.StatusForbidden
}

func (p *pass) recordConflict(ctx context.Context, item *models.SyncQueueItem, ce *network.ConflictError) {
	server := string(ce.Server)
	if len(ce.Server) == 0 {
		server = "{}"
	}
	rec := &models.ConflictRecord{
		QueueItemID:   item.ID,
		EntityKind:    item.EntityKind,
		EntityID:      item.EntityID,
		LocalPayload:  item.Payload,
		ServerPayload: server,
	}
	if err := p.e.store.AddConflict(ctx, rec); err != nil {
		p.result.addError("record conflict for queue item %s: %v", item.ID, err)
		return
	}
	p.result.Conflicts++
	if p.e.metrics != nil {
		p.e.metrics.IncConflict()
	}
	logging.Info("Conflict detected", map[string]interface{}{
		"item_id":   item.ID,
		"kind":      string(item.EntityKind),
		"entity_id": item.EntityID,
	})
	p.e.emit(Event{Type: EventConflictDetected, Trigger: p.result.Trigger, Conflict: rec})
}

// resolveConflicts applies the default policy to every open conflict.
// Conflicts that cannot be settled stay open for a later run.
func (p *pass) resolveConflicts(ctx context.Context) {
	recs, err := p.e.store.Conflicts(ctx, true)
	if err != nil {
		p.result.addError("read conflicts: %v", err)
		return
	}
	policy := p.e.Policy()
	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		if err := p.e.resolve(ctx, rec, policy); err != nil {
			logging.Warn("Conflict left unresolved", map[string]interface{}{
				"conflict_id": rec.ID,
				"policy":      string(policy),
				"error":       err.Error(),
			})
			continue
		}
		p.result.ItemsSynced++
	}
}

// =====================================================
// Explicit Resolution
// =====================================================

// Conflicts lists conflicts, optionally only unresolved ones.
func (e *Engine) Conflicts(ctx context.Context, unresolvedOnly bool) ([]*models.ConflictRecord, error) {
	return e.store.Conflicts(ctx, unresolvedOnly)
}

// ResolveConflict settles one conflict with an explicit policy. It waits
// for an active run to finish.
func (e *Engine) ResolveConflict(ctx context.Context, id string, policy models.ConflictPolicy) error {
	if !policy.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown conflict policy %q", policy))
	}
	e.work.Lock()
	defer e.work.Unlock()

	rec, err := e.store.Conflict(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("conflict %s not found", id))
	}
	if rec.Resolved {
		return nil
	}
	return e.resolve(ctx, rec, policy)
}

// resolve settles rec with policy. Discarding completes the queue item;
// overwriting re-sends it and completes it once the server accepts.
func (e *Engine) resolve(ctx context.Context, rec *models.ConflictRecord, policy models.ConflictPolicy) error {
	res, err := e.currentResolver().ResolveWith(conflict.FromRecord(rec), policy)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConflictUnresolved, "failed to resolve conflict", err)
	}
	item, err := e.store.QueueItem(ctx, rec.QueueItemID)
	if err != nil {
		return err
	}

	if res.Action == conflict.ActionOverwrite {
		if err := e.overwrite(ctx, rec, item, res.Payload); err != nil {
			return apperrors.Wrap(apperrors.ErrConflictUnresolved, "failed to push resolved mutation", err)
		}
	}
	if item != nil && item.Status != models.QueueStatusCompleted {
		if err := e.queue.Complete(ctx, item.ID); err != nil {
			return err
		}
	}
	if err := e.store.MarkConflictResolved(ctx, rec.ID, policy); err != nil {
		return err
	}
	rec.Resolved = true
	rec.Resolution = policy
	e.emit(Event{Type: EventConflictResolved, Conflict: rec})
	return nil
}

func (e *Engine) overwrite(ctx context.Context, rec *models.ConflictRecord, item *models.SyncQueueItem, payload []byte) error {
	typ := models.MutationUpdate
	priority := models.PriorityMedium
	if item != nil {
		typ = item.MutationType
		priority = item.Priority
	}
	entityID := rec.EntityID
	if entityID == "" {
		entityID = serverID(rec.ServerPayload)
	}
	if entityID == "" {
		return apperrors.New(apperrors.ErrInvalid, "server copy carries no entity id")
	}

	m, err := models.DecodeMutation(rec.EntityKind, typ, entityID, payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to decode resolved payload", err)
	}
	m.Priority = priority
	return e.backend.PushMutation(ctx, m, true)
}

func serverID(payload string) string {
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return ""
	}
	return v.ID
}
