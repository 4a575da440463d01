// Package conflict resolves mutations the server rejected as stale.
package conflict

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/models"
)

// Action tells the caller what to do with the queued mutation.
type Action string

const (
	// ActionDiscard drops the local mutation; the server copy stands.
	ActionDiscard Action = "discard"
	// ActionOverwrite re-sends Payload, replacing the server copy.
	ActionOverwrite Action = "overwrite"
)

// Resolver settles conflicts with a default policy.
type Resolver struct {
	policy models.ConflictPolicy
}

// NewResolver creates a Resolver. An unknown policy falls back to SERVER_WINS.
func NewResolver(policy models.ConflictPolicy) *Resolver {
	if !policy.Valid() {
		policy = models.PolicyServerWins
	}
	return &Resolver{policy: policy}
}

// Policy returns the default policy.
func (r *Resolver) Policy() models.ConflictPolicy {
	return r.policy
}

// Conflict is a local payload and the server's current entity for one id.
type Conflict struct {
	Kind     models.EntityKind
	EntityID string
	Local    []byte
	Server   []byte
}

// FromRecord builds a Conflict from its persisted form.
func FromRecord(rec *models.ConflictRecord) *Conflict {
	return &Conflict{
		Kind:     rec.EntityKind,
		EntityID: rec.EntityID,
		Local:    []byte(rec.LocalPayload),
		Server:   []byte(rec.ServerPayload),
	}
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Policy  models.ConflictPolicy
	Action  Action
	Payload []byte
	// Winner is "local", "server" or "merged".
	Winner string
}

// Resolve resolves c with the default policy.
func (r *Resolver) Resolve(c *Conflict) (*Resolution, error) {
	return r.ResolveWith(c, r.policy)
}

// ResolveWith resolves c with an explicit policy.
func (r *Resolver) ResolveWith(c *Conflict, policy models.ConflictPolicy) (*Resolution, error) {
	if c == nil || len(c.Local) == 0 || len(c.Server) == 0 {
		return nil, ErrInvalidConflict
	}

	var res *Resolution
	switch policy {
	case models.PolicyServerWins:
		res = &Resolution{Policy: policy, Action: ActionDiscard, Payload: c.Server, Winner: "server"}
	case models.PolicyClientWins:
		res = &Resolution{Policy: policy, Action: ActionOverwrite, Payload: c.Local, Winner: "local"}
	case models.PolicyMerge:
		merged, err := Merge(c.Local, c.Server)
		if err != nil {
			return nil, err
		}
		res = &Resolution{Policy: policy, Action: ActionOverwrite, Payload: merged, Winner: "merged"}
	default:
		return nil, &ConflictError{Message: fmt.Sprintf("unknown conflict policy %q", policy)}
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"kind":      string(c.Kind),
		"entity_id": c.EntityID,
		"policy":    string(policy),
		"winner":    res.Winner,
	})
	return res, nil
}

// Merge combines two JSON objects key by key. A key present on both sides
// takes the value of the side whose "updatedAt" is newer, local on a tie.
// A key present on one side only is kept. Nested values are replaced whole.
func Merge(local, server []byte) ([]byte, error) {
	var l, s map[string]interface{}
	if err := json.Unmarshal(local, &l); err != nil {
		return nil, &ConflictError{Message: "local payload is not an object", Err: err}
	}
	if err := json.Unmarshal(server, &s); err != nil {
		return nil, &ConflictError{Message: "server payload is not an object", Err: err}
	}

	localTime := updatedAt(l)
	serverTime := updatedAt(s)
	serverNewer := serverTime.After(localTime)

	out := make(map[string]interface{}, len(l)+len(s))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range l {
		if _, both := s[k]; both && serverNewer {
			continue
		}
		out[k] = v
	}

	if serverNewer {
		out["updatedAt"] = s["updatedAt"]
	} else if _, has := l["updatedAt"]; has {
		out["updatedAt"] = l["updatedAt"]
	}
	return json.Marshal(out)
}

func updatedAt(m map[string]interface{}) time.Time {
	raw, _ := m["updatedAt"].(string)
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Errors
var ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both payloads must be present"}

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
	Err     error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
