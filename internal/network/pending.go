package network

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/kimhsiao/medportal/core/internal/kv"
	"github.com/kimhsiao/medportal/core/internal/models"
)

const pendingPrefix = "netq/"

// pendingRequest is a mutating request held while offline.
type pendingRequest struct {
	ID           string            `json:"id"`
	Method       string            `json:"method"`
	Path         string            `json:"path"`
	Body         []byte            `json:"body,omitempty"`
	Header       map[string]string `json:"header,omitempty"`
	RequiresAuth bool              `json:"requiresAuth"`
	Priority     models.Priority   `json:"priority"`
	MaxRetries   int               `json:"maxRetries"`
	Attempts     int               `json:"attempts"`
	LastError    string            `json:"lastError,omitempty"`
	EnqueuedAt   int64             `json:"enqueuedAt"`
}

type pendingEntry struct {
	key string
	req *pendingRequest
}

// pendingQueue persists offline requests in the kv store. Keys sort by
// priority band then by sequence, so a prefix scan yields drain order.
type pendingQueue struct {
	store *kv.Store
	mu    sync.Mutex
	seq   uint64
}

func newPendingQueue(store *kv.Store) (*pendingQueue, error) {
	q := &pendingQueue{store: store}
	err := store.Scan(pendingPrefix, func(key string, _ []byte) error {
		if seq, ok := parseSeq(key); ok && seq > q.seq {
			q.seq = seq
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load pending requests: %w", err)
	}
	return q, nil
}

func pendingKey(p models.Priority, seq uint64) string {
	return fmt.Sprintf("%s%d/%016x", pendingPrefix, 2-p.Rank(), seq)
}

func parseSeq(key string) (uint64, bool) {
	i := strings.LastIndexByte(key, '/')
	if i < 0 {
		return 0, false
	}
	seq, err := strconv.ParseUint(key[i+1:], 16, 64)
	return seq, err == nil
}

func (q *pendingQueue) push(r *pendingRequest) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	key := pendingKey(r.Priority, q.seq)
	if err := q.store.PutJSON(key, r); err != nil {
		q.seq--
		return "", fmt.Errorf("failed to persist pending request: %w", err)
	}
	return key, nil
}

func (q *pendingQueue) list() ([]pendingEntry, error) {
	var out []pendingEntry
	err := q.store.Scan(pendingPrefix, func(key string, value []byte) error {
		var r pendingRequest
		if err := json.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("corrupt pending request %s: %w", key, err)
		}
		out = append(out, pendingEntry{key: key, req: &r})
		return nil
	})
	return out, err
}

func (q *pendingQueue) update(e pendingEntry) error {
	return q.store.PutJSON(e.key, e.req)
}

func (q *pendingQueue) remove(key string) error {
	return q.store.Delete(key)
}

func (q *pendingQueue) len() int {
	n := 0
	_ = q.store.Scan(pendingPrefix, func(string, []byte) error {
		n++
		return nil
	})
	return n
}

func (q *pendingQueue) clear() error {
	return q.store.DropPrefix(pendingPrefix)
}
