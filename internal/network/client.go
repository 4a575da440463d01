package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/kv"
	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/metrics"
	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/telemetry"
)

const (
	// DefaultTimeout bounds one request attempt.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3
	// DefaultDrainSpacing separates replayed offline requests.
	DefaultDrainSpacing = 100 * time.Millisecond

	// LowDataDownloadLimit is the largest download allowed in low-data mode.
	LowDataDownloadLimit = 5 * 1024 * 1024
	// CellularDownloadLimit is the largest download allowed on cellular.
	CellularDownloadLimit = 50 * 1024 * 1024
)

// TokenSource returns the bearer token for authenticated requests.
type TokenSource func(ctx context.Context) (string, error)

// Request describes one API call.
type Request struct {
	// ID is the cancel handle. Assigned when empty.
	ID     string
	Method string
	// Path is resolved against the client's base URL unless absolute.
	Path         string
	Body         []byte
	Header       map[string]string
	RequiresAuth bool
	Priority     models.Priority
	// Timeout overrides the per-attempt timeout.
	Timeout time.Duration
	// MaxRetries overrides the retry count; negative disables retries.
	MaxRetries int
	// CacheTTL applies to GET responses; zero uses DefaultCacheTTL.
	CacheTTL time.Duration
	// NoCache bypasses the response cache.
	NoCache bool
	// NoQueue makes mutating requests fail instead of queueing offline.
	NoQueue bool
	// ExpectedSize is the estimated download size, when known.
	ExpectedSize int64
}

// Response is the result of Do.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
	// Queued is set when the request was stored for later delivery.
	Queued   bool
	QueueID  string
	Attempts int
}

// JSON decodes the response body into v.
func (r *Response) JSON(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "failed to decode response body", err)
	}
	return nil
}

type outcome struct {
	resp *Response
	err  error
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Monitor    *Monitor
	Token      TokenSource
	// Queue persists offline requests. An in-memory store is used when nil.
	Queue        *kv.Store
	Timeout      time.Duration
	MaxRetries   int
	Backoff      *Backoff
	DrainSpacing time.Duration
	CacheEntries int
	Metrics      *metrics.Metrics
	Now          func() time.Time
	// Sleep waits between retries. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client is the adaptive HTTP client: response caching, retry with
// backoff, offline queueing and low-data handling.
type Client struct {
	baseURL    string
	http       *http.Client
	monitor    *Monitor
	token      TokenSource
	timeout    time.Duration
	maxRetries int
	backoff    Backoff
	spacing    time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	cache   *responseCache
	pending *pendingQueue
	ownsKV  *kv.Store

	lowData atomic.Bool

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	waiters  map[string]chan outcome

	draining    atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

// NewClient creates a Client. Queued requests are replayed whenever the
// monitor reports a reconnect.
func NewClient(opts Options) (*Client, error) {
	if opts.Monitor == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "network monitor is required")
	}
	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		http:       opts.HTTPClient,
		monitor:    opts.Monitor,
		token:      opts.Token,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		spacing:    opts.DrainSpacing,
		metrics:    opts.Metrics,
		now:        opts.Now,
		sleep:      opts.Sleep,
		inflight:   make(map[string]context.CancelFunc),
		waiters:    make(map[string]chan outcome),
	}
	if c.http == nil {
		c.http = newHTTPClient()
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxRetries == 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.spacing <= 0 {
		c.spacing = DefaultDrainSpacing
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	c.backoff = DefaultBackoff()
	if opts.Backoff != nil {
		c.backoff = *opts.Backoff
	}
	c.cache = newResponseCache(opts.CacheEntries, c.now)

	store := opts.Queue
	if store == nil {
		s, err := kv.OpenInMemory()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to open request queue", err)
		}
		store, c.ownsKV = s, s
	}
	pending, err := newPendingQueue(store)
	if err != nil {
		c.closeKV()
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to open request queue", err)
	}
	c.pending = pending

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.unsubscribe = c.monitor.OnReconnect(func() { c.drainAfter(0) })
	return c, nil
}

// drainAfter drains the request queue in the background once wait has
// passed, provided the device is online by then.
func (c *Client) drainAfter(wait time.Duration) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if wait > 0 {
			if err := c.sleep(c.ctx, wait); err != nil {
				return
			}
		}
		if !c.monitor.IsOnline() {
			return
		}
		if _, err := c.Drain(c.ctx); err != nil {
			logging.Warn("Request queue drain stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// newHTTPClient builds a transport that negotiates HTTP/2 over TLS and falls
// back to HTTP/1.1.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logging.Warn("HTTP/2 unavailable, using HTTP/1.1", map[string]interface{}{"error": err.Error()})
	}
	return &http.Client{Transport: transport}
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

// Close cancels outstanding work and stops reacting to reconnects.
func (c *Client) Close() error {
	c.unsubscribe()
	c.cancel()
	c.CancelAll()
	c.wg.Wait()
	return c.closeKV()
}

func (c *Client) closeKV() error {
	if c.ownsKV != nil {
		return c.ownsKV.Close()
	}
	return nil
}

// SetLowDataMode toggles low-data hints and the 5MB download limit.
func (c *Client) SetLowDataMode(on bool) {
	c.lowData.Store(on)
}

// LowDataMode reports whether low-data mode is on.
func (c *Client) LowDataMode() bool {
	return c.lowData.Load()
}

// Monitor returns the connectivity monitor the client consults.
func (c *Client) Monitor() *Monitor {
	return c.monitor
}

// Do issues req. GET responses are served from the cache when fresh.
// Offline, mutating requests are queued and a Response with Queued set is
// returned; GETs without a cached response fail with ErrNoConnection.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	start := c.now()
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Method = strings.ToUpper(req.Method)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	url := c.resolve(req.Path)
	key := req.Method + " " + url
	cacheable := req.Method == http.MethodGet && !req.NoCache
	mutating := isMutating(req.Method)

	if cacheable {
		if e, ok := c.cache.get(key); ok {
			c.metrics.ObserveRequest(req.Method, metrics.OutcomeCached, c.now().Sub(start))
			return &Response{StatusCode: e.status, Header: e.header.Clone(), Body: e.body, FromCache: true}, nil
		}
	}

	if !c.monitor.IsOnline() {
		if mutating && !req.NoQueue {
			return c.enqueue(req, nil)
		}
		c.metrics.ObserveRequest(req.Method, metrics.OutcomeError, c.now().Sub(start))
		return nil, ErrNoConnection
	}
	if err := c.checkDownload(req.ExpectedSize); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.track(req.ID, cancel)
	defer c.untrack(req.ID)

	ctx, span := telemetry.StartSpan(ctx, "network.request",
		attribute.String("http.method", req.Method),
		attribute.String("http.url", url),
	)
	resp, err := c.send(ctx, req, url)
	telemetry.EndSpan(span, err)

	if err != nil {
		if mutating && !req.NoQueue && (isConnectionFailure(err) || IsRetryable(err)) && ctx.Err() == nil {
			logging.Warn("Request failed, queueing for later delivery", map[string]interface{}{
				"method": req.Method,
				"path":   req.Path,
				"error":  err.Error(),
			})
			resp, qerr := c.enqueue(req, err)
			if qerr == nil {
				// Online but failing: try again after the longest backoff.
				c.drainAfter(c.backoff.Max)
			}
			return resp, qerr
		}
		c.metrics.ObserveRequest(req.Method, metrics.OutcomeError, c.now().Sub(start))
		return nil, err
	}

	if cacheable {
		c.cache.put(key, resp.StatusCode, resp.Header, resp.Body, req.CacheTTL)
	}
	c.metrics.ObserveRequest(req.Method, metrics.OutcomeSuccess, c.now().Sub(start))
	return resp, nil
}

// send runs the retry loop. Attempts are strictly sequential.
func (c *Client) send(ctx context.Context, req *Request, url string) (*Response, error) {
	maxRetries := c.maxRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	} else if req.MaxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff.Delay(attempt)
			logging.Debug("Retrying request", map[string]interface{}{
				"method":  req.Method,
				"path":    req.Path,
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   lastErr.Error(),
			})
			c.metrics.IncRetry()
			if err := c.sleep(ctx, delay); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrCancelled, "request cancelled", err)
			}
			if !c.monitor.IsOnline() {
				return nil, apperrors.Wrap(apperrors.ErrOffline, "connection lost during retry", lastErr)
			}
		}

		resp, err := c.attempt(ctx, req, url)
		if err == nil {
			resp.Attempts = attempt + 1
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt performs one HTTP exchange bounded by the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, req *Request, url string) (*Response, error) {
	timeout := c.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to build request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}
	if c.LowDataMode() {
		httpReq.Header.Set("Save-Data", "on")
		httpReq.Header.Set("X-Image-Quality", "low")
	}
	if req.RequiresAuth {
		if c.token == nil {
			return nil, apperrors.New(apperrors.ErrAuth, "request requires auth but no token source is configured")
		}
		token, err := c.token(ctx)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrAuth, "failed to get auth token", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := c.now()
	res, err := c.http.Do(httpReq)
	if err != nil {
		c.monitor.RecordRequest(c.now().Sub(start), true)
		return nil, classify(err, ctx, attemptCtx)
	}
	defer res.Body.Close()

	if err := c.checkDownload(res.ContentLength); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(res.Body)
	latency := c.now().Sub(start)
	if err != nil {
		c.monitor.RecordRequest(latency, true)
		return nil, classify(err, ctx, attemptCtx)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		c.monitor.RecordRequest(latency, res.StatusCode >= 500)
		return nil, &StatusError{Method: req.Method, URL: url, StatusCode: res.StatusCode, Body: body}
	}
	c.monitor.RecordRequest(latency, false)
	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: body}, nil
}

// checkDownload refuses downloads above the low-data or cellular limits.
func (c *Client) checkDownload(size int64) error {
	if size <= 0 {
		return nil
	}
	if c.LowDataMode() && size > LowDataDownloadLimit {
		return apperrors.New(apperrors.ErrDownloadTooLarge,
			fmt.Sprintf("download of %s exceeds the low-data limit", humanize.Bytes(uint64(size))))
	}
	if c.monitor.ConnectionType() == ConnectionCellular && size > CellularDownloadLimit {
		return apperrors.New(apperrors.ErrDownloadTooLarge,
			fmt.Sprintf("download of %s exceeds the cellular limit", humanize.Bytes(uint64(size))))
	}
	return nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// =====================================================
// Cancellation
// =====================================================

func (c *Client) track(id string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[id] = cancel
}

func (c *Client) untrack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
}

// Cancel aborts the in-flight request with the given ID.
func (c *Client) Cancel(id string) bool {
	c.mu.Lock()
	cancel, ok := c.inflight[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll aborts every in-flight request.
func (c *Client) CancelAll() int {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.inflight))
	for _, cancel := range c.inflight {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		logging.Info("Cancelled in-flight requests", map[string]interface{}{"count": len(cancels)})
	}
	return len(cancels)
}

// InFlight returns the number of requests currently being sent.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// ClearCache drops every cached response.
func (c *Client) ClearCache() {
	c.cache.clear()
}

// =====================================================
// Offline Queue
// =====================================================

func (c *Client) enqueue(req *Request, cause error) (*Response, error) {
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	p := &pendingRequest{
		ID:           req.ID,
		Method:       req.Method,
		Path:         req.Path,
		Body:         req.Body,
		Header:       req.Header,
		RequiresAuth: req.RequiresAuth,
		Priority:     priority,
		MaxRetries:   req.MaxRetries,
		EnqueuedAt:   c.now().UnixMilli(),
	}
	if cause != nil {
		p.LastError = cause.Error()
	}

	c.mu.Lock()
	c.waiters[p.ID] = make(chan outcome, 1)
	c.mu.Unlock()

	if _, err := c.pending.push(p); err != nil {
		c.mu.Lock()
		delete(c.waiters, p.ID)
		c.mu.Unlock()
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to queue request", err)
	}

	logging.Info("Request queued for later delivery", map[string]interface{}{
		"id":       p.ID,
		"method":   p.Method,
		"path":     p.Path,
		"priority": string(p.Priority),
	})
	c.metrics.ObserveRequest(req.Method, metrics.OutcomeQueued, 0)
	return &Response{StatusCode: http.StatusAccepted, Queued: true, QueueID: p.ID}, nil
}

// Wait blocks until the queued request id is delivered or given up on.
func (c *Client) Wait(ctx context.Context, id string) (*Response, error) {
	c.mu.Lock()
	ch, ok := c.waiters[id]
	c.mu.Unlock()
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, "no queued request with id "+id)
	}
	select {
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.ErrCancelled, "wait cancelled", ctx.Err())
	case o := <-ch:
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
		return o.resp, o.err
	}
}

func (c *Client) deliver(id string, resp *Response, err error) {
	c.mu.Lock()
	ch, ok := c.waiters[id]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- outcome{resp: resp, err: err}:
		default:
		}
	}
}

// PendingCount returns the number of queued requests.
func (c *Client) PendingCount() int {
	return c.pending.len()
}

// ClearPending drops every queued request and fails their waiters.
func (c *Client) ClearPending() error {
	entries, err := c.pending.list()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to list queued requests", err)
	}
	if err := c.pending.clear(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to clear queued requests", err)
	}
	for _, e := range entries {
		c.deliver(e.req.ID, nil, apperrors.New(apperrors.ErrCancelled, "queued request discarded"))
	}
	return nil
}

// Drain replays queued requests in priority order, one at a time, spaced by
// the drain interval. A request that keeps failing is retried in place with
// backoff and given up on after its retry ceiling; the error goes to its
// waiter. Requests queued while Drain runs are picked up before it returns.
// Drain stops early if the device goes offline. Concurrent calls return
// immediately.
func (c *Client) Drain(ctx context.Context) (int, error) {
	if !c.draining.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer c.draining.Store(false)

	limiter := rate.NewLimiter(rate.Every(c.spacing), 1)
	seen := make(map[string]bool)
	delivered := 0
	for {
		entries, err := c.pending.list()
		if err != nil {
			return delivered, apperrors.Wrap(apperrors.ErrStorage, "failed to list queued requests", err)
		}
		fresh := 0
		for _, e := range entries {
			if seen[e.key] {
				continue
			}
			seen[e.key] = true
			fresh++
			if !c.monitor.IsOnline() {
				return delivered, nil
			}
			if err := limiter.Wait(ctx); err != nil {
				return delivered, err
			}
			if c.replay(ctx, e) {
				delivered++
			}
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
		}
		if fresh == 0 {
			break
		}
	}

	if len(seen) > 0 {
		logging.Info("Request queue drained", map[string]interface{}{
			"delivered": delivered,
			"remaining": c.pending.len(),
		})
	}
	return delivered, nil
}

// replay sends one queued request and settles its queue entry. Retryable
// failures are retried in place with backoff until the retry ceiling; the
// entry stays queued only when the device goes offline or ctx ends. It
// reports whether the request was delivered.
func (c *Client) replay(ctx context.Context, e pendingEntry) bool {
	p := e.req
	req := &Request{
		ID:           p.ID,
		Method:       p.Method,
		Path:         p.Path,
		Body:         p.Body,
		Header:       p.Header,
		RequiresAuth: p.RequiresAuth,
	}
	url := c.resolve(p.Path)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.track(p.ID, cancel)
	defer c.untrack(p.ID)

	limit := c.maxRetries
	if p.MaxRetries > 0 {
		limit = p.MaxRetries
	}
	for {
		resp, err := c.attempt(ctx, req, url)
		if err == nil {
			resp.Attempts = p.Attempts + 1
			c.settle(e, resp, nil)
			return true
		}
		if apperrors.Is(err, apperrors.ErrCancelled) || ctx.Err() != nil {
			return false
		}

		p.Attempts++
		p.LastError = err.Error()
		if !(IsRetryable(err) || isConnectionFailure(err)) || p.Attempts > limit {
			c.settle(e, nil, err)
			return false
		}
		if uerr := c.pending.update(e); uerr != nil {
			logging.Error("Failed to update queued request", uerr, map[string]interface{}{"id": p.ID})
		}

		delay := c.backoff.Delay(p.Attempts)
		logging.Debug("Retrying queued request", map[string]interface{}{
			"id":      p.ID,
			"attempt": p.Attempts,
			"delay":   delay.String(),
		})
		if err := c.sleep(ctx, delay); err != nil {
			return false
		}
		if !c.monitor.IsOnline() {
			return false
		}
	}
}

func (c *Client) settle(e pendingEntry, resp *Response, err error) {
	if rerr := c.pending.remove(e.key); rerr != nil {
		logging.Error("Failed to remove queued request", rerr, map[string]interface{}{"id": e.req.ID})
	}
	if err != nil {
		logging.Warn("Queued request given up", map[string]interface{}{
			"id":       e.req.ID,
			"method":   e.req.Method,
			"path":     e.req.Path,
			"attempts": e.req.Attempts,
			"error":    err.Error(),
		})
	}
	c.deliver(e.req.ID, resp, err)
}
