// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package transport implements Net, the prioritized HTTP transport against a
// Matrix homeserver (spec §4.4): JSON/binary requests with access-token
// injection, priority-ordered dispatch, per-host connection capping, and
// streaming file transfer through pkg/mediastream.
package transport

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/element-hq/libcmatrix-go/pkg/matrixtypes"
	"github.com/element-hq/libcmatrix-go/pkg/mediastream"
	"github.com/element-hq/libcmatrix-go/pkg/merrors"
)

// Method is one of the three HTTP verbs this subsystem issues (spec §4.4).
type Method string

const (
	MethodGET  Method = http.MethodGet
	MethodPOST Method = http.MethodPost
	MethodPUT  Method = http.MethodPut
)

// perHostConnectionCap is the connection cap that applies to both the main
// HTTP session and the file HTTP session (spec §4.4.5, §5).
const perHostConnectionCap = 4

// perHostBaselineRate/perHostBurst pace requests to a well-behaved host even
// when it has never returned M_LIMIT_EXCEEDED, a token-bucket floor beneath
// backoffTracker's reactive, server-told backoff.
const (
	perHostBaselineRate = 10 // requests/sec
	perHostBurst        = 20
)

var (
	requestsQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "libcmatrix", Subsystem: "transport", Name: "requests_queued", Help: "Total number of requests enqueued, by priority."},
		[]string{"priority"},
	)
	requestsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "libcmatrix", Subsystem: "transport", Name: "requests_completed", Help: "Total number of requests completed, by outcome."},
		[]string{"outcome"},
	)
	registerTransportMetrics sync.Once
)

func init() {
	registerTransportMetrics.Do(func() {
		prometheus.MustRegister(requestsQueued, requestsCompleted)
	})
}

// Request is a single enqueued operation. Fields mirror the "set-data tag
// bags on tasks" DESIGN NOTES §9 calls out: priority, path, method, query
// and body become explicit struct fields instead of out-of-band task
// parameters.
type Request struct {
	ID          string
	Priority    Priority
	Method      Method
	Path        string
	Query       url.Values
	Body        []byte // already-encoded JSON or raw bytes
	IsFile      bool   // true for a file *download* fetch only — skips access_token query injection per spec §4.4.2; uploads still authenticate normally
	LongTimeout bool   // true to dispatch via the long-timeout file client instead of the API client

	ctx    context.Context
	result chan requestResult
}

type requestResult struct {
	value interface{}
	raw   []byte
	err   error
}

// Net is the prioritized HTTP transport described in spec §4.4. The zero
// value is not usable; construct with New.
type Net struct {
	mu          sync.RWMutex
	homeserver  string
	accessToken []byte // locked/wiped allocation per spec §4.5/§9

	httpClient *http.Client
	fileClient *http.Client

	hostSemaphores sync.Map // host string -> *semaphore.Weighted
	hostLimiters   sync.Map // host string -> *rate.Limiter
	backoff        *backoffTracker

	connectionCap  int64 // per-host connection cap; overridable via SetConnectionsPerHost
	baselineRate   rate.Limit
	burst          int
	maxUploadBytes int64 // 0 means unbounded
	queueCap       int   // 0 means unbounded; rejects submit() once the pending queue is this deep

	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     requestHeap
	seq       uint64
	closed    bool

	internalCancelMu sync.Mutex
	internalCancel   map[string]context.CancelFunc

	log *logrus.Entry
}

// New constructs a Net with the given logical name (used only for log
// correlation) and starts its dispatch loop.
func New(name string) *Net {
	n := &Net{
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		fileClient:     &http.Client{Timeout: 5 * time.Minute},
		internalCancel: make(map[string]context.CancelFunc),
		backoff:        newBackoffTracker(),
		log:            logrus.WithField("component", "transport.Net").WithField("name", name),
		connectionCap:  perHostConnectionCap,
		baselineRate:   rate.Limit(perHostBaselineRate),
		burst:          perHostBurst,
	}
	n.queueCond = sync.NewCond(&n.queueMu)
	go n.dispatchLoop()
	return n
}

// SetConnectionsPerHost overrides the per-host connection cap (setup/config's
// media.connections_per_host) and the baseline requests/sec pacing applied to
// a well-behaved host. Must be called before the first request against a
// given host; it has no effect on a host whose semaphore/limiter already
// exist.
func (n *Net) SetConnectionsPerHost(connections int, baselineRatePerSec float64) {
	if connections > 0 {
		n.connectionCap = int64(connections)
		n.burst = connections * 2
	}
	if baselineRatePerSec > 0 {
		n.baselineRate = rate.Limit(baselineRatePerSec)
	}
}

// SetMaxUploadBytes caps the plaintext size PutFile accepts (setup/config's
// media.max_upload_bytes); 0 (the default) leaves uploads unbounded.
func (n *Net) SetMaxUploadBytes(max int64) {
	n.maxUploadBytes = max
}

// SetBackoffPolicy overrides the client-side backoff applied on
// M_LIMIT_EXCEEDED: the duration used when the homeserver gives no
// retry_after_ms, and the cap on any backoff (setup/config's
// rate_limiting.default_backoff / rate_limiting.max_backoff).
func (n *Net) SetBackoffPolicy(defaultBackoff, maxBackoff time.Duration) {
	n.backoff.setPolicy(defaultBackoff, maxBackoff)
}

// SetQueueCap bounds how many requests may sit pending at once (setup/config's
// rate_limiting.per_host_queue_cap — this client only ever talks to its one
// configured homeserver, so "per host" collapses to "per Net"). 0 leaves the
// queue unbounded. Submitting past the cap fails fast with KindTransport
// rather than queuing indefinitely behind a slow or throttled host.
func (n *Net) SetQueueCap(capacity int) {
	n.queueMu.Lock()
	defer n.queueMu.Unlock()
	n.queueCap = capacity
}

// SetHomeserver sets the base homeserver URL new requests are resolved
// against (spec §4.4).
func (n *Net) SetHomeserver(base string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.homeserver = strings.TrimRight(base, "/")
}

// SetAccessToken stores token in a wiped-on-replace buffer (spec §4.4,
// §5 "The access token ... [is] stored in locked memory and zeroed on
// drop").
func (n *Net) SetAccessToken(token string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.accessToken != nil {
		wipe(n.accessToken)
	}
	n.accessToken = []byte(token)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0xAD
	}
}

// Close stops the dispatch loop and wipes the stored access token.
func (n *Net) Close() {
	n.mu.Lock()
	if n.accessToken != nil {
		wipe(n.accessToken)
		n.accessToken = nil
	}
	n.mu.Unlock()

	n.backoff.stop()

	n.queueMu.Lock()
	n.closed = true
	n.queueCond.Broadcast()
	n.queueMu.Unlock()
}

func (n *Net) hostSemaphore(host string) *semaphore.Weighted {
	v, _ := n.hostSemaphores.LoadOrStore(host, semaphore.NewWeighted(n.connectionCap))
	return v.(*semaphore.Weighted)
}

func (n *Net) hostLimiter(host string) *rate.Limiter {
	v, _ := n.hostLimiters.LoadOrStore(host, rate.NewLimiter(n.baselineRate, n.burst))
	return v.(*rate.Limiter)
}

// dispatchLoop pulls the highest-priority queued request and runs it on its
// own goroutine once a per-host slot is available, so in-flight requests are
// never preempted (spec §5 "already-in-flight requests are never
// preempted").
func (n *Net) dispatchLoop() {
	for {
		n.queueMu.Lock()
		for n.queue.Len() == 0 && !n.closed {
			n.queueCond.Wait()
		}
		if n.closed && n.queue.Len() == 0 {
			n.queueMu.Unlock()
			return
		}
		qr := heap.Pop(&n.queue).(*queuedRequest)
		n.queueMu.Unlock()

		go n.execute(qr.req)
	}
}

// enqueue adds req to the dispatch queue, failing fast with KindTransport if
// queueCap is set and already reached rather than growing the queue
// unbounded behind a slow host.
func (n *Net) enqueue(req *Request) error {
	n.queueMu.Lock()
	if n.queueCap > 0 && n.queue.Len() >= n.queueCap {
		n.queueMu.Unlock()
		return merrors.New(merrors.KindTransport, fmt.Errorf("transport: request queue full (cap %d)", n.queueCap))
	}
	n.seq++
	heap.Push(&n.queue, &queuedRequest{priority: req.Priority, seq: n.seq, req: req})
	n.queueCond.Signal()
	n.queueMu.Unlock()
	requestsQueued.WithLabelValues(priorityLabel(req.Priority)).Inc()
	return nil
}

func priorityLabel(p Priority) string {
	switch p.Normalize() {
	case PriorityVeryLow:
		return "very_low"
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityVeryHigh:
		return "very_high"
	default:
		return "normal"
	}
}

func (n *Net) resolveURL(req *Request) (string, error) {
	n.mu.RLock()
	homeserver := n.homeserver
	token := append([]byte(nil), n.accessToken...)
	n.mu.RUnlock()

	path := req.Path
	if strings.HasPrefix(path, "mxc://") {
		rest := strings.TrimPrefix(path, "mxc://")
		path = "/_matrix/media/r0/download/" + rest
	}

	full := homeserver + path
	u, err := url.Parse(full)
	if err != nil {
		return "", merrors.New(merrors.KindInvalidData, err)
	}

	q := req.Query
	if q == nil {
		q = url.Values{}
	}
	if len(token) > 0 && !req.IsFile {
		q.Set("access_token", string(token))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (n *Net) execute(req *Request) {
	host, sem, err := n.acquireHostSlot(req)
	if err != nil {
		n.deliver(req, requestResult{err: err})
		return
	}
	defer sem.Release(1)

	select {
	case <-n.backoff.wait(host):
	case <-req.ctx.Done():
		n.deliver(req, requestResult{err: merrors.New(merrors.KindCancelled, req.ctx.Err())})
		return
	}

	if err := n.hostLimiter(host).Wait(req.ctx); err != nil {
		n.log.WithFields(logrus.Fields{"host": host, "path": req.Path}).Debug("rate limiter wait cancelled")
		n.deliver(req, requestResult{err: merrors.New(merrors.KindCancelled, err)})
		return
	}

	target, err := n.resolveURL(req)
	if err != nil {
		n.log.WithError(err).WithField("path", req.Path).Warn("failed to resolve request URL")
		n.deliver(req, requestResult{err: err})
		return
	}

	httpReq, err := http.NewRequestWithContext(req.ctx, string(req.Method), target, bodyReader(req.Body))
	if err != nil {
		n.deliver(req, requestResult{err: merrors.New(merrors.KindInvalidData, err)})
		return
	}
	httpReq.Header.Set("Accept-Encoding", "gzip")
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	reqLog := n.log.WithFields(logrus.Fields{"method": string(req.Method), "host": host, "path": req.Path})
	reqLog.Debug("sending request")

	client := n.httpClient
	if req.LongTimeout {
		client = n.fileClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if req.ctx.Err() != nil {
			reqLog.WithError(err).Debug("request cancelled")
			n.deliver(req, requestResult{err: merrors.New(merrors.KindCancelled, req.ctx.Err())})
			requestsCompleted.WithLabelValues("cancelled").Inc()
			return
		}
		reqLog.WithError(err).Warn("request failed")
		n.deliver(req, requestResult{err: merrors.New(merrors.KindTransport, err)})
		requestsCompleted.WithLabelValues("transport_error").Inc()
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		reqLog.WithError(err).Warn("failed to read response body")
		n.deliver(req, requestResult{err: merrors.New(merrors.KindTransport, err)})
		requestsCompleted.WithLabelValues("read_error").Inc()
		return
	}

	val, err := parseResponseBody(raw)
	if err != nil {
		reqLog.WithError(err).Warn("failed to parse response body")
		n.deliver(req, requestResult{err: err, raw: raw})
		requestsCompleted.WithLabelValues("invalid_data").Inc()
		return
	}

	if resp.StatusCode >= 300 {
		if obj, ok := val.(map[string]interface{}); ok {
			if merr, ok := merrors.FromBody(obj); ok {
				if merr.ErrCode == merrors.ErrLimitExceeded {
					reqLog.WithField("retry_after_ms", merr.RetryAfterMS).Warn("rate limited by homeserver, backing off")
					n.backoff.note(host, time.Duration(merr.RetryAfterMS)*time.Millisecond)
				}
				reqLog.WithField("errcode", merr.ErrCode).Debug("homeserver returned a Matrix error")
				n.deliver(req, requestResult{err: merr, raw: raw})
				requestsCompleted.WithLabelValues("matrix_error").Inc()
				return
			}
		}
		reqLog.WithField("status", resp.StatusCode).Error("unexpected non-Matrix-error HTTP status")
		n.deliver(req, requestResult{err: merrors.New(merrors.KindTransport, fmt.Errorf("unexpected status %d", resp.StatusCode)), raw: raw})
		requestsCompleted.WithLabelValues("http_error").Inc()
		return
	}

	reqLog.Debug("request completed")
	n.deliver(req, requestResult{value: val, raw: raw})
	requestsCompleted.WithLabelValues("ok").Inc()
}

func (n *Net) acquireHostSlot(req *Request) (string, *semaphore.Weighted, error) {
	n.mu.RLock()
	homeserver := n.homeserver
	n.mu.RUnlock()

	u, err := url.Parse(homeserver)
	if err != nil {
		return "", nil, merrors.New(merrors.KindInvalidData, err)
	}
	sem := n.hostSemaphore(u.Host)
	if err := sem.Acquire(req.ctx, 1); err != nil {
		if req.ctx.Err() != nil {
			return "", nil, merrors.New(merrors.KindCancelled, err)
		}
		n.log.WithError(err).WithField("host", u.Host).Warn("failed to acquire host connection slot")
		return "", nil, merrors.New(merrors.KindTransport, err)
	}
	return u.Host, sem, nil
}

func (n *Net) deliver(req *Request, res requestResult) {
	select {
	case req.result <- res:
	default:
	}
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return strings.NewReader(string(body))
}

// parseResponseBody parses raw as JSON; object or array roots are returned,
// anything else fails InvalidData (spec §4.4.6).
func parseResponseBody(raw []byte) (interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, merrors.New(merrors.KindInvalidData, err)
	}
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return v, nil
	default:
		return nil, merrors.New(merrors.KindInvalidData, fmt.Errorf("response root must be a JSON object or array"))
	}
}

// submit enqueues req and blocks for its result, honoring ctx. An internal
// canceller is always attached under the request's ID so that Cancel(id)
// can abort it later (spec §4.4, §5).
func (n *Net) submit(ctx context.Context, priority Priority, method Method, path string, query url.Values, body []byte, isFile, longTimeout bool) (interface{}, []byte, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()

	n.internalCancelMu.Lock()
	n.internalCancel[id] = cancel
	n.internalCancelMu.Unlock()
	defer func() {
		n.internalCancelMu.Lock()
		delete(n.internalCancel, id)
		n.internalCancelMu.Unlock()
		cancel()
	}()

	req := &Request{
		ID:          id,
		Priority:    priority.Normalize(),
		Method:      method,
		Path:        path,
		Query:       query,
		Body:        body,
		IsFile:      isFile,
		LongTimeout: longTimeout,
		ctx:         reqCtx,
		result:      make(chan requestResult, 1),
	}
	if err := n.enqueue(req); err != nil {
		cancel()
		return nil, nil, err
	}

	select {
	case res := <-req.result:
		return res.value, res.raw, res.err
	case <-ctx.Done():
		cancel()
		return nil, nil, merrors.New(merrors.KindCancelled, ctx.Err())
	}
}

// Cancel aborts the in-flight request with the given ID, if any (spec §4.4
// cancellation). It is a no-op if the request has already completed.
func (n *Net) Cancel(id string) {
	n.internalCancelMu.Lock()
	defer n.internalCancelMu.Unlock()
	if cancel, ok := n.internalCancel[id]; ok {
		cancel()
	}
}

// SendJSON sends a JSON body to path and returns the decoded JSON response
// (spec §4.4 send_json). body may be nil for GET requests.
func (n *Net) SendJSON(ctx context.Context, priority Priority, method Method, path string, query url.Values, body interface{}) (interface{}, error) {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, merrors.New(merrors.KindInvalidData, err)
		}
	}
	val, _, err := n.submit(ctx, priority, method, path, query, raw, false, false)
	return val, err
}

// SendBytes sends a raw byte payload to path and returns the decoded JSON
// response (spec §4.4 send_bytes).
func (n *Net) SendBytes(ctx context.Context, priority Priority, method Method, path string, query url.Values, body []byte) (interface{}, error) {
	val, _, err := n.submit(ctx, priority, method, path, query, body, false, false)
	return val, err
}

// GetFile streams an mxc:// (or absolute) URI, optionally decrypting
// through pkg/mediastream when encFileInfo is non-nil (spec §4.4 get_file).
func (n *Net) GetFile(ctx context.Context, uri string, encFileInfo *matrixtypes.EncryptedFileInfo) (io.ReadCloser, string, error) {
	n.mu.RLock()
	homeserver := n.homeserver
	n.mu.RUnlock()

	path := uri
	if strings.HasPrefix(uri, "mxc://") {
		rest := strings.TrimPrefix(uri, "mxc://")
		path = "/_matrix/media/r0/download/" + rest
	}
	target := homeserver + path

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", merrors.New(merrors.KindInvalidData, err)
	}
	httpReq.Header.Set("Accept-Encoding", "gzip")

	resp, err := n.fileClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", merrors.New(merrors.KindCancelled, ctx.Err())
		}
		return nil, "", merrors.New(merrors.KindTransport, err)
	}
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		var obj map[string]interface{}
		if json.Unmarshal(raw, &obj) == nil {
			if merr, ok := merrors.FromBody(obj); ok {
				return nil, "", merr
			}
		}
		return nil, "", merrors.New(merrors.KindTransport, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	contentType := resp.Header.Get("Content-Type")
	if encFileInfo != nil {
		ms, err := mediastream.NewDecrypting(resp.Body, *encFileInfo)
		if err != nil {
			resp.Body.Close()
			return nil, "", err
		}
		return &streamWithCloser{MediaStream: ms, underlying: resp.Body}, ms.ContentType(), nil
	}
	return resp.Body, contentType, nil
}

// streamWithCloser adapts *mediastream.MediaStream (an io.Reader) plus the
// underlying response body into an io.ReadCloser for callers of GetFile.
type streamWithCloser struct {
	*mediastream.MediaStream
	underlying io.Closer
}

func (s *streamWithCloser) Close() error {
	err := s.MediaStream.Close()
	if cerr := s.underlying.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// PutFile streams local (already-open) content through the media cipher —
// encrypting when encrypt is true, pass-through otherwise — and uploads it,
// returning the resulting mxc:// URI (spec §4.4 put_file).
func (n *Net) PutFile(ctx context.Context, content io.Reader, contentType string, encrypt bool, progress func(sent, total int64)) (string, *matrixtypes.KeyDescriptorJSON, error) {
	var ms *mediastream.MediaStream
	var err error
	if encrypt {
		ms, err = mediastream.NewEncrypting(content)
	} else {
		ms = mediastream.NewPassThrough(content, contentType)
	}
	if err != nil {
		return "", nil, err
	}
	defer ms.Close()

	var sent int64
	buf, err := io.ReadAll(countingReader{r: ms, n: &sent, cb: progress})
	if err != nil {
		return "", nil, merrors.New(merrors.KindTransport, err)
	}
	if n.maxUploadBytes > 0 && int64(len(buf)) > n.maxUploadBytes {
		return "", nil, merrors.New(merrors.KindInvalidData, fmt.Errorf("transport: upload of %d bytes exceeds configured max_upload_bytes %d", len(buf), n.maxUploadBytes))
	}

	// A file upload still authenticates like any other API call (spec §4.4.2
	// exempts only the get_file/download path, not put_file); isFile=false
	// here so resolveURL injects access_token as usual. longTimeout=true
	// routes the request through fileClient's 5-minute timeout rather than
	// the 60-second API timeout, matching GetFile's download path.
	val, _, err := n.submit(ctx, PriorityNormal, MethodPOST, "/_matrix/media/r0/upload", nil, buf, false, true)
	if err != nil {
		return "", nil, err
	}
	obj, ok := val.(map[string]interface{})
	if !ok {
		return "", nil, merrors.New(merrors.KindInvalidData, fmt.Errorf("upload response was not a JSON object"))
	}
	mxc, _ := obj["content_uri"].(string)
	if mxc == "" {
		return "", nil, merrors.New(merrors.KindInvalidData, fmt.Errorf("upload response missing content_uri"))
	}

	if encrypt {
		ms.SetMXCURI(mxc)
		// Force the reader to fully drain so Done()/KeyDescriptor reflect EOF;
		// io.ReadAll above already consumed it to completion.
		if desc, ok := ms.KeyDescriptor(); ok {
			return mxc, &desc, nil
		}
	}
	return mxc, nil, nil
}

type countingReader struct {
	r  io.Reader
	n  *int64
	cb func(sent, total int64)
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		total := atomic.AddInt64(c.n, int64(n))
		if c.cb != nil {
			c.cb(total, -1)
		}
	}
	return n, err
}
