// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package transport

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// backoffTracker remembers, per host, the time until which this client
// should avoid sending further requests after a homeserver returned
// M_LIMIT_EXCEEDED (spec §4.4.3 "client-side backoff"). It is the client-side
// counterpart of dendrite's server-side internal/httputil.RateLimits:
// keyed state with a periodic sweep instead of a per-request token bucket,
// because here there is exactly one caller (this process) per host rather
// than many remote callers to throttle independently.
type backoffTracker struct {
	mu      sync.Mutex
	until   map[string]time.Time
	cleanup chan struct{}
	once    sync.Once

	defaultBackoff time.Duration // used when the homeserver gave no retry_after_ms
	maxBackoff     time.Duration // clamps whatever the homeserver asked for
}

var (
	backoffActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "libcmatrix", Subsystem: "transport", Name: "backoff_hosts", Help: "Number of hosts currently under client-side backoff."},
		[]string{},
	)
	registerBackoffMetrics sync.Once
)

func init() {
	registerBackoffMetrics.Do(func() {
		prometheus.MustRegister(backoffActive)
	})
}

func newBackoffTracker() *backoffTracker {
	b := &backoffTracker{
		until:          make(map[string]time.Time),
		cleanup:        make(chan struct{}),
		defaultBackoff: 500 * time.Millisecond,
		maxBackoff:     60 * time.Second,
	}
	go b.sweep()
	return b
}

// setPolicy overrides the default/max backoff durations (setup/config's
// rate_limiting.default_backoff / rate_limiting.max_backoff).
func (b *backoffTracker) setPolicy(defaultBackoff, maxBackoff time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if defaultBackoff > 0 {
		b.defaultBackoff = defaultBackoff
	}
	if maxBackoff > 0 {
		b.maxBackoff = maxBackoff
	}
}

// sweep periodically drops expired entries so the map does not grow
// unbounded across a long-lived process.
func (b *backoffTracker) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-b.cleanup:
			return
		case <-ticker.C:
			now := time.Now()
			b.mu.Lock()
			for host, until := range b.until {
				if now.After(until) {
					delete(b.until, host)
				}
			}
			backoffActive.WithLabelValues().Set(float64(len(b.until)))
			b.mu.Unlock()
		}
	}
}

// stop halts the sweep goroutine. Safe to call multiple times.
func (b *backoffTracker) stop() {
	b.once.Do(func() { close(b.cleanup) })
}

// note records that host must not be contacted again until retryAfter has
// elapsed, substituting the configured default when retryAfter is zero (the
// homeserver gave no retry_after_ms) and clamping to the configured max.
func (b *backoffTracker) note(host string, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if retryAfter <= 0 {
		retryAfter = b.defaultBackoff
	}
	if b.maxBackoff > 0 && retryAfter > b.maxBackoff {
		retryAfter = b.maxBackoff
	}
	until := time.Now().Add(retryAfter)
	if existing, ok := b.until[host]; !ok || until.After(existing) {
		b.until[host] = until
	}
	backoffActive.WithLabelValues().Set(float64(len(b.until)))
}

// wait returns a channel that fires once host is clear of its recorded
// backoff (immediately if there is none). Callers select on it alongside
// their own context cancellation.
func (b *backoffTracker) wait(host string) <-chan time.Time {
	b.mu.Lock()
	until, ok := b.until[host]
	b.mu.Unlock()
	if !ok || !time.Now().Before(until) {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(time.Until(until))
}
