// Package metrics provides monitoring and metrics collection for a worker process.
package metrics

import (
	"expvar"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    string
}

// Metrics collects per-worker counters and gauges. Unlike a process-wide
// singleton, each New call returns an independent instance bound to its
// own process-unique expvar namespace so that multiple instances in the same
// test binary do not collide.
type Metrics struct {
	enabled bool
	mu      sync.RWMutex

	// Job graph metrics.
	jobsCommitted *expvar.Int
	jobsFailed    *expvar.Int

	// Promise metrics.
	promisesAllocated *expvar.Int
	promisesResolved  *expvar.Int

	// Cache metrics.
	cacheHits      *expvar.Int
	cacheMisses    *expvar.Int
	cacheEvictions *expvar.Int
	bytesCached    *expvar.Int

	// Async write pipeline.
	writeQueueDepth *expvar.Int

	startTime time.Time
}

var instanceSeq int64

// New creates a new, independently-scoped Metrics instance. When enabled, its
// counters are published under a process-unique expvar namespace.
func New(cfg *Config) *Metrics {
	if cfg == nil {
		cfg = &Config{Enabled: false}
	}

	m := &Metrics{
		enabled:           cfg.Enabled,
		jobsCommitted:     new(expvar.Int),
		jobsFailed:        new(expvar.Int),
		promisesAllocated: new(expvar.Int),
		promisesResolved:  new(expvar.Int),
		cacheHits:         new(expvar.Int),
		cacheMisses:       new(expvar.Int),
		cacheEvictions:    new(expvar.Int),
		bytesCached:       new(expvar.Int),
		writeQueueDepth:   new(expvar.Int),
		startTime:         time.Now(),
	}

	if cfg.Enabled {
		ns := fmt.Sprintf("flowgraph_%d", atomic.AddInt64(&instanceSeq, 1))
		expvar.Publish(ns+"_jobs_committed", m.jobsCommitted)
		expvar.Publish(ns+"_jobs_failed", m.jobsFailed)
		expvar.Publish(ns+"_promises_allocated", m.promisesAllocated)
		expvar.Publish(ns+"_promises_resolved", m.promisesResolved)
		expvar.Publish(ns+"_cache_hits", m.cacheHits)
		expvar.Publish(ns+"_cache_misses", m.cacheMisses)
		expvar.Publish(ns+"_cache_evictions", m.cacheEvictions)
		expvar.Publish(ns+"_bytes_cached", m.bytesCached)
		expvar.Publish(ns+"_write_queue_depth", m.writeQueueDepth)
		expvar.Publish(ns+"_uptime_seconds", expvar.Func(func() interface{} {
			return time.Since(m.startTime).Seconds()
		}))
	}

	return m
}

// IsEnabled returns whether metrics are enabled.
func (m *Metrics) IsEnabled() bool {
	return m.enabled
}

// IncJobsCommitted increments the committed-jobs counter.
func (m *Metrics) IncJobsCommitted() {
	if !m.enabled {
		return
	}
	m.jobsCommitted.Add(1)
}

// IncJobsFailed increments the failed-jobs counter.
func (m *Metrics) IncJobsFailed() {
	if !m.enabled {
		return
	}
	m.jobsFailed.Add(1)
}

// IncPromisesAllocated increments the promise-placeholder-allocation counter.
func (m *Metrics) IncPromisesAllocated() {
	if !m.enabled {
		return
	}
	m.promisesAllocated.Add(1)
}

// IncPromisesResolved increments the promise-resolution counter.
func (m *Metrics) IncPromisesResolved() {
	if !m.enabled {
		return
	}
	m.promisesResolved.Add(1)
}

// IncCacheHits increments the cache-hit counter.
func (m *Metrics) IncCacheHits() {
	if !m.enabled {
		return
	}
	m.cacheHits.Add(1)
}

// IncCacheMisses increments the cache-miss counter.
func (m *Metrics) IncCacheMisses() {
	if !m.enabled {
		return
	}
	m.cacheMisses.Add(1)
}

// IncCacheEvictions increments the cache-eviction counter.
func (m *Metrics) IncCacheEvictions() {
	if !m.enabled {
		return
	}
	m.cacheEvictions.Add(1)
}

// SetBytesCached sets the current cached-bytes gauge.
func (m *Metrics) SetBytesCached(n int64) {
	if !m.enabled {
		return
	}
	m.bytesCached.Set(n)
}

// SetWriteQueueDepth sets the current async write-queue depth gauge.
func (m *Metrics) SetWriteQueueDepth(n int64) {
	if !m.enabled {
		return
	}
	m.writeQueueDepth.Set(n)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "Metrics disabled", http.StatusNotFound)
		})
	}
	return expvar.Handler()
}

// GetSnapshot returns a snapshot of current metrics.
func (m *Metrics) GetSnapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.enabled {
		return map[string]interface{}{
			"enabled": false,
		}
	}

	return map[string]interface{}{
		"enabled":             true,
		"jobs_committed":      m.jobsCommitted.Value(),
		"jobs_failed":         m.jobsFailed.Value(),
		"promises_allocated":  m.promisesAllocated.Value(),
		"promises_resolved":   m.promisesResolved.Value(),
		"cache_hits":          m.cacheHits.Value(),
		"cache_misses":        m.cacheMisses.Value(),
		"cache_evictions":     m.cacheEvictions.Value(),
		"bytes_cached":        m.bytesCached.Value(),
		"write_queue_depth":   m.writeQueueDepth.Value(),
		"uptime_seconds":      time.Since(m.startTime).Seconds(),
	}
}
