package metrics

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		enabled bool
	}{
		{name: "enabled metrics", cfg: &Config{Enabled: true, Port: "2112"}, enabled: true},
		{name: "disabled metrics", cfg: &Config{Enabled: false, Port: "2112"}, enabled: false},
		{name: "nil config", cfg: nil, enabled: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(tt.cfg)
			if m == nil {
				t.Fatal("Expected non-nil Metrics")
			}
			if m.IsEnabled() != tt.enabled {
				t.Errorf("Expected enabled=%v, got %v", tt.enabled, m.IsEnabled())
			}
		})
	}
}

func TestJobMetrics(t *testing.T) {
	m := New(&Config{Enabled: true})

	m.IncJobsCommitted()
	m.IncJobsCommitted()
	m.IncJobsFailed()

	snapshot := m.GetSnapshot()
	if snapshot["jobs_committed"].(int64) != 2 {
		t.Errorf("Expected jobs_committed=2, got %v", snapshot["jobs_committed"])
	}
	if snapshot["jobs_failed"].(int64) != 1 {
		t.Errorf("Expected jobs_failed=1, got %v", snapshot["jobs_failed"])
	}
}

func TestPromiseMetrics(t *testing.T) {
	m := New(&Config{Enabled: true})

	m.IncPromisesAllocated()
	m.IncPromisesAllocated()
	m.IncPromisesResolved()

	snapshot := m.GetSnapshot()
	if snapshot["promises_allocated"].(int64) != 2 {
		t.Errorf("Expected promises_allocated=2, got %v", snapshot["promises_allocated"])
	}
	if snapshot["promises_resolved"].(int64) != 1 {
		t.Errorf("Expected promises_resolved=1, got %v", snapshot["promises_resolved"])
	}
}

func TestCacheMetrics(t *testing.T) {
	m := New(&Config{Enabled: true})

	m.IncCacheHits()
	m.IncCacheMisses()
	m.IncCacheEvictions()
	m.SetBytesCached(4096)
	m.SetWriteQueueDepth(3)

	snapshot := m.GetSnapshot()
	if snapshot["cache_hits"].(int64) != 1 {
		t.Errorf("Expected cache_hits=1, got %v", snapshot["cache_hits"])
	}
	if snapshot["cache_misses"].(int64) != 1 {
		t.Errorf("Expected cache_misses=1, got %v", snapshot["cache_misses"])
	}
	if snapshot["cache_evictions"].(int64) != 1 {
		t.Errorf("Expected cache_evictions=1, got %v", snapshot["cache_evictions"])
	}
	if snapshot["bytes_cached"].(int64) != 4096 {
		t.Errorf("Expected bytes_cached=4096, got %v", snapshot["bytes_cached"])
	}
	if snapshot["write_queue_depth"].(int64) != 3 {
		t.Errorf("Expected write_queue_depth=3, got %v", snapshot["write_queue_depth"])
	}
}

func TestMetricsDisabled(t *testing.T) {
	m := New(&Config{Enabled: false})

	m.IncJobsCommitted()
	m.SetBytesCached(100)

	snapshot := m.GetSnapshot()
	if snapshot["enabled"].(bool) {
		t.Error("Expected metrics to be disabled")
	}

	if len(snapshot) != 1 {
		t.Errorf("Expected only 'enabled' field, got %v", snapshot)
	}
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name           string
		enabled        bool
		expectedStatus int
	}{
		{name: "enabled handler", enabled: true, expectedStatus: http.StatusOK},
		{name: "disabled handler", enabled: false, expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(&Config{Enabled: tt.enabled})
			handler := m.Handler()

			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %v, got %v", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestConcurrentMetrics(t *testing.T) {
	m := New(&Config{Enabled: true})

	initial := m.GetSnapshot()["jobs_committed"].(int64)

	var wg sync.WaitGroup
	iterations := 100

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				m.IncJobsCommitted()
				m.IncCacheHits()
				m.IncPromisesAllocated()
			}
		}()
	}

	wg.Wait()

	snapshot := m.GetSnapshot()
	expected := initial + int64(10*iterations)
	if snapshot["jobs_committed"].(int64) != expected {
		t.Errorf("Expected jobs_committed=%v, got %v", expected, snapshot["jobs_committed"])
	}
}

func TestGetSnapshotStructure(t *testing.T) {
	m := New(&Config{Enabled: true})

	snapshot := m.GetSnapshot()

	requiredFields := []string{
		"enabled",
		"jobs_committed",
		"jobs_failed",
		"promises_allocated",
		"promises_resolved",
		"cache_hits",
		"cache_misses",
		"cache_evictions",
		"bytes_cached",
		"write_queue_depth",
		"uptime_seconds",
	}

	for _, field := range requiredFields {
		if _, ok := snapshot[field]; !ok {
			t.Errorf("Missing required field: %s", field)
		}
	}
}
