package rpc

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// Metrics is the transport's counter set, surfaced as JSON on /metrics for
// local operations use. Not a metrics pipeline; the OTel layer handles
// that when enabled.
type Metrics struct {
	mu sync.RWMutex

	requestCounts map[string]int64 // method -> count
	requestErrors map[string]int64 // method -> error count
	statusCounts  map[int]int64    // http status -> count

	latency    map[string][]time.Duration // method -> bounded samples
	maxSamples int

	eventsAppended int64
	rateLimited    int64
	authRejected   int64

	startTime time.Time
}

// NewMetrics returns an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCounts: make(map[string]int64),
		requestErrors: make(map[string]int64),
		statusCounts:  make(map[int]int64),
		latency:       make(map[string][]time.Duration),
		maxSamples:    1000,
		startTime:     time.Now(),
	}
}

// RecordRequest counts one dispatched method call.
func (m *Metrics) RecordRequest(method string, d time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCounts[method]++
	if failed {
		m.requestErrors[method]++
	}
	samples := m.latency[method]
	if len(samples) >= m.maxSamples {
		samples = samples[1:]
	}
	m.latency[method] = append(samples, d)
}

// RecordStatus counts one HTTP response by status code.
func (m *Metrics) RecordStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCounts[status]++
}

// RecordEventAppended counts one persisted session event.
func (m *Metrics) RecordEventAppended() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsAppended++
}

// RecordRateLimited counts one 429.
func (m *Metrics) RecordRateLimited() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimited++
}

// RecordAuthRejected counts one 401.
func (m *Metrics) RecordAuthRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authRejected++
}

// MethodStats is the per-method slice of a metrics snapshot.
type MethodStats struct {
	Count  int64   `json:"count"`
	Errors int64   `json:"errors"`
	P50MS  float64 `json:"p50Ms"`
	P95MS  float64 `json:"p95Ms"`
}

// MetricsSnapshot is the JSON shape served on /metrics.
type MetricsSnapshot struct {
	UptimeSeconds  float64                `json:"uptimeSeconds"`
	Requests       map[string]MethodStats `json:"requests"`
	StatusCounts   map[string]int64       `json:"statusCounts"`
	EventsAppended int64                  `json:"eventsAppended"`
	RateLimited    int64                  `json:"rateLimited"`
	AuthRejected   int64                  `json:"authRejected"`
	ActiveSessions int                    `json:"activeSessions"`
}

// Snapshot copies the counters out under the read lock.
func (m *Metrics) Snapshot(activeSessions int) MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		UptimeSeconds:  time.Since(m.startTime).Seconds(),
		Requests:       make(map[string]MethodStats, len(m.requestCounts)),
		StatusCounts:   make(map[string]int64, len(m.statusCounts)),
		EventsAppended: m.eventsAppended,
		RateLimited:    m.rateLimited,
		AuthRejected:   m.authRejected,
		ActiveSessions: activeSessions,
	}
	for method, count := range m.requestCounts {
		snap.Requests[method] = MethodStats{
			Count:  count,
			Errors: m.requestErrors[method],
			P50MS:  percentileMS(m.latency[method], 0.50),
			P95MS:  percentileMS(m.latency[method], 0.95),
		}
	}
	for status, count := range m.statusCounts {
		snap.StatusCounts[strconv.Itoa(status)] = count
	}
	return snap
}

func percentileMS(samples []time.Duration, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return float64(sorted[idx]) / float64(time.Millisecond)
}
