package metrics

import (
	"sync"
	"time"
)

const maxSamples = 500 // ring buffer size for percentile calculations

// TimingMetric tracks latency statistics for one operation
type TimingMetric struct {
	mu        sync.RWMutex
	Count     int64
	Total     time.Duration
	Min       time.Duration
	Max       time.Duration
	Last      time.Duration
	samples   []time.Duration
	sampleIdx int
}

// CounterMetric tracks a monotonically increasing value
type CounterMetric struct {
	mu    sync.RWMutex
	Value int64
	Last  time.Time
}

// OutcomeMetric tracks named outcome counts for one operation
type OutcomeMetric struct {
	mu       sync.RWMutex
	Outcomes map[string]int64
	Total    int64
}

// TimingSnapshot is a point-in-time view of a timing metric
type TimingSnapshot struct {
	Count  int64   `json:"count"`
	AvgMs  float64 `json:"avg_ms"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	LastMs float64 `json:"last_ms"`
	P95Ms  float64 `json:"p95_ms,omitempty"`
}

// Snapshot is a point-in-time view of every metric
type Snapshot struct {
	Uptime   time.Duration               `json:"uptime"`
	Counters map[string]int64            `json:"counters"`
	Timings  map[string]*TimingSnapshot  `json:"timings"`
	Outcomes map[string]map[string]int64 `json:"outcomes"`
}
